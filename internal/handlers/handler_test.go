package handlers

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/eldtechnologies/roomsync/internal/chat"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{&chat.ValidationError{Field: "text", Reason: "empty"}, http.StatusBadRequest, CodeValidation},
		{chat.ErrBusy, http.StatusConflict, CodeBusy},
		{fmt.Errorf("send: %w", chat.ErrRoomNotFound), http.StatusNotFound, CodeNotFound},
		{chat.ErrSessionClosed, http.StatusGone, CodeSessionClosed},
		{&chat.StoreUnavailableError{Op: "append", Err: errors.New("down")}, http.StatusServiceUnavailable, CodeStoreUnavailable},
		{context.DeadlineExceeded, http.StatusServiceUnavailable, CodeStoreUnavailable},
		{errors.New("boom"), http.StatusInternalServerError, CodeInternal},
	}
	for _, tt := range tests {
		status, code := classify(tt.err)
		if status != tt.status || code != tt.code {
			t.Errorf("classify(%v) = %d %s, want %d %s", tt.err, status, code, tt.status, tt.code)
		}
	}
}

func TestWriteErrorBusySetsRetryAfter(t *testing.T) {
	h := NewHandler(Deps{})
	rec := httptest.NewRecorder()
	h.writeError(rec, httptest.NewRequest("POST", "/rooms/x/messages", nil), chat.ErrBusy)

	if rec.Code != http.StatusConflict || rec.Header().Get("Retry-After") != "1" {
		t.Fatalf("status %d, Retry-After %q", rec.Code, rec.Header().Get("Retry-After"))
	}
}

func TestOriginChecker(t *testing.T) {
	req := func(origin string) *http.Request {
		r := httptest.NewRequest("GET", "/rooms/x/stream", nil)
		if origin != "" {
			r.Header.Set("Origin", origin)
		}
		return r
	}

	if !originChecker(nil)(req("https://evil.example")) {
		t.Error("empty list should allow any origin")
	}
	if !originChecker([]string{"*"})(req("https://evil.example")) {
		t.Error("wildcard should allow any origin")
	}

	check := originChecker([]string{"https://chat.example"})
	if !check(req("https://chat.example")) || !check(req("")) {
		t.Error("listed origin and same-origin requests should pass")
	}
	if check(req("https://evil.example")) {
		t.Error("unlisted origin should be rejected")
	}
}

func TestMaxFrameBytesFitsImage(t *testing.T) {
	limits := chat.DefaultLimits()
	if got := maxFrameBytes(limits); got <= int64(limits.MaxImageBytes)*4/3 {
		t.Fatalf("frame limit %d cannot hold a full-size image", got)
	}
}

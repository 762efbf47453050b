package middleware

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestNormalizePath(t *testing.T) {
	tests := []struct {
		path string
		want string
	}{
		{"/rooms", "/rooms"},
		{"/rooms/", "/rooms/"},
		{"/rooms/0190a1b2", "/rooms/:id"},
		{"/rooms/0190a1b2/messages", "/rooms/:id/messages"},
		{"/rooms/0190a1b2/stream", "/rooms/:id/stream"},
		{"/rooms/0190a1b2/other/deep", "/rooms/:id/*"},
		{"/health", "/health"},
	}
	for _, tt := range tests {
		if got := normalizePath(tt.path); got != tt.want {
			t.Errorf("normalizePath(%q) = %q, want %q", tt.path, got, tt.want)
		}
	}
}

func TestFindLimitPrefersLongestPattern(t *testing.T) {
	rl := NewRateLimiter(nil, zerolog.Nop(), RateLimiterConfig{})

	tests := []struct {
		method, path string
		want         string
	}{
		{"POST", "/rooms", "create_room"},
		{"POST", "/rooms/abc/messages", "send"},
		{"GET", "/rooms", "list_rooms"},
		{"GET", "/rooms/abc/stream", "read_room"},
		{"GET", "/health", ""},
		{"DELETE", "/rooms/abc", ""},
	}
	for _, tt := range tests {
		r := httptest.NewRequest(tt.method, tt.path, nil)
		var got string
		if limit := rl.findLimit(r); limit != nil {
			got = limit.Name
		}
		if got != tt.want {
			t.Errorf("%s %s matched %q, want %q", tt.method, tt.path, got, tt.want)
		}
	}
}

func TestSessionOrIPKey(t *testing.T) {
	r := httptest.NewRequest("POST", "/rooms/x/messages", nil)
	r.RemoteAddr = "192.0.2.1:4321"
	if got := sessionOrIPKey(r); got != "roomsync:ratelimit:ip:192.0.2.1" {
		t.Errorf("key = %q", got)
	}
	r.Header.Set("X-Session-ID", "s-1")
	if got := sessionOrIPKey(r); got != "roomsync:ratelimit:session:s-1" {
		t.Errorf("key = %q", got)
	}
}

func TestWhitelist(t *testing.T) {
	rl := NewRateLimiter(nil, zerolog.Nop(), RateLimiterConfig{Whitelist: []string{"10.0.0.0/8", "127.0.0.1", "bad/cidr"}})
	for ip, want := range map[string]bool{
		"10.1.2.3":        true,
		"127.0.0.1":       true,
		"::ffff:10.0.0.1": true,
		"192.0.2.1":       false,
		"garbage":         false,
	} {
		if got := rl.isWhitelisted(ip); got != want {
			t.Errorf("isWhitelisted(%q) = %v, want %v", ip, got, want)
		}
	}
}

func TestValidateRequest(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })
	h := ValidateRequest(ok)

	tests := []struct {
		name   string
		req    *http.Request
		status int
	}{
		{"json post", jsonPost("/rooms", `{"name":"general"}`, "application/json"), http.StatusNoContent},
		{"form post", jsonPost("/rooms", `name=general`, "application/x-www-form-urlencoded"), http.StatusUnsupportedMediaType},
		{"traversal", httptest.NewRequest("GET", "/rooms/../etc", nil), http.StatusBadRequest},
		{"script in query", httptest.NewRequest("GET", "/rooms?q=<script>", nil), http.StatusBadRequest},
		{"plain get", httptest.NewRequest("GET", "/rooms?q=gen", nil), http.StatusNoContent},
		{"dots in search", httptest.NewRequest("GET", "/rooms?q=wait...", nil), http.StatusNoContent},
		{"encoded script in query", httptest.NewRequest("GET", "/rooms?q=%3Cscript%3E", nil), http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, tt.req)
			if rec.Code != tt.status {
				t.Fatalf("status = %d, want %d", rec.Code, tt.status)
			}
		})
	}
}

func TestMaxBodySize(t *testing.T) {
	h := MaxBodySize(8)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, jsonPost("/rooms", `{"name":"much too long"}`, "application/json"))
	if rec.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rec.Code)
	}
}

func jsonPost(path, body, contentType string) *http.Request {
	r := httptest.NewRequest("POST", path, strings.NewReader(body))
	r.Header.Set("Content-Type", contentType)
	return r
}

func TestLoggerLevels(t *testing.T) {
	tests := []struct {
		path   string
		status int
		level  string
	}{
		{"/rooms", http.StatusOK, "info"},
		{"/rooms/x", http.StatusNotFound, "warn"},
		{"/rooms", http.StatusServiceUnavailable, "error"},
		{"/health", http.StatusOK, "debug"},
	}
	for _, tt := range tests {
		var buf bytes.Buffer
		h := Logger(zerolog.New(&buf))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tt.status)
		}))
		h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", tt.path, nil))

		var entry map[string]interface{}
		if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
			t.Fatalf("%s: decode log %q: %v", tt.path, buf.String(), err)
		}
		if entry["level"] != tt.level {
			t.Errorf("%s %d logged at %v, want %s", tt.path, tt.status, entry["level"], tt.level)
		}
	}
}

func TestSecurityHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SecurityHeaders(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {})).
		ServeHTTP(rec, httptest.NewRequest("GET", "/rooms", nil))
	if got := rec.Header().Get("Content-Security-Policy"); !strings.HasPrefix(got, "default-src 'none'") {
		t.Errorf("CSP = %q", got)
	}
	if rec.Header().Get("X-Content-Type-Options") != "nosniff" {
		t.Error("missing nosniff")
	}
}

func TestRateLimiterRedis(t *testing.T) {
	url := os.Getenv("ROOMSYNC_TEST_REDIS_URL")
	if url == "" {
		t.Skip("ROOMSYNC_TEST_REDIS_URL not set")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		t.Fatal(err)
	}
	client := redis.NewClient(opts)
	defer client.Close()

	rl := NewRateLimiter(client, zerolog.Nop(), RateLimiterConfig{
		Limits: []RateLimit{{Name: "send", Method: "POST", Prefix: "/rooms/", Requests: 2, Window: time.Minute, KeyFunc: ipKey}},
	})
	h := rl.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	ip := fmt.Sprintf("198.51.100.%d", time.Now().UnixNano()%250)
	client.Del(context.Background(), keyPrefix+"ratelimit:ip:"+ip)
	var codes []int
	for i := 0; i < 3; i++ {
		r := jsonPost("/rooms/x/messages", `{}`, "application/json")
		r.RemoteAddr = ip + ":1234"
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		codes = append(codes, rec.Code)
	}
	if codes[0] != http.StatusOK || codes[1] != http.StatusOK || codes[2] != http.StatusTooManyRequests {
		t.Fatalf("codes = %v, want [200 200 429]", codes)
	}
}

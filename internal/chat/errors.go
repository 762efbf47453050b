package chat

import (
	"errors"
	"fmt"

	"github.com/eldtechnologies/roomsync/internal/hub"
	"github.com/eldtechnologies/roomsync/internal/store"
)

var (
	// ErrValidation matches every *ValidationError via errors.Is.
	ErrValidation = errors.New("validation failed")

	// ErrBusy is returned when a session already has a send in flight.
	ErrBusy = errors.New("session busy: a send is already in progress")

	// ErrStoreUnavailable matches every *StoreUnavailableError via errors.Is.
	ErrStoreUnavailable = errors.New("store unavailable")

	// ErrRoomNotFound is returned for operations on a room that does not exist.
	ErrRoomNotFound = store.ErrRoomNotFound

	// ErrMessageNotFound is returned when a message id is unknown in its room.
	ErrMessageNotFound = errors.New("message not found")

	// ErrSessionClosed is returned for sends on a closed session.
	ErrSessionClosed = errors.New("session closed")
)

// DeliveryError is the error the hub logs when a subscriber fails to handle a message.
type DeliveryError = hub.DeliveryError

// ValidationError reports a rejected input field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Is lets errors.Is(err, ErrValidation) match any ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

func invalid(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// StoreUnavailableError wraps a backend failure. The operation had no effect.
type StoreUnavailableError struct {
	Op  string
	Err error
}

func (e *StoreUnavailableError) Error() string {
	return fmt.Sprintf("%s: store unavailable: %v", e.Op, e.Err)
}

func (e *StoreUnavailableError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrStoreUnavailable) match any StoreUnavailableError.
func (e *StoreUnavailableError) Is(target error) bool {
	return target == ErrStoreUnavailable
}

func unavailable(op string, err error) error {
	return &StoreUnavailableError{Op: op, Err: err}
}

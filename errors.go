package displaycore

import (
	"errors"
	"fmt"
)

var (
	// ErrSyncInProgress is carried by a SyncResult when the domain is already loading.
	ErrSyncInProgress = errors.New("sync already in progress")
	// ErrNotConnected is returned when the push channel has no live connection.
	ErrNotConnected = errors.New("not connected")
	// ErrSendUnsupported is returned by receive-only transports such as SSE.
	ErrSendUnsupported = errors.New("transport does not support sending")
	// ErrInvalidAlert marks a payload missing its title or message.
	ErrInvalidAlert = errors.New("invalid alert payload")
	// ErrClosed is returned by Core.Start once the core has been closed.
	ErrClosed = errors.New("closed")
	// ErrUnknownCommand is returned by CommandRouter for unmapped types.
	ErrUnknownCommand = errors.New("unknown command type")
	// ErrInvalidSignature marks a command rejected by signature verification.
	ErrInvalidSignature = errors.New("invalid command signature")
)

// APIError is a non-2xx response from the backend.
type APIError struct {
	StatusCode int    `json:"-"`
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("HTTP %d: %s", e.StatusCode, e.Message)
	}
	return fmt.Sprintf("HTTP %d: %s: %s", e.StatusCode, e.Code, e.Message)
}

package collab

import (
	"errors"
	"fmt"
)

// Sentinel errors surfaced to the socket layer
var (
	// ErrFileNotFound means the document's backing file is missing; the
	// join fails and the client sees "File not found".
	ErrFileNotFound = errors.New("file not found")

	// ErrBadRequest means the handshake carried unresolvable ids; the
	// caller's policy is to drop the connection.
	ErrBadRequest = errors.New("bad request")
)

// BadRequestError is a malformed-handshake error with detail
type BadRequestError struct {
	Message string
}

func (e *BadRequestError) Error() string {
	return fmt.Sprintf("bad request: %s", e.Message)
}

func (e *BadRequestError) Is(target error) bool {
	return target == ErrBadRequest
}

// NewBadRequestError creates a new bad request error
func NewBadRequestError(message string) *BadRequestError {
	return &BadRequestError{Message: message}
}

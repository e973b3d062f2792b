package source

import (
	"errors"
	"fmt"
)

// Kind classifies archive failures for the retry policy.
type Kind string

const (
	KindAuth         Kind = "auth"         // Credentials or session rejected
	KindRemote       Kind = "remote"       // Non-auth HTTP or network failure
	KindIO           Kind = "io"           // Local filesystem failure
	KindPrecondition Kind = "precondition" // Call made out of order
)

// Error is returned by Archive implementations. Kind is decided by the
// transport from the response status, not from message text.
type Error struct {
	Op         string // login, search, download
	Kind       Kind
	StatusCode int // HTTP status, 0 if no response was received
	Err        error
}

func (e *Error) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("archive %s: %s error (status %d): %v", e.Op, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("archive %s: %s error: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// KindOf returns the Kind of err, or "" if err is not an *Error.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsAuth reports whether err means the session or credentials were rejected.
func IsAuth(err error) bool {
	return KindOf(err) == KindAuth
}

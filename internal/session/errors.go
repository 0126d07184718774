package session

import (
	"errors"
	"fmt"
	"time"
)

// Conditions a Browser reports. Drivers wrap these so the session can classify failures.
var (
	ErrCredentialsRejected = errors.New("portal rejected credentials")
	ErrPageUnreachable     = errors.New("portal page unreachable")
	ErrUnexpectedLayout    = errors.New("unexpected portal layout")
)

var (
	ErrInvalidTransition = errors.New("invalid session transition")
	ErrForeignStation    = errors.New("station does not belong to provider")
	ErrInvalidRange      = errors.New("export range start is after end")
)

// AuthenticationError means the portal refused the login or never showed the post-login page.
type AuthenticationError struct {
	Provider string
	Err      error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication with %s failed: %v", e.Provider, e.Err)
}

func (e *AuthenticationError) Unwrap() error { return e.Err }

func (e *AuthenticationError) Kind() string { return "authentication" }

// NavigationError means a portal page could not be reached.
type NavigationError struct {
	Page string
	Err  error
}

func (e *NavigationError) Error() string {
	return fmt.Sprintf("navigation to %q failed: %v", e.Page, e.Err)
}

func (e *NavigationError) Unwrap() error { return e.Err }

func (e *NavigationError) Kind() string { return "navigation" }

// SessionError covers layout surprises and protocol misuse. It is never retried.
type SessionError struct {
	Op    string
	State State
	Err   error
}

func (e *SessionError) Error() string {
	return fmt.Sprintf("session %s in state %s: %v", e.Op, e.State, e.Err)
}

func (e *SessionError) Unwrap() error { return e.Err }

func (e *SessionError) Kind() string { return "session" }

// DownloadTimeoutError means no complete file appeared within the allowed time.
type DownloadTimeoutError struct {
	Dir     string
	Timeout time.Duration
}

func (e *DownloadTimeoutError) Error() string {
	return fmt.Sprintf("no complete download in %s after %s", e.Dir, e.Timeout)
}

func (e *DownloadTimeoutError) Kind() string { return "download_timeout" }

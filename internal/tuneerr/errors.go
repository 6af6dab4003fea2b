// Package tuneerr defines the error taxonomy shared by the tuning components.
//
// Each failure class has a concrete type carrying context and a sentinel it
// unwraps to, so callers can branch with either errors.As or errors.Is.
package tuneerr

import (
	"errors"
	"fmt"
)

var (
	ErrConfig        = errors.New("configuration error")
	ErrProtocol      = errors.New("protocol error")
	ErrRunner        = errors.New("runner error")
	ErrTimeout       = errors.New("runner timed out")
	ErrPoolExhausted = errors.New("no unassigned combinations remain")
	ErrPersistence   = errors.New("persistence error")
)

// ConfigError reports a malformed tuning tree, a non-sequence leaf, or a
// tuning document that is missing required sections.
type ConfigError struct {
	Path string
	Msg  string
}

func (e *ConfigError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("%s: %s", ErrConfig, e.Msg)
	}
	return fmt.Sprintf("%s: %s: %s", ErrConfig, e.Path, e.Msg)
}

func (e *ConfigError) Unwrap() error { return ErrConfig }

// Configf builds a ConfigError with no path.
func Configf(format string, args ...any) error {
	return &ConfigError{Msg: fmt.Sprintf(format, args...)}
}

// ProtocolError reports a collaborator response that fits none of the
// expected outcomes, or an outcome that contradicts the recorded state.
type ProtocolError struct {
	Worker   string
	Reason   string
	Response string
}

func (e *ProtocolError) Error() string {
	msg := fmt.Sprintf("%s: %s", ErrProtocol, e.Reason)
	if e.Worker != "" {
		msg = fmt.Sprintf("%s (worker %s)", msg, e.Worker)
	}
	if e.Response != "" {
		msg = fmt.Sprintf("%s: %q", msg, e.Response)
	}
	return msg
}

func (e *ProtocolError) Unwrap() error { return ErrProtocol }

// RunnerError reports a job runner that failed to start, exited non-zero,
// or exceeded its time box.
type RunnerError struct {
	Worker   string
	Action   string
	ExitCode int
	Timeout  bool
	Stderr   string
	Err      error
}

func (e *RunnerError) Error() string {
	switch {
	case e.Timeout:
		return fmt.Sprintf("%s: %s on %s", ErrTimeout, e.Action, e.Worker)
	case e.Err != nil:
		return fmt.Sprintf("%s: %s on %s: %v", ErrRunner, e.Action, e.Worker, e.Err)
	default:
		return fmt.Sprintf("%s: %s on %s failed with code %d: %s", ErrRunner, e.Action, e.Worker, e.ExitCode, e.Stderr)
	}
}

// Unwrap exposes the class sentinel and, when present, the cause.
func (e *RunnerError) Unwrap() []error {
	errs := []error{ErrRunner}
	if e.Timeout {
		errs = append(errs, ErrTimeout)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}

// PoolExhaustedError is returned when a worker needs a combination and none
// are left unassigned.
type PoolExhaustedError struct {
	Worker string
}

func (e *PoolExhaustedError) Error() string {
	return fmt.Sprintf("%s for worker %s", ErrPoolExhausted, e.Worker)
}

func (e *PoolExhaustedError) Unwrap() error { return ErrPoolExhausted }

// PersistenceError reports a state document that could not be read, parsed,
// or written.
type PersistenceError struct {
	Path string
	Op   string
	Err  error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %s %s: %v", ErrPersistence, e.Op, e.Path, e.Err)
}

func (e *PersistenceError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrPersistence}
	}
	return []error{ErrPersistence, e.Err}
}

// IsTimeout reports whether err is a runner time-box expiry.
func IsTimeout(err error) bool {
	return errors.Is(err, ErrTimeout)
}

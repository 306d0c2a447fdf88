package aworld

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"
)

// ErrorKind classifies every error the runtime surfaces. The set is closed;
// TaskResponse.Msg carries the kind string for task-fatal failures.
type ErrorKind string

const (
	// ErrSchema marks invalid action parameters. Reported as an
	// ActionResult, never task-fatal.
	ErrSchema ErrorKind = "schema"
	// ErrToolFailed marks a tool that returned an error or panicked.
	ErrToolFailed ErrorKind = "tool_failed"
	// ErrToolTimeout marks a per-action deadline exceeded.
	ErrToolTimeout ErrorKind = "tool_timeout"
	// ErrCancelled marks a user or parent cancellation.
	ErrCancelled ErrorKind = "cancelled"
	// ErrTimeout marks a task deadline exceeded.
	ErrTimeout ErrorKind = "timeout"
	// ErrStepLimit marks the per-task or per-agent step ceiling.
	ErrStepLimit ErrorKind = "step_limit"
	// ErrEndlessLoop marks a repeated handoff pattern above threshold.
	ErrEndlessLoop ErrorKind = "endless_loop"
	// ErrInvalidTopology marks swarm edges naming unknown agents or
	// workflow-kind cycles.
	ErrInvalidTopology ErrorKind = "invalid_topology"
	// ErrInvalidConfig marks unknown or out-of-range configuration.
	ErrInvalidConfig ErrorKind = "invalid_config"
	// ErrInternal marks a bug or unexpected state. The trajectory is
	// preserved and the error escalated to the scheduler log.
	ErrInternal ErrorKind = "internal"
)

// Fatal reports whether the kind terminates the task. Non-fatal kinds are
// surfaced to the agent as an error observation so it may recover.
func (k ErrorKind) Fatal() bool {
	switch k {
	case ErrSchema, ErrToolFailed, ErrToolTimeout:
		return false
	}
	return true
}

// Error is the runtime's typed error. Match with errors.As or KindOf.
type Error struct {
	Kind    ErrorKind
	Message string
	Cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.Cause }

// NewError creates an Error of the given kind with a formatted message.
func NewError(kind ErrorKind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// WrapError creates an Error of the given kind wrapping cause.
func WrapError(kind ErrorKind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// KindOf extracts the ErrorKind from err, or "" when err carries no kind.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// IsKind reports whether err carries the given kind.
func IsKind(err error, kind ErrorKind) bool { return KindOf(err) == kind }

// ErrHTTP is a transport-level HTTP error from an external service (LLM
// provider, MCP server). Status drives the transient-retry decision.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// Transient reports whether err is worth retrying: HTTP 429, any 5xx, or a
// connection-level failure flagged by the caller via ErrHTTP{Status: 0}.
func Transient(err error) bool {
	var e *ErrHTTP
	if errors.As(err, &e) {
		return e.Status == 0 || e.Status == 429 || e.Status >= 500
	}
	return false
}

// ParseRetryAfter parses an HTTP Retry-After header value: either an integer
// number of seconds or an HTTP date. Returns 0 when absent or unparseable.
func ParseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs >= 0 {
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

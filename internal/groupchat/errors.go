package groupchat

import "fmt"

// Kind classifies a CoreError into one of the recovery/propagation buckets
// the engine, evaluator, and synthesizer reason about.
type Kind string

const (
	KindInputInvalid          Kind = "input-invalid"
	KindForbiddenTool         Kind = "forbidden-tool"
	KindToolTransport         Kind = "tool-transport"
	KindToolError             Kind = "tool-error"
	KindModelTransient        Kind = "model-transient"
	KindModelFatal            Kind = "model-fatal"
	KindTimeout               Kind = "timeout"
	KindBudgetExceeded        Kind = "budget-exceeded"
	KindPersistenceUnavailable Kind = "persistence-unavailable"
	KindCancelled             Kind = "cancelled"
)

// CoreError is the sole error type the core packages construct directly;
// everything else is wrapped into one of these via Wrap so callers can
// branch on Kind without parsing error strings.
type CoreError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *CoreError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *CoreError) Unwrap() error { return e.Cause }

// New constructs a CoreError without a wrapped cause.
func New(kind Kind, message string) *CoreError {
	return &CoreError{Kind: kind, Message: message}
}

// Wrap attaches a Kind and message to an arbitrary error from a collaborator
// (tool, provider, store) so the rest of the core can reason about recovery
// uniformly.
func Wrap(kind Kind, message string, cause error) *CoreError {
	return &CoreError{Kind: kind, Message: message, Cause: cause}
}

// Recoverable reports whether the turn should continue (possibly after
// retry/reroute) rather than abort outright.
func (k Kind) Recoverable() bool {
	switch k {
	case KindToolTransport, KindToolError, KindModelTransient, KindForbiddenTool, KindBudgetExceeded:
		return true
	default:
		return false
	}
}

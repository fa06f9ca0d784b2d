// Package persistence defines the memory persistence collaborator: the
// external store the Memory Store component uses to durably keep session
// and message history. THE CORE depends only on the ChatStore interface;
// concrete backends live in the databases subpackage.
package persistence

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a session or message lookup finds nothing.
var ErrNotFound = errors.New("persistence: not found")

// ErrForbidden is returned when a caller's userID does not own the session
// it is trying to read or mutate.
var ErrForbidden = errors.New("persistence: forbidden")

// ChatMessage is the durable representation of a single turn message.
type ChatMessage struct {
	ID        string
	SessionID string
	Role      string
	AgentID   string
	Content   string
	ToolID    string
	CreatedAt time.Time
}

// ChatSession is the durable representation of one group chat session.
type ChatSession struct {
	ID                  string
	Name                string
	UserID              *int64
	CreatedAt           time.Time
	UpdatedAt           time.Time
	LastMessagePreview  string
	Model               string
	// Summary and SummarizedCount are retained for stores that choose to
	// cache a human-readable description of dropped history; the Memory
	// Store itself never requires them since truncation here is a pure
	// token-driven drop-plan, not an LLM summary.
	Summary         string
	SummarizedCount int
}

// ChatStore is the persistence collaborator for sessions and their message
// history. Implementations must be safe for concurrent use.
type ChatStore interface {
	Init(ctx context.Context) error

	EnsureSession(ctx context.Context, userID *int64, id, name string) (ChatSession, error)
	CreateSession(ctx context.Context, userID *int64, name string) (ChatSession, error)
	ListSessions(ctx context.Context, userID *int64) ([]ChatSession, error)
	GetSession(ctx context.Context, userID *int64, id string) (ChatSession, error)
	RenameSession(ctx context.Context, userID *int64, id, name string) (ChatSession, error)
	DeleteSession(ctx context.Context, userID *int64, id string) error

	ListMessages(ctx context.Context, userID *int64, sessionID string, limit int) ([]ChatMessage, error)
	AppendMessages(ctx context.Context, userID *int64, sessionID string, messages []ChatMessage, preview string, model string) error

	// UpdateSummary records what the Memory Store dropped, for operator
	// visibility only; it is never read back to reconstruct history.
	UpdateSummary(ctx context.Context, userID *int64, sessionID string, summary string, droppedCount int) error
}

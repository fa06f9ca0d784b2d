// Package groupchat implements the core of a multi-agent conversational
// orchestrator: the Agent Registry & Selector, the Group Chat Orchestrator,
// the Tool Mediation Layer, and Token-Aware Memory & Synthesis. These four
// subsystems are kept in one package because they share a tight data model
// and are meant to be used together as a unit, the way the wider codebase
// keeps a single agent/specialist package per cohesive subsystem rather than
// splitting every type into its own package.
package groupchat

import (
	"time"

	"groupchatcore/internal/llm"
)

// Message is one turn of conversation, attributable to a user, an agent, the
// coordinator, or a tool response.
type Message struct {
	Role      string // "user" | "assistant" | "system" | "tool"
	AgentID   string // empty for user/system messages
	Content   string
	ToolCalls []llm.ToolCall
	ToolID    string
	CreatedAt time.Time
}

// ToolCall and ToolResult describe a single tool invocation mediated through
// the Tool Mediator. ToolCall mirrors llm.ToolCall; ToolResult is the
// mediator's own record of what happened, independent of what gets echoed
// back to the model.
type ToolCall = llm.ToolCall

// ToolResult is the Tool Mediator's record of one invocation outcome.
type ToolResult struct {
	CallID     string
	AgentID    string
	ToolName   string
	Args       []byte
	Payload    []byte
	Err        error
	StartedAt  time.Time
	FinishedAt time.Time
}

// ChatHistory is the ordered, in-memory view of a session's messages that
// the Group Chat Engine works over on a given turn. It never contains more
// than one leading system message; ownership of truncation lives in the
// Memory Store (see memory.go).
type ChatHistory struct {
	SessionID string
	Messages  []Message
}

// ToolSpec is a single tool's externally visible schema, as presented to the
// chat model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// Agent is the Agent Registry's descriptor for one registered specialist.
type Agent struct {
	ID              string
	Description     string
	System          string
	Model           string
	ContextTokens   int
	AllowedTools    []string
	DomainTags      []string
	Routes          []RouteRule
	ReasoningEffort string
	ExtraParams     map[string]any

	Provider llm.Provider
}

// RouteRule is a single weighted clause the Router evaluates against the
// turn's input text to decide whether Agent should be included.
type RouteRule struct {
	Contains string
	Regex    string
	Weight   float64
}

// Session is one ongoing group chat conversation: its durable identity, the
// in-memory history view, and bookkeeping the engine needs across turns.
type Session struct {
	ID         string
	UserID     *int64
	CreatedAt  time.Time
	Iterations int
}

// ActivityEventKind enumerates the events the Activity Streamer publishes.
type ActivityEventKind string

const (
	ActivityTurnStart      ActivityEventKind = "turn-start"
	ActivityAgentSelected   ActivityEventKind = "agent-selected"
	ActivityAgentResponded  ActivityEventKind = "agent-responded"
	ActivityToolStart       ActivityEventKind = "tool-start"
	ActivityToolCompleted   ActivityEventKind = "tool-completed"
	ActivityToolError       ActivityEventKind = "tool-error"
	ActivityEvaluation      ActivityEventKind = "evaluation"
	ActivityReroute         ActivityEventKind = "reroute"
	ActivitySynthesized     ActivityEventKind = "synthesized"
	ActivityTurnComplete    ActivityEventKind = "turn-complete"
	ActivityError           ActivityEventKind = "error"
	ActivityDropped         ActivityEventKind = "dropped"
)

// ActivityEvent is a single best-effort notification published to session
// subscribers (see activity.go). EventID is populated by the streamer if the
// publisher leaves it blank.
type ActivityEvent struct {
	EventID   string
	SessionID string
	Kind      ActivityEventKind
	AgentID   string
	Message   string
	Data      map[string]any
	At        time.Time
}

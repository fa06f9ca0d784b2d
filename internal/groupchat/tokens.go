package groupchat

import (
	"context"

	"groupchatcore/internal/config"
	"groupchatcore/internal/llm"
)

// Accountant is the Token Accountant (C1): it counts tokens, derives the
// available-for-history budget from configuration, and computes drop-plans
// for the Memory Store to apply. It never calls the chat model to compress
// history — truncation here is purely token-driven, dropping the oldest
// non-system messages first, matching the first of the three Open Question
// resolutions this core makes (token-driven, not size-based; drop, not
// LLM-summarize).
type Accountant struct {
	Tokenizer llm.Tokenizer
	Cfg       config.CoreConfig
}

// NewAccountant builds an Accountant from core configuration. Tokenizer may
// be nil, in which case Count falls back to the package heuristic.
func NewAccountant(cfg config.CoreConfig, tok llm.Tokenizer) *Accountant {
	return &Accountant{Tokenizer: tok, Cfg: cfg}
}

// Count returns the token count for a single string.
func (a *Accountant) Count(ctx context.Context, text string) int {
	if a.Tokenizer == nil {
		return llm.EstimateTokens(text)
	}
	n, err := a.Tokenizer.CountTokens(ctx, text)
	if err != nil {
		return llm.EstimateTokens(text)
	}
	return n
}

// perMessageOverheadTokens is the fixed per-message bookkeeping cost (role
// field, separators, name field when present) a chat model charges on top of
// a message's own content, used by the heuristic fallback in CountMessages.
const perMessageOverheadTokens = 4

// CountMessages returns the token count for a slice of messages, including
// the per-message formatting overhead a chat model charges for role framing
// and separators. When the configured Tokenizer can account for that
// overhead directly, CountMessages defers to it; otherwise it falls back to
// summing per-message content tokens plus a fixed overhead per message.
func (a *Accountant) CountMessages(ctx context.Context, msgs []Message) int {
	if a.Tokenizer != nil {
		n, err := a.Tokenizer.CountMessagesTokens(ctx, plainLLMMessages(msgs))
		if err == nil {
			return n
		}
	}
	total := 0
	for _, m := range msgs {
		total += a.Count(ctx, m.Content) + perMessageOverheadTokens
	}
	return total
}

// plainLLMMessages adapts Message to llm.Message without injecting a system
// prompt, for accounting purposes only (contrast toLLMMessages, which also
// prepends an agent's system message for an actual model call).
func plainLLMMessages(msgs []Message) []llm.Message {
	out := make([]llm.Message, len(msgs))
	for i, m := range msgs {
		out[i] = llm.Message{Role: m.Role, AgentID: m.AgentID, Content: m.Content, ToolID: m.ToolID}
	}
	return out
}

// BudgetLevel classifies how much of the model's context window a token
// count consumes.
type BudgetLevel int

const (
	BudgetOK BudgetLevel = iota
	BudgetWarn
	BudgetCritical
)

func (l BudgetLevel) String() string {
	switch l {
	case BudgetWarn:
		return "warn"
	case BudgetCritical:
		return "critical"
	default:
		return "ok"
	}
}

// Classify reports how close tokens is to exhausting the model's context
// window: ok below 70%, warn from 70% up to 90%, critical at 90% or above.
func (a *Accountant) Classify(tokens int) BudgetLevel {
	if a.Cfg.ModelContextTokens <= 0 {
		return BudgetOK
	}
	ratio := float64(tokens) / float64(a.Cfg.ModelContextTokens)
	switch {
	case ratio >= 0.9:
		return BudgetCritical
	case ratio >= 0.7:
		return BudgetWarn
	default:
		return BudgetOK
	}
}

// SynthesisEmergencyThreshold is the token budget above which the
// Synthesizer must skip the chat model entirely and fall back to its
// emergency, model-free summarization path. It is the model's safe limit
// (context window minus safety reserve) minus the response reserve the
// synthesis call itself would need.
func (a *Accountant) SynthesisEmergencyThreshold() int {
	safeLimit := a.Cfg.ModelContextTokens - a.Cfg.SafetyReserveTokens
	budget := safeLimit - a.Cfg.ResponseReserveTokens
	if budget < 0 {
		return 0
	}
	return budget
}

// AvailableForHistory returns the token budget left over for conversation
// history once safety reserve, response reserve, and prompt overhead are
// subtracted from the model's context window.
func (a *Accountant) AvailableForHistory() int {
	budget := a.Cfg.ModelContextTokens - a.Cfg.SafetyReserveTokens - a.Cfg.ResponseReserveTokens - a.Cfg.PromptOverheadTokens
	if budget < 0 {
		return 0
	}
	return budget
}

// DropPlan is the ordered list of message indices the Memory Store should
// remove from history, oldest-first, to bring the conversation back under
// budget. System messages are never included.
type DropPlan struct {
	DropIndices []int
	KeptTokens  int
}

// PlanTruncation decides which messages to drop from msgs so the remainder
// fits both the token budget and MaxHistoryMessages, while:
//   - never dropping the leading system message (if any)
//   - never dropping the most recent minKeep non-system messages
//   - dropping the oldest eligible non-system messages first
func (a *Accountant) PlanTruncation(ctx context.Context, msgs []Message, minKeep int) DropPlan {
	if minKeep <= 0 {
		minKeep = 5
	}

	systemIdx := -1
	if len(msgs) > 0 && msgs[0].Role == "system" {
		systemIdx = 0
	}

	budget := a.AvailableForHistory()
	maxMsgs := a.Cfg.MaxHistoryMessages

	// protectedFrom is the smallest index that must always be kept, because
	// it falls within the last minKeep non-system messages.
	protectedFrom := len(msgs)
	kept := 0
	for i := len(msgs) - 1; i >= 0; i-- {
		if i == systemIdx {
			continue
		}
		kept++
		protectedFrom = i
		if kept >= minKeep {
			break
		}
	}

	drop := make([]int, 0)
	remainingTokens := a.CountMessages(ctx, msgs)
	remainingCount := len(msgs)

	for i := 0; i < protectedFrom && (remainingTokens > budget || (maxMsgs > 0 && remainingCount > maxMsgs)); i++ {
		if i == systemIdx {
			continue
		}
		drop = append(drop, i)
		remainingTokens -= a.Count(ctx, msgs[i].Content)
		remainingCount--
	}

	return DropPlan{DropIndices: drop, KeptTokens: remainingTokens}
}

package groupchat

import (
	"context"
	"strconv"
	"strings"

	"groupchatcore/internal/observability"
	"groupchatcore/internal/persistence"
)

// Memory is the Memory Store (C2): it owns the in-process ChatHistory for a
// session, persists appended messages through the ChatStore collaborator,
// and applies the Token Accountant's drop-plans to keep history within
// budget. It never calls the chat model — truncation is always a drop, not
// a summarize-and-replace, per the Accountant's doc comment (tokens.go).
type Memory struct {
	Store      persistence.ChatStore
	Accountant *Accountant
	MinKeep    int
}

// NewMemory wires a ChatStore and Accountant into a Memory Store.
func NewMemory(store persistence.ChatStore, acct *Accountant) *Memory {
	return &Memory{Store: store, Accountant: acct, MinKeep: 5}
}

// Load reconstructs a ChatHistory for sessionID from the persistence layer.
func (m *Memory) Load(ctx context.Context, userID *int64, sessionID string, limit int) (ChatHistory, error) {
	msgs, err := m.Store.ListMessages(ctx, userID, sessionID, limit)
	if err != nil {
		return ChatHistory{}, Wrap(KindPersistenceUnavailable, "load history", err)
	}
	out := make([]Message, 0, len(msgs))
	for _, pm := range msgs {
		out = append(out, Message{
			Role:      pm.Role,
			AgentID:   pm.AgentID,
			Content:   pm.Content,
			ToolID:    pm.ToolID,
			CreatedAt: pm.CreatedAt,
		})
	}
	return ChatHistory{SessionID: sessionID, Messages: out}, nil
}

// Append persists newly produced messages and folds them into history.
func (m *Memory) Append(ctx context.Context, userID *int64, history *ChatHistory, msgs []Message, model string) error {
	if len(msgs) == 0 {
		return nil
	}
	pms := make([]persistence.ChatMessage, 0, len(msgs))
	for _, msg := range msgs {
		pms = append(pms, persistence.ChatMessage{
			SessionID: history.SessionID,
			Role:      msg.Role,
			AgentID:   msg.AgentID,
			Content:   msg.Content,
			ToolID:    msg.ToolID,
			CreatedAt: msg.CreatedAt,
		})
	}
	preview := previewOf(msgs)
	if err := m.Store.AppendMessages(ctx, userID, history.SessionID, pms, preview, model); err != nil {
		return Wrap(KindPersistenceUnavailable, "append history", err)
	}
	history.Messages = append(history.Messages, msgs...)
	return nil
}

// Truncate applies the Token Accountant's drop-plan in place, recording the
// number of messages dropped for operator visibility via UpdateSummary. It
// never drops the leading system message or the most recent MinKeep
// non-system messages, and it preserves tool-call/tool-response chains: if a
// kept message is a tool response, the assistant message carrying the
// matching ToolCall is pulled forward into the kept set too, following the
// same dependency-preserving rule the wider codebase's history compaction
// uses for provider-specific tool-call metadata.
func (m *Memory) Truncate(ctx context.Context, userID *int64, history *ChatHistory) error {
	plan := m.Accountant.PlanTruncation(ctx, history.Messages, m.MinKeep)
	if len(plan.DropIndices) == 0 {
		return nil
	}

	drop := adjustDropForToolDeps(history.Messages, plan.DropIndices)
	if len(drop) == 0 {
		return nil
	}

	dropSet := make(map[int]struct{}, len(drop))
	for _, i := range drop {
		dropSet[i] = struct{}{}
	}
	kept := make([]Message, 0, len(history.Messages)-len(drop))
	for i, msg := range history.Messages {
		if _, ok := dropSet[i]; ok {
			continue
		}
		kept = append(kept, msg)
	}

	level := m.Accountant.Classify(plan.KeptTokens)
	logEvent := observability.LoggerWithTrace(ctx).Info()
	if level == BudgetCritical {
		logEvent = observability.LoggerWithTrace(ctx).Warn()
	}
	logEvent.
		Str("session_id", history.SessionID).
		Int("dropped", len(drop)).
		Int("kept", len(kept)).
		Int("kept_tokens", plan.KeptTokens).
		Str("budget_level", level.String()).
		Msg("memory_truncated")

	if err := m.Store.UpdateSummary(ctx, userID, history.SessionID, droppedDescription(history.Messages, drop), len(drop)); err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("memory_update_summary_failed")
	}

	history.Messages = kept
	return nil
}

// adjustDropForToolDeps removes any index from the drop set whose tool
// response is required by a message that remains (i.e. never orphan a tool
// message by dropping the assistant message that issued its ToolCall, and
// vice versa).
func adjustDropForToolDeps(msgs []Message, drop []int) []int {
	dropSet := make(map[int]struct{}, len(drop))
	for _, i := range drop {
		dropSet[i] = struct{}{}
	}

	// Map tool-call IDs to the index of the assistant message that issued
	// them, and the index of the tool message that answers them.
	issuedAt := make(map[string]int)
	answeredAt := make(map[string]int)
	for i, msg := range msgs {
		if msg.Role == "assistant" {
			for _, tc := range msg.ToolCalls {
				if id := strings.TrimSpace(tc.ID); id != "" {
					issuedAt[id] = i
				}
			}
		}
		if msg.Role == "tool" {
			if id := strings.TrimSpace(msg.ToolID); id != "" {
				answeredAt[id] = i
			}
		}
	}

	changed := true
	for changed {
		changed = false
		for id, issueIdx := range issuedAt {
			answerIdx, hasAnswer := answeredAt[id]
			if !hasAnswer {
				continue
			}
			_, issueDropped := dropSet[issueIdx]
			_, answerDropped := dropSet[answerIdx]
			if issueDropped != answerDropped {
				// Keep both halves of the pair together: un-drop whichever
				// side was marked for removal.
				delete(dropSet, issueIdx)
				delete(dropSet, answerIdx)
				changed = true
			}
		}
	}

	out := make([]int, 0, len(dropSet))
	for i := range dropSet {
		out = append(out, i)
	}
	return out
}

func droppedDescription(msgs []Message, drop []int) string {
	if len(drop) == 0 {
		return ""
	}
	return "dropped " + strconv.Itoa(len(drop)) + " messages"
}

func previewOf(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if c := strings.TrimSpace(msgs[i].Content); c != "" {
			if len(c) > 120 {
				return c[:120]
			}
			return c
		}
	}
	return ""
}

package groupchat

import (
	"context"
	"testing"
	"time"

	"groupchatcore/internal/persistence/databases"

	"github.com/stretchr/testify/require"
)

func newTestMemory(t *testing.T, cfg ...func(*Memory)) *Memory {
	t.Helper()
	store, err := databases.NewChatStore(context.Background(), "")
	require.NoError(t, err)
	acctCfg := testCfg()
	mem := NewMemory(store, NewAccountant(acctCfg, nil))
	for _, f := range cfg {
		f(mem)
	}
	return mem
}

func TestMemoryAppendAndLoad(t *testing.T) {
	mem := newTestMemory(t)
	ctx := context.Background()
	_, err := mem.Store.EnsureSession(ctx, nil, "s1", "session")
	require.NoError(t, err)

	history := ChatHistory{SessionID: "s1"}
	err = mem.Append(ctx, nil, &history, []Message{
		{Role: "user", Content: "hello", CreatedAt: time.Now()},
	}, "test-model")
	require.NoError(t, err)
	require.Len(t, history.Messages, 1)

	reloaded, err := mem.Load(ctx, nil, "s1", 0)
	require.NoError(t, err)
	require.Len(t, reloaded.Messages, 1)
	require.Equal(t, "hello", reloaded.Messages[0].Content)
}

func TestAdjustDropForToolDepsKeepsPairsTogether(t *testing.T) {
	msgs := []Message{
		{Role: "system", Content: "sys"},
		{Role: "assistant", ToolCalls: []ToolCall{{ID: "call-1", Name: "search"}}},
		{Role: "tool", ToolID: "call-1", Content: "result"},
		{Role: "assistant", Content: "final answer"},
	}

	// Drop plan wants to drop only the tool response (index 2), which would
	// orphan the tool call at index 1; both should come back.
	adjusted := adjustDropForToolDeps(msgs, []int{2})
	require.NotContains(t, adjusted, 2)
	require.NotContains(t, adjusted, 1)
}

func TestAdjustDropForToolDepsDropsUnrelatedPairs(t *testing.T) {
	msgs := []Message{
		{Role: "assistant", ToolCalls: []ToolCall{{ID: "call-1", Name: "search"}}},
		{Role: "tool", ToolID: "call-1", Content: "result"},
	}
	adjusted := adjustDropForToolDeps(msgs, []int{0, 1})
	require.ElementsMatch(t, []int{0, 1}, adjusted)
}

func TestMemoryTruncateAppliesDropPlan(t *testing.T) {
	mem := newTestMemory(t)
	mem.MinKeep = 1
	mem.Accountant.Cfg.MaxHistoryMessages = 1
	ctx := context.Background()
	_, err := mem.Store.EnsureSession(ctx, nil, "s1", "session")
	require.NoError(t, err)

	history := ChatHistory{SessionID: "s1", Messages: []Message{
		{Role: "user", Content: "first"},
		{Role: "assistant", Content: "second"},
		{Role: "user", Content: "third"},
	}}
	err = mem.Truncate(ctx, nil, &history)
	require.NoError(t, err)
	require.Len(t, history.Messages, 1)
	require.Equal(t, "third", history.Messages[0].Content)
}

package groupchat

import (
	"context"
	"errors"
	"testing"

	"groupchatcore/internal/config"
	"groupchatcore/internal/llm"

	"github.com/stretchr/testify/require"
)

// fakeTokenizer lets tests control exactly what CountMessagesTokens returns,
// to verify Accountant.CountMessages defers to it rather than the heuristic.
type fakeTokenizer struct {
	messagesTokens int
	messagesErr    error
}

func (f *fakeTokenizer) CountTokens(ctx context.Context, text string) (int, error) {
	return len(text), nil
}

func (f *fakeTokenizer) CountMessagesTokens(ctx context.Context, msgs []llm.Message) (int, error) {
	return f.messagesTokens, f.messagesErr
}

func testCfg() config.CoreConfig {
	return config.CoreConfig{
		ModelContextTokens:    1000,
		SafetyReserveTokens:   100,
		ResponseReserveTokens: 100,
		PromptOverheadTokens:  50,
		MaxHistoryMessages:    10,
	}
}

func TestAvailableForHistory(t *testing.T) {
	a := NewAccountant(testCfg(), nil)
	require.Equal(t, 750, a.AvailableForHistory())
}

func TestAvailableForHistoryNeverNegative(t *testing.T) {
	cfg := testCfg()
	cfg.SafetyReserveTokens = 5000
	a := NewAccountant(cfg, nil)
	require.Equal(t, 0, a.AvailableForHistory())
}

func TestPlanTruncationKeepsSystemAndMinKeep(t *testing.T) {
	cfg := testCfg()
	cfg.MaxHistoryMessages = 3
	a := NewAccountant(cfg, nil)

	msgs := []Message{
		{Role: "system", Content: "you are a coordinator"},
		{Role: "user", Content: "message one"},
		{Role: "assistant", Content: "message two"},
		{Role: "user", Content: "message three"},
		{Role: "assistant", Content: "message four"},
	}
	plan := a.PlanTruncation(context.Background(), msgs, 2)

	require.NotContains(t, plan.DropIndices, 0, "system message must never be dropped")
	require.NotContains(t, plan.DropIndices, 3, "protected recent message must never be dropped")
	require.NotContains(t, plan.DropIndices, 4, "protected recent message must never be dropped")
}

func TestPlanTruncationNoopWhenUnderBudget(t *testing.T) {
	cfg := testCfg()
	cfg.MaxHistoryMessages = 100
	a := NewAccountant(cfg, nil)
	msgs := []Message{{Role: "user", Content: "hi"}}
	plan := a.PlanTruncation(context.Background(), msgs, 5)
	require.Empty(t, plan.DropIndices)
}

func TestCountMessagesDelegatesToTokenizer(t *testing.T) {
	tok := &fakeTokenizer{messagesTokens: 42}
	a := NewAccountant(testCfg(), tok)
	got := a.CountMessages(context.Background(), []Message{{Content: "hi"}, {Content: "there"}})
	require.Equal(t, 42, got)
}

func TestCountMessagesFallsBackToHeuristicWithOverhead(t *testing.T) {
	a := NewAccountant(testCfg(), nil)
	withoutOverhead := a.Count(context.Background(), "hi") + a.Count(context.Background(), "there")
	got := a.CountMessages(context.Background(), []Message{{Content: "hi"}, {Content: "there"}})
	require.Equal(t, withoutOverhead+2*perMessageOverheadTokens, got)
}

func TestCountMessagesFallsBackWhenTokenizerErrors(t *testing.T) {
	tok := &fakeTokenizer{messagesErr: errors.New("boom")}
	a := NewAccountant(testCfg(), tok)
	got := a.CountMessages(context.Background(), []Message{{Content: "hi"}})
	require.Greater(t, got, 0)
}

func TestClassifyThresholds(t *testing.T) {
	cfg := testCfg()
	cfg.ModelContextTokens = 1000
	a := NewAccountant(cfg, nil)

	require.Equal(t, BudgetOK, a.Classify(600))
	require.Equal(t, BudgetWarn, a.Classify(700))
	require.Equal(t, BudgetWarn, a.Classify(899))
	require.Equal(t, BudgetCritical, a.Classify(900))
}

func TestSynthesisEmergencyThreshold(t *testing.T) {
	cfg := testCfg()
	a := NewAccountant(cfg, nil)
	require.Equal(t, cfg.ModelContextTokens-cfg.SafetyReserveTokens-cfg.ResponseReserveTokens, a.SynthesisEmergencyThreshold())
}

package groupchat

import (
	"context"
	"errors"
	"strings"
	"testing"

	"groupchatcore/internal/llm"

	"github.com/stretchr/testify/require"
)

func TestSynthesizeNoResponses(t *testing.T) {
	s := NewSynthesizer(nil, "", nil, "coordinator")
	msg := s.Synthesize(context.Background(), "hi", nil, nil)
	require.Equal(t, "coordinator", msg.AgentID)
	require.Contains(t, msg.Content, "wasn't able")
}

func TestSynthesizeSingleResponsePassesThrough(t *testing.T) {
	s := NewSynthesizer(nil, "", nil, "coordinator")
	msg := s.Synthesize(context.Background(), "hi", []Message{{AgentID: "billing", Content: "your balance is zero"}}, nil)
	require.Equal(t, "your balance is zero", msg.Content)
}

func TestSynthesizeMultipleResponsesUsesLLM(t *testing.T) {
	provider := &fakeProvider{reply: llm.Message{Content: "combined answer"}}
	s := NewSynthesizer(provider, "model", nil, "coordinator")
	msg := s.Synthesize(context.Background(), "hi", []Message{
		{AgentID: "a", Content: "part one"},
		{AgentID: "b", Content: "part two"},
	}, nil)
	require.Equal(t, "combined answer", msg.Content)
}

func TestSynthesizeFallsBackWhenLLMFails(t *testing.T) {
	provider := &fakeProvider{err: errors.New("model down")}
	s := NewSynthesizer(provider, "model", nil, "coordinator")
	msg := s.Synthesize(context.Background(), "hi", []Message{
		{AgentID: "a", Content: "part one"},
		{AgentID: "b", Content: "part two"},
	}, nil)
	require.Contains(t, msg.Content, "part one")
	require.Contains(t, msg.Content, "part two")
}

func TestSynthesizeTruncatesOverBudget(t *testing.T) {
	cfg := testCfg()
	cfg.ModelContextTokens = 200
	cfg.SafetyReserveTokens = 0
	cfg.ResponseReserveTokens = 0
	cfg.PromptOverheadTokens = 0
	acct := NewAccountant(cfg, nil)

	huge := strings.Repeat("word ", 500)
	s := NewSynthesizer(nil, "", acct, "coordinator")
	msg := s.Synthesize(context.Background(), "hi", []Message{{AgentID: "a", Content: huge}}, nil)
	require.Contains(t, msg.Content, "[response truncated")
	require.Less(t, len(msg.Content), len(huge))
}

func TestSynthesizeDropsDuplicateSpecialistResponses(t *testing.T) {
	provider := &fakeProvider{reply: llm.Message{Content: "should not be reached"}}
	s := NewSynthesizer(provider, "model", nil, "coordinator")
	msg := s.Synthesize(context.Background(), "hi", []Message{
		{AgentID: "a", Content: "same answer"},
		{AgentID: "a", Content: "same answer"},
	}, nil)
	require.Equal(t, "same answer", msg.Content, "a single surviving response after dedup should pass through verbatim")
}

func TestSynthesizeUsesSubstantialCoordinatorResponseDirectly(t *testing.T) {
	provider := &fakeProvider{reply: llm.Message{Content: "should not be reached"}}
	s := NewSynthesizer(provider, "model", nil, "coordinator")
	coordResp := Message{
		AgentID: "coordinator",
		Content: strings.Repeat("x", 150) + " billing confirmed your refund has been processed in full.",
	}
	msg := s.Synthesize(context.Background(), "hi", []Message{
		{AgentID: "billing", Content: "your refund is processed"},
	}, &coordResp)
	require.Equal(t, coordResp.Content, msg.Content)
}

// countingProvider records how many times Chat was invoked, used to prove
// the emergency path never reaches for the chat model.
type countingProvider struct {
	calls int
}

func (c *countingProvider) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, opts llm.ChatOptions) (llm.Message, error) {
	c.calls++
	return llm.Message{Content: "should never be returned"}, nil
}

func (c *countingProvider) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, opts llm.ChatOptions, h llm.StreamHandler) error {
	c.calls++
	return nil
}

func TestSynthesizeEmergencyPathNeverCallsModel(t *testing.T) {
	// 300 tokens: the two 1000-char responses (~666 tokens) exceed the
	// emergency threshold, while the ~167-token bullet summary still fits the
	// history budget, so the last-resort truncation leaves both bullets.
	cfg := testCfg()
	cfg.ModelContextTokens = 300
	cfg.SafetyReserveTokens = 0
	cfg.ResponseReserveTokens = 0
	cfg.PromptOverheadTokens = 0
	acct := NewAccountant(cfg, nil)

	provider := &countingProvider{}
	s := NewSynthesizer(provider, "model", acct, "coordinator")

	huge := strings.Repeat("word ", 200)
	msg := s.Synthesize(context.Background(), "hi", []Message{
		{AgentID: "a", Content: huge},
		{AgentID: "b", Content: huge},
	}, nil)

	require.Equal(t, 0, provider.calls, "over-threshold synthesis must never invoke the chat model")
	require.Contains(t, msg.Content, "a:")
	require.Contains(t, msg.Content, "b:")
}

func TestTruncateEntryAvoidingCitationsAppendsMarker(t *testing.T) {
	content := strings.Repeat("x", 100)
	out := truncateEntryAvoidingCitations(content, 20)
	require.Contains(t, out, "[TRUNCATED DUE TO TOKEN LIMITS]")
	require.LessOrEqual(t, len(out), len(content)+len(" [TRUNCATED DUE TO TOKEN LIMITS]"))
}

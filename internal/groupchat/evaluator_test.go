package groupchat

import (
	"context"
	"testing"

	"groupchatcore/internal/llm"

	"github.com/stretchr/testify/require"
)

func TestEvaluateNoResponsesIsComplete(t *testing.T) {
	e := NewEvaluator(nil, "")
	result, err := e.Evaluate(context.Background(), "hello", nil, []string{"billing"})
	require.NoError(t, err)
	require.True(t, result.IsComplete)
}

func TestEvaluateParsesJUDGEJSON(t *testing.T) {
	provider := &fakeProvider{reply: llm.Message{Content: `Here is my verdict: {"is_complete": false, "missing_info": ["pricing"], "suggested_agents": ["billing"], "follow_up_questions": ["what plan?"], "reasoning": "pricing unresolved"}`}}
	e := NewEvaluator(provider, "judge-model")

	result, err := e.Evaluate(context.Background(), "what does it cost", []Message{{AgentID: "support", Content: "it depends"}}, []string{"support", "billing"})
	require.NoError(t, err)
	require.False(t, result.IsComplete)
	require.Equal(t, []string{"billing"}, result.SuggestedAgents)
	require.Equal(t, "pricing unresolved", result.Reasoning)
}

func TestEvaluateFallsBackToCountHeuristicOnBadJSON(t *testing.T) {
	provider := &fakeProvider{reply: llm.Message{Content: "not json at all"}}
	e := NewEvaluator(provider, "judge-model")

	complete, err := e.Evaluate(context.Background(), "hi", []Message{{AgentID: "a", Content: "hello"}}, []string{"a"})
	require.NoError(t, err)
	require.True(t, complete.IsComplete, "responses already meet the expected-agent count")

	incomplete, err := e.Evaluate(context.Background(), "hi", []Message{{AgentID: "a", Content: "hello"}}, []string{"a", "billing"})
	require.NoError(t, err)
	require.False(t, incomplete.IsComplete, "fewer responses than expected agents must not be treated as complete")
}

func TestEvaluateFlagsErrorIndicatorPhrase(t *testing.T) {
	provider := &fakeProvider{reply: llm.Message{Content: `{"is_complete": true, "missing_info": [], "suggested_agents": [], "follow_up_questions": [], "reasoning": "fine"}`}}
	e := NewEvaluator(provider, "judge-model")

	result, err := e.Evaluate(context.Background(), "hi", []Message{{AgentID: "a", Content: "I'm unable to access that system right now."}}, []string{"a"})
	require.NoError(t, err)
	require.Contains(t, result.RecoverySuggestion, "a may have hit a recoverable error")
}

package groupchat

import (
	"context"
	"encoding/json"
	"strings"

	"groupchatcore/internal/llm"
)

// CompletenessResult is the Completeness Evaluator's (C7) structured verdict
// on a round of specialist responses, mirroring the reference evaluator's
// is_complete/missing_info/suggested_agents/follow_up_questions/reasoning
// schema.
type CompletenessResult struct {
	IsComplete         bool     `json:"is_complete"`
	MissingInfo        []string `json:"missing_info"`
	SuggestedAgents    []string `json:"suggested_agents"`
	FollowUpQuestions  []string `json:"follow_up_questions"`
	Reasoning          string   `json:"reasoning"`
	RecoverySuggestion string   `json:"-"`
}

// errorIndicatorPhrases are substrings that, when present in a response,
// suggest the agent itself hit trouble producing its answer. This is a
// supplemented feature beyond the completeness JSON schema: it never blocks
// the turn, it only attaches a non-blocking recovery hint the engine
// surfaces in an ActivityError event.
var errorIndicatorPhrases = []string{
	"i cannot complete",
	"i'm unable to",
	"an error occurred",
	"failed to retrieve",
	"i don't have access to",
	"something went wrong",
}

// Evaluator is the Completeness Evaluator (C7): it judges whether a round of
// specialist responses satisfies the user's request, and if not, which
// agents should be brought in on a reroute.
type Evaluator struct {
	Provider llm.Provider
	Model    string
}

// NewEvaluator wires a chat model into an Evaluator. The model used here is
// typically the coordinator's, but any provider capable of following a JSON
// response instruction works.
func NewEvaluator(provider llm.Provider, model string) *Evaluator {
	return &Evaluator{Provider: provider, Model: model}
}

// Evaluate asks the chat model to judge the latest round of responses
// against the original user query and the list of agents expected to
// contribute, and separately scans the raw response text for
// error-indicator phrases.
func (e *Evaluator) Evaluate(ctx context.Context, userQuery string, responses []Message, expectedAgents []string) (CompletenessResult, error) {
	result := CompletenessResult{IsComplete: true}
	if e.Provider == nil || len(responses) == 0 {
		return result, nil
	}

	result.RecoverySuggestion = scanForErrorIndicators(responses)

	prompt := buildEvaluationPrompt(userQuery, responses, expectedAgents)
	msgs := []llm.Message{
		{Role: "system", Content: evaluationSystemPrompt},
		{Role: "user", Content: prompt},
	}
	reply, err := e.Provider.Chat(ctx, msgs, nil, e.Model, llm.ChatOptions{})
	if err != nil {
		return result, Wrap(KindModelTransient, "completeness evaluation", err)
	}

	parsed, err := parseCompletenessJSON(reply.Content)
	if err != nil {
		// A malformed judge response is not fatal to the turn: fall back to
		// a count heuristic (every expected agent has now contributed)
		// rather than looping forever on a judge that can't follow the
		// schema.
		parsed = CompletenessResult{
			IsComplete: len(responses) >= len(expectedAgents),
			Reasoning:  "evaluator response was not valid JSON",
		}
	}
	parsed.RecoverySuggestion = result.RecoverySuggestion
	return parsed, nil
}

const evaluationSystemPrompt = `You are judging whether a group of specialist responses fully answers the user's request.
Respond with a single JSON object and nothing else, with exactly these fields:
{"is_complete": bool, "missing_info": [string], "suggested_agents": [string], "follow_up_questions": [string], "reasoning": string}
suggested_agents should name specialists (by id) who could fill the missing_info if is_complete is false.`

func buildEvaluationPrompt(userQuery string, responses []Message, expectedAgents []string) string {
	var b strings.Builder
	b.WriteString("User request:\n")
	b.WriteString(userQuery)
	b.WriteString("\n\nExpected specialists: ")
	b.WriteString(strings.Join(expectedAgents, ", "))
	b.WriteString("\n\nSpecialist responses so far:\n")
	for _, r := range responses {
		b.WriteString("- ")
		b.WriteString(r.AgentID)
		b.WriteString(": ")
		b.WriteString(r.Content)
		b.WriteString("\n")
	}
	return b.String()
}

func parseCompletenessJSON(content string) (CompletenessResult, error) {
	start := strings.IndexByte(content, '{')
	end := strings.LastIndexByte(content, '}')
	if start < 0 || end < start {
		return CompletenessResult{}, New(KindInputInvalid, "no JSON object found in evaluator response")
	}
	var out CompletenessResult
	if err := json.Unmarshal([]byte(content[start:end+1]), &out); err != nil {
		return CompletenessResult{}, Wrap(KindInputInvalid, "decode evaluator JSON", err)
	}
	return out, nil
}

func scanForErrorIndicators(responses []Message) string {
	for _, r := range responses {
		lower := strings.ToLower(r.Content)
		for _, phrase := range errorIndicatorPhrases {
			if strings.Contains(lower, phrase) {
				return "specialist " + r.AgentID + " may have hit a recoverable error; consider a retry or reroute"
			}
		}
	}
	return ""
}

package groupchat

import (
	"context"
	"strings"

	"groupchatcore/internal/llm"
)

// substantialSynthesisMinChars is the length above which a coordinator
// response is considered a real synthesis rather than a short remark,
// for the purposes of the coordinator-shortcut step below.
const substantialSynthesisMinChars = 120

// Synthesizer is the Synthesizer (C8): it reduces a turn's specialist
// responses and optional coordinator response into the single assistant
// message actually returned to the user, following a fixed decision tree
// rather than always paying for an LLM call:
//
//  1. drop duplicate specialist responses (same agent repeating itself
//     across a reroute contributes nothing new).
//  2. if the coordinator already produced a substantial response that
//     mentions at least one specialist, use it directly — it's already a
//     synthesis, paying for another model call to restate it would add
//     nothing.
//  3. no specialist responses survive dedup: fall back to the coordinator's
//     response if there is one, or a fixed apology message.
//  4. exactly one specialist response: return it verbatim, no synthesis
//     needed.
//  5. multiple responses whose combined size would blow the token budget:
//     skip the chat model entirely and take the emergency, model-free path.
//  6. otherwise ask the chat model to merge them, pre-truncating any single
//     oversized entry so one specialist can't exhaust the whole prompt
//     budget; if the call fails, fall back to a plain concatenation.
//
// Whatever the tree produces is truncated to the available history budget
// as a last resort before being returned.
type Synthesizer struct {
	Provider        llm.Provider
	Model           string
	Accountant      *Accountant
	CoordinatorName string
}

// NewSynthesizer wires a chat model and token accountant into a Synthesizer.
func NewSynthesizer(provider llm.Provider, model string, acct *Accountant, coordinatorName string) *Synthesizer {
	return &Synthesizer{Provider: provider, Model: model, Accountant: acct, CoordinatorName: coordinatorName}
}

// Synthesize reduces specialistResponses and the optional coordinatorResponse
// into the final message for the turn.
func (s *Synthesizer) Synthesize(ctx context.Context, userQuery string, specialistResponses []Message, coordinatorResponse *Message) Message {
	final := s.synthesizeRaw(ctx, userQuery, specialistResponses, coordinatorResponse)
	final.Role = "assistant"
	final.AgentID = s.CoordinatorName
	return s.truncateIfOverBudget(ctx, final)
}

func (s *Synthesizer) synthesizeRaw(ctx context.Context, userQuery string, specialistResponses []Message, coordinatorResponse *Message) Message {
	deduped := dedupeResponses(specialistResponses)

	if isSubstantialCoordinatorSynthesis(coordinatorResponse, deduped) {
		return Message{Content: coordinatorResponse.Content}
	}

	switch len(deduped) {
	case 0:
		if coordinatorResponse != nil && strings.TrimSpace(coordinatorResponse.Content) != "" {
			return Message{Content: coordinatorResponse.Content}
		}
		return Message{Content: "I wasn't able to get a response from any specialist for this request."}
	case 1:
		return Message{Content: deduped[0].Content}
	}

	if s.Accountant != nil {
		combined := s.Accountant.CountMessages(ctx, deduped)
		if combined >= s.Accountant.SynthesisEmergencyThreshold() {
			return emergencySynthesize(deduped)
		}
	}

	if s.Provider != nil {
		if msg, err := s.llmSynthesize(ctx, userQuery, deduped); err == nil {
			return msg
		}
	}
	return s.fallbackSynthesize(deduped)
}

// dedupeResponses drops blank and exact-duplicate (by trimmed content)
// specialist responses, keeping the first occurrence of each.
func dedupeResponses(responses []Message) []Message {
	seen := make(map[string]struct{}, len(responses))
	out := make([]Message, 0, len(responses))
	for _, r := range responses {
		key := strings.TrimSpace(r.Content)
		if key == "" {
			continue
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, r)
	}
	return out
}

// isSubstantialCoordinatorSynthesis reports whether coordinatorResponse
// already reads as a real synthesis: long enough to be more than a remark,
// and mentioning at least one of the specialists that contributed.
func isSubstantialCoordinatorSynthesis(coordinatorResponse *Message, specialistResponses []Message) bool {
	if coordinatorResponse == nil {
		return false
	}
	content := strings.TrimSpace(coordinatorResponse.Content)
	if len(content) < substantialSynthesisMinChars {
		return false
	}
	lower := strings.ToLower(content)
	for _, r := range specialistResponses {
		if r.AgentID != "" && strings.Contains(lower, strings.ToLower(r.AgentID)) {
			return true
		}
	}
	return false
}

// emergencySynthesize produces a short bullet summary of every response
// without ever calling the chat model, for use once the combined responses
// are too large to safely hand to the model at all.
func emergencySynthesize(responses []Message) Message {
	const snippetChars = 200
	var b strings.Builder
	b.WriteString("Here is a brief summary; the full specialist responses exceeded the available token budget:\n")
	for _, r := range responses {
		b.WriteString("- ")
		b.WriteString(r.AgentID)
		b.WriteString(": ")
		snippet := r.Content
		if len(snippet) > snippetChars {
			snippet = strings.TrimRight(snippet[:snippetChars], " \n\t") + "..."
		}
		b.WriteString(snippet)
		b.WriteString("\n")
	}
	return Message{Content: b.String()}
}

func (s *Synthesizer) llmSynthesize(ctx context.Context, userQuery string, responses []Message) (Message, error) {
	perEntryBudget := 0
	if s.Accountant != nil && len(responses) > 0 {
		perEntryBudget = s.Accountant.AvailableForHistory() / len(responses)
	}

	var b strings.Builder
	b.WriteString("User request:\n")
	b.WriteString(userQuery)
	b.WriteString("\n\nSpecialist responses to combine into one answer:\n")
	for _, r := range responses {
		content := r.Content
		if perEntryBudget > 0 {
			content = truncateEntryAvoidingCitations(content, perEntryBudget*4)
		}
		b.WriteString("- ")
		b.WriteString(r.AgentID)
		b.WriteString(": ")
		b.WriteString(content)
		b.WriteString("\n")
	}

	msgs := []llm.Message{
		{Role: "system", Content: synthesisSystemPrompt},
		{Role: "user", Content: b.String()},
	}
	opts := llm.ChatOptions{Temperature: 0.3}
	if s.Accountant != nil {
		opts.MaxTokens = s.Accountant.Cfg.ResponseReserveTokens
	}
	reply, err := s.Provider.Chat(ctx, msgs, nil, s.Model, opts)
	if err != nil {
		return Message{}, Wrap(KindModelTransient, "llm synthesis", err)
	}
	return Message{Content: reply.Content}, nil
}

const synthesisSystemPrompt = `You combine multiple specialist responses into a single, coherent reply to the user.
Do not mention that multiple specialists were involved. Resolve overlaps and contradictions, and keep the combined answer concise.`

// truncateEntryAvoidingCitations trims content to approxChars, backing off
// to avoid splitting an open "[...]" citation marker or a bare URL, then
// appends a truncation marker. Used as the pre-check, per-entry truncation
// the LLM synthesis path applies before ever assembling its prompt, as
// distinct from truncateIfOverBudget's blind post-hoc trim of the already
// combined final text.
func truncateEntryAvoidingCitations(content string, approxChars int) string {
	if approxChars <= 0 || approxChars >= len(content) {
		return content
	}
	cut := approxChars
	if open := strings.LastIndexByte(content[:cut], '['); open >= 0 {
		if closeIdx := strings.IndexByte(content[open:], ']'); closeIdx == -1 || open+closeIdx >= cut {
			cut = open
		}
	}
	if idx := strings.LastIndex(content[:cut], "http"); idx >= 0 {
		if end := strings.IndexAny(content[idx:], " \n\t"); end == -1 || idx+end >= cut {
			cut = idx
		}
	}
	if cut <= 0 {
		cut = approxChars
	}
	return strings.TrimRight(content[:cut], " \n\t") + " [TRUNCATED DUE TO TOKEN LIMITS]"
}

// fallbackSynthesize concatenates every response's content, separated by
// blank lines, without agent labels or headings. It never calls the model, so it always succeeds, trading coherence for
// availability when the model call that would have produced a real merge
// failed.
func (s *Synthesizer) fallbackSynthesize(responses []Message) Message {
	var b strings.Builder
	for i, r := range responses {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(r.Content)
	}
	return Message{Content: b.String()}
}

// truncateIfOverBudget trims an over-long synthesized message down to the
// available history budget rather than emitting a reply the model's next
// turn could never fit alongside. Synthesize applies it to the output of
// every path of the decision tree; it changes the message only when that
// output exceeds the budget.
func (s *Synthesizer) truncateIfOverBudget(ctx context.Context, msg Message) Message {
	if s.Accountant == nil {
		return msg
	}
	budget := s.Accountant.AvailableForHistory()
	if budget <= 0 {
		return msg
	}
	if s.Accountant.Count(ctx, msg.Content) <= budget {
		return msg
	}

	// Binary-search-free truncation: approximate the cut point from the
	// heuristic estimator's ratio (3.5 chars per token, padded by 1.15),
	// then trim to a clean sentence boundary where possible.
	approxChars := int(float64(budget) * 3.5 / 1.15)
	if approxChars >= len(msg.Content) {
		return msg
	}
	cut := msg.Content[:approxChars]
	if idx := strings.LastIndexAny(cut, ".!?"); idx > approxChars/2 {
		cut = cut[:idx+1]
	}
	msg.Content = cut + "\n\n[response truncated to fit the available context budget]"
	return msg
}

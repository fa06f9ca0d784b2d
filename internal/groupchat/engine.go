package groupchat

import (
	"context"
	"strings"
	"sync"

	"groupchatcore/internal/config"
	"groupchatcore/internal/llm"
	"groupchatcore/internal/observability"
)

// approvalToken is the literal the Termination Strategy looks for in the
// coordinator's own response to end a turn early, independent of
// MAX_ITERATIONS (see coordinatorApproved). A specialist's response never
// ends the turn, whatever it contains.
const approvalToken = "Approved"

// toolDispatchConcurrency bounds how many of one agent's tool calls run at
// once within a single turn.
const toolDispatchConcurrency = 4

// turnState names the Group Chat Engine's state machine positions for a
// single RunTurn call. It is tracked for readability only: RunTurn never
// publishes, logs or branches on this value, and its control flow enforces
// the transitions directly.
type turnState string

const (
	stateAwaitingFirstResponse turnState = "awaiting-first-response"
	stateProgressing           turnState = "progressing"
	stateSynthesizing          turnState = "coordinator-synthesizing"
	stateTerminated            turnState = "terminated"
)

// Engine is the Group Chat Orchestrator (C6): it drives one bounded,
// turn-based conversation round across the agents the Router selects,
// mediates their tool calls, evaluates completeness, and synthesizes the
// final reply.
type Engine struct {
	Registry        *Registry
	Router          *Router
	Mediator        *Mediator
	Memory          *Memory
	Evaluator       *Evaluator
	Synthesizer     *Synthesizer
	Activity        *Streamer
	Cfg             config.CoreConfig
	CoordinatorName string
}

// NewEngine wires every C1-C9 collaborator into an Engine.
func NewEngine(reg *Registry, router *Router, mediator *Mediator, memory *Memory, eval *Evaluator, synth *Synthesizer, activity *Streamer, cfg config.CoreConfig, coordinatorName string) *Engine {
	return &Engine{
		Registry:        reg,
		Router:          router,
		Mediator:        mediator,
		Memory:          memory,
		Evaluator:       eval,
		Synthesizer:     synth,
		Activity:        activity,
		Cfg:             cfg,
		CoordinatorName: coordinatorName,
	}
}

// RunTurn drives one full user turn to completion: selection, bounded
// rounds of agent responses (with mediated tool calls), completeness
// evaluation and optional reroute, and final synthesis. It always appends
// the user's message and the final synthesized message to history, and
// always truncates history to budget before returning.
func (e *Engine) RunTurn(ctx context.Context, userID *int64, history *ChatHistory, userInput string, contextualTags []string) (Message, error) {
	sessionID := history.SessionID
	state := stateAwaitingFirstResponse
	e.publish(sessionID, ActivityEvent{Kind: ActivityTurnStart, Message: userInput})

	userMsg := Message{Role: "user", Content: userInput}
	if err := e.Memory.Append(ctx, userID, history, []Message{userMsg}, ""); err != nil {
		return Message{}, err
	}

	roster := e.Registry.All()
	coordinator := e.Registry.Get(e.CoordinatorName)

	// Compute-strategy-first: the coordinator's routing strategy is always
	// derived before checking whether a singleton-coordinator fast path
	// applies, so the decision of how to route is never skipped just
	// because there happened to be only one agent in play.
	strategy := e.computeStrategy(ctx, coordinator, userInput)
	if strategy != "" {
		e.publish(sessionID, ActivityEvent{Kind: ActivityAgentSelected, AgentID: e.CoordinatorName, Message: strategy})
	}

	if len(roster) <= 1 {
		return e.runSingletonTurn(ctx, userID, history, coordinator, strategy)
	}

	// The Router's weighted scoring is allowed to exclude the coordinator
	// from a turn entirely (its own route rules can score below the include
	// threshold; an empty "contains" rule never matches and adds nothing);
	// the selection strategy never does. The coordinator
	// always holds participant-list position 0.
	participants := ensureCoordinatorFirst(e.Router.Select(roster, userInput, contextualTags), coordinator)
	multiPart := len(participants) > 1

	var allResponses []Message
	var specialistResponses []Message
	specialistSpoken := false
	lastWasSpecialist := false
	reroutesUsed := 0
	iterations := 0

	for iterations < e.Cfg.MaxIterations {
		iterations++
		state = stateProgressing

		speaker := e.selectNextSpeaker(ctx, coordinator, participants, userInput, specialistSpoken, lastWasSpecialist)
		if speaker == nil {
			break
		}

		e.publish(sessionID, ActivityEvent{Kind: ActivityAgentSelected, AgentID: speaker.ID})
		resp := e.runAgentTurn(ctx, sessionID, userID, speaker, history.Messages)
		allResponses = append(allResponses, resp)
		if err := e.Memory.Append(ctx, userID, history, []Message{resp}, speaker.Model); err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Str("agent", speaker.ID).Msg("append_response_failed")
		}
		e.publish(sessionID, ActivityEvent{Kind: ActivityAgentResponded, AgentID: speaker.ID, Message: resp.Content})

		isCoordinator := speaker.ID == e.CoordinatorName
		if isCoordinator {
			lastWasSpecialist = false
			if coordinatorApproved(resp, e.CoordinatorName, specialistSpoken, multiPart) {
				state = stateTerminated
				break
			}
			// Coordinator spoke without approving: let the selection
			// strategy's model-parse fallback decide who goes next.
			continue
		}

		specialistResponses = append(specialistResponses, resp)
		specialistSpoken = true
		lastWasSpecialist = true

		expected := specialistIDs(participants, e.CoordinatorName)
		result, err := e.Evaluator.Evaluate(ctx, userInput, specialistResponses, expected)
		if err != nil {
			observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("completeness_evaluation_failed")
			continue
		}
		e.publish(sessionID, ActivityEvent{
			Kind:    ActivityEvaluation,
			Message: result.Reasoning,
			Data:    map[string]any{"is_complete": result.IsComplete, "missing_info": result.MissingInfo},
		})
		if result.RecoverySuggestion != "" {
			e.publish(sessionID, ActivityEvent{Kind: ActivityError, Message: result.RecoverySuggestion})
		}
		if result.IsComplete {
			continue
		}
		if reroutesUsed >= e.Cfg.RerouteIterations {
			continue
		}
		reroutesUsed++
		next := e.rerouteTo(roster, result.SuggestedAgents)
		if len(next) == 0 {
			continue
		}
		participants = ensureCoordinatorFirst(next, coordinator)
		multiPart = len(participants) > 1
		e.publish(sessionID, ActivityEvent{Kind: ActivityReroute, Message: strings.Join(result.SuggestedAgents, ",")})
	}

	state = stateSynthesizing
	final := e.Synthesizer.Synthesize(ctx, userInput, specialistResponses, coordinatorMessage(allResponses, e.CoordinatorName))
	e.publish(sessionID, ActivityEvent{Kind: ActivitySynthesized, AgentID: final.AgentID})

	if err := e.Memory.Append(ctx, userID, history, []Message{final}, e.modelFor(coordinator)); err != nil {
		return final, err
	}
	if err := e.Memory.Truncate(ctx, userID, history); err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("memory_truncate_failed")
	}

	_ = state
	e.publish(sessionID, ActivityEvent{Kind: ActivityTurnComplete, AgentID: final.AgentID})
	return final, nil
}

// runSingletonTurn handles the degenerate one-agent roster directly: no
// routing, no rounds, no synthesis over multiple voices, just one response
// appended and returned.
func (e *Engine) runSingletonTurn(ctx context.Context, userID *int64, history *ChatHistory, agent *Agent, strategy string) (Message, error) {
	if agent == nil {
		return Message{}, New(KindInputInvalid, "no coordinator registered")
	}
	resp := e.runAgentTurn(ctx, history.SessionID, userID, agent, history.Messages)
	if err := e.Memory.Append(ctx, userID, history, []Message{resp}, agent.Model); err != nil {
		return resp, err
	}
	if err := e.Memory.Truncate(ctx, userID, history); err != nil {
		observability.LoggerWithTrace(ctx).Warn().Err(err).Msg("memory_truncate_failed")
	}
	e.publish(history.SessionID, ActivityEvent{Kind: ActivityTurnComplete, AgentID: agent.ID})
	return resp, nil
}

// ensureCoordinatorFirst returns participants with the coordinator always at
// position 0, moving it there if the Router's scoring already included it
// and prepending it otherwise. The Router may legitimately leave the
// coordinator out of its scored set; the selection strategy never does.
func ensureCoordinatorFirst(selected []ScoredAgent, coordinator *Agent) []ScoredAgent {
	if coordinator == nil {
		return selected
	}
	out := make([]ScoredAgent, 0, len(selected)+1)
	out = append(out, ScoredAgent{Agent: coordinator, Score: 1})
	for _, sa := range selected {
		if sa.Agent.ID == coordinator.ID {
			continue
		}
		out = append(out, sa)
	}
	return out
}

// specialistIDs returns the IDs of every non-coordinator participant, the
// "expected agent list" the Completeness Evaluator's fallback needs.
func specialistIDs(participants []ScoredAgent, coordinatorName string) []string {
	out := make([]string, 0, len(participants))
	for _, sa := range participants {
		if sa.Agent.ID != coordinatorName {
			out = append(out, sa.Agent.ID)
		}
	}
	return out
}

// coordinatorMessage returns a pointer to the most recent message authored
// by coordinatorName in responses, or nil if the coordinator hasn't spoken.
func coordinatorMessage(responses []Message, coordinatorName string) *Message {
	for i := len(responses) - 1; i >= 0; i-- {
		if responses[i].AgentID == coordinatorName {
			m := responses[i]
			return &m
		}
	}
	return nil
}

// selectNextSpeaker implements the selection strategy: a keyword-matched
// specialist speaks first, a specialist's response always hands the floor
// back to the coordinator next, and anything else falls back to asking the
// model to name exactly one participant to speak.
func (e *Engine) selectNextSpeaker(ctx context.Context, coordinator *Agent, participants []ScoredAgent, userInput string, specialistSpoken, lastWasSpecialist bool) *Agent {
	if len(participants) == 0 {
		return nil
	}
	if len(participants) == 1 {
		return participants[0].Agent
	}
	if !specialistSpoken {
		for _, sa := range participants {
			if sa.Agent.ID != e.CoordinatorName {
				return sa.Agent
			}
		}
	}
	if lastWasSpecialist && coordinator != nil {
		return coordinator
	}
	return e.parseNextSpeakerFromModel(ctx, coordinator, participants)
}

// parseNextSpeakerFromModel asks the coordinator's model to name exactly one
// of the current participants to speak next. It is the selection strategy's
// last-resort step, reached only once the keyword-table and
// default-to-coordinator steps don't apply (the coordinator just spoke and
// didn't approve). Falls back to the coordinator itself if the model names
// nobody recognizable.
func (e *Engine) parseNextSpeakerFromModel(ctx context.Context, coordinator *Agent, participants []ScoredAgent) *Agent {
	if coordinator == nil || coordinator.Provider == nil {
		return participants[0].Agent
	}
	names := make([]string, 0, len(participants))
	for _, sa := range participants {
		names = append(names, sa.Agent.ID)
	}
	msgs := []llm.Message{
		{Role: "system", Content: "You choose which participant speaks next in a multi-agent conversation. Reply with exactly one agent id from the list given, and nothing else."},
		{Role: "user", Content: "Who should speak next: " + strings.Join(names, ", ") + "?"},
	}
	reply, err := coordinator.Provider.Chat(ctx, msgs, nil, coordinator.Model, llm.ChatOptions{})
	if err != nil {
		return coordinator
	}
	picked := strings.TrimSpace(reply.Content)
	for _, sa := range participants {
		if strings.EqualFold(sa.Agent.ID, picked) {
			return sa.Agent
		}
	}
	return coordinator
}

// runAgentTurn calls agent's provider against the current history, mediates
// any tool calls it requests, and loops until it returns a response with no
// further tool calls or a small bound on tool round-trips is reached.
func (e *Engine) runAgentTurn(ctx context.Context, sessionID string, userID *int64, agent *Agent, history []Message) Message {
	system := agent.System
	if agent.ID == e.CoordinatorName && e.Registry != nil {
		system = e.Registry.AppendToSystemPrompt(system)
	}
	msgs := toLLMMessages(history, system)
	const maxToolRounds = 4

	for round := 0; round < maxToolRounds; round++ {
		reply, err := agent.Provider.Chat(ctx, msgs, nil, agent.Model, llm.ChatOptions{})
		if err != nil {
			wrapped := Wrap(KindModelTransient, "agent response", err)
			e.publish(sessionID, ActivityEvent{Kind: ActivityError, AgentID: agent.ID, Message: wrapped.Error()})
			return Message{Role: "assistant", AgentID: agent.ID, Content: "I ran into an error and could not complete this response."}
		}
		if len(reply.ToolCalls) == 0 {
			return Message{Role: "assistant", AgentID: agent.ID, Content: reply.Content}
		}

		results := e.dispatchTools(ctx, sessionID, userID, agent, reply.ToolCalls)
		msgs = append(msgs, llm.Message{Role: "assistant", AgentID: agent.ID, Content: reply.Content, ToolCalls: reply.ToolCalls})
		for _, res := range results {
			content := string(res.Payload)
			if res.Err != nil {
				content = res.Err.Error()
			}
			msgs = append(msgs, llm.Message{Role: "tool", AgentID: agent.ID, Content: content, ToolID: res.CallID})
		}
	}
	return Message{Role: "assistant", AgentID: agent.ID, Content: "I used several tools but could not finish within the allotted round-trips."}
}

// dispatchTools mediates every tool call an agent's response produced
// concurrently, bounded by toolDispatchConcurrency, preserving input order
// in the returned slice. userID is threaded through so every dispatched
// call carries the caller's identity alongside the session ID.
func (e *Engine) dispatchTools(ctx context.Context, sessionID string, userID *int64, agent *Agent, calls []llm.ToolCall) []ToolResult {
	results := make([]ToolResult, len(calls))
	sem := make(chan struct{}, toolDispatchConcurrency)
	var wg sync.WaitGroup
	for i, tc := range calls {
		wg.Add(1)
		sem <- struct{}{}
		go func(i int, tc llm.ToolCall) {
			defer wg.Done()
			defer func() { <-sem }()
			results[i] = e.Mediator.Invoke(ctx, sessionID, userID, agent, tc)
		}(i, tc)
	}
	wg.Wait()
	return results
}

// computeStrategy asks the coordinator to state, in natural language, how
// it intends to route this turn. Failures here never block the turn: a
// blank strategy just means nothing gets logged to the Activity Streamer.
func (e *Engine) computeStrategy(ctx context.Context, coordinator *Agent, userInput string) string {
	if coordinator == nil || coordinator.Provider == nil {
		return ""
	}
	msgs := []llm.Message{
		{Role: "system", Content: "In one short sentence, state which specialists (if any) should respond to this message and why. Do not answer the message itself."},
		{Role: "user", Content: userInput},
	}
	reply, err := coordinator.Provider.Chat(ctx, msgs, nil, coordinator.Model, llm.ChatOptions{})
	if err != nil {
		return ""
	}
	return strings.TrimSpace(reply.Content)
}

func (e *Engine) rerouteTo(roster []*Agent, names []string) []ScoredAgent {
	wanted := make(map[string]struct{}, len(names))
	for _, n := range names {
		wanted[strings.TrimSpace(n)] = struct{}{}
	}
	out := make([]ScoredAgent, 0, len(names))
	for _, a := range roster {
		if _, ok := wanted[a.ID]; ok {
			out = append(out, ScoredAgent{Agent: a, Score: 1})
		}
	}
	return out
}

func (e *Engine) modelFor(agent *Agent) string {
	if agent == nil {
		return ""
	}
	return agent.Model
}

func (e *Engine) publish(sessionID string, ev ActivityEvent) {
	if e.Activity == nil {
		return
	}
	ev.SessionID = sessionID
	e.Activity.Publish(ev)
}

// coordinatorApproved implements the Termination Strategy: a turn ends early
// the moment the coordinator's own message contains the approval token,
// provided at least one specialist has contributed whenever the turn is
// multi-part (more than just the coordinator was selected to participate).
// A specialist coincidentally using the word "Approved" in its own answer
// never ends the turn.
func coordinatorApproved(resp Message, coordinatorName string, specialistSpoken, multiPart bool) bool {
	if resp.AgentID != coordinatorName {
		return false
	}
	if !strings.Contains(resp.Content, approvalToken) {
		return false
	}
	if multiPart && !specialistSpoken {
		return false
	}
	return true
}

func toLLMMessages(history []Message, agentSystem string) []llm.Message {
	out := make([]llm.Message, 0, len(history)+1)
	if agentSystem != "" {
		out = append(out, llm.Message{Role: "system", Content: agentSystem})
	}
	for _, m := range history {
		out = append(out, llm.Message{
			Role:      m.Role,
			AgentID:   m.AgentID,
			Content:   m.Content,
			ToolID:    m.ToolID,
			ToolCalls: m.ToolCalls,
		})
	}
	return out
}

package groupchat

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"groupchatcore/internal/config"
	"groupchatcore/internal/observability"
	"groupchatcore/internal/tools"
)

// bindingAbandonTimeout is how long an in-flight call under a superseded
// binding is given to finish before the old binding is dropped for good.
const bindingAbandonTimeout = 5 * time.Second

// binding is the mediator's handle into an agent's current tool allowlist.
// Invoke reads the allowlist through the binding rather than the Agent
// struct directly so that a context update (the agent's allowlist changing)
// can swap in a fresh binding without disturbing calls already in flight
// under the old one.
type binding struct {
	mu      sync.Mutex
	allowed []string
}

func newBinding(allowed []string) *binding {
	return &binding{allowed: allowed}
}

func (b *binding) isAllowed(name string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return allowed(b.allowed, name)
}

// Mediator is the Tool Mediation Layer (C3). It gives every invocation a
// uniform contract — invoke(agent-id, tool-name, arguments, context) —
// enforces each agent's tool allowlist, propagates caller identity, and
// emits a paired start/completed-or-error ActivityEvent per invocation. It
// never lets one agent reach another agent's tool binding directly: all
// dispatch goes through the shared tools.Registry the mediator wraps.
//
// Each agent gets one binding in bindings, keyed by agent ID. Invoke rebuilds
// an agent's binding whenever that agent's allowlist no longer matches what
// the binding was built from (the agent's "context" changed), and retires
// the stale binding asynchronously after bindingAbandonTimeout rather than
// dropping it out from under any call already in flight.
type Mediator struct {
	Tools    tools.Registry
	Activity *Streamer
	Cfg      config.CoreConfig

	bindings sync.Map // agent ID -> *binding
}

// NewMediator wires a tool registry and activity streamer into a Mediator.
func NewMediator(reg tools.Registry, activity *Streamer, cfg config.CoreConfig) *Mediator {
	return &Mediator{Tools: reg, Activity: activity, Cfg: cfg}
}

// bindingFor returns the current binding for agentID, rebuilding it if the
// agent's allowlist has changed since the binding was created. The
// superseded binding (if any) is retired asynchronously so calls already
// holding it can still complete.
func (m *Mediator) bindingFor(agentID string, allowlist []string) *binding {
	if existing, ok := m.bindings.Load(agentID); ok {
		b := existing.(*binding)
		b.mu.Lock()
		same := sameStrings(b.allowed, allowlist)
		b.mu.Unlock()
		if same {
			return b
		}
		fresh := newBinding(allowlist)
		m.bindings.Store(agentID, fresh)
		go m.retireBinding(agentID, b)
		return fresh
	}
	fresh := newBinding(allowlist)
	m.bindings.Store(agentID, fresh)
	return fresh
}

// retireBinding waits out bindingAbandonTimeout before logging that a
// superseded binding has been abandoned, giving in-flight calls made under
// it time to finish; Go's garbage collector reclaims it once the last
// holder drops its reference.
func (m *Mediator) retireBinding(agentID string, old *binding) {
	time.Sleep(bindingAbandonTimeout)
	observability.LoggerWithTrace(context.Background()).Debug().
		Str("agent_id", agentID).
		Msg("tool_binding_retired")
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// Invoke dispatches a single tool call on behalf of agent, enforcing the
// agent's allowlist and a per-request timeout (or the longer streaming
// timeout for tools whose name ends in "_stream"). userID, when non-nil, is
// merged into the dispatched arguments as out-of-band caller metadata
// alongside sessionID.
func (m *Mediator) Invoke(ctx context.Context, sessionID string, userID *int64, agent *Agent, tc ToolCall) ToolResult {
	res := ToolResult{CallID: tc.ID, AgentID: agent.ID, ToolName: tc.Name, Args: tc.Args, StartedAt: time.Now()}

	m.publish(sessionID, ActivityEvent{Kind: ActivityToolStart, AgentID: agent.ID, Message: tc.Name})

	b := m.bindingFor(agent.ID, agent.AllowedTools)
	if !b.isAllowed(tc.Name) {
		err := New(KindForbiddenTool, fmt.Sprintf("agent %q is not allowed to call %q", agent.ID, tc.Name))
		res.Err = err
		res.FinishedAt = time.Now()
		res.Payload = errorPayload(err)
		m.publish(sessionID, ActivityEvent{Kind: ActivityToolError, AgentID: agent.ID, Message: err.Error()})
		return res
	}

	timeout := m.Cfg.ToolRequestTimeout()
	if isStreamingTool(tc.Name) {
		timeout = m.Cfg.ToolStreamTimeout()
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := normalizeArgs(tc.Args, sessionID, userID)

	payload, err := m.Tools.Dispatch(dctx, tc.Name, args)
	res.FinishedAt = time.Now()
	if err != nil {
		kind := KindToolError
		if dctx.Err() != nil {
			kind = KindTimeout
		}
		wrapped := Wrap(kind, "tool dispatch failed: "+tc.Name, err)
		res.Err = wrapped
		res.Payload = errorPayload(wrapped)
		m.publish(sessionID, ActivityEvent{Kind: ActivityToolError, AgentID: agent.ID, Message: wrapped.Error()})
		observability.LoggerWithTrace(ctx).Warn().Err(err).Str("tool", tc.Name).Msg("tool_dispatch_failed")
		return res
	}

	res.Payload = payload
	m.publish(sessionID, ActivityEvent{Kind: ActivityToolCompleted, AgentID: agent.ID, Message: tc.Name})
	return res
}

// normalizeArgs flattens a nested "kwargs" object up to the top level and
// merges in the caller's session ID and (when present) user ID as
// out-of-band metadata, so every dispatched call carries them regardless of
// what the model itself supplied as arguments.
func normalizeArgs(raw json.RawMessage, sessionID string, userID *int64) json.RawMessage {
	args := map[string]any{}
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &args)
	}
	if kwargs, ok := args["kwargs"].(map[string]any); ok {
		delete(args, "kwargs")
		for k, v := range kwargs {
			args[k] = v
		}
	}
	args["session_id"] = sessionID
	if userID != nil {
		args["user_id"] = *userID
	}
	out, err := json.Marshal(args)
	if err != nil {
		return raw
	}
	return out
}

func (m *Mediator) publish(sessionID string, ev ActivityEvent) {
	if m.Activity == nil {
		return
	}
	ev.SessionID = sessionID
	m.Activity.Publish(ev)
}

func allowed(allowlist []string, name string) bool {
	if len(allowlist) == 0 {
		return false
	}
	for _, a := range allowlist {
		if a == name || a == "*" {
			return true
		}
	}
	return false
}

func isStreamingTool(name string) bool {
	return len(name) > 7 && name[len(name)-7:] == "_stream"
}

func errorPayload(err error) []byte {
	b, _ := json.Marshal(map[string]any{"ok": false, "error": err.Error()})
	return b
}

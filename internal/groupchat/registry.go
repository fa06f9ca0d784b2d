package groupchat

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"groupchatcore/internal/config"
	"groupchatcore/internal/llm"
)

// Registry is the Agent Registry half of C4: an addressable, swappable set
// of specialists keyed by name, with an atomically rebuildable system-prompt
// roster addendum the coordinator can append to its own system prompt.
type Registry struct {
	mu                   sync.RWMutex
	agents               map[string]*Agent
	order                []string
	systemPromptAddendum string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{agents: make(map[string]*Agent)}
}

// ReplaceFromConfigs atomically rebuilds the registry from configuration,
// binding each entry to a concrete provider via newProvider. Existing
// bindings not present in the new config set are dropped; this is the only
// way the registry's contents change, so the system-prompt addendum rebuild
// below always reflects exactly the new roster.
func (r *Registry) ReplaceFromConfigs(cfgs []config.AgentConfig, newProvider func(config.AgentConfig) (llm.Provider, error)) error {
	next := make(map[string]*Agent, len(cfgs))
	order := make([]string, 0, len(cfgs))
	for _, c := range cfgs {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			return New(KindInputInvalid, "agent config missing name")
		}
		provider, err := newProvider(c)
		if err != nil {
			return Wrap(KindInputInvalid, "build provider for agent "+name, err)
		}
		routes := make([]RouteRule, 0, len(c.Routes))
		for _, rt := range c.Routes {
			routes = append(routes, RouteRule{Contains: rt.Contains, Regex: rt.Regex, Weight: rt.Weight})
		}
		next[name] = &Agent{
			ID:              name,
			Description:     c.Description,
			System:          c.System,
			Model:           c.Model,
			ContextTokens:   c.ContextTokens,
			AllowedTools:    c.AllowTools,
			DomainTags:      c.DomainTags,
			Routes:          routes,
			ReasoningEffort: c.ReasoningEffort,
			ExtraParams:     c.ExtraParams,
			Provider:        provider,
		}
		order = append(order, name)
	}
	sort.Strings(order)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.agents = next
	r.order = order
	r.systemPromptAddendum = buildSystemPromptAddendum(next, order)
	return nil
}

// Get returns the named agent, or nil if not registered.
func (r *Registry) Get(name string) *Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.agents[name]
}

// Names returns the registered agent names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, len(r.order))
	copy(out, r.order)
	return out
}

// All returns a snapshot of the currently registered agents, in Names()
// order.
func (r *Registry) All() []*Agent {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Agent, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.agents[name])
	}
	return out
}

// SystemPromptAddendum returns the roster block the coordinator's own
// system prompt should be appended with, rebuilt every time the registry is
// replaced.
func (r *Registry) SystemPromptAddendum() string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.systemPromptAddendum
}

// AppendToSystemPrompt appends the current roster addendum to base, unless
// the registry is empty.
func (r *Registry) AppendToSystemPrompt(base string) string {
	addendum := r.SystemPromptAddendum()
	if addendum == "" {
		return base
	}
	if strings.TrimSpace(base) == "" {
		return addendum
	}
	return base + "\n\n" + addendum
}

func buildSystemPromptAddendum(agents map[string]*Agent, order []string) string {
	if len(order) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString("Available specialists:\n")
	for _, name := range order {
		a := agents[name]
		b.WriteString(fmt.Sprintf("- %s: %s\n", a.ID, a.Description))
	}
	return b.String()
}

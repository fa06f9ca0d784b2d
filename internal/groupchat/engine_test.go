package groupchat

import (
	"context"
	"encoding/json"
	"testing"

	"groupchatcore/internal/config"
	"groupchatcore/internal/llm"
	"groupchatcore/internal/persistence/databases"

	"github.com/stretchr/testify/require"
)

func newTestEngine(t *testing.T, agents map[string]*fakeProvider, coordinatorName string) (*Engine, *ChatHistory) {
	t.Helper()
	store, err := databases.NewChatStore(context.Background(), "")
	require.NoError(t, err)
	ctx := context.Background()
	_, err = store.EnsureSession(ctx, nil, "s1", "session")
	require.NoError(t, err)

	reg := NewRegistry()
	cfgs := make([]config.AgentConfig, 0, len(agents))
	for name := range agents {
		cfgs = append(cfgs, config.AgentConfig{Name: name, Description: name})
	}
	err = reg.ReplaceFromConfigs(cfgs, func(c config.AgentConfig) (llm.Provider, error) {
		return agents[c.Name], nil
	})
	require.NoError(t, err)

	cfg := testCfg()
	cfg.MaxIterations = 3
	cfg.RerouteIterations = 1

	acct := NewAccountant(cfg, nil)
	mem := NewMemory(store, acct)
	router := NewRouter(0.1)
	toolReg := &fakeToolRegistry{dispatch: func(ctx context.Context, name string, raw json.RawMessage) ([]byte, error) {
		t.Fatal("no tool calls expected in this test")
		return nil, nil
	}}
	mediator := NewMediator(toolReg, nil, cfg)
	eval := NewEvaluator(agents[coordinatorName], coordinatorName)
	synth := NewSynthesizer(agents[coordinatorName], coordinatorName, acct, coordinatorName)

	engine := NewEngine(reg, router, mediator, mem, eval, synth, NewStreamer(32), cfg, coordinatorName)
	history := &ChatHistory{SessionID: "s1"}
	return engine, history
}

func TestRunTurnSingletonCoordinator(t *testing.T) {
	coordinator := &fakeProvider{reply: llm.Message{Content: "Hello, how can I help?"}}
	engine, history := newTestEngine(t, map[string]*fakeProvider{"coordinator": coordinator}, "coordinator")

	final, err := engine.RunTurn(context.Background(), nil, history, "hi there", nil)
	require.NoError(t, err)
	require.Equal(t, "Hello, how can I help?", final.Content)
	require.Equal(t, "coordinator", final.AgentID)
}

func TestRunTurnTerminatesOnApprovalToken(t *testing.T) {
	coordinator := &fakeProvider{reply: llm.Message{Content: "Approved, looks good."}}
	billing := &fakeProvider{reply: llm.Message{Content: "Your invoice is ready."}}
	engine, history := newTestEngine(t, map[string]*fakeProvider{
		"coordinator": coordinator,
		"billing":     billing,
	}, "coordinator")
	engine.Registry.Get("billing").Routes = []RouteRule{{Contains: "invoice", Weight: 1}}
	engine.Registry.Get("coordinator").Routes = []RouteRule{{Contains: "invoice", Weight: 1}}

	final, err := engine.RunTurn(context.Background(), nil, history, "please resend my invoice", nil)
	require.NoError(t, err)
	require.NotEmpty(t, final.Content)
	require.Equal(t, "coordinator", final.AgentID)
}

func TestCoordinatorApproved(t *testing.T) {
	coordMsg := Message{AgentID: "coordinator", Content: "Approved, looks good."}
	specialistMsg := Message{AgentID: "billing", Content: "Approved, all set."}

	require.True(t, coordinatorApproved(coordMsg, "coordinator", true, true),
		"coordinator approval after a specialist contributed ends a multi-part turn")
	require.False(t, coordinatorApproved(specialistMsg, "coordinator", true, true),
		"a specialist's own message never ends the turn, even if it contains the approval token")
	require.False(t, coordinatorApproved(coordMsg, "coordinator", false, true),
		"a multi-part turn cannot terminate before any specialist has contributed")
	require.True(t, coordinatorApproved(coordMsg, "coordinator", false, false),
		"a single-participant turn can terminate on coordinator approval alone")
}

func TestToLLMMessagesPrependsSystem(t *testing.T) {
	out := toLLMMessages([]Message{{Role: "user", Content: "hi"}}, "be nice")
	require.Len(t, out, 2)
	require.Equal(t, "system", out[0].Role)
	require.Equal(t, "be nice", out[0].Content)
}

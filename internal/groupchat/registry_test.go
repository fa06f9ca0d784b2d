package groupchat

import (
	"context"
	"testing"

	"groupchatcore/internal/config"
	"groupchatcore/internal/llm"

	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	reply llm.Message
	err   error
}

func (f *fakeProvider) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, opts llm.ChatOptions) (llm.Message, error) {
	return f.reply, f.err
}

func (f *fakeProvider) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, opts llm.ChatOptions, h llm.StreamHandler) error {
	return f.err
}

func TestRegistryReplaceFromConfigs(t *testing.T) {
	reg := NewRegistry()
	cfgs := []config.AgentConfig{
		{Name: "coordinator", Description: "routes and synthesizes"},
		{Name: "billing", Description: "handles billing questions", Routes: []config.RouteConfig{{Contains: "invoice", Weight: 1}}},
	}
	err := reg.ReplaceFromConfigs(cfgs, func(c config.AgentConfig) (llm.Provider, error) {
		return &fakeProvider{}, nil
	})
	require.NoError(t, err)

	require.ElementsMatch(t, []string{"billing", "coordinator"}, reg.Names())
	require.NotNil(t, reg.Get("coordinator"))
	require.Nil(t, reg.Get("missing"))
	require.Contains(t, reg.SystemPromptAddendum(), "billing")
	require.Contains(t, reg.SystemPromptAddendum(), "handles billing questions")
}

func TestRegistryAppendToSystemPromptEmptyRoster(t *testing.T) {
	reg := NewRegistry()
	require.Equal(t, "base prompt", reg.AppendToSystemPrompt("base prompt"))
}

func TestRegistryReplaceFromConfigsRejectsBlankName(t *testing.T) {
	reg := NewRegistry()
	err := reg.ReplaceFromConfigs([]config.AgentConfig{{Name: "  "}}, func(c config.AgentConfig) (llm.Provider, error) {
		return &fakeProvider{}, nil
	})
	require.Error(t, err)
}

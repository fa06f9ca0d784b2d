// Package openaicompat adapts the OpenAI-compatible Chat Completions API to
// the core's llm.Provider contract, grounded on the wider codebase's own
// OpenAI SDK client but trimmed to the one chat model surface the core
// actually needs: no image generation, no Gemini-specific raw fallbacks, no
// self-hosted tokenizer probing.
package openaicompat

import (
	"context"
	"math"
	"strings"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/openai/openai-go/v2/packages/param"

	"groupchatcore/internal/llm"
	"groupchatcore/internal/observability"
)

// Config configures a Client.
type Config struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Client implements llm.Provider against any OpenAI Chat Completions
// compatible endpoint.
type Client struct {
	sdk          sdk.Client
	defaultModel string
}

// New builds a Client from Config.
func New(cfg Config) *Client {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	return &Client{sdk: sdk.NewClient(opts...), defaultModel: cfg.Model}
}

// maxTransientRetries mirrors the spec's chat model error taxonomy: transient
// errors are retried up to two additional times with exponential backoff;
// fatal errors are surfaced immediately.
const maxTransientRetries = 2

// Chat implements llm.Provider.Chat, retrying transient failures with
// exponential backoff before surfacing the final error to the caller.
func (c *Client) Chat(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, opts llm.ChatOptions) (llm.Message, error) {
	params := sdk.ChatCompletionNewParams{Model: sdk.ChatModel(firstNonEmpty(model, c.defaultModel))}
	params.Messages = adaptMessages(msgs)
	if len(tools) > 0 {
		params.Tools = adaptSchemas(tools)
	}
	applyOptions(&params, opts)

	log := observability.LoggerWithTrace(ctx)
	var lastErr error
	for attempt := 0; attempt <= maxTransientRetries; attempt++ {
		if attempt > 0 {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * time.Second
			select {
			case <-ctx.Done():
				return llm.Message{}, ctx.Err()
			case <-time.After(backoff):
			}
		}

		comp, err := c.sdk.Chat.Completions.New(ctx, params)
		if err == nil {
			return toMessage(comp), nil
		}
		lastErr = err
		if !isTransient(err) {
			log.Error().Err(err).Str("model", string(params.Model)).Msg("chat_completion_fatal")
			return llm.Message{}, err
		}
		log.Warn().Err(err).Int("attempt", attempt+1).Msg("chat_completion_transient_retry")
	}
	return llm.Message{}, lastErr
}

// ChatStream implements llm.Provider.ChatStream, accumulating tool calls
// across deltas before flushing them to h once the stream's final chunk
// arrives, the same incremental-accumulation shape the wider codebase's
// streaming client uses.
func (c *Client) ChatStream(ctx context.Context, msgs []llm.Message, tools []llm.ToolSchema, model string, opts llm.ChatOptions, h llm.StreamHandler) error {
	params := sdk.ChatCompletionNewParams{Model: sdk.ChatModel(firstNonEmpty(model, c.defaultModel))}
	params.Messages = adaptMessages(msgs)
	if len(tools) > 0 {
		params.Tools = adaptSchemas(tools)
	}
	applyOptions(&params, opts)

	stream := c.sdk.Chat.Completions.NewStreaming(ctx, params)
	defer func() { _ = stream.Close() }()

	pending := make(map[int64]*llm.ToolCall)
	for stream.Next() {
		chunk := stream.Current()
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			h.OnDelta(delta.Content)
		}
		for _, tc := range delta.ToolCalls {
			idx := tc.Index
			if pending[idx] == nil {
				pending[idx] = &llm.ToolCall{ID: tc.ID}
			}
			if tc.Function.Name != "" {
				pending[idx].Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				pending[idx].Args = append(pending[idx].Args, []byte(tc.Function.Arguments)...)
			}
		}
		if chunk.Choices[0].FinishReason != "" {
			for _, tc := range pending {
				if tc != nil && tc.Name != "" {
					h.OnToolCall(*tc)
				}
			}
			pending = make(map[int64]*llm.ToolCall)
		}
	}
	return stream.Err()
}

func toMessage(comp *sdk.ChatCompletion) llm.Message {
	if comp == nil || len(comp.Choices) == 0 {
		return llm.Message{}
	}
	msg := comp.Choices[0].Message
	out := llm.Message{Role: "assistant", Content: msg.Content}
	for _, tc := range msg.ToolCalls {
		if v, ok := tc.AsAny().(sdk.ChatCompletionMessageFunctionToolCall); ok {
			out.ToolCalls = append(out.ToolCalls, llm.ToolCall{
				ID:   v.ID,
				Name: v.Function.Name,
				Args: []byte(v.Function.Arguments),
			})
		}
	}
	return out
}

func adaptMessages(msgs []llm.Message) []sdk.ChatCompletionMessageParamUnion {
	out := make([]sdk.ChatCompletionMessageParamUnion, 0, len(msgs))
	for _, m := range msgs {
		switch m.Role {
		case "system":
			out = append(out, sdk.SystemMessage(m.Content))
		case "user":
			out = append(out, sdk.UserMessage(m.Content))
		case "assistant":
			if len(m.ToolCalls) == 0 {
				out = append(out, sdk.AssistantMessage(m.Content))
				continue
			}
			var asst sdk.ChatCompletionAssistantMessageParam
			asst.Content.OfString = sdk.String(m.Content)
			for _, tc := range m.ToolCalls {
				fn := sdk.ChatCompletionMessageFunctionToolCallParam{
					ID: tc.ID,
					Function: sdk.ChatCompletionMessageFunctionToolCallFunctionParam{
						Name:      tc.Name,
						Arguments: string(tc.Args),
					},
				}
				asst.ToolCalls = append(asst.ToolCalls, sdk.ChatCompletionMessageToolCallUnionParam{OfFunction: &fn})
			}
			out = append(out, sdk.ChatCompletionMessageParamUnion{OfAssistant: &asst})
		case "tool":
			out = append(out, sdk.ToolMessage(m.Content, m.ToolID))
		}
	}
	return out
}

func adaptSchemas(schemas []llm.ToolSchema) []sdk.ChatCompletionToolUnionParam {
	out := make([]sdk.ChatCompletionToolUnionParam, 0, len(schemas))
	for _, s := range schemas {
		out = append(out, sdk.ChatCompletionFunctionTool(sdk.FunctionDefinitionParam{
			Name:        s.Name,
			Description: sdk.String(s.Description),
			Parameters:  s.Parameters,
		}))
	}
	return out
}

// isTransient classifies an SDK error as retryable by its message text: a
// 429, 500, 502 or 503 status code, "timeout" or "rate limit" marks it
// transient, and everything else (including other 5xx codes) is fatal,
// matching the spec's transient/rate-limit/fatal taxonomy.
func isTransient(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "429") ||
		strings.Contains(msg, "500") ||
		strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") ||
		strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "rate limit")
}

// applyOptions sets temperature and the model's token-budget field on
// params from opts. Reasoning ("thinking") models reject the classic
// max_tokens field and require max_completion_tokens instead.
func applyOptions(params *sdk.ChatCompletionNewParams, opts llm.ChatOptions) {
	if opts.Temperature > 0 {
		params.Temperature = param.NewOpt(opts.Temperature)
	}
	if opts.MaxTokens > 0 {
		if isThinkingModel(string(params.Model)) {
			params.MaxCompletionTokens = param.NewOpt(int64(opts.MaxTokens))
		} else {
			params.MaxTokens = param.NewOpt(int64(opts.MaxTokens))
		}
	}
}

// isThinkingModel returns true if the model matches the "o<int>-*" reasoning
// family (e.g. o4-mini, o1-pro), which bills and limits tokens differently.
func isThinkingModel(model string) bool {
	if len(model) < 2 || model[0] != 'o' {
		return false
	}
	i := 1
	for i < len(model) && model[i] >= '0' && model[i] <= '9' {
		i++
	}
	return i > 1 && (i == len(model) || model[i] == '-')
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

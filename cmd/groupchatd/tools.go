package main

import (
	"context"
	"encoding/json"
	"time"

	"groupchatcore/internal/tools"
)

// newToolRegistry builds the tool registry available to every agent. It
// ships with a single built-in tool so the demo has something real to
// mediate through the Tool Mediator; production deployments register their
// own tools.Tool implementations the same way.
func newToolRegistry() tools.Registry {
	reg := tools.NewRegistry()
	reg.Register(currentTimeTool{})
	return reg
}

type currentTimeTool struct{}

func (currentTimeTool) Name() string { return "current_time" }

func (currentTimeTool) JSONSchema() map[string]any {
	return map[string]any{
		"description": "Returns the current UTC time in RFC3339 format.",
		"parameters": map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
	}
}

func (currentTimeTool) Call(ctx context.Context, raw json.RawMessage) (any, error) {
	return map[string]string{"utc": time.Now().UTC().Format(time.RFC3339)}, nil
}

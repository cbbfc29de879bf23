package api

import (
	"context"
	"encoding/json"
	"fmt"

	"r2clone/internal/engine"
	"r2clone/internal/websocket"
)

// commandHandler routes observer commands into the engine.
type commandHandler struct {
	engine *engine.Engine
}

// NewCommandHandler adapts the engine for the websocket hub.
func NewCommandHandler(e *engine.Engine) websocket.CommandHandler {
	return commandHandler{engine: e}
}

func (h commandHandler) HandleStart(ctx context.Context, jobID string, params json.RawMessage) (string, error) {
	opts, err := decodeStartOptions(params)
	if err != nil {
		return "", err
	}
	opts.Trigger = engine.TriggerManual

	run, err := h.engine.Start(ctx, jobID, opts)
	if err != nil {
		return "", err
	}
	return run.ID, nil
}

func (h commandHandler) HandleStop(jobID string) ([]string, error) {
	if jobID == "" {
		stopped := h.engine.StopAll()
		if len(stopped) == 0 {
			return nil, engine.ErrNothingToStop
		}
		return stopped, nil
	}
	if _, err := h.engine.Stop(jobID); err != nil {
		return nil, err
	}
	return []string{jobID}, nil
}

func decodeStartOptions(params json.RawMessage) (engine.StartOptions, error) {
	var opts engine.StartOptions
	if len(params) == 0 || string(params) == "null" {
		return opts, nil
	}
	if err := json.Unmarshal(params, &opts); err != nil {
		return opts, fmt.Errorf("invalid start params: %w", err)
	}
	if opts.Transfers < 0 {
		return opts, fmt.Errorf("invalid start params: transfers must be >= 0")
	}
	return opts, nil
}

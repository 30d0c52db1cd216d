package server

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/agentlink/agentlink/internal/protocol"
)

// Agent produces responses for submitted tasks. Analytical tasks stream
// fragments through emit; creative tasks return one complete response.
type Agent interface {
	StreamTask(ctx context.Context, req protocol.TaskRequest, emit func(chunk string) error) error
	CompleteTask(ctx context.Context, req protocol.TaskRequest) (string, error)
}

// ScriptedAgent is the default Agent. It composes a canned response from the
// task input and, for analytical tasks, streams it word by word with a
// configurable pacing delay.
type ScriptedAgent struct {
	// ChunkDelay is the pause between streamed fragments. Zero streams
	// without pacing.
	ChunkDelay time.Duration
}

func (a *ScriptedAgent) StreamTask(ctx context.Context, req protocol.TaskRequest, emit func(chunk string) error) error {
	words := strings.Fields(a.respond(req))
	for i, word := range words {
		if i > 0 {
			word = " " + word
		}
		if err := emit(word); err != nil {
			return err
		}
		if a.ChunkDelay > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(a.ChunkDelay):
			}
		}
	}
	return nil
}

func (a *ScriptedAgent) CompleteTask(ctx context.Context, req protocol.TaskRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return a.respond(req), nil
}

func (a *ScriptedAgent) respond(req protocol.TaskRequest) string {
	switch req.TaskType {
	case protocol.TaskTypeAnalytical:
		return fmt.Sprintf("Analysis of %q: the request was received, broken down, and evaluated step by step.", req.Input)
	default:
		return fmt.Sprintf("Here is a creative take on %q.", req.Input)
	}
}

package api

import (
	"context"

	"github.com/agentlink/agentlink/internal/protocol"
)

// TaskAccepted is the response to a successful task submission.
type TaskAccepted struct {
	Status       string `json:"status"`
	ConnectionID string `json:"connectionId"`
}

// HealthStatus is the health check response.
type HealthStatus struct {
	Status string `json:"status"`
}

// SubmitTask submits a task for processing. The target client, identified by
// the request's context ID, must hold a live WebSocket connection; results
// stream over that connection.
func (c *Client) SubmitTask(ctx context.Context, req protocol.TaskRequest) (*TaskAccepted, error) {
	var accepted TaskAccepted
	if err := c.post(ctx, "/api/agent/process", req, &accepted); err != nil {
		return nil, err
	}
	return &accepted, nil
}

// Health probes the daemon's liveness endpoint.
func (c *Client) Health(ctx context.Context) (*HealthStatus, error) {
	var status HealthStatus
	if err := c.get(ctx, "/api/health", &status); err != nil {
		return nil, err
	}
	return &status, nil
}

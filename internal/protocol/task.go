package protocol

// Task types understood by the backend.
const (
	// TaskTypeAnalytical streams the response as "chunk" envelopes.
	TaskTypeAnalytical = "analytical"

	// TaskTypeCreative returns the response in a single "complete" envelope.
	TaskTypeCreative = "creative"
)

// TaskRequest submits work to the backend, either as a WebSocket frame or as
// the body of POST /api/agent/process.
type TaskRequest struct {
	Input     string `json:"input"`
	TaskType  string `json:"taskType"`
	ContextID string `json:"contextId,omitempty"`
}

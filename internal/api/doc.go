// Package api provides the HTTP client for the agentd REST surface.
//
// Endpoints:
//   - POST /api/agent/process: submit a task for a connected client
//   - GET /api/health: liveness probe
//
// Task results are not returned over HTTP; they stream over the client's
// WebSocket connection.
package api

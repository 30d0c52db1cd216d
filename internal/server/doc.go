// Package server implements the streaming agent backend: a WebSocket hub
// keyed by client ID, an HTTP task-submission endpoint, and the task runner
// that emits the processing/chunk/complete/error/finished envelope sequence
// over the client's live connection.
package server

// Package protocol defines the wire format between the agent backend and
// its clients.
//
// Inbound messages are JSON envelopes tagged by a "status" field:
//   - "processing": task accepted, work started
//   - "chunk": partial response text (streamed tasks)
//   - "complete": full response text (non-streamed tasks)
//   - "error": human-readable failure text
//   - "finished": terminal marker carrying elapsed seconds
//   - "pong": heartbeat reply, consumed by the connection layer
//
// Each variant's required fields are enforced at decode time rather than
// accessed optimistically downstream.
package protocol

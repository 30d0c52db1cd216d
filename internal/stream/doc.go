// Package stream turns a streamed task-response envelope sequence back into
// a whole response. A Collector is registered as a connection message
// handler; it accumulates "chunk" text, records errors, and completes when
// the "finished" marker arrives.
package stream

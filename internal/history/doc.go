// Package history persists completed task exchanges to PostgreSQL.
//
// The Writer batches transcript rows and flushes them on a size or interval
// trigger with append-only inserts. Persistence is optional; agentd runs
// without it when history is disabled in config.
package history

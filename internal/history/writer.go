package history

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// batchSender is the slice of the pgx pool the writer needs. Satisfied by
// *pgxpool.Pool.
type batchSender interface {
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Entry is one completed task exchange.
type Entry struct {
	ID        uuid.UUID // Assigned on Record when zero
	ClientID  string
	TaskType  string
	Input     string
	Response  string
	ErrText   string // Empty on success
	Elapsed   time.Duration
	CreatedAt time.Time // Assigned on Record when zero
}

// WriterConfig configures the transcript writer.
type WriterConfig struct {
	BatchSize     int           // Rows per insert batch
	FlushInterval time.Duration // Max time a row waits in the batch
	BufferSize    int           // Input channel capacity
}

// DefaultWriterConfig returns sensible defaults.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{
		BatchSize:     100,
		FlushInterval: 1 * time.Second,
		BufferSize:    1000,
	}
}

// WriterMetrics counts writer activity.
type WriterMetrics struct {
	Inserts   int64
	Conflicts int64
	Flushes   int64
	Errors    int64
	Dropped   int64
}

// transcriptRow is the database shape of an Entry.
type transcriptRow struct {
	ID        uuid.UUID
	ClientID  string
	TaskType  string
	Input     string
	Response  string
	ErrText   string
	ElapsedMs int64
	CreatedAt time.Time
}

// Writer consumes Entries and writes them to the transcripts table in
// batches.
type Writer struct {
	cfg    WriterConfig
	logger *slog.Logger

	db batchSender

	input chan Entry

	// Batching
	batch       []transcriptRow
	batchMu     sync.Mutex
	flushTicker *time.Ticker

	// Lifecycle
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	metrics WriterMetrics
}

// NewWriter creates a transcript writer.
func NewWriter(cfg WriterConfig, db batchSender, logger *slog.Logger) *Writer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Writer{
		cfg:    cfg,
		logger: logger,
		db:     db,
		input:  make(chan Entry, cfg.BufferSize),
		batch:  make([]transcriptRow, 0, cfg.BatchSize),
	}
}

// Start begins consuming entries and writing to the database.
func (w *Writer) Start(ctx context.Context) error {
	w.ctx, w.cancel = context.WithCancel(ctx)
	w.flushTicker = time.NewTicker(w.cfg.FlushInterval)

	w.wg.Add(1)
	go w.consumeLoop()

	w.wg.Add(1)
	go w.flushLoop()

	w.logger.Info("transcript writer started",
		"batch_size", w.cfg.BatchSize,
		"flush_interval", w.cfg.FlushInterval,
	)
	return nil
}

// Stop gracefully shuts down the writer, flushing whatever is buffered.
func (w *Writer) Stop(ctx context.Context) error {
	w.logger.Info("stopping transcript writer")

	if w.cancel != nil {
		w.cancel()
	}
	if w.flushTicker != nil {
		w.flushTicker.Stop()
	}

	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("transcript writer stopped")
	case <-ctx.Done():
		w.logger.Warn("transcript writer stop timed out")
	}

	// Final flush. The run context is cancelled by now, so it uses the
	// caller's.
	w.flush(ctx)

	return nil
}

// Record queues an entry, filling in its ID and timestamp when unset.
// Returns false when the buffer is full and the entry was dropped.
func (w *Writer) Record(e Entry) bool {
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}

	select {
	case w.input <- e:
		return true
	default:
		w.batchMu.Lock()
		w.metrics.Dropped++
		w.batchMu.Unlock()
		w.logger.Warn("transcript buffer full, dropping entry", "client_id", e.ClientID)
		return false
	}
}

// Stats returns current metrics.
func (w *Writer) Stats() WriterMetrics {
	w.batchMu.Lock()
	defer w.batchMu.Unlock()
	return w.metrics
}

// consumeLoop reads entries and accumulates batches.
func (w *Writer) consumeLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case e := <-w.input:
			w.handleEntry(e)
		}
	}
}

// flushLoop periodically flushes the batch.
func (w *Writer) flushLoop() {
	defer w.wg.Done()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-w.flushTicker.C:
			w.flush(w.ctx)
		}
	}
}

// handleEntry transforms and adds an entry to the batch.
func (w *Writer) handleEntry(e Entry) {
	row := w.transform(e)

	w.batchMu.Lock()
	w.batch = append(w.batch, row)
	shouldFlush := len(w.batch) >= w.cfg.BatchSize
	w.batchMu.Unlock()

	if shouldFlush {
		w.flush(w.ctx)
	}
}

// transform converts an Entry to a transcriptRow.
func (w *Writer) transform(e Entry) transcriptRow {
	return transcriptRow{
		ID:        e.ID,
		ClientID:  e.ClientID,
		TaskType:  e.TaskType,
		Input:     e.Input,
		Response:  e.Response,
		ErrText:   e.ErrText,
		ElapsedMs: e.Elapsed.Milliseconds(),
		CreatedAt: e.CreatedAt,
	}
}

// flush writes the current batch to the database.
func (w *Writer) flush(ctx context.Context) {
	w.batchMu.Lock()
	if len(w.batch) == 0 {
		w.batchMu.Unlock()
		return
	}

	// Take ownership of current batch
	batch := w.batch
	w.batch = make([]transcriptRow, 0, w.cfg.BatchSize)
	w.batchMu.Unlock()

	start := time.Now()

	conflicts, err := w.batchInsert(ctx, batch)
	if err != nil {
		w.logger.Error("batch insert failed", "error", err, "count", len(batch))
		w.batchMu.Lock()
		w.metrics.Errors++
		w.batchMu.Unlock()
		return
	}

	w.batchMu.Lock()
	w.metrics.Inserts += int64(len(batch) - conflicts)
	w.metrics.Conflicts += int64(conflicts)
	w.metrics.Flushes++
	w.batchMu.Unlock()

	w.logger.Debug("flushed transcripts",
		"count", len(batch),
		"conflicts", conflicts,
		"duration", time.Since(start),
	)
}

// batchInsert inserts rows using pgx.Batch with ON CONFLICT DO NOTHING.
func (w *Writer) batchInsert(ctx context.Context, rows []transcriptRow) (conflicts int, err error) {
	batch := &pgx.Batch{}
	for _, r := range rows {
		batch.Queue(`
			INSERT INTO transcripts (id, client_id, task_type, input, response, error_text, elapsed_ms, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO NOTHING
		`, r.ID, r.ClientID, r.TaskType, r.Input, r.Response, r.ErrText, r.ElapsedMs, r.CreatedAt)
	}

	results := w.db.SendBatch(ctx, batch)
	defer results.Close()

	for range rows {
		ct, err := results.Exec()
		if err != nil {
			return 0, err
		}
		if ct.RowsAffected() == 0 {
			conflicts++
		}
	}

	return conflicts, nil
}

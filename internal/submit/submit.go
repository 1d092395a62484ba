// Package submit implements the chunked, retrying submission engine that
// commits an import's rows to the remote case store.
//
// Rows are partitioned into fixed-size chunks and written strictly
// sequentially. A chunk that fails wholesale is retried with linear backoff
// up to a fixed bound; rows the store rejects individually are recorded as
// failures with their original data retained so a later pass can retry just
// those rows. Side bookkeeping (the batch tracking record and the audit
// sample) is best-effort and never changes the reported outcome.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/casedesk/importer/internal/mapping"
)

// Fatal submission errors. These abort a pass before or during the chunk
// loop; no partial result is reported.
var (
	ErrNotAuthenticated = errors.New("not authenticated against the case store")
	ErrNoRows           = errors.New("no rows to submit")
	ErrBusy             = errors.New("a submission pass is already running")
	ErrNothingToRetry   = errors.New("no retryable failures in previous result")
)

// State of the engine. A fatal abort returns the engine to StateReady; a
// retry pass moves it from StateComplete back through StateSubmitting.
type State string

const (
	StateReady      State = "ready"
	StateSubmitting State = "submitting"
	StateComplete   State = "complete"
)

// Config bounds the engine's pacing and retry behavior.
type Config struct {
	ChunkSize       int           // rows per chunk
	MaxAttempts     int           // write attempts per chunk, including the first
	RetryBaseDelay  time.Duration // backoff is RetryBaseDelay × attempt number
	ChunkPause      time.Duration // pause between chunks, not after the last
	ArchiveMaxRows  int           // audit sample row ceiling
	ArchiveMaxBytes int           // audit sample byte ceiling
}

// DefaultConfig returns the production pacing constants.
func DefaultConfig() Config {
	return Config{
		ChunkSize:       50,
		MaxAttempts:     3,
		RetryBaseDelay:  500 * time.Millisecond,
		ChunkPause:      200 * time.Millisecond,
		ArchiveMaxRows:  1000,
		ArchiveMaxBytes: 900 * 1024,
	}
}

// WriteMeta identifies a chunk write to the store.
type WriteMeta struct {
	FileName   string
	BatchID    string
	ChunkIndex int
}

// BatchMeta describes the batch tracking record created before the first
// chunk.
type BatchMeta struct {
	FileName  string
	BatchID   string
	TotalRows int
}

// RowSuccess and RowFailure carry chunk-local row indices (0-based within
// the chunk); the engine translates them back to original row numbers.
type RowSuccess struct {
	Row int
	ID  string
}

type RowFailure struct {
	Row    int
	Reason string
}

// WriteResult is the per-row outcome of one chunk write. A chunk may
// partially fail: the store validates each row independently.
type WriteResult struct {
	Successful []RowSuccess
	Failed     []RowFailure
}

// Store is the remote persistence boundary. WriteRows may also fail as a
// whole (network, auth expiry), in which case the engine applies the
// chunk-level retry policy.
type Store interface {
	IsAuthenticated(ctx context.Context) bool
	WriteRows(ctx context.Context, rows []map[string]string, meta WriteMeta) (WriteResult, error)
	CreateBatchRecord(ctx context.Context, meta BatchMeta) (string, error)
	UpdateBatchRecord(ctx context.Context, batchID string, fields map[string]any) error
}

// Success is one durably written row: its original 1-based row number and
// the id the store assigned.
type Success struct {
	Row int    `json:"row"`
	ID  string `json:"id"`
}

// Failure is one rejected row. Data retains the original raw row so a
// retry pass can resubmit it; a Failure without Data is not retryable.
type Failure struct {
	Row    int               `json:"row"`
	Reason string            `json:"reason"`
	Data   map[string]string `json:"-"`
}

// Result accumulates across every chunk of one submission pass. A retry
// pass folds the previous result's successes into its own.
type Result struct {
	BatchID     string    `json:"batchId"`
	Total       int       `json:"total"`
	Successful  int       `json:"successful"`
	Failed      int       `json:"failed"`
	Successes   []Success `json:"successes"`
	Failures    []Failure `json:"failures"`
	CompletedAt time.Time `json:"completedAt"`
}

// Progress is reported once per completed chunk.
type Progress struct {
	ChunkIndex  int `json:"chunkIndex"`
	TotalChunks int `json:"totalChunks"`
	Processed   int `json:"processed"`
	Total       int `json:"total"`
	Successful  int `json:"successful"`
	Failed      int `json:"failed"`
}

// Request describes one submission pass over an immutable row snapshot.
type Request struct {
	Rows       []map[string]string // raw rows, header-keyed
	Mapping    mapping.Mapping
	FileName   string
	BatchID    string // optional; generated when empty
	OnProgress func(Progress)
}

// Engine drives submission passes against a Store. Safe for concurrent
// use, but only one pass runs at a time.
type Engine struct {
	store Store
	cfg   Config
	log   *slog.Logger

	mu    sync.Mutex
	state State

	// sleep is swapped out in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New creates an engine in the ready state.
func New(store Store, cfg Config, log *slog.Logger) *Engine {
	if cfg.ChunkSize <= 0 {
		cfg = DefaultConfig()
	}
	return &Engine{
		store: store,
		cfg:   cfg,
		log:   log,
		state: StateReady,
		sleep: sleepCtx,
	}
}

// State returns the engine's current state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// passRow pairs a raw row with its original 1-based row number, so retry
// chunking reports against the caller's numbering, not the pass's.
type passRow struct {
	num int
	raw map[string]string
}

// Submit runs one full submission pass. On a fatal error (authentication,
// empty input, cancellation) no result is returned and the engine goes
// back to ready; otherwise the pass runs to completion and per-row
// failures are carried in the result, not the error.
func (e *Engine) Submit(ctx context.Context, req Request) (*Result, error) {
	if err := e.begin(); err != nil {
		return nil, err
	}

	if !e.store.IsAuthenticated(ctx) {
		e.setState(StateReady)
		return nil, ErrNotAuthenticated
	}
	if len(req.Rows) == 0 {
		e.setState(StateReady)
		return nil, ErrNoRows
	}

	rows := make([]passRow, len(req.Rows))
	for i, raw := range req.Rows {
		rows[i] = passRow{num: i + 1, raw: raw}
	}

	batchID := req.BatchID
	if batchID == "" {
		batchID = uuid.NewString()
	}

	result := &Result{BatchID: batchID, Total: len(rows)}
	if err := e.run(ctx, rows, req, result, true); err != nil {
		e.setState(StateReady)
		return nil, err
	}

	e.setState(StateComplete)
	return result, nil
}

// RetryFailed resubmits the rows that failed in a previous pass. Failures
// without retained data cannot be retried and are carried forward
// unchanged. The returned result folds the previous successes with this
// pass's outcome.
func (e *Engine) RetryFailed(ctx context.Context, prev *Result, req Request) (*Result, error) {
	var rows []passRow
	var nonRetryable []Failure
	for _, f := range prev.Failures {
		if f.Data == nil {
			nonRetryable = append(nonRetryable, f)
			continue
		}
		rows = append(rows, passRow{num: f.Row, raw: f.Data})
	}
	if len(rows) == 0 {
		return nil, ErrNothingToRetry
	}

	if err := e.begin(); err != nil {
		return nil, err
	}
	if !e.store.IsAuthenticated(ctx) {
		e.setState(StateReady)
		return nil, ErrNotAuthenticated
	}

	result := &Result{
		BatchID:    prev.BatchID,
		Total:      prev.Total,
		Successful: prev.Successful,
		Successes:  append([]Success(nil), prev.Successes...),
		Failures:   nonRetryable,
		Failed:     len(nonRetryable),
	}
	req.BatchID = prev.BatchID
	if err := e.run(ctx, rows, req, result, false); err != nil {
		e.setState(StateReady)
		return nil, err
	}

	e.setState(StateComplete)
	return result, nil
}

// run executes the chunk loop, mutating result in place. createBatch
// controls whether the batch tracking record is created first (a retry
// pass reuses the original record).
func (e *Engine) run(ctx context.Context, rows []passRow, req Request, result *Result, createBatch bool) error {
	log := e.log.With("batch_id", result.BatchID, "rows", len(rows))

	if createBatch {
		meta := BatchMeta{FileName: req.FileName, BatchID: result.BatchID, TotalRows: len(rows)}
		if _, err := e.store.CreateBatchRecord(ctx, meta); err != nil {
			// Best-effort: tracking must never block the data itself.
			log.Warn("failed to create batch record", "error", err)
		}
	}

	chunks := partition(rows, e.cfg.ChunkSize)
	log.Info("submission pass started", "chunks", len(chunks), "chunk_size", e.cfg.ChunkSize)

	processed := 0
	for i, chunk := range chunks {
		// Cancellation is cooperative, checked only at chunk boundaries.
		if err := ctx.Err(); err != nil {
			log.Warn("submission canceled", "chunks_done", i)
			return fmt.Errorf("submission canceled: %w", err)
		}
		if i > 0 {
			if err := e.sleep(ctx, e.cfg.ChunkPause); err != nil {
				log.Warn("submission canceled", "chunks_done", i)
				return fmt.Errorf("submission canceled: %w", err)
			}
		}

		res, err := e.writeChunk(ctx, chunk, WriteMeta{
			FileName:   req.FileName,
			BatchID:    result.BatchID,
			ChunkIndex: i,
		}, req.Mapping)
		if err != nil {
			// Retries exhausted: the whole chunk becomes failures, the
			// pass continues with the next chunk.
			log.Warn("chunk failed after retries", "chunk", i, "error", err)
			for _, pr := range chunk {
				result.Failures = append(result.Failures, Failure{
					Row:    pr.num,
					Reason: err.Error(),
					Data:   pr.raw,
				})
			}
			result.Failed += len(chunk)
		} else {
			e.merge(result, chunk, res)
		}

		processed += len(chunk)
		if req.OnProgress != nil {
			req.OnProgress(Progress{
				ChunkIndex:  i + 1,
				TotalChunks: len(chunks),
				Processed:   processed,
				Total:       len(rows),
				Successful:  result.Successful,
				Failed:      result.Failed,
			})
		}
	}

	result.CompletedAt = time.Now().UTC()
	e.finishBatch(ctx, req, rows, result, log)

	log.Info("submission pass finished",
		"successful", result.Successful,
		"failed", result.Failed,
	)
	return nil
}

// writeChunk attempts one chunk write with bounded linear backoff. Only a
// wholesale call failure is retried; per-row rejections come back in the
// WriteResult and are not retried here.
func (e *Engine) writeChunk(ctx context.Context, chunk []passRow, meta WriteMeta, m mapping.Mapping) (WriteResult, error) {
	payload := make([]map[string]string, len(chunk))
	for i, pr := range chunk {
		payload[i] = m.Project(pr.raw)
	}

	var lastErr error
	for attempt := 1; attempt <= e.cfg.MaxAttempts; attempt++ {
		res, err := e.store.WriteRows(ctx, payload, meta)
		if err == nil {
			return res, nil
		}
		lastErr = err

		if attempt < e.cfg.MaxAttempts {
			delay := e.cfg.RetryBaseDelay * time.Duration(attempt)
			e.log.Warn("chunk write failed, retrying",
				"chunk", meta.ChunkIndex,
				"attempt", attempt,
				"delay", delay,
				"error", err,
			)
			if serr := e.sleep(ctx, delay); serr != nil {
				return WriteResult{}, lastErr
			}
		}
	}
	return WriteResult{}, fmt.Errorf("chunk %d failed after %d attempts: %w", meta.ChunkIndex, e.cfg.MaxAttempts, lastErr)
}

// merge folds a chunk's per-row outcome into the running result,
// translating chunk-local indices to original 1-based row numbers.
func (e *Engine) merge(result *Result, chunk []passRow, res WriteResult) {
	for _, s := range res.Successful {
		if s.Row < 0 || s.Row >= len(chunk) {
			continue
		}
		result.Successes = append(result.Successes, Success{Row: chunk[s.Row].num, ID: s.ID})
		result.Successful++
	}
	for _, f := range res.Failed {
		if f.Row < 0 || f.Row >= len(chunk) {
			continue
		}
		result.Failures = append(result.Failures, Failure{
			Row:    chunk[f.Row].num,
			Reason: f.Reason,
			Data:   chunk[f.Row].raw,
		})
		result.Failed++
	}
}

// finishBatch updates the tracking record with the final status and
// attaches the bounded audit sample. Both are best-effort.
func (e *Engine) finishBatch(ctx context.Context, req Request, rows []passRow, result *Result, log *slog.Logger) {
	status := "completed"
	if result.Failed > 0 {
		status = "partial"
	}

	fields := map[string]any{
		"status":          status,
		"successful_rows": result.Successful,
		"failed_rows":     result.Failed,
		"completed_at":    result.CompletedAt,
	}

	raw := make([]map[string]string, len(rows))
	for i, pr := range rows {
		raw[i] = pr.raw
	}
	if arch, err := buildArchive(raw, e.cfg.ArchiveMaxRows, e.cfg.ArchiveMaxBytes); err != nil {
		log.Warn("failed to build audit sample", "error", err)
	} else {
		fields["sample"] = arch.Sample
		fields["sample_rows"] = arch.Rows
		fields["sample_truncated"] = arch.Truncated
		fields["sample_checksum"] = arch.Checksum
	}

	if err := e.store.UpdateBatchRecord(ctx, result.BatchID, fields); err != nil {
		log.Warn("failed to update batch record", "error", err)
	}
}

func (e *Engine) begin() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state == StateSubmitting {
		return ErrBusy
	}
	e.state = StateSubmitting
	return nil
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// partition splits rows into consecutive chunks of at most size rows.
// Every row lands in exactly one chunk, in original order.
func partition(rows []passRow, size int) [][]passRow {
	var chunks [][]passRow
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		chunks = append(chunks, rows[start:end])
	}
	return chunks
}

// sleepCtx sleeps for d or until ctx is done, whichever comes first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

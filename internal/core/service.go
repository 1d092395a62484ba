package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/casedesk/importer/internal/csvio"
	"github.com/casedesk/importer/internal/grid"
	"github.com/casedesk/importer/internal/mapping"
	"github.com/casedesk/importer/internal/report"
	"github.com/casedesk/importer/internal/schema"
	"github.com/casedesk/importer/internal/submit"
)

// SubmitTimeout is the maximum duration for one submission pass.
var SubmitTimeout = 10 * time.Minute

// DefaultPageSize bounds row pages served to clients.
const DefaultPageSize = 100

var (
	ErrSessionNotFound   = errors.New("import session not found")
	ErrMappingIncomplete = errors.New("required fields are not mapped")
	ErrNoResult          = errors.New("no submission result available yet")
	ErrNotSubmitting     = errors.New("no submission pass is running")
)

// Auditor records durable audit entries. Optional: a nil auditor disables
// auditing.
type Auditor interface {
	RecordAudit(ctx context.Context, action, batchID, detail string) error
}

// Audit actions recorded by the service.
const (
	ActionImportCreated  = "import_created"
	ActionMappingChanged = "mapping_changed"
	ActionCellEdit       = "cell_edit"
	ActionRowDelete      = "row_delete"
	ActionBulkFix        = "bulk_fix"
	ActionSubmit         = "submit"
	ActionRetry          = "retry_failed"
	ActionSessionClosed  = "session_closed"
)

// Service manages import sessions and drives submissions against the case
// store.
type Service struct {
	store   submit.Store
	auditor Auditor
	cfg     submit.Config
	log     *slog.Logger
	limiter *ImportLimiter

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewService creates a session service. auditor may be nil.
func NewService(store submit.Store, auditor Auditor, cfg submit.Config, log *slog.Logger) *Service {
	return &Service{
		store:    store,
		auditor:  auditor,
		cfg:      cfg,
		log:      log,
		limiter:  NewImportLimiter(DefaultMaxConcurrentImports, DefaultMaxSlotWait),
		sessions: make(map[string]*Session),
	}
}

// CreateResult summarizes a freshly created session.
type CreateResult struct {
	SessionID       string          `json:"sessionId"`
	FileName        string          `json:"fileName"`
	Headers         []string        `json:"headers"`
	RowCount        int             `json:"rowCount"`
	Mapping         mapping.Mapping `json:"mapping"`
	MissingRequired []string        `json:"missingRequired,omitempty"`
}

// CreateSession parses an uploaded CSV, auto-detects the column mapping,
// and registers a new session.
func (s *Service) CreateSession(ctx context.Context, fileName string, r io.Reader) (CreateResult, error) {
	doc, err := csvio.Parse(r)
	if err != nil {
		return CreateResult{}, fmt.Errorf("parsing %s: %w", fileName, err)
	}

	m := mapping.AutoDetect(doc.Headers)
	sess := &Session{
		ID:        uuid.NewString(),
		FileName:  fileName,
		CreatedAt: time.Now().UTC(),
		grid:      grid.New(doc.Headers, doc.Rows, m),
		engine:    submit.New(s.store, s.cfg, s.log),
	}

	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()

	s.audit(ctx, ActionImportCreated, "", fmt.Sprintf("file=%s rows=%d", fileName, doc.RowCount()))
	s.log.Info("import session created",
		"session_id", sess.ID,
		"file", fileName,
		"rows", doc.RowCount(),
		"delimiter", string(doc.Delimiter),
	)

	return CreateResult{
		SessionID:       sess.ID,
		FileName:        fileName,
		Headers:         doc.Headers,
		RowCount:        doc.RowCount(),
		Mapping:         m.Clone(),
		MissingRequired: m.MissingRequired(),
	}, nil
}

// session looks up a registered session.
func (s *Service) session(id string) (*Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sess, ok := s.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// Status returns a point-in-time snapshot of a session.
func (s *Service) Status(id string) (SessionStatus, error) {
	sess, err := s.session(id)
	if err != nil {
		return SessionStatus{}, err
	}
	return sess.status(), nil
}

// MappingInfo describes the current mapping against the schema.
type MappingInfo struct {
	Fields          []schema.Field  `json:"fields"`
	Mapping         mapping.Mapping `json:"mapping"`
	MissingRequired []string        `json:"missingRequired,omitempty"`
	Complete        bool            `json:"complete"`
}

// Mapping returns the session's current column mapping.
func (s *Service) Mapping(id string) (MappingInfo, error) {
	sess, err := s.session(id)
	if err != nil {
		return MappingInfo{}, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	m := sess.grid.Mapping()
	return MappingInfo{
		Fields:          schema.Fields(),
		Mapping:         m.Clone(),
		MissingRequired: m.MissingRequired(),
		Complete:        m.Complete(),
	}, nil
}

// SetMapping assigns a header to a field, stealing the header from any
// other field that held it.
func (s *Service) SetMapping(ctx context.Context, id, fieldKey, header string) (MappingInfo, error) {
	sess, err := s.session(id)
	if err != nil {
		return MappingInfo{}, err
	}

	sess.mu.Lock()
	m := sess.grid.Mapping()
	if err := m.Set(fieldKey, header); err != nil {
		sess.mu.Unlock()
		return MappingInfo{}, err
	}
	info := MappingInfo{
		Fields:          schema.Fields(),
		Mapping:         m.Clone(),
		MissingRequired: m.MissingRequired(),
		Complete:        m.Complete(),
	}
	sess.mu.Unlock()

	s.audit(ctx, ActionMappingChanged, "", fmt.Sprintf("session=%s %s=%s", id, fieldKey, header))
	return info, nil
}

// RowView is one row of a page: its position in the full set, the raw
// cells, and its validation outcome.
type RowView struct {
	Index  int                 `json:"index"`
	Cells  map[string]string   `json:"cells"`
	Errors []schema.FieldError `json:"errors,omitempty"`
	Valid  bool                `json:"valid"`
}

// RowsPage is one page of filtered rows plus whole-set statistics.
type RowsPage struct {
	Rows     []RowView  `json:"rows"`
	Stats    grid.Stats `json:"stats"`
	Filtered int        `json:"filtered"`
	Page     int        `json:"page"`
	PageSize int        `json:"pageSize"`
}

// Rows returns one page of rows matching the filter. Row indices always
// refer to the full row set.
func (s *Service) Rows(id string, mode grid.FilterMode, page, pageSize int) (RowsPage, error) {
	sess, err := s.session(id)
	if err != nil {
		return RowsPage{}, err
	}
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()

	all := sess.grid.ComputeValidation()
	matching := sess.grid.Filter(mode)

	out := RowsPage{
		Stats:    grid.StatsFor(all),
		Filtered: len(matching),
		Page:     page,
		PageSize: pageSize,
	}

	start := (page - 1) * pageSize
	if start >= len(matching) {
		return out, nil
	}
	end := start + pageSize
	if end > len(matching) {
		end = len(matching)
	}

	for _, rv := range matching[start:end] {
		row, err := sess.grid.Row(rv.Index)
		if err != nil {
			return RowsPage{}, err
		}
		// Copy: the page outlives the lock and the live row may be edited.
		cells := make(map[string]string, len(row))
		for k, v := range row {
			cells[k] = v
		}
		out.Rows = append(out.Rows, RowView{
			Index:  rv.Index,
			Cells:  cells,
			Errors: rv.Errors,
			Valid:  rv.Valid,
		})
	}
	return out, nil
}

// EditCell replaces one cell value.
func (s *Service) EditCell(ctx context.Context, id string, index int, header, value string) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	err = sess.grid.EditCell(index, header, value)
	sess.mu.Unlock()
	if err != nil {
		return err
	}

	s.audit(ctx, ActionCellEdit, "", fmt.Sprintf("session=%s row=%d column=%s", id, index, header))
	return nil
}

// DeleteRow removes one row; later indices shift down.
func (s *Service) DeleteRow(ctx context.Context, id string, index int) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	err = sess.grid.DeleteRow(index)
	sess.mu.Unlock()
	if err != nil {
		return err
	}

	s.audit(ctx, ActionRowDelete, "", fmt.Sprintf("session=%s row=%d", id, index))
	return nil
}

// BulkFix applies one deterministic transform to every row and returns
// the post-fix statistics.
func (s *Service) BulkFix(ctx context.Context, id string, kind grid.FixKind) (grid.Stats, error) {
	sess, err := s.session(id)
	if err != nil {
		return grid.Stats{}, err
	}

	sess.mu.Lock()
	if err := sess.grid.BulkFix(kind); err != nil {
		sess.mu.Unlock()
		return grid.Stats{}, err
	}
	stats := grid.StatsFor(sess.grid.ComputeValidation())
	sess.mu.Unlock()

	s.audit(ctx, ActionBulkFix, "", fmt.Sprintf("session=%s kind=%s", id, kind))
	return stats, nil
}

// StartSubmission begins a submission pass in the background. The pass
// works over a snapshot of the current rows; later grid edits do not
// affect it. Progress is delivered to subscribers.
func (s *Service) StartSubmission(ctx context.Context, id string) error {
	return s.startPass(ctx, id, nil)
}

// RetryFailed begins a retry pass over the failures of the previous
// result.
func (s *Service) RetryFailed(ctx context.Context, id string) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	prev := sess.result
	sess.mu.Unlock()
	if prev == nil {
		return ErrNoResult
	}
	return s.startPass(ctx, id, prev)
}

// passPreflight checks the preconditions for starting a pass. Takes and
// releases the session lock.
func (s *Service) passPreflight(sess *Session, prev *submit.Result) error {
	sess.mu.Lock()
	defer sess.mu.Unlock()

	if sess.submitting() {
		return submit.ErrBusy
	}
	if missing := sess.grid.Mapping().MissingRequired(); len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMappingIncomplete, strings.Join(missing, ", "))
	}
	if prev == nil && sess.grid.RowCount() == 0 {
		return submit.ErrNoRows
	}
	return nil
}

// startPass validates preconditions, takes the row snapshot, and launches
// the background pass. A non-nil prev selects a retry pass.
func (s *Service) startPass(ctx context.Context, id string, prev *submit.Result) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}

	// Fail fast before queueing for a slot.
	if err := s.passPreflight(sess, prev); err != nil {
		return err
	}

	// Waiting for a slot can last the full slot timeout; the session lock
	// must not be held across it or status and edit calls would stall.
	if err := s.limiter.Acquire(ctx); err != nil {
		return err
	}

	sess.mu.Lock()
	// Re-check under the lock: the session may have changed while this
	// request waited for a slot.
	if sess.submitting() {
		sess.mu.Unlock()
		s.limiter.Release()
		return submit.ErrBusy
	}
	m := sess.grid.Mapping()
	if missing := m.MissingRequired(); len(missing) > 0 {
		sess.mu.Unlock()
		s.limiter.Release()
		return fmt.Errorf("%w: %s", ErrMappingIncomplete, strings.Join(missing, ", "))
	}
	if prev == nil && sess.grid.RowCount() == 0 {
		sess.mu.Unlock()
		s.limiter.Release()
		return submit.ErrNoRows
	}

	req := submit.Request{
		Rows:       sess.grid.Snapshot(),
		Mapping:    m.Clone(),
		FileName:   sess.FileName,
		OnProgress: sess.notifyProgress,
	}

	// The pass must outlive the HTTP request but keep its values, the
	// authenticated principal in particular.
	passCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), SubmitTimeout)

	done := make(chan struct{})
	sess.cancel = cancel
	sess.done = done
	sess.submitErr = nil
	sess.mu.Unlock()

	action := ActionSubmit
	if prev != nil {
		action = ActionRetry
	}

	go func() {
		defer s.limiter.Release()
		defer cancel()
		defer close(done)
		defer func() {
			if r := recover(); r != nil {
				s.log.Error("submission pass panicked", "session_id", id, "panic", r)
				sess.mu.Lock()
				sess.submitErr = errors.New("internal error during submission")
				sess.mu.Unlock()
			}
		}()

		var res *submit.Result
		var err error
		if prev != nil {
			res, err = sess.engine.RetryFailed(passCtx, prev, req)
		} else {
			res, err = sess.engine.Submit(passCtx, req)
		}

		sess.mu.Lock()
		if err != nil {
			sess.submitErr = err
		} else {
			sess.result = res
		}
		sess.mu.Unlock()

		if err != nil {
			s.log.Warn("submission pass failed", "session_id", id, "error", err)
			return
		}
		s.audit(passCtx, action, res.BatchID,
			fmt.Sprintf("session=%s successful=%d failed=%d", id, res.Successful, res.Failed))
	}()

	return nil
}

// CancelSubmission raises the cooperative cancellation signal for the
// running pass. The in-progress chunk still completes.
func (s *Service) CancelSubmission(id string) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !sess.submitting() || sess.cancel == nil {
		return ErrNotSubmitting
	}
	sess.cancel()
	return nil
}

// SubscribeProgress registers a progress listener for a session. The
// returned func unsubscribes; always call it.
func (s *Service) SubscribeProgress(id string) (<-chan submit.Progress, func(), error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, nil, err
	}
	ch, unsub := sess.subscribe()
	return ch, unsub, nil
}

// Wait blocks until the running pass finishes or ctx is done. Returns
// immediately when no pass has been started.
func (s *Service) Wait(ctx context.Context, id string) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	done := sess.done
	sess.mu.Unlock()
	if done == nil {
		return nil
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Result returns the latest submission result.
func (s *Service) Result(id string) (*submit.Result, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.result == nil {
		if sess.submitErr != nil {
			return nil, sess.submitErr
		}
		return nil, ErrNoResult
	}
	return sess.result, nil
}

// ErrorCSV renders the error report for the latest result.
func (s *Service) ErrorCSV(id string) (string, error) {
	sess, err := s.session(id)
	if err != nil {
		return "", err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.result == nil {
		return "", ErrNoResult
	}
	return report.ErrorCSV(sess.result, sess.grid.Mapping()), nil
}

// ReportJSON renders the import report for the latest result.
func (s *Service) ReportJSON(id string) ([]byte, error) {
	sess, err := s.session(id)
	if err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.result == nil {
		return nil, ErrNoResult
	}
	return report.JSON(sess.result)
}

// RemoveSession drops a session. A running pass is canceled first.
func (s *Service) RemoveSession(ctx context.Context, id string) error {
	sess, err := s.session(id)
	if err != nil {
		return err
	}

	sess.mu.Lock()
	if sess.submitting() && sess.cancel != nil {
		sess.cancel()
	}
	sess.mu.Unlock()

	s.mu.Lock()
	delete(s.sessions, id)
	s.mu.Unlock()

	s.audit(ctx, ActionSessionClosed, "", "session="+id)
	return nil
}

// CleanupStale removes idle sessions older than maxAge. Sessions with a
// running pass are kept. Returns the number removed.
func (s *Service) CleanupStale(maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for id, sess := range s.sessions {
		sess.mu.Lock()
		stale := sess.CreatedAt.Before(cutoff) && !sess.submitting()
		sess.mu.Unlock()
		if stale {
			delete(s.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		s.log.Info("removed stale import sessions", "count", removed)
	}
	return removed
}

// SessionCount returns the number of registered sessions.
func (s *Service) SessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Drain waits for all running passes to finish. Used during shutdown.
func (s *Service) Drain(ctx context.Context) error {
	return s.limiter.WaitForDrain(ctx)
}

func (s *Service) audit(ctx context.Context, action, batchID, detail string) {
	if s.auditor == nil {
		return
	}
	if err := s.auditor.RecordAudit(ctx, action, batchID, detail); err != nil {
		s.log.Warn("failed to record audit entry", "action", action, "error", err)
	}
}

package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/casedesk/importer/internal/grid"
	"github.com/casedesk/importer/internal/schema"
	"github.com/casedesk/importer/internal/submit"
)

// fakeStore accepts everything except case ids with a FAIL prefix.
type fakeStore struct {
	mu     sync.Mutex
	authed bool
	reject bool
	audits []string
}

func newFakeStore() *fakeStore { return &fakeStore{authed: true, reject: true} }

func (f *fakeStore) IsAuthenticated(ctx context.Context) bool { return f.authed }

func (f *fakeStore) WriteRows(ctx context.Context, rows []map[string]string, meta submit.WriteMeta) (submit.WriteResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var res submit.WriteResult
	for i, row := range rows {
		id := row[schema.FieldCaseID]
		if f.reject && strings.HasPrefix(id, "FAIL") {
			res.Failed = append(res.Failed, submit.RowFailure{Row: i, Reason: "rejected"})
			continue
		}
		res.Successful = append(res.Successful, submit.RowSuccess{Row: i, ID: "rec-" + id})
	}
	return res, nil
}

func (f *fakeStore) CreateBatchRecord(ctx context.Context, meta submit.BatchMeta) (string, error) {
	return meta.BatchID, nil
}

func (f *fakeStore) UpdateBatchRecord(ctx context.Context, batchID string, fields map[string]any) error {
	return nil
}

func (f *fakeStore) RecordAudit(ctx context.Context, action, batchID, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, action)
	return nil
}

func testService(store *fakeStore) *Service {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := submit.Config{
		ChunkSize:       10,
		MaxAttempts:     1,
		RetryBaseDelay:  time.Millisecond,
		ChunkPause:      time.Millisecond,
		ArchiveMaxRows:  100,
		ArchiveMaxBytes: 64 * 1024,
	}
	return NewService(store, store, cfg, log)
}

// caseCSV builds a parseable CSV; failNums (1-based data rows) get a FAIL
// case id.
func caseCSV(n int, failNums ...int) string {
	failing := map[int]bool{}
	for _, num := range failNums {
		failing[num] = true
	}

	var b strings.Builder
	b.WriteString("case_id,applicant_name,dob,email,phone,category,priority\n")
	for i := 1; i <= n; i++ {
		id := fmt.Sprintf("C-%d", i)
		if failing[i] {
			id = fmt.Sprintf("FAIL-%d", i)
		}
		fmt.Fprintf(&b, "%s,Jane Doe,1985-06-15,jane@example.com,+14155552671,TAX,HIGH\n", id)
	}
	return b.String()
}

func mustCreate(t *testing.T, s *Service, csv string) CreateResult {
	t.Helper()
	res, err := s.CreateSession(context.Background(), "cases.csv", strings.NewReader(csv))
	if err != nil {
		t.Fatalf("CreateSession: %v", err)
	}
	return res
}

func waitDone(t *testing.T, s *Service, id string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Wait(ctx, id); err != nil {
		t.Fatalf("Wait: %v", err)
	}
}

func TestCreateSession(t *testing.T) {
	s := testService(newFakeStore())
	res := mustCreate(t, s, caseCSV(3))

	if res.RowCount != 3 {
		t.Errorf("rowCount = %d, want 3", res.RowCount)
	}
	if len(res.MissingRequired) != 0 {
		t.Errorf("missing = %v, want auto-detected mapping to cover required fields", res.MissingRequired)
	}
	if res.Mapping[schema.FieldCaseID] != "case_id" {
		t.Errorf("mapping = %v", res.Mapping)
	}
	if s.SessionCount() != 1 {
		t.Errorf("session count = %d, want 1", s.SessionCount())
	}
}

func TestCreateSession_BadFile(t *testing.T) {
	s := testService(newFakeStore())
	_, err := s.CreateSession(context.Background(), "empty.csv", strings.NewReader(""))
	if err == nil {
		t.Fatal("expected error for empty file")
	}
}

func TestSessionNotFound(t *testing.T) {
	s := testService(newFakeStore())
	_, err := s.Status("nope")
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestMappingRoundTrip(t *testing.T) {
	s := testService(newFakeStore())
	res := mustCreate(t, s, "id,full name,dob,category\nC-1,Jane Doe,1985-06-15,TAX\n")

	info, err := s.Mapping(res.SessionID)
	if err != nil {
		t.Fatalf("Mapping: %v", err)
	}
	if info.Complete {
		t.Fatalf("mapping should be incomplete, got %v", info.Mapping)
	}

	if _, err := s.SetMapping(context.Background(), res.SessionID, schema.FieldCaseID, "id"); err != nil {
		t.Fatalf("SetMapping: %v", err)
	}
	info, err = s.SetMapping(context.Background(), res.SessionID, schema.FieldApplicantName, "full name")
	if err != nil {
		t.Fatalf("SetMapping: %v", err)
	}
	if !info.Complete {
		t.Errorf("mapping should be complete, missing %v", info.MissingRequired)
	}
}

func TestRowsFilteringAndPaging(t *testing.T) {
	s := testService(newFakeStore())
	csv := caseCSV(5)
	// Break row 3's dob.
	csv = strings.Replace(csv, "C-3,Jane Doe,1985-06-15", "C-3,Jane Doe,junk", 1)
	res := mustCreate(t, s, csv)

	page, err := s.Rows(res.SessionID, grid.FilterErrors, 1, 10)
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}
	if page.Filtered != 1 || len(page.Rows) != 1 || page.Rows[0].Index != 2 {
		t.Errorf("error rows = %+v", page)
	}
	if page.Stats.Total != 5 || page.Stats.Invalid != 1 {
		t.Errorf("stats = %+v", page.Stats)
	}

	// Page past the end is empty but well-formed.
	page, err = s.Rows(res.SessionID, grid.FilterAll, 3, 3)
	if err != nil {
		t.Fatalf("Rows: %v", err)
	}
	if len(page.Rows) != 0 || page.Filtered != 5 {
		t.Errorf("page 3 = %+v", page)
	}
}

func TestEditDeleteBulkFix(t *testing.T) {
	s := testService(newFakeStore())
	res := mustCreate(t, s, caseCSV(3))
	id := res.SessionID
	ctx := context.Background()

	if err := s.EditCell(ctx, id, 0, "applicant_name", "  john roe  "); err != nil {
		t.Fatalf("EditCell: %v", err)
	}
	if _, err := s.BulkFix(ctx, id, grid.FixTrim); err != nil {
		t.Fatalf("BulkFix: %v", err)
	}
	stats, err := s.BulkFix(ctx, id, grid.FixTitleCaseNames)
	if err != nil {
		t.Fatalf("BulkFix: %v", err)
	}
	if stats.Total != 3 || stats.Invalid != 0 {
		t.Errorf("stats = %+v", stats)
	}

	page, _ := s.Rows(id, grid.FilterAll, 1, 1)
	if page.Rows[0].Cells["applicant_name"] != "John Roe" {
		t.Errorf("name = %q, want John Roe", page.Rows[0].Cells["applicant_name"])
	}

	if err := s.DeleteRow(ctx, id, 1); err != nil {
		t.Fatalf("DeleteRow: %v", err)
	}
	st, _ := s.Status(id)
	if st.RowCount != 2 {
		t.Errorf("rowCount = %d, want 2", st.RowCount)
	}
}

func TestSubmissionFlow(t *testing.T) {
	store := newFakeStore()
	s := testService(store)
	res := mustCreate(t, s, caseCSV(25, 7))
	id := res.SessionID

	ch, unsub, err := s.SubscribeProgress(id)
	if err != nil {
		t.Fatalf("SubscribeProgress: %v", err)
	}
	defer unsub()

	if err := s.StartSubmission(context.Background(), id); err != nil {
		t.Fatalf("StartSubmission: %v", err)
	}
	waitDone(t, s, id)

	result, err := s.Result(id)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if result.Total != 25 || result.Successful != 24 || result.Failed != 1 {
		t.Errorf("result = %d/%d/%d, want 25/24/1", result.Total, result.Successful, result.Failed)
	}
	if len(result.Failures) != 1 || result.Failures[0].Row != 7 {
		t.Errorf("failures = %v", result.Failures)
	}

	st, _ := s.Status(id)
	if st.State != submit.StateComplete || !st.HasResult {
		t.Errorf("status = %+v", st)
	}
	if st.Progress.Processed != 25 {
		t.Errorf("progress = %+v", st.Progress)
	}

	// At least one progress event reached the subscriber.
	select {
	case p := <-ch:
		if p.Total != 25 {
			t.Errorf("progress total = %d", p.Total)
		}
	default:
		t.Error("no progress delivered to subscriber")
	}

	csv, err := s.ErrorCSV(id)
	if err != nil {
		t.Fatalf("ErrorCSV: %v", err)
	}
	if !strings.HasPrefix(csv, "Row,Error,") || !strings.Contains(csv, "rejected") {
		t.Errorf("error csv:\n%s", csv)
	}

	reportJSON, err := s.ReportJSON(id)
	if err != nil {
		t.Fatalf("ReportJSON: %v", err)
	}
	if !strings.Contains(string(reportJSON), `"successRate": "96%"`) {
		t.Errorf("report:\n%s", reportJSON)
	}
}

func TestSubmission_MappingIncomplete(t *testing.T) {
	s := testService(newFakeStore())
	res := mustCreate(t, s, "col1,col2\na,b\n")

	err := s.StartSubmission(context.Background(), res.SessionID)
	if !errors.Is(err, ErrMappingIncomplete) {
		t.Errorf("err = %v, want ErrMappingIncomplete", err)
	}
}

func TestSubmission_NotAuthenticated(t *testing.T) {
	store := newFakeStore()
	store.authed = false
	s := testService(store)
	res := mustCreate(t, s, caseCSV(2))

	if err := s.StartSubmission(context.Background(), res.SessionID); err != nil {
		t.Fatalf("StartSubmission: %v", err)
	}
	waitDone(t, s, res.SessionID)

	_, err := s.Result(res.SessionID)
	if !errors.Is(err, submit.ErrNotAuthenticated) {
		t.Errorf("err = %v, want ErrNotAuthenticated", err)
	}
	st, _ := s.Status(res.SessionID)
	if st.State != submit.StateReady {
		t.Errorf("state = %s, want ready", st.State)
	}
}

func TestRetryFlow(t *testing.T) {
	store := newFakeStore()
	s := testService(store)
	res := mustCreate(t, s, caseCSV(10, 4, 8))
	id := res.SessionID

	if err := s.StartSubmission(context.Background(), id); err != nil {
		t.Fatalf("StartSubmission: %v", err)
	}
	waitDone(t, s, id)

	first, err := s.Result(id)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if first.Failed != 2 {
		t.Fatalf("first pass failed = %d, want 2", first.Failed)
	}

	store.mu.Lock()
	store.reject = false
	store.mu.Unlock()

	if err := s.RetryFailed(context.Background(), id); err != nil {
		t.Fatalf("RetryFailed: %v", err)
	}
	waitDone(t, s, id)

	second, err := s.Result(id)
	if err != nil {
		t.Fatalf("Result: %v", err)
	}
	if second.Successful != 10 || len(second.Failures) != 0 {
		t.Errorf("after retry: %d successful, failures %v", second.Successful, second.Failures)
	}
	if second.BatchID != first.BatchID {
		t.Errorf("batch id changed on retry")
	}
}

// A submission waiting for an import slot must not pin the session lock:
// status, edit, and row reads on that session have to keep working.
func TestStartSubmission_StatusNotBlockedWhileQueued(t *testing.T) {
	s := testService(newFakeStore())
	res := mustCreate(t, s, caseCSV(2))

	s.limiter = NewImportLimiter(1, 500*time.Millisecond)
	if err := s.limiter.Acquire(context.Background()); err != nil {
		t.Fatalf("occupy slot: %v", err)
	}
	defer s.limiter.Release()

	submitErr := make(chan error, 1)
	go func() {
		submitErr <- s.StartSubmission(context.Background(), res.SessionID)
	}()

	// Let the submission reach the slot wait.
	time.Sleep(50 * time.Millisecond)

	statusDone := make(chan error, 1)
	go func() {
		_, err := s.Status(res.SessionID)
		statusDone <- err
	}()

	select {
	case err := <-statusDone:
		if err != nil {
			t.Errorf("Status: %v", err)
		}
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Status blocked while a submission waited for an import slot")
	}

	if err := <-submitErr; !errors.Is(err, ErrTooManyImports) {
		t.Errorf("StartSubmission err = %v, want ErrTooManyImports", err)
	}
}

func TestCancelSubmission_NotRunning(t *testing.T) {
	s := testService(newFakeStore())
	res := mustCreate(t, s, caseCSV(2))

	if err := s.CancelSubmission(res.SessionID); !errors.Is(err, ErrNotSubmitting) {
		t.Errorf("err = %v, want ErrNotSubmitting", err)
	}
}

func TestSerializeRestore(t *testing.T) {
	s := testService(newFakeStore())
	res := mustCreate(t, s, caseCSV(4))
	id := res.SessionID

	data, err := s.Serialize(id)
	if err != nil {
		t.Fatalf("Serialize: %v", err)
	}

	if err := s.RemoveSession(context.Background(), id); err != nil {
		t.Fatalf("RemoveSession: %v", err)
	}
	if s.SessionCount() != 0 {
		t.Fatal("session still registered after removal")
	}

	restored, err := s.Restore(data)
	if err != nil {
		t.Fatalf("Restore: %v", err)
	}
	if restored != id {
		t.Errorf("restored id = %s, want %s", restored, id)
	}

	st, err := s.Status(id)
	if err != nil {
		t.Fatalf("Status after restore: %v", err)
	}
	if st.RowCount != 4 || st.FileName != "cases.csv" {
		t.Errorf("status = %+v", st)
	}
}

func TestCleanupStale(t *testing.T) {
	s := testService(newFakeStore())
	res := mustCreate(t, s, caseCSV(1))

	if removed := s.CleanupStale(time.Hour); removed != 0 {
		t.Errorf("removed %d fresh sessions", removed)
	}

	sess, _ := s.session(res.SessionID)
	sess.CreatedAt = time.Now().UTC().Add(-2 * time.Hour)

	if removed := s.CleanupStale(time.Hour); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if s.SessionCount() != 0 {
		t.Error("stale session still registered")
	}
}

func TestAuditTrail(t *testing.T) {
	store := newFakeStore()
	s := testService(store)
	res := mustCreate(t, s, caseCSV(2))

	if err := s.StartSubmission(context.Background(), res.SessionID); err != nil {
		t.Fatalf("StartSubmission: %v", err)
	}
	waitDone(t, s, res.SessionID)

	store.mu.Lock()
	defer store.mu.Unlock()
	want := map[string]bool{ActionImportCreated: false, ActionSubmit: false}
	for _, a := range store.audits {
		if _, ok := want[a]; ok {
			want[a] = true
		}
	}
	for action, seen := range want {
		if !seen {
			t.Errorf("audit action %q not recorded (got %v)", action, store.audits)
		}
	}
}

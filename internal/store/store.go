// Package store persists imported case records to Postgres and keeps the
// batch tracking and audit tables. It implements the submission engine's
// Store boundary.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/casedesk/importer/internal/schema"
	"github.com/casedesk/importer/internal/submit"
)

// Principal identifies the authenticated caller of an import. The web
// layer puts it on the request context after API-key auth.
type Principal struct {
	ID   string
	Name string
}

type contextKey string

const ctxKeyPrincipal contextKey = "store_principal"

// ContextWithPrincipal attaches the authenticated caller to a context.
func ContextWithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, ctxKeyPrincipal, p)
}

// PrincipalFromContext extracts the authenticated caller, if any.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(ctxKeyPrincipal).(Principal)
	return p, ok
}

// Postgres is the production store implementation.
type Postgres struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewPostgres creates a store over an existing connection pool.
func NewPostgres(pool *pgxpool.Pool, log *slog.Logger) *Postgres {
	return &Postgres{pool: pool, log: log}
}

const ddl = `
CREATE TABLE IF NOT EXISTS import_batches (
	id UUID PRIMARY KEY,
	file_name TEXT NOT NULL DEFAULT '',
	total_rows INT NOT NULL DEFAULT 0,
	status TEXT NOT NULL DEFAULT 'submitting',
	successful_rows INT NOT NULL DEFAULT 0,
	failed_rows INT NOT NULL DEFAULT 0,
	sample TEXT,
	sample_rows INT,
	sample_truncated BOOLEAN,
	sample_checksum TEXT,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	completed_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS cases (
	id UUID PRIMARY KEY,
	case_id TEXT NOT NULL,
	applicant_name TEXT NOT NULL,
	dob DATE NOT NULL,
	email TEXT,
	phone TEXT,
	category TEXT NOT NULL,
	priority TEXT NOT NULL,
	batch_id UUID REFERENCES import_batches(id),
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	UNIQUE (case_id, batch_id)
);

CREATE TABLE IF NOT EXISTS audit_log (
	id UUID PRIMARY KEY,
	action TEXT NOT NULL,
	batch_id UUID,
	actor TEXT NOT NULL DEFAULT '',
	detail TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// EnsureSchema creates the tables if they do not exist yet.
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensuring schema: %w", err)
	}
	return nil
}

// IsAuthenticated reports whether the context carries an authenticated
// principal.
func (p *Postgres) IsAuthenticated(ctx context.Context) bool {
	_, ok := PrincipalFromContext(ctx)
	return ok
}

// WriteRows writes one chunk of candidate rows inside a single
// transaction. Each row is validated and inserted under its own savepoint,
// so one bad row never poisons the rest of the chunk. The per-row outcome
// is reported with chunk-local indices.
func (p *Postgres) WriteRows(ctx context.Context, rows []map[string]string, meta submit.WriteMeta) (submit.WriteResult, error) {
	var result submit.WriteResult

	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return result, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for i, raw := range rows {
		rec := schema.TryNormalize(raw)
		if rec == nil {
			result.Failed = append(result.Failed, submit.RowFailure{
				Row:    i,
				Reason: schema.FirstErrorMessage(raw),
			})
			continue
		}

		dob, err := time.Parse("2006-01-02", rec[schema.FieldDOB])
		if err != nil {
			result.Failed = append(result.Failed, submit.RowFailure{Row: i, Reason: schema.MsgDOBFormat})
			continue
		}

		sp := fmt.Sprintf("sp_%d", i)
		if _, err := tx.Exec(ctx, "SAVEPOINT "+sp); err != nil {
			return result, fmt.Errorf("create savepoint: %w", err)
		}

		var id string
		err = tx.QueryRow(ctx,
			`INSERT INTO cases (id, case_id, applicant_name, dob, email, phone, category, priority, batch_id)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			 RETURNING id`,
			uuid.New(),
			rec[schema.FieldCaseID],
			rec[schema.FieldApplicantName],
			dob,
			optional(rec, schema.FieldEmail),
			optional(rec, schema.FieldPhone),
			rec[schema.FieldCategory],
			rec[schema.FieldPriority],
			nullUUID(meta.BatchID),
		).Scan(&id)
		if err != nil {
			if _, rbErr := tx.Exec(ctx, "ROLLBACK TO SAVEPOINT "+sp); rbErr != nil {
				return result, fmt.Errorf("rollback savepoint: %w", rbErr)
			}
			result.Failed = append(result.Failed, submit.RowFailure{Row: i, Reason: friendlyReason(err)})
			continue
		}
		if _, err := tx.Exec(ctx, "RELEASE SAVEPOINT "+sp); err != nil {
			return result, fmt.Errorf("release savepoint: %w", err)
		}

		result.Successful = append(result.Successful, submit.RowSuccess{Row: i, ID: id})
	}

	if err := tx.Commit(ctx); err != nil {
		return submit.WriteResult{}, fmt.Errorf("commit chunk %d: %w", meta.ChunkIndex, err)
	}
	return result, nil
}

// CreateBatchRecord creates the batch tracking record. Idempotent by id:
// recreating an existing batch is a no-op.
func (p *Postgres) CreateBatchRecord(ctx context.Context, meta submit.BatchMeta) (string, error) {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO import_batches (id, file_name, total_rows)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (id) DO NOTHING`,
		meta.BatchID, meta.FileName, meta.TotalRows,
	)
	if err != nil {
		return "", fmt.Errorf("creating batch record: %w", err)
	}
	return meta.BatchID, nil
}

// batchColumns whitelists the fields UpdateBatchRecord may touch.
var batchColumns = map[string]string{
	"status":           "status",
	"successful_rows":  "successful_rows",
	"failed_rows":      "failed_rows",
	"completed_at":     "completed_at",
	"sample":           "sample",
	"sample_rows":      "sample_rows",
	"sample_truncated": "sample_truncated",
	"sample_checksum":  "sample_checksum",
}

// UpdateBatchRecord applies a partial update to the tracking record.
// Unknown fields are skipped with a warning rather than failing the call:
// callers treat this as fire-and-forget.
func (p *Postgres) UpdateBatchRecord(ctx context.Context, batchID string, fields map[string]any) error {
	query, args := buildBatchUpdate(batchID, fields, p.log)
	if query == "" {
		return nil
	}
	if _, err := p.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("updating batch %s: %w", batchID, err)
	}
	return nil
}

// buildBatchUpdate renders the dynamic SET clause for a partial batch
// update. Returns an empty query when no known field is present.
func buildBatchUpdate(batchID string, fields map[string]any, log *slog.Logger) (string, []any) {
	sets := make([]string, 0, len(fields))
	args := []any{batchID}

	// Deterministic order keeps queries stable in logs and tests.
	for _, key := range []string{
		"status", "successful_rows", "failed_rows", "completed_at",
		"sample", "sample_rows", "sample_truncated", "sample_checksum",
	} {
		v, ok := fields[key]
		if !ok {
			continue
		}
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", batchColumns[key], len(args)))
	}

	for key := range fields {
		if _, ok := batchColumns[key]; !ok && log != nil {
			log.Warn("skipping unknown batch field", "field", key)
		}
	}

	if len(sets) == 0 {
		return "", nil
	}
	return "UPDATE import_batches SET " + strings.Join(sets, ", ") + " WHERE id = $1", args
}

// RecordAudit appends one audit entry. Best-effort for callers; the error
// is returned so they can decide whether to log it.
func (p *Postgres) RecordAudit(ctx context.Context, action, batchID, detail string) error {
	actor := ""
	if pr, ok := PrincipalFromContext(ctx); ok {
		actor = pr.Name
	}
	_, err := p.pool.Exec(ctx,
		`INSERT INTO audit_log (id, action, batch_id, actor, detail)
		 VALUES ($1, $2, $3, $4, $5)`,
		uuid.New(), action, nullUUID(batchID), actor, detail,
	)
	if err != nil {
		return fmt.Errorf("recording audit entry: %w", err)
	}
	return nil
}

// optional returns nil for absent optional fields so they land as NULL.
func optional(rec schema.Record, key string) any {
	if v, ok := rec[key]; ok && v != "" {
		return v
	}
	return nil
}

// nullUUID returns nil for an empty or malformed id so the column stays
// NULL instead of failing the cast.
func nullUUID(s string) any {
	id, err := uuid.Parse(s)
	if err != nil {
		return nil
	}
	return id
}

// Package pgstore provides a PostgreSQL implementation of triage.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/linnemanlabs/arbiter/internal/triage"
)

var tracer = otel.Tracer("github.com/linnemanlabs/arbiter/internal/triage/pgstore")

//go:embed schema.sql
var schema string

// Store persists runs and their RCA documents in PostgreSQL. The decision
// columns (intent, outcome, score) are denormalized from the RCA for reporting.
type Store struct {
	pool *pgxpool.Pool
}

// New applies the schema on the given pool and returns a ready Store. The
// caller owns the pool.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

const runColumns = `id, incident_id, status, created_at, completed_at, error, rca`

// Get retrieves a run by ID.
func (s *Store) Get(ctx context.Context, id string) (*triage.Run, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.Get", "SELECT")
	defer span.End()

	r, err := scanRun(s.pool.QueryRow(ctx, `SELECT `+runColumns+` FROM incident_runs WHERE id = $1`, id))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return r, r != nil, nil
}

// GetByIncident retrieves the most recently created run for an incident.
func (s *Store) GetByIncident(ctx context.Context, incidentID string) (*triage.Run, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.GetByIncident", "SELECT")
	defer span.End()

	query := `SELECT ` + runColumns + ` FROM incident_runs WHERE incident_id = $1 ORDER BY created_at DESC LIMIT 1`
	r, err := scanRun(s.pool.QueryRow(ctx, query, incidentID))
	if err != nil {
		return nil, false, fail(span, err)
	}
	return r, r != nil, nil
}

// Put inserts or updates a run.
func (s *Store) Put(ctx context.Context, r *triage.Run) error {
	ctx, span := startSpan(ctx, "pgstore.Put", "UPSERT")
	defer span.End()
	span.SetAttributes(attribute.String("arbiter.run.status", string(r.Status)))

	var (
		rcaJSON         []byte
		intent, outcome string
		score           float64
		completedAt     *time.Time
		err             error
	)
	if r.RCA != nil {
		rcaJSON, err = json.Marshal(r.RCA)
		if err != nil {
			return fail(span, fmt.Errorf("marshal rca: %w", err))
		}
		intent = r.RCA.Classification.Intent
		outcome = string(r.RCA.Decision.Outcome)
		score = r.RCA.Decision.Score
	}
	if !r.CompletedAt.IsZero() {
		completedAt = &r.CompletedAt
	}

	query := `INSERT INTO incident_runs (
		id, incident_id, status, created_at, completed_at, error, intent, outcome, score, rca
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
	ON CONFLICT (id) DO UPDATE SET
		status       = EXCLUDED.status,
		completed_at = EXCLUDED.completed_at,
		error        = EXCLUDED.error,
		intent       = EXCLUDED.intent,
		outcome      = EXCLUDED.outcome,
		score        = EXCLUDED.score,
		rca          = EXCLUDED.rca`

	_, err = s.pool.Exec(ctx, query,
		r.ID, r.IncidentID, string(r.Status), r.CreatedAt, completedAt, r.Error,
		intent, outcome, score, rcaJSON,
	)
	if err != nil {
		return fail(span, fmt.Errorf("upsert run: %w", err))
	}
	return nil
}

// scanRun returns (nil, nil) when no row is found.
func scanRun(row pgx.Row) (*triage.Run, error) {
	var (
		r           triage.Run
		status      string
		completedAt *time.Time
		rcaJSON     []byte
	)
	err := row.Scan(&r.ID, &r.IncidentID, &status, &r.CreatedAt, &completedAt, &r.Error, &rcaJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan: %w", err)
	}

	r.Status = triage.RunStatus(status)
	if completedAt != nil {
		r.CompletedAt = *completedAt
	}
	if len(rcaJSON) > 0 {
		var rca triage.RCA
		if err := json.Unmarshal(rcaJSON, &rca); err != nil {
			return nil, fmt.Errorf("unmarshal rca: %w", err)
		}
		r.RCA = &rca
	}
	return &r, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

func fail(span trace.Span, err error) error {
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

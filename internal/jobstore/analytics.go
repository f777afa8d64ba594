package jobstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/oriys/cdrguard/internal/domain"
)

// AnalyticsSink durably records phase summaries once a phase completes, so
// alert-reduction trends survive past the Redis store's retention TTL. It is
// optional: SPEC_FULL.md keeps both stores rather than collapsing into one
// (see DESIGN.md, "mixed storage" note), because the Redis store is
// optimized for hot job/result reads while this sink is append-only history
// for reporting.
type AnalyticsSink struct {
	pool *pgxpool.Pool
}

func NewAnalyticsSink(ctx context.Context, dsn string) (*AnalyticsSink, error) {
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}

	s := &AnalyticsSink{pool: pool}

	if err := s.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *AnalyticsSink) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *AnalyticsSink) Ping(ctx context.Context) error {
	if s.pool == nil {
		return fmt.Errorf("analytics sink not initialized")
	}
	return s.pool.Ping(ctx)
}

func (s *AnalyticsSink) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS job_history (
			job_id TEXT PRIMARY KEY,
			container_name TEXT NOT NULL,
			priority TEXT NOT NULL,
			status TEXT NOT NULL,
			total_units INTEGER NOT NULL,
			processed INTEGER NOT NULL,
			failed INTEGER NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ
		)`,
		`CREATE TABLE IF NOT EXISTS phase_summary_history (
			job_id TEXT NOT NULL REFERENCES job_history(job_id) ON DELETE CASCADE,
			phase INTEGER NOT NULL,
			metrics JSONB NOT NULL,
			recorded_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (job_id, phase)
		)`,
	}

	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// RecordJob upserts the job's summary row, called when the job reaches a
// terminal status.
func (s *AnalyticsSink) RecordJob(ctx context.Context, job *domain.Job) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO job_history (job_id, container_name, priority, status, total_units, processed, failed, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (job_id) DO UPDATE SET
			status = EXCLUDED.status,
			processed = EXCLUDED.processed,
			failed = EXCLUDED.failed,
			completed_at = EXCLUDED.completed_at
	`, job.JobID, job.ContainerName, string(job.Priority), string(job.Status),
		job.TotalUnits, job.Processed, job.Failed, job.CreatedAt, job.CompletedAt)
	return err
}

// RecordPhaseSummary durably appends a phase's aggregate metrics.
func (s *AnalyticsSink) RecordPhaseSummary(ctx context.Context, jobID string, summary domain.PhaseSummary) error {
	metrics, err := json.Marshal(summary.Metrics)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		INSERT INTO phase_summary_history (job_id, phase, metrics, recorded_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (job_id, phase) DO UPDATE SET metrics = EXCLUDED.metrics, recorded_at = EXCLUDED.recorded_at
	`, jobID, int(summary.Phase), metrics, summary.UpdatedAt)
	return err
}

// AlertReductionTrend is a reporting row: one job's phase-3 alert-reduction
// outcome, used to build the "noise before/after" trend spec.md §9 calls out
// as the system's core value proposition.
type AlertReductionTrend struct {
	JobID       string    `json:"job_id"`
	RecordedAt  time.Time `json:"recorded_at"`
	PreAlerts   int       `json:"pre_alerts"`
	PostAlerts  int       `json:"post_alerts"`
	ReductionPct float64  `json:"reduction_pct"`
}

// AlertReductionHistory returns recent phase-3 summaries as a trend series,
// reading the JSONB metrics blob recorded by RecordPhaseSummary.
func (s *AnalyticsSink) AlertReductionHistory(ctx context.Context, limit int) ([]AlertReductionTrend, error) {
	if limit <= 0 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx, `
		SELECT job_id, metrics, recorded_at
		FROM phase_summary_history
		WHERE phase = $1
		ORDER BY recorded_at DESC
		LIMIT $2
	`, int(domain.Phase3EDR), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AlertReductionTrend
	for rows.Next() {
		var jobID string
		var metrics []byte
		var recordedAt time.Time
		if err := rows.Scan(&jobID, &metrics, &recordedAt); err != nil {
			return nil, err
		}

		var m map[string]any
		if err := json.Unmarshal(metrics, &m); err != nil {
			continue
		}

		trend := AlertReductionTrend{JobID: jobID, RecordedAt: recordedAt}
		if v, ok := m["pre_cdr_alerts"].(float64); ok {
			trend.PreAlerts = int(v)
		}
		if v, ok := m["post_cdr_alerts"].(float64); ok {
			trend.PostAlerts = int(v)
		}
		if v, ok := m["alert_reduction_percent"].(float64); ok {
			trend.ReductionPct = v
		}
		out = append(out, trend)
	}
	return out, rows.Err()
}

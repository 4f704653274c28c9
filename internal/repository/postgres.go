package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/lib/pq"
	"github.com/nadmax/pipetune/internal/optimization"
	"github.com/nadmax/pipetune/internal/run"
	"go.uber.org/zap"
)

type PostgresStore struct {
	db     *sql.DB
	logger *zap.Logger
}

func NewPostgresStore(connectionString string, logger *zap.Logger) (*PostgresStore, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping PostgreSQL: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	return NewPostgresStoreFromDB(db, logger), nil
}

func NewPostgresStoreFromDB(db *sql.DB, logger *zap.Logger) *PostgresStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PostgresStore{db: db, logger: logger}
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListRuns(ctx context.Context, pipelineID string, limit int) ([]run.PipelineRun, error) {
	query := `
		SELECT
			id, pipeline_config_id, status, started_at, duration_seconds,
			branch, commit_hash, triggered_by, error_message
		FROM pipeline_runs
		WHERE pipeline_config_id = $1
		ORDER BY started_at DESC
		LIMIT NULLIF($2, 0)
	`
	rows, err := s.db.QueryContext(ctx, query, pipelineID, limit)
	if err != nil {
		return nil, unavailable("list runs", pipelineID, err)
	}
	defer s.closeRows(rows)

	var runs []run.PipelineRun
	for rows.Next() {
		var r run.PipelineRun
		var duration sql.NullFloat64
		var errMsg sql.NullString
		if err := rows.Scan(
			&r.ID,
			&r.PipelineConfigID,
			&r.Status,
			&r.StartedAt,
			&duration,
			&r.Branch,
			&r.CommitHash,
			&r.TriggeredBy,
			&errMsg,
		); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		if duration.Valid {
			r.DurationSeconds = run.Seconds(duration.Float64)
		}
		r.ErrorMessage = errMsg.String
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list runs", pipelineID, err)
	}

	slices.Reverse(runs)
	return runs, nil
}

func (s *PostgresStore) ListQualityChecks(ctx context.Context, runID string) ([]run.QualityCheck, error) {
	query := `
		SELECT id, run_id, tool_name, gate_passed, score, issues
		FROM quality_checks
		WHERE run_id = $1
		ORDER BY id
	`
	rows, err := s.db.QueryContext(ctx, query, runID)
	if err != nil {
		return nil, unavailable("list quality checks", runID, err)
	}
	defer s.closeRows(rows)

	var checks []run.QualityCheck
	for rows.Next() {
		var q run.QualityCheck
		var issues []byte
		if err := rows.Scan(&q.ID, &q.RunID, &q.ToolName, &q.GatePassed, &q.Score, &issues); err != nil {
			return nil, fmt.Errorf("failed to scan quality check: %w", err)
		}
		if len(issues) > 0 {
			if err := json.Unmarshal(issues, &q.Issues); err != nil {
				return nil, fmt.Errorf("failed to unmarshal issues for check %s: %w", q.ID, err)
			}
		}
		checks = append(checks, q)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list quality checks", runID, err)
	}

	return checks, nil
}

func (s *PostgresStore) SaveCandidate(ctx context.Context, c *optimization.Candidate) error {
	current, err := json.Marshal(c.CurrentMetrics)
	if err != nil {
		return fmt.Errorf("failed to marshal current metrics: %w", err)
	}
	projected, err := json.Marshal(c.ProjectedMetrics)
	if err != nil {
		return fmt.Errorf("failed to marshal projected metrics: %w", err)
	}
	steps, err := json.Marshal(c.ImplementationSteps)
	if err != nil {
		return fmt.Errorf("failed to marshal implementation steps: %w", err)
	}

	query := `
		INSERT INTO optimizations (
			id, pipeline_config_id, type, title, description, confidence,
			current_metrics, projected_metrics, implementation_steps,
			status, applied_at, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`

	var appliedAt any
	if c.AppliedAt != nil {
		appliedAt = *c.AppliedAt
	}

	_, err = s.db.ExecContext(
		ctx,
		query,
		c.ID,
		c.PipelineConfigID,
		c.Type,
		c.Title,
		c.Description,
		c.Confidence,
		current,
		projected,
		steps,
		c.Status,
		appliedAt,
		c.CreatedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return fmt.Errorf("save candidate %s: %w", c.ID, optimization.ErrIDConflict)
	}
	if err != nil {
		return unavailable("save candidate", c.ID, err)
	}
	return nil
}

const uniqueViolation pq.ErrorCode = "23505"

const candidateColumns = `
	id, pipeline_config_id, type, title, description, confidence,
	current_metrics, projected_metrics, implementation_steps,
	status, applied_at, created_at
`

func (s *PostgresStore) GetCandidate(ctx context.Context, id string) (*optimization.Candidate, error) {
	query := `SELECT` + candidateColumns + `FROM optimizations WHERE id = $1`

	c, err := scanCandidate(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("get candidate %s: %w", id, optimization.ErrNotFound)
	}
	if err != nil {
		return nil, unavailable("get candidate", id, err)
	}
	return c, nil
}

func (s *PostgresStore) UpdateStatus(ctx context.Context, id string, status optimization.Status, appliedAt *time.Time) error {
	query := `
		UPDATE optimizations
		SET status = $1,
		    applied_at = $2
		WHERE id = $3 AND status = 'pending'
	`

	var at any
	if appliedAt != nil {
		at = *appliedAt
	}

	res, err := s.db.ExecContext(ctx, query, status, at, id)
	if err != nil {
		return unavailable("update status", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable("update status", id, err)
	}
	if n > 0 {
		return nil
	}

	current, err := s.GetCandidate(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("update status of %s: %w: already %s", id, optimization.ErrInvalidTransition, current.Status)
}

func (s *PostgresStore) ListByStatus(ctx context.Context, pipelineID string, status optimization.Status) ([]*optimization.Candidate, error) {
	query := `SELECT` + candidateColumns + `
		FROM optimizations
		WHERE pipeline_config_id = $1 AND status = $2
		ORDER BY created_at ASC
	`
	return s.queryCandidates(ctx, pipelineID, query, pipelineID, status)
}

func (s *PostgresStore) ListCandidates(ctx context.Context, pipelineID string) ([]*optimization.Candidate, error) {
	query := `SELECT` + candidateColumns + `
		FROM optimizations
		WHERE pipeline_config_id = $1
		ORDER BY created_at ASC
	`
	return s.queryCandidates(ctx, pipelineID, query, pipelineID)
}

func (s *PostgresStore) queryCandidates(ctx context.Context, pipelineID, query string, args ...any) ([]*optimization.Candidate, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, unavailable("list candidates", pipelineID, err)
	}
	defer s.closeRows(rows)

	var out []*optimization.Candidate
	for rows.Next() {
		c, err := scanCandidate(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable("list candidates", pipelineID, err)
	}
	return out, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanCandidate(row scanner) (*optimization.Candidate, error) {
	var c optimization.Candidate
	var current, projected, steps []byte
	var appliedAt sql.NullTime

	if err := row.Scan(
		&c.ID,
		&c.PipelineConfigID,
		&c.Type,
		&c.Title,
		&c.Description,
		&c.Confidence,
		&current,
		&projected,
		&steps,
		&c.Status,
		&appliedAt,
		&c.CreatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(current, &c.CurrentMetrics); err != nil {
		return nil, fmt.Errorf("failed to unmarshal current metrics: %w", err)
	}
	if err := json.Unmarshal(projected, &c.ProjectedMetrics); err != nil {
		return nil, fmt.Errorf("failed to unmarshal projected metrics: %w", err)
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &c.ImplementationSteps); err != nil {
			return nil, fmt.Errorf("failed to unmarshal implementation steps: %w", err)
		}
	}
	if appliedAt.Valid {
		at := appliedAt.Time
		c.AppliedAt = &at
	}

	return &c, nil
}

func (s *PostgresStore) closeRows(rows *sql.Rows) {
	if err := rows.Close(); err != nil {
		s.logger.Warn("failed to close rows", zap.Error(err))
	}
}

func (s *PostgresStore) Close() error {
	return s.db.Close()
}

func unavailable(op, id string, err error) error {
	return fmt.Errorf("%s %s: %w: %w", op, id, ErrStoreUnavailable, err)
}

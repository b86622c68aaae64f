package persistence

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/petrijr/stepflow/pkg/api"
)

// PostgresRunStore is a RunStore backed by PostgreSQL through a pgx pool.
type PostgresRunStore struct {
	db *pgxpool.Pool
}

var _ RunStore = (*PostgresRunStore)(nil)

// NewPostgresRunStore creates the schema if needed and returns a store.
func NewPostgresRunStore(ctx context.Context, db *pgxpool.Pool) (*PostgresRunStore, error) {
	s := &PostgresRunStore{db: db}
	if err := s.initSchema(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *PostgresRunStore) initSchema(ctx context.Context) error {
	_, err := s.db.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			organization_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			completed_at TIMESTAMPTZ,
			duration_ns BIGINT NOT NULL DEFAULT 0,
			output JSONB,
			error TEXT NOT NULL DEFAULT '',
			error_step TEXT NOT NULL DEFAULT '',
			trigger_type TEXT NOT NULL DEFAULT '',
			trigger_data JSONB
		);
		CREATE INDEX IF NOT EXISTS idx_workflow_runs_workflow ON workflow_runs(workflow_id, started_at DESC);
	`)
	return err
}

func (s *PostgresRunStore) CreateRun(ctx context.Context, run *api.WorkflowRun) error {
	output, err := EncodeValue(run.Output)
	if err != nil {
		return err
	}
	trigger, err := EncodeValue(run.TriggerData)
	if err != nil {
		return err
	}
	_, err = s.db.Exec(ctx, `
		INSERT INTO workflow_runs (id, workflow_id, organization_id, status, started_at, completed_at,
			duration_ns, output, error, error_step, trigger_type, trigger_data)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		run.ID, run.WorkflowID, run.OrganizationID, string(run.Status), run.StartedAt, run.CompletedAt,
		int64(run.Duration), output, run.Error, run.ErrorStep, string(run.TriggerType), trigger)
	return err
}

func (s *PostgresRunStore) FinalizeRun(ctx context.Context, runID string, res api.RunResult) error {
	output, err := EncodeValue(res.Output)
	if err != nil {
		return err
	}
	tag, err := s.db.Exec(ctx, `
		UPDATE workflow_runs
		SET status = $1, completed_at = $2, duration_ns = $3, output = $4, error = $5, error_step = $6
		WHERE id = $7 AND status = $8`,
		string(res.Status), res.CompletedAt, int64(res.Duration), output, res.Error, res.ErrorStep,
		runID, string(api.RunRunning))
	if err != nil {
		return err
	}
	if tag.RowsAffected() > 0 {
		return nil
	}
	if _, err := s.GetRun(ctx, runID); err != nil {
		return err
	}
	return ErrRunFinalized
}

const pgRunColumns = `id, workflow_id, organization_id, status, started_at, completed_at,
	duration_ns, output, error, error_step, trigger_type, trigger_data`

func scanPgRun(row pgx.Row) (*api.WorkflowRun, error) {
	var (
		run         api.WorkflowRun
		status      string
		durationNs  int64
		output      []byte
		triggerType string
		triggerData []byte
	)
	if err := row.Scan(&run.ID, &run.WorkflowID, &run.OrganizationID, &status, &run.StartedAt, &run.CompletedAt,
		&durationNs, &output, &run.Error, &run.ErrorStep, &triggerType, &triggerData); err != nil {
		return nil, err
	}
	run.Status = api.RunStatus(status)
	run.Duration = time.Duration(durationNs)
	run.TriggerType = api.TriggerType(triggerType)

	var err error
	if run.Output, err = DecodeValue(output); err != nil {
		return nil, err
	}
	if run.TriggerData, err = DecodeValue(triggerData); err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *PostgresRunStore) GetRun(ctx context.Context, id string) (*api.WorkflowRun, error) {
	run, err := scanPgRun(s.db.QueryRow(ctx, `SELECT `+pgRunColumns+` FROM workflow_runs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

func (s *PostgresRunStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.WorkflowRun, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = "+arg(filter.WorkflowID))
	}
	if filter.Status != "" {
		where = append(where, "status = "+arg(string(filter.Status)))
	}
	if !filter.StartedBefore.IsZero() {
		where = append(where, "started_at < "+arg(filter.StartedBefore))
	}

	q := `SELECT ` + pgRunColumns + ` FROM workflow_runs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY started_at DESC, id DESC"
	if filter.Limit > 0 {
		q += " LIMIT " + arg(filter.Limit)
	}

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.WorkflowRun
	for rows.Next() {
		run, err := scanPgRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/petrijr/stepflow/pkg/api"
)

// SQLiteStore implements every store interface on SQLite.
//
// It expects an *sql.DB that uses a SQLite driver (for example,
// "modernc.org/sqlite"). The caller is responsible for importing
// the driver, e.g.:
//
//	import _ "modernc.org/sqlite"
type SQLiteStore struct {
	db *sql.DB
}

var (
	_ WorkflowStore     = (*SQLiteStore)(nil)
	_ RunStore          = (*SQLiteStore)(nil)
	_ OrganizationStore = (*SQLiteStore)(nil)
	_ CredentialStore   = (*SQLiteStore)(nil)
	_ SettingsStore     = (*SQLiteStore)(nil)
	_ EventStore        = (*SQLiteStore)(nil)
)

// NewSQLiteStore initializes the schema in db and returns a store.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

// NewSQLitePersistence returns a Persistence backed by one SQLiteStore.
func NewSQLitePersistence(db *sql.DB) (Persistence, error) {
	s, err := NewSQLiteStore(db)
	if err != nil {
		return Persistence{}, err
	}
	return Persistence{
		Workflows:     s,
		Runs:          s,
		Organizations: s,
		Credentials:   s,
		Settings:      s,
		Events:        s,
	}, nil
}

func (s *SQLiteStore) initSchema() error {
	_, err := s.db.Exec(`
		CREATE TABLE IF NOT EXISTS workflows (
			id TEXT PRIMARY KEY,
			body TEXT NOT NULL,
			runs INTEGER NOT NULL DEFAULT 0,
			successes INTEGER NOT NULL DEFAULT 0,
			failures INTEGER NOT NULL DEFAULT 0,
			last_run_at INTEGER
		);
		CREATE TABLE IF NOT EXISTS workflow_runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			organization_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			started_at INTEGER NOT NULL,
			completed_at INTEGER,
			duration_ns INTEGER NOT NULL DEFAULT 0,
			output TEXT,
			error TEXT NOT NULL DEFAULT '',
			error_step TEXT NOT NULL DEFAULT '',
			trigger_type TEXT NOT NULL DEFAULT '',
			trigger_data TEXT
		);
		CREATE INDEX IF NOT EXISTS idx_workflow_runs_workflow ON workflow_runs(workflow_id, started_at);
		CREATE TABLE IF NOT EXISTS organizations (
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL DEFAULT '',
			active INTEGER NOT NULL
		);
		CREATE TABLE IF NOT EXISTS credentials (
			user_id TEXT NOT NULL,
			provider TEXT NOT NULL,
			account_id TEXT NOT NULL,
			access_token TEXT NOT NULL,
			refresh_token TEXT NOT NULL DEFAULT '',
			expires_at INTEGER,
			PRIMARY KEY (user_id, provider)
		);
		CREATE TABLE IF NOT EXISTS app_credentials (
			user_id TEXT NOT NULL,
			name TEXT NOT NULL,
			client_id TEXT NOT NULL,
			client_secret TEXT NOT NULL,
			PRIMARY KEY (user_id, name)
		);
		CREATE TABLE IF NOT EXISTS job_settings (
			name TEXT PRIMARY KEY,
			body TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS run_events (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			run_id TEXT NOT NULL,
			body TEXT NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_run_events_run_id ON run_events(run_id, id);
	`)
	return err
}

func nullableUnix(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixNano(), Valid: true}
}

func fromNullableUnix(n sql.NullInt64) *time.Time {
	if !n.Valid {
		return nil
	}
	t := time.Unix(0, n.Int64).UTC()
	return &t
}

func (s *SQLiteStore) SaveWorkflow(ctx context.Context, wf *api.Workflow) error {
	if wf.ID == "" {
		return fmt.Errorf("workflow id is required")
	}
	body, err := EncodeJSON(wf)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflows (id, body) VALUES (?, ?)
		ON CONFLICT(id) DO UPDATE SET body = excluded.body`,
		wf.ID, string(body))
	return err
}

func (s *SQLiteStore) GetWorkflow(ctx context.Context, id string) (*api.Workflow, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT body, runs, successes, failures, last_run_at FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrWorkflowNotFound
	}
	return wf, err
}

func (s *SQLiteStore) ListWorkflows(ctx context.Context) ([]*api.Workflow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body, runs, successes, failures, last_run_at FROM workflows ORDER BY id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Workflow
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, wf)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row scanner) (*api.Workflow, error) {
	var (
		body    string
		stats   api.WorkflowStats
		lastRun sql.NullInt64
	)
	if err := row.Scan(&body, &stats.Runs, &stats.Successes, &stats.Failures, &lastRun); err != nil {
		return nil, err
	}
	wf, err := DecodeJSON[api.Workflow]([]byte(body))
	if err != nil {
		return nil, err
	}
	stats.LastRunAt = fromNullableUnix(lastRun)
	wf.Stats = stats
	return &wf, nil
}

func (s *SQLiteStore) RecordRun(ctx context.Context, workflowID string, status api.RunStatus, at time.Time) error {
	var success, failure int
	switch status {
	case api.RunSuccess:
		success = 1
	case api.RunError:
		failure = 1
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE workflows
		SET runs = runs + 1, successes = successes + ?, failures = failures + ?, last_run_at = ?
		WHERE id = ?`,
		success, failure, at.UnixNano(), workflowID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrWorkflowNotFound
	}
	return nil
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *api.WorkflowRun) error {
	output, err := EncodeValue(run.Output)
	if err != nil {
		return err
	}
	trigger, err := EncodeValue(run.TriggerData)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_runs (id, workflow_id, organization_id, status, started_at, completed_at,
			duration_ns, output, error, error_step, trigger_type, trigger_data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		run.WorkflowID,
		run.OrganizationID,
		string(run.Status),
		run.StartedAt.UnixNano(),
		nullableUnix(run.CompletedAt),
		int64(run.Duration),
		nullString(output),
		run.Error,
		run.ErrorStep,
		string(run.TriggerType),
		nullString(trigger),
	)
	return err
}

func nullString(b []byte) sql.NullString {
	if b == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: string(b), Valid: true}
}

func (s *SQLiteStore) FinalizeRun(ctx context.Context, runID string, res api.RunResult) error {
	output, err := EncodeValue(res.Output)
	if err != nil {
		return err
	}
	result, err := s.db.ExecContext(ctx, `
		UPDATE workflow_runs
		SET status = ?, completed_at = ?, duration_ns = ?, output = ?, error = ?, error_step = ?
		WHERE id = ? AND status = ?`,
		string(res.Status),
		res.CompletedAt.UnixNano(),
		int64(res.Duration),
		nullString(output),
		res.Error,
		res.ErrorStep,
		runID,
		string(api.RunRunning),
	)
	if err != nil {
		return err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	if _, err := s.GetRun(ctx, runID); err != nil {
		return err
	}
	return ErrRunFinalized
}

const runColumns = `id, workflow_id, organization_id, status, started_at, completed_at,
	duration_ns, output, error, error_step, trigger_type, trigger_data`

func scanRun(row scanner) (*api.WorkflowRun, error) {
	var (
		run         api.WorkflowRun
		status      string
		startedAt   int64
		completedAt sql.NullInt64
		durationNs  int64
		output      sql.NullString
		triggerType string
		triggerData sql.NullString
	)
	if err := row.Scan(&run.ID, &run.WorkflowID, &run.OrganizationID, &status, &startedAt, &completedAt,
		&durationNs, &output, &run.Error, &run.ErrorStep, &triggerType, &triggerData); err != nil {
		return nil, err
	}
	run.Status = api.RunStatus(status)
	run.StartedAt = time.Unix(0, startedAt).UTC()
	run.CompletedAt = fromNullableUnix(completedAt)
	run.Duration = time.Duration(durationNs)
	run.TriggerType = api.TriggerType(triggerType)

	var err error
	if run.Output, err = DecodeValue([]byte(output.String)); err != nil {
		return nil, err
	}
	if run.TriggerData, err = DecodeValue([]byte(triggerData.String)); err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*api.WorkflowRun, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM workflow_runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRunNotFound
	}
	return run, err
}

func (s *SQLiteStore) ListRuns(ctx context.Context, filter RunFilter) ([]*api.WorkflowRun, error) {
	var (
		where []string
		args  []any
	)
	if filter.WorkflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if !filter.StartedBefore.IsZero() {
		where = append(where, "started_at < ?")
		args = append(args, filter.StartedBefore.UnixNano())
	}

	q := `SELECT ` + runColumns + ` FROM workflow_runs`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY started_at DESC, id DESC"
	if filter.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.WorkflowRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveOrganization(ctx context.Context, org api.Organization) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO organizations (id, name, active) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET name = excluded.name, active = excluded.active`,
		org.ID, org.Name, org.Active)
	return err
}

func (s *SQLiteStore) GetOrganization(ctx context.Context, id string) (*api.Organization, error) {
	var org api.Organization
	err := s.db.QueryRowContext(ctx, `SELECT id, name, active FROM organizations WHERE id = ?`, id).
		Scan(&org.ID, &org.Name, &org.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrOrganizationNotFound
	}
	if err != nil {
		return nil, err
	}
	return &org, nil
}

func (s *SQLiteStore) GetCredential(ctx context.Context, userID, provider string) (*api.Credential, error) {
	var (
		c         api.Credential
		expiresAt sql.NullInt64
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT user_id, provider, account_id, access_token, refresh_token, expires_at
		FROM credentials WHERE user_id = ? AND provider = ?`, userID, provider).
		Scan(&c.UserID, &c.Provider, &c.AccountID, &c.AccessToken, &c.RefreshToken, &expiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, err
	}
	c.ExpiresAt = fromNullableUnix(expiresAt)
	return &c, nil
}

func (s *SQLiteStore) SaveCredential(ctx context.Context, c api.Credential) error {
	if c.AccountID == "" {
		c.AccountID = credKey(c.UserID, c.Provider)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO credentials (user_id, provider, account_id, access_token, refresh_token, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(user_id, provider) DO UPDATE SET
			account_id = excluded.account_id,
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			expires_at = excluded.expires_at`,
		c.UserID, c.Provider, c.AccountID, c.AccessToken, c.RefreshToken, nullableUnix(c.ExpiresAt))
	return err
}

func (s *SQLiteStore) UpdateTokens(ctx context.Context, userID, accountID string, upd api.TokenUpdate) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE credentials
		SET access_token = ?,
			refresh_token = CASE WHEN ? = '' THEN refresh_token ELSE ? END,
			expires_at = ?
		WHERE user_id = ? AND account_id = ?`,
		upd.AccessToken, upd.RefreshToken, upd.RefreshToken, nullableUnix(upd.ExpiresAt), userID, accountID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrCredentialNotFound
	}
	return nil
}

func (s *SQLiteStore) ListProviders(ctx context.Context, userID string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT provider FROM credentials WHERE user_id = ? ORDER BY provider`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) GetAppCredentials(ctx context.Context, userID, name string) (*api.AppCredentials, error) {
	var app api.AppCredentials
	err := s.db.QueryRowContext(ctx, `
		SELECT client_id, client_secret FROM app_credentials WHERE user_id = ? AND name = ?`, userID, name).
		Scan(&app.ClientID, &app.ClientSecret)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrCredentialNotFound
	}
	if err != nil {
		return nil, err
	}
	return &app, nil
}

func (s *SQLiteStore) SaveAppCredentials(ctx context.Context, userID, name string, app api.AppCredentials) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO app_credentials (user_id, name, client_id, client_secret) VALUES (?, ?, ?, ?)
		ON CONFLICT(user_id, name) DO UPDATE SET
			client_id = excluded.client_id, client_secret = excluded.client_secret`,
		userID, name, app.ClientID, app.ClientSecret)
	return err
}

func (s *SQLiteStore) GetJobSettings(ctx context.Context) (map[string]api.JobSettings, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT name, body FROM job_settings`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]api.JobSettings)
	for rows.Next() {
		var name, body string
		if err := rows.Scan(&name, &body); err != nil {
			return nil, err
		}
		js, err := DecodeJSON[api.JobSettings]([]byte(body))
		if err != nil {
			return nil, fmt.Errorf("job settings %q: %w", name, err)
		}
		out[name] = js
	}
	return out, rows.Err()
}

func (s *SQLiteStore) SaveJobSettings(ctx context.Context, name string, js api.JobSettings) error {
	body, err := EncodeJSON(js)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO job_settings (name, body) VALUES (?, ?)
		ON CONFLICT(name) DO UPDATE SET body = excluded.body`, name, string(body))
	return err
}

func (s *SQLiteStore) AppendEvent(ctx context.Context, ev api.Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	body, err := EncodeJSON(ev)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO run_events (run_id, body) VALUES (?, ?)`, ev.RunID, string(body))
	return err
}

func (s *SQLiteStore) ListEvents(ctx context.Context, runID string) ([]api.Event, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT body FROM run_events WHERE run_id = ? ORDER BY id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.Event
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		ev, err := DecodeJSON[api.Event]([]byte(body))
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

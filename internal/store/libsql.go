package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/recoilhq/recoil/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
// WAL journaling gives the write-ahead durability the checkpoint protocol
// relies on: a confirmed write survives a crash immediately after it.
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Workflows ---

func (s *LibSQLStore) CreateWorkflow(ctx context.Context, wf *WorkflowInstance) error {
	spec, err := json.Marshal(wf.Spec)
	if err != nil {
		return fmt.Errorf("marshal spec: %w", err)
	}
	bindings, err := marshalBindings(wf.Bindings)
	if err != nil {
		return fmt.Errorf("marshal bindings: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflows (id, name, status, spec_blob, bindings_blob, error, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		wf.ID, wf.Name, string(wf.Status), string(spec), string(bindings),
		nullRaw(wf.Error), timeOrNow(wf.CreatedAt), timeOrNow(wf.UpdatedAt),
	)
	return err
}

func (s *LibSQLStore) GetWorkflow(ctx context.Context, id string) (*WorkflowInstance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, name, status, spec_blob, bindings_blob, error, created_at, updated_at
		 FROM workflows WHERE id = ?`, id)
	wf, err := scanWorkflow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("workflow", id)
	}
	return wf, err
}

func (s *LibSQLStore) UpdateWorkflow(ctx context.Context, id string, update WorkflowUpdate) error {
	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.Bindings != nil {
		bindings, err := marshalBindings(update.Bindings)
		if err != nil {
			return fmt.Errorf("marshal bindings: %w", err)
		}
		sets = append(sets, "bindings_blob = ?")
		args = append(args, string(bindings))
	}
	if update.Error != nil {
		sets = append(sets, "error = ?")
		args = append(args, string(update.Error))
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, id)

	query := fmt.Sprintf("UPDATE workflows SET %s WHERE id = ?", strings.Join(sets, ", "))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "workflow", id)
}

func (s *LibSQLStore) ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*WorkflowInstance, error) {
	var where []string
	var args []any

	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT id, name, status, spec_blob, bindings_blob, error, created_at, updated_at FROM workflows`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	return s.queryWorkflows(ctx, query, args...)
}

func (s *LibSQLStore) ListActiveWorkflows(ctx context.Context) ([]*WorkflowInstance, error) {
	return s.queryWorkflows(ctx,
		`SELECT id, name, status, spec_blob, bindings_blob, error, created_at, updated_at
		 FROM workflows
		 WHERE status NOT IN (?, ?, ?)
		 ORDER BY created_at ASC`,
		string(schema.WorkflowStatusCompleted),
		string(schema.WorkflowStatusFailed),
		string(schema.WorkflowStatusRolledBack),
	)
}

func (s *LibSQLStore) queryWorkflows(ctx context.Context, query string, args ...any) ([]*WorkflowInstance, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var workflows []*WorkflowInstance
	for rows.Next() {
		wf, err := scanWorkflow(rows)
		if err != nil {
			return nil, err
		}
		workflows = append(workflows, wf)
	}
	return workflows, rows.Err()
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanWorkflow(row rowScanner) (*WorkflowInstance, error) {
	wf := &WorkflowInstance{}
	var (
		status               string
		specJSON             string
		bindingsJSON, errStr sql.NullString
	)
	if err := row.Scan(&wf.ID, &wf.Name, &status, &specJSON, &bindingsJSON, &errStr, &wf.CreatedAt, &wf.UpdatedAt); err != nil {
		return nil, err
	}
	wf.Status = schema.WorkflowStatus(status)
	if err := json.Unmarshal([]byte(specJSON), &wf.Spec); err != nil {
		return nil, fmt.Errorf("unmarshal spec: %w", err)
	}
	if bindingsJSON.Valid && bindingsJSON.String != "" {
		if err := json.Unmarshal([]byte(bindingsJSON.String), &wf.Bindings); err != nil {
			return nil, fmt.Errorf("unmarshal bindings: %w", err)
		}
	}
	wf.Error = rawOrNil(errStr)
	return wf, nil
}

// --- Step state ---

func (s *LibSQLStore) UpsertStepState(ctx context.Context, state *StepState) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workflow_steps (workflow_id, step_name, status, inputs_blob, outputs_blob, error, completion_seq, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(workflow_id, step_name) DO UPDATE SET
		   status=excluded.status, inputs_blob=excluded.inputs_blob, outputs_blob=excluded.outputs_blob,
		   error=excluded.error, completion_seq=excluded.completion_seq,
		   started_at=excluded.started_at, completed_at=excluded.completed_at`,
		state.WorkflowID, state.StepName, string(state.Status),
		nullRaw(state.Inputs), nullRaw(state.Outputs), nullRaw(state.Error),
		state.CompletionSeq, nullTime(state.StartedAt), nullTime(state.CompletedAt),
	)
	return err
}

func (s *LibSQLStore) GetStepState(ctx context.Context, workflowID, stepName string) (*StepState, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT workflow_id, step_name, status, inputs_blob, outputs_blob, error, completion_seq, started_at, completed_at
		 FROM workflow_steps WHERE workflow_id = ? AND step_name = ?`, workflowID, stepName)
	ss, err := scanStepState(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("step", workflowID+"/"+stepName)
	}
	return ss, err
}

func (s *LibSQLStore) ListStepStates(ctx context.Context, workflowID string) ([]*StepState, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT workflow_id, step_name, status, inputs_blob, outputs_blob, error, completion_seq, started_at, completed_at
		 FROM workflow_steps WHERE workflow_id = ? ORDER BY completion_seq ASC, step_name ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var states []*StepState
	for rows.Next() {
		ss, err := scanStepState(rows)
		if err != nil {
			return nil, err
		}
		states = append(states, ss)
	}
	return states, rows.Err()
}

func (s *LibSQLStore) NextCompletionSeq(ctx context.Context, workflowID string) (int64, error) {
	var seq int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(completion_seq), 0) + 1 FROM workflow_steps WHERE workflow_id = ?`,
		workflowID,
	).Scan(&seq)
	return seq, err
}

func scanStepState(row rowScanner) (*StepState, error) {
	ss := &StepState{}
	var status string
	var inputs, outputs, errJSON sql.NullString
	var startedAt, completedAt sql.NullTime
	if err := row.Scan(&ss.WorkflowID, &ss.StepName, &status, &inputs, &outputs, &errJSON,
		&ss.CompletionSeq, &startedAt, &completedAt); err != nil {
		return nil, err
	}
	ss.Status = schema.StepStatus(status)
	ss.Inputs = rawOrNil(inputs)
	ss.Outputs = rawOrNil(outputs)
	ss.Error = rawOrNil(errJSON)
	if startedAt.Valid {
		ss.StartedAt = &startedAt.Time
	}
	if completedAt.Valid {
		ss.CompletedAt = &completedAt.Time
	}
	return ss, nil
}

// --- Compensation log ---

func (s *LibSQLStore) AppendCompensation(ctx context.Context, rec *CompensationRecord) error {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO compensation_log (workflow_id, step_name, compensation_capability, inputs_blob, success, no_op, error, executed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.WorkflowID, rec.StepName, nullStr(rec.Capability), nullRaw(rec.Inputs),
		boolInt(rec.Success), boolInt(rec.NoOp), nullStr(rec.Error), timeOrNow(rec.ExecutedAt),
	)
	if err != nil {
		return err
	}
	if id, err := res.LastInsertId(); err == nil {
		rec.ID = id
	}
	return nil
}

func (s *LibSQLStore) ListCompensations(ctx context.Context, workflowID string) ([]*CompensationRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, workflow_id, step_name, compensation_capability, inputs_blob, success, no_op, error, executed_at
		 FROM compensation_log WHERE workflow_id = ? ORDER BY id ASC`, workflowID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*CompensationRecord
	for rows.Next() {
		r := &CompensationRecord{}
		var capability, errStr sql.NullString
		var inputs sql.NullString
		var success, noOp int
		if err := rows.Scan(&r.ID, &r.WorkflowID, &r.StepName, &capability, &inputs, &success, &noOp, &errStr, &r.ExecutedAt); err != nil {
			return nil, err
		}
		r.Capability = capability.String
		r.Inputs = rawOrNil(inputs)
		r.Success = success != 0
		r.NoOp = noOp != 0
		r.Error = errStr.String
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

// --- Approvals ---

func (s *LibSQLStore) CreateApproval(ctx context.Context, a *Approval) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO approvals (id, workflow_id, step_name, prompt, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.ID, a.WorkflowID, a.StepName, nullStr(a.Prompt), string(a.Status), timeOrNow(a.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) GetApproval(ctx context.Context, id string) (*Approval, error) {
	a := &Approval{}
	var status string
	var prompt, decider, rationale sql.NullString
	var decidedAt sql.NullTime
	err := s.db.QueryRowContext(ctx,
		`SELECT id, workflow_id, step_name, prompt, status, decider, rationale, created_at, decided_at
		 FROM approvals WHERE id = ?`, id,
	).Scan(&a.ID, &a.WorkflowID, &a.StepName, &prompt, &status, &decider, &rationale, &a.CreatedAt, &decidedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("approval", id)
	}
	if err != nil {
		return nil, err
	}
	a.Prompt = prompt.String
	a.Status = schema.ApprovalStatus(status)
	a.Decider = decider.String
	a.Rationale = rationale.String
	if decidedAt.Valid {
		a.DecidedAt = &decidedAt.Time
	}
	return a, nil
}

func (s *LibSQLStore) DecideApproval(ctx context.Context, id string, status string, decider, rationale string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE approvals SET status = ?, decider = ?, rationale = ?, decided_at = CURRENT_TIMESTAMP
		 WHERE id = ? AND status = 'pending'`,
		status, decider, nullStr(rationale), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// Either missing or already decided; distinguish for the caller.
		if _, getErr := s.GetApproval(ctx, id); getErr != nil {
			return getErr
		}
		return schema.NewErrorf(schema.ErrCodeConflict, "approval %q already decided", id)
	}
	return nil
}

func (s *LibSQLStore) ListApprovals(ctx context.Context, workflowID string, status string) ([]*Approval, error) {
	var where []string
	var args []any
	if workflowID != "" {
		where = append(where, "workflow_id = ?")
		args = append(args, workflowID)
	}
	if status != "" {
		where = append(where, "status = ?")
		args = append(args, status)
	}

	query := `SELECT id, workflow_id, step_name, prompt, status, decider, rationale, created_at, decided_at FROM approvals`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var approvals []*Approval
	for rows.Next() {
		a := &Approval{}
		var st string
		var prompt, decider, rationale sql.NullString
		var decidedAt sql.NullTime
		if err := rows.Scan(&a.ID, &a.WorkflowID, &a.StepName, &prompt, &st, &decider, &rationale, &a.CreatedAt, &decidedAt); err != nil {
			return nil, err
		}
		a.Prompt = prompt.String
		a.Status = schema.ApprovalStatus(st)
		a.Decider = decider.String
		a.Rationale = rationale.String
		if decidedAt.Valid {
			a.DecidedAt = &decidedAt.Time
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}

// --- Undo ledger ---

func (s *LibSQLStore) PushUndo(ctx context.Context, rec *UndoRecord) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO undo_records (capability, description, backup_blob, reverse_capability, reverse_inputs_blob, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		rec.Capability, rec.Description, nullRaw(rec.Backup),
		rec.ReverseCap, nullRaw(rec.ReverseInputs), timeOrNow(rec.CreatedAt),
	)
	if err != nil {
		return 0, err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	rec.Seq = seq
	return seq, nil
}

func (s *LibSQLStore) TopUndo(ctx context.Context, n int) ([]*UndoRecord, error) {
	if n <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, capability, description, backup_blob, reverse_capability, reverse_inputs_blob, created_at
		 FROM undo_records ORDER BY seq DESC LIMIT ?`, n)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []*UndoRecord
	for rows.Next() {
		r := &UndoRecord{}
		var backup, reverseInputs sql.NullString
		if err := rows.Scan(&r.Seq, &r.Capability, &r.Description, &backup, &r.ReverseCap, &reverseInputs, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Backup = rawOrNil(backup)
		r.ReverseInputs = rawOrNil(reverseInputs)
		recs = append(recs, r)
	}
	return recs, rows.Err()
}

func (s *LibSQLStore) DeleteUndo(ctx context.Context, seq int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM undo_records WHERE seq = ?`, seq)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "undo_record", fmt.Sprintf("%d", seq))
}

func (s *LibSQLStore) CountUndo(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM undo_records`).Scan(&n)
	return n, err
}

func (s *LibSQLStore) EvictUndo(ctx context.Context, max int) (int, error) {
	if max <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM undo_records WHERE seq NOT IN (
		   SELECT seq FROM undo_records ORDER BY seq DESC LIMIT ?
		 )`, max)
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

// --- Scheduled jobs ---

func (s *LibSQLStore) CreateScheduledJob(ctx context.Context, job *ScheduledJob) error {
	spec, err := json.Marshal(job.Spec)
	if err != nil {
		return fmt.Errorf("marshal job spec: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO scheduled_jobs (id, name, cron_expression, spec_blob, enabled, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		job.ID, job.Name, job.CronExpr, string(spec), boolInt(job.Enabled), timeOrNow(job.CreatedAt),
	)
	return err
}

func (s *LibSQLStore) ListScheduledJobs(ctx context.Context, enabledOnly bool) ([]*ScheduledJob, error) {
	query := `SELECT id, name, cron_expression, spec_blob, enabled, last_run_at, created_at FROM scheduled_jobs`
	if enabledOnly {
		query += ` WHERE enabled = 1`
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []*ScheduledJob
	for rows.Next() {
		j := &ScheduledJob{}
		var specJSON string
		var enabled int
		var lastRun sql.NullTime
		if err := rows.Scan(&j.ID, &j.Name, &j.CronExpr, &specJSON, &enabled, &lastRun, &j.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(specJSON), &j.Spec); err != nil {
			return nil, fmt.Errorf("unmarshal job spec: %w", err)
		}
		j.Enabled = enabled != 0
		if lastRun.Valid {
			j.LastRunAt = &lastRun.Time
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *LibSQLStore) TouchScheduledJob(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET last_run_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "scheduled_job", id)
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.RecoilError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return storeNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullRaw(r json.RawMessage) any {
	if len(r) == 0 {
		return nil
	}
	return string(r)
}

func rawOrNil(ns sql.NullString) json.RawMessage {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	return json.RawMessage(ns.String)
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalBindings(m map[string]json.RawMessage) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

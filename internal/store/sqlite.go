package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"holotask/internal/domain"
)

// EnsureSchema creates tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  description TEXT NOT NULL,
  type TEXT NOT NULL,
  payload BLOB NOT NULL,
  schedule TEXT NOT NULL,
  priority TEXT NOT NULL DEFAULT 'medium',
  priority_rank INTEGER NOT NULL DEFAULT 1,
  max_retries INTEGER NOT NULL DEFAULT 3,
  retry_delay_seconds INTEGER NOT NULL DEFAULT 30,
  notifications TEXT NOT NULL DEFAULT '{}',
  status TEXT NOT NULL CHECK(status IN ('scheduled','paused','running','completed','failed','cancelled')) DEFAULT 'scheduled',
  attempt_count INTEGER NOT NULL DEFAULT 0,
  next_run_at INTEGER,
  occurrence_at INTEGER,
  started_at INTEGER,
  cancel_requested INTEGER NOT NULL DEFAULT 0,
  last_run_at INTEGER,
  last_result BLOB,
  last_error TEXT NOT NULL DEFAULT '',
  created_at INTEGER NOT NULL,
  updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_due ON tasks(status, next_run_at, priority_rank DESC);
CREATE TABLE IF NOT EXISTS task_results (
  id TEXT PRIMARY KEY,
  task_id TEXT NOT NULL,
  attempt INTEGER NOT NULL,
  started_at INTEGER NOT NULL,
  ended_at INTEGER NOT NULL,
  outcome TEXT NOT NULL CHECK(outcome IN ('success','failure')),
  payload_result BLOB,
  error_detail TEXT NOT NULL DEFAULT '',
  error_kind TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_task_results_task ON task_results(task_id, ended_at DESC);
`
	_, err := db.Exec(schema)
	return err
}

// SQLiteStore is the foreground task store.
type SQLiteStore struct{ db *sql.DB }

func NewSQLiteStore(db *sql.DB) *SQLiteStore { return &SQLiteStore{db: db} }

// DB returns the underlying database connection.
func (r *SQLiteStore) DB() *sql.DB { return r.db }

const taskColumns = `id,name,description,type,payload,schedule,priority,max_retries,retry_delay_seconds,notifications,status,attempt_count,next_run_at,occurrence_at,started_at,cancel_requested,last_run_at,last_result,last_error,created_at,updated_at`

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (r *SQLiteStore) Put(ctx context.Context, t *domain.ScheduledTask) error {
	return putTask(ctx, r.db, t)
}

func putTask(ctx context.Context, ex execer, t *domain.ScheduledTask) error {
	sched, err := json.Marshal(t.Schedule)
	if err != nil {
		return fmt.Errorf("marshal schedule: %w", err)
	}
	notif, err := json.Marshal(t.Notifications)
	if err != nil {
		return fmt.Errorf("marshal notifications: %w", err)
	}
	updated := t.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	created := t.CreatedAt
	if created.IsZero() {
		created = updated
	}
	_, err = ex.ExecContext(ctx, `
INSERT INTO tasks (`+taskColumns+`,priority_rank)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET
  name=excluded.name, description=excluded.description, type=excluded.type, payload=excluded.payload,
  schedule=excluded.schedule, priority=excluded.priority, priority_rank=excluded.priority_rank,
  max_retries=excluded.max_retries, retry_delay_seconds=excluded.retry_delay_seconds,
  notifications=excluded.notifications, status=excluded.status, attempt_count=excluded.attempt_count,
  next_run_at=excluded.next_run_at, occurrence_at=excluded.occurrence_at, started_at=excluded.started_at,
  cancel_requested=excluded.cancel_requested, last_run_at=excluded.last_run_at,
  last_result=excluded.last_result, last_error=excluded.last_error, updated_at=excluded.updated_at
`, t.ID, t.Name, t.Description, t.Type, []byte(t.Payload), string(sched), string(t.Priority),
		t.MaxRetries, t.RetryDelaySeconds, string(notif), string(t.Status), t.AttemptCount,
		nanos(t.NextRunAt), nanos(t.OccurrenceAt), nanos(t.StartedAt), t.CancelRequested,
		nanos(t.LastRunAt), nullBytes(t.LastResult), t.LastError, created.UnixNano(), updated.UnixNano(),
		t.Priority.Rank())
	return err
}

func (r *SQLiteStore) Get(ctx context.Context, id string) (*domain.ScheduledTask, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, domain.ErrNotFound
	}
	return t, err
}

func (r *SQLiteStore) List(ctx context.Context, f Filter) ([]*domain.ScheduledTask, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(marks, ",")+")")
	}
	if f.DueBefore != nil {
		where = append(where, "status='scheduled' AND next_run_at IS NOT NULL AND next_run_at <= ?")
		args = append(args, f.DueBefore.UnixNano())
	}
	if f.StartedBefore != nil {
		where = append(where, "status='running' AND started_at IS NOT NULL AND started_at < ?")
		args = append(args, f.StartedBefore.UnixNano())
	}
	q := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY priority_rank DESC, next_run_at ASC, created_at ASC"

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []*domain.ScheduledTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *SQLiteStore) Delete(ctx context.Context, id string) (bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return false, err
	}
	n, _ := res.RowsAffected()
	if _, err := tx.ExecContext(ctx, `DELETE FROM task_results WHERE task_id=?`, id); err != nil {
		return false, err
	}
	return n > 0, tx.Commit()
}

func (r *SQLiteStore) Claim(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
UPDATE tasks SET status='running', started_at=?, updated_at=?
WHERE id=? AND status='scheduled'`, now.UnixNano(), now.UnixNano(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (r *SQLiteStore) RecordResult(ctx context.Context, taskID string, res domain.TaskResult) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := insertResult(ctx, tx, taskID, res); err != nil {
		return err
	}
	var upd sql.Result
	if res.Outcome == domain.OutcomeSuccess {
		upd, err = tx.ExecContext(ctx, `UPDATE tasks SET last_run_at=?, last_result=?, last_error='' WHERE id=?`,
			res.OccurrenceEndedAt.UnixNano(), nullBytes(res.PayloadResult), taskID)
	} else {
		upd, err = tx.ExecContext(ctx, `UPDATE tasks SET last_run_at=?, last_error=? WHERE id=?`,
			res.OccurrenceEndedAt.UnixNano(), res.ErrorDetail, taskID)
	}
	if err != nil {
		return err
	}
	if n, _ := upd.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return tx.Commit()
}

func (r *SQLiteStore) Resolve(ctx context.Context, t *domain.ScheduledTask, res domain.TaskResult) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if err := putTask(ctx, tx, t); err != nil {
		return fmt.Errorf("update task: %w", err)
	}
	if err := insertResult(ctx, tx, t.ID, res); err != nil {
		return fmt.Errorf("insert result: %w", err)
	}
	return tx.Commit()
}

func (r *SQLiteStore) AppendResults(ctx context.Context, taskID string, rs []domain.TaskResult) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer func() { _ = tx.Rollback() }()

	var one int
	if err := tx.QueryRowContext(ctx, `SELECT 1 FROM tasks WHERE id=?`, taskID).Scan(&one); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return 0, domain.ErrNotFound
		}
		return 0, err
	}
	added := 0
	for _, res := range rs {
		if res.ID == "" {
			continue
		}
		out, err := tx.ExecContext(ctx, `
INSERT OR IGNORE INTO task_results (id,task_id,attempt,started_at,ended_at,outcome,payload_result,error_detail,error_kind)
VALUES (?,?,?,?,?,?,?,?,?)`, resultArgs(taskID, res)...)
		if err != nil {
			return 0, err
		}
		if n, _ := out.RowsAffected(); n > 0 {
			added++
		}
	}
	return added, tx.Commit()
}

func insertResult(ctx context.Context, ex execer, taskID string, res domain.TaskResult) error {
	if res.ID == "" {
		res.ID = domain.NewResultID()
	}
	_, err := ex.ExecContext(ctx, `
INSERT INTO task_results (id,task_id,attempt,started_at,ended_at,outcome,payload_result,error_detail,error_kind)
VALUES (?,?,?,?,?,?,?,?,?)`, resultArgs(taskID, res)...)
	return err
}

func resultArgs(taskID string, res domain.TaskResult) []any {
	return []any{res.ID, taskID, res.Attempt, res.OccurrenceStartedAt.UnixNano(),
		res.OccurrenceEndedAt.UnixNano(), string(res.Outcome), nullBytes(res.PayloadResult), res.ErrorDetail, res.ErrorKind}
}

func (r *SQLiteStore) Results(ctx context.Context, taskID string, limit int) ([]domain.TaskResult, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
SELECT id,task_id,attempt,started_at,ended_at,outcome,payload_result,error_detail,error_kind
FROM task_results WHERE task_id=? ORDER BY ended_at DESC, rowid DESC LIMIT ?`, taskID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.TaskResult
	for rows.Next() {
		var (
			res            domain.TaskResult
			started, ended int64
			outcome        string
			payload        []byte
		)
		if err := rows.Scan(&res.ID, &res.TaskID, &res.Attempt, &started, &ended, &outcome, &payload, &res.ErrorDetail, &res.ErrorKind); err != nil {
			return nil, err
		}
		res.OccurrenceStartedAt = time.Unix(0, started)
		res.OccurrenceEndedAt = time.Unix(0, ended)
		res.Outcome = domain.Outcome(outcome)
		if len(payload) > 0 {
			res.PayloadResult = payload
		}
		out = append(out, res)
	}
	return out, rows.Err()
}

func (r *SQLiteStore) Close() error { return r.db.Close() }

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (*domain.ScheduledTask, error) {
	var (
		t                                     domain.ScheduledTask
		payload, lastResult                   []byte
		sched, notif, priority, status        string
		nextRun, occurrence, started, lastRun sql.NullInt64
		created, updated                      int64
	)
	if err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Type, &payload, &sched, &priority,
		&t.MaxRetries, &t.RetryDelaySeconds, &notif, &status, &t.AttemptCount,
		&nextRun, &occurrence, &started, &t.CancelRequested, &lastRun, &lastResult, &t.LastError,
		&created, &updated); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(sched), &t.Schedule); err != nil {
		return nil, fmt.Errorf("task %s: decode schedule: %w", t.ID, err)
	}
	if err := json.Unmarshal([]byte(notif), &t.Notifications); err != nil {
		return nil, fmt.Errorf("task %s: decode notifications: %w", t.ID, err)
	}
	t.Payload = payload
	if len(lastResult) > 0 {
		t.LastResult = lastResult
	}
	t.Priority = domain.Priority(priority)
	t.Status = domain.Status(status)
	t.NextRunAt = fromNanos(nextRun)
	t.OccurrenceAt = fromNanos(occurrence)
	t.StartedAt = fromNanos(started)
	t.LastRunAt = fromNanos(lastRun)
	t.CreatedAt = time.Unix(0, created)
	t.UpdatedAt = time.Unix(0, updated)
	return &t, nil
}

func nanos(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixNano()
}

func fromNanos(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := time.Unix(0, v.Int64)
	return &t
}

func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"taskrank/internal/domain"
)

type Repo struct {
	DB  *sql.DB
	Now func() time.Time
}

var ErrNotFound = errors.New("not found")

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (r Repo) now() string {
	now := time.Now
	if r.Now != nil {
		now = r.Now
	}
	return now().UTC().Format(time.RFC3339)
}

const taskColumns = `id,type,name,due_date,importance,effort_hours,parent_id,status,completed_at,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (domain.Task, error) {
	var t domain.Task
	var dueDate, completedAt sql.NullString
	var parentID sql.NullInt64
	err := row.Scan(&t.ID, &t.Type, &t.Name, &dueDate, &t.Importance, &t.EffortHours, &parentID, &t.Status, &completedAt, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.DueDate = optionalString(dueDate)
	t.CompletedAt = optionalString(completedAt)
	if parentID.Valid {
		id := parentID.Int64
		t.ParentID = &id
	}
	return t, nil
}

// InsertTask stores t and returns the id assigned by the database.
// CreatedAt and UpdatedAt are stamped here.
func (r Repo) InsertTask(ctx context.Context, tx *sql.Tx, t domain.Task) (domain.Task, error) {
	ts := r.now()
	t.CreatedAt, t.UpdatedAt = ts, ts
	if t.Status == "" {
		t.Status = domain.StatusActive
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO tasks(type,name,due_date,importance,effort_hours,parent_id,status,completed_at,created_at,updated_at) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		t.Type, t.Name, nullableStringPtr(t.DueDate), t.Importance, t.EffortHours, nullableInt64Ptr(t.ParentID), t.Status, nullableStringPtr(t.CompletedAt), t.CreatedAt, t.UpdatedAt)
	if err != nil {
		return t, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return t, err
	}
	t.ID = id
	return t, nil
}

// UpdateTask overwrites every mutable column of t and stamps UpdatedAt.
func (r Repo) UpdateTask(ctx context.Context, tx *sql.Tx, t domain.Task) (domain.Task, error) {
	t.UpdatedAt = r.now()
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET type=?, name=?, due_date=?, importance=?, effort_hours=?, parent_id=?, status=?, completed_at=?, updated_at=? WHERE id=?`,
		t.Type, t.Name, nullableStringPtr(t.DueDate), t.Importance, t.EffortHours, nullableInt64Ptr(t.ParentID), t.Status, nullableStringPtr(t.CompletedAt), t.UpdatedAt, t.ID)
	if err != nil {
		return t, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return t, ErrNotFound
	}
	return t, nil
}

// SetTaskStatus moves a task between active and done. completedAt must be nil for active.
func (r Repo) SetTaskStatus(ctx context.Context, tx *sql.Tx, id int64, status string, completedAt *string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, completed_at=?, updated_at=? WHERE id=?`,
		status, nullableStringPtr(completedAt), r.now(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	return getTask(ctx, r.DB, id)
}

func (r Repo) GetTaskTx(ctx context.Context, tx *sql.Tx, id int64) (domain.Task, error) {
	return getTask(ctx, tx, id)
}

func getTask(ctx context.Context, q queryer, id int64) (domain.Task, error) {
	return scanTask(q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id=?`, id))
}

type TaskFilters struct {
	Status string
	// Subtasks restricts the result to tasks that have a parent.
	Subtasks bool
	ParentID int64
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilters) ([]domain.Task, error) {
	return listTasks(ctx, r.DB, f)
}

func (r Repo) ListTasksTx(ctx context.Context, tx *sql.Tx, f TaskFilters) ([]domain.Task, error) {
	return listTasks(ctx, tx, f)
}

func listTasks(ctx context.Context, q queryer, f TaskFilters) ([]domain.Task, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Subtasks {
		clauses = append(clauses, "parent_id IS NOT NULL")
	}
	if f.ParentID != 0 {
		clauses = append(clauses, "parent_id=?")
		args = append(args, f.ParentID)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id ASC`
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) CountChildrenTx(ctx context.Context, tx *sql.Tx, parentID int64) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks WHERE parent_id=?`, parentID).Scan(&n)
	return n, err
}

// DeleteChildrenTx removes every subtask of parentID and reports how many were removed.
func (r Repo) DeleteChildrenTx(ctx context.Context, tx *sql.Tx, parentID int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE parent_id=?`, parentID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (r Repo) DeleteTaskTx(ctx context.Context, tx *sql.Tx, id int64) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) InsertHistoryTx(ctx context.Context, tx *sql.Tx, h domain.HistoryRecord) (domain.HistoryRecord, error) {
	res, err := tx.ExecContext(ctx, `INSERT INTO history(task_id,completed_at,effort_hours,task_name,task_type,parent_id) VALUES (?,?,?,?,?,?)`,
		h.TaskID, h.CompletedAt, h.EffortHours, h.TaskName, h.TaskType, nullableInt64Ptr(h.ParentID))
	if err != nil {
		return h, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return h, err
	}
	h.ID = id
	return h, nil
}

// DeleteHistoryForTaskTx removes the completion records of one task, leaving its subtasks' records alone.
func (r Repo) DeleteHistoryForTaskTx(ctx context.Context, tx *sql.Tx, taskID int64) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM history WHERE task_id=?`, taskID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// HistoryFilters bounds completed_at inclusively. Bounds are RFC3339 UTC strings; empty is open.
type HistoryFilters struct {
	Start string
	End   string
}

func (r Repo) ListHistory(ctx context.Context, f HistoryFilters) ([]domain.HistoryRecord, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Start != "" {
		clauses = append(clauses, "completed_at>=?")
		args = append(args, f.Start)
	}
	if f.End != "" {
		clauses = append(clauses, "completed_at<=?")
		args = append(args, f.End)
	}
	query := `SELECT id,task_id,completed_at,effort_hours,task_name,task_type,parent_id FROM history WHERE ` +
		strings.Join(clauses, " AND ") + ` ORDER BY completed_at DESC, id DESC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.HistoryRecord
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var h domain.HistoryRecord
		var parentID sql.NullInt64
		if err := rows.Scan(&h.ID, &h.TaskID, &h.CompletedAt, &h.EffortHours, &h.TaskName, &h.TaskType, &parentID); err != nil {
			return nil, err
		}
		if parentID.Valid {
			id := parentID.Int64
			h.ParentID = &id
		}
		res = append(res, h)
	}
	return res, rows.Err()
}

func (r Repo) GetSetting(ctx context.Context, key string) (domain.Setting, error) {
	var s domain.Setting
	var value string
	err := r.DB.QueryRowContext(ctx, `SELECT id,key,value,version,updated_at FROM settings WHERE key=?`, key).
		Scan(&s.ID, &s.Key, &value, &s.Version, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return s, ErrNotFound
	}
	if err != nil {
		return s, err
	}
	s.Value = json.RawMessage(value)
	return s, nil
}

// UpsertSetting writes value under key. The first write creates version 1; each overwrite bumps it.
func (r Repo) UpsertSetting(ctx context.Context, key string, value json.RawMessage) (domain.Setting, error) {
	return r.upsertSetting(ctx, r.DB, key, value)
}

func (r Repo) UpsertSettingTx(ctx context.Context, tx *sql.Tx, key string, value json.RawMessage) (domain.Setting, error) {
	return r.upsertSetting(ctx, tx, key, value)
}

func (r Repo) upsertSetting(ctx context.Context, q queryer, key string, value json.RawMessage) (domain.Setting, error) {
	if !json.Valid(value) {
		return domain.Setting{}, fmt.Errorf("setting %s: value is not valid JSON", key)
	}
	var s domain.Setting
	var stored string
	err := q.QueryRowContext(ctx, `INSERT INTO settings(key,value,version,updated_at) VALUES (?,?,1,?)
ON CONFLICT(key) DO UPDATE SET value=excluded.value, version=settings.version+1, updated_at=excluded.updated_at
RETURNING id,key,value,version,updated_at`, key, string(value), r.now()).
		Scan(&s.ID, &s.Key, &stored, &s.Version, &s.UpdatedAt)
	if err != nil {
		return s, err
	}
	s.Value = json.RawMessage(stored)
	return s, nil
}

func (r Repo) ListSettings(ctx context.Context) ([]domain.Setting, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,key,value,version,updated_at FROM settings ORDER BY key ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Setting
	for rows.Next() {
		var s domain.Setting
		var value string
		if err := rows.Scan(&s.ID, &s.Key, &value, &s.Version, &s.UpdatedAt); err != nil {
			return nil, err
		}
		s.Value = json.RawMessage(value)
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) CountSettings(ctx context.Context) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM settings`).Scan(&n)
	return n, err
}

type EventFilters struct {
	Limit      int
	Cursor     int64
	Type       string
	EntityKind string
	EntityID   string
	OpID       string
}

// LatestEvents returns events newest first. A positive Cursor pages to ids below it.
func (r Repo) LatestEvents(ctx context.Context, f EventFilters) ([]domain.Event, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	clauses := []string{"1=1"}
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.EntityKind != "" {
		clauses = append(clauses, "entity_kind=?")
		args = append(args, f.EntityKind)
	}
	if f.EntityID != "" {
		clauses = append(clauses, "entity_id=?")
		args = append(args, f.EntityID)
	}
	if f.OpID != "" {
		clauses = append(clauses, "op_id=?")
		args = append(args, f.OpID)
	}
	if f.Cursor > 0 {
		clauses = append(clauses, "id<?")
		args = append(args, f.Cursor)
	}
	query := fmt.Sprintf(`SELECT id,ts,op_id,type,entity_kind,entity_id,payload_json FROM events WHERE %s ORDER BY id DESC LIMIT ?`,
		strings.Join(clauses, " AND "))
	args = append(args, f.Limit)
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		var entityID sql.NullString
		if err := rows.Scan(&e.ID, &e.TS, &e.OpID, &e.Type, &e.EntityKind, &entityID, &e.Payload); err != nil {
			return nil, err
		}
		if entityID.Valid {
			e.EntityID = entityID.String
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func nullableStringPtr(v *string) any {
	if v == nil || *v == "" {
		return nil
	}
	return *v
}

func nullableInt64Ptr(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

func optionalString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

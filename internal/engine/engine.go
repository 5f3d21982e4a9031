package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"go.uber.org/zap"

	"taskrank/internal/domain"
	"taskrank/internal/events"
	"taskrank/internal/logging"
	"taskrank/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Log    *zap.Logger
	Now    func() time.Time
	// OnChange runs after every committed mutation.
	OnChange func(ctx context.Context)
}

func New(db *sql.DB, log *zap.Logger) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db, Now: time.Now},
		Events: events.Writer{Now: time.Now},
		Log:    logging.OrNop(log),
		Now:    time.Now,
	}
}

// WithClock returns a copy of e whose writes are all stamped from now.
func (e Engine) WithClock(now func() time.Time) Engine {
	e.Now = now
	e.Repo.Now = now
	e.Events.Now = now
	return e
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) log() *zap.Logger {
	return logging.OrNop(e.Log)
}

func (e Engine) notify(ctx context.Context) {
	if e.OnChange != nil {
		e.OnChange(ctx)
	}
}

// TaskCreateOptions are parameters for creating a task.
type TaskCreateOptions struct {
	Type        string
	Name        string
	DueDate     string
	Importance  int
	EffortHours float64
	ParentID    int64
}

func (e Engine) CreateTask(ctx context.Context, opts TaskCreateOptions) (domain.Task, error) {
	t := domain.Task{
		Type:        domain.TaskType(opts.Type),
		Name:        strings.TrimSpace(opts.Name),
		Importance:  opts.Importance,
		EffortHours: opts.EffortHours,
		Status:      domain.StatusActive,
	}
	if err := validateFields(t); err != nil {
		return domain.Task{}, err
	}
	due, err := normalizeDueDate(opts.DueDate)
	if err != nil {
		return domain.Task{}, err
	}
	t.DueDate = due

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	if opts.ParentID != 0 {
		if err := e.ensureParent(ctx, tx, 0, opts.ParentID); err != nil {
			return domain.Task{}, err
		}
		parentID := opts.ParentID
		t.ParentID = &parentID
	}
	t, err = e.Repo.InsertTask(ctx, tx, t)
	if err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	opID := events.NewOpID()
	if err := e.Events.Append(ctx, tx, opID, "task.created", "task", t.ID, events.EventPayload{
		"name": t.Name, "type": t.Type, "parent_id": t.ParentID,
	}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.log().Info("task created", zap.Int64("task_id", t.ID), zap.String("op_id", opID))
	e.notify(ctx)
	return t, nil
}

func validateFields(t domain.Task) error {
	if !t.Type.Valid() {
		return invalid("type", "%q is not one of work, home, skill", t.Type)
	}
	if t.Name == "" {
		return invalid("name", "must not be empty")
	}
	if t.Importance < domain.MinImportance || t.Importance > domain.MaxImportance {
		return invalid("importance", "%d is outside %d..%d", t.Importance, domain.MinImportance, domain.MaxImportance)
	}
	if math.IsNaN(t.EffortHours) || math.IsInf(t.EffortHours, 0) || t.EffortHours < 0 {
		return invalid("effort_hours", "must be a non-negative number")
	}
	return nil
}

func normalizeDueDate(s string) (*string, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	ts, err := domain.ParseDueDate(s)
	if err != nil {
		return nil, invalid("due_date", "%v", err)
	}
	out := ts.Format(time.RFC3339)
	return &out, nil
}

// ensureParent checks that parentID may adopt taskID (0 for a task not yet stored).
func (e Engine) ensureParent(ctx context.Context, tx *sql.Tx, taskID, parentID int64) error {
	if parentID == taskID {
		return invalid("parent_id", "a task cannot be its own parent")
	}
	parent, err := e.Repo.GetTaskTx(ctx, tx, parentID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return invalid("parent_id", "parent task %d does not exist", parentID)
		}
		return err
	}
	if !parent.TopLevel() {
		return invalid("parent_id", "task %d is itself a subtask", parentID)
	}
	if taskID != 0 {
		n, err := e.Repo.CountChildrenTx(ctx, tx, taskID)
		if err != nil {
			return err
		}
		if n > 0 {
			return invalid("parent_id", "task %d has %d subtasks and cannot become a subtask", taskID, n)
		}
	}
	return nil
}

func (e Engine) GetTask(ctx context.Context, id int64) (domain.Task, error) {
	t, err := e.Repo.GetTask(ctx, id)
	if err != nil {
		return t, taskNotFound(id, err)
	}
	return t, nil
}

// GetActiveTasks returns every active task in id order. Top-level tasks carry their
// full subtask list and the effort of their active subtasks rolled into TotalEffortHours.
func (e Engine) GetActiveTasks(ctx context.Context) ([]domain.TaskView, error) {
	active, err := e.Repo.ListTasks(ctx, repo.TaskFilters{Status: domain.StatusActive})
	if err != nil {
		return nil, fmt.Errorf("list active tasks: %w", err)
	}
	subtasks, err := e.Repo.ListTasks(ctx, repo.TaskFilters{Subtasks: true})
	if err != nil {
		return nil, fmt.Errorf("list subtasks: %w", err)
	}
	children := make(map[int64][]domain.Task)
	for _, s := range subtasks {
		children[*s.ParentID] = append(children[*s.ParentID], s)
	}
	views := make([]domain.TaskView, 0, len(active))
	for _, t := range active {
		v := domain.TaskView{Task: t, TotalEffortHours: t.EffortHours, Subtasks: []domain.Task{}}
		if t.TopLevel() {
			for _, s := range children[t.ID] {
				v.Subtasks = append(v.Subtasks, s)
				if s.Status == domain.StatusActive {
					v.TotalEffortHours += s.EffortHours
				}
			}
		}
		views = append(views, v)
	}
	return views, nil
}

// CompleteTask marks the task done and cascades to its active subtasks in one transaction.
// A task already done gets no second history record, but its active subtasks still complete.
func (e Engine) CompleteTask(ctx context.Context, id int64) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	opID := events.NewOpID()
	completedAt := e.now().UTC().Format(time.RFC3339)
	n, err := e.completeTx(ctx, tx, opID, id, completedAt)
	if err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.log().Info("task completed", zap.Int64("task_id", id), zap.Int("completed", n), zap.String("op_id", opID))
	e.notify(ctx)
	return nil
}

func (e Engine) completeTx(ctx context.Context, tx *sql.Tx, opID string, id int64, completedAt string) (int, error) {
	t, err := e.Repo.GetTaskTx(ctx, tx, id)
	if err != nil {
		return 0, taskNotFound(id, err)
	}
	completed := 0
	if t.Status != domain.StatusDone {
		if _, err := e.Repo.InsertHistoryTx(ctx, tx, domain.HistoryRecord{
			TaskID:      t.ID,
			CompletedAt: completedAt,
			EffortHours: t.EffortHours,
			TaskName:    t.Name,
			TaskType:    t.Type,
			ParentID:    t.ParentID,
		}); err != nil {
			return 0, fmt.Errorf("record completion of task %d: %w", t.ID, err)
		}
		if err := e.Repo.SetTaskStatus(ctx, tx, t.ID, domain.StatusDone, &completedAt); err != nil {
			return 0, fmt.Errorf("complete task %d: %w", t.ID, err)
		}
		if err := e.Events.Append(ctx, tx, opID, "task.completed", "task", t.ID, events.EventPayload{
			"completed_at": completedAt, "effort_hours": t.EffortHours,
		}); err != nil {
			return 0, err
		}
		completed++
	}
	children, err := e.Repo.ListTasksTx(ctx, tx, repo.TaskFilters{ParentID: t.ID, Status: domain.StatusActive})
	if err != nil {
		return 0, err
	}
	for _, child := range children {
		n, err := e.completeTx(ctx, tx, opID, child.ID, completedAt)
		if err != nil {
			return 0, err
		}
		completed += n
	}
	return completed, nil
}

// UncompleteTask reactivates the task and removes its own history records.
// Subtasks keep their status and records.
func (e Engine) UncompleteTask(ctx context.Context, id int64) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetTaskTx(ctx, tx, id); err != nil {
		return taskNotFound(id, err)
	}
	if err := e.Repo.SetTaskStatus(ctx, tx, id, domain.StatusActive, nil); err != nil {
		return fmt.Errorf("reactivate task %d: %w", id, err)
	}
	removed, err := e.Repo.DeleteHistoryForTaskTx(ctx, tx, id)
	if err != nil {
		return fmt.Errorf("remove history of task %d: %w", id, err)
	}
	opID := events.NewOpID()
	if err := e.Events.Append(ctx, tx, opID, "task.uncompleted", "task", id, events.EventPayload{"history_removed": removed}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.log().Info("task uncompleted", zap.Int64("task_id", id), zap.String("op_id", opID))
	e.notify(ctx)
	return nil
}

// DeleteTask removes the task and its subtasks. History is left untouched.
func (e Engine) DeleteTask(ctx context.Context, id int64) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := e.Repo.GetTaskTx(ctx, tx, id); err != nil {
		return taskNotFound(id, err)
	}
	subtasks, err := e.Repo.DeleteChildrenTx(ctx, tx, id)
	if err != nil {
		return fmt.Errorf("delete subtasks of %d: %w", id, err)
	}
	if err := e.Repo.DeleteTaskTx(ctx, tx, id); err != nil {
		return taskNotFound(id, err)
	}
	opID := events.NewOpID()
	if err := e.Events.Append(ctx, tx, opID, "task.deleted", "task", id, events.EventPayload{"subtasks_deleted": subtasks}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.log().Info("task deleted", zap.Int64("task_id", id), zap.Int64("subtasks", subtasks), zap.String("op_id", opID))
	e.notify(ctx)
	return nil
}

// TaskUpdateOptions patches the fields that are non-nil.
// An empty DueDate clears the deadline; a zero ParentID makes the task top-level.
type TaskUpdateOptions struct {
	ID          int64
	Type        *string
	Name        *string
	DueDate     *string
	Importance  *int
	EffortHours *float64
	ParentID    *int64
}

func (e Engine) UpdateTask(ctx context.Context, opts TaskUpdateOptions) (domain.Task, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	t, err := e.Repo.GetTaskTx(ctx, tx, opts.ID)
	if err != nil {
		return domain.Task{}, taskNotFound(opts.ID, err)
	}
	changed := []string{}
	if opts.Type != nil {
		t.Type = domain.TaskType(*opts.Type)
		changed = append(changed, "type")
	}
	if opts.Name != nil {
		t.Name = strings.TrimSpace(*opts.Name)
		changed = append(changed, "name")
	}
	if opts.Importance != nil {
		t.Importance = *opts.Importance
		changed = append(changed, "importance")
	}
	if opts.EffortHours != nil {
		t.EffortHours = *opts.EffortHours
		changed = append(changed, "effort_hours")
	}
	if err := validateFields(t); err != nil {
		return domain.Task{}, err
	}
	if opts.DueDate != nil {
		due, err := normalizeDueDate(*opts.DueDate)
		if err != nil {
			return domain.Task{}, err
		}
		t.DueDate = due
		changed = append(changed, "due_date")
	}
	if opts.ParentID != nil {
		if *opts.ParentID == 0 {
			t.ParentID = nil
		} else {
			if err := e.ensureParent(ctx, tx, t.ID, *opts.ParentID); err != nil {
				return domain.Task{}, err
			}
			parentID := *opts.ParentID
			t.ParentID = &parentID
		}
		changed = append(changed, "parent_id")
	}
	if len(changed) == 0 {
		return t, nil
	}
	t, err = e.Repo.UpdateTask(ctx, tx, t)
	if err != nil {
		return domain.Task{}, fmt.Errorf("update task %d: %w", opts.ID, err)
	}
	opID := events.NewOpID()
	if err := e.Events.Append(ctx, tx, opID, "task.updated", "task", t.ID, events.EventPayload{"fields": changed}); err != nil {
		return domain.Task{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	e.log().Info("task updated", zap.Int64("task_id", t.ID), zap.Strings("fields", changed), zap.String("op_id", opID))
	e.notify(ctx)
	return t, nil
}

package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskrank/internal/db"
	"taskrank/internal/domain"
	"taskrank/internal/engine"
	"taskrank/internal/migrate"
	"taskrank/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

var fixedNow = time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC)

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Workspace: t.TempDir()})
	require.NoError(t, err, "open db")
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn), "migrate")
	eng := engine.New(conn, nil).WithClock(func() time.Time { return fixedNow })
	return testEnv{Engine: eng, Ctx: context.Background()}
}

func (env testEnv) create(t *testing.T, name string, parent int64, effort float64) domain.Task {
	t.Helper()
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Type: "work", Name: name, Importance: 3, EffortHours: effort, ParentID: parent,
	})
	require.NoError(t, err)
	return task
}

func (env testEnv) history(t *testing.T) []domain.HistoryRecord {
	t.Helper()
	records, err := env.Engine.Repo.ListHistory(env.Ctx, repo.HistoryFilters{})
	require.NoError(t, err)
	return records
}

func TestCreateTaskValidation(t *testing.T) {
	env := newTestEnv(t)
	cases := []struct {
		name  string
		opts  engine.TaskCreateOptions
		field string
	}{
		{"bad type", engine.TaskCreateOptions{Type: "garden", Name: "x", Importance: 1}, "type"},
		{"blank name", engine.TaskCreateOptions{Type: "home", Name: "   ", Importance: 1}, "name"},
		{"importance low", engine.TaskCreateOptions{Type: "home", Name: "x", Importance: 0}, "importance"},
		{"importance high", engine.TaskCreateOptions{Type: "home", Name: "x", Importance: 6}, "importance"},
		{"negative effort", engine.TaskCreateOptions{Type: "home", Name: "x", Importance: 2, EffortHours: -1}, "effort_hours"},
		{"bad due date", engine.TaskCreateOptions{Type: "home", Name: "x", Importance: 2, DueDate: "tomorrow"}, "due_date"},
		{"missing parent", engine.TaskCreateOptions{Type: "home", Name: "x", Importance: 2, ParentID: 999}, "parent_id"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := env.Engine.CreateTask(env.Ctx, tc.opts)
			var verr *engine.ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tc.field, verr.Field)
		})
	}
}

func TestCreateTaskStoresActiveTask(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Type: "skill", Name: "  Learn Go  ", Importance: 4, EffortHours: 1.5, DueDate: "2024-01-05",
	})
	require.NoError(t, err)
	assert.NotZero(t, task.ID)
	assert.Equal(t, "Learn Go", task.Name)
	assert.Equal(t, domain.StatusActive, task.Status)
	require.NotNil(t, task.DueDate)
	assert.Equal(t, "2024-01-05T00:00:00Z", *task.DueDate)
	assert.Equal(t, "2024-01-01T09:00:00Z", task.CreatedAt)

	active, err := env.Engine.GetActiveTasks(env.Ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, task.ID, active[0].ID)
	assert.Equal(t, domain.StatusActive, active[0].Status)
}

func TestSubtaskOfSubtaskRejected(t *testing.T) {
	env := newTestEnv(t)
	parent := env.create(t, "parent", 0, 1)
	child := env.create(t, "child", parent.ID, 1)
	_, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{Type: "work", Name: "grandchild", Importance: 1, ParentID: child.ID})
	var verr *engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "parent_id", verr.Field)
}

func TestGetActiveTasksRollsUpActiveSubtaskEffort(t *testing.T) {
	env := newTestEnv(t)
	parent := env.create(t, "parent", 0, 2)
	a := env.create(t, "a", parent.ID, 1.5)
	b := env.create(t, "b", parent.ID, 3)
	require.NoError(t, env.Engine.CompleteTask(env.Ctx, b.ID))

	views, err := env.Engine.GetActiveTasks(env.Ctx)
	require.NoError(t, err)
	require.Len(t, views, 2)

	top := views[0]
	assert.Equal(t, parent.ID, top.ID)
	assert.InDelta(t, 3.5, top.TotalEffortHours, 1e-9)
	require.Len(t, top.Subtasks, 2)
	assert.Equal(t, domain.StatusDone, top.Subtasks[1].Status)

	sub := views[1]
	assert.Equal(t, a.ID, sub.ID)
	assert.InDelta(t, 1.5, sub.TotalEffortHours, 1e-9)
	assert.Empty(t, sub.Subtasks)
}

func TestCompleteTaskCascades(t *testing.T) {
	env := newTestEnv(t)
	parent := env.create(t, "parent", 0, 2)
	a := env.create(t, "a", parent.ID, 1)
	b := env.create(t, "b", parent.ID, 1)

	require.NoError(t, env.Engine.CompleteTask(env.Ctx, parent.ID))

	records := env.history(t)
	require.Len(t, records, 3)
	for _, id := range []int64{parent.ID, a.ID, b.ID} {
		task, err := env.Engine.GetTask(env.Ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusDone, task.Status)
		require.NotNil(t, task.CompletedAt)
		assert.Equal(t, "2024-01-01T09:00:00Z", *task.CompletedAt)
	}
	for _, rec := range records {
		if rec.TaskID == parent.ID {
			assert.Nil(t, rec.ParentID)
			continue
		}
		require.NotNil(t, rec.ParentID)
		assert.Equal(t, parent.ID, *rec.ParentID)
	}

	active, err := env.Engine.GetActiveTasks(env.Ctx)
	require.NoError(t, err)
	assert.Empty(t, active)
}

func TestCompleteTaskTwiceRecordsOnce(t *testing.T) {
	env := newTestEnv(t)
	parent := env.create(t, "parent", 0, 2)
	require.NoError(t, env.Engine.CompleteTask(env.Ctx, parent.ID))

	// a subtask added to a finished parent is still swept up by a repeat completion
	late := env.create(t, "late", parent.ID, 1)
	require.NoError(t, env.Engine.CompleteTask(env.Ctx, parent.ID))

	records := env.history(t)
	require.Len(t, records, 2)
	got, err := env.Engine.GetTask(env.Ctx, late.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDone, got.Status)
}

func TestUncompleteTaskDoesNotCascade(t *testing.T) {
	env := newTestEnv(t)
	parent := env.create(t, "parent", 0, 2)
	a := env.create(t, "a", parent.ID, 1)
	b := env.create(t, "b", parent.ID, 1)
	require.NoError(t, env.Engine.CompleteTask(env.Ctx, parent.ID))

	require.NoError(t, env.Engine.UncompleteTask(env.Ctx, parent.ID))

	got, err := env.Engine.GetTask(env.Ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Nil(t, got.CompletedAt)

	records := env.history(t)
	require.Len(t, records, 2)
	for _, rec := range records {
		assert.NotEqual(t, parent.ID, rec.TaskID)
	}
	for _, id := range []int64{a.ID, b.ID} {
		sub, err := env.Engine.GetTask(env.Ctx, id)
		require.NoError(t, err)
		assert.Equal(t, domain.StatusDone, sub.Status)
	}
}

func TestDeleteTaskCascadesAndKeepsHistory(t *testing.T) {
	env := newTestEnv(t)
	parent := env.create(t, "parent", 0, 2)
	a := env.create(t, "a", parent.ID, 1)
	env.create(t, "b", parent.ID, 1)
	require.NoError(t, env.Engine.CompleteTask(env.Ctx, a.ID))

	require.NoError(t, env.Engine.DeleteTask(env.Ctx, parent.ID))

	all, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilters{})
	require.NoError(t, err)
	assert.Empty(t, all)
	assert.Len(t, env.history(t), 1)
}

func TestMissingTaskIsNotFound(t *testing.T) {
	env := newTestEnv(t)
	ops := map[string]func() error{
		"complete":   func() error { return env.Engine.CompleteTask(env.Ctx, 42) },
		"uncomplete": func() error { return env.Engine.UncompleteTask(env.Ctx, 42) },
		"delete":     func() error { return env.Engine.DeleteTask(env.Ctx, 42) },
		"update": func() error {
			name := "x"
			_, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: 42, Name: &name})
			return err
		},
	}
	for name, op := range ops {
		t.Run(name, func(t *testing.T) {
			err := op()
			var nf *engine.NotFoundError
			require.ErrorAs(t, err, &nf)
			assert.Equal(t, int64(42), nf.ID)
			assert.True(t, errors.Is(err, repo.ErrNotFound))
		})
	}
}

func TestCompleteCascadeRollsBackOnFailure(t *testing.T) {
	env := newTestEnv(t)
	parent := env.create(t, "parent", 0, 2)
	env.create(t, "ok", parent.ID, 1)
	env.create(t, "boom", parent.ID, 1)
	_, err := env.Engine.DB.Exec(`CREATE TRIGGER fail_boom BEFORE INSERT ON history
WHEN NEW.task_name = 'boom' BEGIN SELECT RAISE(ABORT, 'boom'); END`)
	require.NoError(t, err)

	require.Error(t, env.Engine.CompleteTask(env.Ctx, parent.ID))

	got, err := env.Engine.GetTask(env.Ctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, got.Status)
	assert.Empty(t, env.history(t))
	active, err := env.Engine.GetActiveTasks(env.Ctx)
	require.NoError(t, err)
	assert.Len(t, active, 3)
}

func TestUpdateTaskPatch(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.CreateTask(env.Ctx, engine.TaskCreateOptions{
		Type: "home", Name: "laundry", Importance: 2, EffortHours: 1, DueDate: "2024-02-01T12:00:00+02:00",
	})
	require.NoError(t, err)
	require.Equal(t, "2024-02-01T10:00:00Z", *task.DueDate)

	importance := 5
	noDue := ""
	got, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Importance: &importance, DueDate: &noDue})
	require.NoError(t, err)
	assert.Equal(t, 5, got.Importance)
	assert.Nil(t, got.DueDate)
	assert.Equal(t, "laundry", got.Name)

	bad := 9
	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: task.ID, Importance: &bad})
	var verr *engine.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "importance", verr.Field)
}

func TestUpdateTaskParentRules(t *testing.T) {
	env := newTestEnv(t)
	parent := env.create(t, "parent", 0, 1)
	child := env.create(t, "child", parent.ID, 1)
	other := env.create(t, "other", 0, 1)

	self := other.ID
	_, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: other.ID, ParentID: &self})
	var verr *engine.ValidationError
	require.ErrorAs(t, err, &verr, "self parent")

	target := other.ID
	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: parent.ID, ParentID: &target})
	require.ErrorAs(t, err, &verr, "task with subtasks")

	under := child.ID
	_, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: other.ID, ParentID: &under})
	require.ErrorAs(t, err, &verr, "subtask as parent")

	moved, err := env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: child.ID, ParentID: &target})
	require.NoError(t, err)
	require.NotNil(t, moved.ParentID)
	assert.Equal(t, other.ID, *moved.ParentID)

	none := int64(0)
	moved, err = env.Engine.UpdateTask(env.Ctx, engine.TaskUpdateOptions{ID: child.ID, ParentID: &none})
	require.NoError(t, err)
	assert.True(t, moved.TopLevel())
}

func TestMutationsAppendEventsAndNotify(t *testing.T) {
	env := newTestEnv(t)
	calls := 0
	env.Engine.OnChange = func(context.Context) { calls++ }

	parent := env.create(t, "parent", 0, 1)
	env.create(t, "child", parent.ID, 1)
	require.NoError(t, env.Engine.CompleteTask(env.Ctx, parent.ID))
	assert.Equal(t, 3, calls)

	completed, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{Type: "task.completed"})
	require.NoError(t, err)
	require.Len(t, completed, 2)
	assert.Equal(t, completed[0].OpID, completed[1].OpID, "cascade shares one op id")

	created, err := env.Engine.Repo.LatestEvents(env.Ctx, repo.EventFilters{Type: "task.created"})
	require.NoError(t, err)
	require.Len(t, created, 2)
	assert.NotEqual(t, created[0].OpID, created[1].OpID)
}

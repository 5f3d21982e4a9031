package app

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskrank/internal/config"
	"taskrank/internal/domain"
	"taskrank/internal/engine"
	"taskrank/internal/urgency"
)

func TestOpenSeedsDefaultsOnce(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	a, err := Open(ctx, Options{Workspace: dir})
	require.NoError(t, err)

	var fs domain.FormulaSetting
	found, err := a.Settings.Decode(ctx, domain.SettingUrgencyFormula, &fs)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, config.Default().Urgency.Formula, fs.Formula)
	assert.Equal(t, urgency.Variables, fs.Variables)
	assert.Equal(t, urgency.DefaultThresholds, a.Urgency.Thresholds(ctx))

	_, err = a.Urgency.SetThresholds(ctx, domain.Thresholds{High: 20, Medium: 5})
	require.NoError(t, err)
	require.NoError(t, a.Close())

	reopened, err := Open(ctx, Options{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { reopened.Close() })
	assert.Equal(t, domain.Thresholds{High: 20, Medium: 5}, reopened.Urgency.Thresholds(ctx))
}

func TestMutationsRefreshRanking(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)
	a, err := Open(ctx, Options{Workspace: t.TempDir(), Now: func() time.Time { return now }})
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	var snapshots [][]domain.RankedTask
	cancel := a.Ranking.Subscribe(func(r []domain.RankedTask) { snapshots = append(snapshots, r) })
	defer cancel()

	low, err := a.Engine.CreateTask(ctx, engine.TaskCreateOptions{Type: "home", Name: "tidy", Importance: 1, EffortHours: 1})
	require.NoError(t, err)
	urgent, err := a.Engine.CreateTask(ctx, engine.TaskCreateOptions{Type: "work", Name: "report", Importance: 5, EffortHours: 2, DueDate: "2024-06-01"})
	require.NoError(t, err)
	_, err = a.Engine.CreateTask(ctx, engine.TaskCreateOptions{Type: "work", Name: "draft", Importance: 5, EffortHours: 2, ParentID: urgent.ID})
	require.NoError(t, err)

	require.Len(t, snapshots, 3)
	latest, ok := a.Ranking.Latest()
	require.True(t, ok)
	require.Len(t, latest, 2)
	assert.Equal(t, urgent.ID, latest[0].ID)
	assert.Equal(t, urgency.Overdue, latest[0].Urgency.Score)
	assert.Equal(t, domain.LevelHigh, latest[0].Urgency.Level)
	assert.Equal(t, low.ID, latest[1].ID)
	assert.InDelta(t, 0.1, latest[1].Urgency.Score, 1e-9)

	_, err = a.Urgency.SetThresholds(ctx, domain.Thresholds{High: 1e9, Medium: 0.05})
	require.NoError(t, err)
	require.Len(t, snapshots, 4)
	assert.Equal(t, domain.LevelMedium, snapshots[3][1].Urgency.Level)

	require.NoError(t, a.Engine.CompleteTask(ctx, urgent.ID))
	latest, _ = a.Ranking.Latest()
	require.Len(t, latest, 1)
	assert.Equal(t, low.ID, latest[0].ID)

	records, err := a.Ledger.GetHistory(ctx, domain.DateRange{})
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"taskrank/internal/domain"
	"taskrank/internal/repo"
)

// Ledger reads the completion history written by the task engine.
type Ledger struct {
	Repo repo.Repo
	// KeepOrphans promotes subtask records whose parent record is outside
	// the queried range to top-level nodes instead of dropping them.
	KeepOrphans bool
	Now         func() time.Time
}

func New(db *sql.DB, keepOrphans bool) Ledger {
	return Ledger{Repo: repo.Repo{DB: db}, KeepOrphans: keepOrphans, Now: time.Now}
}

func (l Ledger) now() time.Time {
	if l.Now != nil {
		return l.Now()
	}
	return time.Now()
}

// filters renders r at the one-second precision completed_at is stored with.
// A fractional start rounds up so records before it stay out.
func filters(r domain.DateRange) repo.HistoryFilters {
	var f repo.HistoryFilters
	if !r.Start.IsZero() {
		start := r.Start.UTC()
		if s := start.Truncate(time.Second); s.Before(start) {
			start = s.Add(time.Second)
		}
		f.Start = start.Format(time.RFC3339)
	}
	if !r.End.IsZero() {
		f.End = r.End.UTC().Format(time.RFC3339)
	}
	return f
}

// GetHistory returns records newest first, limited to r when its bounds are set.
func (l Ledger) GetHistory(ctx context.Context, r domain.DateRange) ([]domain.HistoryRecord, error) {
	records, err := l.Repo.ListHistory(ctx, filters(r))
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	if records == nil {
		records = []domain.HistoryRecord{}
	}
	return records, nil
}

// GetHierarchicalHistory groups subtask records under the record of their parent task.
func (l Ledger) GetHierarchicalHistory(ctx context.Context, r domain.DateRange) ([]domain.HistoryNode, error) {
	records, err := l.GetHistory(ctx, r)
	if err != nil {
		return nil, err
	}
	return group(records, l.KeepOrphans), nil
}

// group expects records newest first and keeps that order at both levels.
func group(records []domain.HistoryRecord, keepOrphans bool) []domain.HistoryNode {
	nodes := []domain.HistoryNode{}
	// a parent completed more than once collects its subtasks under its latest record
	latest := make(map[int64]int)
	for _, rec := range records {
		if rec.ParentID == nil {
			if _, seen := latest[rec.TaskID]; !seen {
				latest[rec.TaskID] = len(nodes)
			}
			nodes = append(nodes, domain.HistoryNode{HistoryRecord: rec, Subtasks: []domain.HistoryRecord{}})
		}
	}
	var orphans []domain.HistoryRecord
	for _, rec := range records {
		if rec.ParentID == nil {
			continue
		}
		pos, ok := latest[*rec.ParentID]
		if !ok {
			orphans = append(orphans, rec)
			continue
		}
		nodes[pos].Subtasks = append(nodes[pos].Subtasks, rec)
	}
	if keepOrphans && len(orphans) > 0 {
		for _, rec := range orphans {
			nodes = append(nodes, domain.HistoryNode{HistoryRecord: rec, Subtasks: []domain.HistoryRecord{}})
		}
		sort.SliceStable(nodes, func(i, j int) bool {
			return newer(nodes[i].HistoryRecord, nodes[j].HistoryRecord)
		})
	}
	return nodes
}

func newer(a, b domain.HistoryRecord) bool {
	if a.CompletedAt != b.CompletedAt {
		return a.CompletedAt > b.CompletedAt
	}
	return a.ID > b.ID
}

// GetEffortStats totals effort over r, by task type and by UTC calendar date.
func (l Ledger) GetEffortStats(ctx context.Context, r domain.DateRange) (domain.EffortStats, error) {
	records, err := l.GetHistory(ctx, r)
	if err != nil {
		return domain.EffortStats{}, err
	}
	return stats(records), nil
}

func stats(records []domain.HistoryRecord) domain.EffortStats {
	st := domain.EffortStats{ByType: emptyByType(), ByDate: map[string]float64{}}
	for _, rec := range records {
		st.TotalEffort += rec.EffortHours
		st.ByType[rec.TaskType] += rec.EffortHours
		st.ByDate[datePart(rec.CompletedAt)] += rec.EffortHours
	}
	return st
}

func emptyByType() map[domain.TaskType]float64 {
	m := make(map[domain.TaskType]float64, len(domain.TaskTypes))
	for _, t := range domain.TaskTypes {
		m[t] = 0
	}
	return m
}

func datePart(completedAt string) string {
	if ts, err := time.Parse(time.RFC3339, completedAt); err == nil {
		return ts.UTC().Format("2006-01-02")
	}
	if len(completedAt) >= 10 {
		return completedAt[:10]
	}
	return completedAt
}

// Summary condenses the hierarchical view of r. Every record shown in the tree
// counts once, and Recent7Days sums the effort completed in the last week.
func (l Ledger) Summary(ctx context.Context, r domain.DateRange) (domain.HistorySummary, error) {
	nodes, err := l.GetHierarchicalHistory(ctx, r)
	if err != nil {
		return domain.HistorySummary{}, err
	}
	sum := domain.HistorySummary{ByType: emptyByType()}
	recent := domain.DateRange{Start: l.now().Add(-7 * 24 * time.Hour)}
	add := func(rec domain.HistoryRecord) {
		sum.TotalTasks++
		sum.TotalEffort += rec.EffortHours
		sum.ByType[rec.TaskType] += rec.EffortHours
		if ts, err := time.Parse(time.RFC3339, rec.CompletedAt); err == nil && recent.Contains(ts) {
			sum.Recent7Days += rec.EffortHours
		}
	}
	for _, n := range nodes {
		add(n.HistoryRecord)
		for _, s := range n.Subtasks {
			add(s)
		}
	}
	if sum.TotalTasks > 0 {
		sum.AverageEffort = sum.TotalEffort / float64(sum.TotalTasks)
	}
	return sum, nil
}

package ranking

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"taskrank/internal/domain"
	"taskrank/internal/logging"
	"taskrank/internal/urgency"
)

type TaskSource interface {
	GetActiveTasks(ctx context.Context) ([]domain.TaskView, error)
}

type Scorer interface {
	CalculateUrgency(ctx context.Context, v domain.TaskView) (float64, error)
	Thresholds(ctx context.Context) domain.Thresholds
}

// Pipeline keeps a ranked snapshot of the active top-level tasks and
// pushes a fresh one to subscribers on every Refresh.
type Pipeline struct {
	Tasks  TaskSource
	Scorer Scorer
	Log    *zap.Logger

	group     singleflight.Group
	requested atomic.Int64
	published atomic.Int64

	mu     sync.RWMutex
	latest []domain.RankedTask
	ready  bool
	subs   map[int]func([]domain.RankedTask)
	nextID int
}

func New(tasks TaskSource, scorer Scorer, log *zap.Logger) *Pipeline {
	return &Pipeline{Tasks: tasks, Scorer: scorer, Log: logging.OrNop(log)}
}

// Rank scores every active top-level task and orders them by score, highest
// first. Equal scores keep retrieval order. A task that cannot be scored
// ranks as (0, low) instead of failing the whole ranking.
func (p *Pipeline) Rank(ctx context.Context) ([]domain.RankedTask, error) {
	views, err := p.Tasks.GetActiveTasks(ctx)
	if err != nil {
		return nil, err
	}
	th := p.Scorer.Thresholds(ctx)
	ranked := make([]domain.RankedTask, 0, len(views))
	for _, v := range views {
		if !v.TopLevel() {
			continue
		}
		res := domain.UrgencyResult{TaskID: v.ID, Level: domain.LevelLow}
		score, err := p.Scorer.CalculateUrgency(ctx, v)
		if err != nil {
			logging.OrNop(p.Log).Warn("scoring failed", zap.Int64("task_id", v.ID), zap.Error(err))
		} else {
			res.Score = score
			res.Level = urgency.Classify(score, th)
		}
		ranked = append(ranked, domain.RankedTask{TaskView: v, Urgency: res})
	}
	sort.SliceStable(ranked, func(i, j int) bool {
		return ranked[i].Urgency.Score > ranked[j].Urgency.Score
	})
	return ranked, nil
}

// Refresh recomputes the ranking and notifies subscribers. Concurrent calls
// share one computation, and a call never returns a snapshot computed before
// it was made. The shared computation is detached from the caller's
// cancellation; cancelling ctx only stops this caller from waiting.
func (p *Pipeline) Refresh(ctx context.Context) ([]domain.RankedTask, error) {
	want := p.requested.Add(1)
	shared := context.WithoutCancel(ctx)
	for {
		ch := p.group.DoChan("rank", func() (any, error) {
			gen := p.requested.Load()
			ranked, err := p.Rank(shared)
			if err != nil {
				return nil, err
			}
			p.publish(gen, ranked)
			return nil, nil
		})
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case res := <-ch:
			if res.Err != nil {
				return nil, res.Err
			}
		}
		if p.published.Load() >= want {
			ranked, _ := p.Latest()
			return ranked, nil
		}
	}
}

func (p *Pipeline) publish(gen int64, ranked []domain.RankedTask) {
	p.mu.Lock()
	if gen <= p.published.Load() {
		p.mu.Unlock()
		return
	}
	p.latest = ranked
	p.ready = true
	p.published.Store(gen)
	subs := make([]func([]domain.RankedTask), 0, len(p.subs))
	for _, fn := range p.subs {
		subs = append(subs, fn)
	}
	p.mu.Unlock()
	for _, fn := range subs {
		fn(ranked)
	}
}

// Latest returns the most recent snapshot and whether one has been computed.
func (p *Pipeline) Latest() ([]domain.RankedTask, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.latest, p.ready
}

// Subscribe registers fn for every published snapshot. Call cancel to stop.
func (p *Pipeline) Subscribe(fn func([]domain.RankedTask)) (cancel func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.subs == nil {
		p.subs = make(map[int]func([]domain.RankedTask))
	}
	id := p.nextID
	p.nextID++
	p.subs[id] = fn
	return func() {
		p.mu.Lock()
		delete(p.subs, id)
		p.mu.Unlock()
	}
}

// GroupByType buckets ranked tasks by type, keeping rank order. filter is a
// task type, or "" / "all" for every type; buckets of other types stay empty.
func GroupByType(ranked []domain.RankedTask, filter string) map[domain.TaskType][]domain.RankedTask {
	out := make(map[domain.TaskType][]domain.RankedTask, len(domain.TaskTypes))
	for _, t := range domain.TaskTypes {
		out[t] = []domain.RankedTask{}
	}
	for _, r := range ranked {
		if !r.TopLevel() {
			continue
		}
		if filter != "" && filter != "all" && string(r.Type) != filter {
			continue
		}
		out[r.Type] = append(out[r.Type], r)
	}
	return out
}

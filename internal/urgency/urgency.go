package urgency

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/expr-lang/expr/vm"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"taskrank/internal/domain"
	"taskrank/internal/logging"
)

// Overdue is the score of a task due now or in the past. It sorts above every
// computed score and is never fed into arithmetic.
const Overdue = math.MaxFloat64

// maxComputed is the largest score a formula may yield, keeping Overdue strictly on top.
var maxComputed = math.Nextafter(Overdue, 0)

// DefaultThresholds classify scores when no valid threshold setting exists.
var DefaultThresholds = domain.Thresholds{High: 10, Medium: 3}

const programCacheSize = 64

// ConfigEvaluationError reports a formula or threshold setting that cannot be used.
type ConfigEvaluationError struct {
	Key string
	Err error
}

func (e *ConfigEvaluationError) Error() string {
	return fmt.Sprintf("%s: %v", e.Key, e.Err)
}

func (e *ConfigEvaluationError) Unwrap() error { return e.Err }

// SettingsSource is the subset of the settings store the engine reads and writes.
type SettingsSource interface {
	Decode(ctx context.Context, key string, dst any) (bool, error)
	UpdateSetting(ctx context.Context, key string, value any) (domain.Setting, error)
}

type Engine struct {
	Settings SettingsSource
	Log      *zap.Logger
	Now      func() time.Time

	programs *lru.Cache[string, *vm.Program]
}

func New(settings SettingsSource, log *zap.Logger) *Engine {
	programs, _ := lru.New[string, *vm.Program](programCacheSize)
	return &Engine{
		Settings: settings,
		Log:      logging.OrNop(log),
		Now:      time.Now,
		programs: programs,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) program(formula string) (*vm.Program, error) {
	if e.programs != nil {
		if p, ok := e.programs.Get(formula); ok {
			return p, nil
		}
	}
	p, err := Compile(formula)
	if err != nil {
		return nil, err
	}
	if e.programs != nil {
		e.programs.Add(formula, p)
	}
	return p, nil
}

// EvaluateFormula runs formula against in without consulting or storing settings.
func (e *Engine) EvaluateFormula(formula string, in Inputs) (float64, error) {
	p, err := e.program(formula)
	if err != nil {
		return 0, &ConfigEvaluationError{Key: domain.SettingUrgencyFormula, Err: err}
	}
	score, err := run(p, in)
	if err != nil {
		return 0, &ConfigEvaluationError{Key: domain.SettingUrgencyFormula, Err: err}
	}
	return math.Min(score, maxComputed), nil
}

// Formula returns the configured formula, or the default when none is stored or readable.
func (e *Engine) Formula(ctx context.Context) domain.FormulaSetting {
	fs := domain.FormulaSetting{Formula: DefaultFormula, Description: DefaultFormulaDescription, Variables: Variables}
	if e.Settings == nil {
		return fs
	}
	var stored domain.FormulaSetting
	found, err := e.Settings.Decode(ctx, domain.SettingUrgencyFormula, &stored)
	if err != nil {
		e.Log.Warn("formula setting unreadable, using default", zap.String("key", domain.SettingUrgencyFormula), zap.Error(err))
		return fs
	}
	if !found || stored.Formula == "" {
		return fs
	}
	if stored.Variables == nil {
		stored.Variables = Variables
	}
	return stored
}

// Inputs derives the formula bindings for v at the engine's current time.
// ok is false when v has no deadline; overdue reports a deadline at or before now.
func (e *Engine) Inputs(v domain.TaskView) (in Inputs, ok, overdue bool, err error) {
	in.Effort = v.TotalEffortHours
	if in.Effort <= 0 {
		in.Effort = v.EffortHours
	}
	in.Importance = float64(v.Importance)
	if v.DueDate == nil || *v.DueDate == "" {
		return in, false, false, nil
	}
	due, err := domain.ParseDueDate(*v.DueDate)
	if err != nil {
		return in, false, false, fmt.Errorf("task %d: %w", v.ID, err)
	}
	in.DaysLeft = math.Max(0, due.Sub(e.now()).Hours()/24)
	return in, true, in.DaysLeft == 0, nil
}

// CalculateUrgency scores an active task. The only error is an unparseable due date;
// formula problems fall back to the default formula.
func (e *Engine) CalculateUrgency(ctx context.Context, v domain.TaskView) (float64, error) {
	in, dated, overdue, err := e.Inputs(v)
	if err != nil {
		return 0, err
	}
	if !dated {
		return math.Min(in.Importance*in.Effort*0.1, maxComputed), nil
	}
	if overdue {
		return Overdue, nil
	}
	fs := e.Formula(ctx)
	score, err := e.EvaluateFormula(fs.Formula, in)
	if err != nil {
		e.Log.Warn("formula evaluation failed, using default", zap.Int64("task_id", v.ID), zap.Error(err))
		return math.Min(defaultScore(in), maxComputed), nil
	}
	return score, nil
}

// Thresholds returns the configured thresholds, or the defaults when absent or invalid.
func (e *Engine) Thresholds(ctx context.Context) domain.Thresholds {
	if e.Settings == nil {
		return DefaultThresholds
	}
	var stored struct {
		High   *float64 `json:"high"`
		Medium *float64 `json:"medium"`
	}
	found, err := e.Settings.Decode(ctx, domain.SettingUrgencyThresholds, &stored)
	if err != nil {
		e.Log.Warn("threshold setting unreadable, using defaults", zap.String("key", domain.SettingUrgencyThresholds), zap.Error(err))
		return DefaultThresholds
	}
	if !found {
		return DefaultThresholds
	}
	if stored.High == nil || stored.Medium == nil {
		e.Log.Warn("threshold setting incomplete, using defaults", zap.String("key", domain.SettingUrgencyThresholds))
		return DefaultThresholds
	}
	th := domain.Thresholds{High: *stored.High, Medium: *stored.Medium}
	if err := validateThresholds(th); err != nil {
		e.Log.Warn("threshold setting invalid, using defaults", zap.String("key", domain.SettingUrgencyThresholds), zap.Error(err))
		return DefaultThresholds
	}
	return th
}

func (e *Engine) GetUrgencyLevel(ctx context.Context, score float64) domain.Level {
	return Classify(score, e.Thresholds(ctx))
}

func Classify(score float64, th domain.Thresholds) domain.Level {
	switch {
	case score >= th.High:
		return domain.LevelHigh
	case score >= th.Medium:
		return domain.LevelMedium
	default:
		return domain.LevelLow
	}
}

func validateThresholds(th domain.Thresholds) error {
	for _, v := range []float64{th.High, th.Medium} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("thresholds must be finite")
		}
	}
	if th.Medium < 0 || th.High < th.Medium {
		return fmt.Errorf("thresholds must satisfy high >= medium >= 0, got high=%v medium=%v", th.High, th.Medium)
	}
	return nil
}

// SetFormula validates formula and stores it as the active urgency formula.
func (e *Engine) SetFormula(ctx context.Context, formula, description string) (domain.Setting, error) {
	if _, err := e.program(formula); err != nil {
		return domain.Setting{}, &ConfigEvaluationError{Key: domain.SettingUrgencyFormula, Err: err}
	}
	return e.Settings.UpdateSetting(ctx, domain.SettingUrgencyFormula, domain.FormulaSetting{
		Formula:     formula,
		Description: description,
		Variables:   Variables,
	})
}

// SetThresholds validates th and stores it as the active classification thresholds.
func (e *Engine) SetThresholds(ctx context.Context, th domain.Thresholds) (domain.Setting, error) {
	if err := validateThresholds(th); err != nil {
		return domain.Setting{}, &ConfigEvaluationError{Key: domain.SettingUrgencyThresholds, Err: err}
	}
	return e.Settings.UpdateSetting(ctx, domain.SettingUrgencyThresholds, th)
}

// Score computes the full result for one task.
func (e *Engine) Score(ctx context.Context, v domain.TaskView) (domain.UrgencyResult, error) {
	score, err := e.CalculateUrgency(ctx, v)
	if err != nil {
		return domain.UrgencyResult{TaskID: v.ID, Level: domain.LevelLow}, err
	}
	return domain.UrgencyResult{TaskID: v.ID, Score: score, Level: e.GetUrgencyLevel(ctx, score)}, nil
}

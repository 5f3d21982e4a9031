package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

type TaskType string

const (
	TypeWork  TaskType = "work"
	TypeHome  TaskType = "home"
	TypeSkill TaskType = "skill"
)

// TaskTypes lists every accepted task type in display order.
var TaskTypes = []TaskType{TypeWork, TypeHome, TypeSkill}

func (t TaskType) Valid() bool {
	for _, known := range TaskTypes {
		if t == known {
			return true
		}
	}
	return false
}

const (
	StatusActive = "active"
	StatusDone   = "done"
)

const (
	MinImportance = 1
	MaxImportance = 5
)

type Task struct {
	ID          int64    `json:"id"`
	Type        TaskType `json:"type" enum:"work,home,skill"`
	Name        string   `json:"name"`
	DueDate     *string  `json:"due_date,omitempty" format:"date-time"`
	Importance  int      `json:"importance" minimum:"1" maximum:"5"`
	EffortHours float64  `json:"effort_hours" minimum:"0"`
	ParentID    *int64   `json:"parent_id,omitempty"`
	Status      string   `json:"status" enum:"active,done"`
	CompletedAt *string  `json:"completed_at,omitempty" format:"date-time"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

func (t Task) TopLevel() bool { return t.ParentID == nil }

const dateOnly = "2006-01-02"

// ParseDueDate accepts an RFC3339 timestamp or a bare YYYY-MM-DD date (UTC midnight).
func ParseDueDate(s string) (time.Time, error) {
	if ts, err := time.Parse(time.RFC3339, s); err == nil {
		return ts.UTC(), nil
	}
	if d, err := time.Parse(dateOnly, s); err == nil {
		return d, nil
	}
	return time.Time{}, fmt.Errorf("due date %q: expected RFC3339 or YYYY-MM-DD", s)
}

// TaskView is an active task as surfaced to callers, with subtask effort rolled up.
type TaskView struct {
	Task
	TotalEffortHours float64 `json:"total_effort_hours"`
	Subtasks         []Task  `json:"subtasks"`
}

type HistoryRecord struct {
	ID          int64    `json:"id"`
	TaskID      int64    `json:"task_id"`
	CompletedAt string   `json:"completed_at" format:"date-time"`
	EffortHours float64  `json:"effort_hours"`
	TaskName    string   `json:"task_name"`
	TaskType    TaskType `json:"task_type"`
	ParentID    *int64   `json:"parent_id,omitempty"`
}

// HistoryNode is a top-level history record with the subtask records completed under it.
type HistoryNode struct {
	HistoryRecord
	Subtasks []HistoryRecord `json:"subtasks"`
}

type EffortStats struct {
	TotalEffort float64              `json:"total_effort"`
	ByType      map[TaskType]float64 `json:"by_type"`
	ByDate      map[string]float64   `json:"by_date"`
}

type HistorySummary struct {
	TotalTasks    int                  `json:"total_tasks"`
	TotalEffort   float64              `json:"total_effort"`
	AverageEffort float64              `json:"average_effort"`
	ByType        map[TaskType]float64 `json:"by_type"`
	Recent7Days   float64              `json:"recent_7_days"`
}

// DateRange bounds completed_at inclusively. A zero bound is open.
type DateRange struct {
	Start time.Time
	End   time.Time
}

func (r DateRange) Contains(ts time.Time) bool {
	if !r.Start.IsZero() && ts.Before(r.Start) {
		return false
	}
	if !r.End.IsZero() && ts.After(r.End) {
		return false
	}
	return true
}

type Setting struct {
	ID        int64           `json:"id"`
	Key       string          `json:"key"`
	Value     json.RawMessage `json:"value"`
	Version   int             `json:"version"`
	UpdatedAt string          `json:"updated_at" format:"date-time"`
}

const (
	SettingUrgencyFormula    = "urgency_formula"
	SettingUrgencyThresholds = "urgency_thresholds"
)

// FormulaSetting is the payload stored under SettingUrgencyFormula.
type FormulaSetting struct {
	Formula     string   `json:"formula" yaml:"formula"`
	Description string   `json:"description" yaml:"description"`
	Variables   []string `json:"variables" yaml:"variables"`
}

// Thresholds is the payload stored under SettingUrgencyThresholds.
type Thresholds struct {
	High   float64 `json:"high" yaml:"high"`
	Medium float64 `json:"medium" yaml:"medium"`
}

type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

type UrgencyResult struct {
	TaskID int64   `json:"task_id"`
	Score  float64 `json:"score"`
	Level  Level   `json:"level" enum:"low,medium,high"`
}

type RankedTask struct {
	TaskView
	Urgency UrgencyResult `json:"urgency"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	OpID       string `json:"op_id"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	Payload    string `json:"payload_json"`
}

// ParseDateRange parses optional range bounds. A bare end date covers that whole day.
func ParseDateRange(start, end string) (DateRange, error) {
	var r DateRange
	if start != "" {
		ts, err := ParseDueDate(start)
		if err != nil {
			return r, fmt.Errorf("start: %w", err)
		}
		r.Start = ts
	}
	if end != "" {
		ts, err := ParseDueDate(end)
		if err != nil {
			return r, fmt.Errorf("end: %w", err)
		}
		if _, err := time.Parse(dateOnly, end); err == nil {
			ts = ts.Add(24*time.Hour - time.Second)
		}
		r.End = ts
	}
	if !r.Start.IsZero() && !r.End.IsZero() && r.End.Before(r.Start) {
		return r, fmt.Errorf("end %s is before start %s", end, start)
	}
	return r, nil
}

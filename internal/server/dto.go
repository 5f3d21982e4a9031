package server

import (
	"encoding/json"

	"taskrank/internal/domain"
	"taskrank/internal/ranking"
)

// Request payloads

type CreateTaskRequest struct {
	Type        string  `json:"type" enum:"work,home,skill"`
	Name        string  `json:"name"`
	DueDate     *string `json:"due_date,omitempty" doc:"RFC3339 timestamp or YYYY-MM-DD"`
	Importance  int     `json:"importance"`
	EffortHours float64 `json:"effort_hours"`
	ParentID    *int64  `json:"parent_id,omitempty"`
}

type UpdateTaskRequest struct {
	Type        *string  `json:"type,omitempty" enum:"work,home,skill"`
	Name        *string  `json:"name,omitempty"`
	DueDate     *string  `json:"due_date,omitempty" doc:"empty string clears the deadline"`
	Importance  *int     `json:"importance,omitempty"`
	EffortHours *float64 `json:"effort_hours,omitempty"`
	ParentID    *int64   `json:"parent_id,omitempty" doc:"0 makes the task top-level"`
}

type SettingRequest struct {
	Value any `json:"value"`
}

type FormulaRequest struct {
	Formula     string `json:"formula"`
	Description string `json:"description,omitempty"`
}

type FormulaTestRequest struct {
	Formula    string  `json:"formula"`
	Effort     float64 `json:"effort"`
	Importance float64 `json:"importance"`
	DaysLeft   float64 `json:"daysLeft"`
}

type ScoreRequest struct {
	TaskID int64 `json:"task_id"`
}

// Response payloads

type SettingResponse struct {
	ID        int64  `json:"id"`
	Key       string `json:"key"`
	Value     any    `json:"value"`
	Version   int    `json:"version"`
	UpdatedAt string `json:"updated_at"`
}

type RankingResponse struct {
	Items  []domain.RankedTask            `json:"items"`
	ByType map[string][]domain.RankedTask `json:"by_type"`
}

type FormulaTestResponse struct {
	Formula string       `json:"formula"`
	Score   float64      `json:"score"`
	Level   domain.Level `json:"level"`
}

type LevelResponse struct {
	Score float64      `json:"score"`
	Level domain.Level `json:"level"`
}

type paginatedEvents struct {
	Items      []domain.Event `json:"items"`
	NextCursor string         `json:"next_cursor,omitempty"`
}

func settingResponse(s domain.Setting) SettingResponse {
	var value any
	if len(s.Value) > 0 {
		_ = json.Unmarshal(s.Value, &value)
	}
	return SettingResponse{ID: s.ID, Key: s.Key, Value: value, Version: s.Version, UpdatedAt: s.UpdatedAt}
}

func rankingResponse(ranked []domain.RankedTask, filter string) RankingResponse {
	groups := ranking.GroupByType(ranked, filter)
	resp := RankingResponse{Items: []domain.RankedTask{}, ByType: make(map[string][]domain.RankedTask, len(groups))}
	for typ, items := range groups {
		resp.ByType[string(typ)] = items
	}
	for _, r := range ranked {
		if filter == "" || filter == "all" || string(r.Type) == filter {
			resp.Items = append(resp.Items, r)
		}
	}
	return resp
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

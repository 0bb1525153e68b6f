package server

import (
	"time"

	"siteline/internal/domain"
)

// Request payloads

type CreateProjectRequest struct {
	Code         string    `json:"code"`
	Name         string    `json:"name"`
	HouseType    string    `json:"house_type" enum:"single,double"`
	Stage        string    `json:"stage,omitempty"`
	StartDate    time.Time `json:"start_date,omitempty" format:"date-time"`
	TargetFinish time.Time `json:"target_finish" format:"date-time"`
	AssignedToID string    `json:"assigned_to_id,omitempty"`
	Notes        string    `json:"notes,omitempty"`
}

type UpdateProjectRequest struct {
	Code         *string    `json:"code,omitempty"`
	Name         *string    `json:"name,omitempty"`
	HouseType    *string    `json:"house_type,omitempty" enum:"single,double"`
	Stage        *string    `json:"stage,omitempty"`
	Status       *string    `json:"status,omitempty" enum:"on_track,client_delay,past_target,completed"`
	StartDate    *time.Time `json:"start_date,omitempty" format:"date-time"`
	TargetFinish *time.Time `json:"target_finish,omitempty" format:"date-time"`
	ActualFinish *time.Time `json:"actual_finish,omitempty" format:"date-time"`
	AssignedToID *string    `json:"assigned_to_id,omitempty"`
	IsDelayed    *bool      `json:"is_delayed,omitempty"`
	DelayReason  *string    `json:"delay_reason,omitempty"`
	Notes        *string    `json:"notes,omitempty"`
}

// Response payloads

type ProjectResponse struct {
	ID              string  `json:"id"`
	Code            string  `json:"code"`
	Name            string  `json:"name"`
	HouseType       string  `json:"house_type" enum:"single,double"`
	Stage           string  `json:"stage"`
	PercentComplete int     `json:"percent_complete"`
	Status          string  `json:"status" enum:"on_track,client_delay,past_target,completed"`
	StartDate       string  `json:"start_date" format:"date-time"`
	OriginalTarget  string  `json:"original_target" format:"date-time"`
	TargetFinish    string  `json:"target_finish" format:"date-time"`
	ActualFinish    *string `json:"actual_finish,omitempty" format:"date-time"`
	DelayDays       int     `json:"delay_days"`
	IsDelayed       bool    `json:"is_delayed"`
	DelayReason     string  `json:"delay_reason,omitempty"`
	AssignedToID    *string `json:"assigned_to_id,omitempty"`
	Notes           string  `json:"notes,omitempty"`
	CreatedAt       string  `json:"created_at" format:"date-time"`
	UpdatedAt       string  `json:"updated_at" format:"date-time"`
}

type HistoryEntryResponse struct {
	ID            int64   `json:"id"`
	ProjectID     string  `json:"project_id"`
	ChangedBy     string  `json:"changed_by"`
	ChangedByName string  `json:"changed_by_name,omitempty"`
	Field         string  `json:"field"`
	OldValue      *string `json:"old_value,omitempty"`
	NewValue      *string `json:"new_value,omitempty"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
}

type StageResponse struct {
	HouseType string `json:"house_type" enum:"single,double"`
	Stage     string `json:"stage"`
	Percent   int    `json:"percent"`
}

type ComplianceResponse struct {
	Project ProjectResponse `json:"project"`
	Checked string          `json:"checked" format:"date-time"`
}

func projectResponse(p domain.Project) ProjectResponse {
	return ProjectResponse{
		ID:              p.ID,
		Code:            p.Code,
		Name:            p.Name,
		HouseType:       string(p.HouseType),
		Stage:           p.Stage,
		PercentComplete: p.PercentComplete,
		Status:          string(p.Status),
		StartDate:       formatTime(p.StartDate),
		OriginalTarget:  formatTime(p.OriginalTarget),
		TargetFinish:    formatTime(p.TargetFinish),
		ActualFinish:    formatTimePtr(p.ActualFinish),
		DelayDays:       p.DelayDays,
		IsDelayed:       p.IsDelayed,
		DelayReason:     p.DelayReason,
		AssignedToID:    p.AssignedToID,
		Notes:           p.Notes,
		CreatedAt:       formatTime(p.CreatedAt),
		UpdatedAt:       formatTime(p.UpdatedAt),
	}
}

func mapProjects(items []domain.Project) []ProjectResponse {
	out := make([]ProjectResponse, 0, len(items))
	for _, p := range items {
		out = append(out, projectResponse(p))
	}
	return out
}

func historyResponse(h domain.HistoryEntry) HistoryEntryResponse {
	return HistoryEntryResponse{
		ID:            h.ID,
		ProjectID:     h.ProjectID,
		ChangedBy:     h.ChangedBy,
		ChangedByName: h.ChangedByName,
		Field:         h.Field,
		OldValue:      h.OldValue,
		NewValue:      h.NewValue,
		CreatedAt:     formatTime(h.CreatedAt),
	}
}

func mapHistory(items []domain.HistoryEntry) []HistoryEntryResponse {
	out := make([]HistoryEntryResponse, 0, len(items))
	for _, h := range items {
		out = append(out, historyResponse(h))
	}
	return out
}

func mapStages(items []domain.StageConfig) []StageResponse {
	out := make([]StageResponse, 0, len(items))
	for _, s := range items {
		out = append(out, StageResponse{
			HouseType: string(s.HouseType),
			Stage:     s.Stage,
			Percent:   s.Percent,
		})
	}
	return out
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

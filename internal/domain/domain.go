package domain

import "time"

// HouseType selects which stage catalog list applies to a project.
type HouseType string

const (
	HouseSingle HouseType = "single"
	HouseDouble HouseType = "double"
)

// Valid reports whether the house type is one of the known values.
func (h HouseType) Valid() bool {
	return h == HouseSingle || h == HouseDouble
}

// Status is the project schedule status. ClientDelay is sticky: automation
// only overwrites it when the project completes.
type Status string

const (
	StatusOnTrack     Status = "on_track"
	StatusClientDelay Status = "client_delay"
	StatusPastTarget  Status = "past_target"
	StatusCompleted   Status = "completed"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOnTrack, StatusClientDelay, StatusPastTarget, StatusCompleted:
		return true
	}
	return false
}

// Project is one construction job tracked through the stage catalog.
type Project struct {
	ID              string     `json:"id"`
	Code            string     `json:"code"`
	Name            string     `json:"name"`
	HouseType       HouseType  `json:"house_type" enum:"single,double"`
	Stage           string     `json:"stage"`
	PercentComplete int        `json:"percent_complete"`
	Status          Status     `json:"status" enum:"on_track,client_delay,past_target,completed"`
	StartDate       time.Time  `json:"start_date" format:"date-time"`
	OriginalTarget  time.Time  `json:"original_target" format:"date-time"`
	TargetFinish    time.Time  `json:"target_finish" format:"date-time"`
	ActualFinish    *time.Time `json:"actual_finish,omitempty" format:"date-time"`
	DelayDays       int        `json:"delay_days"`
	IsDelayed       bool       `json:"is_delayed"`
	DelayReason     string     `json:"delay_reason,omitempty"`
	AssignedToID    *string    `json:"assigned_to_id,omitempty"`
	Notes           string     `json:"notes,omitempty"`
	CreatedAt       time.Time  `json:"created_at" format:"date-time"`
	UpdatedAt       time.Time  `json:"updated_at" format:"date-time"`
}

// StageConfig maps (house type, stage name) to a completion percentage.
// Reference data, read-only at runtime.
type StageConfig struct {
	HouseType HouseType `json:"house_type" enum:"single,double"`
	Stage     string    `json:"stage"`
	Percent   int       `json:"percent"`
	SortOrder int       `json:"sort_order"`
}

// HistoryEntry is one immutable field-change record. Never updated or
// deleted; (created_at, id) is the canonical audit order.
type HistoryEntry struct {
	ID            int64     `json:"id"`
	ProjectID     string    `json:"project_id"`
	ChangedBy     string    `json:"changed_by"`
	ChangedByName string    `json:"changed_by_name,omitempty"`
	Field         string    `json:"field"`
	OldValue      *string   `json:"old_value,omitempty"`
	NewValue      *string   `json:"new_value,omitempty"`
	CreatedAt     time.Time `json:"created_at" format:"date-time"`
}

// Actor identifies who a change is attributed to. Identity comes from the
// caller's auth layer; the engine trusts it and performs no authorization.
type Actor struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name,omitempty"`
}

// System is the actor recorded for changes made by the SLA monitor.
var System = Actor{ID: "system", DisplayName: "SLA Monitor"}

type APIKey struct {
	ID        string    `json:"id"`
	ActorID   string    `json:"actor_id"`
	ActorName string    `json:"actor_name,omitempty"`
	KeyHash   string    `json:"key_hash"`
	CreatedAt time.Time `json:"created_at" format:"date-time"`
}

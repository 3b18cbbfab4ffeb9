package model

import "time"

// Phase is the data-binding lifecycle phase of a widget instance.
type Phase string

const (
	PhaseIdle          Phase = "idle"
	PhaseLoading       Phase = "loading"
	PhaseReady         Phase = "ready"
	PhaseError         Phase = "error"
	PhaseConfigMissing Phase = "config_missing"
)

// InstanceState is a snapshot of one instance's data-binding lifecycle.
// Data survives a transition to PhaseError so the last good DTO can still be
// displayed.
type InstanceState struct {
	InstanceID string     `json:"instanceId"`
	WidgetID   string     `json:"widgetId"`
	Phase      Phase      `json:"phase"`
	Data       any        `json:"data,omitempty"`
	Error      string     `json:"error,omitempty"`
	ErrorCode  string     `json:"errorCode,omitempty"`
	Missing    []string   `json:"missing,omitempty"`
	UpdatedAt  *time.Time `json:"updatedAt,omitempty"`
	Generation uint64     `json:"generation"`
}

// HasData reports whether a DTO from a successful refresh is held.
func (s InstanceState) HasData() bool {
	return s.Data != nil
}

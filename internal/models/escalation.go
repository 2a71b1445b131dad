package models

import "time"

// EscalationRule describes when failures are raised beyond quarantine.
type EscalationRule struct {
	Name                string          `json:"name"`
	SeverityFilter      []Severity      `json:"severity_filter"`
	CategoryFilter      []ErrorCategory `json:"category_filter"`
	ErrorCountThreshold int             `json:"error_count_threshold"`
	TimeWindowMinutes   int             `json:"time_window_minutes"`
	EscalateTo          []string        `json:"escalate_to"`
}

// Escalation is a long-lived notification record.
type Escalation struct {
	ID         string            `json:"id"`
	Rule       string            `json:"rule"`
	EntityType EntityType        `json:"entity_type"`
	EntityID   string            `json:"entity_id"`
	Severity   Severity          `json:"severity"`
	Summary    string            `json:"summary"`
	Errors     []ValidationError `json:"errors"`
	Recipients []string          `json:"recipients"`
	CreatedAt  time.Time         `json:"created_at"`
}

// ConfigEntry is a versioned system configuration value.
type ConfigEntry struct {
	Key       string    `json:"key"`
	Value     []byte    `json:"value"`
	Version   int       `json:"version"`
	UpdatedAt time.Time `json:"updated_at"`
	UpdatedBy string    `json:"updated_by,omitempty"`
}

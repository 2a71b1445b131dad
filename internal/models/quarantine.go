package models

import (
	"encoding/json"
	"time"
)

// QuarantineStatus is the review lifecycle of a quarantined record.
type QuarantineStatus string

const (
	QuarantineQuarantined QuarantineStatus = "quarantined"
	QuarantineUnderReview QuarantineStatus = "under_review"
	QuarantineResolved    QuarantineStatus = "resolved"
	QuarantineRejected    QuarantineStatus = "rejected"
)

// Terminal reports whether no further transitions are allowed.
func (s QuarantineStatus) Terminal() bool {
	return s == QuarantineResolved || s == QuarantineRejected
}

// Active reports whether the record still waits for a decision.
func (s QuarantineStatus) Active() bool {
	return s == QuarantineQuarantined || s == QuarantineUnderReview
}

// QuarantineRecord holds a record that could not be synced automatically.
type QuarantineRecord struct {
	ID              string            `json:"id"`
	EntityType      EntityType        `json:"entity_type"`
	EntityID        string            `json:"entity_id"`
	OriginalData    json.RawMessage   `json:"original_data"`
	TransformedData json.RawMessage   `json:"transformed_data,omitempty"`
	Reason          string            `json:"reason"`
	Status          QuarantineStatus  `json:"status"`
	Errors          []ValidationError `json:"errors"`
	Priority        Severity          `json:"priority"`
	QuarantinedAt   time.Time         `json:"quarantined_at"`
	QuarantinedBy   string            `json:"quarantined_by"`
	ReviewedAt      *time.Time        `json:"reviewed_at,omitempty"`
	ReviewedBy      string            `json:"reviewed_by,omitempty"`
	ResolutionNotes string            `json:"resolution_notes,omitempty"`
	Metadata        map[string]any    `json:"metadata,omitempty"`
}

// QuarantineAudit is one append-only state change of a quarantine record.
type QuarantineAudit struct {
	ID           string           `json:"id"`
	QuarantineID string           `json:"quarantine_id"`
	Action       string           `json:"action"`
	FromStatus   QuarantineStatus `json:"from_status,omitempty"`
	ToStatus     QuarantineStatus `json:"to_status"`
	Actor        string           `json:"actor"`
	Notes        string           `json:"notes,omitempty"`
	CreatedAt    time.Time        `json:"created_at"`
}

// QuarantineFilter narrows quarantine listings.
type QuarantineFilter struct {
	Status     QuarantineStatus `json:"status,omitempty"`
	EntityType EntityType       `json:"entity_type,omitempty"`
	Priority   Severity         `json:"priority,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	EntityID   string           `json:"entity_id,omitempty"`
	DateFrom   *time.Time       `json:"date_from,omitempty"`
	DateTo     *time.Time       `json:"date_to,omitempty"`
}

// QuarantineStats summarizes the quarantine inbox.
type QuarantineStats struct {
	Total              int                      `json:"total"`
	ByStatus           map[QuarantineStatus]int `json:"by_status"`
	ByPriority         map[Severity]int         `json:"by_priority"`
	ByReason           map[string]int           `json:"by_reason"`
	AvgResolutionHours float64                  `json:"avg_resolution_hours"`
	OldestUnresolved   *time.Time               `json:"oldest_unresolved,omitempty"`
}

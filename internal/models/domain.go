package models

import "time"

// SubmissionStatus is the approval state of a weekly timesheet.
type SubmissionStatus string

const (
	SubmissionDraft     SubmissionStatus = "draft"
	SubmissionSubmitted SubmissionStatus = "submitted"
	SubmissionApproved  SubmissionStatus = "approved"
	SubmissionRejected  SubmissionStatus = "rejected"
)

// Submission is an approved weekly timesheet aggregate with its time entries.
type Submission struct {
	ID            string           `json:"id"`
	UserID        string           `json:"user_id"`
	UserName      string           `json:"user_name"`
	UserRate      *float64         `json:"user_rate,omitempty"`
	Status        SubmissionStatus `json:"status"`
	WeekStartDate time.Time        `json:"week_start_date"`
	ApprovedBy    string           `json:"approved_by,omitempty"`
	ApprovedAt    *time.Time       `json:"approved_at,omitempty"`
	TotalHours    float64          `json:"total_hours"`
	TotalBillable float64          `json:"total_billable"`
	Entries       []TimeEntry      `json:"entries"`
}

// TimeEntry is one line of a submission. Duration is stored in hours.
type TimeEntry struct {
	ID          string    `json:"id"`
	Date        time.Time `json:"date"`
	Hours       float64   `json:"hours"`
	Description string    `json:"description"`
	Billable    bool      `json:"billable"`
	BillRate    *float64  `json:"bill_rate,omitempty"`
	ProjectID   string    `json:"project_id"`
	ProjectName string    `json:"project_name"`
	ProjectRate *float64  `json:"project_rate,omitempty"`
	ProjectRef  string    `json:"project_ref,omitempty"`
	TaskName    string    `json:"task_name,omitempty"`
	ClientID    string    `json:"client_id,omitempty"`
}

// SubmissionSummary is the lightweight row used for migration planning.
type SubmissionSummary struct {
	ID            string    `json:"id"`
	UserID        string    `json:"user_id"`
	WeekStartDate time.Time `json:"week_start_date"`
	ApprovedAt    time.Time `json:"approved_at"`
}

// Project is an internal project record.
type Project struct {
	ID          string     `json:"id"`
	Code        string     `json:"code"`
	Name        string     `json:"name"`
	ClientID    string     `json:"client_id,omitempty"`
	ClientRef   string     `json:"client_ref,omitempty"`
	Budget      *float64   `json:"budget,omitempty"`
	DefaultRate *float64   `json:"default_rate,omitempty"`
	Active      bool       `json:"active"`
	StartDate   *time.Time `json:"start_date,omitempty"`
	EndDate     *time.Time `json:"end_date,omitempty"`
}

// Client is an internal customer record synced to the ledger as a contact.
type Client struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email,omitempty"`
	Phone     string `json:"phone,omitempty"`
	TaxNumber string `json:"tax_number,omitempty"`
	Active    bool   `json:"active"`
}

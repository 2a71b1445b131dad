package models

// EntityType names a record family crossing the sync boundary.
type EntityType string

const (
	EntityTimesheet EntityType = "timesheet"
	EntityTimeEntry EntityType = "time_entry"
	EntityProject   EntityType = "project"
	EntityContact   EntityType = "contact"
)

// Ledger time entry statuses.
const (
	LedgerEntryDraft    = "DRAFT"
	LedgerEntryApproved = "APPROVED"
)

// LedgerTimeEntry is the external wire shape of a time entry.
type LedgerTimeEntry struct {
	ID              string   `json:"id,omitempty" validate:"omitempty,max=64,idcharset"`
	SourceID        string   `json:"sourceId" validate:"required,max=64,idcharset"`
	SubmissionID    string   `json:"submissionId" validate:"required,max=64,idcharset"`
	UserID          string   `json:"userId" validate:"required,max=64,idcharset"`
	ProjectID       string   `json:"projectId" validate:"required,max=64,idcharset"`
	ContactID       string   `json:"contactId,omitempty" validate:"omitempty,max=64,idcharset"`
	Date            string   `json:"date" validate:"required,isodate"`
	Duration        int      `json:"duration" validate:"gte=0"`
	Description     string   `json:"description" validate:"required,max=4000"`
	Billable        bool     `json:"billable"`
	UnitAmount      *float64 `json:"unitAmount,omitempty"`
	Amount          *float64 `json:"amount,omitempty"`
	Status          string   `json:"status" validate:"required,oneof=DRAFT APPROVED"`
	DescriptionTag  string   `json:"-"`
	ProjectName     string   `json:"-"`
	RateUnavailable bool     `json:"-"`
}

// LedgerProject is the external wire shape of a project.
type LedgerProject struct {
	ID        string   `json:"id,omitempty" validate:"omitempty,max=64,idcharset"`
	SourceID  string   `json:"sourceId" validate:"required,max=64,idcharset"`
	Code      string   `json:"code" validate:"required,max=50"`
	Name      string   `json:"name" validate:"required,max=255"`
	ContactID string   `json:"contactId,omitempty" validate:"omitempty,max=64,idcharset"`
	Budget    *float64 `json:"budget,omitempty"`
	Rate      *float64 `json:"rate,omitempty"`
	Status    string   `json:"status" validate:"required,oneof=INPROGRESS CLOSED"`
	StartDate string   `json:"startDate,omitempty" validate:"omitempty,isodate"`
	EndDate   string   `json:"endDate,omitempty" validate:"omitempty,isodate"`
}

// LedgerContact is the external wire shape of a contact (customer).
type LedgerContact struct {
	ID        string `json:"id,omitempty" validate:"omitempty,max=64,idcharset"`
	SourceID  string `json:"sourceId" validate:"required,max=64,idcharset"`
	Name      string `json:"name" validate:"required,max=255"`
	Email     string `json:"email,omitempty" validate:"omitempty,email,max=255"`
	Phone     string `json:"phone,omitempty" validate:"omitempty,max=50"`
	TaxNumber string `json:"taxNumber,omitempty" validate:"omitempty,max=50"`
	Status    string `json:"status" validate:"required,oneof=ACTIVE ARCHIVED"`
}

// TimeEntryCriteria narrows the search for an existing external time entry.
type TimeEntryCriteria struct {
	DescriptionTag string
	ProjectID      string
	UserID         string
	Date           string
	Duration       int
}

// ConnectionStatus is the ledger's reachability report.
type ConnectionStatus struct {
	Connected        bool   `json:"connected"`
	OrganizationName string `json:"organization_name,omitempty"`
	Error            string `json:"error,omitempty"`
}

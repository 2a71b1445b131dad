package models

import "time"

// Severity ranks how much an error blocks a sync.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Rank orders severities; unknown values rank lowest.
func (s Severity) Rank() int {
	switch s {
	case SeverityLow:
		return 1
	case SeverityMedium:
		return 2
	case SeverityHigh:
		return 3
	case SeverityCritical:
		return 4
	}
	return 0
}

// AtLeast reports whether s is as severe as other.
func (s Severity) AtLeast(other Severity) bool {
	return s.Rank() >= other.Rank()
}

// ErrorCategory groups errors by origin.
type ErrorCategory string

const (
	CategoryValidation    ErrorCategory = "validation"
	CategoryAPIError      ErrorCategory = "api_error"
	CategoryDataIntegrity ErrorCategory = "data_integrity"
	CategoryPermission    ErrorCategory = "permission"
	CategoryRateLimit     ErrorCategory = "rate_limit"
	CategoryNetwork       ErrorCategory = "network"
	CategoryBusinessRule  ErrorCategory = "business_rule"
)

// ErrorType tells whether a retry can succeed without intervention.
type ErrorType string

const (
	ErrorTransient ErrorType = "transient"
	ErrorPermanent ErrorType = "permanent"
)

// ValidationError is the single taxonomy used for validation and sync failures.
type ValidationError struct {
	ID                string        `json:"id"`
	Field             string        `json:"field"`
	Message           string        `json:"message"`
	ActionableMessage string        `json:"actionable_message"`
	Severity          Severity      `json:"severity"`
	Category          ErrorCategory `json:"category"`
	Type              ErrorType     `json:"type"`
	ResolutionSteps   []string      `json:"resolution_steps"`
	Value             any           `json:"value,omitempty"`
}

// ValidationResult is the outcome of validating one transformed record.
type ValidationResult struct {
	IsValid     bool              `json:"is_valid"`
	Errors      []ValidationError `json:"errors"`
	Warnings    []ValidationError `json:"warnings"`
	Checksum    string            `json:"checksum"`
	ValidatedAt time.Time         `json:"validated_at"`
}

// MaxSeverity returns the most severe level in errs, or "" when empty.
func MaxSeverity(errs []ValidationError) Severity {
	var max Severity
	for _, e := range errs {
		if e.Severity.Rank() > max.Rank() {
			max = e.Severity
		}
	}
	return max
}

// IntegrityReport compares a sent record with what the ledger reports back.
type IntegrityReport struct {
	IsValid         bool            `json:"is_valid"`
	ChecksumMatch   bool            `json:"checksum_match"`
	FieldMismatches []FieldMismatch `json:"field_mismatches"`
}

// FieldMismatch is one critical field that differs after sync.
type FieldMismatch struct {
	Field    string `json:"field"`
	Expected any    `json:"expected"`
	Actual   any    `json:"actual"`
}

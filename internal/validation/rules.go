package validation

import (
	"fmt"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
)

// MaxEntryMinutes is the longest duration a single time entry may carry.
const MaxEntryMinutes = 24 * 60

func registerDefaultRules(e *Engine) {
	e.RegisterRule(models.EntityTimeEntry, "max_duration", TimeEntryRule(maxDuration))
	e.RegisterRule(models.EntityTimeEntry, "billable_rate", TimeEntryRule(billableRate))
	e.RegisterRule(models.EntityTimeEntry, "zero_duration", TimeEntryRule(zeroDuration))
	e.RegisterRule(models.EntityProject, "budget_non_negative", ProjectRule(budgetNonNegative))
	e.RegisterRule(models.EntityProject, "date_order", ProjectRule(projectDateOrder))
	e.RegisterRule(models.EntityContact, "reachable", ContactRule(contactReachable))
}

// TimeEntryRule adapts a typed predicate to Rule. Records of other types pass.
func TimeEntryRule(fn func(models.LedgerTimeEntry) *models.ValidationError) Rule {
	return func(record any) *models.ValidationError {
		switch r := record.(type) {
		case models.LedgerTimeEntry:
			return fn(r)
		case *models.LedgerTimeEntry:
			if r != nil {
				return fn(*r)
			}
		}
		return nil
	}
}

func ProjectRule(fn func(models.LedgerProject) *models.ValidationError) Rule {
	return func(record any) *models.ValidationError {
		switch r := record.(type) {
		case models.LedgerProject:
			return fn(r)
		case *models.LedgerProject:
			if r != nil {
				return fn(*r)
			}
		}
		return nil
	}
}

func ContactRule(fn func(models.LedgerContact) *models.ValidationError) Rule {
	return func(record any) *models.ValidationError {
		switch r := record.(type) {
		case models.LedgerContact:
			return fn(r)
		case *models.LedgerContact:
			if r != nil {
				return fn(*r)
			}
		}
		return nil
	}
}

func maxDuration(e models.LedgerTimeEntry) *models.ValidationError {
	if e.Duration <= MaxEntryMinutes {
		return nil
	}
	ve := newError("duration", fmt.Sprintf("duration of %d minutes exceeds 24 hours", e.Duration),
		"Split the entry across days or correct the hours on the timesheet.",
		models.SeverityHigh, models.CategoryBusinessRule, models.ErrorPermanent,
		"Ask the submitter to correct the hours", "Resubmit the corrected entry")
	ve.Value = e.Duration
	return &ve
}

func billableRate(e models.LedgerTimeEntry) *models.ValidationError {
	if !e.Billable || e.UnitAmount != nil {
		return nil
	}
	ve := newError("unitAmount", "billable entry has no bill rate",
		"Set a bill rate on the entry, its project or the user profile.",
		models.SeverityCritical, models.CategoryBusinessRule, models.ErrorPermanent,
		"Configure a default rate for project "+e.ProjectName,
		"Or set the entry as non-billable",
		"Resubmit the entry from quarantine")
	return &ve
}

func zeroDuration(e models.LedgerTimeEntry) *models.ValidationError {
	if e.Duration > 0 {
		return nil
	}
	ve := newError("duration", "entry has no recorded time",
		"Check whether the entry should be removed from the timesheet.",
		models.SeverityMedium, models.CategoryBusinessRule, models.ErrorPermanent,
		"Confirm the entry with the submitter")
	return &ve
}

func budgetNonNegative(p models.LedgerProject) *models.ValidationError {
	if p.Budget == nil || *p.Budget >= 0 {
		return nil
	}
	ve := newError("budget", "project budget is negative",
		"Correct the project budget.",
		models.SeverityHigh, models.CategoryBusinessRule, models.ErrorPermanent,
		"Edit the project budget", "Resync the project")
	ve.Value = *p.Budget
	return &ve
}

func projectDateOrder(p models.LedgerProject) *models.ValidationError {
	if p.StartDate == "" || p.EndDate == "" || p.EndDate >= p.StartDate {
		return nil
	}
	ve := newError("endDate", "project ends before it starts",
		"Correct the project start or end date.",
		models.SeverityHigh, models.CategoryBusinessRule, models.ErrorPermanent,
		"Edit the project dates", "Resync the project")
	return &ve
}

func contactReachable(c models.LedgerContact) *models.ValidationError {
	if c.Email != "" || c.Phone != "" {
		return nil
	}
	ve := newError("email", "contact has neither email nor phone",
		"Add an email address so invoices can be delivered.",
		models.SeverityLow, models.CategoryBusinessRule, models.ErrorPermanent,
		"Add contact details to the client record")
	return &ve
}

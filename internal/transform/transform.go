// Package transform maps internal records onto the ledger wire schema. Every
// function here is pure and deterministic: the same input always yields the
// same output, so retries re-validate and re-hash identical records.
package transform

import (
	"math"
	"strings"
	"time"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
)

const (
	dateLayout      = "2006-01-02"
	defaultTaskName = "General"
	tagPrefix       = "[psa:"
)

// DescriptionTag is the marker embedded in every synced description. It is how
// an existing ledger entry is recognised on re-sync.
func DescriptionTag(entryID string) string {
	return tagPrefix + entryID + "]"
}

// HasDescriptionTag reports whether description carries the tag for entryID.
func HasDescriptionTag(description, entryID string) bool {
	return strings.Contains(description, DescriptionTag(entryID))
}

// Minutes converts hours to whole minutes, rounding half away from zero.
func Minutes(hours float64) int {
	return int(math.Round(hours * 60))
}

// FormatDate renders the calendar date of t without shifting zones.
func FormatDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}

// ResolveRate picks the first defined rate in entry, project, user order.
func ResolveRate(entry, project, user *float64) *float64 {
	for _, r := range []*float64{entry, project, user} {
		if r != nil {
			v := *r
			return &v
		}
	}
	return nil
}

// DefaultDescription is used when an entry has no description of its own.
func DefaultDescription(projectName, taskName string) string {
	if strings.TrimSpace(taskName) == "" {
		taskName = defaultTaskName
	}
	return strings.TrimSpace(projectName) + " - " + strings.TrimSpace(taskName)
}

// TimeEntry maps one entry of an approved submission.
func TimeEntry(sub models.Submission, e models.TimeEntry) models.LedgerTimeEntry {
	desc := strings.TrimSpace(e.Description)
	if desc == "" {
		desc = DefaultDescription(e.ProjectName, e.TaskName)
	}
	tag := DescriptionTag(e.ID)

	projectID := e.ProjectRef
	if projectID == "" {
		projectID = e.ProjectID
	}

	out := models.LedgerTimeEntry{
		SourceID:       e.ID,
		SubmissionID:   sub.ID,
		UserID:         sub.UserID,
		ProjectID:      projectID,
		ContactID:      e.ClientID,
		Date:           FormatDate(e.Date),
		Duration:       Minutes(e.Hours),
		Description:    desc + " " + tag,
		Billable:       e.Billable,
		Status:         models.LedgerEntryApproved,
		DescriptionTag: tag,
		ProjectName:    e.ProjectName,
	}
	if !e.Billable {
		return out
	}
	rate := ResolveRate(e.BillRate, e.ProjectRate, sub.UserRate)
	if rate == nil {
		out.RateUnavailable = true
		return out
	}
	amount := roundCents(*rate * e.Hours)
	out.UnitAmount = rate
	out.Amount = &amount
	return out
}

// Submission maps every entry of sub, preserving entry order.
func Submission(sub models.Submission) []models.LedgerTimeEntry {
	out := make([]models.LedgerTimeEntry, 0, len(sub.Entries))
	for _, e := range sub.Entries {
		out = append(out, TimeEntry(sub, e))
	}
	return out
}

// Project maps an internal project.
func Project(p models.Project) models.LedgerProject {
	status := "CLOSED"
	if p.Active {
		status = "INPROGRESS"
	}
	out := models.LedgerProject{
		SourceID:  p.ID,
		Code:      strings.TrimSpace(p.Code),
		Name:      strings.TrimSpace(p.Name),
		ContactID: p.ClientRef,
		Budget:    copyFloat(p.Budget),
		Rate:      copyFloat(p.DefaultRate),
		Status:    status,
	}
	if out.ContactID == "" {
		out.ContactID = p.ClientID
	}
	if p.StartDate != nil {
		out.StartDate = FormatDate(*p.StartDate)
	}
	if p.EndDate != nil {
		out.EndDate = FormatDate(*p.EndDate)
	}
	return out
}

// Contact maps an internal client.
func Contact(c models.Client) models.LedgerContact {
	status := "ARCHIVED"
	if c.Active {
		status = "ACTIVE"
	}
	return models.LedgerContact{
		SourceID:  c.ID,
		Name:      strings.TrimSpace(c.Name),
		Email:     strings.ToLower(strings.TrimSpace(c.Email)),
		Phone:     strings.TrimSpace(c.Phone),
		TaxNumber: strings.TrimSpace(c.TaxNumber),
		Status:    status,
	}
}

func roundCents(v float64) float64 {
	return math.Round(v*100) / 100
}

func copyFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

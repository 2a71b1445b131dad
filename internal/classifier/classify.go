// Package classifier maps failures onto the validation error taxonomy and
// decides whether a failed record is retried, quarantined or escalated.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/ledger"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
)

// Error carries an already classified failure through error returns.
type Error struct {
	Detail models.ValidationError
	cause  error
}

func (e *Error) Error() string {
	if e.cause != nil {
		return e.Detail.Message + ": " + e.cause.Error()
	}
	return e.Detail.Message
}

func (e *Error) Unwrap() error { return e.cause }

// Wrap attaches a classification to err.
func Wrap(err error, detail models.ValidationError) error {
	return &Error{Detail: detail, cause: err}
}

// Classify converts any error into a ValidationError.
func Classify(err error) models.ValidationError {
	if err == nil {
		return models.ValidationError{}
	}
	var ce *Error
	if errors.As(err, &ce) {
		return withID(ce.Detail)
	}

	var apiErr *ledger.APIError
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.StatusCode, apiErr)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return build(err, "ledger request timed out", models.SeverityMedium, models.CategoryNetwork, models.ErrorTransient)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return build(err, "network failure talking to the ledger", models.SeverityMedium, models.CategoryNetwork, models.ErrorTransient)
	}
	if errors.Is(err, ledger.ErrDisabled) {
		return build(err, "ledger integration is not configured", models.SeverityHigh, models.CategoryAPIError, models.ErrorTransient)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "rate limit", "too many requests") || hasStatus(msg, http.StatusTooManyRequests):
		return build(err, "ledger rate limit reached", models.SeverityMedium, models.CategoryRateLimit, models.ErrorTransient)
	case containsAny(msg, "unauthorized", "forbidden", "invalid_client", "token expired") ||
		hasStatus(msg, http.StatusUnauthorized, http.StatusForbidden):
		return build(err, "ledger rejected the credentials", models.SeverityHigh, models.CategoryPermission, models.ErrorPermanent)
	case containsAny(msg, "timeout", "timed out", "connection refused", "connection reset", "no such host", "eof"):
		return build(err, "network failure talking to the ledger", models.SeverityMedium, models.CategoryNetwork, models.ErrorTransient)
	case containsAny(msg, "validation", "invalid") || hasStatus(msg, http.StatusBadRequest, http.StatusUnprocessableEntity):
		return build(err, "ledger rejected the record", models.SeverityHigh, models.CategoryValidation, models.ErrorPermanent)
	}
	// Unrecognized failures are pipeline faults: escalated but still retried.
	return build(err, "unexpected sync failure", models.SeverityCritical, models.CategoryAPIError, models.ErrorTransient)
}

func classifyStatus(status int, err error) models.ValidationError {
	switch {
	case status == http.StatusTooManyRequests:
		return build(err, "ledger rate limit reached", models.SeverityMedium, models.CategoryRateLimit, models.ErrorTransient)
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return build(err, "ledger rejected the credentials", models.SeverityHigh, models.CategoryPermission, models.ErrorPermanent)
	case status == http.StatusBadRequest || status == http.StatusUnprocessableEntity:
		return build(err, "ledger rejected the record", models.SeverityHigh, models.CategoryValidation, models.ErrorPermanent)
	case status == http.StatusNotFound || status == http.StatusConflict:
		return build(err, "ledger could not apply the change", models.SeverityHigh, models.CategoryAPIError, models.ErrorPermanent)
	case status == http.StatusRequestTimeout || status >= 500:
		return build(err, "ledger is unavailable", models.SeverityMedium, models.CategoryNetwork, models.ErrorTransient)
	}
	return build(err, fmt.Sprintf("unexpected ledger response %d", status), models.SeverityCritical, models.CategoryAPIError, models.ErrorTransient)
}

func build(err error, message string, sev models.Severity, cat models.ErrorCategory, typ models.ErrorType) models.ValidationError {
	return models.ValidationError{
		ID:                uuid.NewString(),
		Field:             "api",
		Message:           message + ": " + err.Error(),
		ActionableMessage: actionable[cat],
		Severity:          sev,
		Category:          cat,
		Type:              typ,
		ResolutionSteps:   resolutionSteps[cat],
	}
}

func withID(v models.ValidationError) models.ValidationError {
	if v.ID == "" {
		v.ID = uuid.NewString()
	}
	if v.ActionableMessage == "" {
		v.ActionableMessage = actionable[v.Category]
	}
	if len(v.ResolutionSteps) == 0 {
		v.ResolutionSteps = resolutionSteps[v.Category]
	}
	return v
}

// statusPattern finds bare three-digit codes; digits inside identifiers such as
// "sub-14015" or "e401a" do not count.
var statusPattern = regexp.MustCompile(`(?:^|[^\w-])([1-5]\d\d)(?:[^\w-]|$)`)

func hasStatus(msg string, codes ...int) bool {
	for _, m := range statusPattern.FindAllStringSubmatch(msg, -1) {
		for _, c := range codes {
			if m[1] == strconv.Itoa(c) {
				return true
			}
		}
	}
	return false
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

var actionable = map[models.ErrorCategory]string{
	models.CategoryRateLimit:     "The ledger is throttling requests. The sync will be retried automatically.",
	models.CategoryPermission:    "The ledger connection is not authorized. Reconnect the integration.",
	models.CategoryValidation:    "The ledger rejected the record. Correct the data and resubmit.",
	models.CategoryNetwork:       "The ledger could not be reached. The sync will be retried automatically.",
	models.CategoryAPIError:      "The ledger call failed unexpectedly. Check the integration status.",
	models.CategoryDataIntegrity: "The record is corrupted and cannot be sent.",
	models.CategoryBusinessRule:  "The record breaks a billing rule. Correct the data and resubmit.",
}

var resolutionSteps = map[models.ErrorCategory][]string{
	models.CategoryRateLimit:  {"Wait for the automatic retry", "Reduce batch migration size if this repeats"},
	models.CategoryPermission: {"Reconnect the ledger integration", "Confirm the API client still has time entry scope", "Resolve the quarantined record to resubmit"},
	models.CategoryValidation: {"Review the ledger error message", "Correct the source record", "Resolve the quarantined record with corrected data"},
	models.CategoryNetwork:    {"Wait for the automatic retry", "Check ledger status if failures persist"},
	models.CategoryAPIError:   {"Check the ledger connection status", "Inspect worker logs for the job", "Retry the failed job"},
}

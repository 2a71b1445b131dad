package classifier

import (
	"context"
	"fmt"

	"github.com/phuslu/log"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/quarantine"
)

// Action is the decided follow-up for a failure.
type Action string

const (
	ActionRetry      Action = "retry"
	ActionQuarantine Action = "quarantine"
	ActionEscalate   Action = "escalate"
)

// Quarantiner stores records that need human review.
type Quarantiner interface {
	Quarantine(ctx context.Context, req quarantine.Request) (models.QuarantineRecord, error)
}

// Failure is one failed record presented for handling.
type Failure struct {
	EntityType      models.EntityType
	EntityID        string
	OriginalData    any
	TransformedData any
	// Errors are already classified; Err is classified and appended when set.
	Errors        []models.ValidationError
	Err           error
	CanRetry      bool
	QuarantinedBy string
	Metadata      map[string]any
}

// Outcome reports what Handle did.
type Outcome struct {
	Handled      bool                     `json:"handled"`
	Quarantined  bool                     `json:"quarantined"`
	Escalated    bool                     `json:"escalated"`
	CanRetry     bool                     `json:"can_retry"`
	NextAction   Action                   `json:"next_action"`
	QuarantineID string                   `json:"quarantine_id,omitempty"`
	Errors       []models.ValidationError `json:"errors"`
}

type Handler struct {
	quarantine Quarantiner
	escalator  *Escalator
	logger     *log.Logger
}

func NewHandler(q Quarantiner, escalator *Escalator, logger *log.Logger) *Handler {
	return &Handler{quarantine: q, escalator: escalator, logger: logger}
}

// Escalator exposes the rule engine for the operator surface.
func (h *Handler) Escalator() *Escalator { return h.escalator }

// Decide applies the decision policy without side effects.
//
// Critical errors escalate; a critical permanent error is never retried while a
// critical transient one keeps its bounded retry. Otherwise permanent errors
// quarantine, transient errors retry while retries remain, and anything left
// over quarantines.
func Decide(errs []models.ValidationError, canRetry bool) (next Action, escalate, retry bool) {
	var critical, permanent bool
	for _, e := range errs {
		if e.Severity == models.SeverityCritical {
			critical = true
		}
		if e.Type == models.ErrorPermanent {
			permanent = true
		}
	}
	retry = !permanent && canRetry
	switch {
	case critical:
		return ActionEscalate, true, retry
	case retry:
		return ActionRetry, false, true
	}
	return ActionQuarantine, false, false
}

// Handle classifies a failure, then quarantines and escalates as the policy
// dictates. A record that will not be retried always ends up quarantined.
func (h *Handler) Handle(ctx context.Context, f Failure) (Outcome, error) {
	errs := append([]models.ValidationError(nil), f.Errors...)
	if f.Err != nil {
		errs = append(errs, Classify(f.Err))
	}
	if len(errs) == 0 {
		return Outcome{Handled: true, CanRetry: f.CanRetry, Errors: errs}, nil
	}

	next, force, retry := Decide(errs, f.CanRetry)
	out := Outcome{Handled: true, CanRetry: retry, NextAction: next, Errors: errs}

	logEvent := h.logger.Error()
	if retry && !force {
		logEvent = h.logger.Warn()
	}
	logEvent.
		Str("entity_type", string(f.EntityType)).
		Str("entity_id", f.EntityID).
		Str("next_action", string(next)).
		Str("severity", string(models.MaxSeverity(errs))).
		Str("category", string(errs[len(errs)-1].Category)).
		Bool("can_retry", retry).
		Msg("sync failure classified")

	if h.escalator != nil {
		fired, err := h.escalator.Evaluate(ctx, f.EntityType, f.EntityID, errs, force)
		if err != nil {
			return out, err
		}
		out.Escalated = len(fired) > 0
		if out.Escalated && next != ActionEscalate {
			out.NextAction = ActionEscalate
		}
	}

	if !retry {
		rec, err := h.quarantine.Quarantine(ctx, quarantine.Request{
			EntityType:      f.EntityType,
			EntityID:        f.EntityID,
			OriginalData:    f.OriginalData,
			TransformedData: f.TransformedData,
			Errors:          errs,
			QuarantinedBy:   f.QuarantinedBy,
			Metadata:        f.Metadata,
		})
		if err != nil {
			return out, fmt.Errorf("quarantine %s %s: %w", f.EntityType, f.EntityID, err)
		}
		out.Quarantined = true
		out.QuarantineID = rec.ID
	}
	return out, nil
}

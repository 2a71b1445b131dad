package classifier

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/phuslu/log"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/store"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/telemetry"
)

// ErrInvalidRules is returned by SetRules for a rule set that fails validation.
var ErrInvalidRules = errors.New("invalid escalation rules")

// RulesConfigKey is the system configuration key holding escalation rules.
const RulesConfigKey = "escalation_rules"

// CriticalRule is raised for a critical error no configured rule matched.
const CriticalRule = "critical_error"

// DefaultRules apply until an operator stores a rule set.
var DefaultRules = []models.EscalationRule{
	{
		Name:                CriticalRule,
		SeverityFilter:      []models.Severity{models.SeverityCritical},
		ErrorCountThreshold: 1,
		TimeWindowMinutes:   60,
		EscalateTo:          []string{"finance-ops"},
	},
	{
		Name:                "auth_failures",
		CategoryFilter:      []models.ErrorCategory{models.CategoryPermission},
		ErrorCountThreshold: 3,
		TimeWindowMinutes:   15,
		EscalateTo:          []string{"integrations"},
	},
	{
		Name:                "ledger_outage",
		CategoryFilter:      []models.ErrorCategory{models.CategoryNetwork, models.CategoryAPIError, models.CategoryRateLimit},
		ErrorCountThreshold: 10,
		TimeWindowMinutes:   5,
		EscalateTo:          []string{"integrations", "on-call"},
	},
}

// Notifier delivers an escalation to its recipients.
type Notifier interface {
	Notify(ctx context.Context, esc models.Escalation) error
}

// LogNotifier writes escalations to the error log.
type LogNotifier struct {
	Logger *log.Logger
}

func (n LogNotifier) Notify(_ context.Context, esc models.Escalation) error {
	n.Logger.Error().
		Str("escalation_id", esc.ID).
		Str("rule", esc.Rule).
		Str("entity_type", string(esc.EntityType)).
		Str("entity_id", esc.EntityID).
		Str("severity", string(esc.Severity)).
		Strs("recipients", esc.Recipients).
		Msg(esc.Summary)
	return nil
}

type Escalator struct {
	escalations store.EscalationStore
	config      store.ConfigStore
	notifiers   []Notifier
	logger      *log.Logger
	now         func() time.Time

	mu     sync.Mutex
	window map[string][]time.Time
}

func NewEscalator(escalations store.EscalationStore, config store.ConfigStore, logger *log.Logger, notifiers ...Notifier) *Escalator {
	return &Escalator{
		escalations: escalations,
		config:      config,
		notifiers:   notifiers,
		logger:      logger,
		now:         time.Now,
		window:      make(map[string][]time.Time),
	}
}

// Rules returns the stored rule set, or DefaultRules when none is stored.
func (e *Escalator) Rules(ctx context.Context) ([]models.EscalationRule, error) {
	entry, err := e.config.GetConfig(ctx, RulesConfigKey)
	if errors.Is(err, store.ErrNotFound) {
		return slices.Clone(DefaultRules), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load escalation rules: %w", err)
	}
	var rules []models.EscalationRule
	if err := json.Unmarshal(entry.Value, &rules); err != nil {
		return nil, fmt.Errorf("decode escalation rules: %w", err)
	}
	return rules, nil
}

// SetRules validates and stores a new rule set.
func (e *Escalator) SetRules(ctx context.Context, rules []models.EscalationRule, updatedBy string) (models.ConfigEntry, error) {
	names := make(map[string]bool, len(rules))
	for i, r := range rules {
		switch {
		case strings.TrimSpace(r.Name) == "":
			return models.ConfigEntry{}, fmt.Errorf("%w: rule %d: name is required", ErrInvalidRules, i)
		case names[r.Name]:
			return models.ConfigEntry{}, fmt.Errorf("%w: rule %q: duplicate name", ErrInvalidRules, r.Name)
		case r.ErrorCountThreshold < 1:
			return models.ConfigEntry{}, fmt.Errorf("%w: rule %q: error_count_threshold must be at least 1", ErrInvalidRules, r.Name)
		case r.ErrorCountThreshold > 1 && r.TimeWindowMinutes < 1:
			return models.ConfigEntry{}, fmt.Errorf("%w: rule %q: time_window_minutes must be at least 1", ErrInvalidRules, r.Name)
		case len(r.EscalateTo) == 0:
			return models.ConfigEntry{}, fmt.Errorf("%w: rule %q: escalate_to is required", ErrInvalidRules, r.Name)
		}
		names[r.Name] = true
	}
	raw, err := json.Marshal(rules)
	if err != nil {
		return models.ConfigEntry{}, err
	}
	entry, err := e.config.PutConfig(ctx, RulesConfigKey, raw, updatedBy)
	if err != nil {
		return models.ConfigEntry{}, fmt.Errorf("store escalation rules: %w", err)
	}

	e.mu.Lock()
	e.window = make(map[string][]time.Time)
	e.mu.Unlock()
	return entry, nil
}

// Evaluate counts errs against every rule and raises an escalation for each
// rule whose threshold is reached inside its window. When force is set and
// no rule fired, a CriticalRule escalation is raised anyway.
func (e *Escalator) Evaluate(ctx context.Context, entityType models.EntityType, entityID string, errs []models.ValidationError, force bool) ([]models.Escalation, error) {
	rules, err := e.Rules(ctx)
	if err != nil {
		e.logger.Error().Err(err).Msg("falling back to default escalation rules")
		rules = DefaultRules
	}

	var fired []models.Escalation
	for _, rule := range rules {
		matched := matching(rule, errs)
		if len(matched) == 0 || !e.record(rule, len(matched)) {
			continue
		}
		esc, err := e.raise(ctx, rule, entityType, entityID, matched)
		if err != nil {
			return fired, err
		}
		fired = append(fired, esc)
	}

	if force && len(fired) == 0 {
		rule := DefaultRules[0]
		for _, r := range rules {
			if r.Name == CriticalRule {
				rule = r
			}
		}
		esc, err := e.raise(ctx, rule, entityType, entityID, errs)
		if err != nil {
			return fired, err
		}
		fired = append(fired, esc)
	}
	return fired, nil
}

// record adds n hits to the rule's sliding window and reports whether the
// threshold is reached. A firing rule starts a fresh window.
func (e *Escalator) record(rule models.EscalationRule, n int) bool {
	threshold := max(rule.ErrorCountThreshold, 1)
	if threshold == 1 {
		return true
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	now := e.now()
	cutoff := now.Add(-time.Duration(rule.TimeWindowMinutes) * time.Minute)
	hits := e.window[rule.Name]
	kept := hits[:0]
	for _, t := range hits {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	for range n {
		kept = append(kept, now)
	}
	if len(kept) >= threshold {
		delete(e.window, rule.Name)
		return true
	}
	e.window[rule.Name] = kept
	return false
}

func (e *Escalator) raise(ctx context.Context, rule models.EscalationRule, entityType models.EntityType, entityID string, errs []models.ValidationError) (models.Escalation, error) {
	esc := models.Escalation{
		ID:         uuid.NewString(),
		Rule:       rule.Name,
		EntityType: entityType,
		EntityID:   entityID,
		Severity:   models.MaxSeverity(errs),
		Summary:    summarize(rule, entityType, entityID, errs),
		Errors:     errs,
		Recipients: rule.EscalateTo,
		CreatedAt:  e.now().UTC(),
	}
	if err := e.escalations.InsertEscalation(ctx, esc); err != nil {
		return esc, fmt.Errorf("record escalation: %w", err)
	}
	telemetry.Escalations.WithLabelValues(rule.Name).Inc()
	for _, n := range e.notifiers {
		if err := n.Notify(ctx, esc); err != nil {
			e.logger.Error().Err(err).Str("escalation_id", esc.ID).Msg("escalation notifier failed")
		}
	}
	return esc, nil
}

func matching(rule models.EscalationRule, errs []models.ValidationError) []models.ValidationError {
	var out []models.ValidationError
	for _, v := range errs {
		if len(rule.SeverityFilter) > 0 && !slices.Contains(rule.SeverityFilter, v.Severity) {
			continue
		}
		if len(rule.CategoryFilter) > 0 && !slices.Contains(rule.CategoryFilter, v.Category) {
			continue
		}
		out = append(out, v)
	}
	return out
}

func summarize(rule models.EscalationRule, entityType models.EntityType, entityID string, errs []models.ValidationError) string {
	first := ""
	if len(errs) > 0 {
		first = errs[0].Message
	}
	if rule.ErrorCountThreshold > 1 {
		return fmt.Sprintf("%s: %d errors within %dm, latest on %s %s: %s", rule.Name, rule.ErrorCountThreshold, rule.TimeWindowMinutes, entityType, entityID, first)
	}
	return fmt.Sprintf("%s on %s %s: %s", rule.Name, entityType, entityID, first)
}

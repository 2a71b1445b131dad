// Package validation checks transformed records before they leave the system.
// Three layers run in order (schema, data integrity, business rules) and all of
// their findings are accumulated.
package validation

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
)

var idCharset = regexp.MustCompile(`^[A-Za-z0-9._:\-]+$`)

// Rule is a business-rule predicate. It returns nil when the record passes.
type Rule func(record any) *models.ValidationError

type namedRule struct {
	name string
	rule Rule
}

// Engine validates records per entity type. It is safe for concurrent use.
type Engine struct {
	validate *validator.Validate
	now      func() time.Time

	mu    sync.RWMutex
	rules map[models.EntityType][]namedRule
}

// NewEngine returns an engine with the built-in business rules registered.
func NewEngine() *Engine {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	_ = v.RegisterValidation("isodate", func(fl validator.FieldLevel) bool {
		_, err := time.Parse("2006-01-02", fl.Field().String())
		return err == nil
	})
	_ = v.RegisterValidation("idcharset", func(fl validator.FieldLevel) bool {
		return idCharset.MatchString(fl.Field().String())
	})

	e := &Engine{validate: v, now: time.Now, rules: make(map[models.EntityType][]namedRule)}
	registerDefaultRules(e)
	return e
}

// RegisterRule appends a business rule for entity.
func (e *Engine) RegisterRule(entity models.EntityType, name string, rule Rule) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rules[entity] = append(e.rules[entity], namedRule{name: name, rule: rule})
}

// Validate runs every layer against record. An internal failure is reported as
// a single critical transient error instead of propagating.
func (e *Engine) Validate(record any, entity models.EntityType) (res models.ValidationResult) {
	res.ValidatedAt = e.now().UTC()
	defer func() {
		if r := recover(); r != nil {
			res.Errors = []models.ValidationError{newError("", fmt.Sprintf("validation aborted: %v", r),
				"Retry the sync; if it keeps failing, report it to the platform team.",
				models.SeverityCritical, models.CategoryValidation, models.ErrorTransient,
				"Retry the sync", "Escalate to engineering with the record id")}
			res.Warnings = nil
			res.IsValid = false
		}
	}()

	// A cyclic record would send struct traversal into unbounded recursion, so
	// the schema and rule layers never see one.
	integrity, cyclic := integrityErrors(record)
	found := integrity
	if !cyclic {
		found = append(found, e.schemaErrors(record)...)
		found = append(found, e.ruleErrors(record, entity)...)
	}

	res.Errors = []models.ValidationError{}
	res.Warnings = []models.ValidationError{}
	for _, ve := range found {
		if ve.Severity.AtLeast(models.SeverityHigh) {
			res.Errors = append(res.Errors, ve)
		} else {
			res.Warnings = append(res.Warnings, ve)
		}
	}
	res.IsValid = len(res.Errors) == 0
	if len(integrity) == 0 {
		res.Checksum, _ = Checksum(record)
	}
	return res
}

func (e *Engine) schemaErrors(record any) []models.ValidationError {
	err := e.validate.Struct(record)
	if err == nil {
		return nil
	}
	var invalid *validator.InvalidValidationError
	if errors.As(err, &invalid) {
		return []models.ValidationError{newError("", "record is not a structured value",
			"The record could not be interpreted; check the source data.",
			models.SeverityCritical, models.CategoryDataIntegrity, models.ErrorPermanent,
			"Inspect the original record", "Correct the data and resubmit")}
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		panic(err)
	}
	out := make([]models.ValidationError, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		out = append(out, schemaError(fe))
	}
	return out
}

func schemaError(fe validator.FieldError) models.ValidationError {
	field := fe.Field()
	var msg, action string
	switch fe.Tag() {
	case "required":
		msg = field + " is required"
		action = "Fill in " + field + " on the source record."
	case "max":
		msg = fmt.Sprintf("%s exceeds the maximum length of %s", field, fe.Param())
		action = fmt.Sprintf("Shorten %s to at most %s characters.", field, fe.Param())
	case "isodate":
		msg = field + " must be a date in YYYY-MM-DD format"
		action = "Correct the date on the source record."
	case "idcharset":
		msg = field + " contains characters the ledger does not accept"
		action = "Use only letters, digits, '.', '_', ':' and '-' in identifiers."
	case "oneof":
		msg = fmt.Sprintf("%s must be one of [%s]", field, fe.Param())
		action = "Pick an allowed value for " + field + "."
	case "email":
		msg = field + " is not a valid email address"
		action = "Correct the email address on the source record."
	case "gte":
		msg = fmt.Sprintf("%s must be at least %s", field, fe.Param())
		action = "Correct " + field + " on the source record."
	default:
		msg = fmt.Sprintf("%s failed the %s check", field, fe.Tag())
		action = "Correct " + field + " on the source record."
	}
	ve := newError(field, msg, action, models.SeverityHigh, models.CategoryValidation, models.ErrorPermanent,
		"Correct the source record", "Resubmit the record from quarantine")
	if fe.Tag() != "required" {
		ve.Value = fe.Value()
	}
	return ve
}

func (e *Engine) ruleErrors(record any, entity models.EntityType) []models.ValidationError {
	e.mu.RLock()
	rules := append([]namedRule(nil), e.rules[entity]...)
	e.mu.RUnlock()

	var out []models.ValidationError
	for _, nr := range rules {
		if ve := nr.rule(record); ve != nil {
			if ve.ID == "" {
				ve.ID = uuid.NewString()
			}
			out = append(out, *ve)
		}
	}
	return out
}

func newError(field, msg, action string, sev models.Severity, cat models.ErrorCategory, typ models.ErrorType, steps ...string) models.ValidationError {
	return models.ValidationError{
		ID:                uuid.NewString(),
		Field:             field,
		Message:           msg,
		ActionableMessage: action,
		Severity:          sev,
		Category:          cat,
		Type:              typ,
		ResolutionSteps:   steps,
	}
}

// NewError builds a ValidationError for callers outside the engine.
func NewError(field, msg, action string, sev models.Severity, cat models.ErrorCategory, typ models.ErrorType, steps ...string) models.ValidationError {
	return newError(field, msg, action, sev, cat, typ, steps...)
}

package validation

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"reflect"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
)

// criticalFields are compared between the sent and the stored record after sync.
var criticalFields = []string{"id", "amount", "date", "duration", "status"}

// integrityErrors rejects records that are cyclic or not serialisable. cyclic
// is set when the record must not be traversed any further.
func integrityErrors(record any) (errs []models.ValidationError, cyclic bool) {
	if hasCycle(reflect.ValueOf(record), map[uintptr]bool{}) {
		return []models.ValidationError{newError("", "record contains a circular reference",
			"The record refers to itself; rebuild it from the source data.",
			models.SeverityCritical, models.CategoryDataIntegrity, models.ErrorPermanent,
			"Inspect the source record for self references", "Correct the data and resubmit")}, true
	}
	if _, err := json.Marshal(record); err != nil {
		return []models.ValidationError{newError("", "record cannot be serialised: "+err.Error(),
			"The record holds values the ledger cannot receive (for example NaN amounts).",
			models.SeverityCritical, models.CategoryDataIntegrity, models.ErrorPermanent,
			"Inspect numeric fields for invalid values", "Correct the data and resubmit")}, false
	}
	return nil, false
}

func hasCycle(v reflect.Value, onPath map[uintptr]bool) bool {
	switch v.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Slice:
		if v.IsNil() {
			return false
		}
		if v.Kind() == reflect.Slice && v.Len() == 0 {
			return false
		}
		ptr := v.Pointer()
		if onPath[ptr] {
			return true
		}
		onPath[ptr] = true
		defer delete(onPath, ptr)
	}

	switch v.Kind() {
	case reflect.Pointer, reflect.Interface:
		if v.IsNil() {
			return false
		}
		return hasCycle(v.Elem(), onPath)
	case reflect.Struct:
		for i := 0; i < v.NumField(); i++ {
			if hasCycle(v.Field(i), onPath) {
				return true
			}
		}
	case reflect.Slice, reflect.Array:
		for i := 0; i < v.Len(); i++ {
			if hasCycle(v.Index(i), onPath) {
				return true
			}
		}
	case reflect.Map:
		iter := v.MapRange()
		for iter.Next() {
			if hasCycle(iter.Value(), onPath) {
				return true
			}
		}
	}
	return false
}

// Checksum is a SHA-256 over the record's canonical JSON (object keys sorted).
func Checksum(record any) (string, error) {
	canonical, err := canonicalJSON(record)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func canonicalJSON(record any) ([]byte, error) {
	m, err := toGeneric(record)
	if err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

func toGeneric(record any) (any, error) {
	raw, err := json.Marshal(record)
	if err != nil {
		return nil, fmt.Errorf("marshal record: %w", err)
	}
	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("unmarshal record: %w", err)
	}
	return generic, nil
}

// VerifyPostSyncIntegrity recomputes the checksum of what was sent and compares
// the critical fields with what the ledger reports back.
func VerifyPostSyncIntegrity(original, synced any, originalChecksum string) models.IntegrityReport {
	report := models.IntegrityReport{FieldMismatches: []models.FieldMismatch{}}

	sum, err := Checksum(original)
	report.ChecksumMatch = err == nil && sum == originalChecksum

	sent, errSent := toGeneric(original)
	got, errGot := toGeneric(synced)
	sentMap, okSent := sent.(map[string]any)
	gotMap, okGot := got.(map[string]any)
	if errSent != nil || errGot != nil || !okSent || !okGot {
		report.FieldMismatches = append(report.FieldMismatches, models.FieldMismatch{Field: "*", Expected: "object", Actual: fmt.Sprintf("%T", synced)})
		return report
	}

	for _, field := range criticalFields {
		want, ok := sentMap[field]
		if !ok || want == nil || want == "" {
			continue
		}
		have := gotMap[field]
		if !reflect.DeepEqual(want, have) {
			report.FieldMismatches = append(report.FieldMismatches, models.FieldMismatch{Field: field, Expected: want, Actual: have})
		}
	}
	report.IsValid = report.ChecksumMatch && len(report.FieldMismatches) == 0
	return report
}

// Package memory is an in-process implementation of the store interfaces.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/store"
)

// Store keeps every table in maps guarded by one mutex.
type Store struct {
	mu sync.RWMutex

	submissions map[string]models.Submission
	projects    map[string]models.Project
	clients     map[string]models.Client

	syncLogs   []models.SyncLogEntry
	nextLogID  int64
	quarantine map[string]models.QuarantineRecord
	audits     []models.QuarantineAudit
	escalation []models.Escalation
	config     map[string]models.ConfigEntry

	now func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		submissions: make(map[string]models.Submission),
		projects:    make(map[string]models.Project),
		clients:     make(map[string]models.Client),
		quarantine:  make(map[string]models.QuarantineRecord),
		config:      make(map[string]models.ConfigEntry),
		now:         time.Now,
	}
}

// PutSubmission seeds or replaces a submission.
func (s *Store) PutSubmission(sub models.Submission) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submissions[sub.ID] = cloneSubmission(sub)
}

func (s *Store) PutProject(p models.Project) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.projects[p.ID] = p
}

func (s *Store) PutClient(c models.Client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c.ID] = c
}

func (s *Store) Ping(context.Context) error { return nil }

func (s *Store) Close() {}

func (s *Store) GetSubmission(_ context.Context, id string) (models.Submission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.submissions[id]
	if !ok {
		return models.Submission{}, fmt.Errorf("submission %s: %w", id, store.ErrNotFound)
	}
	return cloneSubmission(sub), nil
}

func (s *Store) ListApproved(_ context.Context, from, to *time.Time) ([]models.SubmissionSummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.SubmissionSummary
	for _, sub := range s.submissions {
		if sub.Status != models.SubmissionApproved {
			continue
		}
		if from != nil && sub.WeekStartDate.Before(*from) {
			continue
		}
		if to != nil && sub.WeekStartDate.After(*to) {
			continue
		}
		sum := models.SubmissionSummary{ID: sub.ID, UserID: sub.UserID, WeekStartDate: sub.WeekStartDate}
		if sub.ApprovedAt != nil {
			sum.ApprovedAt = *sub.ApprovedAt
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].WeekStartDate.Equal(out[j].WeekStartDate) {
			return out[i].WeekStartDate.Before(out[j].WeekStartDate)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) GetProject(_ context.Context, id string) (models.Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return models.Project{}, fmt.Errorf("project %s: %w", id, store.ErrNotFound)
	}
	return p, nil
}

func (s *Store) GetClient(_ context.Context, id string) (models.Client, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.clients[id]
	if !ok {
		return models.Client{}, fmt.Errorf("client %s: %w", id, store.ErrNotFound)
	}
	return c, nil
}

func (s *Store) AppendSyncLog(_ context.Context, entry models.SyncLogEntry) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextLogID++
	entry.ID = s.nextLogID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = s.now().UTC()
	}
	s.syncLogs = append(s.syncLogs, entry)
	return entry.ID, nil
}

func (s *Store) HasSuccess(_ context.Context, submissionID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.syncLogs {
		if e.SubmissionID == submissionID && e.Operation == models.OpSyncTimesheet && e.Status == models.SyncSuccess {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) SyncedSubmissionIDs(context.Context) (map[string]bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]bool)
	for _, e := range s.syncLogs {
		if e.Operation == models.OpSyncTimesheet && e.Status == models.SyncSuccess && e.SubmissionID != "" {
			out[e.SubmissionID] = true
		}
	}
	return out, nil
}

func (s *Store) RecentSyncLogs(_ context.Context, limit int) ([]models.SyncLogEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.syncLogs)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.SyncLogEntry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.syncLogs[i])
	}
	return out, nil
}

func (s *Store) SyncRates(_ context.Context, since time.Time) (models.SyncRates, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r := models.SyncRates{Since: since}
	for _, e := range s.syncLogs {
		if e.Operation != models.OpSyncTimesheet || e.CreatedAt.Before(since) {
			continue
		}
		switch e.Status {
		case models.SyncSuccess:
			r.Success++
		case models.SyncFailure:
			r.Failure++
		case models.SyncPartial:
			r.Partial++
		}
	}
	if total := r.Success + r.Failure + r.Partial; total > 0 {
		r.SuccessRate = float64(r.Success) / float64(total)
	}
	return r, nil
}

// SyncLogs returns a copy of the full history.
func (s *Store) SyncLogs() []models.SyncLogEntry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.SyncLogEntry(nil), s.syncLogs...)
}

func (s *Store) InsertQuarantine(_ context.Context, rec models.QuarantineRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.Status.Active() {
		for _, existing := range s.quarantine {
			if existing.Status.Active() && existing.EntityType == rec.EntityType && existing.EntityID == rec.EntityID {
				return fmt.Errorf("quarantine %s/%s: %w", rec.EntityType, rec.EntityID, store.ErrDuplicate)
			}
		}
	}
	s.quarantine[rec.ID] = cloneQuarantine(rec)
	return nil
}

func (s *Store) GetQuarantine(_ context.Context, id string) (models.QuarantineRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.quarantine[id]
	if !ok {
		return models.QuarantineRecord{}, fmt.Errorf("quarantine %s: %w", id, store.ErrNotFound)
	}
	return cloneQuarantine(rec), nil
}

func (s *Store) FindActiveQuarantine(_ context.Context, entityType models.EntityType, entityID string) (models.QuarantineRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.quarantine {
		if rec.Status.Active() && rec.EntityType == entityType && rec.EntityID == entityID {
			return cloneQuarantine(rec), nil
		}
	}
	return models.QuarantineRecord{}, store.ErrNotFound
}

func (s *Store) UpdateQuarantine(_ context.Context, rec models.QuarantineRecord, expected models.QuarantineStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.quarantine[rec.ID]
	if !ok {
		return fmt.Errorf("quarantine %s: %w", rec.ID, store.ErrNotFound)
	}
	if cur.Status != expected {
		return fmt.Errorf("quarantine %s is %s: %w", rec.ID, cur.Status, store.ErrConflict)
	}
	s.quarantine[rec.ID] = cloneQuarantine(rec)
	return nil
}

func (s *Store) ListQuarantine(_ context.Context, filter models.QuarantineFilter, offset, limit int) ([]models.QuarantineRecord, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var matched []models.QuarantineRecord
	for _, rec := range s.quarantine {
		if store.MatchesQuarantineFilter(rec, filter) {
			matched = append(matched, rec)
		}
	}
	sort.Slice(matched, func(i, j int) bool {
		if !matched[i].QuarantinedAt.Equal(matched[j].QuarantinedAt) {
			return matched[i].QuarantinedAt.After(matched[j].QuarantinedAt)
		}
		return matched[i].ID < matched[j].ID
	})
	total := len(matched)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := total
	if limit > 0 && offset+limit < total {
		end = offset + limit
	}
	out := make([]models.QuarantineRecord, 0, end-offset)
	for _, rec := range matched[offset:end] {
		out = append(out, cloneQuarantine(rec))
	}
	return out, total, nil
}

func (s *Store) AppendQuarantineAudit(_ context.Context, audit models.QuarantineAudit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, audit)
	return nil
}

func (s *Store) ListQuarantineAudit(_ context.Context, quarantineID string) ([]models.QuarantineAudit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.QuarantineAudit
	for _, a := range s.audits {
		if a.QuarantineID == quarantineID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *Store) InsertEscalation(_ context.Context, esc models.Escalation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.escalation = append(s.escalation, esc)
	return nil
}

func (s *Store) ListEscalations(_ context.Context, limit int) ([]models.Escalation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.escalation)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]models.Escalation, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, s.escalation[i])
	}
	return out, nil
}

func (s *Store) GetConfig(_ context.Context, key string) (models.ConfigEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.config[key]
	if !ok {
		return models.ConfigEntry{}, fmt.Errorf("config %s: %w", key, store.ErrNotFound)
	}
	return e, nil
}

func (s *Store) PutConfig(_ context.Context, key string, value []byte, updatedBy string) (models.ConfigEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.config[key]
	e.Key = key
	e.Value = append([]byte(nil), value...)
	e.Version++
	e.UpdatedAt = s.now().UTC()
	e.UpdatedBy = updatedBy
	s.config[key] = e
	return e, nil
}

func cloneSubmission(sub models.Submission) models.Submission {
	sub.Entries = append([]models.TimeEntry(nil), sub.Entries...)
	return sub
}

func cloneQuarantine(rec models.QuarantineRecord) models.QuarantineRecord {
	rec.Errors = append([]models.ValidationError(nil), rec.Errors...)
	rec.OriginalData = append(json.RawMessage(nil), rec.OriginalData...)
	rec.TransformedData = append(json.RawMessage(nil), rec.TransformedData...)
	if rec.Metadata != nil {
		md := make(map[string]any, len(rec.Metadata))
		for k, v := range rec.Metadata {
			md[k] = v
		}
		rec.Metadata = md
	}
	return rec
}

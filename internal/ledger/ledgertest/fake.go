// Package ledgertest provides an in-memory ledger for tests.
package ledgertest

import (
	"context"
	"fmt"
	"sync"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/ledger"
	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
)

// Fake is an in-memory ledger.Client. Errors queued with FailNext are returned
// by the next writes, one per call.
type Fake struct {
	mu           sync.Mutex
	Disconnected bool
	entries      map[string]models.LedgerTimeEntry
	projects     map[string]models.LedgerProject
	contacts     map[string]models.LedgerContact
	failures     []error
	seq          int
	Writes       int
	Creates      int
	Updates      int
}

var _ ledger.Client = (*Fake)(nil)

func New() *Fake {
	return &Fake{
		entries:  make(map[string]models.LedgerTimeEntry),
		projects: make(map[string]models.LedgerProject),
		contacts: make(map[string]models.LedgerContact),
	}
}

// FailNext queues errors for upcoming write calls.
func (f *Fake) FailNext(errs ...error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = append(f.failures, errs...)
}

// Entries returns every stored time entry.
func (f *Fake) Entries() []models.LedgerTimeEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]models.LedgerTimeEntry, 0, len(f.entries))
	for _, e := range f.entries {
		out = append(out, e)
	}
	return out
}

func (f *Fake) Authenticate(context.Context) error { return nil }

func (f *Fake) ConnectionStatus(context.Context) models.ConnectionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Disconnected {
		return models.ConnectionStatus{Error: "connection refused"}
	}
	return models.ConnectionStatus{Connected: true, OrganizationName: "Test Org"}
}

func (f *Fake) write() (string, error) {
	if len(f.failures) > 0 {
		err := f.failures[0]
		f.failures = f.failures[1:]
		return "", err
	}
	f.seq++
	f.Writes++
	return fmt.Sprintf("xe-%d", f.seq), nil
}

func (f *Fake) CreateOrUpdateTimeEntry(_ context.Context, e models.LedgerTimeEntry) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, err := f.write()
	if err != nil {
		return "", err
	}
	if e.ID != "" {
		id = e.ID
		f.Updates++
	} else {
		f.Creates++
	}
	e.ID = id
	f.entries[id] = e
	return id, nil
}

func (f *Fake) ListTimeEntries(_ context.Context, c models.TimeEntryCriteria) ([]models.LedgerTimeEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.LedgerTimeEntry
	for _, e := range f.entries {
		if c.ProjectID != "" && e.ProjectID != c.ProjectID {
			continue
		}
		if c.UserID != "" && e.UserID != c.UserID {
			continue
		}
		if c.Date != "" && e.Date != c.Date {
			continue
		}
		out = append(out, e)
	}
	return out, nil
}

func (f *Fake) FindMatchingTimeEntry(ctx context.Context, c models.TimeEntryCriteria) (*models.LedgerTimeEntry, error) {
	items, err := f.ListTimeEntries(ctx, c)
	if err != nil {
		return nil, err
	}
	return ledger.MatchTimeEntry(items, c), nil
}

func (f *Fake) CreateOrUpdateProject(_ context.Context, p models.LedgerProject) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, err := f.write()
	if err != nil {
		return "", err
	}
	if p.ID != "" {
		id = p.ID
	}
	p.ID = id
	f.projects[p.SourceID] = p
	return id, nil
}

func (f *Fake) FindProject(_ context.Context, sourceID string) (*models.LedgerProject, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[sourceID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (f *Fake) CreateOrUpdateContact(_ context.Context, c models.LedgerContact) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	id, err := f.write()
	if err != nil {
		return "", err
	}
	if c.ID != "" {
		id = c.ID
	}
	c.ID = id
	f.contacts[c.SourceID] = c
	return id, nil
}

func (f *Fake) FindContact(_ context.Context, sourceID string) (*models.LedgerContact, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.contacts[sourceID]
	if !ok {
		return nil, nil
	}
	return &c, nil
}

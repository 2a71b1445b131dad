// Package events is the in-process pub/sub that decouples approval workflow
// events from sync triggering. The set of event variants is closed and each
// concern subscribes at most once per kind.
package events

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/phuslu/log"

	"github.com/psai-foundry/project-foundry-psa-sub000/internal/models"
)

// Kind enumerates event variants.
type Kind string

const (
	KindTimesheetApproved Kind = "timesheet.approved"
	KindTimesheetRejected Kind = "timesheet.rejected"
	KindSyncCompleted     Kind = "sync.completed"
	KindQueueHealth       Kind = "queue.health"
	KindJobFinished       Kind = "job.finished"
)

// ErrDuplicateSubscriber is returned when a concern subscribes twice to one kind.
var ErrDuplicateSubscriber = errors.New("concern already subscribed to this event kind")

// Event is implemented by every variant below.
type Event interface {
	Kind() Kind
}

type TimesheetApproved struct {
	SubmissionID  string    `json:"submission_id" validate:"required"`
	UserID        string    `json:"user_id" validate:"required"`
	ApprovedBy    string    `json:"approved_by" validate:"required"`
	ApprovedAt    time.Time `json:"approved_at"`
	WeekStartDate string    `json:"week_start_date" validate:"omitempty,datetime=2006-01-02"`
	TotalHours    float64   `json:"total_hours" validate:"gte=0"`
	TotalBillable float64   `json:"total_billable" validate:"gte=0"`
}

func (TimesheetApproved) Kind() Kind { return KindTimesheetApproved }

type TimesheetRejected struct {
	SubmissionID    string    `json:"submission_id" validate:"required"`
	UserID          string    `json:"user_id" validate:"required"`
	RejectedBy      string    `json:"rejected_by" validate:"required"`
	RejectedAt      time.Time `json:"rejected_at"`
	RejectionReason string    `json:"rejection_reason,omitempty"`
}

func (TimesheetRejected) Kind() Kind { return KindTimesheetRejected }

// SyncCompleted is raised once per submission sync, successful or not.
type SyncCompleted struct {
	Result models.SyncResult
	Notify bool
}

func (SyncCompleted) Kind() Kind { return KindSyncCompleted }

// QueueHealth is raised by the periodic health check.
type QueueHealth struct {
	CheckedAt       time.Time
	Degraded        bool
	LedgerConnected bool
	LedgerError     string
	Queues          map[string]models.JobCounts
}

func (QueueHealth) Kind() Kind { return KindQueueHealth }

// JobFinished is raised by workers for every completed or failed job run.
type JobFinished struct {
	JobID        string
	QueueName    string
	JobType      models.JobKind
	Status       models.JobStatus
	Attempts     int
	Result       string
	Error        string
	DeadLettered bool
}

func (JobFinished) Kind() Kind { return KindJobFinished }

// Handler consumes one event.
type Handler func(ctx context.Context, e Event) error

var eventValidator = validator.New()

// Validate checks the struct constraints of an inbound event.
func Validate(e Event) error {
	if e == nil {
		return errors.New("event is required")
	}
	if err := eventValidator.Struct(e); err != nil {
		return fmt.Errorf("invalid %s event: %w", e.Kind(), err)
	}
	return nil
}

// Publisher is what producers depend on.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// Bus dispatches events synchronously to subscribers in concern order.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Kind]map[string]Handler
	logger *log.Logger
}

func NewBus(logger *log.Logger) *Bus {
	return &Bus{subs: make(map[Kind]map[string]Handler), logger: logger}
}

// Subscribe registers handler for kind under a concern name.
func (b *Bus) Subscribe(kind Kind, concern string, handler Handler) error {
	if concern == "" || handler == nil {
		return fmt.Errorf("subscribe %s: concern and handler are required", kind)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	byConcern, ok := b.subs[kind]
	if !ok {
		byConcern = make(map[string]Handler)
		b.subs[kind] = byConcern
	}
	if _, exists := byConcern[concern]; exists {
		return fmt.Errorf("subscribe %s/%s: %w", kind, concern, ErrDuplicateSubscriber)
	}
	byConcern[concern] = handler
	return nil
}

// Publish delivers e to every subscriber of its kind. All subscribers run even
// when one fails; their errors are joined.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	if e == nil {
		return errors.New("publish: nil event")
	}
	b.mu.RLock()
	byConcern := b.subs[e.Kind()]
	concerns := make([]string, 0, len(byConcern))
	for c := range byConcern {
		concerns = append(concerns, c)
	}
	handlers := make(map[string]Handler, len(byConcern))
	for c, h := range byConcern {
		handlers[c] = h
	}
	b.mu.RUnlock()
	sort.Strings(concerns)

	var errs []error
	for _, c := range concerns {
		if err := b.deliver(ctx, handlers[c], e); err != nil {
			b.logger.Error().Err(err).Str("event", string(e.Kind())).Str("concern", c).Msg("event subscriber failed")
			errs = append(errs, fmt.Errorf("%s: %w", c, err))
		}
	}
	return errors.Join(errs...)
}

func (b *Bus) deliver(ctx context.Context, h Handler, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("subscriber panic: %v", r)
		}
	}()
	return h(ctx, e)
}

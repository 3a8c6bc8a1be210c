// Package deadletter holds messages the bus could not deliver. Entries are
// kept per target service until a retry succeeds, an operator archives or
// removes them, or they are purged by age.
package deadletter

import (
	"context"
	stderrors "errors"
	"sync"
	"time"

	errspkg "github.com/drblury/ticketbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/ticketbus/internal/runtime/logging"
	"github.com/drblury/ticketbus/internal/runtime/message"
	"github.com/drblury/ticketbus/internal/runtime/shardmap"
	"github.com/drblury/ticketbus/internal/runtime/telemetry"
)

var (
	// ErrRedelivererRequired is returned by Retry when no redeliverer is set.
	ErrRedelivererRequired = stderrors.New("deadletter: redeliverer is required")
	// ErrRetryInProgress is returned when another Retry holds the entry.
	ErrRetryInProgress = stderrors.New("deadletter: retry already in progress")
)

// Entry wraps a captured message with its failure bookkeeping.
type Entry struct {
	Message     message.Message `json:"message"`
	Reason      string          `json:"reason"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	RetryCount  int             `json:"retry_count"`
	LastRetryAt *time.Time      `json:"last_retry_at,omitempty"`
	Archived    bool            `json:"archived"`
	ArchivedAt  *time.Time      `json:"archived_at,omitempty"`
}

// Service returns the target service the entry belongs to.
func (e Entry) Service() string { return e.Message.TargetService }

// Redeliverer attempts to deliver a dead letter again.
type Redeliverer interface {
	Redeliver(ctx context.Context, msg message.Message) error
}

// RedeliverFunc adapts a function to Redeliverer.
type RedeliverFunc func(ctx context.Context, msg message.Message) error

func (f RedeliverFunc) Redeliver(ctx context.Context, msg message.Message) error { return f(ctx, msg) }

// AuditSink receives entries that leave the active set for long-term storage.
type AuditSink interface {
	RecordArchived(ctx context.Context, entry Entry) error
	RecordPurged(ctx context.Context, entries []Entry) error
}

type record struct {
	Entry
	retrying bool
}

// Option customises a Store.
type Option func(*Store)

// WithRedeliverer sets the collaborator used by Retry.
func WithRedeliverer(r Redeliverer) Option {
	return func(s *Store) { s.redeliverer = r }
}

// WithAuditSink forwards archived and purged entries to sink.
func WithAuditSink(sink AuditSink) Option {
	return func(s *Store) { s.audit = sink }
}

// WithMetrics replaces the metrics collector.
func WithMetrics(m *Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithSink sends store activity to a telemetry sink.
func WithSink(sink telemetry.Sink) Option {
	return func(s *Store) { s.sink = sink }
}

// WithLogger sets the store logger.
func WithLogger(log loggingpkg.ServiceLogger) Option {
	return func(s *Store) { s.log = log }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

// Store is the in-process dead letter store.
type Store struct {
	lists       *shardmap.Map[[]*record]
	metrics     *Metrics
	redeliverMu sync.RWMutex
	redeliverer Redeliverer
	audit       AuditSink
	sink        telemetry.Sink
	log         loggingpkg.ServiceLogger
	now         func() time.Time
}

// NewStore builds an empty store. Without WithMetrics the collectors are
// created against a private registry and never exported.
func NewStore(opts ...Option) *Store {
	s := &Store{
		lists: shardmap.New[[]*record](0),
		now:   time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	if s.metrics == nil {
		s.metrics = NewMetrics(noopRegisterer{})
	}
	s.metrics.now = s.now
	s.log = loggingpkg.OrNop(s.log)
	s.sink = telemetry.Guard(s.sink, s.log)
	return s
}

// SetRedeliverer replaces the redelivery collaborator.
func (s *Store) SetRedeliverer(r Redeliverer) {
	s.redeliverMu.Lock()
	defer s.redeliverMu.Unlock()
	s.redeliverer = r
}

// HasRedeliverer reports whether Retry can attempt delivery.
func (s *Store) HasRedeliverer() bool {
	return s.currentRedeliverer() != nil
}

func (s *Store) currentRedeliverer() Redeliverer {
	s.redeliverMu.RLock()
	defer s.redeliverMu.RUnlock()
	return s.redeliverer
}

// Metrics exposes the store counters.
func (s *Store) Metrics() *Metrics {
	return s.metrics
}

// Add captures msg with the given failure reason.
func (s *Store) Add(msg message.Message, reason string) error {
	service := msg.TargetService
	if service == "" {
		return errspkg.ErrServiceNameRequired
	}

	now := s.now()
	rec := &record{Entry: Entry{
		Message:    msg.Clone(),
		Reason:     reason,
		EnqueuedAt: now,
	}}
	s.lists.Update(service, func(list []*record, _ bool) ([]*record, bool) {
		return append(list, rec), true
	})

	age := time.Duration(-1)
	if !msg.CreatedAt.IsZero() {
		age = now.Sub(msg.CreatedAt)
	}
	s.metrics.RecordEnqueued(service, reason, age)
	s.sink.RecordMetric("dlq.enqueued", 1, telemetry.Tags{"service": service})
	s.log.Info("Message dead-lettered", loggingpkg.LogFields{
		"message_id": msg.ID,
		"service":    service,
		"reason":     reason,
	})
	return nil
}

// locate returns the service holding the first record matching id, in
// service name order. Archived records are skipped unless includeArchived is
// set. Records are only touched under their service's shard lock.
func (s *Store) locate(id string, includeArchived bool) (string, bool) {
	for _, service := range s.lists.Keys() {
		found := false
		s.lists.View(service, func(list []*record, _ bool) {
			for _, rec := range list {
				if rec.Message.ID == id && (includeArchived || !rec.Archived) {
					found = true
					return
				}
			}
		})
		if found {
			return service, true
		}
	}
	return "", false
}

// withRecord runs fn on the first matching record of service under the shard
// lock. It reports whether a record matched.
func (s *Store) withRecord(service, id string, includeArchived bool, fn func(list []*record, idx int) []*record) bool {
	found := false
	s.lists.Update(service, func(list []*record, exists bool) ([]*record, bool) {
		if !exists {
			return nil, false
		}
		for i, rec := range list {
			if rec.Message.ID == id && (includeArchived || !rec.Archived) {
				found = true
				list = fn(list, i)
				break
			}
		}
		return list, len(list) > 0
	})
	return found
}

func removeAt(list []*record, idx int) []*record {
	out := make([]*record, 0, len(list)-1)
	out = append(out, list[:idx]...)
	return append(out, list[idx+1:]...)
}

// Retry redelivers the first non-archived entry with the given message id.
// It fails without attempting delivery when the entry is unknown or already
// reached maxRetries. On success the entry is removed; on failure it stays
// with its retry count incremented and the redelivery error is returned.
func (s *Store) Retry(ctx context.Context, id string, maxRetries int) (bool, error) {
	redeliverer := s.currentRedeliverer()
	if redeliverer == nil {
		return false, ErrRedelivererRequired
	}

	service, ok := s.locate(id, false)
	if !ok {
		return false, &errspkg.NotFoundError{Kind: "dead letter", ID: id}
	}

	var (
		target   *record
		attempt  message.Message
		checkErr error
	)
	now := s.now()
	matched := s.withRecord(service, id, false, func(list []*record, idx int) []*record {
		rec := list[idx]
		switch {
		case rec.retrying:
			checkErr = ErrRetryInProgress
		case rec.RetryCount >= maxRetries:
			checkErr = &errspkg.RetryExhaustedError{MessageID: id, RetryCount: rec.RetryCount, MaxRetries: maxRetries}
		default:
			rec.RetryCount++
			rec.LastRetryAt = &now
			rec.retrying = true
			target = rec
			attempt = rec.Message.Clone()
		}
		return list
	})
	if !matched {
		return false, &errspkg.NotFoundError{Kind: "dead letter", ID: id}
	}
	if checkErr != nil {
		return false, checkErr
	}

	err := redeliverer.Redeliver(ctx, attempt)

	var retryCount int
	s.lists.Update(service, func(list []*record, exists bool) ([]*record, bool) {
		for i, rec := range list {
			if rec != target {
				continue
			}
			rec.retrying = false
			retryCount = rec.RetryCount
			if err == nil {
				list = removeAt(list, i)
			}
			break
		}
		return list, len(list) > 0
	})

	fields := loggingpkg.LogFields{"message_id": id, "service": service, "retry_count": retryCount}
	if err != nil {
		s.metrics.RecordRetryFailed(service)
		s.sink.RecordMetric("dlq.retry_failed", 1, telemetry.Tags{"service": service})
		s.log.Error("Dead letter retry failed", err, fields)
		return false, &errspkg.DeliveryError{Service: service, Cause: err}
	}
	s.metrics.RecordRetried(service, retryCount)
	s.sink.RecordMetric("dlq.retried", 1, telemetry.Tags{"service": service})
	s.log.Info("Dead letter redelivered", fields)
	return true, nil
}

// Remove deletes the first entry with the given id, archived or not.
func (s *Store) Remove(id string) error {
	service, ok := s.locate(id, true)
	if !ok {
		return &errspkg.NotFoundError{Kind: "dead letter", ID: id}
	}

	wasActive := false
	matched := s.withRecord(service, id, true, func(list []*record, idx int) []*record {
		wasActive = !list[idx].Archived
		return removeAt(list, idx)
	})
	if !matched {
		return &errspkg.NotFoundError{Kind: "dead letter", ID: id}
	}
	if wasActive {
		s.metrics.RecordRemoved(service)
	}
	s.log.Info("Dead letter removed", loggingpkg.LogFields{"message_id": id, "service": service})
	return nil
}

// Archive moves the first active entry with the given id into the audit set.
// The entry is forwarded to the audit sink when one is configured; audit
// failures are logged and do not undo the archive.
func (s *Store) Archive(ctx context.Context, id string) error {
	service, ok := s.locate(id, false)
	if !ok {
		return &errspkg.NotFoundError{Kind: "dead letter", ID: id}
	}

	now := s.now()
	var archived Entry
	matched := s.withRecord(service, id, false, func(list []*record, idx int) []*record {
		rec := list[idx]
		rec.Archived = true
		rec.ArchivedAt = &now
		archived = rec.snapshot()
		return list
	})
	if !matched {
		return &errspkg.NotFoundError{Kind: "dead letter", ID: id}
	}

	s.metrics.RecordArchived(service)
	s.sink.RecordEvent("dlq.archived", telemetry.Properties{"service": service, "message_id": id})
	if s.audit != nil {
		if err := s.audit.RecordArchived(ctx, archived); err != nil {
			s.log.Error("Failed to audit archived dead letter", err, loggingpkg.LogFields{"message_id": id, "service": service})
		}
	}
	return nil
}

// Purge removes the active entries of service enqueued strictly before
// cutoff and returns how many were removed. Archived entries are kept.
func (s *Store) Purge(ctx context.Context, service string, cutoff time.Time) (int, error) {
	purged := s.removeWhere(service, func(rec *record) bool {
		return !rec.Archived && !rec.retrying && rec.EnqueuedAt.Before(cutoff)
	})
	if len(purged) == 0 {
		return 0, nil
	}

	s.metrics.RecordPurged(service, len(purged))
	s.sink.RecordMetric("dlq.purged", float64(len(purged)), telemetry.Tags{"service": service})
	s.log.Info("Dead letters purged", loggingpkg.LogFields{"service": service, "count": len(purged), "cutoff": cutoff})
	if s.audit != nil {
		if err := s.audit.RecordPurged(ctx, purged); err != nil {
			s.log.Error("Failed to audit purged dead letters", err, loggingpkg.LogFields{"service": service})
		}
	}
	return len(purged), nil
}

// PurgeArchived drops archived entries of service archived strictly before
// cutoff. It implements the retention policy for the audit set.
func (s *Store) PurgeArchived(service string, cutoff time.Time) int {
	removed := s.removeWhere(service, func(rec *record) bool {
		return rec.Archived && rec.ArchivedAt != nil && rec.ArchivedAt.Before(cutoff)
	})
	return len(removed)
}

func (s *Store) removeWhere(service string, match func(*record) bool) []Entry {
	var removed []Entry
	s.lists.Update(service, func(list []*record, exists bool) ([]*record, bool) {
		if !exists {
			return nil, false
		}
		kept := list[:0:0]
		for _, rec := range list {
			if match(rec) {
				removed = append(removed, rec.snapshot())
				continue
			}
			kept = append(kept, rec)
		}
		return kept, len(kept) > 0
	})
	return removed
}

// Messages returns the original messages of the active entries of service.
func (s *Store) Messages(service string) []message.Message {
	entries := s.Entries(service, false)
	out := make([]message.Message, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}

// Entries lists the entries of service in enqueue order. Archived entries are
// only included when includeArchived is set.
func (s *Store) Entries(service string, includeArchived bool) []Entry {
	var out []Entry
	s.lists.View(service, func(list []*record, _ bool) {
		for _, rec := range list {
			if includeArchived || !rec.Archived {
				out = append(out, rec.snapshot())
			}
		}
	})
	return out
}

// Get returns the first entry with the given id, archived or not.
func (s *Store) Get(id string) (Entry, bool) {
	service, ok := s.locate(id, true)
	if !ok {
		return Entry{}, false
	}
	var entry Entry
	found := s.withRecord(service, id, true, func(list []*record, idx int) []*record {
		entry = list[idx].snapshot()
		return list
	})
	return entry, found
}

// Services lists services currently holding entries.
func (s *Store) Services() []string {
	return s.lists.Keys()
}

func (r *record) snapshot() Entry {
	e := r.Entry
	e.Message = r.Message.Clone()
	return e
}

package deadletter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/ticketbus/internal/runtime/errors"
	"github.com/drblury/ticketbus/internal/runtime/message"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeAudit struct {
	mu       sync.Mutex
	archived []Entry
	purged   []Entry
	err      error
}

func (f *fakeAudit) RecordArchived(_ context.Context, e Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.archived = append(f.archived, e)
	return f.err
}

func (f *fakeAudit) RecordPurged(_ context.Context, entries []Entry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purged = append(f.purged, entries...)
	return f.err
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *stepClock) {
	t.Helper()
	clock := &stepClock{now: time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC)}
	all := append([]Option{WithClock(clock.Now)}, opts...)
	return NewStore(all...), clock
}

func msg(id, service string) message.Message {
	return message.New("ticket.created", service, []byte(`{"id":"`+id+`"}`), message.WithID(id))
}

func TestAddAndList(t *testing.T) {
	s, clock := newTestStore(t)

	require.NoError(t, s.Add(msg("m1", "billing"), "timeout"))
	require.NoError(t, s.Add(msg("m2", "billing"), "timeout"))
	require.NoError(t, s.Add(msg("m3", "mail"), "refused"))

	msgs := s.Messages("billing")
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)

	entries := s.Entries("mail", false)
	require.Len(t, entries, 1)
	assert.Equal(t, "refused", entries[0].Reason)
	assert.Equal(t, clock.Now(), entries[0].EnqueuedAt)
	assert.Nil(t, entries[0].LastRetryAt)
	assert.Equal(t, "mail", entries[0].Service())

	assert.Equal(t, []string{"billing", "mail"}, s.Services())

	sm, ok := s.Metrics().Service("billing")
	require.True(t, ok)
	assert.Equal(t, uint64(2), sm.TotalEnqueued)
	assert.Equal(t, uint64(2), sm.Active)
	assert.Equal(t, uint64(2), sm.Reasons["timeout"])
}

func TestAddRequiresService(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.Add(message.Message{ID: "x"}, "reason")
	assert.ErrorIs(t, err, errspkg.ErrServiceNameRequired)
}

func TestAddStoresCopy(t *testing.T) {
	s, _ := newTestStore(t)
	m := msg("m1", "svc")
	require.NoError(t, s.Add(m, "r"))
	m.Payload[0] = 'X'

	stored := s.Messages("svc")
	require.Len(t, stored, 1)
	assert.Equal(t, byte('{'), stored[0].Payload[0])
}

func TestRetrySuccessRemovesEntry(t *testing.T) {
	var delivered []string
	s, clock := newTestStore(t, WithRedeliverer(RedeliverFunc(func(_ context.Context, m message.Message) error {
		delivered = append(delivered, m.ID)
		return nil
	})))
	require.NoError(t, s.Add(msg("m1", "svc"), "boom"))
	clock.Advance(time.Minute)

	ok, err := s.Retry(context.Background(), "m1", 3)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"m1"}, delivered)
	assert.Empty(t, s.Messages("svc"))

	sm, _ := s.Metrics().Service("svc")
	assert.Equal(t, uint64(1), sm.Retried)
	assert.Equal(t, uint64(0), sm.Active)
}

func TestRetryFailureKeepsEntry(t *testing.T) {
	redeliverErr := errors.New("still down")
	s, clock := newTestStore(t, WithRedeliverer(RedeliverFunc(func(context.Context, message.Message) error {
		return redeliverErr
	})))
	require.NoError(t, s.Add(msg("m1", "svc"), "boom"))
	clock.Advance(time.Minute)

	ok, err := s.Retry(context.Background(), "m1", 3)
	assert.False(t, ok)
	require.ErrorIs(t, err, redeliverErr)
	assert.ErrorIs(t, err, errspkg.ErrDeliveryFailed)

	entry, found := s.Get("m1")
	require.True(t, found)
	assert.Equal(t, 1, entry.RetryCount)
	require.NotNil(t, entry.LastRetryAt)
	assert.Equal(t, clock.Now(), *entry.LastRetryAt)

	sm, _ := s.Metrics().Service("svc")
	assert.Equal(t, uint64(1), sm.RetryFailed)
	assert.Equal(t, uint64(1), sm.Active)
}

func TestRetryExhaustedDoesNotChangeStore(t *testing.T) {
	calls := 0
	s, _ := newTestStore(t, WithRedeliverer(RedeliverFunc(func(context.Context, message.Message) error {
		calls++
		return errors.New("down")
	})))
	require.NoError(t, s.Add(msg("m1", "svc"), "boom"))

	for i := 0; i < 3; i++ {
		_, _ = s.Retry(context.Background(), "m1", 3)
	}
	before, _ := s.Get("m1")
	require.Equal(t, 3, before.RetryCount)

	ok, err := s.Retry(context.Background(), "m1", 3)
	assert.False(t, ok)
	assert.ErrorIs(t, err, errspkg.ErrRetryExhausted)
	assert.Equal(t, 3, calls)

	after, _ := s.Get("m1")
	assert.Equal(t, before, after)
}

func TestRetryUnknownAndWithoutRedeliverer(t *testing.T) {
	s, _ := newTestStore(t)
	_, err := s.Retry(context.Background(), "m1", 3)
	assert.ErrorIs(t, err, ErrRedelivererRequired)

	s.SetRedeliverer(RedeliverFunc(func(context.Context, message.Message) error { return nil }))
	ok, err := s.Retry(context.Background(), "missing", 3)
	assert.False(t, ok)
	assert.ErrorIs(t, err, errspkg.ErrNotFound)
}

func TestRetrySkipsArchived(t *testing.T) {
	s, _ := newTestStore(t, WithRedeliverer(RedeliverFunc(func(context.Context, message.Message) error { return nil })))
	require.NoError(t, s.Add(msg("m1", "svc"), "boom"))
	require.NoError(t, s.Archive(context.Background(), "m1"))

	_, err := s.Retry(context.Background(), "m1", 3)
	assert.ErrorIs(t, err, errspkg.ErrNotFound)
}

func TestRetryInProgressRejected(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	s, _ := newTestStore(t, WithRedeliverer(RedeliverFunc(func(context.Context, message.Message) error {
		close(started)
		<-release
		return nil
	})))
	require.NoError(t, s.Add(msg("m1", "svc"), "boom"))

	done := make(chan bool, 1)
	go func() {
		ok, _ := s.Retry(context.Background(), "m1", 3)
		done <- ok
	}()
	<-started

	_, err := s.Retry(context.Background(), "m1", 3)
	assert.ErrorIs(t, err, ErrRetryInProgress)

	close(release)
	assert.True(t, <-done)
}

func TestArchiveHidesFromActiveListing(t *testing.T) {
	audit := &fakeAudit{}
	s, clock := newTestStore(t, WithAuditSink(audit))
	require.NoError(t, s.Add(msg("m1", "svc"), "boom"))
	require.NoError(t, s.Add(msg("m2", "svc"), "boom"))
	clock.Advance(time.Hour)

	require.NoError(t, s.Archive(context.Background(), "m1"))

	assert.Len(t, s.Messages("svc"), 1)
	all := s.Entries("svc", true)
	require.Len(t, all, 2)
	assert.True(t, all[0].Archived)
	require.NotNil(t, all[0].ArchivedAt)
	assert.Equal(t, clock.Now(), *all[0].ArchivedAt)

	require.Len(t, audit.archived, 1)
	assert.Equal(t, "m1", audit.archived[0].Message.ID)

	err := s.Archive(context.Background(), "m1")
	assert.ErrorIs(t, err, errspkg.ErrNotFound)
}

func TestArchiveAuditFailureIsNotFatal(t *testing.T) {
	s, _ := newTestStore(t, WithAuditSink(&fakeAudit{err: errors.New("db down")}))
	require.NoError(t, s.Add(msg("m1", "svc"), "boom"))
	require.NoError(t, s.Archive(context.Background(), "m1"))

	entry, ok := s.Get("m1")
	require.True(t, ok)
	assert.True(t, entry.Archived)
}

func TestRemoveIsUnconditional(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.Add(msg("m1", "svc"), "boom"))
	require.NoError(t, s.Add(msg("m2", "svc"), "boom"))
	require.NoError(t, s.Archive(context.Background(), "m2"))

	require.NoError(t, s.Remove("m1"))
	require.NoError(t, s.Remove("m2"))
	assert.ErrorIs(t, s.Remove("m1"), errspkg.ErrNotFound)

	assert.Empty(t, s.Entries("svc", true))
	assert.Empty(t, s.Services())
}

func TestPurgeOnlyActiveEntriesBeforeCutoff(t *testing.T) {
	audit := &fakeAudit{}
	s, clock := newTestStore(t, WithAuditSink(audit))

	require.NoError(t, s.Add(msg("old-active", "svc"), "boom"))
	require.NoError(t, s.Add(msg("old-archived", "svc"), "boom"))
	require.NoError(t, s.Archive(context.Background(), "old-archived"))
	clock.Advance(time.Hour)
	cutoff := clock.Now()
	require.NoError(t, s.Add(msg("at-cutoff", "svc"), "boom"))
	clock.Advance(time.Hour)
	require.NoError(t, s.Add(msg("new", "svc"), "boom"))

	n, err := s.Purge(context.Background(), "svc", cutoff)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	var ids []string
	for _, e := range s.Entries("svc", true) {
		ids = append(ids, e.Message.ID)
	}
	assert.Equal(t, []string{"old-archived", "at-cutoff", "new"}, ids)
	require.Len(t, audit.purged, 1)
	assert.Equal(t, "old-active", audit.purged[0].Message.ID)

	sm, _ := s.Metrics().Service("svc")
	assert.Equal(t, uint64(1), sm.Purged)
	assert.Equal(t, uint64(2), sm.Active)
}

func TestPurgeWithNoMatchesSucceeds(t *testing.T) {
	s, _ := newTestStore(t)
	n, err := s.Purge(context.Background(), "nobody", time.Now())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestPurgeArchived(t *testing.T) {
	s, clock := newTestStore(t)
	require.NoError(t, s.Add(msg("m1", "svc"), "boom"))
	require.NoError(t, s.Archive(context.Background(), "m1"))
	clock.Advance(48 * time.Hour)

	assert.Equal(t, 1, s.PurgeArchived("svc", clock.Now().Add(-24*time.Hour)))
	assert.Empty(t, s.Entries("svc", true))
}

func TestRetryFindsFirstMatchAcrossServices(t *testing.T) {
	var got []string
	s, _ := newTestStore(t, WithRedeliverer(RedeliverFunc(func(_ context.Context, m message.Message) error {
		got = append(got, m.TargetService)
		return nil
	})))
	require.NoError(t, s.Add(msg("dup", "zeta"), "boom"))
	require.NoError(t, s.Add(msg("dup", "alpha"), "boom"))

	ok, err := s.Retry(context.Background(), "dup", 3)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"alpha"}, got)
	assert.Len(t, s.Messages("zeta"), 1)
}

func TestStoreWithExportedMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)
	require.NoError(t, m.Register())

	s, _ := newTestStore(t, WithMetrics(m))
	require.NoError(t, s.Add(msg("m1", "svc"), "boom"))

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, mf := range families {
		names[mf.GetName()] = true
	}
	assert.True(t, names["ticketbus_dlq_enqueued_total"])
	assert.True(t, names["ticketbus_dlq_active"])
}

func TestConcurrentAddAcrossServices(t *testing.T) {
	s, _ := newTestStore(t)
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			service := []string{"a", "b", "c"}[i%3]
			for j := 0; j < 20; j++ {
				_ = s.Add(message.New("t", service, nil), "r")
			}
		}(i)
	}
	wg.Wait()

	total := len(s.Messages("a")) + len(s.Messages("b")) + len(s.Messages("c"))
	assert.Equal(t, 200, total)
	assert.Equal(t, uint64(200), s.Metrics().Snapshot().TotalEnqueued)
}

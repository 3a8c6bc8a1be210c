package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errspkg "github.com/drblury/ticketbus/internal/runtime/errors"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestDiscoverSynthesizesWithoutStoring(t *testing.T) {
	r := New()

	e := r.Discover("Billing")
	assert.Equal(t, "Billing", e.Name)
	assert.Equal(t, "http://billing.svc.local/api/messages", e.Endpoint)
	assert.Equal(t, DefaultTransport, e.Transport)
	assert.True(t, e.Active)

	_, ok := r.Lookup("Billing")
	assert.False(t, ok)
	assert.Empty(t, r.GetAll())
}

func TestCustomTemplateAndTransport(t *testing.T) {
	r := New(
		WithEndpointTemplate("amqp://bus/%s"),
		WithDefaultTransport("rabbitmq"),
		WithEndpointTemplate("no verb"),
	)
	e := r.Synthesize("mail service")
	assert.Equal(t, "amqp://bus/mail%20service", e.Endpoint)
	assert.Equal(t, "rabbitmq", e.Transport)
}

func TestRegisterLookupUnregister(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	r := New(WithClock(fixedClock(now)))

	require.ErrorIs(t, r.Register(Entry{Name: "  "}), errspkg.ErrServiceNameRequired)

	require.NoError(t, r.Register(Entry{Name: "calendar", Endpoint: "http://cal:8080", Active: true}))
	e, ok := r.Lookup("calendar")
	require.True(t, ok)
	assert.Equal(t, now, e.LastHeartbeat)
	assert.Equal(t, DefaultTransport, e.Transport)
	assert.Equal(t, e, r.Discover("calendar"))

	assert.True(t, r.Unregister("calendar"))
	assert.False(t, r.Unregister("calendar"))
	assert.Equal(t, "http://calendar.svc.local/api/messages", r.Discover("calendar").Endpoint)
}

func TestHeartbeatAndStale(t *testing.T) {
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := now
	r := New(WithClock(func() time.Time { return clock }))

	require.NoError(t, r.Register(Entry{Name: "a", Active: true}))
	require.NoError(t, r.Register(Entry{Name: "b", Active: true}))

	clock = now.Add(2 * time.Minute)
	require.NoError(t, r.Heartbeat("b"))

	stale := r.Stale(time.Minute)
	require.Len(t, stale, 1)
	assert.Equal(t, "a", stale[0].Name)

	err := r.Heartbeat("missing")
	assert.ErrorIs(t, err, errspkg.ErrNotFound)
	_, ok := r.Lookup("missing")
	assert.False(t, ok)
}

func TestSetActive(t *testing.T) {
	r := New()
	require.NoError(t, r.Register(Entry{Name: "a", Active: true}))
	require.NoError(t, r.SetActive("a", false))
	e, _ := r.Lookup("a")
	assert.False(t, e.Active)
	assert.ErrorIs(t, r.SetActive("zzz", true), errspkg.ErrNotFound)
}

func TestGetAllSortedAndConcurrent(t *testing.T) {
	r := New(WithShards(4))
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = r.Register(Entry{Name: fmt.Sprintf("svc-%02d", i), Active: true})
			_ = r.Discover(fmt.Sprintf("svc-%02d", i))
		}(i)
	}
	wg.Wait()

	all := r.GetAll()
	require.Len(t, all, 50)
	for i := 1; i < len(all); i++ {
		assert.Less(t, all[i-1].Name, all[i].Name)
	}
}

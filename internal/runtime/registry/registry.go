// Package registry maps logical service names to delivery endpoints.
package registry

import (
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	errspkg "github.com/drblury/ticketbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/ticketbus/internal/runtime/logging"
	"github.com/drblury/ticketbus/internal/runtime/shardmap"
)

const (
	// DefaultEndpointTemplate derives an endpoint from a service name.
	DefaultEndpointTemplate = "http://%s.svc.local/api/messages"
	// DefaultTransport is the transport kind of synthesized entries.
	DefaultTransport = "http"
)

// Entry describes how to reach a service.
type Entry struct {
	Name          string    `json:"name"`
	Endpoint      string    `json:"endpoint"`
	Transport     string    `json:"transport"`
	Active        bool      `json:"active"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Option customises a Registry.
type Option func(*Registry)

// WithEndpointTemplate sets the fmt template used by Synthesize. It must
// contain a single %s verb.
func WithEndpointTemplate(tmpl string) Option {
	return func(r *Registry) {
		if strings.Contains(tmpl, "%s") {
			r.template = tmpl
		}
	}
}

// WithDefaultTransport sets the transport kind of synthesized entries.
func WithDefaultTransport(kind string) Option {
	return func(r *Registry) {
		if kind != "" {
			r.transport = kind
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func WithLogger(log loggingpkg.ServiceLogger) Option {
	return func(r *Registry) { r.log = log }
}

func WithShards(n int) Option {
	return func(r *Registry) { r.shards = n }
}

// Registry is a concurrency-safe service directory.
type Registry struct {
	entries   *shardmap.Map[Entry]
	template  string
	transport string
	now       func() time.Time
	log       loggingpkg.ServiceLogger
	shards    int
}

// New returns an empty registry.
func New(opts ...Option) *Registry {
	r := &Registry{
		template:  DefaultEndpointTemplate,
		transport: DefaultTransport,
		now:       time.Now,
		shards:    shardmap.DefaultShards,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.log = loggingpkg.OrNop(r.log)
	r.entries = shardmap.New[Entry](r.shards)
	return r
}

// Register adds or replaces an entry. A zero heartbeat is stamped with the
// current time.
func (r *Registry) Register(e Entry) error {
	if strings.TrimSpace(e.Name) == "" {
		return errspkg.ErrServiceNameRequired
	}
	if e.Transport == "" {
		e.Transport = r.transport
	}
	if e.LastHeartbeat.IsZero() {
		e.LastHeartbeat = r.now().UTC()
	}
	r.entries.Set(e.Name, e)
	r.log.Info("Service registered", loggingpkg.LogFields{
		"service":   e.Name,
		"endpoint":  e.Endpoint,
		"transport": e.Transport,
		"active":    e.Active,
	})
	return nil
}

// Unregister removes a service and reports whether it was present.
func (r *Registry) Unregister(name string) bool {
	removed := r.entries.Delete(name)
	if removed {
		r.log.Info("Service unregistered", loggingpkg.LogFields{"service": name})
	}
	return removed
}

// Lookup returns the registered entry for name, if any.
func (r *Registry) Lookup(name string) (Entry, bool) {
	return r.entries.Get(name)
}

// Synthesize builds the conventional entry for name without storing it.
func (r *Registry) Synthesize(name string) Entry {
	return Entry{
		Name:      name,
		Endpoint:  fmt.Sprintf(r.template, url.PathEscape(strings.ToLower(strings.TrimSpace(name)))),
		Transport: r.transport,
		Active:    true,
	}
}

// Discover returns the registered entry or a synthesized one. It never
// writes to the registry.
func (r *Registry) Discover(name string) Entry {
	if e, ok := r.Lookup(name); ok {
		return e
	}
	return r.Synthesize(name)
}

// Heartbeat refreshes the heartbeat of a registered service.
func (r *Registry) Heartbeat(name string) error {
	found := false
	now := r.now().UTC()
	r.entries.Update(name, func(current Entry, exists bool) (Entry, bool) {
		if !exists {
			return current, false
		}
		found = true
		current.LastHeartbeat = now
		return current, true
	})
	if !found {
		return &errspkg.NotFoundError{Kind: "service", ID: name}
	}
	return nil
}

// SetActive toggles the active flag of a registered service.
func (r *Registry) SetActive(name string, active bool) error {
	found := false
	r.entries.Update(name, func(current Entry, exists bool) (Entry, bool) {
		if !exists {
			return current, false
		}
		found = true
		current.Active = active
		return current, true
	})
	if !found {
		return &errspkg.NotFoundError{Kind: "service", ID: name}
	}
	return nil
}

// GetAll snapshots every registered entry ordered by name.
func (r *Registry) GetAll() []Entry {
	snap := r.entries.Snapshot()
	out := make([]Entry, 0, len(snap))
	for _, e := range snap {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Stale lists registered services whose last heartbeat is older than maxAge.
func (r *Registry) Stale(maxAge time.Duration) []Entry {
	cutoff := r.now().Add(-maxAge)
	var out []Entry
	for _, e := range r.GetAll() {
		if e.LastHeartbeat.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

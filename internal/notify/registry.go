package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/CristiGvl/thermalctl/internal/severity"
)

var (
	// ErrDuplicateListener is returned when a listener name is registered twice
	ErrDuplicateListener = errors.New("listener already registered")
	// ErrUnknownListener is returned when unregistering an id that is not known
	ErrUnknownListener = errors.New("unknown listener")
)

const deliverTimeout = 5 * time.Second

// Temperature is a sensor reading delivered to listeners
type Temperature struct {
	Name     string
	Type     string
	Value    float64
	Severity severity.Level
	Time     time.Time
}

// Listener receives severity changes
type Listener interface {
	Name() string
	Notify(ctx context.Context, t Temperature) error
}

// ListenerFunc adapts a function to the Listener interface
type ListenerFunc struct {
	ID string
	Fn func(ctx context.Context, t Temperature) error
}

// Name returns the listener id
func (l ListenerFunc) Name() string { return l.ID }

// Notify calls Fn
func (l ListenerFunc) Notify(ctx context.Context, t Temperature) error { return l.Fn(ctx, t) }

type registration struct {
	listener Listener
	filter   string
}

// Registry fans temperature notifications out to listeners through a Queue
type Registry struct {
	log   zerolog.Logger
	queue *Queue

	mu        sync.RWMutex
	listeners map[uuid.UUID]registration
}

// NewRegistry creates a registry with its own delivery queue
func NewRegistry(log zerolog.Logger) *Registry {
	return &Registry{
		log:       log.With().Str("component", "notify").Logger(),
		queue:     NewQueue(),
		listeners: make(map[uuid.UUID]registration),
	}
}

// Register adds a listener. An empty filterType receives every sensor type.
func (r *Registry) Register(l Listener, filterType string) (uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, reg := range r.listeners {
		if reg.listener.Name() == l.Name() {
			return uuid.Nil, fmt.Errorf("%s: %w", l.Name(), ErrDuplicateListener)
		}
	}
	id := uuid.New()
	r.listeners[id] = registration{listener: l, filter: filterType}
	r.log.Info().Str("listener", l.Name()).Str("id", id.String()).Str("filter", filterType).Msg("listener registered")
	return id, nil
}

// Unregister removes the listener with the given id
func (r *Registry) Unregister(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.listeners[id]; !ok {
		return fmt.Errorf("%s: %w", id, ErrUnknownListener)
	}
	delete(r.listeners, id)
	return nil
}

// Len returns the number of registered listeners
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.listeners)
}

// Notify queues delivery of t to every listener whose filter matches
func (r *Registry) Notify(t Temperature) {
	r.mu.RLock()
	targets := make([]Listener, 0, len(r.listeners))
	for _, reg := range r.listeners {
		if reg.filter == "" || reg.filter == t.Type {
			targets = append(targets, reg.listener)
		}
	}
	r.mu.RUnlock()
	if len(targets) == 0 {
		return
	}

	err := r.queue.Post(func() {
		for _, l := range targets {
			ctx, cancel := context.WithTimeout(context.Background(), deliverTimeout)
			if err := l.Notify(ctx, t); err != nil {
				r.log.Warn().Err(err).Str("listener", l.Name()).Str("sensor", t.Name).Msg("deliver notification")
			}
			cancel()
		}
	})
	if err != nil {
		r.log.Debug().Err(err).Str("sensor", t.Name).Msg("notification dropped")
	}
}

// Close drains pending deliveries
func (r *Registry) Close() {
	r.queue.Close()
}

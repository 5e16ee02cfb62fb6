package watcher

import (
	"bytes"
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Source is something the watcher can block on between sweeps
type Source interface {
	// Wait blocks for at most timeout. kernel is true when the kernel
	// delivered messages, false on timeout or Wake.
	Wait(timeout time.Duration) (msgs [][]byte, kernel bool, err error)
	// Wake makes a pending or the next Wait return immediately
	Wake()
	Close() error
}

// Parser is implemented by sources whose messages are not uevents. Parse
// returns the monitored sensors a kernel message refers to.
type Parser interface {
	Parse(msg []byte, monitored func(string) bool) []string
}

// Callback runs one sweep over the sensors. changed is nil for a timed
// sweep. It returns how long to sleep before the next sweep.
type Callback func(changed map[string]bool) time.Duration

// Watcher drives the sensor sweep from a single goroutine
type Watcher struct {
	log zerolog.Logger
	src Source
	cb  Callback
	now func() time.Time

	mu        sync.RWMutex
	monitored map[string]bool

	sleep      time.Duration
	lastUpdate time.Time
}

// New creates a watcher that waits on src and calls cb
func New(log zerolog.Logger, src Source, cb Callback) *Watcher {
	return &Watcher{
		log:       log.With().Str("component", "watcher").Logger(),
		src:       src,
		cb:        cb,
		now:       time.Now,
		monitored: make(map[string]bool),
	}
}

// Monitor adds sensors whose kernel events trigger an immediate sweep
func (w *Watcher) Monitor(names ...string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for _, n := range names {
		w.monitored[n] = true
	}
}

// Monitored reports whether name is in the monitored set
func (w *Watcher) Monitored(name string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.monitored[name]
}

// Wake forces the next sweep to run now
func (w *Watcher) Wake() {
	w.src.Wake()
}

// Run sweeps until ctx is cancelled and then closes the source
func (w *Watcher) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, w.src.Wake)
	defer stop()
	defer w.src.Close()

	w.log.Info().Msg("thermal watcher started")
	for {
		if err := ctx.Err(); err != nil {
			w.log.Info().Msg("thermal watcher stopped")
			return nil
		}
		w.step()
	}
}

func (w *Watcher) step() {
	var changed map[string]bool

	elapsed := w.now().Sub(w.lastUpdate)
	if elapsed < w.sleep {
		msgs, kernel, err := w.src.Wait(w.sleep - elapsed)
		if err != nil {
			w.log.Error().Err(err).Msg("wait for thermal events")
		}
		if kernel {
			parse := ParseUevent
			if p, ok := w.src.(Parser); ok {
				parse = p.Parse
			}
			changed = make(map[string]bool)
			for _, m := range msgs {
				for _, name := range parse(m, w.Monitored) {
					changed[name] = true
				}
			}
			if len(changed) == 0 {
				return
			}
			w.log.Debug().Int("sensors", len(changed)).Msg("thermal kernel event")
		}
	}

	w.sleep = w.cb(changed)
	w.lastUpdate = w.now()
}

// ParseUevent extracts the zone name of a thermal uevent. Fields are NUL
// separated; the message must declare SUBSYSTEM=thermal before NAME=.
func ParseUevent(msg []byte, monitored func(string) bool) []string {
	thermal := false
	for _, field := range bytes.Split(msg, []byte{0}) {
		if len(field) == 0 {
			break
		}
		line := string(field)
		if !thermal {
			if strings.HasPrefix(line, "SUBSYSTEM=") {
				if !strings.Contains(line, "SUBSYSTEM=thermal") {
					return nil
				}
				thermal = true
			}
			continue
		}
		// Only a field that starts with NAME= names the zone, so DEVNAME= and
		// similar keys never match.
		if name, ok := strings.CutPrefix(line, "NAME="); ok {
			if monitored(name) {
				return []string{name}
			}
			return nil
		}
	}
	return nil
}

// TimerSource only sleeps and wakes. It is used when kernel events are
// disabled or unavailable.
type TimerSource struct {
	wake chan struct{}
}

// NewTimerSource returns a source with no kernel events
func NewTimerSource() *TimerSource {
	return &TimerSource{wake: make(chan struct{}, 1)}
}

// Wait sleeps for timeout or until Wake
func (s *TimerSource) Wait(timeout time.Duration) ([][]byte, bool, error) {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-s.wake:
	case <-t.C:
	}
	return nil, false, nil
}

// Wake interrupts a Wait
func (s *TimerSource) Wake() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Close is a no-op
func (s *TimerSource) Close() error {
	return nil
}

package notify

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/CristiGvl/thermalctl/internal/severity"
)

// PowerHintSink receives per-sensor severity modes
type PowerHintSink interface {
	SetMode(sensor string, sev severity.Level, enabled bool) error
}

// LogHints logs power hints and remembers the enabled modes
type LogHints struct {
	log zerolog.Logger

	mu    sync.Mutex
	modes map[string]map[severity.Level]bool
}

// NewLogHints creates a hint sink that only logs
func NewLogHints(log zerolog.Logger) *LogHints {
	return &LogHints{
		log:   log.With().Str("component", "notify").Logger(),
		modes: make(map[string]map[severity.Level]bool),
	}
}

// SetMode records and logs a mode change
func (h *LogHints) SetMode(sensor string, sev severity.Level, enabled bool) error {
	h.mu.Lock()
	m, ok := h.modes[sensor]
	if !ok {
		m = make(map[severity.Level]bool)
		h.modes[sensor] = m
	}
	if enabled {
		m[sev] = true
	} else {
		delete(m, sev)
	}
	h.mu.Unlock()

	h.log.Info().Str("sensor", sensor).Stringer("severity", sev).Bool("enabled", enabled).Msg("power hint")
	return nil
}

// Enabled returns the modes currently enabled for sensor
func (h *LogHints) Enabled(sensor string) []severity.Level {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []severity.Level
	for _, l := range severity.Levels() {
		if h.modes[sensor][l] {
			out = append(out, l)
		}
	}
	return out
}

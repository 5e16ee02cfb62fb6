package thermal

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/CristiGvl/thermalctl/internal/power"
	"github.com/CristiGvl/thermalctl/internal/severity"
	"github.com/CristiGvl/thermalctl/internal/throttling"
)

// Temperature is a current reading of one sensor
type Temperature struct {
	Name     string
	Type     string
	Value    float64
	Severity severity.Level
}

// Threshold holds the configured thresholds of one sensor
type Threshold struct {
	Name string
	Type string
	severity.Thresholds
}

// CoolingDevice is the current state of one cooling device
type CoolingDevice struct {
	Name     string
	Type     string
	Value    int
	MaxState int
}

// SensorStatus is the control loop state of one sensor
type SensorStatus struct {
	Name         string
	Type         string
	Watched      bool
	Monitored    bool
	Severity     severity.Level
	PrevHot      severity.Level
	PrevCold     severity.Level
	PrevHint     severity.Level
	LastUpdate   time.Time
	Temp         float64
	Average      float64
	Samples      int
	PollingDelay time.Duration
	PassiveDelay time.Duration
	Emulated     bool
	EmulTemp     float64
	EmulSeverity int
}

// Temperatures reads every visible sensor, optionally of one type only.
// Reads do not feed the moving average or the sweep state.
func (h *Helper) Temperatures(filterType string) []Temperature {
	now := h.now()
	var out []Temperature
	for _, s := range h.sensors {
		if s.info.IsHidden || (filterType != "" && s.info.Type != filterType) {
			continue
		}
		raw, err := h.readSensor(s, now, false)
		if err != nil {
			h.log.Error().Err(err).Str("sensor", s.name).Msg("error reading temperature")
			continue
		}
		h.mu.RLock()
		r := h.evaluateLocked(s, raw)
		h.mu.RUnlock()
		out = append(out, Temperature{Name: s.name, Type: s.info.Type, Value: r.value, Severity: r.severity})
	}
	return out
}

// Thresholds returns the thresholds of every visible sensor
func (h *Helper) Thresholds(filterType string) []Threshold {
	var out []Threshold
	for _, s := range h.sensors {
		if s.info.IsHidden || (filterType != "" && s.info.Type != filterType) {
			continue
		}
		out = append(out, Threshold{Name: s.name, Type: s.info.Type, Thresholds: s.info.Thresholds})
	}
	return out
}

// CoolingDevices reads the current state of every cooling device
func (h *Helper) CoolingDevices(filterType string) ([]CoolingDevice, error) {
	var out []CoolingDevice
	for _, name := range h.cfg.CdevNames {
		c := h.cdevs[name]
		if filterType != "" && c.Type != filterType {
			continue
		}
		data, err := h.cdevFiles.Read(name)
		if err != nil {
			return nil, fmt.Errorf("read cooling device %s: %w", name, err)
		}
		v, err := strconv.Atoi(data)
		if err != nil {
			return nil, fmt.Errorf("parse cooling device %s: %w", name, err)
		}
		out = append(out, CoolingDevice{Name: name, Type: c.Type, Value: v, MaxState: c.MaxState})
	}
	return out, nil
}

// SensorStatus returns the loop state of every configured sensor
func (h *Helper) SensorStatus() []SensorStatus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]SensorStatus, 0, len(h.sensors))
	for _, s := range h.sensors {
		st := SensorStatus{
			Name:         s.name,
			Type:         s.info.Type,
			Watched:      s.info.IsWatch,
			Monitored:    h.watcher.Monitored(s.name),
			Severity:     s.severity,
			PrevHot:      s.prevHot,
			PrevCold:     s.prevCold,
			PrevHint:     s.prevHint,
			LastUpdate:   s.lastUpdate,
			Temp:         s.lastValue,
			PollingDelay: s.pollingDelay,
			PassiveDelay: s.passiveDelay,
			EmulTemp:     math.NaN(),
			EmulSeverity: -1,
		}
		st.Average, st.Samples = s.movingAverage()
		if s.emul != nil {
			st.Emulated = !math.IsNaN(s.emul.temp) || s.emul.severity >= 0
			st.EmulTemp = s.emul.temp
			st.EmulSeverity = s.emul.severity
		}
		out = append(out, st)
	}
	return out
}

// ThrottlingStatus returns a copy of every sensor's throttling state
func (h *Helper) ThrottlingStatus() map[string]throttling.Status {
	return h.engine.Snapshot()
}

// PowerStatus returns the latest average power of every tracked rail
func (h *Helper) PowerStatus() []power.Status {
	return h.power.Snapshot()
}

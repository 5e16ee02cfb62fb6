package thermal

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/CristiGvl/thermalctl/internal/config"
	"github.com/CristiGvl/thermalctl/internal/fusion"
	"github.com/CristiGvl/thermalctl/internal/notify"
	"github.com/CristiGvl/thermalctl/internal/severity"
)

var errPowerCollecting = errors.New("power data is under collecting")

// reading is one evaluated temperature of a sensor
type reading struct {
	value    float64
	severity severity.Level
	hot      severity.Level
	cold     severity.Level
}

// hintChange is a power hint mode switch decided during a sweep
type hintChange struct {
	sensor string
	prev   severity.Level
	next   severity.Level
}

// sweep is the watcher callback. It re-evaluates every watched sensor that
// is due, pushes the arbitrated cooling device states and emits
// notifications. It returns the time until the next sensor is due.
//
// h.mu is taken per sensor while its derived state changes. Sensor reads,
// cooling device writes and notifications run without it.
func (h *Helper) sweep(changed map[string]bool) time.Duration {
	h.sweepMu.Lock()
	defer h.sweepMu.Unlock()

	if h.ThrottlingDisabled() {
		return config.UeventPollTimeout
	}

	now := h.now()
	minSleep := config.Forever
	powerUpdated := false
	var (
		cdevs  []string
		events []notify.Temperature
		hints  []hintChange
	)

	for _, s := range h.sensors {
		if !s.info.IsWatch {
			continue
		}

		h.mu.Lock()
		sleep, elapsed, update, noCache := h.dueLocked(s, now, changed)
		h.mu.Unlock()
		if !update {
			minSleep = min(minSleep, sleep-elapsed)
			continue
		}

		raw, err := h.readSensor(s, now, noCache)
		if err != nil {
			h.log.Error().Err(err).Str("sensor", s.name).Msg("error reading temperature")
			continue
		}

		h.mu.Lock()
		r := h.evaluateLocked(s, raw)
		s.prevHot, s.prevCold = r.hot, r.cold
		s.lastValue = r.value
		if !math.IsNaN(r.value) {
			s.record(r.value)
		}
		if r.severity != s.severity {
			s.severity = r.severity
			sleep = h.sleepForLocked(s)
			if s.info.SendCallback {
				events = append(events, notify.Temperature{
					Name:     s.name,
					Type:     s.info.Type,
					Value:    r.value,
					Severity: r.severity,
					Time:     now,
				})
			}
			if s.info.SendPowerHint {
				if c, ok := h.hintChangeLocked(s, r.severity); ok {
					hints = append(hints, c)
				}
			}
			h.log.Info().Str("sensor", s.name).Float64("temp", r.value).Stringer("severity", r.severity).Msg("severity changed")
		}
		sev := s.severity
		s.lastUpdate = now
		h.mu.Unlock()

		if !powerUpdated {
			if err := h.power.Refresh(now); err != nil {
				h.log.Error().Err(err).Msg("refresh power status")
			}
			powerUpdated = true
		}

		if t := s.info.Throttling; t != nil {
			if sev == severity.None {
				h.engine.Clear(s.name, t)
			} else {
				h.engine.Update(s.name, s.info, r.value, sev, elapsed, h.power)
			}
			cdevs = append(cdevs, h.engine.ComputeRequests(s.name, t, sev)...)
		}

		minSleep = min(minSleep, sleep)
		h.log.Trace().Str("sensor", s.name).Dur("sleep", sleep).Dur("min_sleep", minSleep).Msg("sensor updated")
	}

	h.writeCoolingDevices(cdevs)

	if h.notifier != nil {
		for _, e := range events {
			h.notifier.Notify(e)
		}
	}
	for _, c := range hints {
		h.applyHint(c)
	}

	return minSleep
}

// dueLocked decides whether s is re-read in this sweep and whether the read
// bypasses the cache. A pending emulation change is consumed here.
func (h *Helper) dueLocked(s *sensor, now time.Time, changed map[string]bool) (sleep, elapsed time.Duration, update, noCache bool) {
	sleep = h.sleepForLocked(s)
	if s.lastUpdate.IsZero() {
		update = true
	} else {
		elapsed = now.Sub(s.lastUpdate)
		switch {
		case len(changed) > 0:
			if s.info.Virtual != nil {
				for _, t := range s.info.Virtual.TriggerSensors {
					if changed[t] {
						update = true
						break
					}
				}
			} else if changed[s.name] {
				update = true
				noCache = true
			}
		case elapsed > sleep:
			update = true
		}
	}
	if s.emul != nil && s.emul.pending {
		update = true
		s.emul.pending = false
		h.log.Info().Str("sensor", s.name).Msg("update right away with emul setting")
	}
	return sleep, elapsed, update, noCache
}

// sleepForLocked returns the passive delay while the sensor or one of its
// trigger sensors is throttling, and the polling delay otherwise
func (h *Helper) sleepForLocked(s *sensor) time.Duration {
	if s.severity != severity.None {
		return s.passiveDelay
	}
	for _, id := range s.triggers {
		if h.sensors[id].severity != severity.None {
			return s.passiveDelay
		}
	}
	return s.pollingDelay
}

// writeCoolingDevices pushes the arbitrated state of every changed cooling
// device
func (h *Helper) writeCoolingDevices(names []string) {
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if seen[name] {
			continue
		}
		seen[name] = true
		state, ok := h.engine.CdevMaxRequest(name)
		if !ok {
			continue
		}
		if err := h.cdevFiles.Write(name+writeSuffix, strconv.Itoa(state)); err != nil {
			h.log.Error().Err(err).Str("cdev", name).Int("state", state).Msg("failed to update cdev")
			continue
		}
		h.log.Info().Str("cdev", name).Int("state", state).Msg("cdev updated")
	}
}

// hintChangeLocked moves the sensor's hint mode to the highest supported
// level not above sev and reports the switch to apply
func (h *Helper) hintChangeLocked(s *sensor, sev severity.Level) (hintChange, bool) {
	if h.hints == nil {
		return hintChange{}, false
	}
	next := s.hints[sev]
	if next == s.prevHint {
		return hintChange{}, false
	}
	c := hintChange{sensor: s.name, prev: s.prevHint, next: next}
	s.prevHint = next
	return c, true
}

func (h *Helper) applyHint(c hintChange) {
	if c.prev != severity.None {
		if err := h.hints.SetMode(c.sensor, c.prev, false); err != nil {
			h.log.Error().Err(err).Str("sensor", c.sensor).Stringer("severity", c.prev).Msg("disable power hint")
		}
	}
	if c.next != severity.None {
		if err := h.hints.SetMode(c.sensor, c.next, true); err != nil {
			h.log.Error().Err(err).Str("sensor", c.sensor).Stringer("severity", c.next).Msg("enable power hint")
		}
	}
}

// evaluateLocked scales a raw reading of s and maps it onto a severity.
// Severity is only tracked for watched sensors.
func (h *Helper) evaluateLocked(s *sensor, raw float64) reading {
	r := reading{value: raw * s.info.Multiplier}
	if s.info.IsWatch {
		r.hot, r.cold = s.info.Thresholds.Evaluate(s.prevHot, s.prevCold, r.value)
	}
	if s.emul != nil && s.emul.severity >= 0 {
		r.severity = severity.Level(s.emul.severity)
	} else {
		r.severity = severity.Max(r.hot, r.cold)
	}
	return r
}

// readSensor returns the unscaled reading of s: emulated, cached, read from
// its node or fused from its inputs
func (h *Helper) readSensor(s *sensor, now time.Time, noCache bool) (float64, error) {
	h.mu.RLock()
	emulTemp := math.NaN()
	if s.emul != nil {
		emulTemp = s.emul.temp
	}
	h.mu.RUnlock()
	if !math.IsNaN(emulTemp) {
		return emulTemp, nil
	}

	if !noCache {
		h.cacheMu.Lock()
		cached, at := s.cacheTemp, s.cacheTime
		h.cacheMu.Unlock()
		if !at.IsZero() && now.Sub(at) < s.info.TimeResolution && !math.IsNaN(cached) {
			return cached, nil
		}
	}

	var temp float64
	if s.info.Virtual == nil {
		data, err := h.sensorFiles.Read(s.name)
		if err != nil {
			return 0, err
		}
		if data == "" {
			return 0, fmt.Errorf("sensor %s: empty reading", s.name)
		}
		temp, err = strconv.ParseFloat(strings.TrimSpace(data), 64)
		if err != nil {
			return 0, fmt.Errorf("sensor %s: %w", s.name, err)
		}
	} else {
		v := s.info.Virtual
		values := make([]float64, len(s.inputs))
		coefficients := make([]float64, len(s.inputs))
		for i, in := range s.inputs {
			val, err := h.readInput(in, now, noCache)
			if err != nil {
				return 0, fmt.Errorf("sensor %s: linked %s: %w", s.name, v.Links[i].Name, err)
			}
			if math.IsNaN(in.coefficient) {
				return 0, fmt.Errorf("sensor %s: coefficient of %s is NAN", s.name, v.Links[i].Name)
			}
			values[i] = val
			coefficients[i] = in.coefficient
		}
		temp = fusion.Combine(v.Formula, values, coefficients) + v.Offset
	}

	h.cacheMu.Lock()
	s.cacheTemp = temp
	s.cacheTime = now
	h.cacheMu.Unlock()
	return temp, nil
}

func (h *Helper) readInput(in fusionInput, now time.Time, noCache bool) (float64, error) {
	if in.sensor >= 0 {
		return h.readSensor(h.sensors[in.sensor], now, noCache)
	}
	avg, ok := h.power.AveragePower(in.rail)
	if !ok || math.IsNaN(avg) {
		return 0, errPowerCollecting
	}
	return avg, nil
}

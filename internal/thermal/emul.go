package thermal

import (
	"fmt"
	"math"
	"time"

	"github.com/CristiGvl/thermalctl/internal/notify"
	"github.com/CristiGvl/thermalctl/internal/severity"
)

// EmulTemp overrides the reading of a sensor until cleared
func (h *Helper) EmulTemp(name string, temp float64) error {
	h.mu.Lock()
	s, err := h.lookup(name)
	if err == nil {
		s.emul = &emulation{temp: temp, severity: -1, pending: true}
		h.log.Info().Str("sensor", name).Float64("temp", temp).Msg("set emul temp")
	}
	h.mu.Unlock()
	if err != nil {
		return err
	}
	h.watcher.Wake()
	return nil
}

// EmulSeverity overrides the severity of a sensor until cleared
func (h *Helper) EmulSeverity(name string, sev int) error {
	if sev < 0 || sev >= severity.Count {
		return fmt.Errorf("%w: %d", ErrInvalidSeverity, sev)
	}
	h.mu.Lock()
	s, err := h.lookup(name)
	if err == nil {
		s.emul = &emulation{temp: math.NaN(), severity: sev, pending: true}
		h.log.Info().Str("sensor", name).Stringer("severity", severity.Level(sev)).Msg("set emul severity")
	}
	h.mu.Unlock()
	if err != nil {
		return err
	}
	h.watcher.Wake()
	return nil
}

// EmulClear drops the emulation of a sensor, or of every sensor when name
// is "all". The next sweep re-reads the affected sensors.
func (h *Helper) EmulClear(name string) error {
	h.mu.Lock()
	if name == "all" {
		for _, s := range h.sensors {
			if s.emul != nil {
				s.emul = &emulation{temp: math.NaN(), severity: -1, pending: true}
			}
		}
	} else {
		s, err := h.lookup(name)
		if err != nil {
			h.mu.Unlock()
			return err
		}
		if s.emul == nil {
			h.mu.Unlock()
			return fmt.Errorf("sensor %s has no emulation: %w", name, ErrUnknownSensor)
		}
		s.emul = &emulation{temp: math.NaN(), severity: -1, pending: true}
	}
	h.mu.Unlock()
	h.log.Info().Str("sensor", name).Msg("clear emulation settings")
	h.watcher.Wake()
	return nil
}

// SetThrottlingDisabled switches the all-clear mode. Disabling releases
// every cooling device, resets throttling and reports NONE; enabling
// re-evaluates every sensor on the next sweep.
func (h *Helper) SetThrottlingDisabled(disabled bool) {
	h.sweepMu.Lock()
	defer h.sweepMu.Unlock()

	h.mu.Lock()
	if h.disabled == disabled {
		h.mu.Unlock()
		return
	}
	h.disabled = disabled
	if disabled {
		h.resetSensorsLocked()
	}
	h.mu.Unlock()

	if disabled {
		h.clearAll()
	}
	h.log.Warn().Bool("disabled", disabled).Msg("thermal throttling switched")
	h.watcher.Wake()
}

// ThrottlingDisabled reports whether the all-clear mode is active
func (h *Helper) ThrottlingDisabled() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.disabled
}

func (h *Helper) resetSensorsLocked() {
	for _, s := range h.sensors {
		s.severity = severity.None
		s.prevHot = severity.None
		s.prevCold = severity.None
		s.lastUpdate = time.Time{}
		if s.info.SendPowerHint {
			s.prevHint = severity.None
		}
	}
}

// clearAll releases every cooling device and reports NONE for every sensor.
// It runs under sweepMu only.
func (h *Helper) clearAll() {
	for _, name := range h.cfg.CdevNames {
		if err := h.cdevFiles.Write(name+writeSuffix, "0"); err != nil {
			h.log.Error().Err(err).Str("cdev", name).Msg("failed to clear cdev")
		}
	}

	now := h.now()
	for _, s := range h.sensors {
		if t := s.info.Throttling; t != nil {
			h.engine.Clear(s.name, t)
			h.engine.ComputeRequests(s.name, t, severity.None)
		}
		if s.info.SendCallback && h.notifier != nil {
			h.notifier.Notify(notify.Temperature{
				Name:     s.name,
				Type:     s.info.Type,
				Value:    math.NaN(),
				Severity: severity.None,
				Time:     now,
			})
		}
		if s.info.SendPowerHint && h.hints != nil {
			for _, l := range severity.Levels() {
				if err := h.hints.SetMode(s.name, l, false); err != nil {
					h.log.Error().Err(err).Str("sensor", s.name).Stringer("severity", l).Msg("disable power hint")
				}
			}
		}
	}
}

package power

import (
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/CristiGvl/thermalctl/internal/config"
	"github.com/CristiGvl/thermalctl/internal/fusion"
)

// Status is the latest computed power of a rail
type Status struct {
	Rail         string    `json:"rail"`
	AveragePower float64   `json:"average_power"`
	LastUpdate   time.Time `json:"last_update"`
}

type railStatus struct {
	history    [][]Sample
	lastUpdate time.Time
	avg        float64
}

// Files keeps a rolling window of energy samples per rail and derives
// average power from it
type Files struct {
	log    zerolog.Logger
	source EnergySource

	mu     sync.RWMutex
	rails  map[string]*config.PowerRailInfo
	order  []string
	status map[string]*railStatus
	energy map[string]Sample
}

// NewFiles returns telemetry with no registered rails
func NewFiles(log zerolog.Logger, source EnergySource) *Files {
	return &Files{
		log:    log.With().Str("component", "power").Logger(),
		source: source,
		rails:  make(map[string]*config.PowerRailInfo),
		status: make(map[string]*railStatus),
		energy: make(map[string]Sample),
	}
}

// Register sets up sample windows for every rail in names. Rails with no
// sample count or an infinite sample delay are kept as descriptors only.
func (f *Files) Register(rails map[string]*config.PowerRailInfo, names []string) error {
	if len(names) == 0 {
		f.log.Info().Msg("no power rails configured")
		return nil
	}
	if f.source == nil {
		return fmt.Errorf("%w for %d power rails", ErrNoEnergySource, len(names))
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.energy) == 0 {
		if err := f.readEnergyLocked(); err != nil {
			return err
		}
	}

	for _, name := range names {
		info := rails[name]
		f.rails[name] = info
		if info.SampleCount == 0 || info.SampleDelay == config.Forever {
			continue
		}

		var inputs []string
		if info.Virtual != nil && len(info.Virtual.LinkedRails) > 0 {
			inputs = info.Virtual.LinkedRails
		} else {
			inputs = []string{info.Rail}
		}

		history := make([][]Sample, 0, len(inputs))
		for _, in := range inputs {
			if _, ok := f.energy[in]; !ok {
				return fmt.Errorf("power rail %s: could not find energy source %s", name, in)
			}
			history = append(history, make([]Sample, info.SampleCount))
		}

		f.status[name] = &railStatus{history: history, avg: math.NaN()}
		f.order = append(f.order, name)
		f.log.Info().Str("rail", name).Int("samples", info.SampleCount).Dur("delay", info.SampleDelay).Msg("power rail registered")
	}
	return nil
}

func (f *Files) readEnergyLocked() error {
	energy, err := f.source.Read()
	if err != nil {
		return fmt.Errorf("update energy values: %w", err)
	}
	for rail, s := range energy {
		f.energy[rail] = s
	}
	return nil
}

// Refresh reads the energy source and recomputes every registered rail
func (f *Files) Refresh(now time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.status) == 0 {
		return nil
	}
	if err := f.readEnergyLocked(); err != nil {
		return err
	}
	for _, name := range f.order {
		f.updateRailLocked(name, now)
	}
	return nil
}

// updateAverage computes the average power of one input over its window
// and advances the window. NaN is returned while the window is filling or
// when the counters went backwards.
func (f *Files) updateAverage(rail string, window *[]Sample) float64 {
	cur, ok := f.energy[rail]
	if !ok {
		f.log.Error().Str("rail", rail).Msg("could not find power rail")
		return math.NaN()
	}
	q := *window
	last := q[0]
	duration := cur.Duration - last.Duration
	delta := cur.Energy - last.Energy

	avg := math.NaN()
	switch {
	case last.Duration == 0:
		f.log.Trace().Str("rail", rail).Msg("power samples not collected yet")
	case duration <= 0 || delta < 0:
		f.log.Error().Str("rail", rail).Int64("duration", duration).Int64("delta_energy", delta).Msg("invalid power sample")
		return math.NaN()
	default:
		avg = float64(delta) / float64(duration)
	}

	*window = append(q[1:], cur)
	return avg
}

func (f *Files) updateRailLocked(name string, now time.Time) float64 {
	info := f.rails[name]
	st := f.status[name]

	if !st.lastUpdate.IsZero() && now.Sub(st.lastUpdate) < info.SampleDelay {
		return st.avg
	}

	var avg float64
	if info.Virtual == nil {
		avg = f.updateAverage(info.Rail, &st.history[0])
	} else {
		v := info.Virtual
		values := make([]float64, len(v.LinkedRails))
		for i, rail := range v.LinkedRails {
			values[i] = f.updateAverage(rail, &st.history[i])
		}
		avg = fusion.Combine(v.Formula, values, v.Coefficients)
		if avg >= 0 {
			avg += v.Offset
		}
	}
	if avg < 0 {
		avg = math.NaN()
	}

	st.avg = avg
	st.lastUpdate = now
	return avg
}

// AveragePower returns the last computed average of rail. ok is false when
// the rail has no sample window.
func (f *Files) AveragePower(rail string) (avg float64, ok bool) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	st, ok := f.status[rail]
	if !ok {
		return math.NaN(), false
	}
	return st.avg, true
}

// Rails returns the names of rails with a sample window
func (f *Files) Rails() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return slices.Clone(f.order)
}

// Snapshot returns the status of every rail with a sample window
func (f *Files) Snapshot() []Status {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]Status, 0, len(f.order))
	for _, name := range f.order {
		st := f.status[name]
		out = append(out, Status{Rail: name, AveragePower: st.avg, LastUpdate: st.lastUpdate})
	}
	return out
}

// Energy returns a copy of the last raw counters read from the source
func (f *Files) Energy() map[string]Sample {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]Sample, len(f.energy))
	for k, v := range f.energy {
		out[k] = v
	}
	return out
}

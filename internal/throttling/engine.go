package throttling

import (
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/CristiGvl/thermalctl/internal/config"
	"github.com/CristiGvl/thermalctl/internal/severity"
)

// initialBudget is the PID budget of a cooling device before its first allocation
const initialBudget = float64(math.MaxInt32)

// ErrAlreadyRegistered is returned when a sensor registers twice
var ErrAlreadyRegistered = errors.New("throttling already registered")

// PowerReader supplies the latest average power of a rail. ok is false when
// the rail is not tracked.
type PowerReader interface {
	AveragePower(rail string) (avg float64, ok bool)
}

// Status is the mutable throttling state of one sensor
type Status struct {
	PIDPowerBudget   map[string]float64 `json:"pid_power_budget"`
	PIDCdevRequest   map[string]int     `json:"pid_cdev_request"`
	HardLimitRequest map[string]int     `json:"hardlimit_cdev_request"`
	ReleaseStep      map[string]int     `json:"release_step"`
	CdevRequest      map[string]int     `json:"cdev_request"`
	PrevErr          float64            `json:"prev_err"`
	IBudget          float64            `json:"i_budget"`
	PrevTarget       severity.Level     `json:"prev_target"`
	PrevPowerBudget  float64            `json:"prev_power_budget"`
	BudgetTransient  float64            `json:"budget_transient"`
	TranCycle        int                `json:"tran_cycle"`

	order    []string
	ceilings map[string]severity.IntArray
}

func (s *Status) clone() Status {
	out := *s
	out.PIDPowerBudget = maps.Clone(s.PIDPowerBudget)
	out.PIDCdevRequest = maps.Clone(s.PIDCdevRequest)
	out.HardLimitRequest = maps.Clone(s.HardLimitRequest)
	out.ReleaseStep = maps.Clone(s.ReleaseStep)
	out.CdevRequest = maps.Clone(s.CdevRequest)
	out.order = slices.Clone(s.order)
	out.ceilings = maps.Clone(s.ceilings)
	return out
}

// Engine turns severities into cooling device requests for every sensor
// with throttling and arbitrates them per cooling device
type Engine struct {
	log     zerolog.Logger
	cdevs   map[string]*config.CdevInfo
	arbiter *Arbiter

	mu     sync.RWMutex
	status map[string]*Status
}

// NewEngine creates an engine over the given cooling devices
func NewEngine(log zerolog.Logger, cdevs map[string]*config.CdevInfo) *Engine {
	return &Engine{
		log:     log.With().Str("component", "throttling").Logger(),
		cdevs:   cdevs,
		arbiter: NewArbiter(),
		status:  make(map[string]*Status),
	}
}

// Arbiter returns the per cooling device vote table
func (e *Engine) Arbiter() *Arbiter {
	return e.arbiter
}

// Register creates the throttling state of sensor
func (e *Engine) Register(sensor string, info *config.ThrottlingInfo) error {
	if info == nil {
		return fmt.Errorf("sensor %s has no throttling info", sensor)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.status[sensor]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, sensor)
	}

	st := &Status{
		PIDPowerBudget:   make(map[string]float64),
		PIDCdevRequest:   make(map[string]int),
		HardLimitRequest: make(map[string]int),
		ReleaseStep:      make(map[string]int),
		CdevRequest:      make(map[string]int),
		ceilings:         make(map[string]severity.IntArray),
	}
	resetScalars(st, info)

	// Every binding is checked before any vote reaches the arbiter.
	for _, b := range info.BindedCdevs {
		cdev, ok := e.cdevs[b.Name]
		if !ok {
			return fmt.Errorf("sensor %s: could not find bound cooling device %s", sensor, b.Name)
		}
		if b.HasPIDWeight() && len(cdev.State2Power) == 0 {
			return fmt.Errorf("sensor %s: cooling device %s has a PID weight but no state2power table", sensor, b.Name)
		}
	}

	for _, b := range info.BindedCdevs {
		cdev := e.cdevs[b.Name]
		voted := false
		if b.HasPIDWeight() {
			st.PIDPowerBudget[b.Name] = initialBudget
			st.PIDCdevRequest[b.Name] = 0
			st.CdevRequest[b.Name] = 0
			e.arbiter.Add(b.Name, 0)
			voted = true
		}
		if b.HasHardLimit() {
			st.HardLimitRequest[b.Name] = 0
			st.CdevRequest[b.Name] = 0
			if !voted {
				e.arbiter.Add(b.Name, 0)
				voted = true
			}
		}
		if b.HasRelease() {
			st.ReleaseStep[b.Name] = 0
		}
		if voted {
			st.order = append(st.order, b.Name)
		}

		ceiling := b.Ceiling
		for i, c := range ceiling {
			if c > cdev.MaxState {
				ceiling[i] = cdev.MaxState
			}
		}
		st.ceilings[b.Name] = ceiling
	}

	e.status[sensor] = st
	e.log.Info().
		Str("sensor", sensor).
		Int("pid_cdevs", len(st.PIDPowerBudget)).
		Int("hardlimit_cdevs", len(st.HardLimitRequest)).
		Int("release_cdevs", len(st.ReleaseStep)).
		Msg("throttling registered")
	return nil
}

func resetScalars(st *Status, info *config.ThrottlingInfo) {
	st.PrevErr = math.NaN()
	st.IBudget = info.IDefault
	st.PrevTarget = severity.None
	st.PrevPowerBudget = math.NaN()
	st.BudgetTransient = 0
	st.TranCycle = 0
}

// Clear resets the throttling state of sensor after it returns to NONE
func (e *Engine) Clear(sensor string, info *config.ThrottlingInfo) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.status[sensor]
	if !ok {
		return
	}
	for k := range st.PIDPowerBudget {
		st.PIDPowerBudget[k] = initialBudget
	}
	for k := range st.PIDCdevRequest {
		st.PIDCdevRequest[k] = 0
	}
	for k := range st.HardLimitRequest {
		st.HardLimitRequest[k] = 0
	}
	for k := range st.ReleaseStep {
		st.ReleaseStep[k] = 0
	}
	resetScalars(st, info)
}

// Update runs the PID, hard limit and release logic of sensor for one reading
func (e *Engine) Update(sensor string, info *config.SensorInfo, temp float64, sev severity.Level, dt time.Duration, power PowerReader) {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.status[sensor]
	if !ok {
		return
	}

	if len(st.PIDPowerBudget) > 0 {
		if !e.allocatePower(sensor, st, info, temp, sev, dt, power) {
			e.log.Error().Str("sensor", sensor).Msg("PID request cdev failed")
			for k := range st.PIDCdevRequest {
				st.PIDCdevRequest[k] = 0
			}
		}
		e.updateRequestByPower(st)
	}

	if len(st.HardLimitRequest) > 0 {
		for name := range st.HardLimitRequest {
			st.HardLimitRequest[name] = info.Throttling.Binded(name).LimitInfo[sev]
		}
	}

	if len(st.ReleaseStep) > 0 {
		e.updateRelease(sensor, st, info.Throttling, sev, power)
	}
}

// pidTarget returns the severity whose thresholds the PID loop aims for. It
// walks the levels with a defined s_power upwards and stops at the first one
// above sev, so the target is the next defined level when one exists.
func pidTarget(t *config.ThrottlingInfo, sev severity.Level) severity.Level {
	target := severity.None
	for _, l := range severity.Levels() {
		if math.IsNaN(t.SPower[l]) {
			continue
		}
		target = l
		if l > sev {
			break
		}
	}
	return target
}

func (e *Engine) powerBudget(sensor string, st *Status, info *config.SensorInfo, temp float64, sev severity.Level, dt time.Duration) float64 {
	if sev == severity.None {
		return math.MaxFloat64
	}
	t := info.Throttling
	target := pidTarget(t, sev)

	targetChanged := false
	if st.PrevTarget != severity.None && target != st.PrevTarget && t.TranCycle > 0 {
		st.TranCycle = t.TranCycle - 1
		targetChanged = true
	}
	st.PrevTarget = target

	errTemp := info.Thresholds.Hot[target] - temp
	gain := t.KPu[target]
	if errTemp < 0 {
		gain = t.KPo[target]
	}
	p := errTemp * gain

	if errTemp < t.ICutoff[target] {
		st.IBudget += errTemp * t.KI[target]
	}
	if math.Abs(st.IBudget) > t.IMax[target] {
		st.IBudget = math.Copysign(t.IMax[target], st.IBudget)
	}

	var d float64
	if ms := dt.Milliseconds(); !math.IsNaN(st.PrevErr) && ms != 0 {
		d = t.KD[target] * (errTemp - st.PrevErr) / float64(ms)
	}
	st.PrevErr = errTemp

	budget := t.SPower[target] + p + st.IBudget + d
	if budget < t.MinAllocPower[target] {
		budget = t.MinAllocPower[target]
	}
	if budget > t.MaxAllocPower[target] {
		budget = t.MaxAllocPower[target]
	}

	if targetChanged {
		st.BudgetTransient = st.PrevPowerBudget - budget
	}
	var transient float64
	if st.TranCycle != 0 {
		transient = st.BudgetTransient * float64(st.TranCycle) / float64(t.TranCycle)
		budget += transient
		st.TranCycle--
	}

	e.log.Debug().
		Str("sensor", sensor).
		Float64("power_budget", budget).
		Float64("err", errTemp).
		Float64("s_power", t.SPower[target]).
		Int64("time_elapsed_ms", dt.Milliseconds()).
		Float64("p", p).
		Float64("i", st.IBudget).
		Float64("d", d).
		Float64("budget_transient", transient).
		Stringer("target", target).
		Msg("power budget")

	st.PrevPowerBudget = budget
	return budget
}

func averagePower(power PowerReader, rail string) (float64, bool) {
	if power == nil || rail == "" {
		return math.NaN(), false
	}
	return power.AveragePower(rail)
}

func (e *Engine) excludedPower(t *config.ThrottlingInfo, sev severity.Level, power PowerReader) float64 {
	var excluded float64
	for _, ex := range t.ExcludedPower {
		avg, ok := averagePower(power, ex.Rail)
		if !ok || math.IsNaN(avg) {
			continue
		}
		excluded += avg * ex.Weight[sev]
	}
	return excluded
}

// stateIndex bounds a state to the rows of a state2power table
func stateIndex(table []float64, state int) int {
	return max(0, min(state, len(table)-1))
}

// allocatePower shares the PID budget of sensor among its bound cooling
// devices. It returns false when the budget could not be allocated.
func (e *Engine) allocatePower(sensor string, st *Status, info *config.SensorInfo, temp float64, sev severity.Level, dt time.Duration, power PowerReader) bool {
	t := info.Throttling
	total := e.powerBudget(sensor, st, info, temp, sev, dt)
	if len(t.ExcludedPower) > 0 {
		total = max(total-e.excludedPower(t, sev, power), 0)
	}

	allocated := make(map[string]bool)
	var totalWeight float64
	for _, b := range t.BindedCdevs {
		w := b.WeightForPID[sev]
		if math.IsNaN(w) || w == 0 {
			allocated[b.Name] = true
			continue
		}
		totalWeight += w
	}

	invalid := false
	for pass := 0; pass < 2; pass++ {
		lowPowerCheck := pass == 0
		var allocPower, allocWeight float64

		for _, b := range t.BindedCdevs {
			if allocated[b.Name] {
				continue
			}
			w := b.WeightForPID[sev]

			avg := math.NaN()
			if !invalid {
				v, ok := averagePower(power, b.PowerRail)
				if !ok || math.IsNaN(v) {
					e.log.Trace().Str("sensor", sensor).Str("cdev", b.Name).Msg("power data is under collecting")
					invalid = true
					break
				}
				avg = v
				if b.ThrottlingWithPowerLink {
					return false
				}
			}

			budget := total * (w / totalWeight)
			adjustment := budget - avg
			pidRequest := st.PIDCdevRequest[b.Name]

			if lowPowerCheck {
				if adjustment > 0 && pidRequest == 0 {
					allocPower += avg
					allocWeight += w
					allocated[b.Name] = true
				}
				continue
			}

			cdev := e.cdevs[b.Name]
			if adjustment < 0 && pidRequest == cdev.MaxState {
				continue
			}

			if !invalid && b.PowerRail != "" {
				cur := st.PIDPowerBudget[b.Name]
				if avg > cur {
					cur += adjustment * (cur / avg)
				} else {
					cur += adjustment
				}
				budget = cur
			}

			table := cdev.State2Power
			if !math.IsNaN(table[0]) && budget > table[0] {
				budget = table[0]
			} else if budget < 0 {
				budget = 0
			}

			maxVote, ok := e.arbiter.Max(b.Name)
			if !ok {
				return false
			}
			curVote := pidRequest

			if b.MaxReleaseStep != config.Unlimited && (invalid || adjustment > 0) {
				if !invalid && curVote < maxVote {
					budget = table[stateIndex(table, curVote)]
				} else {
					budget = min(budget, table[stateIndex(table, max(curVote-b.MaxReleaseStep, 0))])
				}
			}
			if b.MaxThrottleStep != config.Unlimited && (invalid || adjustment < 0) {
				target := min(curVote+b.MaxThrottleStep, cdev.MaxState)
				budget = max(budget, table[stateIndex(table, target)])
			}

			st.PIDPowerBudget[b.Name] = budget
			e.log.Trace().
				Str("sensor", sensor).
				Str("cdev", b.Name).
				Float64("budget", budget).
				Float64("weight", w).
				Float64("avg_power", avg).
				Msg("power allocated")
		}

		if !invalid {
			total -= allocPower
			totalWeight -= allocWeight
		}
	}
	return true
}

// updateRequestByPower maps each PID budget to the first state whose
// table entry fits in it
func (e *Engine) updateRequestByPower(st *Status) {
	for name, budget := range st.PIDPowerBudget {
		table := e.cdevs[name].State2Power
		i := 0
		for ; i < len(table)-1; i++ {
			if budget >= table[i] {
				break
			}
		}
		st.PIDCdevRequest[name] = i
	}
}

func (e *Engine) updateRelease(sensor string, st *Status, t *config.ThrottlingInfo, sev severity.Level, power PowerReader) {
	for _, b := range t.BindedCdevs {
		step, ok := st.ReleaseStep[b.Name]
		if !ok {
			continue
		}
		avg, ok := averagePower(power, b.PowerRail)
		if !ok {
			continue
		}
		maxState := e.cdevs[b.Name].MaxState

		if math.IsNaN(avg) || avg < 0 {
			if b.ThrottlingWithPowerLink {
				st.ReleaseStep[b.Name] = maxState
			} else {
				st.ReleaseStep[b.Name] = 0
			}
			continue
		}

		threshold := b.PowerThresholds[sev]
		overBudget := true
		if !b.HighPowerCheck && avg < threshold {
			overBudget = false
		} else if b.HighPowerCheck && avg > threshold {
			overBudget = false
		}

		switch b.ReleaseLogic {
		case config.ReleaseIncrease:
			if !overBudget {
				if abs(step) < maxState {
					step--
				}
			} else {
				step = 0
			}
		case config.ReleaseDecrease:
			if !overBudget {
				if step < maxState {
					step++
				}
			} else {
				step = 0
			}
		case config.ReleaseStepwise:
			if !overBudget {
				if step < maxState {
					step++
				}
			} else if abs(step) < maxState {
				step--
			}
		case config.ReleaseToFloor:
			if overBudget {
				step = 0
			} else {
				step = maxState
			}
		}
		st.ReleaseStep[b.Name] = step

		e.log.Debug().
			Str("sensor", sensor).
			Str("cdev", b.Name).
			Str("rail", b.PowerRail).
			Float64("power_threshold", threshold).
			Float64("avg_power", avg).
			Int("release_step", step).
			Msg("release update")
	}
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// ComputeRequests folds the PID, hard limit and release requests of sensor
// into one request per bound cooling device. It returns the devices whose
// arbitrated state changed.
func (e *Engine) ComputeRequests(sensor string, t *config.ThrottlingInfo, sev severity.Level) []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	st, ok := e.status[sensor]
	if !ok {
		return nil
	}

	var changed []string
	for _, name := range st.order {
		b := t.Binded(name)
		ceiling := st.ceilings[name][sev]
		floor := b.FloorWithPowerLink[sev]
		step := st.ReleaseStep[name]

		req := max(st.PIDCdevRequest[name], st.HardLimitRequest[name])
		if step != 0 {
			if step >= req {
				req = 0
			} else {
				req -= step
			}
			req = max(req, floor)
		}
		req = max(min(req, ceiling), 0)

		cur := st.CdevRequest[name]
		if cur == req {
			continue
		}
		if e.arbiter.Update(name, cur, req) {
			changed = append(changed, name)
		}
		st.CdevRequest[name] = req
		e.log.Debug().
			Str("sensor", sensor).
			Str("cdev", name).
			Int("request", req).
			Int("pid_request", st.PIDCdevRequest[name]).
			Int("hardlimit_request", st.HardLimitRequest[name]).
			Int("release_step", step).
			Int("ceiling", ceiling).
			Msg("cdev request changed")
	}
	return changed
}

// CdevMaxRequest returns the arbitrated state of cdev
func (e *Engine) CdevMaxRequest(cdev string) (int, bool) {
	return e.arbiter.Max(cdev)
}

// Status returns a copy of the throttling state of sensor
func (e *Engine) Status(sensor string) (Status, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.status[sensor]
	if !ok {
		return Status{}, false
	}
	return st.clone(), true
}

// Snapshot returns a copy of every sensor's throttling state
func (e *Engine) Snapshot() map[string]Status {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make(map[string]Status, len(e.status))
	for name, st := range e.status {
		out[name] = st.clone()
	}
	return out
}

// Sensors returns the sensors with throttling state in sorted order
func (e *Engine) Sensors() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return slices.Sorted(maps.Keys(e.status))
}

package thermal

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/asecurityteam/rolling"
	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/CristiGvl/thermalctl/internal/config"
	"github.com/CristiGvl/thermalctl/internal/notify"
	"github.com/CristiGvl/thermalctl/internal/power"
	"github.com/CristiGvl/thermalctl/internal/severity"
	"github.com/CristiGvl/thermalctl/internal/thermalfile"
	"github.com/CristiGvl/thermalctl/internal/throttling"
	"github.com/CristiGvl/thermalctl/internal/watcher"
)

var (
	// ErrUnknownSensor is returned for a sensor name that is not configured
	ErrUnknownSensor = errors.New("unknown sensor")
	// ErrInvalidSeverity is returned for an emulated severity out of range
	ErrInvalidSeverity = errors.New("invalid severity")
)

const (
	defaultAverageWindow = 10
	writeSuffix          = "_w"
)

// Notifier receives severity changes of sensors that send callbacks
type Notifier interface {
	Notify(t notify.Temperature)
}

// ModeSupporter is implemented by hint sinks that only accept some modes
type ModeSupporter interface {
	ModeSupported(sensor string, sev severity.Level) bool
}

// Options wires the helper to its environment. Zero values pick the
// host defaults.
type Options struct {
	Fs        afero.Fs
	SysfsRoot string
	// Zones and Cdevs map sysfs types to directories. When nil they are
	// discovered under SysfsRoot.
	Zones map[string]string
	Cdevs map[string]string

	Energy   power.EnergySource
	Source   watcher.Source
	Notifier Notifier
	Hints    notify.PowerHintSink

	ThrottlingDisabled bool
	AverageWindow      int
}

type emulation struct {
	temp     float64
	severity int
	pending  bool
}

type fusionInput struct {
	sensor      int
	rail        string
	coefficient float64
}

type sensor struct {
	name     string
	info     *config.SensorInfo
	inputs   []fusionInput
	triggers []int

	pollingDelay time.Duration
	passiveDelay time.Duration

	hints [severity.Count]severity.Level

	// guarded by Helper.mu
	severity   severity.Level
	prevHot    severity.Level
	prevCold   severity.Level
	prevHint   severity.Level
	lastUpdate time.Time
	lastValue  float64
	emul       *emulation
	average    *rolling.PointPolicy
	samples    int
	window     int

	// guarded by Helper.cacheMu
	cacheTemp float64
	cacheTime time.Time
}

// record appends a reading to the moving average window
func (s *sensor) record(v float64) {
	s.average.Append(v)
	if s.samples < s.window {
		s.samples++
	}
}

// movingAverage returns the mean of the readings held by the window. Unfilled
// buckets of the window hold zero, so the sum is divided by the filled count.
func (s *sensor) movingAverage() (float64, int) {
	n := min(s.samples, s.window)
	if n == 0 {
		return math.NaN(), 0
	}
	return s.average.Reduce(rolling.Sum) / float64(n), n
}

// Helper owns every sensor, cooling device and rail of the thermal config
// and runs the control loop on top of them
type Helper struct {
	log      zerolog.Logger
	cfg      *config.ThermalConfig
	fs       afero.Fs
	now      func() time.Time
	notifier Notifier
	hints    notify.PowerHintSink

	sensorFiles *thermalfile.Files
	cdevFiles   *thermalfile.Files
	cdevs       map[string]*config.CdevInfo
	zones       map[string]string
	power       *power.Files
	engine      *throttling.Engine
	watcher     *watcher.Watcher

	sensors []*sensor
	index   map[string]int

	// mu guards the derived state of every sensor and the all-clear switch.
	// It is never held across cooling device writes or notifications.
	mu       sync.RWMutex
	disabled bool
	cacheMu  sync.Mutex
	// sweepMu serialises a sweep with the all-clear reset
	sweepMu sync.Mutex
}

// New initialises sensor and cooling device nodes, power rails and
// throttling state. Any configuration mismatch with the host is returned.
func New(log zerolog.Logger, cfg *config.ThermalConfig, opts Options) (*Helper, error) {
	h := &Helper{
		log:      log.With().Str("component", "thermal").Logger(),
		cfg:      cfg,
		fs:       opts.Fs,
		now:      time.Now,
		notifier: opts.Notifier,
		hints:    opts.Hints,
		index:    make(map[string]int, len(cfg.SensorNames)),
	}
	if h.fs == nil {
		h.fs = afero.NewOsFs()
	}
	h.sensorFiles = thermalfile.New(h.fs)
	h.cdevFiles = thermalfile.New(h.fs)

	zones, cdevDirs := opts.Zones, opts.Cdevs
	var err error
	if zones == nil {
		if zones, err = thermalfile.ThermalZones(opts.SysfsRoot); err != nil {
			return nil, err
		}
	}
	if cdevDirs == nil {
		if cdevDirs, err = thermalfile.CoolingDevices(opts.SysfsRoot); err != nil {
			return nil, err
		}
	}
	h.zones = zones

	window := opts.AverageWindow
	if window <= 0 {
		window = defaultAverageWindow
	}
	for i, name := range cfg.SensorNames {
		info := cfg.Sensors[name]
		h.index[name] = i
		h.sensors = append(h.sensors, &sensor{
			name:         name,
			info:         info,
			pollingDelay: info.PollingDelay,
			passiveDelay: info.PassiveDelay,
			lastValue:    math.NaN(),
			cacheTemp:    math.NaN(),
			average:      rolling.NewPointPolicy(rolling.NewWindow(window)),
			window:       window,
		})
	}

	if err := h.initSensors(); err != nil {
		return nil, err
	}
	if err := h.initCoolingDevices(cdevDirs); err != nil {
		return nil, err
	}

	h.power = power.NewFiles(log, opts.Energy)
	if err := h.power.Register(cfg.PowerRails, cfg.RailNames); err != nil {
		return nil, fmt.Errorf("register power rails: %w", err)
	}
	if err := h.resolveLinks(); err != nil {
		return nil, err
	}

	h.engine = throttling.NewEngine(log, h.cdevs)
	for _, s := range h.sensors {
		if s.info.Throttling == nil {
			continue
		}
		if err := h.engine.Register(s.name, s.info.Throttling); err != nil {
			return nil, err
		}
	}

	h.initHints()

	src := opts.Source
	if src == nil {
		src = watcher.NewTimerSource()
	}
	h.watcher = watcher.New(log, src, h.sweep)

	if opts.ThrottlingDisabled {
		h.disabled = true
		h.resetSensorsLocked()
		h.clearAll()
		h.log.Warn().Msg("thermal throttling disabled")
		return h, nil
	}
	h.initTrips()
	return h, nil
}

func (h *Helper) initSensors() error {
	for _, s := range h.sensors {
		if s.info.Virtual != nil {
			continue
		}
		path := s.info.TempPath
		if path == "" {
			dir, ok := h.zones[s.name]
			if !ok {
				return fmt.Errorf("could not find sensor %s in sysfs", s.name)
			}
			path = thermalfile.TempPath(dir)
		}
		if err := h.sensorFiles.Register(s.name, path); err != nil {
			return err
		}
	}
	return nil
}

func (h *Helper) initCoolingDevices(dirs map[string]string) error {
	h.cdevs = make(map[string]*config.CdevInfo, len(h.cfg.CoolingDevices))
	for _, name := range h.cfg.CdevNames {
		c := *h.cfg.CoolingDevices[name]
		c.State2Power = slices.Clone(c.State2Power)

		dir, ok := dirs[name]
		if !ok {
			return fmt.Errorf("could not find cooling device %s in sysfs", name)
		}
		read, write := c.ReadPath, c.WritePath
		if read == "" {
			read = thermalfile.StatePath(dir)
		}
		if write == "" {
			write = thermalfile.StatePath(dir)
		}
		if err := h.cdevFiles.Register(name, read); err != nil {
			return err
		}
		if err := h.cdevFiles.Register(name+writeSuffix, write); err != nil {
			return err
		}

		if len(c.State2Power) == 0 {
			table, err := thermalfile.ReadState2Power(h.fs, dir)
			if err != nil {
				return fmt.Errorf("cooling device %s: %w", name, err)
			}
			if table != nil {
				c.State2Power = table
				h.log.Info().Str("cdev", name).Int("states", len(table)).Msg("use state2power read from sysfs")
			}
		}

		maxState, err := thermalfile.ReadMaxState(h.fs, dir)
		switch {
		case err == nil:
			c.MaxState = maxState
		case len(c.State2Power) > 0:
			c.MaxState = len(c.State2Power) - 1
			h.log.Warn().Err(err).Str("cdev", name).Int("max_state", c.MaxState).Msg("max state unreadable, using state2power size")
		default:
			c.MaxState = config.Unlimited
			h.log.Warn().Err(err).Str("cdev", name).Msg("max state unreadable")
		}
		if len(c.State2Power) > 0 && len(c.State2Power) != c.MaxState+1 {
			return fmt.Errorf("cooling device %s: invalid state2power number %d, should be %d (max_state + 1)",
				name, len(c.State2Power), c.MaxState+1)
		}

		h.cdevs[name] = &c
		h.log.Debug().Str("cdev", name).Int("max_state", c.MaxState).Int("state2power", len(c.State2Power)).Msg("cooling device initialised")
	}
	return nil
}

func (h *Helper) resolveLinks() error {
	tracked := make(map[string]bool)
	for _, r := range h.power.Rails() {
		tracked[r] = true
	}
	for _, s := range h.sensors {
		v := s.info.Virtual
		if v == nil {
			continue
		}
		for _, l := range v.Links {
			in := fusionInput{sensor: -1, coefficient: l.Coefficient}
			switch l.Type {
			case config.LinkSensor:
				id, ok := h.index[l.Name]
				if !ok {
					return fmt.Errorf("sensor %s: linked sensor %s is invalid", s.name, l.Name)
				}
				in.sensor = id
			case config.LinkPowerRail:
				if !tracked[l.Name] {
					return fmt.Errorf("sensor %s: could not find %s in power status", s.name, l.Name)
				}
				in.rail = l.Name
			}
			s.inputs = append(s.inputs, in)
		}
		for _, t := range v.TriggerSensors {
			id, ok := h.index[t]
			if !ok {
				return fmt.Errorf("sensor %s: trigger sensor %s is invalid", s.name, t)
			}
			s.triggers = append(s.triggers, id)
		}
	}
	return h.checkCycles()
}

// checkCycles rejects virtual sensors that link back to themselves
func (h *Helper) checkCycles() error {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make([]int, len(h.sensors))
	var visit func(id int) error
	visit = func(id int) error {
		switch state[id] {
		case visiting:
			return fmt.Errorf("sensor %s: virtual sensor links form a cycle", h.sensors[id].name)
		case done:
			return nil
		}
		state[id] = visiting
		for _, in := range h.sensors[id].inputs {
			if in.sensor < 0 {
				continue
			}
			if err := visit(in.sensor); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}
	for id := range h.sensors {
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

func (h *Helper) initHints() {
	supporter, _ := h.hints.(ModeSupporter)
	for _, s := range h.sensors {
		if !s.info.SendPowerHint {
			continue
		}
		current := severity.None
		for _, l := range severity.Levels() {
			if l != severity.None && (supporter == nil || supporter.ModeSupported(s.name, l)) {
				current = l
			}
			s.hints[l] = current
		}
	}
}

// initTrips arms the first trip point of every watched zone that lets user
// space own it, so the kernel raises a uevent when it is crossed. Zones that
// cannot be armed are polled at the minimum interval instead.
func (h *Helper) initTrips() {
	for _, s := range h.sensors {
		if !s.info.IsWatch || s.info.Virtual != nil {
			continue
		}
		armed := false
		if dir, ok := h.zones[s.name]; ok {
			armed = h.armTrip(s, dir)
		}
		if !armed {
			s.pollingDelay = config.MinPollInterval
			s.passiveDelay = config.MinPollInterval
			h.log.Info().Str("sensor", s.name).Dur("polling_delay", config.MinPollInterval).Msg("sensor set to default polling interval")
		}
	}
}

func (h *Helper) armTrip(s *sensor, dir string) bool {
	policy, err := thermalfile.ReadPolicy(h.fs, dir)
	if err != nil {
		h.log.Error().Err(err).Str("sensor", s.name).Msg("could not read zone policy")
		return false
	}
	if policy != thermalfile.UserSpacePolicy {
		h.log.Error().Str("sensor", s.name).Str("policy", policy).Msg("zone does not support uevent notify")
		return false
	}
	th := s.info.Thresholds
	for l := range severity.Count {
		if math.IsNaN(th.Hot[l]) || math.IsNaN(th.HotHysteresis[l]) {
			continue
		}
		temp := int(th.Hot[l] / s.info.Multiplier)
		hyst := int(th.HotHysteresis[l] / s.info.Multiplier)
		if err := thermalfile.WriteTripPoint(h.fs, dir, temp, hyst); err != nil {
			h.log.Error().Err(err).Str("sensor", s.name).Msg("fail to update trip point")
			return false
		}
		h.watcher.Monitor(s.name)
		return true
	}
	h.log.Error().Str("sensor", s.name).Msg("all hot thresholds are NAN")
	return false
}

// Run drives the control loop until ctx is cancelled
func (h *Helper) Run(ctx context.Context) error {
	return h.watcher.Run(ctx)
}

// Wake forces a sweep as soon as possible
func (h *Helper) Wake() {
	h.watcher.Wake()
}

// Power returns the rail telemetry
func (h *Helper) Power() *power.Files {
	return h.power
}

// Engine returns the throttling engine
func (h *Helper) Engine() *throttling.Engine {
	return h.engine
}

// Cdevs returns the resolved cooling device descriptors
func (h *Helper) Cdevs() map[string]*config.CdevInfo {
	return maps.Clone(h.cdevs)
}

func (h *Helper) lookup(name string) (*sensor, error) {
	id, ok := h.index[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSensor, name)
	}
	return h.sensors[id], nil
}

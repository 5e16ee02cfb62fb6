package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/CristiGvl/thermalctl/internal/fusion"
	"github.com/CristiGvl/thermalctl/internal/severity"
)

// ErrInvalidConfig wraps every descriptor validation failure
var ErrInvalidConfig = errors.New("invalid thermal config")

// Options tunes how descriptors are parsed
type Options struct {
	PowerLinkDisabled bool
	Logger            zerolog.Logger
}

// number decodes a JSON number, a numeric string such as "NAN", or null as NaN
type number float64

func (n *number) UnmarshalJSON(b []byte) error {
	s := string(bytes.TrimSpace(b))
	if s == "null" {
		*n = number(math.NaN())
		return nil
	}
	if strings.HasPrefix(s, `"`) {
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid number %s", string(b))
	}
	*n = number(f)
	return nil
}

// integer decodes a JSON number or numeric string into an int
type integer int

func (i *integer) UnmarshalJSON(b []byte) error {
	var n number
	if err := n.UnmarshalJSON(b); err != nil {
		return err
	}
	f := float64(n)
	if math.IsNaN(f) {
		return fmt.Errorf("invalid integer %s", string(b))
	}
	if f >= math.MaxInt32 {
		*i = Unlimited
		return nil
	}
	*i = integer(f)
	return nil
}

type rawConfig struct {
	Sensors        []rawSensor `json:"Sensors"`
	CoolingDevices []rawCdev   `json:"CoolingDevices"`
	PowerRails     []rawRail   `json:"PowerRails"`
}

type rawSensor struct {
	Name              string          `json:"Name"`
	Type              string          `json:"Type"`
	Hidden            *bool           `json:"Hidden"`
	Monitor           *bool           `json:"Monitor"`
	SendCallback      *bool           `json:"SendCallback"`
	SendPowerHint     *bool           `json:"SendPowerHint"`
	HotThreshold      []number        `json:"HotThreshold"`
	HotHysteresis     []number        `json:"HotHysteresis"`
	ColdThreshold     []number        `json:"ColdThreshold"`
	ColdHysteresis    []number        `json:"ColdHysteresis"`
	TempPath          string          `json:"TempPath"`
	VrThreshold       *number         `json:"VrThreshold"`
	Multiplier        *number         `json:"Multiplier"`
	PollingDelay      *integer        `json:"PollingDelay"`
	PassiveDelay      *integer        `json:"PassiveDelay"`
	TimeResolution    *integer        `json:"TimeResolution"`
	VirtualSensor     *bool           `json:"VirtualSensor"`
	Combination       []string        `json:"Combination"`
	CombinationType   []string        `json:"CombinationType"`
	Coefficient       []number        `json:"Coefficient"`
	Offset            *number         `json:"Offset"`
	TriggerSensor     json.RawMessage `json:"TriggerSensor"`
	Formula           string          `json:"Formula"`
	PIDInfo           *rawPID         `json:"PIDInfo"`
	BindedCdevInfo    []rawBinded     `json:"BindedCdevInfo"`
	ExcludedPowerInfo []rawExcluded   `json:"ExcludedPowerInfo"`
}

type rawPID struct {
	KPo           []number `json:"K_Po"`
	KPu           []number `json:"K_Pu"`
	KI            []number `json:"K_I"`
	KD            []number `json:"K_D"`
	IMax          []number `json:"I_Max"`
	MaxAllocPower []number `json:"MaxAllocPower"`
	MinAllocPower []number `json:"MinAllocPower"`
	SPower        []number `json:"S_Power"`
	ICutoff       []number `json:"I_Cutoff"`
	IDefault      *number  `json:"I_Default"`
	TranCycle     *number  `json:"TranCycle"`
}

type rawBinded struct {
	CdevRequest             string    `json:"CdevRequest"`
	CdevWeightForPID        []number  `json:"CdevWeightForPID"`
	CdevCeiling             []integer `json:"CdevCeiling"`
	MaxReleaseStep          *integer  `json:"MaxReleaseStep"`
	MaxThrottleStep         *integer  `json:"MaxThrottleStep"`
	LimitInfo               []integer `json:"LimitInfo"`
	BindedPowerRail         string    `json:"BindedPowerRail"`
	HighPowerCheck          bool      `json:"HighPowerCheck"`
	ThrottlingWithPowerLink bool      `json:"ThrottlingWithPowerLink"`
	CdevFloorWithPowerLink  []integer `json:"CdevFloorWithPowerLink"`
	PowerThreshold          []number  `json:"PowerThreshold"`
	ReleaseLogic            string    `json:"ReleaseLogic"`
}

type rawExcluded struct {
	PowerRail   string   `json:"PowerRail"`
	PowerWeight []number `json:"PowerWeight"`
}

type rawCdev struct {
	Name        string   `json:"Name"`
	Type        string   `json:"Type"`
	ReadPath    string   `json:"ReadPath"`
	WritePath   string   `json:"WritePath"`
	State2Power []number `json:"State2Power"`
	PowerRail   string   `json:"PowerRail"`
}

type rawRail struct {
	Name             string   `json:"Name"`
	Rail             string   `json:"Rail"`
	VirtualRails     *bool    `json:"VirtualRails"`
	Combination      []string `json:"Combination"`
	Coefficient      []number `json:"Coefficient"`
	Offset           *number  `json:"Offset"`
	Formula          string   `json:"Formula"`
	PowerSampleCount integer  `json:"PowerSampleCount"`
	PowerSampleDelay *integer `json:"PowerSampleDelay"`
}

// Load reads and validates the thermal descriptor file at path
func Load(path string, opts Options) (*ThermalConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read thermal config %s: %w", path, err)
	}
	return Parse(data, opts)
}

// Parse decodes and validates a thermal descriptor document
func Parse(data []byte, opts Options) (*ThermalConfig, error) {
	var raw rawConfig
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	p := &parser{opts: opts, log: opts.Logger}
	cfg, err := p.parse(&raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return cfg, nil
}

type parser struct {
	opts Options
	log  zerolog.Logger
}

func (p *parser) parse(raw *rawConfig) (*ThermalConfig, error) {
	cfg := &ThermalConfig{
		Sensors:        make(map[string]*SensorInfo),
		CoolingDevices: make(map[string]*CdevInfo),
		PowerRails:     make(map[string]*PowerRailInfo),
	}

	for i := range raw.CoolingDevices {
		c, err := p.cdev(i, &raw.CoolingDevices[i])
		if err != nil {
			return nil, err
		}
		if _, dup := cfg.CoolingDevices[c.Name]; dup {
			return nil, fmt.Errorf("duplicate cooling device %q", c.Name)
		}
		cfg.CoolingDevices[c.Name] = c
		cfg.CdevNames = append(cfg.CdevNames, c.Name)
	}

	for i := range raw.PowerRails {
		r, err := p.rail(i, &raw.PowerRails[i])
		if err != nil {
			return nil, err
		}
		if _, dup := cfg.PowerRails[r.Name]; dup {
			return nil, fmt.Errorf("duplicate power rail %q", r.Name)
		}
		cfg.PowerRails[r.Name] = r
		cfg.RailNames = append(cfg.RailNames, r.Name)
	}

	for i := range raw.Sensors {
		s, err := p.sensor(i, &raw.Sensors[i])
		if err != nil {
			return nil, err
		}
		if _, dup := cfg.Sensors[s.Name]; dup {
			return nil, fmt.Errorf("duplicate sensor %q", s.Name)
		}
		cfg.Sensors[s.Name] = s
		cfg.SensorNames = append(cfg.SensorNames, s.Name)
	}

	if err := crossCheck(cfg); err != nil {
		return nil, err
	}

	p.log.Info().
		Int("sensors", len(cfg.Sensors)).
		Int("cooling_devices", len(cfg.CoolingDevices)).
		Int("power_rails", len(cfg.PowerRails)).
		Msg("thermal config parsed")
	return cfg, nil
}

func (p *parser) sensor(i int, r *rawSensor) (*SensorInfo, error) {
	if r.Name == "" {
		return nil, fmt.Errorf("sensor[%d] has no name", i)
	}
	if !slices.Contains(SensorTypes, r.Type) {
		return nil, fmt.Errorf("sensor %s: invalid type %q", r.Name, r.Type)
	}

	s := &SensorInfo{
		Name:           r.Name,
		Type:           r.Type,
		Thresholds:     severity.NewThresholds(),
		TempPath:       r.TempPath,
		VrThreshold:    math.NaN(),
		Multiplier:     1,
		PollingDelay:   UeventPollTimeout,
		PassiveDelay:   MinPollInterval,
		TimeResolution: MinPollInterval,
	}

	switch {
	case r.Monitor != nil:
		s.SendCallback = *r.Monitor
	case r.SendCallback != nil:
		s.SendCallback = *r.SendCallback
	}
	s.SendPowerHint = r.SendPowerHint != nil && *r.SendPowerHint
	s.IsHidden = r.Hidden != nil && *r.Hidden
	if s.IsHidden && s.SendCallback {
		return nil, fmt.Errorf("sensor %s: Hidden and SendCallback cannot be enabled together", r.Name)
	}

	var err error
	th := &s.Thresholds
	if th.Hot, err = thresholdArray(r.HotThreshold, th.Hot, +1); err != nil {
		return nil, fmt.Errorf("sensor %s HotThreshold: %w", r.Name, err)
	}
	if th.HotHysteresis, err = hysteresisArray(r.HotHysteresis); err != nil {
		return nil, fmt.Errorf("sensor %s HotHysteresis: %w", r.Name, err)
	}
	if th.Cold, err = thresholdArray(r.ColdThreshold, th.Cold, -1); err != nil {
		return nil, fmt.Errorf("sensor %s ColdThreshold: %w", r.Name, err)
	}
	if th.ColdHysteresis, err = hysteresisArray(r.ColdHysteresis); err != nil {
		return nil, fmt.Errorf("sensor %s ColdHysteresis: %w", r.Name, err)
	}
	if err := checkOverlap(th); err != nil {
		return nil, fmt.Errorf("sensor %s: %w", r.Name, err)
	}

	if r.VrThreshold != nil {
		s.VrThreshold = float64(*r.VrThreshold)
	}
	if r.Multiplier != nil {
		s.Multiplier = float64(*r.Multiplier)
	}
	if r.PollingDelay != nil {
		s.PollingDelay = delay(*r.PollingDelay)
	}
	if r.PassiveDelay != nil {
		s.PassiveDelay = delay(*r.PassiveDelay)
	}
	if r.TimeResolution != nil {
		s.TimeResolution = time.Duration(*r.TimeResolution) * time.Millisecond
	}

	if s.Virtual, err = virtualSensor(r); err != nil {
		return nil, fmt.Errorf("sensor %s: %w", r.Name, err)
	}
	if s.Throttling, err = p.throttling(r); err != nil {
		return nil, fmt.Errorf("sensor %s: %w", r.Name, err)
	}

	supportsThrottling := s.Throttling != nil && (s.Throttling.SupportsPID || s.Throttling.HardLimit)
	s.IsWatch = s.SendCallback || s.SendPowerHint || supportsThrottling

	p.log.Debug().
		Str("sensor", s.Name).
		Str("type", s.Type).
		Bool("watch", s.IsWatch).
		Bool("virtual", s.Virtual != nil).
		Dur("polling_delay", s.PollingDelay).
		Dur("passive_delay", s.PassiveDelay).
		Msg("sensor parsed")
	return s, nil
}

func delay(ms integer) time.Duration {
	if ms <= 0 {
		return Forever
	}
	return time.Duration(ms) * time.Millisecond
}

// thresholdArray parses a threshold table. dir +1 requires non-decreasing
// defined entries, -1 non-increasing.
func thresholdArray(values []number, def severity.Array, dir int) (severity.Array, error) {
	if len(values) == 0 {
		return def, nil
	}
	out, err := array(values)
	if err != nil {
		return def, err
	}
	last := math.Inf(-dir)
	for i, v := range out {
		if math.IsNaN(v) {
			continue
		}
		if (dir > 0 && v < last) || (dir < 0 && v > last) {
			return def, fmt.Errorf("level %d value %v is not monotonic", i, v)
		}
		last = v
	}
	return out, nil
}

func hysteresisArray(values []number) (severity.Array, error) {
	if len(values) == 0 {
		return severity.Fill(0), nil
	}
	out, err := array(values)
	if err != nil {
		return out, err
	}
	for i, v := range out {
		if math.IsNaN(v) {
			return out, fmt.Errorf("level %d is NaN", i)
		}
	}
	return out, nil
}

// checkOverlap rejects hysteresis bands that cross the previous defined level
func checkOverlap(th *severity.Thresholds) error {
	for j := 0; j < severity.Count-1; j++ {
		if !math.IsNaN(th.Hot[j]) {
			for k := j + 1; k < severity.Count; k++ {
				if math.IsNaN(th.Hot[k]) {
					continue
				}
				if th.Hot[j] > th.Hot[k]-th.HotHysteresis[k] {
					return fmt.Errorf("hot threshold %d overlaps level %d", j, k)
				}
				break
			}
		}
		if !math.IsNaN(th.Cold[j]) {
			for k := j + 1; k < severity.Count; k++ {
				if math.IsNaN(th.Cold[k]) {
					continue
				}
				if th.Cold[j] < th.Cold[k]+th.ColdHysteresis[k] {
					return fmt.Errorf("cold threshold %d overlaps level %d", j, k)
				}
				break
			}
		}
	}
	return nil
}

func array(values []number) (severity.Array, error) {
	var out severity.Array
	if len(values) != severity.Count {
		return out, fmt.Errorf("want %d values, got %d", severity.Count, len(values))
	}
	for i, v := range values {
		out[i] = float64(v)
	}
	return out, nil
}

// checkedArray parses a per-level array, optionally requiring defined
// entries to be non-increasing.
func checkedArray(values []number, nonIncreasing bool) (severity.Array, error) {
	out, err := array(values)
	if err != nil || !nonIncreasing {
		return out, err
	}
	last := math.NaN()
	for i, v := range out {
		if !math.IsNaN(last) && !math.IsNaN(v) && v > last {
			return out, fmt.Errorf("level %d value %v exceeds previous %v", i, v, last)
		}
		if !math.IsNaN(v) {
			last = v
		}
	}
	return out, nil
}

func intArray(values []integer, def severity.IntArray) (severity.IntArray, error) {
	if len(values) == 0 {
		return def, nil
	}
	var out severity.IntArray
	if len(values) != severity.Count {
		return def, fmt.Errorf("want %d values, got %d", severity.Count, len(values))
	}
	for i, v := range values {
		out[i] = int(v)
	}
	return out, nil
}

func virtualSensor(r *rawSensor) (*VirtualSensorInfo, error) {
	if r.VirtualSensor == nil || !*r.VirtualSensor {
		return nil, nil
	}
	if len(r.Combination) == 0 {
		return nil, errors.New("virtual sensor has no Combination")
	}
	if len(r.Coefficient) == 0 {
		return nil, errors.New("virtual sensor has no Coefficient")
	}
	if len(r.Coefficient) != len(r.Combination) {
		return nil, errors.New("virtual sensor Coefficient size does not match Combination")
	}
	if len(r.CombinationType) != 0 && len(r.CombinationType) != len(r.Combination) {
		return nil, errors.New("virtual sensor CombinationType size does not match Combination")
	}

	v := &VirtualSensorInfo{}
	for i, name := range r.Combination {
		link := Link{Name: name, Type: LinkSensor, Coefficient: float64(r.Coefficient[i])}
		if len(r.CombinationType) > 0 {
			switch r.CombinationType[i] {
			case "SENSOR":
			case "ODPM":
				link.Type = LinkPowerRail
			default:
				return nil, fmt.Errorf("invalid CombinationType %q", r.CombinationType[i])
			}
		}
		v.Links = append(v.Links, link)
	}
	if r.Offset != nil {
		v.Offset = float64(*r.Offset)
	}

	if len(r.TriggerSensor) > 0 && string(r.TriggerSensor) != "null" {
		var one string
		if err := json.Unmarshal(r.TriggerSensor, &one); err == nil {
			v.TriggerSensors = []string{one}
		} else if err := json.Unmarshal(r.TriggerSensor, &v.TriggerSensors); err != nil {
			return nil, errors.New("TriggerSensor must be a string or an array of strings")
		}
	}

	f, err := fusion.ParseFormula(r.Formula)
	if err != nil {
		return nil, err
	}
	v.Formula = f
	return v, nil
}

func (p *parser) throttling(r *rawSensor) (*ThrottlingInfo, error) {
	t := &ThrottlingInfo{
		KPo:           severity.Fill(0),
		KPu:           severity.Fill(0),
		KI:            severity.Fill(0),
		KD:            severity.Fill(0),
		IMax:          severity.Undefined(),
		MaxAllocPower: severity.Undefined(),
		MinAllocPower: severity.Undefined(),
		SPower:        severity.Undefined(),
		ICutoff:       severity.Undefined(),
	}

	if pid := r.PIDInfo; pid != nil {
		fields := []struct {
			name          string
			values        []number
			dst           *severity.Array
			nonIncreasing bool
		}{
			{"K_Po", pid.KPo, &t.KPo, false},
			{"K_Pu", pid.KPu, &t.KPu, false},
			{"K_I", pid.KI, &t.KI, false},
			{"K_D", pid.KD, &t.KD, false},
			{"I_Max", pid.IMax, &t.IMax, false},
			{"MaxAllocPower", pid.MaxAllocPower, &t.MaxAllocPower, true},
			{"MinAllocPower", pid.MinAllocPower, &t.MinAllocPower, true},
			{"S_Power", pid.SPower, &t.SPower, true},
			{"I_Cutoff", pid.ICutoff, &t.ICutoff, false},
		}
		for _, f := range fields {
			a, err := checkedArray(f.values, f.nonIncreasing)
			if err != nil {
				return nil, fmt.Errorf("PIDInfo %s: %w", f.name, err)
			}
			*f.dst = a
		}
		if pid.IDefault != nil {
			t.IDefault = float64(*pid.IDefault)
		}
		if pid.TranCycle != nil {
			t.TranCycle = int(*pid.TranCycle)
		}

		valid := false
		for i := 0; i < severity.Count; i++ {
			if math.IsNaN(t.SPower[i]) {
				continue
			}
			if anyNaN(i, t.KPo, t.KPu, t.KI, t.KD, t.IMax, t.MaxAllocPower, t.MinAllocPower, t.ICutoff) {
				valid = false
				break
			}
			valid = true
		}
		if !valid {
			return nil, errors.New("invalid PID parameter combination")
		}
		t.SupportsPID = true
	}

	for i := range r.BindedCdevInfo {
		b, err := p.binded(&r.BindedCdevInfo[i], t.SupportsPID)
		if err != nil {
			return nil, err
		}
		if t.Binded(b.Name) != nil {
			return nil, fmt.Errorf("cooling device %s bound twice", b.Name)
		}
		if b.HasHardLimit() || len(r.BindedCdevInfo[i].LimitInfo) > 0 {
			t.HardLimit = true
		}
		t.BindedCdevs = append(t.BindedCdevs, b)
	}

	for _, ex := range r.ExcludedPowerInfo {
		if ex.PowerRail == "" {
			return nil, errors.New("ExcludedPowerInfo has an empty PowerRail")
		}
		w := severity.Fill(1)
		if len(ex.PowerWeight) > 0 {
			var err error
			if w, err = array(ex.PowerWeight); err != nil {
				return nil, fmt.Errorf("ExcludedPowerInfo %s PowerWeight: %w", ex.PowerRail, err)
			}
		}
		t.ExcludedPower = append(t.ExcludedPower, ExcludedPower{Rail: ex.PowerRail, Weight: w})
	}

	if !t.SupportsPID && !t.HardLimit && len(t.BindedCdevs) == 0 {
		return nil, nil
	}
	return t, nil
}

func anyNaN(i int, arrays ...severity.Array) bool {
	for _, a := range arrays {
		if math.IsNaN(a[i]) {
			return true
		}
	}
	return false
}

func (p *parser) binded(r *rawBinded, supportsPID bool) (*BindedCdevInfo, error) {
	if r.CdevRequest == "" {
		return nil, errors.New("BindedCdevInfo has no CdevRequest")
	}
	b := &BindedCdevInfo{
		Name:            r.CdevRequest,
		PowerThresholds: severity.Undefined(),
		ReleaseLogic:    ReleaseNone,
		WeightForPID:    severity.Undefined(),
		Ceiling:         severity.FillInt(Unlimited),
		MaxReleaseStep:  Unlimited,
		MaxThrottleStep: Unlimited,
	}
	var err error

	if supportsPID {
		if len(r.CdevWeightForPID) > 0 {
			if b.WeightForPID, err = array(r.CdevWeightForPID); err != nil {
				return nil, fmt.Errorf("%s CdevWeightForPID: %w", b.Name, err)
			}
		}
		if b.Ceiling, err = intArray(r.CdevCeiling, b.Ceiling); err != nil {
			return nil, fmt.Errorf("%s CdevCeiling: %w", b.Name, err)
		}
		if r.MaxReleaseStep != nil {
			if *r.MaxReleaseStep < 0 {
				return nil, fmt.Errorf("%s MaxReleaseStep %d is negative", b.Name, *r.MaxReleaseStep)
			}
			b.MaxReleaseStep = int(*r.MaxReleaseStep)
		}
		if r.MaxThrottleStep != nil {
			if *r.MaxThrottleStep < 0 {
				return nil, fmt.Errorf("%s MaxThrottleStep %d is negative", b.Name, *r.MaxThrottleStep)
			}
			b.MaxThrottleStep = int(*r.MaxThrottleStep)
		}
	}

	if b.LimitInfo, err = intArray(r.LimitInfo, b.LimitInfo); err != nil {
		return nil, fmt.Errorf("%s LimitInfo: %w", b.Name, err)
	}

	if p.opts.PowerLinkDisabled {
		return b, nil
	}
	b.PowerRail = r.BindedPowerRail
	b.HighPowerCheck = r.HighPowerCheck
	b.ThrottlingWithPowerLink = r.ThrottlingWithPowerLink
	if b.FloorWithPowerLink, err = intArray(r.CdevFloorWithPowerLink, b.FloorWithPowerLink); err != nil {
		return nil, fmt.Errorf("%s CdevFloorWithPowerLink: %w", b.Name, err)
	}
	if len(r.PowerThreshold) > 0 {
		if b.PowerThresholds, err = array(r.PowerThreshold); err != nil {
			return nil, fmt.Errorf("%s PowerThreshold: %w", b.Name, err)
		}
		if b.ReleaseLogic, err = ParseReleaseLogic(r.ReleaseLogic); err != nil {
			return nil, fmt.Errorf("%s: %w", b.Name, err)
		}
	}
	return b, nil
}

func (p *parser) cdev(i int, r *rawCdev) (*CdevInfo, error) {
	if r.Name == "" {
		return nil, fmt.Errorf("cooling device[%d] has no name", i)
	}
	if !slices.Contains(CoolingTypes, r.Type) {
		return nil, fmt.Errorf("cooling device %s: invalid type %q", r.Name, r.Type)
	}
	c := &CdevInfo{
		Name:      r.Name,
		Type:      r.Type,
		ReadPath:  r.ReadPath,
		WritePath: r.WritePath,
		PowerRail: r.PowerRail,
		MaxState:  Unlimited,
	}
	for _, v := range r.State2Power {
		c.State2Power = append(c.State2Power, float64(v))
	}
	return c, nil
}

func (p *parser) rail(i int, r *rawRail) (*PowerRailInfo, error) {
	if r.Name == "" {
		return nil, fmt.Errorf("power rail[%d] has no name", i)
	}
	info := &PowerRailInfo{
		Name:        r.Name,
		Rail:        r.Rail,
		SampleCount: int(r.PowerSampleCount),
		SampleDelay: Forever,
	}
	if info.Rail == "" {
		info.Rail = r.Name
	}
	if r.PowerSampleDelay != nil {
		info.SampleDelay = time.Duration(*r.PowerSampleDelay) * time.Millisecond
	}
	if info.SampleCount < 0 {
		return nil, fmt.Errorf("power rail %s: negative PowerSampleCount", r.Name)
	}

	if r.VirtualRails == nil || !*r.VirtualRails {
		return info, nil
	}
	if len(r.Combination) == 0 {
		return nil, fmt.Errorf("power rail %s has no Combination", r.Name)
	}
	if len(r.Coefficient) == 0 {
		return nil, fmt.Errorf("power rail %s has no Coefficient", r.Name)
	}
	if len(r.Combination) != len(r.Coefficient) {
		return nil, fmt.Errorf("power rail %s Combination size does not match Coefficient", r.Name)
	}
	v := &VirtualPowerRailInfo{LinkedRails: r.Combination}
	for _, c := range r.Coefficient {
		v.Coefficients = append(v.Coefficients, float64(c))
	}
	if r.Offset != nil {
		v.Offset = float64(*r.Offset)
	}
	f, err := fusion.ParseFormula(r.Formula)
	if err != nil {
		return nil, fmt.Errorf("power rail %s: %w", r.Name, err)
	}
	v.Formula = f
	info.Virtual = v
	return info, nil
}

// crossCheck resolves the names that descriptors use to refer to each other
func crossCheck(cfg *ThermalConfig) error {
	for _, name := range cfg.SensorNames {
		s := cfg.Sensors[name]
		if s.Throttling != nil {
			for _, b := range s.Throttling.BindedCdevs {
				if _, ok := cfg.CoolingDevices[b.Name]; !ok {
					return fmt.Errorf("sensor %s binds unknown cooling device %s", name, b.Name)
				}
				if b.PowerRail != "" {
					if _, ok := cfg.PowerRails[b.PowerRail]; !ok {
						return fmt.Errorf("sensor %s: cooling device %s binds unknown power rail %s", name, b.Name, b.PowerRail)
					}
				}
			}
			for _, ex := range s.Throttling.ExcludedPower {
				if _, ok := cfg.PowerRails[ex.Rail]; !ok {
					return fmt.Errorf("sensor %s excludes unknown power rail %s", name, ex.Rail)
				}
			}
		}
		if s.Virtual == nil {
			continue
		}
		for _, l := range s.Virtual.Links {
			switch l.Type {
			case LinkSensor:
				if _, ok := cfg.Sensors[l.Name]; !ok || l.Name == name {
					return fmt.Errorf("sensor %s links invalid sensor %s", name, l.Name)
				}
			case LinkPowerRail:
				if _, ok := cfg.PowerRails[l.Name]; !ok {
					return fmt.Errorf("sensor %s links unknown power rail %s", name, l.Name)
				}
			}
		}
		if !s.IsWatch {
			continue
		}
		for _, trig := range s.Virtual.TriggerSensors {
			t, ok := cfg.Sensors[trig]
			if !ok {
				return fmt.Errorf("sensor %s has unknown trigger sensor %s", name, trig)
			}
			t.IsWatch = true
		}
	}
	return nil
}

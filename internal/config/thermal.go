package config

import (
	"fmt"
	"math"
	"time"

	"github.com/CristiGvl/thermalctl/internal/fusion"
	"github.com/CristiGvl/thermalctl/internal/severity"
)

const (
	// MinPollInterval is the fastest a sensor is re-evaluated without a kernel event
	MinPollInterval = 2000 * time.Millisecond
	// UeventPollTimeout is the default polling delay of a sensor with no throttling
	UeventPollTimeout = 300000 * time.Millisecond
	// Forever marks a delay that never elapses
	Forever = time.Duration(math.MaxInt64)
	// Unlimited marks an unset integer bound such as a ceiling or step limit
	Unlimited = math.MaxInt32
)

// FusionType tells where a linked reading of a virtual sensor comes from
type FusionType int

const (
	LinkSensor FusionType = iota
	LinkPowerRail
)

// ReleaseLogic selects how a power-linked cooling device is released
type ReleaseLogic int

const (
	ReleaseIncrease ReleaseLogic = iota
	ReleaseDecrease
	ReleaseStepwise
	ReleaseToFloor
	ReleaseNone
)

var releaseNames = map[string]ReleaseLogic{
	"INCREASE":         ReleaseIncrease,
	"DECREASE":         ReleaseDecrease,
	"STEPWISE":         ReleaseStepwise,
	"RELEASE_TO_FLOOR": ReleaseToFloor,
}

// ParseReleaseLogic converts a configuration name into a ReleaseLogic
func ParseReleaseLogic(s string) (ReleaseLogic, error) {
	r, ok := releaseNames[s]
	if !ok {
		return ReleaseNone, fmt.Errorf("invalid release logic %q", s)
	}
	return r, nil
}

func (r ReleaseLogic) String() string {
	for name, v := range releaseNames {
		if v == r {
			return name
		}
	}
	return "NONE"
}

// SensorTypes lists the temperature types a sensor may declare
var SensorTypes = []string{
	"UNKNOWN", "CPU", "GPU", "BATTERY", "SKIN", "USB_PORT", "POWER_AMPLIFIER",
	"BCL_VOLTAGE", "BCL_CURRENT", "BCL_PERCENTAGE", "NPU", "TPU", "DISPLAY", "MODEM",
	"SOC", "WIFI", "CAMERA", "FLASHLIGHT", "SPEAKER", "AMBIENT", "POGO",
}

// CoolingTypes lists the types a cooling device may declare
var CoolingTypes = []string{
	"FAN", "BATTERY", "CPU", "GPU", "MODEM", "NPU", "COMPONENT", "TPU",
	"POWER_AMPLIFIER", "DISPLAY", "SPEAKER", "WIFI", "CAMERA", "FLASHLIGHT", "USB_PORT",
}

// SensorInfo describes one temperature sensor, physical or virtual
type SensorInfo struct {
	Name           string
	Type           string
	Thresholds     severity.Thresholds
	TempPath       string
	VrThreshold    float64
	Multiplier     float64
	PollingDelay   time.Duration
	PassiveDelay   time.Duration
	TimeResolution time.Duration
	SendCallback   bool
	SendPowerHint  bool
	IsWatch        bool
	IsHidden       bool
	Virtual        *VirtualSensorInfo
	Throttling     *ThrottlingInfo
}

// Link is one input of a virtual sensor
type Link struct {
	Name        string
	Type        FusionType
	Coefficient float64
}

// VirtualSensorInfo describes how a virtual sensor fuses its inputs
type VirtualSensorInfo struct {
	Links          []Link
	Offset         float64
	TriggerSensors []string
	Formula        fusion.Formula
}

// ExcludedPower is a rail whose power is removed from a sensor's PID budget
type ExcludedPower struct {
	Rail   string
	Weight severity.Array
}

// ThrottlingInfo holds the PID gains and bound cooling devices of a sensor
type ThrottlingInfo struct {
	KPo           severity.Array
	KPu           severity.Array
	KI            severity.Array
	KD            severity.Array
	IMax          severity.Array
	MaxAllocPower severity.Array
	MinAllocPower severity.Array
	SPower        severity.Array
	ICutoff       severity.Array
	IDefault      float64
	TranCycle     int
	ExcludedPower []ExcludedPower
	BindedCdevs   []*BindedCdevInfo
	SupportsPID   bool
	HardLimit     bool
}

// Binded returns the binding for cdev, or nil
func (t *ThrottlingInfo) Binded(cdev string) *BindedCdevInfo {
	for _, b := range t.BindedCdevs {
		if b.Name == cdev {
			return b
		}
	}
	return nil
}

// BindedCdevInfo describes how a sensor drives one cooling device
type BindedCdevInfo struct {
	Name                    string
	LimitInfo               severity.IntArray
	PowerThresholds         severity.Array
	ReleaseLogic            ReleaseLogic
	HighPowerCheck          bool
	ThrottlingWithPowerLink bool
	WeightForPID            severity.Array
	Ceiling                 severity.IntArray
	MaxReleaseStep          int
	MaxThrottleStep         int
	FloorWithPowerLink      severity.IntArray
	PowerRail               string
}

// HasPIDWeight reports whether any level assigns a PID weight
func (b *BindedCdevInfo) HasPIDWeight() bool {
	return b.WeightForPID.Defined()
}

// HasHardLimit reports whether any level requests a non-zero hard limit
func (b *BindedCdevInfo) HasHardLimit() bool {
	for _, v := range b.LimitInfo {
		if v > 0 {
			return true
		}
	}
	return false
}

// HasRelease reports whether the binding runs the power release logic
func (b *BindedCdevInfo) HasRelease() bool {
	return b.PowerRail != "" && b.PowerThresholds.Defined()
}

// CdevInfo describes a cooling device
type CdevInfo struct {
	Name        string
	Type        string
	ReadPath    string
	WritePath   string
	State2Power []float64
	PowerRail   string
	MaxState    int
}

// PowerRailInfo describes a measured or derived power rail
type PowerRailInfo struct {
	Name        string
	Rail        string
	SampleCount int
	SampleDelay time.Duration
	Virtual     *VirtualPowerRailInfo
}

// VirtualPowerRailInfo describes how a virtual rail fuses its inputs
type VirtualPowerRailInfo struct {
	LinkedRails  []string
	Coefficients []float64
	Offset       float64
	Formula      fusion.Formula
}

// ThermalConfig is the immutable set of descriptors loaded at startup
type ThermalConfig struct {
	Sensors        map[string]*SensorInfo
	SensorNames    []string
	CoolingDevices map[string]*CdevInfo
	CdevNames      []string
	PowerRails     map[string]*PowerRailInfo
	RailNames      []string
}

package power

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/procfs/sysfs"
	"github.com/spf13/afero"
)

// Sample is one cumulative energy counter reading of a rail
type Sample struct {
	Energy   int64 `json:"energy"`
	Duration int64 `json:"duration"`
}

// EnergySource reports the latest energy counters keyed by rail name
type EnergySource interface {
	Read() (map[string]Sample, error)
}

// ErrNoEnergySource is returned when no energy counter node can be found
var ErrNoEnergySource = errors.New("no energy source found")

const (
	iioDevicePattern = "iio:device*"
	energyValueNode  = "energy_value"
)

// IIOSource reads on-device power monitor counters from iio energy_value nodes
type IIOSource struct {
	fs    afero.Fs
	paths []string
}

// NewIIOSource finds every iio device under root exposing a non-empty energy_value node
func NewIIOSource(fs afero.Fs, root string) (*IIOSource, error) {
	matches, err := afero.Glob(fs, filepath.Join(root, iioDevicePattern, energyValueNode))
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	s := &IIOSource{fs: fs}
	for _, m := range matches {
		data, err := afero.ReadFile(fs, m)
		if err != nil || len(bytes.TrimSpace(data)) == 0 {
			continue
		}
		s.paths = append(s.paths, m)
	}
	if len(s.paths) == 0 {
		return nil, fmt.Errorf("%w under %s", ErrNoEnergySource, root)
	}
	return s, nil
}

// Paths returns the energy nodes being read
func (s *IIOSource) Paths() []string {
	return s.paths
}

// Read concatenates every energy node and parses it
func (s *IIOSource) Read() (map[string]Sample, error) {
	var buf bytes.Buffer
	for _, p := range s.paths {
		data, err := afero.ReadFile(s.fs, p)
		if err != nil {
			return nil, fmt.Errorf("read energy from %s: %w", p, err)
		}
		buf.Write(data)
		if len(data) > 0 && data[len(data)-1] != '\n' {
			buf.WriteByte('\n')
		}
	}
	return ParseEnergy(buf.String()), nil
}

// ParseEnergy parses lines such as "CH3(T=358356)[S2M_VDD_CPUCL2], 761330".
// Lines that do not follow the format are skipped.
func ParseEnergy(data string) map[string]Sample {
	out := make(map[string]Sample)
	for _, line := range strings.Split(data, "\n") {
		t := strings.Index(line, "T=")
		closing := strings.Index(line, ")")
		if t < 0 || closing < t {
			continue
		}
		duration, err := strconv.ParseInt(strings.TrimSpace(line[t+2:closing]), 10, 64)
		if err != nil {
			continue
		}

		open := strings.Index(line, ")[")
		end := strings.Index(line, "]")
		if open < 0 || end < open {
			continue
		}
		rail := line[open+2 : end]

		sep := strings.Index(line, "],")
		if sep < 0 {
			continue
		}
		energy, err := strconv.ParseInt(strings.TrimSpace(line[sep+2:]), 10, 64)
		if err != nil {
			continue
		}
		out[rail] = Sample{Energy: energy, Duration: duration}
	}
	return out
}

// RAPLSource reads Intel RAPL energy counters through powercap sysfs.
// Energy is reported in microjoules and Duration in milliseconds since the
// source was opened, so averages come out in milliwatts.
type RAPLSource struct {
	zones []sysfs.RaplZone
	names []string
	start time.Time
	now   func() time.Time
}

// NewRAPLSource opens every RAPL zone under the sysfs root
func NewRAPLSource(root string) (*RAPLSource, error) {
	fs, err := sysfs.NewFS(root)
	if err != nil {
		return nil, fmt.Errorf("open sysfs %s: %w", root, err)
	}
	zones, err := sysfs.GetRaplZones(fs)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoEnergySource, err)
	}
	if len(zones) == 0 {
		return nil, fmt.Errorf("%w under %s", ErrNoEnergySource, root)
	}
	s := &RAPLSource{zones: zones, start: time.Now(), now: time.Now}
	seen := make(map[string]bool)
	for _, z := range zones {
		name := z.Name
		if seen[name] {
			name = fmt.Sprintf("%s-%d", z.Name, z.Index)
		}
		seen[name] = true
		s.names = append(s.names, name)
	}
	return s, nil
}

// Rails returns the rail names the source reports
func (s *RAPLSource) Rails() []string {
	return s.names
}

// Read samples every RAPL zone
func (s *RAPLSource) Read() (map[string]Sample, error) {
	duration := s.now().Sub(s.start).Milliseconds()
	out := make(map[string]Sample, len(s.zones))
	for i, z := range s.zones {
		uj, err := z.GetEnergyMicrojoules()
		if err != nil {
			return nil, fmt.Errorf("read rapl zone %s: %w", s.names[i], err)
		}
		out[s.names[i]] = Sample{Energy: int64(uj), Duration: duration}
	}
	return out, nil
}

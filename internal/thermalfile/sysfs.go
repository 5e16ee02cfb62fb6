package thermalfile

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/prometheus/procfs/sysfs"
	"github.com/spf13/afero"
)

const (
	thermalClass      = "class/thermal"
	zonePrefix        = "thermal_zone"
	cdevPrefix        = "cooling_device"
	maxStateFile      = "max_state"
	curStateFile      = "cur_state"
	tempFile          = "temp"
	policyFile        = "policy"
	typeFile          = "type"
	state2PowerFile   = "state2power_table"
	tripPointTempFile = "trip_point_0_temp"
	tripPointHystFile = "trip_point_0_hyst"

	// UserSpacePolicy is the governor that lets user space own a zone's trip points
	UserSpacePolicy = "user_space"
)

// ThermalZones maps every thermal zone type under root to its directory
func ThermalZones(root string) (map[string]string, error) {
	fs, err := sysfs.NewFS(root)
	if err != nil {
		return nil, fmt.Errorf("open sysfs %s: %w", root, err)
	}
	stats, err := fs.ClassThermalZoneStats()
	if err != nil {
		return nil, fmt.Errorf("list thermal zones: %w", err)
	}
	zones := make(map[string]string, len(stats))
	for _, z := range stats {
		if _, dup := zones[z.Type]; dup {
			continue
		}
		zones[z.Type] = filepath.Join(root, thermalClass, zonePrefix+z.Name)
	}
	return zones, nil
}

// CoolingDevices maps every cooling device type under root to its directory
func CoolingDevices(root string) (map[string]string, error) {
	fs, err := sysfs.NewFS(root)
	if err != nil {
		return nil, fmt.Errorf("open sysfs %s: %w", root, err)
	}
	stats, err := fs.ClassCoolingDeviceStats()
	if err != nil {
		return nil, fmt.Errorf("list cooling devices: %w", err)
	}
	cdevs := make(map[string]string, len(stats))
	for _, c := range stats {
		if _, dup := cdevs[c.Type]; dup {
			continue
		}
		cdevs[c.Type] = filepath.Join(root, thermalClass, cdevPrefix+c.Name)
	}
	return cdevs, nil
}

// TempPath returns the temperature node of a zone directory
func TempPath(zoneDir string) string {
	return filepath.Join(zoneDir, tempFile)
}

// StatePath returns the current state node of a cooling device directory
func StatePath(cdevDir string) string {
	return filepath.Join(cdevDir, curStateFile)
}

// ReadMaxState reads max_state of a cooling device directory
func ReadMaxState(fs afero.Fs, cdevDir string) (int, error) {
	data, err := afero.ReadFile(fs, filepath.Join(cdevDir, maxStateFile))
	if err != nil {
		return 0, err
	}
	v, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("parse max_state of %s: %w", cdevDir, err)
	}
	return v, nil
}

// ReadState2Power reads the power table of a cooling device directory.
// A missing table yields nil and no error.
func ReadState2Power(fs afero.Fs, cdevDir string) ([]float64, error) {
	data, err := afero.ReadFile(fs, filepath.Join(cdevDir, state2PowerFile))
	if err != nil {
		if exists, _ := afero.Exists(fs, filepath.Join(cdevDir, state2PowerFile)); !exists {
			return nil, nil
		}
		return nil, err
	}
	var table []float64
	for _, field := range strings.Fields(string(data)) {
		v, err := strconv.ParseFloat(field, 64)
		if err != nil {
			return nil, fmt.Errorf("parse state2power of %s: %w", cdevDir, err)
		}
		table = append(table, v)
	}
	return table, nil
}

// ZoneTypeByID returns the type of thermal_zone<id> under root
func ZoneTypeByID(fs afero.Fs, root string, id int) (string, error) {
	p := filepath.Join(root, thermalClass, zonePrefix+strconv.Itoa(id), typeFile)
	data, err := afero.ReadFile(fs, p)
	if err != nil {
		return "", err
	}
	typ := strings.TrimSpace(string(data))
	if typ == "" {
		return "", fmt.Errorf("empty type for thermal zone %d", id)
	}
	return typ, nil
}

// ReadPolicy returns the governor of a zone directory
func ReadPolicy(fs afero.Fs, zoneDir string) (string, error) {
	data, err := afero.ReadFile(fs, filepath.Join(zoneDir, policyFile))
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(data)), nil
}

// WriteTripPoint programs the first trip point of a zone so the kernel
// raises an event when temp is crossed
func WriteTripPoint(fs afero.Fs, zoneDir string, temp, hyst int) error {
	if err := afero.WriteFile(fs, filepath.Join(zoneDir, tripPointHystFile), []byte(strconv.Itoa(hyst)), 0o644); err != nil {
		return fmt.Errorf("write trip hysteresis of %s: %w", zoneDir, err)
	}
	if err := afero.WriteFile(fs, filepath.Join(zoneDir, tripPointTempFile), []byte(strconv.Itoa(temp)), 0o644); err != nil {
		return fmt.Errorf("write trip temperature of %s: %w", zoneDir, err)
	}
	return nil
}

//go:build linux

package temps

import (
	"context"
	"sort"

	"github.com/shirou/gopsutil/v3/host"
)

// LinuxReader reads hwmon and thermal zone temperatures through gopsutil
type LinuxReader struct{}

func newPlatformReader() Reader {
	return &LinuxReader{}
}

// Sensors returns every host temperature sorted by name
func (r *LinuxReader) Sensors(ctx context.Context) ([]Sensor, error) {
	stats, err := host.SensorsTemperaturesWithContext(ctx)
	if err != nil && len(stats) == 0 {
		return nil, err
	}

	sensors := make([]Sensor, 0, len(stats))
	for _, t := range stats {
		sensors = append(sensors, Sensor{
			Name:        t.SensorKey,
			Type:        Classify(t.SensorKey),
			Temperature: t.Temperature,
			High:        t.High,
			Critical:    t.Critical,
		})
	}
	sort.Slice(sensors, func(i, j int) bool { return sensors[i].Name < sensors[j].Name })
	return sensors, nil
}

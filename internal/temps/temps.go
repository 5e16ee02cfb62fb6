package temps

import (
	"context"
	"strings"
)

// Sensor is a temperature reported by the host sensor drivers
type Sensor struct {
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	Temperature float64 `json:"temperature_celsius"`
	High        float64 `json:"high_celsius"`
	Critical    float64 `json:"critical_celsius"`
}

// Reader lists host temperature sensors
type Reader interface {
	Sensors(ctx context.Context) ([]Sensor, error)
}

// NewReader creates a new temperature reader for the current platform
func NewReader() Reader {
	return newPlatformReader()
}

var typeHints = []struct {
	kind  string
	words []string
}{
	{"CPU", []string{"cpu", "core", "x86_pkg", "k10temp", "coretemp", "soc"}},
	{"GPU", []string{"gpu", "amdgpu", "nouveau", "radeon"}},
	{"BATTERY", []string{"battery", "bat"}},
	{"SKIN", []string{"skin", "acpitz"}},
	{"WIFI", []string{"iwlwifi", "wifi", "ath"}},
	{"AMBIENT", []string{"ambient", "pch"}},
}

// Classify maps a sensor key onto one of the thermal sensor types
func Classify(key string) string {
	k := strings.ToLower(key)
	for _, h := range typeHints {
		for _, w := range h.words {
			if strings.Contains(k, w) {
				return h.kind
			}
		}
	}
	return "UNKNOWN"
}

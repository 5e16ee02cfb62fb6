package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/CristiGvl/thermalctl/internal/power"
	"github.com/CristiGvl/thermalctl/internal/severity"
	"github.com/CristiGvl/thermalctl/internal/temps"
	"github.com/CristiGvl/thermalctl/internal/thermal"
	"github.com/CristiGvl/thermalctl/internal/throttling"
)

type fakeThermal struct {
	emulTemps  map[string]float64
	emulSevs   map[string]int
	cleared    []string
	disabled   bool
	cdevErr    error
	filterSeen string
}

func newFakeThermal() *fakeThermal {
	return &fakeThermal{emulTemps: map[string]float64{}, emulSevs: map[string]int{}}
}

func (f *fakeThermal) Temperatures(filterType string) []thermal.Temperature {
	f.filterSeen = filterType
	all := []thermal.Temperature{
		{Name: "cpu0", Type: "CPU", Value: 72, Severity: severity.Moderate},
		{Name: "skin", Type: "SKIN", Value: math.NaN()},
	}
	var out []thermal.Temperature
	for _, t := range all {
		if filterType == "" || t.Type == filterType {
			out = append(out, t)
		}
	}
	return out
}

func (f *fakeThermal) Thresholds(string) []thermal.Threshold {
	th := severity.NewThresholds()
	th.Hot[1] = 60
	return []thermal.Threshold{{Name: "cpu0", Type: "CPU", Thresholds: th}}
}

func (f *fakeThermal) CoolingDevices(string) ([]thermal.CoolingDevice, error) {
	if f.cdevErr != nil {
		return nil, f.cdevErr
	}
	return []thermal.CoolingDevice{{Name: "fan0", Type: "FAN", Value: 2, MaxState: 4}}, nil
}

func (f *fakeThermal) SensorStatus() []thermal.SensorStatus {
	return []thermal.SensorStatus{{
		Name:         "cpu0",
		Type:         "CPU",
		Severity:     severity.Moderate,
		Temp:         72,
		Average:      math.NaN(),
		PollingDelay: math.MaxInt64,
		PassiveDelay: time.Second,
		EmulTemp:     math.NaN(),
		EmulSeverity: -1,
	}}
}

func (f *fakeThermal) ThrottlingStatus() map[string]throttling.Status {
	return map[string]throttling.Status{
		"skin": {
			PIDPowerBudget: map[string]float64{"cpu-big": 1200},
			CdevRequest:    map[string]int{"cpu-big": 2},
			PrevErr:        math.NaN(),
			PrevTarget:     severity.Severe,
		},
	}
}

func (f *fakeThermal) PowerStatus() []power.Status {
	return []power.Status{{Rail: "CPU", AveragePower: math.NaN()}}
}

func (f *fakeThermal) EmulTemp(name string, temp float64) error {
	if name != "cpu0" {
		return fmt.Errorf("%w: %s", thermal.ErrUnknownSensor, name)
	}
	f.emulTemps[name] = temp
	return nil
}

func (f *fakeThermal) EmulSeverity(name string, sev int) error {
	if sev < 0 || sev >= severity.Count {
		return thermal.ErrInvalidSeverity
	}
	if name != "cpu0" {
		return thermal.ErrUnknownSensor
	}
	f.emulSevs[name] = sev
	return nil
}

func (f *fakeThermal) EmulClear(name string) error {
	if name != "cpu0" && name != "all" {
		return thermal.ErrUnknownSensor
	}
	f.cleared = append(f.cleared, name)
	return nil
}

func (f *fakeThermal) SetThrottlingDisabled(disabled bool) { f.disabled = disabled }

func (f *fakeThermal) ThrottlingDisabled() bool { return f.disabled }

type fakeTemps struct{ err error }

func (f fakeTemps) Sensors(context.Context) ([]temps.Sensor, error) {
	if f.err != nil {
		return nil, f.err
	}
	return []temps.Sensor{{Name: "coretemp_core_0", Type: "CPU", Temperature: 48}}, nil
}

func do(t *testing.T, s *Server, method, path, body string) (int, string) {
	t.Helper()
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, r)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := s.App().Test(req, -1)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(data)
}

func TestRoutes(t *testing.T) {
	th := newFakeThermal()
	s := NewServer(zerolog.Nop(), th, fakeTemps{})

	tests := []struct {
		name     string
		method   string
		path     string
		body     string
		status   int
		contains string
	}{
		{"health", http.MethodGet, "/api/health", "", 200, `"status":"ok"`},
		{"temperatures", http.MethodGet, "/api/temperatures", "", 200, `"value":null`},
		{"temperatures by type", http.MethodGet, "/api/temperatures?type=CPU", "", 200, `"throttling_status":"MODERATE"`},
		{"thresholds", http.MethodGet, "/api/thresholds", "", 200, `"hot_throttling_thresholds":[null,60,null`},
		{"cdevs", http.MethodGet, "/api/cdevs", "", 200, `"max_state":4`},
		{"sensor status", http.MethodGet, "/api/status/sensors", "", 200, `"polling_delay_ms":-1`},
		{"throttling status", http.MethodGet, "/api/status/throttling", "", 200, `"prev_err":null`},
		{"power status", http.MethodGet, "/api/status/power", "", 200, `"average_power_mw":null`},
		{"host temps", http.MethodGet, "/api/host/temps", "", 200, `"coretemp_core_0"`},
		{"emul temp", http.MethodPost, "/api/emul/cpu0/temp", `{"temp":85.5}`, 200, "success"},
		{"emul temp unknown", http.MethodPost, "/api/emul/gpu0/temp", `{"temp":85}`, 404, "unknown sensor"},
		{"emul temp bad body", http.MethodPost, "/api/emul/cpu0/temp", `{"temp":"hot"}`, 400, "invalid request body"},
		{"emul temp missing", http.MethodPost, "/api/emul/cpu0/temp", `{}`, 400, "invalid request body"},
		{"emul severity", http.MethodPost, "/api/emul/cpu0/severity", `{"severity":3}`, 200, "success"},
		{"emul severity invalid", http.MethodPost, "/api/emul/cpu0/severity", `{"severity":9}`, 400, "invalid severity"},
		{"emul clear", http.MethodDelete, "/api/emul/all", "", 200, "success"},
		{"emul clear unknown", http.MethodDelete, "/api/emul/gpu0", "", 404, "unknown sensor"},
		{"throttling", http.MethodPost, "/api/throttling", `{"disabled":true}`, 200, `"throttling_disabled":true`},
		{"throttling bad body", http.MethodPost, "/api/throttling", `{}`, 400, "invalid request body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, body := do(t, s, tt.method, tt.path, tt.body)
			if status != tt.status {
				t.Errorf("status = %d, want %d (%s)", status, tt.status, body)
			}
			if !strings.Contains(body, tt.contains) {
				t.Errorf("body %s does not contain %s", body, tt.contains)
			}
		})
	}

	if th.emulTemps["cpu0"] != 85.5 || th.emulSevs["cpu0"] != 3 {
		t.Errorf("emulation not forwarded: %v %v", th.emulTemps, th.emulSevs)
	}
	if len(th.cleared) != 1 || th.cleared[0] != "all" {
		t.Errorf("cleared = %v", th.cleared)
	}
	if !th.disabled {
		t.Error("throttling switch not forwarded")
	}
}

func TestEmulNamesOutliveRequest(t *testing.T) {
	th := newFakeThermal()
	s := NewServer(zerolog.Nop(), th, fakeTemps{})
	if status, body := do(t, s, http.MethodPost, "/api/emul/cpu0/temp", `{"temp":70}`); status != 200 {
		t.Fatalf("status = %d (%s)", status, body)
	}
	// a second request reuses the request buffers of the first one
	do(t, s, http.MethodPost, "/api/emul/xyz9/temp", `{"temp":71}`)
	do(t, s, http.MethodDelete, "/api/emul/all", "")
	do(t, s, http.MethodGet, "/api/temperatures?type=ABCD", "")

	if len(th.emulTemps) != 1 || th.emulTemps["cpu0"] != 70 {
		t.Errorf("emulTemps = %v, want only cpu0", th.emulTemps)
	}
	if len(th.cleared) != 1 || th.cleared[0] != "all" {
		t.Errorf("cleared = %v", th.cleared)
	}
}

func TestTemperatureFilter(t *testing.T) {
	th := newFakeThermal()
	s := NewServer(zerolog.Nop(), th, fakeTemps{})
	_, body := do(t, s, http.MethodGet, "/api/temperatures?type=SKIN", "")
	if th.filterSeen != "SKIN" {
		t.Errorf("filter = %q", th.filterSeen)
	}
	var got []map[string]any
	if err := json.Unmarshal([]byte(body), &got); err != nil {
		t.Fatalf("decode %s: %v", body, err)
	}
	if len(got) != 1 || got[0]["name"] != "skin" {
		t.Errorf("got %v", got)
	}
}

func TestInternalErrors(t *testing.T) {
	th := newFakeThermal()
	th.cdevErr = errors.New("read cooling device fan0: gone")
	s := NewServer(zerolog.Nop(), th, fakeTemps{err: errors.New("no sensors")})

	if status, _ := do(t, s, http.MethodGet, "/api/cdevs", ""); status != 500 {
		t.Errorf("cdevs status = %d, want 500", status)
	}
	if status, _ := do(t, s, http.MethodGet, "/api/host/temps", ""); status != 500 {
		t.Errorf("host temps status = %d, want 500", status)
	}
}

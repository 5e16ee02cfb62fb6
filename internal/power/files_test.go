package power

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/afero"

	"github.com/CristiGvl/thermalctl/internal/config"
	"github.com/CristiGvl/thermalctl/internal/fusion"
)

type fakeSource struct {
	samples []map[string]Sample
	err     error
}

func (s *fakeSource) push(m map[string]Sample) {
	s.samples = append(s.samples, m)
}

func (s *fakeSource) Read() (map[string]Sample, error) {
	if s.err != nil {
		return nil, s.err
	}
	if len(s.samples) == 0 {
		return map[string]Sample{}, nil
	}
	m := s.samples[0]
	if len(s.samples) > 1 {
		s.samples = s.samples[1:]
	}
	return m, nil
}

func rail(name string, count int, delay time.Duration) *config.PowerRailInfo {
	return &config.PowerRailInfo{Name: name, Rail: name, SampleCount: count, SampleDelay: delay}
}

func TestParseEnergy(t *testing.T) {
	data := "t=12345\nCH3(T=358356)[S2M_VDD_CPUCL2], 761330\nCH4(T=358356)[S3M_VDD_GPU], 42\ngarbage\n"
	got := ParseEnergy(data)
	if len(got) != 2 {
		t.Fatalf("parsed %d rails: %v", len(got), got)
	}
	if s := got["S2M_VDD_CPUCL2"]; s.Duration != 358356 || s.Energy != 761330 {
		t.Errorf("sample = %+v", s)
	}
}

func TestIIOSource(t *testing.T) {
	fs := afero.NewMemMapFs()
	_ = afero.WriteFile(fs, "/iio/iio:device0/energy_value", []byte("CH0(T=10)[A], 100"), 0o644)
	_ = afero.WriteFile(fs, "/iio/iio:device1/energy_value", []byte("CH0(T=10)[B], 200\n"), 0o644)
	_ = afero.WriteFile(fs, "/iio/iio:device2/energy_value", []byte(""), 0o644)

	src, err := NewIIOSource(fs, "/iio")
	if err != nil {
		t.Fatalf("NewIIOSource: %v", err)
	}
	if len(src.Paths()) != 2 {
		t.Errorf("paths = %v", src.Paths())
	}
	got, err := src.Read()
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	if got["A"].Energy != 100 || got["B"].Energy != 200 {
		t.Errorf("read = %v", got)
	}

	if _, err := NewIIOSource(afero.NewMemMapFs(), "/iio"); !errors.Is(err, ErrNoEnergySource) {
		t.Errorf("empty root error = %v", err)
	}
}

func TestAveragePower(t *testing.T) {
	src := &fakeSource{}
	src.push(map[string]Sample{"cpu": {Energy: 0, Duration: 0}})
	src.push(map[string]Sample{"cpu": {Energy: 1000, Duration: 10}})
	src.push(map[string]Sample{"cpu": {Energy: 1500, Duration: 20}})

	f := NewFiles(zerolog.Nop(), src)
	if err := f.Register(map[string]*config.PowerRailInfo{"cpu": rail("cpu", 1, 0)}, []string{"cpu"}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	now := time.Unix(100, 0)
	if err := f.Refresh(now); err != nil {
		t.Fatal(err)
	}
	if avg, ok := f.AveragePower("cpu"); !ok || !math.IsNaN(avg) {
		t.Fatalf("first refresh = %v, %v; want NaN while the window fills", avg, ok)
	}

	if err := f.Refresh(now.Add(time.Second)); err != nil {
		t.Fatal(err)
	}
	if avg, _ := f.AveragePower("cpu"); avg != 50 {
		t.Fatalf("average = %v, want 50", avg)
	}
}

func TestAveragePowerInvalidDelta(t *testing.T) {
	src := &fakeSource{}
	src.push(map[string]Sample{"cpu": {}})
	src.push(map[string]Sample{"cpu": {Energy: 1000, Duration: 10}})
	src.push(map[string]Sample{"cpu": {Energy: 900, Duration: 20}})

	f := NewFiles(zerolog.Nop(), src)
	if err := f.Register(map[string]*config.PowerRailInfo{"cpu": rail("cpu", 1, 0)}, []string{"cpu"}); err != nil {
		t.Fatal(err)
	}
	now := time.Unix(100, 0)
	_ = f.Refresh(now)
	_ = f.Refresh(now.Add(time.Second))
	if avg, _ := f.AveragePower("cpu"); !math.IsNaN(avg) {
		t.Fatalf("counter regression = %v, want NaN", avg)
	}
}

func TestSampleDelay(t *testing.T) {
	src := &fakeSource{}
	src.push(map[string]Sample{"cpu": {}})
	src.push(map[string]Sample{"cpu": {Energy: 1000, Duration: 10}})
	src.push(map[string]Sample{"cpu": {Energy: 1500, Duration: 20}})
	src.push(map[string]Sample{"cpu": {Energy: 4500, Duration: 30}})

	f := NewFiles(zerolog.Nop(), src)
	if err := f.Register(map[string]*config.PowerRailInfo{"cpu": rail("cpu", 1, time.Second)}, []string{"cpu"}); err != nil {
		t.Fatal(err)
	}
	now := time.Unix(100, 0)
	_ = f.Refresh(now)
	_ = f.Refresh(now.Add(time.Second))
	_ = f.Refresh(now.Add(1500 * time.Millisecond))
	if avg, _ := f.AveragePower("cpu"); avg != 50 {
		t.Fatalf("average inside the sample delay = %v, want the previous 50", avg)
	}
}

func TestVirtualRail(t *testing.T) {
	src := &fakeSource{}
	src.push(map[string]Sample{"a": {}, "b": {}})
	src.push(map[string]Sample{"a": {Energy: 100, Duration: 10}, "b": {Energy: 100, Duration: 10}})
	src.push(map[string]Sample{"a": {Energy: 200, Duration: 20}, "b": {Energy: 400, Duration: 20}})

	rails := map[string]*config.PowerRailInfo{
		"total": {
			Name: "total", Rail: "total", SampleCount: 1,
			Virtual: &config.VirtualPowerRailInfo{
				LinkedRails:  []string{"a", "b"},
				Coefficients: []float64{1, 0.5},
				Offset:       5,
				Formula:      fusion.WeightedAvg,
			},
		},
	}
	f := NewFiles(zerolog.Nop(), src)
	if err := f.Register(rails, []string{"total"}); err != nil {
		t.Fatal(err)
	}
	now := time.Unix(100, 0)
	_ = f.Refresh(now)
	_ = f.Refresh(now.Add(time.Second))
	// a = 10, b = 30: 10*1 + 30*0.5 + 5
	if avg, _ := f.AveragePower("total"); avg != 30 {
		t.Fatalf("virtual average = %v, want 30", avg)
	}
	if snap := f.Snapshot(); len(snap) != 1 || snap[0].Rail != "total" {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestRegisterSkipsAndFailures(t *testing.T) {
	src := &fakeSource{}
	src.push(map[string]Sample{"cpu": {}})
	rails := map[string]*config.PowerRailInfo{
		"cpu":    rail("cpu", 0, 0),
		"slow":   rail("slow", 2, config.Forever),
		"absent": rail("absent", 1, 0),
	}

	f := NewFiles(zerolog.Nop(), src)
	if err := f.Register(rails, []string{"cpu", "slow"}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, ok := f.AveragePower("cpu"); ok {
		t.Error("rail with no samples should have no window")
	}
	if len(f.Rails()) != 0 {
		t.Errorf("rails = %v", f.Rails())
	}

	if err := NewFiles(zerolog.Nop(), src).Register(rails, []string{"absent"}); err == nil {
		t.Error("rail missing from the energy source should fail registration")
	}
	if err := NewFiles(zerolog.Nop(), nil).Register(rails, []string{"cpu"}); !errors.Is(err, ErrNoEnergySource) {
		t.Errorf("nil source error = %v", err)
	}
}

package severity

import (
	"math"
	"math/rand"
	"testing"
)

func levelTwoOnly() Thresholds {
	th := NewThresholds()
	th.Hot[Moderate] = 40.0
	th.HotHysteresis[Moderate] = 2.0
	return th
}

func TestEvaluateHysteresisBand(t *testing.T) {
	th := levelTwoOnly()

	steps := []struct {
		value float64
		want  Level
	}{
		{35, None},
		{41, Moderate},
		{39, Moderate},
		{38.5, Moderate},
		{37, None},
		{40, Moderate},
	}

	prev := None
	for _, s := range steps {
		hot, cold := th.Evaluate(prev, None, s.value)
		if hot != s.want {
			t.Fatalf("value %.1f after %s: got %s, want %s", s.value, prev, hot, s.want)
		}
		if cold != None {
			t.Fatalf("value %.1f: unexpected cold severity %s", s.value, cold)
		}
		prev = hot
	}
}

func TestEvaluateCold(t *testing.T) {
	th := NewThresholds()
	th.Cold[Light] = 5
	th.Cold[Severe] = -5
	th.ColdHysteresis[Light] = 1
	th.ColdHysteresis[Severe] = 2

	tests := []struct {
		name     string
		prevCold Level
		value    float64
		want     Level
	}{
		{"warm", None, 20, None},
		{"at light threshold", None, 5, Light},
		{"deep cold", None, -6, Severe},
		{"recovering inside band", Severe, -4, Severe},
		{"recovered past band", Severe, -2.5, Light},
		{"light band holds", Light, 5.5, Light},
		{"light released", Light, 6.5, None},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, cold := th.Evaluate(None, tt.prevCold, tt.value)
			if cold != tt.want {
				t.Errorf("got %s, want %s", cold, tt.want)
			}
		})
	}
}

func TestEvaluateUndefined(t *testing.T) {
	th := NewThresholds()
	for _, v := range []float64{-100, 0, 100, 1e6} {
		hot, cold := th.Evaluate(Shutdown, Shutdown, v)
		if hot != None || cold != None {
			t.Fatalf("value %v: got (%s, %s), want NONE", v, hot, cold)
		}
	}
}

func TestEvaluateEscalatesImmediately(t *testing.T) {
	th := NewThresholds()
	th.Hot = Array{math.NaN(), 30, 40, 50, 60, 70, 80}
	th.HotHysteresis = Array{0, 5, 5, 5, 5, 5, 5}

	hot, _ := th.Evaluate(None, None, 65)
	if hot != Critical {
		t.Fatalf("got %s, want CRITICAL", hot)
	}
	hot, _ = th.Evaluate(hot, None, 57)
	if hot != Critical {
		t.Fatalf("inside band: got %s, want CRITICAL", hot)
	}
	hot, _ = th.Evaluate(hot, None, 52)
	if hot != Severe {
		t.Fatalf("below band: got %s, want SEVERE", hot)
	}
}

// Once a level j is reached it is held until the reading drops to or below
// H[j]-hyst[j].
func TestEvaluateNeverDropsInsideBand(t *testing.T) {
	th := NewThresholds()
	th.Hot = Array{math.NaN(), 30, math.NaN(), 45, 55, math.NaN(), 90}
	th.HotHysteresis = Array{0, 3, 0, 4, 2, 0, 10}

	rng := rand.New(rand.NewSource(7))
	prev := None
	for i := 0; i < 5000; i++ {
		v := rng.Float64() * 100
		hot, _ := th.Evaluate(prev, None, v)
		if prev != None && hot < prev {
			band := th.Hot[prev] - th.HotHysteresis[prev]
			if v > band {
				t.Fatalf("dropped from %s to %s at %.2f, band edge %.2f", prev, hot, v, band)
			}
		}
		prev = hot
	}
}

func TestParse(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{"NONE", None, false},
		{"severe", Severe, false},
		{"6", Shutdown, false},
		{"7", None, true},
		{"-1", None, true},
		{"HOT", None, true},
	}
	for _, tt := range tests {
		got, err := Parse(tt.in)
		if (err != nil) != tt.wantErr {
			t.Fatalf("Parse(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
		}
		if err == nil && got != tt.want {
			t.Fatalf("Parse(%q) = %s, want %s", tt.in, got, tt.want)
		}
	}
}

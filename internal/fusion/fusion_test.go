package fusion

import (
	"math"
	"testing"
)

func TestCombine(t *testing.T) {
	tests := []struct {
		name    string
		formula Formula
		values  []float64
		coeffs  []float64
		want    float64
	}{
		{"count above", CountThreshold, []float64{10, 50, 70}, []float64{40, 40, 40}, 2},
		{"count below negative", CountThreshold, []float64{10, 50}, []float64{-20, -20}, 1},
		{"weighted", WeightedAvg, []float64{10, 20}, []float64{0.25, 0.75}, 17.5},
		{"maximum", Maximum, []float64{10, 20, 5}, []float64{1, 0.5, 3}, 15},
		{"minimum", Minimum, []float64{10, 20, 5}, []float64{1, 0.5, 3}, 10},
		{"maximum skips NaN", Maximum, []float64{math.NaN(), 3}, []float64{1, 1}, 3},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Combine(tt.formula, tt.values, tt.coeffs)
			if math.Abs(got-tt.want) > 1e-9 {
				t.Errorf("got %v, want %v", got, tt.want)
			}
		})
	}
}

func TestCombineWeightedPropagatesNaN(t *testing.T) {
	got := Combine(WeightedAvg, []float64{math.NaN(), 1}, []float64{1, 1})
	if !math.IsNaN(got) {
		t.Fatalf("got %v, want NaN", got)
	}
}

func TestParseFormula(t *testing.T) {
	for name, want := range formulaNames {
		got, err := ParseFormula(name)
		if err != nil || got != want {
			t.Fatalf("ParseFormula(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := ParseFormula("AVERAGE"); err == nil {
		t.Fatal("expected error for unknown formula")
	}
}

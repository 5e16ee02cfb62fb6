package fusion

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/floats"
)

// Formula selects how linked readings are combined
type Formula int

const (
	CountThreshold Formula = iota
	WeightedAvg
	Maximum
	Minimum
)

var formulaNames = map[string]Formula{
	"COUNT_THRESHOLD": CountThreshold,
	"WEIGHTED_AVG":    WeightedAvg,
	"MAXIMUM":         Maximum,
	"MINIMUM":         Minimum,
}

// ParseFormula converts a configuration name into a Formula
func ParseFormula(s string) (Formula, error) {
	f, ok := formulaNames[s]
	if !ok {
		return CountThreshold, fmt.Errorf("invalid formula %q", s)
	}
	return f, nil
}

func (f Formula) String() string {
	for name, v := range formulaNames {
		if v == f {
			return name
		}
	}
	return "UNKNOWN"
}

// Combine folds values with their coefficients. values and coefficients
// must have the same length. NaN inputs propagate for WeightedAvg and never
// win a Maximum or Minimum comparison.
func Combine(f Formula, values, coefficients []float64) float64 {
	switch f {
	case CountThreshold:
		var n float64
		for i, v := range values {
			c := coefficients[i]
			if (c < 0 && v < -c) || (c >= 0 && v >= c) {
				n++
			}
		}
		return n
	case WeightedAvg:
		return floats.Dot(values, coefficients)
	case Maximum, Minimum:
		products := make([]float64, len(values))
		floats.MulTo(products, values, coefficients)
		out := -math.MaxFloat64
		if f == Minimum {
			out = math.MaxFloat64
		}
		for _, p := range products {
			if (f == Maximum && p > out) || (f == Minimum && p < out) {
				out = p
			}
		}
		return out
	}
	return 0
}

package severity

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Level represents a discrete throttling severity
type Level int

const (
	None Level = iota
	Light
	Moderate
	Severe
	Critical
	Emergency
	Shutdown
)

// Count is the number of severity levels
const Count = 7

var names = [Count]string{"NONE", "LIGHT", "MODERATE", "SEVERE", "CRITICAL", "EMERGENCY", "SHUTDOWN"}

// String returns the level name
func (l Level) String() string {
	if !l.Valid() {
		return "UNKNOWN(" + strconv.Itoa(int(l)) + ")"
	}
	return names[l]
}

// Valid reports whether l is one of the defined levels
func (l Level) Valid() bool {
	return l >= None && l <= Shutdown
}

// MarshalText encodes the level by name
func (l Level) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// UnmarshalText accepts a level name or its numeric value
func (l *Level) UnmarshalText(text []byte) error {
	v, err := Parse(string(text))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Parse converts a name such as "SEVERE" or a number such as "3" into a Level
func Parse(s string) (Level, error) {
	s = strings.TrimSpace(s)
	for i, n := range names {
		if strings.EqualFold(s, n) {
			return Level(i), nil
		}
	}
	n, err := strconv.Atoi(s)
	if err != nil || !Level(n).Valid() {
		return None, fmt.Errorf("invalid severity %q", s)
	}
	return Level(n), nil
}

// Levels returns every level in ascending order
func Levels() []Level {
	out := make([]Level, Count)
	for i := range out {
		out[i] = Level(i)
	}
	return out
}

// Max returns the more severe of two levels
func Max(a, b Level) Level {
	if a > b {
		return a
	}
	return b
}

// Array holds one value per severity level. NaN marks an undefined level.
type Array [Count]float64

// IntArray holds one integer per severity level
type IntArray [Count]int

// Fill returns an Array with every level set to v
func Fill(v float64) Array {
	var a Array
	for i := range a {
		a[i] = v
	}
	return a
}

// Undefined returns an Array with every level set to NaN
func Undefined() Array {
	return Fill(math.NaN())
}

// FillInt returns an IntArray with every level set to v
func FillInt(v int) IntArray {
	var a IntArray
	for i := range a {
		a[i] = v
	}
	return a
}

// Defined reports whether at least one level holds a value
func (a Array) Defined() bool {
	for _, v := range a {
		if !math.IsNaN(v) {
			return true
		}
	}
	return false
}

// Thresholds groups the hot and cold tables of a sensor with their hysteresis
type Thresholds struct {
	Hot            Array `json:"hot"`
	Cold           Array `json:"cold"`
	HotHysteresis  Array `json:"hot_hysteresis"`
	ColdHysteresis Array `json:"cold_hysteresis"`
}

// NewThresholds returns thresholds with no defined level and zero hysteresis
func NewThresholds() Thresholds {
	return Thresholds{
		Hot:            Undefined(),
		Cold:           Undefined(),
		HotHysteresis:  Fill(0),
		ColdHysteresis: Fill(0),
	}
}

// Evaluate returns the hot and cold severity for v.
// Escalation follows the raw thresholds immediately; when the raw result is
// below the previous severity the hysteresis-shifted result is used instead.
func (t *Thresholds) Evaluate(prevHot, prevCold Level, v float64) (Level, Level) {
	hot, hotHyst := None, None
	cold, coldHyst := None, None

	for i := Count - 1; i > 0; i-- {
		h := t.Hot[i]
		if !math.IsNaN(h) {
			if hot == None && h <= v {
				hot = Level(i)
			}
			if hotHyst == None && h-t.HotHysteresis[i] < v {
				hotHyst = Level(i)
			}
		}
		c := t.Cold[i]
		if !math.IsNaN(c) {
			if cold == None && c >= v {
				cold = Level(i)
			}
			if coldHyst == None && c+t.ColdHysteresis[i] > v {
				coldHyst = Level(i)
			}
		}
	}

	if hot < prevHot {
		hot = hotHyst
	}
	if cold < prevCold {
		cold = coldHyst
	}
	return hot, cold
}

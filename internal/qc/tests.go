package qc

import (
	"fmt"
	"math"
)

// Flag is a QARTOD quality flag
type Flag int8

const (
	FlagPass         Flag = 1
	FlagNotEvaluated Flag = 2
	FlagSuspect      Flag = 3
	FlagFail         Flag = 4
	FlagMissing      Flag = 9
)

// String returns the QARTOD flag meaning
func (f Flag) String() string {
	switch f {
	case FlagPass:
		return "PASS"
	case FlagNotEvaluated:
		return "NOT_EVALUATED"
	case FlagSuspect:
		return "SUSPECT"
	case FlagFail:
		return "FAIL"
	case FlagMissing:
		return "MISSING"
	default:
		return fmt.Sprintf("FLAG(%d)", int8(f))
	}
}

// Worst combines two flags for the same value; the numerically larger
// QARTOD code is the more severe
func Worst(a, b Flag) Flag {
	if b > a {
		return b
	}
	return a
}

// Series is one variable of one profile prepared for testing
type Series struct {
	Values []float64
	// Seconds since an arbitrary epoch, aligned with Values
	Times []float64
	// Missing marks fill values and NaNs
	Missing []bool
}

// Test is a pluggable QC test applied to one variable of one profile
type Test interface {
	Name() string
	Run(s Series) []Flag
}

func newFlags(s Series) []Flag {
	flags := make([]Flag, len(s.Values))
	for i := range flags {
		if s.Missing[i] {
			flags[i] = FlagMissing
		} else {
			flags[i] = FlagPass
		}
	}
	return flags
}

// GrossRange flags values outside the sensor's (fail) or the region's
// (suspect) plausible span
type GrossRange struct {
	FailSpan    [2]float64  `yaml:"fail_span"`
	SuspectSpan *[2]float64 `yaml:"suspect_span"`
}

func (t *GrossRange) Name() string { return "gross_range_test" }

func (t *GrossRange) validate() error {
	if t.FailSpan[0] >= t.FailSpan[1] {
		return fmt.Errorf("fail_span must be increasing, got %v", t.FailSpan)
	}
	if t.SuspectSpan != nil && t.SuspectSpan[0] >= t.SuspectSpan[1] {
		return fmt.Errorf("suspect_span must be increasing, got %v", *t.SuspectSpan)
	}
	return nil
}

func (t *GrossRange) Run(s Series) []Flag {
	flags := newFlags(s)
	for i, x := range s.Values {
		if flags[i] == FlagMissing {
			continue
		}
		switch {
		case x < t.FailSpan[0] || x > t.FailSpan[1]:
			flags[i] = FlagFail
		case t.SuspectSpan != nil && (x < t.SuspectSpan[0] || x > t.SuspectSpan[1]):
			flags[i] = FlagSuspect
		}
	}
	return flags
}

// Spike flags a value by its distance from the mean of its neighbours.
// End points and values next to a gap are not evaluated.
type Spike struct {
	SuspectThreshold float64 `yaml:"suspect_threshold"`
	FailThreshold    float64 `yaml:"fail_threshold"`
}

func (t *Spike) Name() string { return "spike_test" }

func (t *Spike) validate() error {
	if t.SuspectThreshold <= 0 || t.FailThreshold <= t.SuspectThreshold {
		return fmt.Errorf("spike thresholds need 0 < suspect < fail, got %v and %v", t.SuspectThreshold, t.FailThreshold)
	}
	return nil
}

func (t *Spike) Run(s Series) []Flag {
	flags := newFlags(s)
	n := len(s.Values)
	for i := range flags {
		if flags[i] == FlagMissing {
			continue
		}
		if i == 0 || i == n-1 || s.Missing[i-1] || s.Missing[i+1] {
			flags[i] = FlagNotEvaluated
			continue
		}
		ref := (s.Values[i-1] + s.Values[i+1]) / 2
		spike := math.Abs(s.Values[i] - ref)
		switch {
		case spike > t.FailThreshold:
			flags[i] = FlagFail
		case spike > t.SuspectThreshold:
			flags[i] = FlagSuspect
		}
	}
	return flags
}

// FlatLine flags a value when the series has stayed within Tolerance of it
// for at least the threshold number of seconds
type FlatLine struct {
	Tolerance        float64 `yaml:"tolerance"`
	SuspectThreshold float64 `yaml:"suspect_threshold"`
	FailThreshold    float64 `yaml:"fail_threshold"`
}

func (t *FlatLine) Name() string { return "flat_line_test" }

func (t *FlatLine) validate() error {
	if t.Tolerance < 0 {
		return fmt.Errorf("tolerance must not be negative, got %v", t.Tolerance)
	}
	if t.SuspectThreshold <= 0 || t.FailThreshold <= t.SuspectThreshold {
		return fmt.Errorf("flat line thresholds need 0 < suspect < fail, got %v and %v", t.SuspectThreshold, t.FailThreshold)
	}
	return nil
}

func (t *FlatLine) Run(s Series) []Flag {
	flags := newFlags(s)
	for i := range flags {
		if flags[i] == FlagMissing {
			continue
		}

		lo, hi := s.Values[i], s.Values[i]
		start := i
		for j := i - 1; j >= 0; j-- {
			if s.Missing[j] {
				continue
			}
			lo = math.Min(lo, s.Values[j])
			hi = math.Max(hi, s.Values[j])
			if hi-lo > t.Tolerance {
				break
			}
			start = j
		}

		if start == i {
			continue
		}
		flat := s.Times[i] - s.Times[start]
		switch {
		case flat >= t.FailThreshold:
			flags[i] = FlagFail
		case flat >= t.SuspectThreshold:
			flags[i] = FlagSuspect
		}
	}
	return flags
}

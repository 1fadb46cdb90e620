package netcdf

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

// ErrInvalidTime is returned for CF time units or values that cannot be decoded
var ErrInvalidTime = errors.New("netcdf: invalid time")

var epochLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02T15:04:05 MST",
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05 Z07:00",
	"2006-01-02 15:04:05 MST",
	"2006-01-02 15:04:05",
	"2006-1-2 15:04:05",
	"2006-01-02 MST",
	"2006-01-02",
	"2006-1-2",
}

var unitScale = map[string]time.Duration{
	"second": time.Second, "seconds": time.Second, "sec": time.Second, "secs": time.Second, "s": time.Second,
	"minute": time.Minute, "minutes": time.Minute, "min": time.Minute, "mins": time.Minute,
	"hour": time.Hour, "hours": time.Hour, "hr": time.Hour, "hrs": time.Hour, "h": time.Hour,
	"day": 24 * time.Hour, "days": 24 * time.Hour, "d": 24 * time.Hour,
}

// DecodeTime converts a CF time value ("<unit> since <epoch>") to UTC.
// Values whose offset does not fit a time.Duration are rejected.
func DecodeTime(value float64, units string) (time.Time, error) {
	unit, since, ok := strings.Cut(strings.TrimSpace(units), " since ")
	if !ok {
		return time.Time{}, fmt.Errorf("%w: unrecognized units %q", ErrInvalidTime, units)
	}
	scale, ok := unitScale[strings.ToLower(strings.TrimSpace(unit))]
	if !ok {
		return time.Time{}, fmt.Errorf("%w: unrecognized unit %q", ErrInvalidTime, unit)
	}

	since = strings.TrimSpace(since)
	var epoch time.Time
	var err error
	for _, layout := range epochLayouts {
		if epoch, err = time.Parse(layout, since); err == nil {
			break
		}
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: unrecognized epoch %q", ErrInvalidTime, since)
	}

	whole, frac := math.Modf(value)
	limit := float64(math.MaxInt64 / int64(scale))
	if math.IsNaN(value) || math.IsInf(value, 0) || math.Abs(whole) >= limit {
		return time.Time{}, fmt.Errorf("%w: value %g %s out of range", ErrInvalidTime, value, unit)
	}
	offset := time.Duration(whole)*scale + time.Duration(frac*float64(scale))
	return epoch.Add(offset).UTC(), nil
}

// FirstTime decodes the first non-missing value of a time variable using its
// units attribute. ok is false when the variable is absent or holds only
// missing values.
func (f *File) FirstTime(name string) (t time.Time, ok bool, err error) {
	v := f.Var(name)
	if v == nil {
		return time.Time{}, false, nil
	}
	values, err := f.Float64s(name)
	if err != nil {
		return time.Time{}, false, err
	}

	fill, hasFill := v.Attrs.FillValue()
	for _, x := range values {
		if IsMissing(x, fill, hasFill) {
			continue
		}
		t, err := DecodeTime(x, v.Attrs.Text("units"))
		if err != nil {
			return time.Time{}, false, fmt.Errorf("%s: %w", name, err)
		}
		return t, true, nil
	}
	return time.Time{}, false, nil
}

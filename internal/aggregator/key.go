package aggregator

import (
	"errors"
	"fmt"
	"time"

	"github.com/livinlefevreloca/gliderdac/internal/netcdf"
)

// ErrNoProfileTime is returned when a file carries no usable time value
var ErrNoProfileTime = errors.New("aggregator: no profile time")

// KeyFunc derives the profile identity of a file within a deployment
type KeyFunc func(deploymentID string, f *netcdf.File) (string, error)

// TimeKey identifies a profile by its center time (profile_time, or the
// first valid time value) truncated to granularity.
func TimeKey(granularity time.Duration) KeyFunc {
	return func(deploymentID string, f *netcdf.File) (string, error) {
		t, err := profileTime(f)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s:%d", deploymentID, t.Truncate(granularity).Unix()), nil
	}
}

func profileTime(f *netcdf.File) (time.Time, error) {
	for _, name := range []string{"profile_time", "time"} {
		t, ok, err := f.FirstTime(name)
		if err != nil {
			return time.Time{}, err
		}
		if ok {
			return t, nil
		}
	}
	return time.Time{}, ErrNoProfileTime
}

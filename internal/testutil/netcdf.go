package testutil

import (
	"math"
	"os"
	"path/filepath"
	"time"

	"github.com/livinlefevreloca/gliderdac/internal/netcdf"
)

// Profile describes a glider profile fixture. Zero fields take defaults that
// produce a file passing validation.
type Profile struct {
	Trajectory   string
	ProfileID    int32
	Start        time.Time
	Interval     time.Duration
	Temperatures []float32
	Version      int

	// Units of time and profile_time
	TimeUnits string

	// Write time and profile_time as NaN
	MissingTimes bool

	// Names of global attributes or variables to leave out
	Omit []string

	// Modification time applied after writing
	ModTime time.Time
}

var defaultStart = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func (p Profile) withDefaults() Profile {
	if p.Trajectory == "" {
		p.Trajectory = "unit_191-20240601T0000"
	}
	if p.ProfileID == 0 {
		p.ProfileID = 1
	}
	if p.Start.IsZero() {
		p.Start = defaultStart
	}
	if p.Interval == 0 {
		p.Interval = 10 * time.Second
	}
	if p.Temperatures == nil {
		p.Temperatures = []float32{12.1, 12.0, 11.8, 11.5}
	}
	if p.Version == 0 {
		p.Version = 1
	}
	if p.TimeUnits == "" {
		p.TimeUnits = "seconds since 1970-01-01T00:00:00Z"
	}
	return p
}

func text(name, value string) netcdf.Attribute {
	return netcdf.Attribute{Name: name, Type: netcdf.Char, Value: value}
}

func dataAttrs(longName, units, standardName string) netcdf.Attributes {
	attrs := netcdf.Attributes{text("long_name", longName), text("units", units)}
	if standardName != "" {
		attrs = append(attrs, text("standard_name", standardName))
	}
	return attrs
}

// ProfileDataset builds the in-memory dataset for a profile fixture
func ProfileDataset(p Profile) *netcdf.Dataset {
	p = p.withDefaults()
	n := len(p.Temperatures)

	times := make([]float64, n)
	lats := make([]float64, n)
	lons := make([]float64, n)
	depths := make([]float32, n)
	pressures := make([]float32, n)
	salinity := make([]float32, n)
	for i := 0; i < n; i++ {
		t := p.Start.Add(time.Duration(i) * p.Interval)
		times[i] = float64(t.UnixNano()) / 1e9
		lats[i] = 29.5 + float64(i)*0.0001
		lons[i] = -86.2 - float64(i)*0.0001
		depths[i] = float32(i) * 2.5
		pressures[i] = float32(i) * 2.52
		salinity[i] = 35.1
	}
	profileTime := float64(p.Start.UnixNano()) / 1e9
	if p.MissingTimes {
		for i := range times {
			times[i] = math.NaN()
		}
		profileTime = math.NaN()
	}

	ds := &netcdf.Dataset{
		Version: p.Version,
		Dims: []netcdf.Dimension{
			{Name: "time", Len: n, Unlimited: true},
			{Name: "traj_strlen", Len: len(p.Trajectory)},
		},
		Attrs: netcdf.Attributes{
			text("Conventions", "CF-1.6, Unidata Dataset Discovery v1.0"),
			text("format_version", "IOOS_Glider_NetCDF_v2.0.nc"),
			text("institution", "Test Ocean Institute"),
			text("platform_type", "Slocum Glider"),
			text("title", p.Trajectory),
			text("summary", "Profile fixture"),
			text("project", "Test Project"),
			text("standard_name_vocabulary", "CF-v25"),
			text("creator_email", "glider@example.org"),
		},
		Vars: []netcdf.VarData{
			{
				Name:   "trajectory",
				Dims:   []string{"traj_strlen"},
				Type:   netcdf.Char,
				Values: p.Trajectory,
				Attrs:  netcdf.Attributes{text("cf_role", "trajectory_id"), text("long_name", "Trajectory Name")},
			},
			{
				Name:   "time",
				Dims:   []string{"time"},
				Type:   netcdf.Double,
				Values: times,
				Attrs:  dataAttrs("Time", p.TimeUnits, "time"),
			},
			{
				Name:   "lat",
				Dims:   []string{"time"},
				Type:   netcdf.Double,
				Values: lats,
				Attrs:  dataAttrs("Latitude", "degrees_north", "latitude"),
			},
			{
				Name:   "lon",
				Dims:   []string{"time"},
				Type:   netcdf.Double,
				Values: lons,
				Attrs:  dataAttrs("Longitude", "degrees_east", "longitude"),
			},
			{
				Name:   "depth",
				Dims:   []string{"time"},
				Type:   netcdf.Float,
				Values: depths,
				Attrs:  dataAttrs("Depth", "m", "depth"),
			},
			{
				Name:   "pressure",
				Dims:   []string{"time"},
				Type:   netcdf.Float,
				Values: pressures,
				Attrs:  dataAttrs("Pressure", "dbar", "sea_water_pressure"),
			},
			{
				Name:   "temperature",
				Dims:   []string{"time"},
				Type:   netcdf.Float,
				Values: append([]float32(nil), p.Temperatures...),
				Attrs: append(dataAttrs("Temperature", "Celsius", "sea_water_temperature"),
					netcdf.Attribute{Name: "_FillValue", Type: netcdf.Float, Value: []float32{-999}}),
			},
			{
				Name:   "salinity",
				Dims:   []string{"time"},
				Type:   netcdf.Float,
				Values: salinity,
				Attrs:  dataAttrs("Salinity", "1", "sea_water_practical_salinity"),
			},
			{
				Name:   "profile_id",
				Type:   netcdf.Int,
				Values: []int32{p.ProfileID},
				Attrs:  dataAttrs("Profile ID", "1", ""),
			},
			{
				Name:   "profile_time",
				Type:   netcdf.Double,
				Values: []float64{profileTime},
				Attrs:  dataAttrs("Profile Center Time", p.TimeUnits, "time"),
			},
			{
				Name:   "profile_lat",
				Type:   netcdf.Double,
				Values: []float64{lats[0]},
				Attrs:  dataAttrs("Profile Center Latitude", "degrees_north", "latitude"),
			},
			{
				Name:   "profile_lon",
				Type:   netcdf.Double,
				Values: []float64{lons[0]},
				Attrs:  dataAttrs("Profile Center Longitude", "degrees_east", "longitude"),
			},
		},
	}

	for _, name := range p.Omit {
		ds.Attrs = removeAttr(ds.Attrs, name)
		for i, v := range ds.Vars {
			if v.Name == name {
				ds.Vars = append(ds.Vars[:i], ds.Vars[i+1:]...)
				break
			}
		}
	}
	return ds
}

func removeAttr(attrs netcdf.Attributes, name string) netcdf.Attributes {
	out := attrs[:0]
	for _, a := range attrs {
		if a.Name != name {
			out = append(out, a)
		}
	}
	return out
}

// WriteProfile writes a profile fixture to path, creating parent directories
func WriteProfile(t TestingT, path string, p Profile) string {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("failed to create fixture directory: %v", err)
	}
	if err := netcdf.WriteFile(path, ProfileDataset(p)); err != nil {
		t.Fatalf("failed to write profile fixture %s: %v", path, err)
	}
	if !p.ModTime.IsZero() {
		if err := os.Chtimes(path, p.ModTime, p.ModTime); err != nil {
			t.Fatalf("failed to set fixture mtime: %v", err)
		}
	}
	return path
}

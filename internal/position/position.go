// Package position holds the records that flow between the positioning
// service, the autopilot and the ground-control broadcaster.
package position

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
)

// ErrInvalidRecord marks a position payload that is missing required
// geodetic fields or carries out-of-range values.
var ErrInvalidRecord = errors.New("invalid position record")

// Sentinels used by the positioning service.
const (
	UnknownHeading = -1.0
	UnknownHDOP    = -1.0
)

// Fix is a single position solution as reported by the positioning service.
type Fix struct {
	Latitude          float64 `json:"lat"`
	Longitude         float64 `json:"lon"`
	FixQuality        int     `json:"fix_quality"`
	HDOP              float64 `json:"hdop"`
	SatellitesVisible int     `json:"numsats"`
	Heading           float64 `json:"orientation"`
	SpeedOverGround   float64 `json:"sog"`
	CourseOverGround  float64 `json:"cog"`
}

// HasFix reports whether the solution is usable (fix quality != 0).
func (f Fix) HasFix() bool {
	return f.FixQuality != 0
}

// Validate checks the invariants a Fix must hold before it is encoded for
// either the autopilot or ground control.
func (f Fix) Validate() error {
	if !finite(f.Latitude) || f.Latitude < -90 || f.Latitude > 90 {
		return fmt.Errorf("%w: latitude %v out of range", ErrInvalidRecord, f.Latitude)
	}
	if !finite(f.Longitude) || f.Longitude < -180 || f.Longitude > 180 {
		return fmt.Errorf("%w: longitude %v out of range", ErrInvalidRecord, f.Longitude)
	}
	if !finite(f.Heading) {
		return fmt.Errorf("%w: heading is not finite", ErrInvalidRecord)
	}
	return nil
}

// wireFix mirrors the UGPS JSON payload. Pointers distinguish absent fields
// from zero values.
type wireFix struct {
	Lat         *float64 `json:"lat"`
	Lon         *float64 `json:"lon"`
	Orientation *float64 `json:"orientation"`
	FixQuality  *int     `json:"fix_quality"`
	HDOP        *float64 `json:"hdop"`
	NumSats     *int     `json:"numsats"`
	SOG         *float64 `json:"sog"`
	COG         *float64 `json:"cog"`
}

// DecodeFix parses a UGPS position payload into a validated Fix.
//
// lat, lon and orientation are required. Optional fields fall back to
// "no fix" (fix_quality 0), unknown hdop (-1) and zero for the rest.
func DecodeFix(b []byte) (Fix, error) {
	var w wireFix
	if err := json.Unmarshal(b, &w); err != nil {
		return Fix{}, fmt.Errorf("%w: %v", ErrInvalidRecord, err)
	}
	switch {
	case w.Lat == nil:
		return Fix{}, fmt.Errorf("%w: missing lat", ErrInvalidRecord)
	case w.Lon == nil:
		return Fix{}, fmt.Errorf("%w: missing lon", ErrInvalidRecord)
	case w.Orientation == nil:
		return Fix{}, fmt.Errorf("%w: missing orientation", ErrInvalidRecord)
	}

	f := Fix{
		Latitude:  *w.Lat,
		Longitude: *w.Lon,
		Heading:   *w.Orientation,
		HDOP:      UnknownHDOP,
	}
	if w.FixQuality != nil {
		f.FixQuality = *w.FixQuality
	}
	if w.HDOP != nil {
		f.HDOP = *w.HDOP
	}
	if w.NumSats != nil {
		f.SatellitesVisible = *w.NumSats
	}
	if w.SOG != nil {
		f.SpeedOverGround = *w.SOG
	}
	if w.COG != nil {
		f.CourseOverGround = *w.COG
	}
	if err := f.Validate(); err != nil {
		return Fix{}, err
	}
	return f, nil
}

// Telemetry is the subset of autopilot state forwarded to the positioning
// service. Any field may be NaN when the autopilot did not report it.
type Telemetry struct {
	Depth       float64 `json:"depth"`
	Temperature float64 `json:"temperature"`
	Heading     float64 `json:"heading"`
}

// NormalizeHeading wraps h into [0,360).
func NormalizeHeading(h float64) float64 {
	h = math.Mod(h, 360)
	if h < 0 {
		h += 360
	}
	return h
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// Package sentence encodes topside positions as NMEA 0183 sentences for
// ground-control software.
//
// Only the three sentences QGroundControl needs for a moving reference are
// produced: GGA (fix), RMC (recommended minimum) and VTG (track and speed).
package sentence

import (
	"fmt"
	"math"
	"strings"
	"time"

	nmea "github.com/adrianmo/go-nmea"

	"ugps-bridge/internal/position"
)

// Kind selects the sentence type.
type Kind int

const (
	GGA Kind = iota
	RMC
	VTG
)

// Kinds lists every supported sentence in broadcast order.
var Kinds = []Kind{GGA, RMC, VTG}

func (k Kind) String() string {
	switch k {
	case GGA:
		return "GGA"
	case RMC:
		return "RMC"
	case VTG:
		return "VTG"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

const (
	talker = "GP"

	// hdopUnknown is what ground control sees when the source has no HDOP.
	hdopUnknown = 9.9

	kphPerKnot = 1.852
)

// Encode renders fix as a complete sentence including checksum and CRLF.
// The fix must already be validated.
func Encode(kind Kind, nowUTC time.Time, fix position.Fix) string {
	nowUTC = nowUTC.UTC()

	var body string
	switch kind {
	case GGA:
		body = encodeGGA(nowUTC, fix)
	case RMC:
		body = encodeRMC(nowUTC, fix)
	case VTG:
		body = encodeVTG(fix)
	default:
		panic(fmt.Sprintf("sentence: unknown kind %v", kind))
	}
	return AppendChecksum("$" + talker + kind.String() + "," + body + "*")
}

// GGA: time, lat, N/S, lon, E/W, fix, sats, hdop, alt, M, geoid sep, M, age, station.
func encodeGGA(now time.Time, fix position.Fix) string {
	return strings.Join([]string{
		utcTime(now),
		latitude(fix.Latitude), latHemisphere(fix.Latitude),
		longitude(fix.Longitude), lonHemisphere(fix.Longitude),
		fixByte(fix),
		fmt.Sprintf("%02d", max(fix.SatellitesVisible, 0)),
		fmt.Sprintf("%.2f", hdop(fix.HDOP)),
		"0", "M",
		"0", "M",
		"00", "0000",
	}, ",")
}

// RMC: time, status, lat, N/S, lon, E/W, knots, track, date, magvar, E/W, mode.
func encodeRMC(now time.Time, fix position.Fix) string {
	return strings.Join([]string{
		utcTime(now),
		"A",
		latitude(fix.Latitude), latHemisphere(fix.Latitude),
		longitude(fix.Longitude), lonHemisphere(fix.Longitude),
		fmt.Sprintf("%.1f", fix.SpeedOverGround/kphPerKnot),
		fmt.Sprintf("%.2f", fix.Heading),
		now.Format("020106"),
		"", "",
		"A",
	}, ",")
}

// VTG: true track, T, magnetic track, M, knots, N, kph, K, mode.
func encodeVTG(fix position.Fix) string {
	return strings.Join([]string{
		fmt.Sprintf("%.1f", fix.CourseOverGround), "T",
		"", "M",
		fmt.Sprintf("%.1f", fix.SpeedOverGround/kphPerKnot), "N",
		fmt.Sprintf("%.1f", fix.SpeedOverGround), "K",
		"A",
	}, ",")
}

// AppendChecksum completes s, which must start with '$' and end at the '*'
// delimiter, with the two-digit lowercase checksum and CRLF.
func AppendChecksum(s string) string {
	star := strings.IndexByte(s, '*')
	if !strings.HasPrefix(s, "$") || star == -1 {
		panic(fmt.Sprintf("sentence: malformed template %q", s))
	}
	return s[:star+1] + Checksum(s[1:star]) + "\r\n"
}

// Checksum is the XOR of every byte of payload as two lowercase hex digits.
func Checksum(payload string) string {
	return strings.ToLower(nmea.Checksum(payload))
}

// Validate checks the framing and checksum of a complete sentence.
func Validate(line string) error {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, "$") {
		return fmt.Errorf("nmea: missing '$'")
	}
	star := strings.LastIndexByte(line, '*')
	if star == -1 {
		return fmt.Errorf("nmea: missing checksum")
	}
	ck := line[star+1:]
	if len(ck) != 2 {
		return fmt.Errorf("nmea: bad checksum length %d", len(ck))
	}
	if want := Checksum(line[1:star]); !strings.EqualFold(ck, want) {
		return fmt.Errorf("nmea: checksum mismatch got=%s want=%s", ck, want)
	}
	return nil
}

func utcTime(t time.Time) string {
	return fmt.Sprintf("%02d%02d%02d.%02d", t.Hour(), t.Minute(), t.Second(), t.Nanosecond()/int(10*time.Millisecond))
}

func fixByte(fix position.Fix) string {
	if !fix.HasFix() {
		return "0"
	}
	return "3"
}

func hdop(v float64) float64 {
	if v == position.UnknownHDOP {
		return hdopUnknown
	}
	return v
}

func latitude(v float64) string {
	deg, milliMin := degMin(v)
	return fmt.Sprintf("%02d%02d.%03d", deg, milliMin/1000, milliMin%1000)
}

func longitude(v float64) string {
	deg, milliMin := degMin(v)
	return fmt.Sprintf("%03d%02d.%03d", deg, milliMin/1000, milliMin%1000)
}

// degMin splits |v| into whole degrees and thousandths of a minute, carrying
// into the degree when the minutes round up to 60.
func degMin(v float64) (int, int) {
	v = math.Abs(v)
	deg := math.Floor(v)
	milliMin := int(math.Round(math.Mod(v, 1) * 60 * 1000))
	if milliMin >= 60000 {
		deg++
		milliMin -= 60000
	}
	return int(deg), milliMin
}

func latHemisphere(v float64) string {
	if v < 0 {
		return "S"
	}
	return "N"
}

func lonHemisphere(v float64) string {
	if v < 0 {
		return "W"
	}
	return "E"
}

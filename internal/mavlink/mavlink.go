// Package mavlink maps bridge records onto the JSON message shapes that
// mavlink2rest accepts. It performs no I/O: templates are fetched by the
// gateway and filled in here.
package mavlink

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"ugps-bridge/internal/position"
)

var (
	// ErrUnknownMessageID is returned for stream-rate requests on messages
	// missing from the lookup table.
	ErrUnknownMessageID = errors.New("unknown mavlink message id")
	// ErrParamNameTooLong is returned when a parameter name does not fit
	// the PARAM_SET param_id field.
	ErrParamNameTooLong = errors.New("parameter name too long")
)

// Message names used by the bridge.
const (
	MsgVFRHUD          = "VFR_HUD"
	MsgScaledPressure2 = "SCALED_PRESSURE2"

	CmdSetMessageInterval = "MAV_CMD_SET_MESSAGE_INTERVAL"
)

// ParamIDLen is the width of PARAM_SET.param_id (char[16]).
const ParamIDLen = 16

var messageIDs = map[string]uint32{
	MsgVFRHUD:          74,
	MsgScaledPressure2: 137,
}

// MessageID resolves a telemetry message name (case-insensitive).
func MessageID(name string) (uint32, error) {
	id, ok := messageIDs[strings.ToUpper(strings.TrimSpace(name))]
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrUnknownMessageID, name)
	}
	return id, nil
}

// Header is the mavlink2rest envelope header.
type Header struct {
	SystemID    int `json:"system_id"`
	ComponentID int `json:"component_id"`
	Sequence    int `json:"sequence"`
}

// Envelope is what /helper/mavlink returns and /mavlink accepts.
type Envelope[T any] struct {
	Header  Header `json:"header"`
	Message T      `json:"message"`
}

// EnumValue is mavlink2rest's representation of an enum field.
type EnumValue struct {
	Type string `json:"type"`
}

// Bitmask is mavlink2rest's representation of a bitmask field.
type Bitmask struct {
	Bits uint32 `json:"bits"`
}

// GPS_INPUT ignore flags.
const (
	IgnoreAlt uint32 = 1 << iota
	IgnoreHDOP
	IgnoreVDOP
	IgnoreVelHoriz
	IgnoreVelVert
	IgnoreSpeedAccuracy
	IgnoreHorizontalAccuracy
	IgnoreVerticalAccuracy
)

// GPSInputIgnore flags every field the bridge does not populate.
const GPSInputIgnore = IgnoreAlt | IgnoreVDOP | IgnoreVelHoriz | IgnoreVelVert |
	IgnoreSpeedAccuracy | IgnoreHorizontalAccuracy | IgnoreVerticalAccuracy

// Sentinels defined by GPS_INPUT.
const (
	DOPUnknown = 65535.0
	YawUnknown = 0
	// YawNorth is 0 degrees remapped so it does not collide with YawUnknown.
	YawNorth = 36000
)

// Fix types reported to the autopilot.
const (
	FixTypeNone = 0
	FixType3D   = 3
)

// GPSInput is the GPS_INPUT message body.
type GPSInput struct {
	Type              string  `json:"type"`
	TimeUsec          uint64  `json:"time_usec"`
	TimeWeekMs        uint32  `json:"time_week_ms"`
	Lat               int32   `json:"lat"`
	Lon               int32   `json:"lon"`
	Alt               float32 `json:"alt"`
	HDOP              float32 `json:"hdop"`
	VDOP              float32 `json:"vdop"`
	VN                float32 `json:"vn"`
	VE                float32 `json:"ve"`
	VD                float32 `json:"vd"`
	SpeedAccuracy     float32 `json:"speed_accuracy"`
	HorizAccuracy     float32 `json:"horiz_accuracy"`
	VertAccuracy      float32 `json:"vert_accuracy"`
	IgnoreFlags       Bitmask `json:"ignore_flags"`
	TimeWeek          uint16  `json:"time_week"`
	GPSID             uint8   `json:"gps_id"`
	FixType           uint8   `json:"fix_type"`
	SatellitesVisible uint8   `json:"satellites_visible"`
	Yaw               uint16  `json:"yaw"`
}

// CommandLong is the COMMAND_LONG message body.
type CommandLong struct {
	Type            string    `json:"type"`
	Param1          float32   `json:"param1"`
	Param2          float32   `json:"param2"`
	Param3          float32   `json:"param3"`
	Param4          float32   `json:"param4"`
	Param5          float32   `json:"param5"`
	Param6          float32   `json:"param6"`
	Param7          float32   `json:"param7"`
	Command         EnumValue `json:"command"`
	TargetSystem    uint8     `json:"target_system"`
	TargetComponent uint8     `json:"target_component"`
	Confirmation    uint8     `json:"confirmation"`
}

// ParamSet is the PARAM_SET message body. ParamID holds one character per
// slot, NUL padded.
type ParamSet struct {
	Type            string    `json:"type"`
	ParamValue      float32   `json:"param_value"`
	TargetSystem    uint8     `json:"target_system"`
	TargetComponent uint8     `json:"target_component"`
	ParamID         []string  `json:"param_id"`
	ParamType       EnumValue `json:"param_type"`
}

// ToGPSInput fills a GPS_INPUT template from fix. The fix must be valid.
func ToGPSInput(tmpl Envelope[GPSInput], fix position.Fix, systemID, componentID int, gpsID uint8) Envelope[GPSInput] {
	out := tmpl
	out.Header.SystemID = systemID
	out.Header.ComponentID = componentID

	m := &out.Message
	if m.Type == "" {
		m.Type = "GPS_INPUT"
	}
	m.GPSID = gpsID
	m.Lat = int32(math.Floor(fix.Latitude * 1e7))
	m.Lon = int32(math.Floor(fix.Longitude * 1e7))
	m.FixType = FixType3D
	if !fix.HasFix() {
		m.FixType = FixTypeNone
	}
	m.HDOP = float32(fix.HDOP)
	if fix.HDOP == position.UnknownHDOP {
		m.HDOP = DOPUnknown
	}
	m.VDOP = DOPUnknown
	m.SatellitesVisible = uint8(min(max(fix.SatellitesVisible, 0), math.MaxUint8))
	m.Yaw = Yaw(fix.Heading)
	m.IgnoreFlags = Bitmask{Bits: GPSInputIgnore}
	return out
}

// Yaw converts a heading in degrees to GPS_INPUT centidegrees.
//
// -1 (unknown) maps to 0, exactly 0 maps to 36000, anything else is
// floor(heading*100).
func Yaw(heading float64) uint16 {
	switch heading {
	case position.UnknownHeading:
		return YawUnknown
	case 0:
		return YawNorth
	}
	v := math.Floor(heading * 100)
	if v < 0 || v > YawNorth {
		return YawUnknown
	}
	return uint16(v)
}

// BuildStreamRateCommand turns a COMMAND_LONG template into a
// MAV_CMD_SET_MESSAGE_INTERVAL request for the named message.
func BuildStreamRateCommand(tmpl Envelope[CommandLong], name string, frequencyHz float64) (Envelope[CommandLong], error) {
	id, err := MessageID(name)
	if err != nil {
		return tmpl, err
	}
	if !(frequencyHz > 0) || math.IsInf(frequencyHz, 0) {
		return tmpl, fmt.Errorf("invalid frequency %v Hz for %s", frequencyHz, name)
	}

	out := tmpl
	if out.Message.Type == "" {
		out.Message.Type = "COMMAND_LONG"
	}
	out.Message.Command = EnumValue{Type: CmdSetMessageInterval}
	out.Message.Param1 = float32(id)
	out.Message.Param2 = float32(IntervalMillis(frequencyHz))
	return out, nil
}

// IntervalMillis is the message interval for frequencyHz, truncated to
// whole milliseconds.
func IntervalMillis(frequencyHz float64) int64 {
	return int64(math.Floor(1000 / frequencyHz))
}

// BuildParamSetCommand fills a PARAM_SET template. The name is written one
// character per slot, left-aligned; names wider than ParamIDLen are
// rejected rather than truncated.
func BuildParamSetCommand(tmpl Envelope[ParamSet], name string, paramType string, value float64) (Envelope[ParamSet], error) {
	if name == "" {
		return tmpl, fmt.Errorf("parameter name is empty")
	}
	if len(name) > ParamIDLen {
		return tmpl, fmt.Errorf("%w: %q is %d bytes, max %d", ErrParamNameTooLong, name, len(name), ParamIDLen)
	}

	out := tmpl
	if out.Message.Type == "" {
		out.Message.Type = "PARAM_SET"
	}
	id := make([]string, ParamIDLen)
	for i := range id {
		id[i] = "\x00"
	}
	for i := 0; i < len(name); i++ {
		id[i] = string(name[i])
	}
	out.Message.ParamID = id
	out.Message.ParamType = EnumValue{Type: paramType}
	out.Message.ParamValue = float32(value)
	return out, nil
}

package web

import (
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	geo "github.com/kellydunn/golang-geo"

	"ugps-bridge/internal/position"
	"ugps-bridge/internal/scheduler"
)

// Status is a scheduler.Observer that keeps what /api/status reports.
// Writes come from the scheduler goroutine, reads from HTTP handlers.
type Status struct {
	startUnixNano int64
	state         atomic.Value // scheduler.State
	static        atomic.Value // StaticInfo

	mu      sync.Mutex
	actions map[scheduler.Action]*actionCounters
	vehicle fixRecord
	topside fixRecord
	tel     telemetryRecord
}

type StaticInfo struct {
	UGPSHost     string `json:"ugps_host"`
	MAVLinkHost  string `json:"mavlink_host"`
	QGCDest      string `json:"qgc_dest,omitempty"`
	UpdatePeriod string `json:"update_period"`
}

type actionCounters struct {
	ok, failed uint64
	last       time.Time
	lastOK     bool
}

type fixRecord struct {
	fix position.Fix
	at  time.Time
}

type telemetryRecord struct {
	tel position.Telemetry
	at  time.Time
}

func NewStatus() *Status {
	s := &Status{actions: make(map[scheduler.Action]*actionCounters)}
	atomic.StoreInt64(&s.startUnixNano, time.Now().UTC().UnixNano())
	s.state.Store(scheduler.State(""))
	s.static.Store(StaticInfo{})
	return s
}

func (s *Status) SetStatic(info StaticInfo) {
	s.static.Store(info)
}

func (s *Status) StateChanged(st scheduler.State) {
	s.state.Store(st)
}

func (s *Status) ActionDone(r scheduler.Result) {
	at := r.At
	if at.IsZero() {
		at = time.Now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.actions[r.Action]
	if c == nil {
		c = &actionCounters{}
		s.actions[r.Action] = c
	}
	if r.OK {
		c.ok++
	} else {
		c.failed++
	}
	c.last = at
	c.lastOK = r.OK

	switch r.Action {
	case scheduler.ActionForwardTelemetry:
		s.tel = telemetryRecord{tel: r.Telemetry, at: at}
	case scheduler.ActionForwardVehicle:
		if r.HaveFix {
			s.vehicle = fixRecord{fix: r.Fix, at: at}
		}
	case scheduler.ActionBroadcastTopside:
		if r.HaveFix {
			s.topside = fixRecord{fix: r.Fix, at: at}
		}
	}
}

type ActionSnapshot struct {
	OK        uint64 `json:"ok"`
	Failed    uint64 `json:"failed"`
	LastUTC   string `json:"last_utc,omitempty"`
	LastOK    bool   `json:"last_ok"`
	LastHuman string `json:"last_human,omitempty"`
}

type FixSnapshot struct {
	position.Fix
	UpdatedUTC string `json:"updated_utc"`
	Age        string `json:"age"`
}

// TelemetrySnapshot uses pointers so unknown (NaN) values encode as null.
type TelemetrySnapshot struct {
	DepthM       *float64 `json:"depth_m"`
	TemperatureC *float64 `json:"temperature_c"`
	HeadingDeg   *float64 `json:"heading_deg"`
	UpdatedUTC   string   `json:"updated_utc"`
}

// RangeSnapshot is the great-circle offset from topside to vehicle.
type RangeSnapshot struct {
	DistanceM  float64 `json:"distance_m"`
	BearingDeg float64 `json:"bearing_deg"`
	Human      string  `json:"human"`
}

type StatusSnapshot struct {
	Service   string                    `json:"service"`
	NowUTC    string                    `json:"now_utc"`
	UptimeSec int64                     `json:"uptime_sec"`
	Started   string                    `json:"started"`
	State     string                    `json:"state"`
	Static    StaticInfo                `json:"static"`
	Actions   map[string]ActionSnapshot `json:"actions"`
	Telemetry *TelemetrySnapshot        `json:"telemetry,omitempty"`
	Vehicle   *FixSnapshot              `json:"vehicle,omitempty"`
	Topside   *FixSnapshot              `json:"topside,omitempty"`
	Range     *RangeSnapshot            `json:"range,omitempty"`
}

func (s *Status) Snapshot(nowUTC time.Time) StatusSnapshot {
	if nowUTC.IsZero() {
		nowUTC = time.Now().UTC()
	}
	start := time.Unix(0, atomic.LoadInt64(&s.startUnixNano)).UTC()

	snap := StatusSnapshot{
		Service:   serviceName,
		NowUTC:    nowUTC.UTC().Format(time.RFC3339Nano),
		UptimeSec: int64(nowUTC.Sub(start).Seconds()),
		Started:   humanize.RelTime(start, nowUTC, "ago", "from now"),
		State:     string(s.state.Load().(scheduler.State)),
		Static:    s.static.Load().(StaticInfo),
		Actions:   map[string]ActionSnapshot{},
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for a, c := range s.actions {
		as := ActionSnapshot{OK: c.ok, Failed: c.failed, LastOK: c.lastOK}
		if !c.last.IsZero() {
			as.LastUTC = c.last.UTC().Format(time.RFC3339Nano)
			as.LastHuman = humanize.RelTime(c.last, nowUTC, "ago", "from now")
		}
		snap.Actions[string(a)] = as
	}
	if !s.tel.at.IsZero() {
		snap.Telemetry = &TelemetrySnapshot{
			DepthM:       finitePtr(s.tel.tel.Depth),
			TemperatureC: finitePtr(s.tel.tel.Temperature),
			HeadingDeg:   finitePtr(s.tel.tel.Heading),
			UpdatedUTC:   s.tel.at.UTC().Format(time.RFC3339Nano),
		}
	}
	snap.Vehicle = s.vehicle.snapshot(nowUTC)
	snap.Topside = s.topside.snapshot(nowUTC)
	if snap.Vehicle != nil && snap.Topside != nil {
		snap.Range = rangeBetween(s.topside.fix, s.vehicle.fix)
	}
	return snap
}

func (r fixRecord) snapshot(now time.Time) *FixSnapshot {
	if r.at.IsZero() {
		return nil
	}
	return &FixSnapshot{
		Fix:        r.fix,
		UpdatedUTC: r.at.UTC().Format(time.RFC3339Nano),
		Age:        humanize.RelTime(r.at, now, "ago", "from now"),
	}
}

func rangeBetween(from, to position.Fix) *RangeSnapshot {
	a := geo.NewPoint(from.Latitude, from.Longitude)
	b := geo.NewPoint(to.Latitude, to.Longitude)
	m := a.GreatCircleDistance(b) * 1000
	bearing := a.BearingTo(b)
	if bearing < 0 {
		bearing += 360
	}
	return &RangeSnapshot{
		DistanceM:  m,
		BearingDeg: bearing,
		Human:      humanize.SIWithDigits(m, 1, "m"),
	}
}

func finitePtr(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

// Package scheduler drives the bridge: it configures the autopilot streams,
// waits for the positioning service and then runs the three forwarding
// actions on independent timers.
package scheduler

import (
	"context"
	"log"
	"math"
	"time"

	"ugps-bridge/internal/mavlink"
	"ugps-bridge/internal/position"
)

type State string

const (
	StateConfiguringRates      State = "configuring_rates"
	StateWaitingForPositioning State = "waiting_for_positioning"
	StateRunning               State = "running"
	StateStopped               State = "stopped"
)

type Action string

const (
	ActionForwardTelemetry Action = "forward_telemetry"
	ActionForwardVehicle   Action = "forward_vehicle_position"
	ActionBroadcastTopside Action = "broadcast_topside"
)

// GPS_TYPE 14 selects MAVLink as the autopilot's GPS source.
const (
	ParamGPSType      = "GPS_TYPE"
	ParamGPSTypeType  = "MAV_PARAM_TYPE_UINT8"
	ParamGPSTypeValue = 14
)

// Autopilot is the telemetry gateway (mavlink2rest).
type Autopilot interface {
	EnsureMessageFrequency(ctx context.Context, name string, frequencyHz float64) bool
	SetParam(ctx context.Context, name, paramType string, value float64) bool
	Telemetry(ctx context.Context) position.Telemetry
	SendGPSFix(ctx context.Context, fix position.Fix) bool
}

// Positioning is the underwater positioning service.
type Positioning interface {
	VehiclePosition(ctx context.Context) (position.Fix, bool)
	TopsidePosition(ctx context.Context) (position.Fix, bool)
	PushDepthTemperature(ctx context.Context, depth, temperature float64) bool
	PushHeading(ctx context.Context, heading float64) bool
	WaitUntilReachable(ctx context.Context, interval time.Duration) error
}

// Topside receives the topside position for ground control.
type Topside interface {
	BroadcastTopside(fix position.Fix) bool
}

type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// Result describes one run of an action.
type Result struct {
	Action Action
	At     time.Time
	OK     bool

	// Telemetry is set for ActionForwardTelemetry.
	Telemetry position.Telemetry

	// Fix is the position read for the vehicle or topside actions; HaveFix
	// is false when the service returned nothing usable.
	Fix     position.Fix
	HaveFix bool
}

// Observer is called synchronously from the scheduler goroutine.
type Observer interface {
	StateChanged(s State)
	ActionDone(r Result)
}

type StreamRate struct {
	Message string  `yaml:"message"`
	MinHz   float64 `yaml:"min_hz"`
}

// DefaultStreams are the autopilot messages the telemetry action reads.
var DefaultStreams = []StreamRate{
	{Message: mavlink.MsgVFRHUD, MinHz: 5},
	{Message: mavlink.MsgScaledPressure2, MinHz: 1},
}

type Config struct {
	// UpdatePeriod is shared by all three actions.
	UpdatePeriod time.Duration
	Tick         time.Duration

	RetryInterval time.Duration
	// MaxAttempts per stream; 0 retries forever.
	MaxAttempts int

	ProbeInterval time.Duration

	Streams []StreamRate

	Clock Clock
}

type Scheduler struct {
	cfg       Config
	autopilot Autopilot
	ugps      Positioning
	topside   Topside
	observers []Observer

	lastTelemetry time.Time
	lastVehicle   time.Time
	lastTopside   time.Time
}

// New builds a scheduler. topside may be nil to disable the broadcast action.
func New(cfg Config, autopilot Autopilot, ugps Positioning, topside Topside, observers ...Observer) *Scheduler {
	if cfg.UpdatePeriod <= 0 {
		cfg.UpdatePeriod = 250 * time.Millisecond
	}
	if cfg.Tick <= 0 {
		cfg.Tick = 20 * time.Millisecond
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = 2 * time.Second
	}
	if cfg.ProbeInterval <= 0 {
		cfg.ProbeInterval = 5 * time.Second
	}
	if cfg.MaxAttempts < 0 {
		cfg.MaxAttempts = 0
	}
	if len(cfg.Streams) == 0 {
		cfg.Streams = DefaultStreams
	}
	if cfg.Clock == nil {
		cfg.Clock = realClock{}
	}
	return &Scheduler{
		cfg:       cfg,
		autopilot: autopilot,
		ugps:      ugps,
		topside:   topside,
		observers: observers,
	}
}

// Run blocks until ctx is done and then returns ctx.Err().
func (s *Scheduler) Run(ctx context.Context) error {
	defer s.setState(StateStopped)

	s.setState(StateConfiguringRates)
	for _, st := range s.cfg.Streams {
		if err := s.configureStream(ctx, st); err != nil {
			return err
		}
	}
	if !s.autopilot.SetParam(ctx, ParamGPSType, ParamGPSTypeType, ParamGPSTypeValue) {
		log.Printf("scheduler: could not set %s, autopilot may ignore injected fixes", ParamGPSType)
	}

	s.setState(StateWaitingForPositioning)
	if err := s.ugps.WaitUntilReachable(ctx, s.cfg.ProbeInterval); err != nil {
		return err
	}

	s.setState(StateRunning)
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		s.step(ctx)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.cfg.Clock.After(s.cfg.Tick):
		}
	}
}

func (s *Scheduler) configureStream(ctx context.Context, st StreamRate) error {
	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		if s.autopilot.EnsureMessageFrequency(ctx, st.Message, st.MinHz) {
			return nil
		}
		if s.cfg.MaxAttempts > 0 && attempt >= s.cfg.MaxAttempts {
			log.Printf("scheduler: giving up on %s stream after %d attempts", st.Message, attempt)
			return nil
		}
		log.Printf("scheduler: %s stream not configured, retrying in %s", st.Message, s.cfg.RetryInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.cfg.Clock.After(s.cfg.RetryInterval):
		}
	}
}

// step runs every action whose period has elapsed.
func (s *Scheduler) step(ctx context.Context) {
	if s.due(&s.lastTelemetry) {
		s.report(s.forwardTelemetry(ctx))
	}
	if s.due(&s.lastVehicle) {
		s.report(s.forwardVehicle(ctx))
	}
	if s.topside != nil && s.due(&s.lastTopside) {
		s.report(s.broadcastTopside(ctx))
	}
}

// due marks last as now when the period has elapsed.
func (s *Scheduler) due(last *time.Time) bool {
	now := s.cfg.Clock.Now()
	if !last.IsZero() && now.Before(last.Add(s.cfg.UpdatePeriod)) {
		return false
	}
	*last = now
	return true
}

func (s *Scheduler) forwardTelemetry(ctx context.Context) Result {
	r := Result{Action: ActionForwardTelemetry, At: s.cfg.Clock.Now()}
	r.Telemetry = s.autopilot.Telemetry(ctx)

	depthOK := false
	if !math.IsNaN(r.Telemetry.Depth) && !math.IsNaN(r.Telemetry.Temperature) {
		depthOK = s.ugps.PushDepthTemperature(ctx, r.Telemetry.Depth, r.Telemetry.Temperature)
	}
	headingOK := false
	if !math.IsNaN(r.Telemetry.Heading) {
		headingOK = s.ugps.PushHeading(ctx, r.Telemetry.Heading)
	}
	r.OK = depthOK && headingOK
	return r
}

func (s *Scheduler) forwardVehicle(ctx context.Context) Result {
	r := Result{Action: ActionForwardVehicle, At: s.cfg.Clock.Now()}
	r.Fix, r.HaveFix = s.ugps.VehiclePosition(ctx)
	if r.HaveFix {
		r.OK = s.autopilot.SendGPSFix(ctx, r.Fix)
	}
	return r
}

func (s *Scheduler) broadcastTopside(ctx context.Context) Result {
	r := Result{Action: ActionBroadcastTopside, At: s.cfg.Clock.Now()}
	r.Fix, r.HaveFix = s.ugps.TopsidePosition(ctx)
	if r.HaveFix {
		r.OK = s.topside.BroadcastTopside(r.Fix)
	}
	return r
}

func (s *Scheduler) setState(st State) {
	log.Printf("scheduler: %s", st)
	for _, o := range s.observers {
		o.StateChanged(st)
	}
}

func (s *Scheduler) report(r Result) {
	for _, o := range s.observers {
		o.ActionDone(r)
	}
}

// Package metrics exports scheduler activity to Prometheus.
package metrics

import (
	"math"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"ugps-bridge/internal/position"
	"ugps-bridge/internal/scheduler"
)

const namespace = "ugps_bridge"

var states = []scheduler.State{
	scheduler.StateConfiguringRates,
	scheduler.StateWaitingForPositioning,
	scheduler.StateRunning,
	scheduler.StateStopped,
}

// Collector is a scheduler.Observer backed by its own registry.
type Collector struct {
	reg *prometheus.Registry

	state       *prometheus.GaugeVec
	actions     *prometheus.CounterVec
	lastSuccess *prometheus.GaugeVec

	depth       prometheus.Gauge
	temperature prometheus.Gauge
	heading     prometheus.Gauge

	satellites *prometheus.GaugeVec
	hdop       *prometheus.GaugeVec
	hasFix     *prometheus.GaugeVec
}

func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		state: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "state",
			Help:      "1 for the scheduler's current state.",
		}, []string{"state"}),
		actions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "actions_total",
			Help:      "Forwarding actions run, by outcome.",
		}, []string{"action", "result"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "action_last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run of each action.",
		}, []string{"action"}),
		depth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vehicle_depth_meters",
			Help:      "Last depth read from the autopilot, positive down.",
		}),
		temperature: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "water_temperature_celsius",
			Help:      "Last water temperature read from the autopilot.",
		}),
		heading: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "vehicle_heading_degrees",
			Help:      "Last heading read from the autopilot.",
		}),
		satellites: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fix_satellites",
			Help:      "Satellites reported with the last fix.",
		}, []string{"source"}),
		hdop: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fix_hdop",
			Help:      "HDOP of the last fix, -1 when unknown.",
		}, []string{"source"}),
		hasFix: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fix_valid",
			Help:      "1 when the last fix had a position solution.",
		}, []string{"source"}),
	}
	c.reg.MustRegister(
		c.state, c.actions, c.lastSuccess,
		c.depth, c.temperature, c.heading,
		c.satellites, c.hdop, c.hasFix,
		prometheus.NewGoCollector(),
	)
	for _, a := range []scheduler.Action{scheduler.ActionForwardTelemetry, scheduler.ActionForwardVehicle, scheduler.ActionBroadcastTopside} {
		c.actions.WithLabelValues(string(a), "ok")
		c.actions.WithLabelValues(string(a), "failed")
	}
	for _, g := range []prometheus.Gauge{c.depth, c.temperature, c.heading} {
		g.Set(math.NaN())
	}
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

func (c *Collector) StateChanged(st scheduler.State) {
	for _, s := range states {
		v := 0.0
		if s == st {
			v = 1
		}
		c.state.WithLabelValues(string(s)).Set(v)
	}
}

func (c *Collector) ActionDone(r scheduler.Result) {
	result := "failed"
	if r.OK {
		result = "ok"
		if !r.At.IsZero() {
			c.lastSuccess.WithLabelValues(string(r.Action)).Set(float64(r.At.UnixNano()) / 1e9)
		}
	}
	c.actions.WithLabelValues(string(r.Action), result).Inc()

	switch r.Action {
	case scheduler.ActionForwardTelemetry:
		c.depth.Set(r.Telemetry.Depth)
		c.temperature.Set(r.Telemetry.Temperature)
		c.heading.Set(r.Telemetry.Heading)
	case scheduler.ActionForwardVehicle:
		if r.HaveFix {
			c.observeFix("vehicle", r.Fix)
		}
	case scheduler.ActionBroadcastTopside:
		if r.HaveFix {
			c.observeFix("topside", r.Fix)
		}
	}
}

func (c *Collector) observeFix(source string, fix position.Fix) {
	c.satellites.WithLabelValues(source).Set(float64(max(fix.SatellitesVisible, 0)))
	c.hdop.WithLabelValues(source).Set(fix.HDOP)
	v := 0.0
	if fix.HasFix() {
		v = 1
	}
	c.hasFix.WithLabelValues(source).Set(v)
}

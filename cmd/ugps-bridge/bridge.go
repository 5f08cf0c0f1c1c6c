package main

import (
	"context"
	"fmt"
	"log"
	"strings"

	"ugps-bridge/internal/config"
	"ugps-bridge/internal/gateway"
	"ugps-bridge/internal/metrics"
	"ugps-bridge/internal/mirror"
	"ugps-bridge/internal/qgc"
	"ugps-bridge/internal/scheduler"
	"ugps-bridge/internal/ugps"
	"ugps-bridge/internal/web"
)

// overrides holds command line values that win over the config file. nil
// means the flag was not given.
type overrides struct {
	ugpsHost    *string
	mavlinkHost *string
	qgcIP       *string
}

func stringOverride(dst **string) func(string) error {
	return func(v string) error {
		v = strings.TrimSpace(v)
		*dst = &v
		return nil
	}
}

func loadConfig(path string, ov overrides) (config.Config, error) {
	var cfg config.Config
	if strings.TrimSpace(path) != "" {
		var err error
		if cfg, err = config.Load(path); err != nil {
			return config.Config{}, err
		}
	}
	if ov.ugpsHost != nil {
		cfg.UGPS.Host = *ov.ugpsHost
	}
	if ov.mavlinkHost != nil {
		cfg.MAVLink.Host = *ov.mavlinkHost
	}
	if ov.qgcIP != nil {
		ip := *ov.qgcIP
		cfg.QGC.IP = &ip
	}
	if err := config.DefaultAndValidate(&cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

type bridge struct {
	cfg config.Config

	sched   *scheduler.Scheduler
	status  *web.Status
	live    *web.LiveBroadcaster
	metrics *metrics.Collector
	logs    *web.LogBuffer

	qgc    *qgc.Broadcaster
	mirror *mirror.Publisher
}

func newBridge(cfg config.Config, logs *web.LogBuffer) (*bridge, error) {
	autopilot, err := gateway.New(gateway.Config{
		BaseURL:         cfg.MAVLink.Host,
		Timeout:         cfg.MAVLink.Timeout,
		SystemID:        cfg.MAVLink.SystemID,
		ComponentID:     cfg.MAVLink.ComponentID,
		TargetSystem:    cfg.MAVLink.TargetSystem,
		TargetComponent: cfg.MAVLink.TargetComponent,
		GPSID:           uint8(cfg.MAVLink.GPSID),
	})
	if err != nil {
		return nil, err
	}
	positioning, err := ugps.New(ugps.Config{BaseURL: cfg.UGPS.Host, Timeout: cfg.UGPS.Timeout})
	if err != nil {
		return nil, err
	}

	b := &bridge{
		cfg:     cfg,
		status:  web.NewStatus(),
		live:    web.NewLiveBroadcaster(),
		metrics: metrics.New(),
		logs:    logs,
	}
	b.status.SetStatic(web.StaticInfo{
		UGPSHost:     cfg.UGPS.Host,
		MAVLinkHost:  cfg.MAVLink.Host,
		QGCDest:      cfg.QGC.Dest(),
		UpdatePeriod: cfg.Scheduler.UpdatePeriod.String(),
	})
	observers := []scheduler.Observer{b.status, b.live, b.metrics}

	var topside scheduler.Topside
	if cfg.QGC.Enabled() {
		q, err := qgc.New(cfg.QGC.Dest())
		if err != nil {
			return nil, fmt.Errorf("qgc broadcaster: %w", err)
		}
		b.qgc = q
		topside = q
	} else {
		log.Printf("qgc: no ip configured, topside broadcast disabled")
	}

	if cfg.MQTT.Broker != "" {
		m, err := mirror.Connect(mirror.Config{
			Broker:      cfg.MQTT.Broker,
			TopicPrefix: cfg.MQTT.TopicPrefix,
			ClientID:    cfg.MQTT.ClientID,
			Username:    cfg.MQTT.Username,
			Password:    cfg.MQTT.Password,
			QoS:         byte(cfg.MQTT.QoS),
			Timeout:     cfg.MQTT.Timeout,
		})
		if err != nil {
			b.Close()
			return nil, err
		}
		b.mirror = m
		observers = append(observers, m)
	}

	streams := make([]scheduler.StreamRate, 0, len(cfg.Scheduler.Streams))
	for _, s := range cfg.Scheduler.Streams {
		streams = append(streams, scheduler.StreamRate{Message: s.Message, MinHz: s.MinHz})
	}
	b.sched = scheduler.New(scheduler.Config{
		UpdatePeriod:  cfg.Scheduler.UpdatePeriod,
		Tick:          cfg.Scheduler.Tick,
		RetryInterval: cfg.Scheduler.RetryInterval,
		MaxAttempts:   cfg.Scheduler.MaxAttempts,
		ProbeInterval: cfg.Scheduler.ProbeInterval,
		Streams:       streams,
	}, autopilot, positioning, topside, observers...)
	return b, nil
}

// Run serves the status API (when configured) and runs the scheduler until
// ctx is done.
func (b *bridge) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	webDone := make(chan struct{})
	if listen := b.cfg.Web.Listen; listen != "" {
		go func() {
			defer close(webDone)
			log.Printf("web: listening on %s", listen)
			err := web.Serve(ctx, listen, web.Options{
				Status:  b.status,
				Live:    b.live,
				Logs:    b.logs,
				Metrics: b.metrics.Handler(),
			})
			if err != nil && ctx.Err() == nil {
				log.Printf("web: server stopped: %v", err)
			}
		}()
	} else {
		close(webDone)
	}

	err := b.sched.Run(ctx)
	cancel()
	<-webDone
	return err
}

func (b *bridge) Close() {
	if b.qgc != nil {
		_ = b.qgc.Close()
	}
	if b.mirror != nil {
		b.mirror.Close()
	}
}

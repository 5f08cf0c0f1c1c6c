package main

import (
	"context"
	"errors"
	"flag"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"

	"ugps-bridge/internal/config"
	"ugps-bridge/internal/web"
)

func main() {
	var (
		configPath string
		ov         overrides
	)
	flag.StringVar(&configPath, "config", "", "Path to YAML config (defaults are used when empty)")
	flag.Func("ugps-host", "Underwater GPS base URL (default "+config.DefaultUGPSHost+")", stringOverride(&ov.ugpsHost))
	flag.Func("mavlink-host", "mavlink2rest base URL (default "+config.DefaultMAVLinkHost+")", stringOverride(&ov.mavlinkHost))
	flag.Func("qgc-ip", "QGroundControl IP for NMEA, empty disables (default "+config.DefaultQGCIP+")", stringOverride(&ov.qgcIP))
	flag.Parse()

	logs := web.NewLogBuffer(2000)
	log.SetOutput(io.MultiWriter(os.Stderr, logs))

	cfg, err := loadConfig(configPath, ov)
	if err != nil {
		log.Fatalf("config load failed: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	br, err := newBridge(cfg, logs)
	if err != nil {
		log.Fatalf("startup failed: %v", err)
	}
	defer br.Close()

	log.Printf("ugps-bridge starting")
	log.Printf("ugps=%s mavlink=%s qgc=%s", cfg.UGPS.Host, cfg.MAVLink.Host, orDisabled(cfg.QGC.Dest()))

	if err := br.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Printf("ugps-bridge stopped: %v", err)
		return
	}
	log.Printf("ugps-bridge stopping")
}

func orDisabled(s string) string {
	if s == "" {
		return "disabled"
	}
	return s
}

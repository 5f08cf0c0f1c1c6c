// Package qgc sends the topside position to QGroundControl as NMEA over UDP.
package qgc

import (
	"log"
	"time"

	"ugps-bridge/internal/position"
	"ugps-bridge/internal/sentence"
	"ugps-bridge/internal/udp"
)

// DefaultPort is the UDP port QGroundControl listens on for NMEA.
const DefaultPort = 14401

type sender interface {
	Send(payload []byte) error
}

type Broadcaster struct {
	out sender
	now func() time.Time
}

// New dials dest (ip:port).
func New(dest string) (*Broadcaster, error) {
	b, err := udp.NewBroadcaster(dest)
	if err != nil {
		return nil, err
	}
	return newBroadcaster(b, time.Now), nil
}

func newBroadcaster(out sender, now func() time.Time) *Broadcaster {
	if now == nil {
		now = time.Now
	}
	return &Broadcaster{out: out, now: now}
}

// BroadcastTopside encodes GGA, RMC and VTG for fix with one shared
// timestamp and sends each as its own datagram. It reports whether all
// three were sent.
func (b *Broadcaster) BroadcastTopside(fix position.Fix) bool {
	if err := fix.Validate(); err != nil {
		log.Printf("qgc: dropping topside fix: %v", err)
		return false
	}
	now := b.now().UTC()
	ok := true
	for _, kind := range sentence.Kinds {
		line := sentence.Encode(kind, now, fix)
		if err := b.out.Send([]byte(line)); err != nil {
			log.Printf("qgc: send %s: %v", kind, err)
			ok = false
		}
	}
	return ok
}

func (b *Broadcaster) Close() error {
	if c, ok := b.out.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

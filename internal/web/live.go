package web

import (
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ugps-bridge/internal/position"
	"ugps-bridge/internal/scheduler"
)

const (
	EventState     = "state"
	EventTelemetry = "telemetry"
	EventVehicle   = "vehicle"
	EventTopside   = "topside"

	liveWriteTimeout = 5 * time.Second
	livePingInterval = 20 * time.Second
)

type LiveEvent struct {
	Type      string             `json:"type"`
	TimeUTC   string             `json:"time_utc"`
	State     string             `json:"state,omitempty"`
	OK        bool               `json:"ok"`
	Fix       *position.Fix      `json:"fix,omitempty"`
	Telemetry *TelemetrySnapshot `json:"telemetry,omitempty"`
}

// LiveBroadcaster fans scheduler events out to websocket clients. It keeps
// the latest event of each type so new subscribers start with a full picture.
// Publishing never blocks; slow subscribers miss events.
type LiveBroadcaster struct {
	mu     sync.RWMutex
	subs   map[int]chan LiveEvent
	nextID int
	last   map[string]LiveEvent
	closed bool
}

func NewLiveBroadcaster() *LiveBroadcaster {
	return &LiveBroadcaster{
		subs: make(map[int]chan LiveEvent),
		last: make(map[string]LiveEvent),
	}
}

func (b *LiveBroadcaster) StateChanged(st scheduler.State) {
	b.Publish(LiveEvent{Type: EventState, State: string(st), OK: true})
}

func (b *LiveBroadcaster) ActionDone(r scheduler.Result) {
	ev := LiveEvent{OK: r.OK}
	if !r.At.IsZero() {
		ev.TimeUTC = r.At.UTC().Format(time.RFC3339Nano)
	}
	switch r.Action {
	case scheduler.ActionForwardTelemetry:
		ev.Type = EventTelemetry
		ev.Telemetry = &TelemetrySnapshot{
			DepthM:       finitePtr(r.Telemetry.Depth),
			TemperatureC: finitePtr(r.Telemetry.Temperature),
			HeadingDeg:   finitePtr(r.Telemetry.Heading),
			UpdatedUTC:   ev.TimeUTC,
		}
	case scheduler.ActionForwardVehicle, scheduler.ActionBroadcastTopside:
		if !r.HaveFix {
			return
		}
		ev.Type = EventVehicle
		if r.Action == scheduler.ActionBroadcastTopside {
			ev.Type = EventTopside
		}
		fix := r.Fix
		ev.Fix = &fix
	default:
		return
	}
	b.Publish(ev)
}

func (b *LiveBroadcaster) Subscribe(buffer int) (int, <-chan LiveEvent) {
	if buffer <= 0 {
		buffer = 16
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan LiveEvent, max(buffer, len(b.last)))
	if b.closed {
		close(ch)
		return -1, ch
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch
	for _, typ := range []string{EventState, EventTelemetry, EventVehicle, EventTopside} {
		if ev, ok := b.last[typ]; ok {
			ch <- ev
		}
	}
	return id, ch
}

func (b *LiveBroadcaster) Unsubscribe(id int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ch, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(ch)
	}
}

func (b *LiveBroadcaster) Publish(ev LiveEvent) {
	if ev.TimeUTC == "" {
		ev.TimeUTC = time.Now().UTC().Format(time.RFC3339Nano)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.last[ev.Type] = ev
	for _, ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Close ends every subscription, which makes live handlers return.
// http.Server.Shutdown does not touch hijacked connections.
func (b *LiveBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// The status page is served from the vehicle; any origin may watch.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Handler streams LiveEvents as JSON text frames.
func (b *LiveBroadcaster) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Printf("web: live upgrade: %v", err)
			return
		}
		defer conn.Close()

		id, ch := b.Subscribe(0)
		defer b.Unsubscribe(id)

		// Reads only detect the client going away.
		gone := make(chan struct{})
		go func() {
			defer close(gone)
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()

		ping := time.NewTicker(livePingInterval)
		defer ping.Stop()
		for {
			select {
			case <-gone:
				return
			case ev, ok := <-ch:
				if !ok {
					_ = conn.WriteControl(websocket.CloseMessage,
						websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
						time.Now().Add(liveWriteTimeout))
					return
				}
				_ = conn.SetWriteDeadline(time.Now().Add(liveWriteTimeout))
				if err := conn.WriteJSON(ev); err != nil {
					return
				}
			case <-ping.C:
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(liveWriteTimeout)); err != nil {
					return
				}
			}
		}
	})
}

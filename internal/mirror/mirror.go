// Package mirror republishes forwarded positions and telemetry to MQTT.
package mirror

import (
	"encoding/json"
	"fmt"
	"log"
	"math"
	"strings"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"

	"ugps-bridge/internal/position"
	"ugps-bridge/internal/scheduler"
)

const (
	TopicVehicle   = "vehicle"
	TopicTopside   = "topside"
	TopicTelemetry = "telemetry"
	TopicState     = "state"
)

type Config struct {
	Broker      string
	TopicPrefix string
	ClientID    string
	Username    string
	Password    string
	QoS         byte
	Timeout     time.Duration
}

type publisher interface {
	Publish(topic string, qos byte, retained bool, payload []byte) error
	Close()
}

// Publisher is a scheduler.Observer. Fixes and state are retained so a
// late subscriber sees the latest values.
type Publisher struct {
	out    publisher
	prefix string
	qos    byte

	mu      sync.Mutex
	failing bool
}

type fixMessage struct {
	position.Fix
	TimeUTC string `json:"time_utc"`
}

type telemetryMessage struct {
	Depth       *float64 `json:"depth"`
	Temperature *float64 `json:"temp"`
	Heading     *float64 `json:"orientation"`
	TimeUTC     string   `json:"time_utc"`
	Pushed      bool     `json:"pushed"`
}

type stateMessage struct {
	State   string `json:"state"`
	TimeUTC string `json:"time_utc"`
}

// Connect dials the broker. The first connection attempt is bounded by
// cfg.Timeout; after that paho reconnects in the background.
func Connect(cfg Config) (*Publisher, error) {
	if strings.TrimSpace(cfg.Broker) == "" {
		return nil, fmt.Errorf("mqtt broker is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 2 * time.Second
	}
	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "ugps-bridge-" + uuid.NewString()[:8]
	}
	prefix := strings.Trim(cfg.TopicPrefix, "/")
	if prefix == "" {
		prefix = "ugps-bridge"
	}

	offline, _ := json.Marshal(stateMessage{State: "offline"})
	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(clientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectTimeout(cfg.Timeout).
		SetOrderMatters(false).
		SetBinaryWill(prefix+"/"+TopicState, offline, cfg.QoS, true).
		SetOnConnectHandler(func(mqtt.Client) {
			log.Printf("mirror: connected to %s as %s", cfg.Broker, clientID)
		}).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			log.Printf("mirror: connection lost: %v", err)
		})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(cfg.Timeout) {
		log.Printf("mirror: %s not reachable yet, retrying in background", cfg.Broker)
	} else if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", cfg.Broker, err)
	}
	return newPublisher(&pahoPublisher{client: client, timeout: cfg.Timeout}, prefix, cfg.QoS), nil
}

func newPublisher(out publisher, prefix string, qos byte) *Publisher {
	return &Publisher{out: out, prefix: strings.Trim(prefix, "/"), qos: qos}
}

func (p *Publisher) StateChanged(st scheduler.State) {
	p.publish(TopicState, true, stateMessage{State: string(st), TimeUTC: time.Now().UTC().Format(time.RFC3339Nano)})
}

func (p *Publisher) ActionDone(r scheduler.Result) {
	at := r.At
	if at.IsZero() {
		at = time.Now()
	}
	ts := at.UTC().Format(time.RFC3339Nano)

	switch r.Action {
	case scheduler.ActionForwardTelemetry:
		p.publish(TopicTelemetry, false, telemetryMessage{
			Depth:       finitePtr(r.Telemetry.Depth),
			Temperature: finitePtr(r.Telemetry.Temperature),
			Heading:     finitePtr(r.Telemetry.Heading),
			TimeUTC:     ts,
			Pushed:      r.OK,
		})
	case scheduler.ActionForwardVehicle:
		if r.HaveFix {
			p.publish(TopicVehicle, true, fixMessage{Fix: r.Fix, TimeUTC: ts})
		}
	case scheduler.ActionBroadcastTopside:
		if r.HaveFix {
			p.publish(TopicTopside, true, fixMessage{Fix: r.Fix, TimeUTC: ts})
		}
	}
}

func (p *Publisher) Close() {
	p.out.Close()
}

// publish logs only the first failure of a run of failures.
func (p *Publisher) publish(topic string, retained bool, v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("mirror: marshal %s: %v", topic, err)
		return
	}
	err = p.out.Publish(p.prefix+"/"+topic, p.qos, retained, b)

	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case err != nil && !p.failing:
		log.Printf("mirror: publish %s: %v", topic, err)
		p.failing = true
	case err == nil && p.failing:
		log.Printf("mirror: publishing again")
		p.failing = false
	}
}

type pahoPublisher struct {
	client  mqtt.Client
	timeout time.Duration
}

func (p *pahoPublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if !p.client.IsConnectionOpen() {
		return fmt.Errorf("not connected")
	}
	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(p.timeout) {
		return fmt.Errorf("publish timed out after %s", p.timeout)
	}
	return token.Error()
}

func (p *pahoPublisher) Close() {
	p.client.Disconnect(250)
}

func finitePtr(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}

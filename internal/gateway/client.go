// Package gateway talks to the autopilot through mavlink2rest.
//
// Every exported operation is best-effort: reads degrade to NaN, commands
// report success as a bool, and all failures are logged here rather than
// returned to the scheduler.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"ugps-bridge/internal/mavlink"
	"ugps-bridge/internal/position"
)

// errNone is returned when mavlink2rest answers "None" for a field it has
// not seen yet.
var errNone = errors.New("no value")

const maxBody = 1 << 20

type Config struct {
	// BaseURL of mavlink2rest, e.g. http://blueos.local:6040.
	BaseURL string
	Timeout time.Duration

	// Identity used when sending messages.
	SystemID    int
	ComponentID int

	// Vehicle/component telemetry is read from.
	TargetSystem    int
	TargetComponent int

	GPSID uint8

	// HTTPClient is optional; tests inject httptest clients.
	HTTPClient *http.Client
}

type Client struct {
	cfg  Config
	base string
	http *http.Client
}

func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("mavlink2rest base url is required")
	}
	if _, err := url.Parse(base); err != nil {
		return nil, fmt.Errorf("parse mavlink2rest url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 1 * time.Second
	}
	if cfg.SystemID == 0 {
		cfg.SystemID = 1
	}
	if cfg.ComponentID == 0 {
		cfg.ComponentID = 220
	}
	if cfg.TargetSystem == 0 {
		cfg.TargetSystem = 1
	}
	if cfg.TargetComponent == 0 {
		cfg.TargetComponent = 1
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{cfg: cfg, base: base, http: hc}, nil
}

// Depth in meters, positive down (negated VFR_HUD altitude).
func (c *Client) Depth(ctx context.Context) float64 {
	return -c.float(ctx, "/VFR_HUD/message/alt")
}

// Temperature in degrees Celsius from the second pressure sensor.
func (c *Client) Temperature(ctx context.Context) float64 {
	return c.float(ctx, "/SCALED_PRESSURE2/message/temperature") / 100.0
}

// Heading in degrees from VFR_HUD.
func (c *Client) Heading(ctx context.Context) float64 {
	return c.float(ctx, "/VFR_HUD/message/heading")
}

// Telemetry reads depth, temperature and heading independently.
func (c *Client) Telemetry(ctx context.Context) position.Telemetry {
	return position.Telemetry{
		Depth:       c.Depth(ctx),
		Temperature: c.Temperature(ctx),
		Heading:     c.Heading(ctx),
	}
}

// MessageFrequency is the rate mavlink2rest currently sees for name, or 0
// when unknown.
func (c *Client) MessageFrequency(ctx context.Context, name string) float64 {
	v := c.float(ctx, "/"+strings.ToUpper(name)+"/message_information/frequency")
	if math.IsNaN(v) {
		return 0
	}
	return v
}

// EnsureMessageFrequency requests that name is streamed at frequencyHz.
// Unknown message names fail before any request is made.
func (c *Client) EnsureMessageFrequency(ctx context.Context, name string, frequencyHz float64) bool {
	name = strings.ToUpper(strings.TrimSpace(name))
	if _, err := mavlink.MessageID(name); err != nil {
		log.Printf("gateway: %s not in message table: %v", name, err)
		return false
	}
	log.Printf("gateway: setting %s stream to %g Hz", name, frequencyHz)

	previous := c.MessageFrequency(ctx, name)

	var tmpl mavlink.Envelope[mavlink.CommandLong]
	if err := c.template(ctx, "COMMAND_LONG", &tmpl); err != nil {
		log.Printf("gateway: COMMAND_LONG template: %v", err)
		return false
	}
	cmd, err := mavlink.BuildStreamRateCommand(tmpl, name, frequencyHz)
	if err != nil {
		log.Printf("gateway: build stream rate for %s: %v", name, err)
		return false
	}
	if err := c.post(ctx, "/mavlink", cmd); err != nil {
		log.Printf("gateway: set %s interval: %v", name, err)
		return false
	}
	log.Printf("gateway: %s stream set to %g Hz, was %g Hz", name, frequencyHz, previous)
	return true
}

// SetParam writes an autopilot parameter.
func (c *Client) SetParam(ctx context.Context, name, paramType string, value float64) bool {
	var tmpl mavlink.Envelope[mavlink.ParamSet]
	if err := c.template(ctx, "PARAM_SET", &tmpl); err != nil {
		log.Printf("gateway: PARAM_SET template: %v", err)
		return false
	}
	cmd, err := mavlink.BuildParamSetCommand(tmpl, name, paramType, value)
	if err != nil {
		log.Printf("gateway: build param %s: %v", name, err)
		return false
	}
	if err := c.post(ctx, "/mavlink", cmd); err != nil {
		log.Printf("gateway: set param %s: %v", name, err)
		return false
	}
	log.Printf("gateway: param %s set to %g", name, value)
	return true
}

// SendGPSFix injects fix as a GPS_INPUT message. Invalid fixes are dropped
// without touching the network.
func (c *Client) SendGPSFix(ctx context.Context, fix position.Fix) bool {
	if err := fix.Validate(); err != nil {
		log.Printf("gateway: dropping gps fix: %v", err)
		return false
	}
	var tmpl mavlink.Envelope[mavlink.GPSInput]
	if err := c.template(ctx, "GPS_INPUT", &tmpl); err != nil {
		log.Printf("gateway: GPS_INPUT template: %v", err)
		return false
	}
	msg := mavlink.ToGPSInput(tmpl, fix, c.cfg.SystemID, c.cfg.ComponentID, c.cfg.GPSID)
	if err := c.post(ctx, "/mavlink", msg); err != nil {
		log.Printf("gateway: send GPS_INPUT: %v", err)
		return false
	}
	return true
}

func (c *Client) float(ctx context.Context, path string) float64 {
	p := fmt.Sprintf("/mavlink/vehicles/%d/components/%d/messages%s", c.cfg.TargetSystem, c.cfg.TargetComponent, path)
	b, err := c.get(ctx, p)
	if err != nil {
		if !errors.Is(err, errNone) {
			log.Printf("gateway: read %s: %v", path, err)
		}
		return math.NaN()
	}
	var v float64
	if err := json.Unmarshal(b, &v); err != nil {
		log.Printf("gateway: parse %s: %v", path, err)
		return math.NaN()
	}
	return v
}

func (c *Client) template(ctx context.Context, name string, v any) error {
	b, err := c.get(ctx, "/helper/mavlink?name="+url.QueryEscape(name))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(b, v); err != nil {
		return fmt.Errorf("decode %s template: %w", name, err)
	}
	return nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	b, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	if strings.TrimSpace(string(b)) == "None" {
		return nil, errNone
	}
	return b, nil
}

func (c *Client) post(ctx context.Context, path string, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("http %d: %s", resp.StatusCode, strings.TrimSpace(string(b)))
	}
	return nil
}

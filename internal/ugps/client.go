// Package ugps is a client for the Water Linked Underwater GPS HTTP API.
package ugps

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math"
	"net/http"
	"strings"
	"time"

	"ugps-bridge/internal/position"
)

const (
	pathVehicle     = "/api/v1/position/global"
	pathTopside     = "/api/v1/position/master"
	pathDepth       = "/api/v1/external/depth"
	pathOrientation = "/api/v1/external/orientation"
	pathAbout       = "/api/v1/about/"

	maxBody = 1 << 20
)

type Config struct {
	// BaseURL of the UGPS topside, e.g. http://192.168.2.94.
	BaseURL string
	Timeout time.Duration

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
		return nil, fmt.Errorf("ugps base url is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 1 * time.Second
	}
	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{}
	}
	return &Client{cfg: cfg, base: base, http: hc}, nil
}

// VehiclePosition is the locator (ROV) position. ok is false on any failure.
func (c *Client) VehiclePosition(ctx context.Context) (position.Fix, bool) {
	return c.position(ctx, pathVehicle)
}

// TopsidePosition is the master (topside) position. ok is false on any failure.
func (c *Client) TopsidePosition(ctx context.Context) (position.Fix, bool) {
	return c.position(ctx, pathTopside)
}

func (c *Client) position(ctx context.Context, path string) (position.Fix, bool) {
	b, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		log.Printf("ugps: get %s: %v", path, err)
		return position.Fix{}, false
	}
	fix, err := position.DecodeFix(b)
	if err != nil {
		log.Printf("ugps: %s: %v", path, err)
		return position.Fix{}, false
	}
	return fix, true
}

// PushDepthTemperature sends external depth (m) and water temperature (C).
// Non-finite values are not sent.
func (c *Client) PushDepthTemperature(ctx context.Context, depth, temperature float64) bool {
	if !finite(depth) || !finite(temperature) {
		log.Printf("ugps: skipping depth push depth=%v temp=%v", depth, temperature)
		return false
	}
	body := struct {
		Depth float64 `json:"depth"`
		Temp  float64 `json:"temp"`
	}{depth, temperature}
	if _, err := c.do(ctx, http.MethodPut, pathDepth, body); err != nil {
		log.Printf("ugps: put depth: %v", err)
		return false
	}
	return true
}

// PushHeading sends the vehicle heading, wrapped into [0,360).
func (c *Client) PushHeading(ctx context.Context, heading float64) bool {
	if !finite(heading) {
		log.Printf("ugps: skipping orientation push heading=%v", heading)
		return false
	}
	body := struct {
		Orientation float64 `json:"orientation"`
	}{position.NormalizeHeading(heading)}
	if _, err := c.do(ctx, http.MethodPut, pathOrientation, body); err != nil {
		log.Printf("ugps: put orientation: %v", err)
		return false
	}
	return true
}

// Probe checks that the UGPS API answers at all. Any HTTP response counts.
func (c *Client) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+pathAbout, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBody))
	return resp.Body.Close()
}

// WaitUntilReachable probes every interval until the API answers or ctx
// is done.
func (c *Client) WaitUntilReachable(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	for {
		log.Printf("ugps: scanning for Water Linked underwater GPS at %s", c.base)
		err := c.Probe(ctx)
		if err == nil {
			log.Printf("ugps: reachable at %s", c.base)
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		log.Printf("ugps: probe failed: %v", err)

		t := time.NewTimer(interval)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}

func (c *Client) do(ctx context.Context, method, path string, v any) ([]byte, error) {
	var body io.Reader
	if v != nil {
		b, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal: %w", err)
		}
		body = bytes.NewReader(b)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
	if err != nil {
		return nil, err
	}
	if v != nil {
		req.Header.Set("Content-Type", "application/json")
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
	return b, nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

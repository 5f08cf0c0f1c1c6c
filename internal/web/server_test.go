package web

import (
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"ugps-bridge/internal/position"
	"ugps-bridge/internal/scheduler"
)

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("get %s: %v", url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("%s status code=%d", url, resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
		t.Fatalf("content-type=%q", ct)
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		t.Fatalf("decode json: %v", err)
	}
}

func TestAPIStatus(t *testing.T) {
	st := NewStatus()
	st.SetStatic(StaticInfo{UGPSHost: "http://192.168.2.94", MAVLinkHost: "http://blueos.local:6040", QGCDest: "192.168.2.2:14401", UpdatePeriod: "250ms"})
	st.StateChanged(scheduler.StateRunning)
	now := time.Now()
	st.ActionDone(scheduler.Result{Action: scheduler.ActionForwardVehicle, At: now, OK: true, HaveFix: true,
		Fix: position.Fix{Latitude: 63.401, Longitude: 10.4, FixQuality: 1, Heading: 12}})
	st.ActionDone(scheduler.Result{Action: scheduler.ActionBroadcastTopside, At: now, OK: false, HaveFix: true,
		Fix: position.Fix{Latitude: 63.4, Longitude: 10.4, FixQuality: 1, Heading: -1}})
	st.ActionDone(scheduler.Result{Action: scheduler.ActionForwardTelemetry, At: now,
		Telemetry: position.Telemetry{Depth: 4.2, Temperature: math.NaN(), Heading: 12}})

	ts := httptest.NewServer(Handler(Options{Status: st}))
	defer ts.Close()

	var snap StatusSnapshot
	getJSON(t, ts.URL+"/api/status", &snap)
	if snap.Service != "ugps-bridge" || snap.State != "running" {
		t.Fatalf("service/state=%q/%q", snap.Service, snap.State)
	}
	if snap.Static.QGCDest != "192.168.2.2:14401" {
		t.Fatalf("qgc_dest=%q", snap.Static.QGCDest)
	}
	if a := snap.Actions["forward_vehicle_position"]; a.OK != 1 || a.Failed != 0 || !a.LastOK {
		t.Fatalf("vehicle action=%+v", a)
	}
	if a := snap.Actions["broadcast_topside"]; a.Failed != 1 {
		t.Fatalf("topside action=%+v", a)
	}
	if snap.Telemetry == nil || snap.Telemetry.DepthM == nil || *snap.Telemetry.DepthM != 4.2 || snap.Telemetry.TemperatureC != nil {
		t.Fatalf("telemetry=%+v", snap.Telemetry)
	}
	if snap.Vehicle == nil || snap.Vehicle.Latitude != 63.401 {
		t.Fatalf("vehicle=%+v", snap.Vehicle)
	}
	if snap.Range == nil {
		t.Fatalf("expected range with both fixes")
	}
	if snap.Range.DistanceM < 110 || snap.Range.DistanceM > 112.5 {
		t.Fatalf("distance=%v want ~111m", snap.Range.DistanceM)
	}
	if snap.Range.BearingDeg > 0.5 && snap.Range.BearingDeg < 359.5 {
		t.Fatalf("bearing=%v want due north", snap.Range.BearingDeg)
	}
}

func TestStatus_AbsentFixKeepsPrevious(t *testing.T) {
	st := NewStatus()
	at := time.Date(2024, 3, 9, 12, 0, 0, 0, time.UTC)
	st.ActionDone(scheduler.Result{Action: scheduler.ActionForwardVehicle, At: at, OK: true, HaveFix: true, Fix: position.Fix{Latitude: 1, Longitude: 2}})
	st.ActionDone(scheduler.Result{Action: scheduler.ActionForwardVehicle, At: at.Add(time.Second)})

	snap := st.Snapshot(at.Add(2 * time.Second))
	if snap.Vehicle == nil || snap.Vehicle.Latitude != 1 {
		t.Fatalf("vehicle=%+v", snap.Vehicle)
	}
	if snap.Topside != nil || snap.Range != nil {
		t.Fatalf("unexpected topside/range")
	}
	if a := snap.Actions["forward_vehicle_position"]; a.OK != 1 || a.Failed != 1 || a.LastOK {
		t.Fatalf("action=%+v", a)
	}
	if snap.Vehicle.Age != "2 seconds ago" {
		t.Fatalf("age=%q", snap.Vehicle.Age)
	}
}

func TestAPIAbout(t *testing.T) {
	st := NewStatus()
	st.SetStatic(StaticInfo{UGPSHost: "http://ugps"})
	ts := httptest.NewServer(Handler(Options{Status: st}))
	defer ts.Close()

	var about AboutResponse
	getJSON(t, ts.URL+"/api/about", &about)
	if about.Service != "ugps-bridge" || about.GoVersion == "" {
		t.Fatalf("about=%+v", about)
	}
	if about.Upstreams.UGPSHost != "http://ugps" {
		t.Fatalf("upstreams=%+v", about.Upstreams)
	}
}

func TestRootPage(t *testing.T) {
	ts := httptest.NewServer(Handler(Options{}))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("get root: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status code=%d", resp.StatusCode)
	}
	b, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(b), "UGPS bridge") {
		t.Fatalf("body=%s", b)
	}

	resp2, err := http.Get(ts.URL + "/nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp2.Body.Close()
	if resp2.StatusCode != http.StatusNotFound {
		t.Fatalf("status code=%d want 404", resp2.StatusCode)
	}
}

func TestOptionalRoutes(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, "ugps_bridge_up 1\n")
	})
	ts := httptest.NewServer(Handler(Options{Metrics: metrics}))
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/metrics")
	if err != nil {
		t.Fatalf("get metrics: %v", err)
	}
	b, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	if !strings.Contains(string(b), "ugps_bridge_up") {
		t.Fatalf("metrics body=%q", b)
	}

	// No log buffer configured.
	resp, err = http.Get(ts.URL + "/api/logs")
	if err != nil {
		t.Fatalf("get logs: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("logs status=%d want 404", resp.StatusCode)
	}
}

func TestAPILive_StreamsEvents(t *testing.T) {
	live := NewLiveBroadcaster()
	live.StateChanged(scheduler.StateRunning)

	ts := httptest.NewServer(Handler(Options{Live: live}))
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/live"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var ev LiveEvent
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != EventState || ev.State != "running" {
		t.Fatalf("first event=%+v", ev)
	}

	// The replayed state proves the handler is subscribed.
	live.ActionDone(scheduler.Result{Action: scheduler.ActionBroadcastTopside, OK: true, HaveFix: true,
		Fix: position.Fix{Latitude: 59.9, Longitude: 10.7, Heading: 180}})

	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("read: %v", err)
	}
	if ev.Type != EventTopside || ev.Fix == nil || ev.Fix.Latitude != 59.9 || !ev.OK {
		t.Fatalf("event=%+v", ev)
	}

	live.Close()
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected close after broadcaster shutdown")
	}
}

package gateway

import (
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"ugps-bridge/internal/mavlink"
	"ugps-bridge/internal/position"
)

const (
	commandLongTemplate = `{"header":{"system_id":255,"component_id":0,"sequence":0},"message":{"type":"COMMAND_LONG","param1":0.0,"param2":0.0,"param3":0.0,"param4":0.0,"param5":0.0,"param6":0.0,"param7":0.0,"command":{"type":"MAV_CMD_NAV_WAYPOINT"},"target_system":0,"target_component":0,"confirmation":0}}`
	paramSetTemplate    = `{"header":{"system_id":255,"component_id":0,"sequence":0},"message":{"type":"PARAM_SET","param_value":0.0,"target_system":0,"target_component":0,"param_id":["\u0000","\u0000","\u0000","\u0000","\u0000","\u0000","\u0000","\u0000","\u0000","\u0000","\u0000","\u0000","\u0000","\u0000","\u0000","\u0000"],"param_type":{"type":"MAV_PARAM_TYPE_UINT8"}}}`
	gpsInputTemplate    = `{"header":{"system_id":255,"component_id":0,"sequence":0},"message":{"type":"GPS_INPUT","time_usec":0,"time_week_ms":0,"lat":0,"lon":0,"alt":0.0,"hdop":0.0,"vdop":0.0,"vn":0.0,"ve":0.0,"vd":0.0,"speed_accuracy":0.0,"horiz_accuracy":0.0,"vert_accuracy":0.0,"ignore_flags":{"bits":0},"time_week":0,"gps_id":0,"fix_type":0,"satellites_visible":0,"yaw":0}}`
)

// fakeM2R is a minimal mavlink2rest stand-in.
type fakeM2R struct {
	mu       sync.Mutex
	values   map[string]string
	requests []string
	posts    [][]byte
	postCode int
}

func newFakeM2R() *fakeM2R {
	return &fakeM2R{
		values: map[string]string{
			"/mavlink/vehicles/1/components/1/messages/VFR_HUD/message/alt":                          "-12.5",
			"/mavlink/vehicles/1/components/1/messages/VFR_HUD/message/heading":                      "271",
			"/mavlink/vehicles/1/components/1/messages/SCALED_PRESSURE2/message/temperature":         "1850",
			"/mavlink/vehicles/1/components/1/messages/VFR_HUD/message_information/frequency":        "4.0",
			"/mavlink/vehicles/1/components/1/messages/SCALED_PRESSURE2/message_information/frequency": "None",
		},
		postCode: http.StatusOK,
	}
}

func (f *fakeM2R) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, r.Method+" "+r.URL.RequestURI())

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/mavlink":
		b, _ := io.ReadAll(r.Body)
		f.posts = append(f.posts, b)
		w.WriteHeader(f.postCode)
		return
	case r.URL.Path == "/helper/mavlink":
		switch r.URL.Query().Get("name") {
		case "COMMAND_LONG":
			_, _ = io.WriteString(w, commandLongTemplate)
		case "PARAM_SET":
			_, _ = io.WriteString(w, paramSetTemplate)
		case "GPS_INPUT":
			_, _ = io.WriteString(w, gpsInputTemplate)
		default:
			http.NotFound(w, r)
		}
		return
	}
	v, ok := f.values[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	_, _ = io.WriteString(w, v)
}

func (f *fakeM2R) requestCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func (f *fakeM2R) lastPost(t *testing.T) []byte {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.posts) == 0 {
		t.Fatalf("expected a POST /mavlink")
	}
	return f.posts[len(f.posts)-1]
}

func newTestClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	ts := httptest.NewServer(h)
	t.Cleanup(ts.Close)
	c, err := New(Config{BaseURL: ts.URL + "/", HTTPClient: ts.Client()})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	return c
}

func TestNew_RequiresBaseURL(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Fatalf("expected error")
	}
}

func TestTelemetryReads(t *testing.T) {
	c := newTestClient(t, newFakeM2R())
	ctx := testContext(t)

	if d := c.Depth(ctx); d != 12.5 {
		t.Fatalf("depth=%v want 12.5", d)
	}
	if temp := c.Temperature(ctx); temp != 18.5 {
		t.Fatalf("temperature=%v want 18.5", temp)
	}
	if h := c.Heading(ctx); h != 271 {
		t.Fatalf("heading=%v want 271", h)
	}
	tel := c.Telemetry(ctx)
	if tel != (position.Telemetry{Depth: 12.5, Temperature: 18.5, Heading: 271}) {
		t.Fatalf("telemetry=%+v", tel)
	}
}

func TestTelemetryReads_FailuresAreNaN(t *testing.T) {
	f := newFakeM2R()
	f.values["/mavlink/vehicles/1/components/1/messages/VFR_HUD/message/alt"] = "None"
	f.values["/mavlink/vehicles/1/components/1/messages/VFR_HUD/message/heading"] = "not-a-number"
	delete(f.values, "/mavlink/vehicles/1/components/1/messages/SCALED_PRESSURE2/message/temperature")
	c := newTestClient(t, f)
	ctx := testContext(t)

	if d := c.Depth(ctx); !math.IsNaN(d) {
		t.Fatalf("depth=%v want NaN", d)
	}
	if h := c.Heading(ctx); !math.IsNaN(h) {
		t.Fatalf("heading=%v want NaN", h)
	}
	if temp := c.Temperature(ctx); !math.IsNaN(temp) {
		t.Fatalf("temperature=%v want NaN", temp)
	}
}

func TestTelemetryReads_UnreachableIsNaN(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	base := ts.URL
	ts.Close()

	c, err := New(Config{BaseURL: base})
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if d := c.Depth(testContext(t)); !math.IsNaN(d) {
		t.Fatalf("depth=%v want NaN", d)
	}
}

func TestEnsureMessageFrequency_PostsSetInterval(t *testing.T) {
	f := newFakeM2R()
	c := newTestClient(t, f)

	if ok := c.EnsureMessageFrequency(testContext(t), "vfr_hud", 5); !ok {
		t.Fatalf("EnsureMessageFrequency() = false")
	}
	var env mavlink.Envelope[mavlink.CommandLong]
	if err := json.Unmarshal(f.lastPost(t), &env); err != nil {
		t.Fatalf("decode post: %v", err)
	}
	if env.Message.Command.Type != mavlink.CmdSetMessageInterval {
		t.Fatalf("command=%q", env.Message.Command.Type)
	}
	if env.Message.Param1 != 74 || env.Message.Param2 != 200 {
		t.Fatalf("param1/param2=%v/%v", env.Message.Param1, env.Message.Param2)
	}
	if env.Message.Type != "COMMAND_LONG" {
		t.Fatalf("type=%q", env.Message.Type)
	}
}

func TestEnsureMessageFrequency_UnknownMessageNoRequests(t *testing.T) {
	f := newFakeM2R()
	c := newTestClient(t, f)

	if ok := c.EnsureMessageFrequency(testContext(t), "ATTITUDE", 10); ok {
		t.Fatalf("expected failure for unknown message")
	}
	if n := f.requestCount(); n != 0 {
		t.Fatalf("requests=%d want 0", n)
	}
}

func TestEnsureMessageFrequency_PostRejected(t *testing.T) {
	f := newFakeM2R()
	f.postCode = http.StatusInternalServerError
	c := newTestClient(t, f)

	if ok := c.EnsureMessageFrequency(testContext(t), mavlink.MsgScaledPressure2, 1); ok {
		t.Fatalf("expected failure on HTTP 500")
	}
}

func TestMessageFrequency_NoneIsZero(t *testing.T) {
	c := newTestClient(t, newFakeM2R())
	if v := c.MessageFrequency(testContext(t), mavlink.MsgScaledPressure2); v != 0 {
		t.Fatalf("frequency=%v want 0", v)
	}
	if v := c.MessageFrequency(testContext(t), mavlink.MsgVFRHUD); v != 4 {
		t.Fatalf("frequency=%v want 4", v)
	}
}

func TestSetParam(t *testing.T) {
	f := newFakeM2R()
	c := newTestClient(t, f)

	if ok := c.SetParam(testContext(t), "GPS_TYPE", "MAV_PARAM_TYPE_UINT8", 14); !ok {
		t.Fatalf("SetParam() = false")
	}
	var env mavlink.Envelope[mavlink.ParamSet]
	if err := json.Unmarshal(f.lastPost(t), &env); err != nil {
		t.Fatalf("decode post: %v", err)
	}
	if got := strings.TrimRight(strings.Join(env.Message.ParamID, ""), "\x00"); got != "GPS_TYPE" {
		t.Fatalf("param_id=%q", got)
	}
	if env.Message.ParamValue != 14 {
		t.Fatalf("param_value=%v", env.Message.ParamValue)
	}
}

func TestSetParam_NameTooLongNoPost(t *testing.T) {
	f := newFakeM2R()
	c := newTestClient(t, f)

	if ok := c.SetParam(testContext(t), "THIS_NAME_IS_TOO_LONG", "MAV_PARAM_TYPE_UINT8", 1); ok {
		t.Fatalf("expected failure")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.posts) != 0 {
		t.Fatalf("posts=%d want 0", len(f.posts))
	}
}

func TestSendGPSFix(t *testing.T) {
	f := newFakeM2R()
	c := newTestClient(t, f)

	fix := position.Fix{Latitude: 51.5, Longitude: -0.12, FixQuality: 1, HDOP: 0.9, SatellitesVisible: 8, Heading: 45}
	if ok := c.SendGPSFix(testContext(t), fix); !ok {
		t.Fatalf("SendGPSFix() = false")
	}
	var env mavlink.Envelope[mavlink.GPSInput]
	if err := json.Unmarshal(f.lastPost(t), &env); err != nil {
		t.Fatalf("decode post: %v", err)
	}
	if env.Header.SystemID != 1 || env.Header.ComponentID != 220 {
		t.Fatalf("header=%+v", env.Header)
	}
	m := env.Message
	if m.Lat != 515000000 || m.Lon != -1200000 || m.FixType != 3 || m.Yaw != 4500 {
		t.Fatalf("message=%+v", m)
	}
}

func TestSendGPSFix_InvalidFixNoRequests(t *testing.T) {
	f := newFakeM2R()
	c := newTestClient(t, f)

	if ok := c.SendGPSFix(testContext(t), position.Fix{Latitude: 123, Heading: 1}); ok {
		t.Fatalf("expected invalid fix to be dropped")
	}
	if ok := c.SendGPSFix(testContext(t), position.Fix{Heading: math.NaN()}); ok {
		t.Fatalf("expected NaN heading to be dropped")
	}
	if n := f.requestCount(); n != 0 {
		t.Fatalf("requests=%d want 0", n)
	}
}

package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"ugps-bridge/internal/mavlink"
)

const (
	DefaultUGPSHost    = "https://demo.waterlinked.com"
	DefaultMAVLinkHost = "http://blueos.local:6040"
	DefaultQGCIP       = "192.168.2.2"
	DefaultQGCPort     = 14401
)

type Config struct {
	UGPS      UGPSConfig      `yaml:"ugps"`
	MAVLink   MAVLinkConfig   `yaml:"mavlink"`
	QGC       QGCConfig       `yaml:"qgc"`
	Scheduler SchedulerConfig `yaml:"scheduler"`
	Web       WebConfig       `yaml:"web"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
}

type UGPSConfig struct {
	Host    string        `yaml:"host"`
	Timeout time.Duration `yaml:"timeout"`
}

type MAVLinkConfig struct {
	Host    string        `yaml:"host"`
	Timeout time.Duration `yaml:"timeout"`

	SystemID        int `yaml:"system_id"`
	ComponentID     int `yaml:"component_id"`
	TargetSystem    int `yaml:"target_system"`
	TargetComponent int `yaml:"target_component"`
	GPSID           int `yaml:"gps_id"`
}

// QGCConfig is the NMEA target. An empty IP disables topside broadcasting.
type QGCConfig struct {
	IP   *string `yaml:"ip"`
	Port int     `yaml:"port"`
}

type SchedulerConfig struct {
	UpdatePeriod  time.Duration  `yaml:"update_period"`
	Tick          time.Duration  `yaml:"tick"`
	RetryInterval time.Duration  `yaml:"retry_interval"`
	MaxAttempts   int            `yaml:"max_attempts"`
	ProbeInterval time.Duration  `yaml:"probe_interval"`
	Streams       []StreamConfig `yaml:"streams"`
}

type StreamConfig struct {
	Message string  `yaml:"message"`
	MinHz   float64 `yaml:"min_hz"`
}

type WebConfig struct {
	// Listen enables the status server when set, e.g. ":8080".
	Listen string `yaml:"listen"`
}

type MQTTConfig struct {
	// Broker enables mirroring when set, e.g. tcp://localhost:1883.
	Broker      string        `yaml:"broker"`
	TopicPrefix string        `yaml:"topic_prefix"`
	ClientID    string        `yaml:"client_id"`
	Username    string        `yaml:"username"`
	Password    string        `yaml:"password"`
	QoS         int           `yaml:"qos"`
	Timeout     time.Duration `yaml:"timeout"`
}

// Enabled reports whether topside sentences should be sent.
func (q QGCConfig) Enabled() bool {
	return q.IP != nil && strings.TrimSpace(*q.IP) != ""
}

// Dest is ip:port for the UDP broadcaster.
func (q QGCConfig) Dest() string {
	if !q.Enabled() {
		return ""
	}
	return net.JoinHostPort(strings.TrimSpace(*q.IP), fmt.Sprint(q.Port))
}

// Default is the configuration used when no file is given.
func Default() Config {
	var cfg Config
	if err := DefaultAndValidate(&cfg); err != nil {
		panic(fmt.Sprintf("config: defaults invalid: %v", err))
	}
	return cfg
}

func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		var te *yaml.TypeError
		if errors.As(err, &te) && isUnknownField(te) {
			return Config{}, fmt.Errorf("config contains unknown fields: %s", unknownFieldMessage(te))
		}
		return Config{}, err
	}
	if err := DefaultAndValidate(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultAndValidate fills zero values with defaults and rejects settings
// the bridge cannot run with. Error messages name the YAML key.
func DefaultAndValidate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}

	cfg.UGPS.Host = strings.TrimSpace(cfg.UGPS.Host)
	if cfg.UGPS.Host == "" {
		cfg.UGPS.Host = DefaultUGPSHost
	}
	if err := validateHTTPURL("ugps.host", cfg.UGPS.Host); err != nil {
		return err
	}
	if cfg.UGPS.Timeout < 0 {
		return fmt.Errorf("ugps.timeout must be >= 0")
	}
	if cfg.UGPS.Timeout == 0 {
		cfg.UGPS.Timeout = 1 * time.Second
	}

	m := &cfg.MAVLink
	m.Host = strings.TrimSpace(m.Host)
	if m.Host == "" {
		m.Host = DefaultMAVLinkHost
	}
	if err := validateHTTPURL("mavlink.host", m.Host); err != nil {
		return err
	}
	if m.Timeout < 0 {
		return fmt.Errorf("mavlink.timeout must be >= 0")
	}
	if m.Timeout == 0 {
		m.Timeout = 1 * time.Second
	}
	if m.SystemID == 0 {
		m.SystemID = 1
	}
	if m.ComponentID == 0 {
		m.ComponentID = 220
	}
	if m.TargetSystem == 0 {
		m.TargetSystem = 1
	}
	if m.TargetComponent == 0 {
		m.TargetComponent = 1
	}
	for _, f := range []struct {
		key string
		v   int
	}{
		{"mavlink.system_id", m.SystemID},
		{"mavlink.component_id", m.ComponentID},
		{"mavlink.target_system", m.TargetSystem},
		{"mavlink.target_component", m.TargetComponent},
	} {
		if f.v < 1 || f.v > 255 {
			return fmt.Errorf("%s must be in 1..255", f.key)
		}
	}
	if m.GPSID < 0 || m.GPSID > 255 {
		return fmt.Errorf("mavlink.gps_id must be in 0..255")
	}

	if cfg.QGC.IP == nil {
		ip := DefaultQGCIP
		cfg.QGC.IP = &ip
	}
	if cfg.QGC.Port == 0 {
		cfg.QGC.Port = DefaultQGCPort
	}
	if cfg.QGC.Port < 1 || cfg.QGC.Port > 65535 {
		return fmt.Errorf("qgc.port must be in 1..65535")
	}
	if cfg.QGC.Enabled() && net.ParseIP(strings.TrimSpace(*cfg.QGC.IP)) == nil {
		return fmt.Errorf("qgc.ip must be an IP address or empty")
	}

	s := &cfg.Scheduler
	for _, d := range []struct {
		key string
		v   *time.Duration
		def time.Duration
	}{
		{"scheduler.update_period", &s.UpdatePeriod, 250 * time.Millisecond},
		{"scheduler.tick", &s.Tick, 20 * time.Millisecond},
		{"scheduler.retry_interval", &s.RetryInterval, 2 * time.Second},
		{"scheduler.probe_interval", &s.ProbeInterval, 5 * time.Second},
	} {
		if *d.v < 0 {
			return fmt.Errorf("%s must be >= 0", d.key)
		}
		if *d.v == 0 {
			*d.v = d.def
		}
	}
	if s.Tick > s.UpdatePeriod {
		return fmt.Errorf("scheduler.tick must not exceed scheduler.update_period")
	}
	if s.MaxAttempts < 0 {
		return fmt.Errorf("scheduler.max_attempts must be >= 0")
	}
	if len(s.Streams) == 0 {
		s.Streams = []StreamConfig{
			{Message: mavlink.MsgVFRHUD, MinHz: 5},
			{Message: mavlink.MsgScaledPressure2, MinHz: 1},
		}
	}
	for i := range s.Streams {
		st := &s.Streams[i]
		st.Message = strings.ToUpper(strings.TrimSpace(st.Message))
		if _, err := mavlink.MessageID(st.Message); err != nil {
			return fmt.Errorf("scheduler.streams[%d].message: %w", i, err)
		}
		if !(st.MinHz > 0) {
			return fmt.Errorf("scheduler.streams[%d].min_hz must be > 0", i)
		}
	}

	cfg.Web.Listen = strings.TrimSpace(cfg.Web.Listen)
	if cfg.Web.Listen != "" {
		if _, _, err := net.SplitHostPort(cfg.Web.Listen); err != nil {
			return fmt.Errorf("web.listen must be host:port: %w", err)
		}
	}

	q := &cfg.MQTT
	q.Broker = strings.TrimSpace(q.Broker)
	if q.Broker != "" {
		u, err := url.Parse(q.Broker)
		if err != nil || u.Host == "" {
			return fmt.Errorf("mqtt.broker must be a URL like tcp://host:1883")
		}
		switch u.Scheme {
		case "tcp", "ssl", "tls", "ws", "wss", "mqtt", "mqtts":
		default:
			return fmt.Errorf("mqtt.broker scheme %q is not supported", u.Scheme)
		}
	}
	if q.TopicPrefix == "" {
		q.TopicPrefix = "ugps-bridge"
	}
	q.TopicPrefix = strings.Trim(q.TopicPrefix, "/")
	if strings.ContainsAny(q.TopicPrefix, "+#") {
		return fmt.Errorf("mqtt.topic_prefix must not contain wildcards")
	}
	if q.QoS < 0 || q.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2")
	}
	if q.Timeout < 0 {
		return fmt.Errorf("mqtt.timeout must be >= 0")
	}
	if q.Timeout == 0 {
		q.Timeout = 2 * time.Second
	}

	return nil
}

func validateHTTPURL(key, raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%s must start with http:// or https://", key)
	}
	if u.Host == "" {
		return fmt.Errorf("%s must include a host", key)
	}
	return nil
}

func isUnknownField(te *yaml.TypeError) bool {
	for _, e := range te.Errors {
		if strings.Contains(e, "not found in type") {
			return true
		}
	}
	return false
}

// unknownFieldMessage strips yaml's "line N: " prefixes.
func unknownFieldMessage(te *yaml.TypeError) string {
	out := make([]string, 0, len(te.Errors))
	for _, e := range te.Errors {
		if i := strings.Index(e, ": "); i != -1 && strings.HasPrefix(e, "line ") {
			e = e[i+2:]
		}
		out = append(out, e)
	}
	return strings.Join(out, "; ")
}

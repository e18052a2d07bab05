// internal/config/config.go
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Server locates the job server. Changing it requires rebuilding the
// transport.
type Server struct {
	Scheme    string
	Host      string
	Port      int
	WSPath    string
	APIPrefix string
}

// BaseURL is the REST base, e.g. http://localhost:4153.
func (s Server) BaseURL() string {
	return fmt.Sprintf("%s://%s", s.Scheme, net.JoinHostPort(s.Host, strconv.Itoa(s.Port)))
}

// WebSocketURL is the push channel endpoint derived from the REST scheme.
func (s Server) WebSocketURL() string {
	scheme := "ws"
	if s.Scheme == "https" {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(s.Host, strconv.Itoa(s.Port)), s.WSPath)
}

type Config struct {
	// Server is EnvServer with the settings file applied.
	Server    Server
	EnvServer Server

	ConnectTimeout time.Duration
	ReconnectBase  time.Duration
	MaxReconnects  int

	TaskGrace    time.Duration
	JobGrace     time.Duration
	HTTPTimeout  time.Duration
	PollInterval time.Duration

	HistoryDB       string
	HistoryCapacity int
	SettingsFile    string

	NATSURL        string
	OutcomeSubject string
	MetricsAddr    string

	LogLevel  string
	LogFormat string
}

// Load reads the environment, then applies the settings file when one is
// configured.
func Load() (Config, error) {
	cfg := Config{
		Server: Server{
			Scheme:    getenv("TRACKER_SCHEME", "http"),
			Host:      getenv("TRACKER_SERVER_HOST", "localhost"),
			WSPath:    "/" + strings.TrimLeft(getenv("TRACKER_WS_PATH", "/api/v1/ws/queue"), "/"),
			APIPrefix: getenv("TRACKER_API_PREFIX", "/api/v1/queue"),
		},
		HistoryDB:      getenv("TRACKER_HISTORY_DB", "./data/tracker.db"),
		SettingsFile:   getenv("TRACKER_SETTINGS_FILE", ""),
		NATSURL:        getenv("NATS_URL", ""),
		OutcomeSubject: getenv("TRACKER_OUTCOME_SUBJECT", "tracker.outcomes"),
		MetricsAddr:    getenv("METRICS_ADDR", ""),
		LogLevel:       getenv("LOG_LEVEL", "info"),
		LogFormat:      getenv("LOG_FORMAT", "text"),
	}

	var err error
	if cfg.Server.Port, err = parsePort(getenv("TRACKER_SERVER_PORT", "4153"), "TRACKER_SERVER_PORT"); err != nil {
		return Config{}, err
	}
	if cfg.MaxReconnects, err = parseNonNegativeInt(getenv("TRACKER_RECONNECT_MAX_ATTEMPTS", "2"), "TRACKER_RECONNECT_MAX_ATTEMPTS"); err != nil {
		return Config{}, err
	}
	if cfg.HistoryCapacity, err = parseNonNegativeInt(getenv("TRACKER_HISTORY_CAPACITY", "20"), "TRACKER_HISTORY_CAPACITY"); err != nil {
		return Config{}, err
	}

	durations := []struct {
		dst *time.Duration
		key string
		def string
	}{
		{&cfg.ConnectTimeout, "TRACKER_CONNECT_TIMEOUT", "10s"},
		{&cfg.ReconnectBase, "TRACKER_RECONNECT_BASE", "1s"},
		{&cfg.TaskGrace, "TRACKER_TASK_GRACE", "5s"},
		{&cfg.JobGrace, "TRACKER_JOB_GRACE", "8s"},
		{&cfg.HTTPTimeout, "TRACKER_HTTP_TIMEOUT", "5s"},
		{&cfg.PollInterval, "TRACKER_POLL_INTERVAL", "3s"},
	}
	for _, d := range durations {
		if *d.dst, err = parsePositiveDuration(getenv(d.key, d.def), d.key); err != nil {
			return Config{}, err
		}
	}

	cfg.EnvServer = cfg.Server
	if cfg.SettingsFile != "" {
		settings, err := LoadSettings(cfg.SettingsFile)
		if err != nil {
			return Config{}, err
		}
		cfg.Server = settings.Apply(cfg.Server)
	}
	return cfg, nil
}

func parsePort(value, name string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v <= 0 || v > 65535 {
		return 0, fmt.Errorf("%s must be between 1 and 65535 (got %d)", name, v)
	}
	return v, nil
}

func parseNonNegativeInt(value, name string) (int, error) {
	v, err := strconv.Atoi(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if v < 0 {
		return 0, fmt.Errorf("%s must not be negative (got %d)", name, v)
	}
	return v, nil
}

func parsePositiveDuration(value, name string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be greater than zero (got %s)", name, d)
	}
	return d, nil
}

func getenv(k, d string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return d
}

// Package config resolves runtime settings by layering defaults, an
// optional .properties file, and finally environment variable overrides.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config carries every process-wide, init-time setting the system needs,
// plus the ambient HTTP/log settings every binary depends on.
type Config struct {
	// Grid
	GridW int
	GridH int

	// Dwell engine tunables
	TimeoutMs      int64
	RecentEventCap int
	TimelineCap    int
	TTLStateSec    int64
	SweepInterval  time.Duration
	DedupWindow    int

	// Transport
	KafkaBrokers   []string
	DetectionTopic string
	FeedbackTopic  string
	ConsumerGroup  string

	// Storage
	StoreDSN string

	// HTTP
	ListenAddress    string
	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	ShutdownTimeout  time.Duration
	RequestDeadline  time.Duration

	// Logging
	LogFilePath string
	LogLevel    string

	// Circuit breaker
	CBEnabled      bool
	CBMaxFailures  int
	CBResetSeconds float64
	CBTimeoutMs    int
	CBBackoffMs    int
}

const (
	defaultGridW          = 20
	defaultGridH          = 15
	defaultTimeoutMs      = 30_000
	defaultRecentEventCap = 100
	defaultTimelineCap    = 100
	defaultTTLStateSec    = 86_400
	defaultSweepInterval  = 5 * time.Second
	defaultDedupWindow    = 10_000
	defaultKafkaBrokers   = "kafka:9092"
	defaultDetectionTopic = "raw.detections"
	defaultFeedbackTopic  = "feedback.updates"
	defaultConsumerGroup  = "dwelltrack-engine"
	defaultStoreDSN       = "file:dwelltrack.db?_pragma=busy_timeout(5000)"
	defaultListenAddress  = ":8090"
	defaultReadTimeout    = 5 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultShutdown       = 5 * time.Second
	defaultRequestDeadline = 10 * time.Second
	defaultLogFile        = "logs/dwelltrack.log"
	defaultLogLevel       = "INFO"
)

// Load resolves configuration for a given binary (collector/engine/api),
// applying an optional properties file named by DWELLTRACK_PROPERTIES_PATH
// before environment variables are layered on top. envPrefix lets each
// binary pick its own listen address, consumer group and log file via its
// own env vars (<prefix>_LISTEN_ADDRESS, <prefix>_CONSUMER_GROUP,
// <prefix>_LOG_FILE) while sharing every other key.
func Load(envPrefix, defaultListen string) (Config, error) {
	cfg := Config{
		GridW:            defaultGridW,
		GridH:            defaultGridH,
		TimeoutMs:        defaultTimeoutMs,
		RecentEventCap:   defaultRecentEventCap,
		TimelineCap:      defaultTimelineCap,
		TTLStateSec:      defaultTTLStateSec,
		SweepInterval:    defaultSweepInterval,
		DedupWindow:      defaultDedupWindow,
		KafkaBrokers:     splitAndTrim(defaultKafkaBrokers),
		DetectionTopic:   defaultDetectionTopic,
		FeedbackTopic:    defaultFeedbackTopic,
		ConsumerGroup:    defaultConsumerGroup,
		StoreDSN:         defaultStoreDSN,
		ListenAddress:    defaultListen,
		HTTPReadTimeout:  defaultReadTimeout,
		HTTPWriteTimeout: defaultWriteTimeout,
		ShutdownTimeout:  defaultShutdown,
		RequestDeadline:  defaultRequestDeadline,
		LogFilePath:      defaultLogFile,
		LogLevel:         defaultLogLevel,
		CBMaxFailures:    5,
		CBResetSeconds:   30,
		CBTimeoutMs:      3000,
		CBBackoffMs:      200,
	}

	if propsPath := strings.TrimSpace(os.Getenv("DWELLTRACK_PROPERTIES_PATH")); propsPath != "" {
		if err := applyProperties(&cfg, propsPath); err != nil {
			return Config{}, fmt.Errorf("load properties: %w", err)
		}
	}

	cfg.GridW = envInt("DWELLTRACK_GRID_W", cfg.GridW)
	cfg.GridH = envInt("DWELLTRACK_GRID_H", cfg.GridH)
	cfg.TimeoutMs = envInt64("DWELLTRACK_TIMEOUT_MS", cfg.TimeoutMs)
	cfg.RecentEventCap = envInt("DWELLTRACK_RECENT_EVENT_CAP", cfg.RecentEventCap)
	cfg.TimelineCap = envInt("DWELLTRACK_TIMELINE_CAP", cfg.TimelineCap)
	cfg.TTLStateSec = envInt64("DWELLTRACK_TTL_STATE_SEC", cfg.TTLStateSec)
	cfg.SweepInterval = envDuration("DWELLTRACK_SWEEP_INTERVAL", cfg.SweepInterval)
	cfg.DedupWindow = envInt("DWELLTRACK_DEDUP_WINDOW", cfg.DedupWindow)

	if v := envStr("DWELLTRACK_KAFKA_BROKERS", ""); v != "" {
		cfg.KafkaBrokers = splitAndTrim(v)
	}
	cfg.DetectionTopic = envStr("DWELLTRACK_DETECTION_TOPIC", cfg.DetectionTopic)
	cfg.FeedbackTopic = envStr("DWELLTRACK_FEEDBACK_TOPIC", cfg.FeedbackTopic)
	cfg.ConsumerGroup = envStr(envPrefix+"_CONSUMER_GROUP", cfg.ConsumerGroup)

	cfg.StoreDSN = envStr("DWELLTRACK_STORE_DSN", cfg.StoreDSN)

	cfg.ListenAddress = envStr(envPrefix+"_LISTEN_ADDRESS", cfg.ListenAddress)
	cfg.HTTPReadTimeout = envDuration("DWELLTRACK_HTTP_READ_TIMEOUT", cfg.HTTPReadTimeout)
	cfg.HTTPWriteTimeout = envDuration("DWELLTRACK_HTTP_WRITE_TIMEOUT", cfg.HTTPWriteTimeout)
	cfg.ShutdownTimeout = envDuration("DWELLTRACK_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout)
	cfg.RequestDeadline = envDuration("DWELLTRACK_REQUEST_DEADLINE", cfg.RequestDeadline)

	cfg.LogFilePath = envStr(envPrefix+"_LOG_FILE", cfg.LogFilePath)
	cfg.LogLevel = envStr("DWELLTRACK_LOG_LEVEL", cfg.LogLevel)

	cfg.CBEnabled = envBool("CB_ENABLED", cfg.CBEnabled)
	cfg.CBMaxFailures = envInt("CB_MAX_FAILURES", cfg.CBMaxFailures)
	cfg.CBResetSeconds = envFloat("CB_RESET_SECONDS", cfg.CBResetSeconds)
	cfg.CBTimeoutMs = envInt("CB_TIMEOUT_MS", cfg.CBTimeoutMs)
	cfg.CBBackoffMs = envInt("CB_BACKOFF_MS", cfg.CBBackoffMs)

	if cfg.GridW <= 0 || cfg.GridH <= 0 {
		return Config{}, fmt.Errorf("grid dimensions must be positive, got %dx%d", cfg.GridW, cfg.GridH)
	}
	if len(cfg.KafkaBrokers) == 0 {
		return Config{}, fmt.Errorf("at least one kafka broker is required")
	}
	return cfg, nil
}

func applyProperties(cfg *Config, path string) error {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		kv := strings.SplitN(line, "=", 2)
		if len(kv) != 2 {
			continue
		}
		key := strings.ToLower(strings.TrimSpace(kv[0]))
		val := strings.TrimSpace(kv[1])
		switch key {
		case "grid.w":
			if n, err := strconv.Atoi(val); err == nil {
				cfg.GridW = n
			}
		case "grid.h":
			if n, err := strconv.Atoi(val); err == nil {
				cfg.GridH = n
			}
		case "timeout.ms":
			if n, err := strconv.ParseInt(val, 10, 64); err == nil {
				cfg.TimeoutMs = n
			}
		case "store.dsn":
			cfg.StoreDSN = val
		}
	}
	return scanner.Err()
}

func splitAndTrim(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envStr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func envInt(k string, def int) int {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envInt64(k string, def int64) int64 {
	if v := os.Getenv(k); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return def
}

func envFloat(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envBool(k string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(k)))
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

func envDuration(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

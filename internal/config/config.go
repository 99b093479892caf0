// Package config holds the tunables of the dashboard engine and loads them
// from KLT_* environment variables.
package config

import (
	"os"
	"strconv"
	"time"

	"fortio.org/log"
	"github.com/klt/dashboard/internal/lifecycle"
	"github.com/klt/dashboard/internal/poller"
	"github.com/klt/dashboard/internal/retry"
	"github.com/pkg/errors"
)

type Config struct {
	ListenAddr string
	LogLevel   string

	StoreDriver string
	StoreDSN    string

	// ReporterToken is sent as a bearer token to metrics endpoints when set.
	ReporterToken string
	UseMock       bool
	MockVUs       int

	PollInterval     time.Duration
	MaxPollFailures  int
	PollTimeoutBase  time.Duration
	PollTimeoutStep  time.Duration
	LivenessInterval time.Duration
	SweepInterval    time.Duration
	ProbeMaxRetries  int
	ProbeTimeoutBase time.Duration
	ProbeTimeoutStep time.Duration
	ProbeBackoffBase time.Duration
	ProbeBackoffMax  time.Duration
	HistoryLimit     int
	ShutdownTimeout  time.Duration
}

func Default() Config {
	return Config{
		ListenAddr:       ":8080",
		LogLevel:         "info",
		StoreDriver:      "memory",
		MockVUs:          5,
		PollInterval:     1 * time.Second,
		MaxPollFailures:  3,
		PollTimeoutBase:  3 * time.Second,
		PollTimeoutStep:  1 * time.Second,
		LivenessInterval: 10 * time.Second,
		SweepInterval:    15 * time.Second,
		ProbeMaxRetries:  2,
		ProbeTimeoutBase: 2 * time.Second,
		ProbeTimeoutStep: 1 * time.Second,
		ProbeBackoffBase: 500 * time.Millisecond,
		ProbeBackoffMax:  2 * time.Second,
		ShutdownTimeout:  15 * time.Second,
	}
}

// FromEnv starts from Default and applies any KLT_* overrides. Unparsable
// values are logged and ignored.
func FromEnv() Config {
	c := Default()
	c.ListenAddr = getEnvOrDefault("KLT_LISTEN_ADDR", c.ListenAddr)
	c.LogLevel = getEnvOrDefault("LOG_LEVEL", c.LogLevel)
	c.StoreDriver = getEnvOrDefault("KLT_STORE_DRIVER", c.StoreDriver)
	c.StoreDSN = getEnvOrDefault("KLT_STORE_DSN", c.StoreDSN)
	c.ReporterToken = os.Getenv("KLT_REPORTER_TOKEN")
	c.UseMock = os.Getenv("USE_MOCK") == "true"
	c.MockVUs = getIntOrDefault("KLT_MOCK_VUS", c.MockVUs)

	c.PollInterval = getDurationOrDefault("KLT_POLL_INTERVAL", c.PollInterval)
	c.MaxPollFailures = getIntOrDefault("KLT_MAX_POLL_FAILURES", c.MaxPollFailures)
	c.PollTimeoutBase = getDurationOrDefault("KLT_POLL_TIMEOUT", c.PollTimeoutBase)
	c.PollTimeoutStep = getDurationOrDefault("KLT_POLL_TIMEOUT_STEP", c.PollTimeoutStep)
	c.LivenessInterval = getDurationOrDefault("KLT_LIVENESS_INTERVAL", c.LivenessInterval)
	c.SweepInterval = getDurationOrDefault("KLT_SWEEP_INTERVAL", c.SweepInterval)
	c.ProbeMaxRetries = getIntOrDefault("KLT_PROBE_RETRIES", c.ProbeMaxRetries)
	c.ProbeTimeoutBase = getDurationOrDefault("KLT_PROBE_TIMEOUT", c.ProbeTimeoutBase)
	c.ProbeTimeoutStep = getDurationOrDefault("KLT_PROBE_TIMEOUT_STEP", c.ProbeTimeoutStep)
	c.ProbeBackoffBase = getDurationOrDefault("KLT_PROBE_BACKOFF", c.ProbeBackoffBase)
	c.ProbeBackoffMax = getDurationOrDefault("KLT_PROBE_BACKOFF_MAX", c.ProbeBackoffMax)
	c.HistoryLimit = getIntOrDefault("KLT_HISTORY_LIMIT", c.HistoryLimit)
	return c
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getIntOrDefault(key string, defaultVal int) int {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		log.Warnf("Ignoring %s=%q: %v", key, val, err)
		return defaultVal
	}
	return n
}

func getDurationOrDefault(key string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		log.Warnf("Ignoring %s=%q: %v", key, val, err)
		return defaultVal
	}
	return d
}

func (c Config) Validate() error {
	for name, d := range map[string]time.Duration{
		"poll interval":     c.PollInterval,
		"poll timeout":      c.PollTimeoutBase,
		"liveness interval": c.LivenessInterval,
		"sweep interval":    c.SweepInterval,
		"probe timeout":     c.ProbeTimeoutBase,
		"probe backoff":     c.ProbeBackoffBase,
		"shutdown timeout":  c.ShutdownTimeout,
	} {
		if d <= 0 {
			return errors.Errorf("%s must be positive, got %v", name, d)
		}
	}
	if c.PollTimeoutStep < 0 || c.ProbeTimeoutStep < 0 {
		return errors.New("timeout steps must not be negative")
	}
	if c.MaxPollFailures < 1 {
		return errors.Errorf("max poll failures must be at least 1, got %d", c.MaxPollFailures)
	}
	if c.ProbeMaxRetries < 0 {
		return errors.Errorf("probe retries must not be negative, got %d", c.ProbeMaxRetries)
	}
	if c.HistoryLimit < 0 {
		return errors.Errorf("history limit must not be negative, got %d", c.HistoryLimit)
	}
	if c.UseMock && c.MockVUs < 1 {
		return errors.Errorf("mock VUs must be at least 1, got %d", c.MockVUs)
	}
	return nil
}

// ProbePolicy is the retry policy of the health prober.
func (c Config) ProbePolicy() retry.Policy {
	return retry.Policy{
		MaxRetries:  c.ProbeMaxRetries,
		TimeoutBase: c.ProbeTimeoutBase,
		TimeoutStep: c.ProbeTimeoutStep,
		BackoffBase: c.ProbeBackoffBase,
		BackoffMax:  c.ProbeBackoffMax,
	}
}

// PollConfig stages the fetch timeout by consecutive failures with the same
// policy type the prober uses.
func (c Config) PollConfig() poller.Config {
	return poller.Config{
		Interval:    c.PollInterval,
		MaxFailures: c.MaxPollFailures,
		Timeouts: retry.Policy{
			MaxRetries:  c.MaxPollFailures - 1,
			TimeoutBase: c.PollTimeoutBase,
			TimeoutStep: c.PollTimeoutStep,
		},
	}
}

func (c Config) Lifecycle() lifecycle.Config {
	return lifecycle.Config{
		Poll:             c.PollConfig(),
		LivenessInterval: c.LivenessInterval,
		HistoryLimit:     c.HistoryLimit,
	}
}

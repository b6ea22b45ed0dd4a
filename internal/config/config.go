// Package config resolves the feed client's settings from a YAML file,
// NOTIFY_* environment variables and command-line flags, in increasing order
// of precedence.
package config

import (
	"bytes"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/DavidGamba/go-getoptions"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

type Config struct {
	BaseURL        string        `yaml:"base_url"`
	StreamURL      string        `yaml:"stream_url"`
	Token          string        `yaml:"token"`
	SessionFile    string        `yaml:"session_file"`
	Location       string        `yaml:"location"`
	Interval       time.Duration `yaml:"interval"`
	IntervalJitter float64       `yaml:"interval_jitter"`
	Timeout        time.Duration `yaml:"timeout"`
	Freshness      time.Duration `yaml:"freshness"`
	MetricsAddr    string        `yaml:"metrics_addr"`
	Desktop        bool          `yaml:"desktop"`
	Permission     string        `yaml:"desktop_permission"`
	LogLevel       string        `yaml:"log_level"`
}

func Default() Config {
	return Config{
		BaseURL:        "http://127.0.0.1:8080",
		Location:       "/",
		Interval:       30 * time.Second,
		IntervalJitter: 0.2,
		Timeout:        15 * time.Second,
		Freshness:      30 * time.Second,
		LogLevel:       "info",
	}
}

// LoadFile overlays the YAML file at path onto cfg. An empty path is a no-op.
func LoadFile(cfg *Config, path string) error {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrapf(err, "read config %s", path)
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && err != io.EOF {
		return errors.Wrapf(err, "decode config %s", path)
	}
	return nil
}

// ApplyEnv overlays NOTIFY_* variables onto cfg. Unparseable values are logged
// and ignored.
func ApplyEnv(cfg *Config, logger logrus.FieldLogger) {
	cfg.BaseURL = envOrDefault("NOTIFY_BASE_URL", cfg.BaseURL)
	cfg.StreamURL = envOrDefault("NOTIFY_STREAM_URL", cfg.StreamURL)
	cfg.Token = envOrDefault("NOTIFY_TOKEN", cfg.Token)
	cfg.SessionFile = envOrDefault("NOTIFY_SESSION_FILE", cfg.SessionFile)
	cfg.Location = envOrDefault("NOTIFY_LOCATION", cfg.Location)
	cfg.Interval = durationEnv(logger, "NOTIFY_INTERVAL", cfg.Interval)
	cfg.IntervalJitter = floatEnv(logger, "NOTIFY_INTERVAL_JITTER", cfg.IntervalJitter)
	cfg.Timeout = durationEnv(logger, "NOTIFY_TIMEOUT", cfg.Timeout)
	cfg.Freshness = durationEnv(logger, "NOTIFY_FRESHNESS", cfg.Freshness)
	cfg.MetricsAddr = envOrDefault("NOTIFY_METRICS_ADDR", cfg.MetricsAddr)
	cfg.Desktop = boolEnv(logger, "NOTIFY_DESKTOP", cfg.Desktop)
	cfg.Permission = envOrDefault("NOTIFY_DESKTOP_PERMISSION", cfg.Permission)
	cfg.LogLevel = envOrDefault("NOTIFY_LOG_LEVEL", cfg.LogLevel)
}

// ErrHelp is returned by Parse when --help was requested.
var ErrHelp = errors.New("help requested")

// Parse resolves the configuration for args. On ErrHelp or a usage error the
// returned string holds the help text.
func Parse(args []string, logger logrus.FieldLogger) (Config, string, error) {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	var (
		configPath, baseURL, streamURL, token, sessionFile, location string
		interval, jitter, timeout, freshness, metricsAddr         string
		permission, logLevel                                      string
		desktop                                                   bool
	)
	opt := getoptions.New()
	opt.Bool("help", false, opt.Alias("h", "?"))
	opt.StringVar(&configPath, "config", os.Getenv("NOTIFY_CONFIG"), opt.Alias("c"),
		opt.Description("path to a YAML configuration file"))
	opt.StringVar(&baseURL, "base-url", "", opt.Description("notifications API base URL"))
	opt.StringVar(&streamURL, "stream-url", "", opt.Description("push stream websocket URL"))
	opt.StringVar(&token, "token", "", opt.Description("bearer token"))
	opt.StringVar(&sessionFile, "session-file", "", opt.Description("session file to watch for identity changes"))
	opt.StringVar(&location, "location", "", opt.Description("initial client location"))
	opt.StringVar(&interval, "interval", "", opt.Description("refresh interval"))
	opt.StringVar(&jitter, "interval-jitter", "", opt.Description("refresh interval jitter ratio (0.0-1.0)"))
	opt.StringVar(&timeout, "timeout", "", opt.Description("per-request timeout"))
	opt.StringVar(&freshness, "freshness", "", opt.Description("baseline freshness window"))
	opt.StringVar(&metricsAddr, "metrics-addr", "", opt.Description("address to serve /metrics on"))
	opt.BoolVar(&desktop, "desktop", false, opt.Description("mirror notifications to the terminal"))
	opt.StringVar(&permission, "desktop-permission", "", opt.Description("remembered desktop permission"))
	opt.StringVar(&logLevel, "log-level", "", opt.Description("log level"))

	if _, err := opt.Parse(args); err != nil {
		return Config{}, opt.Help(getoptions.HelpSynopsis), err
	}
	if opt.Called("help") {
		return Config{}, opt.Help(), ErrHelp
	}

	cfg := Default()
	if err := LoadFile(&cfg, configPath); err != nil {
		return Config{}, "", err
	}
	ApplyEnv(&cfg, logger)

	setString := func(name string, dst *string, value string) {
		if opt.Called(name) {
			*dst = strings.TrimSpace(value)
		}
	}
	setString("base-url", &cfg.BaseURL, baseURL)
	setString("stream-url", &cfg.StreamURL, streamURL)
	setString("token", &cfg.Token, token)
	setString("session-file", &cfg.SessionFile, sessionFile)
	setString("location", &cfg.Location, location)
	setString("metrics-addr", &cfg.MetricsAddr, metricsAddr)
	setString("desktop-permission", &cfg.Permission, permission)
	setString("log-level", &cfg.LogLevel, logLevel)
	if opt.Called("desktop") {
		cfg.Desktop = desktop
	}
	for _, d := range []struct {
		name  string
		dst   *time.Duration
		value string
	}{
		{"interval", &cfg.Interval, interval},
		{"timeout", &cfg.Timeout, timeout},
		{"freshness", &cfg.Freshness, freshness},
	} {
		if !opt.Called(d.name) {
			continue
		}
		value, err := time.ParseDuration(strings.TrimSpace(d.value))
		if err != nil {
			return Config{}, "", errors.Wrapf(err, "invalid --%s", d.name)
		}
		*d.dst = value
	}
	if opt.Called("interval-jitter") {
		value, err := strconv.ParseFloat(strings.TrimSpace(jitter), 64)
		if err != nil {
			return Config{}, "", errors.Wrap(err, "invalid --interval-jitter")
		}
		cfg.IntervalJitter = value
	}

	if err := cfg.Normalize(); err != nil {
		return Config{}, "", err
	}
	return cfg, "", nil
}

// Normalize fills zero values, clamps the jitter ratio and derives the stream
// URL from the base URL when unset.
func (c *Config) Normalize() error {
	defaults := Default()
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = defaults.BaseURL
	}
	if !strings.HasPrefix(c.BaseURL, "http://") && !strings.HasPrefix(c.BaseURL, "https://") {
		return errors.Errorf("base url must be http or https: %q", c.BaseURL)
	}
	if strings.TrimSpace(c.StreamURL) == "" {
		c.StreamURL = "ws" + strings.TrimPrefix(c.BaseURL, "http") + "/ws/notifications"
	}
	if c.Interval <= 0 {
		c.Interval = defaults.Interval
	}
	if c.Timeout <= 0 {
		c.Timeout = defaults.Timeout
	}
	if c.Freshness <= 0 {
		c.Freshness = defaults.Freshness
	}
	if strings.TrimSpace(c.Location) == "" {
		c.Location = "/"
	}
	c.IntervalJitter = ClampJitterRatio(c.IntervalJitter)
	if _, err := logrus.ParseLevel(c.LogLevel); err != nil {
		return errors.Wrap(err, "invalid log level")
	}
	if c.Token == "" && c.SessionFile == "" {
		return errors.New("token or session file is required (--token, --session-file or NOTIFY_TOKEN)")
	}
	return nil
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(logger logrus.FieldLogger, name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logger.Warnf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(logger logrus.FieldLogger, name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logger.Warnf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}

func boolEnv(logger logrus.FieldLogger, name string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseBool(raw)
	if err != nil {
		logger.Warnf("invalid %s=%q, using fallback %t", name, raw, fallback)
		return fallback
	}
	return value
}

func ClampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

// JitteredInterval spreads base by ±jitterRatio according to sample in [0,1].
func JitteredInterval(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = ClampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}

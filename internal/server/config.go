// Package server provides configuration helpers that define runtime defaults,
// validation, and connection parameters for the relay service.
package server

import (
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/Tyrowin/wsrelay/internal/transport"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/spf13/viper"
	"github.com/ulule/limiter"
)

// EnvPrefix is prepended to every configuration key when read from the
// environment, e.g. RELAY_PORT.
const EnvPrefix = "RELAY"

// Config holds the server configuration settings.
type Config struct {
	Host           string
	Port           int
	AllowedOrigins []string
	MaxMessageSize int64
	SendQueueSize  int
	WriteTimeout   time.Duration
	PongWait       time.Duration
	PingPeriod     time.Duration
	// AdmissionRate limits WebSocket upgrades per client IP, in the
	// "<limit>-<period>" form understood by ulule/limiter (e.g. "600-M").
	AdmissionRate   string
	ShutdownTimeout time.Duration
	LogLevel        string
	LogFormat       string
	MetricsEnabled  bool
}

func defaultConfig() Config {
	return Config{
		Host:            "localhost",
		Port:            8080,
		AllowedOrigins:  []string{"*"},
		MaxMessageSize:  0,
		SendQueueSize:   256,
		WriteTimeout:    10 * time.Second,
		PongWait:        60 * time.Second,
		PingPeriod:      54 * time.Second,
		AdmissionRate:   "600-M",
		ShutdownTimeout: 5 * time.Second,
		LogLevel:        "info",
		LogFormat:       "console",
		MetricsEnabled:  true,
	}
}

// NewConfig creates a Config instance populated with default values for all settings.
func NewConfig() *Config {
	cfg := defaultConfig()
	return &cfg
}

// Addr returns the host:port the listener binds to.
func (c *Config) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// TransportOptions returns the per-connection options derived from c.
func (c *Config) TransportOptions() transport.Options {
	return transport.Options{
		SendQueueSize:  c.SendQueueSize,
		WriteTimeout:   c.WriteTimeout,
		PongWait:       c.PongWait,
		PingPeriod:     c.PingPeriod,
		MaxMessageSize: c.MaxMessageSize,
	}
}

// Sanitize replaces invalid values with defaults and normalizes origins.
func (c *Config) Sanitize() {
	def := defaultConfig()

	if c.Port <= 0 || c.Port > 65535 {
		c.Port = def.Port
	}
	if c.MaxMessageSize < 0 {
		c.MaxMessageSize = 0
	}
	if c.SendQueueSize <= 0 {
		c.SendQueueSize = def.SendQueueSize
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = def.WriteTimeout
	}
	if c.PongWait <= 0 {
		c.PongWait = def.PongWait
	}
	if c.PingPeriod <= 0 || c.PingPeriod >= c.PongWait {
		c.PingPeriod = c.PongWait * 9 / 10
	}
	if _, err := limiter.NewRateFromFormatted(c.AdmissionRate); err != nil {
		c.AdmissionRate = def.AdmissionRate
	}
	if c.ShutdownTimeout <= 0 {
		c.ShutdownTimeout = def.ShutdownTimeout
	}
	if c.LogFormat == "" {
		c.LogFormat = def.LogFormat
	}
	if c.LogLevel == "" {
		c.LogLevel = def.LogLevel
	}
	c.AllowedOrigins = parseOrigins(strings.Join(c.AllowedOrigins, ","))
	if len(c.AllowedOrigins) == 0 {
		c.AllowedOrigins = def.AllowedOrigins
	}
}

// LoadConfig reads configuration from, in increasing precedence: defaults,
// the optional config file named by RELAY_CONFIG, and RELAY_* environment
// variables. envFile, when it exists, is loaded into the environment first.
func LoadConfig(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "failed to load %s", envFile)
		}
	}

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	setDefaults(v)

	if file := v.GetString("config"); file != "" {
		v.SetConfigFile(file)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "failed to read config file %s", file)
		}
	}

	return configFromViper(v), nil
}

func setDefaults(v *viper.Viper) {
	def := defaultConfig()
	v.SetDefault("config", "")
	v.SetDefault("host", def.Host)
	v.SetDefault("port", def.Port)
	v.SetDefault("allowed_origins", strings.Join(def.AllowedOrigins, ","))
	v.SetDefault("max_message_size", def.MaxMessageSize)
	v.SetDefault("send_queue_size", def.SendQueueSize)
	v.SetDefault("write_timeout", def.WriteTimeout)
	v.SetDefault("pong_wait", def.PongWait)
	v.SetDefault("ping_period", 0)
	v.SetDefault("admission_rate", def.AdmissionRate)
	v.SetDefault("shutdown_timeout", def.ShutdownTimeout)
	v.SetDefault("log_level", def.LogLevel)
	v.SetDefault("log_format", def.LogFormat)
	v.SetDefault("metrics_enabled", def.MetricsEnabled)
}

func configFromViper(v *viper.Viper) *Config {
	cfg := &Config{
		Host:            v.GetString("host"),
		Port:            v.GetInt("port"),
		AllowedOrigins:  v.GetStringSlice("allowed_origins"),
		MaxMessageSize:  v.GetInt64("max_message_size"),
		SendQueueSize:   v.GetInt("send_queue_size"),
		WriteTimeout:    v.GetDuration("write_timeout"),
		PongWait:        v.GetDuration("pong_wait"),
		PingPeriod:      v.GetDuration("ping_period"),
		AdmissionRate:   v.GetString("admission_rate"),
		ShutdownTimeout: v.GetDuration("shutdown_timeout"),
		LogLevel:        v.GetString("log_level"),
		LogFormat:       v.GetString("log_format"),
		MetricsEnabled:  v.GetBool("metrics_enabled"),
	}
	cfg.Sanitize()
	return cfg
}

func parseOrigins(origins string) []string {
	parts := strings.Split(origins, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

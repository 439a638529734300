package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// AgentConfig holds the capture-host agent configuration.
type AgentConfig struct {
	AgentID         string        `json:"agent_id"`
	NATSURL         string        `json:"nats_url"`
	Subject         string        `json:"subject"`
	ConfigFile      string        `json:"config_file"`
	ConntrackPath   string        `json:"conntrack_path"`
	PollInterval    time.Duration `json:"poll_interval"`
	QueueSize       int           `json:"queue_size"`
	LogLevel        string        `json:"log_level"`
	ScanWindow      time.Duration `json:"scan_window"`
	ScanThreshold   int           `json:"scan_threshold"`
	ScanCooldown    time.Duration `json:"scan_cooldown"`
	AttrCacheSize   int           `json:"attr_cache_size"`
	GeoCacheSize    int           `json:"geo_cache_size"`
	GeoRatePerSec   float64       `json:"geo_rate_per_sec"`
	MetricsAddr     string        `json:"metrics_addr"`
}

// ServerConfig holds the central service configuration.
type ServerConfig struct {
	NATSURL     string `json:"nats_url"`
	Subject     string `json:"subject"`
	Queue       string `json:"queue"`
	HTTPAddr    string `json:"http_addr"`
	DatabaseURL string `json:"database_url"`
	ConfigFile  string `json:"config_file"`
	LogLevel    string `json:"log_level"`
}

// LoadAgent loads the agent configuration from environment variables.
func LoadAgent() (*AgentConfig, error) {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "localhost"
	}

	cfg := &AgentConfig{
		AgentID:       getEnv("TRAFFIX_AGENT_ID", hostname),
		NATSURL:       getEnv("TRAFFIX_NATS_URL", "nats://localhost:4222"),
		Subject:       getEnv("TRAFFIX_SUBJECT", "traffix.flows"),
		ConfigFile:    getEnv("TRAFFIX_CONFIG_FILE", "config.yaml"),
		ConntrackPath: getEnv("TRAFFIX_CONNTRACK_PATH", "/proc/net/nf_conntrack"),
		PollInterval:  getDurationEnv("TRAFFIX_POLL_INTERVAL_SEC", 2*time.Second),
		QueueSize:     getIntEnv("TRAFFIX_QUEUE_SIZE", 1000),
		LogLevel:      getEnv("TRAFFIX_LOG_LEVEL", "info"),
		ScanWindow:    getDurationEnv("TRAFFIX_SCAN_WINDOW_SEC", 60*time.Second),
		ScanThreshold: getIntEnv("TRAFFIX_SCAN_THRESHOLD", 15),
		ScanCooldown:  getDurationEnv("TRAFFIX_SCAN_COOLDOWN_SEC", 60*time.Second),
		AttrCacheSize: getIntEnv("TRAFFIX_ATTR_CACHE_SIZE", 4096),
		GeoCacheSize:  getIntEnv("TRAFFIX_GEO_CACHE_SIZE", 4096),
		GeoRatePerSec: getFloat64Env("TRAFFIX_GEO_RATE_PER_SEC", 0.66),
		MetricsAddr:   getEnv("TRAFFIX_AGENT_METRICS_ADDR", ":9109"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("agent configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate validates the agent configuration.
func (c *AgentConfig) Validate() error {
	if c.AgentID == "" {
		return fmt.Errorf("agent id must not be empty")
	}
	if c.ScanThreshold < 2 {
		return fmt.Errorf("scan threshold must be at least 2, got %d", c.ScanThreshold)
	}
	if c.ScanWindow <= 0 {
		return fmt.Errorf("scan window must be positive, got %s", c.ScanWindow)
	}
	if c.ScanCooldown < 0 {
		return fmt.Errorf("scan cooldown must not be negative, got %s", c.ScanCooldown)
	}
	if c.QueueSize < 1 {
		return fmt.Errorf("queue size must be positive, got %d", c.QueueSize)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive, got %s", c.PollInterval)
	}
	return nil
}

// LoadServer loads the service configuration from environment variables.
func LoadServer() (*ServerConfig, error) {
	cfg := &ServerConfig{
		NATSURL:     getEnv("TRAFFIX_NATS_URL", "nats://localhost:4222"),
		Subject:     getEnv("TRAFFIX_SUBJECT", "traffix.flows"),
		Queue:       getEnv("TRAFFIX_SUB_QUEUE", "traffixd"),
		HTTPAddr:    getEnv("TRAFFIX_HTTP_ADDR", ":8000"),
		DatabaseURL: getEnv("TRAFFIX_DATABASE_URL", ""),
		ConfigFile:  getEnv("TRAFFIX_CONFIG_FILE", "config.yaml"),
		LogLevel:    getEnv("TRAFFIX_LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("server configuration validation failed: %w", err)
	}
	return cfg, nil
}

// Validate validates the service configuration.
func (c *ServerConfig) Validate() error {
	if c.DatabaseURL == "" {
		return fmt.Errorf("TRAFFIX_DATABASE_URL must be set")
	}
	if c.HTTPAddr == "" {
		return fmt.Errorf("http address must not be empty")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getIntEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getFloat64Env(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getDurationEnv(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}

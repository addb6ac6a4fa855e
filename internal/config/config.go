// Package config loads testbed settings from the environment and an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mitchellh/go-homedir"

	"github.com/utmtestbed/utmnet/internal/historic"
	"github.com/utmtestbed/utmnet/internal/kvstore"
)

// DefaultEnvFile is read when no env file is named. It may be missing.
const DefaultEnvFile = ".env"

type Config struct {
	// Node
	Tag       string `env:"UTM_TAG"`
	Interface string `env:"UTM_INTERFACE"`

	// Transports
	UASPort        int           `env:"UTM_UAS_PORT" default:"44444"`
	UTMPort        int           `env:"UTM_UTM_PORT" default:"55555"`
	BroadcastAddr  string        `env:"UTM_BROADCAST_ADDR" default:"12.0.0.255"`
	SendTimeout    time.Duration `env:"UTM_SEND_TIMEOUT" default:"4s"`
	MaxConnections int           `env:"UTM_MAX_CONNECTIONS" default:"0"`

	// Emulation session
	BeaconInterval  time.Duration `env:"UTM_BEACON_INTERVAL" default:"10s"`
	SessionDuration time.Duration `env:"UTM_SESSION_DURATION" default:"120s"`
	StartupDelay    time.Duration `env:"UTM_STARTUP_DELAY" default:"0s"`

	// Reports
	ReportDir       string `env:"UTM_REPORT_DIR" default:"~/utm/reports"`
	HistoricBackend string `env:"UTM_HISTORIC_BACKEND" default:"csv"`

	// Key-value store
	KVBackend     string   `env:"UTM_KV_BACKEND" default:"memory"`
	EtcdEndpoints []string `env:"UTM_ETCD_ENDPOINTS" default:"127.0.0.1:2379"`
	RedisURL      string   `env:"UTM_REDIS_URL" default:"redis://127.0.0.1:6379/0"`
	KVPrefix      string   `env:"UTM_KV_PREFIX" default:"uas"`

	// GPS
	GPSSocketDir string `env:"UTM_GPS_SOCKET_DIR" default:"/tmp"`

	// Link emulation
	LinkLoss    float64 `env:"UTM_LINK_LOSS" default:"0"`
	CapturePath string  `env:"UTM_CAPTURE_PATH"`

	// Logging
	LogLevel  string `env:"UTM_LOG_LEVEL" default:"info"`
	LogFormat string `env:"UTM_LOG_FORMAT" default:"text"`
}

// LoadEnvFile copies the variables of an env file into the process
// environment without overriding variables already set. An empty path
// reads DefaultEnvFile if it exists.
func LoadEnvFile(path string) error {
	if path == "" {
		err := godotenv.Load(DefaultEnvFile)
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("load %s: %w", DefaultEnvFile, err)
		}
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// Load reads the configuration from environment variables, expands home
// relative paths and validates the result.
func Load() (*Config, error) {
	config := &Config{}

	// Node
	if err := loadEnvString(&config.Tag, "UTM_TAG", ""); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.Interface, "UTM_INTERFACE", ""); err != nil {
		return nil, err
	}

	// Transports
	if err := loadEnvInt(&config.UASPort, "UTM_UAS_PORT", 44444); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.UTMPort, "UTM_UTM_PORT", 55555); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.BroadcastAddr, "UTM_BROADCAST_ADDR", "12.0.0.255"); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.SendTimeout, "UTM_SEND_TIMEOUT", 4*time.Second); err != nil {
		return nil, err
	}
	if err := loadEnvInt(&config.MaxConnections, "UTM_MAX_CONNECTIONS", 0); err != nil {
		return nil, err
	}

	// Emulation session
	if err := loadEnvDuration(&config.BeaconInterval, "UTM_BEACON_INTERVAL", 10*time.Second); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.SessionDuration, "UTM_SESSION_DURATION", 120*time.Second); err != nil {
		return nil, err
	}
	if err := loadEnvDuration(&config.StartupDelay, "UTM_STARTUP_DELAY", 0); err != nil {
		return nil, err
	}

	// Reports
	if err := loadEnvString(&config.ReportDir, "UTM_REPORT_DIR", "~/utm/reports"); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.HistoricBackend, "UTM_HISTORIC_BACKEND", historic.BackendCSV); err != nil {
		return nil, err
	}

	// Key-value store
	if err := loadEnvString(&config.KVBackend, "UTM_KV_BACKEND", kvstore.BackendMemory); err != nil {
		return nil, err
	}
	if err := loadEnvStringSlice(&config.EtcdEndpoints, "UTM_ETCD_ENDPOINTS", []string{"127.0.0.1:2379"}); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.RedisURL, "UTM_REDIS_URL", "redis://127.0.0.1:6379/0"); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.KVPrefix, "UTM_KV_PREFIX", "uas"); err != nil {
		return nil, err
	}

	// GPS
	if err := loadEnvString(&config.GPSSocketDir, "UTM_GPS_SOCKET_DIR", "/tmp"); err != nil {
		return nil, err
	}

	// Link emulation
	if err := loadEnvFloat(&config.LinkLoss, "UTM_LINK_LOSS", 0); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.CapturePath, "UTM_CAPTURE_PATH", ""); err != nil {
		return nil, err
	}

	// Logging
	if err := loadEnvString(&config.LogLevel, "UTM_LOG_LEVEL", "info"); err != nil {
		return nil, err
	}
	if err := loadEnvString(&config.LogFormat, "UTM_LOG_FORMAT", "text"); err != nil {
		return nil, err
	}

	if err := config.Expand(); err != nil {
		return nil, err
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

// Expand resolves a leading ~ in path settings.
func (c *Config) Expand() error {
	for _, p := range []*string{&c.ReportDir, &c.GPSSocketDir, &c.CapturePath} {
		expanded, err := homedir.Expand(*p)
		if err != nil {
			return fmt.Errorf("expand %q: %w", *p, err)
		}
		*p = expanded
	}
	return nil
}

func loadEnvString(target *string, key, defaultValue string) error {
	if value := os.Getenv(key); value != "" {
		*target = value
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvInt(target *int, key string, defaultValue int) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("invalid integer value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvFloat(target *float64, key string, defaultValue float64) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := strconv.ParseFloat(value, 64)
		if err != nil {
			return fmt.Errorf("invalid float value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvDuration(target *time.Duration, key string, defaultValue time.Duration) error {
	if value := os.Getenv(key); value != "" {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration value for %s: %v", key, err)
		}
		*target = parsed
	} else {
		*target = defaultValue
	}
	return nil
}

func loadEnvStringSlice(target *[]string, key string, defaultValue []string) error {
	if value := os.Getenv(key); value != "" {
		*target = strings.Split(value, ",")
		for i, v := range *target {
			(*target)[i] = strings.TrimSpace(v)
		}
	} else {
		*target = defaultValue
	}
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []string

	if c.UASPort < 1 || c.UASPort > 65535 {
		errs = append(errs, "UTM_UAS_PORT must be between 1 and 65535")
	}
	if c.UTMPort < 1 || c.UTMPort > 65535 {
		errs = append(errs, "UTM_UTM_PORT must be between 1 and 65535")
	}
	if c.BroadcastAddr == "" {
		errs = append(errs, "UTM_BROADCAST_ADDR must not be empty")
	}
	if c.SendTimeout <= 0 {
		errs = append(errs, "UTM_SEND_TIMEOUT must be positive")
	}
	if c.MaxConnections < 0 {
		errs = append(errs, "UTM_MAX_CONNECTIONS must not be negative")
	}
	if c.BeaconInterval <= 0 {
		errs = append(errs, "UTM_BEACON_INTERVAL must be positive")
	}
	if c.SessionDuration < 0 || c.StartupDelay < 0 {
		errs = append(errs, "UTM_SESSION_DURATION and UTM_STARTUP_DELAY must not be negative")
	}

	validHistoric := []string{historic.BackendCSV, historic.BackendSQLite}
	if !slices.Contains(validHistoric, c.HistoricBackend) {
		errs = append(errs, fmt.Sprintf("UTM_HISTORIC_BACKEND must be one of: %s", strings.Join(validHistoric, ", ")))
	}

	validKV := []string{kvstore.BackendMemory, kvstore.BackendEtcd, kvstore.BackendRedis}
	if !slices.Contains(validKV, c.KVBackend) {
		errs = append(errs, fmt.Sprintf("UTM_KV_BACKEND must be one of: %s", strings.Join(validKV, ", ")))
	}
	if c.KVBackend == kvstore.BackendEtcd && len(c.EtcdEndpoints) == 0 {
		errs = append(errs, "UTM_ETCD_ENDPOINTS is required by the etcd backend")
	}
	if c.KVBackend == kvstore.BackendRedis && c.RedisURL == "" {
		errs = append(errs, "UTM_REDIS_URL is required by the redis backend")
	}

	if c.LinkLoss < 0 || c.LinkLoss > 1 {
		errs = append(errs, "UTM_LINK_LOSS must be between 0 and 1")
	}

	validLogLevels := []string{"debug", "info", "warn", "error"}
	if !slices.Contains(validLogLevels, c.LogLevel) {
		errs = append(errs, fmt.Sprintf("UTM_LOG_LEVEL must be one of: %s", strings.Join(validLogLevels, ", ")))
	}
	validLogFormats := []string{"text", "json"}
	if !slices.Contains(validLogFormats, c.LogFormat) {
		errs = append(errs, fmt.Sprintf("UTM_LOG_FORMAT must be one of: %s", strings.Join(validLogFormats, ", ")))
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed: %s", strings.Join(errs, "; "))
	}
	return nil
}

// UASAddr is the beacon socket address.
func (c *Config) UASAddr() string {
	return net.JoinHostPort(c.Interface, strconv.Itoa(c.UASPort))
}

// UTMAddr is the control channel address.
func (c *Config) UTMAddr() string {
	return net.JoinHostPort(c.Interface, strconv.Itoa(c.UTMPort))
}

// KVStore returns the store settings.
func (c *Config) KVStore() kvstore.Config {
	return kvstore.Config{
		Backend:       c.KVBackend,
		EtcdEndpoints: c.EtcdEndpoints,
		RedisURL:      c.RedisURL,
	}
}

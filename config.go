package storemaster

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"
)

const (
	DefaultLeaseTTL      = 10 * time.Second
	DefaultRenewInterval = 3 * time.Second
	DefaultRetryInterval = 2 * time.Second
	DefaultReconnectWait = 2 * time.Second
	DefaultMaxReconnects = -1 // Unlimited
	DefaultElectionKey   = "master"
)

// Config configures a master candidate process.
type Config struct {
	// ClusterID names the storage cluster this process belongs to. All
	// candidates of one cluster share a coordination bucket.
	ClusterID string

	// Host and Port form this candidate's advertised address; the winner
	// publishes it as the election node payload.
	Host string
	Port int

	NATSURLs        []string
	NATSCredentials string

	// ElectionKey is the well-known key of the election node within the
	// cluster's coordination bucket.
	ElectionKey string

	// Timing configuration
	LeaseTTL      time.Duration
	RenewInterval time.Duration
	RetryInterval time.Duration

	// HTTP endpoints
	MetricsAddr string
	APIAddr     string

	// Connection resilience configuration
	ReconnectWait time.Duration
	MaxReconnects int

	Logger *slog.Logger
}

// Validate checks that required fields are set.
func (c *Config) Validate() error {
	if c.ClusterID == "" {
		return fmt.Errorf("ClusterID is required")
	}
	if c.Host == "" {
		return fmt.Errorf("Host is required")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("Port must be between 1 and 65535")
	}
	if len(c.NATSURLs) == 0 {
		return fmt.Errorf("at least one NATS URL is required")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.ElectionKey == "" {
		c.ElectionKey = DefaultElectionKey
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.RenewInterval == 0 {
		c.RenewInterval = DefaultRenewInterval
	}
	if c.RetryInterval == 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.ReconnectWait == 0 {
		c.ReconnectWait = DefaultReconnectWait
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = DefaultMaxReconnects
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Address returns this candidate's advertised address.
func (c *Config) Address() ServerAddress {
	return ServerAddress{Host: c.Host, Port: c.Port}
}

// BucketName returns the coordination KV bucket name for this cluster.
func (c *Config) BucketName() string {
	return fmt.Sprintf("STOREMASTER_%s", c.ClusterID)
}

// CatalogBucketName returns the region-catalog KV bucket name for this cluster.
func (c *Config) CatalogBucketName() string {
	return fmt.Sprintf("STOREMASTER_%s_catalog", c.ClusterID)
}

// AssignSubject returns the NATS subject assignment requests for one region
// of a table are published on.
func (c *Config) AssignSubject(table, region string) string {
	return assignSubject(c.ClusterID, table, region)
}

// FileConfig is the on-disk JSON configuration format. It gets converted to
// the internal Config.
type FileConfig struct {
	ClusterID   string             `json:"clusterId"`
	Host        string             `json:"host"`
	Port        int                `json:"port"`
	NATS        NATSFileConfig     `json:"nats"`
	Election    ElectionFileConfig `json:"election,omitempty"`
	MetricsAddr string             `json:"metricsAddr,omitempty"`
	APIAddr     string             `json:"apiAddr,omitempty"`
}

// NATSFileConfig contains NATS connection settings.
type NATSFileConfig struct {
	Servers       []string `json:"servers"`
	Credentials   string   `json:"credentials,omitempty"`
	ReconnectWait int64    `json:"reconnectWaitMs,omitempty"`
	MaxReconnects int      `json:"maxReconnects,omitempty"`
}

// ElectionFileConfig contains election timing settings.
type ElectionFileConfig struct {
	Key             string `json:"key,omitempty"`
	LeaseTTLMs      int64  `json:"leaseTtlMs,omitempty"`
	RenewIntervalMs int64  `json:"renewIntervalMs,omitempty"`
	RetryIntervalMs int64  `json:"retryIntervalMs,omitempty"`
}

// LoadFileConfig reads a JSON configuration file and converts it to a Config.
func LoadFileConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("failed to read config file: %w", err)
	}

	var fc FileConfig
	if err := json.Unmarshal(data, &fc); err != nil {
		return Config{}, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return fc.ToConfig(), nil
}

// ToConfig converts the file format to the internal Config.
func (fc FileConfig) ToConfig() Config {
	cfg := Config{
		ClusterID:       fc.ClusterID,
		Host:            fc.Host,
		Port:            fc.Port,
		NATSURLs:        fc.NATS.Servers,
		NATSCredentials: fc.NATS.Credentials,
		ElectionKey:     fc.Election.Key,
		MetricsAddr:     fc.MetricsAddr,
		APIAddr:         fc.APIAddr,
		MaxReconnects:   fc.NATS.MaxReconnects,
	}
	if fc.NATS.ReconnectWait > 0 {
		cfg.ReconnectWait = time.Duration(fc.NATS.ReconnectWait) * time.Millisecond
	}
	if fc.Election.LeaseTTLMs > 0 {
		cfg.LeaseTTL = time.Duration(fc.Election.LeaseTTLMs) * time.Millisecond
	}
	if fc.Election.RenewIntervalMs > 0 {
		cfg.RenewInterval = time.Duration(fc.Election.RenewIntervalMs) * time.Millisecond
	}
	if fc.Election.RetryIntervalMs > 0 {
		cfg.RetryInterval = time.Duration(fc.Election.RetryIntervalMs) * time.Millisecond
	}
	return cfg
}

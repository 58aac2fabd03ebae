// Package config loads client and devnet settings.
//
// Layers, lowest first: built-in defaults, an optional YAML file, environment
// variables, then whatever flags the binary sets explicitly.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/eljojo/dchat/blobstore"
	"github.com/eljojo/dchat/ledger"
	"github.com/eljojo/dchat/types"
)

// Config is the complete configuration.
type Config struct {
	Account string            `yaml:"account"`
	Ledger  LedgerConfig      `yaml:"ledger"`
	MQTT    ledger.MQTTConfig `yaml:"mqtt"`
	Blobs   BlobConfig        `yaml:"blobs"`
	Names   NamesConfig       `yaml:"names"`
	Metrics MetricsConfig     `yaml:"metrics"`
	Logging LoggingConfig     `yaml:"logging"`
	Devnet  DevnetConfig      `yaml:"devnet"`
}

// LedgerConfig holds the ledger node endpoint and retry policy.
type LedgerConfig struct {
	URL            string        `yaml:"url"`
	QueryAttempts  int           `yaml:"query_attempts"`
	QueryBackoff   time.Duration `yaml:"query_backoff"`
	ConfirmTimeout time.Duration `yaml:"confirm_timeout"`
}

// BlobConfig holds the attachment store endpoints.
type BlobConfig struct {
	APIURL  string `yaml:"api_url"`
	Gateway string `yaml:"gateway"`
}

// NamesConfig tunes display-name resolution.
type NamesConfig struct {
	LookupTimeout time.Duration `yaml:"lookup_timeout"`
}

// MetricsConfig holds the Prometheus listener; empty disables it.
type MetricsConfig struct {
	Address string `yaml:"address"`
}

// LoggingConfig holds the logrus level name.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// DevnetConfig is only read by the devnet binary.
type DevnetConfig struct {
	HTTPAddr string `yaml:"http_addr"`
	MQTTPort int    `yaml:"mqtt_port"`
}

// Default returns the built-in defaults.
func Default() *Config {
	return &Config{
		Ledger: LedgerConfig{
			URL:            "http://127.0.0.1:8545",
			QueryAttempts:  3,
			QueryBackoff:   500 * time.Millisecond,
			ConfirmTimeout: 2 * time.Minute,
		},
		MQTT: ledger.MQTTConfig{
			Host:        "tcp://127.0.0.1:1883",
			TopicPrefix: ledger.DefaultTopicPrefix,
		},
		Blobs: BlobConfig{
			APIURL:  "http://127.0.0.1:5001",
			Gateway: blobstore.DefaultGateway,
		},
		Names:   NamesConfig{LookupTimeout: 5 * time.Second},
		Logging: LoggingConfig{Level: "info"},
		Devnet:  DevnetConfig{HTTPAddr: ":8545", MQTTPort: 1883},
	}
}

// Load reads path over the defaults. An empty path or a missing file yields
// the defaults alone.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logrus.Debugf("config file %s not found, using defaults", path)
			return cfg, nil
		}
		return nil, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// LookupFunc has the signature of os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overlays environment variables. Malformed numeric or duration
// values are reported and leave the field unchanged.
func (c *Config) ApplyEnv(lookup LookupFunc) error {
	var errs []error
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok {
			*dst = v
		}
	}
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok {
			n, err := strconv.Atoi(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok {
			d, err := time.ParseDuration(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("%s: %w", key, err))
				return
			}
			*dst = d
		}
	}

	str("DCHAT_ACCOUNT", &c.Account)
	str("LEDGER_URL", &c.Ledger.URL)
	num("LEDGER_QUERY_ATTEMPTS", &c.Ledger.QueryAttempts)
	dur("LEDGER_QUERY_BACKOFF", &c.Ledger.QueryBackoff)
	dur("LEDGER_CONFIRM_TIMEOUT", &c.Ledger.ConfirmTimeout)
	str("MQTT_HOST", &c.MQTT.Host)
	str("MQTT_USER", &c.MQTT.User)
	str("MQTT_PASS", &c.MQTT.Pass)
	str("MQTT_TOPIC_PREFIX", &c.MQTT.TopicPrefix)
	str("IPFS_API_URL", &c.Blobs.APIURL)
	str("IPFS_GATEWAY", &c.Blobs.Gateway)
	dur("NAME_LOOKUP_TIMEOUT", &c.Names.LookupTimeout)
	str("METRICS_ADDR", &c.Metrics.Address)
	str("LOG_LEVEL", &c.Logging.Level)
	str("DEVNET_HTTP_ADDR", &c.Devnet.HTTPAddr)
	num("DEVNET_MQTT_PORT", &c.Devnet.MQTTPort)

	return errors.Join(errs...)
}

// Validate checks values that would otherwise fail deep inside a component.
// The account is only required by the client, so it is checked separately.
func (c *Config) Validate() error {
	if c.Ledger.URL == "" {
		return errors.New("ledger.url is required")
	}
	if c.Ledger.QueryAttempts < 1 {
		return fmt.Errorf("ledger.query_attempts must be at least 1, got %d", c.Ledger.QueryAttempts)
	}
	if c.Ledger.QueryBackoff < 0 {
		return errors.New("ledger.query_backoff cannot be negative")
	}
	if c.MQTT.Host == "" {
		return errors.New("mqtt.host is required")
	}
	if _, err := logrus.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}
	return nil
}

// AccountAddress returns the configured account, validated.
func (c *Config) AccountAddress() (types.Address, error) {
	if !types.IsAddress(c.Account) {
		return "", fmt.Errorf("account %q is not a valid address", c.Account)
	}
	return types.Address(c.Account), nil
}

// ApplyLogging sets the global logrus level.
func (c *Config) ApplyLogging() {
	level, err := logrus.ParseLevel(c.Logging.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)
}

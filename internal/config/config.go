// Package config provides YAML-file-plus-environment configuration loading
// for the sender. Environment variables always take precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/docker/go-units"
	"gopkg.in/yaml.v3"

	"github.com/shineum/smtp-sender-lite/internal/transport"
)

// Transport names accepted in Config.Transport.
const (
	TransportSMTP   = "smtp"
	TransportSES    = "ses"
	TransportGraph  = "graph"
	TransportStdout = "stdout"
)

const (
	defaultPort           = 25
	defaultMaxMessageSize = "25MiB"
)

// Config holds the complete application configuration.
type Config struct {
	Transport string        `yaml:"transport"`
	Relay     RelayConfig   `yaml:"relay"`
	SES       SESConfig     `yaml:"ses"`
	Graph     GraphConfig   `yaml:"graph"`
	Stdout    StdoutConfig  `yaml:"stdout"`
	Logging   LoggingConfig `yaml:"logging"`
}

// RelayConfig describes the SMTP relay and the limits applied to each send.
type RelayConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// Hostname is announced in EHLO and used in generated content ids.
	Hostname string `yaml:"hostname"`

	UseAuthentication bool   `yaml:"use_authentication"`
	Username          string `yaml:"username"`
	Password          string `yaml:"password"`

	SSL                bool `yaml:"ssl"`
	StartTLS           bool `yaml:"starttls"`
	InsecureSkipVerify bool `yaml:"insecure_skip_verify"`

	// Timeout bounds every awaited reply ("30s", "1m").
	Timeout time.Duration `yaml:"timeout"`

	// MaxMessageSize is a human-readable size ("25MiB", "10MB").
	MaxMessageSize string `yaml:"max_message_size"`
}

// SESConfig holds AWS SES configuration.
type SESConfig struct {
	Region           string `yaml:"region"`
	AccessKeyID      string `yaml:"access_key_id"`
	SecretAccessKey  string `yaml:"secret_access_key"`
	Sender           string `yaml:"sender"`
	ConfigurationSet string `yaml:"configuration_set"`
}

// GraphConfig holds Microsoft Graph API configuration.
type GraphConfig struct {
	TenantID     string `yaml:"tenant_id"`
	ClientID     string `yaml:"client_id"`
	ClientSecret string `yaml:"client_secret"`
	Sender       string `yaml:"sender"`
}

// StdoutConfig configures the stdout transport.
type StdoutConfig struct {
	// Raw prints the full message source instead of a summary.
	Raw bool `yaml:"raw"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `yaml:"level"`
}

// Load loads configuration from environment variables on top of defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()
	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a YAML file as the base layer,
// then overrides with environment variables. Returns an error if the
// specified file path does not exist.
func LoadFromFile(path string) (*Config, error) {
	cfg := &Config{}
	cfg.applyDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.applyEnvVars(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports every problem with the configuration at once.
func (c *Config) Validate() error {
	var errs []error

	switch c.Transport {
	case TransportSMTP:
		if c.Relay.Host == "" {
			errs = append(errs, errors.New("relay.host is required"))
		}
		if c.Relay.Port < 1 || c.Relay.Port > 65535 {
			errs = append(errs, fmt.Errorf("relay.port %d is out of range", c.Relay.Port))
		}
		if c.Relay.SSL && c.Relay.StartTLS {
			errs = append(errs, errors.New("relay.ssl and relay.starttls are mutually exclusive"))
		}
		if c.Relay.UseAuthentication && c.Relay.Username == "" {
			errs = append(errs, errors.New("relay.username is required when use_authentication is set"))
		}
	case TransportSES:
		if !c.SESConfigured() {
			errs = append(errs, errors.New("ses.region is required"))
		}
	case TransportGraph:
		if !c.GraphConfigured() {
			errs = append(errs, errors.New("graph.tenant_id, graph.client_id, graph.client_secret and graph.sender are required"))
		}
	case TransportStdout:
	default:
		errs = append(errs, fmt.Errorf("unknown transport %q", c.Transport))
	}

	if c.Relay.Timeout < 0 {
		errs = append(errs, fmt.Errorf("relay.timeout %s is negative", c.Relay.Timeout))
	}
	if _, err := c.MaxMessageBytes(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// MaxMessageBytes parses Relay.MaxMessageSize. An empty value means no limit.
func (c *Config) MaxMessageBytes() (int64, error) {
	if c.Relay.MaxMessageSize == "" {
		return 0, nil
	}
	n, err := units.RAMInBytes(c.Relay.MaxMessageSize)
	if err != nil {
		return 0, fmt.Errorf("invalid relay.max_message_size %q: %w", c.Relay.MaxMessageSize, err)
	}
	return n, nil
}

// TransportOptions returns the relay session options.
func (c *Config) TransportOptions() transport.Options {
	return transport.Options{
		Host:               c.Relay.Host,
		Port:               c.Relay.Port,
		Hostname:           c.Relay.Hostname,
		UseAuthentication:  c.Relay.UseAuthentication,
		Username:           c.Relay.Username,
		Password:           c.Relay.Password,
		SSL:                c.Relay.SSL,
		StartTLS:           c.Relay.StartTLS,
		InsecureSkipVerify: c.Relay.InsecureSkipVerify,
		Timeout:            c.Relay.Timeout,
	}
}

// GraphConfigured returns true if all four Graph API credentials are set.
func (c *Config) GraphConfigured() bool {
	return c.Graph.TenantID != "" &&
		c.Graph.ClientID != "" &&
		c.Graph.ClientSecret != "" &&
		c.Graph.Sender != ""
}

// SESConfigured returns true if an SES region is set. Credentials may come
// from the default AWS chain.
func (c *Config) SESConfigured() bool {
	return c.SES.Region != ""
}

func (c *Config) applyDefaults() {
	c.Transport = TransportSMTP
	c.Relay.Host = "localhost"
	c.Relay.Port = defaultPort
	c.Relay.Hostname = "localhost"
	c.Relay.Timeout = transport.DefaultTimeout
	c.Relay.MaxMessageSize = defaultMaxMessageSize
	c.Logging.Level = "info"
}

// applyEnvVars overrides configuration with environment variable values.
// Only non-empty environment variables override existing values.
func (c *Config) applyEnvVars() error {
	var errs []error

	setString := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v
		}
	}
	setBool := func(name string, dst *bool) {
		if v := os.Getenv(name); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("invalid %s: %w", name, err))
				return
			}
			*dst = b
		}
	}

	if v := os.Getenv("TRANSPORT"); v != "" {
		c.Transport = strings.ToLower(v)
	}

	setString("RELAY_HOST", &c.Relay.Host)
	if v := os.Getenv("RELAY_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid RELAY_PORT: %w", err))
		} else {
			c.Relay.Port = port
		}
	}
	setString("RELAY_HOSTNAME", &c.Relay.Hostname)
	setBool("RELAY_USE_AUTHENTICATION", &c.Relay.UseAuthentication)
	setString("RELAY_USERNAME", &c.Relay.Username)
	setString("RELAY_PASSWORD", &c.Relay.Password)
	setBool("RELAY_SSL", &c.Relay.SSL)
	setBool("RELAY_STARTTLS", &c.Relay.StartTLS)
	setBool("RELAY_INSECURE_SKIP_VERIFY", &c.Relay.InsecureSkipVerify)
	if v := os.Getenv("RELAY_TIMEOUT"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("invalid RELAY_TIMEOUT: %w", err))
		} else {
			c.Relay.Timeout = d
		}
	}
	setString("RELAY_MAX_MESSAGE_SIZE", &c.Relay.MaxMessageSize)

	setString("SES_REGION", &c.SES.Region)
	setString("SES_ACCESS_KEY_ID", &c.SES.AccessKeyID)
	setString("SES_SECRET_ACCESS_KEY", &c.SES.SecretAccessKey)
	setString("SES_SENDER", &c.SES.Sender)
	setString("SES_CONFIGURATION_SET", &c.SES.ConfigurationSet)

	setString("GRAPH_TENANT_ID", &c.Graph.TenantID)
	setString("GRAPH_CLIENT_ID", &c.Graph.ClientID)
	setString("GRAPH_CLIENT_SECRET", &c.Graph.ClientSecret)
	setString("GRAPH_SENDER", &c.Graph.Sender)

	setBool("STDOUT_RAW", &c.Stdout.Raw)

	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = strings.ToLower(v)
	}

	return errors.Join(errs...)
}

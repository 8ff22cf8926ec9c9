// Package config holds the gateway's ambient configuration: uplink
// connection parameters, BLE adapter timing, and logging setup.
package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"time"

	"github.com/mcuadros/go-defaults"
	"github.com/sirupsen/logrus"
)

// Config holds every tunable the gateway core reads at startup. Fields carry
// `default:"..."` tags applied via go-defaults, so a zero-value Config
// populated with SetDefaults is already a runnable configuration.
type Config struct {
	LogLevel string `yaml:"log_level" default:"info"`

	Host  string `yaml:"host" default:"localhost"`
	Port  string `yaml:"port" default:"8443"`
	UseTLS bool   `yaml:"use_tls" default:"false"`

	// TLSCAFile, when set, replaces the system root pool with a single PEM
	// CA bundle for verifying the uplink server's certificate.
	TLSCAFile string `yaml:"tls_ca_file"`
	// TLSCertFile/TLSKeyFile, when both set, present a client certificate
	// during the handshake (mutual TLS).
	TLSCertFile string `yaml:"tls_cert_file"`
	TLSKeyFile  string `yaml:"tls_key_file"`
	// TLSInsecureSkipVerify disables server certificate verification. Only
	// meant for local development against a self-signed uplink.
	TLSInsecureSkipVerify bool `yaml:"tls_insecure_skip_verify" default:"false"`

	GatewayID string `yaml:"gateway_id"`
	Token     string `yaml:"token"`

	PollTimeout         time.Duration `yaml:"poll_timeout" default:"1s"`
	ReceiveTimeout      time.Duration `yaml:"receive_timeout" default:"10s"`
	SendTimeout         time.Duration `yaml:"send_timeout" default:"5s"`
	RetryConnectTimeout time.Duration `yaml:"retry_connect_timeout" default:"5s"`
	BusySleep           time.Duration `yaml:"busy_sleep" default:"1s"`
	ResendTimeout       time.Duration `yaml:"resend_timeout" default:"60s"`

	MaxMessageSize      int `yaml:"max_message_size" default:"65536"`
	QueueCapacity       int `yaml:"queue_capacity" default:"256"`
	ContextPoolCapacity int `yaml:"context_pool_capacity" default:"128"`

	LEMaxAgeRSSI                time.Duration `yaml:"le_max_age_rssi" default:"30s"`
	LEMaxUnavailability         time.Duration `yaml:"le_max_unavailability" default:"168h"`
	ClassicArtificialAvailability time.Duration `yaml:"classic_artificial_availability" default:"30s"`
}

// DefaultConfig returns a Config populated entirely from struct tag defaults.
func DefaultConfig() *Config {
	cfg := &Config{}
	defaults.SetDefaults(cfg)
	return cfg
}

// TLSConfig builds a *tls.Config for the uplink dialer from CA/certificate
// paths, or returns nil when UseTLS is false. TLSCAFile, when set, replaces
// the system root pool entirely; TLSCertFile/TLSKeyFile, when both set, add
// a client certificate for mutual TLS.
func (c *Config) TLSConfig() (*tls.Config, error) {
	if !c.UseTLS {
		return nil, nil
	}

	cfg := &tls.Config{
		ServerName:         c.Host,
		InsecureSkipVerify: c.TLSInsecureSkipVerify,
	}

	if c.TLSCAFile != "" {
		pem, err := os.ReadFile(c.TLSCAFile)
		if err != nil {
			return nil, fmt.Errorf("read tls ca file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("no certificates parsed from tls ca file %q", c.TLSCAFile)
		}
		cfg.RootCAs = pool
	}

	if c.TLSCertFile != "" || c.TLSKeyFile != "" {
		if c.TLSCertFile == "" || c.TLSKeyFile == "" {
			return nil, fmt.Errorf("tls_cert_file and tls_key_file must both be set for a client certificate")
		}
		cert, err := tls.LoadX509KeyPair(c.TLSCertFile, c.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load tls client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	return cfg, nil
}

// ParsedLogLevel resolves LogLevel, falling back to Info on an unrecognized string.
func (c *Config) ParsedLogLevel() logrus.Level {
	lvl, err := logrus.ParseLevel(c.LogLevel)
	if err != nil {
		return logrus.InfoLevel
	}
	return lvl
}

// NewLogger creates a logger configured per LogLevel, using the same
// structured text formatting the rest of the gateway relies on.
func (c *Config) NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(c.ParsedLogLevel())
	logger.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return logger
}

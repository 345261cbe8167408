package compilesvc

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"
)

// Default configuration values.
const (
	// DefaultKeepaliveTime is the default interval for keepalive pings.
	DefaultKeepaliveTime = 10 * time.Second

	// DefaultKeepaliveTimeout is the default timeout for keepalive responses.
	DefaultKeepaliveTimeout = 5 * time.Second

	// DefaultMaxMessageSize is the default maximum gRPC message size. A
	// request carries at most one code window, so this is generous.
	DefaultMaxMessageSize = 4 << 20

	// DefaultCallTimeout bounds one Compile call.
	DefaultCallTimeout = 2 * time.Second

	// DefaultMaxCodeBytes is the largest code window a worker accepts.
	DefaultMaxCodeBytes = 64 << 10
)

// Configuration errors.
var (
	ErrNoEndpoint    = errors.New("compile worker endpoint is required")
	ErrInvalidConfig = errors.New("invalid compile worker configuration")
)

// Config configures both ends of the compile worker connection.
type Config struct {
	// Endpoint is the worker address (e.g., "localhost:7420"). Required
	// for Dial; a server is given its listener directly.
	Endpoint string

	// Token, when set, is sent by clients in the x-token header and
	// required by servers. ${VAR_NAME} references are expanded.
	Token string

	// UseTLS enables TLS on the client connection.
	UseTLS bool

	// Keepalive configuration.
	KeepaliveTime    time.Duration
	KeepaliveTimeout time.Duration

	// MaxMessageSize is the maximum gRPC message size in bytes.
	MaxMessageSize int

	// CallTimeout bounds each Compile call made by a client.
	CallTimeout time.Duration

	// MaxCodeBytes is the largest code window a server accepts.
	MaxCodeBytes int
}

// DefaultConfig returns a configuration with sensible defaults.
func DefaultConfig() Config {
	return Config{
		KeepaliveTime:    DefaultKeepaliveTime,
		KeepaliveTimeout: DefaultKeepaliveTimeout,
		MaxMessageSize:   DefaultMaxMessageSize,
		CallTimeout:      DefaultCallTimeout,
		MaxCodeBytes:     DefaultMaxCodeBytes,
	}
}

// WithDefaults returns a copy of c with defaults applied to zero fields.
func (c Config) WithDefaults() Config {
	defaults := DefaultConfig()

	if c.KeepaliveTime == 0 {
		c.KeepaliveTime = defaults.KeepaliveTime
	}
	if c.KeepaliveTimeout == 0 {
		c.KeepaliveTimeout = defaults.KeepaliveTimeout
	}
	if c.MaxMessageSize == 0 {
		c.MaxMessageSize = defaults.MaxMessageSize
	}
	if c.CallTimeout == 0 {
		c.CallTimeout = defaults.CallTimeout
	}
	if c.MaxCodeBytes == 0 {
		c.MaxCodeBytes = defaults.MaxCodeBytes
	}
	return c
}

// Validate checks the configuration of a client.
func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return ErrNoEndpoint
	}
	return c.validateLimits()
}

func (c *Config) validateLimits() error {
	if c.MaxMessageSize <= 0 {
		return fmt.Errorf("%w: max message size must be positive", ErrInvalidConfig)
	}
	if c.KeepaliveTime <= 0 {
		return fmt.Errorf("%w: keepalive time must be positive", ErrInvalidConfig)
	}
	if c.KeepaliveTimeout <= 0 {
		return fmt.Errorf("%w: keepalive timeout must be positive", ErrInvalidConfig)
	}
	if c.CallTimeout <= 0 {
		return fmt.Errorf("%w: call timeout must be positive", ErrInvalidConfig)
	}
	if c.MaxCodeBytes <= 0 || c.MaxCodeBytes > c.MaxMessageSize {
		return fmt.Errorf("%w: max code bytes must be positive and fit a message", ErrInvalidConfig)
	}
	return nil
}

// ExpandedToken returns the token with ${VAR_NAME} references expanded.
func (c *Config) ExpandedToken() string {
	return expandEnvVars(c.Token)
}

func expandEnvVars(s string) string {
	result := s
	for {
		start := strings.Index(result, "${")
		if start == -1 {
			break
		}
		end := strings.Index(result[start:], "}")
		if end == -1 {
			break
		}
		end += start
		result = result[:start] + os.Getenv(result[start+2:end]) + result[end+1:]
	}
	return result
}

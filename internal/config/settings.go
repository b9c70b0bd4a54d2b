package config

import (
	"fmt"
	"net"
	"strings"
	"time"
)

// Default tuning values applied when the settings file omits them
const (
	// DefaultRetrySeconds is the fixed delay before a failed hub scan is
	// retried. Retries continue indefinitely: a hub may come online at any
	// time and nothing else signals permanent failure.
	DefaultRetrySeconds = 5

	// DefaultDiscoveryWindowSeconds is how long one discovery query waits
	// for replies (multicast queries can be answered by several hubs)
	DefaultDiscoveryWindowSeconds = 2

	// DefaultTimeoutSeconds is the reply timeout for command and status
	// requests
	DefaultTimeoutSeconds = 3
)

// Settings is the operator-facing configuration for the shadectl tools.
// The application key is the pre-shared credential printed in the vendor
// app's About screen; without it no hub will accept commands.
type Settings struct {
	Version int `yaml:"version"`

	// Key is the 16-character application credential used to encrypt
	// command payloads and derive access tokens
	Key string `yaml:"key"`

	// Hubs lists hub IPv4 addresses to scan. When empty, discovery falls
	// back to the well-known multicast group.
	Hubs []string `yaml:"hubs,omitempty"`

	// LogLevel overrides SHADECTL_LOG_LEVEL when set
	LogLevel string `yaml:"log_level,omitempty"`

	// RetrySeconds is the fixed delay between scan retries (default 5)
	RetrySeconds int `yaml:"retry_seconds,omitempty"`

	// DiscoveryWindowSeconds is the discovery reply collection window
	DiscoveryWindowSeconds int `yaml:"discovery_window_seconds,omitempty"`

	// TimeoutSeconds is the command/status reply timeout
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
}

// ValidationError collects every problem found in a settings file so the
// operator sees the complete list once instead of fixing entries one crash
// at a time. Configuration errors are fatal: discovery does not start until
// the file is valid.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s", strings.Join(e.Problems, "; "))
}

// NewSettings creates settings with default values
func NewSettings() *Settings {
	return &Settings{
		Version:                1,
		RetrySeconds:           DefaultRetrySeconds,
		DiscoveryWindowSeconds: DefaultDiscoveryWindowSeconds,
		TimeoutSeconds:         DefaultTimeoutSeconds,
	}
}

// Validate checks the application key and every hub address. All violations
// are collected into a single *ValidationError; a nil return means the
// settings are safe to operate on.
func (s *Settings) Validate() error {
	var problems []string

	if s.Key == "" {
		problems = append(problems, "application key is not set (run 'shadectl key')")
	} else if len(s.Key) != 16 {
		problems = append(problems, fmt.Sprintf("application key must be 16 characters, got %d", len(s.Key)))
	}

	for _, addr := range s.Hubs {
		if !isIPv4(addr) {
			problems = append(problems, fmt.Sprintf("hub address %q is not a well-formed IPv4 address", addr))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// RetryDelay returns the scan retry delay as a duration
func (s *Settings) RetryDelay() time.Duration {
	if s.RetrySeconds <= 0 {
		return DefaultRetrySeconds * time.Second
	}
	return time.Duration(s.RetrySeconds) * time.Second
}

// DiscoveryWindow returns the discovery collection window as a duration
func (s *Settings) DiscoveryWindow() time.Duration {
	if s.DiscoveryWindowSeconds <= 0 {
		return DefaultDiscoveryWindowSeconds * time.Second
	}
	return time.Duration(s.DiscoveryWindowSeconds) * time.Second
}

// Timeout returns the request timeout as a duration
func (s *Settings) Timeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return DefaultTimeoutSeconds * time.Second
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// isIPv4 accepts only well-formed dotted-quad IPv4 addresses. net.ParseIP
// rejects out-of-range octets ("999.1.1.1") and names ("abc"); the To4 check
// additionally rejects IPv6 forms.
func isIPv4(s string) bool {
	ip := net.ParseIP(s)
	return ip != nil && ip.To4() != nil && strings.Count(s, ".") == 3
}

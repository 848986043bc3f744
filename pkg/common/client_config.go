package common

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/ghodss/yaml"
)

const (
	DefaultAddr              = "127.0.0.1:6379"
	DefaultConnectTimeout    = 3 * time.Second
	DefaultMaxRetries        = 1
	DefaultBackoffBase       = 50 * time.Millisecond
	DefaultBackoffCap        = 2 * time.Second
	DefaultReconnectAttempts = 5
	DefaultQueueSize         = 1024
)

// ClientConfig carries the recognized client options. CallTimeout of zero means calls are bounded
// only by the caller's context.
type ClientConfig struct {
	Addr              string        `help:"Address of the key-value store" name:"addr" default:"127.0.0.1:6379"`
	ConnectTimeout    time.Duration `help:"Timeout for establishing a connection" name:"connect-timeout" default:"3s"`
	CallTimeout       time.Duration `help:"Per call timeout, 0 disables it" name:"call-timeout" default:"0s"`
	MaxRetries        int           `help:"How many times a call failed by a lost connection is reissued" name:"max-retries" default:"1"`
	BackoffBase       time.Duration `help:"Initial reconnect backoff" name:"backoff-base" default:"50ms"`
	BackoffCap        time.Duration `help:"Maximum reconnect backoff" name:"backoff-cap" default:"2s"`
	ReconnectAttempts uint          `help:"Reconnect attempts before giving up" name:"reconnect-attempts" default:"5"`
	QueueSize         int           `help:"Capacity of the outbound frame queue" name:"queue-size" default:"1024"`
}

func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		Addr:              DefaultAddr,
		ConnectTimeout:    DefaultConnectTimeout,
		MaxRetries:        DefaultMaxRetries,
		BackoffBase:       DefaultBackoffBase,
		BackoffCap:        DefaultBackoffCap,
		ReconnectAttempts: DefaultReconnectAttempts,
		QueueSize:         DefaultQueueSize,
	}
}

func (c *ClientConfig) Validate() error {
	if c.Addr == "" {
		return errors.New("client address is required")
	}
	if c.ConnectTimeout <= 0 {
		return fmt.Errorf("invalid connect timeout: %s", c.ConnectTimeout)
	}
	if c.CallTimeout < 0 {
		return fmt.Errorf("invalid call timeout: %s", c.CallTimeout)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("invalid max retries: %d", c.MaxRetries)
	}
	if c.BackoffBase <= 0 || c.BackoffCap < c.BackoffBase {
		return fmt.Errorf("invalid backoff range: base %s cap %s", c.BackoffBase, c.BackoffCap)
	}
	if c.ReconnectAttempts == 0 {
		return errors.New("reconnect attempts must be at least 1")
	}
	if c.QueueSize <= 0 {
		return fmt.Errorf("invalid queue size: %d", c.QueueSize)
	}
	return nil
}

// clientConfigFile is the YAML shape of ClientConfig. Durations are written as Go duration
// strings ("250ms", "3s").
type clientConfigFile struct {
	Addr              string `json:"addr"`
	ConnectTimeout    string `json:"connectTimeout"`
	CallTimeout       string `json:"callTimeout"`
	MaxRetries        *int   `json:"maxRetries"`
	BackoffBase       string `json:"backoffBase"`
	BackoffCap        string `json:"backoffCap"`
	ReconnectAttempts *uint  `json:"reconnectAttempts"`
	QueueSize         *int   `json:"queueSize"`
}

// LoadClientConfig reads a YAML file and overlays the keys it sets on top of DefaultClientConfig.
func LoadClientConfig(path string) (*ClientConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParseClientConfig(data)
}

func ParseClientConfig(data []byte) (*ClientConfig, error) {
	var file clientConfigFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse client config: %w", err)
	}
	cfg := DefaultClientConfig()
	if file.Addr != "" {
		cfg.Addr = file.Addr
	}
	durations := []struct {
		raw string
		dst *time.Duration
	}{
		{file.ConnectTimeout, &cfg.ConnectTimeout},
		{file.CallTimeout, &cfg.CallTimeout},
		{file.BackoffBase, &cfg.BackoffBase},
		{file.BackoffCap, &cfg.BackoffCap},
	}
	for _, d := range durations {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return nil, fmt.Errorf("parse client config: %w", err)
		}
		*d.dst = v
	}
	if file.MaxRetries != nil {
		cfg.MaxRetries = *file.MaxRetries
	}
	if file.ReconnectAttempts != nil {
		cfg.ReconnectAttempts = *file.ReconnectAttempts
	}
	if file.QueueSize != nil {
		cfg.QueueSize = *file.QueueSize
	}
	return cfg, cfg.Validate()
}

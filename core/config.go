package core

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

type RequestConfig struct {
	TimeoutMS        int64 `koanf:"timeout_ms" mapstructure:"timeout_ms"`
	MaxAttempts      int   `koanf:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMS int64 `koanf:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMS     int64 `koanf:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

type CredentialsConfig struct {
	BatchSize      int   `koanf:"batch_size" mapstructure:"batch_size"`
	PollAttempts   int   `koanf:"poll_attempts" mapstructure:"poll_attempts"`
	PollIntervalMS int64 `koanf:"poll_interval_ms" mapstructure:"poll_interval_ms"`
}

type Config struct {
	ServiceName    string            `koanf:"service_name" mapstructure:"service_name"`
	Environment    string            `koanf:"environment" mapstructure:"environment"`
	OrderServerURL string            `koanf:"order_server_url" mapstructure:"order_server_url"`
	Request        RequestConfig     `koanf:"request" mapstructure:"request"`
	Credentials    CredentialsConfig `koanf:"credentials" mapstructure:"credentials"`
}

func DefaultConfig() Config {
	return Config{
		ServiceName: "skus",
		Environment: string(EnvironmentProduction),
		Request: RequestConfig{
			TimeoutMS:        30_000,
			MaxAttempts:      3,
			InitialBackoffMS: 500,
			MaxBackoffMS:     10_000,
		},
		Credentials: CredentialsConfig{
			BatchSize:      10,
			PollAttempts:   5,
			PollIntervalMS: 1_000,
		},
	}
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.ServiceName) == "" {
		return fmt.Errorf("core: service_name is required")
	}
	if c.Request.TimeoutMS < 0 {
		return fmt.Errorf("core: request.timeout_ms must not be negative")
	}
	if c.Request.MaxAttempts < 1 {
		return fmt.Errorf("core: request.max_attempts must be at least 1")
	}
	if c.Request.InitialBackoffMS < 0 || c.Request.MaxBackoffMS < 0 {
		return fmt.Errorf("core: request backoff must not be negative")
	}
	if c.Credentials.BatchSize < 1 {
		return fmt.Errorf("core: credentials.batch_size must be at least 1")
	}
	if c.Credentials.PollAttempts < 1 {
		return fmt.Errorf("core: credentials.poll_attempts must be at least 1")
	}
	if c.Credentials.PollIntervalMS < 0 {
		return fmt.Errorf("core: credentials.poll_interval_ms must not be negative")
	}
	if raw := strings.TrimSpace(c.OrderServerURL); raw != "" {
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Scheme == "" || parsed.Host == "" {
			return fmt.Errorf("core: order_server_url %q is not an absolute url", raw)
		}
	}
	return nil
}

func (c RequestConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

func (c CredentialsConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

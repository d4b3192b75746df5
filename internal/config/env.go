package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// EnvPrefix is prepended to every variable read by ApplyEnv.
const EnvPrefix = "AHTTP_"

// envOverrides lists the settings that can be set from the environment.
// Fields start out holding the current configuration, so variables that are
// not set leave it unchanged.
type envOverrides struct {
	UserAgent         string        `env:"USER_AGENT"`
	ContinueTimeout   time.Duration `env:"CONTINUE_TIMEOUT"`
	DialTimeout       time.Duration `env:"DIAL_TIMEOUT"`
	ReconnectAttempts int           `env:"RECONNECT_ATTEMPTS"`
	CAFile            string        `env:"CA_FILE"`
	Insecure          bool          `env:"INSECURE"`

	ProxyType     string `env:"PROXY_TYPE"`
	ProxyHost     string `env:"PROXY_HOST"`
	ProxyPort     uint16 `env:"PROXY_PORT"`
	ProxyUser     string `env:"PROXY_USER"`
	ProxyPassword string `env:"PROXY_PASSWORD"`

	LogLevel string `env:"LOG_LEVEL"`
}

// ApplyEnv overrides cfg with AHTTP_* environment variables and validates
// the result. Defaults are applied first.
func ApplyEnv(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration cannot be nil")
	}
	ApplyDefaults(cfg)
	c, p, l := cfg.Client, cfg.Proxy, cfg.Logging

	o := envOverrides{
		UserAgent:         *c.UserAgent,
		ContinueTimeout:   c.ContinueTimeout.Value(),
		DialTimeout:       c.DialTimeout.Value(),
		ReconnectAttempts: *c.ReconnectAttempts,
		CAFile:            c.TLS.CAFile,
		Insecure:          *c.TLS.InsecureSkipVerify,
		ProxyType:         string(p.Type),
		ProxyHost:         p.Host,
		ProxyPort:         p.Port,
		ProxyUser:         p.User,
		ProxyPassword:     p.Password,
		LogLevel:          string(l.LogLevel),
	}
	if err := env.ParseWithOptions(&o, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("failed to parse environment overrides: %w", err)
	}

	c.UserAgent = &o.UserAgent
	c.ContinueTimeout = NewDuration(o.ContinueTimeout)
	c.DialTimeout = NewDuration(o.DialTimeout)
	c.ReconnectAttempts = &o.ReconnectAttempts
	c.TLS.CAFile = o.CAFile
	c.TLS.InsecureSkipVerify = &o.Insecure
	p.Type = ProxyType(o.ProxyType)
	p.Host, p.Port = o.ProxyHost, o.ProxyPort
	p.User, p.Password = o.ProxyUser, o.ProxyPassword
	l.LogLevel = LogLevel(o.LogLevel)

	if err := Validate(cfg); err != nil {
		return fmt.Errorf("invalid configuration from environment: %w", err)
	}
	return nil
}

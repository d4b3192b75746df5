package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// LogLevel defines the minimum severity for error logs.
type LogLevel string

const (
	LogLevelDebug   LogLevel = "DEBUG"
	LogLevelInfo    LogLevel = "INFO"
	LogLevelWarning LogLevel = "WARNING"
	LogLevelError   LogLevel = "ERROR"
)

// ProxyType selects how requests reach the origin server.
type ProxyType string

const (
	// ProxyTypeNone connects directly.
	ProxyTypeNone ProxyType = "none"
	// ProxyTypeHTTP uses an HTTP proxy: absolute-URI requests for plain HTTP,
	// a CONNECT tunnel for HTTPS.
	ProxyTypeHTTP ProxyType = "http"
	// ProxyTypeCaching always sends absolute-URI requests to the proxy.
	ProxyTypeCaching ProxyType = "caching"
	// ProxyTypeSocks5 tunnels the connection through a SOCKS5 proxy.
	ProxyTypeSocks5 ProxyType = "socks5"
	// ProxyTypeEnvironment resolves the proxy from HTTP_PROXY, HTTPS_PROXY and NO_PROXY.
	ProxyTypeEnvironment ProxyType = "environment"
)

// Defaults applied by ApplyDefaults.
const (
	DefaultContinueTimeout   = 2 * time.Second
	DefaultDialTimeout       = 30 * time.Second
	DefaultReconnectAttempts = 2
	DefaultUploadChunkSize   = 4096
	DefaultUserAgent         = "asynchttp/1.0"
	DefaultTransferLogFormat = "json"
)

// Config is the top-level configuration structure for the client tools.
type Config struct {
	Client  *ClientConfig  `json:"client,omitempty" toml:"client,omitempty"`
	Proxy   *ProxyConfig   `json:"proxy,omitempty" toml:"proxy,omitempty"`
	Logging *LoggingConfig `json:"logging,omitempty" toml:"logging,omitempty"`

	originalFilePath string
}

// ClientConfig holds connection engine settings.
type ClientConfig struct {
	ContinueTimeout   *Duration  `json:"continue_timeout,omitempty" toml:"continue_timeout,omitempty"` // e.g., "2s"
	DialTimeout       *Duration  `json:"dial_timeout,omitempty" toml:"dial_timeout,omitempty"`
	ReconnectAttempts *int       `json:"reconnect_attempts,omitempty" toml:"reconnect_attempts,omitempty"`
	UploadChunkSize   *int       `json:"upload_chunk_size,omitempty" toml:"upload_chunk_size,omitempty"`
	UserAgent         *string    `json:"user_agent,omitempty" toml:"user_agent,omitempty"`
	TLS               *TLSConfig `json:"tls,omitempty" toml:"tls,omitempty"`

	// MimeTypes maps extensions such as ".json" to the Content-Type sent with
	// uploaded files. Entries from MimeTypesPath (a JSON object) win.
	MimeTypes     map[string]string `json:"mime_types,omitempty" toml:"mime_types,omitempty"`
	MimeTypesPath *string           `json:"mime_types_path,omitempty" toml:"mime_types_path,omitempty"`
}

// TLSConfig configures HTTPS connections.
type TLSConfig struct {
	InsecureSkipVerify *bool  `json:"insecure_skip_verify,omitempty" toml:"insecure_skip_verify,omitempty"`
	CAFile             string `json:"ca_file,omitempty" toml:"ca_file,omitempty"`
	ServerName         string `json:"server_name,omitempty" toml:"server_name,omitempty"`
}

// ProxyConfig configures the proxy used for every request.
type ProxyConfig struct {
	Type     ProxyType `json:"type,omitempty" toml:"type,omitempty"`
	Host     string    `json:"host,omitempty" toml:"host,omitempty"`
	Port     uint16    `json:"port,omitempty" toml:"port,omitempty"`
	User     string    `json:"user,omitempty" toml:"user,omitempty"`
	Password string    `json:"password,omitempty" toml:"password,omitempty"`
}

// LoggingConfig holds logging configurations.
type LoggingConfig struct {
	LogLevel    LogLevel           `json:"log_level,omitempty" toml:"log_level,omitempty"`
	TransferLog *TransferLogConfig `json:"transfer_log,omitempty" toml:"transfer_log,omitempty"`
	ErrorLog    *ErrorLogConfig    `json:"error_log,omitempty" toml:"error_log,omitempty"`
}

// TransferLogConfig configures the per-request transfer log.
type TransferLogConfig struct {
	Enabled *bool  `json:"enabled,omitempty" toml:"enabled,omitempty"`
	Target  string `json:"target,omitempty" toml:"target,omitempty"`
	Format  string `json:"format,omitempty" toml:"format,omitempty"` // "json" or "text"
}

// ErrorLogConfig configures error logging.
type ErrorLogConfig struct {
	Target string `json:"target,omitempty" toml:"target,omitempty"`
}

// OriginalFilePath returns the path the configuration was loaded from.
func (c *Config) OriginalFilePath() string {
	if c == nil {
		return ""
	}
	return c.originalFilePath
}

// Duration is a time.Duration that decodes from a positive duration string.
type Duration struct {
	d time.Duration
}

// NewDuration wraps d.
func NewDuration(d time.Duration) *Duration {
	return &Duration{d: d}
}

// Value returns the wrapped duration.
func (d Duration) Value() time.Duration {
	return d.d
}

func (d Duration) String() string {
	return d.d.String()
}

// UnmarshalText implements encoding.TextUnmarshaler (used by TOML).
func (d *Duration) UnmarshalText(text []byte) error {
	s := string(text)
	if s == "" {
		return fmt.Errorf("duration string cannot be empty")
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration string %q: %w", s, err)
	}
	if v <= 0 {
		return fmt.Errorf("duration must be positive, got %q", s)
	}
	d.d = v
	return nil
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.d.String()), nil
}

// UnmarshalJSON accepts only JSON strings (or null, which is rejected as empty).
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration should be a string, got %s", strings.TrimSpace(string(b)))
	}
	return d.UnmarshalText([]byte(s))
}

// IsFilePath reports whether a log target names a file rather than stdout/stderr.
func IsFilePath(target string) bool {
	return target != "stdout" && target != "stderr"
}

// LoadConfig reads, parses, defaults and validates the configuration at path.
// The format is chosen by extension (.json, .toml); anything else is tried as
// JSON first and then as TOML.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("configuration file path cannot be empty")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read configuration file %s: %w", path, err)
	}

	cfg, err := parse(data, strings.ToLower(filepath.Ext(path)), filepath.Dir(path))
	if err != nil {
		return nil, err
	}
	cfg.originalFilePath = path
	return cfg, nil
}

// Parse decodes data in the format implied by ext and applies defaults and
// validation.
func Parse(data []byte, ext string) (*Config, error) {
	return parse(data, ext, "")
}

// parse resolves relative client file paths against baseDir when set.
func parse(data []byte, ext, baseDir string) (*Config, error) {
	cfg := &Config{}
	switch ext {
	case ".json":
		if err := decodeJSON(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse JSON config: %w", err)
		}
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse TOML config: %w", err)
		}
	default:
		jsonErr := decodeJSON(data, cfg)
		if jsonErr != nil {
			cfg = &Config{}
			if tomlErr := toml.Unmarshal(data, cfg); tomlErr != nil {
				return nil, fmt.Errorf("failed to auto-detect and parse config: JSON error: %v; TOML error: %v", jsonErr, tomlErr)
			}
		}
	}

	if baseDir != "" && cfg.Client != nil {
		if tc := cfg.Client.TLS; tc != nil && tc.CAFile != "" && !filepath.IsAbs(tc.CAFile) {
			tc.CAFile = filepath.Join(baseDir, tc.CAFile)
		}
		if mp := cfg.Client.MimeTypesPath; mp != nil && *mp != "" && !filepath.IsAbs(*mp) {
			resolved := filepath.Join(baseDir, *mp)
			cfg.Client.MimeTypesPath = &resolved
		}
	}

	ApplyDefaults(cfg)
	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func decodeJSON(data []byte, cfg *Config) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	return dec.Decode(cfg)
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	ApplyDefaults(cfg)
	return cfg
}

// ApplyDefaults fills every unset field.
func ApplyDefaults(cfg *Config) {
	if cfg.Client == nil {
		cfg.Client = &ClientConfig{}
	}
	c := cfg.Client
	if c.ContinueTimeout == nil {
		c.ContinueTimeout = NewDuration(DefaultContinueTimeout)
	}
	if c.DialTimeout == nil {
		c.DialTimeout = NewDuration(DefaultDialTimeout)
	}
	if c.ReconnectAttempts == nil {
		n := DefaultReconnectAttempts
		c.ReconnectAttempts = &n
	}
	if c.UploadChunkSize == nil {
		n := DefaultUploadChunkSize
		c.UploadChunkSize = &n
	}
	if c.UserAgent == nil {
		ua := DefaultUserAgent
		c.UserAgent = &ua
	}
	if c.TLS == nil {
		c.TLS = &TLSConfig{}
	}
	if c.TLS.InsecureSkipVerify == nil {
		f := false
		c.TLS.InsecureSkipVerify = &f
	}

	if cfg.Proxy == nil {
		cfg.Proxy = &ProxyConfig{}
	}
	if cfg.Proxy.Type == "" {
		cfg.Proxy.Type = ProxyTypeNone
	}

	if cfg.Logging == nil {
		cfg.Logging = &LoggingConfig{}
	}
	l := cfg.Logging
	if l.LogLevel == "" {
		l.LogLevel = LogLevelInfo
	}
	if l.ErrorLog == nil {
		l.ErrorLog = &ErrorLogConfig{}
	}
	if l.ErrorLog.Target == "" {
		l.ErrorLog.Target = "stderr"
	}
	if l.TransferLog == nil {
		l.TransferLog = &TransferLogConfig{}
	}
	if l.TransferLog.Enabled == nil {
		f := false
		l.TransferLog.Enabled = &f
	}
	if l.TransferLog.Target == "" {
		l.TransferLog.Target = "stderr"
	}
	if l.TransferLog.Format == "" {
		l.TransferLog.Format = DefaultTransferLogFormat
	}
}

// Validate checks a defaulted configuration and reports the first problem.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("configuration cannot be nil")
	}
	if c := cfg.Client; c != nil {
		if c.ReconnectAttempts != nil && *c.ReconnectAttempts < 0 {
			return fmt.Errorf("client.reconnect_attempts must not be negative, got %d", *c.ReconnectAttempts)
		}
		if c.UploadChunkSize != nil && *c.UploadChunkSize <= 0 {
			return fmt.Errorf("client.upload_chunk_size must be positive, got %d", *c.UploadChunkSize)
		}
		if c.ContinueTimeout != nil && c.ContinueTimeout.Value() <= 0 {
			return fmt.Errorf("client.continue_timeout must be positive, got %s", c.ContinueTimeout)
		}
		if c.DialTimeout != nil && c.DialTimeout.Value() <= 0 {
			return fmt.Errorf("client.dial_timeout must be positive, got %s", c.DialTimeout)
		}
		if c.TLS != nil && c.TLS.CAFile != "" {
			if _, err := os.Stat(c.TLS.CAFile); err != nil {
				return fmt.Errorf("client.tls.ca_file %q is not readable: %w", c.TLS.CAFile, err)
			}
		}
		for ext, mimeType := range c.MimeTypes {
			if !strings.HasPrefix(ext, ".") {
				return fmt.Errorf("client.mime_types extension %q must start with a '.'", ext)
			}
			if mimeType == "" {
				return fmt.Errorf("client.mime_types has an empty type for %q", ext)
			}
		}
	}

	if p := cfg.Proxy; p != nil {
		switch p.Type {
		case ProxyTypeNone, ProxyTypeEnvironment:
		case ProxyTypeHTTP, ProxyTypeCaching, ProxyTypeSocks5:
			if p.Host == "" {
				return fmt.Errorf("proxy.host is required for proxy type %q", p.Type)
			}
			if p.Port == 0 {
				return fmt.Errorf("proxy.port is required for proxy type %q", p.Type)
			}
		default:
			return fmt.Errorf("proxy.type %q is not one of none, http, caching, socks5, environment", p.Type)
		}
	}

	if l := cfg.Logging; l != nil {
		switch l.LogLevel {
		case LogLevelDebug, LogLevelInfo, LogLevelWarning, LogLevelError:
		default:
			return fmt.Errorf("logging.log_level %q is not one of DEBUG, INFO, WARNING, ERROR", l.LogLevel)
		}
		if l.ErrorLog != nil {
			if err := validateTarget("logging.error_log.target", l.ErrorLog.Target); err != nil {
				return err
			}
		}
		if t := l.TransferLog; t != nil {
			if err := validateTarget("logging.transfer_log.target", t.Target); err != nil {
				return err
			}
			if t.Format != "json" && t.Format != "text" {
				return fmt.Errorf("logging.transfer_log.format %q must be \"json\" or \"text\"", t.Format)
			}
		}
	}
	return nil
}

func validateTarget(field, target string) error {
	if target == "" {
		return fmt.Errorf("%s cannot be empty", field)
	}
	if IsFilePath(target) && !filepath.IsAbs(target) {
		return fmt.Errorf("%s %q must be stdout, stderr or an absolute file path", field, target)
	}
	return nil
}

package config

import (
	"strings"
	"testing"
	"time"
)

func TestApplyEnv_Overrides(t *testing.T) {
	t.Setenv("AHTTP_USER_AGENT", "env-agent/1")
	t.Setenv("AHTTP_CONTINUE_TIMEOUT", "750ms")
	t.Setenv("AHTTP_RECONNECT_ATTEMPTS", "0")
	t.Setenv("AHTTP_INSECURE", "true")
	t.Setenv("AHTTP_PROXY_TYPE", "socks5")
	t.Setenv("AHTTP_PROXY_HOST", "socks.internal")
	t.Setenv("AHTTP_PROXY_PORT", "1080")
	t.Setenv("AHTTP_LOG_LEVEL", "DEBUG")

	cfg := &Config{Client: &ClientConfig{DialTimeout: NewDuration(5 * time.Second)}}
	if err := ApplyEnv(cfg); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}

	if got := *cfg.Client.UserAgent; got != "env-agent/1" {
		t.Errorf("UserAgent = %q, want env-agent/1", got)
	}
	if got := cfg.Client.ContinueTimeout.Value(); got != 750*time.Millisecond {
		t.Errorf("ContinueTimeout = %v, want 750ms", got)
	}
	if got := cfg.Client.DialTimeout.Value(); got != 5*time.Second {
		t.Errorf("DialTimeout = %v, want the configured 5s", got)
	}
	if got := *cfg.Client.ReconnectAttempts; got != 0 {
		t.Errorf("ReconnectAttempts = %d, want 0", got)
	}
	if !*cfg.Client.TLS.InsecureSkipVerify {
		t.Error("InsecureSkipVerify should be true")
	}
	if cfg.Proxy.Type != ProxyTypeSocks5 || cfg.Proxy.Host != "socks.internal" || cfg.Proxy.Port != 1080 {
		t.Errorf("Proxy = %+v, want socks5 socks.internal:1080", *cfg.Proxy)
	}
	if cfg.Logging.LogLevel != LogLevelDebug {
		t.Errorf("LogLevel = %q, want DEBUG", cfg.Logging.LogLevel)
	}
}

func TestApplyEnv_UnsetKeepsConfig(t *testing.T) {
	ua := "from-file/1"
	cfg := &Config{
		Client: &ClientConfig{UserAgent: &ua},
		Proxy:  &ProxyConfig{Type: ProxyTypeHTTP, Host: "proxy", Port: 3128},
	}
	if err := ApplyEnv(cfg); err != nil {
		t.Fatalf("ApplyEnv failed: %v", err)
	}
	if *cfg.Client.UserAgent != ua {
		t.Errorf("UserAgent = %q, want %q", *cfg.Client.UserAgent, ua)
	}
	if *cfg.Client.ReconnectAttempts != DefaultReconnectAttempts {
		t.Errorf("ReconnectAttempts = %d, want default", *cfg.Client.ReconnectAttempts)
	}
	if cfg.Proxy.Port != 3128 {
		t.Errorf("Proxy port = %d, want 3128", cfg.Proxy.Port)
	}
}

func TestApplyEnv_Errors(t *testing.T) {
	tests := []struct {
		name, key, value, want string
	}{
		{"unparsable int", "AHTTP_RECONNECT_ATTEMPTS", "many", "failed to parse environment overrides"},
		{"unparsable duration", "AHTTP_DIAL_TIMEOUT", "soon", "failed to parse environment overrides"},
		{"negative duration", "AHTTP_CONTINUE_TIMEOUT", "-1s", "client.continue_timeout must be positive"},
		{"bad proxy type", "AHTTP_PROXY_TYPE", "ftp", "proxy.type \"ftp\""},
		{"bad log level", "AHTTP_LOG_LEVEL", "LOUD", "logging.log_level"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv(tc.key, tc.value)
			err := ApplyEnv(&Config{})
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("ApplyEnv error = %v, want it to contain %q", err, tc.want)
			}
		})
	}

	if err := ApplyEnv(nil); err == nil {
		t.Error("ApplyEnv(nil) should fail")
	}
}

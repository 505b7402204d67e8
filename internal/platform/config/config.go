// Package config builds server configuration from the environment with an
// optional YAML file override so main stays lean.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"xerolink/pkg/secrets"
)

// Server captures process-level configuration for the gateway.
type Server struct {
	Addr        string        `yaml:"addr"`
	Environment string        `yaml:"environment"`
	LogLevel    string        `yaml:"log_level"`
	Xero        Xero          `yaml:"xero"`
	Session     Session       `yaml:"session"`
	Sync        Sync          `yaml:"sync"`
	Shutdown    time.Duration `yaml:"shutdown_timeout"`
}

// Xero holds upstream provider settings. ClientID and ClientSecret are the
// OAuth client credentials; when both are empty the connect flow reports
// a configuration error instead of attempting authorization.
type Xero struct {
	BaseURL        string        `yaml:"base_url"`
	AuthorizeURL   string        `yaml:"authorize_url"`
	ClientID       string        `yaml:"client_id"`
	ClientSecret   string        `yaml:"client_secret"`
	RedirectURI    string        `yaml:"redirect_uri"`
	Scopes         string        `yaml:"scopes"`
	AuthURLTimeout time.Duration `yaml:"auth_url_timeout"`
}

// Session holds connection session settings.
type Session struct {
	SigningKey      string        `yaml:"signing_key"`
	StateTokenTTL   time.Duration `yaml:"state_token_ttl"`
	StatusCooldown  time.Duration `yaml:"status_cooldown"`
	CookieName      string        `yaml:"cookie_name"`
	CookieMaxAgeSec int           `yaml:"cookie_max_age_sec"`
}

// Sync holds data load orchestration settings.
type Sync struct {
	RequestDelay     time.Duration `yaml:"request_delay"`
	FailureThreshold int           `yaml:"failure_threshold"`
}

// HasCredentials reports whether OAuth client credentials are configured.
func (x Xero) HasCredentials() bool {
	return x.ClientID != "" && x.ClientSecret != ""
}

// FromEnv builds a Server config from environment variables. If
// XEROLINK_CONFIG names a YAML file, values from the file take precedence
// over defaults but environment variables win overall.
func FromEnv() (Server, error) {
	cfg := defaults()

	if path := os.Getenv("XEROLINK_CONFIG"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Server{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Server{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if cfg.Session.SigningKey == "" {
		// Sessions are process-local, so a per-process random key works.
		key, err := secrets.Generate()
		if err != nil {
			return Server{}, fmt.Errorf("generate signing key: %w", err)
		}
		cfg.Session.SigningKey = key
	}
	return cfg, nil
}

func defaults() Server {
	return Server{
		Addr:     ":8080",
		LogLevel: "info",
		Xero: Xero{
			BaseURL:        "https://api.xero.com",
			AuthorizeURL:   "https://login.xero.com/identity/connect/authorize",
			Scopes:         "openid profile email accounting.transactions accounting.reports.read offline_access",
			AuthURLTimeout: 3 * time.Second,
		},
		Session: Session{
			StateTokenTTL:   10 * time.Minute,
			StatusCooldown:  10 * time.Second,
			CookieName:      "xl_session",
			CookieMaxAgeSec: 86400,
		},
		Sync: Sync{
			RequestDelay:     350 * time.Millisecond,
			FailureThreshold: 3,
		},
		Shutdown: 10 * time.Second,
	}
}

func applyEnv(cfg *Server) {
	setString(&cfg.Addr, "XEROLINK_ADDR")
	setString(&cfg.Environment, "XEROLINK_ENV")
	setString(&cfg.LogLevel, "XEROLINK_LOG_LEVEL")
	setString(&cfg.Xero.BaseURL, "XERO_BASE_URL")
	setString(&cfg.Xero.AuthorizeURL, "XERO_AUTHORIZE_URL")
	setString(&cfg.Xero.ClientID, "XERO_CLIENT_ID")
	setString(&cfg.Xero.ClientSecret, "XERO_CLIENT_SECRET")
	setString(&cfg.Xero.RedirectURI, "XERO_REDIRECT_URI")
	setString(&cfg.Xero.Scopes, "XERO_SCOPES")
	setString(&cfg.Session.SigningKey, "XEROLINK_SIGNING_KEY")
	setDuration(&cfg.Session.StatusCooldown, "XEROLINK_STATUS_COOLDOWN")
	setDuration(&cfg.Sync.RequestDelay, "XEROLINK_SYNC_DELAY")
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setDuration(dst *time.Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			*dst = d
		}
	}
}

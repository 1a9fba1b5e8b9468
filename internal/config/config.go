// Package config loads the gateway configuration from YAML with
// environment overrides for secrets.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"oidcgw/internal/idp/email"
	"oidcgw/internal/provider/remote"
	"oidcgw/internal/store/kube"
)

type Config struct {
	App struct {
		// dev | staging | prod
		Env string `yaml:"env"`
	} `yaml:"app"`

	Server struct {
		Addr        string `yaml:"addr"`
		MetricsAddr string `yaml:"metrics_addr"`
		// BaseURL is the externally visible origin used in mailed links.
		BaseURL string `yaml:"base_url"`
	} `yaml:"server"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`

	Provider struct {
		// Mode selects the protocol-engine adapter: remote | fake.
		// fake is for local development only.
		Mode   string        `yaml:"mode"`
		Remote remote.Config `yaml:"remote"`
	} `yaml:"provider"`

	Storage struct {
		// Driver selects the account store: kube | pg | memory.
		Driver string      `yaml:"driver"`
		Kube   kube.Config `yaml:"kube"`
		PG     struct {
			DSN string `yaml:"dsn"`
		} `yaml:"pg"`
	} `yaml:"storage"`

	Cache struct {
		// Kind selects the cache backend: memory | redis.
		Kind  string `yaml:"kind"`
		Redis struct {
			Addr   string `yaml:"addr"`
			DB     int    `yaml:"db"`
			Prefix string `yaml:"prefix"`
		} `yaml:"redis"`
		Memory struct {
			DefaultTTL time.Duration `yaml:"default_ttl"`
		} `yaml:"memory"`
	} `yaml:"cache"`

	SiteSession struct {
		CookieName string        `yaml:"cookie_name"`
		TTL        time.Duration `yaml:"ttl"`
		Secure     bool          `yaml:"secure"`
		// MasterKey is base64; usually injected via GATEWAY_SITE_SESSION_KEY.
		MasterKey string `yaml:"master_key"`
	} `yaml:"site_session"`

	SMTP email.SMTPConfig `yaml:"smtp"`

	EmailLogin struct {
		LinkTTL time.Duration `yaml:"link_ttl"`
	} `yaml:"email_login"`

	GitHub struct {
		ClientID     string `yaml:"client_id"`
		ClientSecret string `yaml:"client_secret"`
		RedirectURL  string `yaml:"redirect_url"`
	} `yaml:"github"`

	Rate struct {
		Enabled bool          `yaml:"enabled"`
		Limit   int           `yaml:"limit"`
		Window  time.Duration `yaml:"window"`
	} `yaml:"rate"`

	Texts struct {
		ToSPath      string `yaml:"tos_path"`
		ApprovalPath string `yaml:"approval_path"`
	} `yaml:"texts"`

	Audit struct {
		// Sinks: any of log, postgres. Defaults to log.
		Sinks []string `yaml:"sinks"`
		PGDSN string   `yaml:"pg_dsn"`
	} `yaml:"audit"`
}

// Load reads the YAML file, applies defaults and environment overrides.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	cfg.applyEnv()
	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.App.Env == "" {
		c.App.Env = "dev"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.MetricsAddr == "" {
		c.Server.MetricsAddr = ":9090"
	}
	if c.Server.BaseURL == "" {
		c.Server.BaseURL = "http://localhost" + c.Server.Addr
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Provider.Mode == "" {
		c.Provider.Mode = "fake"
	}
	if c.Storage.Driver == "" {
		c.Storage.Driver = "memory"
	}
	if c.Cache.Kind == "" {
		c.Cache.Kind = "memory"
	}
	if c.EmailLogin.LinkTTL <= 0 {
		c.EmailLogin.LinkTTL = 15 * time.Minute
	}
	if c.Rate.Limit <= 0 {
		c.Rate.Limit = 10
	}
	if c.Rate.Window <= 0 {
		c.Rate.Window = time.Minute
	}
	if len(c.Audit.Sinks) == 0 {
		c.Audit.Sinks = []string{"log"}
	}
}

// applyEnv lets secrets stay out of the YAML file.
func (c *Config) applyEnv() {
	if v := os.Getenv("GATEWAY_PG_DSN"); v != "" {
		c.Storage.PG.DSN = v
	}
	if v := os.Getenv("GATEWAY_REDIS_ADDR"); v != "" {
		c.Cache.Redis.Addr = v
	}
	if v := os.Getenv("GATEWAY_SITE_SESSION_KEY"); v != "" {
		c.SiteSession.MasterKey = v
	}
	if v := os.Getenv("GATEWAY_SMTP_PASSWORD"); v != "" {
		c.SMTP.Password = v
	}
	if v := os.Getenv("GATEWAY_GITHUB_CLIENT_SECRET"); v != "" {
		c.GitHub.ClientSecret = v
	}
	if v := os.Getenv("GATEWAY_PROVIDER_API_KEY"); v != "" {
		c.Provider.Remote.APIKey = v
	}
}

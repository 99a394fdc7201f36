package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Router struct {
		URL            string `yaml:"url"`
		Realm          string `yaml:"realm"`
		ConnectTimeout string `yaml:"connect_timeout"`
		InitialBackoff string `yaml:"initial_backoff"`
		MaxBackoff     string `yaml:"max_backoff"`
		MaxAttempts    int    `yaml:"max_attempts"`
	} `yaml:"router"`
	Identity struct {
		ID             string `yaml:"id"`
		Name           string `yaml:"name"`
		Namespace      string `yaml:"namespace"`
		CrossNamespace bool   `yaml:"cross_namespace"`
	} `yaml:"identity"`
	Backlog struct {
		Path string `yaml:"path"`
	} `yaml:"backlog"`
	Diag struct {
		Enabled bool   `yaml:"enabled"`
		Host    string `yaml:"host"`
		Port    int    `yaml:"port"`
	} `yaml:"diag"`
	Subscriptions []Subscription `yaml:"subscriptions"`
	Sources       []Source       `yaml:"sources"`
	Logging       struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// Subscription declares one desired subscription. Structured entries set
// kind and optionally filter; raw entries set topic and optionally match.
type Subscription struct {
	Kind   string `yaml:"kind"`
	Filter string `yaml:"filter"`
	Topic  string `yaml:"topic"`
	Match  string `yaml:"match"`
}

// Source declares a scheduled IoValue publication. Payload is the literal
// sample; when empty the agent publishes the current timestamp.
type Source struct {
	Point    string `yaml:"point"`
	Schedule string `yaml:"schedule"`
	Payload  string `yaml:"payload"`
}

func Default() Config {
	cfg := Config{}
	cfg.Router.URL = "ws://127.0.0.1:8080/ws"
	cfg.Router.Realm = "coaty"
	cfg.Router.ConnectTimeout = "10s"
	cfg.Router.InitialBackoff = "1s"
	cfg.Router.MaxBackoff = "30s"
	cfg.Router.MaxAttempts = 0
	cfg.Identity.Name = "coatywamp-agent"
	cfg.Identity.Namespace = "-"
	cfg.Diag.Enabled = true
	cfg.Diag.Host = "127.0.0.1"
	cfg.Diag.Port = 9080
	cfg.Logging.Level = "info"
	cfg.Logging.Format = "json"
	return cfg
}

func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}
	overrideFromEnv(&cfg)
	if err := validate(cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func DiagAddr(cfg Config) string {
	return cfg.Diag.Host + ":" + strconv.Itoa(cfg.Diag.Port)
}

func ConnectTimeout(cfg Config) time.Duration {
	return duration(cfg.Router.ConnectTimeout, 10*time.Second)
}

func InitialBackoff(cfg Config) time.Duration {
	return duration(cfg.Router.InitialBackoff, time.Second)
}

func MaxBackoff(cfg Config) time.Duration {
	return duration(cfg.Router.MaxBackoff, 30*time.Second)
}

func duration(s string, fallback time.Duration) time.Duration {
	d, _ := time.ParseDuration(s)
	if d <= 0 {
		return fallback
	}
	return d
}

func overrideFromEnv(cfg *Config) {
	if v := os.Getenv("COATYWAMP_ROUTER_URL"); v != "" {
		cfg.Router.URL = v
	}
	if v := os.Getenv("COATYWAMP_ROUTER_REALM"); v != "" {
		cfg.Router.Realm = v
	}
	if v := os.Getenv("COATYWAMP_IDENTITY_ID"); v != "" {
		cfg.Identity.ID = v
	}
	if v := os.Getenv("COATYWAMP_IDENTITY_NAME"); v != "" {
		cfg.Identity.Name = v
	}
	if v := os.Getenv("COATYWAMP_NAMESPACE"); v != "" {
		cfg.Identity.Namespace = v
	}
	if v := os.Getenv("COATYWAMP_BACKLOG_PATH"); v != "" {
		cfg.Backlog.Path = v
	}
	if v := os.Getenv("COATYWAMP_DIAG_ENABLED"); v != "" {
		cfg.Diag.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("COATYWAMP_DIAG_PORT"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			cfg.Diag.Port = i
		}
	}
	if v := os.Getenv("COATYWAMP_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("COATYWAMP_LOG_FORMAT"); v != "" {
		cfg.Logging.Format = v
	}
}

func validate(cfg Config) error {
	if !strings.HasPrefix(cfg.Router.URL, "ws://") && !strings.HasPrefix(cfg.Router.URL, "wss://") {
		return fmt.Errorf("router.url must be a ws:// or wss:// endpoint, got %q", cfg.Router.URL)
	}
	if strings.TrimSpace(cfg.Router.Realm) == "" {
		return errors.New("router.realm is required")
	}
	if cfg.Router.MaxAttempts < 0 {
		return errors.New("router.max_attempts must be >= 0")
	}
	if cfg.Identity.ID != "" {
		if _, err := uuid.Parse(cfg.Identity.ID); err != nil {
			return fmt.Errorf("identity.id must be a UUID: %w", err)
		}
	}
	if cfg.Diag.Enabled && (cfg.Diag.Port <= 0 || cfg.Diag.Port > 65535) {
		return errors.New("invalid diag.port")
	}
	switch cfg.Logging.Level {
	case "trace", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("invalid logging.level: %s", cfg.Logging.Level)
	}
	switch cfg.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("invalid logging.format: %s", cfg.Logging.Format)
	}
	for i, s := range cfg.Subscriptions {
		if s.Kind == "" && s.Topic == "" {
			return fmt.Errorf("subscriptions[%d]: kind or topic is required", i)
		}
		if s.Kind != "" && s.Topic != "" {
			return fmt.Errorf("subscriptions[%d]: kind and topic are mutually exclusive", i)
		}
	}
	for i, s := range cfg.Sources {
		if strings.TrimSpace(s.Point) == "" {
			return fmt.Errorf("sources[%d]: point is required", i)
		}
		if strings.TrimSpace(s.Schedule) == "" {
			return fmt.Errorf("sources[%d]: schedule is required", i)
		}
	}
	return nil
}

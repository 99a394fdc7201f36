package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load defaults: %v", err)
	}
	if cfg.Router.Realm != "coaty" {
		t.Fatalf("default realm = %q", cfg.Router.Realm)
	}
	if cfg.Identity.Namespace != "-" {
		t.Fatalf("default namespace = %q", cfg.Identity.Namespace)
	}
}

func TestLoadFileOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	doc := `
router:
  url: wss://router.example:9000/ws
  realm: factory
  max_attempts: 5
identity:
  name: press-17
  namespace: plant-a
backlog:
  path: /var/lib/agent/backlog.db
subscriptions:
  - kind: Advertise
    filter: Task
  - topic: sensors.hall1
    match: prefix
sources:
  - point: temperature
    schedule: "@every 10s"
    payload: "21.5"
logging:
  level: debug
  format: console
`
	if err := os.WriteFile(path, []byte(doc), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Router.URL != "wss://router.example:9000/ws" || cfg.Router.Realm != "factory" {
		t.Fatalf("router = %+v", cfg.Router)
	}
	if cfg.Router.MaxAttempts != 5 {
		t.Fatalf("max attempts = %d", cfg.Router.MaxAttempts)
	}
	if len(cfg.Subscriptions) != 2 || cfg.Subscriptions[1].Match != "prefix" {
		t.Fatalf("subscriptions = %+v", cfg.Subscriptions)
	}
	if len(cfg.Sources) != 1 || cfg.Sources[0].Point != "temperature" {
		t.Fatalf("sources = %+v", cfg.Sources)
	}
	if cfg.Logging.Level != "debug" || cfg.Logging.Format != "console" {
		t.Fatalf("logging = %+v", cfg.Logging)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("COATYWAMP_ROUTER_URL", "ws://override:8080/ws")
	t.Setenv("COATYWAMP_NAMESPACE", "override-ns")
	t.Setenv("COATYWAMP_DIAG_ENABLED", "false")
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Router.URL != "ws://override:8080/ws" {
		t.Fatalf("router url = %q", cfg.Router.URL)
	}
	if cfg.Identity.Namespace != "override-ns" {
		t.Fatalf("namespace = %q", cfg.Identity.Namespace)
	}
	if cfg.Diag.Enabled {
		t.Fatal("diag should be disabled")
	}
}

func TestValidationRejects(t *testing.T) {
	cases := []struct {
		name string
		mut  func(*Config)
		want string
	}{
		{"bad scheme", func(c *Config) { c.Router.URL = "http://x" }, "router.url"},
		{"empty realm", func(c *Config) { c.Router.Realm = " " }, "router.realm"},
		{"bad identity id", func(c *Config) { c.Identity.ID = "not-a-uuid" }, "identity.id"},
		{"bad diag port", func(c *Config) { c.Diag.Port = 70000 }, "diag.port"},
		{"bad log level", func(c *Config) { c.Logging.Level = "verbose" }, "logging.level"},
		{"subscription both", func(c *Config) {
			c.Subscriptions = []Subscription{{Kind: "Advertise", Topic: "a.b"}}
		}, "mutually exclusive"},
		{"source without schedule", func(c *Config) {
			c.Sources = []Source{{Point: "temp"}}
		}, "schedule"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mut(&cfg)
			err := validate(cfg)
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("validate = %v, want mention of %q", err, tc.want)
			}
		})
	}
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/JakeFAU/opendata-ingest/internal/ingest"
)

// isolateEnv points the env file somewhere empty so a db.env in the working
// directory cannot leak into the test.
func isolateEnv(t *testing.T) {
	t.Helper()
	t.Setenv("INGEST_ENV_FILE", filepath.Join(t.TempDir(), "absent.env"))
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write %s: %v", name, err)
	}
	return path
}

func TestLoadDefaults(t *testing.T) {
	isolateEnv(t)
	t.Setenv("INGEST_STORE_DSN", "")
	t.Setenv("INGEST_STORE_BACKEND", StoreMemory)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 8080 {
		t.Fatalf("expected default port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Store.Schema != "infrações" {
		t.Fatalf("expected default schema, got %q", cfg.Store.Schema)
	}
	if cfg.Store.Caps != ingest.DefaultCaps() {
		t.Fatalf("expected default caps, got %+v", cfg.Store.Caps)
	}
	if cfg.Scheduler.Interval != 168*time.Hour || !cfg.Scheduler.Enabled {
		t.Fatalf("expected weekly scheduler, got %+v", cfg.Scheduler)
	}
	if cfg.Crawler.LinkSuffix != ".csv" {
		t.Fatalf("expected .csv suffix, got %q", cfg.Crawler.LinkSuffix)
	}
	if cfg.Archive.Backend != ArchiveNone || cfg.PubSub.Enabled() {
		t.Fatalf("expected archive and pubsub disabled")
	}
	if got := cfg.FetchTimeout(); got != 120*time.Second {
		t.Fatalf("expected fetch timeout 120s, got %v", got)
	}
	if cfg.Telemetry.Enabled || cfg.Telemetry.ServiceName != "opendata-ingest" || cfg.Telemetry.SampleRatio != 1 {
		t.Fatalf("expected tracing disabled with defaults, got %+v", cfg.Telemetry)
	}
}

func TestLoadWithFileOverrides(t *testing.T) {
	isolateEnv(t)

	path := writeFile(t, "config.yaml", `
server:
  port: 9090
  api_key: secret
store:
  backend: postgres
  dsn: postgres://ingest@localhost/opendata
  schema: custom
  max_conns: 4
  caps:
    max_bytes: 1048576
    max_records: 500
crawler:
  concurrency: 6
  queue_depth: 128
  user_agent: test-agent
  link_suffix: .txt
http:
  timeout_seconds: 45
ratelimit:
  default_rps: 1.5
  hosts:
    - host: dados.example.gov.br
      rps: 0.5
      burst: 1
scheduler:
  interval: 24h
  run_on_start: true
archive:
  backend: local
  local:
    base_dir: /tmp/archive
pubsub:
  project_id: proj
  topic: ingested
logging:
  development: true
telemetry:
  enabled: true
  project_id: trace-proj
  sample_ratio: 0.1
sources:
  - url: https://dados.example.gov.br/dataset/multas
    store: multas
  - url: https://dados.example.gov.br/dataset/acidentes
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.Port != 9090 || cfg.Server.APIKey != "secret" {
		t.Fatalf("expected server overrides, got %+v", cfg.Server)
	}
	if cfg.Store.DSN != "postgres://ingest@localhost/opendata" || cfg.Store.Schema != "custom" {
		t.Fatalf("expected store overrides, got %+v", cfg.Store)
	}
	if cfg.Store.Caps.MaxBytes != 1<<20 || cfg.Store.Caps.MaxRecords != 500 {
		t.Fatalf("expected cap overrides, got %+v", cfg.Store.Caps)
	}
	if cfg.Crawler.Concurrency != 6 || cfg.Crawler.LinkSuffix != ".txt" {
		t.Fatalf("expected crawler overrides, got %+v", cfg.Crawler)
	}
	limits := cfg.RateLimit.Limiter()
	rule, ok := limits.Hosts["dados.example.gov.br"]
	if !ok || rule.RPS != 0.5 || rule.Burst != 1 || limits.DefaultRPS != 1.5 {
		t.Fatalf("expected host rule, got %+v", limits)
	}
	if cfg.Scheduler.Interval != 24*time.Hour || !cfg.Scheduler.RunOnStart {
		t.Fatalf("expected scheduler overrides, got %+v", cfg.Scheduler)
	}
	if cfg.Archive.Local.BaseDir != "/tmp/archive" {
		t.Fatalf("expected archive base dir, got %+v", cfg.Archive)
	}
	if !cfg.PubSub.Enabled() {
		t.Fatalf("expected pubsub enabled")
	}
	if !cfg.Telemetry.Enabled || cfg.Telemetry.ProjectID != "trace-proj" || cfg.Telemetry.SampleRatio != 0.1 {
		t.Fatalf("expected telemetry overrides, got %+v", cfg.Telemetry)
	}

	seeds := cfg.Seeds()
	want := []ingest.Source{
		{PageURL: "https://dados.example.gov.br/dataset/multas", StoreName: "multas"},
		{PageURL: "https://dados.example.gov.br/dataset/acidentes"},
	}
	if len(seeds) != len(want) || seeds[0] != want[0] || seeds[1] != want[1] {
		t.Fatalf("unexpected seeds %+v", seeds)
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	isolateEnv(t)
	t.Setenv("INGEST_SERVER_PORT", "7070")
	t.Setenv("INGEST_STORE_DSN", "postgres://from-env")

	path := writeFile(t, "config.yaml", "server:\n  port: 9090\n")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Server.Port != 7070 {
		t.Fatalf("expected env port override, got %d", cfg.Server.Port)
	}
	if cfg.Store.DSN != "postgres://from-env" {
		t.Fatalf("expected env DSN, got %q", cfg.Store.DSN)
	}
}

func TestLoadMissingDSN(t *testing.T) {
	isolateEnv(t)
	t.Setenv("INGEST_STORE_DSN", "")

	_, err := Load("")
	if err == nil || !strings.Contains(err.Error(), "store.dsn is required") {
		t.Fatalf("expected missing DSN error, got %v", err)
	}
}

func TestLoadEnvFile(t *testing.T) {
	const key = "INGEST_STORE_DSN"
	if _, set := os.LookupEnv(key); set {
		t.Skipf("%s already set in the environment", key)
	}
	t.Cleanup(func() { _ = os.Unsetenv(key) })

	envFile := writeFile(t, "db.env", key+"=postgres://from-env-file\n")
	t.Setenv("INGEST_ENV_FILE", envFile)

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.DSN != "postgres://from-env-file" {
		t.Fatalf("expected DSN from env file, got %q", cfg.Store.DSN)
	}
}

func TestLoadEnvFileDoesNotOverride(t *testing.T) {
	envFile := writeFile(t, "db.env", "INGEST_STORE_DSN=postgres://from-env-file\n")
	t.Setenv("INGEST_ENV_FILE", envFile)
	t.Setenv("INGEST_STORE_DSN", "postgres://from-env")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.DSN != "postgres://from-env" {
		t.Fatalf("expected process env to win, got %q", cfg.Store.DSN)
	}
}

func TestLoadMissingFile(t *testing.T) {
	isolateEnv(t)

	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	if err == nil || !strings.Contains(err.Error(), "read config") {
		t.Fatalf("expected read config error, got %v", err)
	}
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base := Config{
		Server:    ServerConfig{Port: 8080},
		Store:     StoreConfig{Backend: StoreMemory, Caps: ingest.DefaultCaps()},
		Crawler:   CrawlerConfig{Concurrency: 1},
		HTTP:      HTTPConfig{TimeoutSeconds: 10},
		Scheduler: SchedulerConfig{Enabled: true, Interval: time.Hour},
	}
	if err := base.Validate(); err != nil {
		t.Fatalf("base config invalid: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{name: "invalid port", mutate: func(c *Config) { c.Server.Port = 0 }, want: "server.port"},
		{name: "unknown backend", mutate: func(c *Config) { c.Store.Backend = "mongo" }, want: "store.backend"},
		{name: "postgres without dsn", mutate: func(c *Config) { c.Store.Backend = StorePostgres }, want: "store.dsn"},
		{name: "zero caps", mutate: func(c *Config) { c.Store.Caps.MaxRecords = 0 }, want: "store.caps"},
		{name: "invalid concurrency", mutate: func(c *Config) { c.Crawler.Concurrency = 0 }, want: "crawler.concurrency"},
		{name: "negative queue", mutate: func(c *Config) { c.Crawler.QueueDepth = -1 }, want: "crawler.queue_depth"},
		{name: "invalid timeout", mutate: func(c *Config) { c.HTTP.TimeoutSeconds = 0 }, want: "http.timeout_seconds"},
		{name: "no schedule", mutate: func(c *Config) { c.Scheduler.Interval = 0 }, want: "scheduler.interval"},
		{name: "local archive without dir", mutate: func(c *Config) { c.Archive.Backend = ArchiveLocal }, want: "archive.local.base_dir"},
		{name: "gcs archive without bucket", mutate: func(c *Config) { c.Archive.Backend = ArchiveGCS }, want: "archive.gcs.gcs_bucket"},
		{name: "unknown archive", mutate: func(c *Config) { c.Archive.Backend = "s3" }, want: "archive.backend"},
		{name: "pubsub without topic", mutate: func(c *Config) { c.PubSub.ProjectID = "proj" }, want: "pubsub.project_id"},
		{name: "host rule without host", mutate: func(c *Config) { c.RateLimit.Hosts = []HostLimit{{RPS: 1}} }, want: "ratelimit.hosts[0].host"},
		{name: "sample ratio above one", mutate: func(c *Config) { c.Telemetry.SampleRatio = 1.5 }, want: "telemetry.sample_ratio"},
		{name: "source without url", mutate: func(c *Config) { c.Sources = []SourceConfig{{Store: "multas"}} }, want: "sources[0].url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("expected error containing %q, got %v", tt.want, err)
			}
		})
	}
}

func TestValidateCronReplacesInterval(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Server:    ServerConfig{Port: 8080},
		Store:     StoreConfig{Backend: StoreMemory, Caps: ingest.DefaultCaps()},
		Crawler:   CrawlerConfig{Concurrency: 1},
		HTTP:      HTTPConfig{TimeoutSeconds: 10},
		Scheduler: SchedulerConfig{Enabled: true, Cron: "0 3 * * 1"},
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
}

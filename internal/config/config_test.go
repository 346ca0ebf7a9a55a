package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/qa-scanner/internal/checks"
	"github.com/JakeFAU/qa-scanner/internal/scheduler"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.API.Addr)
	assert.Equal(t, 5, cfg.Browser.MaxSize)
	assert.Equal(t, 30*time.Minute, cfg.Browser.MaxAge)
	assert.Equal(t, 10, cfg.Orchestrator.MaxConcurrentScans)
	assert.Equal(t, 2, cfg.Queue.Settings.Concurrency)
	assert.InDelta(t, 5.0, cfg.Queue.Settings.SubmitRate, 0.0001)
	assert.Equal(t, BackendMemory, cfg.Queue.Broker)
	assert.Equal(t, []string{BackendMemory}, cfg.Storage.Results)
	assert.Equal(t, int64(1366), cfg.Session.Viewport.Width)
	assert.Equal(t, checks.WCAGAA, cfg.Accessibility().Level)
	assert.Equal(t, checks.DefaultPerformanceThresholds(), cfg.Performance())
	assert.Equal(t, 60*time.Second, cfg.FormTester().RateLimitCooldown)
	assert.Equal(t, 4, cfg.Prober().HostLimit.Burst)
	assert.InDelta(t, 5.0, cfg.Prober().HostLimit.RPS, 0.0001)
}

func TestLoadWithFileOverrides(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	configYAML := `
api:
  addr: ":9090"
  api_key: secret
browser:
  min_size: 2
  max_size: 8
  no_sandbox: true
checks:
  wcag_level: aaa
queue:
  concurrency: 6
  submit_rate: 0.5
  progress: postgres
storage:
  results: [memory, postgres, report]
  blob: local
  postgres:
    dsn: postgres://qa@localhost/qa
sites:
  token: tkn
  sites:
    - id: acme
      base_url: https://acme.example/
      pages: ["https://acme.example/", "https://acme.example/pricing"]
schedules:
  - name: nightly
    spec: "0 3 * * *"
    site_id: acme
    max_pages: 20
`
	require.NoError(t, os.WriteFile(path, []byte(configYAML), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.API.Addr)
	assert.Equal(t, "secret", cfg.API.APIKey)
	assert.Equal(t, 8, cfg.Pool().MaxSize)
	assert.True(t, cfg.Launcher().NoSandbox)
	assert.Equal(t, checks.WCAGAAA, cfg.Accessibility().Level)
	assert.Equal(t, 6, cfg.Queue.Settings.Concurrency)
	assert.Equal(t, BackendPostgres, cfg.Queue.Progress)
	assert.Equal(t, []string{"memory", "postgres", "report"}, cfg.Storage.Results)
	assert.Equal(t, "qa_results", cfg.Storage.Postgres.ResultsTable)
	require.Len(t, cfg.Sites.Sites, 1)
	assert.Len(t, cfg.Sites.Sites[0].Pages, 2)
	require.Len(t, cfg.Schedules, 1)
	assert.Equal(t, "0 3 * * *", cfg.Schedules[0].Spec)
	assert.Equal(t, 20, cfg.Schedules[0].MaxPages)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("QASCANNER_BROWSER_MAX_SIZE", "12")
	t.Setenv("QASCANNER_QUEUE_MAX_ATTEMPTS", "7")
	t.Setenv("QASCANNER_LOGGING_DEVELOPMENT", "true")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 12, cfg.Browser.MaxSize)
	assert.Equal(t, 7, cfg.Queue.Settings.MaxAttempts)
	assert.True(t, cfg.Logging.Development)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.ErrorContains(t, err, "read config")
}

func TestConfigValidateErrors(t *testing.T) {
	t.Parallel()

	base, err := Load("")
	require.NoError(t, err)

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"max size", func(c *Config) { c.Browser.MaxSize = 0 }, "browser.max_size"},
		{"min above max", func(c *Config) { c.Browser.MinSize = 9 }, "browser.min_size"},
		{"thresholds", func(c *Config) { c.Memory.WarningThreshold = c.Memory.RestartThreshold + 1 }, "memory thresholds"},
		{"wcag", func(c *Config) { c.Checks.WCAGLevel = "A" }, "checks.wcag_level"},
		{"broker", func(c *Config) { c.Queue.Broker = "kafka" }, "queue.broker"},
		{"pubsub ids", func(c *Config) { c.Queue.Broker = BackendPubSub }, "queue.pubsub"},
		{"progress dsn", func(c *Config) { c.Queue.Progress = BackendPostgres }, "storage.postgres.dsn"},
		{"mongo uri", func(c *Config) { c.Storage.Results = []string{BackendMongo} }, "storage.mongodb.uri"},
		{"report blob", func(c *Config) { c.Storage.Results = []string{BackendReport} }, "storage.blob is required"},
		{"gcs bucket", func(c *Config) { c.Storage.Blob = BackendGCS }, "storage.gcs.bucket"},
		{"schedule spec", func(c *Config) { c.Schedules = []scheduler.Entry{{Name: "x"}} }, "schedules[0].spec"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c := base
			c.Storage.Results = append([]string(nil), base.Storage.Results...)
			tt.mutate(&c)
			require.ErrorContains(t, c.Validate(), tt.want)
		})
	}
}

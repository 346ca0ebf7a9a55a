// Package config loads and validates scanner configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/JakeFAU/qa-scanner/internal/api"
	"github.com/JakeFAU/qa-scanner/internal/browser"
	"github.com/JakeFAU/qa-scanner/internal/browser/headless"
	"github.com/JakeFAU/qa-scanner/internal/checks"
	"github.com/JakeFAU/qa-scanner/internal/checks/probe"
	"github.com/JakeFAU/qa-scanner/internal/forms"
	"github.com/JakeFAU/qa-scanner/internal/logging"
	"github.com/JakeFAU/qa-scanner/internal/memory"
	"github.com/JakeFAU/qa-scanner/internal/orchestrator"
	"github.com/JakeFAU/qa-scanner/internal/policy/ratelimit"
	"github.com/JakeFAU/qa-scanner/internal/qa"
	"github.com/JakeFAU/qa-scanner/internal/queue"
	"github.com/JakeFAU/qa-scanner/internal/queue/pubsub"
	"github.com/JakeFAU/qa-scanner/internal/scheduler"
	"github.com/JakeFAU/qa-scanner/internal/session"
	"github.com/JakeFAU/qa-scanner/internal/siteprovider"
	"github.com/JakeFAU/qa-scanner/internal/storage/gcs"
	"github.com/JakeFAU/qa-scanner/internal/storage/local"
	"github.com/JakeFAU/qa-scanner/internal/storage/mongodb"
	"github.com/JakeFAU/qa-scanner/internal/storage/postgres"
	"github.com/JakeFAU/qa-scanner/internal/telemetry"
)

// EnvPrefix is prepended to every environment override, e.g. QASCANNER_API_ADDR.
const EnvPrefix = "QASCANNER"

// Backend names.
const (
	BackendMemory   = "memory"
	BackendPubSub   = "pubsub"
	BackendPostgres = "postgres"
	BackendMongo    = "mongodb"
	BackendReport   = "report"
	BackendGCS      = "gcs"
	BackendLocal    = "local"
)

// Config captures all service configuration loaded via Viper.
type Config struct {
	API          api.Config          `mapstructure:"api"`
	Browser      BrowserConfig       `mapstructure:"browser"`
	Session      SessionConfig       `mapstructure:"session"`
	Checks       ChecksConfig        `mapstructure:"checks"`
	Forms        FormsConfig         `mapstructure:"forms"`
	Orchestrator orchestrator.Config `mapstructure:"orchestrator"`
	Memory       MemoryConfig        `mapstructure:"memory"`
	Queue        QueueConfig         `mapstructure:"queue"`
	Storage      StorageConfig       `mapstructure:"storage"`
	Sites        siteprovider.Config `mapstructure:"sites"`
	Schedules    []scheduler.Entry   `mapstructure:"schedules"`
	Logging      logging.Config      `mapstructure:"logging"`
	Telemetry    telemetry.Config    `mapstructure:"telemetry"`
}

// BrowserConfig sizes the pool and configures the Chrome launcher.
type BrowserConfig struct {
	MinSize                int           `mapstructure:"min_size"`
	MaxSize                int           `mapstructure:"max_size"`
	WarmupTarget           int           `mapstructure:"warmup_target"`
	MaxContextsPerWorker   int           `mapstructure:"max_contexts_per_worker"`
	MaxAge                 time.Duration `mapstructure:"max_age"`
	MaxPagesPerWorker      int           `mapstructure:"max_pages_per_worker"`
	MaxIdle                time.Duration `mapstructure:"max_idle"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	HealthCheckInterval    time.Duration `mapstructure:"health_check_interval"`
	MaintenanceInterval    time.Duration `mapstructure:"maintenance_interval"`
	ProbeTimeout           time.Duration `mapstructure:"probe_timeout"`
	LaunchTimeout          time.Duration `mapstructure:"launch_timeout"`
	ExecPath               string        `mapstructure:"exec_path"`
	Headless               bool          `mapstructure:"headless"`
	NoSandbox              bool          `mapstructure:"no_sandbox"`
}

// SessionConfig configures each execution context.
type SessionConfig struct {
	AcquireTimeout       time.Duration `mapstructure:"acquire_timeout"`
	Timeout              time.Duration `mapstructure:"timeout"`
	UserAgent            string        `mapstructure:"user_agent"`
	Viewport             qa.Viewport   `mapstructure:"viewport"`
	BlockedResourceTypes []string      `mapstructure:"blocked_resource_types"`
	BlockedURLPatterns   []string      `mapstructure:"blocked_url_patterns"`
}

// ChecksConfig tunes the checker pipeline.
type ChecksConfig struct {
	MaxLinks           int           `mapstructure:"max_links"`
	LinkConcurrency    int           `mapstructure:"link_concurrency"`
	LinkTimeout        time.Duration `mapstructure:"link_timeout"`
	MaxRedirects       int           `mapstructure:"max_redirects"`
	LinkHostRPS        float64       `mapstructure:"link_host_rps"`
	LinkHostBurst      int           `mapstructure:"link_host_burst"`
	WCAGLevel          string        `mapstructure:"wcag_level"`
	MaxContrastSamples int           `mapstructure:"max_contrast_samples"`
	LoadWarnMillis     float64       `mapstructure:"load_warn_millis"`
	LoadHighMillis     float64       `mapstructure:"load_high_millis"`
	WeightWarnBytes    int64         `mapstructure:"weight_warn_bytes"`
	WeightHighBytes    int64         `mapstructure:"weight_high_bytes"`
	MaxRequests        int           `mapstructure:"max_requests"`
	FirstPaintMaxMilli float64       `mapstructure:"first_paint_max_millis"`
}

// FormsConfig tunes form filling and submission.
type FormsConfig struct {
	MinFieldDelay       time.Duration `mapstructure:"min_field_delay"`
	MaxFieldDelay       time.Duration `mapstructure:"max_field_delay"`
	SubmitWaitTimeout   time.Duration `mapstructure:"submit_wait_timeout"`
	RateLimitCooldown   time.Duration `mapstructure:"rate_limit_cooldown"`
	MaxRateLimitRetries int           `mapstructure:"max_rate_limit_retries"`
}

// MemoryConfig configures the memory monitor. Thresholds are bytes of heap in use.
type MemoryConfig struct {
	Interval          time.Duration `mapstructure:"interval"`
	WarningThreshold  uint64        `mapstructure:"warning_threshold"`
	CriticalThreshold uint64        `mapstructure:"critical_threshold"`
	RestartThreshold  uint64        `mapstructure:"restart_threshold"`
	HistorySize       int           `mapstructure:"history_size"`
	RestartGrace      time.Duration `mapstructure:"restart_grace"`
}

// QueueConfig selects the broker and progress backends.
type QueueConfig struct {
	Broker   string        `mapstructure:"broker"`
	Progress string        `mapstructure:"progress"`
	Capacity int           `mapstructure:"capacity"`
	PubSub   pubsub.Config `mapstructure:"pubsub"`
	Settings queue.Config  `mapstructure:",squash"`
}

// StorageConfig selects result stores and the artifact blob store.
type StorageConfig struct {
	// Results lists result backends; every save is written to each of them.
	Results  []string        `mapstructure:"results"`
	Blob     string          `mapstructure:"blob"`
	Postgres postgres.Config `mapstructure:"postgres"`
	MongoDB  mongodb.Config  `mapstructure:"mongodb"`
	GCS      gcs.Config      `mapstructure:"gcs"`
	Local    local.Config    `mapstructure:"local"`
}

// Load builds a Config from an optional file plus QASCANNER_* environment overrides.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.addr", ":8080")
	v.SetDefault("api.request_timeout", "30s")
	v.SetDefault("api.scan_timeout", "3m")
	v.SetDefault("api.api_key", "")

	v.SetDefault("browser.min_size", 1)
	v.SetDefault("browser.max_size", 5)
	v.SetDefault("browser.warmup_target", 2)
	v.SetDefault("browser.max_contexts_per_worker", 1)
	v.SetDefault("browser.max_age", "30m")
	v.SetDefault("browser.max_pages_per_worker", 100)
	v.SetDefault("browser.max_idle", "5m")
	v.SetDefault("browser.max_consecutive_failures", 3)
	v.SetDefault("browser.health_check_interval", "30s")
	v.SetDefault("browser.maintenance_interval", "10s")
	v.SetDefault("browser.probe_timeout", "5s")
	v.SetDefault("browser.launch_timeout", "30s")
	v.SetDefault("browser.headless", true)
	v.SetDefault("browser.no_sandbox", false)

	v.SetDefault("session.acquire_timeout", "30s")
	v.SetDefault("session.timeout", "30s")
	v.SetDefault("session.user_agent", "qa-scanner/1.0")
	v.SetDefault("session.viewport.width", 1366)
	v.SetDefault("session.viewport.height", 768)

	v.SetDefault("checks.max_links", 200)
	v.SetDefault("checks.link_concurrency", 8)
	v.SetDefault("checks.link_timeout", "10s")
	v.SetDefault("checks.max_redirects", 5)
	v.SetDefault("checks.link_host_rps", 5.0)
	v.SetDefault("checks.link_host_burst", 4)
	v.SetDefault("checks.wcag_level", string(checks.WCAGAA))
	v.SetDefault("checks.max_contrast_samples", 200)
	perf := checks.DefaultPerformanceThresholds()
	v.SetDefault("checks.load_warn_millis", perf.LoadWarnMillis)
	v.SetDefault("checks.load_high_millis", perf.LoadHighMillis)
	v.SetDefault("checks.weight_warn_bytes", perf.WeightWarnBytes)
	v.SetDefault("checks.weight_high_bytes", perf.WeightHighBytes)
	v.SetDefault("checks.max_requests", perf.MaxRequests)
	v.SetDefault("checks.first_paint_max_millis", perf.FirstPaintMaxMilli)

	v.SetDefault("forms.min_field_delay", "50ms")
	v.SetDefault("forms.max_field_delay", "250ms")
	v.SetDefault("forms.submit_wait_timeout", "10s")
	v.SetDefault("forms.rate_limit_cooldown", "60s")
	v.SetDefault("forms.max_rate_limit_retries", 3)

	v.SetDefault("orchestrator.max_concurrent_scans", 10)
	v.SetDefault("orchestrator.chunk_size", 5)
	v.SetDefault("orchestrator.chunk_pause", "1s")
	v.SetDefault("orchestrator.max_pages", 50)
	v.SetDefault("orchestrator.page_timeout", "2m")

	v.SetDefault("memory.interval", "30s")
	v.SetDefault("memory.warning_threshold", 768<<20)
	v.SetDefault("memory.critical_threshold", 1<<30)
	v.SetDefault("memory.restart_threshold", 3<<29)
	v.SetDefault("memory.history_size", 60)
	v.SetDefault("memory.restart_grace", "30s")

	v.SetDefault("queue.broker", BackendMemory)
	v.SetDefault("queue.progress", BackendMemory)
	v.SetDefault("queue.capacity", 1000)
	v.SetDefault("queue.concurrency", 2)
	v.SetDefault("queue.max_attempts", 3)
	v.SetDefault("queue.retry_base_delay", "2s")
	v.SetDefault("queue.retry_max_delay", "1m")
	v.SetDefault("queue.submit_rate", 5.0)
	v.SetDefault("queue.submit_burst", 10)
	v.SetDefault("queue.job_timeout", "30m")
	v.SetDefault("queue.retention_period", "24h")
	v.SetDefault("queue.janitor_interval", "10m")
	v.SetDefault("queue.pubsub.project_id", "")
	v.SetDefault("queue.pubsub.topic_id", "")
	v.SetDefault("queue.pubsub.subscription_id", "")
	v.SetDefault("queue.pubsub.max_outstanding", 4)

	v.SetDefault("storage.results", []string{BackendMemory})
	v.SetDefault("storage.blob", "")
	v.SetDefault("storage.postgres.dsn", "")
	v.SetDefault("storage.postgres.max_conns", 10)
	v.SetDefault("storage.postgres.results_table", "qa_results")
	v.SetDefault("storage.postgres.progress_table", "qa_job_progress")
	v.SetDefault("storage.mongodb.uri", "")
	v.SetDefault("storage.mongodb.database", "qa_scanner")
	v.SetDefault("storage.mongodb.collection", "qa_results")
	v.SetDefault("storage.mongodb.connect_timeout", "10s")
	v.SetDefault("storage.mongodb.write_timeout", "5s")
	v.SetDefault("storage.gcs.bucket", "")
	v.SetDefault("storage.gcs.prefix", "reports")
	v.SetDefault("storage.local.base_dir", "data/reports")

	v.SetDefault("sites.token", "")

	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")

	v.SetDefault("telemetry.exporter", telemetry.ExporterNone)
	v.SetDefault("telemetry.service_name", "qa-scanner")
	v.SetDefault("telemetry.project_id", "")
	v.SetDefault("telemetry.otlp_endpoint", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	var errs []error
	check := func(ok bool, format string, args ...any) {
		if !ok {
			errs = append(errs, fmt.Errorf(format, args...))
		}
	}

	check(c.API.Addr != "", "api.addr must be set")
	check(c.Browser.MaxSize > 0, "browser.max_size must be > 0")
	check(c.Browser.MinSize >= 0 && c.Browser.MinSize <= c.Browser.MaxSize,
		"browser.min_size must be between 0 and browser.max_size")
	check(c.Orchestrator.MaxConcurrentScans > 0, "orchestrator.max_concurrent_scans must be > 0")
	check(c.Queue.Settings.SubmitRate >= 0, "queue.submit_rate must be >= 0")

	m := c.Memory
	check(m.WarningThreshold <= m.CriticalThreshold && m.CriticalThreshold <= m.RestartThreshold,
		"memory thresholds must satisfy warning <= critical <= restart")

	level := checks.WCAGLevel(strings.ToUpper(c.Checks.WCAGLevel))
	check(level == checks.WCAGAA || level == checks.WCAGAAA, "checks.wcag_level must be AA or AAA, got %q", c.Checks.WCAGLevel)

	check(c.Checks.LinkHostRPS >= 0, "checks.link_host_rps must be >= 0")

	switch c.Queue.Broker {
	case BackendMemory:
	case BackendPubSub:
		check(c.Queue.PubSub.ProjectID != "" && c.Queue.PubSub.TopicID != "" && c.Queue.PubSub.SubscriptionID != "",
			"queue.pubsub.project_id, topic_id and subscription_id are required for the pubsub broker")
	default:
		check(false, "queue.broker %q is not one of memory, pubsub", c.Queue.Broker)
	}
	switch c.Queue.Progress {
	case BackendMemory:
	case BackendPostgres:
		check(c.Storage.Postgres.DSN != "", "storage.postgres.dsn is required for postgres progress")
	default:
		check(false, "queue.progress %q is not one of memory, postgres", c.Queue.Progress)
	}

	for _, r := range c.Storage.Results {
		switch r {
		case BackendMemory:
		case BackendPostgres:
			check(c.Storage.Postgres.DSN != "", "storage.postgres.dsn is required for postgres results")
		case BackendMongo:
			check(c.Storage.MongoDB.URI != "", "storage.mongodb.uri is required for mongodb results")
		case BackendReport:
			check(c.Storage.Blob != "", "storage.blob is required for report results")
		default:
			check(false, "storage.results entry %q is unknown", r)
		}
	}
	switch c.Storage.Blob {
	case "", BackendMemory, BackendLocal:
	case BackendGCS:
		check(c.Storage.GCS.Bucket != "", "storage.gcs.bucket is required for the gcs blob store")
	default:
		check(false, "storage.blob %q is not one of memory, local, gcs", c.Storage.Blob)
	}

	for i, e := range c.Schedules {
		check(e.Spec != "", "schedules[%d].spec must be set", i)
	}
	return errors.Join(errs...)
}

// Pool converts the browser section to pool settings.
func (c Config) Pool() browser.Config {
	b := c.Browser
	return browser.Config{
		MinSize:                b.MinSize,
		MaxSize:                b.MaxSize,
		WarmupTarget:           b.WarmupTarget,
		MaxContextsPerWorker:   b.MaxContextsPerWorker,
		MaxAge:                 b.MaxAge,
		MaxPagesPerWorker:      b.MaxPagesPerWorker,
		MaxIdle:                b.MaxIdle,
		MaxConsecutiveFailures: b.MaxConsecutiveFailures,
		MaintenanceInterval:    b.MaintenanceInterval,
		HealthCheckInterval:    b.HealthCheckInterval,
		ProbeTimeout:           b.ProbeTimeout,
		LaunchTimeout:          b.LaunchTimeout,
	}
}

// Launcher converts the browser section to Chrome launch settings.
func (c Config) Launcher() headless.Config {
	return headless.Config{
		ExecPath:  c.Browser.ExecPath,
		Headless:  c.Browser.Headless,
		NoSandbox: c.Browser.NoSandbox,
		UserAgent: c.Session.UserAgent,
	}
}

// SessionOptions converts the session section.
func (c Config) SessionOptions() session.Options {
	return session.Options{
		Viewport:             c.Session.Viewport,
		UserAgent:            c.Session.UserAgent,
		Timeout:              c.Session.Timeout,
		BlockedResourceTypes: c.Session.BlockedResourceTypes,
		BlockedURLPatterns:   c.Session.BlockedURLPatterns,
	}
}

// Prober converts the link-probe settings.
func (c Config) Prober() probe.Config {
	return probe.Config{
		UserAgent:    c.Session.UserAgent,
		Timeout:      c.Checks.LinkTimeout,
		MaxRedirects: c.Checks.MaxRedirects,
		HostLimit:    ratelimit.Config{RPS: c.Checks.LinkHostRPS, Burst: c.Checks.LinkHostBurst},
	}
}

// Links converts the link checker settings.
func (c Config) Links() checks.LinksConfig {
	return checks.LinksConfig{MaxLinks: c.Checks.MaxLinks, Concurrency: c.Checks.LinkConcurrency}
}

// Accessibility converts the accessibility checker settings.
func (c Config) Accessibility() checks.AccessibilityConfig {
	return checks.AccessibilityConfig{
		Level:              checks.WCAGLevel(strings.ToUpper(c.Checks.WCAGLevel)),
		MaxContrastSamples: c.Checks.MaxContrastSamples,
	}
}

// Performance converts the performance budgets.
func (c Config) Performance() checks.PerformanceThresholds {
	ch := c.Checks
	return checks.PerformanceThresholds{
		LoadWarnMillis:     ch.LoadWarnMillis,
		LoadHighMillis:     ch.LoadHighMillis,
		WeightWarnBytes:    ch.WeightWarnBytes,
		WeightHighBytes:    ch.WeightHighBytes,
		MaxRequests:        ch.MaxRequests,
		FirstPaintMaxMilli: ch.FirstPaintMaxMilli,
	}
}

// FormTester converts the forms section.
func (c Config) FormTester() forms.Config {
	f := c.Forms
	return forms.Config{
		MinFieldDelay:       f.MinFieldDelay,
		MaxFieldDelay:       f.MaxFieldDelay,
		SubmitWaitTimeout:   f.SubmitWaitTimeout,
		RateLimitCooldown:   f.RateLimitCooldown,
		MaxRateLimitRetries: f.MaxRateLimitRetries,
	}
}

// Monitor converts the memory section.
func (c Config) Monitor() memory.Config {
	m := c.Memory
	return memory.Config{
		Interval: m.Interval,
		Thresholds: memory.Thresholds{
			Warning:  m.WarningThreshold,
			Critical: m.CriticalThreshold,
			Restart:  m.RestartThreshold,
		},
		HistorySize:  m.HistorySize,
		RestartGrace: m.RestartGrace,
	}
}

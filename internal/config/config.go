// Package config loads contactd settings: built-in defaults, then an optional
// config file, then CONTACTD_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full service configuration.
type Config struct {
	HTTP      HTTPConfig
	Auth      AuthConfig
	TLE       TLEConfig
	Ephemeris EphemerisConfig
	Geometry  GeometryConfig
	Passes    PassesConfig
	Scheduler SchedulerConfig
	Execution ExecutionConfig
	Jobs      JobsConfig
	Database  DatabaseConfig
	Webhook   WebhookConfig
	Stream    StreamConfig
	Tracing   TracingConfig
	Log       LogConfig
}

type HTTPConfig struct {
	Addr string
}

type AuthConfig struct {
	Enabled bool
	// Tokens are "token=subject:group1|group2" entries.
	Tokens []string
}

type TLEConfig struct {
	// SourceURL may contain a {norad_id} placeholder.
	SourceURL string
	Mirrors   []string
	NoradID   int
	CacheDir  string
	MaxStale  time.Duration
}

type EphemerisConfig struct {
	Step            time.Duration
	Horizon         time.Duration
	RefreshInterval time.Duration
	SnapshotPath    string
	// NumericalCheck queues a high-fidelity propagation job after each
	// refresh. On by default; false opts out.
	NumericalCheck bool
}

type GeometryConfig struct {
	Workers int
}

type PassesConfig struct {
	MatchTolerance time.Duration
	CacheSize      int
	CacheTTL       time.Duration
}

type SchedulerConfig struct {
	ExecTime         time.Duration
	ExecOverhead     time.Duration
	InitialOverhead  time.Duration
	DirectOverhead   time.Duration
	IndirectOverhead time.Duration
	MinChunk         time.Duration
	ScheduleAhead    time.Duration
	LeadMin          time.Duration
	LeadMax          time.Duration
	DrainInterval    time.Duration
	SweepInterval    time.Duration
}

type ExecutionConfig struct {
	DispatchTimeout time.Duration
	TransportURL    string
	CommandSpecs    string
}

type JobsConfig struct {
	Workers int
}

type DatabaseConfig struct {
	// URL empty selects the in-memory store.
	URL string
}

type WebhookConfig struct {
	EphemerisURL   string
	EphemerisToken string
}

type StreamConfig struct {
	MaxConcurrentPerIP int
	MaxTotal           int
	KeepaliveInterval  time.Duration
	TrustProxy         bool
}

type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Exporter    string
	Endpoint    string
	SampleRatio float64
}

type LogConfig struct {
	Level      string
	Format     string
	File       string
	MaxSizeMB  int
	MaxAgeDays int
	MaxBackups int
	Compress   bool
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("http.addr", ":8080")

	v.SetDefault("auth.enabled", false)
	v.SetDefault("auth.tokens", []string{})

	v.SetDefault("tle.source_url", "https://celestrak.org/NORAD/elements/gp.php?CATNR={norad_id}&FORMAT=TLE")
	v.SetDefault("tle.mirrors", []string{})
	v.SetDefault("tle.norad_id", 0)
	v.SetDefault("tle.cache_dir", "")
	v.SetDefault("tle.max_stale", 72*time.Hour)

	v.SetDefault("ephemeris.step", time.Minute)
	v.SetDefault("ephemeris.horizon", 21*24*time.Hour)
	v.SetDefault("ephemeris.refresh_interval", 2*time.Hour)
	v.SetDefault("ephemeris.snapshot_path", "")
	v.SetDefault("ephemeris.numerical_check", true)

	v.SetDefault("geometry.workers", 1)

	v.SetDefault("passes.match_tolerance", 20*time.Minute)
	v.SetDefault("passes.cache_size", 256)
	v.SetDefault("passes.cache_ttl", 10*time.Minute)

	v.SetDefault("scheduler.exec_time", 2*time.Second)
	v.SetDefault("scheduler.exec_overhead", time.Second)
	v.SetDefault("scheduler.initial_overhead", 30*time.Second)
	v.SetDefault("scheduler.direct_overhead", 10*time.Second)
	v.SetDefault("scheduler.indirect_overhead", 20*time.Second)
	v.SetDefault("scheduler.min_chunk", 30*time.Second)
	v.SetDefault("scheduler.schedule_ahead", 5*time.Minute)
	v.SetDefault("scheduler.lead_min", 10*time.Second)
	v.SetDefault("scheduler.lead_max", 130*time.Second)
	v.SetDefault("scheduler.drain_interval", 5*time.Second)
	v.SetDefault("scheduler.sweep_interval", 5*time.Second)

	v.SetDefault("execution.dispatch_timeout", 10*time.Second)
	v.SetDefault("execution.transport_url", "http://localhost:8090")
	v.SetDefault("execution.command_specs", "")

	v.SetDefault("jobs.workers", 4)

	v.SetDefault("database.url", "")

	v.SetDefault("webhook.ephemeris_url", "")
	v.SetDefault("webhook.ephemeris_token", "")

	v.SetDefault("stream.max_concurrent_per_ip", 10)
	v.SetDefault("stream.max_total", 1000)
	v.SetDefault("stream.keepalive_interval", 30*time.Second)
	v.SetDefault("stream.trust_proxy", false)

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.service_name", "contactd")
	v.SetDefault("tracing.exporter", "stdout")
	v.SetDefault("tracing.endpoint", "")
	v.SetDefault("tracing.sample_ratio", 1.0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.file", "")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_age_days", 14)
	v.SetDefault("log.max_backups", 5)
	v.SetDefault("log.compress", true)
}

// Load reads configuration. path may be empty; a named file that does not
// exist is an error.
func Load(path string) (Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("CONTACTD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("reading config %s: %w", path, err)
		}
	}

	cfg := Config{
		HTTP: HTTPConfig{Addr: v.GetString("http.addr")},
		Auth: AuthConfig{
			Enabled: v.GetBool("auth.enabled"),
			Tokens:  v.GetStringSlice("auth.tokens"),
		},
		TLE: TLEConfig{
			SourceURL: v.GetString("tle.source_url"),
			Mirrors:   v.GetStringSlice("tle.mirrors"),
			NoradID:   v.GetInt("tle.norad_id"),
			CacheDir:  v.GetString("tle.cache_dir"),
			MaxStale:  v.GetDuration("tle.max_stale"),
		},
		Ephemeris: EphemerisConfig{
			Step:            v.GetDuration("ephemeris.step"),
			Horizon:         v.GetDuration("ephemeris.horizon"),
			RefreshInterval: v.GetDuration("ephemeris.refresh_interval"),
			SnapshotPath:    v.GetString("ephemeris.snapshot_path"),
			NumericalCheck:  v.GetBool("ephemeris.numerical_check"),
		},
		Geometry: GeometryConfig{Workers: v.GetInt("geometry.workers")},
		Passes: PassesConfig{
			MatchTolerance: v.GetDuration("passes.match_tolerance"),
			CacheSize:      v.GetInt("passes.cache_size"),
			CacheTTL:       v.GetDuration("passes.cache_ttl"),
		},
		Scheduler: SchedulerConfig{
			ExecTime:         v.GetDuration("scheduler.exec_time"),
			ExecOverhead:     v.GetDuration("scheduler.exec_overhead"),
			InitialOverhead:  v.GetDuration("scheduler.initial_overhead"),
			DirectOverhead:   v.GetDuration("scheduler.direct_overhead"),
			IndirectOverhead: v.GetDuration("scheduler.indirect_overhead"),
			MinChunk:         v.GetDuration("scheduler.min_chunk"),
			ScheduleAhead:    v.GetDuration("scheduler.schedule_ahead"),
			LeadMin:          v.GetDuration("scheduler.lead_min"),
			LeadMax:          v.GetDuration("scheduler.lead_max"),
			DrainInterval:    v.GetDuration("scheduler.drain_interval"),
			SweepInterval:    v.GetDuration("scheduler.sweep_interval"),
		},
		Execution: ExecutionConfig{
			DispatchTimeout: v.GetDuration("execution.dispatch_timeout"),
			TransportURL:    v.GetString("execution.transport_url"),
			CommandSpecs:    v.GetString("execution.command_specs"),
		},
		Jobs:     JobsConfig{Workers: v.GetInt("jobs.workers")},
		Database: DatabaseConfig{URL: v.GetString("database.url")},
		Webhook: WebhookConfig{
			EphemerisURL:   v.GetString("webhook.ephemeris_url"),
			EphemerisToken: v.GetString("webhook.ephemeris_token"),
		},
		Stream: StreamConfig{
			MaxConcurrentPerIP: v.GetInt("stream.max_concurrent_per_ip"),
			MaxTotal:           v.GetInt("stream.max_total"),
			KeepaliveInterval:  v.GetDuration("stream.keepalive_interval"),
			TrustProxy:         v.GetBool("stream.trust_proxy"),
		},
		Tracing: TracingConfig{
			Enabled:     v.GetBool("tracing.enabled"),
			ServiceName: v.GetString("tracing.service_name"),
			Exporter:    v.GetString("tracing.exporter"),
			Endpoint:    v.GetString("tracing.endpoint"),
			SampleRatio: v.GetFloat64("tracing.sample_ratio"),
		},
		Log: LogConfig{
			Level:      v.GetString("log.level"),
			Format:     v.GetString("log.format"),
			File:       v.GetString("log.file"),
			MaxSizeMB:  v.GetInt("log.max_size_mb"),
			MaxAgeDays: v.GetInt("log.max_age_days"),
			MaxBackups: v.GetInt("log.max_backups"),
			Compress:   v.GetBool("log.compress"),
		},
	}
	return cfg, cfg.Validate()
}

// ElementURL returns the element source URL for the configured spacecraft.
func (c TLEConfig) ElementURL() string {
	return strings.ReplaceAll(c.SourceURL, "{norad_id}", strconv.Itoa(c.NoradID))
}

// Validate reports settings the service cannot start with.
func (c Config) Validate() error {
	var errs []error
	if c.TLE.NoradID <= 0 {
		errs = append(errs, errors.New("tle.norad_id must be set"))
	}
	if c.Ephemeris.Step <= 0 || c.Ephemeris.Horizon < 24*time.Hour {
		errs = append(errs, errors.New("ephemeris.step must be positive and ephemeris.horizon at least one day"))
	}
	if c.Scheduler.LeadMin >= c.Scheduler.LeadMax {
		errs = append(errs, errors.New("scheduler.lead_min must be below scheduler.lead_max"))
	}
	if c.Tracing.SampleRatio < 0 || c.Tracing.SampleRatio > 1 {
		errs = append(errs, errors.New("tracing.sample_ratio must be within [0, 1]"))
	}
	return errors.Join(errs...)
}

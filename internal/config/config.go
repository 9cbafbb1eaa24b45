package config

import (
	"log"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
	// AdminToken guards /admin routes with a bearer token. Empty leaves
	// them open, which is only sensible on a private network.
	AdminToken         string `yaml:"adminToken"`
	RateLimitPerMinute int    `yaml:"rateLimitPerMinute"`
}

// DatabaseConfig selects the job store backend. Driver is one of
// "postgres", "sqlite" or "memory".
type DatabaseConfig struct {
	Driver       string `yaml:"driver"`
	DSN          string `yaml:"dsn"`
	MaxOpenConns int    `yaml:"maxOpenConns"`
	MaxIdleConns int    `yaml:"maxIdleConns"`
}

type RedisConfig struct {
	URL string `yaml:"url"`
	// EventsChannel is the pub/sub channel lifecycle events are published
	// to. Empty disables the redis event sink.
	EventsChannel string `yaml:"eventsChannel"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// QueueConfig controls admission, default job settings and retry
// scheduling for the job store.
type QueueConfig struct {
	MaxQueueSize        int     `yaml:"maxQueueSize"`
	MaxBulkKeywords     int     `yaml:"maxBulkKeywords"`
	DefaultBatchSize    int     `yaml:"defaultBatchSize"`
	DefaultMaxRetries   int     `yaml:"defaultMaxRetries"`
	DefaultTimeoutMs    int     `yaml:"defaultTimeoutMs"`
	RetryBaseDelayMs    int     `yaml:"retryBaseDelayMs"`
	RetryMultiplier     float64 `yaml:"retryMultiplier"`
	RetryMaxDelayMs     int     `yaml:"retryMaxDelayMs"`
	AvgJobDurationMs    int     `yaml:"avgJobDurationMs"`
	StaleLockMinutes    int     `yaml:"staleLockMinutes"`
	MaintenanceInterval int     `yaml:"maintenanceIntervalSeconds"`
}

type WorkerConfig struct {
	MinWorkers           int     `yaml:"minWorkers"`
	MaxWorkers           int     `yaml:"maxWorkers"`
	InitialWorkers       int     `yaml:"initialWorkers"`
	ConcurrencyPerWorker int     `yaml:"concurrencyPerWorker"`
	PollIntervalMs       int     `yaml:"pollIntervalMs"`
	BusyWaitMs           int     `yaml:"busyWaitMs"`
	BatchConcurrency     int     `yaml:"batchConcurrency"`
	BatchDelayMs         int     `yaml:"batchDelayMs"`
	ScaleIntervalMs      int     `yaml:"scaleIntervalMs"`
	ScaleUpThreshold     float64 `yaml:"scaleUpThreshold"`
	ScaleDownThreshold   float64 `yaml:"scaleDownThreshold"`
	QuotaCheckIntervalMs int     `yaml:"quotaCheckIntervalMs"`
	EmergencyThreshold   float64 `yaml:"emergencyThreshold"`
	AutoResume           bool    `yaml:"autoResume"`
}

// RecoveryConfig tunes the error recovery engine.
type RecoveryConfig struct {
	MaxAttempts      int     `yaml:"maxAttempts"`
	BaseDelayMs      int     `yaml:"baseDelayMs"`
	MaxDelayMs       int     `yaml:"maxDelayMs"`
	Multiplier       float64 `yaml:"multiplier"`
	BreakerThreshold int     `yaml:"breakerThreshold"`
	BreakerTimeoutMs int     `yaml:"breakerTimeoutMs"`
	HistorySize      int     `yaml:"historySize"`
	HealthWindowSecs int     `yaml:"healthWindowSeconds"`
}

type EnrichmentConfig struct {
	BaseURL            string `yaml:"baseURL"`
	APIKey             string `yaml:"apiKey"`
	TimeoutMs          int    `yaml:"timeoutMs"`
	CacheTTLMinutes    int    `yaml:"cacheTTLMinutes"`
	RateLimitPerMinute int    `yaml:"rateLimitPerMinute"`
}

// JobTTLConfig controls per-job-type retention in days.
type JobTTLConfig struct {
	DefaultDays int `yaml:"defaultDays"`
	SingleDays  int `yaml:"singleDays"`
	BulkDays    int `yaml:"bulkDays"`
	SweepDays   int `yaml:"sweepDays"`
}

// RetentionConfig controls TTL-like deletion of finished jobs so that the
// jobs table does not grow without bound over time.
type RetentionConfig struct {
	Enabled                bool         `yaml:"enabled"`
	CleanupIntervalMinutes int          `yaml:"cleanupIntervalMinutes"`
	Jobs                   JobTTLConfig `yaml:"jobs"`
}

type OrchestratorConfig struct {
	RestartCooldownMs int `yaml:"restartCooldownMs"`
	ShutdownTimeoutMs int `yaml:"shutdownTimeoutMs"`
}

type ObservabilityConfig struct {
	ServiceName string `yaml:"serviceName"`
}

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Database      DatabaseConfig      `yaml:"database"`
	Redis         RedisConfig         `yaml:"redis"`
	Logging       LoggingConfig       `yaml:"logging"`
	Queue         QueueConfig         `yaml:"queue"`
	Worker        WorkerConfig        `yaml:"worker"`
	Recovery      RecoveryConfig      `yaml:"recovery"`
	Enrichment    EnrichmentConfig    `yaml:"enrichment"`
	Retention     RetentionConfig     `yaml:"retention"`
	Orchestrator  OrchestratorConfig  `yaml:"orchestrator"`
	Observability ObservabilityConfig `yaml:"observability"`
}

func Load(path string) *Config {
	f, err := os.Open(path)
	if err != nil {
		log.Fatalf("failed to open config file: %v", err)
	}
	defer f.Close()

	var cfg Config
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		log.Fatalf("failed to decode config: %v", err)
	}

	cfg.ApplyDefaults()
	return &cfg
}

// Default returns a configuration with every default applied and the
// in-memory store selected.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills zero values with conservative defaults.
func (c *Config) ApplyDefaults() {
	if c.Server.Port == 0 {
		c.Server.Port = 8080
	}
	if c.Database.Driver == "" {
		c.Database.Driver = "memory"
	}
	if c.Database.MaxOpenConns <= 0 {
		c.Database.MaxOpenConns = 20
	}
	if c.Database.MaxIdleConns <= 0 {
		c.Database.MaxIdleConns = 10
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "text"
	}

	q := &c.Queue
	setInt(&q.MaxQueueSize, 1000)
	setInt(&q.MaxBulkKeywords, 10000)
	setInt(&q.DefaultBatchSize, 50)
	setInt(&q.DefaultMaxRetries, 3)
	setInt(&q.DefaultTimeoutMs, 10*60*1000)
	setInt(&q.RetryBaseDelayMs, 1000)
	setFloat(&q.RetryMultiplier, 2)
	setInt(&q.RetryMaxDelayMs, 5*60*1000)
	setInt(&q.AvgJobDurationMs, 30*1000)
	setInt(&q.StaleLockMinutes, 30)
	// A lock only goes stale once the default job deadline has passed.
	if floor := q.DefaultTimeoutMs/60000 + 2; q.StaleLockMinutes < floor {
		q.StaleLockMinutes = floor
	}
	setInt(&q.MaintenanceInterval, 60)

	w := &c.Worker
	setInt(&w.MinWorkers, 1)
	setInt(&w.MaxWorkers, 8)
	setInt(&w.InitialWorkers, 2)
	setInt(&w.ConcurrencyPerWorker, 2)
	setInt(&w.PollIntervalMs, 2000)
	setInt(&w.BusyWaitMs, 250)
	setInt(&w.BatchConcurrency, 5)
	setInt(&w.BatchDelayMs, 1000)
	setInt(&w.ScaleIntervalMs, 30*1000)
	setFloat(&w.ScaleUpThreshold, 0.8)
	setFloat(&w.ScaleDownThreshold, 0.3)
	setInt(&w.QuotaCheckIntervalMs, 60*1000)
	// Usage strictly above the emergency threshold pauses the queue.
	setFloat(&w.EmergencyThreshold, 0.95)
	if w.MaxWorkers < w.MinWorkers {
		w.MaxWorkers = w.MinWorkers
	}
	if w.InitialWorkers < w.MinWorkers {
		w.InitialWorkers = w.MinWorkers
	}
	if w.InitialWorkers > w.MaxWorkers {
		w.InitialWorkers = w.MaxWorkers
	}

	r := &c.Recovery
	setInt(&r.MaxAttempts, 3)
	setInt(&r.BaseDelayMs, 1000)
	setInt(&r.MaxDelayMs, 30*1000)
	setFloat(&r.Multiplier, 2)
	setInt(&r.BreakerThreshold, 5)
	setInt(&r.BreakerTimeoutMs, 60*1000)
	setInt(&r.HistorySize, 100)
	setInt(&r.HealthWindowSecs, 300)

	setInt(&c.Enrichment.TimeoutMs, 15*1000)

	setInt(&c.Retention.CleanupIntervalMinutes, 60)
	setInt(&c.Retention.Jobs.DefaultDays, 30)

	setInt(&c.Orchestrator.RestartCooldownMs, 2000)
	setInt(&c.Orchestrator.ShutdownTimeoutMs, 30*1000)

	if c.Observability.ServiceName == "" {
		c.Observability.ServiceName = "kwenrich"
	}
}

func setInt(v *int, def int) {
	if *v <= 0 {
		*v = def
	}
}

func setFloat(v *float64, def float64) {
	if *v <= 0 {
		*v = def
	}
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (q QueueConfig) RetryBaseDelay() time.Duration { return ms(q.RetryBaseDelayMs) }
func (q QueueConfig) RetryMaxDelay() time.Duration  { return ms(q.RetryMaxDelayMs) }
func (q QueueConfig) DefaultTimeout() time.Duration { return ms(q.DefaultTimeoutMs) }
func (q QueueConfig) AvgJobDuration() time.Duration { return ms(q.AvgJobDurationMs) }
func (q QueueConfig) StaleLockAfter() time.Duration {
	return time.Duration(q.StaleLockMinutes) * time.Minute
}
func (q QueueConfig) MaintenanceEvery() time.Duration {
	return time.Duration(q.MaintenanceInterval) * time.Second
}

func (w WorkerConfig) PollInterval() time.Duration       { return ms(w.PollIntervalMs) }
func (w WorkerConfig) BusyWait() time.Duration           { return ms(w.BusyWaitMs) }
func (w WorkerConfig) BatchDelay() time.Duration         { return ms(w.BatchDelayMs) }
func (w WorkerConfig) ScaleInterval() time.Duration      { return ms(w.ScaleIntervalMs) }
func (w WorkerConfig) QuotaCheckInterval() time.Duration { return ms(w.QuotaCheckIntervalMs) }

func (r RecoveryConfig) BaseDelay() time.Duration      { return ms(r.BaseDelayMs) }
func (r RecoveryConfig) MaxDelay() time.Duration       { return ms(r.MaxDelayMs) }
func (r RecoveryConfig) BreakerTimeout() time.Duration { return ms(r.BreakerTimeoutMs) }
func (r RecoveryConfig) HealthWindow() time.Duration {
	return time.Duration(r.HealthWindowSecs) * time.Second
}

func (e EnrichmentConfig) Timeout() time.Duration { return ms(e.TimeoutMs) }
func (e EnrichmentConfig) CacheTTL() time.Duration {
	return time.Duration(e.CacheTTLMinutes) * time.Minute
}

func (o OrchestratorConfig) RestartCooldown() time.Duration { return ms(o.RestartCooldownMs) }
func (o OrchestratorConfig) ShutdownTimeout() time.Duration { return ms(o.ShutdownTimeoutMs) }

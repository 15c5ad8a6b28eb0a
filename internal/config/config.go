// Package config loads the service configuration from a TOML file with
// environment overrides for secrets and deployment-specific values.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"
	_ "time/tzdata"

	"github.com/BurntSushi/toml"
	"github.com/dvloznov/school-finance/internal/bulk"
	"github.com/dvloznov/school-finance/internal/cora"
	"github.com/dvloznov/school-finance/internal/domain"
	"github.com/dvloznov/school-finance/internal/reconciler"
)

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `toml:"server"`
	Log       LogConfig       `toml:"log"`
	Database  DatabaseConfig  `toml:"database"`
	School    SchoolConfig    `toml:"school"`
	Cora      CoraConfig      `toml:"cora"`
	Bulk      BulkConfig      `toml:"bulk"`
	Jobs      JobsConfig      `toml:"jobs"`
	CashFlow  CashFlowConfig  `toml:"cash_flow"`
	Warehouse WarehouseConfig `toml:"warehouse"`
	Archive   ArchiveConfig   `toml:"archive"`
	Notion    NotionConfig    `toml:"notion"`
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port         int           `toml:"port"`
	ReadTimeout  time.Duration `toml:"read_timeout"`
	WriteTimeout time.Duration `toml:"write_timeout"`
	IdleTimeout  time.Duration `toml:"idle_timeout"`
	// APIKey, when set, is required as a Bearer token on every /financial_transactions
	// and /jobs request.
	APIKey string `toml:"api_key"`
	// WebhookSecret, when set, must match the X-Webhook-Secret header of provider callbacks.
	WebhookSecret string `toml:"webhook_secret"`
}

// LogConfig selects the log level and output format (console or json).
type LogConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// DatabaseConfig points at the SQLite file.
type DatabaseConfig struct {
	Path string `toml:"path"`
}

// SchoolConfig describes the school itself.
type SchoolConfig struct {
	Name     string `toml:"name"`
	Email    string `toml:"email"`
	Document string `toml:"document"`
	// Timezone decides which calendar day "today" is.
	Timezone string `toml:"timezone"`
}

// CoraConfig configures the invoice provider client.
type CoraConfig struct {
	BaseURL     string        `toml:"base_url"`
	Token       string        `toml:"token"`
	Timeout     time.Duration `toml:"timeout"`
	DefaultKind string        `toml:"default_kind"`

	BreakerMaxRequests         uint32        `toml:"breaker_max_requests"`
	BreakerInterval            time.Duration `toml:"breaker_interval"`
	BreakerTimeout             time.Duration `toml:"breaker_timeout"`
	BreakerConsecutiveFailures uint32        `toml:"breaker_consecutive_failures"`
}

// BulkConfig configures monthly charge generation.
type BulkConfig struct {
	TuitionDueDay int `toml:"tuition_due_day"`
	SalaryDueDay  int `toml:"salary_due_day"`
	Concurrency   int `toml:"concurrency"`
}

// JobsConfig configures the invoice refresh queue.
type JobsConfig struct {
	Workers    int           `toml:"workers"`
	BufferSize int           `toml:"buffer_size"`
	MaxRetries int           `toml:"max_retries"`
	Backoff    time.Duration `toml:"backoff"`
	// SweepInterval schedules a refresh of every open invoice; zero disables it.
	SweepInterval time.Duration `toml:"sweep_interval"`
}

// CashFlowConfig configures the cash-flow report.
type CashFlowConfig struct {
	RecentLimit int `toml:"recent_limit"`
}

// WarehouseConfig points at the BigQuery dataset.
type WarehouseConfig struct {
	Project string `toml:"project"`
	Dataset string `toml:"dataset"`
}

// ArchiveConfig points at the GCS bucket for report snapshots.
type ArchiveConfig struct {
	Bucket string `toml:"bucket"`
	Prefix string `toml:"prefix"`
}

// NotionConfig points at the Notion finance board.
type NotionConfig struct {
	Token      string `toml:"token"`
	DatabaseID string `toml:"database_id"`
}

// DefaultConfig returns the configuration used for anything a file leaves out.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Port:         8080,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Database: DatabaseConfig{
			Path: "data/school-finance.db",
		},
		School: SchoolConfig{
			Timezone: "America/Sao_Paulo",
		},
		Cora: CoraConfig{
			BaseURL:                    "https://api.cora.com.br",
			Timeout:                    10 * time.Second,
			DefaultKind:                string(domain.InvoiceBoleto),
			BreakerMaxRequests:         1,
			BreakerInterval:            time.Minute,
			BreakerTimeout:             30 * time.Second,
			BreakerConsecutiveFailures: 5,
		},
		Bulk: BulkConfig{
			TuitionDueDay: 10,
			SalaryDueDay:  5,
			Concurrency:   4,
		},
		Jobs: JobsConfig{
			Workers:    5,
			BufferSize: 100,
			MaxRetries: 3,
			Backoff:    time.Second,
		},
		CashFlow: CashFlowConfig{
			RecentLimit: 10,
		},
		Warehouse: WarehouseConfig{
			Dataset: "school_finance",
		},
		Archive: ArchiveConfig{
			Prefix: "cash-flow",
		},
	}
}

// envOverrides maps environment variables onto config fields.
var envOverrides = []struct {
	name  string
	apply func(*Config, string)
}{
	{"SCHOOL_FINANCE_DB", func(c *Config, v string) { c.Database.Path = v }},
	{"CORA_API_URL", func(c *Config, v string) { c.Cora.BaseURL = v }},
	{"CORA_API_TOKEN", func(c *Config, v string) { c.Cora.Token = v }},
	{"NOTION_TOKEN", func(c *Config, v string) { c.Notion.Token = v }},
	{"NOTION_DATABASE_ID", func(c *Config, v string) { c.Notion.DatabaseID = v }},
	{"GCS_BUCKET", func(c *Config, v string) { c.Archive.Bucket = v }},
	{"BIGQUERY_PROJECT", func(c *Config, v string) { c.Warehouse.Project = v }},
	{"API_KEY", func(c *Config, v string) { c.Server.APIKey = v }},
	{"WEBHOOK_SECRET", func(c *Config, v string) { c.Server.WebhookSecret = v }},
	{"LOG_LEVEL", func(c *Config, v string) { c.Log.Level = v }},
}

// Load reads the TOML file at path over DefaultConfig, applies environment
// overrides and validates the result. An empty path skips the file.
// Unknown keys in the file are an error.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("Load: decoding %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return Config{}, fmt.Errorf("Load: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from the environment. lookup is os.LookupEnv
// outside tests.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) {
	for _, o := range envOverrides {
		if v, ok := lookup(o.name); ok && v != "" {
			o.apply(c, v)
		}
	}
}

// Validate checks the values that have no safe fallback.
func (c Config) Validate() error {
	var problems []string
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		problems = append(problems, fmt.Sprintf("server.port %d out of range", c.Server.Port))
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		problems = append(problems, fmt.Sprintf("log.format %q must be console or json", c.Log.Format))
	}
	if c.Database.Path == "" {
		problems = append(problems, "database.path is required")
	}
	if _, err := time.LoadLocation(c.School.Timezone); err != nil {
		problems = append(problems, fmt.Sprintf("school.timezone %q: %v", c.School.Timezone, err))
	}
	if !domain.InvoiceKind(c.Cora.DefaultKind).Valid() {
		problems = append(problems, fmt.Sprintf("cora.default_kind %q must be boleto or pix", c.Cora.DefaultKind))
	}
	if c.Bulk.TuitionDueDay < 1 || c.Bulk.TuitionDueDay > 31 {
		problems = append(problems, fmt.Sprintf("bulk.tuition_due_day %d out of range", c.Bulk.TuitionDueDay))
	}
	if c.Bulk.SalaryDueDay < 1 || c.Bulk.SalaryDueDay > 31 {
		problems = append(problems, fmt.Sprintf("bulk.salary_due_day %d out of range", c.Bulk.SalaryDueDay))
	}
	if c.Bulk.Concurrency < 1 {
		problems = append(problems, "bulk.concurrency must be positive")
	}
	if c.Jobs.Workers < 1 {
		problems = append(problems, "jobs.workers must be positive")
	}
	if c.Jobs.MaxRetries < 0 {
		problems = append(problems, "jobs.max_retries must not be negative")
	}
	if len(problems) > 0 {
		return fmt.Errorf("invalid config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// Location returns the school timezone. Validate has already checked it.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.School.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// CoraEnabled reports whether a provider token is configured.
func (c Config) CoraEnabled() bool {
	return c.Cora.Token != ""
}

// ProviderConfig returns the provider client settings.
func (c Config) ProviderConfig() cora.Config {
	return cora.Config{
		BaseURL:                    c.Cora.BaseURL,
		Token:                      c.Cora.Token,
		Timeout:                    c.Cora.Timeout,
		BreakerMaxRequests:         c.Cora.BreakerMaxRequests,
		BreakerInterval:            c.Cora.BreakerInterval,
		BreakerTimeout:             c.Cora.BreakerTimeout,
		BreakerConsecutiveFailures: c.Cora.BreakerConsecutiveFailures,
	}
}

// ReconcilerConfig returns the invoice defaults.
func (c Config) ReconcilerConfig() reconciler.Config {
	return reconciler.Config{
		DefaultKind: domain.InvoiceKind(c.Cora.DefaultKind),
		School: domain.Party{
			Name:     c.School.Name,
			Email:    c.School.Email,
			Document: c.School.Document,
		},
	}
}

// BulkSettings returns the bulk generation settings.
func (c Config) BulkSettings() bulk.Config {
	return bulk.Config{
		TuitionDueDay: c.Bulk.TuitionDueDay,
		SalaryDueDay:  c.Bulk.SalaryDueDay,
		Concurrency:   c.Bulk.Concurrency,
	}
}

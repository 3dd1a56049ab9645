package config

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port        string `mapstructure:"PORT"`
	Env         string `mapstructure:"ENV"`
	Store       string `mapstructure:"STORE"`
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	CaseGranularity string `mapstructure:"CASE_GRANULARITY"`
	CrelioAccountID string `mapstructure:"CRELIO_ACCOUNT_ID"`
	SpotDxAccountID string `mapstructure:"SPOTDX_ACCOUNT_ID"`

	ReminderDelay      time.Duration `mapstructure:"REMINDER_DELAY"`
	SweepInterval      time.Duration `mapstructure:"SWEEP_INTERVAL"`
	RescanInterval     time.Duration `mapstructure:"RESCAN_INTERVAL"`
	InitialTemplateID  int           `mapstructure:"INITIAL_TEMPLATE_ID"`
	ReminderTemplateID int           `mapstructure:"REMINDER_TEMPLATE_ID"`

	PortalBaseURL      string        `mapstructure:"PORTAL_BASE_URL"`
	CaseLinkSigningKey string        `mapstructure:"CASE_LINK_SIGNING_KEY"`
	CaseLinkTTL        time.Duration `mapstructure:"CASE_LINK_TTL"`

	SendGridAPIKey string `mapstructure:"SENDGRID_API_KEY"`
	EmailFrom      string `mapstructure:"EMAIL_FROM"`
	EmailFromName  string `mapstructure:"EMAIL_FROM_NAME"`

	KafkaBrokers []string `mapstructure:"KAFKA_BROKERS"`
	KafkaTopic   string   `mapstructure:"KAFKA_TOPIC"`
	KafkaGroupID string   `mapstructure:"KAFKA_GROUP_ID"`

	// Seed data for STORE=memory. MemoryManagers entries are "Name:email".
	MemoryManagers        []string `mapstructure:"MEMORY_MANAGERS"`
	MemoryEnabledAccounts []string `mapstructure:"MEMORY_ENABLED_ACCOUNTS"`
}

// ManagerSeed is one case manager created at startup by the memory store.
type ManagerSeed struct {
	Name  string
	Email string
}

var keys = []string{
	"PORT", "ENV", "STORE", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"CASE_GRANULARITY", "CRELIO_ACCOUNT_ID", "SPOTDX_ACCOUNT_ID",
	"REMINDER_DELAY", "SWEEP_INTERVAL", "RESCAN_INTERVAL",
	"INITIAL_TEMPLATE_ID", "REMINDER_TEMPLATE_ID",
	"PORTAL_BASE_URL", "CASE_LINK_SIGNING_KEY", "CASE_LINK_TTL",
	"SENDGRID_API_KEY", "EMAIL_FROM", "EMAIL_FROM_NAME",
	"KAFKA_BROKERS", "KAFKA_TOPIC", "KAFKA_GROUP_ID",
	"MEMORY_MANAGERS", "MEMORY_ENABLED_ACCOUNTS",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("STORE", "postgres")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 2)
	v.SetDefault("CASE_GRANULARITY", "patient")
	v.SetDefault("REMINDER_DELAY", "24h")
	v.SetDefault("SWEEP_INTERVAL", "15m")
	v.SetDefault("RESCAN_INTERVAL", "10m")
	v.SetDefault("INITIAL_TEMPLATE_ID", 363)
	v.SetDefault("REMINDER_TEMPLATE_ID", 364)
	v.SetDefault("PORTAL_BASE_URL", "http://localhost:3000")
	v.SetDefault("CASE_LINK_TTL", "720h")
	v.SetDefault("EMAIL_FROM", "no-reply@localhost")
	v.SetDefault("EMAIL_FROM_NAME", "Case Management")
	v.SetDefault("KAFKA_TOPIC", "lab-results")
	v.SetDefault("KAFKA_GROUP_ID", "labcase-intake")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		_ = v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.KafkaBrokers == nil {
		cfg.KafkaBrokers = splitList(v.GetString("KAFKA_BROKERS"))
	}
	if cfg.MemoryManagers == nil {
		cfg.MemoryManagers = splitList(v.GetString("MEMORY_MANAGERS"))
	}
	if cfg.MemoryEnabledAccounts == nil {
		cfg.MemoryEnabledAccounts = splitList(v.GetString("MEMORY_ENABLED_ACCOUNTS"))
	}

	if cfg.UsesPostgres() && cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	return cfg, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ManagerSeeds parses MEMORY_MANAGERS.
func (c *Config) ManagerSeeds() ([]ManagerSeed, error) {
	seeds := make([]ManagerSeed, 0, len(c.MemoryManagers))
	for _, entry := range c.MemoryManagers {
		name, email, ok := strings.Cut(entry, ":")
		name, email = strings.TrimSpace(name), strings.TrimSpace(email)
		if !ok || name == "" || !strings.Contains(email, "@") {
			return nil, fmt.Errorf("MEMORY_MANAGERS entry %q must be \"Name:email\"", entry)
		}
		seeds = append(seeds, ManagerSeed{Name: name, Email: email})
	}
	return seeds, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the service is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// UsesPostgres reports whether repositories are backed by PostgreSQL rather
// than the in-process store.
func (c *Config) UsesPostgres() bool {
	return c.Store != "memory"
}

// PerTestCases reports whether open cases are scoped per (patient, test name)
// instead of per patient.
func (c *Config) PerTestCases() bool {
	return c.CaseGranularity == "patient_test"
}

// SigningKey decodes CASE_LINK_SIGNING_KEY. An empty value yields nil so the
// caller can generate an ephemeral key in development.
func (c *Config) SigningKey() ([]byte, error) {
	if c.CaseLinkSigningKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.CaseLinkSigningKey)
	if err != nil {
		return nil, fmt.Errorf("CASE_LINK_SIGNING_KEY is not valid hex: %w", err)
	}
	return key, nil
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if c.Store != "postgres" && c.Store != "memory" {
		return fmt.Errorf("STORE must be \"postgres\" or \"memory\", got %q", c.Store)
	}
	if c.IsProduction() && !c.UsesPostgres() {
		return fmt.Errorf("STORE=memory is not allowed in production")
	}
	if c.CaseGranularity != "patient" && c.CaseGranularity != "patient_test" {
		return fmt.Errorf("CASE_GRANULARITY must be \"patient\" or \"patient_test\", got %q", c.CaseGranularity)
	}
	if c.ReminderDelay < 0 {
		return fmt.Errorf("REMINDER_DELAY must not be negative")
	}
	if c.SweepInterval <= 0 || c.RescanInterval <= 0 {
		return fmt.Errorf("SWEEP_INTERVAL and RESCAN_INTERVAL must be positive")
	}
	if _, err := c.ManagerSeeds(); err != nil {
		return err
	}
	if c.InitialTemplateID == c.ReminderTemplateID {
		return fmt.Errorf("INITIAL_TEMPLATE_ID and REMINDER_TEMPLATE_ID must differ")
	}

	key, err := c.SigningKey()
	if err != nil {
		return err
	}
	if c.IsProduction() && len(key) < 32 {
		return fmt.Errorf("CASE_LINK_SIGNING_KEY must be at least 32 bytes (64 hex chars) in production")
	}
	if c.IsProduction() && c.SendGridAPIKey == "" {
		return fmt.Errorf("SENDGRID_API_KEY is required in production")
	}

	return nil
}

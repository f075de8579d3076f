package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/edward179/ecommerce-ETL-pipeline/internal/notify"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Config is everything the ordermonitor binaries resolve from the environment at deploy time.
type Config struct {
	DatabaseURL string

	// Workflow declaration
	WorkflowID     string
	Schedule       string
	StartDate      time.Time
	CatchUp        bool
	MaxActiveRuns  int
	Workers        int
	Owner          string
	AlertEmails    []string
	EmailOnFailure bool
	EmailOnRetry   bool
	Retries        int
	RetryDelay     time.Duration
	TaskTimeout    time.Duration

	// Task commands
	ShellPath          string
	VenvActivate       string
	DBTProjectDir      string
	TransformCommand   string
	PythonBin          string
	CheckDelayedScript string

	SMTP     notify.SMTPConfig
	HTTPPort string

	LogLevel  string
	LogFormat string
}

// Load reads an optional .env file and then the process environment.
func Load() (Config, error) {
	// a missing .env is fine, the environment may already be populated
	_ = godotenv.Load()
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function.
func FromEnv(getenv func(string) string) (Config, error) {
	p := parser{getenv: getenv}
	cfg := Config{
		DatabaseURL: databaseURL(getenv),

		WorkflowID:     p.str("WORKFLOW_ID", "order_monitor"),
		Schedule:       p.str("SCHEDULE", "@hourly"),
		StartDate:      p.date("START_DATE", time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)),
		CatchUp:        p.boolean("CATCHUP", false),
		MaxActiveRuns:  p.integer("MAX_ACTIVE_RUNS", 1),
		Workers:        p.integer("WORKERS", 2),
		Owner:          p.str("OWNER", "data-eng"),
		AlertEmails:    p.list("ALERT_EMAILS"),
		EmailOnFailure: p.boolean("EMAIL_ON_FAILURE", true),
		EmailOnRetry:   p.boolean("EMAIL_ON_RETRY", false),
		Retries:        p.integer("RETRIES", 0),
		RetryDelay:     p.duration("RETRY_DELAY", time.Minute),
		TaskTimeout:    p.duration("TASK_TIMEOUT", 0),

		ShellPath:          p.str("SHELL_PATH", "/bin/bash"),
		VenvActivate:       p.str("VENV_ACTIVATE", ""),
		DBTProjectDir:      p.str("DBT_PROJECT_DIR", ""),
		TransformCommand:   p.str("TRANSFORM_COMMAND", "dbt run"),
		PythonBin:          p.str("PYTHON_BIN", "python"),
		CheckDelayedScript: p.str("CHECK_DELAYED_SCRIPT", ""),

		SMTP: notify.SMTPConfig{
			Host:     p.str("SMTP_HOST", ""),
			Port:     p.integer("SMTP_PORT", 587),
			Username: p.str("SMTP_USERNAME", ""),
			Password: p.str("SMTP_PASSWORD", ""),
			From:     p.str("SMTP_FROM", ""),
		},
		HTTPPort: p.str("HTTP_PORT", "8080"),

		LogLevel:  p.str("LOG_LEVEL", "INFO"),
		LogFormat: p.str("LOG_FORMAT", "text"),
	}
	if len(p.errs) > 0 {
		return Config{}, errors.New("invalid configuration: " + strings.Join(p.errs, "; "))
	}
	return cfg, nil
}

// Validate checks the settings a run cannot do without.
func (c Config) Validate() error {
	var missing []string
	if c.DBTProjectDir == "" {
		missing = append(missing, "DBT_PROJECT_DIR")
	}
	if c.CheckDelayedScript == "" {
		missing = append(missing, "CHECK_DELAYED_SCRIPT")
	}
	if len(missing) > 0 {
		return errors.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	if c.Retries < 0 {
		return errors.New("RETRIES cannot be negative")
	}
	if c.MaxActiveRuns < 1 {
		return errors.New("MAX_ACTIVE_RUNS must be at least 1")
	}
	return nil
}

// SMTPConfigured reports whether notifications can be mailed.
func (c Config) SMTPConfigured() bool {
	return c.SMTP.Host != ""
}

// databaseURL prefers DATABASE_URL and falls back to the DB_* parts used by the migrate tool.
func databaseURL(getenv func(string) string) string {
	if url := getenv("DATABASE_URL"); url != "" {
		return url
	}
	dbUsername := getenv("DB_USERNAME")
	dbPassword := getenv("DB_PASSWORD")
	dbHost := getenv("DB_HOST")
	dbPort := getenv("DB_PORT")
	dbName := getenv("DB_NAME")
	if dbUsername == "" || dbPassword == "" || dbHost == "" || dbPort == "" || dbName == "" {
		return ""
	}
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable",
		dbUsername, dbPassword, dbHost, dbPort, dbName)
}

type parser struct {
	getenv func(string) string
	errs   []string
}

func (p *parser) str(key, fallback string) string {
	if v := strings.TrimSpace(p.getenv(key)); v != "" {
		return v
	}
	return fallback
}

func (p *parser) integer(key string, fallback int) int {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s: %q is not an integer", key, v))
		return fallback
	}
	return n
}

func (p *parser) boolean(key string, fallback bool) bool {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s: %q is not a boolean", key, v))
		return fallback
	}
	return b
}

func (p *parser) duration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s: %q is not a duration", key, v))
		return fallback
	}
	return d
}

// date accepts RFC 3339 or a plain YYYY-MM-DD, interpreted as UTC midnight.
func (p *parser) date(key string, fallback time.Time) time.Time {
	v := strings.TrimSpace(p.getenv(key))
	if v == "" {
		return fallback
	}
	if t, err := time.Parse(time.RFC3339, v); err == nil {
		return t.UTC()
	}
	t, err := time.Parse("2006-01-02", v)
	if err != nil {
		p.errs = append(p.errs, fmt.Sprintf("%s: %q is not a date", key, v))
		return fallback
	}
	return t
}

func (p *parser) list(key string) []string {
	var out []string
	for _, item := range strings.Split(p.getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// Package config loads and validates crawler configuration via Viper.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment override.
const EnvPrefix = "CATALOG"

// Config captures all crawler configuration knobs loaded via Viper.
type Config struct {
	Crawl   CrawlConfig   `mapstructure:"crawl"`
	Listing ListingConfig `mapstructure:"listing"`
	Detail  DetailConfig  `mapstructure:"detail"`
	Fetch   FetchConfig   `mapstructure:"fetch"`
	Pacing  PacingConfig  `mapstructure:"pacing"`
	DB      DBConfig      `mapstructure:"db"`
	Export  ExportConfig  `mapstructure:"export"`
	Logging LoggingConfig `mapstructure:"logging"`
	Metrics MetricsConfig `mapstructure:"metrics"`
}

// CrawlConfig governs listing enumeration and fan-out.
type CrawlConfig struct {
	BaseURL           string        `mapstructure:"base_url"`
	PageSize          int           `mapstructure:"page_size"`
	MaxPages          int           `mapstructure:"max_pages"`
	PageConcurrency   int           `mapstructure:"page_concurrency"`
	DetailConcurrency int           `mapstructure:"detail_concurrency"`
	PersistTimeout    time.Duration `mapstructure:"persist_timeout"`
	BackfillLimit     int           `mapstructure:"backfill_limit"`
}

// ListingConfig names the listing page markers.
type ListingConfig struct {
	CardSelector       string   `mapstructure:"card_selector"`
	IDAttr             string   `mapstructure:"id_attr"`
	ImageSelector      string   `mapstructure:"image_selector"`
	ImageAttrs         []string `mapstructure:"image_attrs"`
	PaginationSelector string   `mapstructure:"pagination_selector"`
	MaxRetries         int      `mapstructure:"max_retries"`
}

// DetailConfig locates product payloads.
type DetailConfig struct {
	URLTemplate string `mapstructure:"url_template"`
	MaxRetries  int    `mapstructure:"max_retries"`
}

// FetchConfig configures attempts, backoff and request identity.
type FetchConfig struct {
	Timeout      time.Duration `mapstructure:"timeout"`
	MaxRetries   int           `mapstructure:"max_retries"`
	BackoffBase  float64       `mapstructure:"backoff_base"`
	BackoffUnit  time.Duration `mapstructure:"backoff_unit"`
	BackoffMax   time.Duration `mapstructure:"backoff_max"`
	FailureMode  string        `mapstructure:"failure_mode"`
	UserAgents   []string      `mapstructure:"user_agents"`
	Referer      string        `mapstructure:"referer"`
	IgnoreRobots bool          `mapstructure:"ignore_robots"`
	RPS          float64       `mapstructure:"rps"`
	Burst        int           `mapstructure:"burst"`
}

// RangeConfig is a closed delay interval.
type RangeConfig struct {
	Min time.Duration `mapstructure:"min"`
	Max time.Duration `mapstructure:"max"`
}

// PacingConfig holds the randomized pre-request delays.
type PacingConfig struct {
	Listing RangeConfig `mapstructure:"listing"`
	Detail  RangeConfig `mapstructure:"detail"`
	PageGap RangeConfig `mapstructure:"page_gap"`
}

// DBConfig controls access to the catalog table.
type DBConfig struct {
	Driver        string `mapstructure:"driver"`
	DSN           string `mapstructure:"dsn"`
	Host          string `mapstructure:"host"`
	Port          int    `mapstructure:"port"`
	User          string `mapstructure:"user"`
	Password      string `mapstructure:"password"`
	Name          string `mapstructure:"name"`
	SSLMode       string `mapstructure:"sslmode"`
	Table         string `mapstructure:"table"`
	SchemaVariant string `mapstructure:"schema_variant"`
	MergePolicy   string `mapstructure:"merge_policy"`
	MaxConns      int32  `mapstructure:"max_conns"`
}

// ExportConfig sets the spreadsheet target and optional upload.
type ExportConfig struct {
	Path    string `mapstructure:"path"`
	Upload  string `mapstructure:"upload"`
	Bucket  string `mapstructure:"bucket"`
	BaseDir string `mapstructure:"base_dir"`
	Prefix  string `mapstructure:"prefix"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// MetricsConfig exposes the Prometheus listener. An empty Addr disables it.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// LoadEnvFile reads CATALOG_ENV_FILE (default .env) into the process
// environment without overriding variables already set. A missing file is
// not an error.
func LoadEnvFile() error {
	path := os.Getenv(EnvPrefix + "_ENV_FILE")
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %s: %w", path, err)
	}
	return nil
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyDBEnv(v); err != nil {
		return Config{}, err
	}

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
	// Every key needs a default so AutomaticEnv can reach it during Unmarshal.
	v.SetDefault("crawl.base_url", "")
	v.SetDefault("crawl.page_size", 48)
	v.SetDefault("crawl.max_pages", 0)
	v.SetDefault("crawl.page_concurrency", 2)
	v.SetDefault("crawl.detail_concurrency", 4)
	v.SetDefault("crawl.persist_timeout", "1m")
	v.SetDefault("crawl.backfill_limit", 0)
	v.SetDefault("listing.card_selector", "div.grid-item")
	v.SetDefault("listing.id_attr", "data-grid-id")
	v.SetDefault("listing.image_selector", "img")
	v.SetDefault("listing.image_attrs", []string{"src", "data-src"})
	v.SetDefault("listing.pagination_selector", `[data-auto-id="pagination-pages-container"]`)
	v.SetDefault("listing.max_retries", 0)
	v.SetDefault("detail.url_template", "")
	v.SetDefault("detail.max_retries", 0)
	v.SetDefault("fetch.timeout", "15s")
	v.SetDefault("fetch.max_retries", 2)
	v.SetDefault("fetch.backoff_base", 2.0)
	v.SetDefault("fetch.backoff_unit", "1s")
	v.SetDefault("fetch.backoff_max", "2m")
	v.SetDefault("fetch.failure_mode", "skip")
	v.SetDefault("fetch.user_agents", []string{})
	v.SetDefault("fetch.referer", "")
	v.SetDefault("fetch.ignore_robots", true)
	v.SetDefault("fetch.rps", 0)
	v.SetDefault("fetch.burst", 1)
	v.SetDefault("pacing.listing.min", "1s")
	v.SetDefault("pacing.listing.max", "34s")
	v.SetDefault("pacing.detail.min", "500ms")
	v.SetDefault("pacing.detail.max", "2s")
	v.SetDefault("pacing.page_gap.min", "0s")
	v.SetDefault("pacing.page_gap.max", "0s")
	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.dsn", "")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.sslmode", "disable")
	v.SetDefault("db.table", "catalog_products")
	v.SetDefault("db.schema_variant", "multi")
	v.SetDefault("db.merge_policy", "incoming_wins")
	v.SetDefault("db.max_conns", 4)
	v.SetDefault("export.path", "catalog.xlsx")
	v.SetDefault("export.upload", "none")
	v.SetDefault("export.bucket", "")
	v.SetDefault("export.base_dir", "exports")
	v.SetDefault("export.prefix", "catalog")
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
	v.SetDefault("metrics.addr", ":9090")
}

// bindLegacyDBEnv lets the unprefixed DB_* variables fill the db section.
func bindLegacyDBEnv(v *viper.Viper) error {
	for _, key := range []string{"host", "port", "user", "password", "name"} {
		upper := strings.ToUpper(key)
		if err := v.BindEnv("db."+key, EnvPrefix+"_DB_"+upper, "DB_"+upper); err != nil {
			return fmt.Errorf("bind db.%s: %w", key, err)
		}
	}
	return nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Crawl.BaseURL == "" {
		return fmt.Errorf("crawl.base_url must be set")
	}
	if c.Crawl.PageSize <= 0 {
		return fmt.Errorf("crawl.page_size must be > 0")
	}
	if c.Crawl.MaxPages < 0 {
		return fmt.Errorf("crawl.max_pages must be >= 0")
	}
	if c.Crawl.PageConcurrency <= 0 || c.Crawl.DetailConcurrency <= 0 {
		return fmt.Errorf("crawl.page_concurrency and crawl.detail_concurrency must be > 0")
	}
	if !strings.Contains(c.Detail.URLTemplate, "{id}") {
		return fmt.Errorf("detail.url_template must contain {id}")
	}
	if c.Fetch.MaxRetries <= 0 {
		return fmt.Errorf("fetch.max_retries must be > 0")
	}
	if c.Listing.MaxRetries < 0 || c.Detail.MaxRetries < 0 {
		return fmt.Errorf("listing.max_retries and detail.max_retries must be >= 0")
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("fetch.timeout must be > 0")
	}
	if c.Fetch.BackoffUnit < 0 || c.Fetch.BackoffMax < 0 {
		return fmt.Errorf("fetch backoff durations must be >= 0")
	}
	switch c.Fetch.FailureMode {
	case "skip", "raise":
	default:
		return fmt.Errorf("fetch.failure_mode must be skip or raise, got %q", c.Fetch.FailureMode)
	}
	for name, r := range map[string]RangeConfig{
		"pacing.listing":  c.Pacing.Listing,
		"pacing.detail":   c.Pacing.Detail,
		"pacing.page_gap": c.Pacing.PageGap,
	} {
		if r.Min < 0 || r.Max < r.Min {
			return fmt.Errorf("%s requires 0 <= min <= max", name)
		}
	}
	switch c.DB.Driver {
	case "memory":
	case "postgres":
		if c.DB.DSN == "" && c.DB.Host == "" {
			return fmt.Errorf("db.dsn or db.host must be set for the postgres driver")
		}
	default:
		return fmt.Errorf("db.driver must be postgres or memory, got %q", c.DB.Driver)
	}
	switch c.Export.Upload {
	case "none", "local", "memory":
	case "gcs":
		if c.Export.Bucket == "" {
			return fmt.Errorf("export.bucket must be set when export.upload is gcs")
		}
	default:
		return fmt.Errorf("export.upload must be none, local, gcs or memory, got %q", c.Export.Upload)
	}
	return nil
}

// ListingAttempts is the attempt budget for listing fetches.
func (c Config) ListingAttempts() int {
	if c.Listing.MaxRetries > 0 {
		return c.Listing.MaxRetries
	}
	return c.Fetch.MaxRetries
}

// DetailAttempts is the attempt budget for detail fetches.
func (c Config) DetailAttempts() int {
	if c.Detail.MaxRetries > 0 {
		return c.Detail.MaxRetries
	}
	return c.Fetch.MaxRetries
}

// ConnString returns the DSN, assembling one from the discrete fields when
// no DSN is configured.
func (c DBConfig) ConnString() string {
	if c.DSN != "" {
		return c.DSN
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   c.Host + ":" + strconv.Itoa(c.Port),
		Path:   "/" + c.Name,
	}
	if c.User != "" {
		u.User = url.UserPassword(c.User, c.Password)
	}
	if c.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": {c.SSLMode}}.Encode()
	}
	return u.String()
}

package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server       ServerConfig       `mapstructure:"server"`
	Database     DatabaseConfig     `mapstructure:"database"`
	Archive      ArchiveConfig      `mapstructure:"archive"`
	Orchestrator OrchestratorConfig `mapstructure:"orchestrator"`
	Storage      StorageConfig      `mapstructure:"storage"`
	Auth         AuthConfig         `mapstructure:"auth"`
	Reaper       ReaperConfig       `mapstructure:"reaper"`
	Metrics      MetricsConfig      `mapstructure:"metrics"`
}

type ServerConfig struct {
	Port            int           `mapstructure:"port"`
	Mode            string        `mapstructure:"mode"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	CORS            CORSConfig    `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres
	Path            string        `mapstructure:"path"`   // sqlite only
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	DBName          string        `mapstructure:"dbname"`
	SSLMode         string        `mapstructure:"sslmode"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	AutoMigrate     bool          `mapstructure:"auto_migrate"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// DSN returns the postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode)
}

type ArchiveConfig struct {
	Type            string        `mapstructure:"type"`        // mosdac, staging
	StagingDir      string        `mapstructure:"staging_dir"` // staging only
	BaseURL         string        `mapstructure:"base_url"`
	RequestTimeout  time.Duration `mapstructure:"request_timeout"`
	DownloadTimeout time.Duration `mapstructure:"download_timeout"`
	RetryCount      int           `mapstructure:"retry_count"`
	RetryWait       time.Duration `mapstructure:"retry_wait"`
	UserAgent       string        `mapstructure:"user_agent"`
}

type OrchestratorConfig struct {
	MaxConcurrentJobs int    `mapstructure:"max_concurrent_jobs"`
	FileWorkers       int    `mapstructure:"file_workers"`
	ProgressEvery     int    `mapstructure:"progress_every"`
	DownloadsDir      string `mapstructure:"downloads_dir"`
	JobScopedDirs     bool   `mapstructure:"job_scoped_dirs"`
	KeepRawFiles      bool   `mapstructure:"keep_raw_files"`
}

type AuthConfig struct {
	Tokens          []TokenConfig `mapstructure:"tokens"`
	TrustUserHeader bool          `mapstructure:"trust_user_header"`
}

// TokenConfig maps one bearer token to the user it authenticates.
type TokenConfig struct {
	UserID string `mapstructure:"user_id"`
	Token  string `mapstructure:"token"`
}

type ReaperConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	Schedule   string        `mapstructure:"schedule"`
	StaleAfter time.Duration `mapstructure:"stale_after"`
	BatchSize  int           `mapstructure:"batch_size"`
}

type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

func Load(configPath string) (*Config, error) {
	// Load .env file if exists
	_ = godotenv.Load()

	v := viper.New()

	if configPath == "" {
		configPath = os.Getenv("CONFIG_PATH")
	}
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	// Enable environment variable override
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// Bind environment variables explicitly for sensitive data
	v.BindEnv("database.host", "DB_HOST")
	v.BindEnv("database.port", "DB_PORT")
	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("database.dbname", "DB_NAME")
	v.BindEnv("archive.base_url", "ARCHIVE_BASE_URL")
	v.BindEnv("storage.endpoint", "STORAGE_ENDPOINT")
	v.BindEnv("storage.access_key", "STORAGE_ACCESS_KEY")
	v.BindEnv("storage.secret_key", "STORAGE_SECRET_KEY")
	v.BindEnv("storage.bucket", "STORAGE_BUCKET")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if raw := os.Getenv("API_TOKENS"); raw != "" {
		tokens, err := ParseTokenList(raw)
		if err != nil {
			return nil, fmt.Errorf("API_TOKENS: %w", err)
		}
		cfg.Auth.Tokens = append(cfg.Auth.Tokens, tokens...)
	}
	cfg.Storage.ResolveEnvVars()

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.mode", "release")
	v.SetDefault("server.shutdown_timeout", "30s")
	v.SetDefault("server.cors.allow_all_origins", false)
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.path", "./data/archivejobs.db")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "archivejobs")
	v.SetDefault("database.dbname", "archivejobs")
	v.SetDefault("database.sslmode", "disable")
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.conn_max_lifetime", "30m")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("archive.type", "mosdac")
	v.SetDefault("archive.staging_dir", "./data/staging")
	v.SetDefault("archive.base_url", "https://mosdac.gov.in")
	v.SetDefault("archive.request_timeout", "30s")
	v.SetDefault("archive.download_timeout", "30m")
	v.SetDefault("archive.retry_count", 0)
	v.SetDefault("archive.retry_wait", "2s")
	v.SetDefault("archive.user_agent", "archivejobs/1.0")

	v.SetDefault("orchestrator.max_concurrent_jobs", 4)
	v.SetDefault("orchestrator.file_workers", 1)
	v.SetDefault("orchestrator.progress_every", 1)
	v.SetDefault("orchestrator.downloads_dir", "downloads")
	v.SetDefault("orchestrator.job_scoped_dirs", true)
	v.SetDefault("orchestrator.keep_raw_files", false)

	v.SetDefault("storage.enabled", false)
	v.SetDefault("storage.type", "s3compatible")
	v.SetDefault("storage.use_ssl", true)
	v.SetDefault("storage.prefix", "artifacts")

	v.SetDefault("auth.trust_user_header", false)

	v.SetDefault("reaper.enabled", true)
	v.SetDefault("reaper.schedule", "@every 10m")
	v.SetDefault("reaper.stale_after", "6h")
	v.SetDefault("reaper.batch_size", 100)

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
}

// ParseTokenList parses "user:token" pairs separated by commas.
func ParseTokenList(raw string) ([]TokenConfig, error) {
	var out []TokenConfig
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		user, token, ok := strings.Cut(pair, ":")
		user, token = strings.TrimSpace(user), strings.TrimSpace(token)
		if !ok || user == "" || token == "" {
			return nil, fmt.Errorf("malformed entry %q, want user:token", pair)
		}
		out = append(out, TokenConfig{UserID: user, Token: token})
	}
	return out, nil
}

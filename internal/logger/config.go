package logger

import (
	"io"
	"os"
	"strconv"
)

// EnvConfig is the process logger setup read from LOG_* variables.
// Outside APP_ENV=local the log is also written to a rotated file.
type EnvConfig struct {
	Level       string
	Format      string    // json or text
	Output      io.Writer // Overrides stdout and file output when set
	ServiceName string
	Environment string

	LogFile     string
	LogFileOnly bool

	// Rotation, in lumberjack units.
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// LoadFromEnv reads EnvConfig. Unparseable values fall back to defaults.
func LoadFromEnv() *EnvConfig {
	return &EnvConfig{
		Level:       envString("LOG_LEVEL", "info"),
		Format:      envString("LOG_FORMAT", "json"),
		ServiceName: envString("SERVICE_NAME", "archivejobs"),
		Environment: envString("APP_ENV", "local"),
		LogFile:     envString("LOG_FILE", "/var/log/archivejobs/app.log"),
		LogFileOnly: envParsed("LOG_FILE_ONLY", false, strconv.ParseBool),
		MaxSizeMB:   envParsed("LOG_MAX_SIZE", 100, strconv.Atoi),
		MaxBackups:  envParsed("LOG_MAX_BACKUPS", 7, strconv.Atoi),
		MaxAgeDays:  envParsed("LOG_MAX_AGE", 30, strconv.Atoi),
		Compress:    envParsed("LOG_COMPRESS", true, strconv.ParseBool),
	}
}

func envString(key, fallback string) string {
	return envParsed(key, fallback, func(s string) (string, error) { return s, nil })
}

func envParsed[T any](key string, fallback T, parse func(string) (T, error)) T {
	raw, ok := os.LookupEnv(key)
	if !ok || raw == "" {
		return fallback
	}
	v, err := parse(raw)
	if err != nil {
		return fallback
	}
	return v
}

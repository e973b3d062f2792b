package config

import (
	"fmt"
	"os"
)

// StorageConfig configures the optional artifact mirror in object storage.
type StorageConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Type         string `mapstructure:"type"`           // s3, r2, s3compatible, minio
	Endpoint     string `mapstructure:"endpoint"`       // host[:port], protocol is stripped
	AccessKey    string `mapstructure:"access_key"`     // Can be set directly or via env var
	AccessKeyEnv string `mapstructure:"access_key_env"` // Environment variable name for access key
	SecretKey    string `mapstructure:"secret_key"`
	SecretKeyEnv string `mapstructure:"secret_key_env"`
	UseSSL       bool   `mapstructure:"use_ssl"`
	Bucket       string `mapstructure:"bucket"`
	Region       string `mapstructure:"region"`
	PublicURL    string `mapstructure:"public_url"` // Public URL prefix for R2.dev or custom CDN
	Prefix       string `mapstructure:"prefix"`     // Key prefix for uploaded artifacts
}

// ResolveEnvVars loads keys from the named environment variables.
// Direct values take precedence if already set.
func (c *StorageConfig) ResolveEnvVars() {
	if c.AccessKeyEnv != "" && c.AccessKey == "" {
		if val := os.Getenv(c.AccessKeyEnv); val != "" {
			c.AccessKey = val
		}
	}
	if c.SecretKeyEnv != "" && c.SecretKey == "" {
		if val := os.Getenv(c.SecretKeyEnv); val != "" {
			c.SecretKey = val
		}
	}
}

// Validate checks the storage section. A disabled mirror is always valid.
func (c *StorageConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Type {
	case "", "s3", "r2", "s3compatible", "minio":
	default:
		return fmt.Errorf("unknown storage type %q", c.Type)
	}
	if c.Endpoint == "" {
		return fmt.Errorf("endpoint is required")
	}
	if c.Bucket == "" {
		return fmt.Errorf("bucket is required")
	}
	if c.AccessKey == "" || c.SecretKey == "" {
		return fmt.Errorf("access_key and secret_key are required (set directly or via %s/%s)", c.AccessKeyEnv, c.SecretKeyEnv)
	}
	return nil
}

package config

import "time"

// Config holds runtime settings for the migration tool.
//
// Fields:
//   - StorageDir: directory holding the production chat database.
//   - SandboxDir: base directory for disposable migration sandboxes.
//   - RelayEndpoint: base URL of the file relay used for simplex/xftp links.
//   - S3Region, S3BaseEndpoint, S3Bucket, S3AccessKey, S3SecretKey: settings
//     for archives hosted behind s3:// links (MinIO-compatible).
//   - LinkSigningKey: hex-encoded HMAC key for signed migration links; empty
//     disables token verification.
//   - SettleDelay: pause between transfer completion and import, letting the
//     underlying I/O flush.
type Config struct {
	StorageDir     string
	SandboxDir     string
	RelayEndpoint  string
	S3Region       string
	S3BaseEndpoint string
	S3Bucket       string
	S3AccessKey    string
	S3SecretKey    string
	LinkSigningKey string
	SettleDelay    time.Duration
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.StorageDir = "chat_storage"
	c.SandboxDir = "migration_tmp"
	c.RelayEndpoint = "http://127.0.0.1:8080"
	c.SettleDelay = 250 * time.Millisecond
}

// LoadConfig constructs a Config, applies defaults, then overlays values from
// JSON (if present) and command-line flags (if present). Later sources take
// precedence over earlier ones.
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}

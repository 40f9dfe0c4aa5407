package drivekit

import (
	"strings"

	"github.com/gobeaver/beaver-kit/config"
)

// Config describes one configured backend plus the transfer and validation
// defaults applied on top of it. Configuration is read once at startup; the
// core never re-reads it mid-operation.
type Config struct {
	// Driver to use (local, s3, memory)
	Driver string `env:"DRIVEKIT_DRIVER,default:local"`

	// Local driver configuration
	LocalRoot string `env:"DRIVEKIT_LOCAL_ROOT,default:./storage"`

	// S3 driver configuration
	S3Region          string `env:"DRIVEKIT_S3_REGION,default:us-east-1"`
	S3Bucket          string `env:"DRIVEKIT_S3_BUCKET"`
	S3Prefix          string `env:"DRIVEKIT_S3_PREFIX"`
	S3Endpoint        string `env:"DRIVEKIT_S3_ENDPOINT"`
	S3AccessKeyID     string `env:"DRIVEKIT_S3_ACCESS_KEY_ID"`
	S3SecretAccessKey string `env:"DRIVEKIT_S3_SECRET_ACCESS_KEY"`
	S3ForcePathStyle  bool   `env:"DRIVEKIT_S3_FORCE_PATH_STYLE,default:false"`

	// Listing defaults
	ListPageSize int `env:"DRIVEKIT_LIST_PAGE_SIZE,default:1000"`

	// Transfer defaults
	ChunkSize int64 `env:"DRIVEKIT_CHUNK_SIZE,default:4194304"` // 4 MiB

	// Upload validation defaults
	MaxFileSize       int64  `env:"DRIVEKIT_MAX_FILE_SIZE"`       // 0 = unlimited
	AllowedMimeTypes  string `env:"DRIVEKIT_ALLOWED_MIME_TYPES"`  // comma-separated
	AllowedExtensions string `env:"DRIVEKIT_ALLOWED_EXTENSIONS"`  // comma-separated
	BlockedExtensions string `env:"DRIVEKIT_BLOCKED_EXTENSIONS"`  // comma-separated
}

// GetConfig returns config loaded from environment
func GetConfig() (*Config, error) {
	cfg := &Config{}
	if err := config.Load(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadConfig loads a Config with the given environment prefix, so several
// backends can be configured side by side:
//
//	docs, _ := drivekit.LoadConfig("APP_DOCS_")   // APP_DOCS_DRIVEKIT_DRIVER etc.
//	media, _ := drivekit.LoadConfig("APP_MEDIA_")
func LoadConfig(prefix string) (*Config, error) {
	cfg := &Config{}
	if err := config.Load(cfg, config.LoadOptions{Prefix: prefix}); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Constraints derives UploadConstraints from the configured validation
// defaults.
func (c *Config) Constraints() UploadConstraints {
	uc := UploadConstraints{MaxSize: c.MaxFileSize}
	uc.AllowedTypes = splitCSV(c.AllowedMimeTypes)
	uc.AllowedExtensions = splitCSV(c.AllowedExtensions)
	uc.BlockedExtensions = splitCSV(c.BlockedExtensions)
	return uc
}

func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

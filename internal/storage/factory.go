package storage

import (
	"fmt"

	"github.com/unclebandit/mailleopard-backend/internal/config"
)

// New builds the store selected by cfg.Disk.
func New(cfg config.StorageConfig) (Storage, error) {
	switch cfg.Disk {
	case "", "local":
		return NewLocal(cfg.Root)
	case "s3":
		return NewS3(S3Config{
			Bucket:    cfg.S3Bucket,
			AccessKey: cfg.S3AccessKey,
			SecretKey: cfg.S3SecretKey,
			Endpoint:  cfg.S3Endpoint,
			Region:    cfg.S3Region,
			PathStyle: cfg.S3PathStyle,
		})
	default:
		return nil, fmt.Errorf("%w: unknown disk %q", ErrInvalidConfig, cfg.Disk)
	}
}

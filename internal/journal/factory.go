package journal

import (
	"context"
	"fmt"

	"freelab/internal/config"
)

// Open returns the journal selected by cfg.Driver.
func Open(ctx context.Context, cfg config.JournalConfig) (Store, error) {
	switch cfg.Driver {
	case "", "none":
		return Nop{}, nil
	case "fs":
		return NewFSStore(cfg.Dir)
	case "s3":
		return NewS3Store(ctx, S3Config{
			Bucket:          cfg.S3.Bucket,
			Region:          cfg.S3.Region,
			Endpoint:        cfg.S3.Endpoint,
			Prefix:          cfg.S3.Prefix,
			UsePathStyle:    cfg.S3.UsePathStyle,
			AccessKeyID:     cfg.S3.AccessKeyID,
			SecretAccessKey: cfg.S3.SecretAccessKey,
		})
	default:
		return nil, fmt.Errorf("unknown journal driver %q", cfg.Driver)
	}
}

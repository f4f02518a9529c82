package objectstore

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/discloser/internal/common"
	"github.com/ternarybob/discloser/internal/interfaces"
)

// New builds the ObjectStore backend selected by config.ObjectStore.Backend.
func New(ctx context.Context, cfg common.ObjectStoreConfig, logger arbor.ILogger) (interfaces.ObjectStore, error) {
	switch cfg.Backend {
	case "", "fs":
		return NewFSStore(cfg.FSRoot, logger)
	case "s3":
		return NewS3Store(ctx, cfg.Bucket, cfg.Region, cfg.Endpoint, logger)
	default:
		return nil, fmt.Errorf("unknown objectstore backend %q", cfg.Backend)
	}
}

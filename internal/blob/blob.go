// Package blob stores generated media and returns URLs clients can fetch.
package blob

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/tjfontaine/cinetech-relay/internal/core/ports"
	"github.com/tjfontaine/cinetech-relay/internal/pkg/config"
)

// New returns the blob store named by cfg.Driver.
func New(ctx context.Context, cfg config.BlobConfig, logger *slog.Logger) (ports.BlobStore, error) {
	switch strings.ToLower(cfg.Driver) {
	case "", "local":
		return NewLocalStore(cfg.Dir, cfg.PublicURL)
	case "s3":
		return NewS3Store(ctx, cfg.S3, logger)
	default:
		return nil, fmt.Errorf("unknown blob driver %q", cfg.Driver)
	}
}

// joinURL appends key to base with exactly one slash between them.
func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}

package store

import (
	"context"
	"fmt"

	"notify-relay/config"
	"notify-relay/internal/db"
	"notify-relay/internal/model"
)

// Store persists the full subscription registry. Save always rewrites the
// whole document; there are no partial or incremental writes.
type Store interface {
	Load(ctx context.Context) (*model.Document, error)
	Save(ctx context.Context, doc *model.Document) error
	Close() error
}

// Open returns the backend selected by cfg.Driver.
func Open(cfg *config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "", "file":
		return NewFileStore(cfg.Path), nil
	case "sqlite", "postgres":
		gormDB, err := db.Init(cfg)
		if err != nil {
			return nil, err
		}
		return NewGormStore(gormDB), nil
	case "badger":
		return OpenBadgerStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

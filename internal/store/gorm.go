package store

import (
	"context"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"gorm.io/gorm"

	"notify-relay/internal/apperr"
	"notify-relay/internal/model"
)

// gormStore keeps the registry as one row per endpoint.
type gormStore struct {
	db *gorm.DB
}

// NewGormStore creates a GORM-backed store. The schema must already exist
// (see db.Migrate).
func NewGormStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) Load(ctx context.Context) (*model.Document, error) {
	var rows []model.RegistryRow
	if err := s.db.WithContext(ctx).Order("position").Find(&rows).Error; err != nil {
		return nil, apperr.IO(err, "failed to read subscription registry")
	}

	doc := model.NewDocument()
	for _, row := range rows {
		var entry model.Entry
		if err := json.Unmarshal([]byte(row.Subscription), &entry.Subscription); err != nil {
			return nil, apperr.IO(err, fmt.Sprintf("failed to decode subscription for %s", row.Endpoint))
		}
		if err := json.Unmarshal([]byte(row.Tokens), &entry.Tokens); err != nil {
			return nil, apperr.IO(err, fmt.Sprintf("failed to decode tokens for %s", row.Endpoint))
		}
		doc.Put(row.Endpoint, &entry)
	}
	return doc, nil
}

// Save replaces every row inside a single transaction.
func (s *gormStore) Save(ctx context.Context, doc *model.Document) error {
	rows, err := toRows(doc, time.Now().UTC())
	if err != nil {
		return apperr.IO(err, "failed to encode subscription registry")
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Session(&gorm.Session{AllowGlobalUpdate: true}).Delete(&model.RegistryRow{}).Error; err != nil {
			return fmt.Errorf("failed to clear registry rows: %w", err)
		}
		if len(rows) == 0 {
			return nil
		}
		if err := tx.CreateInBatches(rows, 100).Error; err != nil {
			return fmt.Errorf("failed to insert registry rows: %w", err)
		}
		return nil
	})
	if err != nil {
		return apperr.IO(err, "failed to save subscription registry")
	}
	return nil
}

func (s *gormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func toRows(doc *model.Document, now time.Time) ([]model.RegistryRow, error) {
	rows := make([]model.RegistryRow, 0, doc.Len())
	var encodeErr error
	doc.Range(func(endpoint string, e *model.Entry) bool {
		sub, err := json.Marshal(e.Subscription)
		if err != nil {
			encodeErr = err
			return false
		}
		tokens, err := json.Marshal(e.Tokens)
		if err != nil {
			encodeErr = err
			return false
		}
		rows = append(rows, model.RegistryRow{
			Endpoint:     endpoint,
			Position:     len(rows),
			Subscription: string(sub),
			Tokens:       string(tokens),
			UpdatedAt:    now,
		})
		return true
	})
	return rows, encodeErr
}

package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"notify-relay/internal/apperr"
	"notify-relay/internal/model"
)

var registryKey = []byte("registry")

// badgerStore keeps the registry document under a single key of an
// embedded badger database.
type badgerStore struct {
	db *badger.DB
}

// OpenBadgerStore opens (or creates) a badger database in dir. An empty dir
// opens an in-memory database.
func OpenBadgerStore(dir string) (Store, error) {
	opts := badger.DefaultOptions(dir)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	opts = opts.WithLogger(badgerLogger{log.With().Str("component", "badger").Logger()})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger at %q: %w", dir, err)
	}
	return &badgerStore{db: db}, nil
}

func (s *badgerStore) Load(ctx context.Context) (*model.Document, error) {
	var data []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(registryKey)
		if err != nil {
			return err
		}
		data, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return model.NewDocument(), nil
	}
	if err != nil {
		return nil, apperr.IO(err, "failed to read subscription registry")
	}

	doc, migrated, err := model.ParseDocument(data)
	if err != nil {
		return nil, apperr.IO(err, "failed to decode subscription registry")
	}
	if migrated {
		if err := s.Save(ctx, doc); err != nil {
			return nil, err
		}
		log.Info().Int("entries", doc.Len()).Msg("migrated subscriptions")
	}
	return doc, nil
}

func (s *badgerStore) Save(ctx context.Context, doc *model.Document) error {
	if err := ctx.Err(); err != nil {
		return apperr.IO(err, "failed to save subscription registry")
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return apperr.IO(err, "failed to encode subscription registry")
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(registryKey, data)
	}); err != nil {
		return apperr.IO(err, "failed to save subscription registry")
	}
	return nil
}

func (s *badgerStore) Close() error {
	return s.db.Close()
}

// badgerLogger routes badger's internal logging through zerolog.
type badgerLogger struct {
	l zerolog.Logger
}

func (b badgerLogger) Errorf(f string, v ...interface{})   { b.l.Error().Msgf(f, v...) }
func (b badgerLogger) Warningf(f string, v ...interface{}) { b.l.Warn().Msgf(f, v...) }
func (b badgerLogger) Infof(f string, v ...interface{})    { b.l.Debug().Msgf(f, v...) }
func (b badgerLogger) Debugf(f string, v ...interface{})   { b.l.Trace().Msgf(f, v...) }

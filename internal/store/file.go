package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"notify-relay/internal/apperr"
	"notify-relay/internal/model"
)

// fileStore keeps the registry as one JSON document on disk.
type fileStore struct {
	path      string
	writeFile func(path string, data []byte) error
}

// NewFileStore creates a store backed by the JSON document at path.
func NewFileStore(path string) Store {
	return &fileStore{path: path, writeFile: replaceFile}
}

// Load reads the registry. A missing file is an empty registry; a legacy
// array-shaped file is upgraded and written back before returning.
func (s *fileStore) Load(ctx context.Context) (*model.Document, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return model.NewDocument(), nil
	}
	if err != nil {
		return nil, apperr.IO(err, "failed to read subscription registry")
	}

	doc, migrated, err := model.ParseDocument(data)
	if err != nil {
		return nil, apperr.IO(err, fmt.Sprintf("failed to decode %s", s.path))
	}
	if migrated {
		log.Info().Str("path", s.path).Msg("migrating subscriptions from array to object format")
		if err := s.Save(ctx, doc); err != nil {
			return nil, err
		}
		log.Info().Int("entries", doc.Len()).Msg("migrated subscriptions")
	}
	return doc, nil
}

// Save overwrites the document on disk.
func (s *fileStore) Save(ctx context.Context, doc *model.Document) error {
	if err := ctx.Err(); err != nil {
		return apperr.IO(err, "failed to save subscription registry")
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return apperr.IO(err, "failed to encode subscription registry")
	}
	if err := s.writeFile(s.path, data); err != nil {
		return apperr.IO(err, "failed to save subscription registry")
	}
	return nil
}

func (s *fileStore) Close() error { return nil }

// replaceFile writes data next to path and renames it into place, so a crash
// leaves either the previous or the new document.
func replaceFile(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".*.tmp")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

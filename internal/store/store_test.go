package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/dgraph-io/badger/v4"
	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"notify-relay/config"
	"notify-relay/internal/apperr"
	"notify-relay/internal/db"
	"notify-relay/internal/model"
)

const legacyRegistry = `[
  {"endpoint": "https://push.example/one", "keys": {"p256dh": "p1", "auth": "a1"}},
  {"endpoint": "https://push.example/two", "keys": {"p256dh": "p2", "auth": "a2"}}
]`

func sampleDocument() *model.Document {
	doc := model.NewDocument()
	doc.Put("https://push.example/b", &model.Entry{
		Subscription: model.Subscription{Endpoint: "https://push.example/b", Keys: model.Keys{P256dh: "pb", Auth: "ab"}},
		Tokens:       []string{"phone", "laptop"},
	})
	doc.Put("https://push.example/a", &model.Entry{
		Subscription: model.Subscription{Endpoint: "https://push.example/a", Keys: model.Keys{P256dh: "pa", Auth: "aa"}},
		Tokens:       []string{"phone"},
	})
	return doc
}

func assertSameDocument(t *testing.T, want, got *model.Document) {
	t.Helper()
	require.Equal(t, want.Endpoints(), got.Endpoints())
	for _, ep := range want.Endpoints() {
		we, _ := want.Get(ep)
		ge, ok := got.Get(ep)
		require.True(t, ok, ep)
		assert.Equal(t, we.Subscription.Endpoint, ge.Subscription.Endpoint)
		assert.Equal(t, we.Subscription.Keys, ge.Subscription.Keys)
		assert.Equal(t, we.Tokens, ge.Tokens)
	}
}

func newFileStore(t *testing.T) (*fileStore, *int) {
	t.Helper()
	writes := 0
	s := NewFileStore(filepath.Join(t.TempDir(), "data", "subscriptions.json")).(*fileStore)
	s.writeFile = func(path string, data []byte) error {
		writes++
		return replaceFile(path, data)
	}
	return s, &writes
}

func TestFileStore_MissingFileIsEmpty(t *testing.T) {
	s, writes := newFileStore(t)

	doc, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0, doc.Len())
	assert.Equal(t, 0, *writes)
}

func TestFileStore_SaveLoadIsFixedPoint(t *testing.T) {
	ctx := context.Background()
	s, _ := newFileStore(t)

	require.NoError(t, s.Save(ctx, sampleDocument()))
	first, err := os.ReadFile(s.path)
	require.NoError(t, err)

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	assertSameDocument(t, sampleDocument(), loaded)

	require.NoError(t, s.Save(ctx, loaded))
	second, err := os.ReadFile(s.path)
	require.NoError(t, err)
	assert.Equal(t, string(first), string(second))
}

func TestFileStore_KeepsOpaqueSubscriptionFields(t *testing.T) {
	ctx := context.Background()
	s, _ := newFileStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.path), 0o755))
	stored := `{
  "https://push.example/x": {
    "subscription": {"endpoint": "https://push.example/x", "expirationTime": null, "contentEncoding": "aes128gcm", "keys": {"p256dh": "p", "auth": "a"}},
    "tokens": ["phone"]
  }
}`
	require.NoError(t, os.WriteFile(s.path, []byte(stored), 0o600))

	doc, err := s.Load(ctx)
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, doc))

	data, err := os.ReadFile(s.path)
	require.NoError(t, err)
	var onDisk map[string]struct {
		Subscription map[string]any `json:"subscription"`
		Tokens       []string       `json:"tokens"`
	}
	require.NoError(t, json.Unmarshal(data, &onDisk))

	entry := onDisk["https://push.example/x"]
	assert.Equal(t, []string{"phone"}, entry.Tokens)
	assert.Equal(t, "aes128gcm", entry.Subscription["contentEncoding"])
	assert.Contains(t, entry.Subscription, "expirationTime")
	assert.Nil(t, entry.Subscription["expirationTime"])
}

func TestFileStore_LegacyFractionalExpirationTime(t *testing.T) {
	s, _ := newFileStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.path), 0o755))
	legacy := `[{"endpoint":"https://push.example/x","expirationTime":1700000000000.5,"keys":{"p256dh":"p","auth":"a"}}]`
	require.NoError(t, os.WriteFile(s.path, []byte(legacy), 0o600))

	doc, err := s.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"https://push.example/x"}, doc.Endpoints())

	data, err := os.ReadFile(s.path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "1700000000000.5")
}

func TestGormStore_KeepsOpaqueSubscriptionFields(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	doc, _, err := model.ParseDocument([]byte(`{"https://push.example/x":{"subscription":{"endpoint":"https://push.example/x","expirationTime":null,"contentEncoding":"aes128gcm","keys":{"p256dh":"p","auth":"a"}},"tokens":["phone"]}}`))
	require.NoError(t, err)
	require.NoError(t, s.Save(ctx, doc))

	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	e, ok := loaded.Get("https://push.example/x")
	require.True(t, ok)
	out, err := json.Marshal(e.Subscription)
	require.NoError(t, err)
	assert.JSONEq(t, `{"endpoint":"https://push.example/x","expirationTime":null,"contentEncoding":"aes128gcm","keys":{"p256dh":"p","auth":"a"}}`, string(out))
}

func TestFileStore_MigratesLegacyArray(t *testing.T) {
	ctx := context.Background()
	s, writes := newFileStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.path), 0o755))
	require.NoError(t, os.WriteFile(s.path, []byte(legacyRegistry), 0o600))

	doc, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, *writes, "migration must persist exactly once")
	assert.Equal(t, []string{"https://push.example/one", "https://push.example/two"}, doc.Endpoints())
	for _, ep := range doc.Endpoints() {
		e, _ := doc.Get(ep)
		assert.Empty(t, e.Tokens)
	}

	// The upgraded form is now on disk, so a second load does not write.
	again, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, *writes)
	assertSameDocument(t, doc, again)
}

func TestFileStore_WriteFailureIsIOError(t *testing.T) {
	s, _ := newFileStore(t)
	s.writeFile = func(string, []byte) error { return errors.New("read-only file system") }

	err := s.Save(context.Background(), sampleDocument())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindIO))
}

func TestFileStore_CorruptFileIsIOError(t *testing.T) {
	s, _ := newFileStore(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(s.path), 0o755))
	require.NoError(t, os.WriteFile(s.path, []byte(`{"https://push.example/x": `), 0o600))

	_, err := s.Load(context.Background())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindIO))
}

func newSQLiteStore(t *testing.T) Store {
	t.Helper()
	gormDB, err := gorm.Open(sqlite.Open("file:"+t.Name()+"?mode=memory&cache=shared"), &gorm.Config{})
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gormDB))
	s := NewGormStore(gormDB)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestGormStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newSQLiteStore(t)

	empty, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())

	require.NoError(t, s.Save(ctx, sampleDocument()))
	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	assertSameDocument(t, sampleDocument(), loaded)

	// A smaller document replaces, rather than merges with, the stored one.
	loaded.Delete("https://push.example/b")
	require.NoError(t, s.Save(ctx, loaded))
	reloaded, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"https://push.example/a"}, reloaded.Endpoints())
}

func TestGormStore_SaveRollsBackOnFailure(t *testing.T) {
	sqlDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	gormDB, err := gorm.Open(postgres.New(postgres.Config{Conn: sqlDB}), &gorm.Config{})
	require.NoError(t, err)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(`DELETE FROM "registry_entries"`)).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	err = NewGormStore(gormDB).Save(context.Background(), sampleDocument())
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindIO))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestBadgerStore_RoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := OpenBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	empty, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, empty.Len())

	require.NoError(t, s.Save(ctx, sampleDocument()))
	loaded, err := s.Load(ctx)
	require.NoError(t, err)
	assertSameDocument(t, sampleDocument(), loaded)
}

func TestBadgerStore_MigratesLegacyArray(t *testing.T) {
	ctx := context.Background()
	s, err := OpenBadgerStore("")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	bs := s.(*badgerStore)
	require.NoError(t, bs.db.Update(func(txn *badger.Txn) error {
		return txn.Set(registryKey, []byte(legacyRegistry))
	}))

	doc, err := s.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, doc.Len())

	var stored []byte
	require.NoError(t, bs.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(registryKey)
		if err != nil {
			return err
		}
		stored, err = item.ValueCopy(nil)
		return err
	}))
	assert.Equal(t, byte('{'), stored[0], "upgraded document must be written back")
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(&config.StorageConfig{Driver: "file", Path: filepath.Join(dir, "subs.json")})
	require.NoError(t, err)
	assert.IsType(t, &fileStore{}, s)

	s, err = Open(&config.StorageConfig{Driver: "sqlite", Path: filepath.Join(dir, "subs.db")})
	require.NoError(t, err)
	assert.IsType(t, &gormStore{}, s)
	require.NoError(t, s.Close())

	s, err = Open(&config.StorageConfig{Driver: "badger", Path: filepath.Join(dir, "badger")})
	require.NoError(t, err)
	assert.IsType(t, &badgerStore{}, s)
	require.NoError(t, s.Close())

	_, err = Open(&config.StorageConfig{Driver: "mongo"})
	assert.Error(t, err)
}

package api

import (
	"bytes"
	"context"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"notify-relay/config"
	"notify-relay/internal/model"
	"notify-relay/internal/mw"
	"notify-relay/internal/notification"
	"notify-relay/internal/registry"
	"notify-relay/internal/store"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// pushService is a fake push service that answers per endpoint path.
type pushService struct {
	*httptest.Server
	mu       sync.Mutex
	statuses map[string]int
	hits     []string
}

func newPushService(t *testing.T) *pushService {
	t.Helper()
	ps := &pushService{statuses: map[string]int{}}
	ps.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ps.mu.Lock()
		defer ps.mu.Unlock()
		ps.hits = append(ps.hits, r.URL.Path)
		status, ok := ps.statuses[r.URL.Path]
		if !ok {
			status = http.StatusCreated
		}
		w.WriteHeader(status)
	}))
	t.Cleanup(ps.Close)
	return ps
}

func (ps *pushService) respond(path string, status int) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.statuses[path] = status
}

func (ps *pushService) requests() []string {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	return append([]string(nil), ps.hits...)
}

type testServer struct {
	router    *gin.Engine
	registry  *registry.Registry
	push      *pushService
	publicKey string
}

func newTestServer(t *testing.T, assetsDir string, limiter *mw.IPRateLimiter) *testServer {
	t.Helper()
	ctx := context.Background()

	reg, err := registry.New(ctx, store.NewFileStore(filepath.Join(t.TempDir(), "subscriptions.json")))
	require.NoError(t, err)

	privateKey, publicKey, err := webpush.GenerateVAPIDKeys()
	require.NoError(t, err)

	ps := newPushService(t)
	opts := notification.Options(publicKey, privateKey, "mailto:ops@example.com", 60, "", ps.Client())
	dispatcher := notification.NewDispatcher(reg, opts, notification.Defaults{Icon: "/icon.svg", URL: "/", Tag: "claude-notify"})

	handler := NewHandler(reg, dispatcher, publicKey, assetsDir, Info{Name: "notify-relay", Version: "1.2.3"})
	cfg := &config.ServerConfig{CacheTTL: 0}
	return &testServer{
		router:    NewRouter(cfg, handler, limiter),
		registry:  reg,
		push:      ps,
		publicKey: publicKey,
	}
}

func (s *testServer) do(method, target, body string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	var req *http.Request
	if body == "" {
		req, _ = http.NewRequest(method, target, nil)
	} else {
		req, _ = http.NewRequest(method, target, bytes.NewBufferString(body))
		req.Header.Set("Content-Type", "application/json")
	}
	s.router.ServeHTTP(w, req)
	return w
}

// browserSubscription returns a subscription with real client key material
// pointing at the fake push service.
func (s *testServer) browserSubscription(t *testing.T, path string) model.Subscription {
	t.Helper()
	key, err := ecdh.P256().GenerateKey(rand.Reader)
	require.NoError(t, err)
	auth := make([]byte, 16)
	_, err = rand.Read(auth)
	require.NoError(t, err)

	return model.Subscription{
		Endpoint: s.push.URL + path,
		Keys: model.Keys{
			P256dh: base64.RawURLEncoding.EncodeToString(key.PublicKey().Bytes()),
			Auth:   base64.RawURLEncoding.EncodeToString(auth),
		},
	}
}

func subscribeBody(token string, sub model.Subscription) string {
	var b strings.Builder
	b.WriteString(`{"token":"` + token + `","subscription":{"endpoint":"` + sub.Endpoint + `",`)
	b.WriteString(`"keys":{"p256dh":"` + sub.Keys.P256dh + `","auth":"` + sub.Keys.Auth + `"}}}`)
	return b.String()
}

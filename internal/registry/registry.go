// Package registry maps push endpoints to the tokens allowed to address them.
//
// Every mutation runs under one mutex: the current document is cloned, the
// clone is mutated and persisted, and only a successful save makes the clone
// current. A failed save therefore leaves the in-memory registry untouched.
package registry

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"notify-relay/internal/apperr"
	"notify-relay/internal/logging"
	"notify-relay/internal/metrics"
	"notify-relay/internal/model"
	"notify-relay/internal/store"
)

// Registry is the in-memory subscription registry backed by a Store.
type Registry struct {
	mu    sync.Mutex
	doc   *model.Document
	store store.Store
}

// New loads the registry from s.
func New(ctx context.Context, s store.Store) (*Registry, error) {
	doc, err := s.Load(ctx)
	if err != nil {
		return nil, err
	}
	metrics.RegistryEndpoints.Set(float64(doc.Len()))
	return &Registry{doc: doc, store: s}, nil
}

// commit makes next the current document. Callers hold r.mu.
func (r *Registry) commit(next *model.Document) {
	r.doc = next
	metrics.RegistryEndpoints.Set(float64(next.Len()))
}

// Len returns the number of registered endpoints.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.doc.Len()
}

// AddToken associates token with the subscription's endpoint and returns the
// endpoint's current token set. Adding a token that is already present is a
// no-op. The stored payload of a known endpoint is kept as first registered,
// except for entries with no tokens at all (migrated legacy entries), whose
// payload is refreshed.
func (r *Registry) AddToken(ctx context.Context, sub model.Subscription, token string) ([]string, error) {
	if sub.Endpoint == "" {
		return nil, apperr.Validation("Invalid subscription: endpoint required")
	}
	if token == "" {
		return nil, apperr.Validation("Token is required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	logger := log.With().Str("token", token).Str("endpoint", logging.Truncate(sub.Endpoint, 50)).Logger()

	if existing, ok := r.doc.Get(sub.Endpoint); ok && existing.HasToken(token) {
		logger.Debug().Strs("tokens", existing.Tokens).Msg("token already registered for endpoint")
		return copyTokens(existing.Tokens), nil
	}

	next := r.doc.Clone()
	entry, ok := next.Get(sub.Endpoint)
	switch {
	case !ok:
		entry = &model.Entry{Subscription: sub, Tokens: []string{token}}
		next.Put(sub.Endpoint, entry)
	case len(entry.Tokens) == 0:
		logger.Info().Msg("refreshing payload of token-less endpoint")
		entry.Subscription = sub
		entry.Tokens = append(entry.Tokens, token)
	default:
		entry.Tokens = append(entry.Tokens, token)
	}

	if err := r.store.Save(ctx, next); err != nil {
		return nil, err
	}
	r.commit(next)

	logger.Info().Strs("tokens", entry.Tokens).Int("endpoints", next.Len()).Msg("token added")
	return copyTokens(entry.Tokens), nil
}

// RemoveToken removes token from endpoint, or the whole entry when token is
// empty. An entry left without tokens is deleted. It returns how many
// associations (or, without a token, entries) were removed and the tokens
// that remain for the endpoint.
func (r *Registry) RemoveToken(ctx context.Context, endpoint, token string) (int, []string, error) {
	if endpoint == "" {
		return 0, nil, apperr.Validation("Endpoint required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.doc.Get(endpoint)
	if !ok {
		return 0, []string{}, nil
	}
	// A token-less legacy entry falls through and is deleted below.
	if token != "" && !existing.HasToken(token) && len(existing.Tokens) > 0 {
		return 0, copyTokens(existing.Tokens), nil
	}

	next := r.doc.Clone()
	removed := 1
	remaining := []string{}
	if token == "" {
		next.Delete(endpoint)
	} else {
		entry, _ := next.Get(endpoint)
		removed = 0
		for _, t := range entry.Tokens {
			if t == token {
				removed++
				continue
			}
			remaining = append(remaining, t)
		}
		entry.Tokens = remaining
		if len(remaining) == 0 {
			next.Delete(endpoint)
		}
	}

	if err := r.store.Save(ctx, next); err != nil {
		return 0, nil, err
	}
	r.commit(next)

	evt := log.Info().Str("endpoint", logging.Truncate(endpoint, 50))
	if token != "" {
		evt = evt.Str("token", token).Strs("remaining", remaining)
	}
	if _, still := next.Get(endpoint); !still {
		evt.Msg("endpoint removed")
	} else {
		evt.Msg("token removed")
	}
	return removed, copyTokens(remaining), nil
}

// TokensFor returns the tokens associated with endpoint, empty if unknown.
func (r *Registry) TokensFor(endpoint string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.doc.Get(endpoint); ok {
		return copyTokens(e.Tokens)
	}
	return []string{}
}

// SubscriptionsFor returns, in registration order, the payload of every
// endpoint whose token set contains token.
func (r *Registry) SubscriptionsFor(token string) []model.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []model.Subscription
	r.doc.Range(func(_ string, e *model.Entry) bool {
		if e.HasToken(token) {
			out = append(out, e.Subscription)
		}
		return true
	})
	return out
}

// Binding is one endpoint with its tokens.
type Binding struct {
	Endpoint string
	Tokens   []string
}

// Bindings returns every endpoint with its tokens, in registration order.
func (r *Registry) Bindings() []Binding {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Binding, 0, r.doc.Len())
	r.doc.Range(func(ep string, e *model.Entry) bool {
		out = append(out, Binding{Endpoint: ep, Tokens: copyTokens(e.Tokens)})
		return true
	})
	return out
}

// RemoveEndpoints deletes every listed endpoint with a single write and
// returns how many were present.
func (r *Registry) RemoveEndpoints(ctx context.Context, endpoints []string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	next := r.doc.Clone()
	removed := 0
	for _, ep := range endpoints {
		if next.Delete(ep) {
			removed++
		}
	}
	if removed == 0 {
		return 0, nil
	}

	if err := r.store.Save(ctx, next); err != nil {
		return 0, err
	}
	r.commit(next)

	log.Info().Int("removed", removed).Int("endpoints", next.Len()).Msg("removed dead endpoints")
	return removed, nil
}

func copyTokens(tokens []string) []string {
	out := make([]string, len(tokens))
	copy(out, tokens)
	return out
}

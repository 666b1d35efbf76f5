package model

import (
	"bytes"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/goccy/go-json"
)

// Keys holds the client-side encryption material of a push subscription.
type Keys struct {
	P256dh string `json:"p256dh"`
	Auth   string `json:"auth"`
}

// Subscription is a browser PushSubscription as posted by the client. The
// payload is kept verbatim and written back unchanged; only Endpoint and Keys
// are read from it.
type Subscription struct {
	Endpoint string
	Keys     Keys

	raw []byte
}

// subscriptionFields is the part of a subscription the relay reads.
type subscriptionFields struct {
	Endpoint string `json:"endpoint"`
	Keys     Keys   `json:"keys"`
}

// UnmarshalJSON reads endpoint and keys and keeps the whole payload, unknown
// fields included.
func (s *Subscription) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*s = Subscription{}
		return nil
	}

	var f subscriptionFields
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	var compact bytes.Buffer
	if err := json.Compact(&compact, data); err != nil {
		return err
	}
	*s = Subscription{Endpoint: f.Endpoint, Keys: f.Keys, raw: compact.Bytes()}
	return nil
}

// MarshalJSON writes the payload as it was received. A subscription built in
// code encodes as {endpoint, keys}.
func (s Subscription) MarshalJSON() ([]byte, error) {
	if len(s.raw) > 0 {
		return s.raw, nil
	}
	return json.Marshal(subscriptionFields{Endpoint: s.Endpoint, Keys: s.Keys})
}

// WebPush converts the subscription into the form expected by webpush-go.
func (s Subscription) WebPush() *webpush.Subscription {
	return &webpush.Subscription{
		Endpoint: s.Endpoint,
		Keys: webpush.Keys{
			P256dh: s.Keys.P256dh,
			Auth:   s.Keys.Auth,
		},
	}
}

// Entry is the registry value stored for one endpoint.
type Entry struct {
	Subscription Subscription `json:"subscription"`
	Tokens       []string     `json:"tokens"`
}

// HasToken reports whether token is associated with the entry.
func (e *Entry) HasToken(token string) bool {
	for _, t := range e.Tokens {
		if t == token {
			return true
		}
	}
	return false
}

func (e *Entry) clone() *Entry {
	c := &Entry{Subscription: e.Subscription, Tokens: make([]string, len(e.Tokens))}
	copy(c.Tokens, e.Tokens)
	return c
}

// RegistryRow is the relational form of one registry entry.
type RegistryRow struct {
	Endpoint     string    `gorm:"primaryKey"`
	Position     int       `gorm:"not null;index"`
	Subscription string    `gorm:"type:text;not null"`
	Tokens       string    `gorm:"type:text;not null"`
	UpdatedAt    time.Time `gorm:"not null"`
}

// TableName pins the table name used by the gorm store.
func (RegistryRow) TableName() string {
	return "registry_entries"
}

package model

import (
	"bytes"
	stdjson "encoding/json"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
)

// Document is the full subscription registry: endpoint -> entry, kept in
// insertion order. It serializes as a JSON object whose key order is the
// insertion order.
type Document struct {
	order   []string
	entries map[string]*Entry
}

// NewDocument returns an empty registry document.
func NewDocument() *Document {
	return &Document{entries: make(map[string]*Entry)}
}

// Len returns the number of entries.
func (d *Document) Len() int {
	return len(d.order)
}

// Get returns the entry stored for endpoint.
func (d *Document) Get(endpoint string) (*Entry, bool) {
	e, ok := d.entries[endpoint]
	return e, ok
}

// Put stores e under endpoint. A new endpoint is appended to the order; an
// existing one keeps its position.
func (d *Document) Put(endpoint string, e *Entry) {
	if e.Tokens == nil {
		e.Tokens = []string{}
	}
	if _, exists := d.entries[endpoint]; !exists {
		d.order = append(d.order, endpoint)
	}
	d.entries[endpoint] = e
}

// Delete removes endpoint and reports whether it was present.
func (d *Document) Delete(endpoint string) bool {
	if _, ok := d.entries[endpoint]; !ok {
		return false
	}
	delete(d.entries, endpoint)
	for i, ep := range d.order {
		if ep == endpoint {
			d.order = append(d.order[:i], d.order[i+1:]...)
			break
		}
	}
	return true
}

// Endpoints returns the endpoints in insertion order.
func (d *Document) Endpoints() []string {
	out := make([]string, len(d.order))
	copy(out, d.order)
	return out
}

// Range calls fn for every entry in insertion order until fn returns false.
func (d *Document) Range(fn func(endpoint string, e *Entry) bool) {
	for _, ep := range d.order {
		if !fn(ep, d.entries[ep]) {
			return
		}
	}
}

// Clone returns a deep copy of the document.
func (d *Document) Clone() *Document {
	c := &Document{
		order:   make([]string, len(d.order)),
		entries: make(map[string]*Entry, len(d.entries)),
	}
	copy(c.order, d.order)
	for ep, e := range d.entries {
		c.entries[ep] = e.clone()
	}
	return c
}

// MarshalJSON encodes the document as an insertion-ordered JSON object.
func (d *Document) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, ep := range d.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(ep)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(d.entries[ep])
		if err != nil {
			return nil, fmt.Errorf("encode entry %q: %w", ep, err)
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes an object-shaped document, keeping key order. The
// key walk uses encoding/json's token stream.
func (d *Document) UnmarshalJSON(data []byte) error {
	dec := stdjson.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(stdjson.Delim); !ok || delim != '{' {
		return errors.New("registry document must be a JSON object")
	}

	fresh := NewDocument()
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		endpoint, ok := tok.(string)
		if !ok {
			return fmt.Errorf("unexpected token %v in registry document", tok)
		}
		var e Entry
		if err := dec.Decode(&e); err != nil {
			return fmt.Errorf("decode entry %q: %w", endpoint, err)
		}
		fresh.Put(endpoint, &e)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}

	*d = *fresh
	return nil
}

// ParseDocument decodes a persisted registry. Besides the current keyed
// shape it accepts the legacy shape, a flat array of subscriptions; legacy
// entries come back with empty token sets and migrated is true. Empty input
// yields an empty document.
func ParseDocument(data []byte) (doc *Document, migrated bool, err error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return NewDocument(), false, nil
	}

	switch trimmed[0] {
	case '{':
		doc = NewDocument()
		if err := doc.UnmarshalJSON(trimmed); err != nil {
			return nil, false, err
		}
		return doc, false, nil
	case '[':
		var legacy []Subscription
		if err := json.Unmarshal(trimmed, &legacy); err != nil {
			return nil, false, fmt.Errorf("decode legacy registry: %w", err)
		}
		doc = NewDocument()
		for _, sub := range legacy {
			if sub.Endpoint == "" {
				continue
			}
			if _, dup := doc.Get(sub.Endpoint); dup {
				continue
			}
			doc.Put(sub.Endpoint, &Entry{Subscription: sub, Tokens: []string{}})
		}
		return doc, true, nil
	default:
		return nil, false, errors.New("registry document is neither an object nor an array")
	}
}

package notification

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"github.com/SherClockHolmes/webpush-go"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog/log"

	"notify-relay/internal/apperr"
	"notify-relay/internal/logging"
	"notify-relay/internal/metrics"
	"notify-relay/internal/model"
	"notify-relay/internal/registry"
)

// Web push payloads are capped at 4096 bytes; MaxPayloadBytes leaves margin.
const (
	MaxTitleBytes   = 200
	MaxBodyBytes    = 2000
	MaxPayloadBytes = 4000
)

// aes128gcm record overhead as laid out by webpush-go: a 16 byte
// authentication tag, an 86 byte header (salt, record size, key id length,
// sender key) and one padding delimiter byte.
const (
	recordTagBytes    = 16
	recordHeaderBytes = 86
	recordDelimiter   = 1
)

// MaxEncryptableBytes is the largest payload webpush-go can encrypt into one
// record of recordSize bytes. Zero selects webpush-go's default record size.
func MaxEncryptableBytes(recordSize uint32) int {
	if recordSize == 0 {
		recordSize = webpush.MaxRecordSize
	}
	return int(recordSize) - recordTagBytes - recordHeaderBytes - recordDelimiter
}

// Directory resolves tokens to subscriptions and forgets dead endpoints.
type Directory interface {
	SubscriptionsFor(token string) []model.Subscription
	RemoveEndpoints(ctx context.Context, endpoints []string) (int, error)
	Bindings() []registry.Binding
}

// Defaults fills optional payload fields the caller left empty.
type Defaults struct {
	Icon string
	URL  string
	Tag  string
}

// Request is a notify call.
type Request struct {
	Token string `json:"token"`
	Title string `json:"title"`
	Body  string `json:"body"`
	Icon  string `json:"icon"`
	URL   string `json:"url"`
	Tag   string `json:"tag"`
}

// Result reports the outcome of every delivery attempt of one notify call.
type Result struct {
	Sent       int      `json:"sent"`
	Failed     int      `json:"failed"`
	Errors     []string `json:"errors"`
	Recipients int      `json:"recipients"`
}

// Payload is the JSON document delivered to the service worker.
type Payload struct {
	Title     string `json:"title"`
	Body      string `json:"body"`
	Icon      string `json:"icon"`
	URL       string `json:"url"`
	Tag       string `json:"tag"`
	Timestamp int64  `json:"timestamp"`
}

// Dispatcher fans a notification out to every subscription of a token.
type Dispatcher struct {
	dir      Directory
	sender   Sender
	options  *webpush.Options
	defaults Defaults
	now      func() time.Time
}

// NewDispatcher creates a dispatcher delivering through webpush-go.
func NewDispatcher(dir Directory, options *webpush.Options, defaults Defaults) *Dispatcher {
	return &Dispatcher{
		dir:      dir,
		sender:   &WebPushSender{},
		options:  options,
		defaults: defaults,
		now:      time.Now,
	}
}

// BuildPayload validates req and encodes the wire payload.
func (d *Dispatcher) BuildPayload(req Request) ([]byte, error) {
	if req.Token == "" {
		return nil, apperr.Validation("Token is required")
	}
	if req.Title == "" {
		return nil, apperr.Validation("Title is required")
	}
	if n := len(req.Title); n > MaxTitleBytes {
		return nil, apperr.TooLarge("Title exceeds %d bytes (got %d)", MaxTitleBytes, n)
	}
	if n := len(req.Body); n > MaxBodyBytes {
		return nil, apperr.TooLarge("Body exceeds %d bytes (got %d)", MaxBodyBytes, n)
	}

	payload, err := json.MarshalNoEscape(Payload{
		Title:     req.Title,
		Body:      req.Body,
		Icon:      orDefault(req.Icon, d.defaults.Icon),
		URL:       orDefault(req.URL, d.defaults.URL),
		Tag:       orDefault(req.Tag, d.defaults.Tag),
		Timestamp: d.now().UnixMilli(),
	})
	if err != nil {
		return nil, err
	}
	if n := len(payload); n > MaxPayloadBytes {
		return nil, apperr.TooLarge("Payload exceeds %d bytes (got %d)", MaxPayloadBytes, n)
	}
	var recordSize uint32
	if d.options != nil {
		recordSize = d.options.RecordSize
	}
	if limit, n := MaxEncryptableBytes(recordSize), len(payload); n > limit {
		return nil, apperr.TooLarge("Payload exceeds %d bytes after encryption overhead (got %d)", limit, n)
	}
	return payload, nil
}

// Notify delivers req to every subscription of req.Token, one after another.
// Individual delivery failures are reported in the result, never returned;
// endpoints the push service reports as gone are removed afterwards.
func (d *Dispatcher) Notify(ctx context.Context, req Request) (Result, error) {
	payload, err := d.BuildPayload(req)
	if err != nil {
		return Result{}, err
	}

	// Once started, a fan-out runs to completion even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	subs := d.dir.SubscriptionsFor(req.Token)
	result := Result{Errors: []string{}, Recipients: len(subs)}
	metrics.NotifyRecipients.Observe(float64(len(subs)))

	logger := log.With().Str("token", req.Token).Logger()
	logger.Info().Str("title", req.Title).Int("recipients", len(subs)).Msg("notify request")
	if len(subs) == 0 {
		for _, b := range d.dir.Bindings() {
			logger.Debug().Str("endpoint", logging.Truncate(b.Endpoint, 50)).Strs("tokens", b.Tokens).Msg("known endpoint")
		}
		return result, nil
	}

	var dead []string
	for _, sub := range subs {
		err := d.deliver(ctx, sub, payload)
		if err == nil {
			result.Sent++
			continue
		}

		result.Failed++
		result.Errors = append(result.Errors, err.Error())

		var derr *DeliveryError
		if errors.As(err, &derr) && derr.Gone() {
			dead = append(dead, sub.Endpoint)
		}
		logger.Warn().Err(err).Str("endpoint", logging.Truncate(sub.Endpoint, 50)).Msg("push delivery failed")
	}

	if len(dead) > 0 {
		removed, err := d.dir.RemoveEndpoints(ctx, dead)
		if err != nil {
			logger.Error().Err(err).Int("endpoints", len(dead)).Msg("failed to remove dead endpoints")
		} else {
			metrics.DeadEndpointsRemoved.Add(float64(removed))
		}
	}

	logger.Info().Int("sent", result.Sent).Int("failed", result.Failed).Msg("notify complete")
	return result, nil
}

func (d *Dispatcher) deliver(ctx context.Context, sub model.Subscription, payload []byte) error {
	start := time.Now()
	resp, err := d.sender.Send(ctx, payload, sub.WebPush(), d.options)
	if err != nil {
		metrics.RecordDelivery("failed", time.Since(start))
		return &DeliveryError{Endpoint: sub.Endpoint, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		metrics.RecordDelivery("sent", time.Since(start))
		return nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	derr := &DeliveryError{
		Endpoint:   sub.Endpoint,
		StatusCode: resp.StatusCode,
		Body:       strings.TrimSpace(string(body)),
	}
	if derr.Gone() {
		metrics.RecordDelivery("gone", time.Since(start))
	} else {
		metrics.RecordDelivery("failed", time.Since(start))
	}
	return derr
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}

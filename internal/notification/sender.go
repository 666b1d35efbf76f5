package notification

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/SherClockHolmes/webpush-go"
)

// Sender defines the interface for sending a web push notification.
type Sender interface {
	Send(ctx context.Context, payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error)
}

// WebPushSender is the real implementation of Sender using the webpush library.
type WebPushSender struct{}

// Send encrypts payload for sub and posts it to the subscription's push service.
func (s *WebPushSender) Send(ctx context.Context, payload []byte, sub *webpush.Subscription, options *webpush.Options) (*http.Response, error) {
	return webpush.SendNotificationWithContext(ctx, payload, sub, options)
}

// DeliveryError is a failed delivery to one endpoint. StatusCode is zero when
// the push service could not be reached.
type DeliveryError struct {
	Endpoint   string
	StatusCode int
	Body       string
	Err        error
}

func (e *DeliveryError) Error() string {
	switch {
	case e.Err != nil:
		return e.Err.Error()
	case e.Body != "":
		return fmt.Sprintf("Received unexpected response code %d: %s", e.StatusCode, e.Body)
	default:
		return fmt.Sprintf("Received unexpected response code %d", e.StatusCode)
	}
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Gone reports whether the push service says the endpoint will never accept
// messages again.
func (e *DeliveryError) Gone() bool {
	return e.StatusCode == http.StatusGone || e.StatusCode == http.StatusNotFound
}

// Options builds the webpush options shared by every delivery. A nil client
// leaves webpush-go on its default client. webpush-go adds the mailto: scheme
// to non-https subscribers itself.
func Options(publicKey, privateKey, subject string, ttl int, urgency string, client *http.Client) *webpush.Options {
	opts := &webpush.Options{
		Subscriber:      strings.TrimPrefix(subject, "mailto:"),
		VAPIDPublicKey:  publicKey,
		VAPIDPrivateKey: privateKey,
		TTL:             ttl,
		Urgency:         webpush.Urgency(urgency),
	}
	if client != nil {
		opts.HTTPClient = client
	}
	return opts
}

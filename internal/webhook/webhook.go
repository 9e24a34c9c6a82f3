// Package webhook accepts HTTP-pushed events. The receiver resolves
// the event type and source tag from header, query, or body (in that
// precedence order), verifies an HMAC signature for sources with a
// configured shared secret, and emits the normalized event onto the
// pipeline.
package webhook

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/werdnum/family-assistant/internal/events"
	"github.com/werdnum/family-assistant/internal/metrics"
)

// Request headers understood by the receiver.
const (
	HeaderSource    = "X-Webhook-Source"
	HeaderEventType = "X-Webhook-Event-Type"
	HeaderSignature = "X-Webhook-Signature"
)

const maxBodyBytes = 1 << 20 // 1MB

// Receiver errors, mapped to HTTP statuses at the edge.
var (
	// ErrBadPayload covers undecodable bodies and missing event_type.
	ErrBadPayload = errors.New("invalid webhook payload")
	// ErrUnauthorized covers missing or mismatched signatures.
	ErrUnauthorized = errors.New("webhook signature verification failed")
	// ErrQueueFull is returned when the pipeline cannot absorb the
	// event.
	ErrQueueFull = errors.New("event queue full")
)

// Receiver validates and emits pushed events.
type Receiver struct {
	emitter events.Emitter
	// secrets maps a source tag to its shared HMAC secret. Sources
	// without an entry accept unsigned requests.
	secrets map[string]string
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewReceiver creates a webhook receiver. metrics may be nil.
func NewReceiver(emitter events.Emitter, secrets map[string]string, m *metrics.Metrics, logger *slog.Logger) *Receiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Receiver{
		emitter: emitter,
		secrets: secrets,
		metrics: m,
		logger:  logger.With("source", events.SourceWebhook),
	}
}

// Accept parses, verifies, and emits one pushed event. The returned
// event carries the system-generated event id; payload fields never
// override it.
func (r *Receiver) Accept(req *http.Request) (events.Event, error) {
	body, err := io.ReadAll(io.LimitReader(req.Body, maxBodyBytes+1))
	if err != nil {
		return events.Event{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}
	if len(body) > maxBodyBytes {
		return events.Event{}, fmt.Errorf("%w: body too large", ErrBadPayload)
	}

	payload := make(map[string]any)
	if len(body) > 0 {
		if err := json.Unmarshal(body, &payload); err != nil {
			return events.Event{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
	}

	eventType := resolve(req, HeaderEventType, "event_type", payload)
	if eventType == "" {
		return events.Event{}, fmt.Errorf("%w: event_type is required", ErrBadPayload)
	}
	sourceTag := resolve(req, HeaderSource, "source", payload)

	if secret, ok := r.secrets[sourceTag]; ok {
		if err := verifySignature(req.Header.Get(HeaderSignature), secret, body); err != nil {
			r.logger.Warn("rejected webhook", "source_tag", sourceTag, "error", err)
			return events.Event{}, err
		}
	}

	// Callers cannot pick their own event id.
	delete(payload, "event_id")
	payload["event_type"] = eventType
	if sourceTag != "" {
		payload["source"] = sourceTag
	}

	ev := events.New(events.SourceWebhook, eventType, payload)
	if !r.emitter.Emit(ev) {
		if r.metrics != nil {
			r.metrics.EventsDropped.WithLabelValues(events.SourceWebhook).Inc()
		}
		return events.Event{}, ErrQueueFull
	}

	r.logger.Debug("webhook accepted", "event_type", eventType, "source_tag", sourceTag, "event_id", ev.ID)
	return ev, nil
}

// resolve picks a field with header > query > body precedence.
func resolve(req *http.Request, header, field string, payload map[string]any) string {
	if v := req.Header.Get(header); v != "" {
		return v
	}
	if v := req.URL.Query().Get(field); v != "" {
		return v
	}
	if v, ok := payload[field].(string); ok {
		return v
	}
	return ""
}

// verifySignature checks "sha256=<hex>" against HMAC-SHA256 of the
// raw body.
func verifySignature(header, secret string, body []byte) error {
	if header == "" {
		return fmt.Errorf("%w: missing signature", ErrUnauthorized)
	}
	hexSig, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return fmt.Errorf("%w: malformed signature header", ErrUnauthorized)
	}
	want, err := hex.DecodeString(hexSig)
	if err != nil {
		return fmt.Errorf("%w: malformed signature hex", ErrUnauthorized)
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if subtle.ConstantTimeCompare(want, mac.Sum(nil)) != 1 {
		return fmt.Errorf("%w: signature mismatch", ErrUnauthorized)
	}
	return nil
}

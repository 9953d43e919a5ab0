// Package webhooks delivers settlement notifications to external services.
//
// Events are emitted after the ledger transaction that caused them has
// committed:
//   - hold.released, hold.refunded
//   - refund.completed, refund.failed
//   - payout.paid, payout.failed
//
// Each configured endpoint receives a JSON POST signed with HMAC-SHA256.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/mbd888/escrowd/internal/retry"
)

// EventType represents the type of webhook event
type EventType string

const (
	EventHoldReleased    EventType = "hold.released"
	EventHoldRefunded    EventType = "hold.refunded"
	EventRefundCompleted EventType = "refund.completed"
	EventRefundFailed    EventType = "refund.failed"
	EventPayoutPaid      EventType = "payout.paid"
	EventPayoutFailed    EventType = "payout.failed"
)

// Event represents a webhook event
type Event struct {
	ID        string         `json:"id"`
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	Data      map[string]any `json:"data"`
}

const (
	headerEvent     = "X-Escrowd-Event"
	headerTimestamp = "X-Escrowd-Timestamp"
	headerSignature = "X-Escrowd-Signature"
	headerEventID   = "X-Escrowd-Event-Id"
)

const deliveryTimeout = 2 * time.Minute

// Dispatcher POSTs events to a fixed set of endpoints.
type Dispatcher struct {
	endpoints   []string
	secret      string
	client      *http.Client
	logger      *slog.Logger
	maxAttempts int
	baseDelay   time.Duration
	wg          sync.WaitGroup
}

// NewDispatcher creates a dispatcher for the given endpoint URLs. Payloads
// are signed with secret.
func NewDispatcher(endpoints []string, secret string, logger *slog.Logger) *Dispatcher {
	return &Dispatcher{
		endpoints: endpoints,
		secret:    secret,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
		logger:      logger,
		maxAttempts: 3,
		baseDelay:   time.Second,
	}
}

// Dispatch sends event to every endpoint asynchronously. Delivery failures
// are logged and counted; they never propagate to the caller. Deliveries are
// not cancelled with ctx; each one is bounded by deliveryTimeout.
func (d *Dispatcher) Dispatch(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}

	for _, url := range d.endpoints {
		d.wg.Add(1)
		go func(url string) {
			defer d.wg.Done()
			ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), deliveryTimeout)
			defer cancel()
			err := retry.Do(ctx, d.maxAttempts, d.baseDelay, func() error {
				return d.send(ctx, url, event, payload)
			})
			if err != nil {
				webhookDeliveries.WithLabelValues("failed").Inc()
				d.logger.Warn("webhook delivery failed", "url", url, "event", event.Type, "eventId", event.ID, "error", err)
				return
			}
			webhookDeliveries.WithLabelValues("delivered").Inc()
		}(url)
	}

	return nil
}

// Wait blocks until in-flight deliveries finish. Used on shutdown and in tests.
func (d *Dispatcher) Wait() {
	d.wg.Wait()
}

var errClientStatus = errors.New("webhook endpoint rejected event")

func (d *Dispatcher) send(ctx context.Context, url string, event *Event, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(fmt.Errorf("create request: %w", err))
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(headerEvent, string(event.Type))
	req.Header.Set(headerEventID, event.ID)
	req.Header.Set(headerTimestamp, strconv.FormatInt(event.Timestamp.Unix(), 10))
	if d.secret != "" {
		req.Header.Set(headerSignature, Sign(payload, d.secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests:
		return retry.Permanent(fmt.Errorf("%w: status %d", errClientStatus, resp.StatusCode))
	default:
		return fmt.Errorf("status %d", resp.StatusCode)
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

// Verify checks a signature produced by Sign in constant time.
func Verify(payload []byte, secret, signature string) bool {
	return hmac.Equal([]byte(Sign(payload, secret)), []byte(signature))
}

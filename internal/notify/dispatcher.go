package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/pricewatch/pricewatch/internal/logging"
	"github.com/pricewatch/pricewatch/internal/metrics"
	"github.com/pricewatch/pricewatch/internal/retry"
	"github.com/pricewatch/pricewatch/internal/security"
	"github.com/pricewatch/pricewatch/internal/traces"
)

// MaxConsecutiveFailures disables an endpoint after this many failed deliveries.
const MaxConsecutiveFailures = 20

// Dispatcher posts notifications to tenant webhook endpoints.
type Dispatcher struct {
	store        Store
	client       *http.Client
	retry        retry.Policy
	urlValidator func(string) error
	now          func() time.Time
}

// NewDispatcher creates a dispatcher. attempts bounds delivery retries per
// endpoint.
func NewDispatcher(store Store, timeout time.Duration, attempts int) *Dispatcher {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Dispatcher{
		store:        store,
		client:       &http.Client{Timeout: timeout, Transport: traces.Transport(nil)},
		retry:        retry.Policy{MaxAttempts: attempts, BaseDelay: 500 * time.Millisecond, MaxDelay: 10 * time.Second},
		urlValidator: security.ValidateEndpointURL,
		now:          time.Now,
	}
}

// Send delivers n to every active endpoint of its tenant that subscribes to
// its kind. Failed endpoints are recorded, not returned, so one bad endpoint
// does not cause redelivery to the others.
func (d *Dispatcher) Send(ctx context.Context, n *Notification) error {
	endpoints, err := d.store.ListByTenant(ctx, n.TenantID)
	if err != nil {
		return fmt.Errorf("list endpoints: %w", err)
	}

	payload, err := json.Marshal(n)
	if err != nil {
		return err
	}

	for _, ep := range endpoints {
		if !ep.Active || !ep.Wants(n.Kind) {
			continue
		}
		d.deliver(ctx, ep, n, payload)
	}
	return nil
}

func (d *Dispatcher) deliver(ctx context.Context, ep *Endpoint, n *Notification, payload []byte) {
	log := logging.L(ctx).With(zap.String("endpoint_id", ep.ID), zap.String("notification_id", n.ID))

	err := d.urlValidator(ep.URL)
	if err == nil {
		err = d.retry.Do(ctx, func() error { return d.post(ctx, ep, n, payload) })
	}

	now := d.now()
	if err == nil {
		metrics.WebhookDeliveriesTotal.WithLabelValues("success").Inc()
		if rerr := d.store.RecordDelivery(ctx, ep.ID, now, "", false); rerr != nil {
			log.Warn("failed to record webhook success", zap.Error(rerr))
		}
		return
	}

	metrics.WebhookDeliveriesTotal.WithLabelValues("failure").Inc()
	disable := ep.ConsecutiveFailures+1 >= MaxConsecutiveFailures
	log.Warn("webhook delivery failed", zap.Error(err), zap.Bool("disabled", disable))
	if rerr := d.store.RecordDelivery(ctx, ep.ID, now, err.Error(), disable); rerr != nil {
		log.Warn("failed to record webhook failure", zap.Error(rerr))
	}
}

func (d *Dispatcher) post(ctx context.Context, ep *Endpoint, n *Notification, payload []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, ep.URL, bytes.NewReader(payload))
	if err != nil {
		return retry.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-PriceWatch-Event", string(n.Kind))
	req.Header.Set("X-PriceWatch-Timestamp", strconv.FormatInt(n.CreatedAt.Unix(), 10))
	if ep.Secret != "" {
		req.Header.Set("X-PriceWatch-Signature", Sign(payload, ep.Secret))
	}

	resp, err := d.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("status %d", resp.StatusCode)
	default:
		return retry.Permanent(fmt.Errorf("status %d", resp.StatusCode))
	}
}

// Sign returns the hex HMAC-SHA256 of payload under secret.
func Sign(payload []byte, secret string) string {
	h := hmac.New(sha256.New, []byte(secret))
	h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}

var _ Sink = (*Dispatcher)(nil)

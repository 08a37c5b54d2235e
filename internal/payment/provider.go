package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/pricewatch/pricewatch/internal/retry"
	"github.com/pricewatch/pricewatch/internal/traces"
)

// InitRequest asks the provider to open a payment session for an order.
type InitRequest struct {
	OrderID     string
	Amount      decimal.Decimal
	Description string
}

// InitResponse is what the provider returns for a new session.
type InitResponse struct {
	PaymentID  string
	PaymentURL string
	Status     string
}

// Provider opens payment sessions.
type Provider interface {
	Init(ctx context.Context, req InitRequest) (*InitResponse, error)
}

// ProviderConfig configures the HTTP provider client.
type ProviderConfig struct {
	InitURL         string
	TerminalKey     string
	NotificationURL string
	SuccessURL      string
	Timeout         time.Duration
	Retry           retry.Policy
}

// HTTPProvider calls the acquiring provider's Init endpoint.
type HTTPProvider struct {
	cfg       ProviderConfig
	validator *Validator
	client    *http.Client
}

// NewHTTPProvider creates a provider client. Requests are signed with the
// same token algorithm the provider uses for callbacks.
func NewHTTPProvider(cfg ProviderConfig, validator *Validator) *HTTPProvider {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retry.MaxAttempts <= 0 {
		cfg.Retry = retry.Policy{MaxAttempts: 3, BaseDelay: 500 * time.Millisecond, MaxDelay: 5 * time.Second}
	}
	return &HTTPProvider{
		cfg:       cfg,
		validator: validator,
		client:    &http.Client{Timeout: cfg.Timeout, Transport: traces.Transport(nil)},
	}
}

// Init implements Provider.
func (p *HTTPProvider) Init(ctx context.Context, req InitRequest) (*InitResponse, error) {
	fields := map[string]any{
		"TerminalKey": p.cfg.TerminalKey,
		"Amount":      AmountToMinor(req.Amount),
		"OrderId":     req.OrderID,
		"Description": req.Description,
	}
	if p.cfg.NotificationURL != "" {
		fields["NotificationURL"] = p.cfg.NotificationURL
	}
	if p.cfg.SuccessURL != "" {
		fields["SuccessURL"] = p.cfg.SuccessURL
	}
	fields[tokenKey] = p.validator.Sign(fields)

	body, err := json.Marshal(fields)
	if err != nil {
		return nil, err
	}

	var out *InitResponse
	err = p.cfg.Retry.Do(ctx, func() error {
		resp, err := p.post(ctx, body)
		if err != nil {
			return err
		}
		out = resp
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
	}
	return out, nil
}

func (p *HTTPProvider) post(ctx context.Context, body []byte) (*InitResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.InitURL, bytes.NewReader(body))
	if err != nil {
		return nil, retry.Permanent(err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 500 {
		return nil, fmt.Errorf("provider returned HTTP %d", resp.StatusCode)
	}
	if resp.StatusCode >= 400 {
		return nil, retry.Permanent(fmt.Errorf("provider returned HTTP %d", resp.StatusCode))
	}

	payload, err := DecodePayload(raw)
	if err != nil {
		return nil, retry.Permanent(err)
	}
	if !payload.Bool("Success") {
		return nil, retry.Permanent(fmt.Errorf("provider rejected init: code %s: %s %s",
			payload.String("ErrorCode"), payload.String("Message"), payload.String("Details")))
	}
	return &InitResponse{
		PaymentID:  payload.String("PaymentId"),
		PaymentURL: payload.String("PaymentURL"),
		Status:     payload.String("Status"),
	}, nil
}

var _ Provider = (*HTTPProvider)(nil)

package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pricewatch/pricewatch/internal/billing"
	"github.com/pricewatch/pricewatch/internal/dbtx"
	"github.com/pricewatch/pricewatch/internal/idgen"
	"github.com/pricewatch/pricewatch/internal/logging"
	"github.com/pricewatch/pricewatch/internal/metrics"
	"github.com/pricewatch/pricewatch/internal/traces"
	"github.com/pricewatch/pricewatch/internal/validation"
)

// replayTTL bounds how long a claimed provider payment id stays locked.
const replayTTL = 24 * time.Hour

// Provider statuses that move an order out of the happy path.
const (
	providerRejected = "REJECTED"
	providerRefunded = "REFUNDED"
)

// Service creates orders and applies provider callbacks.
type Service struct {
	store     Store
	billing   *billing.Manager
	validator *Validator
	provider  Provider
	guard     ReplayGuard
	tx        dbtx.Runner
	now       func() time.Time
}

// NewService creates a payment service.
func NewService(store Store, billingMgr *billing.Manager, validator *Validator, provider Provider, guard ReplayGuard, tx dbtx.Runner) *Service {
	return &Service{
		store:     store,
		billing:   billingMgr,
		validator: validator,
		provider:  provider,
		guard:     guard,
		tx:        tx,
		now:       time.Now,
	}
}

// CreateOrderRequest describes a purchase. Amount is ignored for
// SWITCH_PLAN, which always costs the plan price.
type CreateOrderRequest struct {
	TenantID   string
	Intent     Intent
	Amount     decimal.Decimal
	TargetPlan string
}

// CreateOrder persists a PENDING order and opens a provider session for it.
// The provider is called outside any transaction; when it fails the order
// is marked FAILED.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	if !req.Intent.Valid() {
		return nil, ErrInvalidIntent
	}
	ctx, span := traces.StartSpan(ctx, "payment.CreateOrder", traces.TenantID(req.TenantID))
	defer span.End()

	if _, err := s.billing.Balance(ctx, req.TenantID); err != nil {
		return nil, err
	}

	now := s.now()
	order := &Order{
		OrderID:   idgen.OrderID(),
		TenantID:  req.TenantID,
		Intent:    req.Intent,
		Status:    StatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}

	description := "Balance top-up"
	switch req.Intent {
	case IntentSwitchPlan:
		p, err := s.billing.Plan(ctx, req.TargetPlan)
		if err != nil {
			return nil, err
		}
		if !p.Paid() {
			return nil, ErrPlanNotPurchasable
		}
		order.Amount = p.Price
		order.TargetPlan = p.Name
		description = "Plan " + string(p.Name)
	case IntentAddToBalance:
		if err := validation.Var("amount", req.Amount, "rubles"); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidAmount, err)
		}
		order.Amount = req.Amount
	}
	span.SetAttributes(traces.OrderID(order.OrderID), traces.Amount(order.Amount.String()))

	if err := s.store.CreateOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("create order: %w", err)
	}

	resp, err := s.provider.Init(ctx, InitRequest{
		OrderID:     order.OrderID,
		Amount:      order.Amount,
		Description: description,
	})
	if err != nil {
		traces.RecordError(span, err)
		if terr := s.store.TransitionOrder(ctx, order.OrderID, StatusPending, StatusFailed, ""); terr != nil {
			logging.L(ctx).Warn("failed to mark order failed", zap.String("order_id", order.OrderID), zap.Error(terr))
		}
		return nil, err
	}

	if err := s.store.SetPaymentURL(ctx, order.OrderID, resp.PaymentURL, resp.PaymentID); err != nil {
		return nil, fmt.Errorf("store payment url: %w", err)
	}
	order.PaymentURL = resp.PaymentURL
	order.ProviderPaymentID = resp.PaymentID

	logging.L(ctx).Info("order created",
		zap.String("order_id", order.OrderID),
		zap.String("intent", string(order.Intent)),
		zap.String("amount", order.Amount.String()))
	return order, nil
}

// GetOrder returns one of the tenant's orders.
func (s *Service) GetOrder(ctx context.Context, tenantID, orderID string) (*Order, error) {
	o, err := s.store.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.TenantID != tenantID {
		return nil, ErrOrderNotFound
	}
	return o, nil
}

// ListOrders returns the tenant's newest orders first.
func (s *Service) ListOrders(ctx context.Context, tenantID string, limit int) ([]*Order, error) {
	return s.store.ListOrders(ctx, tenantID, limit)
}

// CancelOrder moves a PENDING order to CANCELED.
func (s *Service) CancelOrder(ctx context.Context, tenantID, orderID string) (*Order, error) {
	o, err := s.GetOrder(ctx, tenantID, orderID)
	if err != nil {
		return nil, err
	}
	if err := s.store.TransitionOrder(ctx, orderID, StatusPending, StatusCanceled, ""); err != nil {
		return nil, err
	}
	o.Status = StatusCanceled
	return o, nil
}

// CallbackOutcome summarizes what a callback did. It is for logs and
// metrics only; the provider always sees the same acknowledgement.
type CallbackOutcome string

const (
	OutcomeApplied      CallbackOutcome = "applied"
	OutcomeRejected     CallbackOutcome = "rejected"
	OutcomeDuplicate    CallbackOutcome = "duplicate"
	OutcomeUnknownOrder CallbackOutcome = "unknown_order"
	OutcomeMalformed    CallbackOutcome = "malformed"
	OutcomeStatusUpdate CallbackOutcome = "status_update"
	OutcomeIgnored      CallbackOutcome = "ignored"
	OutcomeLatePayment  CallbackOutcome = "late_payment"
)

// HandleCallback decodes, validates and applies a provider notification.
// Validation failures are logged and reported as an outcome, never as an
// error, so they get acknowledged without revealing which check failed. An
// error return means storage failed and the provider should retry.
func (s *Service) HandleCallback(ctx context.Context, raw []byte) (CallbackOutcome, error) {
	outcome, err := s.handleCallback(ctx, raw)
	if err != nil {
		metrics.PaymentCallbacksTotal.WithLabelValues("error").Inc()
		return outcome, err
	}
	metrics.PaymentCallbacksTotal.WithLabelValues(string(outcome)).Inc()
	return outcome, nil
}

func (s *Service) handleCallback(ctx context.Context, raw []byte) (CallbackOutcome, error) {
	log := logging.L(ctx)

	payload, err := DecodePayload(raw)
	if err != nil {
		log.Warn("payment callback malformed", zap.Error(err))
		return OutcomeMalformed, nil
	}
	orderID := payload.String("OrderId")
	ctx, span := traces.StartSpan(ctx, "payment.HandleCallback", traces.OrderID(orderID))
	defer span.End()

	order, err := s.store.GetOrder(ctx, orderID)
	if errors.Is(err, ErrOrderNotFound) {
		log.Warn("payment callback for unknown order", zap.String("order_id", orderID))
		return OutcomeUnknownOrder, nil
	}
	if err != nil {
		traces.RecordError(span, err)
		return "", err
	}

	switch status := payload.String("Status"); status {
	case providerRejected, providerRefunded:
		return s.applyStatus(ctx, payload, order, status)
	}

	if err := s.validator.Validate(payload, order); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			log.Warn("payment callback rejected",
				zap.String("order_id", orderID),
				zap.String("reason", ve.Reason))
			return OutcomeRejected, nil
		}
		return "", err
	}

	key := payload.String("PaymentId")
	if key == "" {
		key = order.OrderID
	}
	claimed, err := s.guard.Claim(ctx, key, replayTTL)
	if err != nil {
		return "", fmt.Errorf("claim callback: %w", err)
	}
	if !claimed {
		log.Info("payment callback already in flight", zap.String("order_id", orderID))
		return OutcomeDuplicate, nil
	}

	outcome, err := s.settle(ctx, payload, order)
	if err != nil {
		if rerr := s.guard.Release(ctx, key); rerr != nil {
			log.Warn("failed to release callback claim", zap.String("key", key), zap.Error(rerr))
		}
		traces.RecordError(span, err)
		return "", err
	}
	return outcome, nil
}

// settle applies a validated payment. An order that was canceled or failed
// before the money arrived is settled as a balance top-up.
func (s *Service) settle(ctx context.Context, p Payload, order *Order) (CallbackOutcome, error) {
	log := logging.L(ctx).With(zap.String("order_id", order.OrderID))

	if order.Status == StatusPending {
		err := s.UpdatePaymentRecords(ctx, p, order)
		switch {
		case err == nil:
			log.Info("payment applied",
				zap.String("tenant_id", order.TenantID),
				zap.String("intent", string(order.Intent)))
			return OutcomeApplied, nil
		case errors.Is(err, ErrDuplicatePayment):
			log.Info("payment already applied")
			return OutcomeDuplicate, nil
		case !errors.Is(err, ErrStatusConflict):
			return "", err
		}
		// the order left PENDING while this callback was in flight
		if order, err = s.store.GetOrder(ctx, order.OrderID); err != nil {
			return "", err
		}
	}

	if !order.Status.Abandoned() {
		log.Info("payment already applied", zap.String("status", string(order.Status)))
		return OutcomeDuplicate, nil
	}
	err := s.recordPayment(ctx, p, order, order.Status, false)
	if errors.Is(err, ErrStatusConflict) || errors.Is(err, ErrDuplicatePayment) {
		log.Info("payment already applied")
		return OutcomeDuplicate, nil
	}
	if err != nil {
		return "", err
	}
	log.Error("payment captured for a closed order, credited to balance",
		zap.String("tenant_id", order.TenantID),
		zap.String("status", string(order.Status)),
		zap.String("amount", order.Amount.String()))
	return OutcomeLatePayment, nil
}

// applyStatus records a signed REJECTED or REFUNDED notification.
func (s *Service) applyStatus(ctx context.Context, p Payload, order *Order, status string) (CallbackOutcome, error) {
	if err := s.validator.ValidateSignature(p, order); err != nil {
		var ve *ValidationError
		if errors.As(err, &ve) {
			logging.L(ctx).Warn("payment status callback rejected",
				zap.String("order_id", order.OrderID),
				zap.String("reason", ve.Reason))
			return OutcomeRejected, nil
		}
		return "", err
	}

	from, to := StatusPending, StatusFailed
	if status == providerRefunded {
		from, to = StatusPaid, StatusRefunded
	}
	if order.Status != from {
		return OutcomeIgnored, nil
	}
	err := s.store.TransitionOrder(ctx, order.OrderID, from, to, p.String("PaymentId"))
	if errors.Is(err, ErrStatusConflict) {
		return OutcomeIgnored, nil
	}
	if err != nil {
		return "", err
	}
	logging.L(ctx).Info("order status updated",
		zap.String("order_id", order.OrderID),
		zap.String("status", string(to)))
	return OutcomeStatusUpdate, nil
}

// UpdatePaymentRecords applies a validated payment in one unit of work:
// the order becomes PAID, a Payment is recorded, the tenant balance is
// credited, and a SWITCH_PLAN order activates its plan at the order price.
func (s *Service) UpdatePaymentRecords(ctx context.Context, p Payload, order *Order) error {
	return s.recordPayment(ctx, p, order, StatusPending, order.Intent == IntentSwitchPlan)
}

func (s *Service) recordPayment(ctx context.Context, p Payload, order *Order, from OrderStatus, activate bool) error {
	minor, ok := p.MinorUnits("Amount")
	if !ok {
		return ErrMalformedPayload
	}
	amount := MinorToAmount(minor)
	providerID := p.String("PaymentId")

	return s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.store.TransitionOrder(ctx, order.OrderID, from, StatusPaid, providerID); err != nil {
			return err
		}
		if err := s.store.CreatePayment(ctx, &Payment{
			ID:                idgen.WithPrefix("pay_"),
			TenantID:          order.TenantID,
			OrderID:           order.OrderID,
			ProviderPaymentID: providerID,
			Amount:            amount,
			CreatedAt:         s.now(),
		}); err != nil {
			return err
		}
		if _, err := s.billing.AddToBalance(ctx, order.TenantID, amount,
			billing.WithType(billing.EntryPayment),
			billing.WithReference(order.OrderID, "payment "+providerID)); err != nil {
			return err
		}
		if !activate {
			return nil
		}
		if _, err := s.billing.ActivatePlan(ctx, order.TenantID, string(order.TargetPlan), order.Amount, order.OrderID); err != nil {
			return fmt.Errorf("activate plan %s: %w", order.TargetPlan, err)
		}
		return nil
	})
}

// Payments lists the tenant's confirmed payments.
func (s *Service) Payments(ctx context.Context, tenantID string, limit int) ([]*Payment, error) {
	return s.store.ListPayments(ctx, tenantID, limit)
}

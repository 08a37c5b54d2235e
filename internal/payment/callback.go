package payment

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// Failure reasons reported by Validate, in check order.
const (
	ReasonTerminalKey = "Invalid terminal key"
	ReasonOrderID     = "Order ID mismatch"
	ReasonNotSuccess  = "Payment not successful"
	ReasonStatus      = "Unexpected status"
	ReasonAmount      = "Amount mismatch"
	ReasonToken       = "Invalid token"
	ReasonAlreadyPaid = "Order already paid"
)

// DefaultConfirmedStatus is the provider status of a captured payment.
const DefaultConfirmedStatus = "CONFIRMED"

const (
	tokenKey    = "Token"
	passwordKey = "Password"
)

var hundred = decimal.NewFromInt(100)

// Payload is a decoded provider callback. Numbers are kept as json.Number so
// the token is computed over the exact digits the provider sent.
type Payload map[string]any

// DecodePayload parses a callback body. The top level must be an object.
func DecodePayload(raw []byte) (Payload, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var p Payload
	if err := dec.Decode(&p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if p == nil {
		return nil, ErrMalformedPayload
	}
	return p, nil
}

// String returns the scalar under key in its token form, or "".
func (p Payload) String(key string) string {
	s, _ := stringify(p[key])
	return s
}

// Bool reports whether key holds JSON true.
func (p Payload) Bool(key string) bool {
	b, ok := p[key].(bool)
	return ok && b
}

// MinorUnits returns key as an exact integer amount in kopecks.
func (p Payload) MinorUnits(key string) (int64, bool) {
	n, ok := p[key].(json.Number)
	if !ok {
		return 0, false
	}
	v, err := n.Int64()
	return v, err == nil
}

// stringify renders a scalar for token computation. Composite values and
// nulls are not scalars.
func stringify(v any) (string, bool) {
	switch x := v.(type) {
	case string:
		return x, true
	case json.Number:
		return x.String(), true
	case bool:
		if x {
			return "true", true
		}
		return "false", true
	case float64:
		return decimal.NewFromFloat(x).String(), true
	case int:
		return fmt.Sprint(x), true
	case int64:
		return fmt.Sprint(x), true
	default:
		return "", false
	}
}

// Token computes the provider signature over p: scalar values except Token,
// plus the secret under Password, ordered by key and concatenated without a
// separator, SHA-256, lowercase hex.
func Token(p map[string]any, secret string) string {
	fields := make(map[string]string, len(p)+1)
	for k, v := range p {
		if k == tokenKey {
			continue
		}
		if s, ok := stringify(v); ok {
			fields[k] = s
		}
	}
	fields[passwordKey] = secret

	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		b.WriteString(fields[k])
	}
	sum := sha256.Sum256([]byte(b.String()))
	return hex.EncodeToString(sum[:])
}

// ValidationError reports the first failed callback check.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "payment: callback rejected: " + e.Reason
}

// Validator checks callbacks against the configured terminal credentials.
type Validator struct {
	terminalKey     string
	secret          string
	confirmedStatus string
}

// NewValidator creates a validator. An empty confirmedStatus means CONFIRMED.
func NewValidator(terminalKey, secret, confirmedStatus string) *Validator {
	if confirmedStatus == "" {
		confirmedStatus = DefaultConfirmedStatus
	}
	return &Validator{terminalKey: terminalKey, secret: secret, confirmedStatus: confirmedStatus}
}

// Validate runs the checks in order and stops at the first failure.
func (v *Validator) Validate(p Payload, order *Order) error {
	if p.String("TerminalKey") != v.terminalKey {
		return &ValidationError{Reason: ReasonTerminalKey}
	}
	if p.String("OrderId") != order.OrderID {
		return &ValidationError{Reason: ReasonOrderID}
	}
	if !p.Bool("Success") {
		return &ValidationError{Reason: ReasonNotSuccess}
	}
	if p.String("Status") != v.confirmedStatus {
		return &ValidationError{Reason: ReasonStatus}
	}
	minor, ok := p.MinorUnits("Amount")
	if !ok || !decimal.NewFromInt(minor).Equal(order.Amount.Mul(hundred)) {
		return &ValidationError{Reason: ReasonAmount}
	}
	if !v.tokenValid(p) {
		return &ValidationError{Reason: ReasonToken}
	}
	if order.Status == StatusPaid {
		return &ValidationError{Reason: ReasonAlreadyPaid}
	}
	return nil
}

// ValidateSignature runs only the identity checks (terminal, order, token).
// It is used for non-payment status notifications such as refunds.
func (v *Validator) ValidateSignature(p Payload, order *Order) error {
	if p.String("TerminalKey") != v.terminalKey {
		return &ValidationError{Reason: ReasonTerminalKey}
	}
	if p.String("OrderId") != order.OrderID {
		return &ValidationError{Reason: ReasonOrderID}
	}
	if !v.tokenValid(p) {
		return &ValidationError{Reason: ReasonToken}
	}
	return nil
}

// Sign returns the token for an outgoing request body.
func (v *Validator) Sign(fields map[string]any) string {
	return Token(fields, v.secret)
}

func (v *Validator) tokenValid(p Payload) bool {
	got := p.String(tokenKey)
	want := Token(p, v.secret)
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

// MinorToAmount converts kopecks to rubles.
func MinorToAmount(minor int64) decimal.Decimal {
	return decimal.NewFromInt(minor).Div(hundred)
}

// AmountToMinor converts rubles to kopecks, rounding half away from zero.
func AmountToMinor(amount decimal.Decimal) int64 {
	return amount.Mul(hundred).Round(0).IntPart()
}

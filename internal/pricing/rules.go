package pricing

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// Gate decides which tenants receive generic price-drop notices.
type Gate string

const (
	// GateSuperuser requires at least one active superuser in the tenant.
	GateSuperuser Gate = "superuser"
	GateAll       Gate = "all"
	GateOff       Gate = "off"
)

// ParseGate validates a gate name.
func ParseGate(s string) (Gate, error) {
	switch g := Gate(strings.ToLower(strings.TrimSpace(s))); g {
	case GateSuperuser, GateAll, GateOff:
		return g, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownGate, s)
}

// AlertPolicy is what happens to an alert once it fired.
type AlertPolicy string

const (
	PolicyDeactivate AlertPolicy = "deactivate"
	PolicyDelete     AlertPolicy = "delete"
)

// ParseAlertPolicy validates a policy name.
func ParseAlertPolicy(s string) (AlertPolicy, error) {
	switch p := AlertPolicy(strings.ToLower(strings.TrimSpace(s))); p {
	case PolicyDeactivate, PolicyDelete:
		return p, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
}

// PercentChange is (current - previous) / previous * 100. ok is false when
// there is no previous price to compare with.
func PercentChange(previous, current decimal.Decimal) (decimal.Decimal, bool) {
	if previous.IsZero() {
		return decimal.Zero, false
	}
	return current.Sub(previous).Div(previous).Mul(hundred), true
}

// Audience is what the drop-notice rule needs to know about a tenant.
type Audience struct {
	Threshold            decimal.Decimal
	NotificationsEnabled bool
	HasActiveSuperuser   bool
}

// QualifiesForDropNotice reports whether a move from previous to current
// earns item a generic drop notice. Only decreases whose magnitude reaches
// the tenant threshold qualify.
func QualifiesForDropNotice(gate Gate, a Audience, item *Item, previous, current decimal.Decimal) bool {
	switch gate {
	case GateAll:
	case GateSuperuser:
		if !a.HasActiveSuperuser {
			return false
		}
	default:
		return false
	}
	if !a.NotificationsEnabled || !item.IsNotifierActive {
		return false
	}
	if !current.LessThan(previous) {
		return false
	}
	change, ok := PercentChange(previous, current)
	if !ok {
		return false
	}
	return change.Abs().GreaterThanOrEqual(a.Threshold)
}

// AlertTriggered reports whether the move crosses the alert's target:
// UP fires on previous < target <= current, DOWN on previous > target >= current.
func AlertTriggered(a *Alert, previous, current decimal.Decimal) bool {
	t := a.TargetPrice
	switch a.Direction {
	case DirectionUp:
		return previous.LessThan(t) && t.LessThanOrEqual(current)
	case DirectionDown:
		return previous.GreaterThan(t) && t.GreaterThanOrEqual(current)
	}
	return false
}

// DirectionFor picks the crossing an alert created at currentPrice waits for.
func DirectionFor(target, currentPrice decimal.Decimal) Direction {
	if target.GreaterThan(currentPrice) {
		return DirectionUp
	}
	return DirectionDown
}

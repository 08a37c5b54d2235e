// Package quota tracks per-tenant consumable limits.
//
// A Template is an immutable, shareable set of limits. Each tenant owns a
// Usage row initialized from its assigned template and decremented as the
// tenant adds SKUs or spends parse units, so usage by one tenant never
// affects another tenant that shares the same template.
package quota

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrNoQuota          = errors.New("quota: tenant has no quota")
	ErrQuotaExceeded    = errors.New("quota: exceeded")
	ErrQuotaExpired     = errors.New("quota: period expired")
	ErrInvalidAmount    = errors.New("quota: amount must be positive")
	ErrUnknownResource  = errors.New("quota: unknown resource")
	ErrTemplateNotFound = errors.New("quota: template not found")
	ErrInvalidLimits    = errors.New("quota: limits must not be negative")
)

// Resource names a consumable counter.
type Resource string

const (
	SKUs       Resource = "skus"
	ParseUnits Resource = "parse_units"
)

// ParseResource validates a resource name.
func ParseResource(s string) (Resource, error) {
	switch Resource(s) {
	case SKUs, ParseUnits:
		return Resource(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownResource, s)
}

// Limits are the values a template grants.
type Limits struct {
	TotalHours      int `json:"totalHours"`
	SKUsLimit       int `json:"skusLimit"`
	ParseUnitsLimit int `json:"parseUnitsLimit"`
}

// Validate rejects negative limits.
func (l Limits) Validate() error {
	if l.TotalHours < 0 || l.SKUsLimit < 0 || l.ParseUnitsLimit < 0 {
		return ErrInvalidLimits
	}
	return nil
}

// Template is an immutable named set of limits, unique on (name, limits).
type Template struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Limits    Limits    `json:"limits"`
	CreatedAt time.Time `json:"createdAt"`
}

// Usage holds one tenant's remaining counters.
type Usage struct {
	TenantID            string    `json:"tenantId"`
	TemplateID          string    `json:"templateId"`
	SKUsRemaining       int       `json:"skusRemaining"`
	ParseUnitsRemaining int       `json:"parseUnitsRemaining"`
	AssignedAt          time.Time `json:"assignedAt"`
}

// Remaining returns the counter for r.
func (u *Usage) Remaining(r Resource) int {
	if r == SKUs {
		return u.SKUsRemaining
	}
	return u.ParseUnitsRemaining
}

// Quota is the read model combining a template with the tenant's usage.
type Quota struct {
	TenantID            string    `json:"tenantId"`
	Name                string    `json:"name"`
	TemplateID          string    `json:"templateId"`
	TotalHours          int       `json:"totalHours"`
	SKUsLimit           int       `json:"skusLimit"`
	ParseUnitsLimit     int       `json:"parseUnitsLimit"`
	SKUsRemaining       int       `json:"skusRemaining"`
	ParseUnitsRemaining int       `json:"parseUnitsRemaining"`
	AssignedAt          time.Time `json:"assignedAt"`
	ExpiresAt           time.Time `json:"expiresAt"`
}

// Expired reports whether the quota period has run out at now.
func (q *Quota) Expired(now time.Time) bool {
	return !now.Before(q.ExpiresAt)
}

func newQuota(t *Template, u *Usage) *Quota {
	return &Quota{
		TenantID:            u.TenantID,
		Name:                t.Name,
		TemplateID:          t.ID,
		TotalHours:          t.Limits.TotalHours,
		SKUsLimit:           t.Limits.SKUsLimit,
		ParseUnitsLimit:     t.Limits.ParseUnitsLimit,
		SKUsRemaining:       u.SKUsRemaining,
		ParseUnitsRemaining: u.ParseUnitsRemaining,
		AssignedAt:          u.AssignedAt,
		ExpiresAt:           u.AssignedAt.Add(time.Duration(t.Limits.TotalHours) * time.Hour),
	}
}

// ExceededError reports a consume request larger than what is left.
type ExceededError struct {
	Resource  Resource
	Requested int
	Remaining int
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota: %s exceeded (requested %d, remaining %d)", e.Resource, e.Requested, e.Remaining)
}

func (e *ExceededError) Is(target error) bool { return target == ErrQuotaExceeded }

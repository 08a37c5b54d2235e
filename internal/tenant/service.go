package tenant

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/pricewatch/pricewatch/internal/dbtx"
	"github.com/pricewatch/pricewatch/internal/idgen"
	"github.com/pricewatch/pricewatch/internal/logging"
	"github.com/pricewatch/pricewatch/internal/pagination"
	"github.com/pricewatch/pricewatch/internal/plan"
	"github.com/pricewatch/pricewatch/internal/quota"
)

var hundred = decimal.NewFromInt(100)

// Service creates tenants and users and edits tenant settings. Default plan
// and quota assignment happen here explicitly, never as a side effect of
// persisting a row.
type Service struct {
	store            Store
	plans            plan.Store
	quotas           *quota.Ledger
	tx               dbtx.Runner
	defaultThreshold decimal.Decimal
	now              func() time.Time
}

// NewService creates a tenant service.
func NewService(store Store, plans plan.Store, quotas *quota.Ledger, tx dbtx.Runner, defaultThreshold decimal.Decimal) *Service {
	return &Service{
		store:            store,
		plans:            plans,
		quotas:           quotas,
		tx:               tx,
		defaultThreshold: defaultThreshold,
		now:              time.Now,
	}
}

// Store exposes the underlying store for collaborators that read tenants.
func (s *Service) Store() Store { return s.store }

// CreateTenant creates a tenant on the FREE plan with the shared default
// quota template and fresh usage counters.
func (s *Service) CreateTenant(ctx context.Context, name string) (*Tenant, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, ErrInvalidName
	}

	var created *Tenant
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		tmpl, err := s.defaultTemplate(ctx)
		if err != nil {
			return err
		}

		now := s.now()
		t := &Tenant{
			ID:                   idgen.WithPrefix("ten_"),
			Name:                 name,
			Balance:              decimal.Zero,
			PlanName:             plan.Free,
			QuotaTemplateID:      tmpl.ID,
			PriceChangeThreshold: s.defaultThreshold,
			NotificationsEnabled: true,
			BillingStartedAt:     now,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		if err := s.store.Create(ctx, t); err != nil {
			return fmt.Errorf("create tenant: %w", err)
		}
		if _, err := s.quotas.Assign(ctx, t.ID, tmpl); err != nil {
			return fmt.Errorf("assign default quota: %w", err)
		}
		created = t
		return nil
	})
	if err != nil {
		return nil, err
	}

	logging.L(ctx).Info("tenant created", zap.String("tenant_id", created.ID), zap.String("name", created.Name))
	return created, nil
}

func (s *Service) defaultTemplate(ctx context.Context) (*quota.Template, error) {
	free, err := s.plans.Get(ctx, plan.Free)
	if errors.Is(err, plan.ErrPlanNotFound) {
		def, _ := plan.Default(plan.Free)
		free = &def
	} else if err != nil {
		return nil, err
	}
	return s.quotas.EnsureTemplate(ctx, plan.DefaultTemplateName, free.Limits)
}

// CreateUserRequest describes a new user. When TenantID is empty a tenant
// named TenantName (or the email) is created for the user.
type CreateUserRequest struct {
	TenantID    string
	TenantName  string
	Email       string
	IsSuperuser bool
	DemoFor     time.Duration // zero for a regular account
}

// CreateUser creates a user bound to exactly one tenant.
func (s *Service) CreateUser(ctx context.Context, req CreateUserRequest) (*User, *Tenant, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(req.Email))
	if err != nil {
		return nil, nil, ErrInvalidEmail
	}

	var (
		user *User
		ten  *Tenant
	)
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if req.TenantID != "" {
			ten, err = s.store.Get(ctx, req.TenantID)
		} else {
			name := req.TenantName
			if strings.TrimSpace(name) == "" {
				name = addr.Address
			}
			ten, err = s.CreateTenant(ctx, name)
		}
		if err != nil {
			return err
		}

		now := s.now()
		user = &User{
			ID:          idgen.WithPrefix("usr_"),
			TenantID:    ten.ID,
			Email:       strings.ToLower(addr.Address),
			IsSuperuser: req.IsSuperuser,
			IsActive:    true,
			CreatedAt:   now,
		}
		if req.DemoFor > 0 {
			expires := now.Add(req.DemoFor)
			user.IsDemo = true
			user.DemoExpiresAt = &expires
		}
		return s.store.CreateUser(ctx, user)
	})
	if err != nil {
		return nil, nil, err
	}
	return user, ten, nil
}

// Get returns a tenant by ID.
func (s *Service) Get(ctx context.Context, id string) (*Tenant, error) {
	return s.store.Get(ctx, id)
}

// List returns one page of tenants and the cursor for the next page, which
// is empty on the last page.
func (s *Service) List(ctx context.Context, cursor string, limit int) ([]*Tenant, string, error) {
	after, err := pagination.Decode(cursor)
	if err != nil {
		return nil, "", err
	}
	limit = pagination.ClampLimit(limit)
	tenants, err := s.store.List(ctx, after, limit+1)
	if err != nil {
		return nil, "", err
	}
	page, next, _ := pagination.ComputePage(tenants, limit, func(t *Tenant) (time.Time, string) {
		return t.CreatedAt, t.ID
	})
	return page, next, nil
}

// UpdateRequest lists the settings a tenant may change. Nil fields are kept.
type UpdateRequest struct {
	Name                 *string
	PriceChangeThreshold *decimal.Decimal
	NotificationsEnabled *bool
}

// Update applies tenant-editable settings.
func (s *Service) Update(ctx context.Context, id string, req UpdateRequest) (*Tenant, error) {
	if req.PriceChangeThreshold != nil {
		th := *req.PriceChangeThreshold
		if th.IsNegative() || th.GreaterThan(hundred) {
			return nil, ErrInvalidThreshold
		}
	}
	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return nil, ErrInvalidName
	}

	return s.store.Mutate(ctx, id, "settings updated", func(t *Tenant) error {
		if req.Name != nil {
			t.Name = strings.TrimSpace(*req.Name)
		}
		if req.PriceChangeThreshold != nil {
			t.PriceChangeThreshold = *req.PriceChangeThreshold
		}
		if req.NotificationsEnabled != nil {
			t.NotificationsEnabled = *req.NotificationsEnabled
		}
		return nil
	})
}

// Users lists a tenant's users.
func (s *Service) Users(ctx context.Context, tenantID string) ([]*User, error) {
	return s.store.ListUsers(ctx, tenantID)
}

// History returns the newest change-log entries first.
func (s *Service) History(ctx context.Context, tenantID string, limit int) ([]*HistoryEntry, error) {
	return s.store.History(ctx, tenantID, limit)
}

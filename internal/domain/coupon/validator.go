package coupon

import (
	"context"
	"slices"
	"strings"
	"time"

	"github.com/go-faster/errors"
)

// Validator runs the eligibility pipeline for a coupon code against a cart.
// Checks run in a fixed order and stop at the first failure.
type Validator struct {
	repo Repository
	now  func() time.Time
}

// NewValidator creates a Validator backed by the given Repository.
func NewValidator(repo Repository) *Validator {
	return &Validator{repo: repo, now: time.Now}
}

// Validate looks up the coupon for code and checks it against the cart.
// Rule failures are returned as *Rejection. Store failures are returned as a
// *Rejection of KindPersistence wrapping the cause.
func (v *Validator) Validate(ctx context.Context, code string, cart Cart) (*Coupon, error) {
	return v.validate(ctx, code, cart, "", v.repo.FindByCode)
}

// validateLocked is Validate with the coupon row locked for the rest of the
// surrounding transaction. The order being redeemed against does not count
// as a prior order of the user.
func (v *Validator) validateLocked(ctx context.Context, code string, cart Cart, orderID string) (*Coupon, error) {
	return v.validate(ctx, code, cart, orderID, v.repo.LockByCode)
}

type findFunc func(ctx context.Context, code string) (*Coupon, error)

func (v *Validator) validate(ctx context.Context, code string, cart Cart, orderID string, find findFunc) (*Coupon, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, reject(KindMissingCode)
	}

	c, err := find(ctx, code)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, reject(KindNotFound)
		}
		return nil, rejectPersistence(errors.Wrap(err, "find coupon"))
	}
	if c.Status != StatusActive {
		return nil, reject(KindInactive)
	}

	if err := v.check(ctx, c, cart, orderID); err != nil {
		return nil, err
	}
	return c, nil
}

// check runs every rule after the existence lookup.
func (v *Validator) check(ctx context.Context, c *Coupon, cart Cart, orderID string) error {
	now := v.now()

	if c.StartDate != nil && now.Before(*c.StartDate) {
		return reject(KindNotYetActive)
	}
	if c.EndDate != nil && now.After(*c.EndDate) {
		return reject(KindExpired)
	}

	if cart.Total.LessThan(c.MinOrderValue) {
		return &Rejection{Kind: KindBelowMinimum, MinOrderValue: c.MinOrderValue}
	}

	// Guests cannot be checked for prior orders and pass through.
	if c.IsFirstOrder && cart.UserID > 0 {
		orders, err := v.repo.CountOrders(ctx, cart.UserID, orderID)
		if err != nil {
			return rejectPersistence(errors.Wrap(err, "count orders"))
		}
		if orders > 0 {
			return reject(KindNotFirstOrder)
		}
	}

	if c.UsageLimit != nil {
		used, err := v.repo.CountUsage(ctx, c.ID)
		if err != nil {
			return rejectPersistence(errors.Wrap(err, "count usage"))
		}
		if used >= *c.UsageLimit {
			return reject(KindGlobalLimitReached)
		}
	}

	if c.UserUsageLimit != nil && cart.UserID > 0 {
		used, err := v.repo.CountUserUsage(ctx, c.ID, cart.UserID)
		if err != nil {
			return rejectPersistence(errors.Wrap(err, "count user usage"))
		}
		if used >= *c.UserUsageLimit {
			return reject(KindUserLimitReached)
		}
	}

	if !inScope(c, cart.Items) {
		return reject(KindNotApplicable)
	}

	return nil
}

// inScope reports whether the cart satisfies the coupon's product and
// category restrictions. Each non-empty restriction needs at least one
// matching item; an empty cart is not restricted.
func inScope(c *Coupon, items []CartItem) bool {
	if len(items) == 0 {
		return true
	}
	if len(c.ProductIDs) > 0 && !slices.ContainsFunc(items, func(it CartItem) bool {
		return slices.Contains(c.ProductIDs, it.ProductID)
	}) {
		return false
	}
	if len(c.CategoryIDs) > 0 && !slices.ContainsFunc(items, func(it CartItem) bool {
		return slices.Contains(c.CategoryIDs, it.CategoryID)
	}) {
		return false
	}
	return true
}

// NormalizeCode trims surrounding whitespace and upper-cases a coupon code.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

package coupon

import (
	"context"
	"regexp"
	"slices"

	"github.com/go-faster/errors"
)

var codePattern = regexp.MustCompile(`^[A-Z0-9_-]{1,64}$`)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Admin manages the coupon catalogue on behalf of administrators.
type Admin struct {
	repo AdminRepository
}

// NewAdmin creates an Admin backed by repo.
func NewAdmin(repo AdminRepository) *Admin {
	return &Admin{repo: repo}
}

// Create validates and stores a new coupon. New coupons default to active.
func (a *Admin) Create(ctx context.Context, c *Coupon) error {
	if c.Status == "" {
		c.Status = StatusActive
	}
	if err := Normalize(c); err != nil {
		return err
	}
	if err := a.repo.Create(ctx, c); err != nil {
		return errors.Wrap(err, "create coupon")
	}
	return nil
}

// Update replaces every editable field of an existing coupon.
func (a *Admin) Update(ctx context.Context, c *Coupon) error {
	if c.ID <= 0 {
		return &InvalidInputError{Field: "id", Reason: "must be positive"}
	}
	if c.Status == "" {
		c.Status = StatusActive
	}
	if err := Normalize(c); err != nil {
		return err
	}
	if err := a.repo.Update(ctx, c); err != nil {
		return errors.Wrapf(err, "update coupon %d", c.ID)
	}
	return nil
}

func (a *Admin) Get(ctx context.Context, id int64) (*Coupon, error) {
	c, err := a.repo.GetByID(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "get coupon %d", id)
	}
	return c, nil
}

// List returns a page of coupons, newest first.
func (a *Admin) List(ctx context.Context, limit, offset int) ([]Coupon, error) {
	switch {
	case limit <= 0:
		limit = defaultPageSize
	case limit > maxPageSize:
		limit = maxPageSize
	}
	if offset < 0 {
		offset = 0
	}
	coupons, err := a.repo.List(ctx, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "list coupons")
	}
	return coupons, nil
}

// SetStatus activates or deactivates a coupon.
func (a *Admin) SetStatus(ctx context.Context, id int64, status Status) error {
	if status != StatusActive && status != StatusInactive {
		return &InvalidInputError{Field: "status", Reason: "must be active or inactive"}
	}
	if err := a.repo.SetStatus(ctx, id, status); err != nil {
		return errors.Wrapf(err, "set coupon %d status", id)
	}
	return nil
}

// Delete removes a coupon. Its usage rows are kept.
func (a *Admin) Delete(ctx context.Context, id int64) error {
	if err := a.repo.Delete(ctx, id); err != nil {
		return errors.Wrapf(err, "delete coupon %d", id)
	}
	return nil
}

// ListUsage returns the redemption ledger of a coupon, newest first.
func (a *Admin) ListUsage(ctx context.Context, couponID int64) ([]Usage, error) {
	usages, err := a.repo.ListUsage(ctx, couponID)
	if err != nil {
		return nil, errors.Wrapf(err, "list usage of coupon %d", couponID)
	}
	return usages, nil
}

// Normalize canonicalises c in place and checks every field constraint.
func Normalize(c *Coupon) error {
	c.Code = NormalizeCode(c.Code)
	if !codePattern.MatchString(c.Code) {
		return &InvalidInputError{Field: "code", Reason: "must be 1-64 characters of A-Z, 0-9, _ or -"}
	}

	c.DiscountValue = c.DiscountValue.Round(2)
	c.MinOrderValue = c.MinOrderValue.Round(2)
	c.MaxDiscount = c.MaxDiscount.Round(2)

	switch c.DiscountType {
	case DiscountPercentage:
		if c.DiscountValue.GreaterThan(hundred) {
			return &InvalidInputError{Field: "discount_value", Reason: "percentage must not exceed 100"}
		}
	case DiscountFixed:
	default:
		return &InvalidInputError{Field: "discount_type", Reason: "must be percentage or fixed"}
	}
	// Checked after rounding so sub-cent inputs cannot round down to zero.
	if !c.DiscountValue.IsPositive() {
		return &InvalidInputError{Field: "discount_value", Reason: "must be positive"}
	}
	if c.MinOrderValue.IsNegative() {
		return &InvalidInputError{Field: "min_order_value", Reason: "must not be negative"}
	}
	if c.MaxDiscount.IsNegative() {
		return &InvalidInputError{Field: "max_discount", Reason: "must not be negative"}
	}
	if c.UsageLimit != nil && *c.UsageLimit < 0 {
		return &InvalidInputError{Field: "usage_limit", Reason: "must not be negative"}
	}
	if c.UserUsageLimit != nil && *c.UserUsageLimit < 0 {
		return &InvalidInputError{Field: "user_usage_limit", Reason: "must not be negative"}
	}
	if c.StartDate != nil && c.EndDate != nil && !c.EndDate.After(*c.StartDate) {
		return &InvalidInputError{Field: "end_date", Reason: "must be after start_date"}
	}
	if c.Status != StatusActive && c.Status != StatusInactive {
		return &InvalidInputError{Field: "status", Reason: "must be active or inactive"}
	}

	var err error
	if c.ProductIDs, err = normalizeIDs("product_ids", c.ProductIDs); err != nil {
		return err
	}
	if c.CategoryIDs, err = normalizeIDs("category_ids", c.CategoryIDs); err != nil {
		return err
	}

	return nil
}

func normalizeIDs(field string, ids []int64) ([]int64, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	out := slices.Clone(ids)
	for _, id := range out {
		if id <= 0 {
			return nil, &InvalidInputError{Field: field, Reason: "ids must be positive"}
		}
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

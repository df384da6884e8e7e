package coupon

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockRepo struct {
	coupon     *Coupon
	findErr    error
	usage      int
	userUsage  int
	orders     int
	countErr   error
	lookedUp   string
	locked     bool
	redeemable []Coupon
	listErr    error
	excluded   string

	inserted    []Usage
	insertErr   error
	discounts   map[string]decimal.Decimal
	updateErr   error
	usageByID   map[int64]int
	userUsageBy map[int64]int
}

func (m *mockRepo) FindByCode(_ context.Context, code string) (*Coupon, error) {
	m.lookedUp = code
	if m.findErr != nil {
		return nil, m.findErr
	}
	if m.coupon == nil {
		return nil, ErrNotFound
	}
	c := *m.coupon
	return &c, nil
}

func (m *mockRepo) LockByCode(ctx context.Context, code string) (*Coupon, error) {
	m.locked = true
	return m.FindByCode(ctx, code)
}

func (m *mockRepo) CountUsage(_ context.Context, couponID int64) (int, error) {
	if n, ok := m.usageByID[couponID]; ok {
		return n, m.countErr
	}
	return m.usage, m.countErr
}

func (m *mockRepo) CountUserUsage(_ context.Context, couponID, _ int64) (int, error) {
	if n, ok := m.userUsageBy[couponID]; ok {
		return n, m.countErr
	}
	return m.userUsage, m.countErr
}

func (m *mockRepo) CountOrders(_ context.Context, _ int64, exclude string) (int, error) {
	m.excluded = exclude
	return m.orders, m.countErr
}

func (m *mockRepo) InsertUsage(_ context.Context, u *Usage) error {
	if m.insertErr != nil {
		return m.insertErr
	}
	for _, prev := range m.inserted {
		if prev.OrderID == u.OrderID && prev.CouponID == u.CouponID {
			return ErrUsageAlreadyRecorded
		}
	}
	u.ID = int64(len(m.inserted) + 1)
	m.inserted = append(m.inserted, *u)
	m.usage++
	return nil
}

func (m *mockRepo) UpdateOrderDiscount(_ context.Context, orderID string, amount decimal.Decimal) error {
	if m.updateErr != nil {
		return m.updateErr
	}
	if m.discounts == nil {
		m.discounts = make(map[string]decimal.Decimal)
	}
	m.discounts[orderID] = amount
	return nil
}

func (m *mockRepo) ListRedeemable(_ context.Context, _ time.Time, includeFirstOrder bool) ([]Coupon, error) {
	if m.listErr != nil {
		return nil, m.listErr
	}
	var out []Coupon
	for _, c := range m.redeemable {
		if c.IsFirstOrder && !includeFirstOrder {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func intPtr(v int) *int { return &v }

func timePtr(t time.Time) *time.Time { return &t }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestValidator_Validate(t *testing.T) {
	fixedNow := time.Date(2025, 6, 15, 12, 0, 0, 0, time.UTC)
	past := fixedNow.Add(-24 * time.Hour)
	future := fixedNow.Add(24 * time.Hour)

	base := func(mut func(c *Coupon)) *Coupon {
		c := &Coupon{
			ID:            1,
			Code:          "SAVE10",
			DiscountType:  DiscountPercentage,
			DiscountValue: dec("10"),
			Status:        StatusActive,
		}
		if mut != nil {
			mut(c)
		}
		return c
	}

	tests := []struct {
		name     string
		repo     *mockRepo
		code     string
		cart     Cart
		wantKind Kind
	}{
		{
			name: "valid code",
			repo: &mockRepo{coupon: base(nil)},
			code: "SAVE10",
			cart: Cart{Total: dec("100")},
		},
		{
			name:     "blank code",
			repo:     &mockRepo{coupon: base(nil)},
			code:     "   ",
			wantKind: KindMissingCode,
		},
		{
			name:     "unknown code",
			repo:     &mockRepo{},
			code:     "NOPE",
			cart:     Cart{Total: dec("100")},
			wantKind: KindNotFound,
		},
		{
			name:     "inactive",
			repo:     &mockRepo{coupon: base(func(c *Coupon) { c.Status = StatusInactive })},
			code:     "SAVE10",
			cart:     Cart{Total: dec("100")},
			wantKind: KindInactive,
		},
		{
			name:     "not yet active",
			repo:     &mockRepo{coupon: base(func(c *Coupon) { c.StartDate = timePtr(future) })},
			code:     "SAVE10",
			cart:     Cart{Total: dec("100")},
			wantKind: KindNotYetActive,
		},
		{
			name:     "expired",
			repo:     &mockRepo{coupon: base(func(c *Coupon) { c.EndDate = timePtr(past) })},
			code:     "SAVE10",
			cart:     Cart{Total: dec("100")},
			wantKind: KindExpired,
		},
		{
			name: "inside date window",
			repo: &mockRepo{coupon: base(func(c *Coupon) {
				c.StartDate = timePtr(past)
				c.EndDate = timePtr(future)
			})},
			code: "SAVE10",
			cart: Cart{Total: dec("100")},
		},
		{
			name:     "below minimum by one cent",
			repo:     &mockRepo{coupon: base(func(c *Coupon) { c.MinOrderValue = dec("1000") })},
			code:     "SAVE10",
			cart:     Cart{Total: dec("999.99")},
			wantKind: KindBelowMinimum,
		},
		{
			name: "exactly minimum",
			repo: &mockRepo{coupon: base(func(c *Coupon) { c.MinOrderValue = dec("1000") })},
			code: "SAVE10",
			cart: Cart{Total: dec("1000.00")},
		},
		{
			name:     "first order coupon for returning user",
			repo:     &mockRepo{coupon: base(func(c *Coupon) { c.IsFirstOrder = true }), orders: 2},
			code:     "SAVE10",
			cart:     Cart{Total: dec("100"), UserID: 7},
			wantKind: KindNotFirstOrder,
		},
		{
			name: "first order coupon for guest",
			repo: &mockRepo{coupon: base(func(c *Coupon) { c.IsFirstOrder = true }), orders: 2},
			code: "SAVE10",
			cart: Cart{Total: dec("100")},
		},
		{
			name:     "global limit reached",
			repo:     &mockRepo{coupon: base(func(c *Coupon) { c.UsageLimit = intPtr(3) }), usage: 3},
			code:     "SAVE10",
			cart:     Cart{Total: dec("100")},
			wantKind: KindGlobalLimitReached,
		},
		{
			name: "global limit with room",
			repo: &mockRepo{coupon: base(func(c *Coupon) { c.UsageLimit = intPtr(3) }), usage: 2},
			code: "SAVE10",
			cart: Cart{Total: dec("100")},
		},
		{
			name:     "zero usage limit rejects immediately",
			repo:     &mockRepo{coupon: base(func(c *Coupon) { c.UsageLimit = intPtr(0) })},
			code:     "SAVE10",
			cart:     Cart{Total: dec("100")},
			wantKind: KindGlobalLimitReached,
		},
		{
			name:     "user limit reached",
			repo:     &mockRepo{coupon: base(func(c *Coupon) { c.UserUsageLimit = intPtr(1) }), userUsage: 1},
			code:     "SAVE10",
			cart:     Cart{Total: dec("100"), UserID: 7},
			wantKind: KindUserLimitReached,
		},
		{
			name: "user limit ignored for guest",
			repo: &mockRepo{coupon: base(func(c *Coupon) { c.UserUsageLimit = intPtr(1) }), userUsage: 1},
			code: "SAVE10",
			cart: Cart{Total: dec("100")},
		},
		{
			name:     "product scope without match",
			repo:     &mockRepo{coupon: base(func(c *Coupon) { c.ProductIDs = []int64{1, 2} })},
			code:     "SAVE10",
			cart:     Cart{Total: dec("100"), Items: []CartItem{{ProductID: 3, CategoryID: 1}}},
			wantKind: KindNotApplicable,
		},
		{
			name: "product scope with one match",
			repo: &mockRepo{coupon: base(func(c *Coupon) { c.ProductIDs = []int64{1, 2} })},
			code: "SAVE10",
			cart: Cart{Total: dec("100"), Items: []CartItem{{ProductID: 3}, {ProductID: 2}}},
		},
		{
			name: "product matches but category does not",
			repo: &mockRepo{coupon: base(func(c *Coupon) {
				c.ProductIDs = []int64{1}
				c.CategoryIDs = []int64{9}
			})},
			code:     "SAVE10",
			cart:     Cart{Total: dec("100"), Items: []CartItem{{ProductID: 1, CategoryID: 4}}},
			wantKind: KindNotApplicable,
		},
		{
			name: "scope satisfied by different items",
			repo: &mockRepo{coupon: base(func(c *Coupon) {
				c.ProductIDs = []int64{1}
				c.CategoryIDs = []int64{9}
			})},
			code: "SAVE10",
			cart: Cart{Total: dec("100"), Items: []CartItem{{ProductID: 1, CategoryID: 4}, {ProductID: 5, CategoryID: 9}}},
		},
		{
			name: "scope ignored for empty cart",
			repo: &mockRepo{coupon: base(func(c *Coupon) { c.ProductIDs = []int64{1} })},
			code: "SAVE10",
			cart: Cart{Total: dec("100")},
		},
		{
			name: "expiry wins over minimum",
			repo: &mockRepo{coupon: base(func(c *Coupon) {
				c.EndDate = timePtr(past)
				c.MinOrderValue = dec("1000")
			})},
			code:     "SAVE10",
			cart:     Cart{Total: dec("1")},
			wantKind: KindExpired,
		},
		{
			name:     "store failure",
			repo:     &mockRepo{findErr: errors.New("connection refused")},
			code:     "SAVE10",
			cart:     Cart{Total: dec("100")},
			wantKind: KindPersistence,
		},
		{
			name:     "count failure",
			repo:     &mockRepo{coupon: base(func(c *Coupon) { c.UsageLimit = intPtr(3) }), countErr: errors.New("timeout")},
			code:     "SAVE10",
			cart:     Cart{Total: dec("100")},
			wantKind: KindPersistence,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := NewValidator(tt.repo)
			v.now = func() time.Time { return fixedNow }

			c, err := v.Validate(context.Background(), tt.code, tt.cart)
			if tt.wantKind != "" {
				var rej *Rejection
				require.ErrorAs(t, err, &rej)
				assert.Equal(t, tt.wantKind, rej.Kind)
				assert.Nil(t, c)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "SAVE10", c.Code)
		})
	}
}

func TestValidator_NormalizesCode(t *testing.T) {
	repo := &mockRepo{coupon: &Coupon{Code: "SAVE10", DiscountType: DiscountFixed, DiscountValue: dec("5"), Status: StatusActive}}
	v := NewValidator(repo)

	_, err := v.Validate(context.Background(), "  save10 ", Cart{Total: dec("10")})
	require.NoError(t, err)
	assert.Equal(t, "SAVE10", repo.lookedUp)
}

func TestValidator_Idempotent(t *testing.T) {
	repo := &mockRepo{coupon: &Coupon{ID: 1, Code: "ONCE", DiscountType: DiscountFixed, DiscountValue: dec("5"), UsageLimit: intPtr(1), Status: StatusActive}}
	v := NewValidator(repo)
	cart := Cart{Total: dec("50")}

	first, err := v.Validate(context.Background(), "ONCE", cart)
	require.NoError(t, err)
	second, err := v.Validate(context.Background(), "ONCE", cart)
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Empty(t, repo.inserted)
}

func TestRejection_Message(t *testing.T) {
	tests := []struct {
		rej  *Rejection
		want string
	}{
		{reject(KindMissingCode), "Coupon code is required"},
		{reject(KindNotFound), "Invalid or inactive coupon code"},
		{reject(KindInactive), "Invalid or inactive coupon code"},
		{&Rejection{Kind: KindBelowMinimum, MinOrderValue: dec("1000")}, "Minimum order value of 1000 required"},
		{rejectPersistence(errors.New("boom")), "Failed to validate coupon"},
		{&Rejection{Kind: KindPersistence, Op: "apply"}, "Failed to apply coupon"},
	}
	for _, tt := range tests {
		t.Run(string(tt.rej.Kind), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.rej.Message())
		})
	}
}

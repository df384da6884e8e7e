package coupon

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
)

// DiscountType enumerates the supported coupon discount strategies.
type DiscountType string

const (
	// DiscountPercentage takes a percentage of the cart total, optionally capped.
	DiscountPercentage DiscountType = "percentage"
	// DiscountFixed takes a fixed amount, never more than the cart total.
	DiscountFixed DiscountType = "fixed"
)

// Status is the administrative state of a coupon.
type Status string

const (
	StatusActive   Status = "active"
	StatusInactive Status = "inactive"
)

var (
	// ErrNotFound is returned by repositories when no coupon matches.
	ErrNotFound = errors.New("coupon not found")
	// ErrCodeTaken is returned when creating or renaming a coupon to a code
	// that already exists.
	ErrCodeTaken = errors.New("coupon code already exists")
	// ErrUsageAlreadyRecorded is returned when a usage row for the same
	// order and coupon already exists.
	ErrUsageAlreadyRecorded = errors.New("coupon usage already recorded for order")
	// ErrOrderNotFound is returned when recording usage against a missing order.
	ErrOrderNotFound = errors.New("order not found")
)

// Coupon is a discount rule redeemable by code.
type Coupon struct {
	ID             int64
	Code           string
	Description    string
	DiscountType   DiscountType
	DiscountValue  decimal.Decimal
	MinOrderValue  decimal.Decimal
	MaxDiscount    decimal.Decimal
	StartDate      *time.Time
	EndDate        *time.Time
	UsageLimit     *int
	UserUsageLimit *int
	IsFirstOrder   bool
	ProductIDs     []int64
	CategoryIDs    []int64
	Status         Status
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Usage is a single redemption of a coupon against an order.
type Usage struct {
	ID             int64
	CouponID       int64
	OrderID        string
	UserID         int64
	DiscountAmount decimal.Decimal
	CreatedAt      time.Time
}

// CartItem is the part of a cart line the engine needs for scope checks.
type CartItem struct {
	ProductID  int64
	CategoryID int64
}

// Cart is the checkout context a coupon is validated against.
type Cart struct {
	Total    decimal.Decimal
	Currency string
	UserID   int64
	Items    []CartItem
}

// Result is a validated coupon together with its computed discount.
type Result struct {
	Coupon *Coupon
	Amount decimal.Decimal
}

// Repository is the persistent store the engine reads from and appends to.
type Repository interface {
	FindByCode(ctx context.Context, code string) (*Coupon, error)
	// LockByCode is FindByCode that also holds a row lock until the
	// surrounding transaction ends.
	LockByCode(ctx context.Context, code string) (*Coupon, error)
	CountUsage(ctx context.Context, couponID int64) (int, error)
	CountUserUsage(ctx context.Context, couponID, userID int64) (int, error)
	// CountOrders counts the user's orders other than excludeOrderID, which
	// may be empty.
	CountOrders(ctx context.Context, userID int64, excludeOrderID string) (int, error)
	InsertUsage(ctx context.Context, u *Usage) error
	UpdateOrderDiscount(ctx context.Context, orderID string, amount decimal.Decimal) error
	ListRedeemable(ctx context.Context, now time.Time, includeFirstOrder bool) ([]Coupon, error)
}

// AdminRepository provides the administrative mutations of coupons.
type AdminRepository interface {
	Create(ctx context.Context, c *Coupon) error
	Update(ctx context.Context, c *Coupon) error
	GetByID(ctx context.Context, id int64) (*Coupon, error)
	List(ctx context.Context, limit, offset int) ([]Coupon, error)
	SetStatus(ctx context.Context, id int64, status Status) error
	Delete(ctx context.Context, id int64) error
	ListUsage(ctx context.Context, couponID int64) ([]Usage, error)
}

// TxRunner runs fn inside a single database transaction. Nested calls join
// the outer transaction.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

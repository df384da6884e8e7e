package postgres

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/coupon"
)

const couponColumns = `id, code, description, discount_type, discount_value, min_order_value,
	max_discount, start_date, end_date, usage_limit, user_usage_limit, is_first_order,
	product_ids, category_ids, status, created_at, updated_at`

const (
	findCouponByCodeSQL = `SELECT ` + couponColumns + ` FROM coupons WHERE code = UPPER($1)`

	lockCouponByCodeSQL = findCouponByCodeSQL + ` FOR UPDATE`

	getCouponByIDSQL = `SELECT ` + couponColumns + ` FROM coupons WHERE id = $1`

	listCouponsSQL = `SELECT ` + couponColumns + ` FROM coupons
		ORDER BY created_at DESC, id DESC LIMIT $1 OFFSET $2`

	listRedeemableSQL = `SELECT ` + couponColumns + ` FROM coupons
		WHERE status = 'active'
			AND (start_date IS NULL OR start_date <= $1)
			AND (end_date IS NULL OR end_date >= $1)
			AND ($2 OR NOT is_first_order)
		ORDER BY is_first_order DESC, discount_value DESC, id`

	countUsageSQL = `SELECT COUNT(*) FROM coupon_usages WHERE coupon_id = $1`

	countUserUsageSQL = `SELECT COUNT(*) FROM coupon_usages WHERE coupon_id = $1 AND user_id = $2`

	countOrdersSQL = `SELECT COUNT(*) FROM orders WHERE user_id = $1 AND id::text <> $2`

	insertUsageSQL = `INSERT INTO coupon_usages (coupon_id, order_id, user_id, discount_amount)
		VALUES ($1, $2, $3, $4) RETURNING id, created_at`

	listUsageSQL = `SELECT id, coupon_id, order_id::text, user_id, discount_amount, created_at
		FROM coupon_usages WHERE coupon_id = $1 ORDER BY created_at DESC, id DESC`

	updateOrderDiscountSQL = `UPDATE orders SET discount = $2, total = GREATEST(subtotal - $2, 0)
		WHERE id = $1`

	createCouponSQL = `INSERT INTO coupons (code, description, discount_type, discount_value,
		min_order_value, max_discount, start_date, end_date, usage_limit, user_usage_limit,
		is_first_order, product_ids, category_ids, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		RETURNING id, created_at, updated_at`

	updateCouponSQL = `UPDATE coupons SET code = $2, description = $3, discount_type = $4,
		discount_value = $5, min_order_value = $6, max_discount = $7, start_date = $8,
		end_date = $9, usage_limit = $10, user_usage_limit = $11, is_first_order = $12,
		product_ids = $13, category_ids = $14, status = $15, updated_at = now()
		WHERE id = $1 RETURNING created_at, updated_at`

	setCouponStatusSQL = `UPDATE coupons SET status = $2, updated_at = now() WHERE id = $1`

	deleteCouponSQL = `DELETE FROM coupons WHERE id = $1`

	upsertCouponSQL = `INSERT INTO coupons (code, description, discount_type, discount_value,
		min_order_value, max_discount, start_date, end_date, usage_limit, user_usage_limit,
		is_first_order, product_ids, category_ids, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (code) DO UPDATE SET description = EXCLUDED.description,
			discount_type = EXCLUDED.discount_type, discount_value = EXCLUDED.discount_value,
			min_order_value = EXCLUDED.min_order_value, max_discount = EXCLUDED.max_discount,
			start_date = EXCLUDED.start_date, end_date = EXCLUDED.end_date,
			usage_limit = EXCLUDED.usage_limit, user_usage_limit = EXCLUDED.user_usage_limit,
			is_first_order = EXCLUDED.is_first_order, product_ids = EXCLUDED.product_ids,
			category_ids = EXCLUDED.category_ids, status = EXCLUDED.status, updated_at = now()
		RETURNING id, created_at, updated_at`

	existingCodesSQL = `SELECT code FROM coupons WHERE code = ANY($1)`
)

var (
	_ coupon.Repository      = (*CouponRepository)(nil)
	_ coupon.AdminRepository = (*CouponRepository)(nil)
)

// CouponRepository implements the coupon engine and administration stores.
type CouponRepository struct {
	db *DB
}

// NewCouponRepository returns a CouponRepository using db.
func NewCouponRepository(db *DB) *CouponRepository {
	return &CouponRepository{db: db}
}

// FindByCode looks up a coupon of any status by its code (case-insensitive).
func (r *CouponRepository) FindByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	return r.one(ctx, findCouponByCodeSQL, code)
}

// LockByCode is FindByCode with SELECT ... FOR UPDATE. It must run inside
// InTx for the lock to outlive the statement.
func (r *CouponRepository) LockByCode(ctx context.Context, code string) (*coupon.Coupon, error) {
	return r.one(ctx, lockCouponByCodeSQL, code)
}

func (r *CouponRepository) GetByID(ctx context.Context, id int64) (*coupon.Coupon, error) {
	return r.one(ctx, getCouponByIDSQL, id)
}

func (r *CouponRepository) one(ctx context.Context, sql string, arg any) (*coupon.Coupon, error) {
	rows, err := r.db.conn(ctx).Query(ctx, sql, arg)
	if err != nil {
		return nil, errors.Wrapf(err, "query coupon %v", arg)
	}
	c, err := pgx.CollectExactlyOneRow(rows, scanCoupon)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, coupon.ErrNotFound
		}
		return nil, errors.Wrapf(err, "scan coupon %v", arg)
	}
	return &c, nil
}

func (r *CouponRepository) List(ctx context.Context, limit, offset int) ([]coupon.Coupon, error) {
	rows, err := r.db.conn(ctx).Query(ctx, listCouponsSQL, limit, offset)
	if err != nil {
		return nil, errors.Wrap(err, "list coupons")
	}
	return pgx.CollectRows(rows, scanCoupon)
}

// ListRedeemable returns active coupons whose date window contains now,
// best first.
func (r *CouponRepository) ListRedeemable(ctx context.Context, now time.Time, includeFirstOrder bool) ([]coupon.Coupon, error) {
	rows, err := r.db.conn(ctx).Query(ctx, listRedeemableSQL, now, includeFirstOrder)
	if err != nil {
		return nil, errors.Wrap(err, "list redeemable coupons")
	}
	return pgx.CollectRows(rows, scanCoupon)
}

func (r *CouponRepository) CountUsage(ctx context.Context, couponID int64) (int, error) {
	return r.count(ctx, countUsageSQL, couponID)
}

func (r *CouponRepository) CountUserUsage(ctx context.Context, couponID, userID int64) (int, error) {
	return r.count(ctx, countUserUsageSQL, couponID, userID)
}

func (r *CouponRepository) CountOrders(ctx context.Context, userID int64, excludeOrderID string) (int, error) {
	return r.count(ctx, countOrdersSQL, userID, excludeOrderID)
}

func (r *CouponRepository) count(ctx context.Context, sql string, args ...any) (int, error) {
	var n int
	if err := r.db.conn(ctx).QueryRow(ctx, sql, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count")
	}
	return n, nil
}

// InsertUsage appends a usage row. A second row for the same order and
// coupon is rejected with coupon.ErrUsageAlreadyRecorded.
func (r *CouponRepository) InsertUsage(ctx context.Context, u *coupon.Usage) error {
	err := r.db.conn(ctx).QueryRow(ctx, insertUsageSQL,
		u.CouponID, u.OrderID, u.UserID, u.DiscountAmount,
	).Scan(&u.ID, &u.CreatedAt)
	if err != nil {
		if isUniqueViolation(err, "coupon_usages_order_coupon_key") {
			return coupon.ErrUsageAlreadyRecorded
		}
		return errors.Wrapf(err, "insert usage of coupon %d for order %s", u.CouponID, u.OrderID)
	}
	return nil
}

func (r *CouponRepository) ListUsage(ctx context.Context, couponID int64) ([]coupon.Usage, error) {
	rows, err := r.db.conn(ctx).Query(ctx, listUsageSQL, couponID)
	if err != nil {
		return nil, errors.Wrapf(err, "list usage of coupon %d", couponID)
	}
	return pgx.CollectRows(rows, func(row pgx.CollectableRow) (coupon.Usage, error) {
		var u coupon.Usage
		err := row.Scan(&u.ID, &u.CouponID, &u.OrderID, &u.UserID, &u.DiscountAmount, &u.CreatedAt)
		return u, err
	})
}

// UpdateOrderDiscount stores the discount on the order and recomputes its
// total.
func (r *CouponRepository) UpdateOrderDiscount(ctx context.Context, orderID string, amount decimal.Decimal) error {
	tag, err := r.db.conn(ctx).Exec(ctx, updateOrderDiscountSQL, orderID, amount)
	if err != nil {
		return errors.Wrapf(err, "update discount of order %s", orderID)
	}
	if tag.RowsAffected() == 0 {
		return coupon.ErrOrderNotFound
	}
	return nil
}

func (r *CouponRepository) Create(ctx context.Context, c *coupon.Coupon) error {
	err := r.db.conn(ctx).QueryRow(ctx, createCouponSQL, couponArgs(c)...).
		Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err, "coupons_code_key") {
			return coupon.ErrCodeTaken
		}
		return errors.Wrapf(err, "insert coupon %s", c.Code)
	}
	return nil
}

// Upsert creates the coupon or replaces the coupon with the same code.
func (r *CouponRepository) Upsert(ctx context.Context, c *coupon.Coupon) error {
	err := r.db.conn(ctx).QueryRow(ctx, upsertCouponSQL, couponArgs(c)...).
		Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return errors.Wrapf(err, "upsert coupon %s", c.Code)
	}
	return nil
}

// ExistingCodes returns which of codes are already stored.
func (r *CouponRepository) ExistingCodes(ctx context.Context, codes []string) ([]string, error) {
	rows, err := r.db.conn(ctx).Query(ctx, existingCodesSQL, codes)
	if err != nil {
		return nil, errors.Wrap(err, "query existing codes")
	}
	return pgx.CollectRows(rows, pgx.RowTo[string])
}

func (r *CouponRepository) Update(ctx context.Context, c *coupon.Coupon) error {
	args := append([]any{c.ID}, couponArgs(c)...)
	err := r.db.conn(ctx).QueryRow(ctx, updateCouponSQL, args...).Scan(&c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		switch {
		case errors.Is(err, pgx.ErrNoRows):
			return coupon.ErrNotFound
		case isUniqueViolation(err, "coupons_code_key"):
			return coupon.ErrCodeTaken
		}
		return errors.Wrapf(err, "update coupon %d", c.ID)
	}
	return nil
}

func (r *CouponRepository) SetStatus(ctx context.Context, id int64, status coupon.Status) error {
	return r.execOne(ctx, setCouponStatusSQL, id, string(status))
}

// Delete removes the coupon. Usage rows are kept.
func (r *CouponRepository) Delete(ctx context.Context, id int64) error {
	return r.execOne(ctx, deleteCouponSQL, id)
}

func (r *CouponRepository) execOne(ctx context.Context, sql string, id int64, args ...any) error {
	tag, err := r.db.conn(ctx).Exec(ctx, sql, append([]any{id}, args...)...)
	if err != nil {
		return errors.Wrapf(err, "exec on coupon %d", id)
	}
	if tag.RowsAffected() == 0 {
		return coupon.ErrNotFound
	}
	return nil
}

func couponArgs(c *coupon.Coupon) []any {
	return []any{
		c.Code, c.Description, string(c.DiscountType), c.DiscountValue,
		c.MinOrderValue, c.MaxDiscount, c.StartDate, c.EndDate,
		c.UsageLimit, c.UserUsageLimit, c.IsFirstOrder,
		nonNilIDs(c.ProductIDs), nonNilIDs(c.CategoryIDs), string(c.Status),
	}
}

func scanCoupon(row pgx.CollectableRow) (coupon.Coupon, error) {
	var (
		c            coupon.Coupon
		discountType string
		status       string
	)
	err := row.Scan(
		&c.ID, &c.Code, &c.Description, &discountType, &c.DiscountValue, &c.MinOrderValue,
		&c.MaxDiscount, &c.StartDate, &c.EndDate, &c.UsageLimit, &c.UserUsageLimit, &c.IsFirstOrder,
		&c.ProductIDs, &c.CategoryIDs, &status, &c.CreatedAt, &c.UpdatedAt,
	)
	c.DiscountType = coupon.DiscountType(discountType)
	c.Status = coupon.Status(status)
	if len(c.ProductIDs) == 0 {
		c.ProductIDs = nil
	}
	if len(c.CategoryIDs) == 0 {
		c.CategoryIDs = nil
	}
	return c, err
}

// nonNilIDs keeps empty id lists from being encoded as NULL.
func nonNilIDs(ids []int64) []int64 {
	if ids == nil {
		return []int64{}
	}
	return ids
}

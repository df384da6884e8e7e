package postgres

import (
	"context"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/xenking/storefront/internal/domain/order"
)

const orderColumns = `id::text, user_id, items, subtotal, discount, total, coupon_code, created_at`

const (
	createOrderSQL = `INSERT INTO orders (id, user_id, items, subtotal, discount, total, coupon_code)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING created_at`

	getOrderByIDSQL = `SELECT ` + orderColumns + ` FROM orders WHERE id = $1`

	lockOrderByIDSQL = getOrderByIDSQL + ` FOR UPDATE`

	setOrderCouponSQL = `UPDATE orders SET coupon_code = $2 WHERE id = $1`
)

var _ order.Repository = (*OrderRepository)(nil)

// OrderRepository implements order.Repository backed by PostgreSQL.
type OrderRepository struct {
	db *DB
}

// NewOrderRepository returns an OrderRepository using db.
func NewOrderRepository(db *DB) *OrderRepository {
	return &OrderRepository{db: db}
}

// Create persists a new order. The items are stored as a JSONB array.
func (r *OrderRepository) Create(ctx context.Context, o *order.Order) error {
	err := r.db.conn(ctx).QueryRow(ctx, createOrderSQL,
		o.ID, o.UserID, encodeItems(o.Items), o.Subtotal, o.Discount, o.Total, o.CouponCode,
	).Scan(&o.CreatedAt)
	if err != nil {
		return errors.Wrapf(err, "insert order %s", o.ID)
	}
	return nil
}

func (r *OrderRepository) GetByID(ctx context.Context, id string) (*order.Order, error) {
	return r.one(ctx, getOrderByIDSQL, id)
}

// LockByID must run inside InTx for the lock to outlive the statement.
func (r *OrderRepository) LockByID(ctx context.Context, id string) (*order.Order, error) {
	return r.one(ctx, lockOrderByIDSQL, id)
}

func (r *OrderRepository) one(ctx context.Context, sql, id string) (*order.Order, error) {
	// Ids that are not UUIDs cannot exist and would fail the cast in SQL.
	if _, err := uuid.Parse(id); err != nil {
		return nil, order.ErrNotFound
	}
	rows, err := r.db.conn(ctx).Query(ctx, sql, id)
	if err != nil {
		return nil, errors.Wrapf(err, "query order %s", id)
	}
	o, err := pgx.CollectExactlyOneRow(rows, scanOrder)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, order.ErrNotFound
		}
		return nil, errors.Wrapf(err, "scan order %s", id)
	}
	return &o, nil
}

func (r *OrderRepository) SetCouponCode(ctx context.Context, id, code string) error {
	tag, err := r.db.conn(ctx).Exec(ctx, setOrderCouponSQL, id, code)
	if err != nil {
		return errors.Wrapf(err, "set coupon of order %s", id)
	}
	if tag.RowsAffected() == 0 {
		return order.ErrNotFound
	}
	return nil
}

func scanOrder(row pgx.CollectableRow) (order.Order, error) {
	var (
		o     order.Order
		items []byte
	)
	if err := row.Scan(
		&o.ID, &o.UserID, &items, &o.Subtotal, &o.Discount, &o.Total, &o.CouponCode, &o.CreatedAt,
	); err != nil {
		return o, err
	}
	decoded, err := decodeItems(items)
	if err != nil {
		return o, errors.Wrap(err, "decode items")
	}
	o.Items = decoded
	return o, nil
}

func encodeItems(items []order.Item) []byte {
	var e jx.Encoder
	e.ArrStart()
	for _, it := range items {
		e.ObjStart()
		e.FieldStart("product_id")
		e.Int64(it.ProductID)
		e.FieldStart("quantity")
		e.Int(it.Quantity)
		e.ObjEnd()
	}
	e.ArrEnd()
	return e.Bytes()
}

func decodeItems(data []byte) ([]order.Item, error) {
	var items []order.Item
	err := jx.DecodeBytes(data).Arr(func(d *jx.Decoder) error {
		var it order.Item
		if err := d.Obj(func(d *jx.Decoder, key string) error {
			var err error
			switch key {
			case "product_id":
				it.ProductID, err = d.Int64()
			case "quantity":
				it.Quantity, err = d.Int()
			default:
				err = d.Skip()
			}
			return err
		}); err != nil {
			return err
		}
		items = append(items, it)
		return nil
	})
	return items, err
}

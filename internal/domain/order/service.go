package order

import (
	"context"
	"fmt"
	"slices"

	"github.com/go-faster/errors"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/domain/product"
)

// Sentinel errors for order validation.
var (
	ErrEmptyItems           = errors.New("items required")
	ErrCouponAlreadyApplied = errors.New("order already has a coupon")
)

// ProductNotFoundError indicates a requested product does not exist.
type ProductNotFoundError struct {
	ProductID int64
}

func (e *ProductNotFoundError) Error() string {
	return fmt.Sprintf("product %d not found", e.ProductID)
}

// InvalidQuantityError indicates a line item has a non-positive quantity.
type InvalidQuantityError struct {
	ProductID int64
}

func (e *InvalidQuantityError) Error() string {
	return fmt.Sprintf("quantity must be greater than 0 for product %d", e.ProductID)
}

// CouponRedeemer applies a coupon to a stored order.
type CouponRedeemer interface {
	Redeem(ctx context.Context, req coupon.RedeemRequest) (*coupon.Result, error)
}

// TxRunner runs fn inside a single database transaction.
type TxRunner interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// PlaceOrderRequest holds the input for placing an order.
type PlaceOrderRequest struct {
	UserID     int64
	Items      []Item
	CouponCode string
}

// PlaceOrderResult holds the output of a successfully placed order.
type PlaceOrderResult struct {
	Order    *Order
	Products []product.Product
	// Coupon is nil when no code was given.
	Coupon *coupon.Result
}

// Service encapsulates order placement business logic.
type Service struct {
	products product.Repository
	coupons  CouponRedeemer
	orders   Repository
	tx       TxRunner
	currency string
}

// NewService creates an order Service with the required domain dependencies.
func NewService(
	products product.Repository,
	coupons CouponRedeemer,
	orders Repository,
	tx TxRunner,
	currency string,
) *Service {
	return &Service{
		products: products,
		coupons:  coupons,
		orders:   orders,
		tx:       tx,
		currency: currency,
	}
}

// PlaceOrder validates items, fetches products in a single batch, persists
// the order and redeems the coupon against it. Everything happens in one
// transaction, so a rejected coupon leaves no order behind.
func (s *Service) PlaceOrder(ctx context.Context, req PlaceOrderRequest) (*PlaceOrderResult, error) {
	if len(req.Items) == 0 {
		return nil, ErrEmptyItems
	}
	for _, item := range req.Items {
		if item.Quantity <= 0 {
			return nil, &InvalidQuantityError{ProductID: item.ProductID}
		}
	}

	products, err := s.loadProducts(ctx, req.Items)
	if err != nil {
		return nil, err
	}

	subtotal := decimal.Zero
	for i, item := range req.Items {
		subtotal = subtotal.Add(products[i].Price.Mul(decimal.NewFromInt(int64(item.Quantity))))
	}
	subtotal = subtotal.Round(2)

	o := &Order{
		ID:         uuid.New().String(),
		UserID:     req.UserID,
		Items:      req.Items,
		Subtotal:   subtotal,
		Discount:   decimal.Zero,
		Total:      subtotal,
		CouponCode: coupon.NormalizeCode(req.CouponCode),
	}

	var applied *coupon.Result
	err = s.tx.InTx(ctx, func(ctx context.Context) error {
		if err := s.orders.Create(ctx, o); err != nil {
			return errors.Wrap(err, "create order")
		}
		if o.CouponCode == "" {
			return nil
		}
		res, err := s.coupons.Redeem(ctx, coupon.RedeemRequest{
			OrderID: o.ID,
			Code:    o.CouponCode,
			Cart:    s.cart(o, products),
		})
		if err != nil {
			return err
		}
		applied = res
		return nil
	})
	if err != nil {
		return nil, err
	}

	if applied != nil {
		o.applyDiscount(applied.Amount)
	}
	return &PlaceOrderResult{
		Order:    o,
		Products: products,
		Coupon:   applied,
	}, nil
}

// ApplyCoupon redeems code against an existing order that has no coupon yet.
func (s *Service) ApplyCoupon(ctx context.Context, orderID, code string) (*PlaceOrderResult, error) {
	var result *PlaceOrderResult
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		o, err := s.orders.LockByID(ctx, orderID)
		if err != nil {
			return errors.Wrapf(err, "get order %s", orderID)
		}
		if o.CouponCode != "" {
			return ErrCouponAlreadyApplied
		}

		products, err := s.loadProducts(ctx, o.Items)
		if err != nil {
			return err
		}

		res, err := s.coupons.Redeem(ctx, coupon.RedeemRequest{
			OrderID: o.ID,
			Code:    code,
			Cart:    s.cart(o, products),
		})
		if err != nil {
			return err
		}
		if err := s.orders.SetCouponCode(ctx, o.ID, res.Coupon.Code); err != nil {
			return errors.Wrap(err, "set coupon code")
		}

		o.CouponCode = res.Coupon.Code
		o.applyDiscount(res.Amount)
		result = &PlaceOrderResult{Order: o, Products: products, Coupon: res}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// GetOrder returns a stored order with the products it references. Products
// removed from the catalogue since the order was placed are left out.
func (s *Service) GetOrder(ctx context.Context, id string) (*PlaceOrderResult, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, errors.Wrapf(err, "get order %s", id)
	}
	products, err := s.knownProducts(ctx, o.Items)
	if err != nil {
		return nil, err
	}
	return &PlaceOrderResult{Order: o, Products: products}, nil
}

// knownProducts is loadProducts without the existence check.
func (s *Service) knownProducts(ctx context.Context, items []Item) ([]product.Product, error) {
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}
	slices.Sort(ids)
	fetched, err := s.products.GetByIDs(ctx, slices.Compact(ids))
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	byID := make(map[int64]product.Product, len(fetched))
	for _, p := range fetched {
		byID[p.ID] = p
	}
	products := make([]product.Product, 0, len(items))
	for _, item := range items {
		if p, ok := byID[item.ProductID]; ok {
			products = append(products, p)
		}
	}
	return products, nil
}

// loadProducts fetches the products of items in one query and returns them
// aligned with items.
func (s *Service) loadProducts(ctx context.Context, items []Item) ([]product.Product, error) {
	ids := make([]int64, 0, len(items))
	for _, item := range items {
		ids = append(ids, item.ProductID)
	}
	slices.Sort(ids)
	ids = slices.Compact(ids)

	fetched, err := s.products.GetByIDs(ctx, ids)
	if err != nil {
		return nil, errors.Wrap(err, "get products")
	}
	byID := make(map[int64]product.Product, len(fetched))
	for _, p := range fetched {
		byID[p.ID] = p
	}

	products := make([]product.Product, 0, len(items))
	for _, item := range items {
		p, ok := byID[item.ProductID]
		if !ok {
			return nil, &ProductNotFoundError{ProductID: item.ProductID}
		}
		products = append(products, p)
	}
	return products, nil
}

func (s *Service) cart(o *Order, products []product.Product) coupon.Cart {
	items := make([]coupon.CartItem, len(products))
	for i, p := range products {
		items[i] = coupon.CartItem{ProductID: p.ID, CategoryID: p.CategoryID}
	}
	return coupon.Cart{
		Total:    o.Subtotal,
		Currency: s.currency,
		UserID:   o.UserID,
		Items:    items,
	}
}

// applyDiscount sets the discount and recomputes the total, floored at zero.
func (o *Order) applyDiscount(amount decimal.Decimal) {
	o.Discount = amount.Round(2)
	o.Total = decimal.Max(o.Subtotal.Sub(o.Discount), decimal.Zero).Round(2)
}

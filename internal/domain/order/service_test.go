package order

import (
	"context"
	"testing"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/domain/product"
)

// --- Mock implementations ---

type mockProductRepo struct {
	byID   map[int64]*product.Product
	getErr error
	asked  []int64
}

func (m *mockProductRepo) List(_ context.Context) ([]product.Product, error) {
	return nil, nil
}

func (m *mockProductRepo) GetByID(_ context.Context, id int64) (*product.Product, error) {
	p, ok := m.byID[id]
	if !ok {
		return nil, product.ErrNotFound
	}
	return p, nil
}

func (m *mockProductRepo) GetByIDs(_ context.Context, ids []int64) ([]product.Product, error) {
	m.asked = ids
	if m.getErr != nil {
		return nil, m.getErr
	}
	var out []product.Product
	for _, id := range ids {
		if p, ok := m.byID[id]; ok {
			out = append(out, *p)
		}
	}
	return out, nil
}

type mockRedeemer struct {
	result *coupon.Result
	err    error
	last   coupon.RedeemRequest
	calls  int
}

func (m *mockRedeemer) Redeem(_ context.Context, req coupon.RedeemRequest) (*coupon.Result, error) {
	m.calls++
	m.last = req
	return m.result, m.err
}

type mockOrderRepo struct {
	orders     map[string]*Order
	err        error
	couponSet  string
	rolledBack bool
}

func (m *mockOrderRepo) Create(_ context.Context, o *Order) error {
	if m.err != nil {
		return m.err
	}
	if m.orders == nil {
		m.orders = make(map[string]*Order)
	}
	stored := *o
	m.orders[o.ID] = &stored
	return nil
}

func (m *mockOrderRepo) GetByID(_ context.Context, id string) (*Order, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *mockOrderRepo) LockByID(ctx context.Context, id string) (*Order, error) {
	return m.GetByID(ctx, id)
}

func (m *mockOrderRepo) SetCouponCode(_ context.Context, _ string, code string) error {
	m.couponSet = code
	return nil
}

// mockTx discards order writes when fn fails, like a rolled back transaction.
type mockTx struct {
	orders *mockOrderRepo
}

func (m *mockTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	snapshot := make(map[string]*Order, len(m.orders.orders))
	for k, v := range m.orders.orders {
		snapshot[k] = v
	}
	if err := fn(ctx); err != nil {
		m.orders.orders = snapshot
		m.orders.rolledBack = true
		return err
	}
	return nil
}

// --- Helpers ---

func newTestProduct(id int64, name string, price decimal.Decimal, category int64) product.Product {
	return product.Product{
		ID:         id,
		Name:       name,
		Price:      price,
		CategoryID: category,
		Category:   "test",
		Image: product.Image{
			Thumbnail: "thumb.jpg",
			Mobile:    "mobile.jpg",
			Tablet:    "tablet.jpg",
			Desktop:   "desktop.jpg",
		},
	}
}

func newProductRepo(products ...product.Product) *mockProductRepo {
	byID := make(map[int64]*product.Product, len(products))
	for i := range products {
		byID[products[i].ID] = &products[i]
	}
	return &mockProductRepo{byID: byID}
}

func newTestService(products *mockProductRepo, redeemer *mockRedeemer, orders *mockOrderRepo) *Service {
	return NewService(products, redeemer, orders, &mockTx{orders: orders}, "USD")
}

// --- Tests ---

func TestPlaceOrder_EmptyItems(t *testing.T) {
	svc := newTestService(newProductRepo(), &mockRedeemer{}, &mockOrderRepo{})

	_, err := svc.PlaceOrder(context.Background(), PlaceOrderRequest{})
	require.ErrorIs(t, err, ErrEmptyItems)
}

func TestPlaceOrder_InvalidQuantity(t *testing.T) {
	p1 := newTestProduct(1, "Widget", decimal.NewFromInt(10), 1)
	svc := newTestService(newProductRepo(p1), &mockRedeemer{}, &mockOrderRepo{})

	_, err := svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		Items: []Item{{ProductID: 1, Quantity: 0}},
	})

	var iqErr *InvalidQuantityError
	require.ErrorAs(t, err, &iqErr)
	assert.Equal(t, int64(1), iqErr.ProductID)
}

func TestPlaceOrder_ProductNotFound(t *testing.T) {
	svc := newTestService(newProductRepo(), &mockRedeemer{}, &mockOrderRepo{})

	_, err := svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		Items: []Item{{ProductID: 404, Quantity: 1}},
	})

	var pnfErr *ProductNotFoundError
	require.ErrorAs(t, err, &pnfErr)
	assert.Equal(t, int64(404), pnfErr.ProductID)
}

func TestPlaceOrder_NoCoupon(t *testing.T) {
	p1 := newTestProduct(1, "Widget", decimal.RequireFromString("10.00"), 1)
	p2 := newTestProduct(2, "Gadget", decimal.RequireFromString("20.00"), 2)
	products := newProductRepo(p1, p2)
	redeemer := &mockRedeemer{}
	orders := &mockOrderRepo{}
	svc := newTestService(products, redeemer, orders)

	result, err := svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID: 5,
		Items: []Item{
			{ProductID: 1, Quantity: 2},
			{ProductID: 2, Quantity: 1},
			{ProductID: 1, Quantity: 1},
		},
	})

	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("50.00").Equal(result.Order.Subtotal))
	assert.True(t, decimal.RequireFromString("50.00").Equal(result.Order.Total))
	assert.True(t, decimal.Zero.Equal(result.Order.Discount))
	assert.Nil(t, result.Coupon)
	assert.Len(t, result.Products, 3)
	assert.Equal(t, []int64{1, 2}, products.asked)
	assert.Zero(t, redeemer.calls)
	assert.Contains(t, orders.orders, result.Order.ID)
}

func TestPlaceOrder_WithCoupon(t *testing.T) {
	p1 := newTestProduct(1, "Widget", decimal.RequireFromString("10.00"), 7)
	p2 := newTestProduct(2, "Gadget", decimal.RequireFromString("20.00"), 8)
	redeemer := &mockRedeemer{
		result: &coupon.Result{
			Coupon: &coupon.Coupon{ID: 3, Code: "SAVE5"},
			Amount: decimal.RequireFromString("5.00"),
		},
	}
	svc := newTestService(newProductRepo(p1, p2), redeemer, &mockOrderRepo{})

	result, err := svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		UserID: 9,
		Items: []Item{
			{ProductID: 1, Quantity: 2},
			{ProductID: 2, Quantity: 1},
		},
		CouponCode: " save5",
	})

	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("35.00").Equal(result.Order.Total))
	assert.True(t, decimal.RequireFromString("5.00").Equal(result.Order.Discount))
	assert.Equal(t, "SAVE5", result.Order.CouponCode)

	req := redeemer.last
	assert.Equal(t, result.Order.ID, req.OrderID)
	assert.Equal(t, "SAVE5", req.Code)
	assert.True(t, decimal.RequireFromString("40.00").Equal(req.Cart.Total))
	assert.Equal(t, int64(9), req.Cart.UserID)
	assert.Equal(t, "USD", req.Cart.Currency)
	assert.Equal(t, []coupon.CartItem{{ProductID: 1, CategoryID: 7}, {ProductID: 2, CategoryID: 8}}, req.Cart.Items)
}

func TestPlaceOrder_RejectedCouponRollsBack(t *testing.T) {
	p1 := newTestProduct(1, "Widget", decimal.RequireFromString("10.00"), 1)
	redeemer := &mockRedeemer{err: &coupon.Rejection{Kind: coupon.KindExpired}}
	orders := &mockOrderRepo{}
	svc := newTestService(newProductRepo(p1), redeemer, orders)

	_, err := svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		Items:      []Item{{ProductID: 1, Quantity: 1}},
		CouponCode: "OLD",
	})

	var rej *coupon.Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, coupon.KindExpired, rej.Kind)
	assert.True(t, orders.rolledBack)
	assert.Empty(t, orders.orders)
}

func TestPlaceOrder_DiscountFlooredAtZero(t *testing.T) {
	p1 := newTestProduct(1, "Widget", decimal.RequireFromString("10.00"), 1)
	redeemer := &mockRedeemer{
		result: &coupon.Result{
			Coupon: &coupon.Coupon{Code: "HUGE"},
			Amount: decimal.RequireFromString("999.00"),
		},
	}
	svc := newTestService(newProductRepo(p1), redeemer, &mockOrderRepo{})

	result, err := svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		Items:      []Item{{ProductID: 1, Quantity: 1}},
		CouponCode: "HUGE",
	})

	require.NoError(t, err)
	assert.True(t, decimal.Zero.Equal(result.Order.Total))
}

func TestPlaceOrder_OrderCreateError(t *testing.T) {
	p1 := newTestProduct(1, "Widget", decimal.NewFromInt(10), 1)
	svc := newTestService(newProductRepo(p1), &mockRedeemer{}, &mockOrderRepo{err: errors.New("db write failed")})

	_, err := svc.PlaceOrder(context.Background(), PlaceOrderRequest{
		Items: []Item{{ProductID: 1, Quantity: 1}},
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "create order")
}

func TestApplyCoupon(t *testing.T) {
	p1 := newTestProduct(1, "Widget", decimal.RequireFromString("25.00"), 4)
	orders := &mockOrderRepo{orders: map[string]*Order{
		"o-1": {ID: "o-1", UserID: 2, Items: []Item{{ProductID: 1, Quantity: 4}}, Subtotal: decimal.RequireFromString("100.00"), Total: decimal.RequireFromString("100.00")},
		"o-2": {ID: "o-2", CouponCode: "USED"},
	}}
	redeemer := &mockRedeemer{
		result: &coupon.Result{
			Coupon: &coupon.Coupon{ID: 1, Code: "TENOFF"},
			Amount: decimal.RequireFromString("10.00"),
		},
	}
	svc := newTestService(newProductRepo(p1), redeemer, orders)
	ctx := context.Background()

	t.Run("applies", func(t *testing.T) {
		result, err := svc.ApplyCoupon(ctx, "o-1", "tenoff")
		require.NoError(t, err)
		assert.Equal(t, "TENOFF", result.Order.CouponCode)
		assert.True(t, decimal.RequireFromString("90.00").Equal(result.Order.Total))
		assert.Equal(t, "TENOFF", orders.couponSet)
		assert.Equal(t, "tenoff", redeemer.last.Code)
		assert.True(t, decimal.RequireFromString("100.00").Equal(redeemer.last.Cart.Total))
		assert.Equal(t, int64(2), redeemer.last.Cart.UserID)
	})

	t.Run("already has coupon", func(t *testing.T) {
		_, err := svc.ApplyCoupon(ctx, "o-2", "TENOFF")
		require.ErrorIs(t, err, ErrCouponAlreadyApplied)
	})

	t.Run("missing order", func(t *testing.T) {
		_, err := svc.ApplyCoupon(ctx, "nope", "TENOFF")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestGetOrder(t *testing.T) {
	p1 := newTestProduct(1, "Widget", decimal.RequireFromString("25.00"), 4)
	p2 := newTestProduct(2, "Gadget", decimal.RequireFromString("10.00"), 5)
	orders := &mockOrderRepo{orders: map[string]*Order{
		"o-1": {ID: "o-1", Items: []Item{{ProductID: 2, Quantity: 1}, {ProductID: 1, Quantity: 3}}},
		"o-2": {ID: "o-2", Items: []Item{{ProductID: 1, Quantity: 1}, {ProductID: 9, Quantity: 1}}},
	}}
	products := newProductRepo(p1, p2)
	svc := newTestService(products, &mockRedeemer{}, orders)
	ctx := context.Background()

	t.Run("found", func(t *testing.T) {
		result, err := svc.GetOrder(ctx, "o-1")
		require.NoError(t, err)
		assert.Equal(t, "o-1", result.Order.ID)
		require.Len(t, result.Products, 2)
		assert.Equal(t, int64(2), result.Products[0].ID)
		assert.Equal(t, int64(1), result.Products[1].ID)
		assert.Equal(t, []int64{1, 2}, products.asked)
	})

	t.Run("product removed from catalogue", func(t *testing.T) {
		result, err := svc.GetOrder(ctx, "o-2")
		require.NoError(t, err)
		require.Len(t, result.Products, 1)
		assert.Equal(t, int64(1), result.Products[0].ID)
	})

	t.Run("missing order", func(t *testing.T) {
		_, err := svc.GetOrder(ctx, "nope")
		require.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("product lookup fails", func(t *testing.T) {
		failing := newProductRepo(p1)
		failing.getErr = errors.New("db down")
		_, err := newTestService(failing, &mockRedeemer{}, orders).GetOrder(ctx, "o-1")
		require.Error(t, err)
	})
}

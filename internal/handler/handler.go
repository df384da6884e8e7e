package handler

import (
	"context"
	"net/http"

	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/domain/product"
)

// CouponService is the customer-facing coupon engine.
type CouponService interface {
	Validate(ctx context.Context, code string, cart coupon.Cart) (*coupon.Result, error)
	ListAvailable(ctx context.Context, userID int64, isFirstOrder bool) ([]coupon.Coupon, error)
}

// CouponAdmin manages the coupon catalogue.
type CouponAdmin interface {
	Create(ctx context.Context, c *coupon.Coupon) error
	Update(ctx context.Context, c *coupon.Coupon) error
	Get(ctx context.Context, id int64) (*coupon.Coupon, error)
	List(ctx context.Context, limit, offset int) ([]coupon.Coupon, error)
	SetStatus(ctx context.Context, id int64, status coupon.Status) error
	Delete(ctx context.Context, id int64) error
	ListUsage(ctx context.Context, couponID int64) ([]coupon.Usage, error)
}

// OrderService places, reads and applies coupons to orders.
type OrderService interface {
	PlaceOrder(ctx context.Context, req order.PlaceOrderRequest) (*order.PlaceOrderResult, error)
	ApplyCoupon(ctx context.Context, orderID, code string) (*order.PlaceOrderResult, error)
	GetOrder(ctx context.Context, id string) (*order.PlaceOrderResult, error)
}

var (
	_ CouponService = (*coupon.Service)(nil)
	_ CouponAdmin   = (*coupon.Admin)(nil)
	_ OrderService  = (*order.Service)(nil)
)

// HandlerConfig holds non-dependency configuration for the Handler.
type HandlerConfig struct {
	// ImageBaseURL is prepended to relative image paths in product responses.
	// When empty, image paths are returned as stored in the database.
	ImageBaseURL string
}

// Handler serves the storefront HTTP API.
type Handler struct {
	products     product.Repository
	coupons      CouponService
	admin        CouponAdmin
	orders       OrderService
	imageBaseURL string
}

// NewHandler constructs a Handler with the required domain dependencies.
func NewHandler(
	cfg HandlerConfig,
	products product.Repository,
	coupons CouponService,
	admin CouponAdmin,
	orders OrderService,
) *Handler {
	return &Handler{
		products:     products,
		coupons:      coupons,
		admin:        admin,
		orders:       orders,
		imageBaseURL: cfg.ImageBaseURL,
	}
}

// Register mounts every API route on mux. Order and admin routes require an
// API key with the matching scope.
func (h *Handler) Register(mux *http.ServeMux, sec *Security) {
	orders := sec.Require(auth.ScopeOrdersWrite)
	admin := sec.Require(auth.ScopeCouponsAdmin)

	mux.HandleFunc("GET /api/product", h.ListProducts)
	mux.HandleFunc("GET /api/product/{id}", h.GetProduct)

	mux.HandleFunc("POST /api/coupons/validate", h.ValidateCoupon)
	mux.HandleFunc("GET /api/coupons/available", h.ListAvailableCoupons)

	mux.Handle("POST /api/order", orders(http.HandlerFunc(h.PlaceOrder)))
	mux.Handle("GET /api/orders/{id}", orders(http.HandlerFunc(h.GetOrder)))
	mux.Handle("POST /api/orders/{id}/coupon", orders(http.HandlerFunc(h.ApplyCoupon)))

	mux.Handle("GET /api/admin/coupons", admin(http.HandlerFunc(h.AdminListCoupons)))
	mux.Handle("POST /api/admin/coupons", admin(http.HandlerFunc(h.AdminCreateCoupon)))
	mux.Handle("GET /api/admin/coupons/{id}", admin(http.HandlerFunc(h.AdminGetCoupon)))
	mux.Handle("PUT /api/admin/coupons/{id}", admin(http.HandlerFunc(h.AdminUpdateCoupon)))
	mux.Handle("DELETE /api/admin/coupons/{id}", admin(http.HandlerFunc(h.AdminDeleteCoupon)))
	mux.Handle("PATCH /api/admin/coupons/{id}/status", admin(http.HandlerFunc(h.AdminSetCouponStatus)))
	mux.Handle("GET /api/admin/coupons/{id}/usage", admin(http.HandlerFunc(h.AdminListCouponUsage)))
}

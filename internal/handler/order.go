package handler

import (
	"net/http"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/domain/order"
	"github.com/xenking/storefront/internal/wire"
)

func decodePlaceOrderRequest(d *jx.Decoder) (order.PlaceOrderRequest, error) {
	var req order.PlaceOrderRequest
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "user_id":
			req.UserID, err = d.Int64()
		case "coupon_code":
			req.CouponCode, err = d.Str()
		case "items":
			err = d.Arr(func(d *jx.Decoder) error {
				var item order.Item
				if err := d.Obj(func(d *jx.Decoder, key string) error {
					var err error
					switch key {
					case "product_id":
						item.ProductID, err = d.Int64()
					case "quantity":
						item.Quantity, err = d.Int()
					default:
						err = d.Skip()
					}
					return err
				}); err != nil {
					return err
				}
				req.Items = append(req.Items, item)
				return nil
			})
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrapf(err, "decode %q", key)
		}
		return nil
	})
	return req, err
}

// PlaceOrder creates an order and redeems its coupon code, if any.
func (h *Handler) PlaceOrder(w http.ResponseWriter, r *http.Request) {
	d, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req, err := decodePlaceOrderRequest(d)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID < 0 {
		writeError(w, http.StatusBadRequest, "user_id must not be negative")
		return
	}

	result, err := h.orders.PlaceOrder(r.Context(), req)
	if err != nil {
		h.writeOrderError(w, r, err, "place")
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		h.encodeOrderResult(e, result)
	})
}

// ApplyCoupon redeems a coupon against an existing order.
func (h *Handler) ApplyCoupon(w http.ResponseWriter, r *http.Request) {
	d, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var code string
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		if key == "code" {
			v, err := d.Str()
			code = v
			return err
		}
		return d.Skip()
	}); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	result, err := h.orders.ApplyCoupon(r.Context(), r.PathValue("id"), code)
	if err != nil {
		h.writeOrderError(w, r, err, "apply")
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		h.encodeOrderResult(e, result)
	})
}

func (h *Handler) GetOrder(w http.ResponseWriter, r *http.Request) {
	result, err := h.orders.GetOrder(r.Context(), r.PathValue("id"))
	if err != nil {
		h.writeOrderError(w, r, err, "get")
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		h.encodeOrderResult(e, result)
	})
}

// writeOrderError converts domain errors to HTTP responses.
func (h *Handler) writeOrderError(w http.ResponseWriter, r *http.Request, err error, op string) {
	var (
		rej    *coupon.Rejection
		iqErr  *order.InvalidQuantityError
		pnfErr *order.ProductNotFoundError
	)
	switch {
	case errors.Is(err, order.ErrEmptyItems):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.As(err, &iqErr):
		writeError(w, http.StatusUnprocessableEntity, iqErr.Error())
	case errors.As(err, &pnfErr):
		writeError(w, http.StatusUnprocessableEntity, pnfErr.Error())
	case errors.Is(err, order.ErrNotFound):
		writeError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, order.ErrCouponAlreadyApplied), errors.Is(err, coupon.ErrUsageAlreadyRecorded):
		writeError(w, http.StatusConflict, "coupon already applied to this order")
	case errors.As(err, &rej):
		status := rejectionStatus(rej)
		writeJSON(w, status, func(e *jx.Encoder) {
			e.ObjStart()
			e.FieldStart("code")
			e.Int(status)
			e.FieldStart("message")
			e.Str(rej.Message())
			if rej.Kind == coupon.KindBelowMinimum {
				e.FieldStart("min_order_value")
				wire.EncodeMoney(e, rej.MinOrderValue)
			}
			e.ObjEnd()
		})
	default:
		zctx.From(r.Context()).Error("Order failed", zap.String("op", op), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to "+op+" order")
	}
}

func (h *Handler) encodeOrderResult(e *jx.Encoder, res *order.PlaceOrderResult) {
	o := res.Order
	e.ObjStart()
	e.FieldStart("id")
	e.Str(o.ID)
	e.FieldStart("user_id")
	e.Int64(o.UserID)
	e.FieldStart("items")
	e.ArrStart()
	for _, it := range o.Items {
		e.ObjStart()
		e.FieldStart("product_id")
		e.Int64(it.ProductID)
		e.FieldStart("quantity")
		e.Int(it.Quantity)
		e.ObjEnd()
	}
	e.ArrEnd()
	e.FieldStart("subtotal")
	wire.EncodeMoney(e, o.Subtotal)
	e.FieldStart("discount")
	wire.EncodeMoney(e, o.Discount)
	e.FieldStart("total")
	wire.EncodeMoney(e, o.Total)
	e.FieldStart("coupon_code")
	if o.CouponCode == "" {
		e.Null()
	} else {
		e.Str(o.CouponCode)
	}
	if !o.CreatedAt.IsZero() {
		e.FieldStart("created_at")
		wire.EncodeTime(e, &o.CreatedAt)
	}
	e.FieldStart("products")
	e.ArrStart()
	for _, p := range res.Products {
		h.encodeProduct(e, p)
	}
	e.ArrEnd()
	e.ObjEnd()
}

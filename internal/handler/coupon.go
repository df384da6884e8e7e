package handler

import (
	"net/http"
	"strconv"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/wire"
)

type validateRequest struct {
	code string
	cart coupon.Cart
}

func decodeValidateRequest(d *jx.Decoder) (validateRequest, error) {
	var req validateRequest
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "code":
			req.code, err = d.Str()
		case "cart_total":
			req.cart.Total, err = wire.DecodeDecimal(d)
		case "currency":
			req.cart.Currency, err = d.Str()
		case "user_id":
			req.cart.UserID, err = d.Int64()
		case "items":
			err = d.Arr(func(d *jx.Decoder) error {
				var item coupon.CartItem
				if err := d.Obj(func(d *jx.Decoder, key string) error {
					var err error
					switch key {
					case "id":
						item.ProductID, err = d.Int64()
					case "cat_id":
						item.CategoryID, err = d.Int64()
					default:
						err = d.Skip()
					}
					return err
				}); err != nil {
					return err
				}
				req.cart.Items = append(req.cart.Items, item)
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
	if err != nil {
		return req, err
	}
	if req.cart.UserID < 0 {
		return req, errors.New("user_id must not be negative")
	}
	return req, nil
}

// ValidateCoupon checks a code against the posted cart and reports the
// discount it would grant. Nothing is recorded.
func (h *Handler) ValidateCoupon(w http.ResponseWriter, r *http.Request) {
	d, err := readBody(w, r)
	if err != nil {
		writeCouponError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	req, err := decodeValidateRequest(d)
	if err != nil {
		writeCouponError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	res, err := h.coupons.Validate(r.Context(), req.code, req.cart)
	if err != nil {
		h.writeCouponRejection(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("success")
		e.Bool(true)
		e.FieldStart("coupon")
		e.ObjStart()
		e.FieldStart("id")
		e.Int64(res.Coupon.ID)
		e.FieldStart("code")
		e.Str(res.Coupon.Code)
		e.FieldStart("description")
		e.Str(res.Coupon.Description)
		e.FieldStart("discount_type")
		e.Str(string(res.Coupon.DiscountType))
		e.FieldStart("discount_value")
		wire.EncodeMoney(e, res.Coupon.DiscountValue)
		e.FieldStart("discount_amount")
		wire.EncodeMoney(e, res.Amount)
		e.ObjEnd()
		e.ObjEnd()
	})
}

// ListAvailableCoupons returns the coupons a user can currently redeem.
func (h *Handler) ListAvailableCoupons(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	var userID int64
	if v := q.Get("userId"); v != "" {
		id, err := strconv.ParseInt(v, 10, 64)
		if err != nil || id < 0 {
			writeCouponError(w, http.StatusBadRequest, "Invalid userId")
			return
		}
		userID = id
	}
	var firstOrder bool
	if v := q.Get("firstOrder"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			writeCouponError(w, http.StatusBadRequest, "Invalid firstOrder")
			return
		}
		firstOrder = b
	}

	coupons, err := h.coupons.ListAvailable(r.Context(), userID, firstOrder)
	if err != nil {
		zctx.From(r.Context()).Error("List available coupons", zap.Error(err))
		writeCouponError(w, http.StatusInternalServerError, "Failed to fetch coupons")
		return
	}

	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("success")
		e.Bool(true)
		e.FieldStart("coupons")
		e.ArrStart()
		for _, c := range coupons {
			e.ObjStart()
			e.FieldStart("id")
			e.Int64(c.ID)
			e.FieldStart("code")
			e.Str(c.Code)
			e.FieldStart("description")
			e.Str(c.Description)
			e.FieldStart("discount_type")
			e.Str(string(c.DiscountType))
			e.FieldStart("discount_value")
			wire.EncodeMoney(e, c.DiscountValue)
			e.FieldStart("min_order_value")
			wire.EncodeMoney(e, c.MinOrderValue)
			e.FieldStart("max_discount")
			wire.EncodeMoney(e, c.MaxDiscount)
			e.FieldStart("expires")
			wire.EncodeTime(e, c.EndDate)
			e.FieldStart("is_first_order")
			e.Bool(c.IsFirstOrder)
			e.ObjEnd()
		}
		e.ArrEnd()
		e.ObjEnd()
	})
}

// rejectionStatus maps a rejection to its HTTP status: 400 for a missing
// code, 500 for store failures and 422 for every rule violation.
func rejectionStatus(rej *coupon.Rejection) int {
	switch rej.Kind {
	case coupon.KindMissingCode:
		return http.StatusBadRequest
	case coupon.KindPersistence:
		return http.StatusInternalServerError
	default:
		return http.StatusUnprocessableEntity
	}
}

func (h *Handler) writeCouponRejection(w http.ResponseWriter, r *http.Request, err error) {
	var rej *coupon.Rejection
	if !errors.As(err, &rej) {
		zctx.From(r.Context()).Error("Validate coupon", zap.Error(err))
		writeCouponError(w, http.StatusInternalServerError, "Failed to validate coupon")
		return
	}

	writeJSON(w, rejectionStatus(rej), func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("success")
		e.Bool(false)
		e.FieldStart("error")
		e.Str(rej.Message())
		if rej.Kind == coupon.KindBelowMinimum {
			e.FieldStart("min_order_value")
			wire.EncodeMoney(e, rej.MinOrderValue)
		}
		e.ObjEnd()
	})
}

func writeCouponError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("success")
		e.Bool(false)
		e.FieldStart("error")
		e.Str(msg)
		e.ObjEnd()
	})
}

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

func pathID(r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	return id, err == nil && id > 0
}

func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	return strconv.Atoi(v)
}

// AdminListCoupons returns a page of coupons, newest first.
func (h *Handler) AdminListCoupons(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid limit")
		return
	}
	offset, err := queryInt(r, "offset")
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid offset")
		return
	}

	coupons, err := h.admin.List(r.Context(), limit, offset)
	if err != nil {
		h.writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ArrStart()
		for i := range coupons {
			wire.EncodeCoupon(e, &coupons[i])
		}
		e.ArrEnd()
	})
}

// AdminCreateCoupon creates a coupon.
func (h *Handler) AdminCreateCoupon(w http.ResponseWriter, r *http.Request) {
	c, ok := h.readCoupon(w, r)
	if !ok {
		return
	}
	if err := h.admin.Create(r.Context(), c); err != nil {
		h.writeAdminError(w, r, err)
		return
	}
	zctx.From(r.Context()).Info("Coupon created", zap.Int64("id", c.ID), zap.String("code", c.Code))
	writeJSON(w, http.StatusCreated, func(e *jx.Encoder) {
		wire.EncodeCoupon(e, c)
	})
}

func (h *Handler) AdminGetCoupon(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid coupon id")
		return
	}
	c, err := h.admin.Get(r.Context(), id)
	if err != nil {
		h.writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		wire.EncodeCoupon(e, c)
	})
}

// AdminUpdateCoupon replaces every editable field of a coupon.
func (h *Handler) AdminUpdateCoupon(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid coupon id")
		return
	}
	c, ok := h.readCoupon(w, r)
	if !ok {
		return
	}
	c.ID = id
	if err := h.admin.Update(r.Context(), c); err != nil {
		h.writeAdminError(w, r, err)
		return
	}
	zctx.From(r.Context()).Info("Coupon updated", zap.Int64("id", c.ID), zap.String("code", c.Code))
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		wire.EncodeCoupon(e, c)
	})
}

func (h *Handler) AdminDeleteCoupon(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid coupon id")
		return
	}
	if err := h.admin.Delete(r.Context(), id); err != nil {
		h.writeAdminError(w, r, err)
		return
	}
	zctx.From(r.Context()).Info("Coupon deleted", zap.Int64("id", id))
	w.WriteHeader(http.StatusNoContent)
}

// AdminSetCouponStatus toggles a coupon between active and inactive.
func (h *Handler) AdminSetCouponStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid coupon id")
		return
	}
	d, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	var status string
	if err := d.Obj(func(d *jx.Decoder, key string) error {
		if key == "status" {
			v, err := d.Str()
			status = v
			return err
		}
		return d.Skip()
	}); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if err := h.admin.SetStatus(r.Context(), id, coupon.Status(status)); err != nil {
		h.writeAdminError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// AdminListCouponUsage returns the redemption ledger of a coupon.
func (h *Handler) AdminListCouponUsage(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid coupon id")
		return
	}
	usages, err := h.admin.ListUsage(r.Context(), id)
	if err != nil {
		h.writeAdminError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) {
		e.ArrStart()
		for _, u := range usages {
			e.ObjStart()
			e.FieldStart("id")
			e.Int64(u.ID)
			e.FieldStart("coupon_id")
			e.Int64(u.CouponID)
			e.FieldStart("order_id")
			e.Str(u.OrderID)
			e.FieldStart("user_id")
			e.Int64(u.UserID)
			e.FieldStart("discount_amount")
			wire.EncodeMoney(e, u.DiscountAmount)
			e.FieldStart("created_at")
			wire.EncodeTime(e, &u.CreatedAt)
			e.ObjEnd()
		}
		e.ArrEnd()
	})
}

func (h *Handler) readCoupon(w http.ResponseWriter, r *http.Request) (*coupon.Coupon, bool) {
	d, err := readBody(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	c, err := wire.DecodeCoupon(d)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return nil, false
	}
	return c, true
}

func (h *Handler) writeAdminError(w http.ResponseWriter, r *http.Request, err error) {
	var inv *coupon.InvalidInputError
	switch {
	case errors.As(err, &inv):
		writeError(w, http.StatusBadRequest, inv.Error())
	case errors.Is(err, coupon.ErrNotFound):
		writeError(w, http.StatusNotFound, "coupon not found")
	case errors.Is(err, coupon.ErrCodeTaken):
		writeError(w, http.StatusConflict, "coupon code already exists")
	default:
		zctx.From(r.Context()).Error("Coupon admin failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

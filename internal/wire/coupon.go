package wire

import (
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/storefront/internal/domain/coupon"
)

// DecodeCoupon reads the editable fields of a coupon. Unknown keys are
// skipped; id and timestamps are never taken from input.
func DecodeCoupon(d *jx.Decoder) (*coupon.Coupon, error) {
	c := &coupon.Coupon{}
	err := d.Obj(func(d *jx.Decoder, key string) error {
		var err error
		switch key {
		case "code":
			c.Code, err = d.Str()
		case "description":
			c.Description, err = d.Str()
		case "discount_type":
			var v string
			v, err = d.Str()
			c.DiscountType = coupon.DiscountType(v)
		case "discount_value":
			c.DiscountValue, err = DecodeDecimal(d)
		case "min_order_value":
			c.MinOrderValue, err = DecodeDecimal(d)
		case "max_discount":
			c.MaxDiscount, err = DecodeDecimal(d)
		case "start_date":
			c.StartDate, err = DecodeOptTime(d)
		case "end_date":
			c.EndDate, err = DecodeOptTime(d)
		case "usage_limit":
			c.UsageLimit, err = DecodeOptInt(d)
		case "user_usage_limit":
			c.UserUsageLimit, err = DecodeOptInt(d)
		case "is_first_order":
			c.IsFirstOrder, err = d.Bool()
		case "product_ids":
			c.ProductIDs, err = DecodeIDs(d)
		case "category_ids":
			c.CategoryIDs, err = DecodeIDs(d)
		case "status":
			var v string
			v, err = d.Str()
			c.Status = coupon.Status(v)
		default:
			err = d.Skip()
		}
		if err != nil {
			return errors.Wrapf(err, "decode %q", key)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

// EncodeCoupon writes every field of c.
func EncodeCoupon(e *jx.Encoder, c *coupon.Coupon) {
	optInt := func(v *int) {
		if v == nil {
			e.Null()
			return
		}
		e.Int(*v)
	}

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
	EncodeMoney(e, c.DiscountValue)
	e.FieldStart("min_order_value")
	EncodeMoney(e, c.MinOrderValue)
	e.FieldStart("max_discount")
	EncodeMoney(e, c.MaxDiscount)
	e.FieldStart("start_date")
	EncodeTime(e, c.StartDate)
	e.FieldStart("end_date")
	EncodeTime(e, c.EndDate)
	e.FieldStart("usage_limit")
	optInt(c.UsageLimit)
	e.FieldStart("user_usage_limit")
	optInt(c.UserUsageLimit)
	e.FieldStart("is_first_order")
	e.Bool(c.IsFirstOrder)
	e.FieldStart("product_ids")
	EncodeIDs(e, c.ProductIDs)
	e.FieldStart("category_ids")
	EncodeIDs(e, c.CategoryIDs)
	e.FieldStart("status")
	e.Str(string(c.Status))
	e.FieldStart("created_at")
	EncodeTime(e, &c.CreatedAt)
	e.FieldStart("updated_at")
	EncodeTime(e, &c.UpdatedAt)
	e.ObjEnd()
}

// PeekCode returns the "code" field of a coupon object without decoding the
// rest.
func PeekCode(data []byte) (string, error) {
	var code string
	err := jx.DecodeBytes(data).ObjBytes(func(d *jx.Decoder, key []byte) error {
		if string(key) != "code" {
			return d.Skip()
		}
		v, err := d.Str()
		code = v
		return err
	})
	if err != nil {
		return "", err
	}
	if code == "" {
		return "", errors.New("missing code")
	}
	return code, nil
}

package coupon

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Kind classifies why a coupon was rejected.
type Kind string

const (
	KindMissingCode        Kind = "missing_code"
	KindNotFound           Kind = "not_found"
	KindInactive           Kind = "inactive"
	KindNotYetActive       Kind = "not_yet_active"
	KindExpired            Kind = "expired"
	KindBelowMinimum       Kind = "below_minimum"
	KindNotFirstOrder      Kind = "not_first_order"
	KindGlobalLimitReached Kind = "global_limit_reached"
	KindUserLimitReached   Kind = "user_limit_reached"
	KindNotApplicable      Kind = "not_applicable"
	KindPersistence        Kind = "persistence"
)

var kindMessages = map[Kind]string{
	KindMissingCode:        "Coupon code is required",
	KindNotFound:           "Invalid or inactive coupon code",
	KindInactive:           "Invalid or inactive coupon code",
	KindNotYetActive:       "Coupon is not yet active",
	KindExpired:            "Coupon has expired",
	KindNotFirstOrder:      "This coupon is only valid on your first order",
	KindGlobalLimitReached: "Coupon usage limit has been reached",
	KindUserLimitReached:   "You have already used this coupon the maximum number of times",
	KindNotApplicable:      "Coupon is not applicable to the items in your cart",
}

// Rejection is returned when a coupon cannot be applied to a cart. It is a
// normal outcome, not a failure of the service, except for KindPersistence
// which wraps the store error in Cause.
type Rejection struct {
	Kind Kind
	// MinOrderValue is set for KindBelowMinimum.
	MinOrderValue decimal.Decimal
	// Op names the operation that hit a store failure ("validate", "apply").
	Op    string
	Cause error
}

func reject(kind Kind) *Rejection {
	return &Rejection{Kind: kind}
}

func rejectPersistence(cause error) *Rejection {
	return &Rejection{Kind: KindPersistence, Op: "validate", Cause: cause}
}

// Message returns the customer-facing description of the rejection.
func (r *Rejection) Message() string {
	switch r.Kind {
	case KindBelowMinimum:
		return fmt.Sprintf("Minimum order value of %s required", r.MinOrderValue.String())
	case KindPersistence:
		return fmt.Sprintf("Failed to %s coupon", r.Op)
	}
	if msg, ok := kindMessages[r.Kind]; ok {
		return msg
	}
	return string(r.Kind)
}

func (r *Rejection) Error() string {
	if r.Cause != nil {
		return fmt.Sprintf("coupon rejected (%s): %v", r.Kind, r.Cause)
	}
	return fmt.Sprintf("coupon rejected (%s): %s", r.Kind, r.Message())
}

func (r *Rejection) Unwrap() error { return r.Cause }

// InvalidInputError reports an administrative input that fails validation.
type InvalidInputError struct {
	Field  string
	Reason string
}

func (e *InvalidInputError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

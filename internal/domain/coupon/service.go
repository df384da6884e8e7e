package coupon

import (
	"context"
	"slices"

	"github.com/go-faster/errors"
	"github.com/go-faster/sdk/zctx"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// DefaultListLimit is the number of coupons ListAvailable returns when no
// limit is configured.
const DefaultListLimit = 5

// ServiceConfig holds non-dependency configuration for the Service.
type ServiceConfig struct {
	ListLimit      int
	TracerProvider trace.TracerProvider
	MeterProvider  metric.MeterProvider
}

// RedeemRequest applies a coupon to an existing order.
type RedeemRequest struct {
	OrderID string
	Code    string
	Cart    Cart
}

// Service is the coupon engine: validation, discount calculation, usage
// recording and the available-coupons listing.
type Service struct {
	repo      Repository
	tx        TxRunner
	validator *Validator
	listLimit int

	tracer   trace.Tracer
	outcomes metric.Int64Counter
}

// NewService creates a coupon Service.
func NewService(repo Repository, tx TxRunner, cfg ServiceConfig) (*Service, error) {
	if cfg.ListLimit <= 0 {
		cfg.ListLimit = DefaultListLimit
	}
	outcomes, err := cfg.MeterProvider.Meter("storefront/coupon").Int64Counter("coupon.outcomes",
		metric.WithDescription("Coupon validations and redemptions by outcome"),
	)
	if err != nil {
		return nil, errors.Wrap(err, "create outcomes counter")
	}
	return &Service{
		repo:      repo,
		tx:        tx,
		validator: NewValidator(repo),
		listLimit: cfg.ListLimit,
		tracer:    cfg.TracerProvider.Tracer("storefront/coupon"),
		outcomes:  outcomes,
	}, nil
}

// Validate checks code against the cart and computes the discount. It has
// no side effects.
func (s *Service) Validate(ctx context.Context, code string, cart Cart) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "coupon.Validate",
		trace.WithAttributes(attribute.Int64("user.id", cart.UserID)),
	)
	defer span.End()

	c, err := s.validator.Validate(ctx, code, cart)
	if err != nil {
		return nil, s.fail(ctx, span, "validate", err)
	}

	amount, err := Calculate(c, cart.Total)
	if err != nil {
		return nil, s.fail(ctx, span, "validate", rejectPersistence(err))
	}

	s.succeed(ctx, span, "validate", c)
	return &Result{Coupon: c, Amount: amount}, nil
}

// Redeem validates the coupon with its row locked, computes the discount,
// appends the usage record and stores the discount on the order, all in one
// transaction. Concurrent redemptions of the same coupon are serialised, so
// usage limits hold exactly.
func (s *Service) Redeem(ctx context.Context, req RedeemRequest) (*Result, error) {
	ctx, span := s.tracer.Start(ctx, "coupon.Redeem",
		trace.WithAttributes(
			attribute.String("order.id", req.OrderID),
			attribute.Int64("user.id", req.Cart.UserID),
		),
	)
	defer span.End()

	var result *Result
	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		c, err := s.validator.validateLocked(ctx, req.Code, req.Cart, req.OrderID)
		if err != nil {
			return err
		}

		amount, err := Calculate(c, req.Cart.Total)
		if err != nil {
			return rejectPersistence(err)
		}

		if err := s.record(ctx, &Usage{
			CouponID:       c.ID,
			OrderID:        req.OrderID,
			UserID:         req.Cart.UserID,
			DiscountAmount: amount,
		}); err != nil {
			return err
		}

		result = &Result{Coupon: c, Amount: amount}
		return nil
	})
	if err != nil {
		return nil, s.fail(ctx, span, "apply", err)
	}

	s.succeed(ctx, span, "apply", result.Coupon)
	return result, nil
}

// Record appends a usage row and updates the order's stored discount. It
// does not re-validate the coupon. Recording the same order and coupon twice
// returns ErrUsageAlreadyRecorded.
func (s *Service) Record(ctx context.Context, u *Usage) error {
	ctx, span := s.tracer.Start(ctx, "coupon.Record",
		trace.WithAttributes(
			attribute.Int64("coupon.id", u.CouponID),
			attribute.String("order.id", u.OrderID),
		),
	)
	defer span.End()

	err := s.tx.InTx(ctx, func(ctx context.Context) error {
		return s.record(ctx, u)
	})
	if err != nil {
		return s.fail(ctx, span, "apply", err)
	}
	return nil
}

func (s *Service) record(ctx context.Context, u *Usage) error {
	u.DiscountAmount = u.DiscountAmount.Round(2)
	if err := s.repo.InsertUsage(ctx, u); err != nil {
		if errors.Is(err, ErrUsageAlreadyRecorded) {
			return err
		}
		return rejectPersistence(errors.Wrap(err, "insert usage"))
	}
	if err := s.repo.UpdateOrderDiscount(ctx, u.OrderID, u.DiscountAmount); err != nil {
		if errors.Is(err, ErrOrderNotFound) {
			return err
		}
		return rejectPersistence(errors.Wrap(err, "update order discount"))
	}
	return nil
}

// ListAvailable returns up to the configured number of coupons the user can
// currently redeem, first-order coupons first, then by descending discount
// value. First-order coupons are only offered when isFirstOrder is set. The
// result is advisory; redemption re-validates.
func (s *Service) ListAvailable(ctx context.Context, userID int64, isFirstOrder bool) ([]Coupon, error) {
	ctx, span := s.tracer.Start(ctx, "coupon.ListAvailable")
	defer span.End()

	candidates, err := s.repo.ListRedeemable(ctx, s.validator.now(), isFirstOrder)
	if err != nil {
		return nil, s.fail(ctx, span, "list", rejectPersistence(errors.Wrap(err, "list redeemable")))
	}

	slices.SortStableFunc(candidates, func(a, b Coupon) int {
		if a.IsFirstOrder != b.IsFirstOrder {
			if a.IsFirstOrder {
				return -1
			}
			return 1
		}
		return b.DiscountValue.Cmp(a.DiscountValue)
	})

	out := make([]Coupon, 0, s.listLimit)
	for _, c := range candidates {
		if len(out) == s.listLimit {
			break
		}
		ok, err := s.hasCapacity(ctx, &c, userID)
		if err != nil {
			return nil, s.fail(ctx, span, "list", rejectPersistence(err))
		}
		if ok {
			out = append(out, c)
		}
	}
	return out, nil
}

// hasCapacity reports whether neither the global nor the per-user usage
// limit of c is exhausted.
func (s *Service) hasCapacity(ctx context.Context, c *Coupon, userID int64) (bool, error) {
	if c.UsageLimit != nil {
		used, err := s.repo.CountUsage(ctx, c.ID)
		if err != nil {
			return false, errors.Wrap(err, "count usage")
		}
		if used >= *c.UsageLimit {
			return false, nil
		}
	}
	if c.UserUsageLimit != nil && userID > 0 {
		used, err := s.repo.CountUserUsage(ctx, c.ID, userID)
		if err != nil {
			return false, errors.Wrap(err, "count user usage")
		}
		if used >= *c.UserUsageLimit {
			return false, nil
		}
	}
	return true, nil
}

func (s *Service) succeed(ctx context.Context, span trace.Span, op string, c *Coupon) {
	span.SetAttributes(attribute.String("coupon.code", c.Code))
	s.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", "ok"),
	))
}

// fail records the outcome of a rejected operation. Store failures are
// logged with their cause and marked on the span.
func (s *Service) fail(ctx context.Context, span trace.Span, op string, err error) error {
	outcome := "error"
	var rej *Rejection
	if errors.As(err, &rej) {
		outcome = string(rej.Kind)
		if rej.Kind == KindPersistence {
			rej.Op = persistenceOp(op)
			zctx.From(ctx).Error("Coupon store failure",
				zap.String("op", op),
				zap.Error(rej.Cause),
			)
			span.RecordError(rej.Cause)
			span.SetStatus(codes.Error, rej.Message())
		}
	}
	s.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
	return err
}

func persistenceOp(op string) string {
	if op == "list" {
		return "fetch"
	}
	return op
}

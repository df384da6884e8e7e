package coupon

import (
	"context"
	"testing"
	"time"

	"github.com/go-faster/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

type mockTx struct {
	calls int
}

func (m *mockTx) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	m.calls++
	return fn(ctx)
}

func newTestService(t *testing.T, repo *mockRepo, listLimit int) (*Service, *mockTx) {
	t.Helper()
	tx := &mockTx{}
	svc, err := NewService(repo, tx, ServiceConfig{
		ListLimit:      listLimit,
		TracerProvider: tracenoop.NewTracerProvider(),
		MeterProvider:  metricnoop.NewMeterProvider(),
	})
	require.NoError(t, err)
	return svc, tx
}

func TestService_Validate_Scenarios(t *testing.T) {
	tests := []struct {
		name       string
		coupon     *Coupon
		usage      int
		cart       Cart
		wantAmount string
		wantKind   Kind
		wantMsg    string
	}{
		{
			name:       "percentage without cap",
			coupon:     &Coupon{ID: 1, Code: "SAVE10", DiscountType: DiscountPercentage, DiscountValue: dec("10"), Status: StatusActive},
			cart:       Cart{Total: dec("500")},
			wantAmount: "50.00",
		},
		{
			name:       "percentage capped",
			coupon:     &Coupon{ID: 1, Code: "SAVE10", DiscountType: DiscountPercentage, DiscountValue: dec("10"), MaxDiscount: dec("30"), Status: StatusActive},
			cart:       Cart{Total: dec("500")},
			wantAmount: "30.00",
		},
		{
			name:       "fixed clamped to total",
			coupon:     &Coupon{ID: 2, Code: "FLAT100", DiscountType: DiscountFixed, DiscountValue: dec("100"), Status: StatusActive},
			cart:       Cart{Total: dec("80")},
			wantAmount: "80.00",
		},
		{
			name:     "below minimum",
			coupon:   &Coupon{ID: 3, Code: "BIG", DiscountType: DiscountFixed, DiscountValue: dec("100"), MinOrderValue: dec("1000"), Status: StatusActive},
			cart:     Cart{Total: dec("999")},
			wantKind: KindBelowMinimum,
			wantMsg:  "Minimum order value of 1000 required",
		},
		{
			name:     "single use already redeemed",
			coupon:   &Coupon{ID: 4, Code: "ONCE", DiscountType: DiscountFixed, DiscountValue: dec("5"), UsageLimit: intPtr(1), Status: StatusActive},
			usage:    1,
			cart:     Cart{Total: dec("50"), UserID: 42},
			wantKind: KindGlobalLimitReached,
		},
		{
			name:     "product scope miss",
			coupon:   &Coupon{ID: 5, Code: "PICK", DiscountType: DiscountFixed, DiscountValue: dec("5"), ProductIDs: []int64{5, 9}, Status: StatusActive},
			cart:     Cart{Total: dec("50"), Items: []CartItem{{ProductID: 3}, {ProductID: 7}}},
			wantKind: KindNotApplicable,
		},
		{
			name:       "product scope hit",
			coupon:     &Coupon{ID: 5, Code: "PICK", DiscountType: DiscountFixed, DiscountValue: dec("5"), ProductIDs: []int64{5, 9}, Status: StatusActive},
			cart:       Cart{Total: dec("50"), Items: []CartItem{{ProductID: 9}}},
			wantAmount: "5.00",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService(t, &mockRepo{coupon: tt.coupon, usage: tt.usage}, 0)

			res, err := svc.Validate(context.Background(), tt.coupon.Code, tt.cart)
			if tt.wantKind != "" {
				var rej *Rejection
				require.ErrorAs(t, err, &rej)
				assert.Equal(t, tt.wantKind, rej.Kind)
				if tt.wantMsg != "" {
					assert.Equal(t, tt.wantMsg, rej.Message())
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantAmount, res.Amount.StringFixed(2))
			assert.Equal(t, tt.coupon.Code, res.Coupon.Code)
		})
	}
}

func TestService_Redeem(t *testing.T) {
	repo := &mockRepo{coupon: &Coupon{ID: 7, Code: "ONCE", DiscountType: DiscountPercentage, DiscountValue: dec("10"), UsageLimit: intPtr(1), Status: StatusActive}}
	svc, tx := newTestService(t, repo, 0)
	ctx := context.Background()

	res, err := svc.Redeem(ctx, RedeemRequest{OrderID: "order-1", Code: "once", Cart: Cart{Total: dec("200"), UserID: 3}})
	require.NoError(t, err)
	assert.Equal(t, "20.00", res.Amount.StringFixed(2))
	assert.True(t, repo.locked)
	assert.Equal(t, 1, tx.calls)

	require.Len(t, repo.inserted, 1)
	assert.Equal(t, int64(7), repo.inserted[0].CouponID)
	assert.Equal(t, "order-1", repo.inserted[0].OrderID)
	assert.Equal(t, int64(3), repo.inserted[0].UserID)
	assert.Equal(t, "20.00", repo.discounts["order-1"].StringFixed(2))

	// The recorded usage exhausts the limit for everyone.
	_, err = svc.Redeem(ctx, RedeemRequest{OrderID: "order-2", Code: "ONCE", Cart: Cart{Total: dec("200"), UserID: 4}})
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, KindGlobalLimitReached, rej.Kind)
	assert.Len(t, repo.inserted, 1)
}

func TestService_Redeem_StoreFailure(t *testing.T) {
	repo := &mockRepo{
		coupon:    &Coupon{ID: 7, Code: "SAVE", DiscountType: DiscountFixed, DiscountValue: dec("10"), Status: StatusActive},
		insertErr: errors.New("disk full"),
	}
	svc, _ := newTestService(t, repo, 0)

	_, err := svc.Redeem(context.Background(), RedeemRequest{OrderID: "o", Code: "SAVE", Cart: Cart{Total: dec("50")}})
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, KindPersistence, rej.Kind)
	assert.Equal(t, "Failed to apply coupon", rej.Message())
	assert.ErrorContains(t, err, "disk full")
}

func TestService_Record(t *testing.T) {
	repo := &mockRepo{}
	svc, _ := newTestService(t, repo, 0)
	ctx := context.Background()

	u := &Usage{CouponID: 1, OrderID: "order-1", UserID: 9, DiscountAmount: dec("12.345")}
	require.NoError(t, svc.Record(ctx, u))
	assert.Equal(t, "12.35", repo.discounts["order-1"].StringFixed(2))
	assert.Equal(t, 1, repo.usage)

	err := svc.Record(ctx, &Usage{CouponID: 1, OrderID: "order-1", UserID: 9, DiscountAmount: dec("1")})
	require.ErrorIs(t, err, ErrUsageAlreadyRecorded)
	assert.Equal(t, 1, repo.usage)

	repo.updateErr = ErrOrderNotFound
	err = svc.Record(ctx, &Usage{CouponID: 2, OrderID: "missing", DiscountAmount: dec("1")})
	require.ErrorIs(t, err, ErrOrderNotFound)
}

func TestService_ListAvailable(t *testing.T) {
	repo := &mockRepo{
		redeemable: []Coupon{
			{ID: 1, Code: "SMALL", DiscountValue: dec("5")},
			{ID: 2, Code: "WELCOME", DiscountValue: dec("10"), IsFirstOrder: true},
			{ID: 3, Code: "BIG", DiscountValue: dec("50")},
			{ID: 4, Code: "GONE", DiscountValue: dec("90"), UsageLimit: intPtr(2)},
			{ID: 5, Code: "MINE", DiscountValue: dec("40"), UserUsageLimit: intPtr(1)},
			{ID: 6, Code: "MID", DiscountValue: dec("20")},
		},
		usageByID:   map[int64]int{4: 2},
		userUsageBy: map[int64]int{5: 1},
	}

	codes := func(cs []Coupon) []string {
		out := make([]string, 0, len(cs))
		for _, c := range cs {
			out = append(out, c.Code)
		}
		return out
	}

	t.Run("returning user", func(t *testing.T) {
		svc, _ := newTestService(t, repo, 0)
		got, err := svc.ListAvailable(context.Background(), 8, false)
		require.NoError(t, err)
		assert.Equal(t, []string{"BIG", "MID", "SMALL"}, codes(got))
	})

	t.Run("first order user", func(t *testing.T) {
		svc, _ := newTestService(t, repo, 0)
		got, err := svc.ListAvailable(context.Background(), 8, true)
		require.NoError(t, err)
		assert.Equal(t, []string{"WELCOME", "BIG", "MID", "SMALL"}, codes(got))
	})

	t.Run("guest ignores per-user limits", func(t *testing.T) {
		svc, _ := newTestService(t, repo, 0)
		got, err := svc.ListAvailable(context.Background(), 0, false)
		require.NoError(t, err)
		assert.Equal(t, []string{"BIG", "MINE", "MID", "SMALL"}, codes(got))
	})

	t.Run("limit", func(t *testing.T) {
		svc, _ := newTestService(t, repo, 2)
		got, err := svc.ListAvailable(context.Background(), 0, true)
		require.NoError(t, err)
		assert.Equal(t, []string{"WELCOME", "BIG"}, codes(got))
	})

	t.Run("store failure", func(t *testing.T) {
		svc, _ := newTestService(t, &mockRepo{listErr: errors.New("down")}, 0)
		_, err := svc.ListAvailable(context.Background(), 0, false)
		var rej *Rejection
		require.ErrorAs(t, err, &rej)
		assert.Equal(t, KindPersistence, rej.Kind)
	})
}

func TestService_ValidateUsesClock(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	repo := &mockRepo{coupon: &Coupon{
		ID: 1, Code: "NEWYEAR", DiscountType: DiscountFixed, DiscountValue: dec("1"),
		StartDate: timePtr(now), Status: StatusActive,
	}}
	svc, _ := newTestService(t, repo, 0)

	svc.validator.now = func() time.Time { return now.Add(-time.Second) }
	_, err := svc.Validate(context.Background(), "NEWYEAR", Cart{Total: dec("10")})
	var rej *Rejection
	require.ErrorAs(t, err, &rej)
	assert.Equal(t, KindNotYetActive, rej.Kind)

	svc.validator.now = func() time.Time { return now }
	_, err = svc.Validate(context.Background(), "NEWYEAR", Cart{Total: dec("10")})
	require.NoError(t, err)
}

func TestService_Redeem_FirstOrderExcludesCurrentOrder(t *testing.T) {
	repo := &mockRepo{coupon: &Coupon{ID: 2, Code: "WELCOME", DiscountType: DiscountFixed, DiscountValue: dec("15"), IsFirstOrder: true, Status: StatusActive}}
	svc, _ := newTestService(t, repo, 0)

	_, err := svc.Redeem(context.Background(), RedeemRequest{OrderID: "first", Code: "WELCOME", Cart: Cart{Total: dec("60"), UserID: 11}})
	require.NoError(t, err)
	assert.Equal(t, "first", repo.excluded)

	_, err = svc.Validate(context.Background(), "WELCOME", Cart{Total: dec("60"), UserID: 11})
	require.NoError(t, err)
	assert.Empty(t, repo.excluded)
}

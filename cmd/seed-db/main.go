// Command seed-db loads the product catalog, sample coupons and an API key.
package main

import (
	"context"
	"os"
	"os/signal"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/xenking/storefront/internal/domain/auth"
	"github.com/xenking/storefront/internal/domain/coupon"
	"github.com/xenking/storefront/internal/domain/product"
	"github.com/xenking/storefront/internal/storage/postgres"
)

type config struct {
	DatabaseURL  string `usage:"PostgreSQL connection URL (or DATABASE_URL)" flag:"database-url"`
	ProductsFile string `default:"db/seed/products.json" usage:"Path to the products JSON file" flag:"products-file"`
	APIKey       string `usage:"API key to seed with every scope" flag:"api-key" env:"SEED_API_KEY"`
	APIKeyPepper string `usage:"HMAC pepper for API key hashing" flag:"api-key-pepper"`
}

func main() {
	lg, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	defer func() { _ = lg.Sync() }()

	var cfg config
	if err := aconfig.LoaderFor(&cfg, aconfig.Config{
		EnvPrefix: "STOREFRONT",
		SkipFiles: true,
	}).Load(); err != nil {
		lg.Fatal("Load config", zap.Error(err))
	}
	if cfg.DatabaseURL == "" {
		cfg.DatabaseURL = os.Getenv("DATABASE_URL")
	}
	switch {
	case cfg.DatabaseURL == "":
		lg.Fatal("Database URL is required: set --database-url or DATABASE_URL")
	case cfg.APIKey == "":
		lg.Fatal("API key is required: set --api-key or STOREFRONT_SEED_API_KEY")
	case cfg.APIKeyPepper == "":
		lg.Fatal("API key pepper is required: set --api-key-pepper or STOREFRONT_API_KEY_PEPPER")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	if err := run(ctx, lg, cfg); err != nil {
		lg.Fatal("Seed failed", zap.Error(err))
	}
	lg.Info("Seed completed")
}

func run(ctx context.Context, lg *zap.Logger, cfg config) error {
	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return errors.Wrap(err, "connect to database")
	}
	defer pool.Close()

	if err := postgres.RunMigrations(ctx, pool); err != nil {
		return errors.Wrap(err, "run migrations")
	}

	db := postgres.NewDB(pool)
	return db.InTx(ctx, func(ctx context.Context) error {
		if err := seedProducts(ctx, lg, postgres.NewProductRepository(db), cfg.ProductsFile); err != nil {
			return errors.Wrap(err, "seed products")
		}
		if err := seedCoupons(ctx, lg, postgres.NewCouponRepository(db)); err != nil {
			return errors.Wrap(err, "seed coupons")
		}
		if err := seedAPIKey(ctx, lg, postgres.NewAPIKeyRepository(db), cfg.APIKey, cfg.APIKeyPepper); err != nil {
			return errors.Wrap(err, "seed api key")
		}
		return nil
	})
}

func seedProducts(ctx context.Context, lg *zap.Logger, repo *postgres.ProductRepository, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read products file")
	}
	products, err := decodeProducts(jx.DecodeBytes(data))
	if err != nil {
		return errors.Wrapf(err, "parse %s", path)
	}

	for i := range products {
		p := &products[i]
		if err := repo.Upsert(ctx, p); err != nil {
			return err
		}
		lg.Debug("Upserted product", zap.Int64("id", p.ID), zap.String("name", p.Name))
	}
	if err := repo.SyncSequence(ctx); err != nil {
		return err
	}
	lg.Info("Seeded products", zap.Int("count", len(products)))
	return nil
}

func decodeProducts(d *jx.Decoder) ([]product.Product, error) {
	var out []product.Product
	err := d.Arr(func(d *jx.Decoder) error {
		var p product.Product
		if err := d.Obj(func(d *jx.Decoder, key string) error {
			var err error
			switch key {
			case "id":
				p.ID, err = d.Int64()
			case "name":
				p.Name, err = d.Str()
			case "price":
				var n jx.Num
				if n, err = d.Num(); err == nil {
					p.Price, err = decimal.NewFromString(n.String())
				}
			case "category_id":
				p.CategoryID, err = d.Int64()
			case "category":
				p.Category, err = d.Str()
			case "image":
				err = d.Obj(func(d *jx.Decoder, key string) error {
					v, err := d.Str()
					switch key {
					case "thumbnail":
						p.Image.Thumbnail = v
					case "mobile":
						p.Image.Mobile = v
					case "tablet":
						p.Image.Tablet = v
					case "desktop":
						p.Image.Desktop = v
					}
					return err
				})
			default:
				err = d.Skip()
			}
			if err != nil {
				return errors.Wrapf(err, "decode %q", key)
			}
			return nil
		}); err != nil {
			return err
		}
		if p.ID <= 0 {
			return errors.Errorf("product %q has no id", p.Name)
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

func sampleCoupons(now time.Time) []coupon.Coupon {
	limit := func(n int) *int { return &n }
	end := now.AddDate(0, 3, 0)
	return []coupon.Coupon{
		{
			Code:          "SAVE10",
			Description:   "10% off your order",
			DiscountType:  coupon.DiscountPercentage,
			DiscountValue: decimal.NewFromInt(10),
			MaxDiscount:   decimal.NewFromInt(30),
		},
		{
			Code:          "FLAT100",
			Description:   "100 off orders over 500",
			DiscountType:  coupon.DiscountFixed,
			DiscountValue: decimal.NewFromInt(100),
			MinOrderValue: decimal.NewFromInt(500),
			EndDate:       &end,
			UsageLimit:    limit(1000),
		},
		{
			Code:           "WELCOME20",
			Description:    "20% off your first order",
			DiscountType:   coupon.DiscountPercentage,
			DiscountValue:  decimal.NewFromInt(20),
			MaxDiscount:    decimal.NewFromInt(50),
			IsFirstOrder:   true,
			UserUsageLimit: limit(1),
		},
		{
			Code:          "SWEETWAFFLE",
			Description:   "15% off waffles",
			DiscountType:  coupon.DiscountPercentage,
			DiscountValue: decimal.NewFromInt(15),
			CategoryIDs:   []int64{1},
		},
	}
}

func seedCoupons(ctx context.Context, lg *zap.Logger, repo *postgres.CouponRepository) error {
	for _, c := range sampleCoupons(time.Now().UTC()) {
		c.Status = coupon.StatusActive
		if err := coupon.Normalize(&c); err != nil {
			return errors.Wrapf(err, "coupon %s", c.Code)
		}
		if err := repo.Upsert(ctx, &c); err != nil {
			return err
		}
		lg.Info("Upserted coupon", zap.String("code", c.Code), zap.Int64("id", c.ID))
	}
	return nil
}

func seedAPIKey(ctx context.Context, lg *zap.Logger, repo *postgres.APIKeyRepository, key, pepper string) error {
	k := &auth.APIKeyInfo{
		KeyHash: auth.HashKey([]byte(pepper), key),
		Name:    "seed",
		Scopes:  []string{auth.ScopeOrdersWrite, auth.ScopeCouponsAdmin},
	}
	if err := repo.Upsert(ctx, k); err != nil {
		return err
	}
	lg.Info("Upserted API key", zap.Int64("id", k.ID), zap.Strings("scopes", k.Scopes))
	return nil
}

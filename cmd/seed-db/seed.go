package main

import (
	"context"
	"encoding/json"
	"log/slog"
	"os"

	"github.com/go-faster/errors"
	"github.com/shopspring/decimal"

	"github.com/xenking/kart-fulfillment/internal/domain/coupon"
	"github.com/xenking/kart-fulfillment/internal/domain/product"
)

type variantJSON struct {
	ID        string          `json:"id"`
	SKU       string          `json:"sku"`
	Price     decimal.Decimal `json:"price"`
	Available bool            `json:"available"`
}

type productJSON struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Available bool          `json:"available"`
	Variants  []variantJSON `json:"variants"`
}

// VariantWriter stores catalog variants together with their product.
type VariantWriter interface {
	UpsertVariant(ctx context.Context, v product.Variant) error
}

// CouponCreator creates coupons through the ledger's validation.
type CouponCreator interface {
	Create(ctx context.Context, c *coupon.Coupon) (*coupon.Coupon, error)
}

func loadCatalog(path string) ([]product.Variant, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrap(err, "read catalog file")
	}
	var products []productJSON
	if err := json.Unmarshal(data, &products); err != nil {
		return nil, errors.Wrap(err, "parse catalog JSON")
	}

	var variants []product.Variant
	for _, p := range products {
		if p.ID == "" || len(p.Variants) == 0 {
			return nil, errors.Errorf("product %q needs an id and at least one variant", p.Name)
		}
		for _, v := range p.Variants {
			if v.ID == "" || v.SKU == "" || v.Price.IsNegative() {
				return nil, errors.Errorf("invalid variant %q of product %s", v.ID, p.ID)
			}
			variants = append(variants, product.Variant{
				ID:        v.ID,
				SKU:       v.SKU,
				Price:     v.Price,
				Available: v.Available,
				Product:   product.Product{ID: p.ID, Name: p.Name, Available: p.Available},
			})
		}
	}
	return variants, nil
}

func seedCatalog(ctx context.Context, lg *slog.Logger, w VariantWriter, path string) error {
	lg.Info("reading catalog file", slog.String("path", path))
	variants, err := loadCatalog(path)
	if err != nil {
		return err
	}

	lg.Info("upserting variants", slog.Int("count", len(variants)))
	for _, v := range variants {
		if err := w.UpsertVariant(ctx, v); err != nil {
			return errors.Wrapf(err, "upsert variant %s", v.ID)
		}
		lg.Debug("upserted variant", slog.String("id", v.ID), slog.String("product", v.Product.Name))
	}
	return nil
}

func ptr[T any](v T) *T { return &v }

// demoCoupons cover each discount type and the common limits.
func demoCoupons() []*coupon.Coupon {
	return []*coupon.Coupon{
		{
			Code:            "SAVE20",
			Name:            "Save 20%",
			Description:     "20% off, up to 15.00",
			Type:            coupon.TypePercentage,
			Value:           decimal.NewFromInt(20),
			MaximumDiscount: ptr(decimal.NewFromInt(15)),
		},
		{
			Code:              "WELCOME10",
			Name:              "Welcome",
			Description:       "10.00 off a first order of 50.00 or more",
			Type:              coupon.TypeFixedAmount,
			Value:             decimal.NewFromInt(10),
			MinimumPurchase:   ptr(decimal.NewFromInt(50)),
			UsageLimitPerUser: ptr(1),
		},
		{
			Code:        "FREESHIP",
			Name:        "Free shipping",
			Description: "Shipping on us",
			Type:        coupon.TypeFreeShipping,
			UsageLimit:  ptr(1000),
		},
		{
			Code:        "FLASH50",
			Name:        "Flash sale",
			Description: "Half off for the first customer",
			Type:        coupon.TypePercentage,
			Value:       decimal.NewFromInt(50),
			SingleUse:   true,
		},
	}
}

func seedCoupons(ctx context.Context, lg *slog.Logger, ledger CouponCreator) (int, error) {
	created := 0
	for _, c := range demoCoupons() {
		if _, err := ledger.Create(ctx, c); err != nil {
			if errors.Is(err, coupon.ErrDuplicateCode) {
				lg.Info("coupon exists", slog.String("code", c.Code))
				continue
			}
			return created, errors.Wrapf(err, "create coupon %s", c.Code)
		}
		created++
		lg.Info("created coupon", slog.String("code", c.Code), slog.String("description", c.Description))
	}
	return created, nil
}

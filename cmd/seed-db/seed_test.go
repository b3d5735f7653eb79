package main

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/xenking/kart-fulfillment/internal/domain/coupon"
	"github.com/xenking/kart-fulfillment/internal/storage/memory"
)

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

func TestSeedCatalog(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	path := filepath.Join("..", "..", "db", "seed", "catalog.json")

	require.NoError(t, seedCatalog(ctx, discard, store.Catalog(), path))
	// Upserts make reseeding harmless.
	require.NoError(t, seedCatalog(ctx, discard, store.Catalog(), path))

	got, err := store.Catalog().GetVariantsByIDs(ctx, []string{"v-classic-tee-l", "v-hoodie-xl", "v-poster"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	byID := make(map[string]bool, len(got))
	for _, v := range got {
		byID[v.ID] = v.Purchasable()
		if v.ID == "v-classic-tee-l" {
			assert.Equal(t, "21.99", v.Price.StringFixed(2))
			assert.Equal(t, "Classic Tee", v.Product.Name)
		}
	}
	assert.Equal(t, map[string]bool{"v-classic-tee-l": true, "v-hoodie-xl": false, "v-poster": false}, byID)
}

func TestLoadCatalogRejectsBadVariants(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.json")
	require.NoError(t, os.WriteFile(path, []byte(`[{"id":"p1","name":"X","variants":[{"id":"v1","price":"1.00"}]}]`), 0o600))
	_, err := loadCatalog(path)
	require.ErrorContains(t, err, `invalid variant "v1"`)

	require.NoError(t, os.WriteFile(path, []byte(`[{"id":"p1","name":"X"}]`), 0o600))
	_, err = loadCatalog(path)
	require.ErrorContains(t, err, "at least one variant")
}

func TestSeedCoupons(t *testing.T) {
	ctx := context.Background()
	ledger := coupon.NewLedger(memory.New().Coupons())

	n, err := seedCoupons(ctx, discard, ledger)
	require.NoError(t, err)
	assert.Equal(t, len(demoCoupons()), n)

	n, err = seedCoupons(ctx, discard, ledger)
	require.NoError(t, err)
	assert.Zero(t, n)

	c, err := ledger.FindByCode(ctx, "save20")
	require.NoError(t, err)
	assert.Equal(t, coupon.StatusActive, c.Status)
	assert.Equal(t, "15", c.MaximumDiscount.String())
}

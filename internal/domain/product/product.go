package product

import (
	"context"

	"github.com/shopspring/decimal"
)

// Variant is a purchasable SKU of a Product.
type Variant struct {
	ID        string
	SKU       string
	Price     decimal.Decimal
	Available bool
	Product   Product
}

// Product is the catalog entry a Variant belongs to.
type Product struct {
	ID        string
	Name      string
	Available bool
}

// Purchasable reports whether both the variant and its product can be sold.
func (v Variant) Purchasable() bool {
	return v.Available && v.Product.Available
}

// Catalog resolves variants for pricing. Catalog management lives elsewhere.
type Catalog interface {
	// GetVariantsByIDs returns the variants matching ids. Unknown ids are
	// omitted from the result rather than reported as errors.
	GetVariantsByIDs(ctx context.Context, ids []string) ([]Variant, error)
}

package engine

import "fmt"

// Product is an immutable catalog entry. The engine only reads it.
type Product struct {
	ProductID          ProductID
	Name               string
	Category           string
	DurationDays       int
	PriceCents         PositiveAmountCents
	CommissionEligible bool
}

// NewProduct validates a catalog entry.
func NewProduct(productID ProductID, name string, category string, durationDays int, priceCents PositiveAmountCents, commissionEligible bool) (Product, error) {
	if productID.String() == "" {
		return Product{}, fmt.Errorf("%w: missing product id", ErrInvalidProduct)
	}
	if name == "" {
		return Product{}, fmt.Errorf("%w: missing name", ErrInvalidProduct)
	}
	if durationDays <= 0 {
		return Product{}, fmt.Errorf("%w: duration must be positive", ErrInvalidProduct)
	}
	return Product{
		ProductID:          productID,
		Name:               name,
		Category:           category,
		DurationDays:       durationDays,
		PriceCents:         priceCents,
		CommissionEligible: commissionEligible,
	}, nil
}

// ExpiryFrom returns the expiry instant for a license issued at the given time.
func (product Product) ExpiryFrom(issuedUnixUTC int64) int64 {
	return issuedUnixUTC + int64(product.DurationDays)*24*60*60
}

// Catalog is an immutable product catalog keyed by product id, loaded
// once at process start. Hot reload replaces the whole value.
type Catalog struct {
	products map[string]Product
}

// NewCatalog builds a catalog from validated products.
func NewCatalog(products []Product) (Catalog, error) {
	if len(products) == 0 {
		return Catalog{}, fmt.Errorf("%w: empty catalog", ErrInvalidCatalog)
	}
	index := make(map[string]Product, len(products))
	for _, product := range products {
		if _, exists := index[product.ProductID.String()]; exists {
			return Catalog{}, fmt.Errorf("%w: duplicate product %q", ErrInvalidCatalog, product.ProductID.String())
		}
		index[product.ProductID.String()] = product
	}
	return Catalog{products: index}, nil
}

// Lookup resolves a product by id.
func (catalog Catalog) Lookup(productID ProductID) (Product, bool) {
	product, ok := catalog.products[productID.String()]
	return product, ok
}

// Products returns the catalog entries in unspecified order.
func (catalog Catalog) Products() []Product {
	listed := make([]Product, 0, len(catalog.products))
	for _, product := range catalog.products {
		listed = append(listed, product)
	}
	return listed
}

package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/keymint/keymint/pkg/engine"
)

type catalogFile struct {
	Products []catalogProduct `json:"products"`
}

type catalogProduct struct {
	ProductID          string `json:"product_id"`
	Name               string `json:"name"`
	Category           string `json:"category"`
	DurationDays       int    `json:"duration_days"`
	PriceCents         int64  `json:"price_cents"`
	CommissionEligible bool   `json:"commission_eligible"`
}

// LoadCatalog reads and validates the product catalog JSON file.
func LoadCatalog(path string) (engine.Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return engine.Catalog{}, err
	}
	var parsed catalogFile
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return engine.Catalog{}, fmt.Errorf("parse catalog: %w", err)
	}

	products := make([]engine.Product, 0, len(parsed.Products))
	for _, entry := range parsed.Products {
		productID, err := engine.NewProductID(entry.ProductID)
		if err != nil {
			return engine.Catalog{}, fmt.Errorf("catalog product %q: %w", entry.ProductID, err)
		}
		price, err := engine.NewPositiveAmountCents(entry.PriceCents)
		if err != nil {
			return engine.Catalog{}, fmt.Errorf("catalog product %q: %w", entry.ProductID, err)
		}
		product, err := engine.NewProduct(productID, entry.Name, entry.Category, entry.DurationDays, price, entry.CommissionEligible)
		if err != nil {
			return engine.Catalog{}, fmt.Errorf("catalog product %q: %w", entry.ProductID, err)
		}
		products = append(products, product)
	}
	return engine.NewCatalog(products)
}

package domain

import (
	"encoding/json"
	"fmt"
	"strings"
)

// SaleType selects the pricing rule for an order line.
type SaleType string

const (
	SaleTypeNormal      SaleType = "normal"
	SaleTypeCost        SaleType = "cost"
	SaleTypePromotional SaleType = "promotional"
	SaleTypeClearance   SaleType = "clearance"
	SaleTypeFree        SaleType = "free"
)

func ParseSaleType(raw string) (SaleType, error) {
	switch st := SaleType(strings.ToLower(strings.TrimSpace(raw))); st {
	case "":
		return SaleTypeNormal, nil
	case SaleTypeNormal, SaleTypeCost, SaleTypePromotional, SaleTypeClearance, SaleTypeFree:
		return st, nil
	default:
		return "", fmt.Errorf("unknown sale type %q", raw)
	}
}

func (t *SaleType) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	parsed, err := ParseSaleType(raw)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}

// UnitPrice returns the effective unit price of product under this sale type.
// customPrice overrides the cost price for the discounted variants and is
// ignored for normal and free lines.
func (t SaleType) UnitPrice(product Product, customPrice *int64) int64 {
	switch t {
	case SaleTypeFree:
		return 0
	case SaleTypeCost, SaleTypePromotional, SaleTypeClearance:
		if customPrice != nil {
			return *customPrice
		}
		return product.CostPrice
	default:
		return product.ListPrice
	}
}

func (t SaleType) Valid() bool {
	_, err := ParseSaleType(string(t))
	return err == nil
}

package service

import (
	"github.com/shopspring/decimal"

	"banhang/backend/internal/domain"
)

var hundred = decimal.NewFromInt(100)

// priceLine snapshots the unit price and tax rate of product onto a new
// order line. VAT is computed per line and rounded half away from zero.
func priceLine(product domain.Product, item domain.CreateOrderItem, applyVAT bool) domain.OrderItem {
	unitPrice := item.SaleType.UnitPrice(product, item.CustomPrice)
	subtotal := unitPrice * int64(item.Quantity)

	line := domain.OrderItem{
		ProductID:    product.ID,
		Quantity:     item.Quantity,
		UnitPrice:    unitPrice,
		SaleType:     item.SaleType,
		CustomPrice:  item.CustomPrice,
		TaxRate:      product.TaxRate,
		LineSubtotal: subtotal,
	}
	if applyVAT {
		line.VATAmount = lineVAT(subtotal, product.TaxRate)
	}
	return line
}

// lineVAT treats the exempt sentinel and any other negative rate as zero.
func lineVAT(subtotal int64, taxRate float64) int64 {
	if taxRate <= 0 || subtotal <= 0 {
		return 0
	}
	return decimal.NewFromInt(subtotal).
		Mul(decimal.NewFromFloat(taxRate)).
		Div(hundred).
		Round(0).
		IntPart()
}

// applyTotals fills subtotal, VAT and total from the priced lines:
// total = max(subtotal - discount, 0) + vat.
func applyTotals(order *domain.Order) {
	var subtotal, vat int64
	for _, item := range order.Items {
		subtotal += item.LineSubtotal
		vat += item.VATAmount
	}
	order.Subtotal = subtotal
	order.VATAmount = vat
	order.TotalAmount = max(subtotal-order.DiscountAmount, 0) + vat
}

func (s *Service) loyaltyDiscount(points int64) int64 {
	return points * s.vndPerPoint
}

// refundLinePrice is what one unit of a refunded line is worth. Refunds
// return the unit price the order was sold at; VAT is not refunded.
func refundLinePrice(item domain.OrderItem) int64 {
	return item.UnitPrice
}

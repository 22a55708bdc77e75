package domain

type OrderStatus string

const (
	OrderStatusDraft             OrderStatus = "draft"
	OrderStatusPending           OrderStatus = "pending"
	OrderStatusPaid              OrderStatus = "paid"
	OrderStatusPartiallyRefunded OrderStatus = "partially_refunded"
	OrderStatusRefunded          OrderStatus = "refunded"
	OrderStatusCancelled         OrderStatus = "cancelled"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusDraft:             {OrderStatusPending, OrderStatusPaid, OrderStatusCancelled},
	OrderStatusPending:           {OrderStatusPaid, OrderStatusCancelled},
	OrderStatusPaid:              {OrderStatusPartiallyRefunded, OrderStatusRefunded},
	OrderStatusPartiallyRefunded: {OrderStatusPartiallyRefunded, OrderStatusRefunded},
}

func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	for _, allowed := range orderTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Settled reports whether money was received for the order.
func (s OrderStatus) Settled() bool {
	switch s {
	case OrderStatusPaid, OrderStatusPartiallyRefunded, OrderStatusRefunded:
		return true
	}
	return false
}

func (s OrderStatus) Refundable() bool {
	return s == OrderStatusPaid || s == OrderStatusPartiallyRefunded
}

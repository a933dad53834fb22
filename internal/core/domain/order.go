package domain

import (
	"strings"
	"time"
)

type OrderStatus string

const (
	OrderStatusPending    OrderStatus = "PENDING"
	OrderStatusAuthorized OrderStatus = "AUTHORIZED"
	OrderStatusFailed     OrderStatus = "FAILED"
	OrderStatusReversed   OrderStatus = "REVERSED"
)

// Final reports whether the status can no longer change.
func (s OrderStatus) Final() bool {
	return s != OrderStatusPending
}

type OrderLine struct {
	ItemID    string
	Quantity  int
	UnitPrice int
}

type Order struct {
	BuyOrder          string
	Token             string
	SessionID         string
	Status            OrderStatus
	Amount            int
	Items             []OrderLine
	GatewayStatus     string
	AuthorizationCode string
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Total recomputes the amount from the order lines.
func (o Order) Total() int {
	total := 0
	for _, l := range o.Items {
		total += l.Quantity * l.UnitPrice
	}
	return total
}

// Verdict is the gateway's settlement result for a buy order.
type Verdict struct {
	BuyOrder          string
	GatewayStatus     string
	AuthorizationCode string
	ResponseCode      int
	Amount            int
}

// Outcome maps the raw gateway status onto the order lifecycle.
// Anything that is not an explicit authorization or reversal is a failure.
func (v Verdict) Outcome() OrderStatus {
	switch strings.ToUpper(strings.TrimSpace(v.GatewayStatus)) {
	case "AUTHORIZED":
		if v.ResponseCode != 0 {
			return OrderStatusFailed
		}
		return OrderStatusAuthorized
	case "REVERSED", "NULLIFIED", "PARTIALLY_NULLIFIED":
		return OrderStatusReversed
	default:
		return OrderStatusFailed
	}
}

package domain

import "time"

type ReservationState string

const (
	ReservationHeld     ReservationState = "HELD"
	ReservationSettled  ReservationState = "SETTLED"
	ReservationReleased ReservationState = "RELEASED"
	ReservationExpired  ReservationState = "EXPIRED"
)

// Closed reports whether no further transition is possible.
func (s ReservationState) Closed() bool {
	return s != ReservationHeld
}

// Reservation holds Quantity units of ItemID for a cart. BuyOrder stays nil
// until checkout attaches the hold to an order.
type Reservation struct {
	ID        string
	ItemID    string
	Quantity  int
	CartID    string
	BuyOrder  *string
	State     ReservationState
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Attached reports whether the hold has been re-pointed to an order.
func (r Reservation) Attached() bool {
	return r.BuyOrder != nil
}

// OrderRef returns the buy order or "" when unattached.
func (r Reservation) OrderRef() string {
	if r.BuyOrder == nil {
		return ""
	}
	return *r.BuyOrder
}

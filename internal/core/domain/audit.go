package domain

import "time"

type AuditReason string

const (
	ReasonSeed     AuditReason = "seed"
	ReasonReserve  AuditReason = "reserve"
	ReasonRelease  AuditReason = "release"
	ReasonTimeout  AuditReason = "timeout"
	ReasonSettle   AuditReason = "settle"
	ReasonReversal AuditReason = "reversa"
	ReasonRollback AuditReason = "rollback"
)

// AuditEntry is an immutable record of one stock delta. Reference carries the
// reservation id, and the buy order when the hold is attached to one.
type AuditEntry struct {
	Seq       int64
	ItemID    string
	Delta     int
	Reason    AuditReason
	Reference string
	Actor     string
	Timestamp time.Time
}

// AuditReference formats the reference column for a reservation.
func AuditReference(r Reservation) string {
	if r.BuyOrder == nil {
		return r.ID
	}
	return *r.BuyOrder + "/" + r.ID
}

// Discrepancy describes an item whose stock disagrees with its audit trail.
type Discrepancy struct {
	ItemID   string
	Stock    int
	AuditSum int
}

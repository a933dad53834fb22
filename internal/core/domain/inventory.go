package domain

import "time"

// Item is a catalog entry. Stock is the only field mutated by the
// reservation engine; every change bumps Version.
type Item struct {
	ID          string
	Name        string
	Description string
	Category    string
	ImageURL    string
	Price       int
	Stock       int
	Active      bool
	Frozen      bool  // set when the audit log disagrees with Stock
	Version     int64 // optimistic version of Stock, monotonic per item
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// ItemLine is a requested (itemID, quantity) pair coming from a cart.
type ItemLine struct {
	ItemID   string
	Quantity int
}

// Validate rejects empty ids and non-positive quantities.
func (l ItemLine) Validate() error {
	if l.ItemID == "" {
		return &ValidationError{Field: "item_id", Message: "item id is required"}
	}
	if l.Quantity <= 0 {
		return &ValidationError{Field: "quantity", Message: "quantity must be positive"}
	}
	return nil
}

// MergeLines sums quantities of repeated items, keeping first-seen order.
func MergeLines(lines []ItemLine) []ItemLine {
	idx := make(map[string]int, len(lines))
	out := make([]ItemLine, 0, len(lines))
	for _, l := range lines {
		if i, ok := idx[l.ItemID]; ok {
			out[i].Quantity += l.Quantity
			continue
		}
		idx[l.ItemID] = len(out)
		out = append(out, l)
	}
	return out
}

// StockSnapshot is the (stock, version) pair published to the display cache.
type StockSnapshot struct {
	ItemID  string
	Stock   int
	Version int64
}

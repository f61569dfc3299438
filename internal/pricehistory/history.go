// Package pricehistory keeps a bounded rolling log of sale prices per item.
package pricehistory

import (
	"sort"
	"sync"
	"time"

	"gexchange/models"
)

// DefaultLimit is the number of most recent sales retained per item.
const DefaultLimit = 100

// itemHistory retains the most recent prices of one item. It is safe for
// concurrent use.
type itemHistory struct {
	mu    sync.RWMutex
	items []models.PriceEntry
}

// History maps item kinds to their bounded price logs. Items are independent,
// so recording a sale only locks the history of that item.
type History struct {
	limit int
	items sync.Map // item kind -> *itemHistory
}

// New creates a history keeping at most limit entries per item.
func New(limit int) *History {
	if limit <= 0 {
		limit = DefaultLimit
	}
	return &History{limit: limit}
}

// Limit returns the per-item capacity.
func (h *History) Limit() int {
	return h.limit
}

func (h *History) item(kind string) *itemHistory {
	if v, ok := h.items.Load(kind); ok {
		return v.(*itemHistory)
	}
	v, _ := h.items.LoadOrStore(kind, &itemHistory{})
	return v.(*itemHistory)
}

// Record appends a sale price, evicting the oldest entries beyond the limit.
func (h *History) Record(kind string, price int64, at time.Time) {
	ih := h.item(kind)
	ih.mu.Lock()
	defer ih.mu.Unlock()

	ih.items = append(ih.items, models.PriceEntry{ItemKind: kind, Price: price, Timestamp: at})
	if len(ih.items) > h.limit {
		// keep the most recent entries only
		ih.items = append([]models.PriceEntry(nil), ih.items[len(ih.items)-h.limit:]...)
	}
}

// Entries returns a copy of the recorded prices of kind, oldest first.
func (h *History) Entries(kind string) []models.PriceEntry {
	v, ok := h.items.Load(kind)
	if !ok {
		return nil
	}
	ih := v.(*itemHistory)
	ih.mu.RLock()
	defer ih.mu.RUnlock()

	out := make([]models.PriceEntry, len(ih.items))
	copy(out, ih.items)
	return out
}

// Items lists every item kind with at least one recorded price, sorted.
func (h *History) Items() []string {
	var kinds []string
	h.items.Range(func(k, v any) bool {
		ih := v.(*itemHistory)
		ih.mu.RLock()
		n := len(ih.items)
		ih.mu.RUnlock()
		if n > 0 {
			kinds = append(kinds, k.(string))
		}
		return true
	})
	sort.Strings(kinds)
	return kinds
}

// Latest returns the most recent sale price of kind.
func (h *History) Latest(kind string) (models.PriceEntry, bool) {
	entries := h.Entries(kind)
	if len(entries) == 0 {
		return models.PriceEntry{}, false
	}
	return entries[len(entries)-1], true
}

// Average returns the mean of the retained prices of kind, rounded down.
func (h *History) Average(kind string) (int64, bool) {
	entries := h.Entries(kind)
	if len(entries) == 0 {
		return 0, false
	}
	var sum, rem int64
	n := int64(len(entries))
	// accumulate quotient and remainder separately to stay clear of overflow
	for _, e := range entries {
		sum += e.Price / n
		rem += e.Price % n
	}
	return sum + rem/n, true
}

// Range returns the lowest and highest retained prices of kind.
func (h *History) Range(kind string) (low, high int64, ok bool) {
	entries := h.Entries(kind)
	if len(entries) == 0 {
		return 0, 0, false
	}
	low, high = entries[0].Price, entries[0].Price
	for _, e := range entries[1:] {
		if e.Price < low {
			low = e.Price
		}
		if e.Price > high {
			high = e.Price
		}
	}
	return low, high, true
}

// Restore replaces the log of kind, keeping only the newest entries that fit.
func (h *History) Restore(kind string, entries []models.PriceEntry) {
	if len(entries) > h.limit {
		entries = entries[len(entries)-h.limit:]
	}
	out := make([]models.PriceEntry, len(entries))
	for i, e := range entries {
		e.ItemKind = kind
		out[i] = e
	}
	ih := h.item(kind)
	ih.mu.Lock()
	ih.items = out
	ih.mu.Unlock()
}

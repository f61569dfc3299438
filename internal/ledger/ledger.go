// Package ledger is the authoritative in-memory store of sell listings for
// one world. Listings are keyed by a monotonically generated ID that is never
// reused, so stale references held by clients resolve to "not found" instead
// of to somebody else's listing.
//
// The store has no ledger-wide lock: the map is a sync.Map and every listing
// carries its own mutex, which serializes purchases and owner transitions on
// the same listing while leaving unrelated listings uncontended.
package ledger

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"gexchange/models"
)

type entry struct {
	mu      sync.Mutex
	listing models.Listing
	removed bool
}

// Ledger holds the listings of one world.
type Ledger struct {
	nextID  atomic.Int64
	entries sync.Map // int64 -> *entry
}

// New creates an empty ledger whose first listing gets ID 1.
func New() *Ledger {
	return &Ledger{}
}

// Create stores a new listing built from l and returns it with its fresh ID.
// The ID field of l is ignored.
func (lg *Ledger) Create(l models.Listing) (models.Listing, error) {
	if l.Quantity <= 0 || l.PricePerUnit <= 0 {
		return models.Listing{}, fmt.Errorf("%w: quantity=%d price=%d", models.ErrInvalidParameters, l.Quantity, l.PricePerUnit)
	}
	if l.SellerID == "" || l.ItemKind == "" {
		return models.Listing{}, fmt.Errorf("%w: seller and item kind are required", models.ErrInvalidParameters)
	}
	if l.State == "" {
		l.State = models.ListingActive
	}
	l.ID = lg.nextID.Add(1)
	lg.entries.Store(l.ID, &entry{listing: l})
	return l, nil
}

// CreateListing stores an active listing without category or expiry.
func (lg *Ledger) CreateListing(sellerID, itemKind string, quantity, pricePerUnit int64) (models.Listing, error) {
	return lg.Create(models.Listing{
		SellerID:     sellerID,
		ItemKind:     itemKind,
		Quantity:     quantity,
		PricePerUnit: pricePerUnit,
		State:        models.ListingActive,
	})
}

// NextID returns the ID the next created listing will receive.
func (lg *Ledger) NextID() int64 {
	return lg.nextID.Load() + 1
}

// Len returns the number of stored listings in any state.
func (lg *Ledger) Len() int {
	n := 0
	lg.entries.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// CountPurchasable returns the number of listings a buyer could take from
// at now.
func (lg *Ledger) CountPurchasable(now time.Time) int {
	n := 0
	lg.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if !e.removed && e.listing.Purchasable(now) {
			n++
		}
		e.mu.Unlock()
		return true
	})
	return n
}

// Get returns a copy of the listing with the given ID.
func (lg *Ledger) Get(id int64) (models.Listing, bool) {
	e, ok := lg.load(id)
	if !ok {
		return models.Listing{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return models.Listing{}, false
	}
	return e.listing, true
}

// Remove deletes the listing and reports whether it existed.
func (lg *Ledger) Remove(id int64) bool {
	_, ok := lg.RemoveIf(id, func(models.Listing) bool { return true })
	return ok
}

// RemoveIf deletes the listing when cond returns true for its current state,
// returning the final snapshot.
func (lg *Ledger) RemoveIf(id int64, cond func(models.Listing) bool) (models.Listing, bool) {
	e, ok := lg.load(id)
	if !ok {
		return models.Listing{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || !cond(e.listing) {
		return models.Listing{}, false
	}
	lg.drop(id, e)
	return e.listing, true
}

// Update applies fn to a copy of the listing and stores the result when fn
// returns nil. The listing ID cannot be changed.
func (lg *Ledger) Update(id int64, fn func(*models.Listing) error) (models.Listing, error) {
	e, ok := lg.load(id)
	if !ok {
		return models.Listing{}, fmt.Errorf("%w: id=%d", models.ErrListingNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed {
		return models.Listing{}, fmt.Errorf("%w: id=%d", models.ErrListingNotFound, id)
	}

	next := e.listing
	if err := fn(&next); err != nil {
		return e.listing, err
	}
	if next.Quantity < 0 {
		return e.listing, fmt.Errorf("%w: negative quantity on listing %d", models.ErrInvariantViolation, id)
	}
	next.ID = id
	e.listing = next
	return next, nil
}

// Take removes up to max units from a purchasable listing and returns the
// number taken together with the listing as it was before the decrement. A
// listing reaching zero is removed from the ledger.
func (lg *Ledger) Take(id, max int64, now time.Time) (int64, models.Listing, error) {
	if max <= 0 {
		return 0, models.Listing{}, models.ErrInvalidQuantity
	}
	e, ok := lg.load(id)
	if !ok {
		return 0, models.Listing{}, fmt.Errorf("%w: id=%d", models.ErrListingNotFound, id)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || !e.listing.Purchasable(now) {
		return 0, models.Listing{}, fmt.Errorf("%w: id=%d", models.ErrListingNotFound, id)
	}

	before := e.listing
	taken := max
	if taken > e.listing.Quantity {
		taken = e.listing.Quantity
	}
	e.listing.Quantity -= taken
	if e.listing.Quantity == 0 {
		lg.drop(id, e)
	}
	return taken, before, nil
}

// Expire transitions a listing whose lifetime has elapsed to EXPIRED and
// removes it, returning its final snapshot. It is idempotent: a listing that
// is already gone or not yet expired reports false.
func (lg *Ledger) Expire(id int64, now time.Time) (models.Listing, bool) {
	e, ok := lg.load(id)
	if !ok {
		return models.Listing{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.removed || !e.listing.Expired(now) {
		return models.Listing{}, false
	}
	e.listing.State = models.ListingExpired
	lg.drop(id, e)
	return e.listing, true
}

// Snapshot returns copies of every stored listing ordered by ID.
func (lg *Ledger) Snapshot() []models.Listing {
	var out []models.Listing
	lg.entries.Range(func(_, v any) bool {
		e := v.(*entry)
		e.mu.Lock()
		if !e.removed {
			out = append(out, e.listing)
		}
		e.mu.Unlock()
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Restore loads previously persisted listings. The ID counter is advanced to
// at least nextID and past every restored ID.
func (lg *Ledger) Restore(listings []models.Listing, nextID int64) {
	maxID := nextID - 1
	for _, l := range listings {
		if l.ID > maxID {
			maxID = l.ID
		}
		lg.entries.Store(l.ID, &entry{listing: l})
	}
	for {
		cur := lg.nextID.Load()
		if cur >= maxID || lg.nextID.CompareAndSwap(cur, maxID) {
			return
		}
	}
}

func (lg *Ledger) load(id int64) (*entry, bool) {
	v, ok := lg.entries.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*entry), true
}

// drop must be called with e.mu held.
func (lg *Ledger) drop(id int64, e *entry) {
	e.removed = true
	lg.entries.CompareAndDelete(id, e)
}

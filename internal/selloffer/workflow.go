// Package selloffer implements the sell slot state machine of a player:
// items are staged out of the inventory, turned into a draft, activated on
// the ledger, disabled and re-enabled, and finally cancelled.
package selloffer

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"gexchange/internal/account"
	"gexchange/internal/ledger"
	"gexchange/internal/ratelimit"
	"gexchange/logger"
	"gexchange/models"
)

// Limits bounds what a player may list.
type Limits struct {
	Slots     int
	MaxActive int
	MinPrice  int64
	MaxPrice  int64
	Lifetime  time.Duration
}

// Book is the slot array and staging area of one player.
type Book struct {
	mu     sync.Mutex
	offers []models.SellOffer
	staged []models.StagedItem
}

// State is the persisted content of a book.
type State struct {
	Offers []models.SellOffer  `yaml:"offers"`
	Staged []models.StagedItem `yaml:"staged"`
}

// Workflow runs sell offer transitions for every player of a world.
type Workflow struct {
	ledger  *ledger.Ledger
	limiter *ratelimit.Service
	log     *logger.Entry

	mu     sync.RWMutex // guards limits; held for reading by every transition
	limits Limits
	books  sync.Map // player -> *Book
}

// New creates a workflow operating on lg.
func New(lg *ledger.Ledger, limiter *ratelimit.Service, limits Limits) *Workflow {
	return &Workflow{
		ledger:  lg,
		limiter: limiter,
		limits:  limits,
		log:     logger.GetLogger().WithComponent("sell_offers"),
	}
}

// Limits returns the active limits.
func (w *Workflow) Limits() Limits {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.limits
}

// SetLimits replaces the limits. Lowering the slot count is rejected with
// ErrSlotsOccupied when any player uses a slot beyond the new count.
func (w *Workflow) SetLimits(l Limits) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	var err error
	w.books.Range(func(k, v any) bool {
		b := v.(*Book)
		b.mu.Lock()
		defer b.mu.Unlock()
		w.refreshLocked(b)
		for i := l.Slots; i < len(b.offers); i++ {
			if !b.offers[i].Empty() {
				err = fmt.Errorf("%w: player %s uses sell slot %d", models.ErrSlotsOccupied, k.(string), i)
				return false
			}
		}
		return true
	})
	if err != nil {
		return err
	}
	w.limits = l
	return nil
}

func (w *Workflow) book(player string) *Book {
	if v, ok := w.books.Load(player); ok {
		return v.(*Book)
	}
	v, _ := w.books.LoadOrStore(player, &Book{})
	return v.(*Book)
}

// lock returns the book of player locked and sized to the slot count. The
// caller must hold w.mu for reading.
func (w *Workflow) lock(player string) *Book {
	b := w.book(player)
	b.mu.Lock()
	for len(b.offers) < w.limits.Slots {
		b.offers = append(b.offers, models.SellOffer{Slot: len(b.offers)})
	}
	return b
}

// StageItem moves quantity of kind out of the inventory into the staging
// area and returns the staging index. Only the quantity actually removed is
// staged.
func (w *Workflow) StageItem(player string, inv account.Inventory, kind, category string, quantity int64) (int, error) {
	if kind == "" || quantity <= 0 {
		return 0, fmt.Errorf("%w: kind=%q quantity=%d", models.ErrInvalidParameters, kind, quantity)
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	b := w.lock(player)
	defer b.mu.Unlock()

	if len(b.staged) >= w.limits.Slots {
		return 0, models.ErrNoAvailableSlot
	}
	removed := inv.RemoveItem(kind, quantity)
	if removed <= 0 {
		return 0, fmt.Errorf("%w: %s not in inventory", models.ErrNoItemInSlot, kind)
	}
	b.staged = append(b.staged, models.StagedItem{ItemKind: kind, Category: category, Quantity: removed})
	return len(b.staged) - 1, nil
}

// Unstage returns a staged stack to the inventory. Whatever does not fit
// stays staged and ErrInventoryFull is reported.
func (w *Workflow) Unstage(player string, inv account.Inventory, index int) error {
	w.mu.RLock()
	defer w.mu.RUnlock()
	b := w.lock(player)
	defer b.mu.Unlock()

	if index < 0 || index >= len(b.staged) {
		return fmt.Errorf("%w: staging index %d", models.ErrNoItemInSlot, index)
	}
	st := b.staged[index]
	leftover := inv.AddItem(st.ItemKind, st.Quantity)
	if leftover > 0 {
		b.staged[index].Quantity = leftover
		return fmt.Errorf("%w: %d %s left staged", models.ErrInventoryFull, leftover, st.ItemKind)
	}
	b.staged = append(b.staged[:index], b.staged[index+1:]...)
	return nil
}

// StageDraft turns the staged stack at stagingIndex into a DRAFT offer at
// pricePerUnit in the first free slot.
func (w *Workflow) StageDraft(player string, stagingIndex int, pricePerUnit int64, now time.Time) (models.SellOffer, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	b := w.lock(player)
	defer b.mu.Unlock()

	if stagingIndex < 0 || stagingIndex >= len(b.staged) || b.staged[stagingIndex].Quantity <= 0 {
		return models.SellOffer{}, fmt.Errorf("%w: staging index %d", models.ErrNoItemInSlot, stagingIndex)
	}
	if pricePerUnit < w.limits.MinPrice || pricePerUnit > w.limits.MaxPrice || pricePerUnit <= 0 {
		return models.SellOffer{}, fmt.Errorf("%w: %d not in [%d, %d]", models.ErrPriceOutOfRange, pricePerUnit, w.limits.MinPrice, w.limits.MaxPrice)
	}
	w.refreshLocked(b)
	slot := -1
	for i := 0; i < w.limits.Slots; i++ {
		if b.offers[i].Empty() {
			slot = i
			break
		}
	}
	if slot < 0 {
		return models.SellOffer{}, models.ErrNoAvailableSlot
	}
	if _, err := w.limiter.Reserve(player, ratelimit.ActionCreate, now); err != nil {
		return models.SellOffer{}, err
	}

	st := b.staged[stagingIndex]
	b.staged = append(b.staged[:stagingIndex], b.staged[stagingIndex+1:]...)
	b.offers[slot] = models.SellOffer{
		Slot:         slot,
		ItemKind:     st.ItemKind,
		Category:     st.Category,
		Quantity:     st.Quantity,
		PricePerUnit: pricePerUnit,
		State:        models.ListingDraft,
	}

	w.log.WithFields(logger.Fields{
		"player": player,
		"slot":   slot,
		"item":   st.ItemKind,
		"qty":    st.Quantity,
		"price":  pricePerUnit,
	}).Debug("sell offer drafted")
	return b.offers[slot], nil
}

// Enable moves a DRAFT or DISABLED offer to ACTIVE. The first activation
// creates the ledger listing; later ones reuse it.
func (w *Workflow) Enable(player string, slot int, now time.Time) (models.SellOffer, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	b := w.lock(player)
	defer b.mu.Unlock()

	if err := w.checkSlot(slot); err != nil {
		return models.SellOffer{}, err
	}
	w.refreshLocked(b)
	off := b.offers[slot]
	if off.State != models.ListingDraft && off.State != models.ListingDisabled {
		return off, fmt.Errorf("%w: cannot enable %s offer", models.ErrInvalidState, stateName(off.State))
	}
	if active := countActive(b); active >= w.limits.MaxActive {
		return off, fmt.Errorf("%w: %d of %d", models.ErrMaxActiveReached, active, w.limits.MaxActive)
	}
	ticket, err := w.limiter.Reserve(player, ratelimit.ActionToggle, now)
	if err != nil {
		return off, err
	}

	if off.ListingID == 0 {
		l, err := w.ledger.Create(models.Listing{
			SellerID:     player,
			ItemKind:     off.ItemKind,
			Category:     off.Category,
			Quantity:     off.Quantity,
			PricePerUnit: off.PricePerUnit,
			CreatedAt:    now,
			ExpiresAt:    now.Add(w.limits.Lifetime),
			State:        models.ListingActive,
		})
		if err != nil {
			ticket.Cancel()
			return off, err
		}
		off.ListingID = l.ID
	} else {
		l, err := w.ledger.Update(off.ListingID, func(l *models.Listing) error {
			if l.State != models.ListingDisabled {
				return fmt.Errorf("%w: listing is %s", models.ErrInvalidState, l.State)
			}
			l.State = models.ListingActive
			return nil
		})
		if err != nil {
			ticket.Cancel()
			return off, err
		}
		off.Quantity = l.Quantity
	}

	off.State = models.ListingActive
	b.offers[slot] = off
	w.log.WithFields(logger.Fields{"player": player, "slot": slot, "listing_id": off.ListingID}).Debug("sell offer enabled")
	return off, nil
}

// Disable hides an ACTIVE offer from the market.
func (w *Workflow) Disable(player string, slot int, now time.Time) (models.SellOffer, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	b := w.lock(player)
	defer b.mu.Unlock()

	if err := w.checkSlot(slot); err != nil {
		return models.SellOffer{}, err
	}
	w.refreshLocked(b)
	off := b.offers[slot]
	if off.State != models.ListingActive {
		return off, fmt.Errorf("%w: cannot disable %s offer", models.ErrInvalidState, stateName(off.State))
	}
	ticket, err := w.limiter.Reserve(player, ratelimit.ActionToggle, now)
	if err != nil {
		return off, err
	}

	l, err := w.ledger.Update(off.ListingID, func(l *models.Listing) error {
		if l.State != models.ListingActive {
			return fmt.Errorf("%w: listing is %s", models.ErrInvalidState, l.State)
		}
		l.State = models.ListingDisabled
		return nil
	})
	if err != nil {
		ticket.Cancel()
		return off, err
	}

	off.State = models.ListingDisabled
	off.Quantity = l.Quantity
	b.offers[slot] = off
	return off, nil
}

// Cancel ends an offer and returns its remaining quantity to the inventory.
// The returned offer carries the CANCELLED state. When the inventory cannot
// take everything, the leftover stays on the slot as a DISABLED offer and
// ErrInventoryFull is reported.
func (w *Workflow) Cancel(player string, inv account.Inventory, slot int) (models.SellOffer, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	b := w.lock(player)
	defer b.mu.Unlock()

	if err := w.checkSlot(slot); err != nil {
		return models.SellOffer{}, err
	}
	w.refreshLocked(b)
	off := b.offers[slot]
	if off.Empty() || off.State.Terminal() {
		return off, fmt.Errorf("%w: cannot cancel %s offer", models.ErrInvalidState, stateName(off.State))
	}

	held := off.Quantity
	if off.ListingID != 0 {
		// taking the listing off the ledger first stops concurrent purchases
		final, ok := w.ledger.RemoveIf(off.ListingID, func(l models.Listing) bool { return !l.State.Terminal() })
		if !ok {
			b.offers[slot] = models.SellOffer{Slot: slot}
			return off, fmt.Errorf("%w: id=%d", models.ErrListingNotFound, off.ListingID)
		}
		held = final.Quantity
	}

	leftover := inv.AddItem(off.ItemKind, held)
	if leftover > 0 {
		b.offers[slot] = models.SellOffer{
			Slot:         slot,
			ItemKind:     off.ItemKind,
			Category:     off.Category,
			Quantity:     leftover,
			PricePerUnit: off.PricePerUnit,
			State:        models.ListingDisabled,
		}
		w.log.WithFields(logger.Fields{
			"player":   player,
			"slot":     slot,
			"returned": held - leftover,
			"leftover": leftover,
		}).Warn("inventory full while cancelling sell offer")
		return b.offers[slot], fmt.Errorf("%w: %d %s could not be returned", models.ErrInventoryFull, leftover, off.ItemKind)
	}

	b.offers[slot] = models.SellOffer{Slot: slot}
	off.Quantity = held
	off.State = models.ListingCancelled
	return off, nil
}

// Offers returns the slots of player with quantities refreshed from the
// ledger. Slots whose listing left the ledger (sold out or expired) are
// cleared.
func (w *Workflow) Offers(player string) []models.SellOffer {
	w.mu.RLock()
	defer w.mu.RUnlock()
	b := w.lock(player)
	defer b.mu.Unlock()

	w.refreshLocked(b)
	out := make([]models.SellOffer, len(b.offers))
	copy(out, b.offers)
	return out
}

// Staged returns the staging area of player.
func (w *Workflow) Staged(player string) []models.StagedItem {
	b := w.book(player)
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]models.StagedItem(nil), b.staged...)
}

// Players lists every player with a book, sorted.
func (w *Workflow) Players() []string {
	var out []string
	w.books.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	sort.Strings(out)
	return out
}

// Export returns the persisted state of player.
func (w *Workflow) Export(player string) State {
	b := w.book(player)
	b.mu.Lock()
	defer b.mu.Unlock()
	st := State{Staged: append([]models.StagedItem(nil), b.staged...)}
	for _, o := range b.offers {
		if !o.Empty() {
			st.Offers = append(st.Offers, o)
		}
	}
	return st
}

// Import restores the book of player. Offers are placed at their slot index.
func (w *Workflow) Import(player string, st State) {
	b := w.book(player)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.staged = append([]models.StagedItem(nil), st.Staged...)
	b.offers = nil
	for _, o := range st.Offers {
		if o.Slot < 0 {
			continue
		}
		for len(b.offers) <= o.Slot {
			b.offers = append(b.offers, models.SellOffer{Slot: len(b.offers)})
		}
		b.offers[o.Slot] = o
	}
}

func (w *Workflow) checkSlot(slot int) error {
	if slot < 0 || slot >= w.limits.Slots {
		return fmt.Errorf("%w: %d", models.ErrInvalidSlot, slot)
	}
	return nil
}

// refreshLocked syncs listed offers with the ledger.
func (w *Workflow) refreshLocked(b *Book) {
	for i, o := range b.offers {
		if o.ListingID == 0 || o.Empty() {
			continue
		}
		l, ok := w.ledger.Get(o.ListingID)
		if !ok {
			b.offers[i] = models.SellOffer{Slot: i}
			continue
		}
		b.offers[i].Quantity = l.Quantity
	}
}

func countActive(b *Book) int {
	n := 0
	for _, o := range b.offers {
		if o.State == models.ListingActive {
			n++
		}
	}
	return n
}

func stateName(s models.ListingState) string {
	if s == "" {
		return "empty"
	}
	return string(s)
}

// Package buyorder implements standing buy orders backed by coins escrowed
// from the player's bank.
//
// Escrow is held exactly while an order is ACTIVE. Each book tracks how much
// it has withdrawn from the bank for orders and every read checks that the
// escrow of the ACTIVE orders matches it. A mismatch refuses the operation.
package buyorder

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"gexchange/internal/account"
	"gexchange/internal/ratelimit"
	"gexchange/logger"
	"gexchange/models"
)

// Limits bounds what a player may order.
type Limits struct {
	Slots       int
	MinPrice    int64
	MaxPrice    int64
	MaxQuantity int64
}

// Book is the buy order slot array of one player.
type Book struct {
	mu        sync.Mutex
	orders    []models.BuyOrder
	withdrawn int64
}

// State is the persisted content of a book.
type State struct {
	Orders    []models.BuyOrder `yaml:"orders"`
	Withdrawn int64             `yaml:"withdrawn"`
}

// Workflow runs buy order transitions for every player of a world.
type Workflow struct {
	limiter *ratelimit.Service
	log     *logger.Entry

	mu     sync.RWMutex
	limits Limits
	books  sync.Map // player -> *Book
}

func New(limiter *ratelimit.Service, limits Limits) *Workflow {
	return &Workflow{
		limiter: limiter,
		limits:  limits,
		log:     logger.GetLogger().WithComponent("buy_orders"),
	}
}

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
		for i := l.Slots; i < len(b.orders); i++ {
			if !b.orders[i].Empty() {
				err = fmt.Errorf("%w: player %s uses buy slot %d", models.ErrSlotsOccupied, k.(string), i)
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

func (w *Workflow) lock(player string) *Book {
	b := w.book(player)
	b.mu.Lock()
	for len(b.orders) < w.limits.Slots {
		b.orders = append(b.orders, models.BuyOrder{Slot: len(b.orders), State: models.OrderEmpty})
	}
	return b
}

// Create fills an EMPTY slot with a DISABLED order. No coins move until the
// order is enabled.
func (w *Workflow) Create(player string, slot int, kind string, quantity, pricePerUnit int64, now time.Time) (models.BuyOrder, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if err := w.checkSlot(slot); err != nil {
		return models.BuyOrder{}, err
	}
	if kind == "" {
		return models.BuyOrder{}, fmt.Errorf("%w: item kind is required", models.ErrInvalidParameters)
	}
	if quantity <= 0 || (w.limits.MaxQuantity > 0 && quantity > w.limits.MaxQuantity) {
		return models.BuyOrder{}, fmt.Errorf("%w: %d", models.ErrInvalidQuantity, quantity)
	}
	if pricePerUnit <= 0 || pricePerUnit < w.limits.MinPrice || pricePerUnit > w.limits.MaxPrice {
		return models.BuyOrder{}, fmt.Errorf("%w: %d not in [%d, %d]", models.ErrPriceOutOfRange, pricePerUnit, w.limits.MinPrice, w.limits.MaxPrice)
	}
	if _, err := models.Cost(quantity, pricePerUnit); err != nil {
		return models.BuyOrder{}, err
	}

	b := w.lock(player)
	defer b.mu.Unlock()
	if !b.orders[slot].Empty() {
		return b.orders[slot], fmt.Errorf("%w: buy slot %d is in use", models.ErrInvalidState, slot)
	}
	if _, err := w.limiter.Reserve(player, ratelimit.ActionCreate, now); err != nil {
		return models.BuyOrder{}, err
	}

	b.orders[slot] = models.BuyOrder{
		Slot:              slot,
		ItemKind:          kind,
		QuantityRemaining: quantity,
		PricePerUnit:      pricePerUnit,
		State:             models.OrderDisabled,
	}
	return b.orders[slot], nil
}

// Enable escrows quantity × price from bank in a single withdrawal and
// activates the order.
func (w *Workflow) Enable(player string, bank account.Bank, slot int, now time.Time) (models.BuyOrder, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if err := w.checkSlot(slot); err != nil {
		return models.BuyOrder{}, err
	}
	b := w.lock(player)
	defer b.mu.Unlock()
	if err := w.verifyLocked(player, b); err != nil {
		return models.BuyOrder{}, err
	}

	o := b.orders[slot]
	if o.State != models.OrderDisabled {
		return o, fmt.Errorf("%w: cannot enable %s order", models.ErrInvalidState, o.State)
	}
	cost, err := models.Cost(o.QuantityRemaining, o.PricePerUnit)
	if err != nil {
		return o, err
	}
	withdrawn, err := models.AddCoins(b.withdrawn, cost)
	if err != nil {
		return o, err
	}
	ticket, err := w.limiter.Reserve(player, ratelimit.ActionToggle, now)
	if err != nil {
		return o, err
	}
	if !bank.Withdraw(cost) {
		ticket.Cancel()
		return o, fmt.Errorf("%w: need %d coins", models.ErrInsufficientFunds, cost)
	}

	b.withdrawn = withdrawn
	o.EscrowedCoins = cost
	o.State = models.OrderActive
	b.orders[slot] = o

	w.log.WithFields(logger.Fields{"player": player, "slot": slot, "escrow": cost}).Debug("buy order enabled")
	return o, nil
}

// Disable refunds the escrow and deactivates the order. It is not rate
// limited, so escrow can always be reclaimed. Disabling a DISABLED order is a
// no-op that succeeds. When the bank rejects the refund the order stays
// ACTIVE with its escrow intact.
func (w *Workflow) Disable(player string, bank account.Bank, slot int) (models.BuyOrder, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if err := w.checkSlot(slot); err != nil {
		return models.BuyOrder{}, err
	}
	b := w.lock(player)
	defer b.mu.Unlock()
	if err := w.verifyLocked(player, b); err != nil {
		return models.BuyOrder{}, err
	}

	o := b.orders[slot]
	switch o.State {
	case models.OrderDisabled:
		return o, nil
	case models.OrderActive:
	default:
		return o, fmt.Errorf("%w: cannot disable %s order", models.ErrInvalidState, o.State)
	}
	if err := w.refundLocked(player, b, bank, slot); err != nil {
		return b.orders[slot], err
	}
	b.orders[slot].State = models.OrderDisabled
	return b.orders[slot], nil
}

// Cancel refunds any escrow and clears the slot. Cancelling an EMPTY slot
// is a no-op that succeeds.
func (w *Workflow) Cancel(player string, bank account.Bank, slot int) (models.BuyOrder, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if err := w.checkSlot(slot); err != nil {
		return models.BuyOrder{}, err
	}
	b := w.lock(player)
	defer b.mu.Unlock()
	if err := w.verifyLocked(player, b); err != nil {
		return models.BuyOrder{}, err
	}

	o := b.orders[slot]
	if o.Empty() {
		return o, nil
	}
	if o.State == models.OrderActive {
		if err := w.refundLocked(player, b, bank, slot); err != nil {
			return b.orders[slot], err
		}
	}
	b.orders[slot] = models.BuyOrder{Slot: slot, State: models.OrderEmpty}
	return b.orders[slot], nil
}

// refundLocked deposits the escrow of slot back into bank and zeroes it.
func (w *Workflow) refundLocked(player string, b *Book, bank account.Bank, slot int) error {
	o := b.orders[slot]
	if o.EscrowedCoins > 0 && !bank.Deposit(o.EscrowedCoins) {
		w.log.WithFields(logger.Fields{
			"player": player,
			"slot":   slot,
			"escrow": o.EscrowedCoins,
		}).Error("bank rejected escrow refund, order kept active")
		return fmt.Errorf("%w: %d coins", models.ErrRefundRejected, o.EscrowedCoins)
	}
	b.withdrawn -= o.EscrowedCoins
	b.orders[slot].EscrowedCoins = 0
	return nil
}

// Fill settles up to quantity units against an ACTIVE order of player and
// releases the matching escrow. It returns the number of units filled and
// the order as it was before the fill. A fully filled order empties its slot.
func (w *Workflow) Fill(player string, slot int, quantity int64) (int64, models.BuyOrder, error) {
	if quantity <= 0 {
		return 0, models.BuyOrder{}, models.ErrInvalidQuantity
	}
	w.mu.RLock()
	defer w.mu.RUnlock()
	if err := w.checkSlot(slot); err != nil {
		return 0, models.BuyOrder{}, err
	}
	b := w.lock(player)
	defer b.mu.Unlock()
	if err := w.verifyLocked(player, b); err != nil {
		return 0, models.BuyOrder{}, err
	}

	before := b.orders[slot]
	if before.State != models.OrderActive {
		return 0, before, fmt.Errorf("%w: order is %s", models.ErrInvalidState, before.State)
	}
	n := quantity
	if n > before.QuantityRemaining {
		n = before.QuantityRemaining
	}
	paid := n * before.PricePerUnit

	o := before
	o.QuantityRemaining -= n
	o.EscrowedCoins -= paid
	b.withdrawn -= paid
	if o.QuantityRemaining == 0 {
		o = models.BuyOrder{Slot: slot, State: models.OrderEmpty}
	}
	b.orders[slot] = o
	return n, before, nil
}

// Peek returns a copy of one order slot.
func (w *Workflow) Peek(player string, slot int) (models.BuyOrder, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	if err := w.checkSlot(slot); err != nil {
		return models.BuyOrder{}, err
	}
	b := w.lock(player)
	defer b.mu.Unlock()
	if err := w.verifyLocked(player, b); err != nil {
		return models.BuyOrder{}, err
	}
	return b.orders[slot], nil
}

// Orders returns the order slots of player.
func (w *Workflow) Orders(player string) ([]models.BuyOrder, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	b := w.lock(player)
	defer b.mu.Unlock()
	if err := w.verifyLocked(player, b); err != nil {
		return nil, err
	}
	out := make([]models.BuyOrder, len(b.orders))
	copy(out, b.orders)
	return out, nil
}

// Escrowed returns the coins currently held for player.
func (w *Workflow) Escrowed(player string) int64 {
	b := w.book(player)
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.withdrawn
}

// TotalEscrowed returns the coins held across every player.
func (w *Workflow) TotalEscrowed() int64 {
	var total int64
	w.books.Range(func(_, v any) bool {
		b := v.(*Book)
		b.mu.Lock()
		total += b.withdrawn
		b.mu.Unlock()
		return true
	})
	return total
}

func (w *Workflow) Players() []string {
	var out []string
	w.books.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	sort.Strings(out)
	return out
}

func (w *Workflow) Export(player string) State {
	b := w.book(player)
	b.mu.Lock()
	defer b.mu.Unlock()
	st := State{Withdrawn: b.withdrawn}
	for _, o := range b.orders {
		if !o.Empty() {
			st.Orders = append(st.Orders, o)
		}
	}
	return st
}

func (w *Workflow) Import(player string, st State) {
	b := w.book(player)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.withdrawn = st.Withdrawn
	b.orders = nil
	for _, o := range st.Orders {
		if o.Slot < 0 {
			continue
		}
		for len(b.orders) <= o.Slot {
			b.orders = append(b.orders, models.BuyOrder{Slot: len(b.orders), State: models.OrderEmpty})
		}
		b.orders[o.Slot] = o
	}
}

func (w *Workflow) checkSlot(slot int) error {
	if slot < 0 || slot >= w.limits.Slots {
		return fmt.Errorf("%w: %d", models.ErrInvalidSlot, slot)
	}
	return nil
}

// verifyLocked checks that escrow matches the coins withdrawn for orders.
func (w *Workflow) verifyLocked(player string, b *Book) error {
	var sum int64
	for _, o := range b.orders {
		switch {
		case o.State == models.OrderActive:
			if want := o.QuantityRemaining * o.PricePerUnit; o.EscrowedCoins != want {
				return w.violation(player, fmt.Sprintf("slot %d escrow %d, expected %d", o.Slot, o.EscrowedCoins, want))
			}
			sum += o.EscrowedCoins
		case o.EscrowedCoins != 0:
			return w.violation(player, fmt.Sprintf("slot %d is %s but holds %d coins", o.Slot, o.State, o.EscrowedCoins))
		}
	}
	if sum != b.withdrawn {
		return w.violation(player, fmt.Sprintf("escrow %d, withdrawn %d", sum, b.withdrawn))
	}
	return nil
}

func (w *Workflow) violation(player, detail string) error {
	w.log.WithFields(logger.Fields{"player": player}).Error("escrow invariant violated: " + detail)
	return fmt.Errorf("%w: %s", models.ErrInvariantViolation, detail)
}

// Package account defines the bank and inventory contracts the market
// consumes, plus in-memory implementations used by the demo server and tests.
package account

import (
	"math"
	"sort"
	"sync"

	"gexchange/logger"
	"gexchange/models"
)

// Bank is a player's coin store. Withdraw and Deposit are single atomic
// calls: either the whole amount moves or nothing does.
type Bank interface {
	Balance() int64
	Withdraw(amount int64) bool
	// Deposit fails only when the balance would overflow.
	Deposit(amount int64) bool
}

// Inventory is a player's carried item store.
type Inventory interface {
	// AddItem returns the quantity that did not fit.
	AddItem(kind string, quantity int64) int64
	// RemoveItem returns the quantity actually removed.
	RemoveItem(kind string, quantity int64) int64
}

// Counter is implemented by inventories that can report a held quantity.
type Counter interface {
	Count(kind string) int64
}

// ExactInventory is implemented by inventories that can move an exact
// quantity in one step. Both methods change nothing when they return false.
type ExactInventory interface {
	TakeExactly(kind string, quantity int64) bool
	PutExactly(kind string, quantity int64) bool
}

// Directory resolves the coin bank, the bank item storage and the inventory
// of a player.
type Directory interface {
	Bank(playerID string) Bank
	BankStorage(playerID string) Inventory
	Inventory(playerID string) Inventory
}

// Funding returns the coin store matching dest: the bank, or the coins
// carried in the inventory. spill receives carried coins the purse could not
// put back and may be nil.
func Funding(d Directory, playerID string, dest models.Destination, spill func(coins int64)) Bank {
	if dest == models.DestinationInventory {
		return NewCoinPurse(d.Inventory(playerID)).WithSpill(spill)
	}
	return d.Bank(playerID)
}

// MemoryBank is a mutex guarded balance with an optional ceiling.
type MemoryBank struct {
	mu      sync.Mutex
	balance int64
	ceiling int64
}

// NewMemoryBank creates a bank holding balance. A ceiling of 0 means the
// balance may grow up to math.MaxInt64.
func NewMemoryBank(balance, ceiling int64) *MemoryBank {
	if ceiling <= 0 {
		ceiling = math.MaxInt64
	}
	return &MemoryBank{balance: balance, ceiling: ceiling}
}

func (b *MemoryBank) Balance() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.balance
}

func (b *MemoryBank) Withdraw(amount int64) bool {
	if amount < 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.balance < amount {
		return false
	}
	b.balance -= amount
	return true
}

func (b *MemoryBank) Deposit(amount int64) bool {
	if amount < 0 {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if amount > b.ceiling-b.balance {
		return false
	}
	b.balance += amount
	return true
}

// MemoryInventory holds item counts up to a total capacity.
type MemoryInventory struct {
	mu       sync.Mutex
	items    map[string]int64
	capacity int64
}

// NewMemoryInventory creates an inventory holding at most capacity units in
// total. A capacity of 0 means unlimited.
func NewMemoryInventory(capacity int64) *MemoryInventory {
	return &MemoryInventory{items: make(map[string]int64), capacity: capacity}
}

func (inv *MemoryInventory) AddItem(kind string, quantity int64) int64 {
	if quantity <= 0 {
		return 0
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()

	fits := quantity
	if inv.capacity > 0 {
		free := inv.capacity - inv.totalLocked()
		if free < 0 {
			free = 0
		}
		if fits > free {
			fits = free
		}
	}
	if fits > math.MaxInt64-inv.items[kind] {
		fits = math.MaxInt64 - inv.items[kind]
	}
	if fits > 0 {
		inv.items[kind] += fits
	}
	return quantity - fits
}

func (inv *MemoryInventory) RemoveItem(kind string, quantity int64) int64 {
	if quantity <= 0 {
		return 0
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()

	have := inv.items[kind]
	if quantity > have {
		quantity = have
	}
	if have-quantity == 0 {
		delete(inv.items, kind)
	} else {
		inv.items[kind] = have - quantity
	}
	return quantity
}

// TakeExactly removes quantity of kind only when all of it is held.
func (inv *MemoryInventory) TakeExactly(kind string, quantity int64) bool {
	if quantity < 0 {
		return false
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	have := inv.items[kind]
	if have < quantity {
		return false
	}
	if have == quantity {
		delete(inv.items, kind)
	} else {
		inv.items[kind] = have - quantity
	}
	return true
}

// PutExactly adds quantity of kind only when all of it fits.
func (inv *MemoryInventory) PutExactly(kind string, quantity int64) bool {
	if quantity < 0 {
		return false
	}
	inv.mu.Lock()
	defer inv.mu.Unlock()
	if inv.capacity > 0 && quantity > inv.capacity-inv.totalLocked() {
		return false
	}
	if quantity > math.MaxInt64-inv.items[kind] {
		return false
	}
	if quantity > 0 {
		inv.items[kind] += quantity
	}
	return true
}

func (inv *MemoryInventory) Count(kind string) int64 {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	return inv.items[kind]
}

// Kinds lists the held item kinds, sorted.
func (inv *MemoryInventory) Kinds() []string {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	kinds := make([]string, 0, len(inv.items))
	for k := range inv.items {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)
	return kinds
}

func (inv *MemoryInventory) totalLocked() int64 {
	var n int64
	for _, q := range inv.items {
		n += q
	}
	return n
}

// CoinPurse exposes the coins carried in an inventory as a Bank. Inventories
// implementing ExactInventory move coins atomically. For any other inventory
// a rollback that no longer fits hands the coins to the spill function so
// they are never lost.
type CoinPurse struct {
	inv   Inventory
	spill func(coins int64)
	log   *logger.Entry
}

func NewCoinPurse(inv Inventory) *CoinPurse {
	return &CoinPurse{inv: inv, log: logger.GetLogger().WithComponent("coin_purse")}
}

// WithSpill sets the destination of coins a rollback could not return.
func (p *CoinPurse) WithSpill(spill func(coins int64)) *CoinPurse {
	p.spill = spill
	return p
}

// Balance is 0 when the inventory cannot report counts.
func (p *CoinPurse) Balance() int64 {
	if c, ok := p.inv.(Counter); ok {
		return c.Count(models.CoinsKind)
	}
	return 0
}

func (p *CoinPurse) Withdraw(amount int64) bool {
	if amount < 0 {
		return false
	}
	if exact, ok := p.inv.(ExactInventory); ok {
		return exact.TakeExactly(models.CoinsKind, amount)
	}
	if c, ok := p.inv.(Counter); ok && c.Count(models.CoinsKind) < amount {
		return false
	}
	removed := p.inv.RemoveItem(models.CoinsKind, amount)
	if removed == amount {
		return true
	}
	if removed > 0 {
		p.strand(p.inv.AddItem(models.CoinsKind, removed))
	}
	return false
}

// Deposit reports success once every coin is either carried or spilled. A
// rollback that cannot take back the placed coins leaves them carried and
// spills the rest.
func (p *CoinPurse) Deposit(amount int64) bool {
	if amount < 0 {
		return false
	}
	if exact, ok := p.inv.(ExactInventory); ok {
		return exact.PutExactly(models.CoinsKind, amount)
	}
	leftover := p.inv.AddItem(models.CoinsKind, amount)
	if leftover == 0 {
		return true
	}
	placed := amount - leftover
	if placed <= 0 {
		return false
	}
	taken := p.inv.RemoveItem(models.CoinsKind, placed)
	if taken == placed {
		return false
	}
	p.strand(amount - (placed - taken))
	return true
}

func (p *CoinPurse) strand(coins int64) {
	if coins <= 0 {
		return
	}
	if p.spill != nil {
		p.spill(coins)
		return
	}
	p.log.WithFields(logger.Fields{"coins": coins}).Error("coin rollback did not fit and no spill is set")
}

// MemoryDirectory creates accounts on first use.
type MemoryDirectory struct {
	mu          sync.Mutex
	banks       map[string]*MemoryBank
	storages    map[string]*MemoryInventory
	inventories map[string]*MemoryInventory

	startBalance      int64
	inventoryCapacity int64
}

// NewMemoryDirectory creates a directory whose new players start with
// startBalance coins in the bank and an inventory of inventoryCapacity units.
func NewMemoryDirectory(startBalance, inventoryCapacity int64) *MemoryDirectory {
	return &MemoryDirectory{
		banks:             make(map[string]*MemoryBank),
		storages:          make(map[string]*MemoryInventory),
		inventories:       make(map[string]*MemoryInventory),
		startBalance:      startBalance,
		inventoryCapacity: inventoryCapacity,
	}
}

func (d *MemoryDirectory) Bank(playerID string) Bank {
	return d.MemoryBank(playerID)
}

func (d *MemoryDirectory) Inventory(playerID string) Inventory {
	return d.MemoryInventory(playerID)
}

// BankStorage returns an unbounded item store per player.
func (d *MemoryDirectory) BankStorage(playerID string) Inventory {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.storages[playerID]
	if !ok {
		st = NewMemoryInventory(0)
		d.storages[playerID] = st
	}
	return st
}

// MemoryBank returns the concrete bank of playerID.
func (d *MemoryDirectory) MemoryBank(playerID string) *MemoryBank {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.banks[playerID]
	if !ok {
		b = NewMemoryBank(d.startBalance, 0)
		d.banks[playerID] = b
	}
	return b
}

// MemoryInventory returns the concrete inventory of playerID.
func (d *MemoryDirectory) MemoryInventory(playerID string) *MemoryInventory {
	d.mu.Lock()
	defer d.mu.Unlock()
	inv, ok := d.inventories[playerID]
	if !ok {
		inv = NewMemoryInventory(d.inventoryCapacity)
		d.inventories[playerID] = inv
	}
	return inv
}

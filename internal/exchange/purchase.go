package exchange

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gexchange/internal/account"
	"gexchange/logger"
	"gexchange/models"
)

// Receipt describes a settled trade.
type Receipt struct {
	SaleID         string    `json:"sale_id"`
	ListingID      int64     `json:"listing_id,omitempty"`
	OrderSlot      int       `json:"order_slot,omitempty"`
	BuyerID        string    `json:"buyer_id"`
	SellerID       string    `json:"seller_id"`
	ItemKind       string    `json:"item_kind"`
	Quantity       int64     `json:"quantity"`
	PricePerUnit   int64     `json:"price_per_unit"`
	TotalCost      int64     `json:"total_cost"`
	Fee            int64     `json:"fee"`
	SellerProceeds int64     `json:"seller_proceeds"`
	Remaining      int64     `json:"remaining"`
	Timestamp      time.Time `json:"timestamp"`
}

func (r Receipt) event(world string) models.SaleEvent {
	return models.SaleEvent{
		SaleID:       r.SaleID,
		World:        world,
		ListingID:    r.ListingID,
		OrderSlot:    r.OrderSlot,
		BuyerID:      r.BuyerID,
		SellerID:     r.SellerID,
		ItemKind:     r.ItemKind,
		Quantity:     r.Quantity,
		PricePerUnit: r.PricePerUnit,
		TotalCost:    r.TotalCost,
		Fee:          r.Fee,
		Timestamp:    r.Timestamp,
	}
}

// Purchase buys up to quantity units from a listing, paying from the bank
// or from the coins carried in the inventory.
//
// Payment is taken before the listing is touched. When the listing drained
// between the lookup and the decrement, the unpaid part is refunded and the
// purchase either settles the remainder or fails with ErrListingNotFound.
// Goods always go to the buyer's collection box.
func (w *World) Purchase(buyer string, listingID, quantity int64, funding models.Destination) (Receipt, error) {
	if funding == "" {
		funding = models.DestinationBank
	}
	if !funding.Valid() {
		return Receipt{}, fmt.Errorf("%w: funding %q", models.ErrInvalidParameters, funding)
	}
	now := w.clock()

	l, ok := w.ledger.Get(listingID)
	if !ok || !l.Purchasable(now) {
		return Receipt{}, fmt.Errorf("%w: id=%d", models.ErrListingNotFound, listingID)
	}
	if l.SellerID == buyer {
		return Receipt{}, models.ErrCannotBuyOwn
	}
	if quantity > l.Quantity {
		quantity = l.Quantity
	}
	if quantity <= 0 {
		return Receipt{}, fmt.Errorf("%w: %d", models.ErrInvalidQuantity, quantity)
	}
	cost, err := models.Cost(quantity, l.PricePerUnit)
	if err != nil {
		return Receipt{}, err
	}

	wallet := w.wallet(buyer, funding)
	if !wallet.Withdraw(cost) {
		return Receipt{}, fmt.Errorf("%w: need %d coins", models.ErrInsufficientFunds, cost)
	}
	w.stats.coinsIn.Add(cost)

	taken, before, err := w.ledger.Take(listingID, quantity, now)
	if err != nil {
		w.refund(buyer, wallet, cost, listingID, now)
		return Receipt{}, err
	}
	if taken < quantity {
		w.refund(buyer, wallet, (quantity-taken)*before.PricePerUnit, listingID, now)
	}
	paid := taken * before.PricePerUnit

	w.boxes.Box(buyer).Insert(models.CollectionItem{
		ItemKind:   before.ItemKind,
		Quantity:   taken,
		ArrivedAt:  now,
		SourceNote: fmt.Sprintf("bought from listing #%d", listingID),
	})

	fee, proceeds := w.split(paid)
	w.creditSeller(before.SellerID, proceeds, fmt.Sprintf("sold %d %s from listing #%d", taken, before.ItemKind, listingID), now)
	w.history.Record(before.ItemKind, before.PricePerUnit, now)

	r := Receipt{
		SaleID:         uuid.New().String(),
		ListingID:      listingID,
		BuyerID:        buyer,
		SellerID:       before.SellerID,
		ItemKind:       before.ItemKind,
		Quantity:       taken,
		PricePerUnit:   before.PricePerUnit,
		TotalCost:      paid,
		Fee:            fee,
		SellerProceeds: proceeds,
		Remaining:      before.Quantity - taken,
		Timestamp:      now,
	}
	w.settled(r)
	return r, nil
}

// FillOrder sells up to quantity units from seller's inventory into the
// ACTIVE buy order in buyer's slot. Payment comes out of the order escrow,
// goods go to the buyer's collection box.
func (w *World) FillOrder(seller, buyer string, slot int, quantity int64) (Receipt, error) {
	if seller == buyer {
		return Receipt{}, models.ErrCannotBuyOwn
	}
	if quantity <= 0 {
		return Receipt{}, fmt.Errorf("%w: %d", models.ErrInvalidQuantity, quantity)
	}
	now := w.clock()

	order, err := w.buy.Peek(buyer, slot)
	if err != nil {
		return Receipt{}, err
	}
	if order.State != models.OrderActive {
		return Receipt{}, fmt.Errorf("%w: order is %s", models.ErrInvalidState, order.State)
	}
	if quantity > order.QuantityRemaining {
		quantity = order.QuantityRemaining
	}

	inv := w.dir.Inventory(seller)
	removed := inv.RemoveItem(order.ItemKind, quantity)
	if removed <= 0 {
		return Receipt{}, fmt.Errorf("%w: %s holds no %s", models.ErrNoItemInSlot, seller, order.ItemKind)
	}

	filled, before, err := w.buy.Fill(buyer, slot, removed)
	if err != nil {
		w.giveBack(seller, order.ItemKind, removed, now)
		return Receipt{}, err
	}
	if filled < removed {
		w.giveBack(seller, order.ItemKind, removed-filled, now)
	}
	paid := filled * before.PricePerUnit
	w.stats.coinsIn.Add(paid)

	w.boxes.Box(buyer).Insert(models.CollectionItem{
		ItemKind:   before.ItemKind,
		Quantity:   filled,
		ArrivedAt:  now,
		SourceNote: fmt.Sprintf("buy order slot %d filled by %s", slot, seller),
	})

	fee, proceeds := w.split(paid)
	w.creditSeller(seller, proceeds, fmt.Sprintf("sold %d %s into a buy order", filled, before.ItemKind), now)
	w.history.Record(before.ItemKind, before.PricePerUnit, now)

	r := Receipt{
		SaleID:         uuid.New().String(),
		OrderSlot:      slot,
		BuyerID:        buyer,
		SellerID:       seller,
		ItemKind:       before.ItemKind,
		Quantity:       filled,
		PricePerUnit:   before.PricePerUnit,
		TotalCost:      paid,
		Fee:            fee,
		SellerProceeds: proceeds,
		Remaining:      before.QuantityRemaining - filled,
		Timestamp:      now,
	}
	w.settled(r)
	return r, nil
}

// split returns the fee kept by the market and the seller's proceeds.
func (w *World) split(paid int64) (fee, proceeds int64) {
	w.mu.RLock()
	rate := w.fee
	w.mu.RUnlock()
	if rate.IsZero() || paid == 0 {
		return 0, paid
	}
	fee = decimal.NewFromInt(paid).Mul(rate).Floor().IntPart()
	return fee, paid - fee
}

// creditSeller pays proceeds to the seller's bank when configured, falling
// back to the collection box when the bank rejects the deposit.
func (w *World) creditSeller(seller string, amount int64, note string, now time.Time) {
	if amount <= 0 {
		return
	}
	w.mu.RLock()
	toBank := w.creditToBank
	w.mu.RUnlock()

	w.stats.coinsOut.Add(amount)
	if toBank && w.dir.Bank(seller).Deposit(amount) {
		return
	}
	if toBank {
		w.log.WithFields(logger.Fields{"seller": seller, "amount": amount}).Warn("bank rejected sale proceeds, queued in collection box")
	}
	w.boxes.Box(seller).Insert(models.CollectionItem{
		ItemKind:   models.CoinsKind,
		Quantity:   amount,
		ArrivedAt:  now,
		SourceNote: note,
	})
}

// wallet is the coin store of player for dest. Carried coins that cannot be
// put back land in the player's collection box.
func (w *World) wallet(player string, dest models.Destination) account.Bank {
	return account.Funding(w.dir, player, dest, func(coins int64) {
		w.log.WithFields(logger.Fields{"player": player, "coins": coins}).Warn("carried coins did not fit, queued in collection box")
		w.boxes.Box(player).Insert(models.CollectionItem{
			ItemKind:   models.CoinsKind,
			Quantity:   coins,
			ArrivedAt:  w.clock(),
			SourceNote: "returned coins",
		})
	})
}

// refund returns coins to the buyer's wallet or, when it cannot take them,
// to the buyer's collection box.
func (w *World) refund(buyer string, wallet account.Bank, amount, listingID int64, now time.Time) {
	if amount <= 0 {
		return
	}
	w.stats.coinsIn.Add(-amount)
	if wallet.Deposit(amount) {
		return
	}
	w.log.WithFields(logger.Fields{"buyer": buyer, "amount": amount, "listing_id": listingID}).Warn("refund rejected, queued in collection box")
	w.boxes.Box(buyer).Insert(models.CollectionItem{
		ItemKind:   models.CoinsKind,
		Quantity:   amount,
		ArrivedAt:  now,
		SourceNote: fmt.Sprintf("refund for listing #%d", listingID),
	})
}

// giveBack returns unsold items to the seller's inventory, or to the
// collection box when the inventory is full.
func (w *World) giveBack(seller, kind string, quantity int64, now time.Time) {
	leftover := w.dir.Inventory(seller).AddItem(kind, quantity)
	if leftover > 0 {
		w.boxes.Box(seller).Insert(models.CollectionItem{
			ItemKind:   kind,
			Quantity:   leftover,
			ArrivedAt:  now,
			SourceNote: "returned from unfilled buy order",
		})
	}
}

func (w *World) settled(r Receipt) {
	w.stats.sales.Add(1)
	w.stats.units.Add(r.Quantity)
	w.stats.fees.Add(r.Fee)

	w.log.WithFields(logger.Fields{
		"sale_id": r.SaleID,
		"buyer":   r.BuyerID,
		"seller":  r.SellerID,
		"item":    r.ItemKind,
		"qty":     r.Quantity,
		"total":   r.TotalCost,
	}).Debug("trade settled")

	if s := w.eventSink(); s != nil {
		if !s.SendSale(r.event(w.name)) {
			w.stats.droppedEvents.Add(1)
		}
	}
}

// IsStale reports whether err means the client acted on an outdated view
// and should refresh.
func IsStale(err error) bool {
	return errors.Is(err, models.ErrListingNotFound) || errors.Is(err, models.ErrItemNotFound)
}

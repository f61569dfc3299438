package exchange

import (
	"fmt"

	"gexchange/internal/collection"
	"gexchange/logger"
	"gexchange/models"
)

// CollectionPage returns one page of a player's collection box using the
// configured page size.
func (w *World) CollectionPage(player string, pageIndex int) collection.Page {
	w.mu.RLock()
	size := w.pageSize
	w.mu.RUnlock()
	return w.boxes.Box(player).Paginate(pageIndex, size)
}

// SetCollectionPreference changes where Collect delivers by default.
func (w *World) SetCollectionPreference(player string, dest models.Destination) error {
	return w.boxes.Box(player).SetPreference(dest)
}

// Collect delivers the box entry at index to dest, or to the box preference
// when dest is empty. Coins go to the bank balance or the carried purse,
// items go to bank storage or the inventory. Whatever cannot be delivered
// stays in the box at the same index and the call fails with
// ErrInventoryFull, or ErrOverflow when the bank balance would overflow.
// The returned item holds the delivered quantity.
func (w *World) Collect(player string, index int, dest models.Destination) (models.CollectionItem, error) {
	box := w.boxes.Box(player)
	if dest == "" {
		dest = box.Preference()
	}
	if !dest.Valid() {
		return models.CollectionItem{}, fmt.Errorf("%w: destination %q", models.ErrInvalidParameters, dest)
	}

	item, err := box.Collect(index)
	if err != nil {
		return models.CollectionItem{}, err
	}

	if item.IsCoins() {
		if w.wallet(player, dest).Deposit(item.Quantity) {
			return item, nil
		}
		box.Restore(index, item)
		if dest == models.DestinationBank {
			return models.CollectionItem{}, fmt.Errorf("%w: bank cannot hold %d more coins", models.ErrOverflow, item.Quantity)
		}
		return models.CollectionItem{}, fmt.Errorf("%w: no room for %d coins", models.ErrInventoryFull, item.Quantity)
	}

	store := w.dir.Inventory(player)
	if dest == models.DestinationBank {
		store = w.dir.BankStorage(player)
	}
	leftover := store.AddItem(item.ItemKind, item.Quantity)
	if leftover <= 0 {
		return item, nil
	}

	rest := item
	rest.Quantity = leftover
	box.Restore(index, rest)
	delivered := item
	delivered.Quantity = item.Quantity - leftover

	w.log.WithFields(logger.Fields{
		"player":    player,
		"item":      item.ItemKind,
		"delivered": delivered.Quantity,
		"kept":      leftover,
	}).Debug("partial collection")
	return delivered, fmt.Errorf("%w: %d %s kept in collection box", models.ErrInventoryFull, leftover, item.ItemKind)
}

// CollectAll delivers every box entry to dest, from the last index down so
// entries that stay behind keep their position. It returns what was delivered
// and the first delivery error.
func (w *World) CollectAll(player string, dest models.Destination) ([]models.CollectionItem, error) {
	box := w.boxes.Box(player)
	var (
		out      []models.CollectionItem
		firstErr error
	)
	for i := box.Len() - 1; i >= 0; i-- {
		item, err := w.Collect(player, i, dest)
		if item.Quantity > 0 {
			out = append(out, item)
		}
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return out, firstErr
}

// Package persistence saves a world's market state as an ordered YAML
// record and restores it. Loading is tolerant: unknown keys are ignored,
// missing keys default to empty, and a single malformed entry is skipped
// and logged instead of failing the whole load.
package persistence

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"gexchange/internal/buyorder"
	"gexchange/internal/exchange"
	"gexchange/internal/selloffer"
	"gexchange/logger"
	"gexchange/models"
)

// FormatVersion is written into every snapshot.
const FormatVersion = 1

// Snapshot is the persisted state of one world. Field order is the key
// order of the encoded record.
type Snapshot struct {
	Version      int              `yaml:"version"`
	World        string           `yaml:"world"`
	SavedAt      time.Time        `yaml:"saved_at"`
	NextID       int64            `yaml:"next_id"`
	Listings     []models.Listing `yaml:"listings"`
	Players      []PlayerRecord   `yaml:"players"`
	PriceHistory []PriceRecord    `yaml:"price_history"`
}

// PlayerRecord holds everything the market keeps for one player.
type PlayerRecord struct {
	ID         string           `yaml:"id"`
	Sell       selloffer.State  `yaml:"sell"`
	Buy        buyorder.State   `yaml:"buy"`
	Collection CollectionRecord `yaml:"collection"`
}

type CollectionRecord struct {
	Preference models.Destination      `yaml:"preference,omitempty"`
	Items      []models.CollectionItem `yaml:"items"`
}

// PriceRecord is the bounded price log of one item, oldest first.
type PriceRecord struct {
	ItemKind string              `yaml:"item_kind"`
	Prices   []models.PriceEntry `yaml:"prices"`
}

// Capture reads the current state of w. Components are read one after the
// other, not under one lock; trading may continue meanwhile.
func Capture(w *exchange.World) Snapshot {
	s := Snapshot{
		Version: FormatVersion,
		World:   w.Name(),
		SavedAt: time.Now().UTC(),
		NextID:  w.Ledger().NextID(),
	}
	s.Listings = w.Ledger().Snapshot()

	for _, p := range w.Players() {
		box := w.Boxes().Box(p)
		s.Players = append(s.Players, PlayerRecord{
			ID:   p,
			Sell: w.SellOffers().Export(p),
			Buy:  w.BuyOrders().Export(p),
			Collection: CollectionRecord{
				Preference: box.Preference(),
				Items:      box.Items(),
			},
		})
	}

	for _, kind := range w.History().Items() {
		s.PriceHistory = append(s.PriceHistory, PriceRecord{ItemKind: kind, Prices: w.History().Entries(kind)})
	}
	return s
}

// Encode renders s as YAML.
func (s Snapshot) Encode() ([]byte, error) {
	data, err := yaml.Marshal(s)
	if err != nil {
		return nil, fmt.Errorf("failed to encode snapshot of %s: %w", s.World, err)
	}
	return data, nil
}

// Apply loads s into w, replacing the ledger content and the state of every
// player in s. It should run before w starts trading.
func Apply(w *exchange.World, s Snapshot) {
	log := logger.GetLogger().WithComponent("persistence").WithFields(logger.Fields{"world": w.Name()})

	w.Ledger().Restore(s.Listings, s.NextID)
	for _, p := range s.Players {
		w.SellOffers().Import(p.ID, p.Sell)
		w.BuyOrders().Import(p.ID, p.Buy)
		w.Boxes().Box(p.ID).Load(p.Collection.Items, p.Collection.Preference)
		if _, err := w.BuyOrders().Orders(p.ID); err != nil {
			log.WithError(err).WithFields(logger.Fields{"player": p.ID}).Error("restored buy orders are inconsistent, player orders are frozen")
		}
	}
	for _, h := range s.PriceHistory {
		w.History().Restore(h.ItemKind, h.Prices)
	}

	log.WithFields(logger.Fields{
		"listings": len(s.Listings),
		"players":  len(s.Players),
		"items":    len(s.PriceHistory),
		"next_id":  s.NextID,
	}).Info("snapshot restored")
}

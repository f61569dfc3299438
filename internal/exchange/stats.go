package exchange

import (
	"sync/atomic"
	"time"
)

type counters struct {
	sales         atomic.Int64
	units         atomic.Int64
	fees          atomic.Int64
	coinsIn       atomic.Int64
	coinsOut      atomic.Int64
	expired       atomic.Int64
	discarded     atomic.Int64
	droppedEvents atomic.Int64
}

// Stats is a point-in-time view of a world's market activity.
type Stats struct {
	World          string    `json:"world"`
	ActiveListings int       `json:"active_listings"`
	StoredListings int       `json:"stored_listings"`
	Escrowed       int64     `json:"escrowed"`
	Sales          int64     `json:"sales"`
	UnitsSold      int64     `json:"units_sold"`
	CoinsPaid      int64     `json:"coins_paid"`
	CoinsCredited  int64     `json:"coins_credited"`
	FeesCollected  int64     `json:"fees_collected"`
	Expired        int64     `json:"expired"`
	Discarded      int64     `json:"discarded"`
	DroppedEvents  int64     `json:"dropped_events"`
	Timestamp      time.Time `json:"timestamp"`
}

// Stats returns the current counters of the world.
func (w *World) Stats() Stats {
	now := w.clock()
	return Stats{
		World:          w.name,
		ActiveListings: w.ledger.CountPurchasable(now),
		StoredListings: w.ledger.Len(),
		Escrowed:       w.buy.TotalEscrowed(),
		Sales:          w.stats.sales.Load(),
		UnitsSold:      w.stats.units.Load(),
		CoinsPaid:      w.stats.coinsIn.Load(),
		CoinsCredited:  w.stats.coinsOut.Load(),
		FeesCollected:  w.stats.fees.Load(),
		Expired:        w.stats.expired.Load(),
		Discarded:      w.stats.discarded.Load(),
		DroppedEvents:  w.stats.droppedEvents.Load(),
		Timestamp:      now,
	}
}

package models

import (
	"time"
)

// CoinsKind is the item kind used for coin proceeds held in a collection box.
const CoinsKind = "coins"

// ListingState is the lifecycle state of a sell-side market entry.
type ListingState string

const (
	ListingDraft     ListingState = "draft"
	ListingActive    ListingState = "active"
	ListingDisabled  ListingState = "disabled"
	ListingCancelled ListingState = "cancelled"
	ListingExpired   ListingState = "expired"
)

// Terminal reports whether no further transition is possible from s.
func (s ListingState) Terminal() bool {
	return s == ListingCancelled || s == ListingExpired
}

// Listing represents a sell-side entry held by the market ledger
type Listing struct {
	ID           int64        `json:"id" yaml:"id"`
	SellerID     string       `json:"seller_id" yaml:"seller_id"`
	ItemKind     string       `json:"item_kind" yaml:"item_kind"`
	Category     string       `json:"category,omitempty" yaml:"category,omitempty"`
	Quantity     int64        `json:"quantity" yaml:"quantity"`
	PricePerUnit int64        `json:"price_per_unit" yaml:"price_per_unit"`
	CreatedAt    time.Time    `json:"created_at" yaml:"created_at"`
	ExpiresAt    time.Time    `json:"expires_at" yaml:"expires_at"`
	State        ListingState `json:"state" yaml:"state"`
}

// Purchasable reports whether the listing can be bought from at now.
func (l Listing) Purchasable(now time.Time) bool {
	return l.State == ListingActive && l.Quantity > 0 && !l.Expired(now)
}

// Expired reports whether the listing lifetime has elapsed at now.
func (l Listing) Expired(now time.Time) bool {
	return !l.ExpiresAt.IsZero() && !now.Before(l.ExpiresAt)
}

// SellOffer is one of a player's own sell slots. Before the first activation
// the offer holds the staged items itself; afterwards the ledger listing
// referenced by ListingID is authoritative for the quantity.
type SellOffer struct {
	Slot         int          `json:"slot" yaml:"slot"`
	ItemKind     string       `json:"item_kind" yaml:"item_kind"`
	Category     string       `json:"category,omitempty" yaml:"category,omitempty"`
	Quantity     int64        `json:"quantity" yaml:"quantity"`
	PricePerUnit int64        `json:"price_per_unit" yaml:"price_per_unit"`
	State        ListingState `json:"state" yaml:"state"`
	ListingID    int64        `json:"listing_id,omitempty" yaml:"listing_id,omitempty"`
}

// Empty reports whether the slot holds no offer.
func (o SellOffer) Empty() bool {
	return o.State == ""
}

// StagedItem is an item stack taken out of the inventory and waiting to be
// turned into a sell offer.
type StagedItem struct {
	ItemKind string `json:"item_kind" yaml:"item_kind"`
	Category string `json:"category,omitempty" yaml:"category,omitempty"`
	Quantity int64  `json:"quantity" yaml:"quantity"`
}

// OrderState is the lifecycle state of a standing buy order slot.
type OrderState string

const (
	OrderEmpty    OrderState = "empty"
	OrderActive   OrderState = "active"
	OrderDisabled OrderState = "disabled"
)

// BuyOrder is a standing offer to purchase an item, backed by escrowed coins
// while active.
type BuyOrder struct {
	Slot              int        `json:"slot" yaml:"slot"`
	ItemKind          string     `json:"item_kind" yaml:"item_kind"`
	QuantityRemaining int64      `json:"quantity_remaining" yaml:"quantity_remaining"`
	PricePerUnit      int64      `json:"price_per_unit" yaml:"price_per_unit"`
	EscrowedCoins     int64      `json:"escrowed_coins" yaml:"escrowed_coins"`
	State             OrderState `json:"state" yaml:"state"`
}

// Empty reports whether the slot holds no order.
func (o BuyOrder) Empty() bool {
	return o.State == "" || o.State == OrderEmpty
}

// CollectionItem is a settled item or coin amount waiting for pickup.
type CollectionItem struct {
	ItemKind   string    `json:"item_kind" yaml:"item_kind"`
	Quantity   int64     `json:"quantity" yaml:"quantity"`
	ArrivedAt  time.Time `json:"arrived_at" yaml:"arrived_at"`
	SourceNote string    `json:"source_note,omitempty" yaml:"source_note,omitempty"`
}

// IsCoins reports whether the item carries coin proceeds.
func (c CollectionItem) IsCoins() bool {
	return c.ItemKind == CoinsKind
}

// PriceEntry is one recorded sale price.
type PriceEntry struct {
	ItemKind  string    `json:"item_kind" yaml:"-"`
	Price     int64     `json:"price" yaml:"price"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

// Destination selects where collected goods or coins are delivered.
type Destination string

const (
	DestinationBank      Destination = "bank"
	DestinationInventory Destination = "inventory"
)

// Valid reports whether d is a known destination.
func (d Destination) Valid() bool {
	return d == DestinationBank || d == DestinationInventory
}

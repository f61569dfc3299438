package models

import (
	"time"
)

// SaleEvent describes a completed purchase or buy order fill.
type SaleEvent struct {
	SaleID       string    `json:"sale_id"`
	World        string    `json:"world"`
	ListingID    int64     `json:"listing_id,omitempty"`
	OrderSlot    int       `json:"order_slot,omitempty"`
	BuyerID      string    `json:"buyer_id"`
	SellerID     string    `json:"seller_id"`
	ItemKind     string    `json:"item_kind"`
	Quantity     int64     `json:"quantity"`
	PricePerUnit int64     `json:"price_per_unit"`
	TotalCost    int64     `json:"total_cost"`
	Fee          int64     `json:"fee"`
	Timestamp    time.Time `json:"timestamp"`
}

// ExpiryEvent describes a listing removed by the expiration sweep.
type ExpiryEvent struct {
	World            string    `json:"world"`
	ListingID        int64     `json:"listing_id"`
	SellerID         string    `json:"seller_id"`
	ItemKind         string    `json:"item_kind"`
	ReturnedQuantity int64     `json:"returned_quantity"`
	Discarded        bool      `json:"discarded"`
	Timestamp        time.Time `json:"timestamp"`
}

// SalesBatch groups sale events of one item for archiving.
type SalesBatch struct {
	BatchID     string      `json:"batch_id"`
	World       string      `json:"world"`
	ItemKind    string      `json:"item_kind"`
	Entries     []SaleEvent `json:"entries"`
	RecordCount int         `json:"record_count"`
	Timestamp   time.Time   `json:"timestamp"`
}

package ledger

import (
	"sort"
	"strings"
	"time"

	"gexchange/models"
)

// SortOrder selects the ordering of a query result.
type SortOrder string

const (
	SortPriceAsc     SortOrder = "price_asc"
	SortPriceDesc    SortOrder = "price_desc"
	SortQuantityDesc SortOrder = "quantity_desc"
	SortExpiryAsc    SortOrder = "expiry_asc"
)

const (
	DefaultPageLimit = 50
	MaxPageLimit     = 100
)

// Filter restricts a query to matching listings. Zero values disable a
// criterion.
type Filter struct {
	Name        string `json:"name,omitempty"`
	Category    string `json:"category,omitempty"`
	SellerID    string `json:"seller_id,omitempty"`
	MinPrice    int64  `json:"min_price,omitempty"`
	MaxPrice    int64  `json:"max_price,omitempty"`
	MinQuantity int64  `json:"min_quantity,omitempty"`
}

func (f Filter) match(l models.Listing) bool {
	if f.Name != "" && !strings.Contains(strings.ToLower(l.ItemKind), strings.ToLower(f.Name)) {
		return false
	}
	if f.Category != "" && f.Category != "all" && l.Category != f.Category {
		return false
	}
	if f.SellerID != "" && l.SellerID != f.SellerID {
		return false
	}
	if f.MinPrice > 0 && l.PricePerUnit < f.MinPrice {
		return false
	}
	if f.MaxPrice > 0 && l.PricePerUnit > f.MaxPrice {
		return false
	}
	if f.MinQuantity > 0 && l.Quantity < f.MinQuantity {
		return false
	}
	return true
}

// Page is an offset window over a query result.
type Page struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

// Result is one page of listings plus the total number of matches.
type Result struct {
	Listings []models.Listing `json:"listings"`
	Total    int              `json:"total"`
	Offset   int              `json:"offset"`
	Limit    int              `json:"limit"`
}

// QueryActive filters, sorts and pages the purchasable listings at now. The
// result is built from a fresh snapshot, so consecutive pages may overlap or
// skip entries when the ledger changes between calls.
func (lg *Ledger) QueryActive(f Filter, order SortOrder, p Page, now time.Time) Result {
	var matches []models.Listing
	for _, l := range lg.Snapshot() {
		if l.Purchasable(now) && f.match(l) {
			matches = append(matches, l)
		}
	}
	sortListings(matches, order)

	limit := p.Limit
	if limit <= 0 || limit > MaxPageLimit {
		limit = DefaultPageLimit
	}
	offset := p.Offset
	if offset < 0 {
		offset = 0
	}

	res := Result{Total: len(matches), Offset: offset, Limit: limit, Listings: []models.Listing{}}
	if offset >= len(matches) {
		return res
	}
	end := offset + limit
	if end > len(matches) {
		end = len(matches)
	}
	res.Listings = matches[offset:end]
	return res
}

func sortListings(ls []models.Listing, order SortOrder) {
	var less func(a, b models.Listing) bool
	switch order {
	case SortPriceDesc:
		less = func(a, b models.Listing) bool { return a.PricePerUnit > b.PricePerUnit }
	case SortQuantityDesc:
		less = func(a, b models.Listing) bool { return a.Quantity > b.Quantity }
	case SortExpiryAsc:
		less = func(a, b models.Listing) bool {
			if a.ExpiresAt.IsZero() {
				return false
			}
			return b.ExpiresAt.IsZero() || a.ExpiresAt.Before(b.ExpiresAt)
		}
	default:
		less = func(a, b models.Listing) bool { return a.PricePerUnit < b.PricePerUnit }
	}
	// ties resolve by ID so paging is deterministic over an unchanged ledger
	sort.SliceStable(ls, func(i, j int) bool {
		if less(ls[i], ls[j]) {
			return true
		}
		if less(ls[j], ls[i]) {
			return false
		}
		return ls[i].ID < ls[j].ID
	})
}

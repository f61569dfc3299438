// Package collection holds settled purchases, sale proceeds and returned
// goods per player until the player picks them up.
package collection

import (
	"fmt"
	"sort"
	"sync"

	"gexchange/models"
)

// DefaultPageSize is used when a page size of 0 or less is requested.
const DefaultPageSize = 8

// Box is one player's collection queue. Items are appended at the end and
// leave only when collected. It is safe for concurrent use.
type Box struct {
	mu         sync.Mutex
	items      []models.CollectionItem
	preference models.Destination
}

// NewBox creates an empty box delivering to the bank by default.
func NewBox() *Box {
	return &Box{preference: models.DestinationBank}
}

// Insert appends item and returns its index.
func (b *Box) Insert(item models.CollectionItem) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append(b.items, item)
	return len(b.items) - 1
}

// Len returns the number of waiting items.
func (b *Box) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.items)
}

// Items returns a copy of every waiting item in index order.
func (b *Box) Items() []models.CollectionItem {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.CollectionItem, len(b.items))
	copy(out, b.items)
	return out
}

// Collect removes and returns the item at index.
func (b *Box) Collect(index int) (models.CollectionItem, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if index < 0 || index >= len(b.items) {
		return models.CollectionItem{}, fmt.Errorf("%w: index=%d", models.ErrItemNotFound, index)
	}
	item := b.items[index]
	b.items = append(b.items[:index], b.items[index+1:]...)
	return item, nil
}

// CollectMany removes the items at indices, processing them from the highest
// index down so earlier removals do not shift later ones. Unknown or repeated
// indices are skipped. The result follows the descending processing order.
func (b *Box) CollectMany(indices []int) []models.CollectionItem {
	sorted := append([]int(nil), indices...)
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))

	b.mu.Lock()
	defer b.mu.Unlock()

	var out []models.CollectionItem
	last := -1
	for _, idx := range sorted {
		if idx == last || idx < 0 || idx >= len(b.items) {
			continue
		}
		last = idx
		out = append(out, b.items[idx])
		b.items = append(b.items[:idx], b.items[idx+1:]...)
	}
	return out
}

// Restore puts an item back at index after a failed delivery. An index past
// the end appends.
func (b *Box) Restore(index int, item models.CollectionItem) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if index < 0 {
		index = 0
	}
	if index >= len(b.items) {
		b.items = append(b.items, item)
		return
	}
	b.items = append(b.items, models.CollectionItem{})
	copy(b.items[index+1:], b.items[index:])
	b.items[index] = item
}

// Page is one window of a box.
type Page struct {
	Items      []models.CollectionItem `json:"items"`
	PageIndex  int                     `json:"page_index"`
	PageSize   int                     `json:"page_size"`
	TotalItems int                     `json:"total_items"`
	TotalPages int                     `json:"total_pages"`
}

// Paginate returns page pageIndex (0 based) of size pageSize.
func (b *Box) Paginate(pageIndex, pageSize int) Page {
	if pageSize <= 0 {
		pageSize = DefaultPageSize
	}
	if pageIndex < 0 {
		pageIndex = 0
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	total := len(b.items)
	p := Page{
		PageIndex:  pageIndex,
		PageSize:   pageSize,
		TotalItems: total,
		TotalPages: (total + pageSize - 1) / pageSize,
		Items:      []models.CollectionItem{},
	}
	start := pageIndex * pageSize
	if start >= total {
		return p
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	p.Items = append(p.Items, b.items[start:end]...)
	return p
}

// Preference returns where collected items are delivered by default.
func (b *Box) Preference() models.Destination {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.preference
}

// SetPreference changes the default delivery destination.
func (b *Box) SetPreference(d models.Destination) error {
	if !d.Valid() {
		return fmt.Errorf("%w: destination %q", models.ErrInvalidParameters, d)
	}
	b.mu.Lock()
	b.preference = d
	b.mu.Unlock()
	return nil
}

// Load replaces the content of the box.
func (b *Box) Load(items []models.CollectionItem, pref models.Destination) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.items = append([]models.CollectionItem(nil), items...)
	if pref.Valid() {
		b.preference = pref
	}
}

// Registry maps players to their boxes.
type Registry struct {
	boxes sync.Map // player -> *Box
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Box returns the box of player, creating it on first use.
func (r *Registry) Box(player string) *Box {
	if v, ok := r.boxes.Load(player); ok {
		return v.(*Box)
	}
	v, _ := r.boxes.LoadOrStore(player, NewBox())
	return v.(*Box)
}

// Players lists every player owning a box, sorted.
func (r *Registry) Players() []string {
	var out []string
	r.boxes.Range(func(k, _ any) bool {
		out = append(out, k.(string))
		return true
	})
	sort.Strings(out)
	return out
}

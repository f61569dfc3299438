package collection

import (
	"errors"
	"testing"
	"time"

	"gexchange/models"
)

func item(kind string, qty int64) models.CollectionItem {
	return models.CollectionItem{ItemKind: kind, Quantity: qty, ArrivedAt: time.Unix(0, 0)}
}

func kinds(items []models.CollectionItem) []string {
	out := make([]string, len(items))
	for i, it := range items {
		out[i] = it.ItemKind
	}
	return out
}

func TestCollectRemovesByIndex(t *testing.T) {
	b := NewBox()
	for _, k := range []string{"a", "b", "c"} {
		b.Insert(item(k, 1))
	}
	got, err := b.Collect(1)
	if err != nil || got.ItemKind != "b" {
		t.Fatalf("collect(1) = %+v, %v", got, err)
	}
	if k := kinds(b.Items()); len(k) != 2 || k[0] != "a" || k[1] != "c" {
		t.Fatalf("unexpected remaining items %v", k)
	}
	if _, err := b.Collect(5); !errors.Is(err, models.ErrItemNotFound) {
		t.Fatalf("expected ErrItemNotFound, got %v", err)
	}
}

func TestCollectManyDescending(t *testing.T) {
	b := NewBox()
	for _, k := range []string{"a", "b", "c", "d", "e"} {
		b.Insert(item(k, 1))
	}
	got := b.CollectMany([]int{1, 3, 3, 9, 0})
	if k := kinds(got); len(k) != 3 || k[0] != "d" || k[1] != "b" || k[2] != "a" {
		t.Fatalf("unexpected collected order %v", k)
	}
	if k := kinds(b.Items()); len(k) != 2 || k[0] != "c" || k[1] != "e" {
		t.Fatalf("unexpected remaining items %v", k)
	}
}

func TestRestoreKeepsPosition(t *testing.T) {
	b := NewBox()
	for _, k := range []string{"a", "b", "c"} {
		b.Insert(item(k, 1))
	}
	got, _ := b.Collect(1)
	b.Restore(1, got)
	if k := kinds(b.Items()); k[0] != "a" || k[1] != "b" || k[2] != "c" {
		t.Fatalf("item not restored in place: %v", k)
	}
	b.Restore(10, item("z", 1))
	if k := kinds(b.Items()); k[3] != "z" {
		t.Fatalf("restore past the end must append: %v", k)
	}
}

func TestPaginate(t *testing.T) {
	b := NewBox()
	for i := 0; i < 10; i++ {
		b.Insert(item("x", int64(i)))
	}
	p := b.Paginate(2, 4)
	if p.TotalItems != 10 || p.TotalPages != 3 || len(p.Items) != 2 || p.Items[0].Quantity != 8 {
		t.Fatalf("unexpected page %+v", p)
	}
	if empty := b.Paginate(5, 4); len(empty.Items) != 0 || empty.TotalPages != 3 {
		t.Fatalf("page past the end must be empty: %+v", empty)
	}
	if d := NewBox().Paginate(0, 0); d.PageSize != DefaultPageSize || d.TotalPages != 0 {
		t.Fatalf("unexpected default page %+v", d)
	}
}

func TestPreference(t *testing.T) {
	b := NewBox()
	if b.Preference() != models.DestinationBank {
		t.Fatalf("expected bank by default")
	}
	if err := b.SetPreference("vault"); !errors.Is(err, models.ErrInvalidParameters) {
		t.Fatalf("expected ErrInvalidParameters, got %v", err)
	}
	if err := b.SetPreference(models.DestinationInventory); err != nil || b.Preference() != models.DestinationInventory {
		t.Fatalf("preference not updated: %v", err)
	}
}

func TestRegistryReturnsSameBox(t *testing.T) {
	r := NewRegistry()
	r.Box("bob").Insert(item("x", 1))
	r.Box("alice")
	if r.Box("bob").Len() != 1 {
		t.Fatalf("expected the same box per player")
	}
	if p := r.Players(); len(p) != 2 || p[0] != "alice" {
		t.Fatalf("unexpected players %v", p)
	}
}

package pricehistory

import (
	"sync"
	"testing"
	"time"

	"gexchange/models"
)

func TestRecordEvictsOldestFirst(t *testing.T) {
	h := New(3)
	base := time.Unix(0, 0)
	for i := int64(1); i <= 5; i++ {
		h.Record("sword", i*10, base.Add(time.Duration(i)*time.Second))
	}
	entries := h.Entries("sword")
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i, want := range []int64{30, 40, 50} {
		if entries[i].Price != want {
			t.Fatalf("entry %d: expected %d, got %d", i, want, entries[i].Price)
		}
	}
}

func TestDefaultLimit(t *testing.T) {
	h := New(0)
	for i := 0; i < DefaultLimit+25; i++ {
		h.Record("wood", int64(i), time.Unix(int64(i), 0))
	}
	entries := h.Entries("wood")
	if len(entries) != DefaultLimit {
		t.Fatalf("expected %d entries, got %d", DefaultLimit, len(entries))
	}
	if entries[0].Price != 25 {
		t.Fatalf("expected oldest retained price 25, got %d", entries[0].Price)
	}
}

func TestEntriesReturnsCopy(t *testing.T) {
	h := New(10)
	h.Record("sword", 50, time.Unix(1, 0))
	entries := h.Entries("sword")
	entries[0].Price = 999
	if got := h.Entries("sword")[0].Price; got != 50 {
		t.Fatalf("history mutated through returned slice: %d", got)
	}
}

func TestPriceGuide(t *testing.T) {
	h := New(10)
	if _, ok := h.Latest("ore"); ok {
		t.Fatalf("expected no latest price for unknown item")
	}
	for _, p := range []int64{10, 20, 31} {
		h.Record("ore", p, time.Unix(p, 0))
	}
	latest, _ := h.Latest("ore")
	if latest.Price != 31 {
		t.Fatalf("expected latest 31, got %d", latest.Price)
	}
	avg, _ := h.Average("ore")
	if avg != 20 {
		t.Fatalf("expected average 20, got %d", avg)
	}
	low, high, _ := h.Range("ore")
	if low != 10 || high != 31 {
		t.Fatalf("expected range 10..31, got %d..%d", low, high)
	}
}

func TestRestoreTrimsToLimit(t *testing.T) {
	h := New(2)
	h.Restore("gem", []models.PriceEntry{{Price: 1}, {Price: 2}, {Price: 3}})
	entries := h.Entries("gem")
	if len(entries) != 2 || entries[0].Price != 2 || entries[1].ItemKind != "gem" {
		t.Fatalf("unexpected restored entries: %+v", entries)
	}
	if items := h.Items(); len(items) != 1 || items[0] != "gem" {
		t.Fatalf("unexpected items: %v", items)
	}
}

func TestConcurrentRecord(t *testing.T) {
	h := New(50)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				h.Record("arrow", int64(i), time.Unix(int64(i), 0))
			}
		}()
	}
	wg.Wait()
	if n := len(h.Entries("arrow")); n != 50 {
		t.Fatalf("expected 50 entries, got %d", n)
	}
}

package ledger

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"gexchange/models"
)

var t0 = time.Unix(1_000_000, 0)

func mustCreate(t *testing.T, lg *Ledger, l models.Listing) models.Listing {
	t.Helper()
	if l.ExpiresAt.IsZero() {
		l.ExpiresAt = t0.Add(time.Hour)
	}
	out, err := lg.Create(l)
	if err != nil {
		t.Fatalf("create listing: %v", err)
	}
	return out
}

func TestCreateListingValidation(t *testing.T) {
	lg := New()
	cases := []struct {
		qty, price int64
	}{
		{0, 10}, {-1, 10}, {5, 0}, {5, -3},
	}
	for _, c := range cases {
		if _, err := lg.CreateListing("alice", "sword", c.qty, c.price); !errors.Is(err, models.ErrInvalidParameters) {
			t.Fatalf("qty=%d price=%d: expected ErrInvalidParameters, got %v", c.qty, c.price, err)
		}
	}
	if lg.Len() != 0 {
		t.Fatalf("rejected listings must not be stored")
	}
}

func TestIDsAreNeverReused(t *testing.T) {
	lg := New()
	a, _ := lg.CreateListing("alice", "sword", 1, 10)
	if !lg.Remove(a.ID) {
		t.Fatalf("expected remove to succeed")
	}
	if lg.Remove(a.ID) {
		t.Fatalf("second remove must report false")
	}
	b, _ := lg.CreateListing("alice", "sword", 1, 10)
	if b.ID <= a.ID {
		t.Fatalf("expected fresh id above %d, got %d", a.ID, b.ID)
	}
	if _, ok := lg.Get(a.ID); ok {
		t.Fatalf("stale id must not resolve")
	}
}

func TestGetReturnsCopy(t *testing.T) {
	lg := New()
	l := mustCreate(t, lg, models.Listing{SellerID: "alice", ItemKind: "sword", Quantity: 10, PricePerUnit: 50})
	got, _ := lg.Get(l.ID)
	got.Quantity = 1
	again, _ := lg.Get(l.ID)
	if again.Quantity != 10 {
		t.Fatalf("ledger mutated through copy: %d", again.Quantity)
	}
}

func TestTakeClampsAndRemovesAtZero(t *testing.T) {
	lg := New()
	l := mustCreate(t, lg, models.Listing{SellerID: "alice", ItemKind: "sword", Quantity: 10, PricePerUnit: 50})

	n, before, err := lg.Take(l.ID, 4, t0)
	if err != nil || n != 4 || before.Quantity != 10 {
		t.Fatalf("take 4: n=%d before=%d err=%v", n, before.Quantity, err)
	}
	cur, _ := lg.Get(l.ID)
	if cur.Quantity != 6 {
		t.Fatalf("expected 6 remaining, got %d", cur.Quantity)
	}

	n, _, err = lg.Take(l.ID, 100, t0)
	if err != nil || n != 6 {
		t.Fatalf("take rest: n=%d err=%v", n, err)
	}
	if _, ok := lg.Get(l.ID); ok {
		t.Fatalf("drained listing must be removed")
	}
	if _, _, err := lg.Take(l.ID, 1, t0); !errors.Is(err, models.ErrListingNotFound) {
		t.Fatalf("expected ErrListingNotFound, got %v", err)
	}
}

func TestTakeRejectsUnpurchasable(t *testing.T) {
	lg := New()
	disabled := mustCreate(t, lg, models.Listing{SellerID: "a", ItemKind: "x", Quantity: 1, PricePerUnit: 1, State: models.ListingDisabled})
	expired := mustCreate(t, lg, models.Listing{SellerID: "a", ItemKind: "x", Quantity: 1, PricePerUnit: 1, ExpiresAt: t0})

	for _, id := range []int64{disabled.ID, expired.ID} {
		if _, _, err := lg.Take(id, 1, t0); !errors.Is(err, models.ErrListingNotFound) {
			t.Fatalf("listing %d: expected ErrListingNotFound, got %v", id, err)
		}
	}
}

func TestCountPurchasable(t *testing.T) {
	lg := New()
	mustCreate(t, lg, models.Listing{SellerID: "a", ItemKind: "x", Quantity: 1, PricePerUnit: 1})
	mustCreate(t, lg, models.Listing{SellerID: "a", ItemKind: "x", Quantity: 1, PricePerUnit: 1, State: models.ListingDisabled})
	mustCreate(t, lg, models.Listing{SellerID: "a", ItemKind: "x", Quantity: 1, PricePerUnit: 1, ExpiresAt: t0})

	if n := lg.CountPurchasable(t0); n != 1 {
		t.Fatalf("expected 1 purchasable listing, got %d", n)
	}
	if n := lg.Len(); n != 3 {
		t.Fatalf("expected 3 stored listings, got %d", n)
	}
}

func TestConcurrentTakeNeverOversells(t *testing.T) {
	lg := New()
	l := mustCreate(t, lg, models.Listing{SellerID: "alice", ItemKind: "ore", Quantity: 100, PricePerUnit: 3})

	var sold atomic.Int64
	var wg sync.WaitGroup
	for g := 0; g < 16; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 10; i++ {
				n, _, err := lg.Take(l.ID, 7, t0)
				if err == nil {
					sold.Add(n)
				}
			}
		}()
	}
	wg.Wait()

	if sold.Load() != 100 {
		t.Fatalf("expected exactly 100 sold, got %d", sold.Load())
	}
	if _, ok := lg.Get(l.ID); ok {
		t.Fatalf("listing must be gone once sold out")
	}
}

func TestUpdateRejectsNegativeQuantity(t *testing.T) {
	lg := New()
	l := mustCreate(t, lg, models.Listing{SellerID: "a", ItemKind: "x", Quantity: 2, PricePerUnit: 1})
	_, err := lg.Update(l.ID, func(cur *models.Listing) error {
		cur.Quantity = -1
		return nil
	})
	if !errors.Is(err, models.ErrInvariantViolation) {
		t.Fatalf("expected ErrInvariantViolation, got %v", err)
	}
	cur, _ := lg.Get(l.ID)
	if cur.Quantity != 2 {
		t.Fatalf("failed update must not change the listing")
	}
}

func TestExpireIsIdempotent(t *testing.T) {
	lg := New()
	l := mustCreate(t, lg, models.Listing{SellerID: "a", ItemKind: "x", Quantity: 3, PricePerUnit: 1, ExpiresAt: t0.Add(time.Minute)})

	if _, ok := lg.Expire(l.ID, t0); ok {
		t.Fatalf("listing must not expire early")
	}
	final, ok := lg.Expire(l.ID, t0.Add(time.Minute))
	if !ok || final.State != models.ListingExpired || final.Quantity != 3 {
		t.Fatalf("unexpected expire result: %+v ok=%v", final, ok)
	}
	if _, ok := lg.Expire(l.ID, t0.Add(time.Hour)); ok {
		t.Fatalf("second expire must be a no-op")
	}
}

func TestRestoreAdvancesCounter(t *testing.T) {
	lg := New()
	lg.Restore([]models.Listing{
		{ID: 4, SellerID: "a", ItemKind: "x", Quantity: 1, PricePerUnit: 1, State: models.ListingActive},
		{ID: 9, SellerID: "a", ItemKind: "y", Quantity: 1, PricePerUnit: 1, State: models.ListingDisabled},
	}, 7)
	if lg.NextID() != 10 {
		t.Fatalf("expected next id 10, got %d", lg.NextID())
	}

	lg2 := New()
	lg2.Restore(nil, 42)
	if lg2.NextID() != 42 {
		t.Fatalf("expected next id 42, got %d", lg2.NextID())
	}
}

func TestQueryActive(t *testing.T) {
	lg := New()
	mk := func(seller, kind, cat string, qty, price int64, ttl time.Duration) {
		mustCreate(t, lg, models.Listing{SellerID: seller, ItemKind: kind, Category: cat, Quantity: qty, PricePerUnit: price, ExpiresAt: t0.Add(ttl)})
	}
	mk("alice", "Iron Sword", "weapons", 5, 120, time.Hour)
	mk("bob", "Bronze Sword", "weapons", 20, 40, 2*time.Hour)
	mk("carol", "Oak Logs", "resources", 300, 4, 30*time.Minute)
	mk("alice", "Steel Sword", "weapons", 1, 500, time.Minute)
	mustCreate(t, lg, models.Listing{SellerID: "dave", ItemKind: "Rune Sword", Quantity: 1, PricePerUnit: 900, State: models.ListingDisabled})

	res := lg.QueryActive(Filter{Name: "sword"}, SortPriceAsc, Page{}, t0)
	if res.Total != 3 {
		t.Fatalf("expected 3 active swords, got %d", res.Total)
	}
	if res.Listings[0].PricePerUnit != 40 || res.Listings[2].PricePerUnit != 500 {
		t.Fatalf("unexpected price order: %+v", res.Listings)
	}

	res = lg.QueryActive(Filter{Category: "weapons", MinPrice: 100, MaxPrice: 200}, SortPriceDesc, Page{}, t0)
	if res.Total != 1 || res.Listings[0].ItemKind != "Iron Sword" {
		t.Fatalf("unexpected price range result: %+v", res.Listings)
	}

	res = lg.QueryActive(Filter{}, SortQuantityDesc, Page{Limit: 2}, t0)
	if res.Total != 4 || len(res.Listings) != 2 || res.Listings[0].ItemKind != "Oak Logs" {
		t.Fatalf("unexpected quantity page: %+v", res)
	}

	res = lg.QueryActive(Filter{SellerID: "alice"}, SortExpiryAsc, Page{}, t0)
	if res.Total != 2 || res.Listings[0].ItemKind != "Steel Sword" {
		t.Fatalf("unexpected expiry order: %+v", res.Listings)
	}

	res = lg.QueryActive(Filter{MinQuantity: 10}, SortPriceAsc, Page{Offset: 5}, t0)
	if res.Total != 2 || len(res.Listings) != 0 {
		t.Fatalf("offset past end must return an empty page: %+v", res)
	}

	// half an hour later the steel sword has expired
	res = lg.QueryActive(Filter{Name: "SWORD"}, SortPriceAsc, Page{}, t0.Add(time.Hour/2))
	if res.Total != 2 {
		t.Fatalf("expired listings must not be returned, got %d", res.Total)
	}
}

package channel

import (
	"context"
	"testing"
	"time"

	"gexchange/models"
)

func TestSendSaleFansOut(t *testing.T) {
	c := NewChannels(1, 1)
	ev := models.SaleEvent{SaleID: "s1", ItemKind: "sword"}

	if !c.SendSale(ev) {
		t.Fatalf("first sale must be delivered")
	}
	if got := <-c.Archive; got.SaleID != "s1" {
		t.Fatalf("archive got %+v", got)
	}
	if c.SendSale(ev) {
		t.Fatalf("full feed buffer must report a drop")
	}
	stats := c.GetStats()
	if stats.ArchiveSent != 2 || stats.FeedSent != 1 || stats.FeedDropped != 1 {
		t.Fatalf("unexpected stats %+v", stats)
	}
}

func TestSendExpiryDropsWhenFull(t *testing.T) {
	c := NewChannels(1, 1)
	if !c.SendExpiry(models.ExpiryEvent{ListingID: 1}) {
		t.Fatalf("first expiry must be delivered")
	}
	if c.SendExpiry(models.ExpiryEvent{ListingID: 2}) {
		t.Fatalf("second expiry must be dropped")
	}
	if s := c.GetStats(); s.ExpirySent != 1 || s.ExpiryDropped != 1 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestCloseIsSafe(t *testing.T) {
	c := NewChannels(1, 1)
	ctx, cancel := context.WithCancel(context.Background())
	c.StartMetricsReporting(ctx, time.Millisecond)
	time.Sleep(5 * time.Millisecond)
	cancel()

	c.Close()
	c.Close()
	if c.SendSale(models.SaleEvent{}) || c.SendExpiry(models.ExpiryEvent{}) {
		t.Fatalf("sends after close must be dropped")
	}
	if _, ok := <-c.Archive; ok {
		t.Fatalf("archive channel must be closed")
	}
}

// Package expiry periodically removes listings whose lifetime has elapsed and
// hands their unsold quantity back to the seller's collection box.
package expiry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gexchange/internal/collection"
	"gexchange/internal/ledger"
	"gexchange/logger"
	"gexchange/models"
)

// DefaultInterval is the sweep period used when none is configured.
const DefaultInterval = 5 * time.Minute

// Scheduler sweeps one world's ledger on a fixed period. Missed ticks are not
// compensated; every sweep covers all listings expired by then.
type Scheduler struct {
	world         string
	ledger        *ledger.Ledger
	boxes         *collection.Registry
	interval      time.Duration
	returnExpired bool
	now           func() time.Time
	onExpire      func(models.ExpiryEvent)

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Entry
}

// New creates a scheduler. onExpire, when set, receives one event per
// expired listing.
func New(world string, lg *ledger.Ledger, boxes *collection.Registry, interval time.Duration, returnExpired bool, now func() time.Time, onExpire func(models.ExpiryEvent)) *Scheduler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		world:         world,
		ledger:        lg,
		boxes:         boxes,
		interval:      interval,
		returnExpired: returnExpired,
		now:           now,
		onExpire:      onExpire,
		log:           logger.GetLogger().WithComponent("expiry").WithFields(logger.Fields{"world": world}),
	}
}

// Interval returns the sweep period.
func (s *Scheduler) Interval() time.Duration {
	return s.interval
}

// Start launches the sweep worker.
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return fmt.Errorf("expiry scheduler already running")
	}
	s.running = true
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.wg.Add(1)
	go s.worker()

	s.log.WithFields(logger.Fields{"interval": s.interval.String()}).Info("expiry scheduler started")
	return nil
}

// Stop halts the worker and waits for an in-flight sweep to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	s.wg.Wait()
	s.log.Info("expiry scheduler stopped")
}

func (s *Scheduler) worker() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.now())
		}
	}
}

// Sweep expires every listing with now ≥ expiresAt. It is safe to call
// concurrently with trading and with itself: each listing expires once.
func (s *Scheduler) Sweep(now time.Time) []models.ExpiryEvent {
	start := time.Now()
	var events []models.ExpiryEvent

	for _, l := range s.ledger.Snapshot() {
		if !l.Expired(now) {
			continue
		}
		final, ok := s.ledger.Expire(l.ID, now)
		if !ok {
			continue
		}

		ev := models.ExpiryEvent{
			World:     s.world,
			ListingID: final.ID,
			SellerID:  final.SellerID,
			ItemKind:  final.ItemKind,
			Timestamp: now,
		}
		if final.Quantity > 0 {
			if s.returnExpired {
				s.boxes.Box(final.SellerID).Insert(models.CollectionItem{
					ItemKind:   final.ItemKind,
					Quantity:   final.Quantity,
					ArrivedAt:  now,
					SourceNote: fmt.Sprintf("unsold from expired listing #%d", final.ID),
				})
				ev.ReturnedQuantity = final.Quantity
			} else {
				ev.Discarded = true
				s.log.WithFields(logger.Fields{
					"listing_id": final.ID,
					"seller":     final.SellerID,
					"item":       final.ItemKind,
					"quantity":   final.Quantity,
				}).Warn("discarding unsold quantity of expired listing")
			}
		}
		events = append(events, ev)
		if s.onExpire != nil {
			s.onExpire(ev)
		}
	}

	if len(events) > 0 {
		logger.LogPerformanceEntry(s.log, "expiry", "sweep", time.Since(start), logger.Fields{"expired": len(events)})
	}
	return events
}

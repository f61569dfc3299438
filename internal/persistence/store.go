package persistence

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"gexchange/internal/exchange"
	"gexchange/internal/storage"
	"gexchange/logger"
)

// Store saves and loads world snapshots in an object store, one object per
// world under prefix.
type Store struct {
	objects storage.ObjectStore
	prefix  string
}

func NewStore(objects storage.ObjectStore, prefix string) *Store {
	return &Store{objects: objects, prefix: prefix}
}

func (s *Store) key(world string) string {
	return path.Join(s.prefix, world+".yml")
}

// Save captures w and writes it.
func (s *Store) Save(ctx context.Context, w *exchange.World) error {
	start := time.Now()
	snap := Capture(w)
	data, err := snap.Encode()
	if err != nil {
		return err
	}
	if err := s.objects.Put(ctx, s.key(w.Name()), data, "application/yaml"); err != nil {
		return fmt.Errorf("failed to save world %s: %w", w.Name(), err)
	}
	logger.LogPerformanceEntry(logger.GetLogger().WithComponent("persistence"), "persistence", "save", time.Since(start), logger.Fields{
		"world":    w.Name(),
		"listings": len(snap.Listings),
		"bytes":    len(data),
	})
	return nil
}

// Load restores w from its saved snapshot. It returns false without error
// when no snapshot exists yet.
func (s *Store) Load(ctx context.Context, w *exchange.World) (bool, error) {
	data, err := s.objects.Get(ctx, s.key(w.Name()))
	if errors.Is(err, storage.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read snapshot of %s: %w", w.Name(), err)
	}
	snap, skipped, err := Decode(data)
	if err != nil {
		return false, fmt.Errorf("world %s: %w", w.Name(), err)
	}
	LogSkipped(w.Name(), skipped)
	if snap.Version > FormatVersion {
		logger.GetLogger().WithComponent("persistence").WithFields(logger.Fields{
			"world":   w.Name(),
			"version": snap.Version,
		}).Warn("snapshot written by a newer format version, unknown fields ignored")
	}
	Apply(w, snap)
	return true, nil
}

// Autosaver saves a set of worlds on a fixed period and once more on Stop.
type Autosaver struct {
	store    *Store
	worlds   []*exchange.World
	interval time.Duration

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Entry
}

func NewAutosaver(store *Store, interval time.Duration, worlds ...*exchange.World) *Autosaver {
	return &Autosaver{
		store:    store,
		worlds:   worlds,
		interval: interval,
		log:      logger.GetLogger().WithComponent("autosave"),
	}
}

func (a *Autosaver) Start(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		return fmt.Errorf("autosaver already running")
	}
	if a.interval <= 0 {
		return fmt.Errorf("autosave interval must be greater than 0")
	}
	a.running = true
	a.ctx, a.cancel = context.WithCancel(ctx)

	a.wg.Add(1)
	go a.worker()
	a.log.WithFields(logger.Fields{"interval": a.interval.String(), "worlds": len(a.worlds)}).Info("autosaver started")
	return nil
}

// Stop halts the worker and performs a final save.
func (a *Autosaver) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	a.running = false
	a.cancel()
	a.mu.Unlock()

	a.wg.Wait()
	a.SaveAll(context.Background())
	a.log.Info("autosaver stopped")
}

func (a *Autosaver) worker() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.SaveAll(a.ctx)
		}
	}
}

// SaveAll saves every world and returns the number of failures.
func (a *Autosaver) SaveAll(ctx context.Context) int {
	failed := 0
	for _, w := range a.worlds {
		if err := a.store.Save(ctx, w); err != nil {
			failed++
			a.log.WithError(err).WithFields(logger.Fields{"world": w.Name()}).Error("autosave failed")
		}
	}
	return failed
}

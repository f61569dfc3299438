// Package channel carries market events from the worlds to the archive
// writer and the live feed. Sends never block: a full buffer drops the
// event and counts it.
package channel

import (
	"context"
	"sync"
	"time"

	"gexchange/logger"
	"gexchange/models"
)

type ChannelStats struct {
	ArchiveSent    int64
	ArchiveDropped int64
	FeedSent       int64
	FeedDropped    int64
	ExpirySent     int64
	ExpiryDropped  int64
}

// Channels implements exchange.EventSink. Sales go to both the archive and
// the feed channel, expiries to the expiry channel.
type Channels struct {
	Archive chan models.SaleEvent
	Feed    chan models.SaleEvent
	Expiry  chan models.ExpiryEvent

	mu         sync.RWMutex
	closed     bool
	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(saleBufferSize, expiryBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Archive: make(chan models.SaleEvent, saleBufferSize),
		Feed:    make(chan models.SaleEvent, saleBufferSize),
		Expiry:  make(chan models.ExpiryEvent, expiryBufferSize),
		log:     log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"sale_buffer_size":   saleBufferSize,
		"expiry_buffer_size": expiryBufferSize,
	}).Info("event channels initialized")
	return c
}

// SendSale offers ev to the archive and the feed. It reports whether both
// accepted it.
func (c *Channels) SendSale(ev models.SaleEvent) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}

	archived := false
	select {
	case c.Archive <- ev:
		archived = true
	default:
	}
	fed := false
	select {
	case c.Feed <- ev:
		fed = true
	default:
	}

	c.statsMutex.Lock()
	if archived {
		c.stats.ArchiveSent++
	} else {
		c.stats.ArchiveDropped++
	}
	if fed {
		c.stats.FeedSent++
	} else {
		c.stats.FeedDropped++
	}
	c.statsMutex.Unlock()
	return archived && fed
}

func (c *Channels) SendExpiry(ev models.ExpiryEvent) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return false
	}

	select {
	case c.Expiry <- ev:
		c.statsMutex.Lock()
		c.stats.ExpirySent++
		c.statsMutex.Unlock()
		return true
	default:
		c.statsMutex.Lock()
		c.stats.ExpiryDropped++
		c.statsMutex.Unlock()
		return false
	}
}

// Close closes every channel. Later sends are dropped.
func (c *Channels) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.Archive)
	close(c.Feed)
	close(c.Expiry)
	c.log.WithComponent("channels").Info("event channels closed")
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}

// StartMetricsReporting logs the channel statistics every period until ctx
// is done.
func (c *Channels) StartMetricsReporting(ctx context.Context, period time.Duration) {
	if period <= 0 {
		period = 30 * time.Second
	}
	ticker := time.NewTicker(period)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.logChannelStats()
			}
		}
	}()
}

func (c *Channels) logChannelStats() {
	stats := c.GetStats()
	c.log.WithComponent("channels").WithFields(logger.Fields{
		"archive_sent":    stats.ArchiveSent,
		"archive_dropped": stats.ArchiveDropped,
		"feed_sent":       stats.FeedSent,
		"feed_dropped":    stats.FeedDropped,
		"expiry_sent":     stats.ExpirySent,
		"expiry_dropped":  stats.ExpiryDropped,
		"archive_len":     len(c.Archive),
		"archive_cap":     cap(c.Archive),
		"feed_len":        len(c.Feed),
		"feed_cap":        cap(c.Feed),
	}).Info("channel statistics")
}

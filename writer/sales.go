// Package writer archives settled sales as parquet files, either to S3 or to
// a local directory.
package writer

import (
	"bytes"
	"context"
	"fmt"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/xitongsys/parquet-go/parquet"
	"github.com/xitongsys/parquet-go/source"
	"github.com/xitongsys/parquet-go/writer"

	"gexchange/config"
	"gexchange/internal/storage"
	"gexchange/logger"
	"gexchange/models"
)

// SaleRecord is one parquet row.
type SaleRecord struct {
	SaleID       string `parquet:"name=sale_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	World        string `parquet:"name=world, type=BYTE_ARRAY, convertedtype=UTF8"`
	ListingID    int64  `parquet:"name=listing_id, type=INT64"`
	OrderSlot    int32  `parquet:"name=order_slot, type=INT32"`
	BuyerID      string `parquet:"name=buyer_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	SellerID     string `parquet:"name=seller_id, type=BYTE_ARRAY, convertedtype=UTF8"`
	ItemKind     string `parquet:"name=item_kind, type=BYTE_ARRAY, convertedtype=UTF8"`
	Quantity     int64  `parquet:"name=quantity, type=INT64"`
	PricePerUnit int64  `parquet:"name=price_per_unit, type=INT64"`
	TotalCost    int64  `parquet:"name=total_cost, type=INT64"`
	Fee          int64  `parquet:"name=fee, type=INT64"`
	Timestamp    int64  `parquet:"name=timestamp, type=INT64"`
}

// memoryFileWriter implements source.ParquetFile over a byte buffer.
type memoryFileWriter struct {
	buffer *bytes.Buffer
}

func newMemoryFileWriter() *memoryFileWriter {
	return &memoryFileWriter{buffer: &bytes.Buffer{}}
}

func (mfw *memoryFileWriter) Create(name string) (source.ParquetFile, error) { return mfw, nil }
func (mfw *memoryFileWriter) Open(name string) (source.ParquetFile, error)   { return mfw, nil }

// Seek only reports the write position; the parquet writer never seeks back.
func (mfw *memoryFileWriter) Seek(offset int64, whence int) (int64, error) {
	return int64(mfw.buffer.Len()), nil
}

func (mfw *memoryFileWriter) Read(b []byte) (int, error)  { return mfw.buffer.Read(b) }
func (mfw *memoryFileWriter) Write(b []byte) (int, error) { return mfw.buffer.Write(b) }
func (mfw *memoryFileWriter) Close() error                { return nil }
func (mfw *memoryFileWriter) Bytes() []byte               { return mfw.buffer.Bytes() }

// WriterStats counts archive activity.
type WriterStats struct {
	Batches  int64
	Records  int64
	Failures int64
	Bytes    int64
}

// SalesWriter buffers sale events per world and item and flushes them as
// one parquet object per buffer on an interval, when the buffer limit is
// reached, and on shutdown.
type SalesWriter struct {
	cfg   config.ArchiveConfig
	sales <-chan models.SaleEvent
	store storage.ObjectStore

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
	buffer   map[bufferKey][]models.SaleEvent
	buffered int
	log      *logger.Log

	batches  atomic.Int64
	records  atomic.Int64
	failures atomic.Int64
	bytes    atomic.Int64
}

func NewSalesWriter(cfg config.ArchiveConfig, store storage.ObjectStore, sales <-chan models.SaleEvent) *SalesWriter {
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Minute
	}
	w := &SalesWriter{
		cfg:    cfg,
		sales:  sales,
		store:  store,
		buffer: make(map[bufferKey][]models.SaleEvent),
		log:    logger.GetLogger(),
	}
	w.log.WithComponent("sales_writer").WithFields(logger.Fields{
		"destination":    cfg.Destination,
		"prefix":         cfg.Prefix,
		"flush_interval": cfg.FlushInterval.String(),
		"max_buffer":     cfg.MaxBuffer,
		"compression":    cfg.Compression,
	}).Info("sales writer initialized")
	return w
}

func (w *SalesWriter) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.running {
		return fmt.Errorf("sales writer already running")
	}
	w.running = true
	w.ctx, w.cancel = context.WithCancel(ctx)

	w.wg.Add(1)
	go w.worker()
	w.log.WithComponent("sales_writer").Info("sales writer started")
	return nil
}

// Stop drains the events already queued, flushes every buffer and waits
// for the uploads to finish.
func (w *SalesWriter) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.cancel()
	w.mu.Unlock()

	w.wg.Wait()
	w.log.WithComponent("sales_writer").WithFields(logger.Fields{
		"batches":  w.batches.Load(),
		"records":  w.records.Load(),
		"failures": w.failures.Load(),
	}).Info("sales writer stopped")
}

func (w *SalesWriter) worker() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			w.drain()
			w.flushBuffers("shutdown")
			return
		case ev, ok := <-w.sales:
			if !ok {
				w.flushBuffers("closed")
				return
			}
			w.addSale(ev)
		case <-ticker.C:
			w.flushBuffers("interval")
		}
	}
}

func (w *SalesWriter) drain() {
	for {
		select {
		case ev, ok := <-w.sales:
			if !ok {
				return
			}
			w.addSale(ev)
		default:
			return
		}
	}
}

func (w *SalesWriter) addSale(ev models.SaleEvent) {
	key := bufferKey{world: ev.World, item: ev.ItemKind}
	w.mu.Lock()
	w.buffer[key] = append(w.buffer[key], ev)
	w.buffered++
	full := w.cfg.MaxBuffer > 0 && w.buffered >= w.cfg.MaxBuffer
	w.mu.Unlock()

	if full {
		w.flushBuffers("buffer_full")
	}
}

type bufferKey struct {
	world string
	item  string
}

func (w *SalesWriter) flushBuffers(reason string) {
	w.mu.Lock()
	buffers := w.buffer
	w.buffer = make(map[bufferKey][]models.SaleEvent)
	w.buffered = 0
	w.mu.Unlock()

	if len(buffers) == 0 {
		return
	}
	w.log.WithComponent("sales_writer").WithFields(logger.Fields{
		"flushed_buffers": len(buffers),
		"reason":          reason,
	}).Debug("flushing buffers")

	for key, entries := range buffers {
		if len(entries) == 0 {
			continue
		}
		batch := models.SalesBatch{
			BatchID:     uuid.New().String(),
			World:       key.world,
			ItemKind:    key.item,
			Entries:     entries,
			RecordCount: len(entries),
			Timestamp:   time.Now().UTC(),
		}
		if err := w.processBatch(batch); err != nil {
			w.failures.Add(1)
			w.log.WithComponent("sales_writer").WithError(err).WithFields(logger.Fields{
				"batch_id": batch.BatchID,
				"world":    batch.World,
				"item":     batch.ItemKind,
				"records":  batch.RecordCount,
			}).Error("failed to archive sales batch")
		}
	}
}

func (w *SalesWriter) processBatch(batch models.SalesBatch) error {
	start := time.Now()
	data, err := w.createParquetFile(batch.Entries)
	if err != nil {
		return err
	}
	ctx := context.Background()
	if w.ctx != nil {
		ctx = context.WithoutCancel(w.ctx)
	}
	key := w.objectKey(batch)
	if err := w.store.Put(ctx, key, data, "application/octet-stream"); err != nil {
		return err
	}

	w.batches.Add(1)
	w.records.Add(int64(batch.RecordCount))
	w.bytes.Add(int64(len(data)))
	logger.LogPerformanceEntry(w.log.WithComponent("sales_writer"), "sales_writer", "archive_batch", time.Since(start), logger.Fields{
		"key":       key,
		"records":   batch.RecordCount,
		"file_size": len(data),
	})
	return nil
}

// objectKey partitions archives by world, item and day.
func (w *SalesWriter) objectKey(batch models.SalesBatch) string {
	ts := batch.Timestamp.UTC()
	return path.Join(
		w.cfg.Prefix,
		"world="+sanitize(batch.World),
		"item="+sanitize(batch.ItemKind),
		ts.Format("2006/01/02"),
		fmt.Sprintf("sales_%s_%s.parquet", ts.Format("20060102150405"), batch.BatchID[:8]),
	)
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '/' || r == '\\' || r == ' ' {
			return '_'
		}
		return r
	}, s)
}

func (w *SalesWriter) createParquetFile(entries []models.SaleEvent) ([]byte, error) {
	fw := newMemoryFileWriter()
	pw, err := writer.NewParquetWriter(fw, new(SaleRecord), 4)
	if err != nil {
		return nil, fmt.Errorf("failed to create parquet writer: %w", err)
	}

	switch w.cfg.Compression {
	case "snappy":
		pw.CompressionType = parquet.CompressionCodec_SNAPPY
	case "gzip":
		pw.CompressionType = parquet.CompressionCodec_GZIP
	case "lzo":
		pw.CompressionType = parquet.CompressionCodec_LZO
	default:
		pw.CompressionType = parquet.CompressionCodec_UNCOMPRESSED
	}

	for _, e := range entries {
		record := SaleRecord{
			SaleID:       e.SaleID,
			World:        e.World,
			ListingID:    e.ListingID,
			OrderSlot:    int32(e.OrderSlot),
			BuyerID:      e.BuyerID,
			SellerID:     e.SellerID,
			ItemKind:     e.ItemKind,
			Quantity:     e.Quantity,
			PricePerUnit: e.PricePerUnit,
			TotalCost:    e.TotalCost,
			Fee:          e.Fee,
			Timestamp:    e.Timestamp.UnixMilli(),
		}
		if err := pw.Write(record); err != nil {
			pw.WriteStop()
			return nil, fmt.Errorf("failed to write parquet record: %w", err)
		}
	}
	if err := pw.WriteStop(); err != nil {
		return nil, fmt.Errorf("failed to finalize parquet writing: %w", err)
	}
	return fw.Bytes(), nil
}

func (w *SalesWriter) Stats() WriterStats {
	return WriterStats{
		Batches:  w.batches.Load(),
		Records:  w.records.Load(),
		Failures: w.failures.Load(),
		Bytes:    w.bytes.Load(),
	}
}

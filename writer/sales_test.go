package writer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/xitongsys/parquet-go-source/local"
	"github.com/xitongsys/parquet-go/reader"

	"gexchange/config"
	"gexchange/internal/storage"
	"gexchange/models"
)

func archiveConfig(maxBuffer int) config.ArchiveConfig {
	return config.ArchiveConfig{
		Enabled:       true,
		Destination:   "local",
		Prefix:        "sales",
		FlushInterval: time.Hour,
		MaxBuffer:     maxBuffer,
		Compression:   "snappy",
	}
}

func sale(id, item string, qty int64) models.SaleEvent {
	return models.SaleEvent{
		SaleID:       id,
		World:        "w1",
		ListingID:    7,
		BuyerID:      "bob",
		SellerID:     "alice",
		ItemKind:     item,
		Quantity:     qty,
		PricePerUnit: 50,
		TotalCost:    qty * 50,
		Timestamp:    time.Unix(1_700_000_000, 0),
	}
}

func parquetFiles(t *testing.T, root string) []string {
	t.Helper()
	var files []string
	filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err == nil && strings.HasSuffix(p, ".parquet") {
			files = append(files, p)
		}
		return nil
	})
	return files
}

func TestBufferLimitFlushesParquet(t *testing.T) {
	root := t.TempDir()
	sales := make(chan models.SaleEvent, 4)
	w := NewSalesWriter(archiveConfig(2), storage.NewDir(root), sales)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	sales <- sale("s1", "sword", 4)
	sales <- sale("s2", "sword", 1)

	deadline := time.Now().Add(2 * time.Second)
	for w.Stats().Batches == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	w.Stop()

	files := parquetFiles(t, root)
	if len(files) != 1 {
		t.Fatalf("expected one parquet file, got %v", files)
	}
	if !strings.Contains(filepath.ToSlash(files[0]), "sales/world=w1/item=sword/") {
		t.Fatalf("unexpected partition path %s", files[0])
	}

	fr, err := local.NewLocalFileReader(files[0])
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer fr.Close()
	pr, err := reader.NewParquetReader(fr, new(SaleRecord), 1)
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	defer pr.ReadStop()
	if n := pr.GetNumRows(); n != 2 {
		t.Fatalf("rows = %d, want 2", n)
	}
	rows := make([]SaleRecord, 2)
	if err := pr.Read(&rows); err != nil {
		t.Fatalf("read: %v", err)
	}
	if rows[0].SaleID != "s1" || rows[0].TotalCost != 200 || rows[1].Quantity != 1 {
		t.Fatalf("unexpected rows %+v", rows)
	}
}

func TestStopFlushesQueuedSales(t *testing.T) {
	root := t.TempDir()
	sales := make(chan models.SaleEvent, 8)
	w := NewSalesWriter(archiveConfig(0), storage.NewDir(root), sales)
	sales <- sale("s1", "sword", 1)
	sales <- sale("s2", "bow", 1)
	sales <- sale("s3", "bow", 1)
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	w.Stop()
	w.Stop()

	if files := parquetFiles(t, root); len(files) != 2 {
		t.Fatalf("expected one file per item, got %v", files)
	}
	if s := w.Stats(); s.Records != 3 || s.Failures != 0 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

type brokenStore struct{}

func (brokenStore) Put(context.Context, string, []byte, string) error {
	return os.ErrPermission
}

func (brokenStore) Get(context.Context, string) ([]byte, error) {
	return nil, storage.ErrNotFound
}

func TestFailedUploadIsCounted(t *testing.T) {
	sales := make(chan models.SaleEvent, 1)
	w := NewSalesWriter(archiveConfig(0), brokenStore{}, sales)
	w.addSale(sale("s1", "sword", 1))
	w.flushBuffers("test")
	if s := w.Stats(); s.Failures != 1 || s.Batches != 0 {
		t.Fatalf("unexpected stats %+v", s)
	}
}

func TestObjectKey(t *testing.T) {
	w := NewSalesWriter(archiveConfig(0), brokenStore{}, nil)
	key := w.objectKey(models.SalesBatch{
		BatchID:   "0123456789abcdef",
		World:     "w1",
		ItemKind:  "iron sword/blue",
		Timestamp: time.Date(2024, 3, 9, 14, 5, 6, 0, time.UTC),
	})
	want := "sales/world=w1/item=iron_sword_blue/2024/03/09/sales_20240309140506_01234567.parquet"
	if key != want {
		t.Fatalf("key = %s, want %s", key, want)
	}
}

func TestBuffersKeepWorldAndItemApart(t *testing.T) {
	root := t.TempDir()
	sales := make(chan models.SaleEvent, 4)
	w := NewSalesWriter(archiveConfig(0), storage.NewDir(root), sales)

	a := sale("s1", "sword", 1)
	a.World = "w|1"
	b := sale("s2", "1|sword", 1)
	b.World = "w"
	sales <- a
	sales <- b
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	w.Stop()

	files := parquetFiles(t, root)
	if len(files) != 2 {
		t.Fatalf("expected one file per world and item, got %v", files)
	}
	want := map[string]bool{"world=w|1/item=sword/": false, "world=w/item=1|sword/": false}
	for _, f := range files {
		for part := range want {
			if strings.Contains(filepath.ToSlash(f), part) {
				want[part] = true
			}
		}
	}
	for part, found := range want {
		if !found {
			t.Fatalf("no archive under %s in %v", part, files)
		}
	}
}

package metrics

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"gexchange/config"
	"gexchange/internal/account"
	"gexchange/internal/channel"
	"gexchange/internal/exchange"
	"gexchange/models"
)

func newWorld(t *testing.T, name string) (*exchange.World, *account.MemoryDirectory) {
	t.Helper()
	cfg := config.Default()
	dir := account.NewMemoryDirectory(1000, 0)
	w, err := exchange.NewWorld(config.WorldConfig{Name: name}, &cfg, dir)
	if err != nil {
		t.Fatalf("new world: %v", err)
	}
	return w, dir
}

func captureBatches(t *testing.T) *[][]cwtypes.MetricDatum {
	t.Helper()
	prev := cwState.Load()
	state := *prev
	state.client = &cloudwatch.Client{}
	cwState.Store(&state)
	t.Cleanup(func() { cwState.Store(prev) })

	batches := &[][]cwtypes.MetricDatum{}
	publishMetricsFunc = func(ctx context.Context, s *cloudWatchState, data []cwtypes.MetricDatum) {
		cp := make([]cwtypes.MetricDatum, len(data))
		copy(cp, data)
		*batches = append(*batches, cp)
	}
	t.Cleanup(func() { publishMetricsFunc = publishMetrics })
	return batches
}

func TestReportSamplesWorldsAndSources(t *testing.T) {
	w, dir := newWorld(t, "w1")
	dir.MemoryInventory("alice").AddItem("sword", 3)
	idx, err := w.StageItem("alice", "sword", "", 3)
	if err != nil {
		t.Fatalf("stage: %v", err)
	}
	off, err := w.DraftSellOffer("alice", idx, 10)
	if err != nil {
		t.Fatalf("draft: %v", err)
	}
	if _, err := w.EnableSellOffer("alice", off.Slot); err != nil {
		t.Fatalf("enable: %v", err)
	}

	c := channel.NewChannels(1, 1)
	c.SendSale(models.SaleEvent{SaleID: "s1"})
	c.SendSale(models.SaleEvent{SaleID: "s2"})

	batches := captureBatches(t)
	r := NewReporter(time.Hour, w)
	r.AddSource("channels", ChannelSource(c))
	samples := r.Report(context.Background())

	byName := map[string]Sample{}
	for _, s := range samples {
		byName[s.Name] = s
	}
	if s := byName["ActiveListings"]; s.Value != 1 || s.World != "w1" {
		t.Fatalf("unexpected listing sample %+v", s)
	}
	if s := byName["FeedDropped"]; s.Value != 1 || s.World != "" {
		t.Fatalf("unexpected channel sample %+v", s)
	}
	if len(*batches) != 1 || len((*batches)[0]) != len(samples) {
		t.Fatalf("expected one publish of %d datums, got %v", len(samples), *batches)
	}
	for _, d := range (*batches)[0] {
		if *d.MetricName == "ActiveListings" && (len(d.Dimensions) != 1 || *d.Dimensions[0].Value != "w1") {
			t.Fatalf("world dimension missing on %+v", d)
		}
	}
}

func TestPublishSplitsLargeBatches(t *testing.T) {
	batches := captureBatches(t)
	samples := make([]Sample, maxDatumsPerCall+5)
	for i := range samples {
		samples[i] = Sample{Name: "n", Value: float64(i)}
	}
	publish(context.Background(), toDatums(samples, time.Now()))
	if len(*batches) != 2 || len((*batches)[0]) != maxDatumsPerCall || len((*batches)[1]) != 5 {
		t.Fatalf("unexpected split %d", len(*batches))
	}
}

func TestPublishWithoutClientIsNoop(t *testing.T) {
	called := false
	publishMetricsFunc = func(context.Context, *cloudWatchState, []cwtypes.MetricDatum) { called = true }
	t.Cleanup(func() { publishMetricsFunc = publishMetrics })

	publish(context.Background(), toDatums([]Sample{{Name: "n"}}, time.Now()))
	if called {
		t.Fatalf("publish must be skipped without a client")
	}
}

func TestReporterLifecycle(t *testing.T) {
	w, _ := newWorld(t, "w2")
	r := NewReporter(2*time.Millisecond, w)
	if err := r.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := r.Start(context.Background()); err == nil {
		t.Fatalf("second start must fail")
	}
	deadline := time.Now().Add(time.Second)
	for r.reports.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	r.Stop()
	r.Stop()
	if r.reports.Load() == 0 {
		t.Fatalf("reporter never ran")
	}
}

func TestDashboardSubstitution(t *testing.T) {
	body, err := dashboardBody(&cloudWatchState{namespace: "Market-EU", region: "eu-west-1"})
	if err != nil {
		t.Fatalf("dashboard: %v", err)
	}
	for _, want := range []string{`"Market-EU"`, `"eu-west-1"`} {
		if !strings.Contains(body, want) {
			t.Fatalf("dashboard missing %s", want)
		}
	}
}

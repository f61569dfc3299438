// Package metrics reports market statistics to the log and, when configured,
// to CloudWatch.
package metrics

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"

	"gexchange/internal/channel"
	"gexchange/internal/exchange"
	"gexchange/logger"
	"gexchange/writer"
)

// Sample is one measured value. World is empty for process wide values.
type Sample struct {
	Name  string
	Value float64
	Unit  string
	World string
}

// Source yields extra samples on every report.
type Source func() []Sample

type namedSource struct {
	name string
	fn   Source
}

// Reporter samples every world and every registered source on an interval.
type Reporter struct {
	interval time.Duration
	worlds   []*exchange.World
	sources  []namedSource

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log
	reports atomic.Int64
}

func NewReporter(interval time.Duration, worlds ...*exchange.World) *Reporter {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Reporter{
		interval: interval,
		worlds:   worlds,
		log:      logger.GetLogger(),
	}
}

// AddSource registers fn under name. It must be called before Start.
func (r *Reporter) AddSource(name string, fn Source) {
	r.sources = append(r.sources, namedSource{name: name, fn: fn})
}

func (r *Reporter) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return fmt.Errorf("metrics reporter already running")
	}
	r.running = true
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.loop()

	r.log.WithComponent("metrics").WithFields(logger.Fields{
		"interval":   r.interval.String(),
		"worlds":     len(r.worlds),
		"sources":    len(r.sources),
		"cloudwatch": Enabled(),
	}).Info("metrics reporter started")
	return nil
}

func (r *Reporter) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.cancel()
	r.mu.Unlock()

	r.wg.Wait()
	r.log.WithComponent("metrics").WithFields(logger.Fields{"reports": r.reports.Load()}).Info("metrics reporter stopped")
}

func (r *Reporter) loop() {
	defer r.wg.Done()
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.Report(r.ctx)
		}
	}
}

// Report takes one round of samples, logs them and publishes them.
func (r *Reporter) Report(ctx context.Context) []Sample {
	start := time.Now()
	var samples []Sample

	for _, w := range r.worlds {
		st := w.Stats()
		ws := WorldSamples(st)
		samples = append(samples, ws...)
		r.log.WithComponent("metrics").WithFields(sampleFields(ws)).WithFields(logger.Fields{"world": st.World}).Info("market report")
		if st.DroppedEvents > 0 {
			r.log.WithComponent("metrics").WithFields(logger.Fields{
				"world":          st.World,
				"dropped_events": st.DroppedEvents,
			}).Warn("market events were dropped")
		}
	}
	for _, src := range r.sources {
		ss := src.fn()
		samples = append(samples, ss...)
		r.log.WithComponent("metrics").WithFields(sampleFields(ss)).WithFields(logger.Fields{"source": src.name}).Info("runtime report")
	}

	metricLog := r.log.WithComponent("metrics")
	for _, sm := range samples {
		metricLog.LogMetric(sm.Name, sm.Value, sm.Unit, logger.Fields{"world": sm.World})
	}
	publish(ctx, toDatums(samples, time.Now()))
	r.reports.Add(1)
	logger.LogPerformanceEntry(r.log.WithComponent("metrics"), "metrics", "report", time.Since(start), logger.Fields{"samples": len(samples)})
	return samples
}

// WorldSamples converts world statistics into samples.
func WorldSamples(st exchange.Stats) []Sample {
	s := func(name string, v int64) Sample {
		return Sample{Name: name, Value: float64(v), Unit: "count", World: st.World}
	}
	return []Sample{
		s("ActiveListings", int64(st.ActiveListings)),
		s("StoredListings", int64(st.StoredListings)),
		s("Escrowed", st.Escrowed),
		s("Sales", st.Sales),
		s("UnitsSold", st.UnitsSold),
		s("CoinsPaid", st.CoinsPaid),
		s("CoinsCredited", st.CoinsCredited),
		s("FeesCollected", st.FeesCollected),
		s("Expired", st.Expired),
		s("Discarded", st.Discarded),
		s("DroppedEvents", st.DroppedEvents),
	}
}

// ChannelSource samples the event channel counters.
func ChannelSource(c *channel.Channels) Source {
	return func() []Sample {
		st := c.GetStats()
		return []Sample{
			{Name: "ArchiveSent", Value: float64(st.ArchiveSent), Unit: "count"},
			{Name: "ArchiveDropped", Value: float64(st.ArchiveDropped), Unit: "count"},
			{Name: "FeedSent", Value: float64(st.FeedSent), Unit: "count"},
			{Name: "FeedDropped", Value: float64(st.FeedDropped), Unit: "count"},
			{Name: "ExpirySent", Value: float64(st.ExpirySent), Unit: "count"},
			{Name: "ExpiryDropped", Value: float64(st.ExpiryDropped), Unit: "count"},
		}
	}
}

// WriterSource samples the sales archive counters.
func WriterSource(w *writer.SalesWriter) Source {
	return func() []Sample {
		st := w.Stats()
		return []Sample{
			{Name: "ArchiveBatches", Value: float64(st.Batches), Unit: "count"},
			{Name: "ArchiveRecords", Value: float64(st.Records), Unit: "count"},
			{Name: "ArchiveFailures", Value: float64(st.Failures), Unit: "count"},
			{Name: "ArchiveBytes", Value: float64(st.Bytes), Unit: "bytes"},
		}
	}
}

func sampleFields(samples []Sample) logger.Fields {
	fields := make(logger.Fields, len(samples))
	for _, s := range samples {
		fields[s.Name] = s.Value
	}
	return fields
}

func toDatums(samples []Sample, ts time.Time) []cwtypes.MetricDatum {
	data := make([]cwtypes.MetricDatum, 0, len(samples))
	for _, s := range samples {
		unit, ok := metricUnitFromString(s.Unit)
		if !ok {
			logger.GetLogger().WithComponent("cloudwatch").WithFields(logger.Fields{
				"metric": s.Name,
				"unit":   s.Unit,
			}).Debug("unsupported metric unit; defaulting to Count")
		}
		d := cwtypes.MetricDatum{
			MetricName: aws.String(s.Name),
			Unit:       unit,
			Value:      aws.Float64(s.Value),
			Timestamp:  aws.Time(ts),
		}
		if s.World != "" {
			d.Dimensions = []cwtypes.Dimension{{Name: aws.String("world"), Value: aws.String(s.World)}}
		}
		data = append(data, d)
	}
	return data
}

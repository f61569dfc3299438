package logger

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

type componentStat struct {
	warns  atomic.Int64
	errors atomic.Int64
}

type writeStat struct {
	objects atomic.Int64
	bytes   atomic.Int64
}

var (
	components sync.Map // map[string]*componentStat
	writes     sync.Map // map[string]*writeStat
)

// ComponentCount is the number of warnings and errors a component logged.
type ComponentCount struct {
	Warns  int64 `json:"warns"`
	Errors int64 `json:"errors"`
}

func component(name string) *componentStat {
	v, _ := components.LoadOrStore(name, &componentStat{})
	return v.(*componentStat)
}

func recordWarn(name string) {
	component(name).warns.Add(1)
}

func recordError(name string) {
	component(name).errors.Add(1)
}

// RecordObjectWrite counts one stored object of size bytes under target.
func RecordObjectWrite(target string, size int) {
	v, _ := writes.LoadOrStore(target, &writeStat{})
	ws := v.(*writeStat)
	ws.objects.Add(1)
	ws.bytes.Add(int64(size))
}

// ComponentCounts returns the warn and error counters of every component
// that logged at least one of them.
func ComponentCounts() map[string]ComponentCount {
	out := make(map[string]ComponentCount)
	components.Range(func(k, v any) bool {
		cs := v.(*componentStat)
		out[k.(string)] = ComponentCount{Warns: cs.warns.Load(), Errors: cs.errors.Load()}
		return true
	})
	return out
}

// StartReport logs a runtime report every interval until ctx is done.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				logReport(log)
			}
		}
	}()
}

func logReport(log *Log) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	writeData := map[string]map[string]int64{}
	writes.Range(func(k, v any) bool {
		ws := v.(*writeStat)
		writeData[k.(string)] = map[string]int64{
			"objects": ws.objects.Load(),
			"bytes":   ws.bytes.Load(),
		}
		return true
	})

	log.WithComponent("report").WithFields(Fields{
		"goroutines": runtime.NumGoroutine(),
		"heap_mb":    int64(mem.HeapAlloc) / 1024 / 1024,
		"sys_mb":     int64(mem.Sys) / 1024 / 1024,
		"gc_cycles":  mem.NumGC,
		"components": ComponentCounts(),
		"writes":     writeData,
	}).Info("runtime report")
}

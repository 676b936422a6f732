package bufferpool

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// Buffer pool instruments, registered lazily against the global meter
// provider. With no provider installed these are no-ops, so library users and
// tests pay nothing.
var (
	metricsOnce sync.Once
	fetchHits   metric.Int64Counter
	fetchMisses metric.Int64Counter
	evictions   metric.Int64Counter
	pageFlushes metric.Int64Counter
)

func initMetrics() {
	metricsOnce.Do(func() {
		meter := otel.Meter("kurodb/bufferpool")
		fetchHits, _ = meter.Int64Counter("kurodb.bufferpool.fetch.hits",
			metric.WithDescription("Fetches served from the page table"))
		fetchMisses, _ = meter.Int64Counter("kurodb.bufferpool.fetch.misses",
			metric.WithDescription("Fetches that went to disk"))
		evictions, _ = meter.Int64Counter("kurodb.bufferpool.evictions",
			metric.WithDescription("Victim frames reused for another page"))
		pageFlushes, _ = meter.Int64Counter("kurodb.bufferpool.flushes",
			metric.WithDescription("Dirty pages written back to disk"))
	})
}

func recordHit()      { fetchHits.Add(context.Background(), 1) }
func recordMiss()     { fetchMisses.Add(context.Background(), 1) }
func recordEviction() { evictions.Add(context.Background(), 1) }
func recordFlush()    { pageFlushes.Add(context.Background(), 1) }

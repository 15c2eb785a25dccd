// Package metrics contains all application-logic metrics
package metrics

import (
	"fmt"

	"github.com/VictoriaMetrics/metrics"
)

var (
	inboundQueueFull   = metrics.NewCounter("forkcache_inbound_queue_full_total")
	dedupedRequests    = metrics.NewCounter("forkcache_deduplicated_requests_total")
	cacheFlushed       = metrics.NewCounter("forkcache_flush_total")
	cacheFlushFailed   = metrics.NewCounter("forkcache_flush_failed_total")
	pinnedBlockChanged = metrics.NewCounter("forkcache_pinned_block_changed_total")
)

func IncCacheHit(kind string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`forkcache_hits_total{kind=%q}`, kind)).Inc()
}

func IncUpstreamFetch(kind string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`forkcache_upstream_fetches_total{kind=%q}`, kind)).Inc()
}

func IncUpstreamFetchFailed(kind string) {
	metrics.GetOrCreateCounter(fmt.Sprintf(`forkcache_upstream_fetch_failed_total{kind=%q}`, kind)).Inc()
}

func RecordUpstreamFetchDuration(kind string, ms int64) {
	metrics.GetOrCreateSummary(fmt.Sprintf(`forkcache_upstream_fetch_duration_milliseconds{kind=%q}`, kind)).Update(float64(ms))
}

func IncDedupedRequests() {
	dedupedRequests.Inc()
}

func IncInboundQueueFull() {
	inboundQueueFull.Inc()
}

func IncCacheFlushed() {
	cacheFlushed.Inc()
}

func IncCacheFlushFailed() {
	cacheFlushFailed.Inc()
}

func IncPinnedBlockChanged() {
	pinnedBlockChanged.Inc()
}

func RecordInspectorCallDuration(method string, ms int64) {
	metrics.GetOrCreateSummary(fmt.Sprintf(`forkcache_inspector_call_duration_milliseconds{method=%q}`, method)).Update(float64(ms))
}

package telemetry

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/coachpo/spreadwatch/internal/observability"
)

// Instruments are resolved lazily from the global meter provider so callers
// never depend on initialization order. Before NewProvider runs they bind to
// the no-op provider and cost nothing.
var (
	instrumentsOnce sync.Once

	quotesIngested  metric.Int64Counter
	reconnects      metric.Int64Counter
	flushRows       metric.Int64Counter
	flushFailures   metric.Int64Counter
	openPositionsMu sync.Mutex
)

func instruments() {
	instrumentsOnce.Do(func() {
		meter := otel.Meter(serviceName)
		var err error
		quotesIngested, err = meter.Int64Counter("monitor.quotes.ingested",
			metric.WithDescription("Venue quotes accepted into the latest-price cache"),
			metric.WithUnit("{quote}"))
		if err == nil {
			reconnects, err = meter.Int64Counter("monitor.stream.reconnects",
				metric.WithDescription("Venue stream reconnect attempts"),
				metric.WithUnit("{attempt}"))
		}
		if err == nil {
			flushRows, err = meter.Int64Counter("monitor.flush.rows",
				metric.WithDescription("Rows handed to the database per flush"),
				metric.WithUnit("{row}"))
		}
		if err == nil {
			flushFailures, err = meter.Int64Counter("monitor.flush.failures",
				metric.WithDescription("Flush transactions that failed to commit"),
				metric.WithUnit("{flush}"))
		}
		if err != nil {
			observability.Log().Error("telemetry instrument init failed", observability.F("error", err))
		}
	})
}

// RecordQuote counts one quote accepted from a venue.
func RecordQuote(venue string) {
	instruments()
	if quotesIngested == nil {
		return
	}
	quotesIngested.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("venue", venue)))
}

// RecordReconnect counts one reconnect attempt for a venue stream.
func RecordReconnect(venue string) {
	instruments()
	if reconnects == nil {
		return
	}
	reconnects.Add(context.Background(), 1,
		metric.WithAttributes(attribute.String("venue", venue)))
}

// RecordFlush counts the rows committed by one flush.
func RecordFlush(rows int64) {
	instruments()
	if flushRows == nil {
		return
	}
	flushRows.Add(context.Background(), rows)
}

// RecordFlushFailure counts one failed flush transaction.
func RecordFlushFailure() {
	instruments()
	if flushFailures == nil {
		return
	}
	flushFailures.Add(context.Background(), 1)
}

// RegisterOpenPositions exposes an open-position count as an observable
// gauge. The callback runs at collection time.
func RegisterOpenPositions(count func() int64) {
	openPositionsMu.Lock()
	defer openPositionsMu.Unlock()
	meter := otel.Meter(serviceName)
	_, err := meter.Int64ObservableGauge("monitor.positions.open",
		metric.WithDescription("Virtual positions currently open"),
		metric.WithUnit("{position}"),
		metric.WithInt64Callback(func(_ context.Context, obs metric.Int64Observer) error {
			obs.Observe(count())
			return nil
		}))
	if err != nil {
		observability.Log().Error("telemetry gauge init failed", observability.F("error", err))
	}
}

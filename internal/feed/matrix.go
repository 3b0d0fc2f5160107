package feed

import (
	"context"
	"fmt"
	"sync"

	"github.com/sourcegraph/conc"

	"github.com/coachpo/spreadwatch/internal/schema"
)

// Matrix maps each pair to the feeders quoting it. Registration happens
// during startup only; the map is never mutated once the engine begins
// ticking, so snapshot reads take no lock.
type Matrix struct {
	feeders map[string][]Feeder
	pairs   []string
}

// NewMatrix constructs an empty matrix.
func NewMatrix() *Matrix {
	return &Matrix{feeders: make(map[string][]Feeder), pairs: nil}
}

// Add registers a feeder for pair. Startup only. Registration order carries
// no semantic meaning.
func (m *Matrix) Add(pair string, feeder Feeder) {
	if _, seen := m.feeders[pair]; !seen {
		m.pairs = append(m.pairs, pair)
	}
	m.feeders[pair] = append(m.feeders[pair], feeder)
}

// Pairs returns the registered pairs in registration order.
func (m *Matrix) Pairs() []string {
	return m.pairs
}

// Snapshot polls every feeder registered for pair once and collects the
// quotes currently known. Feeders with no quote yet are skipped. The matrix
// performs no filtering, thresholding, or sorting beyond that.
func (m *Matrix) Snapshot(pair string) schema.Snapshot {
	feeders := m.feeders[pair]
	if len(feeders) == 0 {
		return nil
	}
	snapshot := make(schema.Snapshot, 0, len(feeders))
	for _, feeder := range feeders {
		if quote, ok := feeder.Latest(pair); ok {
			snapshot = append(snapshot, quote)
		}
	}
	return snapshot
}

// Shutdown asks every registered feeder to stop its ingest task and close
// its underlying connection, waiting until all complete or ctx expires.
// Multi-pair feeders registered under several pairs are closed once.
func (m *Matrix) Shutdown(ctx context.Context) error {
	unique := make(map[Feeder]struct{})
	for _, feeders := range m.feeders {
		for _, feeder := range feeders {
			unique[feeder] = struct{}{}
		}
	}

	var (
		wg    conc.WaitGroup
		errMu sync.Mutex
		errs  []error
	)
	for feeder := range unique {
		f := feeder
		wg.Go(func() {
			if err := f.Close(ctx); err != nil {
				errMu.Lock()
				errs = append(errs, fmt.Errorf("close %s: %w", f.Name(), err))
				errMu.Unlock()
			}
		})
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("matrix shutdown grace period: %w", ctx.Err())
	}

	errMu.Lock()
	defer errMu.Unlock()
	if len(errs) > 0 {
		return fmt.Errorf("matrix shutdown: %d feeder(s) failed: %v", len(errs), errs)
	}
	return nil
}

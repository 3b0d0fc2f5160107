package feed

import (
	"sync"

	"github.com/coachpo/spreadwatch/internal/schema"
	"github.com/coachpo/spreadwatch/internal/telemetry"
)

// Cache holds the most recent quote per pair. The ingest task is the only
// writer; the engine reads concurrently. Readers never observe a torn quote:
// the mutex covers a single map assignment on the write side.
type Cache struct {
	mu     sync.RWMutex
	quotes map[string]schema.VenueQuote
}

// NewCache constructs an empty quote cache.
func NewCache() *Cache {
	return &Cache{quotes: make(map[string]schema.VenueQuote)}
}

// Put records the latest quote for pair. Quotes without a strictly positive
// price are discarded.
func (c *Cache) Put(pair string, quote schema.VenueQuote) {
	if !quote.Valid() {
		return
	}
	c.mu.Lock()
	c.quotes[pair] = quote
	c.mu.Unlock()
	telemetry.RecordQuote(quote.Venue)
}

// Get returns the latest quote for pair, if one has been observed.
func (c *Cache) Get(pair string) (schema.VenueQuote, bool) {
	c.mu.RLock()
	quote, ok := c.quotes[pair]
	c.mu.RUnlock()
	return quote, ok
}

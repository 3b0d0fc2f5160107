// Package schema defines the market-data values and durable row shapes shared
// across the monitor.
package schema

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// VenueQuote is one venue's most recent reading for a pair. Quotes are value
// objects; the ingest path never mutates one after publication.
type VenueQuote struct {
	Venue      string
	Price      decimal.Decimal
	ObservedAt time.Time
}

// Valid reports whether the quote carries a strictly positive price.
func (q VenueQuote) Valid() bool {
	return q.Price.IsPositive()
}

// Snapshot is the set of most-recent quotes across venues for one pair at one
// tick. It is transient and carries no ordering guarantee.
type Snapshot []VenueQuote

// PriceFor returns the quote for the named venue, if present.
func (s Snapshot) PriceFor(venue string) (VenueQuote, bool) {
	for _, q := range s {
		if q.Venue == venue {
			return q, true
		}
	}
	return VenueQuote{}, false
}

// LowHigh returns the lowest- and highest-priced quotes in the snapshot.
// Ties resolve to the first occurrence. The snapshot must be non-empty.
func (s Snapshot) LowHigh() (low, high VenueQuote) {
	low, high = s[0], s[0]
	for _, q := range s[1:] {
		if q.Price.LessThan(low.Price) {
			low = q
		}
		if q.Price.GreaterThan(high.Price) {
			high = q
		}
	}
	return low, high
}

// SplitPair decomposes a BASE/QUOTE pair symbol. The monitor otherwise treats
// pair strings as opaque; venue feeders use this to build wire symbols.
func SplitPair(pair string) (base, quote string, err error) {
	parts := strings.Split(pair, "/")
	if len(parts) != 2 || strings.TrimSpace(parts[0]) == "" || strings.TrimSpace(parts[1]) == "" {
		return "", "", fmt.Errorf("malformed pair %q: want BASE/QUOTE", pair)
	}
	return strings.TrimSpace(parts[0]), strings.TrimSpace(parts[1]), nil
}

package schema

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// OpenPosition is the virtual long/short pair held between entry and exit.
// At most one exists per pair; it is created on entry, never mutated, and
// destroyed on exit.
type OpenPosition struct {
	ID             uuid.UUID
	Pair           string
	EntryTime      time.Time
	BuyVenue       string
	SellVenue      string
	BuyPrice       decimal.Decimal
	SellPrice      decimal.Decimal
	EntrySpreadPct decimal.Decimal
	EntryUnits     decimal.Decimal
	EntryEffBuy    decimal.Decimal
	EntryEffSell   decimal.Decimal
	FeeFrac        decimal.Decimal
	SlipFrac       decimal.Decimal
}

// OpportunityRecord is the durable shape of a detected entry moment. Quotes
// holds the snapshot that produced it; each quote becomes an exchange_prices
// row referencing the opportunity once the batch is flushed.
type OpportunityRecord struct {
	Timestamp    time.Time
	Pair         string
	BuyExchange  string
	BuyPrice     decimal.Decimal
	SellExchange string
	SellPrice    decimal.Decimal
	Spread       decimal.Decimal
	SpreadPct    decimal.Decimal
	Quotes       []VenueQuote
}

// PriceRecord is one venue price row. ArbitrageID is nil for rows logged
// outside an opportunity.
type PriceRecord struct {
	Pair         string
	ExchangeName string
	Price        decimal.Decimal
	Timestamp    time.Time
	ArbitrageID  *int64
}

// Trade event types persisted to trade_log.
const (
	TradeEventEntry = "ENTRY"
	TradeEventExit  = "EXIT"
)

// TradeRecord is one simulated trade row.
type TradeRecord struct {
	Timestamp       time.Time
	Pair            string
	BuyExchange     string
	BuyPrice        decimal.Decimal
	SellExchange    string
	SellPrice       decimal.Decimal
	Spread          decimal.Decimal
	SpreadPct       decimal.Decimal
	NetProfit       decimal.Decimal
	GrossProfit     decimal.Decimal
	EventType       string
	CloseTimestamp  *time.Time
	ExitBuyPrice    *decimal.Decimal
	ExitSellPrice   *decimal.Decimal
	DurationSeconds *int
	DecisionReason  string
	Metadata        map[string]any
}

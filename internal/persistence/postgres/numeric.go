package postgres

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
)

// numericFromDecimal converts a decimal into a pgtype.Numeric value.
func numericFromDecimal(value decimal.Decimal) (pgtype.Numeric, error) {
	var out pgtype.Numeric
	if err := out.Scan(value.String()); err != nil {
		return out, fmt.Errorf("parse numeric %q: %w", value.String(), err)
	}
	return out, nil
}

// numericFromOptional converts an optional decimal into a pgtype.Numeric,
// mapping nil to SQL NULL.
func numericFromOptional(ptr *decimal.Decimal) (pgtype.Numeric, error) {
	var out pgtype.Numeric
	if ptr == nil {
		return out, nil
	}
	if err := out.Scan(ptr.String()); err != nil {
		return out, fmt.Errorf("parse numeric %q: %w", ptr.String(), err)
	}
	return out, nil
}

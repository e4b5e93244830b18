package position

import (
	"strings"

	"github.com/shopspring/decimal"
)

// pointValues maps futures root symbols to their dollar value per point.
// Unknown roots fall back to 1.0 so a missing lookup never drops a signal.
var pointValues = map[string]decimal.Decimal{
	"ES":  decimal.NewFromInt(50),
	"MES": decimal.NewFromInt(5),
	"NQ":  decimal.NewFromInt(20),
	"MNQ": decimal.NewFromInt(2),
	"YM":  decimal.NewFromInt(5),
	"MYM": decimal.RequireFromString("0.5"),
	"RTY": decimal.NewFromInt(50),
	"M2K": decimal.NewFromInt(5),
	"CL":  decimal.NewFromInt(1000),
	"MCL": decimal.NewFromInt(100),
	"GC":  decimal.NewFromInt(100),
	"MGC": decimal.NewFromInt(10),
	"SI":  decimal.NewFromInt(5000),
	"6E":  decimal.NewFromInt(125000),
	"ZB":  decimal.NewFromInt(1000),
	"ZN":  decimal.NewFromInt(1000),
}

// tickSizes maps roots to their minimum price increment, used to convert
// tick-denominated bracket distances into prices.
var tickSizes = map[string]decimal.Decimal{
	"ES":  decimal.RequireFromString("0.25"),
	"MES": decimal.RequireFromString("0.25"),
	"NQ":  decimal.RequireFromString("0.25"),
	"MNQ": decimal.RequireFromString("0.25"),
	"YM":  decimal.NewFromInt(1),
	"MYM": decimal.NewFromInt(1),
	"RTY": decimal.RequireFromString("0.1"),
	"M2K": decimal.RequireFromString("0.1"),
	"CL":  decimal.RequireFromString("0.01"),
	"MCL": decimal.RequireFromString("0.01"),
	"GC":  decimal.RequireFromString("0.1"),
	"MGC": decimal.RequireFromString("0.1"),
	"SI":  decimal.RequireFromString("0.005"),
	"6E":  decimal.RequireFromString("0.00005"),
	"ZB":  decimal.RequireFromString("0.03125"),
	"ZN":  decimal.RequireFromString("0.015625"),
}

// TickSize returns the minimum increment for a ticker, defaulting to 0.25
// for unknown roots.
func TickSize(ticker string) (decimal.Decimal, bool) {
	v, ok := tickSizes[RootOf(ticker)]
	if !ok {
		return decimal.RequireFromString("0.25"), false
	}
	return v, true
}

// monthCodes are the futures delivery-month letters (March=H, June=M, ...).
const monthCodes = "FGHJKMNQUVXZ"

// RootOf extracts the root symbol from a TradingView-style ticker:
// "MNQ1!" → "MNQ", "ESZ2025" → "ES". The root is the longest leading run
// of letters (plus a leading digit for currency futures like 6E), with a
// trailing month code stripped when that recovers a known root.
func RootOf(ticker string) string {
	t := strings.ToUpper(strings.TrimSpace(ticker))
	if t == "" {
		return ""
	}
	end := 0
	for end < len(t) {
		c := t[end]
		if c >= 'A' && c <= 'Z' {
			end++
			continue
		}
		// Currency roots start with a digit: 6E, 6J, 6B.
		if end == 0 && c >= '0' && c <= '9' && len(t) > 1 && t[1] >= 'A' && t[1] <= 'Z' {
			end = 2
			continue
		}
		break
	}
	root := t[:end]
	if _, ok := pointValues[root]; ok {
		return root
	}
	// Month-coded contracts ("ESZ2025") scan to "ESZ": drop the month
	// letter before the year digits when the remainder is a known root.
	if len(root) > 1 && end < len(t) && t[end] >= '0' && t[end] <= '9' &&
		strings.ContainsRune(monthCodes, rune(root[len(root)-1])) {
		if _, ok := pointValues[root[:len(root)-1]]; ok {
			return root[:len(root)-1]
		}
	}
	return root
}

// PointValue returns the contract multiplier for a ticker and whether the
// root was found in the static table.
func PointValue(ticker string) (decimal.Decimal, bool) {
	v, ok := pointValues[RootOf(ticker)]
	if !ok {
		return decimal.NewFromInt(1), false
	}
	return v, true
}

// symbols.go resolves TradingView-style tickers ("MNQ1!") to concrete
// Tradovate contract names ("MNQZ5"). Live resolution goes through
// /contract/find; results are cached per (environment, ticker, day) so at
// most one lookup per ticker per day hits the API. A static front-month
// inference serves as the fallback when the lookup fails.
package broker

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// quarterlyCodes maps expiry months to futures month codes for the index
// quarterlies this engine trades.
var quarterlyCodes = map[time.Month]byte{
	time.March:     'H',
	time.June:      'M',
	time.September: 'U',
	time.December:  'Z',
}

// rollDay approximates the quarterly roll: past this day of the expiry
// month the front contract is the next quarter.
const rollDay = 15

// FrontMonthSymbol infers the front quarterly contract for a root at a
// point in time: "MNQ" at 2025-11-03 → "MNQZ5".
func FrontMonthSymbol(root string, at time.Time) string {
	at = at.UTC()
	year := at.Year()
	month := at.Month()

	for {
		if code, ok := quarterlyCodes[month]; ok {
			if month != at.Month() || at.Day() <= rollDay || year != at.Year() {
				return fmt.Sprintf("%s%c%d", root, code, year%10)
			}
		}
		if month == time.December {
			month = time.January
			year++
		} else {
			month++
		}
	}
}

// rootOf strips the TradingView continuous suffix: "MNQ1!" → "MNQ".
func rootOf(ticker string) string {
	t := strings.ToUpper(strings.TrimSpace(ticker))
	if i := strings.IndexAny(t, "0123456789!"); i > 0 {
		return t[:i]
	}
	return t
}

// symbolCache holds resolved contract names keyed by
// (environment, ticker, day).
type symbolCache struct {
	mu      sync.RWMutex
	entries map[string]string
}

func newSymbolCache() *symbolCache {
	return &symbolCache{entries: make(map[string]string)}
}

func (c *symbolCache) key(env, ticker string, at time.Time) string {
	return env + "|" + strings.ToUpper(ticker) + "|" + at.UTC().Format("2006-01-02")
}

func (c *symbolCache) get(env, ticker string, at time.Time) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.entries[c.key(env, ticker, at)]
	return v, ok
}

func (c *symbolCache) put(env, ticker string, at time.Time, symbol string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[c.key(env, ticker, at)] = symbol
}

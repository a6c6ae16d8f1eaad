// Package catalog holds the static tradeable-goods table: base prices
// used to seed pricing, and the duration→fee tier schedule. The fee
// schedule is consumed here, never computed.
package catalog

// DefaultBasePrice applies to items missing from the base price table.
const DefaultBasePrice int64 = 10

// DefaultFeePct applies to durations missing from the fee tier table.
const DefaultFeePct int64 = 5

// basePrices is the per-item reference price in gold.
var basePrices = map[string]int64{
	"iron_ore":     5,
	"copper_ore":   8,
	"silver_ore":   25,
	"gold_ore":     60,
	"timber":       3,
	"stone":        2,
	"grain":        4,
	"salt":         12,
	"cloth":        15,
	"leather":      10,
	"spices":       45,
	"gems":         120,
	"iron_ingot":   18,
	"steel_ingot":  40,
	"rope":         6,
	"tools":        30,
	"ale":          7,
	"healing_herb": 14,
}

// feeTiers maps listing duration (minutes) to the house fee percent.
var feeTiers = map[int64]int64{
	6:  2,
	12: 3,
	24: 5,
	36: 8,
	60: 12,
}

// Exists reports whether the item is a known tradeable good.
func Exists(itemID string) bool {
	_, ok := basePrices[itemID]
	return ok
}

// BasePrice returns the reference price for an item, or DefaultBasePrice
// for unknown items.
func BasePrice(itemID string) int64 {
	if p, ok := basePrices[itemID]; ok {
		return p
	}
	return DefaultBasePrice
}

// FeePct returns the house fee percent for a listing duration, or
// DefaultFeePct for unrecognized durations.
func FeePct(durationMin int64) int64 {
	if pct, ok := feeTiers[durationMin]; ok {
		return pct
	}
	return DefaultFeePct
}

// Items returns the ids of all tradeable goods. Order is not guaranteed.
func Items() []string {
	ids := make([]string, 0, len(basePrices))
	for id := range basePrices {
		ids = append(ids, id)
	}
	return ids
}

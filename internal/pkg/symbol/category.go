package symbol

import "strings"

const CategoryOther = "other"

var defaultCategories = map[string]string{
	"BTC":   "major",
	"ETH":   "major",
	"SOL":   "layer1",
	"BNB":   "layer1",
	"ADA":   "layer1",
	"AVAX":  "layer1",
	"DOT":   "layer1",
	"TRX":   "layer1",
	"NEAR":  "layer1",
	"SUI":   "layer1",
	"APT":   "layer1",
	"ARB":   "layer2",
	"OP":    "layer2",
	"MATIC": "layer2",
	"POL":   "layer2",
	"LINK":  "defi",
	"UNI":   "defi",
	"AAVE":  "defi",
	"MKR":   "defi",
	"DOGE":  "meme",
	"SHIB":  "meme",
	"PEPE":  "meme",
	"WIF":   "meme",
	"BONK":  "meme",
	"XRP":   "payments",
	"LTC":   "payments",
	"XLM":   "payments",
}

// Categorizer maps a contract to a coarse asset category used to cap
// concentration. Overrides are keyed by base asset and win over the
// built-in table.
type Categorizer struct {
	overrides map[string]string
}

func NewCategorizer(overrides map[string]string) Categorizer {
	norm := make(map[string]string, len(overrides))
	for base, cat := range overrides {
		base = strings.ToUpper(strings.TrimSpace(base))
		cat = strings.ToLower(strings.TrimSpace(cat))
		if base == "" || cat == "" {
			continue
		}
		norm[base] = cat
	}
	return Categorizer{overrides: norm}
}

func (c Categorizer) Category(sym string) string {
	base := Parse(sym).Base
	if base == "" {
		return CategoryOther
	}
	if cat, ok := c.overrides[base]; ok {
		return cat
	}
	if cat, ok := defaultCategories[base]; ok {
		return cat
	}
	return CategoryOther
}

package symbol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseForms(t *testing.T) {
	assert.Equal(t, Symbol{Base: "BTC", Quote: "USDT"}, Parse("btcusdt"))
	assert.Equal(t, Symbol{Base: "ETH", Quote: "USDT"}, Parse("ETH/USDT:USDT"))
	assert.Equal(t, Symbol{}, Parse("USDT"))
}

func TestCanonical(t *testing.T) {
	assert.Equal(t, "BTCUSDT", Canonical("btc/usdt"))
	assert.Equal(t, "BTCUSDT", Canonical(" BTCUSDT "))
	assert.Equal(t, "FOO", Canonical("foo"))
	assert.Equal(t, []string{"BTCUSDT", "ETHUSDT"}, CanonicalList([]string{"BTC/USDT", "btcusdt", "", "ETHUSDT"}))
}

func TestCategorizer(t *testing.T) {
	c := NewCategorizer(map[string]string{"doge": "Majors"})
	assert.Equal(t, "major", c.Category("BTCUSDT"))
	assert.Equal(t, "majors", c.Category("DOGEUSDT"))
	assert.Equal(t, "meme", c.Category("PEPEUSDT"))
	assert.Equal(t, CategoryOther, c.Category("ZZZUSDT"))
	assert.Equal(t, CategoryOther, c.Category("??"))
}

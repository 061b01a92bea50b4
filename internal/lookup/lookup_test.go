package lookup

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault(t *testing.T) {
	tb := Default()

	n, ok := tb.Network("0803")
	require.True(t, ok)
	assert.Equal(t, "mtn", n)

	n, ok = tb.Network("0802")
	require.True(t, ok)
	assert.Equal(t, "airtel", n)

	_, ok = tb.Network("0000")
	assert.False(t, ok)

	p, ok := tb.ProviderForCountry("ng")
	require.True(t, ok)
	assert.Equal(t, "paystack", p)

	_, ok = tb.ProviderForCountry("FR")
	assert.False(t, ok)
}

func TestLoad_Custom(t *testing.T) {
	tb, err := Load(strings.NewReader(`
networks:
  glo: ["0805"]
country_providers:
  ke: mpesa
`))
	require.NoError(t, err)
	n, _ := tb.Network("0805")
	assert.Equal(t, "glo", n)
	p, _ := tb.ProviderForCountry("KE")
	assert.Equal(t, "mpesa", p)
}

func TestParse_DuplicatePrefix(t *testing.T) {
	_, err := Parse([]byte("networks:\n  a: [\"0803\"]\n  b: [\"0803\"]\n"))
	assert.ErrorContains(t, err, "0803")
}

func TestCountries_ReturnsCopy(t *testing.T) {
	tb := Default()
	c := tb.Countries()
	c["NG"] = "changed"
	p, _ := tb.ProviderForCountry("NG")
	assert.Equal(t, "paystack", p)
}

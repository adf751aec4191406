package cache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNormalize(t *testing.T) {
	assert.Equal(t, "cafe ole", Normalize("  Café   Olé "))
	assert.Equal(t, "acme corp", Normalize("ACME\tCorp"))
	assert.Equal(t, "", Normalize("   "))
}

func TestNormalizeWebsite(t *testing.T) {
	tests := map[string]string{
		"https://www.Acme.com/about":  "acme.com",
		"http://acme.com?x=1":         "acme.com",
		"acme.com":                    "acme.com",
		"  WWW.shop.acme.co.uk/#top ": "shop.acme.co.uk",
		"":                            "",
	}
	for in, want := range tests {
		assert.Equal(t, want, NormalizeWebsite(in), in)
	}
}

func TestFingerprint(t *testing.T) {
	a := Fingerprint("enrich", "Acme Corp", "https://www.acme.com/", "Austin, TX")
	b := Fingerprint("enrich", "  acme   corp", "acme.com", "austin, tx")
	c := Fingerprint("extract", "Acme Corp", "acme.com", "Austin, TX")
	d := Fingerprint("enrich", "Acme Corp", "acme.com", "Dallas, TX")

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.NotEqual(t, a, d)
	assert.True(t, strings.HasPrefix(a, "enrich:"))
}

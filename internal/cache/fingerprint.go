package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalize folds case, strips diacritics and collapses whitespace so that
// "  Café  Olé " and "cafe ole" compare equal.
func Normalize(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(t, s)
	if err != nil {
		folded = s
	}
	return strings.Join(strings.Fields(strings.ToLower(folded)), " ")
}

// NormalizeWebsite reduces a URL to its bare host: no scheme, "www." or path.
func NormalizeWebsite(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, p := range []string{"https://", "http://"} {
		s = strings.TrimPrefix(s, p)
	}
	s = strings.TrimPrefix(s, "www.")
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSuffix(s, ".")
}

// Fingerprint builds a stable cache key from a company identity. The prefix
// separates key spaces such as enrichment and extraction.
func Fingerprint(prefix, name, website, location string, extra ...string) string {
	parts := []string{Normalize(name), NormalizeWebsite(website), Normalize(location)}
	for _, e := range extra {
		parts = append(parts, Normalize(e))
	}
	h := sha256.Sum256([]byte(strings.Join(parts, "|")))
	return prefix + ":" + hex.EncodeToString(h[:])
}

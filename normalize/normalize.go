// Package normalize cleans the text that arrives from exports and
// third-party records: accents, tax IDs, column headers, amounts and
// legacy encodings.
package normalize

import (
	"fmt"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/shopspring/decimal"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Fold strips diacritics and lowercases s: "Días" -> "dias".
func Fold(s string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.ToLower(out)
}

// TaxID removes the separators people type into NITs: "900.123.456-7" ->
// "9001234567".
func TaxID(s string) string {
	return strings.Map(func(r rune) rune {
		if r == '.' || r == '-' || unicode.IsSpace(r) {
			return -1
		}
		return r
	}, s)
}

// Header turns a spreadsheet column title into a key: trimmed, folded,
// spaces to underscores, periods dropped. "Número Doc." -> "numero_doc".
func Header(s string) string {
	h := Fold(strings.TrimSpace(strings.TrimPrefix(s, "\ufeff")))
	h = strings.ReplaceAll(h, " ", "_")
	return strings.ReplaceAll(h, ".", "")
}

// Amount parses an export amount with ',' thousands separators. Blank and
// "nan" cells read as zero.
func Amount(s string) (decimal.Decimal, error) {
	v := strings.ReplaceAll(strings.TrimSpace(s), ",", "")
	switch strings.ToLower(v) {
	case "", "nan":
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return d, nil
}

// LegacyText returns b as UTF-8, decoding it as Windows-1252 when it is
// not valid UTF-8 already.
func LegacyText(b []byte) ([]byte, error) {
	if utf8.Valid(b) {
		return b, nil
	}
	out, _, err := transform.Bytes(charmap.Windows1252.NewDecoder(), b)
	if err != nil {
		return nil, fmt.Errorf("decode windows-1252: %w", err)
	}
	return out, nil
}

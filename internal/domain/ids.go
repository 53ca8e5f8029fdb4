package domain

import (
	"sort"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// Normalize trims surrounding whitespace and NFC-normalizes an opaque id.
func Normalize(id string) string {
	return norm.NFC.String(strings.TrimSpace(id))
}

// NormalizeKey normalizes a vertical key: NFC plus Unicode case folding, so
// "DealFlow" and "dealflow" resolve to the same vertical.
// A Caser is stateful, so one is built per call.
func NormalizeKey(key string) string {
	return cases.Fold().String(Normalize(key))
}

// IDSet normalizes, deduplicates and sorts ids.
// Returns INVALID_REQUEST if any id is blank after normalization.
func IDSet(ids []string) ([]string, error) {
	seen := make(map[string]struct{}, len(ids))
	out := make([]string, 0, len(ids))
	for _, raw := range ids {
		id := Normalize(raw)
		if id == "" {
			return nil, NewInvalidRequest("record id must not be blank")
		}
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, id)
	}
	sort.Strings(out)
	return out, nil
}

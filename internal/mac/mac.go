// Package mac canonicalizes the hardware addresses that identify
// LANCOM access points and the peers they observe. Every identity
// lookup in the bridge goes through [Normalize] first.
package mac

import (
	"regexp"
	"sort"
	"strings"
)

// IdentifierPrefix marks registry identifiers owned by this bridge.
const IdentifierPrefix = "lancom_ble_"

// ConnectionKind is the registry connection-key kind used for access
// points. The value side is always the lowercased canonical MAC.
const ConnectionKind = "mac"

var (
	nonHex     = regexp.MustCompile(`[^0-9A-Fa-f]`)
	listSplit  = regexp.MustCompile(`[,;\n\s]+`)
	identGroup = regexp.MustCompile(`^[0-9a-f]{2}$`)
)

// Normalize reduces raw to the canonical uppercase colon-delimited
// form when exactly 12 hex digits remain after stripping separators.
// Anything else is returned uppercased but otherwise unchanged, so
// callers must check [Valid] before trusting the result as a MAC.
func Normalize(raw string) string {
	s := nonHex.ReplaceAllString(raw, "")
	if len(s) != 12 {
		return strings.ToUpper(raw)
	}
	s = strings.ToUpper(s)
	var b strings.Builder
	b.Grow(17)
	for i := 0; i < 12; i += 2 {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(s[i : i+2])
	}
	return b.String()
}

// Valid reports whether s is a canonical MAC as produced by
// [Normalize]: six uppercase hex octets joined by colons.
func Valid(s string) bool {
	if len(s) != 17 || strings.Count(s, ":") != 5 {
		return false
	}
	return Normalize(s) == s
}

// ParseList splits raw on commas, semicolons, and whitespace,
// normalizes each token, and returns the sorted, deduplicated set of
// valid MACs plus the tokens that did not reduce to one. Callers log
// the rejects; parsing itself stays pure.
func ParseList(raw string) (macs, rejected []string) {
	return ParseTokens(listSplit.Split(raw, -1))
}

// ParseTokens is ParseList for an already-split collection.
func ParseTokens(tokens []string) (macs, rejected []string) {
	seen := make(map[string]bool)
	for _, tok := range tokens {
		tok = strings.TrimSpace(tok)
		if tok == "" {
			continue
		}
		fm := Normalize(tok)
		if !Valid(fm) {
			rejected = append(rejected, tok)
			continue
		}
		if !seen[fm] {
			seen[fm] = true
			macs = append(macs, fm)
		}
	}
	sort.Strings(macs)
	return macs, rejected
}

// IdentifierFor derives the stable registry identifier for a canonical
// MAC: the owner prefix plus the lowercased MAC with colons replaced
// by underscores.
func IdentifierFor(mac string) string {
	return IdentifierPrefix + strings.ReplaceAll(strings.ToLower(mac), ":", "_")
}

// FromIdentifier recovers the canonical MAC from an identifier
// produced by [IdentifierFor]. The second return is false when the
// identifier does not carry this bridge's prefix or is malformed.
func FromIdentifier(id string) (string, bool) {
	rest, ok := strings.CutPrefix(id, IdentifierPrefix)
	if !ok {
		return "", false
	}
	groups := strings.Split(rest, "_")
	if len(groups) != 6 {
		return "", false
	}
	for _, g := range groups {
		if !identGroup.MatchString(g) {
			return "", false
		}
	}
	return strings.ToUpper(strings.Join(groups, ":")), true
}

// ConnectionKey returns the single registry connection key for an
// access point: kind "mac", value lowercased.
func ConnectionKey(mac string) (kind, value string) {
	return ConnectionKind, strings.ToLower(mac)
}

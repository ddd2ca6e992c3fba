// Package names implements the display-name policy for access points.
//
// Two layers exist side by side: the registry's persistent name, which
// defaults to "Lancom AP <MAC>" until a user assigns one, and the
// MAC-free base name used for self-advertisements. The bluetooth
// monitor appends "(MAC)" itself, so base names must never carry a MAC
// fragment of their own.
package names

import (
	"regexp"
	"strings"
)

// BaseLabel is the generic MAC-free display name.
const BaseLabel = "Lancom AP"

var (
	// macAny matches MAC-shaped substrings anywhere in a name:
	// colon or hyphen delimited, or 12 contiguous hex digits.
	macAny = regexp.MustCompile(`([0-9A-Fa-f]{2}[:\-]){5}[0-9A-Fa-f]{2}|[0-9A-Fa-f]{12}`)
	wsRun  = regexp.MustCompile(`\s{2,}`)
)

// DefaultName is the MAC-qualified persistent registry name for new
// entries.
func DefaultName(mac string) string {
	return BaseLabel + " " + mac
}

// CleanUserName strips MAC noise from a user-assigned name: a literal
// trailing "(MAC)" suffix, then any MAC-shaped substring anywhere in
// the remaining text, then whitespace runs. An empty result falls back
// to [BaseLabel].
func CleanUserName(name, mac string) string {
	cleaned := stripParenMAC(name, mac)
	cleaned = strings.TrimSpace(macAny.ReplaceAllString(cleaned, ""))
	cleaned = wsRun.ReplaceAllLiteralString(cleaned, " ")
	if cleaned == "" {
		cleaned = BaseLabel
	}
	return cleaned
}

// LooksGeneric reports whether a persistent name is still
// default-like: exactly the MAC-qualified default, or anything with
// the generic label prefix. Alignment with a user name only happens
// while this holds.
func LooksGeneric(current, mac string) bool {
	return current == DefaultName(mac) || strings.HasPrefix(current, BaseLabel)
}

// stripParenMAC removes one literal trailing "(MAC)" suffix.
func stripParenMAC(name, mac string) string {
	if rest, ok := strings.CutSuffix(name, "("+mac+")"); ok {
		return strings.TrimSpace(rest)
	}
	return name
}

package engine

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// NormalizeName is the form a display name is stored in.
func NormalizeName(name string) string {
	return strings.Join(strings.Fields(norm.NFC.String(name)), " ")
}

// SameName compares display names the way a rejoining player expects:
// ignoring case, surrounding space and Unicode composition differences.
func SameName(a, b string) bool {
	// Casers are stateful; build one per call.
	fold := cases.Fold()
	return fold.String(NormalizeName(a)) == fold.String(NormalizeName(b))
}

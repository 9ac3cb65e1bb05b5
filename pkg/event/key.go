package event

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// NormalizeKey turns user input into the canonical search key for dir.
// Drugs are upper-cased, reactions title-cased; interior whitespace is
// collapsed for both.
func NormalizeKey(dir Direction, name string) string {
	name = CollapseSpaces(name)
	if name == "" {
		return ""
	}
	if dir == ByReaction {
		// Casers keep state between calls and must not be shared.
		return cases.Title(language.Und).String(name)
	}
	return strings.ToUpper(name)
}

// NormalizeDrugName applies the drug key rules to a product name read
// from a report.
func NormalizeDrugName(name string) string {
	return strings.ToUpper(CollapseSpaces(name))
}

// CollapseSpaces trims s and replaces every whitespace run with one space.
func CollapseSpaces(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

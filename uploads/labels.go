package uploads

import (
	"fmt"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"
)

// CanonicalLabel matches input against allowed ignoring case and Unicode
// normalisation form, and returns the allowed spelling.
func CanonicalLabel(input string, allowed []string) (string, error) {
	key := foldLabel(input)
	if key == "" {
		return "", fmt.Errorf("%w: label is required", ErrInvalidLabel)
	}
	for _, label := range allowed {
		if foldLabel(label) == key {
			return label, nil
		}
	}
	return "", fmt.Errorf("%w: %q (allowed: %s)", ErrInvalidLabel, input, strings.Join(allowed, ", "))
}

// Casers keep state between calls, so each call gets its own.
func foldLabel(s string) string {
	return cases.Fold().String(norm.NFC.String(strings.TrimSpace(s)))
}

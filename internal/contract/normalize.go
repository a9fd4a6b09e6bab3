package contract

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeIdentifier folds a service or application identifier into the
// form used for rule lookups: NFKC, lower case, inner whitespace collapsed.
func NormalizeIdentifier(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return s
	}
	s = strings.ToLower(norm.NFKC.String(s))
	return strings.Join(strings.Fields(s), " ")
}

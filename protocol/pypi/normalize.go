package pypi

import (
	"regexp"
	"strings"
)

// normalizeRegex matches runs of separators to normalize.
var normalizeRegex = regexp.MustCompile(`[-_.]+`)

// NormalizeName normalizes a project name according to PEP 503.
// Lowercases and replaces runs of '.', '-', '_' with a single '-'.
func NormalizeName(name string) string {
	return strings.ToLower(normalizeRegex.ReplaceAllString(name, "-"))
}

package pypi

import (
	"sort"
	"strings"
)

// supportedHashes are the digest algorithms accepted in index documents.
// These are the algorithms every Python runtime guarantees in hashlib.
var supportedHashes = map[string]struct{}{
	"md5":       {},
	"sha1":      {},
	"sha224":    {},
	"sha256":    {},
	"sha384":    {},
	"sha512":    {},
	"sha3_224":  {},
	"sha3_256":  {},
	"sha3_384":  {},
	"sha3_512":  {},
	"blake2b":   {},
	"blake2s":   {},
	"shake_128": {},
	"shake_256": {},
}

// SupportedHash reports whether kind is an accepted digest algorithm.
// The comparison is case-insensitive.
func SupportedHash(kind string) bool {
	_, ok := supportedHashes[strings.ToLower(kind)]
	return ok
}

// NewHash returns a Hash with a lowercased kind, or false if the kind is not
// supported or the value is empty.
func NewHash(kind, value string) (Hash, bool) {
	kind = strings.ToLower(strings.TrimSpace(kind))
	value = strings.TrimSpace(value)
	if value == "" || !SupportedHash(kind) {
		return Hash{}, false
	}
	return Hash{Kind: kind, Value: value}, true
}

// fragmentPreference orders the kinds considered for a link fragment, which
// carries a single digest. pip verifies whichever kind it finds.
var fragmentPreference = []string{"sha256", "sha512", "sha384", "sha3_256", "blake2b", "sha224"}

// PreferredHash picks the digest to advertise when only one fits, such as
// a URL fragment or a data-core-metadata attribute. sha256 wins when
// present; otherwise the strongest known kind, then the first kind in
// sorted order.
func PreferredHash(digests map[string]string) (Hash, bool) {
	for _, kind := range fragmentPreference {
		if v, ok := digests[kind]; ok && v != "" {
			return Hash{Kind: kind, Value: v}, true
		}
	}
	kinds := make([]string, 0, len(digests))
	for k, v := range digests {
		if v != "" {
			kinds = append(kinds, k)
		}
	}
	if len(kinds) == 0 {
		return Hash{}, false
	}
	sort.Strings(kinds)
	return Hash{Kind: kinds[0], Value: digests[kinds[0]]}, true
}

// parseHashFragment parses "kind=value" (a URL fragment or metadata
// attribute) into a Hash.
func parseHashFragment(s string) (Hash, bool) {
	kind, value, ok := strings.Cut(s, "=")
	if !ok {
		return Hash{}, false
	}
	return NewHash(kind, value)
}

// hashesFromMap converts a JSON hashes object into Hash values sorted by
// kind, dropping unsupported kinds and duplicate kinds after lowercasing.
func hashesFromMap(m map[string]string) []Hash {
	if len(m) == 0 {
		return nil
	}
	kinds := make([]string, 0, len(m))
	for k := range m {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	seen := make(map[string]struct{}, len(kinds))
	var out []Hash
	for _, k := range kinds {
		h, ok := NewHash(k, m[k])
		if !ok {
			continue
		}
		if _, dup := seen[h.Kind]; dup {
			continue
		}
		seen[h.Kind] = struct{}{}
		out = append(out, h)
	}
	return out
}

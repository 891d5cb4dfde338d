package util

import (
	"crypto/sha256"
	"fmt"
	"sort"
	"strings"
)

// Join concatenates non-empty parts with sep. Empty parts are skipped so an
// unset namespace does not leave a leading separator.
func Join(sep string, parts ...string) string {
	var b strings.Builder
	for _, p := range parts {
		if p == "" {
			continue
		}
		if b.Len() > 0 {
			b.WriteString(sep)
		}
		b.WriteString(p)
	}
	return b.String()
}

// SortedUnique returns the distinct members of keys in ascending order.
func SortedUnique(keys []string) []string {
	if len(keys) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Fingerprint returns prefix + ":" + the first 16 hex chars of sha256 over the
// sorted members. Order of keys does not matter.
func Fingerprint(prefix string, keys []string) string {
	s := make([]string, len(keys))
	copy(s, keys)
	sort.Strings(s)
	sum := sha256.Sum256([]byte(strings.Join(s, ",")))
	return fmt.Sprintf("%s:%x", prefix, sum)[:len(prefix)+1+16]
}

// Package keys maps zone names to cache keys and table names.
package keys

import (
	"fmt"
	"strings"

	"github.com/cespare/xxhash/v2"

	"github.com/mohammed-shakir/taz-flow-cache/internal/core/model"
)

// TablePrefix is prepended to every materialized table name.
const TablePrefix = "d_"

// postgres NAMEDATALEN-1
const maxIdentLen = 63

var replacer = strings.NewReplacer(
	" ", "_",
	"-", "_",
	"/", "_",
	`\`, "_",
	"(", "_",
	")", "_",
)

// Normalize lowercases name and folds delimiters to '_'. Names that differ
// only in case or delimiter choice share a key on purpose.
func Normalize(name string) model.CacheKey {
	s := strings.ToLower(strings.TrimSpace(name))
	return model.CacheKey(replacer.Replace(s))
}

// TableName derives the materialized table name for key. Keys that are
// already plain identifiers map to d_<key>; anything else keeps a sanitized
// prefix and gets a 64-bit hash suffix.
func TableName(key model.CacheKey) string {
	k := string(key)
	if plain(k) && len(TablePrefix)+len(k) <= maxIdentLen {
		return TablePrefix + k
	}

	sum := xxhash.Sum64String(k)
	suffix := fmt.Sprintf("_%016x", sum)

	prefix := sanitize(k)
	if room := maxIdentLen - len(TablePrefix) - len(suffix); len(prefix) > room {
		prefix = prefix[:room]
	}
	return TablePrefix + prefix + suffix
}

func plain(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !identByte(s[i]) {
			return false
		}
	}
	return true
}

// replaces non-identifier bytes with '_' and squeezes runs
func sanitize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	var prev byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		if !identByte(c) {
			c = '_'
		}
		if c == '_' && prev == '_' {
			continue
		}
		b.WriteByte(c)
		prev = c
	}
	return b.String()
}

func identByte(c byte) bool {
	return (c >= 'a' && c <= 'z') || (c >= '0' && c <= '9') || c == '_'
}

package graphcache

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"io"
	"maps"
	"slices"
	"strconv"
	"strings"
)

// paginationKeys are navigation state, not identity, when they appear in the
// outer arguments of a connection.
var paginationKeys = []string{"after", "before", "cursor"}

// StableString returns the stable, type-tagged serialization of the given
// argument value: maps are written with their keys sorted lexicographically and
// every scalar is prefixed with its runtime type tag (e.g. `string:"x"`,
// `number:5`, `boolean:true`, `null`). Two structurally-equal values always
// serialize identically, regardless of key insertion order or of the Go type
// used to hold a number.
func StableString(v any) string {
	var b strings.Builder
	writeStable(&b, v)
	return b.String()
}

func writeStable(b *strings.Builder, v any) {
	if v == nil {
		b.WriteString("null")
		return
	}
	if f, ok := toFloat(v); ok {
		b.WriteString("number:")
		b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
		return
	}
	switch x := v.(type) {
	case string:
		b.WriteString("string:")
		b.WriteString(strconv.Quote(x))
	case bool:
		b.WriteString("boolean:")
		b.WriteString(strconv.FormatBool(x))
	case NodeRef:
		b.WriteString("ref:")
		b.WriteString(strconv.Quote(string(x.ID)))
	case EntityID:
		b.WriteString("string:")
		b.WriteString(strconv.Quote(string(x)))
	case []string:
		b.WriteByte('[')
		for i, s := range x {
			if i > 0 {
				b.WriteByte(',')
			}
			writeStable(b, s)
		}
		b.WriteByte(']')
	default:
		if m := asMap(v); m != nil {
			b.WriteByte('{')
			for i, k := range slices.Sorted(maps.Keys(m)) {
				if i > 0 {
					b.WriteByte(',')
				}
				b.WriteString(strconv.Quote(k))
				b.WriteByte(':')
				writeStable(b, m[k])
			}
			b.WriteByte('}')
			return
		}
		if s, ok := asSlice(v); ok {
			b.WriteByte('[')
			for i, e := range s {
				if i > 0 {
					b.WriteByte(',')
				}
				writeStable(b, e)
			}
			b.WriteByte(']')
			return
		}
		fmt.Fprintf(b, "%T:%v", v, v)
	}
}

// HashArgs digests the stable serialization of the given arguments, leaving out
// the values under the ignored keys. A nil or empty argument set hashes to the
// zero ArgsHash.
func HashArgs(args map[string]any, ignore ...string) ArgsHash {
	kept := make(map[string]any, len(args))
	for k, v := range args {
		if slices.Contains(ignore, k) {
			continue
		}
		kept[k] = v
	}
	if len(kept) == 0 {
		return ArgsHash{}
	}
	h := sha1.New()
	io.WriteString(h, StableString(kept))
	return ArgsHash(h.Sum(nil))
}

// ArgsHash is a consistent hash over a set of resolved arguments. Two argument
// sets with the same ArgsHash are considered the same request, which makes the
// hash usable as a pagination and caching key.
type ArgsHash [sha1.Size]byte

func (h ArgsHash) String() string {
	return hex.EncodeToString(h[:6])
}

// IsZero reports whether h is the zero value of the type.
func (h ArgsHash) IsZero() bool {
	return h == ArgsHash{}
}

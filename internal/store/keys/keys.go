// Package keys builds deterministic cache keys from a task namespace and
// its fetch parameters.
package keys

import (
	"fmt"
	"sort"
	"strings"
	"unicode"

	"github.com/cespare/xxhash/v2"
)

// Key renders "namespace:k1=v1:k2=v2:p=<hex64>". Params are sorted so map
// iteration order never leaks into the key, and the canonical param text is
// hashed so truncation cannot cause collisions.
func Key(namespace string, params map[string]string) string {
	ns := sanitizeForKey(strings.TrimSpace(namespace))

	canonical := canonicalParams(params)
	paramSafe := sanitizeForKey(canonical)

	const maxParamTextLen = 160
	if len(paramSafe) > maxParamTextLen {
		paramSafe = paramSafe[:maxParamTextLen]
	}

	sum := xxhash.Sum64String(canonical)

	if paramSafe == "" {
		return fmt.Sprintf("%s:p=%016x", ns, sum)
	}
	return fmt.Sprintf("%s:%s:p=%016x", ns, paramSafe, sum)
}

// canonicalParams joins params as "k=v" segments in sorted key order.
func canonicalParams(params map[string]string) string {
	if len(params) == 0 {
		return ""
	}
	ks := make([]string, 0, len(params))
	for k := range params {
		ks = append(ks, k)
	}
	sort.Strings(ks)

	var b strings.Builder
	for i, k := range ks {
		if i > 0 {
			b.WriteByte(':')
		}
		b.WriteString(strings.TrimSpace(k))
		b.WriteByte('=')
		b.WriteString(collapseASCIIWhitespace(params[k]))
	}
	return b.String()
}

func sanitizeForKey(s string) string {
	if s == "" {
		return ""
	}
	var b strings.Builder
	b.Grow(len(s))

	var prev rune
	for _, r := range s {
		out := rune(0)
		switch {
		case r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f':
			out = '_'
		case isAlphaNum(r) || r == ':' || r == '_' || r == '-' || r == '=' || r == '.':
			out = r
		default:
			// Any other rune (including non-ASCII) becomes '-'
			out = '-'
		}
		if (out == '_' || out == '-') && out == prev {
			continue
		}
		b.WriteRune(out)
		prev = out
	}
	return b.String()
}

// converts any run of ASCII whitespace to a single space.
func collapseASCIIWhitespace(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	wasWS := false
	for _, r := range s {
		if r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '\v' || r == '\f' {
			if !wasWS {
				b.WriteByte(' ')
				wasWS = true
			}
			continue
		}
		b.WriteRune(r)
		wasWS = false
	}
	return strings.TrimSpace(b.String())
}

func isAlphaNum(r rune) bool {
	return (r >= 'a' && r <= 'z') ||
		(r >= 'A' && r <= 'Z') ||
		unicode.IsDigit(r)
}

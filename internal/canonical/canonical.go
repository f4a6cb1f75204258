// Package canonical produces bytewise-stable serialisations of catalogue
// entities, SHA-256 digests over them, and typed diffs between successive
// snapshots of the same entity.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
)

// Canonicalize returns a bytewise-stable serialisation of v: all mappings
// sorted by key, whitespace collapsed inside strings, null vs empty-string
// preserved. v is round-tripped through JSON, so any struct with json tags
// works.
func Canonicalize(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshalling entity: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var tree any
	if err := dec.Decode(&tree); err != nil {
		return nil, fmt.Errorf("decoding entity: %w", err)
	}

	var buf bytes.Buffer
	if err := encodeCanonical(&buf, normalizeTree(tree)); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Hash returns the lowercase-hex SHA-256 digest of the canonical form of v.
func Hash(v any) (string, error) {
	b, err := Canonicalize(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// HashBytes returns the lowercase-hex SHA-256 digest of b.
func HashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// CollapseWhitespace trims s and collapses internal whitespace runs to a
// single space.
func CollapseWhitespace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// normalizeTree collapses whitespace in every string of a decoded JSON tree.
func normalizeTree(v any) any {
	switch t := v.(type) {
	case string:
		return CollapseWhitespace(t)
	case map[string]any:
		for k, val := range t {
			t[k] = normalizeTree(val)
		}
		return t
	case []any:
		for i, val := range t {
			t[i] = normalizeTree(val)
		}
		return t
	default:
		return v
	}
}

// encodeCanonical writes v as JSON with sorted object keys and no extra
// whitespace. json.Number values are written verbatim so numbers survive
// without float round-trips.
func encodeCanonical(buf *bytes.Buffer, v any) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case json.Number:
		buf.WriteString(t.String())
	case map[string]any:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}
			kb, err := json.Marshal(k)
			if err != nil {
				return err
			}
			buf.Write(kb)
			buf.WriteByte(':')
			if err := encodeCanonical(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteByte('}')
	case []any:
		buf.WriteByte('[')
		for i, e := range t {
			if i > 0 {
				buf.WriteByte(',')
			}
			if err := encodeCanonical(buf, e); err != nil {
				return err
			}
		}
		buf.WriteByte(']')
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return err
		}
		buf.Write(b)
	}
	return nil
}

// trackingParams are query parameters dropped during URL normalisation.
var trackingParams = map[string]bool{
	"gclid":  true,
	"fbclid": true,
	"msclkid": true,
}

// NormalizeURL lowercases scheme and host, strips default ports, fragments
// and tracking parameters, sorts the remaining query, and removes a trailing
// slash on non-root paths.
func NormalizeURL(raw string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return "", fmt.Errorf("parsing url: %w", err)
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.Fragment = ""

	if h, p, ok := strings.Cut(u.Host, ":"); ok {
		if (u.Scheme == "http" && p == "80") || (u.Scheme == "https" && p == "443") {
			u.Host = h
		}
	}

	q := u.Query()
	for k := range q {
		if trackingParams[k] || strings.HasPrefix(strings.ToLower(k), "utm_") {
			q.Del(k)
		}
	}
	u.RawQuery = q.Encode() // Encode sorts keys

	if len(u.Path) > 1 {
		u.Path = strings.TrimSuffix(u.Path, "/")
	}

	return u.String(), nil
}

// ParseMinorUnits parses a displayed price string ("$59,990", "AUD 45,990.50")
// into integer minor units (cents). The currency symbol or code is ignored.
func ParseMinorUnits(raw string) (int64, error) {
	s := strings.TrimSpace(raw)
	var b strings.Builder
	for _, r := range s {
		if (r >= '0' && r <= '9') || r == '.' {
			b.WriteRune(r)
		}
	}
	num := b.String()
	if num == "" {
		return 0, fmt.Errorf("no digits in price %q", raw)
	}

	whole, frac, _ := strings.Cut(num, ".")
	if whole == "" {
		whole = "0"
	}
	major, err := strconv.ParseInt(whole, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parsing price %q: %w", raw, err)
	}

	var cents int64
	switch {
	case len(frac) == 0:
	case len(frac) == 1:
		cents, _ = strconv.ParseInt(frac, 10, 64)
		cents *= 10
	default:
		cents, err = strconv.ParseInt(frac[:2], 10, 64)
		if err != nil {
			return 0, fmt.Errorf("parsing price %q: %w", raw, err)
		}
	}

	return major*100 + cents, nil
}

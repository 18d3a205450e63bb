// Package canonical provides deterministic JSON canonicalisation and
// SHA-256 hashing for actions and audit records. Two structurally equal
// values always produce identical bytes, regardless of map iteration
// order or how the value was decoded.
package canonical

import (
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
	"unicode/utf16"
)

// ErrUnsupportedValue is returned when a value cannot be represented in
// canonical form (NaN, infinities, channels, funcs, etc).
var ErrUnsupportedValue = errors.New("canonical: unsupported value")

// Marshal returns the canonical JSON encoding of v.
//
// Canonical form: object keys sorted lexicographically, compact
// separators, non-ASCII escaped as \uXXXX, integers rendered without
// exponent or fraction, finite floats in shortest round-trip form.
// NaN and infinities are rejected.
func Marshal(v any) ([]byte, error) {
	var b strings.Builder
	if err := encode(&b, v); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}

// Hash returns the SHA-256 digest of the canonical encoding of v.
func Hash(v any) ([32]byte, error) {
	data, err := Marshal(v)
	if err != nil {
		return [32]byte{}, err
	}
	return sha256.Sum256(data), nil
}

// HashHex returns the lowercase hex SHA-256 digest of the canonical
// encoding of v.
func HashHex(v any) (string, error) {
	sum, err := Hash(v)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%x", sum[:]), nil
}

func encode(b *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case bool:
		if val {
			b.WriteString("true")
		} else {
			b.WriteString("false")
		}
	case string:
		encodeString(b, val)
	case json.Number:
		return encodeNumber(b, val.String())
	case float64:
		return encodeFloat(b, val)
	case float32:
		return encodeFloat(b, float64(val))
	case int:
		b.WriteString(strconv.FormatInt(int64(val), 10))
	case int8:
		b.WriteString(strconv.FormatInt(int64(val), 10))
	case int16:
		b.WriteString(strconv.FormatInt(int64(val), 10))
	case int32:
		b.WriteString(strconv.FormatInt(int64(val), 10))
	case int64:
		b.WriteString(strconv.FormatInt(val, 10))
	case uint:
		b.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint8:
		b.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint16:
		b.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint32:
		b.WriteString(strconv.FormatUint(uint64(val), 10))
	case uint64:
		b.WriteString(strconv.FormatUint(val, 10))
	case map[string]any:
		return encodeObject(b, val)
	case []any:
		return encodeArray(b, val)
	default:
		// Structs and typed maps/slices: round-trip through encoding/json
		// with UseNumber so numbers survive exactly, then re-encode.
		return encodeViaJSON(b, v)
	}
	return nil
}

func encodeViaJSON(b *strings.Builder, v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
	}
	dec := json.NewDecoder(strings.NewReader(string(raw)))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return fmt.Errorf("%w: %v", ErrUnsupportedValue, err)
	}
	return encode(b, generic)
}

func encodeObject(b *strings.Builder, m map[string]any) error {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			b.WriteByte(',')
		}
		encodeString(b, k)
		b.WriteByte(':')
		if err := encode(b, m[k]); err != nil {
			return err
		}
	}
	b.WriteByte('}')
	return nil
}

func encodeArray(b *strings.Builder, a []any) error {
	b.WriteByte('[')
	for i, el := range a {
		if i > 0 {
			b.WriteByte(',')
		}
		if err := encode(b, el); err != nil {
			return err
		}
	}
	b.WriteByte(']')
	return nil
}

// encodeNumber renders a json.Number. Values that are mathematically
// integers are rendered as integers; everything else goes through the
// float path.
func encodeNumber(b *strings.Builder, s string) error {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		b.WriteString(strconv.FormatInt(i, 10))
		return nil
	}
	if u, err := strconv.ParseUint(s, 10, 64); err == nil {
		b.WriteString(strconv.FormatUint(u, 10))
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("%w: number %q", ErrUnsupportedValue, s)
	}
	return encodeFloat(b, f)
}

func encodeFloat(b *strings.Builder, f float64) error {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("%w: non-finite float", ErrUnsupportedValue)
	}
	if f == math.Trunc(f) && math.Abs(f) < 1e15 {
		// Whole-valued floats normalise to integers so 100 and 100.0
		// hash identically.
		b.WriteString(strconv.FormatInt(int64(f), 10))
		return nil
	}
	// Shortest round-trip representation.
	b.WriteString(strconv.FormatFloat(f, 'g', -1, 64))
	return nil
}

// encodeString writes a JSON string with all non-ASCII runes escaped.
func encodeString(b *strings.Builder, s string) {
	b.WriteByte('"')
	for _, r := range s {
		switch r {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		default:
			if r < 0x20 || r > 0x7e {
				if r > 0xffff {
					r1, r2 := utf16.EncodeRune(r)
					fmt.Fprintf(b, `\u%04x\u%04x`, r1, r2)
				} else {
					fmt.Fprintf(b, `\u%04x`, r)
				}
			} else {
				b.WriteRune(r)
			}
		}
	}
	b.WriteByte('"')
}

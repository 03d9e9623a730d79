// Package canonjson produces a canonical JSON encoding used as the
// interoperability contract between the agent and the server: the system
// inventory hash on both sides is the SHA-256 of this encoding, so both
// must agree byte-for-byte.
//
// Canonical form: object keys sorted lexicographically, arrays in source
// order, no insignificant whitespace, primitives encoded as encoding/json
// would encode them.
package canonjson

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
)

// Marshal returns the canonical JSON encoding of v. v is first round-tripped
// through encoding/json so struct tags and json.Marshaler implementations
// apply before canonicalization.
func Marshal(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshaling value: %w", err)
	}

	var decoded any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decoding intermediate json: %w", err)
	}

	var buf bytes.Buffer
	if err := encode(&buf, decoded); err != nil {
		return nil, err
	}

	return buf.Bytes(), nil
}

// Hash returns the lowercase hex SHA-256 of the canonical encoding of v.
func Hash(v any) (string, error) {
	data, err := Marshal(v)
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(data)

	return hex.EncodeToString(sum[:]), nil
}

func encode(buf *bytes.Buffer, v any) error {
	switch val := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if val {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		data, err := json.Marshal(val)
		if err != nil {
			return fmt.Errorf("encoding string: %w", err)
		}

		buf.Write(data)
	case json.Number:
		if err := encodeNumber(buf, val); err != nil {
			return err
		}
	case []any:
		buf.WriteByte('[')

		for i, item := range val {
			if i > 0 {
				buf.WriteByte(',')
			}

			if err := encode(buf, item); err != nil {
				return err
			}
		}

		buf.WriteByte(']')
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}

		sort.Strings(keys)

		buf.WriteByte('{')

		for i, k := range keys {
			if i > 0 {
				buf.WriteByte(',')
			}

			keyData, err := json.Marshal(k)
			if err != nil {
				return fmt.Errorf("encoding key %q: %w", k, err)
			}

			buf.Write(keyData)
			buf.WriteByte(':')

			if err := encode(buf, val[k]); err != nil {
				return err
			}
		}

		buf.WriteByte('}')
	default:
		return fmt.Errorf("unsupported type %T", v)
	}

	return nil
}

// encodeNumber writes a number the way JSON.stringify would: integers
// without a fractional part, floats in shortest form.
func encodeNumber(buf *bytes.Buffer, n json.Number) error {
	if i, err := n.Int64(); err == nil {
		buf.WriteString(strconv.FormatInt(i, 10))

		return nil
	}

	f, err := n.Float64()
	if err != nil {
		return fmt.Errorf("encoding number %q: %w", n, err)
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return fmt.Errorf("number %q is not representable in json", n)
	}

	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("encoding number %q: %w", n, err)
	}

	buf.Write(data)

	return nil
}

// Package canonical provides deterministic JSON serialization and stable
// SHA-256 hashing. Every hash that ends up in the ledger — request hashes,
// decision hashes, event hashes — is built from these helpers so that a
// replay of the same inputs reproduces the same digests byte for byte.
package canonical

import (
	"bytes"
	"crypto/sha256"
	"encoding/base32"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// JSON re-encodes v into canonical form: object keys sorted, compact
// separators, no HTML escaping. v may be any JSON-marshalable value,
// including json.RawMessage.
func JSON(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("canonical marshal: %w", err)
	}
	// Round-trip through any so map keys come out sorted regardless of
	// the original struct field order or raw-message formatting.
	var decoded any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&decoded); err != nil {
		return nil, fmt.Errorf("canonical decode: %w", err)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(decoded); err != nil {
		return nil, fmt.Errorf("canonical encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// MustJSON is JSON for values that cannot fail (already-validated bodies).
func MustJSON(v any) []byte {
	b, err := JSON(v)
	if err != nil {
		panic(err)
	}
	return b
}

// HashHex digests the given parts with SHA-256, newline-delimited, and
// returns the lowercase hex form. The delimiter prevents ambiguity between
// ("ab","c") and ("a","bc").
func HashHex(parts ...[]byte) string {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
		h.Write([]byte{'\n'})
	}
	return hex.EncodeToString(h.Sum(nil))
}

// HashHexStrings is HashHex over string parts.
func HashHexStrings(parts ...string) string {
	bs := make([][]byte, len(parts))
	for i, p := range parts {
		bs[i] = []byte(p)
	}
	return HashHex(bs...)
}

var b32 = base32.StdEncoding.WithPadding(base32.NoPadding)

// Base32 encodes raw bytes as unpadded uppercase base32, the alphabet used
// for compact execution identifiers.
func Base32(raw []byte) string {
	return b32.EncodeToString(raw)
}

package trustlog

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Canonical returns the canonical JSON encoding used for chain hashing:
// UTF-8, object keys sorted, no insignificant whitespace, HTML and
// non-ASCII characters unescaped. The value is round-tripped through a
// generic decode so that struct field order never leaks into the hash.
func Canonical(v any) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("trustlog: canonical marshal: %w", err)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var generic any
	if err := dec.Decode(&generic); err != nil {
		return nil, fmt.Errorf("trustlog: canonical decode: %w", err)
	}

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(generic); err != nil {
		return nil, fmt.Errorf("trustlog: canonical encode: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}

// EntryHash computes the chain hash for one entry:
// SHA-256(prev || canonical(entry without hash fields)), lowercase hex.
// prev is empty for the genesis entry.
func EntryHash(prev, requestID, createdAt, stage string, payload map[string]any) (string, error) {
	body, err := Canonical(map[string]any{
		"request_id": requestID,
		"created_at": createdAt,
		"stage":      stage,
		"payload":    payload,
	})
	if err != nil {
		return "", err
	}
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write(body)
	return hex.EncodeToString(h.Sum(nil)), nil
}

package pack

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Canonical produces the canonical serialization of a package:
//
//  1. Entity arrays sorted by their stable keys.
//  2. Object keys sorted lexicographically at every level (maps marshal with
//     sorted keys).
//  3. Unset optional fields dropped; null values pruned.
//
// Two semantically equal packages canonicalize to identical bytes.
func Canonical(p *Package) ([]byte, error) {
	sorted := p.Clone()
	sorted.sortEntities()

	raw, err := json.Marshal(sorted)
	if err != nil {
		return nil, fmt.Errorf("marshal package: %w", err)
	}

	var generic any
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, fmt.Errorf("reparse package: %w", err)
	}

	return json.Marshal(pruneNulls(generic))
}

// Checksum computes the SHA-256 of the canonical form, hex-encoded.
func Checksum(p *Package) (string, error) {
	canonical, err := Canonical(p)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// pruneNulls removes null values so an explicitly-null optional and an absent
// one canonicalize identically.
func pruneNulls(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if val == nil {
				continue
			}
			out[k] = pruneNulls(val)
		}
		return out
	case []any:
		out := make([]any, 0, len(t))
		for _, val := range t {
			out = append(out, pruneNulls(val))
		}
		return out
	default:
		return v
	}
}

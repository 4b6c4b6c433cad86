// Package checksum computes the content digests used in manifests.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"golang.org/x/text/unicode/norm"
)

// Sum returns the hex-encoded SHA-256 digest of data.
func Sum(data []byte) string {
	h := sha256.Sum256(data)
	return hex.EncodeToString(h[:])
}

// Contents returns the digest of a record's contents. Strings are NFC
// normalised and object keys are emitted in sorted order, so equal contents
// always hash equally regardless of map iteration order or Unicode form.
func Contents(contents map[string]any) (string, error) {
	data, err := json.Marshal(normalize(contents))
	if err != nil {
		return "", fmt.Errorf("checksum: marshal contents: %w", err)
	}
	return Sum(data), nil
}

func normalize(v any) any {
	switch val := v.(type) {
	case string:
		return norm.NFC.String(val)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			out[norm.NFC.String(k)] = normalize(elem)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = normalize(elem)
		}
		return out
	case []string:
		out := make([]any, len(val))
		for i, elem := range val {
			out[i] = norm.NFC.String(elem)
		}
		return out
	default:
		return val
	}
}

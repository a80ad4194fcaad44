// Package utils provides JSON encoding helpers and canonical-JSON based
// cache key derivation.
//
// Design Notes:
//   - JSON is the only wire format; no pluggable encoding (the teacher's
//     msgpack placeholder is dropped, nothing in this domain needs it).
//   - Canonical JSON recursively sorts object keys so the same logical
//     parameter set always hashes to the same 8-hex-character digest,
//     regardless of map iteration or construction order.
package utils

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// MarshalJSON is a convenience wrapper for encoding arbitrary data.
// Use this for metrics, metadata, or other structured data.
func MarshalJSON(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %w", err)
	}
	return data, nil
}

// UnmarshalJSON is a convenience wrapper for decoding arbitrary data.
func UnmarshalJSON(data []byte, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("cannot unmarshal empty data")
	}

	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal JSON: %w", err)
	}

	return nil
}

// CompactJSON compacts JSON by removing whitespace.
// Useful for reducing payload size when human-readability isn't needed.
func CompactJSON(data []byte) ([]byte, error) {
	var compacted json.RawMessage
	if err := json.Unmarshal(data, &compacted); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	return json.Marshal(compacted)
}

// PrettyJSON formats JSON with indentation for human readability.
// Useful for debugging and admin UIs.
func PrettyJSON(data []byte) ([]byte, error) {
	var v interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}

	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to format JSON: %w", err)
	}

	return pretty, nil
}

// EstimateEncodedSize estimates the encoded size of a value in bytes.
// This is approximate and used for memory accounting.
//
// Note: Actual size may vary slightly due to encoding overhead.
func EstimateEncodedSize(v interface{}) int {
	data, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(data)
}

// CanonicalJSON encodes v as UTF-8 JSON with object keys sorted
// lexicographically at every level and compact separators, so that two
// semantically equal parameter sets always encode identically regardless
// of map iteration order or field order in the source value.
func CanonicalJSON(v interface{}) ([]byte, error) {
	normalized, err := normalize(v)
	if err != nil {
		return nil, fmt.Errorf("canonicalize: %w", err)
	}
	return json.Marshal(normalized)
}

// normalize round-trips v through JSON so arbitrary Go values (structs,
// maps with non-string-keyed equivalents, etc.) land on the same
// map[string]interface{}/[]interface{}/scalar shape, then recursively
// rebuilds maps as ordered-key structures via sortedMap so json.Marshal
// emits keys in sorted order at every nesting level.
func normalize(v interface{}) (interface{}, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var generic interface{}
	if err := json.Unmarshal(data, &generic); err != nil {
		return nil, err
	}
	return sortValue(generic), nil
}

func sortValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return sortedMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = sortValue(item)
		}
		return out
	default:
		return val
	}
}

// sortedMap is a json.Marshaler that emits its entries in lexicographic
// key order, regardless of Go map iteration order.
type sortedMap map[string]interface{}

func (m sortedMap) MarshalJSON() ([]byte, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf []byte
	buf = append(buf, '{')
	for i, k := range keys {
		if i > 0 {
			buf = append(buf, ',')
		}
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return nil, err
		}
		buf = append(buf, keyJSON...)
		buf = append(buf, ':')
		valJSON, err := json.Marshal(sortValue(m[k]))
		if err != nil {
			return nil, err
		}
		buf = append(buf, valJSON...)
	}
	buf = append(buf, '}')
	return buf, nil
}

// ParamHash returns the first 8 hex characters of the SHA-256 digest of
// the canonical JSON encoding of params, per the key-derivation rule in
// the cache core's contract. A nil or empty params value hashes the
// canonical empty object.
func ParamHash(params interface{}) (string, error) {
	if params == nil {
		params = map[string]interface{}{}
	}
	data, err := CanonicalJSON(params)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])[:8], nil
}

// DeriveKey builds the cache key "<resourceType>:<accountID>[:<paramHash>]"
// for the given resource type, account, and parameters. An empty or nil
// params value yields the two-segment form.
func DeriveKey(resourceType, accountID string, params interface{}) (string, error) {
	empty := params == nil
	if m, ok := params.(map[string]interface{}); ok && len(m) == 0 {
		empty = true
	}
	if !empty {
		if canonical, err := CanonicalJSON(params); err == nil && string(canonical) == "{}" {
			empty = true
		}
	}
	if empty {
		return resourceType + ":" + accountID, nil
	}
	hash, err := ParamHash(params)
	if err != nil {
		return "", err
	}
	return resourceType + ":" + accountID + ":" + hash, nil
}
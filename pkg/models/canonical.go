package models

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"sort"
	"strings"
)

// CanonicalizeJSON returns a stable canonical encoding: object keys sorted,
// no insignificant whitespace, numbers emitted as decoded. Used to derive
// cache keys and audit hashes for operation payloads.
func CanonicalizeJSON(raw json.RawMessage) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := canonicalizeValue(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func canonicalizeValue(buf *bytes.Buffer, v interface{}) error {
	switch t := v.(type) {
	case nil:
		buf.WriteString("null")
	case bool:
		if t {
			buf.WriteString("true")
		} else {
			buf.WriteString("false")
		}
	case string:
		b, _ := json.Marshal(t)
		buf.Write(b)
	case json.Number:
		buf.WriteString(t.String())
	case []interface{}:
		buf.WriteString("[")
		for i, vv := range t {
			if i > 0 {
				buf.WriteString(",")
			}
			if err := canonicalizeValue(buf, vv); err != nil {
				return err
			}
		}
		buf.WriteString("]")
	case map[string]interface{}:
		buf.WriteString("{")
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for i, k := range keys {
			if i > 0 {
				buf.WriteString(",")
			}
			ks, _ := json.Marshal(k)
			buf.Write(ks)
			buf.WriteString(":")
			if err := canonicalizeValue(buf, t[k]); err != nil {
				return err
			}
		}
		buf.WriteString("}")
	default:
		return errors.New("unsupported json type")
	}
	return nil
}

// OperationHash computes
// sha256( contractID + "|" + opName + "|" + canonical(params) + "|" + canonical(content) ).
// Identical proposed operations on a contract hash to the same key, which lets
// the validator reuse a cached oracle verdict. Content participates so a
// response payload never collides with the request that produced it.
func OperationHash(contractID string, op OperationDescriptor) string {
	payload := contractID + "|" + op.Name + "|" + string(canonicalOrRaw(op.Params)) + "|" + string(canonicalOrRaw(op.Content))
	h := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(h[:])
}

func canonicalOrRaw(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return []byte("null")
	}
	if c, err := CanonicalizeJSON(raw); err == nil {
		return c
	}
	return raw
}

// NormalizeSet trims, lowercases, deduplicates and sorts a constraint or
// category list. Empty entries are dropped.
func NormalizeSet(items ...[]string) []string {
	seen := map[string]struct{}{}
	out := make([]string, 0)
	for _, list := range items {
		for _, item := range list {
			item = strings.ToLower(strings.TrimSpace(item))
			if item == "" {
				continue
			}
			if _, ok := seen[item]; ok {
				continue
			}
			seen[item] = struct{}{}
			out = append(out, item)
		}
	}
	sort.Strings(out)
	return out
}

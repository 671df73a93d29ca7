package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"

	"mcpgw/pkg/models"
)

// redactRecord strips payloads down to salted hashes while keeping the
// decision itself readable. Operation parameters and response content may
// contain exactly the data a contract forbids leaking; the audit trail keeps
// their fingerprints, not their bytes.
func redactRecord(rec Record, salt []byte) Record {
	rec.ClientID = hashString(rec.ClientID, salt)
	rec.OperationRaw = redactOperation(rec.OperationRaw, salt)
	return rec
}

func redactOperation(raw json.RawMessage, salt []byte) json.RawMessage {
	if len(raw) == 0 {
		return raw
	}
	var op models.OperationDescriptor
	if err := json.Unmarshal(raw, &op); err != nil {
		payload := map[string]interface{}{
			"operation_hash":  hashBytes(raw, salt),
			"redaction_error": "invalid_json",
		}
		b, _ := json.Marshal(payload)
		return b
	}
	redacted := map[string]interface{}{
		"name":         op.Name,
		"params_hash":  hashJSONRaw(op.Params, salt),
		"content_hash": hashJSONRaw(op.Content, salt),
	}
	b, _ := json.Marshal(redacted)
	return b
}

func hashJSONRaw(raw json.RawMessage, salt []byte) string {
	if len(raw) == 0 {
		return ""
	}
	canon, err := models.CanonicalizeJSON(raw)
	if err != nil {
		return hashBytes(raw, salt)
	}
	return hashBytes(canon, salt)
}

func hashString(v string, salt []byte) string {
	if v == "" {
		return ""
	}
	return hashBytes([]byte(v), salt)
}

func hashBytes(b []byte, salt []byte) string {
	h := sha256.New()
	if len(salt) > 0 {
		_, _ = h.Write(salt)
	}
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}

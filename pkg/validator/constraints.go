package validator

import (
	"fmt"
	"strings"

	"mcpgw/pkg/models"
)

// constraintPatterns maps a constraint-name prefix to substrings that, when
// present in the operation name or payload, block the transaction without an
// oracle round trip. Prefix matching lets declared variants like
// no_personal_data_storage share the no_personal_data deny list. The oracle
// still judges anything that passes.
var constraintPatterns = []struct {
	prefix   string
	patterns []string
}{
	{"read_only", []string{"delete", "drop", "insert", "update", "write", "create", "truncate"}},
	{"no_write", []string{"delete", "drop", "insert", "update", "write", "create", "truncate"}},
	{"no_personal_data", []string{"ssn", "passport", "credit_card", "personal", "private", "password", "home_address", "location_history"}},
	{"no_pii", []string{"ssn", "passport", "credit_card", "personal", "private", "password", "home_address", "location_history"}},
	{"no_location_tracking", []string{"location", "coordinates", "latitude", "longitude", "geoloc"}},
	{"no_external_calls", []string{"http://", "https://", "webhook", "callback_url"}},
	{"local_only", []string{"http://", "https://", "webhook", "callback_url"}},
	{"no_code_execution", []string{"exec", "eval", "spawn", "shell"}},
}

// screenConstraints returns a non-empty reason when a deterministic
// constraint check blocks the operation.
func screenConstraints(effective []string, op models.OperationDescriptor) string {
	haystack := strings.ToLower(op.Name)
	if len(op.Params) > 0 {
		haystack += " " + strings.ToLower(string(op.Params))
	}
	if len(op.Content) > 0 {
		haystack += " " + strings.ToLower(string(op.Content))
	}
	for _, constraint := range effective {
		for _, entry := range constraintPatterns {
			if !strings.HasPrefix(constraint, entry.prefix) {
				continue
			}
			for _, p := range entry.patterns {
				if strings.Contains(haystack, p) {
					return fmt.Sprintf("constraint deny-list: %q blocks operation, matched %q", constraint, p)
				}
			}
		}
	}
	return ""
}

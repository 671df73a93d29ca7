package models

import (
	"encoding/json"
	"time"
)

// ClientIntentDeclaration is a client's declared purpose for interacting
// with a tool server. Immutable once registered.
type ClientIntentDeclaration struct {
	IntentID         string          `json:"intent_id"`
	Purpose          string          `json:"purpose"`
	DataRequirements []string        `json:"data_requirements"`
	Constraints      []string        `json:"constraints"`
	DurationMinutes  int             `json:"duration_minutes,omitempty"`
	Context          json.RawMessage `json:"context,omitempty"`
	ClientID         string          `json:"client_id,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
}

// Sensitivity levels, ordered from least to most restricted.
const (
	SensitivityPublic       = "public"
	SensitivityRestricted   = "restricted"
	SensitivityConfidential = "confidential"
)

// SensitivityRank maps a sensitivity label to its position in the ordering.
// Unknown labels rank above confidential so they are never treated as open.
func SensitivityRank(s string) int {
	switch s {
	case SensitivityPublic:
		return 0
	case SensitivityRestricted:
		return 1
	case SensitivityConfidential:
		return 2
	default:
		return 3
	}
}

// ServerCapabilityDeclaration is a server's declared data offerings and the
// boundaries it guarantees. Immutable once registered.
type ServerCapabilityDeclaration struct {
	CapabilityID        string    `json:"capability_id"`
	ServerName          string    `json:"server_name,omitempty"`
	Provides            []string  `json:"provides"`
	Boundaries          []string  `json:"boundaries"`
	SupportedOperations []string  `json:"supported_operations"`
	DataSensitivity     string    `json:"data_sensitivity"`
	CreatedAt           time.Time `json:"created_at"`
}

// Verdict status values produced by the compatibility oracle.
const (
	VerdictCompatible   = "compatible"
	VerdictIncompatible = "incompatible"
	VerdictNeedsReview  = "needs_review"
)

// CompatibilityVerdict is the oracle's structured judgement of a subject
// against a reference. Ephemeral; persisted only by reference in a contract.
type CompatibilityVerdict struct {
	Status               string   `json:"status"`
	Confidence           float64  `json:"confidence"`
	Reasons              []string `json:"reasons"`
	SuggestedConstraints []string `json:"suggested_constraints,omitempty"`
	RiskFlags            []string `json:"risk_flags,omitempty"`
}

// Validation result values mirroring verdict status at transaction level.
const (
	ValidationValid     = "valid"
	ValidationInvalid   = "invalid"
	ValidationAmbiguous = "ambiguous"
)

// Transaction outcomes.
const (
	OutcomeApproved = "approved"
	OutcomeBlocked  = "blocked"
	OutcomeError    = "error"
)

// TransactionValidationResult is the per-transaction decision returned to the
// proxy layer. Reasons are carried verbatim from the verdict for audit.
type TransactionValidationResult struct {
	TransactionID    string        `json:"transaction_id"`
	ContractID       string        `json:"contract_id"`
	Outcome          string        `json:"outcome"`
	ValidationResult string        `json:"validation_result"`
	Reasons          []string      `json:"reasons"`
	Confidence       float64       `json:"confidence"`
	Latency          time.Duration `json:"latency_ns"`
	ValidatedAt      time.Time     `json:"validated_at"`
}

// OperationDescriptor names a proposed downstream operation and its
// parameters. For response validation Content carries the payload instead.
type OperationDescriptor struct {
	Name    string          `json:"name"`
	Params  json.RawMessage `json:"params,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
}

// ContractStats is the read-only statistics view of a contract.
type ContractStats struct {
	ContractID       string  `json:"contract_id"`
	Status           string  `json:"status"`
	TransactionCount int64   `json:"transaction_count"`
	SuccessCount     int64   `json:"success_count"`
	ViolationCount   int64   `json:"violation_count"`
	SuccessRate      float64 `json:"success_rate"`
}

// ViolationEntry is one recorded contract violation.
type ViolationEntry struct {
	At            time.Time `json:"at"`
	TransactionID string    `json:"transaction_id"`
	Reason        string    `json:"reason"`
}

// TransactionEntry is one recorded transaction, kept in a bounded window per
// contract for drift analysis.
type TransactionEntry struct {
	TransactionID string    `json:"transaction_id"`
	At            time.Time `json:"at"`
	Operation     string    `json:"operation"`
	Outcome       string    `json:"outcome"`
	Confidence    float64   `json:"confidence"`
}

// DriftReport is the oracle's judgement of whether recent traffic has moved
// away from a contract's agreed purpose.
type DriftReport struct {
	ContractID    string   `json:"contract_id"`
	DriftDetected bool     `json:"drift_detected"`
	Severity      string   `json:"severity"`
	Indicators    []string `json:"indicators,omitempty"`
	Recommended   string   `json:"recommended_action"`
	Confidence    float64  `json:"confidence"`
}

// BrokerStats aggregates counters across the broker's components.
type BrokerStats struct {
	TotalNegotiations      int64 `json:"total_negotiations"`
	SuccessfulNegotiations int64 `json:"successful_negotiations"`
	FailedNegotiations     int64 `json:"failed_negotiations"`
	ActiveContracts        int   `json:"active_contracts"`
	TotalContracts         int   `json:"total_contracts"`
	ClientIntents          int   `json:"client_intents"`
	ServerCapabilities     int   `json:"server_capabilities"`
}

// CapabilitySummary is the listing view of a registered capability.
type CapabilitySummary struct {
	CapabilityID    string    `json:"capability_id"`
	ServerName      string    `json:"server_name,omitempty"`
	Provides        []string  `json:"provides"`
	DataSensitivity string    `json:"data_sensitivity"`
	CreatedAt       time.Time `json:"created_at"`
}

package contracts

import (
	"errors"
	"time"

	"mcpgw/pkg/models"
)

// Contract status values.
const (
	StatusPending    = "pending"
	StatusActive     = "active"
	StatusExpired    = "expired"
	StatusRevoked    = "revoked"
	StatusTerminated = "terminated"
)

var (
	ErrNotFound           = errors.New("contract not found")
	ErrExpired            = errors.New("contract expired")
	ErrRevoked            = errors.New("contract revoked")
	ErrPendingApproval    = errors.New("contract pending approval")
	ErrTerminated         = errors.New("contract terminated")
	ErrIncompatibleIntent = errors.New("incompatible intent")
	ErrInvalidTransition  = errors.New("invalid contract transition")
)

// CanTransition reports whether a status change is allowed. Expired, revoked
// and terminated are terminal; active is only left one way.
func CanTransition(from, to string) bool {
	switch from {
	case StatusPending:
		return to == StatusActive || to == StatusExpired || to == StatusTerminated
	case StatusActive:
		return to == StatusExpired || to == StatusRevoked || to == StatusTerminated
	default:
		return false
	}
}

// Transition applies a status change, returning the unchanged status and an
// error when the change is not allowed.
func Transition(from, to string) (string, error) {
	if !CanTransition(from, to) {
		return from, ErrInvalidTransition
	}
	return to, nil
}

// IsTerminal reports whether no further transitions are possible.
func IsTerminal(status string) bool {
	switch status {
	case StatusExpired, StatusRevoked, StatusTerminated:
		return true
	default:
		return false
	}
}

// Contract is the negotiated agreement governing a client-server pair.
// The store owns every contract exclusively; reads hand out snapshots.
type Contract struct {
	ContractID           string                      `json:"contract_id"`
	ClientIntentID       string                      `json:"client_intent_id"`
	ServerCapabilityID   string                      `json:"server_capability_id"`
	ClientID             string                      `json:"client_id,omitempty"`
	AgreedPurpose        string                      `json:"agreed_purpose"`
	EffectiveConstraints []string                    `json:"effective_constraints"`
	Verdict              models.CompatibilityVerdict `json:"verdict"`
	Status               string                      `json:"status"`
	CreatedAt            time.Time                   `json:"created_at"`
	ExpiresAt            time.Time                   `json:"expires_at"`
	TransactionCount     int64                       `json:"transaction_count"`
	SuccessCount         int64                       `json:"success_count"`
	ViolationCount       int64                       `json:"violation_count"`
	ViolationLog         []models.ViolationEntry     `json:"violation_log,omitempty"`
	RecentTransactions   []models.TransactionEntry   `json:"recent_transactions,omitempty"`
}

// statusErr maps a non-active status to its typed failure.
func statusErr(status string) error {
	switch status {
	case StatusActive:
		return nil
	case StatusPending:
		return ErrPendingApproval
	case StatusExpired:
		return ErrExpired
	case StatusRevoked:
		return ErrRevoked
	case StatusTerminated:
		return ErrTerminated
	default:
		return ErrNotFound
	}
}

// violationRing is a fixed-capacity window of violation entries; the oldest
// entry is evicted once the capacity is reached.
type violationRing struct {
	cap     int
	entries []models.ViolationEntry
}

func newViolationRing(capacity int) *violationRing {
	if capacity <= 0 {
		capacity = 50
	}
	return &violationRing{cap: capacity}
}

func (r *violationRing) append(e models.ViolationEntry) {
	if len(r.entries) == r.cap {
		copy(r.entries, r.entries[1:])
		r.entries[len(r.entries)-1] = e
		return
	}
	r.entries = append(r.entries, e)
}

func (r *violationRing) snapshot() []models.ViolationEntry {
	out := make([]models.ViolationEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// transactionRing mirrors violationRing for the drift-analysis window.
type transactionRing struct {
	cap     int
	entries []models.TransactionEntry
}

func newTransactionRing(capacity int) *transactionRing {
	if capacity <= 0 {
		capacity = 100
	}
	return &transactionRing{cap: capacity}
}

func (r *transactionRing) append(e models.TransactionEntry) {
	if len(r.entries) == r.cap {
		copy(r.entries, r.entries[1:])
		r.entries[len(r.entries)-1] = e
		return
	}
	r.entries = append(r.entries, e)
}

func (r *transactionRing) snapshot() []models.TransactionEntry {
	out := make([]models.TransactionEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Package events publishes broker lifecycle events to Kafka so downstream
// consumers (SIEM pipelines, review dashboards) can follow contract activity
// without polling the API.
package events

import (
	"context"
	"encoding/json"
	"time"
)

// Event types emitted by the broker.
const (
	TypeNegotiationCompleted = "negotiation.completed"
	TypeNegotiationRejected  = "negotiation.rejected"
	TypeContractActivated    = "contract.activated"
	TypeContractRevoked      = "contract.revoked"
	TypeContractTerminated   = "contract.terminated"
	TypeContractExpired      = "contract.expired"
	TypeTransactionBlocked   = "transaction.blocked"
	TypeDriftDetected        = "drift.detected"
)

// Event is the wire envelope. Payload is event-type specific.
type Event struct {
	Type       string          `json:"type"`
	ContractID string          `json:"contract_id,omitempty"`
	ClientID   string          `json:"client_id,omitempty"`
	At         time.Time       `json:"at"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// Publisher delivers events. Emit must not block request handling beyond its
// context; a nil Publisher in the broker disables eventing.
type Publisher interface {
	Emit(ctx context.Context, ev Event) error
	Close() error
}

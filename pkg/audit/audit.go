// Package audit persists every validation decision to Postgres. Records are
// append-only; the gateway never updates or deletes them.
package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type auditDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Writer struct {
	DB       auditDB
	HashSalt []byte
	Redact   bool
}

// Record is one audited decision: a negotiation verdict or a transaction
// validation. OperationRaw carries the judged subject, ResultRaw the decision.
type Record struct {
	TransactionID string
	ContractID    string
	ClientID      string
	Kind          string
	OperationRaw  json.RawMessage
	ResultRaw     json.RawMessage
	Outcome       string
	Reason        string
	CreatedAt     time.Time
}

// Record kinds.
const (
	KindNegotiation = "negotiation"
	KindTransaction = "transaction"
	KindResponse    = "response"
	KindDrift       = "drift"
)

func (w *Writer) Append(ctx context.Context, rec Record) error {
	if w.Redact {
		rec = redactRecord(rec, w.HashSalt)
	}
	_, err := w.DB.Exec(ctx, `
		INSERT INTO audit_records
		(transaction_id, contract_id, client_id, kind, operation_raw, result_raw, outcome, reason, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, rec.TransactionID, rec.ContractID, rec.ClientID, rec.Kind, rec.OperationRaw, rec.ResultRaw, rec.Outcome, rec.Reason, rec.CreatedAt)
	return err
}

func (w *Writer) Get(ctx context.Context, transactionID string) (Record, error) {
	var rec Record
	row := w.DB.QueryRow(ctx, `
		SELECT transaction_id, contract_id, client_id, kind, operation_raw, result_raw, outcome, reason, created_at
		FROM audit_records WHERE transaction_id=$1
	`, transactionID)
	var operation, result json.RawMessage
	if err := row.Scan(&rec.TransactionID, &rec.ContractID, &rec.ClientID, &rec.Kind, &operation, &result, &rec.Outcome, &rec.Reason, &rec.CreatedAt); err != nil {
		return rec, err
	}
	rec.OperationRaw = operation
	rec.ResultRaw = result
	return rec, nil
}

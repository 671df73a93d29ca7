package contracts

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgconn"
)

type archiveDB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// PgArchiver persists swept contracts to Postgres so their history survives
// in-memory eviction.
type PgArchiver struct {
	DB archiveDB
}

func (a *PgArchiver) Archive(ctx context.Context, c Contract) error {
	verdict, err := json.Marshal(c.Verdict)
	if err != nil {
		return err
	}
	violations, err := json.Marshal(c.ViolationLog)
	if err != nil {
		return err
	}
	transactions, err := json.Marshal(c.RecentTransactions)
	if err != nil {
		return err
	}
	constraints, err := json.Marshal(c.EffectiveConstraints)
	if err != nil {
		return err
	}
	_, err = a.DB.Exec(ctx, `
		INSERT INTO contract_archive
		(contract_id, client_intent_id, server_capability_id, client_id, agreed_purpose, effective_constraints, verdict, status, created_at, expires_at, transaction_count, success_count, violation_count, violation_log, recent_transactions)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15)
		ON CONFLICT (contract_id) DO NOTHING
	`, c.ContractID, c.ClientIntentID, c.ServerCapabilityID, c.ClientID, c.AgreedPurpose, constraints, verdict, c.Status, c.CreatedAt, c.ExpiresAt, c.TransactionCount, c.SuccessCount, c.ViolationCount, violations, transactions)
	return err
}

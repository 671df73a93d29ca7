// Package validator decides individual transactions against an agreed
// contract. The pipeline is fixed: resolve the contract, screen against
// effective constraints, consult the verdict cache, ask the oracle, then
// account the outcome exactly once. Every failure mode degrades to blocked.
package validator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"mcpgw/pkg/contracts"
	"mcpgw/pkg/models"
	"mcpgw/pkg/oracle"
	"mcpgw/pkg/store"
)

const verdictKeyPrefix = "mcpgw:verdict:"

type Validator struct {
	Store    *contracts.Store
	Oracle   oracle.Client
	Cache    store.Cache
	CacheTTL time.Duration

	now func() time.Time
}

func New(st *contracts.Store, oc oracle.Client, cache store.Cache) *Validator {
	return &Validator{
		Store:    st,
		Oracle:   oc,
		Cache:    cache,
		CacheTTL: 5 * time.Minute,
		now:      time.Now,
	}
}

// ValidateTransaction runs one proposed operation through the pipeline. The
// returned error is non-nil only when the contract itself cannot be resolved;
// oracle failures are absorbed into a blocked result.
func (v *Validator) ValidateTransaction(ctx context.Context, contractID string, op models.OperationDescriptor) (models.TransactionValidationResult, error) {
	return v.validate(ctx, contractID, op, false)
}

// ValidateResponse judges a server response under the same contract, catching
// payloads that leak past what the client declared it needs. Blocked
// responses count as violations exactly like blocked requests.
func (v *Validator) ValidateResponse(ctx context.Context, contractID string, op models.OperationDescriptor) (models.TransactionValidationResult, error) {
	return v.validate(ctx, contractID, op, true)
}

func (v *Validator) validate(ctx context.Context, contractID string, op models.OperationDescriptor, response bool) (models.TransactionValidationResult, error) {
	start := v.now()
	res := models.TransactionValidationResult{
		TransactionID:    uuid.New().String(),
		ContractID:       contractID,
		Outcome:          models.OutcomeBlocked,
		ValidationResult: models.ValidationInvalid,
		ValidatedAt:      start.UTC(),
	}

	contract, err := v.Store.Resolve(contractID)
	if err != nil {
		res.Reasons = []string{err.Error()}
		res.Latency = v.now().Sub(start)
		return res, err
	}

	if reason := screenConstraints(contract.EffectiveConstraints, op); reason != "" {
		res.Reasons = []string{reason}
		res.Confidence = 1.0
		v.account(res.TransactionID, contractID, op.Name, false, reason, 1.0, &res)
		res.Latency = v.now().Sub(start)
		return res, nil
	}

	verdict, cached := v.cachedVerdict(ctx, contractID, op, response)
	if !cached {
		verdict = v.consult(ctx, contract, op, response)
	}

	res.Confidence = verdict.Confidence
	res.Reasons = verdict.Reasons
	switch verdict.Status {
	case models.VerdictCompatible:
		res.Outcome = models.OutcomeApproved
		res.ValidationResult = models.ValidationValid
	case models.VerdictNeedsReview:
		res.ValidationResult = models.ValidationAmbiguous
	}

	success := res.Outcome == models.OutcomeApproved
	reason := strings.Join(verdict.Reasons, "; ")
	v.account(res.TransactionID, contractID, op.Name, success, reason, verdict.Confidence, &res)
	res.Latency = v.now().Sub(start)
	return res, nil
}

// account records the outcome once and folds any revocation it triggers into
// the result.
func (v *Validator) account(txID, contractID, operation string, success bool, reason string, confidence float64, res *models.TransactionValidationResult) {
	updated, err := v.Store.RecordOutcome(contractID, contracts.Outcome{
		TransactionID: txID,
		Operation:     operation,
		Success:       success,
		Reason:        reason,
		Confidence:    confidence,
	})
	if err != nil {
		// Lost a race with a concurrent revocation or expiry. The decision
		// stands but the outcome no longer counts.
		res.Outcome = models.OutcomeBlocked
		res.ValidationResult = models.ValidationInvalid
		res.Reasons = append(res.Reasons, err.Error())
		return
	}
	if updated.Status == contracts.StatusRevoked && success {
		res.Outcome = models.OutcomeBlocked
		res.ValidationResult = models.ValidationInvalid
	}
	if updated.Status == contracts.StatusRevoked {
		res.Reasons = append(res.Reasons, "contract revoked: violation limit reached")
	}
}

func (v *Validator) consult(ctx context.Context, contract contracts.Contract, op models.OperationDescriptor, response bool) models.CompatibilityVerdict {
	subject, err := json.Marshal(op)
	if err != nil {
		return models.CompatibilityVerdict{
			Status:     models.VerdictNeedsReview,
			Confidence: 0,
			Reasons:    []string{fmt.Sprintf("unencodable operation: %v", err)},
		}
	}
	reference, err := json.Marshal(map[string]any{
		"agreed_purpose":        contract.AgreedPurpose,
		"effective_constraints": contract.EffectiveConstraints,
		"response":              response,
	})
	if err != nil {
		return models.CompatibilityVerdict{
			Status:     models.VerdictNeedsReview,
			Confidence: 0,
			Reasons:    []string{fmt.Sprintf("unencodable contract context: %v", err)},
		}
	}
	verdict, err := v.Oracle.Evaluate(ctx, oracle.EvalRequest{
		Mode:      oracle.ModeTransaction,
		Subject:   subject,
		Reference: reference,
	})
	if err == nil {
		v.cacheVerdict(ctx, contract.ContractID, op, response, verdict)
	}
	return verdict
}

// verdictKey scopes cached verdicts by direction as well as operation hash; a
// verdict for an outbound request must never answer for a server response.
func verdictKey(contractID string, op models.OperationDescriptor, response bool) string {
	direction := "req:"
	if response {
		direction = "resp:"
	}
	return verdictKeyPrefix + direction + models.OperationHash(contractID, op)
}

func (v *Validator) cachedVerdict(ctx context.Context, contractID string, op models.OperationDescriptor, response bool) (models.CompatibilityVerdict, bool) {
	if v.Cache == nil {
		return models.CompatibilityVerdict{}, false
	}
	key := verdictKey(contractID, op, response)
	raw, err := v.Cache.Get(ctx, key)
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			log.Printf("verdict cache read failed: %v", err)
		}
		return models.CompatibilityVerdict{}, false
	}
	var verdict models.CompatibilityVerdict
	if err := json.Unmarshal([]byte(raw), &verdict); err != nil {
		return models.CompatibilityVerdict{}, false
	}
	return verdict, true
}

func (v *Validator) cacheVerdict(ctx context.Context, contractID string, op models.OperationDescriptor, response bool, verdict models.CompatibilityVerdict) {
	if v.Cache == nil || verdict.Status == models.VerdictNeedsReview {
		return
	}
	raw, err := json.Marshal(verdict)
	if err != nil {
		return
	}
	ttl := v.CacheTTL
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	key := verdictKey(contractID, op, response)
	if err := v.Cache.Set(ctx, key, string(raw), ttl); err != nil {
		log.Printf("verdict cache write failed: %v", err)
	}
}

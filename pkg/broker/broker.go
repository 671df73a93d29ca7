// Package broker is the decision core: it owns the declare, negotiate and
// validate flow, delegates semantic judgement to the oracle, and accounts
// every decision against the contract store.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"mcpgw/pkg/contracts"
	"mcpgw/pkg/events"
	"mcpgw/pkg/metrics"
	"mcpgw/pkg/models"
	"mcpgw/pkg/oracle"
	"mcpgw/pkg/registry"
	"mcpgw/pkg/validator"
)

type Broker struct {
	Registry  *registry.Registry
	Contracts *contracts.Store
	Oracle    oracle.Client
	Validator *validator.Validator
	Events    events.Publisher
	Metrics   *metrics.Registry

	totalNegotiations      atomic.Int64
	successfulNegotiations atomic.Int64
	failedNegotiations     atomic.Int64

	// DriftWindow bounds how far back drift analysis reaches.
	DriftWindow time.Duration
}

func New(reg *registry.Registry, st *contracts.Store, oc oracle.Client, v *validator.Validator, pub events.Publisher, m *metrics.Registry) *Broker {
	b := &Broker{
		Registry:    reg,
		Contracts:   st,
		Oracle:      oc,
		Validator:   v,
		Events:      pub,
		Metrics:     m,
		DriftWindow: time.Hour,
	}
	if st != nil {
		st.SetTransitionHook(b.contractTransitioned)
	}
	return b
}

// contractTransitioned surfaces lifecycle flips the store decides on its own,
// revocation when a recorded outcome exhausts the violation budget and expiry
// from the sweeper, as events.
func (b *Broker) contractTransitioned(c contracts.Contract) {
	var evType string
	switch c.Status {
	case contracts.StatusRevoked:
		evType = events.TypeContractRevoked
	case contracts.StatusExpired:
		evType = events.TypeContractExpired
	default:
		return
	}
	b.emit(context.Background(), events.Event{
		Type:       evType,
		ContractID: c.ContractID,
		ClientID:   c.ClientID,
	})
	if b.Metrics != nil {
		b.Metrics.IncContractState(c.Status)
	}
}

// DeclareIntent registers a client intent and returns its identifier.
func (b *Broker) DeclareIntent(ctx context.Context, in models.ClientIntentDeclaration) (string, error) {
	return b.Registry.RegisterIntent(ctx, in)
}

// RegisterCapability registers a server capability and returns its identifier.
func (b *Broker) RegisterCapability(ctx context.Context, in models.ServerCapabilityDeclaration) (string, error) {
	return b.Registry.RegisterCapability(ctx, in)
}

// Negotiate asks the oracle whether a declared intent is compatible with a
// registered capability and, when it is, creates the contract. A needs_review
// verdict still creates the contract, parked in pending until an operator
// approves it. extraConstraints are merged into the contract's effective
// constraint set alongside the client's and the oracle's.
func (b *Broker) Negotiate(ctx context.Context, intentID, capabilityID string, extraConstraints []string) (contracts.Contract, error) {
	b.totalNegotiations.Add(1)
	intent, err := b.Registry.GetIntent(ctx, intentID)
	if err != nil {
		b.failedNegotiations.Add(1)
		return contracts.Contract{}, err
	}
	capability, err := b.Registry.GetCapability(ctx, capabilityID)
	if err != nil {
		b.failedNegotiations.Add(1)
		return contracts.Contract{}, err
	}

	subject, err := json.Marshal(intent)
	if err != nil {
		b.failedNegotiations.Add(1)
		return contracts.Contract{}, err
	}
	reference, err := json.Marshal(capability)
	if err != nil {
		b.failedNegotiations.Add(1)
		return contracts.Contract{}, err
	}

	start := time.Now()
	verdict, oracleErr := b.Oracle.Evaluate(ctx, oracle.EvalRequest{
		Mode:      oracle.ModeNegotiation,
		Subject:   subject,
		Reference: reference,
	})
	if b.Metrics != nil {
		b.Metrics.ObserveOracleLatency(time.Since(start))
		b.Metrics.IncVerdict(verdict.Status)
	}
	if oracleErr != nil {
		// Fail closed on transport failure: no contract is created from a
		// verdict the oracle never produced.
		b.failedNegotiations.Add(1)
		return contracts.Contract{}, fmt.Errorf("%w: %v", ErrOracleUnavailable, oracleErr)
	}

	contract, err := b.Contracts.Create(intent, capability, verdict, extraConstraints)
	if err != nil {
		b.failedNegotiations.Add(1)
		b.emit(ctx, events.Event{
			Type:     events.TypeNegotiationRejected,
			ClientID: intent.ClientID,
			Payload:  mustJSON(verdict),
		})
		return contracts.Contract{}, err
	}
	b.successfulNegotiations.Add(1)
	if b.Metrics != nil {
		b.Metrics.IncContractState(contract.Status)
	}
	b.emit(ctx, events.Event{
		Type:       events.TypeNegotiationCompleted,
		ContractID: contract.ContractID,
		ClientID:   contract.ClientID,
		Payload:    mustJSON(verdict),
	})
	if contract.Status == contracts.StatusActive {
		b.emit(ctx, events.Event{
			Type:       events.TypeContractActivated,
			ContractID: contract.ContractID,
			ClientID:   contract.ClientID,
		})
	}
	return contract, nil
}

// ApproveContract moves a pending contract to active.
func (b *Broker) ApproveContract(ctx context.Context, contractID string) (contracts.Contract, error) {
	c, err := b.Contracts.Activate(contractID)
	if err != nil {
		return contracts.Contract{}, err
	}
	if b.Metrics != nil {
		b.Metrics.IncContractState(c.Status)
	}
	b.emit(ctx, events.Event{
		Type:       events.TypeContractActivated,
		ContractID: c.ContractID,
		ClientID:   c.ClientID,
	})
	return c, nil
}

// TerminateContract ends a contract by operator action.
func (b *Broker) TerminateContract(ctx context.Context, contractID string) (contracts.Contract, error) {
	c, err := b.Contracts.Terminate(contractID)
	if err != nil {
		return contracts.Contract{}, err
	}
	if b.Metrics != nil {
		b.Metrics.IncContractState(c.Status)
	}
	b.emit(ctx, events.Event{
		Type:       events.TypeContractTerminated,
		ContractID: c.ContractID,
		ClientID:   c.ClientID,
	})
	return c, nil
}

// ValidateTransaction judges one proposed operation under a contract.
func (b *Broker) ValidateTransaction(ctx context.Context, contractID string, op models.OperationDescriptor) (models.TransactionValidationResult, error) {
	res, err := b.Validator.ValidateTransaction(ctx, contractID, op)
	b.afterValidation(ctx, res)
	return res, err
}

// ValidateResponse judges a server response under a contract.
func (b *Broker) ValidateResponse(ctx context.Context, contractID string, op models.OperationDescriptor) (models.TransactionValidationResult, error) {
	res, err := b.Validator.ValidateResponse(ctx, contractID, op)
	b.afterValidation(ctx, res)
	return res, err
}

func (b *Broker) afterValidation(ctx context.Context, res models.TransactionValidationResult) {
	if b.Metrics != nil {
		b.Metrics.IncOutcome(res.Outcome)
		for _, reason := range res.Reasons {
			b.Metrics.IncReason(reason)
		}
	}
	if res.Outcome != models.OutcomeApproved {
		b.emit(ctx, events.Event{
			Type:       events.TypeTransactionBlocked,
			ContractID: res.ContractID,
			Payload:    mustJSON(res),
		})
	}
}

// AnalyzeDrift feeds the contract's recent transaction window to the oracle.
// High severity drift terminates the contract.
func (b *Broker) AnalyzeDrift(ctx context.Context, contractID string) (models.DriftReport, error) {
	c, err := b.Contracts.Get(contractID)
	if err != nil {
		return models.DriftReport{}, err
	}
	window := b.DriftWindow
	if window <= 0 {
		window = time.Hour
	}
	txns, err := b.Contracts.TransactionsSince(contractID, time.Now().UTC().Add(-window))
	if err != nil {
		return models.DriftReport{}, err
	}
	report, err := b.Oracle.AnalyzeDrift(ctx, oracle.DriftRequest{
		ContractID:   contractID,
		Purpose:      c.AgreedPurpose,
		Transactions: txns,
		Window:       window,
	})
	if err != nil {
		return report, fmt.Errorf("%w: %v", ErrOracleUnavailable, err)
	}
	report.ContractID = contractID
	if report.DriftDetected {
		b.emit(ctx, events.Event{
			Type:       events.TypeDriftDetected,
			ContractID: contractID,
			ClientID:   c.ClientID,
			Payload:    mustJSON(report),
		})
	}
	if report.DriftDetected && report.Severity == "high" {
		if _, err := b.Contracts.Terminate(contractID); err != nil {
			log.Printf("drift termination failed: %s: %v", contractID, err)
		} else {
			if b.Metrics != nil {
				b.Metrics.IncContractState(contracts.StatusTerminated)
			}
			b.emit(ctx, events.Event{
				Type:       events.TypeContractTerminated,
				ContractID: contractID,
				ClientID:   c.ClientID,
			})
		}
	}
	return report, nil
}

// ContractStats exposes the accounting view of one contract.
func (b *Broker) ContractStats(contractID string) (models.ContractStats, error) {
	return b.Contracts.ComputeStats(contractID)
}

// Stats aggregates counters across the broker's components. Registry errors
// degrade to zero counts rather than failing the whole view.
func (b *Broker) Stats(ctx context.Context) models.BrokerStats {
	active, total := b.Contracts.Counts()
	intents, capabilities, err := b.Registry.Counts(ctx)
	if err != nil {
		log.Printf("registry counts failed: %v", err)
	}
	return models.BrokerStats{
		TotalNegotiations:      b.totalNegotiations.Load(),
		SuccessfulNegotiations: b.successfulNegotiations.Load(),
		FailedNegotiations:     b.failedNegotiations.Load(),
		ActiveContracts:        active,
		TotalContracts:         total,
		ClientIntents:          intents,
		ServerCapabilities:     capabilities,
	}
}

// Sweep runs one expiry pass and refreshes the contract gauges. Per-contract
// expiry events flow through the store's transition hook.
func (b *Broker) Sweep(ctx context.Context) {
	expired, removed := b.Contracts.Sweep(ctx)
	if expired > 0 || removed > 0 {
		log.Printf("contract sweep: expired=%d archived=%d", expired, removed)
	}
	if b.Metrics != nil {
		active, total := b.Contracts.Counts()
		b.Metrics.SetGauge("active_contracts", float64(active))
		b.Metrics.SetGauge("total_contracts", float64(total))
	}
}

func (b *Broker) emit(ctx context.Context, ev events.Event) {
	if b.Events == nil {
		return
	}
	ev.At = time.Now().UTC()
	ctxEmit, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
	defer cancel()
	if err := b.Events.Emit(ctxEmit, ev); err != nil {
		log.Printf("event emit failed: type=%s contract=%s: %v", ev.Type, ev.ContractID, err)
	}
}

func mustJSON(v any) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}

package contracts

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"mcpgw/pkg/models"
)

// Options bound contract lifetimes and violation budgets.
type Options struct {
	DefaultDuration   time.Duration
	MaxDuration       time.Duration
	MaxViolations     int64
	ViolationLogCap   int
	TransactionLogCap int
	GracePeriod       time.Duration
}

func (o Options) withDefaults() Options {
	if o.DefaultDuration <= 0 {
		o.DefaultDuration = time.Hour
	}
	if o.MaxDuration <= 0 {
		o.MaxDuration = 24 * time.Hour
	}
	if o.MaxViolations <= 0 {
		o.MaxViolations = 5
	}
	if o.ViolationLogCap <= 0 {
		o.ViolationLogCap = 50
	}
	if o.TransactionLogCap <= 0 {
		o.TransactionLogCap = 100
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = time.Hour
	}
	return o
}

// Archiver receives contracts removed by the sweeper. A nil archiver drops
// them after logging.
type Archiver interface {
	Archive(ctx context.Context, c Contract) error
}

// record couples a contract with its own mutex. All mutation of one contract
// serializes on that mutex; contracts never contend with each other.
type record struct {
	mu         sync.Mutex
	c          Contract
	violations *violationRing
	txns       *transactionRing
}

// Store owns every contract exclusively. Callers hold identifiers and receive
// value snapshots, never pointers into store state.
type Store struct {
	mu       sync.RWMutex
	records  map[string]*record
	byClient map[string]string
	opts     Options
	archiver Archiver
	now      func() time.Time

	onTransition func(Contract)
}

func NewStore(opts Options, archiver Archiver) *Store {
	return &Store{
		records:  map[string]*record{},
		byClient: map[string]string{},
		opts:     opts.withDefaults(),
		archiver: archiver,
		now:      time.Now,
	}
}

// SetTransitionHook installs a callback invoked after a contract is revoked
// by outcome accounting or expired by the sweeper. It runs outside the
// contract's lock with a snapshot of the transitioned contract, and must be
// installed before traffic starts.
func (s *Store) SetTransitionHook(fn func(Contract)) {
	s.onTransition = fn
}

// Create negotiates a verdict into a contract. Incompatible verdicts are
// rejected; needs_review produces a pending contract that is never
// auto-approved; compatible produces an active contract.
func (s *Store) Create(intent models.ClientIntentDeclaration, capability models.ServerCapabilityDeclaration, verdict models.CompatibilityVerdict, extraConstraints []string) (Contract, error) {
	if verdict.Status == models.VerdictIncompatible {
		return Contract{}, fmt.Errorf("%w: %v", ErrIncompatibleIntent, verdict.Reasons)
	}
	status := StatusActive
	if verdict.Status == models.VerdictNeedsReview {
		status = StatusPending
	}
	now := s.now().UTC()
	duration := s.opts.DefaultDuration
	if intent.DurationMinutes > 0 {
		duration = time.Duration(intent.DurationMinutes) * time.Minute
	}
	if duration > s.opts.MaxDuration {
		duration = s.opts.MaxDuration
	}
	c := Contract{
		ContractID:           uuid.New().String(),
		ClientIntentID:       intent.IntentID,
		ServerCapabilityID:   capability.CapabilityID,
		ClientID:             intent.ClientID,
		AgreedPurpose:        intent.Purpose,
		EffectiveConstraints: models.NormalizeSet(intent.Constraints, verdict.SuggestedConstraints, extraConstraints),
		Verdict:              verdict,
		Status:               status,
		CreatedAt:            now,
		ExpiresAt:            now.Add(duration),
	}
	rec := &record{
		c:          c,
		violations: newViolationRing(s.opts.ViolationLogCap),
		txns:       newTransactionRing(s.opts.TransactionLogCap),
	}
	s.mu.Lock()
	s.records[c.ContractID] = rec
	if status == StatusActive && c.ClientID != "" {
		s.byClient[c.ClientID] = c.ContractID
	}
	s.mu.Unlock()
	return c, nil
}

func (s *Store) get(id string) (*record, bool) {
	s.mu.RLock()
	rec, ok := s.records[id]
	s.mu.RUnlock()
	return rec, ok
}

// Get returns a snapshot of a contract in any status, applying lazy expiry.
func (s *Store) Get(id string) (Contract, error) {
	rec, ok := s.get(id)
	if !ok {
		return Contract{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	s.expireLocked(rec)
	return s.snapshotLocked(rec), nil
}

// Resolve returns a snapshot only when the contract admits validation,
// failing with the status-specific condition otherwise. Deterministic and
// zero-latency; always precedes any oracle call.
func (s *Store) Resolve(id string) (Contract, error) {
	rec, ok := s.get(id)
	if !ok {
		return Contract{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	s.expireLocked(rec)
	if err := statusErr(rec.c.Status); err != nil {
		return Contract{}, fmt.Errorf("%w: %s", err, id)
	}
	return s.snapshotLocked(rec), nil
}

// Outcome is one resolved transaction to account against a contract.
type Outcome struct {
	TransactionID string
	Operation     string
	Success       bool
	Reason        string
	Confidence    float64
}

// RecordOutcome atomically accounts a transaction. Violations append to the
// bounded log and may tip the contract into revoked; the revocation decision
// happens under the same per-contract lock, so no later call can observe the
// contract active again. A revocation is reported through the transition hook
// after the lock is released.
func (s *Store) RecordOutcome(id string, outcome Outcome) (Contract, error) {
	rec, ok := s.get(id)
	if !ok {
		return Contract{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec.mu.Lock()
	s.expireLocked(rec)
	if err := statusErr(rec.c.Status); err != nil {
		rec.mu.Unlock()
		return Contract{}, fmt.Errorf("%w: %s", err, id)
	}
	now := s.now().UTC()
	rec.c.TransactionCount++
	entryOutcome := models.OutcomeApproved
	if outcome.Success {
		rec.c.SuccessCount++
	} else {
		rec.c.ViolationCount++
		entryOutcome = models.OutcomeBlocked
		rec.violations.append(models.ViolationEntry{
			At:            now,
			TransactionID: outcome.TransactionID,
			Reason:        outcome.Reason,
		})
	}
	rec.txns.append(models.TransactionEntry{
		TransactionID: outcome.TransactionID,
		At:            now,
		Operation:     outcome.Operation,
		Outcome:       entryOutcome,
		Confidence:    outcome.Confidence,
	})
	revoked := false
	if rec.c.ViolationCount >= s.opts.MaxViolations && rec.c.Status == StatusActive {
		rec.c.Status = StatusRevoked
		s.dropClientIndex(rec.c)
		revoked = true
	}
	snap := s.snapshotLocked(rec)
	rec.mu.Unlock()
	if revoked && s.onTransition != nil {
		s.onTransition(snap)
	}
	return snap, nil
}

// ComputeStats never divides by zero: an untouched contract reports a
// success rate of 1.0.
func (s *Store) ComputeStats(id string) (models.ContractStats, error) {
	c, err := s.Get(id)
	if err != nil {
		return models.ContractStats{}, err
	}
	rate := 1.0
	if c.TransactionCount > 0 {
		rate = float64(c.SuccessCount) / float64(c.TransactionCount)
	}
	return models.ContractStats{
		ContractID:       c.ContractID,
		Status:           c.Status,
		TransactionCount: c.TransactionCount,
		SuccessCount:     c.SuccessCount,
		ViolationCount:   c.ViolationCount,
		SuccessRate:      rate,
	}, nil
}

// Activate approves a pending contract.
func (s *Store) Activate(id string) (Contract, error) {
	return s.transition(id, StatusActive)
}

// Terminate ends a contract by administrative action.
func (s *Store) Terminate(id string) (Contract, error) {
	return s.transition(id, StatusTerminated)
}

func (s *Store) transition(id, to string) (Contract, error) {
	rec, ok := s.get(id)
	if !ok {
		return Contract{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	s.expireLocked(rec)
	next, err := Transition(rec.c.Status, to)
	if err != nil {
		return Contract{}, fmt.Errorf("%w: %s -> %s", err, rec.c.Status, to)
	}
	rec.c.Status = next
	if next == StatusActive {
		if rec.c.ClientID != "" {
			s.mu.Lock()
			s.byClient[rec.c.ClientID] = rec.c.ContractID
			s.mu.Unlock()
		}
	} else {
		s.dropClientIndex(rec.c)
	}
	return s.snapshotLocked(rec), nil
}

// List returns snapshots, optionally filtered by status, oldest first.
func (s *Store) List(status string) []Contract {
	s.mu.RLock()
	recs := make([]*record, 0, len(s.records))
	for _, rec := range s.records {
		recs = append(recs, rec)
	}
	s.mu.RUnlock()
	out := make([]Contract, 0, len(recs))
	for _, rec := range recs {
		rec.mu.Lock()
		s.expireLocked(rec)
		if status == "" || rec.c.Status == status {
			out = append(out, s.snapshotLocked(rec))
		}
		rec.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// GetByClient resolves the latest active contract negotiated for a client.
func (s *Store) GetByClient(clientID string) (Contract, error) {
	s.mu.RLock()
	id, ok := s.byClient[clientID]
	s.mu.RUnlock()
	if !ok {
		return Contract{}, fmt.Errorf("%w: client %s", ErrNotFound, clientID)
	}
	return s.Get(id)
}

// TransactionsSince returns the recorded transaction window entries at or
// after the cutoff, for drift analysis.
func (s *Store) TransactionsSince(id string, cutoff time.Time) ([]models.TransactionEntry, error) {
	rec, ok := s.get(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	all := rec.txns.snapshot()
	out := make([]models.TransactionEntry, 0, len(all))
	for _, e := range all {
		if !e.At.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out, nil
}

// Counts reports active and total contract numbers.
func (s *Store) Counts() (active, total int) {
	for _, c := range s.List("") {
		total++
		if c.Status == StatusActive {
			active++
		}
	}
	return active, total
}

// Sweep expires overdue contracts and archives then removes contracts past
// expiry plus the grace period, bounding memory. It takes the same
// per-contract lock as RecordOutcome, so it can never revive a contract or
// race an in-flight outcome. Newly expired contracts are reported through
// the transition hook.
func (s *Store) Sweep(ctx context.Context) (expired, removed int) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.records))
	for id := range s.records {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	now := s.now().UTC()
	for _, id := range ids {
		rec, ok := s.get(id)
		if !ok {
			continue
		}
		rec.mu.Lock()
		wasLive := rec.c.Status == StatusActive || rec.c.Status == StatusPending
		s.expireLocked(rec)
		var expiredSnap Contract
		if wasLive && rec.c.Status == StatusExpired {
			expired++
			expiredSnap = s.snapshotLocked(rec)
		}
		removable := IsTerminal(rec.c.Status) && now.After(rec.c.ExpiresAt.Add(s.opts.GracePeriod))
		var removedSnap Contract
		if removable {
			removedSnap = s.snapshotLocked(rec)
			s.mu.Lock()
			delete(s.records, id)
			s.mu.Unlock()
			removed++
		}
		rec.mu.Unlock()
		if expiredSnap.ContractID != "" && s.onTransition != nil {
			s.onTransition(expiredSnap)
		}
		if removable && s.archiver != nil {
			if err := s.archiver.Archive(ctx, removedSnap); err != nil {
				log.Printf("contract archive failed: %s: %v", id, err)
			}
		}
	}
	return expired, removed
}

// expireLocked applies lazy expiry. Caller holds rec.mu.
func (s *Store) expireLocked(rec *record) {
	if IsTerminal(rec.c.Status) {
		return
	}
	if s.now().UTC().After(rec.c.ExpiresAt) {
		rec.c.Status = StatusExpired
		s.dropClientIndex(rec.c)
	}
}

func (s *Store) dropClientIndex(c Contract) {
	if c.ClientID == "" {
		return
	}
	s.mu.Lock()
	if s.byClient[c.ClientID] == c.ContractID {
		delete(s.byClient, c.ClientID)
	}
	s.mu.Unlock()
}

// snapshotLocked copies the contract with its logs. Caller holds rec.mu.
func (s *Store) snapshotLocked(rec *record) Contract {
	c := rec.c
	c.EffectiveConstraints = append([]string(nil), rec.c.EffectiveConstraints...)
	c.ViolationLog = rec.violations.snapshot()
	c.RecentTransactions = rec.txns.snapshot()
	return c
}

/*
Package audit records every fiscal computation and proves it can be
reproduced.

PURPOSE:
  Each computed concept of a payroll detail (ISR, subsidy, an IMSS quota,
  a formula perception) produces one FiscalAuditEntry. With a snapshot the
  entry carries everything needed to recompute it later without touching
  live tables: the inputs, the breakdown, and copies of the rules used.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: entries are never updated or deleted
  2. ONE PER CONCEPT: a detail has one entry per concept, unless a later
     entry explicitly supersedes an earlier one (SupersedesID)
  3. SEALED: every rule copy in a snapshot carries the SHA-256 checksum it
     had when it was applied
  4. REPORT, NEVER HEAL: a verification mismatch is returned and logged,
     the stored entry is left untouched

VERIFICATION (VerifySnapshotIntegrity):
  1. re-hash every rule copy and compare with the sealed checksum
  2. recompute the result from the snapshot with the snapshot's method and
     rounding policy
  3. compare with the stored ResultAmount

SEE ALSO:
  - fiscal/audit.go: entry and snapshot shapes
  - verify.go:       recomputation per method
*/
package audit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/warp/payroll-engine/fiscal"
)

var (
	ErrInvalidEntry       = errors.New("invalid audit entry")
	ErrIncompleteSnapshot = errors.New("incomplete audit snapshot")
)

// =============================================================================
// RECORDER
// =============================================================================

type Recorder struct {
	store fiscal.AuditStore
	log   *zap.Logger

	Now   func() time.Time
	NewID func() string
}

func NewRecorder(store fiscal.AuditStore, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{
		store: store,
		log:   log.Named("audit.recorder"),
		Now:   func() time.Time { return time.Now().UTC() },
		NewID: uuid.NewString,
	}
}

// Record appends one entry. ID and CreatedAt are assigned when empty.
func (r *Recorder) Record(ctx context.Context, entry fiscal.FiscalAuditEntry) (*fiscal.FiscalAuditEntry, error) {
	if entry.PayrollDetailID == "" {
		return nil, fmt.Errorf("%w: payroll detail id is required", ErrInvalidEntry)
	}
	if entry.ConceptType == "" {
		return nil, fmt.Errorf("%w: concept type is required", ErrInvalidEntry)
	}
	if entry.ID == "" {
		entry.ID = r.NewID()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = r.Now()
	}

	if err := r.checkSupersession(ctx, entry); err != nil {
		return nil, err
	}
	if err := r.store.AppendAudit(ctx, entry); err != nil {
		return nil, fmt.Errorf("append audit entry: %w", err)
	}

	r.log.Debug("audit entry recorded",
		zap.String("entry_id", entry.ID),
		zap.String("payroll_detail_id", entry.PayrollDetailID),
		zap.String("concept", string(entry.ConceptType)),
		zap.String("result", entry.ResultAmount.String()))
	return &entry, nil
}

// RecordWithSnapshot seals the applied rules with their checksums and
// appends the entry with the full reproducibility bundle.
func (r *Recorder) RecordWithSnapshot(
	ctx context.Context,
	entry fiscal.FiscalAuditEntry,
	input fiscal.InputSnapshot,
	output fiscal.OutputSnapshot,
	applied fiscal.AppliedRulesSnapshot,
) (*fiscal.FiscalAuditEntry, error) {
	sealed, err := seal(entry, applied)
	if err != nil {
		return nil, err
	}
	if entry.TableUsed == "" {
		entry.TableUsed = tableUsed(sealed)
	}
	entry.Snapshot = &fiscal.AuditSnapshot{Input: input, Output: output, Applied: sealed}
	return r.Record(ctx, entry)
}

// ListForDetail returns the entries of a payroll detail in append order.
func (r *Recorder) ListForDetail(ctx context.Context, payrollDetailID string) ([]fiscal.FiscalAuditEntry, error) {
	return r.store.ListAuditByDetail(ctx, payrollDetailID)
}

// checkSupersession enforces one entry per (detail, concept) unless the new
// entry names the one it replaces. It reads before the store writes, so two
// concurrent Record calls can both pass it; the store's uniqueness on
// (detail, concept) for original entries and on SupersedesID then rejects
// the loser with fiscal.ErrDuplicateAuditEntry.
func (r *Recorder) checkSupersession(ctx context.Context, entry fiscal.FiscalAuditEntry) error {
	existing, err := r.store.ListAuditByDetail(ctx, entry.PayrollDetailID)
	if err != nil {
		return fmt.Errorf("list audit entries: %w", err)
	}

	superseded := map[string]bool{}
	for _, e := range existing {
		if e.SupersedesID != "" {
			superseded[e.SupersedesID] = true
		}
	}

	var current *fiscal.FiscalAuditEntry
	for i := range existing {
		e := &existing[i]
		if e.ConceptType == entry.ConceptType && !superseded[e.ID] {
			current = e
		}
	}

	switch {
	case entry.SupersedesID == "" && current != nil:
		return fmt.Errorf("%w: %s already has %s (entry %s)",
			fiscal.ErrDuplicateAuditEntry, entry.PayrollDetailID, entry.ConceptType, current.ID)
	case entry.SupersedesID != "" && (current == nil || current.ID != entry.SupersedesID):
		return fmt.Errorf("%w: %s is not the current %s entry of %s",
			ErrInvalidEntry, entry.SupersedesID, entry.ConceptType, entry.PayrollDetailID)
	}
	return nil
}

// =============================================================================
// SEALING
// =============================================================================

// requiredRules lists the rule copies each method needs to be recomputed.
var requiredRules = map[fiscal.CalculationMethod][]fiscal.RuleKind{
	fiscal.MethodBracketISR:     {fiscal.RuleISRTable},
	fiscal.MethodBracketSubsidy: {fiscal.RuleISRTable, fiscal.RuleSubsidy},
	fiscal.MethodNetISR:         {fiscal.RuleISRTable},
	fiscal.MethodFormula:        {fiscal.RuleFormula},
	fiscal.MethodIMSSEmployee:   {fiscal.RuleIMSSRates},
	fiscal.MethodIMSSEmployer:   {fiscal.RuleIMSSRates},
}

// seal rebuilds the rule identities from the copies carried by applied.
func seal(entry fiscal.FiscalAuditEntry, applied fiscal.AppliedRulesSnapshot) (fiscal.AppliedRulesSnapshot, error) {
	required, ok := requiredRules[applied.Method]
	if !ok {
		return applied, fmt.Errorf("%w: unknown method %q", ErrIncompleteSnapshot, applied.Method)
	}
	if err := applied.Rounding.Validate(); err != nil {
		return applied, fmt.Errorf("%w: rounding: %w", ErrIncompleteSnapshot, err)
	}
	for _, kind := range required {
		if _, err := ruleChecksum(applied, kind); err != nil {
			return applied, fmt.Errorf("%s: %w", applied.Method, err)
		}
	}

	var rules []fiscal.AppliedRule
	add := func(kind fiscal.RuleKind, id string, version int) error {
		sum, err := ruleChecksum(applied, kind)
		if err != nil {
			return err
		}
		rules = append(rules, fiscal.AppliedRule{ID: id, Kind: kind, Version: version, Checksum: sum})
		return nil
	}

	if applied.Expression != "" {
		if err := add(fiscal.RuleFormula, entry.RuleApplied, entry.RuleVersion); err != nil {
			return applied, err
		}
	}
	if applied.ISRTable != nil {
		if err := add(fiscal.RuleISRTable, applied.ISRTable.Identifier(), 0); err != nil {
			return applied, err
		}
	}
	if applied.SubsidyTable != nil {
		if err := add(fiscal.RuleSubsidy, applied.SubsidyTable.Identifier(), 0); err != nil {
			return applied, err
		}
	}
	if applied.IMSSRates != nil {
		if err := add(fiscal.RuleIMSSRates, applied.IMSSRates.Identifier(), 0); err != nil {
			return applied, err
		}
	}
	applied.Rules = rules
	return applied, nil
}

func tableUsed(a fiscal.AppliedRulesSnapshot) string {
	switch {
	case a.Method == fiscal.MethodBracketSubsidy && a.SubsidyTable != nil:
		return a.SubsidyTable.Identifier()
	case a.ISRTable != nil:
		return a.ISRTable.Identifier()
	case a.IMSSRates != nil:
		return a.IMSSRates.Identifier()
	}
	return ""
}

package audit

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/payroll-engine/bracket"
	"github.com/warp/payroll-engine/fiscal"
	"github.com/warp/payroll-engine/formula"
)

// IntegrityReport is the outcome of re-running a recorded computation.
type IntegrityReport struct {
	EntryID    string                   `json:"entry_id"`
	Method     fiscal.CalculationMethod `json:"method"`
	Valid      bool                     `json:"valid"`
	Recomputed decimal.Decimal          `json:"recomputed"`
	Stored     decimal.Decimal          `json:"stored"`
	Reason     string                   `json:"reason,omitempty"`
}

// VerifySnapshotIntegrity recomputes an entry purely from its snapshot and
// compares the result with the stored amount. Mismatches are reported with
// Valid=false and never corrected. The error is reserved for entries that
// cannot be verified at all (unknown id, no snapshot, storage failure).
func (r *Recorder) VerifySnapshotIntegrity(ctx context.Context, entryID string) (IntegrityReport, error) {
	entry, err := r.store.GetAudit(ctx, entryID)
	if err != nil {
		return IntegrityReport{}, fmt.Errorf("audit entry %s: %w", entryID, err)
	}
	return r.verify(*entry)
}

// VerifyDetail verifies every snapshot-carrying entry of a payroll detail.
func (r *Recorder) VerifyDetail(ctx context.Context, payrollDetailID string) ([]IntegrityReport, error) {
	entries, err := r.store.ListAuditByDetail(ctx, payrollDetailID)
	if err != nil {
		return nil, err
	}
	var reports []IntegrityReport
	for _, e := range entries {
		if e.Snapshot == nil {
			continue
		}
		rep, err := r.verify(e)
		if err != nil {
			return nil, err
		}
		reports = append(reports, rep)
	}
	return reports, nil
}

func (r *Recorder) verify(entry fiscal.FiscalAuditEntry) (IntegrityReport, error) {
	if entry.Snapshot == nil {
		return IntegrityReport{}, fmt.Errorf("audit entry %s: %w", entry.ID, fiscal.ErrSnapshotMissing)
	}
	snap := *entry.Snapshot
	rep := IntegrityReport{
		EntryID: entry.ID,
		Method:  snap.Applied.Method,
		Stored:  entry.ResultAmount,
	}

	fail := func(reason string) (IntegrityReport, error) {
		rep.Valid = false
		rep.Reason = reason
		r.log.Error("audit integrity failure",
			zap.String("entry_id", entry.ID),
			zap.String("payroll_detail_id", entry.PayrollDetailID),
			zap.String("method", string(rep.Method)),
			zap.String("stored", rep.Stored.String()),
			zap.String("recomputed", rep.Recomputed.String()),
			zap.String("reason", reason))
		return rep, nil
	}

	if len(snap.Applied.Rules) == 0 {
		return fail("snapshot carries no sealed rules")
	}
	for _, rule := range snap.Applied.Rules {
		sum, err := ruleChecksum(snap.Applied, rule.Kind)
		if err != nil {
			return fail(err.Error())
		}
		if sum != rule.Checksum {
			return fail(fmt.Sprintf("checksum mismatch for %s %s", rule.Kind, rule.ID))
		}
	}

	recomputed, err := Recompute(snap)
	if err != nil {
		return fail(fmt.Sprintf("recompute: %v", err))
	}
	rep.Recomputed = recomputed
	if !recomputed.Equal(entry.ResultAmount) {
		return fail("recomputed result differs from stored result")
	}

	rep.Valid = true
	r.log.Debug("audit entry verified", zap.String("entry_id", entry.ID))
	return rep, nil
}

// =============================================================================
// RECOMPUTATION
// =============================================================================

// Recompute derives the result of a snapshot with its own method, rule
// copies and rounding policy. Live tables are never consulted.
func Recompute(snap fiscal.AuditSnapshot) (decimal.Decimal, error) {
	in, applied := snap.Input, snap.Applied
	policy := applied.Rounding

	switch applied.Method {
	case fiscal.MethodBracketISR, fiscal.MethodBracketSubsidy, fiscal.MethodNetISR:
		if applied.ISRTable == nil {
			return decimal.Zero, fmt.Errorf("%w: no ISR table copy", ErrIncompleteSnapshot)
		}
		res, err := bracket.CalculateNetISRForPeriod(in.Base, in.Period.Type, *applied.ISRTable, applied.SubsidyTable)
		if err != nil {
			return decimal.Zero, err
		}
		res = res.Rounded(policy)
		switch applied.Method {
		case fiscal.MethodBracketISR:
			return res.ISR.ISR, nil
		case fiscal.MethodBracketSubsidy:
			return res.Subsidy.Subsidy, nil
		}
		return res.Net, nil

	case fiscal.MethodFormula:
		ctx, err := formula.ContextFromSample(in.Variables)
		if err != nil {
			return decimal.Zero, err
		}
		res, err := formula.NewEvaluator(policy.Method).EvaluateWithExemption(
			applied.Expression, ctx, applied.IsTaxable, applied.ExemptLimit, applied.ExemptLimitType)
		if err != nil {
			return decimal.Zero, err
		}
		return policy.Round(res.Value), nil

	case fiscal.MethodIMSSEmployee, fiscal.MethodIMSSEmployer:
		if applied.IMSSRates == nil {
			return decimal.Zero, fmt.Errorf("%w: no IMSS rates copy", ErrIncompleteSnapshot)
		}
		res, err := bracket.CalculateIMSS(bracket.IMSSInput{
			SBC:       in.Base,
			UMADaily:  in.Fiscal.UMADaily,
			Days:      in.ContributionDays,
			RiskClass: in.Employee.RiskClass,
		}, *applied.IMSSRates)
		if err != nil {
			return decimal.Zero, err
		}
		res = res.Rounded(policy)
		if applied.Method == fiscal.MethodIMSSEmployer {
			return res.Employer, nil
		}
		return res.Employee, nil
	}
	return decimal.Zero, fmt.Errorf("%w: unknown method %q", ErrIncompleteSnapshot, applied.Method)
}

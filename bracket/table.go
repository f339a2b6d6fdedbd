/*
Package bracket resolves taxable bases against progressive tables.

PURPOSE:
  ISR withholding and Subsidio al Empleo are published as ordered tables of
  brackets per (year, period type). IMSS quotas are a year-scoped set of
  employer/employee rates. This package validates those tables and computes
  the amounts; it never stores them.

MATCHING:
  Rows partition [0, +inf). Row n matches Lower(n) <= base < Lower(n+1), so a
  base lying in the one-cent gap a published table leaves between Upper(n)
  and Lower(n+1) still belongs to row n, and a base equal to a shared
  boundary belongs to the upper row only. Exactly one row matches any
  base >= 0.

PRECISION:
  Calculate* functions return exact decimals. Rounding is applied once, by
  the caller's rounding.Policy (see Resolver).

SEE ALSO:
  - isr.go:      ISR, subsidy and net ISR
  - imss.go:     social security quotas
  - resolver.go: table lookup + rounding
*/
package bracket

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/fiscal"
)

var (
	// MaxGap is the widest hole allowed between a row's upper limit and the
	// next row's lower limit.
	MaxGap = decimal.New(1, -2)

	// ContinuityTolerance is how far ISR may drop across a row boundary.
	// Published tables truncate fixed fees to the cent.
	ContinuityTolerance = decimal.New(1, -2)
)

// Validate checks every invariant a table must satisfy before it is used.
func Validate(t fiscal.BracketTable) error {
	name := t.Identifier()
	fail := func(row int, format string, args ...any) error {
		return &fiscal.TableError{Table: name, Row: row, Reason: fmt.Sprintf(format, args...)}
	}

	if t.Kind != fiscal.TableISR && t.Kind != fiscal.TableSubsidy {
		return fail(-1, "unknown kind %q", t.Kind)
	}
	if !t.PeriodType.Valid() {
		return fail(-1, "unknown period type %q", t.PeriodType)
	}
	if len(t.Rows) == 0 {
		return fail(-1, "no rows")
	}
	if !t.Rows[0].LowerLimit.IsZero() {
		return fail(0, "first row must start at 0, starts at %s", t.Rows[0].LowerLimit)
	}

	one := decimal.NewFromInt(1)
	for i, row := range t.Rows {
		last := i == len(t.Rows)-1

		if row.RateOnExcess.IsNegative() || row.RateOnExcess.GreaterThan(one) {
			return fail(i, "rate %s outside [0, 1]", row.RateOnExcess)
		}
		if row.FixedFee.IsNegative() {
			return fail(i, "negative fixed fee %s", row.FixedFee)
		}
		if row.SubsidyAmount.IsNegative() {
			return fail(i, "negative subsidy %s", row.SubsidyAmount)
		}
		if row.UpperLimit == nil {
			if !last {
				return fail(i, "only the last row may be open-ended")
			}
			continue
		}
		if row.UpperLimit.LessThan(row.LowerLimit) {
			return fail(i, "upper limit %s below lower limit %s", row.UpperLimit, row.LowerLimit)
		}
		if last {
			continue
		}

		next := t.Rows[i+1]
		if !next.LowerLimit.GreaterThan(row.LowerLimit) {
			return fail(i+1, "lower limit %s not above previous %s", next.LowerLimit, row.LowerLimit)
		}
		gap := next.LowerLimit.Sub(*row.UpperLimit)
		if gap.IsNegative() {
			return fail(i+1, "overlaps previous row by %s", gap.Neg())
		}
		if gap.GreaterThan(MaxGap) {
			return fail(i+1, "gap of %s after previous row", gap)
		}

		if t.Kind == fiscal.TableISR {
			end := row.FixedFee.Add(row.UpperLimit.Sub(row.LowerLimit).Mul(row.RateOnExcess))
			if next.FixedFee.Add(ContinuityTolerance).LessThan(end) {
				return fail(i+1, "fixed fee %s below ISR %s at end of previous row", next.FixedFee, end)
			}
		}
	}
	return nil
}

// Match returns the index of the row a base falls into.
func Match(t fiscal.BracketTable, base decimal.Decimal) (int, error) {
	if base.IsNegative() {
		return -1, fmt.Errorf("%w: negative base %s", ErrOutOfDomain, base)
	}
	if len(t.Rows) == 0 {
		return -1, &fiscal.TableError{Table: t.Identifier(), Row: -1, Reason: "no rows"}
	}

	// Last row whose lower limit is <= base.
	lo, hi := 0, len(t.Rows)
	for lo < hi {
		mid := (lo + hi) / 2
		if t.Rows[mid].LowerLimit.LessThanOrEqual(base) {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	idx := lo - 1
	if idx < 0 {
		return -1, fmt.Errorf("%w: base %s below first row", ErrOutOfDomain, base)
	}

	last := t.Rows[len(t.Rows)-1]
	if idx == len(t.Rows)-1 && last.UpperLimit != nil && base.GreaterThan(last.UpperLimit.Add(MaxGap)) {
		return -1, fmt.Errorf("%w: base %s above table ceiling %s", ErrOutOfDomain, base, last.UpperLimit)
	}
	return idx, nil
}

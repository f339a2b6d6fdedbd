package bracket

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/warp/payroll-engine/fiscal"
	"github.com/warp/payroll-engine/rounding"
)

// =============================================================================
// RESOLVER - Table lookup + rounding
// =============================================================================

// Resolver looks up the tables in force and applies them. It holds no
// mutable state.
type Resolver struct {
	tables fiscal.TableSource
	log    *zap.Logger
}

func NewResolver(tables fiscal.TableSource, log *zap.Logger) *Resolver {
	if log == nil {
		log = zap.NewNop()
	}
	return &Resolver{tables: tables, log: log.Named("bracket.resolver")}
}

// PeriodTables are the tables used for one (year, period type).
type PeriodTables struct {
	ISR     fiscal.BracketTable
	Subsidy *fiscal.BracketTable
}

// Tables returns validated ISR and subsidy tables. When no table exists for
// the period type the monthly tables are returned. A missing subsidy table
// is not an error.
func (r *Resolver) Tables(ctx context.Context, year int, period fiscal.PeriodType) (PeriodTables, error) {
	isr, err := r.tables.BracketTable(ctx, fiscal.TableKey{Kind: fiscal.TableISR, Year: year, PeriodType: period})
	if errors.Is(err, fiscal.ErrTableNotFound) && period != fiscal.PeriodMonthly {
		r.log.Debug("no period table, falling back to monthly",
			zap.Int("year", year), zap.String("period_type", string(period)))
		isr, err = r.tables.BracketTable(ctx, fiscal.TableKey{Kind: fiscal.TableISR, Year: year, PeriodType: fiscal.PeriodMonthly})
	}
	if err != nil {
		return PeriodTables{}, fmt.Errorf("ISR table %d/%s: %w", year, period, err)
	}
	if err := Validate(*isr); err != nil {
		return PeriodTables{}, err
	}

	out := PeriodTables{ISR: *isr}
	sub, err := r.tables.BracketTable(ctx, fiscal.TableKey{Kind: fiscal.TableSubsidy, Year: year, PeriodType: isr.PeriodType})
	switch {
	case errors.Is(err, fiscal.ErrTableNotFound):
		r.log.Debug("no subsidy table", zap.Int("year", year), zap.String("period_type", string(isr.PeriodType)))
	case err != nil:
		return PeriodTables{}, fmt.Errorf("subsidy table %d/%s: %w", year, isr.PeriodType, err)
	default:
		if err := Validate(*sub); err != nil {
			return PeriodTables{}, err
		}
		out.Subsidy = sub
	}
	return out, nil
}

// NetISR computes rounded ISR, subsidy and net ISR for a period base.
func (r *Resolver) NetISR(ctx context.Context, base decimal.Decimal, year int, period fiscal.PeriodType, policy rounding.Policy) (NetISRResult, PeriodTables, error) {
	tables, err := r.Tables(ctx, year, period)
	if err != nil {
		return NetISRResult{}, PeriodTables{}, err
	}
	res, err := CalculateNetISRForPeriod(base, period, tables.ISR, tables.Subsidy)
	if err != nil {
		return NetISRResult{}, PeriodTables{}, err
	}
	return res.Rounded(policy), tables, nil
}

// IMSS computes rounded quotas with the rates in force for year.
func (r *Resolver) IMSS(ctx context.Context, in IMSSInput, year int, policy rounding.Policy) (IMSSResult, *fiscal.IMSSRateSet, error) {
	rates, err := r.tables.IMSSRates(ctx, year)
	if err != nil {
		return IMSSResult{}, nil, fmt.Errorf("IMSS rates %d: %w", year, err)
	}
	if err := ValidateRates(*rates); err != nil {
		return IMSSResult{}, nil, err
	}
	res, err := CalculateIMSS(in, *rates)
	if err != nil {
		return IMSSResult{}, nil, err
	}
	return res.Rounded(policy), rates, nil
}

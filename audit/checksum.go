package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/warp/payroll-engine/fiscal"
)

const checksumPrefix = "sha256:"

// Checksum hashes the canonical JSON encoding of v. Struct fields encode in
// declaration order and map keys sorted, decimals as their shortest string.
func Checksum(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("canonical encoding: %w", err)
	}
	sum := sha256.Sum256(b)
	return checksumPrefix + hex.EncodeToString(sum[:]), nil
}

// formulaRule is the part of a formula that determines its result.
type formulaRule struct {
	Expression      string                 `json:"expression"`
	IsTaxable       bool                   `json:"is_taxable"`
	ExemptLimit     *decimal.Decimal       `json:"exempt_limit,omitempty"`
	ExemptLimitType fiscal.ExemptLimitType `json:"exempt_limit_type,omitempty"`
}

func formulaRuleOf(a fiscal.AppliedRulesSnapshot) formulaRule {
	return formulaRule{
		Expression:      a.Expression,
		IsTaxable:       a.IsTaxable,
		ExemptLimit:     a.ExemptLimit,
		ExemptLimitType: a.ExemptLimitType,
	}
}

// ruleChecksum hashes the copy of the rule of the given kind carried by a.
func ruleChecksum(a fiscal.AppliedRulesSnapshot, kind fiscal.RuleKind) (string, error) {
	switch kind {
	case fiscal.RuleISRTable:
		if a.ISRTable == nil {
			return "", fmt.Errorf("%w: no ISR table copy", ErrIncompleteSnapshot)
		}
		return Checksum(a.ISRTable)
	case fiscal.RuleSubsidy:
		if a.SubsidyTable == nil {
			return "", fmt.Errorf("%w: no subsidy table copy", ErrIncompleteSnapshot)
		}
		return Checksum(a.SubsidyTable)
	case fiscal.RuleIMSSRates:
		if a.IMSSRates == nil {
			return "", fmt.Errorf("%w: no IMSS rates copy", ErrIncompleteSnapshot)
		}
		return Checksum(a.IMSSRates)
	case fiscal.RuleFormula:
		if a.Expression == "" {
			return "", fmt.Errorf("%w: no expression copy", ErrIncompleteSnapshot)
		}
		return Checksum(formulaRuleOf(a))
	}
	return "", fmt.Errorf("%w: unknown rule kind %q", ErrIncompleteSnapshot, kind)
}

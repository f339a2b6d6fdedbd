package rounding

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// PolicySource is the persistent home of per-company policies.
// GetRoundingPolicy returns (nil, nil) when the company has none.
type PolicySource interface {
	GetRoundingPolicy(ctx context.Context, companyID string) (*Policy, error)
	SaveRoundingPolicy(ctx context.Context, companyID string, policy Policy) error
}

// Service resolves the policy in force for a company.
// Lookup order: cache, source, Default.
type Service struct {
	Source  PolicySource
	Cache   Cache
	Default Policy

	log *zap.Logger
}

func NewService(source PolicySource, cache Cache, log *zap.Logger) *Service {
	if cache == nil {
		cache = NewMemoryCache()
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{
		Source:  source,
		Cache:   cache,
		Default: DefaultPolicy,
		log:     log.Named("rounding.service"),
	}
}

// PolicyFor returns the company's policy.
// A cache failure is logged and the source is consulted directly.
func (s *Service) PolicyFor(ctx context.Context, companyID string) (Policy, error) {
	if p, ok, err := s.Cache.Get(ctx, companyID); err != nil {
		s.log.Warn("rounding cache read failed", zap.String("company_id", companyID), zap.Error(err))
	} else if ok {
		return p, nil
	}

	policy := s.Default
	if s.Source != nil {
		stored, err := s.Source.GetRoundingPolicy(ctx, companyID)
		if err != nil {
			return Policy{}, fmt.Errorf("load rounding policy for %s: %w", companyID, err)
		}
		if stored != nil {
			policy = *stored
		}
	}

	if err := s.Cache.Set(ctx, companyID, policy); err != nil {
		s.log.Warn("rounding cache write failed", zap.String("company_id", companyID), zap.Error(err))
	}
	return policy, nil
}

// RoundFor rounds value with the company's policy.
func (s *Service) RoundFor(ctx context.Context, companyID string, value decimal.Decimal) (decimal.Decimal, error) {
	p, err := s.PolicyFor(ctx, companyID)
	if err != nil {
		return decimal.Zero, err
	}
	return p.Round(value), nil
}

// SetPolicy persists a new policy and drops the cached one.
func (s *Service) SetPolicy(ctx context.Context, companyID string, policy Policy) error {
	if err := policy.Validate(); err != nil {
		return err
	}
	if s.Source == nil {
		return fmt.Errorf("rounding service has no policy source")
	}
	if err := s.Source.SaveRoundingPolicy(ctx, companyID, policy); err != nil {
		return fmt.Errorf("save rounding policy for %s: %w", companyID, err)
	}
	return s.Invalidate(ctx, companyID)
}

// Invalidate must be called whenever a company's configuration changes.
func (s *Service) Invalidate(ctx context.Context, companyID string) error {
	if err := s.Cache.Invalidate(ctx, companyID); err != nil {
		return fmt.Errorf("invalidate rounding policy for %s: %w", companyID, err)
	}
	s.log.Debug("rounding policy invalidated", zap.String("company_id", companyID))
	return nil
}

package service

import (
	"context"

	"github.com/nidohq/nido-billing/internal/domain"
	"github.com/nidohq/nido-billing/internal/repository"
)

// PlanService reads the plan catalog. Plans are immutable once created;
// price changes ship as new plan rows.
type PlanService interface {
	ListPlans(ctx context.Context) ([]domain.Plan, error)
	GetPlan(ctx context.Context, code string) (*domain.Plan, error)
}

type planService struct {
	store repository.Store
}

// NewPlanService creates a PlanService instance.
func NewPlanService(store repository.Store) PlanService {
	return &planService{store: store}
}

func (s *planService) ListPlans(ctx context.Context) ([]domain.Plan, error) {
	return s.store.ListActivePlans(ctx)
}

func (s *planService) GetPlan(ctx context.Context, code string) (*domain.Plan, error) {
	plan, err := s.store.GetPlanByCode(ctx, code)
	if err != nil {
		return nil, ErrPlanNotFound
	}
	return plan, nil
}

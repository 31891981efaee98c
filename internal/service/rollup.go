package service

import (
	"context"

	"go.uber.org/zap"

	"aggregator/internal/models"
	"aggregator/internal/repository"
)

// RollupService answers collection-level reads and corrects counter
// drift. Deltas applied by the event pipeline are exact per event, but
// skew accumulates if a process dies between an order write and its
// bump; reconciliation re-counts from the orders table.
type RollupService struct {
	repo   repository.Repository
	logger *zap.Logger
}

func NewRollupService(repo repository.Repository, logger *zap.Logger) *RollupService {
	return &RollupService{repo: repo, logger: logger}
}

// Rollup returns a collection's counters, nil when never seeded.
func (s *RollupService) Rollup(ctx context.Context, chainID int64, contract string) (*models.CollectionRollup, error) {
	if s == nil || s.repo == nil {
		return nil, nil
	}
	return s.repo.GetCollectionRollup(ctx, chainID, contract)
}

// Reconcile re-seeds every known rollup from a full count.
func (s *RollupService) Reconcile(ctx context.Context) error {
	if s == nil || s.repo == nil {
		return nil
	}
	rollups, err := s.repo.ListCollectionRollups(ctx)
	if err != nil {
		return err
	}
	for _, r := range rollups {
		if err := s.repo.SeedCollectionRollup(ctx, r.ChainID, r.ContractAddress); err != nil {
			return err
		}
	}
	if s.logger != nil {
		s.logger.Info("collection rollups reconciled", zap.Int("collections", len(rollups)))
	}
	return nil
}

package service

import (
	"context"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"aggregator/internal/chain"
	"aggregator/internal/config"
	"aggregator/internal/models"
	"aggregator/internal/repository"
)

// ValidityService verifies indexed orders against chain state and
// disables the ones that can no longer fill. RPC calls run on a bounded
// worker pool with retries.
type ValidityService struct {
	repo   repository.Repository
	chain  chain.Reader
	best   *BestOrderService
	logger *zap.Logger
	cfg    config.ValidityConfig

	jobs chan repository.BestCandidate
	wg   sync.WaitGroup
}

func NewValidityService(repo repository.Repository, reader chain.Reader, best *BestOrderService, cfg config.ValidityConfig, logger *zap.Logger) *ValidityService {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = 2 * time.Second
	}
	if cfg.SweepBatch <= 0 {
		cfg.SweepBatch = 50
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = time.Hour
	}
	return &ValidityService{
		repo:   repo,
		chain:  reader,
		best:   best,
		logger: logger,
		cfg:    cfg,
		jobs:   make(chan repository.BestCandidate, cfg.Workers*16),
	}
}

// Start launches the worker pool. Workers drain until ctx is cancelled.
func (s *ValidityService) Start(ctx context.Context) {
	if s == nil {
		return
	}
	for i := 0; i < s.cfg.Workers; i++ {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case cand := <-s.jobs:
					if err := s.CheckOrder(ctx, cand); err != nil && s.logger != nil {
						s.logger.Warn("validity check failed",
							zap.Uint64("order_id", cand.Order.ID),
							zap.Error(err))
					}
				}
			}
		}()
	}
}

// Wait blocks until all workers exited.
func (s *ValidityService) Wait() {
	if s == nil {
		return
	}
	s.wg.Wait()
}

// Enqueue hands an order to the pool. Blocks when the pool is saturated
// so producers back off instead of piling up unchecked work.
func (s *ValidityService) Enqueue(ctx context.Context, cand repository.BestCandidate) {
	if s == nil {
		return
	}
	select {
	case <-ctx.Done():
	case s.jobs <- cand:
	}
}

func (s *ValidityService) withRetry(ctx context.Context, fn func() error) error {
	var err error
	backoff := s.cfg.RetryBackoff
	for attempt := 0; attempt < s.cfg.RetryAttempts; attempt++ {
		if err = fn(); err == nil {
			return nil
		}
		if attempt == s.cfg.RetryAttempts-1 {
			break
		}
		if serr := sleepContext(ctx, backoff); serr != nil {
			return serr
		}
		backoff *= 2
	}
	return err
}

// CheckOrder re-validates one order against chain state: the exchange's
// fill status first, then asset ownership or balance for listings.
func (s *ValidityService) CheckOrder(ctx context.Context, cand repository.BestCandidate) error {
	if s == nil || s.repo == nil || s.chain == nil {
		return nil
	}
	order := cand.Order
	if !order.Fillable(time.Now().Unix()) {
		return nil
	}

	var status *chain.OrderStatus
	err := s.withRetry(ctx, func() error {
		var cerr error
		status, cerr = s.chain.OrderStatus(ctx, order.ChainID, order.ExchangeAddress, order.Hash)
		return cerr
	})
	if err != nil {
		return err
	}

	if status.IsCancelled {
		if err := s.repo.UpdateOrderCancelledTx(ctx, nil, order.ID); err != nil {
			return err
		}
		return s.settleDisabled(ctx, cand)
	}

	available := availableAmount(cand.Asset.StartAmount, status.TotalFilled, status.TotalSize)
	if !available.IsPositive() {
		return s.disable(ctx, cand)
	}
	if !available.Equal(cand.Asset.AvailableAmount) {
		if err := s.repo.UpdateOrderAvailableAmount(ctx, cand.Asset.ID, available.String()); err != nil {
			return err
		}
		cand.Asset.AvailableAmount = available
	}

	if order.Category == models.CategoryListing && cand.Asset.AssetID != "" {
		ok, err := s.offererHoldsAsset(ctx, &order, cand.Asset, available)
		if err != nil {
			return err
		}
		if !ok {
			return s.disable(ctx, cand)
		}
	}

	if !order.IsValidated && status.IsValidated {
		// Informational only; fillability does not depend on it.
		_ = s.markValidated(ctx, order.ID)
	}
	return nil
}

// FulfilledOrderHashes reads the order hashes a sale transaction filled
// from its receipt logs.
func (s *ValidityService) FulfilledOrderHashes(ctx context.Context, chainID int64, txHash, exchange string) ([]string, error) {
	if s == nil || s.chain == nil {
		return nil, nil
	}
	var hashes []string
	err := s.withRetry(ctx, func() error {
		var cerr error
		hashes, cerr = s.chain.FulfilledOrders(ctx, chainID, txHash, exchange)
		return cerr
	})
	return hashes, err
}

func (s *ValidityService) markValidated(ctx context.Context, orderID uint64) error {
	return s.repo.InTx(ctx, func(tx *gorm.DB) error {
		return tx.Model(&models.Order{}).
			Where("id = ?", orderID).
			Update("is_validated", true).Error
	})
}

func (s *ValidityService) offererHoldsAsset(ctx context.Context, order *models.Order, asset models.OrderAsset, needed decimal.Decimal) (bool, error) {
	if asset.IsERC1155() {
		var balance *big.Int
		err := s.withRetry(ctx, func() error {
			var cerr error
			balance, cerr = s.chain.BalanceOf(ctx, order.ChainID, asset.Token, order.Offerer, asset.IdentifierOrCriteria)
			return cerr
		})
		if err != nil {
			return false, err
		}
		return decimal.NewFromBigInt(balance, 0).GreaterThanOrEqual(needed), nil
	}
	var owner string
	err := s.withRetry(ctx, func() error {
		var cerr error
		owner, cerr = s.chain.OwnerOf(ctx, order.ChainID, asset.Token, asset.IdentifierOrCriteria)
		return cerr
	})
	if err != nil {
		return false, err
	}
	return strings.EqualFold(owner, order.Offerer), nil
}

// availableAmount applies the exchange's fill ratio to the original
// amount: start - start*filled/size, floored.
func availableAmount(start decimal.Decimal, totalFilled, totalSize *big.Int) decimal.Decimal {
	if totalSize == nil || totalSize.Sign() == 0 {
		return start
	}
	filled := decimal.NewFromBigInt(totalFilled, 0)
	size := decimal.NewFromBigInt(totalSize, 0)
	used := start.Mul(filled).Div(size).Floor()
	return start.Sub(used)
}

func (s *ValidityService) disable(ctx context.Context, cand repository.BestCandidate) error {
	if err := s.repo.UpdateOrderFillable(ctx, cand.Order.ID, false); err != nil {
		return err
	}
	return s.settleDisabled(ctx, cand)
}

func (s *ValidityService) settleDisabled(ctx context.Context, cand repository.BestCandidate) error {
	if s.logger != nil {
		s.logger.Info("order disabled",
			zap.Uint64("order_id", cand.Order.ID),
			zap.String("hash", cand.Order.Hash),
			zap.String("category", cand.Order.Category))
	}
	delta := repository.RollupDelta{
		ChainID:         cand.Order.ChainID,
		ContractAddress: cand.Asset.Token,
	}
	switch cand.Order.Category {
	case models.CategoryListing:
		delta.Listing = -1
	case models.CategoryOffer:
		delta.Offer = -1
	}
	if err := s.repo.BumpCollectionRollupTx(ctx, nil, delta); err != nil {
		return err
	}
	disabled := cand.Order
	disabled.IsFillable = false
	if s.best != nil {
		return s.best.ApplyOrder(ctx, &disabled, cand.Asset)
	}
	return nil
}

// CheckAssetAfterTransfer re-validates every live listing of an asset
// after its ownership changed. Non-fungible listings placed before the
// transfer cannot fill anymore and are disabled without an RPC call;
// everything else goes through the pool.
func (s *ValidityService) CheckAssetAfterTransfer(ctx context.Context, chainID int64, contract, tokenID, from string, eventTime int64) error {
	if s == nil || s.repo == nil {
		return nil
	}
	assetID := models.AssetKey(chainID, contract, tokenID)
	candidates, err := s.repo.ListFillableCandidates(ctx, assetID, models.CategoryListing)
	if err != nil {
		return err
	}
	for _, cand := range candidates {
		if !cand.Asset.IsERC1155() && cand.Order.StartTime < eventTime &&
			(from == "" || strings.EqualFold(cand.Order.Offerer, from)) {
			if err := s.disable(ctx, cand); err != nil {
				return err
			}
			continue
		}
		s.Enqueue(ctx, cand)
	}
	if s.best != nil {
		return s.best.Recompute(ctx, assetID, chainID, contract, tokenID)
	}
	return nil
}

// SweepStaleOrders re-checks the longest-unverified live orders. Runs
// on a schedule so drift between chain and index stays bounded.
func (s *ValidityService) SweepStaleOrders(ctx context.Context) error {
	if s == nil || s.repo == nil {
		return nil
	}
	cutoff := time.Now().Add(-s.cfg.StaleAfter).Unix()
	candidates, err := s.repo.ListStaleFillableOrders(ctx, cutoff, s.cfg.SweepBatch)
	if err != nil {
		return err
	}
	for _, cand := range candidates {
		s.Enqueue(ctx, cand)
	}
	if s.logger != nil && len(candidates) > 0 {
		s.logger.Info("validity sweep scheduled", zap.Int("orders", len(candidates)))
	}
	return nil
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

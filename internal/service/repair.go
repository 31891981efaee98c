package service

import (
	"context"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"aggregator/internal/config"
	"aggregator/internal/models"
	"aggregator/internal/repository"
)

// GapRepairService replays downtime windows from the history API,
// oldest first, one window per run.
type GapRepairService struct {
	repo      repository.Repository
	api       MarketAPI
	events    *EventService
	logger    *zap.Logger
	maxWindow time.Duration

	mu sync.Mutex
}

func NewGapRepairService(repo repository.Repository, api MarketAPI, events *EventService, cfg config.RepairConfig, logger *zap.Logger) *GapRepairService {
	maxWindow := cfg.MaxWindow
	if maxWindow <= 0 {
		maxWindow = 12 * time.Hour
	}
	return &GapRepairService{
		repo:      repo,
		api:       api,
		events:    events,
		logger:    logger,
		maxWindow: maxWindow,
	}
}

// RunOnce repairs the oldest open window. A window wider than the
// replay limit is written off: replaying that much history would thrash
// the API, and the validity sweep catches up on the index instead.
func (s *GapRepairService) RunOnce(ctx context.Context) error {
	if s == nil || s.repo == nil {
		return nil
	}
	if !s.mu.TryLock() {
		return nil
	}
	defer s.mu.Unlock()

	interval, err := s.repo.OldestOpenRepairInterval(ctx)
	if err != nil || interval == nil {
		return err
	}
	span := time.Duration(interval.EndTime-interval.StartTime) * time.Second
	if span > s.maxWindow {
		if s.logger != nil {
			s.logger.Warn("repair window too wide, written off",
				zap.Uint64("id", interval.ID),
				zap.Duration("span", span))
		}
		return s.repo.UpdateRepairIntervalStatus(ctx, interval.ID, models.RepairStatusDone)
	}
	if err := s.repo.UpdateRepairIntervalStatus(ctx, interval.ID, models.RepairStatusRunning); err != nil {
		return err
	}
	if err := s.replay(ctx, interval); err != nil {
		// Back to open so the next run retries it.
		if rerr := s.repo.UpdateRepairIntervalStatus(ctx, interval.ID, models.RepairStatusInit); rerr != nil && s.logger != nil {
			s.logger.Warn("repair status reset failed", zap.Error(rerr))
		}
		return err
	}
	if s.logger != nil {
		s.logger.Info("repair window replayed",
			zap.Uint64("id", interval.ID),
			zap.Int64("start", interval.StartTime),
			zap.Int64("end", interval.EndTime))
	}
	return s.repo.UpdateRepairIntervalStatus(ctx, interval.ID, models.RepairStatusDone)
}

func (s *GapRepairService) replay(ctx context.Context, interval *models.RepairInterval) error {
	slugs, err := s.slugsFor(ctx, interval)
	if err != nil {
		return err
	}
	for _, slug := range slugs {
		events, err := s.api.CollectionEvents(ctx, slug, interval.StartTime, interval.EndTime, nil)
		if err != nil {
			return err
		}
		for i := range events {
			if err := s.events.HandleHistoryEvent(ctx, events[i]); err != nil {
				return err
			}
		}
		if s.logger != nil {
			s.logger.Debug("collection history replayed",
				zap.String("slug", slug),
				zap.Int("events", len(events)))
		}
	}
	return nil
}

func (s *GapRepairService) slugsFor(ctx context.Context, interval *models.RepairInterval) ([]string, error) {
	if strings.TrimSpace(interval.Collections) != "" {
		parts := strings.Split(interval.Collections, ",")
		slugs := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				slugs = append(slugs, p)
			}
		}
		return slugs, nil
	}
	watched, err := s.repo.ListWatchedCollections(ctx, true)
	if err != nil {
		return nil, err
	}
	slugs := make([]string, 0, len(watched))
	for _, w := range watched {
		slugs = append(slugs, w.Slug)
	}
	return slugs, nil
}

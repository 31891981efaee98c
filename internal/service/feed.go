package service

import (
	"context"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"aggregator/internal/client/opensea"
	"aggregator/internal/config"
	"aggregator/internal/models"
	"aggregator/internal/repository"
)

const feedName = "marketplace-stream"

type feedEvent struct {
	slug string
	evt  opensea.StreamEvent
}

// FeedService owns the realtime stream: it applies events in arrival
// order, keeps the health watermark, and records downtime windows for
// the gap repairer.
type FeedService struct {
	repo   repository.Repository
	stream *opensea.Stream
	events *EventService
	api    MarketAPI
	logger *zap.Logger
	slack  time.Duration

	queue chan feedEvent

	// lastHealthy is written from the stream's heartbeat goroutine and
	// read on the run loop.
	lastHealthy atomic.Int64
}

func NewFeedService(repo repository.Repository, stream *opensea.Stream, events *EventService, api MarketAPI, cfg config.FeedConfig, logger *zap.Logger) *FeedService {
	slack := cfg.DisconnectSlack
	if slack <= 0 {
		slack = 5 * time.Second
	}
	s := &FeedService{
		repo:   repo,
		stream: stream,
		events: events,
		api:    api,
		logger: logger,
		slack:  slack,
		queue:  make(chan feedEvent, 1024),
	}
	stream.OnEvent = s.onEvent
	stream.OnUp = s.onUp
	stream.OnDown = s.onDown
	stream.OnHealthy = s.onHealthy
	return s
}

func (s *FeedService) onEvent(slug string, evt opensea.StreamEvent) {
	select {
	case s.queue <- feedEvent{slug: slug, evt: evt}:
	default:
		// Queue full: drop and let gap repair replay it later.
		if s.logger != nil {
			s.logger.Warn("feed queue full, event dropped",
				zap.String("slug", slug),
				zap.String("event_type", evt.EventType))
		}
	}
}

func (s *FeedService) onUp(at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	// A crash leaves no downtime window behind; the watermark of the
	// previous run tells us where replay has to start.
	progress, err := s.repo.GetFeedProgress(ctx, feedName)
	if err == nil && progress != nil && progress.EndTime > 0 && progress.EndTime < at.Unix() {
		s.createRepairWindow(ctx, progress.EndTime, at)
	}
	s.lastHealthy.Store(at.Unix())
	_ = s.repo.UpsertFeedProgress(ctx, &models.FeedProgress{
		Name:      feedName,
		StartTime: at.Unix(),
		EndTime:   at.Unix(),
	})
}

func (s *FeedService) onHealthy(at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	s.lastHealthy.Store(at.Unix())
	progress, err := s.repo.GetFeedProgress(ctx, feedName)
	if err != nil {
		return
	}
	start := at.Unix()
	if progress != nil {
		start = progress.StartTime
	}
	_ = s.repo.UpsertFeedProgress(ctx, &models.FeedProgress{
		Name:      feedName,
		StartTime: start,
		EndTime:   at.Unix(),
	})
}

func (s *FeedService) onDown(at time.Time) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	start := s.lastHealthy.Load()
	if start == 0 {
		start = at.Unix()
	}
	s.createRepairWindow(ctx, start, at)
}

// createRepairWindow records [start, end+slack] for replay. Windows
// never overlap: the start clamps to just past the newest window, and
// a window that adds nothing is skipped.
func (s *FeedService) createRepairWindow(ctx context.Context, start int64, end time.Time) {
	endUnix := end.Add(s.slack).Unix()
	prev, err := s.repo.LatestRepairInterval(ctx)
	if err != nil {
		if s.logger != nil {
			s.logger.Warn("repair window lookup failed", zap.Error(err))
		}
		return
	}
	if prev != nil {
		if endUnix <= prev.EndTime {
			return
		}
		if start <= prev.EndTime {
			start = prev.EndTime + 1
		}
	}
	if endUnix <= start {
		return
	}
	item := &models.RepairInterval{
		StartTime:    start,
		EndTime:      endUnix,
		Status:       models.RepairStatusInit,
		SourceAPIKey: s.stream.CurrentKey(),
	}
	if err := s.repo.CreateRepairInterval(ctx, item); err != nil {
		if s.logger != nil {
			s.logger.Warn("repair window create failed", zap.Error(err))
		}
		return
	}
	if s.logger != nil {
		s.logger.Info("repair window recorded",
			zap.Int64("start", start),
			zap.Int64("end", endUnix))
	}
}

// Run consumes the stream until ctx is cancelled. Events apply strictly
// in arrival order.
func (s *FeedService) Run(ctx context.Context) error {
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case item := <-s.queue:
				if err := s.events.HandleStreamEvent(ctx, item.slug, item.evt); err != nil && s.logger != nil {
					s.logger.Warn("feed event failed",
						zap.String("slug", item.slug),
						zap.String("event_type", item.evt.EventType),
						zap.Error(err))
				}
			}
		}
	}()
	return s.stream.Run(ctx)
}

// ReloadCollections diffs the watch set against live subscriptions,
// joining and bootstrapping new collections and cutting removed ones
// loose. Runs at startup and on a schedule.
func (s *FeedService) ReloadCollections(ctx context.Context) error {
	if s == nil || s.repo == nil {
		return nil
	}
	watched, err := s.repo.ListWatchedCollections(ctx, true)
	if err != nil {
		return err
	}
	desired := make(map[string]models.WatchedCollection, len(watched))
	for _, w := range watched {
		desired[w.Slug] = w
	}
	current := make(map[string]struct{})
	for _, slug := range s.stream.Topics() {
		current[slug] = struct{}{}
	}

	for slug, w := range desired {
		if _, ok := current[slug]; ok {
			continue
		}
		if w.ContractAddress == "" {
			if err := s.resolveContract(ctx, &w); err != nil {
				if s.logger != nil {
					s.logger.Warn("collection resolve failed",
						zap.String("slug", slug), zap.Error(err))
				}
				continue
			}
		}
		if err := s.stream.Subscribe(ctx, slug); err != nil {
			return err
		}
		if s.logger != nil {
			s.logger.Info("collection subscribed", zap.String("slug", slug))
		}
		if err := s.events.BootstrapCollection(ctx, slug); err != nil {
			if s.logger != nil {
				s.logger.Warn("collection bootstrap failed",
					zap.String("slug", slug), zap.Error(err))
			}
		}
	}

	for slug := range current {
		w, ok := desired[slug]
		if ok {
			continue
		}
		if err := s.stream.Unsubscribe(ctx, slug); err != nil {
			return err
		}
		if s.logger != nil {
			s.logger.Info("collection unsubscribed", zap.String("slug", slug))
		}
		removed, err := s.repo.GetWatchedCollectionBySlug(ctx, slug)
		if err != nil {
			return err
		}
		if removed != nil && removed.ContractAddress != "" {
			w = *removed
			if err := s.events.DisableCollectionOrders(ctx, w.ChainID, w.ContractAddress); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *FeedService) resolveContract(ctx context.Context, w *models.WatchedCollection) error {
	info, err := s.api.Collection(ctx, w.Slug)
	if err != nil {
		return err
	}
	for _, contract := range info.Contracts {
		chainID, ok := opensea.ChainID(contract.Chain)
		if !ok {
			continue
		}
		w.ChainID = chainID
		w.ContractAddress = contract.Address
		return s.repo.UpsertWatchedCollection(ctx, w)
	}
	return nil
}

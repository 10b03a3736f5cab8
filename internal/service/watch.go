package service

import (
	"context"

	"go.uber.org/zap"

	"github.com/unclebandit/miasma-console/internal/model"
	"github.com/unclebandit/miasma-console/internal/poller"
	"github.com/unclebandit/miasma-console/internal/reconcile"
)

// Watch loads a campaign for consumer and keeps it fresh while it runs.
// Polling restarts by itself whenever the campaign goes back to running.
func (s *CampaignService) Watch(ctx context.Context, id int, consumer string) (*model.Campaign, error) {
	s.mu.Lock()
	if s.watchers[id] == nil {
		s.watchers[id] = make(map[string]struct{})
	}
	s.watchers[id][consumer] = struct{}{}
	s.mu.Unlock()

	c, err := s.Refresh(ctx, id)
	if err != nil {
		s.Unwatch(id, consumer)
		return nil, err
	}
	s.Store.SetWatched(id, true)
	if c.Status == model.CampaignRunning && !s.Scheduler.Active(campaignKey(id, consumer)) {
		s.arm(id, consumer)
	}
	return c, nil
}

func (s *CampaignService) Unwatch(id int, consumer string) {
	s.Scheduler.Cancel(campaignKey(id, consumer))
	s.mu.Lock()
	delete(s.watchers[id], consumer)
	last := len(s.watchers[id]) == 0
	if last {
		delete(s.watchers, id)
	}
	s.mu.Unlock()
	if last {
		s.Store.SetWatched(id, false)
	}
}

// CloseConsumer tears down everything a view owned.
func (s *CampaignService) CloseConsumer(consumer string) {
	n := s.Scheduler.CancelConsumer(consumer)

	var unwatched []int
	s.mu.Lock()
	for id, consumers := range s.watchers {
		if _, ok := consumers[consumer]; !ok {
			continue
		}
		delete(consumers, consumer)
		if len(consumers) == 0 {
			delete(s.watchers, id)
			unwatched = append(unwatched, id)
		}
	}
	if s.list != nil && s.list.consumer == consumer {
		s.list = nil
	}
	s.mu.Unlock()

	for _, id := range unwatched {
		s.Store.SetWatched(id, false)
	}
	s.logger.Debug("consumer closed", zap.String("consumer", consumer), zap.Int("timers", n))
}

func (s *CampaignService) consumersOf(id int) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.watchers[id]))
	for c := range s.watchers[id] {
		out = append(out, c)
	}
	return out
}

func (s *CampaignService) arm(id int, consumer string) {
	key := campaignKey(id, consumer)
	_, err := s.Scheduler.Schedule(poller.Spec{
		Key:            key,
		Interval:       s.opts.CampaignInterval,
		ShouldContinue: func() bool { return s.isRunning(id) },
		Fetch: func(ctx context.Context, tok *poller.Subscription) error {
			ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
			defer cancel()
			_, err := s.fetchCampaign(ctx, id, tok)
			return err
		},
		// The campaign left running; let the list catch the final state now.
		OnStop: s.refreshListOnce,
	})
	if err != nil {
		s.logger.Warn("could not arm campaign polling", zap.Stringer("key", key), zap.Error(err))
	}
}

// onCampaignChange runs after every applied snapshot. A campaign that has
// just started running gets its timers back.
func (s *CampaignService) onCampaignChange(prev, next reconcile.Entry, existed bool) {
	id := next.Campaign.ID
	if existed && prev.Campaign.Status != next.Campaign.Status {
		s.logger.Info("campaign status changed",
			zap.Int("campaign_id", id),
			zap.String("from", string(prev.Campaign.Status)),
			zap.String("to", string(next.Campaign.Status)),
		)
	}
	if next.Campaign.Status != model.CampaignRunning {
		return
	}
	if s.ctx.Err() != nil {
		return
	}
	for _, consumer := range s.consumersOf(id) {
		if !s.Scheduler.Active(campaignKey(id, consumer)) {
			s.arm(id, consumer)
		}
	}

	s.mu.Lock()
	l := s.ledgers[id]
	listed := s.list != nil && s.list.has(id)
	s.mu.Unlock()
	if l != nil && !l.Watching() {
		if err := l.Watch(); err != nil {
			s.logger.Debug("ledger polling not rearmed", zap.Int("campaign_id", id), zap.Error(err))
		}
	}
	if listed {
		s.armList()
	}
}

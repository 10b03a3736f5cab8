package service

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unclebandit/miasma-console/internal/client"
	appErrors "github.com/unclebandit/miasma-console/internal/errors"
	"github.com/unclebandit/miasma-console/internal/model"
	"github.com/unclebandit/miasma-console/internal/poller"
	"github.com/unclebandit/miasma-console/internal/reconcile"
)

const listResource = "campaigns"

// listView is the open campaign list. Items live in the store; the view only
// remembers which ids are on the page.
type listView struct {
	consumer string
	query    client.CampaignQuery
	page     model.CampaignPage
	ids      []int
}

func (v *listView) has(id int) bool {
	for _, x := range v.ids {
		if x == id {
			return true
		}
	}
	return false
}

func (v *listView) drop(id int) {
	for i, x := range v.ids {
		if x == id {
			v.ids = append(v.ids[:i], v.ids[i+1:]...)
			v.page.Total--
			return
		}
	}
}

func (v *listView) set(page *model.CampaignPage) {
	v.page = *page
	v.page.Items = nil
	v.ids = v.ids[:0]
	for _, c := range page.Items {
		v.ids = append(v.ids, c.ID)
	}
}

// ListCampaigns fetches one page and merges every item into local state.
func (s *CampaignService) ListCampaigns(ctx context.Context, q client.CampaignQuery) (*model.CampaignPage, error) {
	return s.fetchList(ctx, q, nil)
}

func (s *CampaignService) fetchList(ctx context.Context, q client.CampaignQuery, tok reconcile.Liveness) (*model.CampaignPage, error) {
	// One number covers the whole page; any later fetch of a single campaign wins.
	seq := s.Store.Begin(0)
	page, err := s.Remote.ListCampaigns(ctx, q)
	if err != nil {
		return nil, err
	}
	for _, c := range page.Items {
		s.Store.Apply(c.ID, seq, tok, c)
	}
	return page, nil
}

// OpenList opens the list view and returns its consumer id. Only one list is
// open per session; opening another replaces it.
func (s *CampaignService) OpenList(ctx context.Context, q client.CampaignQuery) (string, *model.CampaignPage, error) {
	page, err := s.ListCampaigns(ctx, q)
	if err != nil {
		return "", nil, err
	}
	v := &listView{consumer: "list-" + uuid.NewString(), query: q}
	v.set(page)

	s.mu.Lock()
	prev := s.list
	s.list = v
	s.mu.Unlock()
	if prev != nil {
		s.Scheduler.CancelConsumer(prev.consumer)
	}

	s.armList()
	out, _ := s.ListPage()
	return v.consumer, out, nil
}

// RefreshList refetches the open list.
func (s *CampaignService) RefreshList(ctx context.Context) (*model.CampaignPage, error) {
	s.mu.Lock()
	v := s.list
	s.mu.Unlock()
	if v == nil {
		return nil, appErrors.NewPrecondition("refresh list", "no campaign list is open")
	}
	if err := s.reloadList(ctx, v, nil); err != nil {
		return nil, err
	}
	s.armList()
	out, _ := s.ListPage()
	return out, nil
}

func (s *CampaignService) reloadList(ctx context.Context, v *listView, tok reconcile.Liveness) error {
	page, err := s.fetchList(ctx, v.query, tok)
	if err != nil {
		return err
	}
	if tok != nil && !tok.Live() {
		return nil
	}
	s.mu.Lock()
	if s.list == v {
		v.set(page)
	}
	s.mu.Unlock()
	return nil
}

// ListPage renders the open list from local state.
func (s *CampaignService) ListPage() (*model.CampaignPage, bool) {
	s.mu.Lock()
	v := s.list
	if v == nil {
		s.mu.Unlock()
		return nil, false
	}
	page := v.page
	ids := append([]int(nil), v.ids...)
	s.mu.Unlock()

	page.Items = make([]model.Campaign, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.Store.Get(id); ok {
			page.Items = append(page.Items, e.Campaign)
		}
	}
	return &page, true
}

func (s *CampaignService) CloseList() {
	s.mu.Lock()
	v := s.list
	s.list = nil
	s.mu.Unlock()
	if v != nil {
		s.Scheduler.CancelConsumer(v.consumer)
	}
}

func (s *CampaignService) anyListedRunning() bool {
	s.mu.Lock()
	var ids []int
	if s.list != nil {
		ids = append(ids, s.list.ids...)
	}
	s.mu.Unlock()
	for _, id := range ids {
		if s.isRunning(id) {
			return true
		}
	}
	return false
}

// armList polls the open list while any campaign on it is running.
func (s *CampaignService) armList() {
	s.mu.Lock()
	v := s.list
	s.mu.Unlock()
	if v == nil {
		return
	}
	key := poller.Key{Resource: listResource, Consumer: v.consumer}
	if s.Scheduler.Active(key) || !s.anyListedRunning() {
		return
	}
	_, err := s.Scheduler.Schedule(poller.Spec{
		Key:            key,
		Interval:       s.opts.ListInterval,
		ShouldContinue: s.anyListedRunning,
		Fetch: func(ctx context.Context, tok *poller.Subscription) error {
			ctx, cancel := context.WithTimeout(ctx, s.opts.RequestTimeout)
			defer cancel()
			return s.reloadList(ctx, v, tok)
		},
	})
	if err != nil {
		s.logger.Warn("could not arm list polling", zap.Error(err))
	}
}

// refreshListOnce runs when a campaign poll stops on its own so the list
// shows the terminal state without waiting for its next tick.
func (s *CampaignService) refreshListOnce() {
	s.mu.Lock()
	open := s.list != nil
	s.mu.Unlock()
	if !open || s.ctx.Err() != nil {
		return
	}
	ctx, cancel := context.WithTimeout(s.ctx, s.opts.RequestTimeout)
	defer cancel()
	if _, err := s.RefreshList(ctx); err != nil {
		s.logger.Warn("list refresh after campaign stopped failed", zap.Error(err))
	}
}

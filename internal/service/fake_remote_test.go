package service

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/unclebandit/miasma-console/internal/client"
	appErrors "github.com/unclebandit/miasma-console/internal/errors"
	"github.com/unclebandit/miasma-console/internal/model"
	"github.com/unclebandit/miasma-console/internal/poller"
)

// fakeServer is an in-memory remote. Status only moves when a test says so,
// except for the lifecycle commands themselves.
type fakeServer struct {
	mu        sync.Mutex
	campaigns map[int]*model.Campaign
	snapshots map[int][]model.AccuracySnapshot
	nextID    int
	gets      int
	lists     int
	actions   []string
	// getGate, when set, holds GetCampaign until it is closed.
	getGate chan struct{}
	// deleteGate, when set, holds DeleteCampaign until it is closed.
	deleteGate    chan struct{}
	deleteEntered chan struct{}
	score   float64
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		campaigns: make(map[int]*model.Campaign),
		snapshots: make(map[int][]model.AccuracySnapshot),
	}
}

func (f *fakeServer) mutate(id int, fn func(c *model.Campaign)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fn(f.campaigns[id])
}

func (f *fakeServer) counts() (gets, lists, actions int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gets, f.lists, len(f.actions)
}

func (f *fakeServer) ListCampaigns(ctx context.Context, q client.CampaignQuery) (*model.CampaignPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lists++
	page := &model.CampaignPage{Page: 1, PageSize: 20}
	for _, c := range f.campaigns {
		if q.Status == "" || c.Status == q.Status {
			page.Items = append(page.Items, *c)
		}
	}
	sort.Slice(page.Items, func(i, j int) bool { return page.Items[i].ID > page.Items[j].ID })
	page.Total = len(page.Items)
	page.Pages = model.PageCount(page.Total, page.PageSize)
	return page, nil
}

func (f *fakeServer) GetCampaign(ctx context.Context, id int) (*model.Campaign, error) {
	f.mu.Lock()
	gate := f.getGate
	f.gets++
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	cp := *c
	return &cp, nil
}

func (f *fakeServer) CreateCampaign(ctx context.Context, in model.CampaignCreate) (*model.Campaign, error) {
	if err := client.ValidateCreate(in); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	c := &model.Campaign{
		ID: f.nextID, Name: in.Name, Status: model.CampaignDraft,
		TargetFirstName: in.TargetFirstName, TargetLastName: in.TargetLastName,
		TargetSites: in.TargetSites, TargetCount: in.TargetCount,
		CreatedAt: time.Now(),
	}
	f.campaigns[c.ID] = c
	cp := *c
	return &cp, nil
}

func (f *fakeServer) UpdateCampaign(ctx context.Context, id int, in model.CampaignUpdate) (*model.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.campaigns[id]
	if !ok {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	if in.Name != nil {
		c.Name = *in.Name
	}
	if in.Status != nil {
		c.Status = *in.Status
	}
	if in.SubmissionsCompleted != nil {
		c.SubmissionsCompleted = *in.SubmissionsCompleted
	}
	if in.SubmissionsFailed != nil {
		c.SubmissionsFailed = *in.SubmissionsFailed
	}
	cp := *c
	return &cp, nil
}

func (f *fakeServer) DeleteCampaign(ctx context.Context, id int) error {
	if f.deleteGate != nil {
		f.deleteEntered <- struct{}{}
		<-f.deleteGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.campaigns[id]; !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	delete(f.campaigns, id)
	return nil
}

func (f *fakeServer) CampaignAction(ctx context.Context, id int, action string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	c, ok := f.campaigns[id]
	if !ok {
		return appErrors.NewCampaignNotFound(id)
	}
	switch action {
	case client.ActionExecute, client.ActionResume:
		c.Status = model.CampaignRunning
	case client.ActionPause:
		c.Status = model.CampaignPaused
	}
	return nil
}

func (f *fakeServer) PreviewProfiles(ctx context.Context, req model.PreviewRequest) ([]model.Profile, error) {
	out := make([]model.Profile, req.Count)
	for i := range out {
		out[i] = model.Profile{"first_name": "Jane"}
	}
	return out, nil
}

func (f *fakeServer) ListSubmissions(ctx context.Context, id int, q client.SubmissionQuery) (*model.SubmissionPage, error) {
	return &model.SubmissionPage{Page: q.Page, PageSize: q.PageSize}, nil
}

func (f *fakeServer) ListSnapshots(ctx context.Context, id int) ([]model.AccuracySnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]model.AccuracySnapshot(nil), f.snapshots[id]...), nil
}

func (f *fakeServer) GetAccuracy(ctx context.Context, id int) (*model.Accuracy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	acc := &model.Accuracy{}
	for _, s := range f.snapshots[id] {
		if s.SnapshotType == model.SnapshotBaseline && acc.BaselineScore == nil {
			acc.BaselineScore = s.AccuracyScore
		}
		if s.SnapshotType == model.SnapshotCheck {
			acc.LatestScore = s.AccuracyScore
			acc.ChecksCount++
		}
	}
	return acc, nil
}

func (f *fakeServer) snapshot(id int, typ model.SnapshotType) {
	f.mu.Lock()
	defer f.mu.Unlock()
	score := f.score
	f.snapshots[id] = append(f.snapshots[id], model.AccuracySnapshot{
		ID: len(f.snapshots[id]) + 1, CampaignID: id, SnapshotType: typ,
		AccuracyScore: &score, CreatedAt: time.Now(),
	})
}

func (f *fakeServer) TakeBaseline(ctx context.Context, id int) error {
	f.snapshot(id, model.SnapshotBaseline)
	return nil
}

func (f *fakeServer) TakeCheck(ctx context.Context, id int) error {
	f.snapshot(id, model.SnapshotCheck)
	return nil
}

type manualTicker struct{ c chan time.Time }

func (t *manualTicker) C() <-chan time.Time { return t.c }
func (t *manualTicker) Stop()               {}

// testClock hands out manual tickers and files them by interval, which is
// distinct per resource kind in these tests.
type testClock struct {
	mu      sync.Mutex
	tickers map[time.Duration][]*manualTicker
}

func newTestClock() *testClock {
	return &testClock{tickers: make(map[time.Duration][]*manualTicker)}
}

func (c *testClock) NewTicker(d time.Duration) poller.Ticker {
	tk := &manualTicker{c: make(chan time.Time)}
	c.mu.Lock()
	c.tickers[d] = append(c.tickers[d], tk)
	c.mu.Unlock()
	return tk
}

func (c *testClock) created(d time.Duration) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.tickers[d])
}

// tick fires the most recent ticker for interval d.
func (c *testClock) tick(t *testing.T, d time.Duration) {
	t.Helper()
	var tk *manualTicker
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		if n := len(c.tickers[d]); n > 0 {
			tk = c.tickers[d][n-1]
			return true
		}
		return false
	}, time.Second, 5*time.Millisecond)
	select {
	case tk.c <- time.Now():
	case <-time.After(time.Second):
		t.Fatalf("ticker for %s not listening", d)
	}
}

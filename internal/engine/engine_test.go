package engine

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/unclebandit/miasma-console/internal/model"
	"github.com/unclebandit/miasma-console/internal/queue"
	"github.com/unclebandit/miasma-console/internal/repository"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingSink struct {
	mu     sync.Mutex
	events []model.ProgressEvent
}

func (s *recordingSink) PublishProgress(ctx context.Context, ev model.ProgressEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *recordingSink) last() model.ProgressEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.events[len(s.events)-1]
}

func newTestEngine(t *testing.T, cfg Config) (*Engine, *repository.Memory, *recordingSink) {
	mem := repository.NewMemory()
	q := queue.NewInMemoryQueue(queue.Options{Backoff: time.Millisecond, Logger: zaptest.NewLogger(t)})
	t.Cleanup(q.Close)
	if cfg.Sites == nil {
		cfg.Sites = []string{"radaris", "nuwber"}
	}
	e := New(mem.Campaigns(), mem.Submissions(), mem.Snapshots(), q, cfg, zaptest.NewLogger(t))
	sink := &recordingSink{}
	e.Progress = sink
	return e, mem, sink
}

func runningCampaign(t *testing.T, mem *repository.Memory, c *model.Campaign) *model.Campaign {
	ctx := context.Background()
	require.NoError(t, mem.Campaigns().Create(ctx, c))
	require.NoError(t, mem.Campaigns().UpdateStatus(ctx, c.ID, model.CampaignRunning))
	return c
}

func TestRunCompletesCampaign(t *testing.T) {
	e, mem, sink := newTestEngine(t, Config{SuccessRate: 1})
	c := runningCampaign(t, mem, &model.Campaign{
		Name: "c", TargetFirstName: "Jane", TargetLastName: "Doe", TargetCount: 3,
		TargetSites: []string{"radaris", "nuwber"},
	})

	require.NoError(t, e.Run(context.Background(), c.ID))

	got, err := mem.Campaigns().GetByID(context.Background(), c.ID)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignCompleted, got.Status)
	assert.Equal(t, 6, got.SubmissionsCompleted)
	assert.Zero(t, got.SubmissionsFailed)
	assert.NotNil(t, got.LastExecution)

	items, total, _ := mem.Submissions().List(context.Background(), c.ID, 0, 10, model.SubmissionSubmitted)
	assert.Equal(t, 6, total)
	var profile model.Profile
	require.NoError(t, json.Unmarshal(items[0].ProfileData, &profile))
	assert.Equal(t, "Jane", profile["first_name"])
	assert.NotNil(t, items[0].ReferenceID)

	assert.Equal(t, model.CampaignCompleted, sink.last().Campaign.Status)
}

func TestUnknownSitesAreSkipped(t *testing.T) {
	e, mem, _ := newTestEngine(t, Config{SuccessRate: 1})
	c := runningCampaign(t, mem, &model.Campaign{Name: "c", TargetCount: 2, TargetSites: []string{"radaris", "spokeo"}})

	require.NoError(t, e.Run(context.Background(), c.ID))

	got, _ := mem.Campaigns().GetByID(context.Background(), c.ID)
	assert.Equal(t, 2, got.SubmissionsCompleted)
	assert.Equal(t, 2, got.SubmissionsFailed)
	counts, _ := mem.Submissions().CountByStatus(context.Background(), c.ID)
	assert.Equal(t, 2, counts[model.SubmissionSkipped])
}

func TestRejectedSubmissionsCountAsFailed(t *testing.T) {
	e, mem, _ := newTestEngine(t, Config{SuccessRate: 0})
	c := runningCampaign(t, mem, &model.Campaign{Name: "c", TargetCount: 2, TargetSites: []string{"nuwber"}})

	require.NoError(t, e.Run(context.Background(), c.ID))
	got, _ := mem.Campaigns().GetByID(context.Background(), c.ID)
	assert.Equal(t, model.CampaignCompleted, got.Status)
	assert.Equal(t, 2, got.SubmissionsFailed)
	assert.Equal(t, got.Capacity(), got.Processed())
}

func TestDefaultSitesAreStoredOnTheCampaign(t *testing.T) {
	e, mem, _ := newTestEngine(t, Config{SuccessRate: 1})
	c := runningCampaign(t, mem, &model.Campaign{Name: "c", TargetCount: 3})

	require.NoError(t, e.Run(context.Background(), c.ID))
	counts, _ := mem.Submissions().CountByStatus(context.Background(), c.ID)
	assert.Equal(t, 6, counts[model.SubmissionSubmitted])

	got, _ := mem.Campaigns().GetByID(context.Background(), c.ID)
	assert.Equal(t, []string{"radaris", "nuwber"}, got.TargetSites)
	assert.Equal(t, got.Capacity(), got.Processed())
	assert.NoError(t, got.Validate())
}

func TestResolveSites(t *testing.T) {
	e, _, _ := newTestEngine(t, Config{SuccessRate: 1})
	assert.Equal(t, []string{"spokeo"}, e.ResolveSites([]string{"spokeo"}))

	resolved := e.ResolveSites(nil)
	assert.Equal(t, []string{"radaris", "nuwber"}, resolved)
	resolved[0] = "changed"
	assert.Equal(t, []string{"radaris", "nuwber"}, e.ResolveSites(nil))
}

func TestNoSitesFailsCampaign(t *testing.T) {
	e, mem, _ := newTestEngine(t, Config{SuccessRate: 1, Sites: []string{}})
	c := runningCampaign(t, mem, &model.Campaign{Name: "c", TargetCount: 1})

	require.NoError(t, e.Run(context.Background(), c.ID))
	got, _ := mem.Campaigns().GetByID(context.Background(), c.ID)
	assert.Equal(t, model.CampaignFailed, got.Status)
}

func TestRunIgnoresCampaignsThatAreNotRunning(t *testing.T) {
	e, mem, _ := newTestEngine(t, Config{SuccessRate: 1})
	c := &model.Campaign{Name: "c", TargetCount: 1}
	require.NoError(t, mem.Campaigns().Create(context.Background(), c))

	require.NoError(t, e.Run(context.Background(), c.ID))
	require.NoError(t, e.Run(context.Background(), 404))
	counts, _ := mem.Submissions().CountByStatus(context.Background(), c.ID)
	assert.Empty(t, counts)
}

type pausingSink struct {
	campaigns repository.CampaignRepositoryInterface
	once      sync.Once
}

func (p *pausingSink) PublishProgress(ctx context.Context, ev model.ProgressEvent) error {
	p.once.Do(func() {
		p.campaigns.UpdateStatus(ctx, ev.Campaign.ID, model.CampaignPaused)
	})
	return nil
}

func TestPauseLeavesRestPendingForResume(t *testing.T) {
	e, mem, _ := newTestEngine(t, Config{SuccessRate: 1})
	e.Progress = &pausingSink{campaigns: mem.Campaigns()}
	c := runningCampaign(t, mem, &model.Campaign{Name: "c", TargetCount: 4, TargetSites: []string{"radaris"}})
	ctx := context.Background()

	require.NoError(t, e.Run(ctx, c.ID))
	got, _ := mem.Campaigns().GetByID(ctx, c.ID)
	assert.Equal(t, model.CampaignPaused, got.Status)
	assert.Equal(t, 1, got.SubmissionsCompleted)

	require.NoError(t, mem.Campaigns().UpdateStatus(ctx, c.ID, model.CampaignRunning))
	require.NoError(t, e.Run(ctx, c.ID))
	got, _ = mem.Campaigns().GetByID(ctx, c.ID)
	assert.Equal(t, model.CampaignCompleted, got.Status)
	assert.Equal(t, 4, got.SubmissionsCompleted, "resume must not expand the campaign again")
}

func TestEnqueueRunsInBackground(t *testing.T) {
	e, mem, _ := newTestEngine(t, Config{SuccessRate: 1})
	require.NoError(t, e.Start())
	c := runningCampaign(t, mem, &model.Campaign{Name: "c", TargetCount: 2})

	require.NoError(t, e.Enqueue(c.ID))
	require.Eventually(t, func() bool {
		got, _ := mem.Campaigns().GetByID(context.Background(), c.ID)
		return got.Status == model.CampaignCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

func TestMeasureDecaysWithCompletedShare(t *testing.T) {
	e, mem, _ := newTestEngine(t, Config{SuccessRate: 1, BaselineScore: 0.8})
	require.NoError(t, e.Start())
	ctx := context.Background()
	c := &model.Campaign{Name: "c", TargetCount: 2, TargetSites: []string{"radaris"}}
	require.NoError(t, mem.Campaigns().Create(ctx, c))

	base, err := e.Measure(ctx, c.ID, model.SnapshotBaseline)
	require.NoError(t, err)
	assert.InDelta(t, 0.8, *base.AccuracyScore, 1e-9)

	again, err := e.Measure(ctx, c.ID, model.SnapshotBaseline)
	require.NoError(t, err)
	assert.Nil(t, again, "second baseline is rejected")

	_, err = mem.Campaigns().AddProgress(ctx, c.ID, 2, 0)
	require.NoError(t, err)
	require.NoError(t, e.EnqueueSnapshot(c.ID, model.SnapshotCheck))
	require.Eventually(t, func() bool {
		acc, _ := mem.Snapshots().Aggregate(ctx, c.ID)
		return acc.ChecksCount == 1
	}, 2*time.Second, 5*time.Millisecond)

	acc, _ := mem.Snapshots().Aggregate(ctx, c.ID)
	assert.InDelta(t, 0.4, *acc.LatestScore, 1e-9)
	assert.Equal(t, model.OutcomeEffective, model.OutcomeOf(acc.Delta()))
}

func TestDiscardClearsSubmissions(t *testing.T) {
	e, mem, _ := newTestEngine(t, Config{SuccessRate: 1})
	c := runningCampaign(t, mem, &model.Campaign{Name: "c", TargetCount: 1})
	require.NoError(t, e.Run(context.Background(), c.ID))

	require.NoError(t, e.Discard(context.Background(), c.ID))
	counts, _ := mem.Submissions().CountByStatus(context.Background(), c.ID)
	assert.Empty(t, counts)
}

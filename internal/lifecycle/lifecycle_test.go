package lifecycle

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	appErrors "github.com/unclebandit/miasma-console/internal/errors"
	"github.com/unclebandit/miasma-console/internal/model"
)

func TestNextFollowsTheGraph(t *testing.T) {
	statuses := []model.CampaignStatus{
		model.CampaignDraft, model.CampaignScheduled, model.CampaignRunning,
		model.CampaignPaused, model.CampaignCompleted, model.CampaignFailed,
	}
	legal := map[model.CampaignStatus]map[Command]model.CampaignStatus{
		model.CampaignDraft:     {Execute: model.CampaignRunning},
		model.CampaignRunning:   {Pause: model.CampaignPaused},
		model.CampaignPaused:    {Resume: model.CampaignRunning},
		model.CampaignCompleted: {Reset: model.CampaignDraft},
		model.CampaignFailed:    {Reset: model.CampaignDraft},
	}

	for _, from := range statuses {
		for _, cmd := range []Command{Execute, Pause, Resume, Reset} {
			to, err := Next(from, cmd)
			if want, ok := legal[from][cmd]; ok {
				require.NoError(t, err, "%s from %s", cmd, from)
				assert.Equal(t, want, to)
			} else {
				assert.True(t, appErrors.IsPrecondition(err), "%s from %s should be rejected", cmd, from)
			}
		}
	}

	_, err := Next(model.CampaignDraft, Command("launch"))
	assert.True(t, appErrors.IsValidation(err))
}

func TestAllowed(t *testing.T) {
	assert.Equal(t, []Command{Execute}, Allowed(model.CampaignDraft))
	assert.Equal(t, []Command{Reset}, Allowed(model.CampaignFailed))
	assert.Empty(t, Allowed(model.CampaignScheduled))
}

func TestServerReported(t *testing.T) {
	assert.True(t, ServerReported(model.CampaignRunning, model.CampaignCompleted))
	assert.True(t, ServerReported(model.CampaignRunning, model.CampaignFailed))
	assert.True(t, ServerReported(model.CampaignPaused, model.CampaignRunning))
	assert.True(t, ServerReported(model.CampaignRunning, model.CampaignRunning))
	assert.False(t, ServerReported(model.CampaignDraft, model.CampaignCompleted))
	assert.False(t, ServerReported(model.CampaignPaused, model.CampaignCompleted))
}

func TestCommandFor(t *testing.T) {
	cmd, ok := CommandFor(model.CampaignCompleted, model.CampaignDraft)
	assert.True(t, ok)
	assert.Equal(t, Reset, cmd)
	cmd, ok = CommandFor(model.CampaignPaused, model.CampaignRunning)
	assert.True(t, ok)
	assert.Equal(t, Resume, cmd)
	_, ok = CommandFor(model.CampaignDraft, model.CampaignPaused)
	assert.False(t, ok)
}

type fakeRemote struct {
	mu      sync.Mutex
	actions []string
	updates []model.CampaignUpdate
	err     error
	gate    chan struct{}
	entered chan struct{}
}

func (f *fakeRemote) CampaignAction(ctx context.Context, id int, action string) error {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.actions = append(f.actions, action)
	return f.err
}

func (f *fakeRemote) UpdateCampaign(ctx context.Context, id int, in model.CampaignUpdate) (*model.Campaign, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates = append(f.updates, in)
	if f.err != nil {
		return nil, f.err
	}
	return &model.Campaign{ID: id, Status: *in.Status}, nil
}

func (f *fakeRemote) calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.actions) + len(f.updates)
}

type fakeRefresher struct {
	status model.CampaignStatus
	err    error
	calls  int
}

func (f *fakeRefresher) Refresh(ctx context.Context, id int) (*model.Campaign, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &model.Campaign{ID: id, Status: f.status}, nil
}

func TestIllegalCommandSendsNothing(t *testing.T) {
	remote := &fakeRemote{}
	refresher := &fakeRefresher{}
	c := NewController(Config{Remote: remote, Refresher: refresher, Logger: zaptest.NewLogger(t)})

	_, err := c.Do(context.Background(), model.Campaign{ID: 1, Status: model.CampaignDraft}, Pause)
	assert.True(t, appErrors.IsPrecondition(err))
	assert.Zero(t, remote.calls())
	assert.Zero(t, refresher.calls)
	assert.False(t, c.Busy(1))
}

func TestDoAdoptsServerStatus(t *testing.T) {
	remote := &fakeRemote{}
	// The server accepted execute but has not started yet.
	refresher := &fakeRefresher{status: model.CampaignScheduled}
	c := NewController(Config{Remote: remote, Refresher: refresher})

	got, err := c.Do(context.Background(), model.Campaign{ID: 3, Status: model.CampaignDraft}, Execute)
	require.NoError(t, err)
	assert.Equal(t, model.CampaignScheduled, got.Status)
	assert.Equal(t, []string{"execute"}, remote.actions)
	assert.Equal(t, 1, refresher.calls)
}

func TestResetClearsCounters(t *testing.T) {
	remote := &fakeRemote{}
	c := NewController(Config{Remote: remote, Refresher: &fakeRefresher{status: model.CampaignDraft}})

	_, err := c.Do(context.Background(), model.Campaign{ID: 2, Status: model.CampaignCompleted}, Reset)
	require.NoError(t, err)
	require.Len(t, remote.updates, 1)
	upd := remote.updates[0]
	assert.Equal(t, model.CampaignDraft, *upd.Status)
	assert.Equal(t, 0, *upd.SubmissionsCompleted)
	assert.Equal(t, 0, *upd.SubmissionsFailed)
	assert.Empty(t, remote.actions)
}

func TestConcurrentCommandIsRejected(t *testing.T) {
	remote := &fakeRemote{gate: make(chan struct{}), entered: make(chan struct{}, 1)}
	var busyEvents []bool
	var mu sync.Mutex
	c := NewController(Config{
		Remote:    remote,
		Refresher: &fakeRefresher{status: model.CampaignPaused},
		OnBusy: func(id int, busy bool) {
			mu.Lock()
			busyEvents = append(busyEvents, busy)
			mu.Unlock()
		},
	})
	running := model.Campaign{ID: 5, Status: model.CampaignRunning}

	done := make(chan error, 1)
	go func() {
		_, err := c.Do(context.Background(), running, Pause)
		done <- err
	}()
	<-remote.entered
	assert.True(t, c.Busy(5))

	_, err := c.Do(context.Background(), running, Pause)
	assert.ErrorIs(t, err, appErrors.ErrBusy)

	close(remote.gate)
	require.NoError(t, <-done)
	assert.False(t, c.Busy(5))
	assert.Equal(t, 1, remote.calls())
	mu.Lock()
	assert.Equal(t, []bool{true, false}, busyEvents)
	mu.Unlock()
}

func TestExclusiveBlocksCommands(t *testing.T) {
	remote := &fakeRemote{}
	c := NewController(Config{Remote: remote, Refresher: &fakeRefresher{status: model.CampaignRunning}})

	err := c.Exclusive(4, func() error {
		assert.True(t, c.Busy(4))
		_, err := c.Do(context.Background(), model.Campaign{ID: 4, Status: model.CampaignDraft}, Execute)
		assert.ErrorIs(t, err, appErrors.ErrBusy)
		assert.ErrorIs(t, c.Exclusive(4, func() error { return nil }), appErrors.ErrBusy)
		return errors.New("delete failed")
	})
	assert.EqualError(t, err, "delete failed")
	assert.False(t, c.Busy(4))
	assert.Zero(t, remote.calls())
}

func TestBusyClearedOnFailure(t *testing.T) {
	reg := prometheus.NewRegistry()
	remote := &fakeRemote{err: &appErrors.APIError{Method: "POST", Path: "campaigns/1/execute", StatusCode: 503}}
	c := NewController(Config{Remote: remote, Refresher: &fakeRefresher{}, PromRegistry: reg})
	draft := model.Campaign{ID: 1, Status: model.CampaignDraft}

	_, err := c.Do(context.Background(), draft, Execute)
	assert.True(t, appErrors.IsTransient(err))
	assert.False(t, c.Busy(1))

	remote.err = nil
	_, err = c.Do(context.Background(), draft, Execute)
	require.NoError(t, err)

	assert.Equal(t, float64(1), testutil.ToFloat64(c.metrics.commands.WithLabelValues("execute", "error")))
	assert.Equal(t, float64(1), testutil.ToFloat64(c.metrics.commands.WithLabelValues("execute", "ok")))
}

func TestRefreshFailureIsReported(t *testing.T) {
	boom := errors.New("connection reset")
	c := NewController(Config{Remote: &fakeRemote{}, Refresher: &fakeRefresher{err: boom}})

	_, err := c.Do(context.Background(), model.Campaign{ID: 1, Status: model.CampaignPaused}, Resume)
	assert.ErrorIs(t, err, boom)
	assert.False(t, c.Busy(1))
}

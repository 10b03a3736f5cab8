package repository

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appErrors "github.com/unclebandit/miasma-console/internal/errors"
	"github.com/unclebandit/miasma-console/internal/model"
)

func ptr[T any](v T) *T { return &v }

func TestMemoryCampaignPaging(t *testing.T) {
	ctx := context.Background()
	campaigns := NewMemory().Campaigns()
	for i := 0; i < 5; i++ {
		c := &model.Campaign{Name: "c", TargetCount: 1}
		require.NoError(t, campaigns.Create(ctx, c))
		if i%2 == 0 {
			require.NoError(t, campaigns.UpdateStatus(ctx, c.ID, model.CampaignRunning))
		}
	}

	page, total, err := campaigns.ListCampaigns(ctx, 0, 2, "")
	require.NoError(t, err)
	assert.Equal(t, 5, total)
	require.Len(t, page, 2)
	assert.Greater(t, page[0].ID, page[1].ID)

	page, total, err = campaigns.ListCampaigns(ctx, 2, 2, model.CampaignRunning)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, page, 1)

	page, _, err = campaigns.ListCampaigns(ctx, 10, 2, "")
	require.NoError(t, err)
	assert.Empty(t, page)
}

func TestMemoryReturnsCopies(t *testing.T) {
	ctx := context.Background()
	campaigns := NewMemory().Campaigns()
	c := &model.Campaign{Name: "c", TargetCount: 1, TargetSites: []string{"a"}}
	require.NoError(t, campaigns.Create(ctx, c))

	got, err := campaigns.GetByID(ctx, c.ID)
	require.NoError(t, err)
	got.TargetSites[0] = "changed"
	got.Status = model.CampaignFailed

	again, _ := campaigns.GetByID(ctx, c.ID)
	assert.Equal(t, []string{"a"}, again.TargetSites)
	assert.Equal(t, model.CampaignDraft, again.Status)
}

func TestMemoryNotFound(t *testing.T) {
	ctx := context.Background()
	campaigns := NewMemory().Campaigns()
	_, err := campaigns.GetByID(ctx, 9)
	assert.True(t, appErrors.IsNotFound(err))
	assert.True(t, appErrors.IsNotFound(campaigns.Delete(ctx, 9)))
	_, err = campaigns.AddProgress(ctx, 9, 1, 0)
	assert.True(t, appErrors.IsNotFound(err))
}

func TestMemorySubmissionQueue(t *testing.T) {
	ctx := context.Background()
	subs := NewMemory().Submissions()
	for _, site := range []string{"a", "b", "c"} {
		_, err := subs.CreatePending(ctx, 1, site, json.RawMessage(`{"first_name":"x"}`))
		require.NoError(t, err)
	}

	next, err := subs.NextPending(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, "a", next.Site)

	next.Status = model.SubmissionSubmitted
	require.NoError(t, subs.UpdateResult(ctx, next))
	next, _ = subs.NextPending(ctx, 1)
	assert.Equal(t, "b", next.Site)

	counts, _ := subs.CountByStatus(ctx, 1)
	assert.Equal(t, map[model.SubmissionStatus]int{model.SubmissionPending: 2, model.SubmissionSubmitted: 1}, counts)

	items, total, _ := subs.List(ctx, 1, 0, 10, model.SubmissionPending)
	assert.Equal(t, 2, total)
	assert.Equal(t, "c", items[0].Site)

	require.NoError(t, subs.DeleteByCampaign(ctx, 1))
	next, _ = subs.NextPending(ctx, 1)
	assert.Nil(t, next)
}

func TestMemorySnapshots(t *testing.T) {
	ctx := context.Background()
	snaps := NewMemory().Snapshots()
	require.NoError(t, snaps.Create(ctx, &model.AccuracySnapshot{CampaignID: 1, SnapshotType: model.SnapshotBaseline, AccuracyScore: ptr(0.8)}))
	err := snaps.Create(ctx, &model.AccuracySnapshot{CampaignID: 1, SnapshotType: model.SnapshotBaseline, AccuracyScore: ptr(0.7)})
	assert.True(t, appErrors.IsPrecondition(err))

	require.NoError(t, snaps.Create(ctx, &model.AccuracySnapshot{CampaignID: 1, SnapshotType: model.SnapshotCheck, AccuracyScore: ptr(0.6)}))
	require.NoError(t, snaps.Create(ctx, &model.AccuracySnapshot{CampaignID: 1, SnapshotType: model.SnapshotCheck, AccuracyScore: ptr(0.5)}))

	acc, err := snaps.Aggregate(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, 0.8, *acc.BaselineScore)
	assert.Equal(t, 0.5, *acc.LatestScore)
	assert.Equal(t, 2, acc.ChecksCount)
	delta, ok := acc.Delta()
	assert.True(t, ok)
	assert.InDelta(t, -0.3, delta, 1e-9)
}

package client

import (
	"context"
	"net/http"

	"github.com/unclebandit/miasma-console/internal/model"
)

// ListSnapshots returns every baseline and check snapshot of a campaign in
// the order the service recorded them.
func (c *Client) ListSnapshots(ctx context.Context, campaignID int) ([]model.AccuracySnapshot, error) {
	var list model.SnapshotList
	if err := c.do(ctx, http.MethodGet, campaignPath(campaignID, "baselines"), nil, nil, &list); err != nil {
		return nil, campaignErr(campaignID, err)
	}
	return list.Baselines, nil
}

func (c *Client) GetAccuracy(ctx context.Context, campaignID int) (*model.Accuracy, error) {
	var acc model.Accuracy
	if err := c.do(ctx, http.MethodGet, campaignPath(campaignID, "accuracy"), nil, nil, &acc); err != nil {
		return nil, campaignErr(campaignID, err)
	}
	return &acc, nil
}

// TakeBaseline asks the engine to record a baseline snapshot. The snapshot
// shows up in ListSnapshots once the engine has scored it.
func (c *Client) TakeBaseline(ctx context.Context, campaignID int) error {
	return campaignErr(campaignID, c.do(ctx, http.MethodPost, campaignPath(campaignID, "baseline"), nil, nil, nil))
}

func (c *Client) TakeCheck(ctx context.Context, campaignID int) error {
	return campaignErr(campaignID, c.do(ctx, http.MethodPost, campaignPath(campaignID, "check"), nil, nil, nil))
}

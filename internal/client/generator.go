package client

import (
	"context"
	"net/http"

	appErrors "github.com/unclebandit/miasma-console/internal/errors"
	"github.com/unclebandit/miasma-console/internal/model"
)

const MaxPreviewCount = 50

func (c *Client) PreviewProfiles(ctx context.Context, req model.PreviewRequest) ([]model.Profile, error) {
	if req.Count < 1 || req.Count > MaxPreviewCount {
		return nil, appErrors.NewValidation("count", "must be between 1 and 50")
	}
	var resp model.PreviewResponse
	if err := c.do(ctx, http.MethodPost, "generate/preview", nil, req, &resp); err != nil {
		return nil, err
	}
	return resp.Profiles, nil
}

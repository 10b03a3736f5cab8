package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	appErrors "github.com/unclebandit/miasma-console/internal/errors"
	"github.com/unclebandit/miasma-console/internal/model"
)

type SubmissionQuery struct {
	Page     int
	PageSize int
	Status   model.SubmissionStatus
}

func (q SubmissionQuery) values() url.Values {
	v := url.Values{}
	v.Set("page", strconv.Itoa(q.Page))
	if q.PageSize > 0 {
		v.Set("page_size", strconv.Itoa(q.PageSize))
	}
	if q.Status != "" {
		v.Set("status", string(q.Status))
	}
	return v
}

func (c *Client) ListSubmissions(ctx context.Context, campaignID int, q SubmissionQuery) (*model.SubmissionPage, error) {
	if q.Page < 1 {
		return nil, appErrors.NewValidation("page", "must be >= 1")
	}
	if q.Status != "" && !q.Status.Valid() {
		return nil, appErrors.NewValidation("status", fmt.Sprintf("unknown submission status %q", q.Status))
	}
	var page model.SubmissionPage
	if err := c.do(ctx, http.MethodGet, campaignPath(campaignID, "submissions"), q.values(), nil, &page); err != nil {
		return nil, campaignErr(campaignID, err)
	}
	return &page, nil
}

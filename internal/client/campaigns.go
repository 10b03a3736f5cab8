package client

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	appErrors "github.com/unclebandit/miasma-console/internal/errors"
	"github.com/unclebandit/miasma-console/internal/model"
)

// Remote campaign commands.
const (
	ActionExecute = "execute"
	ActionPause   = "pause"
	ActionResume  = "resume"
)

type CampaignQuery struct {
	Page     int
	PageSize int
	Status   model.CampaignStatus
}

func (q CampaignQuery) values() url.Values {
	v := url.Values{}
	if q.Page > 0 {
		v.Set("page", strconv.Itoa(q.Page))
	}
	if q.PageSize > 0 {
		v.Set("page_size", strconv.Itoa(q.PageSize))
	}
	if q.Status != "" {
		v.Set("status", string(q.Status))
	}
	return v
}

func campaignPath(id int, parts ...string) string {
	p := "campaigns/" + strconv.Itoa(id)
	if len(parts) > 0 {
		p += "/" + strings.Join(parts, "/")
	}
	return p
}

func (c *Client) ListCampaigns(ctx context.Context, q CampaignQuery) (*model.CampaignPage, error) {
	if q.Status != "" && !q.Status.Valid() {
		return nil, appErrors.NewValidation("status", fmt.Sprintf("unknown campaign status %q", q.Status))
	}
	var page model.CampaignPage
	if err := c.do(ctx, http.MethodGet, "campaigns", q.values(), nil, &page); err != nil {
		return nil, err
	}
	return &page, nil
}

func (c *Client) GetCampaign(ctx context.Context, id int) (*model.Campaign, error) {
	var campaign model.Campaign
	if err := c.do(ctx, http.MethodGet, campaignPath(id), nil, nil, &campaign); err != nil {
		return nil, campaignErr(id, err)
	}
	return &campaign, nil
}

func (c *Client) CreateCampaign(ctx context.Context, in model.CampaignCreate) (*model.Campaign, error) {
	if err := ValidateCreate(in); err != nil {
		return nil, err
	}
	var campaign model.Campaign
	if err := c.do(ctx, http.MethodPost, "campaigns", nil, in, &campaign); err != nil {
		return nil, err
	}
	return &campaign, nil
}

func (c *Client) UpdateCampaign(ctx context.Context, id int, in model.CampaignUpdate) (*model.Campaign, error) {
	if in.TargetCount != nil && *in.TargetCount < 1 {
		return nil, appErrors.NewValidation("target_count", "must be positive")
	}
	if in.Status != nil && !in.Status.Valid() {
		return nil, appErrors.NewValidation("status", fmt.Sprintf("unknown campaign status %q", *in.Status))
	}
	var campaign model.Campaign
	if err := c.do(ctx, http.MethodPatch, campaignPath(id), nil, in, &campaign); err != nil {
		return nil, campaignErr(id, err)
	}
	return &campaign, nil
}

func (c *Client) DeleteCampaign(ctx context.Context, id int) error {
	return campaignErr(id, c.do(ctx, http.MethodDelete, campaignPath(id), nil, nil, nil))
}

// CampaignAction posts one of the lifecycle commands. Acceptance does not mean
// the status already changed; callers re-fetch.
func (c *Client) CampaignAction(ctx context.Context, id int, action string) error {
	switch action {
	case ActionExecute, ActionPause, ActionResume:
	default:
		return appErrors.NewValidation("action", fmt.Sprintf("unknown campaign action %q", action))
	}
	return campaignErr(id, c.do(ctx, http.MethodPost, campaignPath(id, action), nil, nil, nil))
}

func (c *Client) ExecuteCampaign(ctx context.Context, id int) error {
	return c.CampaignAction(ctx, id, ActionExecute)
}

func (c *Client) PauseCampaign(ctx context.Context, id int) error {
	return c.CampaignAction(ctx, id, ActionPause)
}

func (c *Client) ResumeCampaign(ctx context.Context, id int) error {
	return c.CampaignAction(ctx, id, ActionResume)
}

// ValidateCreate rejects create requests the service would refuse anyway.
func ValidateCreate(in model.CampaignCreate) error {
	switch {
	case strings.TrimSpace(in.Name) == "":
		return appErrors.NewValidation("name", "required")
	case strings.TrimSpace(in.TargetFirstName) == "":
		return appErrors.NewValidation("target_first_name", "required")
	case strings.TrimSpace(in.TargetLastName) == "":
		return appErrors.NewValidation("target_last_name", "required")
	case in.TargetCount < 1:
		return appErrors.NewValidation("target_count", "must be positive")
	case in.TargetAge != nil && *in.TargetAge < 0:
		return appErrors.NewValidation("target_age", "must not be negative")
	}
	return nil
}

// internal/handler/campaign_handler.go
package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/unclebandit/miasma-console/internal/client"
	"github.com/unclebandit/miasma-console/internal/engine"
	appErrors "github.com/unclebandit/miasma-console/internal/errors"
	"github.com/unclebandit/miasma-console/internal/lifecycle"
	"github.com/unclebandit/miasma-console/internal/logging"
	"github.com/unclebandit/miasma-console/internal/model"
	"github.com/unclebandit/miasma-console/internal/repository"
)

const (
	defaultPageSize = 10
	maxPageSize     = 100
)

// CampaignHandler serves the remote campaign surface for local development.
type CampaignHandler struct {
	Campaigns   repository.CampaignRepositoryInterface
	Submissions repository.SubmissionRepositoryInterface
	Snapshots   repository.SnapshotRepositoryInterface
	Engine      *engine.Engine
	// Token, when set, is required as a bearer token on every request.
	Token  string
	Logger *zap.Logger
}

// Routes returns the router to mount under /api/v1.
func (h *CampaignHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(h.requireToken)

	r.Get("/campaigns", h.ListCampaignsHandler)
	r.Post("/campaigns", h.CreateCampaignHandler)
	r.Route("/campaigns/{id}", func(r chi.Router) {
		r.Get("/", h.GetCampaignHandler)
		r.Patch("/", h.UpdateCampaignHandler)
		r.Delete("/", h.DeleteCampaignHandler)
		r.Post("/execute", h.commandHandler(lifecycle.Execute))
		r.Post("/pause", h.commandHandler(lifecycle.Pause))
		r.Post("/resume", h.commandHandler(lifecycle.Resume))
		r.Get("/submissions", h.ListSubmissionsHandler)
		r.Get("/baselines", h.ListBaselinesHandler)
		r.Get("/accuracy", h.AccuracyHandler)
		r.Post("/baseline", h.BaselineHandler)
		r.Post("/check", h.CheckHandler)
	})
	r.Post("/generate/preview", h.PreviewHandler)
	return r
}

func (h *CampaignHandler) requireToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if h.Token != "" && r.Header.Get("Authorization") != "Bearer "+h.Token {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"detail": "missing or invalid token"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (h *CampaignHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := appErrors.HTTPStatus(err)
	if status >= 500 {
		logging.OrNop(h.Logger).Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.Error(err),
		)
	}
	writeJSON(w, status, map[string]string{"detail": appErrors.Detail(err)})
}

func campaignID(r *http.Request) (int, error) {
	id, err := strconv.Atoi(chi.URLParam(r, "id"))
	if err != nil || id < 1 {
		return 0, appErrors.NewValidation("id", "invalid campaign id")
	}
	return id, nil
}

// paging reads page and page_size. A missing page defaults to 1 unless
// required is set.
func paging(r *http.Request, defSize int, required bool) (page, size int, err error) {
	q := r.URL.Query()
	page, size = 1, defSize
	if s := q.Get("page"); s != "" {
		if page, err = strconv.Atoi(s); err != nil || page < 1 {
			return 0, 0, appErrors.NewValidation("page", "must be a positive integer")
		}
	} else if required {
		return 0, 0, appErrors.NewValidation("page", "required")
	}
	if s := q.Get("page_size"); s != "" {
		if size, err = strconv.Atoi(s); err != nil || size < 1 || size > maxPageSize {
			return 0, 0, appErrors.NewValidation("page_size", fmt.Sprintf("must be between 1 and %d", maxPageSize))
		}
	}
	return page, size, nil
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return appErrors.NewValidation("", "invalid request body: "+err.Error())
	}
	return nil
}

// ListCampaignsHandler returns a paginated list of campaigns
func (h *CampaignHandler) ListCampaignsHandler(w http.ResponseWriter, r *http.Request) {
	page, size, err := paging(r, defaultPageSize, false)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := model.CampaignStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		h.writeError(w, r, appErrors.NewValidation("status", fmt.Sprintf("unknown campaign status %q", status)))
		return
	}

	campaigns, total, err := h.Campaigns.ListCampaigns(r.Context(), (page-1)*size, size, status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	items := make([]model.Campaign, 0, len(campaigns))
	for _, c := range campaigns {
		items = append(items, *c)
	}
	writeJSON(w, http.StatusOK, model.CampaignPage{
		Items: items, Total: total, Page: page, PageSize: size,
		Pages: model.PageCount(total, size),
	})
}

// GetCampaignHandler returns details of a single campaign by ID
func (h *CampaignHandler) GetCampaignHandler(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	c, err := h.Campaigns.GetByID(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

// CreateCampaignHandler handles creating a new campaign
func (h *CampaignHandler) CreateCampaignHandler(w http.ResponseWriter, r *http.Request) {
	var in model.CampaignCreate
	if err := decode(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := client.ValidateCreate(in); err != nil {
		h.writeError(w, r, err)
		return
	}
	c := &model.Campaign{
		Name:            strings.TrimSpace(in.Name),
		Description:     in.Description,
		Status:          model.CampaignDraft,
		TargetFirstName: strings.TrimSpace(in.TargetFirstName),
		TargetLastName:  strings.TrimSpace(in.TargetLastName),
		TargetCity:      in.TargetCity,
		TargetState:     in.TargetState,
		TargetAge:       in.TargetAge,
		TargetSites:     in.TargetSites,
		TargetCount:     in.TargetCount,
	}
	if h.Engine != nil {
		c.TargetSites = h.Engine.ResolveSites(c.TargetSites)
	}
	if c.TargetSites == nil {
		c.TargetSites = []string{}
	}
	if err := h.Campaigns.Create(r.Context(), c); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, c)
}

// UpdateCampaignHandler applies a partial update. A status change must follow
// the lifecycle graph; moving back to draft discards old submissions.
func (h *CampaignHandler) UpdateCampaignHandler(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	var in model.CampaignUpdate
	if err := decode(r, &in); err != nil {
		h.writeError(w, r, err)
		return
	}
	c, err := h.Campaigns.GetByID(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	from := c.Status
	if in.Status != nil && *in.Status != from {
		if !in.Status.Valid() {
			h.writeError(w, r, appErrors.NewValidation("status", fmt.Sprintf("unknown campaign status %q", *in.Status)))
			return
		}
		if _, ok := lifecycle.CommandFor(from, *in.Status); !ok {
			h.writeError(w, r, appErrors.NewPrecondition("update campaign", fmt.Sprintf("cannot move from %s to %s", from, *in.Status)))
			return
		}
		c.Status = *in.Status
	}
	applyUpdate(c, in)
	if err := c.Validate(); err != nil {
		h.writeError(w, r, appErrors.NewValidation("", err.Error()))
		return
	}
	if err := h.Campaigns.Update(r.Context(), c); err != nil {
		h.writeError(w, r, err)
		return
	}
	if c.Status == model.CampaignDraft && from != model.CampaignDraft && h.Engine != nil {
		if err := h.Engine.Discard(r.Context(), id); err != nil {
			h.writeError(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, c)
}

func applyUpdate(c *model.Campaign, in model.CampaignUpdate) {
	if in.Name != nil {
		c.Name = *in.Name
	}
	if in.Description != nil {
		c.Description = in.Description
	}
	if in.TargetFirstName != nil {
		c.TargetFirstName = *in.TargetFirstName
	}
	if in.TargetLastName != nil {
		c.TargetLastName = *in.TargetLastName
	}
	if in.TargetCity != nil {
		c.TargetCity = in.TargetCity
	}
	if in.TargetState != nil {
		c.TargetState = in.TargetState
	}
	if in.TargetAge != nil {
		c.TargetAge = in.TargetAge
	}
	if in.TargetSites != nil {
		c.TargetSites = in.TargetSites
	}
	if in.TargetCount != nil {
		c.TargetCount = *in.TargetCount
	}
	if in.SubmissionsCompleted != nil {
		c.SubmissionsCompleted = *in.SubmissionsCompleted
	}
	if in.SubmissionsFailed != nil {
		c.SubmissionsFailed = *in.SubmissionsFailed
	}
}

func (h *CampaignHandler) DeleteCampaignHandler(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.Campaigns.Delete(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// commandHandler moves the campaign along the lifecycle graph and hands
// running campaigns to the engine.
func (h *CampaignHandler) commandHandler(cmd lifecycle.Command) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := campaignID(r)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		c, err := h.Campaigns.GetByID(r.Context(), id)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		to, err := lifecycle.Next(c.Status, cmd)
		if err != nil {
			h.writeError(w, r, err)
			return
		}
		if err := h.Campaigns.UpdateStatus(r.Context(), id, to); err != nil {
			h.writeError(w, r, err)
			return
		}
		if to == model.CampaignRunning && h.Engine != nil {
			if err := h.Engine.Enqueue(id); err != nil {
				h.writeError(w, r, err)
				return
			}
		}
		logging.OrNop(h.Logger).Info("campaign command accepted",
			zap.Int("campaign_id", id),
			zap.String("command", string(cmd)),
			zap.String("status", string(to)),
		)
		writeJSON(w, http.StatusAccepted, map[string]any{"campaign_id": id, "status": to})
	}
}

func (h *CampaignHandler) ListSubmissionsHandler(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	page, size, err := paging(r, 15, true)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	status := model.SubmissionStatus(r.URL.Query().Get("status"))
	if status != "" && !status.Valid() {
		h.writeError(w, r, appErrors.NewValidation("status", fmt.Sprintf("unknown submission status %q", status)))
		return
	}
	if _, err := h.Campaigns.GetByID(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	items, total, err := h.Submissions.List(r.Context(), id, (page-1)*size, size, status)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.SubmissionPage{
		Items: items, Total: total, Page: page, PageSize: size,
		Pages: model.PageCount(total, size),
	})
}

func (h *CampaignHandler) ListBaselinesHandler(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if _, err := h.Campaigns.GetByID(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	list, err := h.Snapshots.ListByCampaign(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.SnapshotList{Baselines: list})
}

func (h *CampaignHandler) AccuracyHandler(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if _, err := h.Campaigns.GetByID(r.Context(), id); err != nil {
		h.writeError(w, r, err)
		return
	}
	acc, err := h.Snapshots.Aggregate(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// BaselineHandler queues a baseline measurement for a draft campaign that
// has none yet.
func (h *CampaignHandler) BaselineHandler(w http.ResponseWriter, r *http.Request) {
	h.snapshot(w, r, model.SnapshotBaseline, func(c *model.Campaign, acc *model.Accuracy) error {
		if acc.BaselineScore != nil {
			return appErrors.NewPrecondition("take baseline", "campaign already has a baseline")
		}
		if c.Status != model.CampaignDraft {
			return appErrors.NewPrecondition("take baseline", "campaign must be in draft")
		}
		return nil
	})
}

// CheckHandler queues an accuracy check once a baseline exists.
func (h *CampaignHandler) CheckHandler(w http.ResponseWriter, r *http.Request) {
	h.snapshot(w, r, model.SnapshotCheck, func(c *model.Campaign, acc *model.Accuracy) error {
		if acc.BaselineScore == nil {
			return appErrors.NewPrecondition("take check", "campaign has no baseline")
		}
		switch c.Status {
		case model.CampaignCompleted, model.CampaignRunning, model.CampaignPaused:
			return nil
		}
		return appErrors.NewPrecondition("take check", fmt.Sprintf("campaign is %s", c.Status))
	})
}

func (h *CampaignHandler) snapshot(w http.ResponseWriter, r *http.Request, typ model.SnapshotType, allowed func(*model.Campaign, *model.Accuracy) error) {
	id, err := campaignID(r)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	c, err := h.Campaigns.GetByID(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	acc, err := h.Snapshots.Aggregate(r.Context(), id)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := allowed(c, acc); err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.Engine.EnqueueSnapshot(id, typ); err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"campaign_id": id, "snapshot_type": typ})
}

func (h *CampaignHandler) PreviewHandler(w http.ResponseWriter, r *http.Request) {
	var req model.PreviewRequest
	if err := decode(r, &req); err != nil {
		h.writeError(w, r, err)
		return
	}
	if req.Count < 1 || req.Count > client.MaxPreviewCount {
		h.writeError(w, r, appErrors.NewValidation("count", fmt.Sprintf("must be between 1 and %d", client.MaxPreviewCount)))
		return
	}
	writeJSON(w, http.StatusOK, model.PreviewResponse{Profiles: h.Engine.Generator.Preview(req)})
}

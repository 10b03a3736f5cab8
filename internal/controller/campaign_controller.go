// internal/controller/campaign_controller.go
package controller

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/unclebandit/miasma-console/internal/client"
	appErrors "github.com/unclebandit/miasma-console/internal/errors"
	"github.com/unclebandit/miasma-console/internal/lifecycle"
	"github.com/unclebandit/miasma-console/internal/logging"
	"github.com/unclebandit/miasma-console/internal/model"
	"github.com/unclebandit/miasma-console/internal/reconcile"
	"github.com/unclebandit/miasma-console/internal/service"
)

// defaultConsumer owns the watches of callers that do not name one.
const defaultConsumer = "console"

// CampaignController exposes one console session over HTTP.
type CampaignController struct {
	CampaignService *service.CampaignService
	// Gatherer backs /metrics; nil leaves the endpoint out.
	Gatherer prometheus.Gatherer
	Logger   *zap.Logger
}

func (c *CampaignController) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/campaigns", c.ListCampaigns)
	r.Get("/campaigns/view", c.ListView)
	r.Post("/campaigns", c.CreateCampaign)
	r.Route("/campaigns/{id}", func(r chi.Router) {
		r.Get("/", c.GetCampaign)
		r.Patch("/", c.UpdateCampaign)
		r.Delete("/", c.DeleteCampaign)
		r.Post("/refresh", c.RefreshCampaign)
		r.Post("/watch", c.WatchCampaign)
		r.Delete("/watch", c.UnwatchCampaign)
		r.Post("/commands/{command}", c.RunCommand)
		r.Get("/submissions", c.ListSubmissions)
		r.Get("/accuracy", c.GetAccuracy)
		r.Post("/baseline", c.TakeBaseline)
		r.Post("/check", c.TakeCheck)
	})
	r.Delete("/consumers/{consumer}", c.CloseConsumer)
	r.Post("/progress", c.PushProgress)
	r.Get("/stats", c.Stats)
	r.Post("/preview", c.Preview)
	if c.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(c.Gatherer, promhttp.HandlerOpts{}))
	}
	return r
}

// CampaignView is a locally held campaign with its console-only fields.
type CampaignView struct {
	Campaign model.Campaign      `json:"campaign"`
	Busy     bool                `json:"busy"`
	Notice   string              `json:"notice,omitempty"`
	Watched  bool                `json:"watched"`
	Progress float64             `json:"progress"`
	Allowed  []lifecycle.Command `json:"allowed_commands"`
}

func viewOf(e reconcile.Entry) CampaignView {
	allowed := lifecycle.Allowed(e.Campaign.Status)
	if allowed == nil {
		allowed = []lifecycle.Command{}
	}
	return CampaignView{
		Campaign: e.Campaign,
		Busy:     e.Busy,
		Notice:   e.Notice,
		Watched:  e.Watched,
		Progress: e.Campaign.Progress(),
		Allowed:  allowed,
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (c *CampaignController) fail(w http.ResponseWriter, r *http.Request, err error) {
	status := appErrors.HTTPStatus(err)
	if status >= 500 {
		logging.OrNop(c.Logger).Error("console request failed",
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

func intParam(r *http.Request, name string) (int, error) {
	s := r.URL.Query().Get(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, appErrors.NewValidation(name, "must be a positive integer")
	}
	return n, nil
}

func consumerOf(r *http.Request) string {
	if consumer := r.URL.Query().Get("consumer"); consumer != "" {
		return consumer
	}
	return defaultConsumer
}

func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return appErrors.NewValidation("", "invalid request body: "+err.Error())
	}
	return nil
}

// ListCampaigns opens (or replaces) the session's list view. The list keeps
// polling while any listed campaign is running.
func (c *CampaignController) ListCampaigns(w http.ResponseWriter, r *http.Request) {
	page, err := intParam(r, "page")
	if err != nil {
		c.fail(w, r, err)
		return
	}
	size, err := intParam(r, "page_size")
	if err != nil {
		c.fail(w, r, err)
		return
	}
	q := client.CampaignQuery{Page: page, PageSize: size, Status: model.CampaignStatus(r.URL.Query().Get("status"))}

	consumer, result, err := c.CampaignService.OpenList(r.Context(), q)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	w.Header().Set("X-Consumer", consumer)
	writeJSON(w, http.StatusOK, result)
}

// ListView renders the open list from local state without a request.
func (c *CampaignController) ListView(w http.ResponseWriter, r *http.Request) {
	page, ok := c.CampaignService.ListPage()
	if !ok {
		c.fail(w, r, appErrors.NewPrecondition("show list", "no list is open"))
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func (c *CampaignController) CreateCampaign(w http.ResponseWriter, r *http.Request) {
	var in model.CampaignCreate
	if err := decode(r, &in); err != nil {
		c.fail(w, r, err)
		return
	}
	campaign, err := c.CampaignService.CreateCampaign(r.Context(), in)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, campaign)
}

// GetCampaign answers from local state, fetching only on first sight.
func (c *CampaignController) GetCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	e, ok := c.CampaignService.Get(id)
	if !ok {
		if _, err := c.CampaignService.Refresh(r.Context(), id); err != nil {
			c.fail(w, r, err)
			return
		}
		e, _ = c.CampaignService.Get(id)
	}
	writeJSON(w, http.StatusOK, viewOf(e))
}

func (c *CampaignController) respondEntry(w http.ResponseWriter, r *http.Request, id int) {
	e, ok := c.CampaignService.Get(id)
	if !ok {
		c.fail(w, r, appErrors.NewCampaignNotFound(id))
		return
	}
	writeJSON(w, http.StatusOK, viewOf(e))
}

func (c *CampaignController) UpdateCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	var in model.CampaignUpdate
	if err := decode(r, &in); err != nil {
		c.fail(w, r, err)
		return
	}
	if _, err := c.CampaignService.UpdateCampaign(r.Context(), id, in); err != nil {
		c.fail(w, r, err)
		return
	}
	c.respondEntry(w, r, id)
}

func (c *CampaignController) DeleteCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	if err := c.CampaignService.DeleteCampaign(r.Context(), id); err != nil {
		c.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (c *CampaignController) RefreshCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	if _, err := c.CampaignService.Refresh(r.Context(), id); err != nil {
		c.fail(w, r, err)
		return
	}
	c.respondEntry(w, r, id)
}

func (c *CampaignController) WatchCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	if _, err := c.CampaignService.Watch(r.Context(), id, consumerOf(r)); err != nil {
		c.fail(w, r, err)
		return
	}
	c.respondEntry(w, r, id)
}

func (c *CampaignController) UnwatchCampaign(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	c.CampaignService.Unwatch(id, consumerOf(r))
	w.WriteHeader(http.StatusNoContent)
}

func (c *CampaignController) CloseConsumer(w http.ResponseWriter, r *http.Request) {
	c.CampaignService.CloseConsumer(chi.URLParam(r, "consumer"))
	w.WriteHeader(http.StatusNoContent)
}

// RunCommand sends execute, pause, resume or reset. A second command while
// one is in flight is rejected with 409.
func (c *CampaignController) RunCommand(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	cmd := lifecycle.Command(chi.URLParam(r, "command"))
	if !cmd.Valid() {
		c.fail(w, r, appErrors.NewValidation("command", fmt.Sprintf("unknown command %q", cmd)))
		return
	}
	if _, err := c.CampaignService.Command(r.Context(), id, cmd); err != nil {
		c.fail(w, r, err)
		return
	}
	c.respondEntry(w, r, id)
}

// ListSubmissions drives the campaign's ledger: any page or status change
// refetches, and the current page keeps polling while the campaign runs.
func (c *CampaignController) ListSubmissions(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	page, err := intParam(r, "page")
	if err != nil {
		c.fail(w, r, err)
		return
	}
	if page == 0 {
		page = 1
	}
	l := c.CampaignService.Ledger(id)
	q := l.Query()
	q.Page = page
	q.Status = model.SubmissionStatus(r.URL.Query().Get("status"))

	st, err := l.List(r.Context(), q)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	if !l.Watching() {
		if err := l.Watch(); err != nil {
			c.fail(w, r, err)
			return
		}
	}
	writeJSON(w, http.StatusOK, model.SubmissionPage{
		Items:    st.Items,
		Total:    st.Total,
		Page:     st.Query.Page,
		PageSize: st.Query.PageSize,
		Pages:    st.Pages,
	})
}

func (c *CampaignController) GetAccuracy(w http.ResponseWriter, r *http.Request) {
	id, err := campaignID(r)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	t := c.CampaignService.Tracker(id)
	if err := t.LoadData(r.Context()); err != nil {
		c.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t.Summary())
}

func (c *CampaignController) TakeBaseline(w http.ResponseWriter, r *http.Request) {
	c.snapshot(w, r, false)
}

func (c *CampaignController) TakeCheck(w http.ResponseWriter, r *http.Request) {
	c.snapshot(w, r, true)
}

func (c *CampaignController) snapshot(w http.ResponseWriter, r *http.Request, check bool) {
	id, err := campaignID(r)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	if _, ok := c.CampaignService.Get(id); !ok {
		if _, err := c.CampaignService.Refresh(r.Context(), id); err != nil {
			c.fail(w, r, err)
			return
		}
	}
	t := c.CampaignService.Tracker(id)
	if len(t.Snapshots()) == 0 {
		// preconditions need the current snapshot list
		if err := t.LoadData(r.Context()); err != nil {
			logging.OrNop(c.Logger).Warn("accuracy data unavailable, checking with what is known",
				zap.Int("campaign_id", id),
				zap.Error(err),
			)
		}
	}
	if check {
		err = t.TakeCheck(r.Context())
	} else {
		err = t.TakeBaseline(r.Context())
	}
	if err != nil {
		c.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, t.Summary())
}

// PushProgress accepts an engine progress event over HTTP, the same way the
// AMQP consumer does.
func (c *CampaignController) PushProgress(w http.ResponseWriter, r *http.Request) {
	var ev model.ProgressEvent
	if err := decode(r, &ev); err != nil {
		c.fail(w, r, err)
		return
	}
	if ev.Campaign.ID == 0 {
		c.fail(w, r, appErrors.NewValidation("campaign.id", "required"))
		return
	}
	applied := c.CampaignService.ApplyProgress(ev)
	writeJSON(w, http.StatusAccepted, map[string]bool{"applied": applied})
}

func (c *CampaignController) Stats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, c.CampaignService.Stats())
}

func (c *CampaignController) Preview(w http.ResponseWriter, r *http.Request) {
	var req model.PreviewRequest
	if err := decode(r, &req); err != nil {
		c.fail(w, r, err)
		return
	}
	profiles, err := c.CampaignService.PreviewProfiles(r.Context(), req)
	if err != nil {
		c.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, model.PreviewResponse{Profiles: profiles})
}

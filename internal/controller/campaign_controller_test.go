package controller_test

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/unclebandit/miasma-console/internal/accuracy"
	"github.com/unclebandit/miasma-console/internal/client"
	"github.com/unclebandit/miasma-console/internal/controller"
	"github.com/unclebandit/miasma-console/internal/engine"
	"github.com/unclebandit/miasma-console/internal/handler"
	"github.com/unclebandit/miasma-console/internal/model"
	"github.com/unclebandit/miasma-console/internal/queue"
	"github.com/unclebandit/miasma-console/internal/repository"
	"github.com/unclebandit/miasma-console/internal/service"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
	)
}

type console struct {
	url string
	svc *service.CampaignService
}

// newConsole wires a console session to an in-process dev server.
func newConsole(t *testing.T, successRate float64) *console {
	t.Helper()
	logger := zaptest.NewLogger(t)

	mem := repository.NewMemory()
	q := queue.NewInMemoryQueue(queue.Options{Backoff: time.Millisecond, Logger: logger})
	eng := engine.New(mem.Campaigns(), mem.Submissions(), mem.Snapshots(), q, engine.Config{
		SuccessRate: successRate, BaselineScore: 0.82, Sites: []string{"radaris"}, Seed: 3,
	}, logger)
	require.NoError(t, eng.Start())
	remote := &handler.CampaignHandler{
		Campaigns: mem.Campaigns(), Submissions: mem.Submissions(), Snapshots: mem.Snapshots(),
		Engine: eng, Logger: logger,
	}
	router := chi.NewRouter()
	router.Mount("/api/v1", remote.Routes())
	backend := httptest.NewServer(router)

	api, err := client.New(client.Session{BaseURL: backend.URL + "/api/v1"}, client.WithLogger(logger))
	require.NoError(t, err)
	reg := prometheus.NewRegistry()
	svc := service.New(api, service.Options{
		CampaignInterval:   20 * time.Millisecond,
		SubmissionInterval: 25 * time.Millisecond,
		ListInterval:       30 * time.Millisecond,
		Logger:             logger,
		PromRegistry:       reg,
	})
	ctrl := &controller.CampaignController{CampaignService: svc, Gatherer: reg, Logger: logger}
	front := httptest.NewServer(ctrl.Routes())

	t.Cleanup(func() {
		front.Close()
		svc.Close()
		backend.Close()
		q.Close()
	})
	return &console{url: front.URL, svc: svc}
}

func (c *console) do(t *testing.T, method, path, body string, out any) int {
	t.Helper()
	var rdr io.Reader
	if body != "" {
		rdr = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, c.url+path, rdr)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

const newCampaign = `{"name":"spring","target_first_name":"Jane","target_last_name":"Doe","target_count":10}`

func (c *console) create(t *testing.T) model.Campaign {
	var created model.Campaign
	require.Equal(t, http.StatusCreated, c.do(t, http.MethodPost, "/campaigns", newCampaign, &created))
	return created
}

func path(id int, rest string) string {
	return "/campaigns/" + strconv.Itoa(id) + rest
}

func TestCampaignLifecycleOverHTTP(t *testing.T) {
	c := newConsole(t, 1)
	created := c.create(t)
	assert.Equal(t, model.CampaignDraft, created.Status)

	var view controller.CampaignView
	require.Equal(t, http.StatusOK, c.do(t, http.MethodPost, path(created.ID, "/watch"), "", &view))
	assert.True(t, view.Watched)
	assert.Equal(t, []string{"execute"}, commands(view))

	assert.Equal(t, http.StatusConflict, c.do(t, http.MethodPost, path(created.ID, "/commands/pause"), "", nil))
	assert.Equal(t, http.StatusBadRequest, c.do(t, http.MethodPost, path(created.ID, "/commands/launch"), "", nil))

	require.Equal(t, http.StatusOK, c.do(t, http.MethodPost, path(created.ID, "/commands/execute"), "", &view))
	assert.False(t, view.Busy)

	require.Eventually(t, func() bool {
		var v controller.CampaignView
		c.do(t, http.MethodGet, path(created.ID, ""), "", &v)
		return v.Campaign.Status == model.CampaignCompleted
	}, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return c.svc.Scheduler.Len() == 0 }, time.Second, 10*time.Millisecond)

	require.Equal(t, http.StatusOK, c.do(t, http.MethodGet, path(created.ID, ""), "", &view))
	assert.Equal(t, 1.0, view.Progress)
	assert.Equal(t, []string{"reset"}, commands(view))

	require.Equal(t, http.StatusOK, c.do(t, http.MethodPost, path(created.ID, "/commands/reset"), "", &view))
	assert.Equal(t, model.CampaignDraft, view.Campaign.Status)
	assert.Zero(t, view.Campaign.Processed())

	var stats service.Stats
	require.Equal(t, http.StatusOK, c.do(t, http.MethodGet, "/stats", "", &stats))
	assert.Equal(t, 1, stats.Campaigns)
}

func commands(v controller.CampaignView) []string {
	out := []string{}
	for _, cmd := range v.Allowed {
		out = append(out, string(cmd))
	}
	return out
}

func TestUpdateRejectsStatus(t *testing.T) {
	c := newConsole(t, 1)
	created := c.create(t)
	assert.Equal(t, http.StatusBadRequest, c.do(t, http.MethodPatch, path(created.ID, ""), `{"status":"running"}`, nil))

	var view controller.CampaignView
	require.Equal(t, http.StatusOK, c.do(t, http.MethodPatch, path(created.ID, ""), `{"name":"autumn"}`, &view))
	assert.Equal(t, "autumn", view.Campaign.Name)
}

func TestListAndSubmissions(t *testing.T) {
	c := newConsole(t, 1)
	created := c.create(t)
	c.create(t)

	var page model.CampaignPage
	require.Equal(t, http.StatusOK, c.do(t, http.MethodGet, "/campaigns?page=1&page_size=1", "", &page))
	assert.Equal(t, 2, page.Total)
	assert.Len(t, page.Items, 1)

	var local model.CampaignPage
	require.Equal(t, http.StatusOK, c.do(t, http.MethodGet, "/campaigns/view", "", &local))
	assert.Equal(t, page.Items[0].ID, local.Items[0].ID)

	assert.Equal(t, http.StatusBadRequest, c.do(t, http.MethodGet, "/campaigns?status=bogus", "", nil))

	require.Equal(t, http.StatusOK, c.do(t, http.MethodPost, path(created.ID, "/commands/execute"), "", nil))
	require.Eventually(t, func() bool {
		var subs model.SubmissionPage
		c.do(t, http.MethodGet, path(created.ID, "/submissions?status=submitted"), "", &subs)
		return subs.Total == 10
	}, 5*time.Second, 10*time.Millisecond)

	var subs model.SubmissionPage
	require.Equal(t, http.StatusOK, c.do(t, http.MethodGet, path(created.ID, "/submissions?page=2&status=submitted"), "", &subs))
	assert.Equal(t, 2, subs.Page)
	assert.Equal(t, 15, subs.PageSize)
	assert.Empty(t, subs.Items)

	// Switching the filter starts again at page 1 whatever page was asked for.
	subs = model.SubmissionPage{}
	require.Equal(t, http.StatusOK, c.do(t, http.MethodGet, path(created.ID, "/submissions?page=2"), "", &subs))
	assert.Equal(t, 1, subs.Page)
	assert.Equal(t, 10, subs.Total)
	assert.Len(t, subs.Items, 10)
	assert.Equal(t, http.StatusBadRequest, c.do(t, http.MethodGet, path(created.ID, "/submissions?status=lost"), "", nil))
}

func TestAccuracyFlow(t *testing.T) {
	c := newConsole(t, 1)
	created := c.create(t)

	assert.Equal(t, http.StatusConflict, c.do(t, http.MethodPost, path(created.ID, "/check"), "", nil))
	require.Equal(t, http.StatusAccepted, c.do(t, http.MethodPost, path(created.ID, "/baseline"), "", nil))

	require.Eventually(t, func() bool {
		var s accuracy.Summary
		c.do(t, http.MethodGet, path(created.ID, "/accuracy"), "", &s)
		return s.BaselineScore != nil
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, http.StatusConflict, c.do(t, http.MethodPost, path(created.ID, "/baseline"), "", nil))

	require.Equal(t, http.StatusOK, c.do(t, http.MethodPost, path(created.ID, "/commands/execute"), "", nil))
	require.Eventually(t, func() bool {
		var v controller.CampaignView
		c.do(t, http.MethodPost, path(created.ID, "/refresh"), "", &v)
		return v.Campaign.Status == model.CampaignCompleted
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, http.StatusAccepted, c.do(t, http.MethodPost, path(created.ID, "/check"), "", nil))
	var s accuracy.Summary
	require.Eventually(t, func() bool {
		c.do(t, http.MethodGet, path(created.ID, "/accuracy"), "", &s)
		return s.ChecksCount == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.NotNil(t, s.Delta)
	assert.InDelta(t, -0.41, *s.Delta, 1e-9)
	assert.Equal(t, model.OutcomeEffective, s.Outcome)
}

func TestProgressPushAndDelete(t *testing.T) {
	c := newConsole(t, 1)
	created := c.create(t)

	created.SubmissionsCompleted = 4
	created.Status = model.CampaignPaused
	body, _ := json.Marshal(model.ProgressEvent{Campaign: created, Reason: "progress"})
	var ack map[string]bool
	require.Equal(t, http.StatusAccepted, c.do(t, http.MethodPost, "/progress", string(body), &ack))
	assert.True(t, ack["applied"])

	var view controller.CampaignView
	require.Equal(t, http.StatusOK, c.do(t, http.MethodGet, path(created.ID, ""), "", &view))
	assert.Equal(t, 4, view.Campaign.SubmissionsCompleted)

	late := created
	late.SubmissionsCompleted = 2
	late.Status = model.CampaignRunning
	body, _ = json.Marshal(model.ProgressEvent{Campaign: late, Reason: "progress"})
	require.Equal(t, http.StatusAccepted, c.do(t, http.MethodPost, "/progress", string(body), &ack))
	assert.False(t, ack["applied"])
	require.Equal(t, http.StatusOK, c.do(t, http.MethodGet, path(created.ID, ""), "", &view))
	assert.Equal(t, model.CampaignPaused, view.Campaign.Status)
	assert.Equal(t, 4, view.Campaign.SubmissionsCompleted)

	assert.Equal(t, http.StatusBadRequest, c.do(t, http.MethodPost, "/progress", `{"campaign":{}}`, nil))

	assert.Equal(t, http.StatusNoContent, c.do(t, http.MethodDelete, path(created.ID, ""), "", nil))
	_, ok := c.svc.Get(created.ID)
	assert.False(t, ok)
	assert.Equal(t, http.StatusNotFound, c.do(t, http.MethodGet, path(created.ID, ""), "", nil))
}

func TestPreviewAndMetrics(t *testing.T) {
	c := newConsole(t, 1)
	var resp model.PreviewResponse
	require.Equal(t, http.StatusOK, c.do(t, http.MethodPost, "/preview", `{"count":3}`, &resp))
	assert.Len(t, resp.Profiles, 3)
	assert.Equal(t, http.StatusBadRequest, c.do(t, http.MethodPost, "/preview", `{"count":51}`, nil))

	created := c.create(t)
	c.do(t, http.MethodPost, path(created.ID, "/commands/pause"), "", nil)

	req, _ := http.NewRequest(http.MethodGet, c.url+"/metrics", nil)
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer res.Body.Close()
	raw, _ := io.ReadAll(res.Body)
	assert.Contains(t, string(raw), "miasma_console_campaign_commands_total")
}

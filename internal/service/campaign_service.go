// internal/service/campaign_service.go
package service

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/unclebandit/miasma-console/internal/accuracy"
	"github.com/unclebandit/miasma-console/internal/client"
	appErrors "github.com/unclebandit/miasma-console/internal/errors"
	"github.com/unclebandit/miasma-console/internal/ledger"
	"github.com/unclebandit/miasma-console/internal/lifecycle"
	"github.com/unclebandit/miasma-console/internal/logging"
	"github.com/unclebandit/miasma-console/internal/model"
	"github.com/unclebandit/miasma-console/internal/poller"
	"github.com/unclebandit/miasma-console/internal/reconcile"
)

// Remote is the resource client surface the session drives.
type Remote interface {
	ListCampaigns(ctx context.Context, q client.CampaignQuery) (*model.CampaignPage, error)
	GetCampaign(ctx context.Context, id int) (*model.Campaign, error)
	CreateCampaign(ctx context.Context, in model.CampaignCreate) (*model.Campaign, error)
	UpdateCampaign(ctx context.Context, id int, in model.CampaignUpdate) (*model.Campaign, error)
	DeleteCampaign(ctx context.Context, id int) error
	CampaignAction(ctx context.Context, id int, action string) error
	PreviewProfiles(ctx context.Context, req model.PreviewRequest) ([]model.Profile, error)

	ledger.Lister
	accuracy.Remote
}

type Options struct {
	CampaignInterval   time.Duration
	SubmissionInterval time.Duration
	ListInterval       time.Duration
	RequestTimeout     time.Duration
	Logger             *zap.Logger
	PromRegistry       prometheus.Registerer
	// NewTicker replaces wall-clock tickers in tests.
	NewTicker poller.TickerFunc
}

const (
	DefaultCampaignInterval = 5 * time.Second
	DefaultListInterval     = 10 * time.Second
)

// CampaignService is one console session: the local campaign state, the
// timers that keep it fresh and the commands that change it remotely.
type CampaignService struct {
	Remote    Remote
	Store     *reconcile.Store
	Scheduler *poller.Scheduler
	Lifecycle *lifecycle.Controller

	opts   Options
	logger *zap.Logger
	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	watchers map[int]map[string]struct{}
	list     *listView
	ledgers  map[int]*ledger.Ledger
	trackers map[int]*accuracy.Tracker
}

func New(remote Remote, opts Options) *CampaignService {
	if opts.CampaignInterval <= 0 {
		opts.CampaignInterval = DefaultCampaignInterval
	}
	if opts.SubmissionInterval <= 0 {
		opts.SubmissionInterval = ledger.DefaultInterval
	}
	if opts.ListInterval <= 0 {
		opts.ListInterval = DefaultListInterval
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	logger := logging.OrNop(opts.Logger)
	ctx, cancel := context.WithCancel(context.Background())

	s := &CampaignService{
		Remote: remote,
		Store:  reconcile.NewStore(logger),
		Scheduler: poller.New(poller.Config{
			Logger:       logger,
			PromRegistry: opts.PromRegistry,
			NewTicker:    opts.NewTicker,
		}),
		opts:     opts,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		watchers: make(map[int]map[string]struct{}),
		ledgers:  make(map[int]*ledger.Ledger),
		trackers: make(map[int]*accuracy.Tracker),
	}
	s.Lifecycle = lifecycle.NewController(lifecycle.Config{
		Remote:       remote,
		Refresher:    s,
		Logger:       logger,
		OnBusy:       s.Store.SetBusy,
		PromRegistry: opts.PromRegistry,
	})
	s.Store.Subscribe(s.onCampaignChange)
	return s
}

// Close stops every timer and waits for in-flight polls.
func (s *CampaignService) Close() {
	s.cancel()
	s.mu.Lock()
	ledgers := make([]*ledger.Ledger, 0, len(s.ledgers))
	for _, l := range s.ledgers {
		ledgers = append(ledgers, l)
	}
	s.mu.Unlock()
	for _, l := range ledgers {
		l.Close()
	}
	s.Scheduler.Close()
}

func campaignKey(id int, consumer string) poller.Key {
	return poller.Key{Resource: "campaign:" + strconv.Itoa(id), Consumer: consumer}
}

func (s *CampaignService) isRunning(id int) bool {
	status, ok := s.Store.Status(id)
	return ok && status == model.CampaignRunning
}

// Refresh fetches a campaign and merges it into local state.
func (s *CampaignService) Refresh(ctx context.Context, id int) (*model.Campaign, error) {
	return s.fetchCampaign(ctx, id, nil)
}

func (s *CampaignService) fetchCampaign(ctx context.Context, id int, tok reconcile.Liveness) (*model.Campaign, error) {
	seq := s.Store.Begin(id)
	c, err := s.Remote.GetCampaign(ctx, id)
	if err != nil {
		if appErrors.IsNotFound(err) {
			s.forget(id)
		}
		return nil, err
	}
	s.Store.Apply(id, seq, tok, *c)
	if e, ok := s.Store.Get(id); ok {
		return &e.Campaign, nil
	}
	return c, nil
}

// Get returns the locally held entry for id.
func (s *CampaignService) Get(id int) (reconcile.Entry, bool) {
	return s.Store.Get(id)
}

func (s *CampaignService) CreateCampaign(ctx context.Context, in model.CampaignCreate) (*model.Campaign, error) {
	c, err := s.Remote.CreateCampaign(ctx, in)
	if err != nil {
		return nil, err
	}
	s.Store.ApplyPushed(*c)
	s.logger.Info("campaign created", zap.Int("campaign_id", c.ID), zap.String("name", c.Name))
	return c, nil
}

// UpdateCampaign edits descriptive and targeting fields. Status and counters
// only change through lifecycle commands.
func (s *CampaignService) UpdateCampaign(ctx context.Context, id int, in model.CampaignUpdate) (*model.Campaign, error) {
	if in.Status != nil {
		return nil, appErrors.NewValidation("status", "use execute, pause, resume or reset")
	}
	if in.SubmissionsCompleted != nil || in.SubmissionsFailed != nil {
		return nil, appErrors.NewValidation("submissions", "counters are owned by the engine")
	}
	seq := s.Store.Begin(id)
	c, err := s.Remote.UpdateCampaign(ctx, id, in)
	if err != nil {
		return nil, err
	}
	s.Store.Apply(id, seq, nil, *c)
	return c, nil
}

// DeleteCampaign removes the campaign remotely and drops everything the
// session holds for it.
func (s *CampaignService) DeleteCampaign(ctx context.Context, id int) error {
	return s.Lifecycle.Exclusive(id, func() error {
		if err := s.Remote.DeleteCampaign(ctx, id); err != nil {
			return err
		}
		s.forget(id)
		s.logger.Info("campaign deleted", zap.Int("campaign_id", id))
		return nil
	})
}

func (s *CampaignService) forget(id int) {
	s.mu.Lock()
	consumers := s.watchers[id]
	delete(s.watchers, id)
	l := s.ledgers[id]
	delete(s.ledgers, id)
	delete(s.trackers, id)
	if s.list != nil {
		s.list.drop(id)
	}
	s.mu.Unlock()

	for consumer := range consumers {
		s.Scheduler.Cancel(campaignKey(id, consumer))
	}
	if l != nil {
		l.Close()
	}
	s.Store.Remove(id)
}

func (s *CampaignService) Execute(ctx context.Context, id int) (*model.Campaign, error) {
	return s.command(ctx, id, lifecycle.Execute)
}

func (s *CampaignService) Pause(ctx context.Context, id int) (*model.Campaign, error) {
	return s.command(ctx, id, lifecycle.Pause)
}

func (s *CampaignService) Resume(ctx context.Context, id int) (*model.Campaign, error) {
	return s.command(ctx, id, lifecycle.Resume)
}

func (s *CampaignService) Reset(ctx context.Context, id int) (*model.Campaign, error) {
	return s.command(ctx, id, lifecycle.Reset)
}

// Command runs a lifecycle command by name.
func (s *CampaignService) Command(ctx context.Context, id int, cmd lifecycle.Command) (*model.Campaign, error) {
	return s.command(ctx, id, cmd)
}

func (s *CampaignService) command(ctx context.Context, id int, cmd lifecycle.Command) (*model.Campaign, error) {
	e, ok := s.Store.Get(id)
	if !ok {
		if _, err := s.Refresh(ctx, id); err != nil {
			return nil, err
		}
		e, _ = s.Store.Get(id)
	}
	updated, err := s.Lifecycle.Do(ctx, e.Campaign, cmd)
	if err != nil {
		s.Store.SetNotice(id, err.Error())
		return nil, err
	}
	s.Store.SetNotice(id, "")
	return updated, nil
}

// ApplyProgress merges a snapshot pushed by the engine.
func (s *CampaignService) ApplyProgress(ev model.ProgressEvent) bool {
	if ev.Campaign.ID == 0 {
		return false
	}
	return s.Store.ApplyPushed(ev.Campaign)
}

func (s *CampaignService) PreviewProfiles(ctx context.Context, req model.PreviewRequest) ([]model.Profile, error) {
	return s.Remote.PreviewProfiles(ctx, req)
}

// Stats summarises every campaign the session knows about.
type Stats struct {
	Campaigns            int                          `json:"campaigns"`
	ByStatus             map[model.CampaignStatus]int `json:"by_status"`
	SubmissionsCompleted int                          `json:"submissions_completed"`
	SubmissionsFailed    int                          `json:"submissions_failed"`
	SuccessRate          float64                      `json:"success_rate"`
}

func (s *CampaignService) Stats() Stats {
	st := Stats{ByStatus: make(map[model.CampaignStatus]int)}
	for _, e := range s.Store.List() {
		st.Campaigns++
		st.ByStatus[e.Campaign.Status]++
		st.SubmissionsCompleted += e.Campaign.SubmissionsCompleted
		st.SubmissionsFailed += e.Campaign.SubmissionsFailed
	}
	if done := st.SubmissionsCompleted + st.SubmissionsFailed; done > 0 {
		st.SuccessRate = float64(st.SubmissionsCompleted) / float64(done)
	}
	return st
}

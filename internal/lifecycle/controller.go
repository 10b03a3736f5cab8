package lifecycle

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	appErrors "github.com/unclebandit/miasma-console/internal/errors"
	"github.com/unclebandit/miasma-console/internal/logging"
	"github.com/unclebandit/miasma-console/internal/model"
)

// Remote is the part of the resource client the controller needs.
type Remote interface {
	CampaignAction(ctx context.Context, id int, action string) error
	UpdateCampaign(ctx context.Context, id int, in model.CampaignUpdate) (*model.Campaign, error)
}

// Refresher re-fetches a campaign and merges it into local state.
type Refresher interface {
	Refresh(ctx context.Context, id int) (*model.Campaign, error)
}

type Config struct {
	Remote    Remote
	Refresher Refresher
	Logger    *zap.Logger
	// OnBusy mirrors the busy flag into whatever the views render from.
	OnBusy       func(id int, busy bool)
	PromRegistry prometheus.Registerer
}

// Controller sends lifecycle commands. At most one command per campaign is in
// flight; a second one is rejected with ErrBusy.
type Controller struct {
	remote    Remote
	refresher Refresher
	onBusy    func(id int, busy bool)
	logger    *zap.Logger
	metrics   *metrics

	mu   sync.Mutex
	busy map[int]struct{}
}

func NewController(cfg Config) *Controller {
	c := &Controller{
		remote:    cfg.Remote,
		refresher: cfg.Refresher,
		onBusy:    cfg.OnBusy,
		logger:    logging.OrNop(cfg.Logger),
		busy:      make(map[int]struct{}),
	}
	if cfg.PromRegistry != nil {
		c.metrics = newMetrics(cfg.PromRegistry)
	}
	return c
}

// Busy reports whether a command for id is in flight.
func (c *Controller) Busy(id int) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.busy[id]
	return ok
}

func (c *Controller) acquire(id int) bool {
	c.mu.Lock()
	if _, ok := c.busy[id]; ok {
		c.mu.Unlock()
		return false
	}
	c.busy[id] = struct{}{}
	c.mu.Unlock()
	if c.onBusy != nil {
		c.onBusy(id, true)
	}
	return true
}

func (c *Controller) release(id int) {
	c.mu.Lock()
	delete(c.busy, id)
	c.mu.Unlock()
	if c.onBusy != nil {
		c.onBusy(id, false)
	}
}

// Exclusive runs fn holding the busy flag for id, as a command would. It
// returns ErrBusy without calling fn if a command is already in flight.
func (c *Controller) Exclusive(id int, fn func() error) error {
	if !c.acquire(id) {
		return appErrors.ErrBusy
	}
	defer c.release(id)
	return fn()
}

// Do validates cmd against the campaign's last known status, sends it and
// re-fetches the campaign. The returned campaign carries whatever status the
// server reports, which may differ from the edge target.
func (c *Controller) Do(ctx context.Context, campaign model.Campaign, cmd Command) (*model.Campaign, error) {
	want, err := Next(campaign.Status, cmd)
	if err != nil {
		c.metrics.observe(cmd, "rejected", 0)
		return nil, err
	}
	if !c.acquire(campaign.ID) {
		c.metrics.observe(cmd, "busy", 0)
		return nil, appErrors.ErrBusy
	}
	defer c.release(campaign.ID)

	log := c.logger.With(zap.Int("campaign_id", campaign.ID), zap.String("command", string(cmd)))
	start := time.Now()
	if err := c.send(ctx, campaign.ID, cmd); err != nil {
		c.metrics.observe(cmd, "error", time.Since(start))
		log.Warn("campaign command failed", zap.Error(err))
		return nil, err
	}

	updated, err := c.refresher.Refresh(ctx, campaign.ID)
	if err != nil {
		c.metrics.observe(cmd, "error", time.Since(start))
		log.Warn("campaign command sent but refresh failed", zap.Error(err))
		return nil, fmt.Errorf("%s accepted, refreshing campaign %d: %w", cmd, campaign.ID, err)
	}
	c.metrics.observe(cmd, "ok", time.Since(start))

	if updated.Status != want {
		log.Info("server has not applied the transition yet",
			zap.String("expected", string(want)),
			zap.String("reported", string(updated.Status)),
		)
	}
	return updated, nil
}

func (c *Controller) send(ctx context.Context, id int, cmd Command) error {
	if cmd == Reset {
		_, err := c.remote.UpdateCampaign(ctx, id, ResetUpdate())
		return err
	}
	return c.remote.CampaignAction(ctx, id, string(cmd))
}

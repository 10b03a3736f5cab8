// Package ledger is the paginated, filterable view over one campaign's
// submissions.
package ledger

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/unclebandit/miasma-console/internal/client"
	appErrors "github.com/unclebandit/miasma-console/internal/errors"
	"github.com/unclebandit/miasma-console/internal/logging"
	"github.com/unclebandit/miasma-console/internal/model"
	"github.com/unclebandit/miasma-console/internal/poller"
	"github.com/unclebandit/miasma-console/internal/reconcile"
)

const (
	DefaultPageSize = 15
	DefaultInterval = 7 * time.Second
)

type Lister interface {
	ListSubmissions(ctx context.Context, campaignID int, q client.SubmissionQuery) (*model.SubmissionPage, error)
}

type Config struct {
	CampaignID int
	Remote     Lister
	Scheduler  *poller.Scheduler
	// Running reports whether the owning campaign is running. Polling lasts
	// only as long as it returns true.
	Running  func() bool
	Interval time.Duration
	PageSize int
	Logger   *zap.Logger
}

// State is what a view renders.
type State struct {
	Query  client.SubmissionQuery
	Items  []model.Submission
	Total  int
	Pages  int
	Loaded bool
}

type Ledger struct {
	id       int
	remote   Lister
	sched    *poller.Scheduler
	running  func() bool
	interval time.Duration
	consumer string
	logger   *zap.Logger
	seq      *reconcile.Sequence[int]

	mu     sync.Mutex
	query  client.SubmissionQuery
	page   *model.SubmissionPage
	closed bool
}

func New(cfg Config) *Ledger {
	l := &Ledger{
		id:       cfg.CampaignID,
		remote:   cfg.Remote,
		sched:    cfg.Scheduler,
		running:  cfg.Running,
		interval: cfg.Interval,
		consumer: "ledger-" + uuid.NewString(),
		logger:   logging.OrNop(cfg.Logger).With(zap.Int("campaign_id", cfg.CampaignID)),
		seq:      reconcile.NewSequence[int](),
		query:    client.SubmissionQuery{Page: 1, PageSize: cfg.PageSize},
	}
	if l.query.PageSize <= 0 {
		l.query.PageSize = DefaultPageSize
	}
	if l.interval <= 0 {
		l.interval = DefaultInterval
	}
	if l.running == nil {
		l.running = func() bool { return false }
	}
	return l
}

func (l *Ledger) key() poller.Key {
	return poller.Key{Resource: "submissions:" + strconv.Itoa(l.id), Consumer: l.consumer}
}

func validate(q client.SubmissionQuery) error {
	if q.Page < 1 {
		return appErrors.NewValidation("page", "must be >= 1")
	}
	if q.Status != "" && !q.Status.Valid() {
		return appErrors.NewValidation("status", fmt.Sprintf("unknown submission status %q", q.Status))
	}
	return nil
}

// List makes q the current query and fetches it. A query whose status
// differs from the current one starts again at page 1. A malformed query is
// rejected without a request and leaves the current query alone.
func (l *Ledger) List(ctx context.Context, q client.SubmissionQuery) (State, error) {
	if q.PageSize <= 0 {
		q.PageSize = DefaultPageSize
	}
	if err := validate(q); err != nil {
		return l.State(), err
	}
	l.mu.Lock()
	if q.Status != l.query.Status {
		q.Page = 1
	}
	l.query = q
	l.mu.Unlock()
	err := l.fetch(ctx, q, nil)
	return l.State(), err
}

func (l *Ledger) SetPage(ctx context.Context, page int) (State, error) {
	q := l.Query()
	q.Page = page
	return l.List(ctx, q)
}

// SetStatus changes the filter. The page always goes back to 1.
func (l *Ledger) SetStatus(ctx context.Context, status model.SubmissionStatus) (State, error) {
	q := l.Query()
	q.Status = status
	q.Page = 1
	return l.List(ctx, q)
}

// Refresh refetches the current page and filter.
func (l *Ledger) Refresh(ctx context.Context) (State, error) {
	err := l.fetch(ctx, l.Query(), nil)
	return l.State(), err
}

func (l *Ledger) Query() client.SubmissionQuery {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.query
}

func (l *Ledger) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	st := State{Query: l.query}
	if l.page != nil {
		st.Items = l.page.Items
		st.Total = l.page.Total
		st.Pages = l.page.Pages
		st.Loaded = true
	}
	return st
}

// Watch polls the current page while the campaign runs. Calling it again
// replaces the previous timer.
func (l *Ledger) Watch() error {
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return poller.ErrClosed
	}
	_, err := l.sched.Schedule(poller.Spec{
		Key:            l.key(),
		Interval:       l.interval,
		ShouldContinue: l.running,
		Fetch: func(ctx context.Context, tok *poller.Subscription) error {
			return l.fetch(ctx, l.Query(), tok)
		},
	})
	return err
}

// Watching reports whether the poll timer is armed.
func (l *Ledger) Watching() bool {
	return l.sched != nil && l.sched.Active(l.key())
}

// Close stops polling. Responses still in flight are discarded.
func (l *Ledger) Close() {
	l.mu.Lock()
	l.closed = true
	l.mu.Unlock()
	if l.sched != nil {
		l.sched.Cancel(l.key())
	}
}

func (l *Ledger) fetch(ctx context.Context, q client.SubmissionQuery, tok reconcile.Liveness) error {
	seq := l.seq.Next()
	page, err := l.remote.ListSubmissions(ctx, l.id, q)
	if err != nil {
		return err
	}
	if tok != nil && !tok.Live() {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	switch {
	case l.closed:
		return nil
	case q != l.query:
		// The filter or page moved on while this request was out.
		l.logger.Debug("dropping submissions page for old query", zap.Int("page", q.Page))
		return nil
	case !l.seq.Accept(l.id, seq):
		l.logger.Debug("dropping stale submissions page", zap.Uint64("seq", seq))
		return nil
	}
	l.page = page
	return nil
}

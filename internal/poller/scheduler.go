// Package poller runs the repeating refreshes behind every live view. There
// is exactly one timer per (resource, consumer) key.
package poller

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/unclebandit/miasma-console/internal/logging"
)

var ErrClosed = errors.New("scheduler closed")

type Key struct {
	Resource string
	Consumer string
}

func (k Key) String() string { return k.Resource + "@" + k.Consumer }

// FetchFunc refreshes the resource. It runs on its own goroutine; the token
// tells it whether its result is still wanted.
type FetchFunc func(ctx context.Context, tok *Subscription) error

type Spec struct {
	Key      Key
	Interval time.Duration
	// ShouldContinue is checked before every tick and after every successful fetch.
	ShouldContinue func() bool
	Fetch          FetchFunc
	// OnStop runs once when the subscription ends because ShouldContinue
	// returned false. It does not run on Cancel.
	OnStop func()
}

// Ticker is the timer source. It exists so tests can drive ticks by hand.
type Ticker interface {
	C() <-chan time.Time
	Stop()
}

type TickerFunc func(d time.Duration) Ticker

type timeTicker struct{ t *time.Ticker }

func (t timeTicker) C() <-chan time.Time { return t.t.C }
func (t timeTicker) Stop()               { t.t.Stop() }

func NewTimeTicker(d time.Duration) Ticker { return timeTicker{time.NewTicker(d)} }

const (
	stateLive int32 = iota
	stateCancelled
	stateFinished
)

// Subscription is the cancellation token handed out by Schedule.
type Subscription struct {
	spec  Spec
	state atomic.Int32
	done  chan struct{}
	once  sync.Once
}

// Live reports whether results fetched for this subscription should still be applied.
func (s *Subscription) Live() bool {
	return s != nil && s.state.Load() == stateLive
}

func (s *Subscription) Key() Key { return s.spec.Key }

// Done is closed when the subscription ends for any reason.
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) end(state int32) bool {
	if !s.state.CompareAndSwap(stateLive, state) {
		return false
	}
	s.once.Do(func() { close(s.done) })
	return true
}

type Config struct {
	Logger       *zap.Logger
	PromRegistry prometheus.Registerer
	NewTicker    TickerFunc
}

type Scheduler struct {
	mu      sync.Mutex
	subs    map[Key]*Subscription
	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	closed  bool
	logger  *zap.Logger
	ticker  TickerFunc
	metrics *metrics
}

func New(cfg Config) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		subs:   make(map[Key]*Subscription),
		ctx:    ctx,
		cancel: cancel,
		logger: logging.OrNop(cfg.Logger),
		ticker: cfg.NewTicker,
	}
	if s.ticker == nil {
		s.ticker = NewTimeTicker
	}
	if cfg.PromRegistry != nil {
		s.metrics = newMetrics(cfg.PromRegistry)
	}
	return s
}

// Schedule arms a repeating timer for spec.Key, cancelling any timer already
// registered under that key. Fetch is not invoked immediately; the first call
// happens on the first tick.
func (s *Scheduler) Schedule(spec Spec) (*Subscription, error) {
	if spec.Interval <= 0 {
		return nil, errors.New("poll interval must be positive")
	}
	if spec.Fetch == nil || spec.ShouldContinue == nil {
		return nil, errors.New("poll spec needs Fetch and ShouldContinue")
	}
	sub := &Subscription{spec: spec, done: make(chan struct{})}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	prev := s.subs[spec.Key]
	s.subs[spec.Key] = sub
	s.wg.Add(1)
	s.mu.Unlock()

	if prev != nil {
		prev.end(stateCancelled)
		s.logger.Debug("replaced poll subscription", zap.Stringer("key", spec.Key))
	}
	s.metrics.active(1)
	go s.run(sub)
	return sub, nil
}

// Cancel stops the timer for key. Fetches already in flight finish, but their
// token is no longer live.
func (s *Scheduler) Cancel(key Key) bool {
	s.mu.Lock()
	sub := s.subs[key]
	delete(s.subs, key)
	s.mu.Unlock()
	if sub == nil {
		return false
	}
	return sub.end(stateCancelled)
}

// CancelConsumer stops every timer owned by consumer, as when a view closes.
func (s *Scheduler) CancelConsumer(consumer string) int {
	s.mu.Lock()
	var subs []*Subscription
	for key, sub := range s.subs {
		if key.Consumer == consumer {
			subs = append(subs, sub)
			delete(s.subs, key)
		}
	}
	s.mu.Unlock()
	n := 0
	for _, sub := range subs {
		if sub.end(stateCancelled) {
			n++
		}
	}
	return n
}

func (s *Scheduler) Active(key Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub, ok := s.subs[key]
	return ok && sub.Live()
}

// Len is the number of live subscriptions.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close cancels everything and waits for timers and in-flight fetches to return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subs := s.subs
	s.subs = make(map[Key]*Subscription)
	s.mu.Unlock()

	for _, sub := range subs {
		sub.end(stateCancelled)
	}
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) run(sub *Subscription) {
	defer s.wg.Done()
	defer s.metrics.active(-1)

	t := s.ticker(sub.spec.Interval)
	defer t.Stop()

	for {
		select {
		case <-sub.done:
			return
		case <-s.ctx.Done():
			return
		case <-t.C():
			if !sub.Live() {
				return
			}
			if !sub.spec.ShouldContinue() {
				s.finish(sub)
				return
			}
			s.metrics.tick(sub.spec.Key.Resource)
			// Fire and forget: a slow fetch does not hold back the next tick.
			s.wg.Add(1)
			go s.invoke(sub)
		}
	}
}

func (s *Scheduler) invoke(sub *Subscription) {
	defer s.wg.Done()
	if err := sub.spec.Fetch(s.ctx, sub); err != nil {
		s.metrics.fetchError(sub.spec.Key.Resource)
		if s.ctx.Err() == nil {
			s.logger.Warn("poll fetch failed, retrying next tick",
				zap.Stringer("key", sub.spec.Key),
				zap.Error(err),
			)
		}
		return
	}
	if sub.Live() && !sub.spec.ShouldContinue() {
		s.finish(sub)
	}
}

// finish ends sub because its condition no longer holds.
func (s *Scheduler) finish(sub *Subscription) {
	s.mu.Lock()
	if s.subs[sub.spec.Key] == sub {
		delete(s.subs, sub.spec.Key)
	}
	s.mu.Unlock()
	if !sub.end(stateFinished) {
		return
	}
	s.logger.Debug("poll condition cleared, stopping", zap.Stringer("key", sub.spec.Key))
	if sub.spec.OnStop != nil {
		sub.spec.OnStop()
	}
}

package queue

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/streadway/amqp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/unclebandit/miasma-console/internal/model"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestQueue(t *testing.T) *InMemoryQueue {
	q := NewInMemoryQueue(Options{MaxRetries: 2, Backoff: time.Millisecond, Logger: zaptest.NewLogger(t)})
	t.Cleanup(q.Close)
	return q
}

func TestPublishWithoutSubscribers(t *testing.T) {
	q := newTestQueue(t)
	assert.Error(t, q.Publish(TopicCampaignRuns, 1))
}

func TestJobIsRetriedUntilSuccess(t *testing.T) {
	q := newTestQueue(t)
	var calls atomic.Int32
	done := make(chan any, 1)
	require.NoError(t, q.Subscribe(TopicCampaignRuns, func(ctx context.Context, payload any) error {
		if calls.Add(1) < 3 {
			return errors.New("database is locked")
		}
		done <- payload
		return nil
	}))

	require.NoError(t, q.Publish(TopicCampaignRuns, 7))
	select {
	case got := <-done:
		assert.Equal(t, 7, got)
	case <-time.After(2 * time.Second):
		t.Fatal("job never succeeded")
	}
	assert.Equal(t, int32(3), calls.Load())
}

func TestJobGivesUpAfterMaxRetries(t *testing.T) {
	q := newTestQueue(t)
	var calls atomic.Int32
	require.NoError(t, q.Subscribe(TopicSnapshots, func(ctx context.Context, payload any) error {
		calls.Add(1)
		return errors.New("always")
	}))
	require.NoError(t, q.Publish(TopicSnapshots, "x"))
	q.Close()
	assert.Equal(t, int32(3), calls.Load())
}

func TestCloseCancelsRunningJobs(t *testing.T) {
	q := NewInMemoryQueue(Options{Logger: zaptest.NewLogger(t)})
	started := make(chan struct{})
	require.NoError(t, q.Subscribe(TopicCampaignRuns, func(ctx context.Context, payload any) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	}))
	require.NoError(t, q.Publish(TopicCampaignRuns, 1))
	<-started
	q.Close()
	assert.ErrorIs(t, q.Publish(TopicCampaignRuns, 2), ErrClosed)
	assert.ErrorIs(t, q.Subscribe(TopicCampaignRuns, nil), ErrClosed)
}

type fakeAck struct {
	acks, nacks int
	requeued    []bool
}

func (f *fakeAck) Ack(tag uint64, multiple bool) error { f.acks++; return nil }
func (f *fakeAck) Nack(tag uint64, multiple, requeue bool) error {
	f.nacks++
	f.requeued = append(f.requeued, requeue)
	return nil
}
func (f *fakeAck) Reject(tag uint64, requeue bool) error { return nil }

func TestConsumerAcksAndRequeuesOnce(t *testing.T) {
	var got []int
	fail := false
	c := &ProgressConsumer{
		logger: zaptest.NewLogger(t),
		handler: func(ctx context.Context, ev model.ProgressEvent) error {
			if fail {
				return errors.New("unknown campaign")
			}
			got = append(got, ev.Campaign.ID)
			return nil
		},
	}
	ack := &fakeAck{}
	body := []byte(`{"campaign":{"id":3,"status":"running","target_count":5}}`)

	c.handle(context.Background(), amqp.Delivery{Acknowledger: ack, Body: body})
	assert.Equal(t, []int{3}, got)
	assert.Equal(t, 1, ack.acks)

	c.handle(context.Background(), amqp.Delivery{Acknowledger: ack, Body: []byte("not json")})
	assert.Equal(t, 2, ack.acks, "malformed events are dropped")

	fail = true
	c.handle(context.Background(), amqp.Delivery{Acknowledger: ack, Body: body})
	c.handle(context.Background(), amqp.Delivery{Acknowledger: ack, Body: body, Redelivered: true})
	assert.Equal(t, []bool{true, false}, ack.requeued)
}

package notify_test

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"serotonyl.ru/qvote/internal/notify"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func receive(t *testing.T, ch <-chan notify.Event) notify.Event {
	t.Helper()
	select {
	case evt, ok := <-ch:
		require.True(t, ok, "event channel closed unexpectedly")
		return evt
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
	return notify.Event{}
}

func TestBusSubscribePublish(t *testing.T) {
	bus := notify.NewBus(nil)
	defer bus.Stop()

	topic := notify.BalanceTopic("alice")
	_, ch1 := bus.Subscribe(topic)
	_, ch2 := bus.Subscribe(topic)
	_, other := bus.Subscribe(notify.BalanceTopic("bob"))

	bus.Publish(topic, notify.NewEvent(topic, notify.BalanceChanged{UserID: "alice", Balance: 64}))

	for _, ch := range []<-chan notify.Event{ch1, ch2} {
		evt := receive(t, ch)
		assert.Equal(t, topic, evt.Topic)
		assert.Equal(t, notify.BalanceChanged{UserID: "alice", Balance: 64}, evt.Data)
	}
	select {
	case evt := <-other:
		t.Fatalf("unexpected event on other topic: %+v", evt)
	default:
	}
}

func TestBusUnsubscribeClosesChannel(t *testing.T) {
	bus := notify.NewBus(nil)
	defer bus.Stop()

	topic := notify.VotesTopic("pothole-12")
	id, ch := bus.Subscribe(topic)
	bus.Unsubscribe(topic, id)

	_, ok := <-ch
	assert.False(t, ok)
	// second unsubscribe is a no-op
	bus.Unsubscribe(topic, id)
	bus.Publish(topic, notify.NewEvent(topic, 1))
}

func TestBusSubscribeFunc(t *testing.T) {
	bus := notify.NewBus(nil)
	defer bus.Stop()

	var wg sync.WaitGroup
	wg.Add(3)
	var mu sync.Mutex
	var got []int
	bus.SubscribeFunc(notify.TopicAllVotes, func(evt notify.Event) {
		mu.Lock()
		got = append(got, evt.Data.(int))
		mu.Unlock()
		wg.Done()
	})
	for i := 1; i <= 3; i++ {
		bus.Publish(notify.TopicAllVotes, notify.NewEvent(notify.TopicAllVotes, i))
	}
	wg.Wait()
	assert.Equal(t, []int{1, 2, 3}, got)
}

func TestBusPublishAsync(t *testing.T) {
	bus := notify.NewBus(nil)
	defer bus.Stop()

	topic := notify.VotesTopic("streetlight-3")
	_, ch := bus.Subscribe(topic)
	require.True(t, bus.PublishAsync(topic, notify.NewEvent(topic, "refresh")))
	assert.Equal(t, "refresh", receive(t, ch).Data)
}

func TestBusPublishAsyncAfterStop(t *testing.T) {
	bus := notify.NewBus(nil)
	bus.Stop()
	bus.Stop()
	assert.False(t, bus.PublishAsync(notify.TopicAllVotes, notify.NewEvent(notify.TopicAllVotes, 1)))
}

type failingSubscriber struct {
	mu     sync.Mutex
	closed bool
	calls  int
}

func (f *failingSubscriber) Deliver(notify.Event) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return errors.New("connection reset")
}

func (f *failingSubscriber) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
}

type panickingSubscriber struct{ failingSubscriber }

func (p *panickingSubscriber) Deliver(notify.Event) error {
	panic("boom")
}

func TestBusRemovesFailingSubscribers(t *testing.T) {
	reg := prometheus.NewRegistry()
	bus := notify.NewBus(reg)
	defer bus.Stop()

	topic := notify.BalanceTopic("carol")
	failing := &failingSubscriber{}
	panicking := &panickingSubscriber{}
	bus.RegisterSubscriber(topic, failing)
	bus.RegisterSubscriber(topic, panicking)

	bus.Publish(topic, notify.NewEvent(topic, 1))
	bus.Publish(topic, notify.NewEvent(topic, 2))

	assert.Equal(t, 1, failing.calls)
	assert.True(t, failing.closed)
	assert.True(t, panicking.closed)

	expected := `
# HELP qvote_notify_delivery_errors_total failed or dropped deliveries per topic class and kind
# TYPE qvote_notify_delivery_errors_total counter
qvote_notify_delivery_errors_total{kind="remote",topic="balance"} 2
`
	require.NoError(t, testutil.GatherAndCompare(
		reg, strings.NewReader(expected), "qvote_notify_delivery_errors_total",
	))
}

func TestBusSlowSubscriberDoesNotBlock(t *testing.T) {
	bus := notify.NewBus(nil)
	defer bus.Stop()

	topic := notify.BalanceTopic("dave")
	_, ch := bus.Subscribe(topic)
	done := make(chan struct{})
	go func() {
		for i := 0; i < notify.EventQueueSize*2; i++ {
			bus.Publish(topic, notify.NewEvent(topic, i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}
	assert.Equal(t, 0, receive(t, ch).Data)
}

func TestTopics(t *testing.T) {
	owner, ok := notify.BalanceOwner(notify.BalanceTopic("tg:42"))
	assert.True(t, ok)
	assert.Equal(t, "tg:42", owner)

	_, ok = notify.BalanceOwner(notify.VotesTopic("x"))
	assert.False(t, ok)

	assert.True(t, notify.ValidTopic(notify.TopicAllVotes))
	assert.True(t, notify.ValidTopic(notify.VotesTopic("x")))
	assert.False(t, notify.ValidTopic("votes:"))
	assert.False(t, notify.ValidTopic("balance:"))
	assert.False(t, notify.ValidTopic("admin"))
}

// Package notify fans ledger and aggregate changes out to subscribers.
// In-process consumers subscribe with a channel or a callback; network
// consumers (websocket clients) register their own Subscriber.
package notify

import (
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	log "github.com/sirupsen/logrus"
)

const (
	EventQueueSize      = 20
	AsyncQueueSize      = 1000
	AsyncWorkerPoolSize = 4
)

type Topic string

type SubscriberID int

type HandlerFunc func(Event)

type Event struct {
	Topic     Topic     `json:"topic"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

func NewEvent(topic Topic, data any) Event {
	return Event{
		Topic:     topic,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// Subscriber is a delivery target. Close must be idempotent.
type Subscriber interface {
	Deliver(Event) error
	Close()
}

// Publisher is the side of the bus used by the ledger and aggregation.
// Queued events go out on the worker pool, so two events of one topic may
// arrive out of order; subscribers order them by Timestamp.
type Publisher interface {
	PublishAsync(topic Topic, evt Event) bool
}

// Bus is an in-memory topic bus.
type Bus struct {
	subscribers map[Topic]map[SubscriberID]Subscriber
	metrics     *busMetrics
	lastSubID   SubscriberID
	mu          sync.RWMutex

	asyncQueue chan Event
	asyncWg    sync.WaitGroup
	stopCh     chan struct{}
	stopped    bool
	stopMu     sync.RWMutex
}

// NewBus creates a bus and starts its async workers. promRegistry may be nil.
func NewBus(promRegistry prometheus.Registerer) *Bus {
	b := &Bus{
		subscribers: make(map[Topic]map[SubscriberID]Subscriber),
		asyncQueue:  make(chan Event, AsyncQueueSize),
		stopCh:      make(chan struct{}),
	}
	if promRegistry != nil {
		b.metrics = newBusMetrics(promRegistry)
	}
	for range AsyncWorkerPoolSize {
		b.asyncWg.Add(1)
		go b.asyncWorker()
	}
	return b
}

func (b *Bus) asyncWorker() {
	defer b.asyncWg.Done()
	for {
		select {
		case <-b.stopCh:
			return
		case evt := <-b.asyncQueue:
			b.Publish(evt.Topic, evt)
		}
	}
}

// channelSubscriber delivers into a buffered channel. A full buffer drops
// the event for that subscriber rather than stalling the publisher.
type channelSubscriber struct {
	ch     chan Event
	mu     sync.RWMutex
	closed bool
}

func newChannelSubscriber(buffer int) *channelSubscriber {
	return &channelSubscriber{ch: make(chan Event, buffer)}
}

func (c *channelSubscriber) Deliver(evt Event) error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return nil
	}
	select {
	case c.ch <- evt:
		return nil
	default:
		return ErrSlowSubscriber
	}
}

func (c *channelSubscriber) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	close(c.ch)
}

// ErrSlowSubscriber is returned when a channel subscriber's buffer is full.
var ErrSlowSubscriber = fmt.Errorf("notify: subscriber buffer full")

func (b *Bus) add(topic Topic, sub Subscriber, kind string) SubscriberID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lastSubID++
	id := b.lastSubID
	if _, ok := b.subscribers[topic]; !ok {
		b.subscribers[topic] = make(map[SubscriberID]Subscriber)
	}
	b.subscribers[topic][id] = sub
	if b.metrics != nil {
		b.metrics.subscribers.WithLabelValues(topicClass(topic), kind).Inc()
	}
	return id
}

// Subscribe returns a channel receiving the events of one topic.
func (b *Bus) Subscribe(topic Topic) (SubscriberID, <-chan Event) {
	sub := newChannelSubscriber(EventQueueSize)
	return b.add(topic, sub, "in-memory"), sub.ch
}

// SubscribeFunc calls fn for every event of the topic on its own goroutine.
// The goroutine exits on Unsubscribe or Stop.
func (b *Bus) SubscribeFunc(topic Topic, fn HandlerFunc) SubscriberID {
	id, ch := b.Subscribe(topic)
	go func() {
		for evt := range ch {
			fn(evt)
		}
	}()
	return id
}

// RegisterSubscriber adds a network-backed subscriber.
func (b *Bus) RegisterSubscriber(topic Topic, sub Subscriber) SubscriberID {
	return b.add(topic, sub, "remote")
}

// Unsubscribe removes and closes a subscriber. Unknown ids are ignored.
func (b *Bus) Unsubscribe(topic Topic, id SubscriberID) {
	b.mu.Lock()
	var toClose Subscriber
	if subs, ok := b.subscribers[topic]; ok {
		if sub, ok := subs[id]; ok {
			toClose = sub
			delete(subs, id)
			if len(subs) == 0 {
				delete(b.subscribers, topic)
			}
			if b.metrics != nil {
				b.metrics.subscribers.WithLabelValues(topicClass(topic), subscriberKind(sub)).Dec()
			}
		}
	}
	b.mu.Unlock()

	if toClose != nil {
		toClose.Close()
	}
}

// Publish delivers evt to every subscriber of topic. A subscriber whose
// Deliver fails or panics is unregistered.
func (b *Bus) Publish(topic Topic, evt Event) {
	type item struct {
		id  SubscriberID
		sub Subscriber
	}
	b.mu.RLock()
	subs := b.subscribers[topic]
	list := make([]item, 0, len(subs))
	for id, sub := range subs {
		list = append(list, item{id: id, sub: sub})
	}
	b.mu.RUnlock()

	for _, it := range list {
		var deliverErr error
		func() {
			defer func() {
				if r := recover(); r != nil {
					deliverErr = fmt.Errorf("subscriber deliver panic: %v", r)
				}
			}()
			deliverErr = it.sub.Deliver(evt)
		}()
		if deliverErr == nil {
			continue
		}
		if b.metrics != nil {
			b.metrics.deliveryErrors.WithLabelValues(topicClass(topic), subscriberKind(it.sub)).Inc()
		}
		if deliverErr == ErrSlowSubscriber {
			log.WithField("topic", topic).Debug("Dropped event for slow subscriber")
			continue
		}
		b.Unsubscribe(topic, it.id)
		log.WithFields(log.Fields{
			"topic": topic,
			"error": deliverErr,
		}).Debug("Event delivery failed, subscriber removed")
	}
	if b.metrics != nil {
		b.metrics.eventsTotal.WithLabelValues(topicClass(topic)).Inc()
	}
}

// PublishAsync queues evt and returns immediately. Returns false when the
// bus is stopped or the queue is full.
func (b *Bus) PublishAsync(topic Topic, evt Event) bool {
	b.stopMu.RLock()
	defer b.stopMu.RUnlock()
	if b.stopped {
		return false
	}
	evt.Topic = topic
	select {
	case b.asyncQueue <- evt:
		return true
	default:
		log.WithField("topic", topic).Warn("Async event queue full, dropping event")
		if b.metrics != nil {
			b.metrics.deliveryErrors.WithLabelValues(topicClass(topic), "async-dropped").Inc()
		}
		return false
	}
}

// Stop halts the async workers and closes every subscriber. The bus must not
// be used afterwards.
func (b *Bus) Stop() {
	b.stopMu.Lock()
	if b.stopped {
		b.stopMu.Unlock()
		return
	}
	b.stopped = true
	close(b.stopCh)
	b.stopMu.Unlock()
	b.asyncWg.Wait()

	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[Topic]map[SubscriberID]Subscriber)
	b.mu.Unlock()

	for _, topicSubs := range subs {
		for _, sub := range topicSubs {
			sub.Close()
		}
	}
	if b.metrics != nil {
		b.metrics.subscribers.Reset()
	}
}

func subscriberKind(sub Subscriber) string {
	if _, ok := sub.(*channelSubscriber); ok {
		return "in-memory"
	}
	return "remote"
}

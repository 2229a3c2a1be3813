package realtime

import (
	"context"
	"errors"
	"log/slog"
	"sync"
)

// ErrClosed is returned when publishing or subscribing on a closed broker.
var ErrClosed = errors.New("broker closed")

type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
}

// Subscription delivers raw payloads for one topic until Close is called.
// C is closed once the subscription has fully stopped. Resync fires when
// payloads may have been lost, after which the consumer should reload what
// it holds from the database. Repeated signals coalesce.
type Subscription interface {
	C() <-chan []byte
	Resync() <-chan struct{}
	Close() error
}

type Subscriber interface {
	// Subscribe returns once the subscription is active; payloads published
	// after it returns are delivered.
	Subscribe(ctx context.Context, topic string) (Subscription, error)
}

type Broker interface {
	Publisher
	Subscriber
	Resyncer
}

// Resyncer signals every open subscription that payloads may have been lost,
// for example while the database listener was reconnecting.
type Resyncer interface {
	Resync(ctx context.Context) error
}

const localBufferSize = 256

// LocalBroker fans payloads out to in-process subscribers. It serves a single
// API instance; RedisBroker is used when several instances share a database.
type LocalBroker struct {
	mu     sync.RWMutex
	topics map[string]map[*localSubscription]struct{}
	closed bool
	logger *slog.Logger
}

func NewLocalBroker(logger *slog.Logger) *LocalBroker {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalBroker{
		topics: make(map[string]map[*localSubscription]struct{}),
		logger: logger,
	}
}

func (b *LocalBroker) Publish(_ context.Context, topic string, payload []byte) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	for sub := range b.topics[topic] {
		data := append([]byte(nil), payload...)
		select {
		case sub.ch <- data:
		default:
			b.logger.Warn("dropping realtime payload for slow subscriber", slog.String("topic", topic))
			sub.signalResync()
		}
	}
	return nil
}

func (b *LocalBroker) Resync(context.Context) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	for _, subs := range b.topics {
		for sub := range subs {
			sub.signalResync()
		}
	}
	return nil
}

func (b *LocalBroker) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub := &localSubscription{
		broker: b,
		topic:  topic,
		ch:     make(chan []byte, localBufferSize),
		resync: make(chan struct{}, 1),
	}
	if b.topics[topic] == nil {
		b.topics[topic] = make(map[*localSubscription]struct{})
	}
	b.topics[topic][sub] = struct{}{}
	return sub, nil
}

// Subscribers returns the number of active subscriptions on topic.
func (b *LocalBroker) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

// Close ends every subscription. Later publishes fail with ErrClosed.
func (b *LocalBroker) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for topic, subs := range b.topics {
		for sub := range subs {
			sub.closeLocked()
		}
		delete(b.topics, topic)
	}
	return nil
}

type localSubscription struct {
	broker *LocalBroker
	topic  string
	ch     chan []byte
	resync chan struct{}
	once   sync.Once
}

func (s *localSubscription) C() <-chan []byte {
	return s.ch
}

func (s *localSubscription) Resync() <-chan struct{} {
	return s.resync
}

func (s *localSubscription) signalResync() {
	select {
	case s.resync <- struct{}{}:
	default:
	}
}

func (s *localSubscription) Close() error {
	s.broker.mu.Lock()
	defer s.broker.mu.Unlock()

	if subs, ok := s.broker.topics[s.topic]; ok {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.broker.topics, s.topic)
		}
	}
	s.closeLocked()
	return nil
}

// closeLocked requires the broker lock.
func (s *localSubscription) closeLocked() {
	s.once.Do(func() { close(s.ch) })
}

package realtime

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"
)

const (
	redisBufferSize = 256
	resyncTopic     = "resync"
)

// RedisBroker carries topics over Redis pub/sub so every API instance sees
// inserts regardless of which one holds the Postgres listener.
type RedisBroker struct {
	client *redis.Client
	prefix string
	logger *slog.Logger
}

func NewRedisBroker(client *redis.Client, prefix string, logger *slog.Logger) *RedisBroker {
	if prefix == "" {
		prefix = "herfa:chat:"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RedisBroker{client: client, prefix: prefix, logger: logger}
}

func (b *RedisBroker) channel(topic string) string {
	return b.prefix + topic
}

func (b *RedisBroker) Publish(ctx context.Context, topic string, payload []byte) error {
	if err := b.client.Publish(ctx, b.channel(topic), payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", topic, err)
	}
	return nil
}

// Resync reaches the subscriptions of every instance sharing the Redis
// server.
func (b *RedisBroker) Resync(ctx context.Context) error {
	if err := b.client.Publish(ctx, b.channel(resyncTopic), "1").Err(); err != nil {
		return fmt.Errorf("publish resync: %w", err)
	}
	return nil
}

// Subscribe joins the topic channel and the shared resync channel. It
// returns once Redis has confirmed both.
func (b *RedisBroker) Subscribe(ctx context.Context, topic string) (Subscription, error) {
	channels := []string{b.channel(topic), b.channel(resyncTopic)}
	pubsub := b.client.Subscribe(ctx, channels...)

	sub := &redisSubscription{
		pubsub:        pubsub,
		resyncChannel: b.channel(resyncTopic),
		ch:            make(chan []byte, redisBufferSize),
		resync:        make(chan struct{}, 1),
		done:          make(chan struct{}),
		logger:        b.logger.With(slog.String("topic", topic)),
	}
	for confirmed := 0; confirmed < len(channels); {
		msg, err := pubsub.Receive(ctx)
		if err != nil {
			_ = pubsub.Close()
			return nil, fmt.Errorf("subscribe %s: %w", topic, err)
		}
		switch m := msg.(type) {
		case *redis.Subscription:
			confirmed++
		case *redis.Message:
			sub.deliverEarly(m)
		}
	}

	sub.wg.Add(1)
	go sub.run()
	return sub, nil
}

type redisSubscription struct {
	pubsub        *redis.PubSub
	resyncChannel string
	ch            chan []byte
	resync        chan struct{}
	done          chan struct{}
	once          sync.Once
	wg            sync.WaitGroup
	logger        *slog.Logger
}

// deliverEarly handles a message that arrived between two subscribe
// confirmations. The channel buffer is empty at that point.
func (s *redisSubscription) deliverEarly(msg *redis.Message) {
	if msg.Channel == s.resyncChannel {
		s.signalResync()
		return
	}
	select {
	case s.ch <- []byte(msg.Payload):
	default:
		s.signalResync()
	}
}

func (s *redisSubscription) run() {
	defer s.wg.Done()
	defer close(s.ch)

	// go-redis resubscribes after a dropped connection and reports it as a
	// new subscription; anything published meanwhile is gone.
	msgs := s.pubsub.ChannelWithSubscriptions()
	for {
		select {
		case <-s.done:
			return
		case raw, ok := <-msgs:
			if !ok {
				return
			}
			switch msg := raw.(type) {
			case *redis.Subscription:
				if msg.Kind == "subscribe" {
					s.logger.Info("redis subscription restored")
					s.signalResync()
				}
			case *redis.Message:
				if msg.Channel == s.resyncChannel {
					s.signalResync()
					continue
				}
				select {
				case s.ch <- []byte(msg.Payload):
				case <-s.done:
					return
				}
			}
		}
	}
}

func (s *redisSubscription) signalResync() {
	select {
	case s.resync <- struct{}{}:
	default:
	}
}

func (s *redisSubscription) C() <-chan []byte {
	return s.ch
}

func (s *redisSubscription) Resync() <-chan struct{} {
	return s.resync
}

func (s *redisSubscription) Close() error {
	var err error
	s.once.Do(func() {
		close(s.done)
		err = s.pubsub.Close()
		s.wg.Wait()
	})
	if err != nil {
		s.logger.Warn("close redis subscription", slog.Any("err", err))
	}
	return err
}

package chat

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"herfa/api/internal/realtime"
	"herfa/api/internal/store"
)

// MessageSource turns realtime events into enriched messages: events that
// carry the record are enriched directly, id-only events are looked up.
type MessageSource interface {
	Enrich(ctx context.Context, rows []store.Message) []Message
	Lookup(ctx context.Context, jobID, id string) (Message, error)
}

// Feed turns a job topic into enriched Message callbacks.
type Feed struct {
	subscriber realtime.Subscriber
	source     MessageSource
	logger     *slog.Logger
}

func NewFeed(subscriber realtime.Subscriber, source MessageSource, logger *slog.Logger) *Feed {
	if logger == nil {
		logger = slog.Default()
	}
	return &Feed{subscriber: subscriber, source: source, logger: logger}
}

// Subscribe starts delivering new messages of jobID to onInsert. It returns
// once the broker has confirmed the subscription. Callbacks run one at a time
// in arrival order on a goroutine owned by the subscription.
//
// onResync, when set, is called on the same goroutine whenever the broker
// reports that events may have been lost. Its context ends on unsubscribe.
//
// The returned unsubscribe is idempotent and waits for an in-flight callback
// to finish; no callback runs after it returns. It must not be called from
// inside a callback.
func (f *Feed) Subscribe(ctx context.Context, jobID string, onInsert func(Message), onResync func(context.Context)) (func(), error) {
	sub, err := f.subscriber.Subscribe(ctx, realtime.JobTopic(jobID))
	if err != nil {
		return nil, fmt.Errorf("subscribe to job %s: %w", jobID, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	var stopped atomic.Bool
	logger := f.logger.With(slog.String("job_id", jobID))

	go func() {
		defer close(done)
		for {
			select {
			case <-runCtx.Done():
				return
			case payload, ok := <-sub.C():
				if !ok {
					return
				}
				msg, ok, err := f.decode(runCtx, jobID, payload, logger)
				if stopped.Load() {
					continue
				}
				if err != nil {
					// The row exists but could not be read; reload instead.
					logger.Warn("fetch notified message", slog.Any("err", err))
					if onResync != nil {
						onResync(runCtx)
					}
					continue
				}
				if ok {
					onInsert(msg)
				}
			case <-sub.Resync():
				if onResync == nil || stopped.Load() {
					continue
				}
				logger.Info("chat feed resync")
				onResync(runCtx)
			}
		}
	}()

	var once sync.Once
	unsubscribe := func() {
		once.Do(func() {
			stopped.Store(true)
			cancel()
			if err := sub.Close(); err != nil {
				logger.Warn("close subscription", slog.Any("err", err))
			}
			<-done
		})
	}
	return unsubscribe, nil
}

// decode returns ok=false for events that do not belong to this thread and an
// error when an id-only event could not be resolved.
func (f *Feed) decode(ctx context.Context, jobID string, payload []byte, logger *slog.Logger) (Message, bool, error) {
	var event realtime.Event
	if err := json.Unmarshal(payload, &event); err != nil {
		logger.Warn("ignoring malformed realtime event", slog.Any("err", err))
		return Message{}, false, nil
	}
	if !event.IsMessageInsert() {
		return Message{}, false, nil
	}
	if len(event.Record) == 0 {
		if event.JobID != jobID {
			return Message{}, false, nil
		}
		msg, err := f.source.Lookup(ctx, jobID, event.ID)
		if err != nil {
			return Message{}, false, err
		}
		return msg, true, nil
	}

	var rec record
	if err := json.Unmarshal(event.Record, &rec); err != nil {
		logger.Warn("ignoring malformed message record", slog.Any("err", err))
		return Message{}, false, nil
	}
	if rec.ID == "" || rec.JobID != jobID {
		return Message{}, false, nil
	}
	return f.source.Enrich(ctx, []store.Message{rec.row()})[0], true, nil
}

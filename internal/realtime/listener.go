package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/sethvargo/go-retry"
)

// notificationConn is the part of *pgx.Conn the listener uses once LISTEN
// has been issued.
type notificationConn interface {
	WaitForNotification(ctx context.Context) (*pgconn.Notification, error)
	Close(ctx context.Context) error
}

// Listener holds a dedicated Postgres connection on LISTEN and republishes
// every notification on the job topic it names.
type Listener struct {
	databaseURL string
	channel     string
	publisher   Publisher
	logger      *slog.Logger

	// backoff between reconnect attempts, capped at maxBackoff. Each new
	// connection cycle starts again from backoff.
	backoff    time.Duration
	maxBackoff time.Duration
	newBackoff func() retry.Backoff
	dial       func(ctx context.Context) (notificationConn, error)
}

func NewListener(databaseURL string, publisher Publisher, logger *slog.Logger) *Listener {
	if logger == nil {
		logger = slog.Default()
	}
	l := &Listener{
		databaseURL: databaseURL,
		channel:     NotifyChannel,
		publisher:   publisher,
		logger:      logger,
		backoff:     500 * time.Millisecond,
		maxBackoff:  30 * time.Second,
	}
	l.newBackoff = func() retry.Backoff {
		return retry.WithCappedDuration(l.maxBackoff, retry.NewExponential(l.backoff))
	}
	l.dial = l.dialPostgres
	return l
}

// Run listens until ctx is cancelled. A lost connection is re-established
// with exponential backoff; once it is back, open subscriptions are told to
// resync because notifications sent in between were not received.
func (l *Listener) Run(ctx context.Context) error {
	for connected := false; ; connected = true {
		conn, err := l.connect(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}
		if connected {
			l.resync(ctx)
		}

		err = l.receive(ctx, conn)
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = conn.Close(closeCtx)
		cancel()
		if ctx.Err() != nil {
			return nil
		}
		l.logger.Warn("chat listener disconnected", slog.Any("err", err))
	}
}

func (l *Listener) connect(ctx context.Context) (notificationConn, error) {
	var conn notificationConn
	err := retry.Do(ctx, l.newBackoff(), func(ctx context.Context) error {
		c, err := l.dial(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return err
			}
			l.logger.Warn("chat listener connect failed", slog.Any("err", err))
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("chat listener connected", slog.String("channel", l.channel))
	return conn, nil
}

func (l *Listener) dialPostgres(ctx context.Context) (notificationConn, error) {
	conn, err := pgx.Connect(ctx, l.databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect listener: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{l.channel}.Sanitize()); err != nil {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = conn.Close(closeCtx)
		return nil, fmt.Errorf("listen %s: %w", l.channel, err)
	}
	return conn, nil
}

func (l *Listener) receive(ctx context.Context, conn notificationConn) error {
	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return fmt.Errorf("wait for notification: %w", err)
		}
		l.dispatch(ctx, []byte(notification.Payload))
	}
}

func (l *Listener) resync(ctx context.Context) {
	r, ok := l.publisher.(Resyncer)
	if !ok {
		return
	}
	if err := r.Resync(ctx); err != nil {
		l.logger.Error("signal resync after reconnect", slog.Any("err", err))
	}
}

func (l *Listener) dispatch(ctx context.Context, payload []byte) {
	var event Event
	if err := json.Unmarshal(payload, &event); err != nil {
		l.logger.Warn("ignoring malformed notification", slog.Any("err", err))
		return
	}
	if event.JobID == "" || !event.IsMessageInsert() {
		return
	}
	if err := l.publisher.Publish(ctx, JobTopic(event.JobID), payload); err != nil {
		l.logger.Error("republish notification", slog.String("job_id", event.JobID), slog.Any("err", err))
	}
}

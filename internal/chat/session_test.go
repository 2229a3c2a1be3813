package chat

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"herfa/api/internal/realtime"
	"herfa/api/internal/store"
)

type sessionHarness struct {
	store   *fakeStore
	broker  *realtime.LocalBroker
	msgs    *Messages
	session *Session
	events  chan Event
}

// newSessionHarness wires a session for principal on job-1. When direct is
// true, sent messages are published back through the broker.
func newSessionHarness(t *testing.T, fs *fakeStore, principal string, direct bool) *sessionHarness {
	t.Helper()
	broker := realtime.NewLocalBroker(nil)
	msgs := NewMessages(fs, nil)
	if direct {
		msgs.WithPublisher(broker)
	}
	h := &sessionHarness{store: fs, broker: broker, msgs: msgs, events: make(chan Event, 64)}
	h.session = NewSession(SessionConfig{
		JobID:    "job-1",
		Identity: StaticIdentity(principal),
		Access:   NewResolver(fs, nil),
		Messages: msgs,
		Feed:     NewFeed(broker, msgs, nil),
		Location: time.UTC,
		Observer: func(e Event) { h.events <- e },
	})
	t.Cleanup(func() {
		h.session.Close()
		_ = broker.Close()
	})
	return h
}

func (h *sessionHarness) waitMessage(t *testing.T) Message {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case e := <-h.events:
			if e.Type == EventMessage {
				return *e.Message
			}
		case <-deadline:
			t.Fatal("timed out waiting for message event")
		}
	}
}

func (h *sessionHarness) publishRow(t *testing.T, row store.Message) {
	t.Helper()
	rec, _ := json.Marshal(recordOf(row))
	payload, _ := json.Marshal(realtime.Event{Type: realtime.EventInsert, Table: realtime.MessagesTable, JobID: row.JobID, Record: rec})
	if err := h.broker.Publish(context.Background(), realtime.JobTopic(row.JobID), payload); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}
}

func ids(msgs []Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func TestSessionWithoutPrincipalRedirectsToLogin(t *testing.T) {
	h := newSessionHarness(t, seedThread(), "", false)

	out := h.session.Open(context.Background())
	if out.State != StateUnauthenticated || out.Redirect != RedirectLogin || out.Notice == nil {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if h.store.listCalls != 0 || h.broker.Subscribers(realtime.JobTopic("job-1")) != 0 {
		t.Fatal("unauthenticated session must not load or subscribe")
	}
}

func TestSessionDeniedLoadsNothing(t *testing.T) {
	for _, principal := range []string{"pending", "rejected", "outsider"} {
		t.Run(principal, func(t *testing.T) {
			h := newSessionHarness(t, seedThread(), principal, false)

			out := h.session.Open(context.Background())
			if out.State != StateDenied || out.Redirect != RedirectDashboard {
				t.Fatalf("unexpected outcome %+v", out)
			}
			if out.Notice == nil || out.Notice.Code != "forbidden" {
				t.Fatalf("expected forbidden notice, got %+v", out.Notice)
			}
			if h.store.listCalls != 0 {
				t.Fatalf("expected no history query, got %d", h.store.listCalls)
			}
			if n := h.broker.Subscribers(realtime.JobTopic("job-1")); n != 0 {
				t.Fatalf("expected no subscription, got %d", n)
			}
			if view := h.session.Snapshot(); len(view.Messages) != 0 || view.Counterparty != nil {
				t.Fatalf("denied view leaked data: %+v", view)
			}
		})
	}
}

func TestSessionMissingJobIsDenied(t *testing.T) {
	fs := seedThread()
	delete(fs.jobs, "job-1")
	h := newSessionHarness(t, fs, "owner", false)

	if out := h.session.Open(context.Background()); out.State != StateDenied {
		t.Fatalf("expected denied, got %+v", out)
	}
}

func TestSessionCounterpartyFailureRoutesToDashboard(t *testing.T) {
	fs := seedThread()
	fs.apps = fs.apps[1:]
	h := newSessionHarness(t, fs, "owner", false)

	out := h.session.Open(context.Background())
	if out.State != StateError || out.Redirect != RedirectDashboard || out.Notice == nil || out.Notice.Code != "chat_unavailable" {
		t.Fatalf("unexpected outcome %+v", out)
	}
	if h.broker.Subscribers(realtime.JobTopic("job-1")) != 0 {
		t.Fatal("failed session must not hold a subscription")
	}
}

func TestSessionOpensReady(t *testing.T) {
	fs := seedThread()
	fs.add(store.Message{ID: "m2", JobID: "job-1", SenderID: "pro", ReceiverID: "owner", Text: "tomorrow?", CreatedAt: baseTime.Add(25 * time.Hour)})
	fs.add(store.Message{ID: "m1", JobID: "job-1", SenderID: "owner", ReceiverID: "pro", Text: "when?", CreatedAt: baseTime})
	h := newSessionHarness(t, fs, "owner", false)

	out := h.session.Open(context.Background())
	if out.State != StateReady || out.Redirect != "" || out.Notice != nil {
		t.Fatalf("unexpected outcome %+v", out)
	}

	view := h.session.Snapshot()
	if view.Counterparty == nil || view.Counterparty.ID != "pro" || view.Counterparty.JobTitle != "Fix the sink" {
		t.Fatalf("unexpected counterparty %+v", view.Counterparty)
	}
	if got := ids(view.Messages); len(got) != 2 || got[0] != "m1" || got[1] != "m2" {
		t.Fatalf("unexpected messages %v", got)
	}
	if len(view.Groups) != 2 || view.Groups[0].Date != "1 March 2025" {
		t.Fatalf("unexpected groups %+v", view.Groups)
	}
	if view.Loading || view.Sending {
		t.Fatalf("unexpected flags %+v", view)
	}
	if h.broker.Subscribers(realtime.JobTopic("job-1")) != 1 {
		t.Fatal("expected an active subscription")
	}
}

func TestSessionSentMessageAppearsThroughFeed(t *testing.T) {
	h := newSessionHarness(t, seedThread(), "pro", false)
	ctx := context.Background()
	if out := h.session.Open(ctx); out.State != StateReady {
		t.Fatalf("Open() = %+v", out)
	}

	if err := h.session.Send(ctx, "hello"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if n := len(h.session.Snapshot().Messages); n != 0 {
		t.Fatalf("sent message must wait for the feed, got %d messages", n)
	}

	stored := h.store.messages[0]
	h.publishRow(t, stored)

	msg := h.waitMessage(t)
	if msg.Text != "hello" || msg.SenderID != "pro" || msg.ReceiverID != "owner" {
		t.Fatalf("unexpected live message %+v", msg)
	}
	if view := h.session.Snapshot(); len(view.Messages) != 1 || view.Messages[0].ID != stored.ID {
		t.Fatalf("expected message in view, got %+v", view.Messages)
	}
}

func TestSessionDirectFeedRoundTrip(t *testing.T) {
	h := newSessionHarness(t, seedThread(), "owner", true)
	ctx := context.Background()
	h.session.Open(ctx)

	if err := h.session.Send(ctx, "see you at 9"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if msg := h.waitMessage(t); msg.Text != "see you at 9" || msg.SenderID != "owner" {
		t.Fatalf("unexpected live message %+v", msg)
	}
}

func TestSessionSendFailureKeepsReady(t *testing.T) {
	h := newSessionHarness(t, seedThread(), "owner", false)
	ctx := context.Background()
	h.session.Open(ctx)

	err := h.session.Send(ctx, "   ")
	if !errors.Is(err, ErrInvalidMessage) {
		t.Fatalf("Send() error = %v, want ErrInvalidMessage", err)
	}
	view := h.session.Snapshot()
	if view.State != StateReady || view.Sending {
		t.Fatalf("expected ready and not sending, got %+v", view)
	}
	if view.Notice == nil || view.Notice.Code != "invalid_message" {
		t.Fatalf("expected invalid_message notice, got %+v", view.Notice)
	}
}

func TestSessionSendBeforeOpen(t *testing.T) {
	h := newSessionHarness(t, seedThread(), "owner", false)
	if err := h.session.Send(context.Background(), "hi"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Send() error = %v, want ErrNotReady", err)
	}
}

func TestSessionOrdersAndDedupesLiveMessages(t *testing.T) {
	fs := seedThread()
	fs.add(store.Message{ID: "m1", JobID: "job-1", SenderID: "owner", ReceiverID: "pro", Text: "first", CreatedAt: baseTime})
	h := newSessionHarness(t, fs, "owner", false)
	h.session.Open(context.Background())

	newer := store.Message{ID: "m3", JobID: "job-1", SenderID: "pro", ReceiverID: "owner", Text: "third", CreatedAt: baseTime.Add(2 * time.Minute)}
	older := store.Message{ID: "m2", JobID: "job-1", SenderID: "owner", ReceiverID: "pro", Text: "second", CreatedAt: baseTime.Add(time.Minute)}
	h.publishRow(t, newer)
	h.publishRow(t, older)
	h.publishRow(t, newer)
	h.waitMessage(t)
	h.waitMessage(t)

	// A third distinct event marks the end of the duplicate.
	h.publishRow(t, store.Message{ID: "m4", JobID: "job-1", SenderID: "pro", ReceiverID: "owner", Text: "fourth", CreatedAt: baseTime.Add(3 * time.Minute)})
	if msg := h.waitMessage(t); msg.ID != "m4" {
		t.Fatalf("expected m4 after duplicate was dropped, got %s", msg.ID)
	}

	got := ids(h.session.Snapshot().Messages)
	want := []string{"m1", "m2", "m3", "m4"}
	if len(got) != len(want) {
		t.Fatalf("messages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("messages = %v, want %v", got, want)
		}
	}
}

func TestSessionCatchesUpAfterSubscribe(t *testing.T) {
	fs := seedThread()
	fs.add(store.Message{ID: "m1", JobID: "job-1", SenderID: "owner", ReceiverID: "pro", Text: "first", CreatedAt: baseTime})
	var once sync.Once
	fs.afterList = func(call int) {
		if call != 1 {
			return
		}
		// Stored after the history query ran, before the feed was live.
		once.Do(func() {
			fs.add(store.Message{ID: "m2", JobID: "job-1", SenderID: "pro", ReceiverID: "owner", Text: "missed", CreatedAt: baseTime.Add(time.Second)})
		})
	}
	h := newSessionHarness(t, fs, "owner", false)

	if out := h.session.Open(context.Background()); out.State != StateReady {
		t.Fatalf("Open() = %+v", out)
	}
	got := ids(h.session.Snapshot().Messages)
	if len(got) != 2 || got[0] != "m1" || got[1] != "m2" {
		t.Fatalf("expected catch-up to recover m2, got %v", got)
	}
	if fs.listCalls != 2 {
		t.Fatalf("expected history plus catch-up queries, got %d", fs.listCalls)
	}
}

func TestSessionHistoryFailureIsDegradedReady(t *testing.T) {
	fs := seedThread()
	fs.listErr = errBoom
	h := newSessionHarness(t, fs, "pro", false)

	out := h.session.Open(context.Background())
	if out.State != StateReady || out.Redirect != "" {
		t.Fatalf("expected degraded ready, got %+v", out)
	}
	if out.Notice == nil || out.Notice.Code != "history_failed" {
		t.Fatalf("expected history_failed notice, got %+v", out.Notice)
	}
	if h.broker.Subscribers(realtime.JobTopic("job-1")) != 1 {
		t.Fatal("degraded session still listens for new messages")
	}
}

func TestSessionCloseIsIdempotent(t *testing.T) {
	h := newSessionHarness(t, seedThread(), "owner", false)
	h.session.Open(context.Background())

	h.session.Close()
	h.session.Close()

	if n := h.broker.Subscribers(realtime.JobTopic("job-1")); n != 0 {
		t.Fatalf("expected subscription released, got %d", n)
	}
	if err := h.session.Send(context.Background(), "late"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("Send() after Close error = %v, want ErrNotReady", err)
	}
}

// earlyFeed delivers one message as soon as the subscription is live, before
// Subscribe returns to the session.
type earlyFeed struct {
	FeedSubscriber
	early Message
}

func (f earlyFeed) Subscribe(ctx context.Context, jobID string, onInsert func(Message), onResync func(context.Context)) (func(), error) {
	unsubscribe, err := f.FeedSubscriber.Subscribe(ctx, jobID, onInsert, onResync)
	if err == nil {
		onInsert(f.early)
	}
	return unsubscribe, err
}

func TestSessionCatchUpIgnoresLiveMessagesDeliveredFirst(t *testing.T) {
	fs := seedThread()
	fs.add(store.Message{ID: "m1", JobID: "job-1", SenderID: "owner", ReceiverID: "pro", Text: "first", CreatedAt: baseTime})
	m2 := store.Message{ID: "m2", JobID: "job-1", SenderID: "pro", ReceiverID: "owner", Text: "stored before the feed was live", CreatedAt: baseTime.Add(time.Second)}
	m3 := store.Message{ID: "m3", JobID: "job-1", SenderID: "owner", ReceiverID: "pro", Text: "delivered live", CreatedAt: baseTime.Add(2 * time.Second)}
	var once sync.Once
	fs.afterList = func(call int) {
		if call == 1 {
			once.Do(func() {
				fs.add(m2)
				fs.add(m3)
			})
		}
	}

	broker := realtime.NewLocalBroker(nil)
	defer broker.Close()
	msgs := NewMessages(fs, nil)
	session := NewSession(SessionConfig{
		JobID:    "job-1",
		Identity: StaticIdentity("owner"),
		Access:   NewResolver(fs, nil),
		Messages: msgs,
		Feed:     earlyFeed{FeedSubscriber: NewFeed(broker, msgs, nil), early: msgs.Enrich(context.Background(), []store.Message{m3})[0]},
		Location: time.UTC,
	})
	defer session.Close()

	if out := session.Open(context.Background()); out.State != StateReady {
		t.Fatalf("Open() = %+v", out)
	}
	got := ids(session.Snapshot().Messages)
	want := []string{"m1", "m2", "m3"}
	if len(got) != len(want) {
		t.Fatalf("messages = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("messages = %v, want %v", got, want)
		}
	}
}

func TestSessionResyncRecoversLostMessages(t *testing.T) {
	fs := seedThread()
	fs.add(store.Message{ID: "m1", JobID: "job-1", SenderID: "owner", ReceiverID: "pro", Text: "first", CreatedAt: baseTime})
	h := newSessionHarness(t, fs, "pro", false)
	if out := h.session.Open(context.Background()); out.State != StateReady {
		t.Fatalf("Open() = %+v", out)
	}

	// Stored while the feed was down: no event is ever published for it.
	fs.add(store.Message{ID: "m2", JobID: "job-1", SenderID: "owner", ReceiverID: "pro", Text: "while reconnecting", CreatedAt: baseTime.Add(time.Minute)})
	if err := h.broker.Resync(context.Background()); err != nil {
		t.Fatalf("Resync() error = %v", err)
	}

	if msg := h.waitMessage(t); msg.ID != "m2" {
		t.Fatalf("expected resync to deliver m2, got %s", msg.ID)
	}
	got := ids(h.session.Snapshot().Messages)
	if len(got) != 2 || got[0] != "m1" || got[1] != "m2" {
		t.Fatalf("messages = %v, want [m1 m2]", got)
	}
}

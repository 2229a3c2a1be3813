package chat

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"
)

type State string

const (
	StateInitializing    State = "initializing"
	StateUnauthenticated State = "unauthenticated"
	StateDenied          State = "denied"
	StateError           State = "error"
	StateReady           State = "ready"
)

const (
	RedirectLogin     = "/login"
	RedirectDashboard = "/dashboard"
)

type Notice struct {
	Code  string `json:"code"`
	Text  string `json:"text"`
	Level string `json:"level"`
}

var (
	noticeSignIn      = Notice{Code: "unauthenticated", Text: "Please sign in to open this conversation.", Level: "warning"}
	noticeDenied      = Notice{Code: "forbidden", Text: "You do not have access to this conversation.", Level: "warning"}
	noticeFailed      = Notice{Code: "chat_unavailable", Text: "Something went wrong while opening this conversation.", Level: "error"}
	noticeHistory     = Notice{Code: "history_failed", Text: "Error loading messages.", Level: "error"}
	noticeSendFailed  = Notice{Code: "send_failed", Text: "Error sending message.", Level: "error"}
	noticeInvalidText = Notice{Code: "invalid_message", Text: ErrInvalidMessage.Error(), Level: "warning"}
)

// Outcome is the result of opening a session. Redirect is set for every
// state except ready.
type Outcome struct {
	State    State   `json:"state"`
	Redirect string  `json:"redirect,omitempty"`
	Notice   *Notice `json:"notice,omitempty"`
}

// View is a point-in-time copy of the thread state.
type View struct {
	State        State         `json:"state"`
	JobID        string        `json:"job_id"`
	PrincipalID  string        `json:"principal_id,omitempty"`
	Counterparty *Counterparty `json:"counterparty,omitempty"`
	Messages     []Message     `json:"messages"`
	Groups       []DateGroup   `json:"groups"`
	Loading      bool          `json:"loading"`
	Sending      bool          `json:"sending"`
	Notice       *Notice       `json:"notice,omitempty"`
}

const (
	EventMessage = "message"
	EventState   = "state"
	EventNotice  = "notice"
)

// Event is pushed to the session observer. Message is set for EventMessage,
// Notice for EventNotice.
type Event struct {
	Type    string   `json:"type"`
	State   State    `json:"state"`
	Sending bool     `json:"sending"`
	Message *Message `json:"message,omitempty"`
	Notice  *Notice  `json:"notice,omitempty"`
}

type Authorizer interface {
	Authorize(ctx context.Context, jobID, principalID string) error
	ResolveCounterparty(ctx context.Context, jobID, principalID string) (Counterparty, error)
}

type MessageService interface {
	Send(ctx context.Context, principalID, jobID, receiverID, text string) (Message, error)
	LoadHistory(ctx context.Context, principalID, jobID string) ([]Message, error)
	LoadSince(ctx context.Context, principalID, jobID string, since time.Time) ([]Message, error)
}

type FeedSubscriber interface {
	Subscribe(ctx context.Context, jobID string, onInsert func(Message), onResync func(context.Context)) (func(), error)
}

const resyncTimeout = 10 * time.Second

type SessionConfig struct {
	JobID    string
	Identity Identity
	Access   Authorizer
	Messages MessageService
	Feed     FeedSubscriber

	// Location and DateLayout control the date buckets of View.Groups.
	Location   *time.Location
	DateLayout string

	// Observer receives events from Open, Send and the live feed. It may be
	// called from several goroutines and must not block for long.
	Observer func(Event)
	Logger   *slog.Logger
}

// Session is one principal's open view of a job thread. It owns the
// in-memory message list until Close.
type Session struct {
	cfg    SessionConfig
	logger *slog.Logger

	mu           sync.Mutex
	state        State
	principalID  string
	counterparty *Counterparty
	messages     []Message
	seen         map[string]struct{}
	// synced is the created_at up to which the list is known complete. Live
	// deliveries do not advance it; only history and resync queries do.
	synced       time.Time
	sending      bool
	notice       *Notice
	unsubscribe  func()
	closed       bool
}

func NewSession(cfg SessionConfig) *Session {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:    cfg,
		logger: logger.With(slog.String("job_id", cfg.JobID)),
		state:  StateInitializing,
		seen:   make(map[string]struct{}),
	}
}

// Open authenticates, checks access, resolves the counterparty, loads history
// and subscribes to the live feed. A session that does not reach ready holds
// no subscription and has loaded no messages.
func (s *Session) Open(ctx context.Context) Outcome {
	principalID, err := s.cfg.Identity.PrincipalID(ctx)
	if err != nil || principalID == "" {
		return s.fail(StateUnauthenticated, RedirectLogin, noticeSignIn)
	}
	s.mu.Lock()
	s.principalID = principalID
	s.mu.Unlock()

	if err := s.cfg.Access.Authorize(ctx, s.cfg.JobID, principalID); err != nil {
		switch {
		case errors.Is(err, ErrUnauthenticated):
			return s.fail(StateUnauthenticated, RedirectLogin, noticeSignIn)
		case errors.Is(err, ErrForbidden), errors.Is(err, ErrNotFound):
			return s.fail(StateDenied, RedirectDashboard, noticeDenied)
		default:
			s.logger.Error("chat access check failed", slog.Any("err", err))
			return s.fail(StateError, RedirectDashboard, noticeFailed)
		}
	}

	counterparty, err := s.cfg.Access.ResolveCounterparty(ctx, s.cfg.JobID, principalID)
	if err != nil {
		s.logger.Error("resolve counterparty", slog.Any("err", err))
		return s.fail(StateError, RedirectDashboard, noticeFailed)
	}
	s.mu.Lock()
	s.counterparty = &counterparty
	s.mu.Unlock()

	var notice *Notice
	history, err := s.cfg.Messages.LoadHistory(ctx, principalID, s.cfg.JobID)
	if err != nil {
		s.logger.Error("load chat history", slog.Any("err", err))
		n := noticeHistory
		notice = &n
	} else {
		s.merge(history)
		s.advance(history)
	}

	unsubscribe, err := s.cfg.Feed.Subscribe(ctx, s.cfg.JobID, s.receive, s.resync)
	if err != nil {
		s.logger.Error("subscribe to chat feed", slog.Any("err", err))
		return s.fail(StateError, RedirectDashboard, noticeFailed)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		unsubscribe()
		return s.fail(StateError, RedirectDashboard, noticeFailed)
	}
	s.unsubscribe = unsubscribe
	since := s.synced
	s.mu.Unlock()

	// Catch up on anything stored between the history query and the
	// subscription becoming active.
	missed, err := s.cfg.Messages.LoadSince(ctx, principalID, s.cfg.JobID, since)
	if err != nil {
		s.logger.Warn("catch up after subscribe", slog.Any("err", err))
		if notice == nil {
			n := noticeHistory
			notice = &n
		}
	} else {
		s.advance(missed)
		for _, msg := range s.merge(missed) {
			s.emit(Event{Type: EventMessage, Message: &msg})
		}
	}

	s.mu.Lock()
	s.state = StateReady
	s.notice = notice
	s.mu.Unlock()
	s.emit(Event{Type: EventState, State: StateReady})
	if notice != nil {
		s.emit(Event{Type: EventNotice, Notice: notice})
	}
	return Outcome{State: StateReady, Notice: notice}
}

func (s *Session) fail(state State, redirect string, notice Notice) Outcome {
	s.mu.Lock()
	s.state = state
	s.notice = &notice
	s.mu.Unlock()
	s.emit(Event{Type: EventState, State: state})
	return Outcome{State: state, Redirect: redirect, Notice: &notice}
}

// Send stores text addressed to the counterparty. The message shows up in the
// view only once the live feed delivers it.
func (s *Session) Send(ctx context.Context, text string) error {
	s.mu.Lock()
	if s.state != StateReady || s.closed {
		s.mu.Unlock()
		return ErrNotReady
	}
	if s.sending {
		s.mu.Unlock()
		return ErrSendInProgress
	}
	s.sending = true
	principalID := s.principalID
	receiverID := s.counterparty.ID
	s.mu.Unlock()
	s.emit(Event{Type: EventState, State: StateReady, Sending: true})

	_, err := s.cfg.Messages.Send(ctx, principalID, s.cfg.JobID, receiverID, text)

	s.mu.Lock()
	s.sending = false
	var notice *Notice
	if err != nil {
		n := noticeSendFailed
		if errors.Is(err, ErrInvalidMessage) {
			n = noticeInvalidText
		}
		notice = &n
		s.notice = notice
	}
	s.mu.Unlock()

	s.emit(Event{Type: EventState, State: StateReady})
	if err != nil {
		s.logger.Warn("send chat message", slog.Any("err", err))
		s.emit(Event{Type: EventNotice, Notice: notice})
	}
	return err
}

// receive is the feed callback.
func (s *Session) receive(msg Message) {
	added := s.merge([]Message{msg})
	for _, m := range added {
		s.emit(Event{Type: EventMessage, Message: &m})
	}
}

// resync reloads everything from the last complete point after the feed
// reported lost events. It runs on the feed goroutine.
func (s *Session) resync(ctx context.Context) {
	s.mu.Lock()
	if s.closed || s.principalID == "" {
		s.mu.Unlock()
		return
	}
	principalID, since := s.principalID, s.synced
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, resyncTimeout)
	defer cancel()
	missed, err := s.cfg.Messages.LoadSince(ctx, principalID, s.cfg.JobID, since)
	if err != nil {
		s.logger.Warn("resync chat thread", slog.Any("err", err))
		return
	}
	s.advance(missed)
	for _, msg := range s.merge(missed) {
		s.emit(Event{Type: EventMessage, Message: &msg})
	}
}

// advance moves the complete-up-to mark to the newest of msgs, which must
// come from a query covering everything after the current mark.
func (s *Session) advance(msgs []Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, msg := range msgs {
		if msg.CreatedAt.After(s.synced) {
			s.synced = msg.CreatedAt
		}
	}
}

// merge inserts msgs at their chronological position, skipping ids already
// held, and returns the messages that were new.
func (s *Session) merge(msgs []Message) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}

	added := make([]Message, 0, len(msgs))
	for _, msg := range msgs {
		if _, ok := s.seen[msg.ID]; ok {
			continue
		}
		s.seen[msg.ID] = struct{}{}
		i := sort.Search(len(s.messages), func(i int) bool { return before(msg, s.messages[i]) })
		s.messages = append(s.messages, Message{})
		copy(s.messages[i+1:], s.messages[i:])
		s.messages[i] = msg
		added = append(added, msg)
	}
	return added
}

func (s *Session) emit(evt Event) {
	if s.cfg.Observer == nil {
		return
	}
	if evt.State == "" {
		evt.State = s.State()
	}
	s.cfg.Observer(evt)
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Snapshot() View {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := make([]Message, len(s.messages))
	copy(msgs, s.messages)
	view := View{
		State:       s.state,
		JobID:       s.cfg.JobID,
		PrincipalID: s.principalID,
		Messages:    msgs,
		Groups:      GroupByDate(msgs, s.cfg.Location, s.cfg.DateLayout),
		Loading:     s.state == StateInitializing,
		Sending:     s.sending,
	}
	if s.counterparty != nil {
		cp := *s.counterparty
		view.Counterparty = &cp
	}
	if s.notice != nil {
		n := *s.notice
		view.Notice = &n
	}
	return view
}

// Close releases the live subscription and drops the message list. It is
// safe to call more than once and from any goroutine except the observer.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	unsubscribe := s.unsubscribe
	s.unsubscribe = nil
	s.messages = nil
	s.seen = make(map[string]struct{})
	s.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
}

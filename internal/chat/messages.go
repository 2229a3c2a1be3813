package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"herfa/api/internal/realtime"
	"herfa/api/internal/store"
)

// MessageStore persists and reads thread rows. Insert and list are guarded:
// only the job owner and the accepted applicant get through, anyone else
// receives store.ErrForbidden. GetMessage serves the live feed, whose
// subscribers were checked when they opened the thread.
type MessageStore interface {
	InsertMessage(ctx context.Context, item store.Message) (store.Message, error)
	ListMessages(ctx context.Context, jobID, requesterID string, since time.Time) ([]store.Message, error)
	GetMessage(ctx context.Context, jobID, id string) (store.Message, error)
	ListProfilesByIDs(ctx context.Context, ids []string) ([]store.Profile, error)
}

type Messages struct {
	store     MessageStore
	publisher realtime.Publisher
	logger    *slog.Logger
	newID     func() string
}

func NewMessages(st MessageStore, logger *slog.Logger) *Messages {
	if logger == nil {
		logger = slog.Default()
	}
	return &Messages{store: st, logger: logger, newID: uuid.NewString}
}

// WithPublisher makes Send publish each stored message on its job topic.
// Used when the database trigger is not the feed source.
func (m *Messages) WithPublisher(p realtime.Publisher) *Messages {
	m.publisher = p
	return m
}

// Send stores a message from principalID to receiverID on jobID's thread.
// The message is not appended to any local view; it comes back through the
// realtime feed.
func (m *Messages) Send(ctx context.Context, principalID, jobID, receiverID, text string) (Message, error) {
	if principalID == "" {
		return Message{}, ErrUnauthenticated
	}
	text = strings.TrimSpace(text)
	if text == "" || utf8.RuneCountInString(text) > MaxMessageLength {
		return Message{}, ErrInvalidMessage
	}

	row, err := m.store.InsertMessage(ctx, store.Message{
		ID:         m.newID(),
		JobID:      jobID,
		SenderID:   principalID,
		ReceiverID: receiverID,
		Text:       text,
	})
	if err != nil {
		if errors.Is(err, store.ErrForbidden) {
			return Message{}, ErrForbidden
		}
		return Message{}, fmt.Errorf("send message: %w", err)
	}

	if m.publisher != nil {
		m.publish(ctx, row)
	}
	return m.Enrich(ctx, []store.Message{row})[0], nil
}

func (m *Messages) publish(ctx context.Context, row store.Message) {
	rec, err := json.Marshal(recordOf(row))
	if err != nil {
		m.logger.Error("encode message event", slog.Any("err", err))
		return
	}
	payload, err := json.Marshal(realtime.Event{
		Type:   realtime.EventInsert,
		Table:  realtime.MessagesTable,
		JobID:  row.JobID,
		Record: rec,
	})
	if err != nil {
		m.logger.Error("encode message event", slog.Any("err", err))
		return
	}
	if err := m.publisher.Publish(ctx, realtime.JobTopic(row.JobID), payload); err != nil {
		m.logger.Error("publish message", slog.String("job_id", row.JobID), slog.Any("err", err))
	}
}

// LoadHistory returns the whole thread, oldest first.
func (m *Messages) LoadHistory(ctx context.Context, principalID, jobID string) ([]Message, error) {
	return m.LoadSince(ctx, principalID, jobID, time.Time{})
}

// LoadSince returns messages created at or after since, oldest first.
func (m *Messages) LoadSince(ctx context.Context, principalID, jobID string, since time.Time) ([]Message, error) {
	if principalID == "" {
		return nil, ErrUnauthenticated
	}

	rows, err := m.store.ListMessages(ctx, jobID, principalID, since)
	if err != nil {
		if errors.Is(err, store.ErrForbidden) {
			return nil, ErrForbidden
		}
		return nil, fmt.Errorf("load messages: %w", err)
	}

	items := m.Enrich(ctx, rows)
	sort.SliceStable(items, func(i, j int) bool { return before(items[i], items[j]) })
	return items, nil
}

// Lookup fetches one enriched message of jobID by id.
func (m *Messages) Lookup(ctx context.Context, jobID, id string) (Message, error) {
	row, err := m.store.GetMessage(ctx, jobID, id)
	if err != nil {
		return Message{}, fmt.Errorf("lookup message %s: %w", id, err)
	}
	return m.Enrich(ctx, []store.Message{row})[0], nil
}

// Enrich attaches sender display data using one profile lookup for the
// distinct senders of rows. Messages whose sender cannot be resolved keep a
// nil SenderProfile.
func (m *Messages) Enrich(ctx context.Context, rows []store.Message) []Message {
	items := make([]Message, len(rows))
	if len(rows) == 0 {
		return items
	}

	seen := make(map[string]struct{}, len(rows))
	ids := make([]string, 0, len(rows))
	for _, row := range rows {
		if _, ok := seen[row.SenderID]; ok {
			continue
		}
		seen[row.SenderID] = struct{}{}
		ids = append(ids, row.SenderID)
	}

	profiles := make(map[string]*SenderProfile, len(ids))
	found, err := m.store.ListProfilesByIDs(ctx, ids)
	if err != nil {
		m.logger.Warn("sender profile lookup failed", slog.Int("senders", len(ids)), slog.Any("err", err))
	}
	for _, p := range found {
		profiles[p.ID] = &SenderProfile{FullName: p.FullName, AvatarURL: p.AvatarURL}
	}

	for i, row := range rows {
		items[i] = Message{
			ID:            row.ID,
			JobID:         row.JobID,
			SenderID:      row.SenderID,
			ReceiverID:    row.ReceiverID,
			Text:          row.Text,
			CreatedAt:     row.CreatedAt,
			SenderProfile: profiles[row.SenderID],
		}
	}
	return items
}

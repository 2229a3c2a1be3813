package chat

import (
	"time"

	"herfa/api/internal/store"
)

// MaxMessageLength is the longest accepted message text, in characters.
const MaxMessageLength = 4000

type SenderProfile struct {
	FullName  string `json:"full_name"`
	AvatarURL string `json:"avatar_url"`
}

// Message is a stored chat message with its sender's display data. A nil
// SenderProfile means the profile could not be resolved.
type Message struct {
	ID            string         `json:"id"`
	JobID         string         `json:"job_id"`
	SenderID      string         `json:"sender_id"`
	ReceiverID    string         `json:"receiver_id"`
	Text          string         `json:"text"`
	CreatedAt     time.Time      `json:"created_at"`
	SenderProfile *SenderProfile `json:"sender_profile"`
}

// Counterparty is the other participant of a thread plus the job it is about.
type Counterparty struct {
	ID        string `json:"counterparty_id"`
	Name      string `json:"counterparty_name"`
	AvatarURL string `json:"counterparty_avatar"`
	JobID     string `json:"job_id"`
	JobTitle  string `json:"job_title"`
}

// record mirrors row_to_json(messages) as carried in realtime events.
type record struct {
	ID         string    `json:"id"`
	JobID      string    `json:"job_id"`
	SenderID   string    `json:"sender_id"`
	ReceiverID string    `json:"receiver_id"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
}

func (r record) row() store.Message {
	return store.Message{
		ID:         r.ID,
		JobID:      r.JobID,
		SenderID:   r.SenderID,
		ReceiverID: r.ReceiverID,
		Text:       r.Text,
		CreatedAt:  r.CreatedAt,
	}
}

func recordOf(row store.Message) record {
	return record{
		ID:         row.ID,
		JobID:      row.JobID,
		SenderID:   row.SenderID,
		ReceiverID: row.ReceiverID,
		Text:       row.Text,
		CreatedAt:  row.CreatedAt,
	}
}

// before orders messages by creation time, then id.
func before(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

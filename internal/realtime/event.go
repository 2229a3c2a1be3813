package realtime

import (
	"encoding/json"
	"strings"
)

const (
	// NotifyChannel is the Postgres channel the messages insert trigger notifies on.
	NotifyChannel = "chat_messages"

	EventInsert   = "INSERT"
	MessagesTable = "messages"
)

// Event is the payload carried on a job topic. The messages_notify_insert
// trigger sends only the row id, since pg_notify payloads are capped at 8000
// bytes; a direct publish after an insert carries the whole record.
type Event struct {
	Type   string          `json:"type"`
	Table  string          `json:"table"`
	JobID  string          `json:"job_id"`
	ID     string          `json:"id,omitempty"`
	Record json.RawMessage `json:"record,omitempty"`
}

// IsMessageInsert reports whether the event describes a new row in messages.
func (e Event) IsMessageInsert() bool {
	return strings.EqualFold(e.Type, EventInsert) && e.Table == MessagesTable &&
		(len(e.Record) > 0 || e.ID != "")
}

// JobTopic names the broker topic that carries one job's thread.
func JobTopic(jobID string) string {
	return "job:" + jobID
}

package schema

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// NotificationID is a broker-assigned identifier that may arrive as a JSON string or number.
type NotificationID string

// UnmarshalJSON accepts string, number and null encodings.
func (id *NotificationID) UnmarshalJSON(data []byte) error {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		*id = ""
		return nil
	}
	if trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return fmt.Errorf("notification id: %w", err)
		}
		*id = NotificationID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(trimmed, &n); err != nil {
		return fmt.Errorf("notification id: %w", err)
	}
	*id = NotificationID(n.String())
	return nil
}

// String returns the id as plain text.
func (id NotificationID) String() string { return string(id) }

// Notification is one broker-delivered envelope. It is never mutated after decoding.
type Notification struct {
	ID        NotificationID  `json:"id"`
	Timestamp string          `json:"timestamp"`
	RawOrder  json.RawMessage `json:"rawOrder"`
}

// Time parses the ISO-8601 timestamp, returning false when absent or malformed.
func (n Notification) Time() (time.Time, bool) {
	ts := strings.TrimSpace(n.Timestamp)
	if ts == "" {
		return time.Time{}, false
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05"} {
		if parsed, err := time.Parse(layout, ts); err == nil {
			return parsed.UTC(), true
		}
	}
	return time.Time{}, false
}

// RejectedNotification is a batch entry whose envelope could not be decoded.
type RejectedNotification struct {
	Raw json.RawMessage
	Err error
}

// PollResult is the broker's answer to a single poll. Rejected holds entries that were
// skipped while the rest of the batch decoded.
type PollResult struct {
	Notifications    []Notification         `json:"notifications"`
	PermissionDenied bool                   `json:"permissionDenied"`
	Rejected         []RejectedNotification `json:"-"`
}

package notifyapi

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/JustinHammer-teck/LabelAnnotation-sub003/internal/feed"
)

// ID accepts both numeric and string identifiers and keeps their decimal or
// literal text form.
type ID string

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("notification id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id ID) String() string {
	return string(id)
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999",
	"2006-01-02 15:04:05",
}

// ParseMessageTime parses the display timestamp, returning nil when absent or
// unparseable. It is never used for ordering.
func ParseMessageTime(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range timeLayouts {
		if ts, err := time.Parse(layout, raw); err == nil {
			return &ts
		}
	}
	return nil
}

// ToRecord maps a backlog entry onto a store record. Unknown action types fall
// back to info.
func (n HistoricalNotification) ToRecord() feed.Record {
	action, ok := feed.ParseActionType(strings.TrimSpace(n.ActionType))
	if !ok {
		action = feed.ActionInfo
	}
	return feed.Record{
		ID:          n.ID.String(),
		Subject:     n.Subject,
		Message:     n.Message,
		MessageTime: ParseMessageTime(n.MessageTime),
		Read:        n.IsRead,
		Path:        strings.TrimSpace(n.Path),
		ActionType:  action,
	}
}

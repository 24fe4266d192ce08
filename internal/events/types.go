package events

import "time"

// EventType is the event family a subscriber can filter on.
type EventType string

const (
	EventOffense EventType = "offense"
	EventBlock   EventType = "block"
	EventStats   EventType = "stats"
)

// Event is the envelope broadcast to subscribers.
type Event struct {
	Type      EventType `json:"type"`
	Source    string    `json:"source,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	Data      any       `json:"data"`
}

// OffenseData is the payload for offense events.
type OffenseData struct {
	ID          int64  `json:"id"`
	SourceIP    string `json:"source_ip"`
	Description string `json:"description"`
	Plugin      string `json:"plugin,omitempty"`
	Severity    string `json:"severity,omitempty"`
	Host        string `json:"host,omitempty"`
}

// BlockData is the payload for block lifecycle events.
type BlockData struct {
	IP        string     `json:"ip"`
	Action    string     `json:"action"` // add, extend, remove, expire
	Reason    string     `json:"reason"`
	Source    string     `json:"source"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// StatsData is the periodic snapshot payload.
type StatsData struct {
	OffensesLastHour int64 `json:"offenses_last_hour"`
	ActiveBlocks     int64 `json:"active_blocks"`
	TotalOffenses    int64 `json:"total_offenses"`
	Subscribers      int   `json:"subscribers"`
}

package model

import (
	"encoding/json"
	"time"
)

const (
	AggregateGroup  = "GROUP"
	AggregateMember = "MEMBER"
)

const (
	EventGroupCreated = "GROUP_CREATED"
	EventGroupUpdated = "GROUP_UPDATED"
	EventMemberJoined = "MEMBER_JOINED"
	EventMemberLeft   = "MEMBER_LEFT"
)

const (
	EventStatusSuccessful = "SUCCESSFUL"
	EventStatusFailed     = "FAILED"
)

// OutboxEvent is one undelivered notification. The primary key is the
// client-supplied event id (a UUID), which doubles as the idempotency
// ledger: an id, once inserted, can never be inserted again. Rows are
// deleted after publication, never updated.
type OutboxEvent struct {
	EventID       string    `gorm:"primaryKey;size:36" json:"eventId"`
	AggregateID   uint64    `gorm:"not null" json:"aggregateId"`
	AggregateType string    `gorm:"size:16;not null" json:"aggregateType"`
	EventType     string    `gorm:"size:32;not null" json:"eventType"`
	EventData     string    `gorm:"type:jsonb;not null" json:"eventData"`
	EventStatus   string    `gorm:"size:16;not null" json:"eventStatus"`
	WebsocketID   *string   `gorm:"size:64" json:"websocketId"`
	CreatedAt     time.Time `gorm:"autoCreateTime;index" json:"createdDate"`
}

func (OutboxEvent) TableName() string { return "event_outbox" }

// EventData is the payload carried by an outbox event: exactly one of the
// entity snapshot fields is set on a SUCCESSFUL event, and Error is set on
// a FAILED one. Snapshots are taken at commit time so publication never
// re-reads mutable state.
type EventData struct {
	Group  *Group  `json:"group,omitempty"`
	Member *Member `json:"member,omitempty"`
	Error  string  `json:"error,omitempty"`
}

// GroupData encodes a group snapshot payload.
func GroupData(g *Group) string { return mustEncode(EventData{Group: g}) }

// MemberData encodes a member snapshot payload.
func MemberData(m *Member) string { return mustEncode(EventData{Member: m}) }

// FailureData encodes an error-message payload.
func FailureData(msg string) string { return mustEncode(EventData{Error: msg}) }

// DecodeEventData parses a payload produced by the encoders above.
func DecodeEventData(raw string) (EventData, error) {
	var d EventData
	err := json.Unmarshal([]byte(raw), &d)
	return d, err
}

func mustEncode(d EventData) string {
	b, _ := json.Marshal(d)
	return string(b)
}

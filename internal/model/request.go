package model

import "encoding/json"

// Request type tags carried in the envelope on the request topic.
const (
	RequestCreateGroup  = "CREATE_GROUP"
	RequestJoinGroup    = "JOIN_GROUP"
	RequestLeaveGroup   = "LEAVE_GROUP"
	RequestChangeStatus = "CHANGE_STATUS"
)

// RequestEnvelope wraps every inbound request so a single topic can carry
// all request kinds. Data holds the type-specific payload.
type RequestEnvelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

type CreateGroupRequest struct {
	EventID      string `json:"eventId"`
	WebsocketID  string `json:"websocketId"`
	Title        string `json:"title"`
	Description  string `json:"description"`
	MaxGroupSize int    `json:"maxGroupSize"`
}

type JoinGroupRequest struct {
	EventID     string `json:"eventId"`
	WebsocketID string `json:"websocketId"`
	GroupID     uint64 `json:"groupId"`
	Username    string `json:"username"`
}

type LeaveGroupRequest struct {
	EventID     string `json:"eventId"`
	WebsocketID string `json:"websocketId"`
	GroupID     uint64 `json:"groupId"`
	MemberID    uint64 `json:"memberId"`
}

type ChangeStatusRequest struct {
	EventID     string `json:"eventId"`
	WebsocketID string `json:"websocketId"`
	GroupID     uint64 `json:"groupId"`
	NewStatus   string `json:"newStatus"`
}

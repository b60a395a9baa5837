package model

import "time"

// Member status values. AUTO_LEFT is set by the disband cascade, LEFT by a
// voluntary leave; both are terminal.
const (
	MemberStatusActive   = "ACTIVE"
	MemberStatusLeft     = "LEFT"
	MemberStatusAutoLeft = "AUTO_LEFT"
)

type Member struct {
	ID             uint64     `gorm:"primaryKey" json:"id"`
	GroupID        uint64     `gorm:"not null;index" json:"groupId"`
	Username       string     `gorm:"size:64;not null" json:"username"`
	WebsocketID    string     `gorm:"size:64;not null;index" json:"websocketId"`
	Status         string     `gorm:"size:32;not null;default:'ACTIVE'" json:"memberStatus"`
	JoinedAt       time.Time  `gorm:"autoCreateTime" json:"joinedDate"`
	ExitedAt       *time.Time `json:"exitedDate"`
	CreatedBy      string     `gorm:"size:64" json:"createdBy"`
	LastModifiedBy string     `gorm:"size:64" json:"lastModifiedBy"`
	UpdatedAt      time.Time  `gorm:"autoUpdateTime" json:"lastModifiedDate"`
	Version        uint64     `gorm:"not null;default:0" json:"version"`
}

func (Member) TableName() string { return "members" }

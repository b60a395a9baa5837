package model

import "time"

// Group status values. A group is created ACTIVE and leaves that state
// exactly once, either by an explicit disband or by the expiry sweep.
const (
	GroupStatusActive        = "ACTIVE"
	GroupStatusDisbanded     = "DISBANDED"
	GroupStatusAutoDisbanded = "AUTO_DISBANDED"
)

type Group struct {
	ID                 uint64    `gorm:"primaryKey" json:"id"`
	Title              string    `gorm:"size:128;not null" json:"title"`
	Description        string    `gorm:"size:1024" json:"description"`
	MaxGroupSize       int       `gorm:"not null" json:"maxGroupSize"`
	Status             string    `gorm:"size:32;not null;default:'ACTIVE'" json:"status"`
	LastMemberActivity time.Time `gorm:"not null" json:"lastMemberActivity"`
	CreatedBy          string    `gorm:"size:64" json:"createdBy"`
	LastModifiedBy     string    `gorm:"size:64" json:"lastModifiedBy"`
	CreatedAt          time.Time `gorm:"autoCreateTime" json:"createdDate"`
	UpdatedAt          time.Time `gorm:"autoUpdateTime" json:"lastModifiedDate"`
	Version            uint64    `gorm:"not null;default:0" json:"version"`
}

func (Group) TableName() string { return "groups" }

package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type ReportModel struct {
	ID             uint64    `gorm:"primaryKey;autoIncrement:false"`
	Title          string    `gorm:"not null"`
	Description    string    `gorm:"type:text;not null"`
	Category       string    `gorm:"not null;index"`
	SubmittedAt    time.Time `gorm:"not null;index"`
	IncidentDate   *time.Time
	Latitude       *float64
	Longitude      *float64
	Address        *string
	Submitter      string         `gorm:"not null;index"`
	EvidenceFiles  datatypes.JSON `gorm:"type:jsonb"`
	EvidenceCount  uint32         `gorm:"not null"`
	StakeAmount    uint64         `gorm:"not null"`
	RewardAmount   uint64         `gorm:"not null"`
	Status         string         `gorm:"not null;index"`
	Reviewer       *string
	ReviewDate     *time.Time
	ReviewNotes    *string `gorm:"type:text"`
	ArchiveHash    *string
	ArchivePinDate *time.Time
}

type UserModel struct {
	ID               string         `gorm:"primaryKey"`
	TokenBalance     uint64         `gorm:"not null"`
	ReportsSubmitted datatypes.JSON `gorm:"type:jsonb"`
	RewardsEarned    uint64         `gorm:"not null"`
	StakesActive     uint64         `gorm:"not null"`
	StakesLost       uint64         `gorm:"not null"`
}

type AuthorityModel struct {
	ID              string         `gorm:"primaryKey"`
	ReportsReviewed datatypes.JSON `gorm:"type:jsonb"`
	ApprovalRate    float64        `gorm:"not null"`
}

type MessageModel struct {
	ID              uint64 `gorm:"primaryKey;autoIncrement:false"`
	ReportID        uint64 `gorm:"not null;index"`
	SenderKind      string `gorm:"not null"`
	SenderPrincipal string
	Content         string    `gorm:"type:text;not null"`
	Timestamp       time.Time `gorm:"not null"`
	Attachment      []byte
}

type EvidenceModel struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement:false"`
	ReportID    uint64 `gorm:"not null;index"`
	FileName    string `gorm:"not null"`
	FileType    string
	Data        []byte    `gorm:"not null"`
	UploadedAt  time.Time `gorm:"not null"`
	ArchiveHash *string
}

// ArchivalConfigModel is a single-row table; ID is always 1.
type ArchivalConfigModel struct {
	ID        uint8  `gorm:"primaryKey;autoIncrement:false"`
	APIKey    string `gorm:"not null"`
	APISecret string `gorm:"not null"`
	JWT       string `gorm:"type:text;not null"`
}

type CounterModel struct {
	Name  string `gorm:"primaryKey"`
	Value uint64 `gorm:"not null"`
}

package domain

import "time"

// Principal is an opaque caller identity supplied by the host.
type Principal string

// Anonymous is the reserved principal of an unauthenticated caller.
const Anonymous Principal = "2vxsx-fae"

// IsAnonymous reports whether p carries no usable identity.
func (p Principal) IsAnonymous() bool {
	return p == "" || p == Anonymous
}

type ReportStatus string

const (
	StatusPending     ReportStatus = "Pending"
	StatusUnderReview ReportStatus = "UnderReview"
	StatusApproved    ReportStatus = "Approved"
	StatusRejected    ReportStatus = "Rejected"
)

// Statuses lists every report status in lifecycle order.
var Statuses = []ReportStatus{StatusPending, StatusUnderReview, StatusApproved, StatusRejected}

// Valid reports whether s is a known status.
func (s ReportStatus) Valid() bool {
	switch s {
	case StatusPending, StatusUnderReview, StatusApproved, StatusRejected:
		return true
	}
	return false
}

// Open reports whether the stake of a report in status s is still escrowed.
func (s ReportStatus) Open() bool {
	return s == StatusPending || s == StatusUnderReview
}

type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   *string `json:"address,omitempty"`
}

type Report struct {
	ID             uint64       `json:"id"`
	Title          string       `json:"title"`
	Description    string       `json:"description"`
	Category       string       `json:"category"`
	SubmittedAt    time.Time    `json:"submittedAt"`
	IncidentDate   *time.Time   `json:"incidentDate,omitempty"`
	Location       *Location    `json:"location,omitempty"`
	Submitter      Principal    `json:"submitter"`
	EvidenceFiles  []uint64     `json:"evidenceFiles"`
	EvidenceCount  uint32       `json:"evidenceCount"`
	StakeAmount    uint64       `json:"stakeAmount"`
	RewardAmount   uint64       `json:"rewardAmount"`
	Status         ReportStatus `json:"status"`
	Reviewer       *Principal   `json:"reviewer,omitempty"`
	ReviewDate     *time.Time   `json:"reviewDate,omitempty"`
	ReviewNotes    *string      `json:"reviewNotes,omitempty"`
	ArchiveHash    *string      `json:"archiveHash,omitempty"`
	ArchivePinDate *time.Time   `json:"archivePinDate,omitempty"`
}

type User struct {
	ID               Principal `json:"id"`
	TokenBalance     uint64    `json:"tokenBalance"`
	ReportsSubmitted []uint64  `json:"reportsSubmitted"`
	RewardsEarned    uint64    `json:"rewardsEarned"`
	StakesActive     uint64    `json:"stakesActive"`
	StakesLost       uint64    `json:"stakesLost"`
}

type Authority struct {
	ID              Principal `json:"id"`
	ReportsReviewed []uint64  `json:"reportsReviewed"`
	ApprovalRate    float64   `json:"approvalRate"`
}

type SenderKind string

const (
	SenderSystem    SenderKind = "system"
	SenderAuthority SenderKind = "authority"
	SenderReporter  SenderKind = "reporter"
)

type MessageSender struct {
	Kind      SenderKind `json:"kind"`
	Principal Principal  `json:"principal,omitempty"`
}

type Message struct {
	ID         uint64        `json:"id"`
	ReportID   uint64        `json:"reportId"`
	Sender     MessageSender `json:"sender"`
	Content    string        `json:"content"`
	Timestamp  time.Time     `json:"timestamp"`
	Attachment []byte        `json:"attachment,omitempty"`
}

type EvidenceFile struct {
	ID          uint64    `json:"id"`
	ReportID    uint64    `json:"reportId"`
	FileName    string    `json:"fileName"`
	FileType    string    `json:"fileType"`
	Data        []byte    `json:"data"`
	UploadedAt  time.Time `json:"uploadedAt"`
	ArchiveHash *string   `json:"archiveHash,omitempty"`
}

// ArchivalConfig holds the credentials of the pinning service.
type ArchivalConfig struct {
	APIKey    string `json:"-"`
	APISecret string `json:"-"`
	JWT       string `json:"-"`
}

type AuthorityStats struct {
	ReportsPending          uint64 `json:"reportsPending"`
	ReportsUnderReview      uint64 `json:"reportsUnderReview"`
	ReportsVerified         uint64 `json:"reportsVerified"`
	ReportsRejected         uint64 `json:"reportsRejected"`
	TotalRewardsDistributed uint64 `json:"totalRewardsDistributed"`
}

type CategoryBreakdown struct {
	Category string `json:"category"`
	Total    uint64 `json:"total"`
	Pending  uint64 `json:"pending"`
	Approved uint64 `json:"approved"`
	Rejected uint64 `json:"rejected"`
}

type MonthlyCount struct {
	MonthsAgo int    `json:"monthsAgo"`
	Count     uint64 `json:"count"`
}

type DetailedAnalytics struct {
	TotalReports            uint64              `json:"totalReports"`
	CategoryBreakdown       []CategoryBreakdown `json:"categoryBreakdown"`
	MonthlyTrend            []MonthlyCount      `json:"monthlyTrend"`
	AverageStake            float64             `json:"averageStake"`
	TotalStaked             uint64              `json:"totalStaked"`
	TotalRewardsDistributed uint64              `json:"totalRewardsDistributed"`
}

type SystemHealth struct {
	Status         string    `json:"status"`
	TotalReports   uint64    `json:"totalReports"`
	PendingReports uint64    `json:"pendingReports"`
	Authorities    uint64    `json:"authorities"`
	SystemTime     time.Time `json:"systemTime"`
}

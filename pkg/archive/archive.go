// Package archive pushes report and evidence snapshots to content-addressed
// storage. Pinning is best-effort: callers commit first, schedule a Task,
// and patch the returned content identifier onto the latest record later.
package archive

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"whispr/pkg/domain"
)

// MaxResponseBytes caps any body read back from an archival backend.
const MaxResponseBytes = 2_000_000

// ErrNotConfigured is returned when credentials are missing or still the
// startup placeholder.
var ErrNotConfigured = errors.New("archival credentials not configured")

// Pinner stores JSON-serializable payloads and returns their content
// identifier.
type Pinner interface {
	Pin(ctx context.Context, name string, payload any) (string, error)
	Retrieve(ctx context.Context, cid string) ([]byte, error)
}

// ReportSnapshot is the archived form of a report. The submitter is
// reduced to a one-way hash.
type ReportSnapshot struct {
	ReportID      uint64           `json:"report_id"`
	Title         string           `json:"title"`
	Description   string           `json:"description"`
	Category      string           `json:"category"`
	StakeAmount   uint64           `json:"stake_amount"`
	RewardAmount  uint64           `json:"reward_amount"`
	EvidenceCount uint32           `json:"evidence_count"`
	Location      *domain.Location `json:"location"`
	IncidentDate  *time.Time       `json:"incident_date"`
	Status        string           `json:"status"`
	SubmittedAt   time.Time        `json:"submitted_at"`
	SubmitterHash string           `json:"submitter_hash"`
}

type EvidenceSnapshot struct {
	ReportID   uint64    `json:"report_id"`
	FileName   string    `json:"file_name"`
	FileType   string    `json:"file_type"`
	UploadedAt time.Time `json:"uploaded_at"`
	Base64Data string    `json:"base64_data"`
}

func NewReportSnapshot(r domain.Report) ReportSnapshot {
	return ReportSnapshot{
		ReportID:      r.ID,
		Title:         r.Title,
		Description:   r.Description,
		Category:      r.Category,
		StakeAmount:   r.StakeAmount,
		RewardAmount:  r.RewardAmount,
		EvidenceCount: r.EvidenceCount,
		Location:      r.Location,
		IncidentDate:  r.IncidentDate,
		Status:        string(r.Status),
		SubmittedAt:   r.SubmittedAt,
		SubmitterHash: HashPrincipal(r.Submitter),
	}
}

func NewEvidenceSnapshot(e domain.EvidenceFile) EvidenceSnapshot {
	return EvidenceSnapshot{
		ReportID:   e.ReportID,
		FileName:   e.FileName,
		FileType:   e.FileType,
		UploadedAt: e.UploadedAt,
		Base64Data: base64.StdEncoding.EncodeToString(e.Data),
	}
}

// HashPrincipal returns the hex sha256 of p.
func HashPrincipal(p domain.Principal) string {
	sum := sha256.Sum256([]byte(p))
	return hex.EncodeToString(sum[:])
}

func ReportPinName(reportID uint64) string {
	return fmt.Sprintf("report-%d", reportID)
}

func EvidencePinName(reportID uint64, fileName string) string {
	return fmt.Sprintf("report-%d-evidence-%s", reportID, fileName)
}

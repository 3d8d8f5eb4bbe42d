package app

import (
	"strings"
	"time"
	"unicode/utf8"

	"whispr/pkg/domain"
	"whispr/pkg/index"
)

const (
	maxTitleLen         = 200
	maxDescriptionLen   = 5000
	minStake            = 5
	maxStake            = 1000
	maxDeclaredEvidence = 10
	maxPendingPerUser   = 5
	maxBulkVerify       = 10
	maxMessageLen       = 2000
	maxEvidenceBytes    = 2 << 20
	newUserBonus        = 100
)

var allowedCategories = map[string]struct{}{
	"environmental":     {},
	"environment":       {},
	"fraud":             {},
	"cybercrime":        {},
	"corruption":        {},
	"safety":            {},
	"other":             {},
	"acid attacks":      {},
	"bribery":           {},
	"domestic_violence": {},
	"drug_crimes":       {},
	"human_trafficking": {},
	"kidnapping":        {},
	"money_laundering":  {},
	"murder":            {},
	"sexual_assault":    {},
	"theft":             {},
	"violence":          {},
	"harassment":        {},
}

// SubmitInput is the caller-supplied part of a new report.
type SubmitInput struct {
	Title         string           `json:"title"`
	Description   string           `json:"description"`
	Category      string           `json:"category"`
	Location      *domain.Location `json:"location,omitempty"`
	IncidentDate  *time.Time       `json:"incidentDate,omitempty"`
	StakeAmount   uint64           `json:"stakeAmount"`
	EvidenceCount uint32           `json:"evidenceCount"`
}

// normalize trims text fields, lower-cases the category and checks every
// bound that does not depend on stored state.
func (in SubmitInput) normalize() (SubmitInput, error) {
	in.Title = strings.TrimSpace(in.Title)
	in.Description = strings.TrimSpace(in.Description)
	in.Category = index.NormalizeCategory(in.Category)

	if in.Title == "" {
		return in, invalid("title is required")
	}
	if utf8.RuneCountInString(in.Title) > maxTitleLen {
		return in, invalid("title must be at most %d characters", maxTitleLen)
	}
	if in.Description == "" {
		return in, invalid("description is required")
	}
	if utf8.RuneCountInString(in.Description) > maxDescriptionLen {
		return in, invalid("description must be at most %d characters", maxDescriptionLen)
	}
	if _, ok := allowedCategories[in.Category]; !ok {
		return in, invalid("unknown category %q", in.Category)
	}
	if in.StakeAmount < minStake || in.StakeAmount > maxStake {
		return in, invalid("stake must be between %d and %d tokens", minStake, maxStake)
	}
	if in.EvidenceCount > maxDeclaredEvidence {
		return in, invalid("at most %d evidence files per report", maxDeclaredEvidence)
	}
	if in.IncidentDate != nil {
		d := in.IncidentDate.UTC()
		in.IncidentDate = &d
	}
	return in, nil
}

func validateMessage(content string) (string, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return "", invalid("message content is required")
	}
	if utf8.RuneCountInString(content) > maxMessageLen {
		return "", invalid("message must be at most %d characters", maxMessageLen)
	}
	return content, nil
}

func optionalNotes(notes string) *string {
	notes = strings.TrimSpace(notes)
	if notes == "" {
		return nil
	}
	return &notes
}

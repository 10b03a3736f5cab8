package model

import (
	"encoding/json"
	"time"
)

type SubmissionStatus string

const (
	SubmissionPending   SubmissionStatus = "pending"
	SubmissionSubmitted SubmissionStatus = "submitted"
	SubmissionConfirmed SubmissionStatus = "confirmed"
	SubmissionFailed    SubmissionStatus = "failed"
	SubmissionSkipped   SubmissionStatus = "skipped"
)

func (s SubmissionStatus) Valid() bool {
	switch s {
	case SubmissionPending, SubmissionSubmitted, SubmissionConfirmed, SubmissionFailed, SubmissionSkipped:
		return true
	}
	return false
}

// Submission is one attempted submission against a single site. Submissions
// are created by the engine; the console only reads them.
type Submission struct {
	ID           int              `db:"id" json:"id"`
	CampaignID   int              `db:"campaign_id" json:"campaign_id"`
	Site         string           `db:"site" json:"site"`
	Status       SubmissionStatus `db:"status" json:"status"`
	ProfileData  json.RawMessage  `db:"profile_data" json:"profile_data,omitempty"`
	ErrorMessage *string          `db:"error_message" json:"error_message,omitempty"`
	ReferenceID  *string          `db:"reference_id" json:"reference_id,omitempty"`
	CreatedAt    time.Time        `db:"created_at" json:"created_at"`
	SubmittedAt  *time.Time       `db:"submitted_at" json:"submitted_at,omitempty"`
	UpdatedAt    *time.Time       `db:"updated_at" json:"updated_at,omitempty"`
}

type SubmissionPage struct {
	Items    []Submission `json:"items"`
	Total    int          `json:"total"`
	Page     int          `json:"page"`
	PageSize int          `json:"page_size"`
	Pages    int          `json:"pages"`
}

// internal/model/campaign.go
package model

import (
	"fmt"
	"time"
)

type CampaignStatus string

const (
	CampaignDraft     CampaignStatus = "draft"
	CampaignScheduled CampaignStatus = "scheduled"
	CampaignRunning   CampaignStatus = "running"
	CampaignPaused    CampaignStatus = "paused"
	CampaignCompleted CampaignStatus = "completed"
	CampaignFailed    CampaignStatus = "failed"
)

// Valid reports whether s is one of the known campaign states.
func (s CampaignStatus) Valid() bool {
	switch s {
	case CampaignDraft, CampaignScheduled, CampaignRunning, CampaignPaused, CampaignCompleted, CampaignFailed:
		return true
	}
	return false
}

// Terminal reports whether the campaign stopped on its own (reset is the only way out).
func (s CampaignStatus) Terminal() bool {
	return s == CampaignCompleted || s == CampaignFailed
}

type Campaign struct {
	ID                   int            `db:"id" json:"id"`
	Name                 string         `db:"name" json:"name"`
	Description          *string        `db:"description" json:"description,omitempty"`
	Status               CampaignStatus `db:"status" json:"status"`
	TargetFirstName      string         `db:"target_first_name" json:"target_first_name,omitempty"`
	TargetLastName       string         `db:"target_last_name" json:"target_last_name,omitempty"`
	TargetCity           *string        `db:"target_city" json:"target_city,omitempty"`
	TargetState          *string        `db:"target_state" json:"target_state,omitempty"`
	TargetAge            *int           `db:"target_age" json:"target_age,omitempty"`
	TargetSites          []string       `db:"target_sites" json:"target_sites"`
	TargetCount          int            `db:"target_count" json:"target_count"`
	SubmissionsCompleted int            `db:"submissions_completed" json:"submissions_completed"`
	SubmissionsFailed    int            `db:"submissions_failed" json:"submissions_failed"`
	LastExecution        *time.Time     `db:"last_execution" json:"last_execution,omitempty"`
	NextExecution        *time.Time     `db:"next_execution" json:"next_execution,omitempty"`
	CreatedAt            time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt            *time.Time     `db:"updated_at" json:"updated_at,omitempty"`
}

// Capacity is the maximum number of submissions the campaign can produce.
// The server stores the resolved site list; an empty list counts as one
// slot per profile.
func (c *Campaign) Capacity() int {
	sites := len(c.TargetSites)
	if sites < 1 {
		sites = 1
	}
	return c.TargetCount * sites
}

// Processed is the number of submissions that reached a final result.
func (c *Campaign) Processed() int {
	return c.SubmissionsCompleted + c.SubmissionsFailed
}

// Progress returns the processed share of Capacity in [0,1].
func (c *Campaign) Progress() float64 {
	capacity := c.Capacity()
	if capacity == 0 {
		return 0
	}
	p := float64(c.Processed()) / float64(capacity)
	if p > 1 {
		p = 1
	}
	return p
}

// Validate checks the counter invariants of a campaign record.
func (c *Campaign) Validate() error {
	if !c.Status.Valid() {
		return fmt.Errorf("campaign %d: unknown status %q", c.ID, c.Status)
	}
	if c.TargetCount < 1 {
		return fmt.Errorf("campaign %d: target_count must be positive, got %d", c.ID, c.TargetCount)
	}
	if c.SubmissionsCompleted < 0 || c.SubmissionsFailed < 0 {
		return fmt.Errorf("campaign %d: negative submission counters", c.ID)
	}
	if c.Processed() > c.Capacity() {
		return fmt.Errorf("campaign %d: %d processed submissions exceed capacity %d", c.ID, c.Processed(), c.Capacity())
	}
	return nil
}

// CampaignCreate is the body of POST /campaigns.
type CampaignCreate struct {
	Name            string   `json:"name"`
	Description     *string  `json:"description,omitempty"`
	TargetFirstName string   `json:"target_first_name"`
	TargetLastName  string   `json:"target_last_name"`
	TargetCity      *string  `json:"target_city,omitempty"`
	TargetState     *string  `json:"target_state,omitempty"`
	TargetAge       *int     `json:"target_age,omitempty"`
	TargetSites     []string `json:"target_sites,omitempty"`
	TargetCount     int      `json:"target_count"`
}

// CampaignUpdate is the body of PATCH /campaigns/{id}. Nil fields are left untouched.
type CampaignUpdate struct {
	Name                 *string         `json:"name,omitempty"`
	Description          *string         `json:"description,omitempty"`
	TargetFirstName      *string         `json:"target_first_name,omitempty"`
	TargetLastName       *string         `json:"target_last_name,omitempty"`
	TargetCity           *string         `json:"target_city,omitempty"`
	TargetState          *string         `json:"target_state,omitempty"`
	TargetAge            *int            `json:"target_age,omitempty"`
	TargetSites          []string        `json:"target_sites,omitempty"`
	TargetCount          *int            `json:"target_count,omitempty"`
	Status               *CampaignStatus `json:"status,omitempty"`
	SubmissionsCompleted *int            `json:"submissions_completed,omitempty"`
	SubmissionsFailed    *int            `json:"submissions_failed,omitempty"`
}

type CampaignPage struct {
	Items    []Campaign `json:"items"`
	Total    int        `json:"total"`
	Page     int        `json:"page"`
	PageSize int        `json:"page_size"`
	Pages    int        `json:"pages"`
}

// PageCount returns the number of pages needed for total items.
func PageCount(total, pageSize int) int {
	if total <= 0 || pageSize <= 0 {
		return 0
	}
	return (total + pageSize - 1) / pageSize
}

package model

import "time"

type SnapshotType string

const (
	SnapshotBaseline SnapshotType = "baseline"
	SnapshotCheck    SnapshotType = "check"
)

// AccuracySnapshot is a point-in-time measurement of how accurate third-party
// data about the campaign target is. AccuracyScore stays nil until the engine
// has scored the snapshot.
type AccuracySnapshot struct {
	ID                 int          `db:"id" json:"id"`
	CampaignID         int          `db:"campaign_id" json:"campaign_id"`
	SnapshotType       SnapshotType `db:"snapshot_type" json:"snapshot_type"`
	AccuracyScore      *float64     `db:"accuracy_score" json:"accuracy_score,omitempty"`
	SourcesChecked     int          `db:"sources_checked" json:"sources_checked"`
	RecordsFound       int          `db:"records_found" json:"records_found"`
	DataPointsTotal    int          `db:"data_points_total" json:"data_points_total"`
	DataPointsAccurate int          `db:"data_points_accurate" json:"data_points_accurate"`
	CreatedAt          time.Time    `db:"created_at" json:"created_at"`
}

type SnapshotList struct {
	Baselines []AccuracySnapshot `json:"baselines"`
}

// Accuracy is the server-side aggregate for a campaign.
type Accuracy struct {
	BaselineScore *float64   `json:"baseline_score,omitempty"`
	BaselineDate  *time.Time `json:"baseline_date,omitempty"`
	LatestScore   *float64   `json:"latest_score,omitempty"`
	LatestDate    *time.Time `json:"latest_date,omitempty"`
	ChecksCount   int        `json:"checks_count"`
}

// Delta returns latest - baseline when both scores are known.
func (a Accuracy) Delta() (float64, bool) {
	if a.BaselineScore == nil || a.LatestScore == nil {
		return 0, false
	}
	return *a.LatestScore - *a.BaselineScore, true
}

type Outcome string

const (
	OutcomePending   Outcome = "pending"
	OutcomeEffective Outcome = "effective"
	OutcomeNeutral   Outcome = "neutral"
	OutcomeAdverse   Outcome = "adverse"
)

// OutcomeOf classifies a delta. Lower accuracy after a campaign is the goal,
// so a negative delta is effective.
func OutcomeOf(delta float64, ok bool) Outcome {
	switch {
	case !ok:
		return OutcomePending
	case delta < 0:
		return OutcomeEffective
	case delta > 0:
		return OutcomeAdverse
	default:
		return OutcomeNeutral
	}
}

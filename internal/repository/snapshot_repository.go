package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/miasma-console/internal/errors"
	"github.com/unclebandit/miasma-console/internal/model"
)

type SnapshotRepositoryInterface interface {
	Create(ctx context.Context, s *model.AccuracySnapshot) error
	ListByCampaign(ctx context.Context, campaignID int) ([]model.AccuracySnapshot, error)
	Aggregate(ctx context.Context, campaignID int) (*model.Accuracy, error)
}

type SnapshotRepository struct {
	DB *sql.DB
}

const snapshotColumns = `id, campaign_id, snapshot_type, accuracy_score, sources_checked, records_found,
        data_points_total, data_points_accurate, created_at`

func scanSnapshot(row rowScanner) (*model.AccuracySnapshot, error) {
	var s model.AccuracySnapshot
	err := row.Scan(&s.ID, &s.CampaignID, &s.SnapshotType, &s.AccuracyScore, &s.SourcesChecked,
		&s.RecordsFound, &s.DataPointsTotal, &s.DataPointsAccurate, &s.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// Create stores a snapshot. A second baseline for the same campaign violates
// a unique index and comes back as a precondition error.
func (r *SnapshotRepository) Create(ctx context.Context, s *model.AccuracySnapshot) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now()
	}
	query := `
        INSERT INTO campaign_baselines (campaign_id, snapshot_type, accuracy_score, sources_checked,
            records_found, data_points_total, data_points_accurate, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
        RETURNING id
    `
	err := r.DB.QueryRowContext(ctx, query, s.CampaignID, s.SnapshotType, s.AccuracyScore, s.SourcesChecked,
		s.RecordsFound, s.DataPointsTotal, s.DataPointsAccurate, s.CreatedAt).Scan(&s.ID)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == "23505" {
		return appErrors.NewPrecondition("take baseline", "campaign already has a baseline")
	}
	return err
}

func (r *SnapshotRepository) ListByCampaign(ctx context.Context, campaignID int) ([]model.AccuracySnapshot, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+snapshotColumns+`
        FROM campaign_baselines WHERE campaign_id=$1 ORDER BY created_at, id`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []model.AccuracySnapshot{}
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// Aggregate compares the first baseline with the latest check.
func (r *SnapshotRepository) Aggregate(ctx context.Context, campaignID int) (*model.Accuracy, error) {
	acc := &model.Accuracy{}

	var baseline model.AccuracySnapshot
	err := r.DB.QueryRowContext(ctx, `
        SELECT accuracy_score, created_at FROM campaign_baselines
        WHERE campaign_id=$1 AND snapshot_type='baseline'
        ORDER BY created_at LIMIT 1`, campaignID).Scan(&baseline.AccuracyScore, &baseline.CreatedAt)
	switch {
	case err == nil:
		acc.BaselineScore, acc.BaselineDate = baseline.AccuracyScore, &baseline.CreatedAt
	case !errors.Is(err, sql.ErrNoRows):
		return nil, err
	}

	var check model.AccuracySnapshot
	err = r.DB.QueryRowContext(ctx, `
        SELECT accuracy_score, created_at FROM campaign_baselines
        WHERE campaign_id=$1 AND snapshot_type='check'
        ORDER BY created_at DESC LIMIT 1`, campaignID).Scan(&check.AccuracyScore, &check.CreatedAt)
	switch {
	case err == nil:
		acc.LatestScore, acc.LatestDate = check.AccuracyScore, &check.CreatedAt
	case !errors.Is(err, sql.ErrNoRows):
		return nil, err
	}

	if err := r.DB.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM campaign_baselines
        WHERE campaign_id=$1 AND snapshot_type='check'`, campaignID).Scan(&acc.ChecksCount); err != nil {
		return nil, err
	}
	return acc, nil
}

var _ SnapshotRepositoryInterface = (*SnapshotRepository)(nil)

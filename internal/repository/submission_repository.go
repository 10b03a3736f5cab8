package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/unclebandit/miasma-console/internal/model"
)

type SubmissionRepositoryInterface interface {
	CreatePending(ctx context.Context, campaignID int, site string, profile json.RawMessage) (*model.Submission, error)
	GetByID(ctx context.Context, id int) (*model.Submission, error)
	// NextPending returns the oldest pending submission, or nil when none is left.
	NextPending(ctx context.Context, campaignID int) (*model.Submission, error)
	UpdateResult(ctx context.Context, s *model.Submission) error
	List(ctx context.Context, campaignID, offset, limit int, status model.SubmissionStatus) ([]model.Submission, int, error)
	CountByStatus(ctx context.Context, campaignID int) (map[model.SubmissionStatus]int, error)
	DeleteByCampaign(ctx context.Context, campaignID int) error
}

type SubmissionRepository struct {
	DB *sql.DB
}

const submissionColumns = `id, campaign_id, site, status, profile_data, error_message, reference_id,
        created_at, submitted_at, updated_at`

func scanSubmission(row rowScanner) (*model.Submission, error) {
	var s model.Submission
	var profile []byte
	err := row.Scan(&s.ID, &s.CampaignID, &s.Site, &s.Status, &profile, &s.ErrorMessage, &s.ReferenceID,
		&s.CreatedAt, &s.SubmittedAt, &s.UpdatedAt)
	if err != nil {
		return nil, err
	}
	s.ProfileData = json.RawMessage(profile)
	return &s, nil
}

func (r *SubmissionRepository) CreatePending(ctx context.Context, campaignID int, site string, profile json.RawMessage) (*model.Submission, error) {
	if len(profile) == 0 {
		profile = json.RawMessage(`{}`)
	}
	query := `
        INSERT INTO submissions (campaign_id, site, status, profile_data, created_at)
        VALUES ($1, $2, 'pending', $3, NOW())
        RETURNING ` + submissionColumns
	return scanSubmission(r.DB.QueryRowContext(ctx, query, campaignID, site, []byte(profile)))
}

func (r *SubmissionRepository) GetByID(ctx context.Context, id int) (*model.Submission, error) {
	query := `SELECT ` + submissionColumns + ` FROM submissions WHERE id=$1`
	s, err := scanSubmission(r.DB.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

func (r *SubmissionRepository) NextPending(ctx context.Context, campaignID int) (*model.Submission, error) {
	query := `SELECT ` + submissionColumns + `
        FROM submissions
        WHERE campaign_id=$1 AND status='pending'
        ORDER BY id
        LIMIT 1`
	s, err := scanSubmission(r.DB.QueryRowContext(ctx, query, campaignID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return s, err
}

// UpdateResult stores the outcome of a submission attempt.
func (r *SubmissionRepository) UpdateResult(ctx context.Context, s *model.Submission) error {
	now := time.Now()
	s.UpdatedAt = &now
	query := `
        UPDATE submissions
        SET status=$1, error_message=$2, reference_id=$3, submitted_at=$4, updated_at=$5
        WHERE id=$6
    `
	_, err := r.DB.ExecContext(ctx, query, s.Status, s.ErrorMessage, s.ReferenceID, s.SubmittedAt, now, s.ID)
	return err
}

func (r *SubmissionRepository) List(ctx context.Context, campaignID, offset, limit int, status model.SubmissionStatus) ([]model.Submission, int, error) {
	where := ` WHERE campaign_id=$1`
	args := []any{campaignID}
	argPos := 2
	if status != "" {
		where += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	query := `SELECT ` + submissionColumns + ` FROM submissions` + where +
		fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)
	rows, err := r.DB.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	items := []model.Submission{}
	for rows.Next() {
		s, err := scanSubmission(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM submissions`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	return items, total, nil
}

func (r *SubmissionRepository) CountByStatus(ctx context.Context, campaignID int) (map[model.SubmissionStatus]int, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT status, COUNT(*) FROM submissions WHERE campaign_id=$1 GROUP BY status`, campaignID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	stats := map[model.SubmissionStatus]int{}
	for rows.Next() {
		var status model.SubmissionStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		stats[status] = count
	}
	return stats, rows.Err()
}

// DeleteByCampaign clears a campaign's submissions before a rerun.
func (r *SubmissionRepository) DeleteByCampaign(ctx context.Context, campaignID int) error {
	_, err := r.DB.ExecContext(ctx, `DELETE FROM submissions WHERE campaign_id=$1`, campaignID)
	return err
}

var _ SubmissionRepositoryInterface = (*SubmissionRepository)(nil)

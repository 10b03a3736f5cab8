package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/miasma-console/internal/errors"
	"github.com/unclebandit/miasma-console/internal/model"
)

type CampaignRepositoryInterface interface {
	ListCampaigns(ctx context.Context, offset, limit int, status model.CampaignStatus) ([]*model.Campaign, int, error)
	GetByID(ctx context.Context, id int) (*model.Campaign, error)
	Create(ctx context.Context, c *model.Campaign) error
	Update(ctx context.Context, c *model.Campaign) error
	UpdateStatus(ctx context.Context, id int, status model.CampaignStatus) error
	// AddProgress bumps the counters and returns the updated campaign.
	AddProgress(ctx context.Context, id, completed, failed int) (*model.Campaign, error)
	Delete(ctx context.Context, id int) error
}

type CampaignRepository struct {
	DB *sql.DB
}

const campaignColumns = `id, name, description, status, target_first_name, target_last_name,
        target_city, target_state, target_age, target_sites, target_count,
        submissions_completed, submissions_failed, last_execution, next_execution,
        created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanCampaign(row rowScanner) (*model.Campaign, error) {
	var c model.Campaign
	var sites pq.StringArray
	err := row.Scan(
		&c.ID, &c.Name, &c.Description, &c.Status, &c.TargetFirstName, &c.TargetLastName,
		&c.TargetCity, &c.TargetState, &c.TargetAge, &sites, &c.TargetCount,
		&c.SubmissionsCompleted, &c.SubmissionsFailed, &c.LastExecution, &c.NextExecution,
		&c.CreatedAt, &c.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	c.TargetSites = []string(sites)
	if c.TargetSites == nil {
		c.TargetSites = []string{}
	}
	return &c, nil
}

// ====================== Campaign CRUD ======================

func (r *CampaignRepository) Create(ctx context.Context, c *model.Campaign) error {
	c.CreatedAt = time.Now()
	if c.Status == "" {
		c.Status = model.CampaignDraft
	}
	query := `
        INSERT INTO campaigns (name, description, status, target_first_name, target_last_name,
            target_city, target_state, target_age, target_sites, target_count, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
        RETURNING id
    `
	return r.DB.QueryRowContext(ctx, query,
		c.Name, c.Description, c.Status, c.TargetFirstName, c.TargetLastName,
		c.TargetCity, c.TargetState, c.TargetAge, pq.Array(c.TargetSites), c.TargetCount, c.CreatedAt,
	).Scan(&c.ID)
}

// Update writes every editable column, counters included.
func (r *CampaignRepository) Update(ctx context.Context, c *model.Campaign) error {
	now := time.Now()
	query := `
        UPDATE campaigns
        SET name=$1, description=$2, status=$3, target_first_name=$4, target_last_name=$5,
            target_city=$6, target_state=$7, target_age=$8, target_sites=$9, target_count=$10,
            submissions_completed=$11, submissions_failed=$12, last_execution=$13, updated_at=$14
        WHERE id=$15
    `
	res, err := r.DB.ExecContext(ctx, query,
		c.Name, c.Description, c.Status, c.TargetFirstName, c.TargetLastName,
		c.TargetCity, c.TargetState, c.TargetAge, pq.Array(c.TargetSites), c.TargetCount,
		c.SubmissionsCompleted, c.SubmissionsFailed, c.LastExecution, now, c.ID,
	)
	if err != nil {
		return err
	}
	if err := expectRow(res, c.ID); err != nil {
		return err
	}
	c.UpdatedAt = &now
	return nil
}

func (r *CampaignRepository) UpdateStatus(ctx context.Context, id int, status model.CampaignStatus) error {
	query := `UPDATE campaigns SET status=$1, updated_at=$2 WHERE id=$3`
	res, err := r.DB.ExecContext(ctx, query, status, time.Now(), id)
	if err != nil {
		return err
	}
	return expectRow(res, id)
}

func (r *CampaignRepository) AddProgress(ctx context.Context, id, completed, failed int) (*model.Campaign, error) {
	query := `
        UPDATE campaigns
        SET submissions_completed = submissions_completed + $1,
            submissions_failed = submissions_failed + $2,
            updated_at = $3
        WHERE id=$4
        RETURNING ` + campaignColumns
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, completed, failed, time.Now(), id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.NewCampaignNotFound(id)
	}
	return c, err
}

func (r *CampaignRepository) Delete(ctx context.Context, id int) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM campaigns WHERE id=$1`, id)
	if err != nil {
		return err
	}
	return expectRow(res, id)
}

func (r *CampaignRepository) GetByID(ctx context.Context, id int) (*model.Campaign, error) {
	query := `SELECT ` + campaignColumns + ` FROM campaigns WHERE id=$1`
	c, err := scanCampaign(r.DB.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, appErrors.NewCampaignNotFound(id)
		}
		return nil, err
	}
	return c, nil
}

func (r *CampaignRepository) ListCampaigns(ctx context.Context, offset, limit int, status model.CampaignStatus) ([]*model.Campaign, int, error) {
	campaigns := []*model.Campaign{}
	where := ` WHERE 1=1`
	args := []any{}
	argPos := 1

	if status != "" {
		where += fmt.Sprintf(" AND status=$%d", argPos)
		args = append(args, status)
		argPos++
	}

	query := `SELECT ` + campaignColumns + ` FROM campaigns` + where +
		fmt.Sprintf(" ORDER BY id DESC LIMIT $%d OFFSET $%d", argPos, argPos+1)

	rows, err := r.DB.QueryContext(ctx, query, append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanCampaign(rows)
		if err != nil {
			return nil, 0, err
		}
		campaigns = append(campaigns, c)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	// Count total
	var total int
	if err := r.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM campaigns`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	return campaigns, total, nil
}

func expectRow(res sql.Result, id int) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return appErrors.NewCampaignNotFound(id)
	}
	return nil
}

var _ CampaignRepositoryInterface = (*CampaignRepository)(nil)

package repository

import (
	"context"
	"database/sql"
	"errors"
	"strconv"
	"time"

	"github.com/lib/pq"

	appErrors "github.com/unclebandit/mailleopard-backend/internal/errors"
	"github.com/unclebandit/mailleopard-backend/internal/model"
)

type SenderProfileRepositoryInterface interface {
	ListByUser(ctx context.Context, userID int64) ([]*model.SenderProfile, error)
	GetByID(ctx context.Context, userID int64, id string) (*model.SenderProfile, error)
	Create(ctx context.Context, p *model.SenderProfile) error
	Delete(ctx context.Context, userID int64, id string) error
}

type SenderProfileRepository struct {
	DB *sql.DB
}

const senderProfileColumns = `id, user_id, name, email, host, port, username, password, encryption, created_at, updated_at`

// uniqueViolation is the Postgres error code for unique constraint violations.
const uniqueViolation = "23505"

func (r *SenderProfileRepository) ListByUser(ctx context.Context, userID int64) ([]*model.SenderProfile, error) {
	query := `SELECT ` + senderProfileColumns + ` FROM sender_profiles WHERE user_id=$1 ORDER BY id`
	rows, err := r.DB.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	profiles := []*model.SenderProfile{}
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

func (r *SenderProfileRepository) GetByID(ctx context.Context, userID int64, id string) (*model.SenderProfile, error) {
	pk, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return nil, appErrors.ErrSenderNotFound
	}
	query := `SELECT ` + senderProfileColumns + ` FROM sender_profiles WHERE id=$1 AND user_id=$2`
	p, err := scanProfile(r.DB.QueryRowContext(ctx, query, pk, userID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, appErrors.ErrSenderNotFound
	}
	return p, err
}

func (r *SenderProfileRepository) Create(ctx context.Context, p *model.SenderProfile) error {
	p.CreatedAt = time.Now().UTC()
	query := `
        INSERT INTO sender_profiles (user_id, name, email, host, port, username, password, encryption, created_at)
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        RETURNING id
    `
	var id int64
	err := r.DB.QueryRowContext(ctx, query,
		p.UserID, p.Name, p.Email, p.Host, p.Port, p.Username, p.Password, p.Encryption, p.CreatedAt,
	).Scan(&id)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return appErrors.ErrDuplicateSender
		}
		return err
	}
	p.ID = strconv.FormatInt(id, 10)
	return nil
}

func (r *SenderProfileRepository) Delete(ctx context.Context, userID int64, id string) error {
	pk, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return appErrors.ErrSenderNotFound
	}
	res, err := r.DB.ExecContext(ctx, `DELETE FROM sender_profiles WHERE id=$1 AND user_id=$2`, pk, userID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return appErrors.ErrSenderNotFound
	}
	return nil
}

func scanProfile(row rowScanner) (*model.SenderProfile, error) {
	var (
		p         model.SenderProfile
		id        int64
		updatedAt sql.NullTime
	)
	err := row.Scan(&id, &p.UserID, &p.Name, &p.Email, &p.Host, &p.Port, &p.Username, &p.Password, &p.Encryption, &p.CreatedAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	p.ID = strconv.FormatInt(id, 10)
	if updatedAt.Valid {
		p.UpdatedAt = &updatedAt.Time
	}
	return &p, nil
}

package postgres

import (
	"context"
	"database/sql"
	"errors"

	"cgraph/internal/core/domain"
)

type MembershipRepo struct {
	db *sql.DB
}

var _ domain.MembershipRepository = (*MembershipRepo)(nil)

func NewMembershipRepo(db *sql.DB) *MembershipRepo {
	return &MembershipRepo{db: db}
}

func (r *MembershipRepo) IsMember(ctx context.Context, userID, roomID string) (bool, error) {
	if userID == "" {
		return false, domain.ErrInvalidUserID
	}
	if roomID == "" {
		return false, domain.ErrInvalidRoomID
	}
	exec := GetExecutor(ctx, r.db)
	var one int
	err := exec.QueryRowContext(ctx, `
		SELECT 1 FROM room_members
		WHERE room_id = $1 AND user_id = $2
	`, roomID, userID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// AddMember is used by seeding tools and integration tests.
func (r *MembershipRepo) AddMember(ctx context.Context, userID, roomID string) error {
	exec := GetExecutor(ctx, r.db)
	_, err := exec.ExecContext(ctx, `
		INSERT INTO rooms (id) VALUES ($1) ON CONFLICT (id) DO NOTHING
	`, roomID)
	if err != nil {
		return err
	}
	_, err = exec.ExecContext(ctx, `
		INSERT INTO room_members (room_id, user_id) VALUES ($1, $2)
		ON CONFLICT DO NOTHING
	`, roomID, userID)
	return err
}

package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/kavos113/ctf-instancer/domain"
)

type MySQLUserRepository struct {
	db *sql.DB
}

func NewMySQLUserRepository(db *sql.DB) *MySQLUserRepository {
	return &MySQLUserRepository{db: db}
}

func (r *MySQLUserRepository) Create(ctx context.Context, user *domain.User) error {
	query := `
		INSERT INTO users (id, username, display_name, avatar, creation_time, instance_count)
		VALUES (?, ?, ?, ?, ?, 0)
	`
	_, err := r.db.ExecContext(ctx, query,
		user.ID,
		user.Username,
		user.DisplayName,
		user.Avatar,
		user.CreationTime.UnixMilli(),
	)
	return err
}

func (r *MySQLUserRepository) FindByID(ctx context.Context, id string) (*domain.User, error) {
	query := `
		SELECT id, username, display_name, avatar, creation_time, instance_count
		FROM users
		WHERE id = ?
	`
	user := &domain.User{}
	var creationTime int64

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&user.ID,
		&user.Username,
		&user.DisplayName,
		&user.Avatar,
		&creationTime,
		&user.InstanceCount,
	)
	if err == sql.ErrNoRows {
		return nil, domain.ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}

	user.CreationTime = time.UnixMilli(creationTime)
	return user, nil
}

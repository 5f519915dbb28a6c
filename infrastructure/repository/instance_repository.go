package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kavos113/ctf-instancer/domain"
)

type MySQLInstanceRepository struct {
	db *sql.DB
}

func NewMySQLInstanceRepository(db *sql.DB) *MySQLInstanceRepository {
	return &MySQLInstanceRepository{db: db}
}

// CreateQueued performs the start write as one transaction: the owner's
// instance_count is incremented only while under the limit, and the record
// row is inserted (first start) or revived from stopped. Rows are never
// deleted, so a stopped row is the normal revival path.
func (r *MySQLInstanceRepository) CreateQueued(ctx context.Context, userID, challengeID string, maxInstances int) (domain.StartResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE users SET instance_count = instance_count + 1 WHERE id = ? AND instance_count < ?`,
		userID, maxInstances,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to increment instance count: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}
	if rows == 0 {
		return domain.StartLimitReached, nil
	}

	result, err = tx.ExecContext(ctx,
		`UPDATE challenge_instances SET state = ?, details = NULL, stop_time = NULL
		 WHERE user_id = ? AND challenge_id = ? AND state = ?`,
		domain.StateQueuedStart, userID, challengeID, domain.StateStopped,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to revive instance: %w", err)
	}
	rows, err = result.RowsAffected()
	if err != nil {
		return 0, err
	}

	if rows == 0 {
		var count int
		err = tx.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM challenge_instances WHERE user_id = ? AND challenge_id = ?`,
			userID, challengeID,
		).Scan(&count)
		if err != nil {
			return 0, fmt.Errorf("failed to check for existing instance: %w", err)
		}
		if count > 0 {
			// Row exists in a non-stopped state; the transaction rolls back
			// so the count increment is undone.
			return domain.StartConflict, nil
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO challenge_instances (user_id, challenge_id, state) VALUES (?, ?, ?)`,
			userID, challengeID, domain.StateQueuedStart,
		)
		if err != nil {
			return 0, fmt.Errorf("failed to insert instance: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit: %w", err)
	}
	return domain.StartCreated, nil
}

func (r *MySQLInstanceRepository) UpdateState(ctx context.Context, userID, challengeID string, state domain.InstanceState) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE challenge_instances SET state = ? WHERE user_id = ? AND challenge_id = ?`,
		state, userID, challengeID,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrInstanceNotFound
	}
	return nil
}

func (r *MySQLInstanceRepository) MarkRunning(ctx context.Context, userID, challengeID, details string, stopTime time.Time) error {
	result, err := r.db.ExecContext(ctx,
		`UPDATE challenge_instances SET state = ?, details = ?, stop_time = ? WHERE user_id = ? AND challenge_id = ?`,
		domain.StateRunning, details, stopTime.UnixMilli(), userID, challengeID,
	)
	if err != nil {
		return err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return domain.ErrInstanceNotFound
	}
	return nil
}

func (r *MySQLInstanceRepository) ExtendStopTime(ctx context.Context, userID, challengeID string, stopTime time.Time) (bool, error) {
	result, err := r.db.ExecContext(ctx,
		`UPDATE challenge_instances SET stop_time = ? WHERE user_id = ? AND challenge_id = ? AND state = ?`,
		stopTime.UnixMilli(), userID, challengeID, domain.StateRunning,
	)
	if err != nil {
		return false, err
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return rows == 1, nil
}

// MarkStopped clears the transient columns and decrements instance_count in
// the same transaction. Calling it on an already stopped row is a no-op, so
// reconciliation can force records to stopped without drifting the count.
func (r *MySQLInstanceRepository) MarkStopped(ctx context.Context, userID, challengeID string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	result, err := tx.ExecContext(ctx,
		`UPDATE challenge_instances SET state = ?, details = NULL, stop_time = NULL
		 WHERE user_id = ? AND challenge_id = ? AND state != ?`,
		domain.StateStopped, userID, challengeID, domain.StateStopped,
	)
	if err != nil {
		return fmt.Errorf("failed to stop instance: %w", err)
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}

	if rows == 1 {
		_, err = tx.ExecContext(ctx,
			`UPDATE users SET instance_count = instance_count - 1 WHERE id = ? AND instance_count > 0`,
			userID,
		)
		if err != nil {
			return fmt.Errorf("failed to decrement instance count: %w", err)
		}
	}

	return tx.Commit()
}

func (r *MySQLInstanceRepository) FindAll(ctx context.Context) ([]*domain.Instance, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT user_id, challenge_id, state, details, stop_time FROM challenge_instances`,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanInstances(rows)
}

func scanInstances(rows *sql.Rows) ([]*domain.Instance, error) {
	var instances []*domain.Instance

	for rows.Next() {
		instance := &domain.Instance{}
		var details sql.NullString
		var stopTime sql.NullInt64

		err := rows.Scan(
			&instance.UserID,
			&instance.ChallengeID,
			&instance.State,
			&details,
			&stopTime,
		)
		if err != nil {
			return nil, err
		}

		if details.Valid {
			instance.Details = details.String
		}
		if stopTime.Valid {
			t := time.UnixMilli(stopTime.Int64)
			instance.StopTime = &t
		}

		instances = append(instances, instance)
	}

	return instances, rows.Err()
}

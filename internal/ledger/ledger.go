// Package ledger owns reviewer load and quota. Load only ever changes through
// TryReserve, a single conditional update that is linearizable per reviewer
// at the storage layer.
package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"reviewline/internal/repo"
)

type Ledger struct {
	DB *sql.DB
}

func New(db *sql.DB) Ledger {
	return Ledger{DB: db}
}

// TryReserve consumes one unit of quota for reviewerID if load < quota.
// It runs in the caller's transaction so the reservation commits or rolls
// back together with the submission it pays for. Unknown reviewers report
// false.
func (l Ledger) TryReserve(ctx context.Context, tx *sql.Tx, reviewerID string) (bool, error) {
	res, err := tx.ExecContext(ctx, `UPDATE reviewers SET load=load+1 WHERE id=? AND load<quota`, reviewerID)
	if err != nil {
		return false, fmt.Errorf("reserve %s: %w", reviewerID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// CurrentLoad reads the committed load of one reviewer.
func (l Ledger) CurrentLoad(ctx context.Context, reviewerID string) (int, error) {
	var load int
	err := l.DB.QueryRowContext(ctx, `SELECT load FROM reviewers WHERE id=?`, reviewerID).Scan(&load)
	if err == sql.ErrNoRows {
		return 0, repo.ErrNotFound
	}
	return load, err
}

// Remaining reads quota minus load for one reviewer.
func (l Ledger) Remaining(ctx context.Context, reviewerID string) (int, error) {
	var remaining int
	err := l.DB.QueryRowContext(ctx, `SELECT quota-load FROM reviewers WHERE id=?`, reviewerID).Scan(&remaining)
	if err == sql.ErrNoRows {
		return 0, repo.ErrNotFound
	}
	return remaining, err
}

// Capacity is a committed load/quota pair.
type Capacity struct {
	Load  int
	Quota int
}

// Available reports whether one more unit could be reserved as of the read.
func (c Capacity) Available() bool {
	return c.Load < c.Quota
}

// Capacities reads committed load and quota for a set of reviewers in one
// query. Unknown ids are absent from the result.
func (l Ledger) Capacities(ctx context.Context, reviewerIDs []string) (map[string]Capacity, error) {
	res := make(map[string]Capacity, len(reviewerIDs))
	if len(reviewerIDs) == 0 {
		return res, nil
	}
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(reviewerIDs)), ",")
	args := make([]any, len(reviewerIDs))
	for i, id := range reviewerIDs {
		args[i] = id
	}
	rows, err := l.DB.QueryContext(ctx, `SELECT id, load, quota FROM reviewers WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id string
		var c Capacity
		if err := rows.Scan(&id, &c.Load, &c.Quota); err != nil {
			return nil, err
		}
		res[id] = c
	}
	return res, rows.Err()
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/sealbid/auctiond/internal/clock"
)

// BalanceRepo implements store.BalanceRepository with sqlx.
type BalanceRepo struct {
	db  *sqlx.DB
	clk clock.Clock
}

// NewBalanceRepo returns a new BalanceRepo.
func NewBalanceRepo(db *sqlx.DB, clk clock.Clock) *BalanceRepo {
	return &BalanceRepo{db: db, clk: clk}
}

func (r *BalanceRepo) Get(ctx context.Context, identity string) (int64, error) {
	var amount int64
	err := r.db.GetContext(ctx, &amount,
		`SELECT amount FROM balances WHERE identity = $1`, identity)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("getting balance: %w", err)
	}
	return amount, nil
}

func (r *BalanceRepo) Credit(ctx context.Context, identity string, amount int64) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO balances (identity, amount, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (identity)
		 DO UPDATE SET amount = balances.amount + EXCLUDED.amount,
		               updated_at = EXCLUDED.updated_at`,
		identity, amount, r.clk.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("crediting balance: %w", err)
	}
	return nil
}

func (r *BalanceRepo) Zero(ctx context.Context, identity string) (int64, error) {
	var prior int64
	// The CTE reads the statement's starting snapshot, so it yields the
	// amount before the update.
	err := r.db.QueryRowContext(ctx,
		`WITH prior AS (SELECT amount FROM balances WHERE identity = $2)
		 UPDATE balances SET amount = 0, updated_at = $1
		 WHERE identity = $2
		 RETURNING (SELECT amount FROM prior)`,
		r.clk.Now().UTC(), identity,
	).Scan(&prior)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("zeroing balance: %w", err)
	}
	return prior, nil
}

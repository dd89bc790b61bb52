// Package repository provides data access layer implementations.
package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Common errors for repository operations.
var (
	ErrUserNotFound         = errors.New("user not found")
	ErrInsufficientBalance  = errors.New("insufficient balance")
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrSquadNotFound        = errors.New("server squad not found")
	ErrRoundNotFound        = errors.New("contest round not found")
	ErrAttemptExists        = errors.New("attempt already recorded for this round")
	ErrPromoOfferNotFound   = errors.New("promo offer not found or already used")
)

// DB is the query surface shared by *pgxpool.Pool and pgx.Tx. Repositories
// are constructed over a pool and rebound to a transaction via WithTx when
// an operation must be atomic with others.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// isUniqueViolation reports whether err is a Postgres unique constraint
// violation.
func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"telegram-vpn-bot/internal/model"
)

// TransactionRepository handles the immutable balance ledger.
type TransactionRepository struct {
	db DB
}

// NewTransactionRepository creates a new TransactionRepository instance.
func NewTransactionRepository(db DB) *TransactionRepository {
	return &TransactionRepository{db: db}
}

// WithTx returns a copy of the repository bound to the given transaction.
func (r *TransactionRepository) WithTx(tx pgx.Tx) *TransactionRepository {
	return &TransactionRepository{db: tx}
}

// Create appends a ledger entry. Amounts are in kopeks; debits are
// negative.
func (r *TransactionRepository) Create(ctx context.Context, userID int64, amountKopeks int64, txType string, description, paymentMethod *string) (*model.Transaction, error) {
	const query = `
		INSERT INTO transactions (user_id, type, amount_kopeks, description, payment_method, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		RETURNING id, user_id, type, amount_kopeks, description, payment_method, created_at
	`

	var tx model.Transaction
	err := r.db.QueryRow(ctx, query, userID, txType, amountKopeks, description, paymentMethod).Scan(
		&tx.ID,
		&tx.UserID,
		&tx.Type,
		&tx.AmountKopeks,
		&tx.Description,
		&tx.PaymentMethod,
		&tx.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction: %w", err)
	}

	return &tx, nil
}

// GetByUserID retrieves a user's ledger entries, newest first.
func (r *TransactionRepository) GetByUserID(ctx context.Context, userID int64, limit int) ([]*model.Transaction, error) {
	const query = `
		SELECT id, user_id, type, amount_kopeks, description, payment_method, created_at
		FROM transactions
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	rows, err := r.db.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get transactions: %w", err)
	}
	defer rows.Close()

	var transactions []*model.Transaction
	for rows.Next() {
		var tx model.Transaction
		err := rows.Scan(
			&tx.ID,
			&tx.UserID,
			&tx.Type,
			&tx.AmountKopeks,
			&tx.Description,
			&tx.PaymentMethod,
			&tx.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		transactions = append(transactions, &tx)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating transactions: %w", err)
	}

	return transactions, nil
}

// TotalDeposited sums the user's deposits, for spend analytics.
func (r *TransactionRepository) TotalDeposited(ctx context.Context, userID int64) (int64, error) {
	const query = `
		SELECT COALESCE(SUM(amount_kopeks), 0)
		FROM transactions
		WHERE user_id = $1 AND type = $2
	`

	var total int64
	err := r.db.QueryRow(ctx, query, userID, model.TxTypeDeposit).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum deposits: %w", err)
	}

	return total, nil
}

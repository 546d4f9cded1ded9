package approval

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// PostgresStore persists tokens in the approval_tokens table. The consuming
// check runs in a transaction holding a row lock.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a PostgreSQL-backed token store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

const selectToken = `
	SELECT id, intent_id, tx_request_hash, issued_at, ttl_seconds, consumed
	FROM approval_tokens
	WHERE id = $1`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanToken(row rowScanner) (*Token, error) {
	t := &Token{}
	err := row.Scan(&t.ID, &t.IntentID, &t.TxRequestHash, &t.IssuedAt, &t.TTLSeconds, &t.Consumed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}
	return t, nil
}

func (p *PostgresStore) Create(ctx context.Context, t *Token) error {
	_, err := p.db.ExecContext(ctx, `
		INSERT INTO approval_tokens (id, intent_id, tx_request_hash, issued_at, ttl_seconds, consumed)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, t.ID, t.IntentID, t.TxRequestHash, t.IssuedAt, t.TTLSeconds, t.Consumed)
	if err != nil {
		return fmt.Errorf("approval: insert token: %w", err)
	}
	return nil
}

func (p *PostgresStore) Get(ctx context.Context, id string) (*Token, error) {
	return scanToken(p.db.QueryRowContext(ctx, selectToken, id))
}

func (p *PostgresStore) Validate(ctx context.Context, id, intentID, txRequestHash string, now time.Time) (Validation, error) {
	t, err := p.Get(ctx, id)
	if err != nil && !errors.Is(err, ErrTokenNotFound) {
		return Validation{}, err
	}
	return checkToken(t, intentID, txRequestHash, now), nil
}

func (p *PostgresStore) Consume(ctx context.Context, id string) error {
	res, err := p.db.ExecContext(ctx,
		`UPDATE approval_tokens SET consumed = TRUE WHERE id = $1 AND consumed = FALSE`, id)
	if err != nil {
		return fmt.Errorf("approval: consume token: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := p.Get(ctx, id); err != nil {
			return err
		}
		return ErrAlreadyConsumed
	}
	return nil
}

func (p *PostgresStore) ValidateAndConsume(ctx context.Context, id, intentID, txRequestHash string, now time.Time) (Validation, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return Validation{}, fmt.Errorf("approval: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	t, err := scanToken(tx.QueryRowContext(ctx, selectToken+" FOR UPDATE", id))
	if err != nil && !errors.Is(err, ErrTokenNotFound) {
		return Validation{}, err
	}
	v := checkToken(t, intentID, txRequestHash, now)
	if !v.Valid {
		return v, nil
	}
	if _, err := tx.ExecContext(ctx, `UPDATE approval_tokens SET consumed = TRUE WHERE id = $1`, id); err != nil {
		return Validation{}, fmt.Errorf("approval: mark consumed: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Validation{}, fmt.Errorf("approval: commit: %w", err)
	}
	return v, nil
}

func (p *PostgresStore) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := p.db.ExecContext(ctx,
		`DELETE FROM approval_tokens WHERE issued_at + ttl_seconds <= $1`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("approval: delete expired: %w", err)
	}
	n, err := res.RowsAffected()
	return int(n), err
}

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"EnergyLedger/internal/battery"
)

const (
	pgForeignKeyViolation = "23503"
	pgUniqueViolation     = "23505"
	pgCheckViolation      = "23514"
)

// PostgresStore keeps records in the ledger schema.
//
// Update runs in one transaction and row-locks the pool before the user
// account, the same order used by lock.Locker, so the two never deadlock
// against each other. Records given WithRecord go to ledger.committed_keys in
// the same transaction.
type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) CreatePool(ctx context.Context, pool *battery.Pool, opts ...WriteOption) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create pool: %w", err)
	}
	defer tx.Rollback()

	if err := insertRecord(ctx, tx, collect(opts), pool, nil); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO ledger.pools (pool_id, owner_id, capacity, available, version)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (pool_id) DO NOTHING`,
		pool.ID, pool.Owner, num(pool.Capacity), num(pool.Available), num(pool.Version),
	)
	if err != nil {
		return fmt.Errorf("insert pool %s: %w", pool.ID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", battery.ErrPoolExists, pool.ID)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit pool %s: %w", pool.ID, err)
	}
	return nil
}

func (s *PostgresStore) CreateUserAccount(ctx context.Context, account *battery.UserAccount, opts ...WriteOption) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create user account: %w", err)
	}
	defer tx.Rollback()

	if err := insertRecord(ctx, tx, collect(opts), nil, account); err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO ledger.user_accounts (pool_id, user_id, allocated, energy_balance, version)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (pool_id, user_id) DO NOTHING`,
		account.PoolID, account.UserID, num(account.Allocated), num(account.EnergyBalance), num(account.Version),
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == pgForeignKeyViolation {
			return fmt.Errorf("%w: %s", battery.ErrPoolNotFound, account.PoolID)
		}
		return fmt.Errorf("insert user account: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: pool=%s user=%s", battery.ErrUserAccountExists, account.PoolID, account.UserID)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit user account: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetPool(ctx context.Context, poolID uuid.UUID) (*battery.Pool, error) {
	return scanPool(s.db.QueryRowContext(ctx, selectPool, poolID), poolID)
}

func (s *PostgresStore) GetUserAccount(ctx context.Context, poolID, userID uuid.UUID) (*battery.UserAccount, error) {
	return scanUserAccount(s.db.QueryRowContext(ctx, selectUserAccount, poolID, userID), poolID, userID)
}

func (s *PostgresStore) PoolSnapshot(ctx context.Context, poolID uuid.UUID) (*battery.Pool, []*battery.UserAccount, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
	if err != nil {
		return nil, nil, fmt.Errorf("begin snapshot: %w", err)
	}
	defer tx.Rollback()

	pool, err := scanPool(tx.QueryRowContext(ctx, selectPool, poolID), poolID)
	if err != nil {
		return nil, nil, err
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT user_id, allocated, energy_balance, version
		FROM ledger.user_accounts
		WHERE pool_id = $1
		ORDER BY user_id`, poolID)
	if err != nil {
		return nil, nil, fmt.Errorf("list user accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*battery.UserAccount
	for rows.Next() {
		var (
			userID                      uuid.UUID
			allocated, balance, version string
		)
		if err := rows.Scan(&userID, &allocated, &balance, &version); err != nil {
			return nil, nil, fmt.Errorf("scan user account: %w", err)
		}
		u := battery.NewUserAccount(poolID, userID)
		if err := parseAll(
			field{allocated, &u.Allocated},
			field{balance, &u.EnergyBalance},
			field{version, &u.Version},
		); err != nil {
			return nil, nil, err
		}
		accounts = append(accounts, u)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate user accounts: %w", err)
	}

	return pool, accounts, nil
}

func (s *PostgresStore) Update(ctx context.Context, poolID, userID uuid.UUID, fn UpdateFunc, opts ...WriteOption) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin update: %w", err)
	}
	defer tx.Rollback()

	pool, err := scanPool(tx.QueryRowContext(ctx, selectPool+" FOR UPDATE", poolID), poolID)
	if err != nil {
		return err
	}
	user, err := scanUserAccount(tx.QueryRowContext(ctx, selectUserAccount+" FOR UPDATE", poolID, userID), poolID, userID)
	if err != nil {
		return err
	}

	if err := fn(pool, user); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE ledger.pools SET available = $2, version = $3, updated_at = now()
		WHERE pool_id = $1`,
		poolID, num(pool.Available), num(pool.Version),
	); err != nil {
		return commitErr("update pool", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE ledger.user_accounts SET allocated = $3, energy_balance = $4, version = $5, updated_at = now()
		WHERE pool_id = $1 AND user_id = $2`,
		poolID, userID, num(user.Allocated), num(user.EnergyBalance), num(user.Version),
	); err != nil {
		return commitErr("update user account", err)
	}
	if err := insertRecord(ctx, tx, collect(opts), pool, user); err != nil {
		if errors.Is(err, ErrKeyCommitted) {
			return err
		}
		return commitErr("record", err)
	}
	if err := tx.Commit(); err != nil {
		return commitErr("commit", err)
	}
	return nil
}

const (
	selectPool = `
		SELECT owner_id, capacity, available, version
		FROM ledger.pools
		WHERE pool_id = $1`

	selectUserAccount = `
		SELECT allocated, energy_balance, version
		FROM ledger.user_accounts
		WHERE pool_id = $1 AND user_id = $2`
)

func scanPool(row *sql.Row, poolID uuid.UUID) (*battery.Pool, error) {
	var (
		owner                        uuid.UUID
		capacity, available, version string
	)
	err := row.Scan(&owner, &capacity, &available, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", battery.ErrPoolNotFound, poolID)
	}
	if err != nil {
		return nil, fmt.Errorf("load pool %s: %w", poolID, err)
	}

	p := &battery.Pool{ID: poolID, Owner: owner}
	if err := parseAll(
		field{capacity, &p.Capacity},
		field{available, &p.Available},
		field{version, &p.Version},
	); err != nil {
		return nil, err
	}
	return p, nil
}

func scanUserAccount(row *sql.Row, poolID, userID uuid.UUID) (*battery.UserAccount, error) {
	var allocated, balance, version string
	err := row.Scan(&allocated, &balance, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: pool=%s user=%s", battery.ErrUserAccountNotFound, poolID, userID)
	}
	if err != nil {
		return nil, fmt.Errorf("load user account: %w", err)
	}

	u := battery.NewUserAccount(poolID, userID)
	if err := parseAll(
		field{allocated, &u.Allocated},
		field{balance, &u.EnergyBalance},
		field{version, &u.Version},
	); err != nil {
		return nil, err
	}
	return u, nil
}

// insertRecord writes the record of a write. The primary key on
// idempotency_key turns a second commit of a key into ErrKeyCommitted.
func insertRecord(ctx context.Context, tx *sql.Tx, o writeOptions, p *battery.Pool, u *battery.UserAccount) error {
	if o.record == nil {
		return nil
	}
	rec := o.record(p, u)
	body, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.RecordID, err)
	}

	_, err = tx.ExecContext(ctx, `
		INSERT INTO ledger.committed_keys (idempotency_key, record_id, sequence, record, committed_at)
		VALUES ($1, $2, $3, $4, $5)`,
		rec.IdempotencyKey, rec.RecordID, rec.Sequence, string(body), rec.CommittedAt,
	)
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pgUniqueViolation {
		return fmt.Errorf("%w: %s", ErrKeyCommitted, rec.IdempotencyKey)
	}
	if err != nil {
		return fmt.Errorf("insert record %s: %w", rec.RecordID, err)
	}
	return nil
}

// commitErr marks a failure after the callback ran. A check violation means
// the row constraints caught an out-of-range value.
func commitErr(step string, err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == pgCheckViolation {
		return fmt.Errorf("%w: %s: %w: %s", ErrCommit, step, battery.ErrArithmeticOverflow, pqErr.Constraint)
	}
	return fmt.Errorf("%w: %s: %w", ErrCommit, step, err)
}

// num encodes a uint64 for a NUMERIC(20,0) column. database/sql rejects
// uint64 values above math.MaxInt64, so quantities travel as decimal text.
func num(v uint64) string {
	return strconv.FormatUint(v, 10)
}

type field struct {
	raw string
	dst *uint64
}

func parseAll(fields ...field) error {
	for _, f := range fields {
		v, err := strconv.ParseUint(f.raw, 10, 64)
		if err != nil {
			return fmt.Errorf("decode quantity %q: %w", f.raw, err)
		}
		*f.dst = v
	}
	return nil
}

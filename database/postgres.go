package database

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/ruteri/ledger-key-custody/interfaces"
)

//go:embed schema.sql
var schemaSQL string

const pgUniqueViolation = "23505"

// PostgresOpts tunes the connection pool.
type PostgresOpts struct {
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// PostgresStore implements interfaces.Store on PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

var _ interfaces.Store = (*PostgresStore)(nil)

// NewPostgresStore connects to the database. The schema is not applied; call
// EnsureSchema for that.
func NewPostgresStore(ctx context.Context, dsn string, opts PostgresOpts, log *slog.Logger) (*PostgresStore, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		cfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		cfg.MinConns = opts.MinConns
	}
	if opts.MaxConnLifetime > 0 {
		cfg.MaxConnLifetime = opts.MaxConnLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		log.Warn("Postgres not reachable at startup", "err", err)
	} else {
		log.Info("Postgres pool ready", slog.Int("max_conns", int(cfg.MaxConns)))
	}

	return &PostgresStore{pool: pool, log: log}, nil
}

// EnsureSchema creates tables and indexes if they do not exist.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *PostgresStore) Close() { s.pool.Close() }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func notFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return interfaces.ErrNotFound
	}
	return err
}

func (s *PostgresStore) InsertAccount(ctx context.Context, account interfaces.Account) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO accounts (id, owner_id, address, status, created_at) VALUES ($1, $2, $3, $4, $5)`,
		account.ID, account.OwnerID, account.Address, string(account.Status), account.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s", interfaces.ErrAccountExists, account.ID)
	}
	return err
}

func (s *PostgresStore) GetAccount(ctx context.Context, accountID string) (interfaces.Account, error) {
	var a interfaces.Account
	var status string
	err := s.pool.QueryRow(ctx,
		`SELECT id, owner_id, address, status, created_at FROM accounts WHERE id = $1`, accountID).
		Scan(&a.ID, &a.OwnerID, &a.Address, &status, &a.CreatedAt)
	if err != nil {
		return interfaces.Account{}, notFound(err)
	}
	a.Status = interfaces.AccountStatus(status)
	return a, nil
}

const insertKeySQL = `INSERT INTO account_keys
	(key_id, account_id, algorithm, public_key, encrypted_key_ref, provider, status, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`

const insertRegistrySQL = `INSERT INTO public_key_registry
	(hash, account_id, algorithm, key_id, public_key, usage_count, status, created_at)
	VALUES ($1, $2, $3, $4, $5, 0, $6, $7)`

func insertKeyTx(ctx context.Context, tx pgx.Tx, key interfaces.AccountKey, entry interfaces.RegistryEntry) error {
	if _, err := tx.Exec(ctx, insertKeySQL,
		key.KeyID, key.AccountID, key.Algorithm.String(), key.PublicKey, key.EncryptedKeyRef[:],
		key.Provider, string(key.Status), key.CreatedAt); err != nil {
		return err
	}
	_, err := tx.Exec(ctx, insertRegistrySQL,
		entry.Hash, entry.AccountID, entry.Algorithm.String(), entry.KeyID, entry.PublicKey,
		string(entry.Status), entry.CreatedAt)
	return err
}

// InsertKey writes the key and registry entry in one transaction.
func (s *PostgresStore) InsertKey(ctx context.Context, key interfaces.AccountKey, entry interfaces.RegistryEntry) error {
	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return insertKeyTx(ctx, tx, key, entry)
	})
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s/%s", interfaces.ErrDuplicateActiveKey, key.AccountID, key.Algorithm)
	}
	return err
}

// ReplaceKey retires the active key and entry and inserts the replacement in
// one transaction. The active registry row is locked first so concurrent
// rotations of the same key serialize.
func (s *PostgresStore) ReplaceKey(ctx context.Context, key interfaces.AccountKey, entry interfaces.RegistryEntry) (*interfaces.RegistryEntry, error) {
	var retired *interfaces.RegistryEntry

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		old, err := scanRegistryEntry(tx.QueryRow(ctx,
			`SELECT `+registryColumns+` FROM public_key_registry
			 WHERE account_id = $1 AND algorithm = $2 AND status = 'active' FOR UPDATE`,
			key.AccountID, key.Algorithm.String()))
		switch {
		case errors.Is(err, pgx.ErrNoRows):
		case err != nil:
			return err
		default:
			if _, err := tx.Exec(ctx,
				`UPDATE public_key_registry SET status = $2 WHERE hash = $1`,
				old.Hash, string(interfaces.KeyRetired)); err != nil {
				return err
			}
			if _, err := tx.Exec(ctx,
				`UPDATE account_keys SET status = $2 WHERE key_id = $1`,
				old.KeyID, string(interfaces.KeyRetired)); err != nil {
				return err
			}
			old.Status = interfaces.KeyRetired
			retired = &old
		}

		return insertKeyTx(ctx, tx, key, entry)
	})
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("%w: %s/%s", interfaces.ErrDuplicateActiveKey, key.AccountID, key.Algorithm)
	}
	if err != nil {
		return nil, err
	}
	return retired, nil
}

const keyColumns = `key_id, account_id, algorithm, public_key, encrypted_key_ref, provider, status, created_at`

func scanKey(row pgx.Row) (interfaces.AccountKey, error) {
	var k interfaces.AccountKey
	var alg, status string
	var ref []byte
	if err := row.Scan(&k.KeyID, &k.AccountID, &alg, &k.PublicKey, &ref, &k.Provider, &status, &k.CreatedAt); err != nil {
		return interfaces.AccountKey{}, err
	}
	algorithm, err := interfaces.ParseAlgorithm(alg)
	if err != nil {
		return interfaces.AccountKey{}, err
	}
	k.Algorithm = algorithm
	k.Status = interfaces.KeyStatus(status)
	copy(k.EncryptedKeyRef[:], ref)
	return k, nil
}

func (s *PostgresStore) GetKey(ctx context.Context, keyID string) (interfaces.AccountKey, error) {
	k, err := scanKey(s.pool.QueryRow(ctx, `SELECT `+keyColumns+` FROM account_keys WHERE key_id = $1`, keyID))
	if err != nil {
		return interfaces.AccountKey{}, notFound(err)
	}
	return k, nil
}

func (s *PostgresStore) ListKeys(ctx context.Context, accountID string) ([]interfaces.AccountKey, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+keyColumns+` FROM account_keys WHERE account_id = $1 ORDER BY created_at, key_id`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []interfaces.AccountKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

const registryColumns = `hash, account_id, algorithm, key_id, public_key, usage_count, last_used_at, status, created_at`

func scanRegistryEntry(row pgx.Row) (interfaces.RegistryEntry, error) {
	var e interfaces.RegistryEntry
	var alg, status string
	if err := row.Scan(&e.Hash, &e.AccountID, &alg, &e.KeyID, &e.PublicKey, &e.UsageCount, &e.LastUsedAt, &status, &e.CreatedAt); err != nil {
		return interfaces.RegistryEntry{}, err
	}
	algorithm, err := interfaces.ParseAlgorithm(alg)
	if err != nil {
		return interfaces.RegistryEntry{}, err
	}
	e.Algorithm = algorithm
	e.Status = interfaces.KeyStatus(status)
	return e, nil
}

func (s *PostgresStore) GetActiveRegistryEntry(ctx context.Context, accountID string, alg interfaces.Algorithm) (interfaces.RegistryEntry, error) {
	e, err := scanRegistryEntry(s.pool.QueryRow(ctx,
		`SELECT `+registryColumns+` FROM public_key_registry WHERE account_id = $1 AND algorithm = $2 AND status = 'active'`,
		accountID, alg.String()))
	if err != nil {
		return interfaces.RegistryEntry{}, notFound(err)
	}
	return e, nil
}

func (s *PostgresStore) RecordKeyUsage(ctx context.Context, hash string, usedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE public_key_registry SET usage_count = usage_count + 1, last_used_at = $2 WHERE hash = $1`,
		hash, usedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) NonceExists(ctx context.Context, nonceHash, accountID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM request_nonces WHERE nonce_hash = $1 AND account_id = $2)`,
		nonceHash, accountID).Scan(&exists)
	return exists, err
}

// InsertNonce relies on the primary key: a conflicting insert affects no rows.
func (s *PostgresStore) InsertNonce(ctx context.Context, nonce interfaces.RequestNonce) error {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO request_nonces (nonce_hash, account_id, nonce, received_at, expires_at)
		 VALUES ($1, $2, $3, $4, $5) ON CONFLICT (nonce_hash, account_id) DO NOTHING`,
		nonce.NonceHash, nonce.AccountID, nonce.Nonce, nonce.ReceivedAt, nonce.ExpiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return interfaces.ErrNonceExists
	}
	return nil
}

func (s *PostgresStore) DeleteExpiredNonces(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM request_nonces WHERE expires_at < $1`, before)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// ReplaceActiveSubstitutionKey deactivates and inserts in one transaction.
// The partial unique index on active keys rejects a concurrent second insert.
func (s *PostgresStore) ReplaceActiveSubstitutionKey(ctx context.Context, key interfaces.SubstitutionKeyPair, revokedAt time.Time) ([]string, error) {
	var deactivated []string

	err := pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		rows, err := tx.Query(ctx,
			`UPDATE substitution_keys SET active = FALSE, revoked_at = $2
			 WHERE address = $1 AND active RETURNING key_id`,
			key.Address, revokedAt)
		if err != nil {
			return err
		}
		deactivated, err = pgx.CollectRows(rows, pgx.RowTo[string])
		if err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO substitution_keys (key_id, public_key, address, created_at, expires_at, active, usage_count)
			 VALUES ($1, $2, $3, $4, $5, TRUE, 0)`,
			key.KeyID, key.PublicKey, key.Address, key.CreatedAt, key.ExpiresAt)
		return err
	})
	if isUniqueViolation(err) {
		return nil, fmt.Errorf("concurrent substitution key issuance for %s: %w", key.Address, err)
	}
	if err != nil {
		return nil, err
	}
	return deactivated, nil
}

const substitutionColumns = `key_id, public_key, address, created_at, expires_at, active, revoked_at, usage_count, last_used_at`

func scanSubstitutionKey(row pgx.Row) (interfaces.SubstitutionKeyPair, error) {
	var k interfaces.SubstitutionKeyPair
	err := row.Scan(&k.KeyID, &k.PublicKey, &k.Address, &k.CreatedAt, &k.ExpiresAt, &k.Active, &k.RevokedAt, &k.UsageCount, &k.LastUsedAt)
	return k, err
}

func (s *PostgresStore) GetSubstitutionKey(ctx context.Context, keyID string) (interfaces.SubstitutionKeyPair, error) {
	k, err := scanSubstitutionKey(s.pool.QueryRow(ctx,
		`SELECT `+substitutionColumns+` FROM substitution_keys WHERE key_id = $1`, keyID))
	if err != nil {
		return interfaces.SubstitutionKeyPair{}, notFound(err)
	}
	return k, nil
}

func (s *PostgresStore) GetActiveSubstitutionKey(ctx context.Context, address string) (interfaces.SubstitutionKeyPair, error) {
	k, err := scanSubstitutionKey(s.pool.QueryRow(ctx,
		`SELECT `+substitutionColumns+` FROM substitution_keys WHERE address = $1 AND active`, address))
	if err != nil {
		return interfaces.SubstitutionKeyPair{}, notFound(err)
	}
	return k, nil
}

func (s *PostgresStore) ListSubstitutionKeys(ctx context.Context, address string) ([]interfaces.SubstitutionKeyPair, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+substitutionColumns+` FROM substitution_keys WHERE address = $1 ORDER BY created_at DESC, key_id`, address)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var keys []interfaces.SubstitutionKeyPair
	for rows.Next() {
		k, err := scanSubstitutionKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func (s *PostgresStore) DeactivateSubstitutionKey(ctx context.Context, keyID string, revokedAt time.Time) (bool, error) {
	var wasActive bool
	err := s.pool.QueryRow(ctx,
		`WITH prev AS (SELECT active FROM substitution_keys WHERE key_id = $1 FOR UPDATE)
		 UPDATE substitution_keys SET active = FALSE,
		     revoked_at = CASE WHEN substitution_keys.active THEN $2 ELSE substitution_keys.revoked_at END
		 FROM prev WHERE key_id = $1 RETURNING prev.active`,
		keyID, revokedAt).Scan(&wasActive)
	if err != nil {
		return false, notFound(err)
	}
	return wasActive, nil
}

func (s *PostgresStore) UpdateSubstitutionKeyExpiration(ctx context.Context, keyID string, expiresAt time.Time) error {
	tag, err := s.pool.Exec(ctx, `UPDATE substitution_keys SET expires_at = $2 WHERE key_id = $1`, keyID, expiresAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

func (s *PostgresStore) RecordSubstitutionKeyUsage(ctx context.Context, keyID string, usedAt time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE substitution_keys SET usage_count = usage_count + 1, last_used_at = $2 WHERE key_id = $1`,
		keyID, usedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return interfaces.ErrNotFound
	}
	return nil
}

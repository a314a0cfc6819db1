package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/sakif/user-api/internal/apperror"
	"github.com/sakif/user-api/internal/model"
	"github.com/sakif/user-api/internal/repository"
)

// compile-time check that *DB implements repository.AccountRepository
var _ repository.AccountRepository = (*DB)(nil)

const accountColumns = `id, login, COALESCE(email, ''), pass_hash, display_name, nickname,
	nicename, url, registered, activation_key, activation_key_at`

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (db *DB) GetByID(ctx context.Context, id int64) (*model.Account, error) {
	return db.getOne(ctx, "id = ?", id, strconv.FormatInt(id, 10))
}

// GetByEmail matches case-insensitively (the column is COLLATE NOCASE).
func (db *DB) GetByEmail(ctx context.Context, email string) (*model.Account, error) {
	if email == "" {
		return nil, apperror.NotFound("account", "email ''")
	}
	return db.getOne(ctx, "email = ?", email, email)
}

func (db *DB) GetByLogin(ctx context.Context, login string) (*model.Account, error) {
	return db.getOne(ctx, "login = ?", login, login)
}

func (db *DB) GetByIdentity(ctx context.Context, provider, externalID string) (*model.Account, error) {
	var id int64
	err := db.conn.QueryRowContext(ctx,
		`SELECT user_id FROM user_identities WHERE provider = ? AND external_id = ?`,
		provider, externalID,
	).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("account", provider+":"+externalID)
		}
		return nil, fmt.Errorf("sqlite: looking up identity %s:%s: %w", provider, externalID, err)
	}
	return db.GetByID(ctx, id)
}

// getOne loads the account matching where, plus its metadata and identities.
func (db *DB) getOne(ctx context.Context, where string, arg any, label string) (*model.Account, error) {
	acc, err := scanAccount(db.conn.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM users WHERE `+where, arg,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("account", label)
		}
		return nil, fmt.Errorf("sqlite: getting account %s: %w", label, err)
	}

	if err := hydrate(ctx, db.conn, acc); err != nil {
		return nil, err
	}
	return acc, nil
}

func scanAccount(row *sql.Row) (*model.Account, error) {
	var (
		a     model.Account
		keyAt sql.NullTime
	)
	err := row.Scan(
		&a.ID,
		&a.Login,
		&a.Email,
		&a.PasswordHash,
		&a.DisplayName,
		&a.Nickname,
		&a.Nicename,
		&a.URL,
		&a.Registered,
		&a.ActivationKey,
		&keyAt,
	)
	if err != nil {
		return nil, err
	}
	if keyAt.Valid {
		a.ActivationKeyAt = keyAt.Time
	}
	return &a, nil
}

// hydrate fills Meta and ExternalIdentities.
func hydrate(ctx context.Context, q queryer, acc *model.Account) error {
	acc.Meta = make(map[string]string)
	acc.ExternalIdentities = make(map[string]string)

	rows, err := q.QueryContext(ctx,
		`SELECT meta_key, meta_value FROM usermeta WHERE user_id = ?`, acc.ID)
	if err != nil {
		return fmt.Errorf("sqlite: loading meta for account %d: %w", acc.ID, err)
	}
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			rows.Close()
			return fmt.Errorf("sqlite: scanning meta row: %w", err)
		}
		acc.Meta[k] = v
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("sqlite: iterating meta rows: %w", err)
	}

	rows, err = q.QueryContext(ctx,
		`SELECT provider, external_id FROM user_identities WHERE user_id = ?`, acc.ID)
	if err != nil {
		return fmt.Errorf("sqlite: loading identities for account %d: %w", acc.ID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var p, ext string
		if err := rows.Scan(&p, &ext); err != nil {
			return fmt.Errorf("sqlite: scanning identity row: %w", err)
		}
		acc.ExternalIdentities[p] = ext
	}
	return rows.Err()
}

func (db *DB) Create(ctx context.Context, acc model.NewAccount) (*model.Account, error) {
	var id int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = insertAccount(ctx, tx, acc)
		return err
	})
	if err != nil {
		return nil, err
	}
	return db.GetByID(ctx, id)
}

func (db *DB) CreateWithIdentity(ctx context.Context, acc model.NewAccount, provider, externalID string) (*model.Account, error) {
	var id int64
	err := db.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		id, err = insertAccount(ctx, tx, acc)
		if err != nil {
			return err
		}
		return linkIdentity(ctx, tx, id, provider, externalID)
	})
	if err != nil {
		return nil, err
	}
	return db.GetByID(ctx, id)
}

func insertAccount(ctx context.Context, tx *sql.Tx, acc model.NewAccount) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`INSERT INTO users (login, email, pass_hash, display_name, nickname, nicename, registered)
		 VALUES (?, NULLIF(?, ''), ?, ?, ?, ?, ?)`,
		acc.Login,
		acc.Email,
		acc.PasswordHash,
		acc.DisplayName,
		acc.Nickname,
		acc.Nicename,
		time.Now().UTC(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return 0, conflictFrom(err, acc.Login)
		}
		return 0, fmt.Errorf("sqlite: inserting account %s: %w", acc.Login, err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("sqlite: reading new account id: %w", err)
	}

	if err := upsertMeta(ctx, tx, id, acc.Meta); err != nil {
		return 0, err
	}
	return id, nil
}

func (db *DB) LinkIdentity(ctx context.Context, accountID int64, provider, externalID string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		var exists int
		err := tx.QueryRowContext(ctx, `SELECT 1 FROM users WHERE id = ?`, accountID).Scan(&exists)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperror.NotFound("account", strconv.FormatInt(accountID, 10))
			}
			return fmt.Errorf("sqlite: checking account %d: %w", accountID, err)
		}
		return linkIdentity(ctx, tx, accountID, provider, externalID)
	})
}

// linkIdentity replaces the account's external id for provider. Binding an
// external id already owned by another account is a conflict.
func linkIdentity(ctx context.Context, q queryer, accountID int64, provider, externalID string) error {
	var owner int64
	err := q.QueryRowContext(ctx,
		`SELECT user_id FROM user_identities WHERE provider = ? AND external_id = ?`,
		provider, externalID,
	).Scan(&owner)
	switch {
	case err == nil && owner == accountID:
		return nil
	case err == nil:
		return apperror.Conflict("account", "identity", provider+":"+externalID)
	case !errors.Is(err, sql.ErrNoRows):
		return fmt.Errorf("sqlite: checking identity %s:%s: %w", provider, externalID, err)
	}

	_, err = q.ExecContext(ctx,
		`INSERT INTO user_identities (provider, external_id, user_id) VALUES (?, ?, ?)
		 ON CONFLICT (user_id, provider) DO UPDATE SET external_id = excluded.external_id,
		                                               linked_at = CURRENT_TIMESTAMP`,
		provider, externalID, accountID,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return conflictFrom(err, provider+":"+externalID)
		}
		return fmt.Errorf("sqlite: linking %s:%s to account %d: %w", provider, externalID, accountID, err)
	}
	return nil
}

func (db *DB) UpdateProfile(ctx context.Context, id int64, changes model.ProfileChanges, meta map[string]string) error {
	return db.withTx(ctx, func(tx *sql.Tx) error {
		var (
			sets []string
			args []any
		)
		add := func(col string, v *string) {
			if v != nil {
				sets = append(sets, col+" = ?")
				args = append(args, *v)
			}
		}
		if changes.Email != nil {
			sets = append(sets, "email = NULLIF(?, '')")
			args = append(args, *changes.Email)
		}
		add("display_name", changes.DisplayName)
		add("nickname", changes.Nickname)
		add("nicename", changes.Nicename)
		add("url", changes.URL)

		// An empty SET still has to prove the row exists.
		query := `UPDATE users SET id = id WHERE id = ?`
		if !changes.Empty() {
			query = `UPDATE users SET ` + strings.Join(sets, ", ") + ` WHERE id = ?`
		}
		args = append(args, id)

		res, err := tx.ExecContext(ctx, query, args...)
		if err != nil {
			if isUniqueViolation(err) {
				value := ""
				if changes.Email != nil {
					value = *changes.Email
				}
				return conflictFrom(err, value)
			}
			return fmt.Errorf("sqlite: updating account %d: %w", id, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return apperror.NotFound("account", strconv.FormatInt(id, 10))
		}

		return upsertMeta(ctx, tx, id, meta)
	})
}

// upsertMeta overwrites each key; keys not in meta are left alone.
func upsertMeta(ctx context.Context, q queryer, id int64, meta map[string]string) error {
	for k, v := range meta {
		_, err := q.ExecContext(ctx,
			`INSERT INTO usermeta (user_id, meta_key, meta_value) VALUES (?, ?, ?)
			 ON CONFLICT (user_id, meta_key) DO UPDATE SET meta_value = excluded.meta_value`,
			id, k, v,
		)
		if err != nil {
			return fmt.Errorf("sqlite: writing meta %q for account %d: %w", k, id, err)
		}
	}
	return nil
}

func (db *DB) SetActivationKey(ctx context.Context, id int64, keyHash string, at time.Time) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE users SET activation_key = ?, activation_key_at = ? WHERE id = ?`,
		keyHash, at.UTC(), id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: setting activation key for account %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("account", strconv.FormatInt(id, 10))
	}
	return nil
}

func (db *DB) ResetPassword(ctx context.Context, id int64, passwordHash string) error {
	res, err := db.conn.ExecContext(ctx,
		`UPDATE users SET pass_hash = ?, activation_key = '', activation_key_at = NULL WHERE id = ?`,
		passwordHash, id,
	)
	if err != nil {
		return fmt.Errorf("sqlite: resetting password for account %d: %w", id, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return apperror.NotFound("account", strconv.FormatInt(id, 10))
	}
	return nil
}

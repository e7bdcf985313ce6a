package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/shineum/mail-ingest/internal/moderation"
)

// Account is a mailbox owned by a user.
type Account struct {
	AccountID int64  `db:"account_id"`
	UserID    int64  `db:"user_id"`
	Email     string `db:"email"`
	IsDel     int    `db:"is_del"`
}

// Deleted reports whether the account is soft-deleted.
func (a *Account) Deleted() bool {
	return a.IsDel != 0
}

// AccountStore looks up accounts.
type AccountStore struct {
	db *sqlx.DB
}

// NewAccountStore creates an AccountStore.
func NewAccountStore(db *sqlx.DB) *AccountStore {
	return &AccountStore{db: db}
}

// SelectByEmailIncludeDel finds the account for addr, soft-deleted ones
// included. A live account wins over a deleted one with the same address.
// No match returns nil and no error.
func (s *AccountStore) SelectByEmailIncludeDel(ctx context.Context, addr string) (*Account, error) {
	var acc Account
	q := s.db.Rebind(`SELECT account_id, user_id, email, is_del FROM account
		WHERE lower(email) = lower(?)
		ORDER BY is_del ASC, account_id ASC
		LIMIT 1`)
	if err := s.db.GetContext(ctx, &acc, q, addr); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to query account %s: %w", addr, err)
	}
	return &acc, nil
}

// Insert creates an account row and returns its id.
func (s *AccountStore) Insert(ctx context.Context, userID int64, addr string) (int64, error) {
	var id int64
	q := s.db.Rebind(`INSERT INTO account (user_id, email, is_del) VALUES (?, ?, 0) RETURNING account_id`)
	if err := s.db.QueryRowxContext(ctx, q, userID, addr).Scan(&id); err != nil {
		return 0, fmt.Errorf("failed to insert account: %w", err)
	}
	return id, nil
}

// RoleStore resolves the moderation permissions of a user.
type RoleStore struct {
	db *sqlx.DB
}

// NewRoleStore creates a RoleStore.
func NewRoleStore(db *sqlx.DB) *RoleStore {
	return &RoleStore{db: db}
}

// SelectByUserID returns the permissions of the user's role. A user without
// a role gets zero permissions: no bans and every domain allowed.
func (s *RoleStore) SelectByUserID(ctx context.Context, userID int64) (moderation.Permissions, error) {
	var row struct {
		BanEmail     string `db:"ban_email"`
		BanEmailType string `db:"ban_email_type"`
		AvailDomain  string `db:"avail_domain"`
	}
	q := s.db.Rebind(`SELECT r.ban_email, r.ban_email_type, r.avail_domain
		FROM users u JOIN role r ON r.role_id = u.role_id
		WHERE u.user_id = ?`)
	if err := s.db.GetContext(ctx, &row, q, userID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return moderation.Permissions{}, nil
		}
		return moderation.Permissions{}, fmt.Errorf("failed to query role of user %d: %w", userID, err)
	}
	mode, err := moderation.ParseBanMode(row.BanEmailType)
	if err != nil {
		return moderation.Permissions{}, fmt.Errorf("role of user %d: %w", userID, err)
	}
	return moderation.Permissions{
		BanEmail:    row.BanEmail,
		BanMode:     mode,
		AvailDomain: row.AvailDomain,
	}, nil
}

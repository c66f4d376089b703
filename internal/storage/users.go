package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"postpilot/internal/domain"
)

const userColumns = `id, email, name, page_id, page_name, page_token, business_summary, post_style,
	recurrence, custom_recurrence_days, preferred_time, is_onboarded, is_active,
	credits, credits_purchased, credits_used, created_at, updated_at`

// CreateUser inserts u. Credits always start at zero; grants go through the
// ledger so the replay invariant holds from the first row.
func (s *SQLStore) CreateUser(ctx context.Context, u domain.User) (domain.User, error) {
	if strings.TrimSpace(u.Email) == "" {
		return domain.User{}, domain.Invalid("email", "required")
	}
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	now := s.nowMillis()
	u.Credits, u.CreditsPurchased, u.CreditsUsed = decimal.Zero, decimal.Zero, decimal.Zero
	u.CreatedAt, u.UpdatedAt = fromMillis(now), fromMillis(now)
	normalizeCadence(&u.Cadence)

	_, err := s.exec(ctx, s.db,
		`INSERT INTO users(`+userColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		u.ID, u.Email, u.Name, u.PageID, u.PageName, u.PageToken, u.BusinessSummary, u.PostStyle,
		string(u.Cadence.Kind), u.Cadence.CustomDays, u.Cadence.PreferredTime,
		boolInt(u.IsOnboarded), boolInt(u.IsActive),
		"0", "0", "0", now, now,
	)
	if err != nil {
		return domain.User{}, fmt.Errorf("insert user: %w", err)
	}
	return u, nil
}

// UpdateProfile rewrites the onboarding-owned fields. Credit columns are
// never touched here.
func (s *SQLStore) UpdateProfile(ctx context.Context, u domain.User) error {
	normalizeCadence(&u.Cadence)
	res, err := s.exec(ctx, s.db,
		`UPDATE users SET name=?, page_id=?, page_name=?, page_token=?, business_summary=?, post_style=?,
		 recurrence=?, custom_recurrence_days=?, preferred_time=?, is_onboarded=?, is_active=?, updated_at=?
		 WHERE id=?`,
		u.Name, u.PageID, u.PageName, u.PageToken, u.BusinessSummary, u.PostStyle,
		string(u.Cadence.Kind), u.Cadence.CustomDays, u.Cadence.PreferredTime,
		boolInt(u.IsOnboarded), boolInt(u.IsActive), s.nowMillis(), u.ID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

func (s *SQLStore) GetUser(ctx context.Context, id string) (domain.User, error) {
	row := s.queryRow(ctx, s.db, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	return scanUser(row)
}

// DeleteUser removes a user with all their posts and transactions in one unit.
func (s *SQLStore) DeleteUser(ctx context.Context, id string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := s.exec(ctx, tx, `DELETE FROM credit_transactions WHERE user_id = ?`, id); err != nil {
			return err
		}
		if _, err := s.exec(ctx, tx, `DELETE FROM scheduled_posts WHERE user_id = ?`, id); err != nil {
			return err
		}
		res, err := s.exec(ctx, tx, `DELETE FROM users WHERE id = ?`, id)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return domain.ErrNotFound
		}
		return nil
	})
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanUser(r rowScanner) (domain.User, error) {
	var (
		u                            domain.User
		kind                         string
		onboarded, active            int
		credits, purchased, used     string
		createdMillis, updatedMillis int64
	)
	err := r.Scan(&u.ID, &u.Email, &u.Name, &u.PageID, &u.PageName, &u.PageToken,
		&u.BusinessSummary, &u.PostStyle, &kind, &u.Cadence.CustomDays, &u.Cadence.PreferredTime,
		&onboarded, &active, &credits, &purchased, &used, &createdMillis, &updatedMillis)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.User{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.User{}, err
	}
	u.Cadence.Kind = domain.ParseRecurrence(kind)
	u.IsOnboarded = onboarded != 0
	u.IsActive = active != 0
	if u.Credits, err = decimal.NewFromString(credits); err != nil {
		return domain.User{}, fmt.Errorf("user %s credits: %w", u.ID, err)
	}
	if u.CreditsPurchased, err = decimal.NewFromString(purchased); err != nil {
		return domain.User{}, fmt.Errorf("user %s credits_purchased: %w", u.ID, err)
	}
	if u.CreditsUsed, err = decimal.NewFromString(used); err != nil {
		return domain.User{}, fmt.Errorf("user %s credits_used: %w", u.ID, err)
	}
	u.CreatedAt = fromMillis(createdMillis)
	u.UpdatedAt = fromMillis(updatedMillis)
	return u, nil
}

func normalizeCadence(c *domain.Cadence) {
	c.Kind = domain.ParseRecurrence(string(c.Kind))
	if c.CustomDays < 1 {
		c.CustomDays = domain.DefaultCustomDays
	}
	if strings.TrimSpace(c.PreferredTime) == "" {
		c.PreferredTime = domain.DefaultPostingTime
	}
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"postpilot/internal/domain"
)

const txColumns = `id, user_id, amount, balance_after, description, post_id, payment_ref, created_at`

// Entry is one ledger mutation.
type Entry struct {
	UserID      string
	Amount      decimal.Decimal // positive credits, negative debits
	Description string
	PostID      string
	PaymentRef  string
	// StampPost records -Amount as the post's credits_charged in the same unit.
	StampPost bool
}

// ApplyDebit subtracts -e.Amount from the balance if it covers it. It fails
// closed: when the balance is short nothing is written and ok is false.
func (s *SQLStore) ApplyDebit(ctx context.Context, e Entry) (ok bool, balance decimal.Decimal, err error) {
	if !e.Amount.IsNegative() {
		return false, decimal.Zero, domain.Invalid("amount", "debit must be negative")
	}
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.lockBalance(ctx, tx, e.UserID)
		if err != nil {
			return err
		}
		balance = cur.credits
		if cur.credits.LessThan(e.Amount.Neg()) {
			return nil
		}
		balance = cur.credits.Add(e.Amount)
		_, err = s.exec(ctx, tx,
			`UPDATE users SET credits = ?, credits_used = ?, updated_at = ? WHERE id = ?`,
			balance.String(), cur.used.Sub(e.Amount).String(), s.nowMillis(), e.UserID)
		if err != nil {
			return err
		}
		if err := s.appendTx(ctx, tx, e, balance); err != nil {
			return err
		}
		if e.StampPost && e.PostID != "" {
			res, err := s.exec(ctx, tx,
				`UPDATE scheduled_posts SET credits_charged = ?, updated_at = ? WHERE id = ? AND user_id = ?`,
				e.Amount.Neg().String(), s.nowMillis(), e.PostID, e.UserID)
			if err != nil {
				return err
			}
			if n, _ := res.RowsAffected(); n != 1 {
				return fmt.Errorf("stamp post %s: %w", e.PostID, domain.ErrNotFound)
			}
		}
		ok = true
		return nil
	})
	if err != nil {
		return false, decimal.Zero, err
	}
	return ok, balance, nil
}

// ApplyCredit adds e.Amount to the balance and the purchased counter.
func (s *SQLStore) ApplyCredit(ctx context.Context, e Entry) (decimal.Decimal, error) {
	if !e.Amount.IsPositive() {
		return decimal.Zero, domain.Invalid("amount", "credit must be positive")
	}
	var balance decimal.Decimal
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		cur, err := s.lockBalance(ctx, tx, e.UserID)
		if err != nil {
			return err
		}
		balance = cur.credits.Add(e.Amount)
		_, err = s.exec(ctx, tx,
			`UPDATE users SET credits = ?, credits_purchased = ?, updated_at = ? WHERE id = ?`,
			balance.String(), cur.purchased.Add(e.Amount).String(), s.nowMillis(), e.UserID)
		if err != nil {
			return err
		}
		return s.appendTx(ctx, tx, e, balance)
	})
	if err != nil {
		return decimal.Zero, err
	}
	return balance, nil
}

type balanceRow struct {
	credits, purchased, used decimal.Decimal
}

func (s *SQLStore) lockBalance(ctx context.Context, tx *sql.Tx, userID string) (balanceRow, error) {
	var c, p, u string
	err := s.queryRow(ctx, tx,
		s.d.locked(`SELECT credits, credits_purchased, credits_used FROM users WHERE id = ?`), userID).
		Scan(&c, &p, &u)
	if errors.Is(err, sql.ErrNoRows) {
		return balanceRow{}, domain.ErrNotFound
	}
	if err != nil {
		return balanceRow{}, err
	}
	var b balanceRow
	if b.credits, err = decimal.NewFromString(c); err != nil {
		return balanceRow{}, err
	}
	if b.purchased, err = decimal.NewFromString(p); err != nil {
		return balanceRow{}, err
	}
	if b.used, err = decimal.NewFromString(u); err != nil {
		return balanceRow{}, err
	}
	return b, nil
}

func (s *SQLStore) appendTx(ctx context.Context, tx *sql.Tx, e Entry, balanceAfter decimal.Decimal) error {
	var seq int64
	if err := s.queryRow(ctx, tx,
		`SELECT COALESCE(MAX(seq), 0) FROM credit_transactions WHERE user_id = ?`, e.UserID).Scan(&seq); err != nil {
		return err
	}
	_, err := s.exec(ctx, tx,
		`INSERT INTO credit_transactions(id, user_id, seq, amount, balance_after, description, post_id, payment_ref, created_at)
		 VALUES(?,?,?,?,?,?,?,?,?)`,
		uuid.NewString(), e.UserID, seq+1, e.Amount.String(), balanceAfter.String(), e.Description,
		nullStr(e.PostID), nullStr(e.PaymentRef), s.nowMillis(),
	)
	return err
}

// Transactions returns a user's ledger entries newest first. limit <= 0
// returns all of them.
func (s *SQLStore) Transactions(ctx context.Context, userID string, limit int) ([]domain.CreditTransaction, error) {
	q := `SELECT ` + txColumns + ` FROM credit_transactions WHERE user_id = ? ORDER BY seq DESC`
	args := []any{userID}
	if limit > 0 {
		q += ` LIMIT ?`
		args = append(args, limit)
	}
	rows, err := s.query(ctx, s.db, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.CreditTransaction
	for rows.Next() {
		var (
			t               domain.CreditTransaction
			amount, after   string
			postID, payment sql.NullString
			created         int64
		)
		if err := rows.Scan(&t.ID, &t.UserID, &amount, &after, &t.Description, &postID, &payment, &created); err != nil {
			return nil, err
		}
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, err
		}
		if t.BalanceAfter, err = decimal.NewFromString(after); err != nil {
			return nil, err
		}
		t.PostID = postID.String
		t.PaymentRef = payment.String
		t.CreatedAt = fromMillis(created)
		out = append(out, t)
	}
	return out, rows.Err()
}

package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"postpilot/internal/domain"
)

const postColumns = `id, user_id, scheduled_at, status, image_prompt, caption, image_local_path, image_url,
	external_post_id, external_post_url, posted_at, error_message, credits_charged, created_at, updated_at`

// InsertPosts creates one Scheduled row per instant, skipping any instant
// where the user already has a live (non-failed) post. The check and the
// inserts share a transaction that holds the user row.
func (s *SQLStore) InsertPosts(ctx context.Context, userID string, at []time.Time) ([]domain.ScheduledPost, error) {
	var created []domain.ScheduledPost
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		created = created[:0]
		var id string
		err := s.queryRow(ctx, tx, s.d.locked(`SELECT id FROM users WHERE id = ?`), userID).Scan(&id)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.ErrNotFound
		}
		if err != nil {
			return err
		}

		now := s.nowMillis()
		seen := make(map[int64]struct{}, len(at))
		for _, t := range at {
			ms := toMillis(t)
			if _, dup := seen[ms]; dup {
				continue
			}
			seen[ms] = struct{}{}

			taken, err := s.slotTaken(ctx, tx, userID, ms, "")
			if err != nil {
				return err
			}
			if taken {
				continue
			}
			p := domain.ScheduledPost{
				ID:             uuid.NewString(),
				UserID:         userID,
				ScheduledAt:    fromMillis(ms),
				Status:         domain.StatusScheduled,
				CreditsCharged: decimal.Zero,
				CreatedAt:      fromMillis(now),
				UpdatedAt:      fromMillis(now),
			}
			_, err = s.exec(ctx, tx,
				`INSERT INTO scheduled_posts(`+postColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
				p.ID, p.UserID, ms, string(p.Status), "", "", "", "", "", "", nil, "", "0", now, now,
			)
			if err != nil {
				return fmt.Errorf("insert post: %w", err)
			}
			created = append(created, p)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

func (s *SQLStore) slotTaken(ctx context.Context, q execer, userID string, ms int64, exceptID string) (bool, error) {
	var n int
	err := s.queryRow(ctx, q,
		`SELECT COUNT(*) FROM scheduled_posts WHERE user_id = ? AND scheduled_at = ? AND status <> ? AND id <> ?`,
		userID, ms, string(domain.StatusFailed), exceptID,
	).Scan(&n)
	return n > 0, err
}

// ListPosts returns a user's posts ordered by scheduled_at ascending.
func (s *SQLStore) ListPosts(ctx context.Context, userID string) ([]domain.ScheduledPost, error) {
	rows, err := s.query(ctx, s.db,
		`SELECT `+postColumns+` FROM scheduled_posts WHERE user_id = ? ORDER BY scheduled_at ASC, created_at ASC, id ASC`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.ScheduledPost
	for rows.Next() {
		p, err := scanPost(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *SQLStore) GetPost(ctx context.Context, id string) (domain.ScheduledPost, error) {
	return s.getPost(ctx, s.db, id)
}

func (s *SQLStore) getPost(ctx context.Context, q execer, id string) (domain.ScheduledPost, error) {
	row := s.queryRow(ctx, q, `SELECT `+postColumns+` FROM scheduled_posts WHERE id = ?`, id)
	return scanPost(row)
}

// DeleteIfScheduled removes the row only while it is still Scheduled.
func (s *SQLStore) DeleteIfScheduled(ctx context.Context, id string) (bool, error) {
	res, err := s.exec(ctx, s.db,
		`DELETE FROM scheduled_posts WHERE id = ? AND status = ?`, id, string(domain.StatusScheduled))
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// Reschedule moves a Scheduled post to at unless another live post of the
// same user already occupies that instant.
func (s *SQLStore) Reschedule(ctx context.Context, id string, at time.Time) (bool, error) {
	ok := false
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var userID, status string
		err := s.queryRow(ctx, tx, s.d.locked(`SELECT user_id, status FROM scheduled_posts WHERE id = ?`), id).
			Scan(&userID, &status)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return err
		}
		if status != string(domain.StatusScheduled) {
			return nil
		}
		ms := toMillis(at)
		taken, err := s.slotTaken(ctx, tx, userID, ms, id)
		if err != nil || taken {
			return err
		}
		res, err := s.exec(ctx, tx,
			`UPDATE scheduled_posts SET scheduled_at = ?, updated_at = ? WHERE id = ? AND status = ?`,
			ms, s.nowMillis(), id, string(domain.StatusScheduled))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		ok = n == 1
		return err
	})
	return ok, err
}

// DueIDs lists Scheduled posts whose instant has passed, oldest first.
func (s *SQLStore) DueIDs(ctx context.Context, now time.Time, limit int) ([]string, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.query(ctx, s.db,
		`SELECT id FROM scheduled_posts WHERE status = ? AND scheduled_at <= ? ORDER BY scheduled_at ASC LIMIT ?`,
		string(domain.StatusScheduled), toMillis(now), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ClaimDue atomically moves due posts from Scheduled to Generating and
// returns the ones this caller won. A row another claimer already moved is
// skipped, so no post is handed out twice. On error the posts claimed so far
// are still returned and belong to the caller.
func (s *SQLStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]domain.ScheduledPost, error) {
	ids, err := s.DueIDs(ctx, now, limit)
	if err != nil {
		return nil, err
	}
	out := make([]domain.ScheduledPost, 0, len(ids))
	for _, id := range ids {
		p, ok, err := s.Claim(ctx, id)
		if err != nil {
			return out, err
		}
		if ok {
			out = append(out, p)
		}
	}
	return out, nil
}

// Claim is the single-row compare-and-swap Scheduled -> Generating. The
// swap and the read-back share a transaction: a row that cannot be read
// back stays Scheduled.
func (s *SQLStore) Claim(ctx context.Context, id string) (domain.ScheduledPost, bool, error) {
	var (
		p  domain.ScheduledPost
		ok bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var err error
		ok, err = s.transition(ctx, tx, id, domain.StatusScheduled, domain.StatusGenerating, domain.PostPatch{})
		if err != nil || !ok {
			return err
		}
		p, err = s.getPost(ctx, tx, id)
		return err
	})
	if err != nil || !ok {
		return domain.ScheduledPost{}, false, err
	}
	return p, true, nil
}

// Transition sets status to `to` and applies patch only if the row is
// currently in `from`. It reports whether the row matched.
func (s *SQLStore) Transition(ctx context.Context, id string, from, to domain.PostStatus, patch domain.PostPatch) (bool, error) {
	return s.transition(ctx, s.db, id, from, to, patch)
}

func (s *SQLStore) transition(ctx context.Context, q execer, id string, from, to domain.PostStatus, patch domain.PostPatch) (bool, error) {
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(to), s.nowMillis()}

	add := func(col string, v *string) {
		if v != nil {
			sets = append(sets, col+" = ?")
			args = append(args, *v)
		}
	}
	add("image_prompt", patch.ImagePrompt)
	add("caption", patch.Caption)
	add("image_local_path", patch.ImageLocalPath)
	add("image_url", patch.ImageURL)
	add("external_post_id", patch.ExternalPostID)
	add("external_post_url", patch.ExternalPostURL)
	add("error_message", patch.ErrorMessage)
	if patch.PostedAt != nil {
		sets = append(sets, "posted_at = ?")
		args = append(args, toMillis(*patch.PostedAt))
	}
	args = append(args, id, string(from))

	res, err := s.exec(ctx, q,
		`UPDATE scheduled_posts SET `+strings.Join(sets, ", ")+` WHERE id = ? AND status = ?`, args...)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CountPosted counts a user's published posts.
func (s *SQLStore) CountPosted(ctx context.Context, userID string) (int, error) {
	var n int
	err := s.queryRow(ctx, s.db,
		`SELECT COUNT(*) FROM scheduled_posts WHERE user_id = ? AND status = ?`,
		userID, string(domain.StatusPosted)).Scan(&n)
	return n, err
}

func scanPost(r rowScanner) (domain.ScheduledPost, error) {
	var (
		p                          domain.ScheduledPost
		status, charged            string
		scheduled, created, update int64
		posted                     sql.NullInt64
	)
	err := r.Scan(&p.ID, &p.UserID, &scheduled, &status, &p.ImagePrompt, &p.Caption,
		&p.ImageLocalPath, &p.ImageURL, &p.ExternalPostID, &p.ExternalPostURL, &posted,
		&p.ErrorMessage, &charged, &created, &update)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScheduledPost{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ScheduledPost{}, err
	}
	if p.Status, err = domain.ParsePostStatus(status); err != nil {
		return domain.ScheduledPost{}, fmt.Errorf("post %s: %w", p.ID, err)
	}
	if p.CreditsCharged, err = decimal.NewFromString(charged); err != nil {
		return domain.ScheduledPost{}, fmt.Errorf("post %s credits_charged: %w", p.ID, err)
	}
	p.ScheduledAt = fromMillis(scheduled)
	p.CreatedAt = fromMillis(created)
	p.UpdatedAt = fromMillis(update)
	if posted.Valid {
		t := fromMillis(posted.Int64)
		p.PostedAt = &t
	}
	return p, nil
}

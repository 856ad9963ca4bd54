package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"github.com/briandastous/bdx/pkg/model"
	"github.com/briandastous/bdx/pkg/storage"
)

// UpsertUser applies the handle-theft contract in one transaction: clear the
// handle from any other user holding the same handle_norm, write history rows
// for both sides, then upsert the incoming user with is_deleted=false.
func (s *Store) UpsertUser(ctx context.Context, in storage.UpsertUserInput) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		now := time.Now().UTC()

		if in.Handle != nil {
			norm := strings.ToLower(*in.Handle)

			var priorID int64
			var priorHandle sql.NullString
			err := s.QueryRowContext(ctx,
				`SELECT id, handle FROM users WHERE handle_norm = $1 AND id <> $2 FOR UPDATE`,
				norm, int64(in.ID),
			).Scan(&priorID, &priorHandle)
			switch {
			case err == nil:
				if _, err := s.ExecContext(ctx,
					`UPDATE users SET handle = NULL, handle_norm = NULL, updated_at = $2 WHERE id = $1`,
					priorID, now,
				); err != nil {
					return fmt.Errorf("clear stolen handle: %w", err)
				}
				if _, err := s.ExecContext(ctx,
					`INSERT INTO user_handle_history (user_id, old_handle, new_handle, recorded_at) VALUES ($1, $2, '', $3)`,
					priorID, priorHandle.String, now,
				); err != nil {
					return fmt.Errorf("handle history (stolen-from): %w", err)
				}
			case errors.Is(err, sql.ErrNoRows):
				// no current holder
			default:
				return fmt.Errorf("find handle holder: %w", err)
			}

			var curHandle sql.NullString
			err = s.QueryRowContext(ctx, `SELECT handle FROM users WHERE id = $1 FOR UPDATE`, int64(in.ID)).Scan(&curHandle)
			if err != nil && !errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("load user: %w", err)
			}
			if !curHandle.Valid || curHandle.String != *in.Handle {
				if _, err := s.ExecContext(ctx,
					`INSERT INTO user_handle_history (user_id, old_handle, new_handle, recorded_at) VALUES ($1, $2, $3, $4)`,
					int64(in.ID), curHandle.String, *in.Handle, now,
				); err != nil {
					return fmt.Errorf("handle history (receiving): %w", err)
				}
			}

			if _, err := s.ExecContext(ctx, `
				INSERT INTO users (id, handle, handle_norm, is_deleted, last_ingest_ref, updated_at)
				VALUES ($1, $2, $3, FALSE, $4, $5)
				ON CONFLICT (id) DO UPDATE SET
					handle = EXCLUDED.handle,
					handle_norm = EXCLUDED.handle_norm,
					is_deleted = FALSE,
					last_ingest_ref = EXCLUDED.last_ingest_ref,
					updated_at = EXCLUDED.updated_at`,
				int64(in.ID), *in.Handle, norm, ingestRefArg(in.LastIngestRef), now,
			); err != nil {
				return fmt.Errorf("upsert user: %w", err)
			}
			return nil
		}

		// handle-less upsert keeps any existing handle
		if _, err := s.ExecContext(ctx, `
			INSERT INTO users (id, handle, handle_norm, is_deleted, last_ingest_ref, updated_at)
			VALUES ($1, NULL, NULL, FALSE, $2, $3)
			ON CONFLICT (id) DO UPDATE SET
				is_deleted = FALSE,
				last_ingest_ref = EXCLUDED.last_ingest_ref,
				updated_at = EXCLUDED.updated_at`,
			int64(in.ID), ingestRefArg(in.LastIngestRef), now,
		); err != nil {
			return fmt.Errorf("upsert user: %w", err)
		}
		return nil
	})
}

func ingestRefArg(ref *model.IngestEventID) sql.NullInt64 {
	if ref == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*ref), Valid: true}
}

func (s *Store) GetUser(ctx context.Context, id model.UserID) (model.User, error) {
	var (
		u          model.User
		handle     sql.NullString
		handleNorm sql.NullString
		ingestRef  sql.NullInt64
	)
	err := s.QueryRowContext(ctx,
		`SELECT id, handle, handle_norm, is_deleted, last_ingest_ref, updated_at FROM users WHERE id = $1`,
		int64(id),
	).Scan(&u.ID, &handle, &handleNorm, &u.IsDeleted, &ingestRef, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, storage.ErrNotFound
	}
	if err != nil {
		return model.User{}, fmt.Errorf("get user %d: %w", id, err)
	}
	u.Handle = NullStringToPtr(handle)
	u.HandleNorm = NullStringToPtr(handleNorm)
	if ref := NullInt64ToPtr(ingestRef); ref != nil {
		id := model.IngestEventID(*ref)
		u.LastIngestRef = &id
	}
	return u, nil
}

func (s *Store) HandleHistory(ctx context.Context, id model.UserID) ([]model.HandleHistoryEntry, error) {
	rows, err := s.QueryContext(ctx,
		`SELECT user_id, old_handle, new_handle, recorded_at FROM user_handle_history WHERE user_id = $1 ORDER BY id`,
		int64(id),
	)
	if err != nil {
		return nil, fmt.Errorf("handle history %d: %w", id, err)
	}
	defer rows.Close()

	var out []model.HandleHistoryEntry
	for rows.Next() {
		var e model.HandleHistoryEntry
		if err := rows.Scan(&e.UserID, &e.OldHandle, &e.NewHandle, &e.RecordedAt); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// ReconcileFollowsFull soft-deletes active edges whose counterpart is absent
// from in.Counterparts and upserts/revives the rest, in one transaction.
func (s *Store) ReconcileFollowsFull(ctx context.Context, in storage.FollowsFullRefreshInput) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		now := time.Now().UTC()
		counterparts := make([]int64, len(in.Counterparts))
		for i, c := range in.Counterparts {
			counterparts[i] = int64(c)
		}

		subjectCol, counterpartCol := "follower_id", "target_id"
		if in.IsFollowers {
			subjectCol, counterpartCol = "target_id", "follower_id"
		}

		if _, err := s.ExecContext(ctx, fmt.Sprintf(`
			UPDATE follows SET is_deleted = TRUE, updated_at = $3
			WHERE %s = $1 AND is_deleted = FALSE AND NOT (%s = ANY($2))`,
			subjectCol, counterpartCol),
			int64(in.Subject), pq.Array(counterparts), now,
		); err != nil {
			return fmt.Errorf("soft-delete follows: %w", err)
		}

		if len(counterparts) > 0 {
			if _, err := s.ExecContext(ctx, fmt.Sprintf(`
				INSERT INTO follows (%s, %s, is_deleted, updated_at)
				SELECT $1, c, FALSE, $3 FROM unnest($2::bigint[]) AS c
				ON CONFLICT (target_id, follower_id)
				DO UPDATE SET is_deleted = FALSE, updated_at = EXCLUDED.updated_at`,
				subjectCol, counterpartCol),
				int64(in.Subject), pq.Array(counterparts), now,
			); err != nil {
				return fmt.Errorf("upsert follows: %w", err)
			}
		}
		return nil
	})
}

// UpsertFollowsIncremental upserts/revives edges and reports how many were
// previously absent or soft-deleted, so the caller can detect the
// incremental "no new" stop condition.
func (s *Store) UpsertFollowsIncremental(ctx context.Context, subject model.UserID, isFollowers bool, counterparts []model.UserID) (int, error) {
	if len(counterparts) == 0 {
		return 0, nil
	}
	ids := make([]int64, len(counterparts))
	for i, c := range counterparts {
		ids[i] = int64(c)
	}

	subjectCol, counterpartCol := "follower_id", "target_id"
	if isFollowers {
		subjectCol, counterpartCol = "target_id", "follower_id"
	}

	newCount := 0
	err := s.WithTx(ctx, func(ctx context.Context) error {
		if err := s.QueryRowContext(ctx, fmt.Sprintf(`
			SELECT count(*) FROM unnest($2::bigint[]) AS c
			WHERE NOT EXISTS (
				SELECT 1 FROM follows f
				WHERE f.%s = $1 AND f.%s = c AND f.is_deleted = FALSE
			)`, subjectCol, counterpartCol),
			int64(subject), pq.Array(ids),
		).Scan(&newCount); err != nil {
			return fmt.Errorf("count new follows: %w", err)
		}

		if _, err := s.ExecContext(ctx, fmt.Sprintf(`
			INSERT INTO follows (%s, %s, is_deleted, updated_at)
			SELECT $1, c, FALSE, $3 FROM unnest($2::bigint[]) AS c
			ON CONFLICT (target_id, follower_id)
			DO UPDATE SET is_deleted = FALSE, updated_at = EXCLUDED.updated_at`,
			subjectCol, counterpartCol),
			int64(subject), pq.Array(ids), time.Now().UTC(),
		); err != nil {
			return fmt.Errorf("upsert follows: %w", err)
		}
		return nil
	})
	return newCount, err
}

func (s *Store) HasFullRefreshSuccess(ctx context.Context, subject model.UserID, kind model.IngestKind) (bool, error) {
	var exists bool
	err := s.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM ingest_sync_runs r
			JOIN ingest_events e ON e.id = r.ingest_event_id
			WHERE e.ingest_kind = $1 AND r.target_user_id = $2
			  AND r.sync_mode = $3 AND r.status = $4
		)`,
		string(kind), int64(subject), string(model.SyncModeFull), string(model.IngestStatusSuccess),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("has full refresh success: %w", err)
	}
	return exists, nil
}

func (s *Store) ActiveFollowerIDs(ctx context.Context, subject model.UserID) ([]model.UserID, error) {
	return s.followSideIDs(ctx, subject, "target_id", "follower_id")
}

func (s *Store) ActiveFollowingIDs(ctx context.Context, subject model.UserID) ([]model.UserID, error) {
	return s.followSideIDs(ctx, subject, "follower_id", "target_id")
}

func (s *Store) followSideIDs(ctx context.Context, subject model.UserID, subjectCol, counterpartCol string) ([]model.UserID, error) {
	query, args := NewSelectBuilder("follows").
		Columns(counterpartCol).
		WhereEq(subjectCol, int64(subject)).
		WhereEq("is_deleted", false).
		OrderBy(counterpartCol, false).
		Build()
	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("active follow side: %w", err)
	}
	defer rows.Close()

	var out []model.UserID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, model.UserID(id))
	}
	return out, rows.Err()
}

// UpsertPosts inserts or revives posts; author_id and posted_at are immutable
// on conflict.
func (s *Store) UpsertPosts(ctx context.Context, posts []storage.UpsertPostInput) error {
	if len(posts) == 0 {
		return nil
	}
	return s.WithTx(ctx, func(ctx context.Context) error {
		now := time.Now().UTC()
		for _, p := range posts {
			if _, err := s.ExecContext(ctx, `
				INSERT INTO posts (id, author_id, posted_at, text, lang, raw, is_deleted, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, FALSE, $7)
				ON CONFLICT (id) DO UPDATE SET
					text = EXCLUDED.text,
					lang = EXCLUDED.lang,
					raw = EXCLUDED.raw,
					is_deleted = FALSE,
					updated_at = EXCLUDED.updated_at`,
				int64(p.ID), int64(p.AuthorID), p.PostedAt, p.Text, p.Lang, p.Raw, now,
			); err != nil {
				return fmt.Errorf("upsert post %d: %w", p.ID, err)
			}
		}
		return nil
	})
}

func (s *Store) ActivePostIDsByAuthors(ctx context.Context, authorIDs []model.UserID) ([]model.PostID, error) {
	if len(authorIDs) == 0 {
		return nil, nil
	}
	ids := make([]int64, len(authorIDs))
	for i, a := range authorIDs {
		ids[i] = int64(a)
	}
	rows, err := s.QueryContext(ctx,
		`SELECT id FROM posts WHERE author_id = ANY($1) AND is_deleted = FALSE ORDER BY id`,
		pq.Array(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("active posts by authors: %w", err)
	}
	defer rows.Close()

	var out []model.PostID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, model.PostID(id))
	}
	return out, rows.Err()
}

// InsertWebhookFollow records an ifttt_webhook_new_follow ingest event and
// the follow edge it names, in one transaction.
func (s *Store) InsertWebhookFollow(ctx context.Context, follower, target model.UserID) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		now := time.Now().UTC()
		var eventID int64
		if err := s.QueryRowContext(ctx,
			`INSERT INTO ingest_events (ingest_kind, created_at) VALUES ($1, $2) RETURNING id`,
			string(model.IngestKindWebhookFollow), now,
		).Scan(&eventID); err != nil {
			return fmt.Errorf("insert webhook event: %w", err)
		}
		if _, err := s.ExecContext(ctx, `
			INSERT INTO ingest_sync_runs (ingest_event_id, target_user_id, sync_mode, status, cursor_exhausted, completed_at)
			VALUES ($1, $2, $3, $4, TRUE, $5)`,
			eventID, int64(target), string(model.SyncModeIncremental), string(model.IngestStatusSuccess), now,
		); err != nil {
			return fmt.Errorf("insert webhook run: %w", err)
		}
		if _, err := s.ExecContext(ctx, `
			INSERT INTO follows (target_id, follower_id, is_deleted, updated_at)
			VALUES ($1, $2, FALSE, $3)
			ON CONFLICT (target_id, follower_id)
			DO UPDATE SET is_deleted = FALSE, updated_at = EXCLUDED.updated_at`,
			int64(target), int64(follower), now,
		); err != nil {
			return fmt.Errorf("insert webhook follow edge: %w", err)
		}
		return nil
	})
}

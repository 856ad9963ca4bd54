package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/briandastous/bdx/pkg/model"
	"github.com/briandastous/bdx/pkg/storage"
)

// CreateIngestRun inserts the parent ingest event and its sync-run child row
// with status=in_progress, in one transaction.
func (s *Store) CreateIngestRun(ctx context.Context, kind model.IngestKind, targetUserID model.UserID, mode model.SyncMode) (model.IngestRun, error) {
	var run model.IngestRun
	err := s.WithTx(ctx, func(ctx context.Context) error {
		now := time.Now().UTC()
		var eventID int64
		if err := s.QueryRowContext(ctx,
			`INSERT INTO ingest_events (ingest_kind, created_at) VALUES ($1, $2) RETURNING id`,
			string(kind), now,
		).Scan(&eventID); err != nil {
			return fmt.Errorf("insert ingest event: %w", err)
		}
		if _, err := s.ExecContext(ctx, `
			INSERT INTO ingest_sync_runs (ingest_event_id, target_user_id, sync_mode, status, cursor_exhausted)
			VALUES ($1, $2, $3, $4, FALSE)`,
			eventID, int64(targetUserID), string(mode), string(model.IngestStatusInProgress),
		); err != nil {
			return fmt.Errorf("insert sync run: %w", err)
		}
		run = model.IngestRun{
			ID:           model.IngestEventID(eventID),
			Kind:         kind,
			TargetUserID: targetUserID,
			Mode:         mode,
			Status:       model.IngestStatusInProgress,
			CreatedAt:    now,
		}
		return nil
	})
	return run, err
}

// UpdateIngestRunSnapshot records the most recent HTTP request/response pair
// observed during the run. Bodies arrive already capped by the client.
func (s *Store) UpdateIngestRunSnapshot(ctx context.Context, id model.IngestEventID, snap model.HTTPSnapshot) error {
	_, err := s.ExecContext(ctx, `
		UPDATE ingest_sync_runs SET
			last_api_status = $2,
			request_method = $3,
			request_url = $4,
			request_body = $5,
			response_body = $6,
			snapshot_captured_at = $7
		WHERE ingest_event_id = $1`,
		int64(id), snap.StatusCode, snap.RequestMethod, snap.RequestURL,
		snap.RequestBody, snap.ResponseBody, snap.CapturedAt,
	)
	if err != nil {
		return fmt.Errorf("update run snapshot %d: %w", id, err)
	}
	return nil
}

func (s *Store) CompleteIngestRunSuccess(ctx context.Context, id model.IngestEventID, cursorExhausted bool, syncedSince *time.Time) error {
	res, err := s.ExecContext(ctx, `
		UPDATE ingest_sync_runs SET
			status = $2,
			cursor_exhausted = $3,
			synced_since = $4,
			completed_at = $5
		WHERE ingest_event_id = $1`,
		int64(id), string(model.IngestStatusSuccess), cursorExhausted,
		PtrToNullTime(syncedSince), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("complete run %d: %w", id, err)
	}
	return requireRowUpdated(res, id)
}

func (s *Store) CompleteIngestRunError(ctx context.Context, id model.IngestEventID, apiStatus int, apiError string) error {
	res, err := s.ExecContext(ctx, `
		UPDATE ingest_sync_runs SET
			status = $2,
			last_api_status = $3,
			last_api_error = $4,
			completed_at = $5
		WHERE ingest_event_id = $1`,
		int64(id), string(model.IngestStatusError), apiStatus, apiError, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("fail run %d: %w", id, err)
	}
	return requireRowUpdated(res, id)
}

func (s *Store) AttachRequester(ctx context.Context, id model.IngestEventID, requestedBy model.AssetMaterializationID) error {
	res, err := s.ExecContext(ctx,
		`UPDATE ingest_sync_runs SET requested_by_materialization_id = $2 WHERE ingest_event_id = $1`,
		int64(id), int64(requestedBy),
	)
	if err != nil {
		return fmt.Errorf("attach requester to run %d: %w", id, err)
	}
	return requireRowUpdated(res, id)
}

func requireRowUpdated(res sql.Result, id model.IngestEventID) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("ingest run %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) LatestSuccessfulRun(ctx context.Context, kind model.IngestKind, targetUserID model.UserID) (model.IngestRun, bool, error) {
	run, err := s.scanRun(s.QueryRowContext(ctx, `
		SELECT e.id, e.ingest_kind, e.created_at,
		       r.target_user_id, r.sync_mode, r.status, r.cursor_exhausted,
		       r.last_api_status, r.last_api_error, r.synced_since,
		       r.requested_by_materialization_id, r.completed_at
		FROM ingest_sync_runs r
		JOIN ingest_events e ON e.id = r.ingest_event_id
		WHERE e.ingest_kind = $1 AND r.target_user_id = $2 AND r.status = $3
		ORDER BY r.completed_at DESC
		LIMIT 1`,
		string(kind), int64(targetUserID), string(model.IngestStatusSuccess),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return model.IngestRun{}, false, nil
	}
	if err != nil {
		return model.IngestRun{}, false, fmt.Errorf("latest successful run: %w", err)
	}
	return run, true, nil
}

// GetIngestRun loads one run by ingest event id, for the read API.
func (s *Store) GetIngestRun(ctx context.Context, id model.IngestEventID) (model.IngestRun, error) {
	run, err := s.scanRun(s.QueryRowContext(ctx, `
		SELECT e.id, e.ingest_kind, e.created_at,
		       r.target_user_id, r.sync_mode, r.status, r.cursor_exhausted,
		       r.last_api_status, r.last_api_error, r.synced_since,
		       r.requested_by_materialization_id, r.completed_at
		FROM ingest_sync_runs r
		JOIN ingest_events e ON e.id = r.ingest_event_id
		WHERE e.id = $1`,
		int64(id),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return model.IngestRun{}, storage.ErrNotFound
	}
	if err != nil {
		return model.IngestRun{}, fmt.Errorf("get ingest run %d: %w", id, err)
	}
	return run, nil
}

func (s *Store) scanRun(row *sql.Row) (model.IngestRun, error) {
	var (
		run         model.IngestRun
		apiStatus   sql.NullInt64
		apiError    sql.NullString
		syncedSince sql.NullTime
		requestedBy sql.NullInt64
		completedAt sql.NullTime
	)
	err := row.Scan(
		&run.ID, &run.Kind, &run.CreatedAt,
		&run.TargetUserID, &run.Mode, &run.Status, &run.CursorExhausted,
		&apiStatus, &apiError, &syncedSince, &requestedBy, &completedAt,
	)
	if err != nil {
		return model.IngestRun{}, err
	}
	run.LastAPIStatus = int(apiStatus.Int64)
	run.LastAPIError = apiError.String
	run.SyncedSince = NullTimeToPtr(syncedSince)
	run.CompletedAt = NullTimeToPtr(completedAt)
	if requestedBy.Valid {
		matID := model.AssetMaterializationID(requestedBy.Int64)
		run.RequestedByMaterializationID = &matID
	}
	return run, nil
}

package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/lib/pq"

	"github.com/briandastous/bdx/pkg/model"
	"github.com/briandastous/bdx/pkg/storage"
)

// GetOrCreateParams inserts a params row for the (slug, params_hash, version)
// identity if absent and returns the stored row either way.
func (s *Store) GetOrCreateParams(ctx context.Context, params model.AssetParams) (model.AssetParams, error) {
	var out model.AssetParams
	err := s.WithTx(ctx, func(ctx context.Context) error {
		specified := make([]int64, len(params.SpecifiedUserIDs))
		for i, id := range params.SpecifiedUserIDs {
			specified[i] = int64(id)
		}
		if _, err := s.ExecContext(ctx, `
			INSERT INTO asset_params (
				asset_slug, params_hash, params_hash_version,
				stable_key, subject_external_id,
				source_segment_slug, source_segment_params_hash,
				fanout_source_params_hash, specified_user_ids, created_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
			ON CONFLICT (asset_slug, params_hash, params_hash_version) DO NOTHING`,
			string(params.Slug), params.ParamsHash, params.ParamsHashVersion,
			params.StableKey, int64(params.SubjectExternalID),
			string(params.SourceSegmentSlug), params.SourceSegmentParamsHash,
			PtrToNullString(params.FanoutSourceParamsHash), pq.Array(specified), time.Now().UTC(),
		); err != nil {
			return fmt.Errorf("insert params: %w", err)
		}

		row := s.QueryRowContext(ctx, `
			SELECT id, asset_slug, params_hash, params_hash_version,
			       stable_key, subject_external_id,
			       source_segment_slug, source_segment_params_hash,
			       fanout_source_params_hash, specified_user_ids
			FROM asset_params
			WHERE asset_slug = $1 AND params_hash = $2 AND params_hash_version = $3`,
			string(params.Slug), params.ParamsHash, params.ParamsHashVersion,
		)
		got, err := scanParams(row)
		if err != nil {
			return fmt.Errorf("load params: %w", err)
		}
		out = got
		return nil
	})
	return out, err
}

func scanParams(row *sql.Row) (model.AssetParams, error) {
	var (
		p          model.AssetParams
		fanoutHash sql.NullString
		specified  pq.Int64Array
	)
	err := row.Scan(
		&p.ID, &p.Slug, &p.ParamsHash, &p.ParamsHashVersion,
		&p.StableKey, &p.SubjectExternalID,
		&p.SourceSegmentSlug, &p.SourceSegmentParamsHash,
		&fanoutHash, &specified,
	)
	if err != nil {
		return model.AssetParams{}, err
	}
	p.FanoutSourceParamsHash = NullStringToPtr(fanoutHash)
	for _, id := range specified {
		p.SpecifiedUserIDs = append(p.SpecifiedUserIDs, model.UserID(id))
	}
	return p, nil
}

func (s *Store) GetParams(ctx context.Context, id model.AssetParamsID) (model.AssetParams, error) {
	row := s.QueryRowContext(ctx, `
		SELECT id, asset_slug, params_hash, params_hash_version,
		       stable_key, subject_external_id,
		       source_segment_slug, source_segment_params_hash,
		       fanout_source_params_hash, specified_user_ids
		FROM asset_params WHERE id = $1`,
		int64(id),
	)
	p, err := scanParams(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.AssetParams{}, storage.ErrNotFound
	}
	if err != nil {
		return model.AssetParams{}, fmt.Errorf("get params %d: %w", id, err)
	}
	return p, nil
}

func (s *Store) SetSpecifiedInputs(ctx context.Context, paramsID model.AssetParamsID, userIDs []model.UserID) error {
	ids := make([]int64, len(userIDs))
	for i, id := range userIDs {
		ids[i] = int64(id)
	}
	res, err := s.ExecContext(ctx,
		`UPDATE asset_params SET specified_user_ids = $2 WHERE id = $1`,
		int64(paramsID), pq.Array(ids),
	)
	if err != nil {
		return fmt.Errorf("set specified inputs %d: %w", paramsID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("params %d: %w", paramsID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) GetOrCreateInstance(ctx context.Context, paramsID model.AssetParamsID) (model.AssetInstance, error) {
	var out model.AssetInstance
	err := s.WithTx(ctx, func(ctx context.Context) error {
		if _, err := s.ExecContext(ctx, `
			INSERT INTO asset_instances (params_id, created_at) VALUES ($1, $2)
			ON CONFLICT (params_id) DO NOTHING`,
			int64(paramsID), time.Now().UTC(),
		); err != nil {
			return fmt.Errorf("insert instance: %w", err)
		}
		inst, err := s.scanInstance(s.QueryRowContext(ctx, `
			SELECT id, params_id, checkpoint_materialization_id, created_at
			FROM asset_instances WHERE params_id = $1`,
			int64(paramsID),
		))
		if err != nil {
			return fmt.Errorf("load instance: %w", err)
		}
		out = inst
		return nil
	})
	return out, err
}

func (s *Store) GetInstance(ctx context.Context, id model.AssetInstanceID) (model.AssetInstance, error) {
	inst, err := s.scanInstance(s.QueryRowContext(ctx, `
		SELECT id, params_id, checkpoint_materialization_id, created_at
		FROM asset_instances WHERE id = $1`,
		int64(id),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return model.AssetInstance{}, storage.ErrNotFound
	}
	if err != nil {
		return model.AssetInstance{}, fmt.Errorf("get instance %d: %w", id, err)
	}
	return inst, nil
}

func (s *Store) scanInstance(row *sql.Row) (model.AssetInstance, error) {
	var (
		inst       model.AssetInstance
		checkpoint sql.NullInt64
	)
	if err := row.Scan(&inst.ID, &inst.ParamsID, &checkpoint, &inst.CreatedAt); err != nil {
		return model.AssetInstance{}, err
	}
	if checkpoint.Valid {
		id := model.AssetMaterializationID(checkpoint.Int64)
		inst.CheckpointMaterializationID = &id
	}
	return inst, nil
}

// --- roots ---

func (s *Store) EnableRoot(ctx context.Context, instanceID model.AssetInstanceID) (model.AssetInstanceRoot, error) {
	var root model.AssetInstanceRoot
	var disabledAt sql.NullTime
	err := s.QueryRowContext(ctx, `
		INSERT INTO asset_instance_roots (instance_id, created_at) VALUES ($1, $2)
		ON CONFLICT (instance_id) DO UPDATE SET disabled_at = NULL
		RETURNING id, instance_id, disabled_at, created_at`,
		int64(instanceID), time.Now().UTC(),
	).Scan(&root.ID, &root.InstanceID, &disabledAt, &root.CreatedAt)
	if err != nil {
		return model.AssetInstanceRoot{}, fmt.Errorf("enable root %d: %w", instanceID, err)
	}
	root.DisabledAt = NullTimeToPtr(disabledAt)
	return root, nil
}

func (s *Store) DisableRoot(ctx context.Context, instanceID model.AssetInstanceID) error {
	_, err := s.ExecContext(ctx,
		`UPDATE asset_instance_roots SET disabled_at = $2 WHERE instance_id = $1 AND disabled_at IS NULL`,
		int64(instanceID), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("disable root %d: %w", instanceID, err)
	}
	return nil
}

func (s *Store) EnabledRoots(ctx context.Context) ([]model.AssetInstanceRoot, error) {
	query, args := NewSelectBuilder("asset_instance_roots").
		Columns("id", "instance_id", "disabled_at", "created_at").
		Where("disabled_at IS NULL").
		OrderBy("instance_id", false).
		Build()
	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("enabled roots: %w", err)
	}
	defer rows.Close()

	var out []model.AssetInstanceRoot
	for rows.Next() {
		var r model.AssetInstanceRoot
		var disabledAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.InstanceID, &disabledAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.DisabledAt = NullTimeToPtr(disabledAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- fanout roots ---

func (s *Store) EnableFanoutRoot(ctx context.Context, sourceInstanceID model.AssetInstanceID, targetSlug model.AssetSlug, mode model.FanoutMode) (model.AssetInstanceFanoutRoot, error) {
	var root model.AssetInstanceFanoutRoot
	var disabledAt sql.NullTime
	err := s.QueryRowContext(ctx, `
		INSERT INTO asset_instance_fanout_roots (source_instance_id, target_asset_slug, fanout_mode, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (source_instance_id, target_asset_slug, fanout_mode) DO UPDATE SET disabled_at = NULL
		RETURNING id, source_instance_id, target_asset_slug, fanout_mode, disabled_at, created_at`,
		int64(sourceInstanceID), string(targetSlug), string(mode), time.Now().UTC(),
	).Scan(&root.ID, &root.SourceInstanceID, &root.TargetSlug, &root.FanoutMode, &disabledAt, &root.CreatedAt)
	if err != nil {
		return model.AssetInstanceFanoutRoot{}, fmt.Errorf("enable fanout root: %w", err)
	}
	root.DisabledAt = NullTimeToPtr(disabledAt)
	return root, nil
}

func (s *Store) DisableFanoutRoot(ctx context.Context, sourceInstanceID model.AssetInstanceID, targetSlug model.AssetSlug, mode model.FanoutMode) error {
	_, err := s.ExecContext(ctx, `
		UPDATE asset_instance_fanout_roots SET disabled_at = $4
		WHERE source_instance_id = $1 AND target_asset_slug = $2 AND fanout_mode = $3 AND disabled_at IS NULL`,
		int64(sourceInstanceID), string(targetSlug), string(mode), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("disable fanout root: %w", err)
	}
	return nil
}

func (s *Store) EnabledFanoutRoots(ctx context.Context) ([]model.AssetInstanceFanoutRoot, error) {
	query, args := NewSelectBuilder("asset_instance_fanout_roots").
		Columns("id", "source_instance_id", "target_asset_slug", "fanout_mode", "disabled_at", "created_at").
		Where("disabled_at IS NULL").
		OrderBy("source_instance_id", false).
		OrderBy("target_asset_slug", false).
		Build()
	rows, err := s.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("enabled fanout roots: %w", err)
	}
	defer rows.Close()

	var out []model.AssetInstanceFanoutRoot
	for rows.Next() {
		var r model.AssetInstanceFanoutRoot
		var disabledAt sql.NullTime
		if err := rows.Scan(&r.ID, &r.SourceInstanceID, &r.TargetSlug, &r.FanoutMode, &disabledAt, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.DisabledAt = NullTimeToPtr(disabledAt)
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- materializations ---

const materializationColumns = `
	id, asset_instance_id, asset_slug,
	inputs_hash_version, inputs_hash,
	dependency_revisions_hash_version, dependency_revisions_hash,
	output_revision, status, trigger_reason, error_payload,
	started_at, completed_at`

func (s *Store) LatestSuccessfulMaterialization(ctx context.Context, instanceID model.AssetInstanceID) (model.AssetMaterialization, bool, error) {
	m, err := s.scanMaterialization(s.QueryRowContext(ctx, `
		SELECT`+materializationColumns+`
		FROM asset_materializations
		WHERE asset_instance_id = $1 AND status = $2
		ORDER BY id DESC LIMIT 1`,
		int64(instanceID), string(model.MaterializationSuccess),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return model.AssetMaterialization{}, false, nil
	}
	if err != nil {
		return model.AssetMaterialization{}, false, fmt.Errorf("latest successful materialization: %w", err)
	}
	return m, true, nil
}

func (s *Store) GetMaterialization(ctx context.Context, id model.AssetMaterializationID) (model.AssetMaterialization, error) {
	m, err := s.scanMaterialization(s.QueryRowContext(ctx, `
		SELECT`+materializationColumns+`
		FROM asset_materializations WHERE id = $1`,
		int64(id),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return model.AssetMaterialization{}, storage.ErrNotFound
	}
	if err != nil {
		return model.AssetMaterialization{}, fmt.Errorf("get materialization %d: %w", id, err)
	}
	return m, nil
}

func (s *Store) scanMaterialization(row *sql.Row) (model.AssetMaterialization, error) {
	var (
		m            model.AssetMaterialization
		errorPayload sql.NullString
		completedAt  sql.NullTime
	)
	err := row.Scan(
		&m.ID, &m.AssetInstanceID, &m.AssetSlug,
		&m.InputsHashVersion, &m.InputsHash,
		&m.DependencyRevisionsHashVersion, &m.DependencyRevisionsHash,
		&m.OutputRevision, &m.Status, &m.TriggerReason, &errorPayload,
		&m.StartedAt, &completedAt,
	)
	if err != nil {
		return model.AssetMaterialization{}, err
	}
	m.ErrorPayload = errorPayload.String
	m.CompletedAt = NullTimeToPtr(completedAt)
	return m, nil
}

// BeginMaterialization inserts a new in_progress materialization row plus its
// dependency and requester edges, in one transaction.
func (s *Store) BeginMaterialization(ctx context.Context, m model.AssetMaterialization, depEdges []model.DependencyEdge, requestEdges []model.RequestEdge) (model.AssetMaterializationID, error) {
	var id model.AssetMaterializationID
	err := s.WithTx(ctx, func(ctx context.Context) error {
		startedAt := m.StartedAt
		if startedAt.IsZero() {
			startedAt = time.Now().UTC()
		}
		var rawID int64
		if err := s.QueryRowContext(ctx, `
			INSERT INTO asset_materializations (
				asset_instance_id, asset_slug,
				inputs_hash_version, inputs_hash,
				dependency_revisions_hash_version, dependency_revisions_hash,
				output_revision, status, trigger_reason, started_at
			) VALUES ($1, $2, $3, $4, $5, $6, 0, $7, $8, $9)
			RETURNING id`,
			int64(m.AssetInstanceID), string(m.AssetSlug),
			m.InputsHashVersion, m.InputsHash,
			m.DependencyRevisionsHashVersion, m.DependencyRevisionsHash,
			string(model.MaterializationInProgress), m.TriggerReason, startedAt,
		).Scan(&rawID); err != nil {
			return fmt.Errorf("insert materialization: %w", err)
		}
		id = model.AssetMaterializationID(rawID)

		for _, e := range depEdges {
			if _, err := s.ExecContext(ctx, `
				INSERT INTO asset_materialization_dependencies (materialization_id, dependency_name, dependency_materialization_id)
				VALUES ($1, $2, $3)`,
				rawID, e.DependencyName, int64(e.DependencyMaterializationID),
			); err != nil {
				return fmt.Errorf("insert dependency edge: %w", err)
			}
		}
		for _, e := range requestEdges {
			if _, err := s.ExecContext(ctx, `
				INSERT INTO asset_materialization_requests (materialization_id, requested_ingest_event_id)
				VALUES ($1, $2)`,
				rawID, int64(e.RequestedIngestID),
			); err != nil {
				return fmt.Errorf("insert request edge: %w", err)
			}
		}
		return nil
	})
	return id, err
}

// CompleteMaterialization flips the row to success, replaces the instance
// membership snapshot, writes the enter/exit events, and advances the
// instance checkpoint, all in one transaction.
func (s *Store) CompleteMaterialization(ctx context.Context, id model.AssetMaterializationID, outputRevision int64, membership []model.MembershipRow, enters []model.EnterEvent, exits []model.ExitEvent) error {
	return s.WithTx(ctx, func(ctx context.Context) error {
		now := time.Now().UTC()

		var instanceID int64
		err := s.QueryRowContext(ctx, `
			UPDATE asset_materializations
			SET status = $2, output_revision = $3, completed_at = $4
			WHERE id = $1 AND status = $5
			RETURNING asset_instance_id`,
			int64(id), string(model.MaterializationSuccess), outputRevision, now,
			string(model.MaterializationInProgress),
		).Scan(&instanceID)
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("materialization %d: %w", id, storage.ErrNotFound)
		}
		if err != nil {
			return fmt.Errorf("complete materialization %d: %w", id, err)
		}

		if _, err := s.ExecContext(ctx,
			`DELETE FROM asset_instance_memberships WHERE instance_id = $1`, instanceID,
		); err != nil {
			return fmt.Errorf("clear membership snapshot: %w", err)
		}
		for _, row := range membership {
			if _, err := s.ExecContext(ctx, `
				INSERT INTO asset_instance_memberships (instance_id, item_kind, item_id, checkpoint_materialization_id)
				VALUES ($1, $2, $3, $4)`,
				instanceID, string(row.ItemKind), int64(row.ItemID), int64(id),
			); err != nil {
				return fmt.Errorf("insert membership row: %w", err)
			}
		}

		for _, e := range enters {
			if _, err := s.ExecContext(ctx, `
				INSERT INTO asset_membership_events (materialization_id, item_id, item_kind, event_type, is_first_appearance, recorded_at)
				VALUES ($1, $2, $3, 'enter', $4, $5)`,
				int64(id), int64(e.ItemID), string(e.ItemKind), e.IsFirstAppearance, now,
			); err != nil {
				return fmt.Errorf("insert enter event: %w", err)
			}
		}
		for _, e := range exits {
			if _, err := s.ExecContext(ctx, `
				INSERT INTO asset_membership_events (materialization_id, item_id, item_kind, event_type, is_first_appearance, recorded_at)
				VALUES ($1, $2, $3, 'exit', NULL, $4)`,
				int64(id), int64(e.ItemID), string(e.ItemKind), now,
			); err != nil {
				return fmt.Errorf("insert exit event: %w", err)
			}
		}

		if _, err := s.ExecContext(ctx,
			`UPDATE asset_instances SET checkpoint_materialization_id = $2 WHERE id = $1`,
			instanceID, int64(id),
		); err != nil {
			return fmt.Errorf("advance checkpoint: %w", err)
		}
		return nil
	})
}

func (s *Store) FailMaterialization(ctx context.Context, id model.AssetMaterializationID, errorPayload string) error {
	res, err := s.ExecContext(ctx, `
		UPDATE asset_materializations
		SET status = $2, error_payload = $3, completed_at = $4
		WHERE id = $1`,
		int64(id), string(model.MaterializationError), errorPayload, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("fail materialization %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("materialization %d: %w", id, storage.ErrNotFound)
	}
	return nil
}

// --- membership ---

func (s *Store) CurrentMembership(ctx context.Context, instanceID model.AssetInstanceID) ([]model.ItemID, error) {
	rows, err := s.QueryContext(ctx,
		`SELECT item_id FROM asset_instance_memberships WHERE instance_id = $1 ORDER BY item_id`,
		int64(instanceID),
	)
	if err != nil {
		return nil, fmt.Errorf("current membership: %w", err)
	}
	defer rows.Close()
	return scanItemIDs(rows)
}

// AsOfMembership replays enter/exit events from the earliest successful
// materialization forward to the target.
func (s *Store) AsOfMembership(ctx context.Context, instanceID model.AssetInstanceID, targetMaterializationID model.AssetMaterializationID) ([]model.ItemID, error) {
	rows, err := s.QueryContext(ctx, `
		SELECT e.item_id, e.event_type
		FROM asset_membership_events e
		JOIN asset_materializations m ON m.id = e.materialization_id
		WHERE m.asset_instance_id = $1 AND m.status = $2 AND m.id <= $3
		ORDER BY m.id`,
		int64(instanceID), string(model.MaterializationSuccess), int64(targetMaterializationID),
	)
	if err != nil {
		return nil, fmt.Errorf("as-of membership: %w", err)
	}
	defer rows.Close()

	set := make(map[model.ItemID]struct{})
	for rows.Next() {
		var itemID int64
		var eventType string
		if err := rows.Scan(&itemID, &eventType); err != nil {
			return nil, err
		}
		if eventType == "enter" {
			set[model.ItemID(itemID)] = struct{}{}
		} else {
			delete(set, model.ItemID(itemID))
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	out := make([]model.ItemID, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}

func (s *Store) EverAppeared(ctx context.Context, instanceID model.AssetInstanceID, itemID model.ItemID) (bool, error) {
	var exists bool
	err := s.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1 FROM asset_membership_events e
			JOIN asset_materializations m ON m.id = e.materialization_id
			WHERE m.asset_instance_id = $1 AND e.item_id = $2 AND e.event_type = 'enter'
		)`,
		int64(instanceID), int64(itemID),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("ever appeared: %w", err)
	}
	return exists, nil
}

func (s *Store) RecordPlannerEvent(ctx context.Context, instanceID model.AssetInstanceID, kind, detail string) error {
	_, err := s.ExecContext(ctx,
		`INSERT INTO asset_planner_events (instance_id, kind, detail, created_at) VALUES ($1, $2, $3, $4)`,
		int64(instanceID), kind, detail, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("record planner event: %w", err)
	}
	return nil
}

func scanItemIDs(rows *sql.Rows) ([]model.ItemID, error) {
	var out []model.ItemID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, model.ItemID(id))
	}
	return out, rows.Err()
}

package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/briandastous/bdx/pkg/hashing"
	"github.com/briandastous/bdx/pkg/lockkeys"
	"github.com/briandastous/bdx/pkg/metrics"
	"github.com/briandastous/bdx/pkg/model"
	"github.com/briandastous/bdx/pkg/registry"
)

type matStatus int

const (
	statusMaterialized matStatus = iota
	statusShortCircuit
	statusDeferred
	statusSkipped
	statusError
)

type matResult struct {
	status     matStatus
	instanceID model.AssetInstanceID
	err        error
}

// tickRun carries the per-tick resolution cache so a dependency shared by
// several targets (e.g. followers feeding both mutuals and unreciprocated)
// materializes at most once per tick.
type tickRun struct {
	e      *Engine
	tickID string

	mu       sync.Mutex
	cache    map[string]matResult
	inFlight map[string]bool
}

func newTickRun(e *Engine, tickID string) *tickRun {
	return &tickRun{
		e:        e,
		tickID:   tickID,
		cache:    make(map[string]matResult),
		inFlight: make(map[string]bool),
	}
}

// materialize resolves and (if needed) materializes one instance, recursing
// into its dependencies first (spec §4.6). Failures are isolated: every
// non-success path returns a result rather than propagating, so one broken
// instance never aborts the tick. Skips, deferrals and failed
// materializations record a planner event; an unregistered slug, a
// dependency cycle, and errors from store calls, lock acquisition or
// prerequisite resolution return a result without one.
func (r *tickRun) materialize(ctx context.Context, params model.AssetParams, reason string) matResult {
	if params.ParamsHash == "" {
		params.ParamsHash = hashing.ParamsHash(params)
		params.ParamsHashVersion = hashing.Version
	}
	key := string(params.Slug) + "|" + params.ParamsHash

	r.mu.Lock()
	if cached, ok := r.cache[key]; ok {
		r.mu.Unlock()
		return cached
	}
	if r.inFlight[key] {
		r.mu.Unlock()
		return matResult{status: statusError, err: fmt.Errorf("dependency cycle at %s", key)}
	}
	r.inFlight[key] = true
	r.mu.Unlock()

	res := r.materializeUncached(ctx, params, reason)

	r.mu.Lock()
	delete(r.inFlight, key)
	r.cache[key] = res
	r.mu.Unlock()
	return res
}

func (r *tickRun) materializeUncached(ctx context.Context, params model.AssetParams, reason string) matResult {
	e := r.e
	start := time.Now()
	log := e.log.WithFields(logrus.Fields{
		"tick_id":     r.tickID,
		"slug":        params.Slug,
		"params_hash": shortHash(params.ParamsHash),
	})

	def, ok := e.reg.Lookup(params.Slug)
	if !ok {
		log.Warn("slug not registered, skipping")
		return matResult{status: statusSkipped, err: fmt.Errorf("slug %q not registered", params.Slug)}
	}

	stored, err := e.store.GetOrCreateParams(ctx, params)
	if err != nil {
		return matResult{status: statusError, err: err}
	}
	inst, err := e.store.GetOrCreateInstance(ctx, stored.ID)
	if err != nil {
		return matResult{status: statusError, err: err}
	}
	log = log.WithField("instance_id", inst.ID)

	skip := func(kind, detail string, status matStatus) matResult {
		_ = e.store.RecordPlannerEvent(ctx, inst.ID, kind, detail)
		metrics.RecordPlannerEvent(kind)
		metrics.RecordMaterialization(string(stored.Slug), statusLabel(status), time.Since(start))
		return matResult{status: status, instanceID: inst.ID}
	}

	// Resolve dependencies bottom-up: recurse first, then pin each one to
	// its latest successful materialization.
	depSpecs, err := def.Dependencies(stored)
	if err != nil {
		return skip("validation_error", err.Error(), statusSkipped)
	}
	resolved := make(map[string]registry.DependencyResolution, len(depSpecs))
	pinned := make([]hashing.ResolvedDependency, 0, len(depSpecs))
	var depEdges []model.DependencyEdge
	for _, spec := range depSpecs {
		depRes := r.materialize(ctx, spec.Params, "dependency")
		if depRes.instanceID == 0 {
			return skip("dependency_unavailable",
				fmt.Sprintf("dependency %s (%s) could not be resolved", spec.Name, spec.Slug), statusSkipped)
		}
		depMat, found, err := e.store.LatestSuccessfulMaterialization(ctx, depRes.instanceID)
		if err != nil {
			return matResult{status: statusError, instanceID: inst.ID, err: err}
		}
		if !found {
			return skip("dependency_unavailable",
				fmt.Sprintf("dependency %s (%s) has no successful materialization", spec.Name, spec.Slug), statusSkipped)
		}
		membership, err := e.store.AsOfMembership(ctx, depRes.instanceID, depMat.ID)
		if err != nil {
			return matResult{status: statusError, instanceID: inst.ID, err: err}
		}
		resolved[spec.Name] = registry.DependencyResolution{
			Spec:              spec,
			MaterializationID: depMat.ID,
			OutputRevision:    depMat.OutputRevision,
			Membership:        membership,
		}
		pinned = append(pinned, hashing.ResolvedDependency{
			Name:           spec.Name,
			Slug:           spec.Slug,
			ParamsHash:     paramsHashOf(spec.Params),
			OutputRevision: depMat.OutputRevision,
		})
		depEdges = append(depEdges, model.DependencyEdge{
			DependencyName:              spec.Name,
			DependencyMaterializationID: depMat.ID,
		})
	}

	// Serialize against concurrent workers on the same instance.
	lockKey := lockkeys.Materialize(inst.ID)
	acquired, err := r.acquireWithTimeout(ctx, lockKey)
	if err != nil {
		return matResult{status: statusError, instanceID: inst.ID, err: err}
	}
	if !acquired {
		return skip("deferred", "decision=deferred reason=materialize_lock_held", statusDeferred)
	}
	defer func() {
		if err := e.store.Unlock(ctx, lockKey); err != nil {
			log.WithError(err).Warn("release materialize lock")
		}
	}()

	ec := registry.EvalContext{Ctx: ctx, Now: e.now(), Graph: e.store}

	issues, err := def.ValidateInputs(stored, ec)
	if err != nil {
		return skip("validation_error", err.Error(), statusSkipped)
	}
	for _, issue := range issues {
		if issue.Severity == "error" {
			return skip("validation_error", issue.Message, statusSkipped)
		}
		_ = e.store.RecordPlannerEvent(ctx, inst.ID, "warning", issue.Message)
		metrics.RecordPlannerEvent("warning")
		log.WithField("issue", issue.Message).Warn("input validation warning")
	}

	reqs, err := def.IngestRequirements(stored, resolved, ec)
	if err != nil {
		return skip("validation_error", err.Error(), statusSkipped)
	}
	prereqResult, err := e.prereq.Satisfy(ctx, reqs)
	if err != nil {
		return matResult{status: statusError, instanceID: inst.ID, err: err}
	}
	if len(prereqResult.Deferred) > 0 {
		return skip("deferred",
			fmt.Sprintf("decision=deferred reason=ingest_lock_held count=%d", len(prereqResult.Deferred)),
			statusDeferred)
	}
	if len(prereqResult.Failed) > 0 {
		return skip("ingest_error",
			fmt.Sprintf("ingest failed for %d requirement(s)", len(prereqResult.Failed)),
			statusSkipped)
	}

	inputsHash := hashing.InputsHash(stored.Slug, stored.SpecifiedUserIDs)
	depRevHash := hashing.DependencyRevisionsHash(pinned)

	prev, hasPrev, err := e.store.LatestSuccessfulMaterialization(ctx, inst.ID)
	if err != nil {
		return matResult{status: statusError, instanceID: inst.ID, err: err}
	}
	if hasPrev &&
		prev.InputsHash == inputsHash && prev.InputsHashVersion == hashing.Version &&
		prev.DependencyRevisionsHash == depRevHash && prev.DependencyRevisionsHashVersion == hashing.Version {
		log.Debug("inputs and dependency revisions unchanged, short-circuiting")
		metrics.RecordMaterialization(string(stored.Slug), "short_circuit", time.Since(start))
		return matResult{status: statusShortCircuit, instanceID: inst.ID}
	}

	var requestEdges []model.RequestEdge
	for _, runID := range prereqResult.RunIDs {
		requestEdges = append(requestEdges, model.RequestEdge{RequestedIngestID: runID})
	}

	matID, err := e.store.BeginMaterialization(ctx, model.AssetMaterialization{
		AssetInstanceID:                inst.ID,
		AssetSlug:                      stored.Slug,
		InputsHashVersion:              hashing.Version,
		InputsHash:                     inputsHash,
		DependencyRevisionsHashVersion: hashing.Version,
		DependencyRevisionsHash:        depRevHash,
		TriggerReason:                  reason,
		StartedAt:                      e.now(),
	}, depEdges, requestEdges)
	if err != nil {
		return matResult{status: statusError, instanceID: inst.ID, err: err}
	}

	enters, exits, revision, err := r.complete(ctx, def, stored, inst, matID, resolved, prev, hasPrev)
	if err != nil {
		log.WithError(err).Error("materialization failed")
		if failErr := e.store.FailMaterialization(ctx, matID, err.Error()); failErr != nil {
			log.WithError(failErr).Error("record materialization failure")
		}
		_ = e.store.RecordPlannerEvent(ctx, inst.ID, "materialization_error", err.Error())
		metrics.RecordPlannerEvent("materialization_error")
		metrics.RecordMaterialization(string(stored.Slug), "error", time.Since(start))
		return matResult{status: statusError, instanceID: inst.ID, err: err}
	}

	log.WithFields(logrus.Fields{
		"materialization_id": matID,
		"output_revision":    revision,
		"enters":             enters,
		"exits":              exits,
	}).Info("materialized")
	metrics.RecordMaterialization(string(stored.Slug), "success", time.Since(start))
	metrics.RecordMembershipEvents(string(stored.Slug), enters, exits)
	return matResult{status: statusMaterialized, instanceID: inst.ID}
}

// complete computes membership, diffs it against the previous checkpoint,
// and commits the snapshot, events, revision bump, and checkpoint advance in
// one transaction (spec §4.6 step 6).
func (r *tickRun) complete(
	ctx context.Context,
	def registry.AssetDefinition,
	stored model.AssetParams,
	inst model.AssetInstance,
	matID model.AssetMaterializationID,
	resolved map[string]registry.DependencyResolution,
	prev model.AssetMaterialization,
	hasPrev bool,
) (enters, exits int, revision int64, err error) {
	e := r.e
	err = e.store.WithTx(ctx, func(ctx context.Context) error {
		ec := registry.EvalContext{Ctx: ctx, Now: e.now(), Graph: e.store}
		membership, err := def.ComputeMembership(stored, resolved, ec)
		if err != nil {
			return fmt.Errorf("compute membership: %w", err)
		}

		prevMembers, err := e.store.CurrentMembership(ctx, inst.ID)
		if err != nil {
			return fmt.Errorf("previous membership: %w", err)
		}

		prevSet := make(map[model.ItemID]struct{}, len(prevMembers))
		for _, id := range prevMembers {
			prevSet[id] = struct{}{}
		}
		newSet := make(map[model.ItemID]struct{}, len(membership))
		for _, id := range membership {
			newSet[id] = struct{}{}
		}

		kind := def.OutputItemKind()
		var enterEvents []model.EnterEvent
		for _, id := range membership {
			if _, was := prevSet[id]; was {
				continue
			}
			first, err := e.store.EverAppeared(ctx, inst.ID, id)
			if err != nil {
				return fmt.Errorf("first appearance check: %w", err)
			}
			enterEvents = append(enterEvents, model.EnterEvent{
				MaterializationID: matID,
				ItemID:            id,
				ItemKind:          kind,
				IsFirstAppearance: !first,
			})
		}
		var exitEvents []model.ExitEvent
		for _, id := range prevMembers {
			if _, still := newSet[id]; still {
				continue
			}
			exitEvents = append(exitEvents, model.ExitEvent{
				MaterializationID: matID,
				ItemID:            id,
				ItemKind:          kind,
			})
		}

		rows := make([]model.MembershipRow, 0, len(membership))
		for _, id := range membership {
			rows = append(rows, model.MembershipRow{
				InstanceID:                  inst.ID,
				ItemKind:                    kind,
				ItemID:                      id,
				CheckpointMaterializationID: matID,
			})
		}

		revision = 0
		if hasPrev {
			revision = prev.OutputRevision
		}
		if len(enterEvents)+len(exitEvents) > 0 {
			revision++
		}
		enters = len(enterEvents)
		exits = len(exitEvents)

		return e.store.CompleteMaterialization(ctx, matID, revision, rows, enterEvents, exitEvents)
	})
	return enters, exits, revision, err
}

func (r *tickRun) acquireWithTimeout(ctx context.Context, key string) (bool, error) {
	deadline := time.Now().Add(r.e.lockTimeout)
	for {
		acquired, err := r.e.store.TryLock(ctx, key)
		if err != nil {
			return false, fmt.Errorf("try lock %q: %w", key, err)
		}
		if acquired {
			return true, nil
		}
		if time.Now().After(deadline) {
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(r.e.pollInterval):
		}
	}
}

func paramsHashOf(p model.AssetParams) string {
	if p.ParamsHash != "" {
		return p.ParamsHash
	}
	return hashing.ParamsHash(p)
}

func statusLabel(s matStatus) string {
	switch s {
	case statusMaterialized:
		return "success"
	case statusShortCircuit:
		return "short_circuit"
	case statusDeferred:
		return "deferred"
	case statusSkipped:
		return "skipped"
	default:
		return "error"
	}
}

func shortHash(h string) string {
	if len(h) > 12 {
		return h[:12]
	}
	return h
}

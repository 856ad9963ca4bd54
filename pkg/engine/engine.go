// Package engine implements the pull-based planner and materializer (spec
// §4.6): every tick it enumerates enabled roots and fanout roots, expands
// fanout sources into derived instances, resolves each target's dependency
// DAG bottom-up, satisfies ingest prerequisites, and materializes changed
// instances with transactional membership snapshots, enter/exit events, and
// monotonic output revisions.
package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/briandastous/bdx/pkg/hashing"
	"github.com/briandastous/bdx/pkg/metrics"
	"github.com/briandastous/bdx/pkg/model"
	"github.com/briandastous/bdx/pkg/prereq"
	"github.com/briandastous/bdx/pkg/registry"
	"github.com/briandastous/bdx/pkg/storage"
)

// Satisfier is the prerequisite-resolution surface the engine depends on
// (implemented by prereq.Resolver, stubbed in tests).
type Satisfier interface {
	Satisfy(ctx context.Context, reqs []model.IngestRequirement) (prereq.Result, error)
}

// Engine drives asset materialization.
type Engine struct {
	store  storage.Store
	reg    *registry.Registry
	prereq Satisfier
	log    *logrus.Entry

	concurrency  int
	lockTimeout  time.Duration
	pollInterval time.Duration
	now          func() time.Time
}

// Option tunes an Engine.
type Option func(*Engine)

// WithConcurrency bounds how many targets one tick materializes in parallel.
// Instance-level advisory locks keep raising this safe; default is 1.
func WithConcurrency(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.concurrency = n
		}
	}
}

// WithLockTimeout bounds the materialize advisory-lock acquisition.
func WithLockTimeout(d time.Duration) Option {
	return func(e *Engine) { e.lockTimeout = d }
}

// WithClock overrides the engine clock, for tests.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// New constructs an Engine.
func New(store storage.Store, reg *registry.Registry, satisfier Satisfier, log *logrus.Entry, opts ...Option) *Engine {
	e := &Engine{
		store:        store,
		reg:          reg,
		prereq:       satisfier,
		log:          log.WithField("component", "engine"),
		concurrency:  1,
		lockTimeout:  10 * time.Second,
		pollInterval: 250 * time.Millisecond,
		now:          func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// TickReport summarizes one tick for logs and callers.
type TickReport struct {
	Targets        int
	Materialized   int
	ShortCircuited int
	Deferred       int
	Skipped        int
	Errors         int
}

// target is one instance the tick intends to materialize, with the reason it
// entered the work set.
type target struct {
	params model.AssetParams
	reason string
}

// Tick runs one full planning and materialization pass.
func (e *Engine) Tick(ctx context.Context) (TickReport, error) {
	start := time.Now()
	tickID := uuid.NewString()
	log := e.log.WithField("tick_id", tickID)

	targets, err := e.enumerateTargets(ctx, log)
	if err != nil {
		metrics.RecordTick("error", time.Since(start))
		return TickReport{}, err
	}
	log.WithField("targets", len(targets)).Info("tick planned")

	report := TickReport{Targets: len(targets)}
	run := newTickRun(e, tickID)

	var mu sync.Mutex
	sem := make(chan struct{}, e.concurrency)
	var wg sync.WaitGroup
	for _, t := range targets {
		if ctx.Err() != nil {
			break
		}
		wg.Add(1)
		sem <- struct{}{}
		go func(t target) {
			defer wg.Done()
			defer func() { <-sem }()
			res := run.materialize(ctx, t.params, t.reason)
			mu.Lock()
			defer mu.Unlock()
			switch res.status {
			case statusMaterialized:
				report.Materialized++
			case statusShortCircuit:
				report.ShortCircuited++
			case statusDeferred:
				report.Deferred++
			case statusSkipped:
				report.Skipped++
			case statusError:
				report.Errors++
			}
		}(t)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		metrics.RecordTick("error", time.Since(start))
		return report, err
	}

	log.WithFields(logrus.Fields{
		"materialized":    report.Materialized,
		"short_circuited": report.ShortCircuited,
		"deferred":        report.Deferred,
		"skipped":         report.Skipped,
		"errors":          report.Errors,
	}).Info("tick complete")
	metrics.RecordTick("success", time.Since(start))
	return report, nil
}

// enumerateTargets collects the tick's work set: enabled roots plus the
// derived instances of each enabled fanout root, deduplicated by params
// identity and ordered deterministically.
func (e *Engine) enumerateTargets(ctx context.Context, log *logrus.Entry) ([]target, error) {
	seen := make(map[string]struct{})
	var targets []target
	add := func(t target) {
		key := string(t.params.Slug) + "|" + t.params.ParamsHash
		if _, dup := seen[key]; dup {
			return
		}
		seen[key] = struct{}{}
		targets = append(targets, t)
	}

	roots, err := e.store.EnabledRoots(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate roots: %w", err)
	}
	for _, root := range roots {
		inst, err := e.store.GetInstance(ctx, root.InstanceID)
		if err != nil {
			return nil, fmt.Errorf("root instance %d: %w", root.InstanceID, err)
		}
		params, err := e.store.GetParams(ctx, inst.ParamsID)
		if err != nil {
			return nil, fmt.Errorf("root params %d: %w", inst.ParamsID, err)
		}
		add(target{params: params, reason: "root"})
	}

	fanouts, err := e.store.EnabledFanoutRoots(ctx)
	if err != nil {
		return nil, fmt.Errorf("enumerate fanout roots: %w", err)
	}
	for _, fr := range fanouts {
		derived, err := e.expandFanoutRoot(ctx, fr)
		if err != nil {
			// A broken fanout root must not starve the rest of the tick.
			log.WithError(err).WithField("fanout_root", fr.ID).Warn("fanout expansion failed")
			_ = e.store.RecordPlannerEvent(ctx, fr.SourceInstanceID, "fanout_error", err.Error())
			metrics.RecordPlannerEvent("fanout_error")
			continue
		}
		for _, p := range derived {
			add(target{params: p, reason: "fanout"})
		}
	}
	return targets, nil
}

// expandFanoutRoot maps every member of the source instance's checkpoint
// membership to a derived params of the target slug (spec §4.6). In
// global_per_item mode the derived identity excludes the source hash so the
// same item maps to one instance across all sources; the source hash is
// still recorded on the params row for lineage. In scoped_by_source mode the
// source hash is part of the derived identity.
func (e *Engine) expandFanoutRoot(ctx context.Context, fr model.AssetInstanceFanoutRoot) ([]model.AssetParams, error) {
	def, ok := e.reg.Lookup(fr.TargetSlug)
	if !ok {
		return nil, fmt.Errorf("fanout target slug %q not registered", fr.TargetSlug)
	}
	if !def.SupportsFanoutTarget() {
		return nil, fmt.Errorf("slug %q cannot be a fanout target", fr.TargetSlug)
	}

	inst, err := e.store.GetInstance(ctx, fr.SourceInstanceID)
	if err != nil {
		return nil, fmt.Errorf("fanout source instance %d: %w", fr.SourceInstanceID, err)
	}
	if inst.CheckpointMaterializationID == nil {
		// Source has not materialized yet; nothing to expand this tick.
		return nil, nil
	}
	sourceParams, err := e.store.GetParams(ctx, inst.ParamsID)
	if err != nil {
		return nil, fmt.Errorf("fanout source params %d: %w", inst.ParamsID, err)
	}
	sourceDef, ok := e.reg.Lookup(sourceParams.Slug)
	if !ok {
		return nil, fmt.Errorf("fanout source slug %q not registered", sourceParams.Slug)
	}

	members, err := e.store.AsOfMembership(ctx, inst.ID, *inst.CheckpointMaterializationID)
	if err != nil {
		return nil, fmt.Errorf("fanout source membership: %w", err)
	}

	var out []model.AssetParams
	for _, item := range members {
		identityHash := ""
		if fr.FanoutMode == model.FanoutModeScopedBySource {
			identityHash = sourceParams.ParamsHash
		}
		p, err := def.ParamsFromFanoutItem(sourceDef.OutputItemKind(), item, identityHash)
		if err != nil {
			return nil, fmt.Errorf("fanout item %d: %w", item, err)
		}
		p.ParamsHash = hashing.ParamsHash(p)
		p.ParamsHashVersion = hashing.Version
		if p.FanoutSourceParamsHash == nil {
			hash := sourceParams.ParamsHash
			p.FanoutSourceParamsHash = &hash
		}
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Slug != out[j].Slug {
			return out[i].Slug < out[j].Slug
		}
		return out[i].ParamsHash < out[j].ParamsHash
	})
	return out, nil
}

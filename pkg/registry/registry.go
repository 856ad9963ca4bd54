// Package registry implements the Asset Registry (spec §4.2): the mapping
// from asset slug to its dependency spec, ingest requirements, hashing
// contributions, and membership-compute function.
//
// The iterative fixed-point resolution in checkCycles mirrors
// system/core/dependency.go's ResolveOrder in the teacher repo: repeatedly
// pull any slug whose static dependencies are already resolved, and treat a
// stalled pass (no progress) as a cycle.
package registry

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/briandastous/bdx/pkg/model"
)

// SocialGraphReader is the read surface of the store that membership
// compute functions need: "as-of now" queries over the raw social graph,
// used only by slugs whose membership is not itself pinned to a dependency's
// as-of membership (segment_followers, segment_followed, post_corpus).
type SocialGraphReader interface {
	ActiveFollowerIDs(ctx context.Context, subject model.UserID) ([]model.UserID, error)
	ActiveFollowingIDs(ctx context.Context, subject model.UserID) ([]model.UserID, error)
	ActivePostIDsByAuthors(ctx context.Context, authorIDs []model.UserID) ([]model.PostID, error)
}

// DependencyResolution is a dependency pinned to a specific successful
// materialization, together with the membership that was current as-of it.
type DependencyResolution struct {
	Spec              model.DependencySpec
	MaterializationID model.AssetMaterializationID
	OutputRevision    int64
	Membership        []model.ItemID
}

// EvalContext carries everything a definition's contract points need beyond
// the params themselves.
type EvalContext struct {
	Ctx   context.Context
	Now   time.Time
	Graph SocialGraphReader
}

// AssetDefinition is the per-slug contract described in spec §4.2.
type AssetDefinition interface {
	Slug() model.AssetSlug
	OutputItemKind() model.ItemKind

	// DependsOnSlugs is the static, params-independent set of slugs this
	// asset can depend on. Used only for registry-construction cycle
	// detection; Dependencies below resolves the params-specific instances.
	DependsOnSlugs() []model.AssetSlug

	// Dependencies returns the concrete dependency specs for these params.
	Dependencies(params model.AssetParams) ([]model.DependencySpec, error)

	// IngestRequirements may be dynamic in the resolved dependencies, e.g.
	// post_corpus_for_segment expands to one requirement per pinned member.
	IngestRequirements(params model.AssetParams, deps map[string]DependencyResolution, ec EvalContext) ([]model.IngestRequirement, error)

	// InputsHashParts returns the slug-specific deterministically-ordered
	// parts folded into the inputs hash (spec §4.1). Most slugs return nil.
	InputsHashParts(params model.AssetParams, ec EvalContext) ([]string, error)

	// ComputeMembership returns the sorted-ascending, deduplicated item ids
	// that belong to this instance given its resolved dependencies.
	ComputeMembership(params model.AssetParams, deps map[string]DependencyResolution, ec EvalContext) ([]model.ItemID, error)

	// ValidateInputs is optional; a definition with nothing to validate
	// should return (nil, nil).
	ValidateInputs(params model.AssetParams, ec EvalContext) ([]model.ValidationIssue, error)

	// SupportsFanoutTarget reports whether ParamsFromFanoutItem is implemented.
	SupportsFanoutTarget() bool

	// ParamsFromFanoutItem maps one member of a fanout root's source
	// membership to this slug's params. Only called when
	// SupportsFanoutTarget is true.
	ParamsFromFanoutItem(itemKind model.ItemKind, itemExternalID model.ItemID, fanoutSourceParamsHash string) (model.AssetParams, error)
}

// Registry holds the immutable set of asset definitions, keyed by slug.
type Registry struct {
	defs map[model.AssetSlug]AssetDefinition
}

// New builds a Registry from the given definitions, rejecting duplicate
// slugs and any cycle in the static (params-independent) dependency graph.
func New(defs ...AssetDefinition) (*Registry, error) {
	r := &Registry{defs: make(map[model.AssetSlug]AssetDefinition, len(defs))}
	for _, d := range defs {
		if d == nil {
			return nil, fmt.Errorf("registry: nil definition")
		}
		slug := d.Slug()
		if slug == "" {
			return nil, fmt.Errorf("registry: definition with empty slug")
		}
		if _, exists := r.defs[slug]; exists {
			return nil, fmt.Errorf("registry: duplicate slug %q", slug)
		}
		r.defs[slug] = d
	}
	if err := r.checkCycles(); err != nil {
		return nil, err
	}
	return r, nil
}

// Lookup returns the definition for slug, or (nil, false).
func (r *Registry) Lookup(slug model.AssetSlug) (AssetDefinition, bool) {
	d, ok := r.defs[slug]
	return d, ok
}

// MustLookup panics if slug is not registered; used only where the caller
// has already validated the slug exists (e.g. replaying a stored instance).
func (r *Registry) MustLookup(slug model.AssetSlug) AssetDefinition {
	d, ok := r.defs[slug]
	if !ok {
		panic(fmt.Sprintf("registry: slug %q not registered", slug))
	}
	return d
}

// Slugs returns all registered slugs, sorted for determinism.
func (r *Registry) Slugs() []model.AssetSlug {
	out := make([]model.AssetSlug, 0, len(r.defs))
	for s := range r.defs {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// checkCycles runs the same iterative fixed-point resolution as
// system/core/dependency.go's ResolveOrder: repeatedly resolve any slug
// whose declared dependencies are already resolved; a pass that resolves
// nothing new indicates a cycle.
func (r *Registry) checkCycles() error {
	pending := make(map[model.AssetSlug][]model.AssetSlug, len(r.defs))
	for slug, d := range r.defs {
		pending[slug] = d.DependsOnSlugs()
	}

	resolved := make(map[model.AssetSlug]bool, len(pending))
	for len(resolved) < len(pending) {
		progressed := false
		for slug, deps := range pending {
			if resolved[slug] {
				continue
			}
			ready := true
			for _, dep := range deps {
				if !resolved[dep] {
					ready = false
					break
				}
			}
			if ready {
				resolved[slug] = true
				progressed = true
			}
		}
		if !progressed {
			var stuck []string
			for slug := range pending {
				if !resolved[slug] {
					stuck = append(stuck, string(slug))
				}
			}
			sort.Strings(stuck)
			return fmt.Errorf("registry: dependency cycle or unresolved dependency among: %v", stuck)
		}
	}
	return nil
}

package registry

import (
	"encoding/json"
	"fmt"

	"github.com/briandastous/bdx/pkg/hashing"
	"github.com/briandastous/bdx/pkg/model"
)

// paramsJSON is the operator-facing JSON shape accepted by the CLI's
// --params flag. Only the fields relevant to the named slug are read.
type paramsJSON struct {
	StableKey         string `json:"stable_key"`
	SubjectExternalID int64  `json:"subject_external_id,string"`
	SourceSegment     *struct {
		AssetSlug  string `json:"asset_slug"`
		ParamsHash string `json:"params_hash"`
	} `json:"source_segment"`
	FanoutSourceParamsHash *string `json:"fanout_source_params_hash"`
}

// ParamsFromJSON decodes operator-supplied params JSON into a typed
// AssetParams for slug, computing the v1 params hash.
func ParamsFromJSON(slug model.AssetSlug, raw []byte) (model.AssetParams, error) {
	var in paramsJSON
	if err := json.Unmarshal(raw, &in); err != nil {
		return model.AssetParams{}, fmt.Errorf("params json: %w", err)
	}

	p := model.AssetParams{Slug: slug, FanoutSourceParamsHash: in.FanoutSourceParamsHash}
	switch slug {
	case model.SlugSegmentSpecifiedUsers:
		if in.StableKey == "" {
			return model.AssetParams{}, fmt.Errorf("params json: stable_key required for %s", slug)
		}
		p.StableKey = in.StableKey
	case model.SlugSegmentFollowers, model.SlugSegmentFollowed,
		model.SlugSegmentMutuals, model.SlugSegmentUnreciprocatedFollowed:
		if in.SubjectExternalID == 0 {
			return model.AssetParams{}, fmt.Errorf("params json: subject_external_id required for %s", slug)
		}
		p.SubjectExternalID = model.UserID(in.SubjectExternalID)
	case model.SlugPostCorpusForSegment:
		if in.SourceSegment == nil || in.SourceSegment.AssetSlug == "" || in.SourceSegment.ParamsHash == "" {
			return model.AssetParams{}, fmt.Errorf("params json: source_segment.asset_slug and source_segment.params_hash required for %s", slug)
		}
		p.SourceSegmentSlug = model.AssetSlug(in.SourceSegment.AssetSlug)
		p.SourceSegmentParamsHash = in.SourceSegment.ParamsHash
	default:
		return model.AssetParams{}, fmt.Errorf("params json: unknown slug %q", slug)
	}

	p.ParamsHash = hashing.ParamsHash(p)
	p.ParamsHashVersion = hashing.Version
	return p, nil
}

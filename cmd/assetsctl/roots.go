package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/briandastous/bdx/internal/app"
	"github.com/briandastous/bdx/pkg/model"
	"github.com/briandastous/bdx/pkg/registry"
	"github.com/briandastous/bdx/pkg/storage"
)

type instanceSelector struct {
	instanceID int64
	slug       string
	paramsJSON string
}

func (sel *instanceSelector) register(fs *flag.FlagSet, prefix string) {
	fs.Int64Var(&sel.instanceID, prefix+"instance-id", 0, "Existing asset instance id")
	fs.StringVar(&sel.slug, prefix+"slug", "", "Asset slug")
	fs.StringVar(&sel.paramsJSON, prefix+"params", "", "Asset params JSON")
}

// resolve returns the selected instance, creating params/instance rows when
// addressed by slug+params.
func (sel *instanceSelector) resolve(ctx context.Context, a *app.App) (model.AssetInstance, model.AssetParams, error) {
	if sel.instanceID > 0 {
		inst, err := a.Store.GetInstance(ctx, model.AssetInstanceID(sel.instanceID))
		if errors.Is(err, storage.ErrNotFound) {
			return model.AssetInstance{}, model.AssetParams{}, usageError(fmt.Errorf("instance %d not found", sel.instanceID))
		}
		if err != nil {
			return model.AssetInstance{}, model.AssetParams{}, err
		}
		params, err := a.Store.GetParams(ctx, inst.ParamsID)
		if err != nil {
			return model.AssetInstance{}, model.AssetParams{}, err
		}
		return inst, params, nil
	}

	if sel.slug == "" || sel.paramsJSON == "" {
		return model.AssetInstance{}, model.AssetParams{}, usageError(errors.New("either --instance-id or --slug with --params is required"))
	}
	slug := model.AssetSlug(sel.slug)
	if _, ok := a.Registry.Lookup(slug); !ok {
		return model.AssetInstance{}, model.AssetParams{}, usageError(fmt.Errorf("unknown slug %q", slug))
	}
	params, err := registry.ParamsFromJSON(slug, []byte(sel.paramsJSON))
	if err != nil {
		return model.AssetInstance{}, model.AssetParams{}, usageError(err)
	}
	stored, err := a.Store.GetOrCreateParams(ctx, params)
	if err != nil {
		return model.AssetInstance{}, model.AssetParams{}, err
	}
	inst, err := a.Store.GetOrCreateInstance(ctx, stored.ID)
	if err != nil {
		return model.AssetInstance{}, model.AssetParams{}, err
	}
	return inst, stored, nil
}

func handleRootsEnable(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("assets:roots:enable", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var sel instanceSelector
	sel.register(fs, "")
	specifiedCSV := fs.String("specified-user-ids", "", "Comma-separated user ids for segment_specified_users")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}

	inst, params, err := sel.resolve(ctx, a)
	if err != nil {
		return err
	}

	if *specifiedCSV != "" {
		if params.Slug != model.SlugSegmentSpecifiedUsers {
			return usageError(fmt.Errorf("--specified-user-ids only applies to %s", model.SlugSegmentSpecifiedUsers))
		}
		ids, err := parseUserIDCSV(*specifiedCSV)
		if err != nil {
			return usageError(err)
		}
		// Seed profiles so downstream segments have handles to work with.
		if _, err := a.UsersByIDs.Sync(ctx, ids); err != nil {
			return fmt.Errorf("seed specified users: %w", err)
		}
		if err := a.Store.SetSpecifiedInputs(ctx, params.ID, ids); err != nil {
			return err
		}
		params.SpecifiedUserIDs = ids
	}

	root, err := a.Store.EnableRoot(ctx, inst.ID)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"root_id":     root.ID,
		"instance_id": inst.ID,
		"params": map[string]any{
			"asset_slug":  params.Slug,
			"params_hash": params.ParamsHash,
		},
	})
}

func handleRootsDisable(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("assets:roots:disable", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var sel instanceSelector
	sel.register(fs, "")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}

	inst, _, err := sel.resolve(ctx, a)
	if err != nil {
		return err
	}
	if err := a.Store.DisableRoot(ctx, inst.ID); err != nil {
		return err
	}
	return printJSON(map[string]any{"instance_id": inst.ID, "disabled": true})
}

func handleFanoutRoots(ctx context.Context, a *app.App, args []string, enable bool) error {
	name := "assets:fanout-roots:disable"
	if enable {
		name = "assets:fanout-roots:enable"
	}
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	var sel instanceSelector
	fs.Int64Var(&sel.instanceID, "source-instance-id", 0, "Source asset instance id")
	fs.StringVar(&sel.slug, "source-slug", "", "Source asset slug")
	fs.StringVar(&sel.paramsJSON, "source-params", "", "Source asset params JSON")
	targetSlug := fs.String("target-slug", "", "Fanout target asset slug")
	fanoutMode := fs.String("fanout-mode", "", "Fanout mode: global_per_item or scoped_by_source")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}

	mode := model.FanoutMode(*fanoutMode)
	if mode != model.FanoutModeGlobalPerItem && mode != model.FanoutModeScopedBySource {
		return usageError(fmt.Errorf("invalid fanout mode %q", *fanoutMode))
	}
	target := model.AssetSlug(*targetSlug)
	def, ok := a.Registry.Lookup(target)
	if !ok {
		return usageError(fmt.Errorf("unknown target slug %q", target))
	}
	if !def.SupportsFanoutTarget() {
		return usageError(fmt.Errorf("slug %q cannot be a fanout target", target))
	}

	inst, _, err := sel.resolve(ctx, a)
	if err != nil {
		return err
	}

	if !enable {
		if err := a.Store.DisableFanoutRoot(ctx, inst.ID, target, mode); err != nil {
			return err
		}
		return printJSON(map[string]any{"source_instance_id": inst.ID, "target_slug": target, "disabled": true})
	}

	root, err := a.Store.EnableFanoutRoot(ctx, inst.ID, target, mode)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"fanout_root_id":     root.ID,
		"source_instance_id": root.SourceInstanceID,
		"target_slug":        root.TargetSlug,
		"fanout_mode":        root.FanoutMode,
	})
}

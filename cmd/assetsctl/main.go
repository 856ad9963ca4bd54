// Command assetsctl is the operator CLI (spec §6): root and fanout-root
// enable/disable, single engine ticks, and direct ingest runs. Exit codes:
// 0 success, 1 fatal runtime error, 2 invalid argument.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/briandastous/bdx/internal/app"
	"github.com/briandastous/bdx/pkg/model"
	"github.com/briandastous/bdx/pkg/version"
)

type usageErr struct{ err error }

func (u usageErr) Error() string { return u.err.Error() }

func usageError(err error) error { return usageErr{err: err} }

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		var ue usageErr
		if errors.As(err, &ue) {
			os.Exit(2)
		}
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string) error {
	root := flag.NewFlagSet("assetsctl", flag.ContinueOnError)
	root.SetOutput(io.Discard)
	showVersion := root.Bool("version", false, "Print assetsctl build information and exit")
	if err := root.Parse(args); err != nil {
		return usageError(err)
	}
	if *showVersion {
		fmt.Println(version.FullVersion())
		return nil
	}

	remaining := root.Args()
	if len(remaining) == 0 {
		return usageError(errors.New("no command specified"))
	}

	a, err := app.New(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	switch remaining[0] {
	case "assets:roots:enable":
		return handleRootsEnable(ctx, a, remaining[1:])
	case "assets:roots:disable":
		return handleRootsDisable(ctx, a, remaining[1:])
	case "assets:fanout-roots:enable":
		return handleFanoutRoots(ctx, a, remaining[1:], true)
	case "assets:fanout-roots:disable":
		return handleFanoutRoots(ctx, a, remaining[1:], false)
	case "worker:tick":
		return handleTick(ctx, a)
	case "ingest:followers":
		return handleFollowSideIngest(ctx, a, remaining[1:], true)
	case "ingest:followings":
		return handleFollowSideIngest(ctx, a, remaining[1:], false)
	case "ingest:posts":
		return handlePostsIngest(ctx, a, remaining[1:])
	case "ingest:users":
		return handleUsersIngest(ctx, a, remaining[1:])
	case "ingest:posts-by-ids":
		return handlePostsByIDsIngest(ctx, a, remaining[1:])
	default:
		return usageError(fmt.Errorf("unknown command %q", remaining[0]))
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseInt64CSV(raw string) ([]int64, error) {
	if strings.TrimSpace(raw) == "" {
		return nil, nil
	}
	var out []int64
	for _, part := range strings.Split(raw, ",") {
		n, err := strconv.ParseInt(strings.TrimSpace(part), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q", part)
		}
		out = append(out, n)
	}
	return out, nil
}

func parseUserIDCSV(raw string) ([]model.UserID, error) {
	ns, err := parseInt64CSV(raw)
	if err != nil {
		return nil, err
	}
	out := make([]model.UserID, len(ns))
	for i, n := range ns {
		out[i] = model.UserID(n)
	}
	return out, nil
}

func handleTick(ctx context.Context, a *app.App) error {
	report, err := a.Engine.Tick(ctx)
	if err != nil {
		return err
	}
	return printJSON(report)
}

func handleFollowSideIngest(ctx context.Context, a *app.App, args []string, followers bool) error {
	fs := flag.NewFlagSet("ingest", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	subject := fs.Int64("subject", 0, "Subject user id")
	mode := fs.String("mode", string(model.SyncModeIncremental), "Sync mode: full_refresh or incremental")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	if *subject <= 0 {
		return usageError(errors.New("--subject is required"))
	}
	syncMode, err := parseSyncMode(*mode)
	if err != nil {
		return usageError(err)
	}

	var run model.IngestRun
	if followers {
		run, err = a.Followers.Sync(ctx, model.UserID(*subject), syncMode)
	} else {
		run, err = a.Followings.Sync(ctx, model.UserID(*subject), syncMode)
	}
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"run_id": run.ID, "status": run.Status, "cursor_exhausted": run.CursorExhausted})
}

func handlePostsIngest(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("ingest:posts", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	targets := fs.String("targets", "", "Comma-separated target user ids")
	mode := fs.String("mode", string(model.SyncModeIncremental), "Sync mode")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	ids, err := parseUserIDCSV(*targets)
	if err != nil {
		return usageError(err)
	}
	if len(ids) == 0 {
		return usageError(errors.New("--targets is required"))
	}
	syncMode, err := parseSyncMode(*mode)
	if err != nil {
		return usageError(err)
	}
	run, err := a.Posts.Sync(ctx, ids, syncMode)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"run_id": run.ID, "status": run.Status, "cursor_exhausted": run.CursorExhausted})
}

func handleUsersIngest(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("ingest:users", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	ids := fs.String("ids", "", "Comma-separated user ids")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	userIDs, err := parseUserIDCSV(*ids)
	if err != nil {
		return usageError(err)
	}
	if len(userIDs) == 0 {
		return usageError(errors.New("--ids is required"))
	}
	run, err := a.UsersByIDs.Sync(ctx, userIDs)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"run_id": run.ID, "status": run.Status})
}

func handlePostsByIDsIngest(ctx context.Context, a *app.App, args []string) error {
	fs := flag.NewFlagSet("ingest:posts-by-ids", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	ids := fs.String("ids", "", "Comma-separated post ids")
	if err := fs.Parse(args); err != nil {
		return usageError(err)
	}
	ns, err := parseInt64CSV(*ids)
	if err != nil {
		return usageError(err)
	}
	if len(ns) == 0 {
		return usageError(errors.New("--ids is required"))
	}
	postIDs := make([]model.PostID, len(ns))
	for i, n := range ns {
		postIDs[i] = model.PostID(n)
	}
	run, err := a.PostsByIDs.Sync(ctx, postIDs)
	if err != nil {
		return err
	}
	return printJSON(map[string]any{"run_id": run.ID, "status": run.Status})
}

func parseSyncMode(raw string) (model.SyncMode, error) {
	switch model.SyncMode(raw) {
	case model.SyncModeFull, model.SyncModeIncremental:
		return model.SyncMode(raw), nil
	default:
		return "", fmt.Errorf("invalid sync mode %q", raw)
	}
}

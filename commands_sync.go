package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/containerd/log"
	"github.com/spf13/cobra"

	"envtracker/internal/checkpoint"
	"envtracker/internal/env"
	"envtracker/internal/eventhub"
	"envtracker/internal/git"
	"envtracker/internal/reconcile"
	"envtracker/internal/store"
	"envtracker/internal/watcher"
)

func newRemoteCommand(app *App) *cobra.Command {
	var infer bool
	cmd := &cobra.Command{
		Use:   "remote [DIR]",
		Short: "Set or show the remote directory of an environment",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := envName(cmd)
			if err != nil {
				return err
			}
			local, err := app.tracker.LocalDir(name)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			var dir string
			switch {
			case len(args) == 1:
				dir = args[0]
			case infer:
				cwd, err := os.Getwd()
				if err != nil {
					return err
				}
				if dir, err = git.InferRemoteDir(cwd); err != nil {
					return fmt.Errorf("cannot infer a remote directory from %s: %w", cwd, err)
				}
			default:
				current, err := local.RemoteDir()
				if err != nil {
					return err
				}
				fmt.Fprintln(w, current)
				return nil
			}
			if dir, err = filepath.Abs(dir); err != nil {
				return err
			}
			if err := local.SetRemoteDir(dir); err != nil {
				return err
			}
			fmt.Fprintf(w, "Remote of %s set to %s\n", name, dir)
			return nil
		},
	}
	addNameFlag(cmd)
	cmd.Flags().BoolVar(&infer, "infer", false, "use the .cet directory of the current directory or its git repository")
	return cmd
}

func newPushCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Publish the local history to the remote directory",
		Args:  cobra.NoArgs,
		RunE: withEnv(app, func(ctx context.Context, cmd *cobra.Command, e *env.Environment, _ []string) error {
			res, err := app.reconciler.Push(ctx, e)
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), e.Name, res)
			if res.Outcome == reconcile.Published {
				remoteDir, _ := e.Local.RemoteDir()
				printRemoteStatus(cmd.OutOrStdout(), app.reportRemoteStatus(ctx, remoteDir))
			}
			return nil
		}),
	}
	addNameFlag(cmd)
	return cmd
}

func newPullCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pull",
		Short: "Bring the remote history into the local environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, err := envName(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			e, err := app.openForPull(ctx, name)
			if err != nil {
				return err
			}
			res, err := app.reconciler.Pull(ctx, e)
			if err != nil {
				return err
			}
			app.register(ctx, e)
			printResult(cmd.OutOrStdout(), e.Name, res)
			return nil
		},
	}
	addNameFlag(cmd)
	return cmd
}

func newSyncCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sync",
		Short: "Pull and then push",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, err := envName(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			e, err := app.openForPull(ctx, name)
			if err != nil {
				return err
			}
			pulled, pushed, err := app.reconciler.Sync(ctx, e)
			if pulled != nil {
				app.register(ctx, e)
				printResult(cmd.OutOrStdout(), e.Name, pulled)
			}
			if err != nil {
				return err
			}
			printResult(cmd.OutOrStdout(), e.Name, pushed)
			if pushed.Outcome == reconcile.Published {
				remoteDir, _ := e.Local.RemoteDir()
				printRemoteStatus(cmd.OutOrStdout(), app.reportRemoteStatus(ctx, remoteDir))
			}
			return nil
		},
	}
	addNameFlag(cmd)
	return cmd
}

func printResult(w io.Writer, name string, res *reconcile.Result) {
	switch res.Outcome {
	case reconcile.NothingToPull:
		fmt.Fprintf(w, "%s: nothing to pull\n", name)
	case reconcile.FastForward:
		fmt.Fprintf(w, "%s: pulled the remote history\n", name)
	case reconcile.Replaced:
		fmt.Fprintf(w, "%s: replaced the local history with the remote history\n", name)
	case reconcile.Merged:
		fmt.Fprintf(w, "%s: merged, replayed %d local revisions\n", name, len(res.Replayed))
		for _, l := range res.Replayed {
			fmt.Fprintf(w, "  %s\n", l)
		}
	case reconcile.UpToDate:
		fmt.Fprintf(w, "%s: remote is up to date\n", name)
	case reconcile.Published:
		fmt.Fprintf(w, "%s: pushed to the remote\n", name)
	}
}

func printRemoteStatus(w io.Writer, status *eventhub.RemoteStatusEvent) {
	if status == nil || len(status.Pending) == 0 {
		return
	}
	files := make([]string, 0, len(status.Pending))
	for f := range status.Pending {
		files = append(files, f)
	}
	sort.Strings(files)
	fmt.Fprintf(w, "Uncommitted files in %s (branch %s):\n", status.Path, status.Branch)
	for _, f := range files {
		fmt.Fprintf(w, "  %s  %s\n", status.Pending[f], f)
	}
}

func newEventsCommand(app *App) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show the journal of pulls and pushes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, _ := cmd.Flags().GetString("name")
			events, err := app.dbManager.ListSyncEvents(name, limit)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, ev := range events {
				status := ev.Outcome
				if ev.Failed() {
					status = "failed: " + ev.Error
				}
				fmt.Fprintf(w, "%s  %s  %-4s  %s\n", ev.CreatedAt.Format("2006-01-02 15:04:05"), ev.Env, ev.Direction, status)
			}
			return nil
		},
	}
	cmd.Flags().StringP("name", "n", "", "only show events of this environment")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of events to show")
	return cmd
}

func newBackupsCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "backups",
		Short: "Manage the backups taken before pulls overwrite local files",
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List the backups of an environment",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, err := envName(cmd)
			if err != nil {
				return err
			}
			backups, err := app.backups.List(name)
			if err != nil {
				return err
			}
			for _, b := range backups {
				fmt.Fprintf(cmd.OutOrStdout(), "%s  %s  %-6s  %d files  %s\n", b.ID, b.Timestamp.Format("2006-01-02 15:04:05"), b.TriggerType, b.FileCount, b.Description)
			}
			return nil
		},
	}

	create := &cobra.Command{
		Use:   "create [DESCRIPTION]",
		Short: "Back up the local files of an environment",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := envName(cmd)
			if err != nil {
				return err
			}
			local, err := app.tracker.LocalDir(name)
			if err != nil {
				return err
			}
			var description string
			if len(args) == 1 {
				description = args[0]
			}
			res, err := app.backups.Capture(name, local.Path(), checkpoint.TriggerManual, description)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Backed up %d files as %s\n", res.FilesProcessed, res.Checkpoint.ID)
			return nil
		},
	}

	restore := &cobra.Command{
		Use:   "restore ID",
		Short: "Restore the local files of an environment and update it to match",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := envName(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			local, err := app.tracker.LocalDir(name)
			if err != nil {
				return err
			}
			res, err := app.backups.Restore(name, args[0], local.Path())
			if err != nil {
				return err
			}
			for _, w := range res.Warnings {
				log.G(ctx).Warn(w)
			}
			e, err := app.open(ctx, name)
			if err != nil {
				return err
			}
			if err := e.Manager().UpdateEnvironment(ctx, name, local.Path()); err != nil {
				return err
			}
			if err := e.UpdateDependencies(ctx); err != nil {
				return err
			}
			app.register(ctx, e)
			fmt.Fprintf(cmd.OutOrStdout(), "Restored %d files of %s from %s\n", res.FilesProcessed, name, args[0])
			return nil
		},
	}

	diff := &cobra.Command{
		Use:   "diff FROM TO",
		Short: "Show which files changed between two backups",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := envName(cmd)
			if err != nil {
				return err
			}
			diff, err := app.backups.GetDiff(name, args[0], args[1])
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, c := range diff.Added {
				fmt.Fprintf(w, "A  %s\n", c.Path)
			}
			for _, c := range diff.Modified {
				fmt.Fprintf(w, "M  %s\n", c.Path)
			}
			for _, c := range diff.Deleted {
				fmt.Fprintf(w, "D  %s\n", c.Path)
			}
			return nil
		},
	}

	deleteCmd := &cobra.Command{
		Use:   "delete ID...",
		Short: "Delete backups",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := envName(cmd)
			if err != nil {
				return err
			}
			for _, id := range args {
				if err := app.backups.Delete(name, id); err != nil {
					return err
				}
			}
			return nil
		},
	}

	prune := &cobra.Command{
		Use:   "prune",
		Short: "Delete the oldest backups beyond backups.max",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, err := envName(cmd)
			if err != nil {
				return err
			}
			n, err := app.backups.CleanupOld(name)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Deleted %d backups\n", n)
			return nil
		},
	}

	for _, c := range []*cobra.Command{list, create, restore, diff, deleteCmd, prune} {
		addNameFlag(c)
		cmd.AddCommand(c)
	}
	return cmd
}

func newWatchCommand(app *App) *cobra.Command {
	var debounce time.Duration
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Pull whenever the remote history changes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, err := envName(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			e, err := app.openForPull(ctx, name)
			if err != nil {
				return err
			}
			remoteDir, err := e.Local.RemoteDir()
			if err != nil {
				return err
			}
			if err := os.MkdirAll(remoteDir, 0755); err != nil {
				return err
			}

			changes := make(chan watcher.Event, 1)
			w, err := watcher.New(remoteDir, []string{store.HistoryFile}, debounce, func(ev watcher.Event) {
				select {
				case changes <- ev:
				default:
				}
			})
			if err != nil {
				return err
			}
			defer w.Close()
			if err := w.Start(ctx); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Watching %s\n", remoteDir)

			for {
				select {
				case <-ctx.Done():
					return nil
				case ev := <-changes:
					app.eventHub.EmitRemoteChanged(eventhub.RemoteChangedEvent{Env: name, Path: filepath.Join(ev.Dir, store.HistoryFile)})
					if e, err = app.openForPull(ctx, name); err != nil {
						log.G(ctx).WithError(err).Error("failed to open environment")
						continue
					}
					res, err := app.reconciler.Pull(ctx, e)
					if err != nil {
						log.G(ctx).WithError(err).Error("pull failed")
						continue
					}
					app.register(ctx, e)
					printResult(cmd.OutOrStdout(), name, res)
				}
			}
		},
	}
	addNameFlag(cmd)
	cmd.Flags().DurationVar(&debounce, "debounce", 500*time.Millisecond, "wait this long after the last change before pulling")
	return cmd
}

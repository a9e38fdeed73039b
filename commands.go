package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/containerd/log"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"envtracker/internal/env"
	"envtracker/internal/packages"
	"envtracker/internal/reconcile"
	"envtracker/internal/store"
)

// newRootCommand builds the cet command tree around app
func newRootCommand(app *App) *cobra.Command {
	var opts startOptions

	root := &cobra.Command{
		Use:           "cet",
		Short:         "Track conda environments and share them through a remote directory",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			ctx, err := app.Startup(cmd.Context(), opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			cmd.SetContext(ctx)
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, _ []string) {
			app.Shutdown(cmd.Context())
		},
	}
	root.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVarP(&opts.Yes, "yes", "y", false, "answer yes to every question")
	root.PersistentFlags().BoolVar(&opts.LocalWins, "local-wins", false, "when merging, replay local changes over remote changes to the same packages")

	root.AddCommand(
		newCreateCommand(app, &opts),
		newInferCommand(app),
		newCondaCommand(app, &opts),
		newPipCommand(app, &opts),
		newRCommand(app),
		newListCommand(app),
		newHistoryCommand(app),
		newDiffCommand(app),
		newRebuildCommand(app),
		newRemoveCommand(app, &opts),
		newUpdateChannelsCommand(app),
		newEnvsCommand(app),
		newRemoteCommand(app),
		newPushCommand(app),
		newPullCommand(app),
		newSyncCommand(app),
		newEventsCommand(app),
		newBackupsCommand(app),
		newWatchCommand(app),
		newConfigCommand(app),
	)
	return root
}

// envName returns the --name flag, falling back to the active environment
func envName(cmd *cobra.Command) (string, error) {
	name, _ := cmd.Flags().GetString("name")
	if name == "" {
		name = strings.TrimSpace(os.Getenv("CONDA_DEFAULT_ENV"))
	}
	if name == "" {
		return "", fmt.Errorf("no environment given: pass --name or activate an environment")
	}
	return name, nil
}

func addNameFlag(cmd *cobra.Command) {
	cmd.Flags().StringP("name", "n", "", "environment name (defaults to the active environment)")
}

// withEnv opens the named environment, runs fn and registers the result
func withEnv(app *App, fn func(ctx context.Context, cmd *cobra.Command, e *env.Environment, args []string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		name, err := envName(cmd)
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		e, err := app.open(ctx, name)
		if err != nil {
			return err
		}
		if err := fn(ctx, cmd, e, args); err != nil {
			return err
		}
		app.register(ctx, e)
		return nil
	}
}

func newCreateCommand(app *App, root *startOptions) *cobra.Command {
	var channels []string
	var strict bool
	cmd := &cobra.Command{
		Use:   "create PACKAGE...",
		Short: "Create a conda environment and start tracking it",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := envName(cmd)
			if err != nil {
				return err
			}
			pkgs, err := packages.CleanSpecs(args, false)
			if err != nil {
				return err
			}
			if !cmd.Flags().Changed("strict-channel-priority") {
				strict = app.settings.StrictChannelPriority
			}
			e, err := app.tracker.Create(cmd.Context(), name, pkgs, env.CreateOptions{
				Channels:              channels,
				Yes:                   root.Yes || app.settings.Yes,
				StrictChannelPriority: strict,
			})
			if err != nil {
				return err
			}
			app.register(cmd.Context(), e)
			fmt.Fprintf(cmd.OutOrStdout(), "Created and tracking %s\n", e.Name)
			return nil
		},
	}
	addNameFlag(cmd)
	cmd.Flags().StringArrayVarP(&channels, "channel", "c", nil, "conda channel, highest priority first")
	cmd.Flags().BoolVar(&strict, "strict-channel-priority", true, "pass --strict-channel-priority to conda")
	return cmd
}

func newInferCommand(app *App) *cobra.Command {
	var channels []string
	cmd := &cobra.Command{
		Use:   "infer PACKAGE...",
		Short: "Start tracking an existing conda environment",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, err := envName(cmd)
			if err != nil {
				return err
			}
			pkgs, err := packages.CleanSpecs(args, false)
			if err != nil {
				return err
			}
			e, err := app.tracker.Infer(cmd.Context(), name, pkgs, channels)
			if err != nil {
				return err
			}
			app.register(cmd.Context(), e)
			fmt.Fprintf(cmd.OutOrStdout(), "Tracking %s\n", e.Name)
			return nil
		},
	}
	addNameFlag(cmd)
	cmd.Flags().StringArrayVarP(&channels, "channel", "c", nil, "channels the environment was created from")
	return cmd
}

// opOptions builds the operation options shared by the package commands
func opOptions(app *App, root *startOptions, cmd *cobra.Command, channels []string) env.Options {
	strict := app.settings.StrictChannelPriority
	if cmd.Flags().Lookup("strict-channel-priority") != nil && cmd.Flags().Changed("strict-channel-priority") {
		strict, _ = cmd.Flags().GetBool("strict-channel-priority")
	}
	return env.Options{
		Channels:              channels,
		IndexURLs:             app.settings.PipIndexURLs,
		Yes:                   root.Yes || app.settings.Yes,
		StrictChannelPriority: strict,
	}
}

func newCondaCommand(app *App, root *startOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "conda",
		Short: "Run tracked conda operations",
	}

	var installChannels []string
	install := &cobra.Command{
		Use:   "install PACKAGE...",
		Short: "Install or update conda packages",
		Args:  cobra.MinimumNArgs(1),
		RunE: withEnv(app, func(ctx context.Context, cmd *cobra.Command, e *env.Environment, args []string) error {
			pkgs, err := packages.CleanSpecs(args, false)
			if err != nil {
				return err
			}
			return e.CondaInstall(ctx, pkgs, opOptions(app, root, cmd, installChannels))
		}),
	}
	install.Flags().StringArrayVarP(&installChannels, "channel", "c", nil, "preferred channel for this install")
	install.Flags().Bool("strict-channel-priority", true, "pass --strict-channel-priority to conda")

	var updateChannels []string
	var all bool
	update := &cobra.Command{
		Use:   "update [PACKAGE...]",
		Short: "Update conda packages, or all of them with --all",
		RunE: withEnv(app, func(ctx context.Context, cmd *cobra.Command, e *env.Environment, args []string) error {
			pkgs, err := packages.CleanSpecs(args, false)
			if err != nil {
				return err
			}
			if all {
				return e.CondaUpdateAll(ctx, pkgs, opOptions(app, root, cmd, updateChannels))
			}
			return e.CondaInstall(ctx, pkgs, opOptions(app, root, cmd, updateChannels))
		}),
	}
	update.Flags().BoolVar(&all, "all", false, "update every package")
	update.Flags().StringArrayVarP(&updateChannels, "channel", "c", nil, "preferred channel for this update")
	update.Flags().Bool("strict-channel-priority", true, "pass --strict-channel-priority to conda")

	var removeChannels []string
	remove := &cobra.Command{
		Use:   "remove PACKAGE...",
		Short: "Remove conda packages",
		Args:  cobra.MinimumNArgs(1),
		RunE: withEnv(app, func(ctx context.Context, cmd *cobra.Command, e *env.Environment, args []string) error {
			pkgs, err := packages.CleanSpecs(args, false)
			if err != nil {
				return err
			}
			return e.CondaRemove(ctx, pkgs, opOptions(app, root, cmd, removeChannels))
		}),
	}
	remove.Flags().StringArrayVarP(&removeChannels, "channel", "c", nil, "channel the packages came from")

	for _, c := range []*cobra.Command{install, update, remove} {
		addNameFlag(c)
		cmd.AddCommand(c)
	}
	return cmd
}

func newPipCommand(app *App, root *startOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pip",
		Short: "Run tracked pip operations",
	}

	var indexURLs []string
	var custom bool
	install := &cobra.Command{
		Use:   "install PACKAGE...",
		Short: "Install pip packages, or one package from a url with --custom",
		Args:  cobra.MinimumNArgs(1),
		RunE: withEnv(app, func(ctx context.Context, cmd *cobra.Command, e *env.Environment, args []string) error {
			opts := opOptions(app, root, cmd, nil)
			if len(indexURLs) > 0 {
				opts.IndexURLs = indexURLs
			}
			if custom {
				if len(args) != 1 {
					return fmt.Errorf("--custom installs exactly one package")
				}
				pkgs, err := packages.CleanSpecs(args, true)
				if err != nil {
					return err
				}
				if len(pkgs) == 0 {
					return fmt.Errorf("no url given")
				}
				name, _ := cmd.Flags().GetString("package-name")
				if name == "" {
					return fmt.Errorf("--custom requires --package-name")
				}
				return e.PipCustomInstall(ctx, packages.Package{Name: strings.ToLower(name), Spec: pkgs[0].Spec}, opts)
			}
			pkgs, err := packages.CleanSpecs(args, false)
			if err != nil {
				return err
			}
			return e.PipInstall(ctx, pkgs, opts)
		}),
	}
	install.Flags().StringArrayVar(&indexURLs, "index-url", nil, "pip index url, the first one primary")
	install.Flags().BoolVar(&custom, "custom", false, "install from a url such as a git repository")
	install.Flags().String("package-name", "", "name of the package a --custom url installs")

	remove := &cobra.Command{
		Use:   "remove PACKAGE...",
		Short: "Uninstall pip packages",
		Args:  cobra.MinimumNArgs(1),
		RunE: withEnv(app, func(ctx context.Context, cmd *cobra.Command, e *env.Environment, args []string) error {
			pkgs, err := packages.CleanSpecs(args, false)
			if err != nil {
				return err
			}
			return e.PipRemove(ctx, pkgs, opOptions(app, root, cmd, nil))
		}),
	}

	for _, c := range []*cobra.Command{install, remove} {
		addNameFlag(c)
		cmd.AddCommand(c)
	}
	return cmd
}

func newRCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "r",
		Short: "Run tracked R operations",
	}

	var commands []string
	install := &cobra.Command{
		Use:   "install NAME...",
		Short: "Install R packages, one --command per name",
		Args:  cobra.MinimumNArgs(1),
		RunE: withEnv(app, func(ctx context.Context, _ *cobra.Command, e *env.Environment, args []string) error {
			if len(commands) == 0 {
				for _, name := range args {
					commands = append(commands, fmt.Sprintf("install.packages(%q)", name))
				}
			}
			pkgs, err := packages.RPackages(args, commands)
			if err != nil {
				return err
			}
			return e.RInstall(ctx, pkgs, env.Options{Yes: true})
		}),
	}
	install.Flags().StringArrayVar(&commands, "command", nil, `R command installing each package, default install.packages("NAME")`)

	remove := &cobra.Command{
		Use:   "remove NAME...",
		Short: "Remove R packages",
		Args:  cobra.MinimumNArgs(1),
		RunE: withEnv(app, func(ctx context.Context, _ *cobra.Command, e *env.Environment, args []string) error {
			pkgs := make([]packages.Package, 0, len(args))
			for _, name := range args {
				pkgs = append(pkgs, packages.New(strings.TrimSpace(name)))
			}
			return e.RRemove(ctx, pkgs, env.Options{Yes: true})
		}),
	}

	for _, c := range []*cobra.Command{install, remove} {
		addNameFlag(c)
		cmd.AddCommand(c)
	}
	return cmd
}

func newListCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List the tracked packages with their specs and versions",
		Args:  cobra.NoArgs,
		RunE: withEnv(app, func(_ context.Context, cmd *cobra.Command, e *env.Environment, _ []string) error {
			e.ListPackages(cmd.OutOrStdout())
			return nil
		}),
	}
	addNameFlag(cmd)
	return cmd
}

func newHistoryCommand(app *App) *cobra.Command {
	var actions bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the revisions of an environment",
		Args:  cobra.NoArgs,
		RunE: withEnv(app, func(_ context.Context, cmd *cobra.Command, e *env.Environment, _ []string) error {
			w := cmd.OutOrStdout()
			for i, rev := range e.History.Revisions.All() {
				line := rev.Log
				if actions {
					line = rev.Action
				}
				fmt.Fprintf(w, "%3d  %s  %s\n", i, rev.Debug.Timestamp, line)
			}
			return nil
		}),
	}
	addNameFlag(cmd)
	cmd.Flags().BoolVar(&actions, "actions", false, "print the exact commands that ran instead of the requested ones")
	return cmd
}

func newDiffCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "diff",
		Short: "Show how the installed conda packages drifted from conda-env.yaml",
		Args:  cobra.NoArgs,
		RunE: withEnv(app, func(_ context.Context, cmd *cobra.Command, e *env.Environment, _ []string) error {
			drift, err := e.Drift()
			if err != nil {
				return err
			}
			for _, line := range drift {
				fmt.Fprintln(cmd.OutOrStdout(), line)
			}
			return nil
		}),
	}
	addNameFlag(cmd)
	return cmd
}

func newRebuildCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rebuild",
		Short: "Delete and recreate the conda environment from its exported files",
		Args:  cobra.NoArgs,
		RunE: withEnv(app, func(ctx context.Context, _ *cobra.Command, e *env.Environment, _ []string) error {
			if err := e.Rebuild(ctx); err != nil {
				return err
			}
			return e.Validate(ctx)
		}),
	}
	addNameFlag(cmd)
	return cmd
}

func newRemoveCommand(app *App, root *startOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "remove",
		Short: "Delete the conda environment and stop tracking it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			name, err := envName(cmd)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			e, err := app.open(ctx, name)
			if err != nil {
				return err
			}
			if err := e.Remove(ctx, root.Yes || app.settings.Yes); err != nil {
				return err
			}
			if e.Local.Exists(store.HistoryFile) {
				return nil
			}
			if err := app.dbManager.DeleteEnvironment(name); err != nil {
				log.G(ctx).WithError(err).Warn("failed to unregister environment")
			}
			return nil
		},
	}
	addNameFlag(cmd)
	return cmd
}

func newUpdateChannelsCommand(app *App) *cobra.Command {
	var channels []string
	cmd := &cobra.Command{
		Use:   "update-channels",
		Short: "Append channels used by future installs",
		Args:  cobra.NoArgs,
		RunE: withEnv(app, func(_ context.Context, _ *cobra.Command, e *env.Environment, _ []string) error {
			if len(channels) == 0 {
				return fmt.Errorf("no channels given")
			}
			return e.AppendChannels(channels)
		}),
	}
	addNameFlag(cmd)
	cmd.Flags().StringArrayVarP(&channels, "channel", "c", nil, "channel to append")
	return cmd
}

func newEnvsCommand(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "envs",
		Short: "List the tracked environments",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			envs, err := app.dbManager.ListEnvironments()
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, e := range envs {
				lastSync := "never"
				if e.LastSyncAt != nil {
					lastSync = e.LastSyncAt.Format("2006-01-02 15:04:05")
				}
				remote := e.RemoteDir
				if remote == "" {
					remote = "-"
				}
				fmt.Fprintf(w, "%s\t%d revisions\tremote %s\tlast sync %s\n", e.Name, e.Revisions, remote, lastSync)
			}
			return nil
		},
	}
}

func newConfigCommand(app *App) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Show or change the settings in config.yaml",
	}

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := yaml.Marshal(app.settings)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}

	set := &cobra.Command{
		Use:   "set KEY VALUE",
		Short: "Change one setting, for example conflict-policy local-wins",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			settings := app.settings
			if err := settings.Set(args[0], args[1]); err != nil {
				return err
			}
			if _, err := reconcile.ParsePolicy(settings.ConflictPolicy); err != nil {
				return err
			}
			if _, err := logrus.ParseLevel(settings.LogLevel); err != nil {
				return err
			}
			if err := app.config.SaveSettings(settings); err != nil {
				return err
			}
			app.settings = settings
			return nil
		},
	}

	cmd.AddCommand(show, set)
	return cmd
}

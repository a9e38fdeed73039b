// app.go
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/containerd/log"
	"github.com/sirupsen/logrus"

	"envtracker/internal/checkpoint"
	"envtracker/internal/config"
	"envtracker/internal/database"
	"envtracker/internal/env"
	"envtracker/internal/eventhub"
	"envtracker/internal/gateway"
	"envtracker/internal/git"
	"envtracker/internal/history"
	"envtracker/internal/process"
	"envtracker/internal/prompt"
	"envtracker/internal/reconcile"
)

// App struct contains the core application state and managers
type App struct {
	config   *config.Config
	settings config.Settings

	// Core managers
	processManager *process.Manager
	dbManager      *database.Database
	eventHub       *eventhub.EventHub
	backups        *checkpoint.Manager
	tracker        *env.Tracker
	reconciler     *reconcile.Reconciler

	// manager, tools and prompter default to conda, the detected tool
	// versions and the terminal; tests replace them
	gateway  *gateway.Gateway
	manager  env.PackageManager
	tools    env.Tools
	prompter prompt.Prompter
	now      func() time.Time
}

// startOptions are the global command line flags
type startOptions struct {
	LogLevel  string
	Yes       bool
	LocalWins bool
}

// NewApp creates a new App application struct
func NewApp() *App {
	return &App{}
}

// Startup loads the configuration and initializes every manager. The
// returned context carries the configured logger.
func (a *App) Startup(ctx context.Context, opts startOptions, stderr io.Writer) (context.Context, error) {
	// A failed command skips Shutdown
	a.Shutdown(ctx)

	if a.config == nil {
		cfg, err := config.Load()
		if err != nil {
			return ctx, fmt.Errorf("failed to load config: %w", err)
		}
		a.config = cfg
	}
	settings, err := a.config.LoadSettings()
	if err != nil {
		return ctx, err
	}
	a.settings = settings

	level := opts.LogLevel
	if level == "" {
		level = settings.LogLevel
	}
	ctx, err = setupLogging(ctx, level, stderr)
	if err != nil {
		return ctx, err
	}

	db, err := database.Open(a.config.DatabasePath)
	if err != nil {
		return ctx, fmt.Errorf("failed to open database: %w", err)
	}
	a.dbManager = db

	// Initialize EventHub (before managers that need it)
	a.eventHub = eventhub.New()
	a.eventHub.Subscribe(database.NewRecorder(db))

	a.processManager = process.NewManager(ctx)
	if a.manager == nil || a.gateway != nil {
		a.gateway = gateway.New(process.NewShellRunner(a.processManager, os.Stdout, os.Stdin))
		a.manager = a.gateway
		a.tools = config.NewToolVersions(a.gateway.CondaVersion)
	}
	if a.prompter == nil {
		a.prompter = prompt.ForTerminal()
	}

	storage, err := checkpoint.NewStorage(a.config.BackupsDir, settings.Backups.CompressionLevel)
	if err != nil {
		return ctx, err
	}
	a.backups = checkpoint.NewManager(storage, settings.Backups.Max)

	policy, err := reconcile.ParsePolicy(settings.ConflictPolicy)
	if err != nil {
		return ctx, err
	}
	if opts.LocalWins {
		policy = reconcile.PolicyLocalWins
	}

	a.tracker = &env.Tracker{
		Manager:  a.manager,
		Tools:    a.tools,
		Prompter: a.prompter,
		EnvsDir:  a.config.EnvsDir,
		Now:      a.now,
	}
	a.reconciler = &reconcile.Reconciler{
		Prompter: a.prompter,
		Backups:  a.backups,
		Events:   a.eventHub,
		Policy:   policy,
		Yes:      opts.Yes || settings.Yes,
		Now:      a.now,
	}

	log.G(ctx).WithField("home", a.config.Dir).Debug("all managers initialized")
	return ctx, nil
}

// Shutdown stops running commands and closes the database
func (a *App) Shutdown(ctx context.Context) {
	if a.processManager != nil {
		a.processManager.KillAll()
		a.processManager = nil
	}
	if a.dbManager != nil {
		if err := a.dbManager.Close(); err != nil {
			log.G(ctx).WithError(err).Warn("failed to close database")
		}
		a.dbManager = nil
	}
}

func setupLogging(ctx context.Context, level string, stderr io.Writer) (context.Context, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return ctx, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	logger := logrus.New()
	logger.SetOutput(stderr)
	logger.SetLevel(lvl)
	logger.SetFormatter(&logrus.TextFormatter{DisableTimestamp: true})
	return log.WithLogger(ctx, logrus.NewEntry(logger)), nil
}

// open reads a tracked environment
func (a *App) open(ctx context.Context, name string) (*env.Environment, error) {
	return a.tracker.Open(ctx, name)
}

// openForPull reads the environment, or its bare directory when it has no
// history yet
func (a *App) openForPull(ctx context.Context, name string) (*env.Environment, error) {
	e, err := a.tracker.Open(ctx, name)
	if errors.Is(err, history.ErrNotFound) {
		return a.tracker.Untracked(name)
	}
	return e, err
}

// register records the environment in the registry. Failures are logged.
func (a *App) register(ctx context.Context, e *env.Environment) {
	if e.History == nil {
		return
	}
	remoteDir, _ := e.Local.RemoteDir()
	entry := &database.Environment{
		Name:      e.Name,
		HistoryID: e.History.ID,
		LocalDir:  e.Local.Path(),
		RemoteDir: remoteDir,
		Revisions: e.History.Revisions.Len(),
	}
	if existing, err := a.dbManager.GetEnvironment(e.Name); err == nil {
		entry.CreatedAt = existing.CreatedAt
	}
	if err := a.dbManager.SaveEnvironment(entry); err != nil {
		log.G(ctx).WithError(err).WithField("env", e.Name).Warn("failed to register environment")
	}
}

// reportRemoteStatus emits the git status of a remote directory after a
// push. A remote outside git reports nothing.
func (a *App) reportRemoteStatus(ctx context.Context, remoteDir string) *eventhub.RemoteStatusEvent {
	status, err := git.RemoteStatus(remoteDir)
	if err != nil {
		if !errors.Is(err, git.ErrNotRepository) {
			log.G(ctx).WithError(err).Debug("could not read remote git status")
		}
		return nil
	}
	a.eventHub.EmitRemoteStatus(status)
	return &status
}

package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/autopilot/internal/backend"
	"github.com/aristath/autopilot/internal/config"
	"github.com/aristath/autopilot/internal/events"
	"github.com/aristath/autopilot/internal/feedback"
	"github.com/aristath/autopilot/internal/orchestrator"
	"github.com/aristath/autopilot/internal/persistence"
	"github.com/aristath/autopilot/internal/scheduler"
	"github.com/aristath/autopilot/internal/session"
	"github.com/aristath/autopilot/internal/tui"
	"github.com/aristath/autopilot/internal/vcs"
)

// Layout of the state directory.
const (
	sessionDir     = "session"
	feedbackDir    = "feedback"
	improvementDir = "improvements"
	logFile        = "autopilot.log"
)

type runOptions struct {
	WorkDir   string
	TasksPath string
	Fresh     bool
	Resume    bool // Fail instead of starting a new session
	TUI       bool
}

// paths resolves the directories a session uses under workDir.
type paths struct {
	work  string
	state string
}

func resolvePaths(workDir string, cfg *config.Config) (paths, error) {
	abs, err := filepath.Abs(workDir)
	if err != nil {
		return paths{}, fmt.Errorf("resolving work dir: %w", err)
	}
	if dir := cfg.Worker.WorkDir; dir != "" {
		if !filepath.IsAbs(dir) {
			dir = filepath.Join(abs, dir)
		}
		abs = dir
	}
	state := cfg.Storage.Dir
	if !filepath.IsAbs(state) {
		state = filepath.Join(abs, state)
	}
	return paths{work: abs, state: state}, nil
}

func (p paths) session() string      { return filepath.Join(p.state, sessionDir) }
func (p paths) feedback() string     { return filepath.Join(p.state, feedbackDir) }
func (p paths) improvements() string { return filepath.Join(p.state, improvementDir) }

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	lvl, err := config.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

func loopConfig(s config.SessionConfig) orchestrator.LoopConfig {
	return orchestrator.LoopConfig{
		MaxTasks:                    s.MaxTasks,
		MaxDuration:                 s.MaxDuration(),
		StallThreshold:              s.StallThreshold,
		TaskTimeout:                 s.TaskTimeout(),
		CheckpointInterval:          s.CheckpointInterval,
		ImprovementMilestone:        s.ImprovementMilestone,
		MaxImprovementCycles:        s.MaxImprovementCycles,
		FeedbackRotationInterval:    s.FeedbackRotationInterval,
		FinalCycleRequiresMilestone: s.FinalCycleRequiresMilestone,
	}
}

// runSession loads or recovers a session and drives it to a stop.
func runSession(ctx context.Context, stdout, stderr io.Writer, opts runOptions) error {
	cfg, err := config.LoadDefault(opts.WorkDir)
	if err != nil {
		return err
	}
	p, err := resolvePaths(opts.WorkDir, cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(p.state, 0755); err != nil {
		return fmt.Errorf("creating state dir: %w", err)
	}

	// The dashboard owns the terminal, so logs go to a file instead.
	logOut := stderr
	if opts.TUI {
		f, err := os.OpenFile(filepath.Join(p.state, logFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("opening log file: %w", err)
		}
		defer f.Close()
		logOut = f
	}
	logger, err := newLogger(logOut, cfg.LogLevel)
	if err != nil {
		return err
	}

	store, err := persistence.Open(ctx, cfg.Storage.Backend, p.session())
	if err != nil {
		return fmt.Errorf("opening %s store: %w", cfg.Storage.Backend, err)
	}
	defer store.Close()

	graph, state, err := loadSession(ctx, store, p, cfg, opts, logger)
	if err != nil {
		return err
	}

	fb, err := feedback.Open(p.feedback())
	if err != nil {
		return err
	}

	// Create ProcessManager for subprocess tracking
	pm := backend.NewProcessManager()
	stopKill := context.AfterFunc(ctx, func() {
		logger.Info("shutdown signal received, stopping worker processes")
		if err := pm.KillAll(); err != nil {
			logger.Error("killing worker processes", "error", err)
		}
	})
	defer stopKill()

	worker := orchestrator.NewResilientWorker(
		orchestrator.NewBackendWorker(backend.Config{
			Type:         cfg.Worker.Type,
			WorkDir:      p.work,
			Model:        cfg.Worker.Model,
			SystemPrompt: cfg.Worker.SystemPrompt,
			Command:      cfg.Worker.Command,
			Args:         cfg.Worker.Args,
		}, pm),
		cfg.Worker.Type,
		orchestrator.BreakerConfig{Threshold: cfg.Worker.BreakerThreshold, Cooldown: cfg.Worker.BreakerCooldown()},
		logger,
	)

	committer := newCommitter(ctx, cfg.Commit, p, logger)

	bus := events.NewEventBus()
	defer func() {
		if n := bus.Dropped(); n > 0 {
			logger.Debug("dashboard fell behind", "dropped_events", n)
		}
		bus.Close()
	}()

	loopCfg := loopConfig(cfg.Session)
	improver := orchestrator.NewImprovementController(orchestrator.ImprovementConfig{
		Loop:        loopCfg,
		MaxTasks:    cfg.Session.MaxImprovementTasks,
		MaxDepth:    cfg.Session.MaxNestingDepth,
		MaxBlockers: cfg.Session.MaxBlockers,
		WorkDir:     p.improvements(),
	}, worker, committer, bus, logger)

	loop, err := orchestrator.NewLoop(loopCfg, orchestrator.Deps{
		Graph:     graph,
		State:     state,
		Store:     store,
		Feedback:  fb,
		Worker:    worker,
		Committer: committer,
		Improver:  improver,
		Events:    bus,
		Logger:    logger,
	})
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	var program *tea.Program
	if opts.TUI {
		program = tea.NewProgram(tui.New(bus), tea.WithAltScreen())
		g.Go(func() error {
			// Quitting the dashboard detaches; the loop keeps running.
			if _, err := program.Run(); err != nil {
				return fmt.Errorf("dashboard: %w", err)
			}
			return nil
		})
	}

	var outcome orchestrator.Outcome
	g.Go(func() error {
		if program != nil {
			defer program.Quit()
		}
		var err error
		outcome, err = loop.Run(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return err
	}

	printOutcome(stdout, loop.State(), outcome)
	if outcome.Status == session.StatusDeadlocked {
		return fmt.Errorf("session deadlocked: %s can never run", strings.Join(outcome.Blocked, ", "))
	}
	return nil
}

// loadSession recovers the saved session when there is one to continue and
// otherwise starts a new one from the task list.
func loadSession(ctx context.Context, store persistence.Store, p paths, cfg *config.Config, opts runOptions, logger *slog.Logger) (*scheduler.Graph, *session.State, error) {
	var list *scheduler.TaskList
	var fingerprint string
	if opts.TasksPath != "" {
		var err error
		list, err = scheduler.LoadTaskFile(opts.TasksPath)
		if err != nil {
			return nil, nil, err
		}
		if fingerprint, err = scheduler.Fingerprint(list.Tasks); err != nil {
			return nil, nil, err
		}
	}

	if !opts.Fresh {
		// Checked before recovery, which takes ownership of the saved session.
		if prev, err := store.LoadState(ctx); err == nil && prev.Resumable() &&
			fingerprint != "" && prev.TaskFingerprint != "" && prev.TaskFingerprint != fingerprint {
			return nil, nil, fmt.Errorf("task list %s changed since session %s started; rerun with --fresh to start over",
				opts.TasksPath, prev.SessionID)
		}

		rec, err := orchestrator.Recover(ctx, store, orchestrator.RecoverOptions{
			MaxBlockers: cfg.Session.MaxBlockers,
			StaleAfter:  cfg.Session.StaleAfter(),
			Logger:      logger,
		})
		switch {
		case err == nil:
			return rec.Graph, rec.State, nil
		case errors.Is(err, orchestrator.ErrSessionActive):
			return nil, nil, err
		case opts.Resume:
			return nil, nil, fmt.Errorf("nothing to resume: %w", err)
		case errors.Is(err, persistence.ErrNotFound), errors.Is(err, orchestrator.ErrNotResumable):
			logger.Info("starting a new session", "reason", err)
		default:
			return nil, nil, err
		}
	}

	if list == nil {
		return nil, nil, errors.New("a task list is required to start a new session")
	}
	graph, err := scheduler.BuildGraph(list.Tasks, cfg.Session.MaxBlockers)
	if err != nil {
		return nil, nil, err
	}

	// Feedback and nested work belong to the session being replaced.
	for _, dir := range []string{p.feedback(), p.improvements()} {
		if err := os.RemoveAll(dir); err != nil {
			return nil, nil, fmt.Errorf("clearing %s: %w", dir, err)
		}
	}

	spec := list.Spec
	if spec == "" {
		spec = strings.TrimSuffix(filepath.Base(opts.TasksPath), filepath.Ext(opts.TasksPath))
	}
	state := session.New(spec, graph.Len(), cfg.Session.MaxImprovementCycles, time.Now())
	state.TaskFingerprint = fingerprint
	logger.Info("session created", "session", state.SessionID, "spec", spec, "tasks", graph.Len())
	return graph, state, nil
}

// newCommitter returns nil, disabling checkpoint commits, when commits are
// off or the work dir is not a git repository.
func newCommitter(ctx context.Context, cfg config.CommitConfig, p paths, logger *slog.Logger) orchestrator.Committer {
	if !cfg.Enabled {
		return nil
	}
	repo := cfg.RepoPath
	if repo == "" {
		repo = p.work
	}

	exclude := append([]string(nil), cfg.Exclude...)
	if rel, err := filepath.Rel(repo, p.state); err == nil && !strings.HasPrefix(rel, "..") {
		exclude = append(exclude, rel)
	}

	retry := vcs.DefaultRetryConfig()
	retry.MaxRetries = uint64(cfg.MaxRetries)
	gc := vcs.NewGitCommitter(vcs.GitConfig{RepoPath: repo, Exclude: exclude, Retry: retry}, logger)
	if err := gc.Check(ctx); err != nil {
		logger.Warn("checkpoint commits disabled", "repo", repo, "error", err)
		return nil
	}
	return gc
}

func printOutcome(w io.Writer, st *session.State, o orchestrator.Outcome) {
	fmt.Fprintf(w, "Session %s %s (%s): %d done, %d skipped, %d dispatches, %d improvement cycles\n",
		st.SessionID, o.Status, o.Reason, o.Completed, o.Skipped, o.Dispatches, o.CyclesRun)
	if st.CanResume && o.Status != session.StatusCompleted {
		fmt.Fprintln(w, "Resume with: autopilot resume")
	}
}

// showStatus prints the saved session without touching it.
func showStatus(ctx context.Context, w io.Writer, workDir string) error {
	cfg, err := config.LoadDefault(workDir)
	if err != nil {
		return err
	}
	p, err := resolvePaths(workDir, cfg)
	if err != nil {
		return err
	}
	if _, err := os.Stat(p.session()); err != nil {
		return fmt.Errorf("no session in %s", p.state)
	}

	store, err := persistence.Open(ctx, cfg.Storage.Backend, p.session())
	if err != nil {
		return err
	}
	defer store.Close()

	state, err := store.LoadState(ctx)
	if errors.Is(err, persistence.ErrNotFound) {
		return fmt.Errorf("no session in %s", p.state)
	}
	if err != nil {
		return err
	}
	tasks, err := store.LoadTasks(ctx)
	if err != nil && !errors.Is(err, persistence.ErrNotFound) {
		return err
	}

	fmt.Fprintln(w, tui.RenderStatus(state, tasks, time.Now()))

	if gc, ok := newCommitter(ctx, cfg.Commit, p, slog.New(slog.DiscardHandler)).(*vcs.GitCommitter); ok {
		if changes, err := gc.Pending(ctx); err == nil && len(changes) > 0 {
			fmt.Fprintf(w, "%d uncommitted change(s) since the last checkpoint\n", len(changes))
		}
	}
	return nil
}

// writeDefaultConfig saves the default config as the project config. With
// force, an existing config in another format is removed so it cannot
// shadow the new one.
func writeDefaultConfig(workDir, format string, force bool) (string, error) {
	path := filepath.Join(workDir, config.DefaultStateDir, "config."+format)
	if existing := config.ProjectPath(workDir); fileExists(existing) {
		if !force {
			return "", fmt.Errorf("%s already exists; use --force to overwrite", existing)
		}
		if existing != path {
			if err := os.Remove(existing); err != nil {
				return "", fmt.Errorf("removing %s: %w", existing, err)
			}
		}
	}
	if err := config.Save(config.DefaultConfig(), path); err != nil {
		return "", err
	}
	return path, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

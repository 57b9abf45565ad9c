package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/passage-dev/passage/internal/config"
)

const (
	// maxConsecutiveErrors is how many poll/heartbeat rounds may fail in a
	// row before the loops are restarted.
	maxConsecutiveErrors = 5
	// restartPause sits between the stop and start halves of a restart
	// command, giving the old process time to release its port.
	restartPause = 2 * time.Second

	tunnelStopWait = 5 * time.Second
)

// errTooManyFailures trips the supervised restart in Run.
var errTooManyFailures = errors.New("too many consecutive transport failures")

// Runner drives the agent: heartbeat and command loops against the edge,
// local process supervision, and one tunnel worker per exposed project.
type Runner struct {
	cfg        *Config
	client     *Client
	supervisor *Supervisor

	tunnelMu sync.Mutex
	tunnels  map[string]*tunnelWorker

	transportErrors atomic.Int32
	outdatedLogged  atomic.Bool
}

func NewRunner(cfg *Config) *Runner {
	client := NewClient(cfg)
	r := &Runner{
		cfg:     cfg,
		client:  client,
		tunnels: make(map[string]*tunnelWorker),
	}

	var sink LogSink
	if cfg.ShipLogs {
		sink = client
	}
	r.supervisor = NewSupervisor(sink)
	r.supervisor.OnExit(func(projectID string) {
		r.stopTunnel(projectID)
	})
	return r
}

// Run blocks until ctx is canceled. After maxConsecutiveErrors failed
// transport rounds it stops every managed child and tunnel, waits the
// restart delay, and relaunches the loops in place.
func (r *Runner) Run(ctx context.Context) error {
	lock, err := acquireLock(r.cfg.StateDir)
	if err != nil {
		return err
	}
	defer func() { _ = lock.Unlock() }()

	slog.Info("Agent starting", "server", r.cfg.ServerURL, "stateDir", r.cfg.StateDir, "version", config.Version)

	for {
		err := r.runOnce(ctx)
		r.shutdownChildren()

		if ctx.Err() != nil {
			slog.Info("Agent stopped")
			return nil
		}
		if !errors.Is(err, errTooManyFailures) {
			return err
		}

		slog.Warn("Restarting agent loops after repeated transport failures",
			"threshold", maxConsecutiveErrors,
			"delay", r.cfg.RestartDelay.String())
		r.transportErrors.Store(0)

		select {
		case <-ctx.Done():
			slog.Info("Agent stopped")
			return nil
		case <-time.After(r.cfg.RestartDelay):
		}
	}
}

func (r *Runner) runOnce(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return r.heartbeatLoop(ctx) })
	g.Go(func() error { return r.pollLoop(ctx) })
	return g.Wait()
}

func (r *Runner) heartbeatLoop(ctx context.Context) error {
	if err := r.sendHeartbeat(ctx); err != nil {
		if ctx.Err() != nil {
			return nil
		}
		slog.Warn("Initial heartbeat failed, the edge may not be reachable yet", "error", err)
		if r.noteFailure("heartbeat", err) {
			return errTooManyFailures
		}
	}

	ticker := time.NewTicker(r.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.sendHeartbeat(ctx); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if r.noteFailure("heartbeat", err) {
					return errTooManyFailures
				}
			}
		}
	}
}

func (r *Runner) sendHeartbeat(ctx context.Context) error {
	resp, err := r.client.Heartbeat(ctx, CollectSystemInfo(ctx))
	if err != nil {
		return err
	}
	r.noteSuccess()

	if resp.Outdated != nil && *resp.Outdated && !r.outdatedLogged.Swap(true) {
		slog.Warn("A newer agent version is available, consider upgrading", "version", config.Version)
	}
	slog.Debug("Heartbeat sent")
	return nil
}

func (r *Runner) pollLoop(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			commands, err := r.client.PollCommands(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				if r.noteFailure("poll", err) {
					return errTooManyFailures
				}
				continue
			}
			r.noteSuccess()

			for _, command := range commands {
				r.execute(ctx, command)
			}
		}
	}
}

func (r *Runner) execute(ctx context.Context, command Command) {
	if command.Project == nil {
		r.complete(ctx, command.ID, false, "command carries no project", nil)
		return
	}
	slog.Info("Executing command", "commandId", command.ID, "action", command.Action, "project", command.Project.Name)

	var (
		success bool
		message string
		pid     *int
	)
	switch command.Action {
	case "start":
		success, message, pid = r.startProject(ctx, command.Project)
	case "stop":
		success, message, pid = r.stopProject(command.Project.ID)
	case "restart":
		if ok, _, _ := r.stopProject(command.Project.ID); ok {
			select {
			case <-ctx.Done():
				return
			case <-time.After(restartPause):
			}
		}
		success, message, pid = r.startProject(ctx, command.Project)
	default:
		message = fmt.Sprintf("unknown action: %s", command.Action)
	}

	r.complete(ctx, command.ID, success, message, pid)
}

func (r *Runner) startProject(ctx context.Context, project *Project) (bool, string, *int) {
	pid, err := r.supervisor.Start(project)
	if err != nil {
		return false, err.Error(), nil
	}
	if project.Port != nil {
		r.startTunnel(ctx, project)
	}
	return true, fmt.Sprintf("project started (pid %d)", pid), &pid
}

func (r *Runner) stopProject(projectID string) (bool, string, *int) {
	r.stopTunnel(projectID)
	pid, err := r.supervisor.Stop(projectID)
	if err != nil {
		return false, err.Error(), nil
	}
	return true, fmt.Sprintf("project stopped (pid %d)", pid), &pid
}

func (r *Runner) complete(ctx context.Context, commandID string, success bool, message string, pid *int) {
	if err := r.client.CompleteCommand(ctx, commandID, success, message, pid); err != nil {
		if ctx.Err() == nil {
			r.noteFailure("complete", err)
		}
		return
	}
	r.noteSuccess()
}

// noteFailure bumps the consecutive-error counter and reports whether the
// restart threshold was reached.
func (r *Runner) noteFailure(op string, err error) bool {
	n := r.transportErrors.Add(1)
	slog.Warn("Transport call failed", "op", op, "consecutiveErrors", n, "error", err)
	return n >= maxConsecutiveErrors
}

func (r *Runner) noteSuccess() {
	r.transportErrors.Store(0)
}

func (r *Runner) startTunnel(ctx context.Context, project *Project) {
	r.tunnelMu.Lock()
	defer r.tunnelMu.Unlock()
	if _, ok := r.tunnels[project.ID]; ok {
		return
	}

	w := newTunnelWorker(r.cfg, project.ID, *project.Port)
	workerCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel
	go w.run(workerCtx)
	r.tunnels[project.ID] = w

	slog.Info("Tunnel worker started", "projectId", project.ID, "port", *project.Port)
}

func (r *Runner) stopTunnel(projectID string) {
	r.tunnelMu.Lock()
	w, ok := r.tunnels[projectID]
	if ok {
		delete(r.tunnels, projectID)
	}
	r.tunnelMu.Unlock()
	if !ok {
		return
	}

	w.cancel()
	select {
	case <-w.done:
	case <-time.After(tunnelStopWait):
		slog.Warn("Tunnel worker did not stop in time", "projectId", projectID)
	}
}

// shutdownChildren tears down every tunnel worker and managed process.
func (r *Runner) shutdownChildren() {
	r.tunnelMu.Lock()
	ids := make([]string, 0, len(r.tunnels))
	for id := range r.tunnels {
		ids = append(ids, id)
	}
	r.tunnelMu.Unlock()

	for _, id := range ids {
		r.stopTunnel(id)
	}
	r.supervisor.StopAll()
}

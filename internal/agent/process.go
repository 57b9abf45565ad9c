package agent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"
)

const (
	// startupGrace is how long a child must survive before start counts as
	// successful; earlier exits fail the command with the captured stderr.
	startupGrace = 2 * time.Second
	// stopGrace is how long a child gets after the terminate signal before
	// it is killed.
	stopGrace = 5 * time.Second

	stderrTailLines = 20
)

// LogSink receives captured process output for shipping to the edge.
type LogSink interface {
	ShipLogs(ctx context.Context, projectID string, lines []LogLine) error
}

// Supervisor owns the local processes started on behalf of projects. A nil
// sink disables log shipping; lines are still echoed to local stdout.
type Supervisor struct {
	sink   LogSink
	onExit func(projectID string)

	mu    sync.Mutex
	procs map[string]*managedProcess
}

func NewSupervisor(sink LogSink) *Supervisor {
	return &Supervisor{
		sink:  sink,
		procs: make(map[string]*managedProcess),
	}
}

// OnExit registers a callback fired when a child exits on its own rather
// than through Stop.
func (s *Supervisor) OnExit(fn func(projectID string)) {
	s.onExit = fn
}

type managedProcess struct {
	projectID   string
	projectName string
	cmd         *exec.Cmd
	done        chan struct{}
	stderrTail  tailBuffer
	shipper     *logShipper
}

// Start launches a project's command in its path with PORT injected when
// the project has one. The child runs in its own session (process group on
// Windows) so the whole tree can be stopped together.
func (s *Supervisor) Start(project *Project) (int, error) {
	s.mu.Lock()
	if mp, ok := s.procs[project.ID]; ok {
		s.mu.Unlock()
		return 0, fmt.Errorf("project is already running (pid %d)", mp.cmd.Process.Pid)
	}
	s.mu.Unlock()

	if info, err := os.Stat(project.Path); err != nil || !info.IsDir() {
		return 0, fmt.Errorf("project path does not exist: %s", project.Path)
	}

	cmd := buildCommand(project.Command)
	cmd.Dir = project.Path
	cmd.Env = os.Environ()
	if project.Port != nil {
		cmd.Env = append(cmd.Env, fmt.Sprintf("PORT=%d", *project.Port))
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("failed to open stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("failed to open stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start process: %w", err)
	}

	mp := &managedProcess{
		projectID:   project.ID,
		projectName: project.Name,
		cmd:         cmd,
		done:        make(chan struct{}),
	}
	if s.sink != nil {
		mp.shipper = newLogShipper(s.sink, project.ID)
		go mp.shipper.run()
	}

	var streams sync.WaitGroup
	streams.Add(2)
	go func() {
		defer streams.Done()
		mp.forward(stdout, "stdout")
	}()
	go func() {
		defer streams.Done()
		mp.forward(stderr, "stderr")
	}()

	s.mu.Lock()
	s.procs[project.ID] = mp
	s.mu.Unlock()

	go func() {
		// Wait must not run until both pipes are drained.
		streams.Wait()
		_ = cmd.Wait()
		close(mp.done)
		if mp.shipper != nil {
			mp.shipper.close()
		}
		s.reap(project.ID, mp)
	}()

	select {
	case <-mp.done:
		msg := fmt.Sprintf("process exited during startup (exit code %d)", cmd.ProcessState.ExitCode())
		if tail := mp.stderrTail.String(); tail != "" {
			msg += "\n" + tail
		}
		return 0, errors.New(msg)
	case <-time.After(startupGrace):
	}

	slog.Info("Process started", "project", project.Name, "pid", cmd.Process.Pid)
	return cmd.Process.Pid, nil
}

// Stop terminates a project's process tree: terminate signal, stopGrace,
// then kill. Returns the stopped pid.
func (s *Supervisor) Stop(projectID string) (int, error) {
	s.mu.Lock()
	mp, ok := s.procs[projectID]
	if ok {
		delete(s.procs, projectID)
	}
	s.mu.Unlock()
	if !ok {
		return 0, errors.New("project is not running")
	}

	pid := mp.cmd.Process.Pid
	slog.Info("Stopping process", "project", mp.projectName, "pid", pid)

	if err := terminate(mp); err != nil {
		slog.Debug("Terminate signal failed, process may already be gone", "pid", pid, "error", err)
	}

	select {
	case <-mp.done:
	case <-time.After(stopGrace):
		slog.Warn("Process ignored terminate signal, killing", "project", mp.projectName, "pid", pid)
		if err := kill(mp); err != nil {
			slog.Debug("Kill failed", "pid", pid, "error", err)
		}
		<-mp.done
	}
	return pid, nil
}

// StopAll stops every managed process; used on shutdown and before a
// supervised restart.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	ids := make([]string, 0, len(s.procs))
	for id := range s.procs {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	for _, id := range ids {
		if _, err := s.Stop(id); err != nil {
			slog.Debug("Failed to stop process during shutdown", "projectId", id, "error", err)
		}
	}
}

// Running reports whether a project currently has a managed process.
func (s *Supervisor) Running(projectID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.procs[projectID]
	return ok
}

func (s *Supervisor) reap(projectID string, mp *managedProcess) {
	s.mu.Lock()
	current, ok := s.procs[projectID]
	if ok && current == mp {
		delete(s.procs, projectID)
	}
	s.mu.Unlock()

	if !ok || current != mp {
		// Pulled from the map by Stop; the exit was requested.
		return
	}

	slog.Info("Process exited", "project", mp.projectName, "pid", mp.cmd.Process.Pid, "exitCode", mp.cmd.ProcessState.ExitCode())
	if s.onExit != nil {
		s.onExit(projectID)
	}
}

// forward copies one output stream to local stdout, the stderr tail, and
// the shipper.
func (mp *managedProcess) forward(r io.Reader, logType string) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		fmt.Printf("[%s] %s\n", mp.projectName, line)
		if logType == "stderr" {
			mp.stderrTail.add(line)
		}
		if mp.shipper != nil {
			mp.shipper.add(logType, line)
		}
	}
	// Keep draining so an over-long line cannot block the child on a full
	// pipe.
	_, _ = io.Copy(io.Discard, r)
}

// tailBuffer keeps the most recent stderr lines for startup failure
// reports.
type tailBuffer struct {
	mu    sync.Mutex
	lines []string
}

func (b *tailBuffer) add(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.lines = append(b.lines, line)
	if len(b.lines) > stderrTailLines {
		b.lines = b.lines[len(b.lines)-stderrTailLines:]
	}
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return strings.Join(b.lines, "\n")
}

const (
	shipInterval  = 2 * time.Second
	shipBufferCap = 500
	shipTimeout   = 10 * time.Second
)

// logShipper batches captured lines and posts them to the edge. The local
// echo is the source of truth: failed batches are dropped, and once the
// buffer is full the oldest line gives way.
type logShipper struct {
	sink      LogSink
	projectID string

	mu  sync.Mutex
	buf []LogLine

	stop chan struct{}
	once sync.Once
}

func newLogShipper(sink LogSink, projectID string) *logShipper {
	return &logShipper{
		sink:      sink,
		projectID: projectID,
		stop:      make(chan struct{}),
	}
}

func (ls *logShipper) add(logType, content string) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	if len(ls.buf) >= shipBufferCap {
		ls.buf = ls.buf[1:]
	}
	ls.buf = append(ls.buf, LogLine{LogType: logType, Content: content})
}

func (ls *logShipper) run() {
	ticker := time.NewTicker(shipInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ls.stop:
			ls.flush()
			return
		case <-ticker.C:
			ls.flush()
		}
	}
}

func (ls *logShipper) flush() {
	ls.mu.Lock()
	batch := ls.buf
	ls.buf = nil
	ls.mu.Unlock()
	if len(batch) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), shipTimeout)
	defer cancel()
	if err := ls.sink.ShipLogs(ctx, ls.projectID, batch); err != nil {
		slog.Debug("Failed to ship project logs", "projectId", ls.projectID, "lines", len(batch), "error", err)
	}
}

func (ls *logShipper) close() {
	ls.once.Do(func() { close(ls.stop) })
}

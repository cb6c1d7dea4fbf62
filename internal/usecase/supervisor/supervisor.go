// Package supervisor owns the worker's OS process. It is the only component
// allowed to spawn or terminate the worker; all lifecycle transitions are
// serialized through the single handle field under its mutex.
package supervisor

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"agentbridge/internal/domain"
	"agentbridge/internal/usecase/discovery"
)

// Options configures the supervisor.
type Options struct {
	// Args are passed to whichever candidate executable spawns.
	Args []string
	// StopGrace is how long a forced stop waits after SIGTERM before SIGKILL.
	StopGrace time.Duration
}

// handle is the supervisor's private view of the live worker process.
// It never escapes; callers see only BackendStatus snapshots.
type handle struct {
	cmd       *exec.Cmd
	workDir   string
	startedAt time.Time
	stopping  bool
	done      chan struct{}
	fwd       sync.WaitGroup // output forwarders; Wait must not reap before they drain
}

// Supervisor spawns, monitors, and terminates the worker process.
type Supervisor struct {
	opts   Options
	disc   *discovery.Discovery
	sink   domain.NotificationSink
	logger *slog.Logger

	mu       sync.Mutex
	handle   *handle
	lastExit *int
}

// New creates a Supervisor. sink may be nil (unexpected exits are then only logged).
func New(opts Options, disc *discovery.Discovery, sink domain.NotificationSink, logger *slog.Logger) *Supervisor {
	if opts.StopGrace <= 0 {
		opts.StopGrace = 500 * time.Millisecond
	}
	return &Supervisor{opts: opts, disc: disc, sink: sink, logger: logger}
}

// Start spawns the first existing candidate executable with workDir as its
// working directory. It never returns an error to the caller: spawn trouble
// is logged and reported as false, and the caller may retry later.
//
// If a worker is already live and reachable, Start returns true without
// spawning a duplicate. A live but unreachable worker is forcefully stopped
// first; its port may belong to a dead listener.
func (s *Supervisor) Start(workDir string, candidates []string) bool {
	s.mu.Lock()
	if s.handle != nil {
		s.mu.Unlock()
		if s.disc.Reachable() {
			s.logger.Debug("worker already running and reachable, skipping spawn")
			return true
		}
		s.Stop(true)
		s.mu.Lock()
		// A concurrent Start may have spawned while the stop ran. That worker
		// is already tracked; spawning over it would orphan one of the two.
		if s.handle != nil {
			s.mu.Unlock()
			return true
		}
	}
	defer s.mu.Unlock()

	if err := s.disc.ClearStale(workDir); err != nil {
		s.logger.Warn("failed to clear stale handshake", "error", err)
	}

	for _, path := range candidates {
		if _, err := os.Stat(path); err != nil {
			continue
		}

		cmd := exec.Command(path, s.opts.Args...)
		cmd.Dir = workDir
		cmd.Env = os.Environ()

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			s.logger.Warn("stdout pipe", "executable", path, "error", err)
			continue
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			s.logger.Warn("stderr pipe", "executable", path, "error", err)
			continue
		}

		if err := cmd.Start(); err != nil {
			s.logger.Warn("worker spawn failed", "executable", path, "error", err)
			continue
		}

		h := &handle{
			cmd:       cmd,
			workDir:   workDir,
			startedAt: time.Now(),
			done:      make(chan struct{}),
		}
		s.handle = h
		s.lastExit = nil

		h.fwd.Add(2)
		go func() {
			defer h.fwd.Done()
			s.forwardLines("stdout", stdout)
		}()
		go func() {
			defer h.fwd.Done()
			s.forwardLines("stderr", stderr)
		}()
		go s.waitForExit(h)

		s.logger.Info("worker started", "executable", path, "pid", cmd.Process.Pid, "work_dir", workDir)
		return true
	}

	s.logger.Error("no worker executable could be started", "candidates", candidates)
	return false
}

// Stop terminates the worker. The default is a graceful SIGTERM; with force,
// a SIGKILL follows after the grace delay regardless of whether the SIGTERM
// landed. Stop with no live process is a no-op, never an error.
//
// The handle is cleared immediately, so a handshake poll racing this stop
// observes the worker as gone on its next tick.
func (s *Supervisor) Stop(force bool) {
	s.mu.Lock()
	h := s.handle
	if h == nil {
		s.mu.Unlock()
		return
	}
	h.stopping = true
	s.handle = nil
	s.mu.Unlock()

	s.logger.Info("stopping worker", "pid", h.cmd.Process.Pid, "force", force)
	if err := h.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		s.logger.Debug("terminate signal", "error", err)
	}

	if !force {
		return
	}

	select {
	case <-h.done:
	case <-time.After(s.opts.StopGrace):
		if err := h.cmd.Process.Kill(); err != nil {
			s.logger.Debug("kill signal", "error", err)
		}
	}
}

// Alive reports whether a process handle is live. This is handle existence,
// not reachability; use the discovery probe for the latter.
func (s *Supervisor) Alive() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handle != nil
}

// Status returns a point-in-time snapshot of the supervised worker.
func (s *Supervisor) Status() domain.BackendStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handle == nil {
		return domain.BackendStatus{ExitCode: s.lastExit}
	}
	started := s.handle.startedAt
	return domain.BackendStatus{
		Running:    true,
		PID:        s.handle.cmd.Process.Pid,
		WorkingDir: s.handle.workDir,
		StartedAt:  &started,
	}
}

// waitForExit reaps the process and reports unexpected deaths. A non-zero
// exit or signal while not explicitly stopped clears the handle and raises a
// high-priority alert through the notification sink.
func (s *Supervisor) waitForExit(h *handle) {
	// Drain both pipes first; Wait closes them, and reaping early would drop
	// the tail of the worker's output.
	h.fwd.Wait()
	err := h.cmd.Wait()
	close(h.done)

	code := 0
	if exitErr, ok := err.(*exec.ExitError); ok {
		code = exitErr.ExitCode()
	}

	s.mu.Lock()
	stopped := h.stopping
	if s.handle == h {
		s.handle = nil
	}
	s.lastExit = &code
	s.mu.Unlock()

	if stopped {
		s.logger.Info("worker stopped", "exit_code", code)
		return
	}

	s.logger.Warn("worker exited unexpectedly", "exit_code", code, "error", err)
	if err != nil && s.sink != nil {
		s.sink.Publish(context.Background(), domain.Notification{
			Kind:     domain.KindAlert,
			Priority: domain.PriorityHigh,
			Source:   "supervisor",
			Category: "backend",
			Text:     fmt.Sprintf("Agent backend exited unexpectedly (exit code %d). It will be restarted on the next request.", code),
		})
	}
}

// forwardLines streams the child's output line by line into the log.
func (s *Supervisor) forwardLines(stream string, r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		if stream == "stderr" {
			s.logger.Warn("worker output", "stream", stream, "line", scanner.Text())
		} else {
			s.logger.Debug("worker output", "stream", stream, "line", scanner.Text())
		}
	}
}

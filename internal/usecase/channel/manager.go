// Package channel composes the supervisor, port discovery, and the RPC
// channel into a single "is the backend up and reachable" state machine with
// auto-restart-and-retry on request failures.
package channel

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"agentbridge/internal/adapter/rpc"
	"agentbridge/internal/domain"
	"agentbridge/internal/infra/tracer"
	"agentbridge/internal/usecase/discovery"
	"agentbridge/internal/usecase/supervisor"
)

// Options holds the manager's timing and spawn configuration.
type Options struct {
	// Candidates are the worker executable paths, in priority order.
	Candidates []string
	// HandshakeDeadline bounds how long EnsureRunning waits for the worker
	// to advertise its port.
	HandshakeDeadline time.Duration
	// RequestTimeout is the per-call deadline applied to RPC requests.
	RequestTimeout time.Duration
}

// Manager drives the worker lifecycle around RPC calls. Start/stop
// transitions are serialized through the supervisor's single handle, so the
// manager itself carries no lifecycle lock; its mutex only guards the
// remembered working directory.
type Manager struct {
	opts   Options
	sup    *supervisor.Supervisor
	disc   *discovery.Discovery
	caller rpc.Caller
	logger *slog.Logger

	mu      sync.Mutex
	workDir string
}

// NewManager creates a Manager.
func NewManager(opts Options, sup *supervisor.Supervisor, disc *discovery.Discovery, caller rpc.Caller, logger *slog.Logger) *Manager {
	if opts.HandshakeDeadline <= 0 {
		opts.HandshakeDeadline = 30 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	return &Manager{opts: opts, sup: sup, disc: disc, caller: caller, logger: logger}
}

// EnsureRunning starts the worker in workDir if it is not already up and
// reachable, then waits for the handshake. It reports success as a bool and
// never panics the caller: a worker that cannot start simply yields false,
// with the reason logged.
func (m *Manager) EnsureRunning(ctx context.Context, workDir string) bool {
	_, span := tracer.StartSpan(ctx, "channel.EnsureRunning")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("work_dir", workDir))

	m.mu.Lock()
	m.workDir = workDir
	m.mu.Unlock()

	if m.sup.Alive() && m.disc.Reachable() {
		tracer.SetOK(span)
		return true
	}

	if !m.sup.Start(workDir, m.opts.Candidates) {
		err := domain.NewDomainError("ChannelManager.EnsureRunning", domain.ErrSpawnFailed, "no candidate executable started")
		tracer.RecordError(span, err)
		return false
	}

	port, err := m.disc.AwaitPort(workDir, m.opts.HandshakeDeadline, m.sup.Alive)
	if err != nil {
		// The worker is stuck or crashed silently; tear it down so the next
		// attempt starts from a clean slate.
		m.sup.Stop(true)
		m.logger.Error("backend failed to become ready", "error", err)
		tracer.RecordError(span, err)
		return false
	}

	m.logger.Info("backend ready", "port", port, "work_dir", workDir)
	tracer.SetOK(span)
	return true
}

// Request issues one RPC call. If the backend looks unreachable beforehand,
// or the call fails with a retryable transport error, exactly one transparent
// restart-and-retry is attempted before the failure surfaces. Worker crashes
// are common enough to warrant one silent recovery, but a second consecutive
// failure is the caller's problem: repeated silent restarts would mask a
// persistent fault.
//
// Remote errors (the worker answered, status "error") are never retried here;
// their handling depends on the failure class.
func (m *Manager) Request(ctx context.Context, command string, payload any) (*domain.RPCResponse, error) {
	ctx, span := tracer.StartSpan(ctx, "channel.Request")
	defer span.End()
	span.SetAttributes(tracer.StringAttr("command", command))

	if !m.disc.Reachable() {
		if !m.restart(ctx) {
			err := domain.NewDomainError("ChannelManager.Request", domain.ErrUnreachable, "backend down and restart failed")
			tracer.RecordError(span, err)
			return nil, err
		}
		// Restart already consumed this call's single retry budget.
		resp, err := m.caller.Call(ctx, command, payload, m.opts.RequestTimeout)
		if err != nil {
			tracer.RecordError(span, err)
			return resp, err
		}
		tracer.SetOK(span)
		return resp, nil
	}

	resp, err := m.caller.Call(ctx, command, payload, m.opts.RequestTimeout)
	if err == nil {
		tracer.SetOK(span)
		return resp, nil
	}

	if domain.IsRetryableError(err) && m.restart(ctx) {
		m.logger.Warn("request failed, retrying after restart", "command", command, "error", err)
		resp, err = m.caller.Call(ctx, command, payload, m.opts.RequestTimeout)
		if err == nil {
			tracer.SetOK(span)
			return resp, nil
		}
	}

	tracer.RecordError(span, err)
	return resp, err
}

// Attach checks whether a previously started worker is still serving in
// workDir (handshake file present and port reachable) and, if so, adopts it
// for subsequent requests without spawning anything.
func (m *Manager) Attach(workDir string) bool {
	if workDir == "" {
		return false
	}
	port, ok := m.disc.Lookup(workDir)
	if !ok || !m.disc.Probe(port) {
		return false
	}
	m.mu.Lock()
	m.workDir = workDir
	m.mu.Unlock()
	m.logger.Info("attached to running backend", "port", port, "work_dir", workDir)
	return true
}

// Status reports the supervisor's view plus reachability.
func (m *Manager) Status() (domain.BackendStatus, bool) {
	return m.sup.Status(), m.disc.Reachable()
}

// Shutdown stops the worker. force adds a SIGKILL after the grace delay.
func (m *Manager) Shutdown(force bool) {
	m.sup.Stop(force)
}

// restart tears the worker down and brings it back up in the last known
// working directory. With no known directory there is nothing to restart.
func (m *Manager) restart(ctx context.Context) bool {
	m.mu.Lock()
	workDir := m.workDir
	m.mu.Unlock()
	if workDir == "" {
		return false
	}

	m.logger.Warn("backend unreachable, attempting restart", "work_dir", workDir)
	m.sup.Stop(true)
	return m.EnsureRunning(ctx, workDir)
}

package channel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"agentbridge/internal/domain"
	"agentbridge/internal/usecase/discovery"
	"agentbridge/internal/usecase/supervisor"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeCaller scripts RPC outcomes and counts invocations.
type fakeCaller struct {
	fn    func() (*domain.RPCResponse, error)
	calls int
}

func (f *fakeCaller) Call(context.Context, string, any, time.Duration) (*domain.RPCResponse, error) {
	f.calls++
	return f.fn()
}

// fixture wires a real supervisor and discovery around shell-script workers.
type fixture struct {
	workDir string
	port    int
	disc    *discovery.Discovery
	sup     *supervisor.Supervisor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	// A live listener gives spawned workers a real port to advertise, so
	// reachability probes succeed.
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { listener.Close() })
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	disc := discovery.New(discovery.Options{
		Grace:        20 * time.Millisecond,
		Interval:     20 * time.Millisecond,
		ProbeTimeout: 200 * time.Millisecond,
	}, newTestLogger())

	sup := supervisor.New(supervisor.Options{StopGrace: 200 * time.Millisecond}, disc, nil, newTestLogger())
	t.Cleanup(func() { sup.Stop(true) })

	return &fixture{
		workDir: t.TempDir(),
		port:    listener.Addr().(*net.TCPAddr).Port,
		disc:    disc,
		sup:     sup,
	}
}

// writeWorker creates a worker script that logs its spawn, optionally delays,
// writes the handshake file, and stays alive.
func (f *fixture) writeWorker(t *testing.T, delay string) string {
	t.Helper()
	body := fmt.Sprintf(`#!/bin/sh
echo $$ >> spawns.txt
%s
mkdir -p .state
echo %d > .state/server_port.txt
sleep 30
`, delay, f.port)
	path := filepath.Join(f.workDir, "worker.sh")
	if err := os.WriteFile(path, []byte(body), 0755); err != nil {
		t.Fatalf("write worker: %v", err)
	}
	return path
}

// spawnCount counts how many times a worker script has started in workDir.
func (f *fixture) spawnCount(t *testing.T) int {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.workDir, "spawns.txt"))
	if err != nil {
		if os.IsNotExist(err) {
			return 0
		}
		t.Fatalf("read spawns: %v", err)
	}
	return len(strings.Fields(string(data)))
}

func (f *fixture) manager(t *testing.T, caller *fakeCaller, worker string, deadline time.Duration) *Manager {
	t.Helper()
	return NewManager(Options{
		Candidates:        []string{worker},
		HandshakeDeadline: deadline,
		RequestTimeout:    time.Second,
	}, f.sup, f.disc, caller, newTestLogger())
}

func TestEnsureRunningStartsAndDiscovers(t *testing.T) {
	f := newFixture(t)
	worker := f.writeWorker(t, "")
	mgr := f.manager(t, &fakeCaller{}, worker, 5*time.Second)

	if !mgr.EnsureRunning(context.Background(), f.workDir) {
		t.Fatal("EnsureRunning = false")
	}
	if port, ok := f.disc.CachedPort(); !ok || port != f.port {
		t.Errorf("discovered port = %d %v, want %d", port, ok, f.port)
	}
	if f.spawnCount(t) != 1 {
		t.Errorf("spawns = %d, want 1", f.spawnCount(t))
	}

	// Idempotent while up and reachable: no second spawn.
	if !mgr.EnsureRunning(context.Background(), f.workDir) {
		t.Fatal("second EnsureRunning = false")
	}
	if f.spawnCount(t) != 1 {
		t.Errorf("spawns after repeat = %d, want 1", f.spawnCount(t))
	}
}

func TestEnsureRunningWaitsOutSlowHandshake(t *testing.T) {
	f := newFixture(t)
	worker := f.writeWorker(t, "sleep 0.3")
	mgr := f.manager(t, &fakeCaller{}, worker, 5*time.Second)

	start := time.Now()
	if !mgr.EnsureRunning(context.Background(), f.workDir) {
		t.Fatal("EnsureRunning = false despite handshake inside deadline")
	}
	if elapsed := time.Since(start); elapsed < 250*time.Millisecond {
		t.Errorf("ready after %s, before the worker could have written the handshake", elapsed)
	}
}

func TestEnsureRunningFalseWhenNoCandidateStarts(t *testing.T) {
	f := newFixture(t)
	mgr := f.manager(t, &fakeCaller{}, "/nonexistent/worker", time.Second)

	if mgr.EnsureRunning(context.Background(), f.workDir) {
		t.Error("EnsureRunning = true with no startable candidate")
	}
}

// Handshake deadline: a worker that never advertises a port is torn down and
// the start reported as failed, within a bounded time.
func TestEnsureRunningTimesOutAndStopsWorker(t *testing.T) {
	f := newFixture(t)
	// Logs the spawn and sleeps without ever writing the handshake.
	body := "#!/bin/sh\necho $$ >> spawns.txt\nsleep 30\n"
	worker := filepath.Join(f.workDir, "silent.sh")
	if err := os.WriteFile(worker, []byte(body), 0755); err != nil {
		t.Fatalf("write worker: %v", err)
	}
	mgr := f.manager(t, &fakeCaller{}, worker, 300*time.Millisecond)

	start := time.Now()
	if mgr.EnsureRunning(context.Background(), f.workDir) {
		t.Fatal("EnsureRunning = true for a worker that never handshakes")
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("gave up after %s, far past the deadline", elapsed)
	}
	if f.sup.Alive() {
		t.Error("stuck worker not stopped after handshake timeout")
	}
}

// Exactly one restart-and-retry per request: a persistently failing call
// spawns one replacement worker, makes one retry, and then surfaces the error.
func TestRequestRestartsExactlyOnce(t *testing.T) {
	f := newFixture(t)
	worker := f.writeWorker(t, "")
	caller := &fakeCaller{fn: func() (*domain.RPCResponse, error) {
		return nil, domain.NewDomainError("RpcChannel.Call", domain.ErrUnreachable, "refused")
	}}
	mgr := f.manager(t, caller, worker, 5*time.Second)

	if !mgr.EnsureRunning(context.Background(), f.workDir) {
		t.Fatal("EnsureRunning = false")
	}

	_, err := mgr.Request(context.Background(), "run_task", nil)
	if !errors.Is(err, domain.ErrUnreachable) {
		t.Fatalf("err = %v, want ErrUnreachable", err)
	}
	if caller.calls != 2 {
		t.Errorf("calls = %d, want 2 (original plus one retry)", caller.calls)
	}
	if got := f.spawnCount(t); got != 2 {
		t.Errorf("spawns = %d, want 2 (initial plus one restart)", got)
	}
}

// Remote errors are the worker answering; they must not trigger a restart.
func TestRequestDoesNotRestartOnRemoteError(t *testing.T) {
	f := newFixture(t)
	worker := f.writeWorker(t, "")
	caller := &fakeCaller{fn: func() (*domain.RPCResponse, error) {
		resp := &domain.RPCResponse{Status: domain.StatusError, Message: "missing ANTHROPIC_API_KEY"}
		return resp, domain.NewDomainError("RpcChannel.Call", domain.ErrRemote, resp.Message)
	}}
	mgr := f.manager(t, caller, worker, 5*time.Second)

	if !mgr.EnsureRunning(context.Background(), f.workDir) {
		t.Fatal("EnsureRunning = false")
	}

	resp, err := mgr.Request(context.Background(), "run_task", nil)
	if !errors.Is(err, domain.ErrRemote) {
		t.Fatalf("err = %v, want ErrRemote", err)
	}
	if resp == nil || resp.Message == "" {
		t.Error("error envelope lost")
	}
	if caller.calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry)", caller.calls)
	}
	if got := f.spawnCount(t); got != 1 {
		t.Errorf("spawns = %d, want 1 (no restart)", got)
	}
}

func TestRequestRecoversFromDeadWorker(t *testing.T) {
	f := newFixture(t)
	worker := f.writeWorker(t, "")
	var failed bool
	caller := &fakeCaller{fn: func() (*domain.RPCResponse, error) {
		if !failed {
			failed = true
			return nil, domain.NewDomainError("RpcChannel.Call", domain.ErrRequestTimeout, "deadline")
		}
		return &domain.RPCResponse{Status: domain.StatusCompleted}, nil
	}}
	mgr := f.manager(t, caller, worker, 5*time.Second)

	if !mgr.EnsureRunning(context.Background(), f.workDir) {
		t.Fatal("EnsureRunning = false")
	}

	resp, err := mgr.Request(context.Background(), "run_task", nil)
	if err != nil {
		t.Fatalf("Request after transparent restart: %v", err)
	}
	if resp.Status != domain.StatusCompleted {
		t.Errorf("status = %q, want completed", resp.Status)
	}
	if got := f.spawnCount(t); got != 2 {
		t.Errorf("spawns = %d, want 2", got)
	}
}

func TestRequestWithoutKnownWorkDirFailsFast(t *testing.T) {
	f := newFixture(t)
	caller := &fakeCaller{fn: func() (*domain.RPCResponse, error) {
		return &domain.RPCResponse{Status: domain.StatusCompleted}, nil
	}}
	mgr := f.manager(t, caller, "/nonexistent/worker", time.Second)

	// No EnsureRunning yet: nothing to restart, so the request cannot proceed.
	_, err := mgr.Request(context.Background(), "ping", nil)
	if !errors.Is(err, domain.ErrUnreachable) {
		t.Fatalf("err = %v, want ErrUnreachable", err)
	}
	if caller.calls != 0 {
		t.Errorf("calls = %d, want 0", caller.calls)
	}
}

// Concurrent failing requests race their restarts through the supervisor;
// whatever the interleaving, every spawned worker must be stopped by the
// final shutdown, never orphaned by an overlapping respawn.
func TestConcurrentRequestRestartsLeaveNoOrphans(t *testing.T) {
	f := newFixture(t)
	worker := f.writeWorker(t, "")
	caller := &fakeCaller{fn: func() (*domain.RPCResponse, error) {
		return nil, domain.NewDomainError("RpcChannel.Call", domain.ErrUnreachable, "refused")
	}}
	mgr := f.manager(t, caller, worker, 5*time.Second)

	if !mgr.EnsureRunning(context.Background(), f.workDir) {
		t.Fatal("EnsureRunning = false")
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			mgr.Request(context.Background(), "run_task", nil)
		}()
	}
	wg.Wait()
	mgr.Shutdown(true)

	data, err := os.ReadFile(filepath.Join(f.workDir, "spawns.txt"))
	if err != nil {
		t.Fatalf("read spawns: %v", err)
	}
	for _, field := range strings.Fields(string(data)) {
		pid, err := strconv.Atoi(field)
		if err != nil {
			t.Fatalf("bad pid %q: %v", field, err)
		}
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			p, perr := os.FindProcess(pid)
			if perr != nil || p.Signal(syscall.Signal(0)) != nil {
				break
			}
			time.Sleep(10 * time.Millisecond)
		}
		if p, perr := os.FindProcess(pid); perr == nil && p.Signal(syscall.Signal(0)) == nil {
			t.Errorf("worker %d still alive after shutdown", pid)
		}
	}
}

func TestAttachAdoptsRunningWorker(t *testing.T) {
	f := newFixture(t)
	mgr := f.manager(t, &fakeCaller{}, "/nonexistent/worker", time.Second)

	if mgr.Attach(f.workDir) {
		t.Error("Attach = true with no handshake file")
	}

	handshake := discovery.HandshakePath(f.workDir)
	if err := os.MkdirAll(filepath.Dir(handshake), 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(handshake, []byte(fmt.Sprintf("%d\n", f.port)), 0644); err != nil {
		t.Fatalf("write handshake: %v", err)
	}

	if !mgr.Attach(f.workDir) {
		t.Error("Attach = false for live advertised port")
	}
	if _, reachable := mgr.Status(); !reachable {
		t.Error("Status reports unreachable after successful attach")
	}
}

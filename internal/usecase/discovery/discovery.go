// Package discovery locates the TCP port a freshly spawned worker is
// listening on. The worker advertises the port by writing a handshake file
// under its working directory; the host polls for that file and probes the
// port with short TCP connects.
package discovery

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"agentbridge/internal/domain"
)

// Options holds handshake polling and probe timing.
type Options struct {
	// Grace is how long to wait before the first poll, giving the worker
	// time to bind its listener.
	Grace time.Duration
	// Interval is the handshake file poll period.
	Interval time.Duration
	// ProbeTimeout bounds a single liveness connect attempt.
	ProbeTimeout time.Duration
}

// Discovery polls the handshake file and caches the discovered port. The
// cached port is read-mostly: it is only rewritten after a fresh start, so
// concurrent RPC calls can address the worker without coordination.
type Discovery struct {
	opts   Options
	logger *slog.Logger

	mu   sync.Mutex
	port int // 0 = unknown
}

// New creates a Discovery with the given timing options.
func New(opts Options, logger *slog.Logger) *Discovery {
	return &Discovery{opts: opts, logger: logger}
}

// HandshakePath returns the handshake file location for a working directory.
func HandshakePath(workDir string) string {
	return filepath.Join(workDir, filepath.FromSlash(domain.HandshakeFileName))
}

// ClearStale removes any pre-existing handshake file and forgets the cached
// port, so a previous generation's port can never be mistaken for the new
// worker's. Called before every spawn.
func (d *Discovery) ClearStale(workDir string) error {
	d.mu.Lock()
	d.port = 0
	d.mu.Unlock()

	path := HandshakePath(workDir)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove stale handshake %s: %w", path, err)
	}
	return nil
}

// AwaitPort polls the handshake file until it contains a parseable port,
// the deadline expires, or alive reports the worker is gone. A missing file,
// an empty file, or unparseable contents all mean "not ready yet" and polling
// continues. On success the port is cached for later probes and calls.
//
// The alive callback is checked on every tick so that a caller-initiated stop
// (which clears the supervisor's handle) terminates the loop promptly instead
// of burning the full deadline.
func (d *Discovery) AwaitPort(workDir string, deadline time.Duration, alive func() bool) (int, error) {
	const op = "Discovery.AwaitPort"

	path := HandshakePath(workDir)
	expire := time.NewTimer(deadline)
	defer expire.Stop()

	// Initial grace before the first look at the file.
	grace := time.NewTimer(d.opts.Grace)
	select {
	case <-grace.C:
	case <-expire.C:
		grace.Stop()
		return 0, domain.NewDomainError(op, domain.ErrStartupTimeout, fmt.Sprintf("no handshake within %s", deadline))
	}

	ticker := time.NewTicker(d.opts.Interval)
	defer ticker.Stop()

	for {
		if alive != nil && !alive() {
			return 0, domain.NewDomainError(op, domain.ErrSpawnFailed, "worker exited before handshake")
		}
		if port, ok := readPort(path); ok {
			d.mu.Lock()
			d.port = port
			d.mu.Unlock()
			d.logger.Info("worker handshake complete", "port", port)
			return port, nil
		}

		select {
		case <-ticker.C:
		case <-expire.C:
			return 0, domain.NewDomainError(op, domain.ErrStartupTimeout, fmt.Sprintf("no handshake within %s", deadline))
		}
	}
}

// Lookup reads the handshake file once, without waiting, caching the port on
// success. Used to re-attach to a worker left running by a previous host
// process.
func (d *Discovery) Lookup(workDir string) (int, bool) {
	port, ok := readPort(HandshakePath(workDir))
	if !ok {
		return 0, false
	}
	d.mu.Lock()
	d.port = port
	d.mu.Unlock()
	return port, true
}

// CachedPort returns the port discovered by the last successful handshake.
func (d *Discovery) CachedPort() (int, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.port, d.port != 0
}

// Probe reports whether something accepts TCP connections on the port.
// Any connect error or timeout means "not reachable".
func (d *Discovery) Probe(port int) bool {
	conn, err := net.DialTimeout("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), d.opts.ProbeTimeout)
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// Reachable probes the cached port. False when no port has been discovered.
func (d *Discovery) Reachable() bool {
	port, ok := d.CachedPort()
	if !ok {
		return false
	}
	return d.Probe(port)
}

// readPort parses the handshake file. Any failure is "not ready yet".
func readPort(path string) (int, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	port, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || port <= 0 || port > 65535 {
		return 0, false
	}
	return port, true
}

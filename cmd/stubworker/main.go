// Command stubworker is a reference backend worker: it binds a loopback TCP
// port, advertises it through the handshake file, and serves the line-JSON
// protocol. Useful for exercising the host end to end without a real agent.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"sync"
	"syscall"
	"time"

	"agentbridge/internal/domain"
)

func main() {
	dir := flag.String("dir", ".", "working directory to advertise the handshake in")
	delay := flag.Duration("handshake-delay", 0, "artificial delay before writing the handshake file")
	flag.Parse()

	log := slog.New(slog.NewTextHandler(os.Stderr, nil))
	if err := run(*dir, *delay, log); err != nil {
		fmt.Fprintf(os.Stderr, "stubworker: %v\n", err)
		os.Exit(1)
	}
}

func run(dir string, delay time.Duration, log *slog.Logger) error {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	defer listener.Close()
	port := listener.Addr().(*net.TCPAddr).Port

	handshake := filepath.Join(dir, filepath.FromSlash(domain.HandshakeFileName))
	if delay > 0 {
		time.Sleep(delay)
	}
	if err := os.MkdirAll(filepath.Dir(handshake), 0755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	if err := os.WriteFile(handshake, []byte(strconv.Itoa(port)+"\n"), 0644); err != nil {
		return fmt.Errorf("write handshake: %w", err)
	}
	defer os.Remove(handshake)
	log.Info("stubworker listening", "port", port, "handshake", handshake)

	done := make(chan struct{})
	var shutdownOnce sync.Once
	shutdown := func() {
		shutdownOnce.Do(func() {
			close(done)
			listener.Close()
		})
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		select {
		case sig := <-sigCh:
			log.Info("stubworker exiting", "signal", sig.String())
		case <-done:
		}
		os.Remove(handshake)
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-done:
				return nil
			default:
			}
			return nil // listener closed by signal handler
		}
		go func() {
			if serve(conn, log) {
				shutdown()
			}
		}()
	}
}

// serve handles one connection: one request line, one response line.
// Returns true when the worker was asked to shut down.
func serve(conn net.Conn, log *slog.Logger) bool {
	defer conn.Close()
	conn.SetDeadline(time.Now().Add(30 * time.Second))

	line, err := bufio.NewReader(conn).ReadBytes('\n')
	if err != nil {
		log.Warn("read request", "error", err)
		return false
	}

	var req domain.RPCRequest
	if err := json.Unmarshal(line, &req); err != nil {
		reply(conn, map[string]any{"status": "error", "message": "malformed request: " + err.Error()})
		return false
	}
	log.Info("request", "command", req.Command)

	switch req.Command {
	case "ping":
		reply(conn, map[string]any{"status": "completed", "response": "pong"})
	case "echo":
		reply(conn, map[string]any{"status": "completed", "response": req.Payload})
	case "slow":
		time.Sleep(2 * time.Second)
		reply(conn, map[string]any{"status": "completed", "response": "done"})
	case "fail":
		reply(conn, map[string]any{"status": "error", "message": "simulated failure"})
	case "shutdown":
		reply(conn, map[string]any{"status": "completed", "response": "bye"})
		return true
	default:
		reply(conn, map[string]any{"status": "error", "message": "unknown command: " + req.Command})
	}
	return false
}

func reply(conn net.Conn, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	conn.Write(append(data, '\n'))
}

package usecase

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"agentbridge/internal/domain"
	"agentbridge/internal/infra/config"
)

func newTestLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBridge(t *testing.T, mutate func(*config.Config)) *Bridge {
	t.Helper()
	cfg := config.Default()
	cfg.Backend.HandshakeGrace = 20 * time.Millisecond
	cfg.Backend.HandshakeInterval = 20 * time.Millisecond
	cfg.Backend.HandshakeDeadline = 500 * time.Millisecond
	cfg.Backend.ProbeTimeout = 200 * time.Millisecond
	cfg.Backend.StopGrace = 200 * time.Millisecond
	cfg.Backend.RequestTimeout = time.Second
	if mutate != nil {
		mutate(&cfg)
	}

	b, err := New(cfg, newTestLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(b.Shutdown)
	return b
}

func awaitAlert(t *testing.T, b *Bridge) domain.Notification {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, n := range b.ListNotifications() {
			if n.Kind == domain.KindAlert {
				return n
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no alert published")
	return domain.Notification{}
}

// A worker executable that does not exist: the start fails closed and the
// operator gets a high-priority alert instead of an error value.
func TestEnsureBackendRunningFailureRaisesAlert(t *testing.T) {
	b := newTestBridge(t, func(cfg *config.Config) {
		cfg.Backend.Executables = []string{"/nonexistent/worker"}
	})

	if b.EnsureBackendRunning(context.Background(), t.TempDir()) {
		t.Fatal("EnsureBackendRunning = true for a missing executable")
	}

	n := awaitAlert(t, b)
	if n.Priority != domain.PriorityHigh {
		t.Errorf("priority = %q, want high", n.Priority)
	}
	if n.Source != "backend" {
		t.Errorf("source = %q, want backend", n.Source)
	}
}

func TestCallFailurePublishesClassifiedAlert(t *testing.T) {
	b := newTestBridge(t, nil)

	// No backend configured or started: the call cannot reach anything.
	_, err := b.Call(context.Background(), "run_task", nil)
	if !errors.Is(err, domain.ErrUnreachable) {
		t.Fatalf("err = %v, want ErrUnreachable", err)
	}

	n := awaitAlert(t, b)
	if n.Metadata["class"] != "network" {
		t.Errorf("class = %q, want network", n.Metadata["class"])
	}
	if n.Metadata["retryable"] != "true" {
		t.Errorf("retryable = %q, want true", n.Metadata["retryable"])
	}
}

// Failure storm: with a tiny limiter budget only the first alert surfaces;
// the rest collapse into the log.
func TestFailureAlertsAreRateLimited(t *testing.T) {
	b := newTestBridge(t, func(cfg *config.Config) {
		cfg.Notify.AlertsPerSecond = 0.01
		cfg.Notify.AlertBurst = 1
	})

	for i := 0; i < 5; i++ {
		b.Call(context.Background(), "run_task", nil)
	}

	var alerts int
	for _, n := range b.ListNotifications() {
		if n.Kind == domain.KindAlert {
			alerts++
		}
	}
	if alerts != 1 {
		t.Errorf("alerts = %d, want 1", alerts)
	}
}

func TestRequestHumanConfirmationCancelMeansNo(t *testing.T) {
	b := newTestBridge(t, nil)

	result := make(chan bool, 1)
	go func() {
		ok, err := b.RequestHumanConfirmation(context.Background(),
			"Apply 12 file changes?", "task-runner", "Apply", "Discard", domain.PriorityHigh)
		if err != nil {
			t.Errorf("RequestHumanConfirmation: %v", err)
		}
		result <- ok
	}()

	// Find the pending confirmation and decline it, as the UI would.
	var id string
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && id == "" {
		for _, n := range b.ListNotifications() {
			if n.Kind == domain.KindConfirmation && n.RequiresAction {
				if n.Actions == nil || n.Actions.ConfirmLabel != "Apply" {
					t.Fatalf("confirmation actions = %+v, want Apply label", n.Actions)
				}
				id = n.ID
			}
		}
		time.Sleep(5 * time.Millisecond)
	}
	if id == "" {
		t.Fatal("confirmation never appeared")
	}
	b.RecordAction(context.Background(), id, domain.ActionCancel)

	select {
	case ok := <-result:
		if ok {
			t.Error("cancel reported as confirmed")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("confirmation never resolved")
	}
}

func TestShutdownAbandonsPendingConfirmations(t *testing.T) {
	b := newTestBridge(t, nil)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.RequestHumanConfirmation(context.Background(),
			"still there?", "test", "Yes", "No", domain.PriorityLow)
		errCh <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if len(b.ListNotifications()) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	b.Shutdown()

	select {
	case err := <-errCh:
		if domain.ErrorCodeOf(err) != domain.CodeAbandoned {
			t.Errorf("error code = %s, want %s", domain.ErrorCodeOf(err), domain.CodeAbandoned)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending confirmation not released by Shutdown")
	}
}

func TestOnNotificationSkipsActionEvents(t *testing.T) {
	b := newTestBridge(t, nil)

	var got []domain.Notification
	unsub := b.OnNotification(func(n domain.Notification) {
		got = append(got, n)
	})
	defer unsub()

	b.hub.Publish(context.Background(), domain.Notification{ID: "n1", Kind: domain.KindInfo, Text: "hello"})
	b.RecordAction(context.Background(), "n1", domain.ActionDefer)

	if len(got) != 1 || got[0].ID != "n1" {
		t.Errorf("notifications = %+v, want just n1's publish", got)
	}
}

func TestHistoryPersistsPublishedNotifications(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	b := newTestBridge(t, func(cfg *config.Config) {
		cfg.History.Enabled = true
		cfg.History.Path = dbPath
	})

	ctx := context.Background()
	b.hub.Publish(ctx, domain.Notification{Kind: domain.KindInfo, Text: "first"})
	b.hub.Publish(ctx, domain.Notification{Kind: domain.KindSuccess, Text: "second"})
	// Action events re-deliver the same notification and must not duplicate rows.
	b.RecordAction(ctx, b.ListNotifications()[0].ID, domain.ActionDefer)

	recent, err := b.History(10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(recent) != 2 {
		t.Fatalf("history rows = %d, want 2", len(recent))
	}
	if recent[0].Text != "second" || recent[1].Text != "first" {
		t.Errorf("history order = [%s %s], want newest first", recent[0].Text, recent[1].Text)
	}
}

func TestHistoryDisabledReturnsNothing(t *testing.T) {
	b := newTestBridge(t, nil)

	recent, err := b.History(10)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if recent != nil {
		t.Errorf("history = %+v, want nil when disabled", recent)
	}
}

// End to end over a real socket: spawn a script worker whose advertised port
// is served in-process, then round-trip a call through the full stack.
func TestBridgeEndToEndCall(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer listener.Close()
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				buf := make([]byte, 4096)
				if _, err := conn.Read(buf); err != nil {
					return
				}
				conn.Write([]byte(`{"status":"completed","response":"pong"}` + "\n"))
			}(conn)
		}
	}()
	port := listener.Addr().(*net.TCPAddr).Port

	workDir := t.TempDir()
	worker := filepath.Join(workDir, "worker.sh")
	body := fmt.Sprintf("#!/bin/sh\nmkdir -p .state\necho %d > .state/server_port.txt\nsleep 30\n", port)
	if err := os.WriteFile(worker, []byte(body), 0755); err != nil {
		t.Fatalf("write worker: %v", err)
	}

	b := newTestBridge(t, func(cfg *config.Config) {
		cfg.Backend.Executables = []string{worker}
		cfg.Backend.HandshakeDeadline = 5 * time.Second
	})

	if !b.EnsureBackendRunning(context.Background(), workDir) {
		t.Fatal("EnsureBackendRunning = false")
	}
	status, reachable := b.BackendStatus()
	if !status.Running || !reachable {
		t.Fatalf("status = %+v reachable = %v, want running and reachable", status, reachable)
	}

	resp, err := b.Call(context.Background(), "ping", nil)
	if err != nil {
		t.Fatalf("Call: %v", err)
	}
	if got := resp.StringField("response"); got != "pong" {
		t.Errorf("response = %q, want pong", got)
	}
}

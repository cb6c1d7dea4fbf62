// Package usecase wires the backend channel core into the single facade the
// rest of the application talks to: ensure the backend is up, issue RPC
// calls, observe notifications, and ask the operator for confirmations.
package usecase

import (
	"context"
	"fmt"
	"log/slog"

	"golang.org/x/time/rate"

	"agentbridge/internal/adapter/history"
	"agentbridge/internal/adapter/rpc"
	"agentbridge/internal/domain"
	"agentbridge/internal/infra/config"
	"agentbridge/internal/usecase/channel"
	"agentbridge/internal/usecase/discovery"
	"agentbridge/internal/usecase/notify"
	"agentbridge/internal/usecase/supervisor"
)

// Bridge is the collaborator interface exposed to the rest of the
// application. Every backend failure it sees is converted into a
// notification, so the operator always learns about backend trouble.
type Bridge struct {
	hub   *notify.Hub
	coord *notify.Coordinator
	mgr   *channel.Manager
	hist  *history.Store // nil when history is disabled

	// alertLimiter caps failure alerts so a burst of concurrently failing
	// calls cannot flood the notification log. Burst >= 1, so a lone
	// failure always surfaces.
	alertLimiter *rate.Limiter
	logger       *slog.Logger
}

// New builds the full backend channel stack from configuration.
func New(cfg config.Config, logger *slog.Logger) (*Bridge, error) {
	hub := notify.NewHub(logger)

	disc := discovery.New(discovery.Options{
		Grace:        cfg.Backend.HandshakeGrace,
		Interval:     cfg.Backend.HandshakeInterval,
		ProbeTimeout: cfg.Backend.ProbeTimeout,
	}, logger)

	sup := supervisor.New(supervisor.Options{
		Args:      cfg.Backend.Args,
		StopGrace: cfg.Backend.StopGrace,
	}, disc, hub, logger)

	raw := rpc.NewChannel(disc, cfg.Backend.ConnectTimeout, logger)
	caller := rpc.NewBreakerChannel(raw, rpc.BreakerSettings{
		MaxFailures: cfg.Backend.Breaker.MaxFailures,
		Timeout:     cfg.Backend.Breaker.Timeout,
		Interval:    cfg.Backend.Breaker.Interval,
	}, logger)

	mgr := channel.NewManager(channel.Options{
		Candidates:        cfg.Backend.Executables,
		HandshakeDeadline: cfg.Backend.HandshakeDeadline,
		RequestTimeout:    cfg.Backend.RequestTimeout,
	}, sup, disc, caller, logger)

	b := &Bridge{
		hub:          hub,
		coord:        notify.NewCoordinator(hub, logger),
		mgr:          mgr,
		alertLimiter: rate.NewLimiter(rate.Limit(cfg.Notify.AlertsPerSecond), cfg.Notify.AlertBurst),
		logger:       logger,
	}

	if cfg.History.Enabled {
		hist, err := history.NewStore(cfg.History.Path)
		if err != nil {
			return nil, fmt.Errorf("open notification history: %w", err)
		}
		b.hist = hist
		// Record publishes only; action events re-deliver the same notification.
		hub.SubscribeAll(func(_ context.Context, evt domain.NotificationEvent) {
			if evt.Action != "" {
				return
			}
			if err := hist.Append(evt.Notification); err != nil {
				logger.Warn("notification history append failed", "error", err)
			}
		})
	}

	return b, nil
}

// EnsureBackendRunning starts the worker in path if needed and waits for it
// to become reachable. A failed start is surfaced as a high-priority alert.
func (b *Bridge) EnsureBackendRunning(ctx context.Context, path string) bool {
	if b.mgr.EnsureRunning(ctx, path) {
		return true
	}
	b.publishFailure(ctx, channel.ClassServer,
		"The agent backend failed to start. Check that the worker executable is installed and the working directory is valid.")
	return false
}

// AttachBackend adopts a worker left running by a previous host process, if
// its handshake file still points at a reachable port. No spawn happens.
func (b *Bridge) AttachBackend(path string) bool {
	return b.mgr.Attach(path)
}

// Call issues an RPC request to the worker. On failure the typed error is
// returned to the caller and a notification describing the failure class is
// published for the operator.
func (b *Bridge) Call(ctx context.Context, command string, payload any) (*domain.RPCResponse, error) {
	resp, err := b.mgr.Request(ctx, command, payload)
	if err == nil {
		return resp, nil
	}

	class := channel.Classify(err)
	b.publishFailure(ctx, class, failureText(class, command, err))
	return resp, err
}

// RequestHumanConfirmation publishes a confirmation and blocks until the
// operator decides. It returns true only for an explicit confirm; cancel,
// defer, cancellation, and shutdown all report false.
func (b *Bridge) RequestHumanConfirmation(ctx context.Context, message, source, confirmLabel, cancelLabel string, priority domain.Priority) (bool, error) {
	action, err := b.coord.RequestConfirmation(ctx, message, source, domain.ActionSet{
		ConfirmLabel: confirmLabel,
		CancelLabel:  cancelLabel,
	}, priority)
	if err != nil {
		return false, err
	}
	return action == domain.ActionConfirm, nil
}

// OnNotification registers a listener invoked for every published
// notification. Returns an unsubscribe function.
func (b *Bridge) OnNotification(fn func(domain.Notification)) func() {
	return b.hub.SubscribeAll(func(_ context.Context, evt domain.NotificationEvent) {
		if evt.Action != "" {
			return
		}
		fn(evt.Notification)
	})
}

// ObserveLog registers a log-changed observer receiving full snapshots.
func (b *Bridge) ObserveLog(obs domain.LogObserver) func() {
	return b.hub.Observe(obs)
}

// ListNotifications returns a snapshot of the undismissed notification log.
func (b *Bridge) ListNotifications() []domain.Notification {
	return b.hub.Notifications()
}

// DismissNotification removes one notification from the log.
func (b *Bridge) DismissNotification(id string) bool {
	return b.hub.Dismiss(id)
}

// MarkNotificationRead flags one notification as read.
func (b *Bridge) MarkNotificationRead(id string) {
	b.hub.MarkRead(id)
}

// ClearNotifications empties the notification log.
func (b *Bridge) ClearNotifications() {
	b.hub.ClearAll()
}

// RecordAction reports the operator's decision on a notification. The UI
// layer calls this; pending confirmations matching the id resolve.
func (b *Bridge) RecordAction(ctx context.Context, id string, action domain.Action) {
	b.hub.RecordAction(ctx, id, action)
}

// BackendStatus reports the supervisor's view plus reachability.
func (b *Bridge) BackendStatus() (domain.BackendStatus, bool) {
	return b.mgr.Status()
}

// History returns the most recently persisted notifications, newest first.
// Returns nil when history is disabled.
func (b *Bridge) History(limit int) ([]domain.Notification, error) {
	if b.hist == nil {
		return nil, nil
	}
	return b.hist.Recent(limit)
}

// StopBackend stops the worker without shutting down the bridge.
func (b *Bridge) StopBackend(force bool) {
	b.mgr.Shutdown(force)
}

// Shutdown abandons outstanding confirmations (never auto-confirming them),
// stops the worker, and closes the history store.
func (b *Bridge) Shutdown() {
	b.coord.AbandonAll()
	b.mgr.Shutdown(true)
	if b.hist != nil {
		if err := b.hist.Close(); err != nil {
			b.logger.Warn("close notification history", "error", err)
		}
	}
}

// publishFailure surfaces a backend failure as an alert, rate-limited so
// failure storms collapse to the log instead of the notification panel.
func (b *Bridge) publishFailure(ctx context.Context, class channel.FailureClass, text string) {
	if !b.alertLimiter.Allow() {
		b.logger.Warn("suppressed failure alert", "class", string(class), "text", text)
		return
	}
	b.hub.Publish(ctx, domain.Notification{
		Kind:     domain.KindAlert,
		Priority: domain.PriorityHigh,
		Source:   "backend",
		Category: string(class),
		Text:     text,
		Metadata: map[string]string{
			"class":     string(class),
			"retryable": fmt.Sprintf("%t", class.Retryable()),
		},
	})
}

// failureText maps a failure class to the operator-facing message with an
// actionable next step. Missing credentials never suggest a retry: the
// backend cannot recover without operator intervention.
func failureText(class channel.FailureClass, command string, err error) string {
	switch class {
	case channel.ClassMissingCredentials:
		return "The agent backend is missing credentials. Open the credential configuration and add a valid API key."
	case channel.ClassMissingDependency:
		return "The agent backend is missing a runtime dependency. Install the worker's runtime and try again."
	case channel.ClassNetwork:
		return fmt.Sprintf("Could not reach the agent backend while running %q. It may be restarting; retry in a moment.", command)
	default:
		return fmt.Sprintf("The agent backend failed while running %q: %v", command, err)
	}
}

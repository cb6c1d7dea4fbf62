package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"agentbridge/internal/domain"
	"agentbridge/internal/infra/config"
	"agentbridge/internal/infra/logger"
	"agentbridge/internal/infra/tracer"
	"agentbridge/internal/usecase"
)

func main() {
	if len(os.Args) < 2 {
		showUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--help", "-h", "help":
		showUsage()
	case "up":
		if err := runUp(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "up: %v\n", err)
			os.Exit(1)
		}
	case "call":
		if err := runCall(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "call: %v\n", err)
			os.Exit(1)
		}
	case "stop":
		if err := runStop(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "stop: %v\n", err)
			os.Exit(1)
		}
	case "status":
		if err := runStatus(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "status: %v\n", err)
			os.Exit(1)
		}
	case "notifications":
		if err := runNotifications(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "notifications: %v\n", err)
			os.Exit(1)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'agentbridge --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`agentbridge - supervise and drive an agent backend worker

USAGE:
    agentbridge COMMAND [FLAGS]

COMMANDS:
    up              Start the backend worker and wait for its handshake
    call CMD [JSON] Send one RPC command (payload as a JSON object)
    stop            Ask a running backend to shut down
    status          Probe backend reachability
    notifications   Dump the persisted notification history

FLAGS (all commands):
    --config PATH   Config file path (default: $AGENTBRIDGE_CONFIG or ./agentbridge.yaml)
    --dir PATH      Worker working directory (overrides config)

EXAMPLES:
    agentbridge up --dir ./project
    agentbridge call echo '{"x":1}'
    agentbridge stop`)
}

// defaultConfigPath prefers the AGENTBRIDGE_CONFIG environment variable.
func defaultConfigPath() string {
	if path := os.Getenv("AGENTBRIDGE_CONFIG"); path != "" {
		return path
	}
	return "./agentbridge.yaml"
}

// setup loads configuration and builds the bridge with its ambient stack.
func setup(fs *flag.FlagSet, args []string) (*usecase.Bridge, config.Config, *slog.Logger, func(), error) {
	configPath := fs.String("config", defaultConfigPath(), "config file path")
	dir := fs.String("dir", "", "worker working directory")
	if err := fs.Parse(args); err != nil {
		return nil, config.Config{}, nil, nil, err
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return nil, cfg, nil, nil, err
	}
	if *dir != "" {
		cfg.Backend.WorkingDir = *dir
	}

	log, closeLog, err := logger.New(cfg.Logger)
	if err != nil {
		return nil, cfg, nil, nil, err
	}

	shutdownTracer, err := tracer.Setup(context.Background(), cfg.Tracer)
	if err != nil {
		closeLog()
		return nil, cfg, nil, nil, err
	}

	bridge, err := usecase.New(cfg, log)
	if err != nil {
		shutdownTracer(context.Background())
		closeLog()
		return nil, cfg, nil, nil, err
	}

	cleanup := func() {
		shutdownTracer(context.Background())
		closeLog()
	}
	return bridge, cfg, log, cleanup, nil
}

func runUp(args []string) error {
	bridge, cfg, _, cleanup, err := setup(flag.NewFlagSet("up", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	defer cleanup()

	if cfg.Backend.WorkingDir == "" {
		return fmt.Errorf("no working directory configured (use --dir or backend.working_dir)")
	}
	if !bridge.EnsureBackendRunning(context.Background(), cfg.Backend.WorkingDir) {
		printAlerts(bridge)
		return fmt.Errorf("backend did not become ready")
	}
	status, _ := bridge.BackendStatus()
	fmt.Printf("backend running (pid %d)\n", status.PID)
	return nil
}

func runCall(args []string) error {
	fs := flag.NewFlagSet("call", flag.ContinueOnError)
	bridge, cfg, _, cleanup, err := setup(fs, args)
	if err != nil {
		return err
	}
	defer cleanup()

	rest := fs.Args()
	if len(rest) < 1 {
		return fmt.Errorf("usage: agentbridge call COMMAND [JSON-PAYLOAD]")
	}
	command := rest[0]
	var payload any = map[string]any{}
	if len(rest) > 1 {
		if err := json.Unmarshal([]byte(rest[1]), &payload); err != nil {
			return fmt.Errorf("payload must be valid JSON: %w", err)
		}
	}

	ctx := context.Background()
	// Reuse a worker left running by a previous invocation before spawning.
	if !bridge.AttachBackend(cfg.Backend.WorkingDir) {
		if cfg.Backend.WorkingDir == "" {
			return fmt.Errorf("no working directory configured (use --dir or backend.working_dir)")
		}
		if !bridge.EnsureBackendRunning(ctx, cfg.Backend.WorkingDir) {
			printAlerts(bridge)
			return fmt.Errorf("backend did not become ready")
		}
	}

	resp, err := bridge.Call(ctx, command, payload)
	if err != nil {
		printAlerts(bridge)
		return err
	}
	fmt.Println(string(resp.Raw))
	return nil
}

func runStop(args []string) error {
	bridge, cfg, _, cleanup, err := setup(flag.NewFlagSet("stop", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	defer cleanup()

	if !bridge.AttachBackend(cfg.Backend.WorkingDir) {
		fmt.Println("backend not running")
		return nil
	}
	// The worker exits on its shutdown command; no signal plumbing needed
	// across host processes.
	if _, err := bridge.Call(context.Background(), "shutdown", map[string]any{}); err != nil {
		return err
	}
	fmt.Println("backend stopping")
	return nil
}

func runStatus(args []string) error {
	bridge, cfg, _, cleanup, err := setup(flag.NewFlagSet("status", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	defer cleanup()

	if bridge.AttachBackend(cfg.Backend.WorkingDir) {
		fmt.Println("backend: reachable")
	} else {
		fmt.Println("backend: not reachable")
	}
	return nil
}

func runNotifications(args []string) error {
	bridge, _, _, cleanup, err := setup(flag.NewFlagSet("notifications", flag.ContinueOnError), args)
	if err != nil {
		return err
	}
	defer cleanup()

	entries, err := bridge.History(50)
	if err != nil {
		return err
	}
	if len(entries) == 0 {
		fmt.Println("no persisted notifications (is history enabled?)")
		return nil
	}
	for _, n := range entries {
		fmt.Printf("%s  [%s/%s]  %s\n", n.CreatedAt.Format("2006-01-02 15:04:05"), n.Kind, n.Priority, n.Text)
	}
	return nil
}

func printAlerts(bridge *usecase.Bridge) {
	for _, n := range bridge.ListNotifications() {
		if n.Kind == domain.KindAlert {
			fmt.Fprintf(os.Stderr, "alert: %s\n", n.Text)
		}
	}
}

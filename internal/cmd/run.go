package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/honeyport/honeyport/internal/config"
	"github.com/honeyport/honeyport/internal/logging"
	"github.com/honeyport/honeyport/internal/session"
	"github.com/honeyport/honeyport/internal/shutdown"
	"github.com/honeyport/honeyport/internal/stats"
)

var (
	// run-specific flags
	noConsole   bool
	bindAddress string
	metricsAddr string
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the honeypot",
	Long: `Start listening on the configured ports and ban every address that connects.

The configuration is reloaded on SIGHUP, on the !r console command and, when
watch_config is set, whenever the configuration file changes. A configuration
that fails to load is rejected and the running one is kept.

On SIGINT, SIGTERM or !q, every listener is stopped and every tracked ban is
lifted before exiting.

Console commands:
  !h           - Show available commands
  !p           - List listening ports
  !s <port>    - Stop listening on a port
  !b           - List banned addresses
  !u <ip>      - Unban an address
  !r           - Reload the configuration
  !q           - Quit`,
	RunE: runHoneypot,
}

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().BoolVar(&noConsole, "no-console", false, "Do not start the interactive console (for services)")
	runCmd.Flags().StringVar(&bindAddress, "bind", "", "Address to bind listeners to (overrides ports.bind_address)")
	runCmd.Flags().StringVar(&metricsAddr, "metrics-listen", "", "Address for the Prometheus /metrics endpoint (overrides metrics.listen)")
}

func runHoneypot(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	lc, err := runtimeLogConfig(cfg)
	if err != nil {
		return fmt.Errorf("failed to configure logging: %w", err)
	}
	if err := logging.Initialize(lc); err != nil {
		return fmt.Errorf("failed to initialize logging: %w", err)
	}
	logger := logging.Get()

	st := stats.New()
	opts := session.Options{Stats: st}
	opts.Pool.BindAddress = bindAddress

	manager := session.NewManager(cfg, loadConfig, opts)
	s, err := manager.Start()
	if err != nil {
		return fmt.Errorf("failed to start honeypot: %w", err)
	}
	fmt.Printf("🍯 Listening on %d ports\n", len(s.ListPorts()))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	// Cleanups run in order: stop the background tasks, then close the
	// session, which stops every listener and lifts every ban.
	var runErr, closeErr error
	sm := shutdown.NewManager()
	sm.AddCleanup(func(reason string) {
		cancel()
		runErr = g.Wait()
	})
	sm.AddCleanup(func(reason string) {
		fmt.Println("\n👋 Shutting down...")
		closeErr = manager.Close()
		if closeErr != nil {
			logging.Shutdown().Warn("Shutdown completed with errors", "error", closeErr)
		}
	})
	sm.Start()
	defer sm.Stop()

	// Reload on SIGHUP
	hupChan := make(chan os.Signal, 1)
	signal.Notify(hupChan, syscall.SIGHUP)
	defer signal.Stop(hupChan)

	var changes <-chan struct{}
	if cfg.WatchConfig && cfg.Path != "" {
		watcher, err := config.NewWatcher(cfg.Path, logging.ConfigLogger())
		if err != nil {
			logger.Warn("Config watching disabled", "error", err)
		} else {
			watcher.Start()
			defer watcher.Close()
			changes = watcher.Changes()
		}
	}

	g.Go(func() error {
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hupChan:
				logging.ConfigLogger().Info("Received SIGHUP, reloading configuration")
				_, _ = manager.Reload()
			case <-changes:
				logging.ConfigLogger().Info("Configuration file changed, reloading")
				_, _ = manager.Reload()
			}
		}
	})

	listen := cfg.Metrics.Listen
	if metricsAddr != "" {
		listen = metricsAddr
	}
	if listen != "" {
		srv, err := st.Listen(listen, logger)
		if err != nil {
			sm.Shutdown("metrics")
			return fmt.Errorf("failed to start metrics endpoint: %w", err)
		}
		fmt.Printf("📈 Metrics at http://%s/metrics\n", srv.Addr())
		g.Go(func() error {
			return srv.Serve(gctx)
		})
	}

	// A failing background task ends the run.
	go func() {
		select {
		case <-gctx.Done():
			sm.Shutdown("task failed")
		case <-sm.Done():
		}
	}()

	if !noConsole {
		console := &Console{ctl: manager, out: os.Stdout}
		// Readline cannot be interrupted, so the console only requests shutdown.
		go func() {
			if err := runConsole(gctx, console); err != nil {
				logging.Console().Error("Console failed", "error", err)
			}
			sm.Shutdown("console")
		}()
	}

	<-sm.Done()
	fmt.Printf("Total detections: %d\n", st.Detections())

	if runErr != nil {
		return runErr
	}
	return closeErr
}

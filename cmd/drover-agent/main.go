// Package main provides the CLI entry point for the drover endpoint
// agent.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/droverhq/drover/internal/agent"
	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/logging"
	"github.com/droverhq/drover/internal/probe"
	"github.com/droverhq/drover/internal/service"
	"github.com/droverhq/drover/internal/sysinfo"
	"github.com/spf13/cobra"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "drover-agent",
		Short: "Drover endpoint agent",
		Long: `The drover agent connects an endpoint to a drover coordinator.

On first contact it files a credential request and polls until an
operator approves it. The approved credential is cached in the token
file and used to register on subsequent runs; registered agents execute
commands dispatched by the operator.`,
		Version: Version,
	}

	// Add subcommands
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(probeCmd())
	rootCmd.AddCommand(serviceCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	var (
		configPath    string
		server        string
		transportType string
		endpoint      string
		tokenFile     string
		pin           string
		insecure      bool
		dialTimeout   time.Duration
		execTimeout   time.Duration
		pollInterval  time.Duration
		reconnectWait time.Duration
		logLevel      string
		logFormat     string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the endpoint agent",
		Long:  "Connect to the coordinator and serve approved commands until interrupted.",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Load configuration; flags override the file.
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			flags := cmd.Flags()
			if flags.Changed("server") {
				cfg.Agent.Address = server
			}
			if flags.Changed("transport") {
				cfg.Agent.Transport = transportType
			}
			if flags.Changed("endpoint-id") {
				cfg.Agent.Endpoint = endpoint
			}
			if flags.Changed("token-file") {
				cfg.Agent.TokenFile = tokenFile
			}
			if flags.Changed("pin") {
				cfg.Agent.Pin = pin
			}
			if flags.Changed("insecure") {
				cfg.Agent.Insecure = insecure
			}
			if flags.Changed("dial-timeout") {
				cfg.Agent.DialTimeout = dialTimeout
			}
			if flags.Changed("exec-timeout") {
				cfg.Agent.ExecTimeout = execTimeout
			}
			if flags.Changed("poll-interval") {
				cfg.Agent.PollInterval = pollInterval
			}
			if flags.Changed("reconnect-wait") {
				cfg.Agent.ReconnectWait = reconnectWait
			}
			if flags.Changed("log-level") {
				cfg.Log.Level = logLevel
			}
			if flags.Changed("log-format") {
				cfg.Log.Format = logFormat
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			host := sysinfo.Collect()
			logger.Debug("host facts",
				"hostname", host.Hostname,
				"os", host.OS,
				"arch", host.Arch,
				"version", host.Version,
				"ips", host.IPs)

			// Create agent
			a, err := agent.New(agent.Config{
				Endpoint:      cfg.Agent.Endpoint,
				Transport:     cfg.Agent.Transport,
				Address:       cfg.Agent.Address,
				TokenFile:     cfg.Agent.TokenFile,
				Pin:           cfg.Agent.Pin,
				Insecure:      cfg.Agent.Insecure,
				DialTimeout:   cfg.Agent.DialTimeout,
				ExecTimeout:   cfg.Agent.ExecTimeout,
				PollInterval:  cfg.Agent.PollInterval,
				ReconnectWait: cfg.Agent.ReconnectWait,
				Logger:        logger,
			})
			if err != nil {
				return fmt.Errorf("failed to create agent: %w", err)
			}

			// Under the Windows service control manager there is no
			// console; hand the lifecycle to the service handler.
			if !service.IsInteractive() {
				logger.Info("running as a system service")
				return service.RunAsService("drover-agent", newAgentRunner(a))
			}

			fmt.Printf("Starting drover agent...\n")
			fmt.Printf("Endpoint: %s\n", a.Endpoint())
			fmt.Printf("Coordinator: %s://%s\n", cfg.Agent.Transport, cfg.Agent.Address)

			if cfg.Agent.Insecure {
				fmt.Println("Warning: TLS verification is disabled")
			}

			// Run until interrupted
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			if err := a.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				return err
			}

			fmt.Println("\nAgent stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "drover.yaml", "Path to configuration file")
	cmd.Flags().StringVarP(&server, "server", "s", "127.0.0.1:4444", "Coordinator address")
	cmd.Flags().StringVar(&transportType, "transport", "tls", "Transport (tcp, tls, ws, quic)")
	cmd.Flags().StringVar(&endpoint, "endpoint-id", "", "Endpoint identifier (defaults to the hostname)")
	cmd.Flags().StringVar(&tokenFile, "token-file", agent.DefaultTokenFile, "Credential cache path")
	cmd.Flags().StringVar(&pin, "pin", "", "Pinned coordinator certificate fingerprint (sha256:<hex>)")
	cmd.Flags().BoolVar(&insecure, "insecure", false, "Skip TLS verification (testing only)")
	cmd.Flags().DurationVar(&dialTimeout, "dial-timeout", 10*time.Second, "Connection timeout")
	cmd.Flags().DurationVar(&execTimeout, "exec-timeout", 30*time.Second, "Per-command execution timeout")
	cmd.Flags().DurationVar(&pollInterval, "poll-interval", 5*time.Second, "Credential status poll interval")
	cmd.Flags().DurationVar(&reconnectWait, "reconnect-wait", 10*time.Second, "Wait between connection attempts")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	cmd.Flags().StringVar(&logFormat, "log-format", "text", "Log format (text, json)")

	return cmd
}

func probeCmd() *cobra.Command {
	var (
		configPath    string
		server        string
		transportType string
		wsPath        string
		endpoint      string
		pin           string
		plaintext     bool
		timeout       time.Duration
	)

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Test connectivity to a coordinator",
		Long: `Probe dials the coordinator the way the agent would, reports the
served TLS certificate, and confirms the listener speaks the drover
protocol. The check never files a credential request, so it is safe to
run against a production coordinator.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			flags := cmd.Flags()
			if flags.Changed("server") {
				cfg.Agent.Address = server
			}
			if flags.Changed("transport") {
				cfg.Agent.Transport = transportType
			}
			if flags.Changed("endpoint-id") {
				cfg.Agent.Endpoint = endpoint
			}
			if flags.Changed("pin") {
				cfg.Agent.Pin = pin
			}

			fmt.Printf("Probing %s://%s...\n", cfg.Agent.Transport, cfg.Agent.Address)

			result := probe.Probe(cmd.Context(), probe.Options{
				Transport: cfg.Agent.Transport,
				Address:   cfg.Agent.Address,
				Path:      wsPath,
				Endpoint:  cfg.Agent.Endpoint,
				Timeout:   timeout,
				Pin:       cfg.Agent.Pin,
				Plaintext: plaintext,
			})

			if result.Fingerprint != "" {
				fmt.Printf("Certificate: %s (expires %s)\n",
					result.Fingerprint, result.NotAfter.Format("2006-01-02"))
			}
			if !result.Success {
				return fmt.Errorf("probe failed: %s", result.ErrorDetail)
			}

			fmt.Printf("Coordinator reachable (rtt %s)\n", result.RTT.Round(time.Microsecond))
			fmt.Printf("Credential status: %s\n", result.Status)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "drover.yaml", "Path to configuration file")
	cmd.Flags().StringVarP(&server, "server", "s", "127.0.0.1:4444", "Coordinator address")
	cmd.Flags().StringVar(&transportType, "transport", "tls", "Transport (tcp, tls, ws, quic)")
	cmd.Flags().StringVar(&wsPath, "path", "", "WebSocket path (default /t)")
	cmd.Flags().StringVar(&endpoint, "endpoint-id", "", "Endpoint id to check (defaults to a throwaway probe id)")
	cmd.Flags().StringVar(&pin, "pin", "", "Expected certificate fingerprint (sha256:<hex>)")
	cmd.Flags().BoolVar(&plaintext, "plaintext", false, "Probe a ws:// listener behind a TLS-terminating proxy")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "Probe timeout")

	return cmd
}

func serviceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "service",
		Short: "Manage the agent system service",
		Long: `Install, remove, or inspect the drover agent as a system service.

Supports systemd on Linux, launchd on macOS, and the Windows Service
Control Manager. Install and uninstall require root or administrator
privileges.`,
	}

	cmd.AddCommand(serviceInstallCmd())
	cmd.AddCommand(serviceUninstallCmd())
	cmd.AddCommand(serviceStatusCmd())

	return cmd
}

func serviceInstallCmd() *cobra.Command {
	var (
		configPath string
		user       string
		group      string
	)

	cmd := &cobra.Command{
		Use:   "install",
		Short: "Install and start the agent as a system service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !service.IsSupported() {
				return fmt.Errorf("service installation is not supported on %s", service.Platform())
			}

			absPath, err := filepath.Abs(configPath)
			if err != nil {
				return fmt.Errorf("failed to resolve config path: %w", err)
			}
			// The service loads the config at start, so it has to exist now.
			if _, err := os.Stat(absPath); err != nil {
				return fmt.Errorf("config file not found: %s", absPath)
			}

			cfg := service.DefaultConfig(absPath)
			cfg.User = user
			cfg.Group = group

			if err := service.Install(cfg); err != nil {
				return err
			}

			fmt.Println()
			switch service.Platform() {
			case "linux":
				fmt.Printf("Check it with: systemctl status %s\n", cfg.Name)
				fmt.Printf("Follow logs:   journalctl -u %s -f\n", cfg.Name)
			case "darwin":
				fmt.Printf("Check it with: launchctl list com.%s\n", cfg.Name)
			case "windows":
				fmt.Printf("Check it with: sc query %s\n", cfg.Name)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "drover.yaml", "Path to configuration file")
	cmd.Flags().StringVar(&user, "user", "", "Run the service as this user (Linux only)")
	cmd.Flags().StringVar(&group, "group", "", "Run the service as this group (Linux only)")

	return cmd
}

func serviceUninstallCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "uninstall",
		Short: "Stop and remove the agent system service",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !service.IsSupported() {
				return fmt.Errorf("service management is not supported on %s", service.Platform())
			}
			return service.Uninstall("drover-agent")
		},
	}
}

func serviceStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the agent system service status",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !service.IsSupported() {
				return fmt.Errorf("service management is not supported on %s", service.Platform())
			}

			if !service.IsInstalled("drover-agent") {
				fmt.Println("Service drover-agent is not installed")
				return nil
			}

			status, err := service.Status("drover-agent")
			if err != nil {
				return fmt.Errorf("failed to get service status: %w", err)
			}

			fmt.Printf("Service: drover-agent\n")
			fmt.Printf("Status:  %s\n", status)
			return nil
		},
	}
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(Version)
		},
	}
}

// agentRunner adapts the agent run loop to the service.ServiceRunner
// interface so the Windows service handler can start and stop it.
type agentRunner struct {
	agent  *agent.Agent
	cancel context.CancelFunc
	done   chan error
}

func newAgentRunner(a *agent.Agent) *agentRunner {
	return &agentRunner{agent: a}
}

func (r *agentRunner) Start() error {
	ctx, cancel := context.WithCancel(context.Background())
	r.cancel = cancel
	r.done = make(chan error, 1)
	go func() {
		r.done <- r.agent.Run(ctx)
	}()
	return nil
}

func (r *agentRunner) StopWithContext(ctx context.Context) error {
	if r.cancel != nil {
		r.cancel()
	}
	select {
	case err := <-r.done:
		if err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

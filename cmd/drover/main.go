// Package main provides the CLI entry point for the drover coordinator.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/droverhq/drover/internal/certutil"
	"github.com/droverhq/drover/internal/config"
	"github.com/droverhq/drover/internal/console"
	"github.com/droverhq/drover/internal/coordinator"
	"github.com/droverhq/drover/internal/credential"
	"github.com/droverhq/drover/internal/logging"
	"github.com/droverhq/drover/internal/wizard"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

var (
	// Version is set at build time
	Version = "dev"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "drover",
		Short: "Drover - Approval-gated remote management coordinator",
		Long: `Drover coordinates a fleet of remotely managed endpoints. Agents
enroll by filing a credential request that an operator approves, then
hold a persistent connection over which the operator dispatches shell
commands.

The serve command runs the coordinator; on a terminal it includes an
interactive console for approving requests and running commands on
connected endpoints.`,
		Version: Version,
	}

	// Add subcommands
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(setupCmd())
	rootCmd.AddCommand(fingerprintCmd())
	rootCmd.AddCommand(versionCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	var (
		configPath  string
		withConsole bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the coordinator",
		Long:  "Start the coordinator with the specified configuration.",
		RunE: func(cmd *cobra.Command, args []string) error {
			// Load configuration
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)
			logger.Debug("configuration loaded", "config", cfg.String())

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// Open the credential store
			store, err := credential.Open(ctx, cfg.Coordinator.Database)
			if err != nil {
				return fmt.Errorf("failed to open credential store: %w", err)
			}
			defer store.Close()

			// Create coordinator
			coord, err := coordinator.New(cfg.Coordinator, store, logger)
			if err != nil {
				return fmt.Errorf("failed to create coordinator: %w", err)
			}

			fmt.Printf("Starting drover coordinator...\n")

			if err := coord.Start(); err != nil {
				return fmt.Errorf("failed to start coordinator: %w", err)
			}

			for _, addr := range coord.Addrs() {
				fmt.Printf("Listening on %s\n", addr)
			}

			stats := coord.Stats()
			fmt.Printf("Status: running (endpoints: %d, pending requests: %d)\n",
				stats.ConnectedEndpoints, stats.PendingRequests)

			// Operator console on the serve terminal. Exiting it requests
			// shutdown; end of input leaves the coordinator running.
			if withConsole && cfg.Coordinator.Console.Enabled {
				go func() {
					c := console.New(console.Config{
						Store:      store,
						Registry:   coord.Registry(),
						Notifier:   coord.Notifier(),
						Dispatcher: coord.Dispatcher(),
						Logger:     logger,
						Shutdown:   stop,
					})
					if err := c.Run(ctx); err != nil {
						logger.Error("console exited", logging.KeyError, err)
					}
				}()
			}

			// Wait for shutdown signal or console exit
			<-ctx.Done()
			stop()
			fmt.Printf("\nShutting down...\n")

			// Graceful shutdown with timeout
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()

			if err := coord.StopWithContext(shutdownCtx); err != nil {
				fmt.Printf("Shutdown error: %v\n", err)
				return err
			}

			fmt.Println("Coordinator stopped.")
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "drover.yaml", "Path to configuration file")
	cmd.Flags().BoolVar(&withConsole, "console", term.IsTerminal(int(os.Stdin.Fd())), "Run the interactive operator console")

	return cmd
}

func setupCmd() *cobra.Command {
	var (
		configPath     string
		nonInteractive bool
		transportType  string
		address        string
		wsPath         string
		tlsMode        string
		certFile       string
		keyFile        string
		commonName     string
		acmeHosts      []string
		acmeCache      string
		database       string
		healthAddress  string
		logLevel       string
	)

	cmd := &cobra.Command{
		Use:   "setup",
		Short: "Generate a coordinator configuration",
		Long: `Generate a coordinator configuration file and serving certificate.

Runs an interactive wizard by default. With --non-interactive the
answers are taken from flags instead.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := wizard.New()

			if nonInteractive {
				_, err := w.RunNonInteractive(wizard.Settings{
					ConfigPath:    configPath,
					Transport:     transportType,
					Address:       address,
					Path:          wsPath,
					TLSMode:       tlsMode,
					CertFile:      certFile,
					KeyFile:       keyFile,
					CommonName:    commonName,
					ACMEHosts:     acmeHosts,
					ACMECache:     acmeCache,
					Database:      database,
					HealthAddress: healthAddress,
					Console:       true,
					LogLevel:      logLevel,
				})
				return err
			}

			_, err := w.Run()
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "drover.yaml", "Path to write the configuration file")
	cmd.Flags().BoolVar(&nonInteractive, "non-interactive", false, "Take answers from flags instead of prompting")
	cmd.Flags().StringVar(&transportType, "transport", "tls", "Listener transport (tcp, tls, ws, quic)")
	cmd.Flags().StringVar(&address, "address", "0.0.0.0:4444", "Listener address")
	cmd.Flags().StringVar(&wsPath, "path", "/t", "HTTP path for the ws transport")
	cmd.Flags().StringVar(&tlsMode, "tls-mode", "", "TLS setup (generate, file, acme, none)")
	cmd.Flags().StringVar(&certFile, "cert", "", "Certificate file for file mode")
	cmd.Flags().StringVar(&keyFile, "key", "", "Private key file for file mode")
	cmd.Flags().StringVar(&commonName, "common-name", "drover", "Certificate common name for generate mode")
	cmd.Flags().StringSliceVar(&acmeHosts, "acme-host", nil, "ACME hostname (repeatable)")
	cmd.Flags().StringVar(&acmeCache, "acme-cache", "", "ACME certificate cache directory")
	cmd.Flags().StringVar(&database, "database", "drover.db", "Credential database path")
	cmd.Flags().StringVar(&healthAddress, "health-address", "", "Health endpoint address (empty disables)")
	cmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	return cmd
}

func fingerprintCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "fingerprint <certificate>",
		Short: "Print a certificate fingerprint",
		Long: `Print the SHA256 fingerprint of a PEM certificate.

Agents pin the coordinator certificate by passing this value to the
--pin flag.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fp, err := certutil.FingerprintFromFile(args[0])
			if err != nil {
				return err
			}
			fmt.Println(fp)
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

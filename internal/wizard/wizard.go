// Package wizard provides the interactive setup wizard for the drover
// coordinator.
package wizard

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/droverhq/drover/internal/certutil"
	"github.com/droverhq/drover/internal/config"
	"gopkg.in/yaml.v3"
)

// Result contains the wizard output.
type Result struct {
	Config      *config.Config
	ConfigPath  string
	CertPath    string // set when a certificate was generated
	KeyPath     string
	Fingerprint string // sha256:<hex> of the generated certificate
}

// Settings captures the setup answers for the non-interactive path.
type Settings struct {
	ConfigPath    string
	Transport     string
	Address       string
	Path          string   // ws only
	TLSMode       string   // generate, file, acme or none
	CertFile      string   // file mode
	KeyFile       string   // file mode
	CommonName    string   // generate mode
	ACMEHosts     []string // acme mode
	ACMECache     string   // acme mode
	Database      string
	HealthAddress string // empty leaves the health endpoints disabled
	Console       bool
	LogLevel      string
}

// certFiles records where a generated certificate landed.
type certFiles struct {
	certPath    string
	keyPath     string
	fingerprint string
}

// Wizard manages the interactive setup process.
type Wizard struct {
	theme *huh.Theme
}

// New creates a new setup wizard.
func New() *Wizard {
	return &Wizard{
		theme: huh.ThemeDracula(),
	}
}

// Run executes the interactive setup wizard.
func (w *Wizard) Run() (*Result, error) {
	w.printBanner()

	// Step 1: Basic setup
	configPath, database, err := w.askBasicSetup()
	if err != nil {
		return nil, err
	}

	// Step 2: Listener
	transport, listenAddr, listenPath, err := w.askListener()
	if err != nil {
		return nil, err
	}

	// Step 3: TLS setup
	tlsConfig, files, err := w.askTLSSetup(transport, configPath)
	if err != nil {
		return nil, err
	}

	// Step 4: Console, health and logging
	consoleEnabled, healthEnabled, healthAddr, logLevel, err := w.askOptions()
	if err != nil {
		return nil, err
	}

	// Build configuration
	cfg := w.buildConfig(
		transport, listenAddr, listenPath,
		tlsConfig, database,
		healthEnabled, healthAddr,
		consoleEnabled, logLevel,
	)

	// Write configuration file
	if err := w.writeConfig(cfg, configPath); err != nil {
		return nil, err
	}

	// Print summary
	w.printSummary(configPath, cfg, files)

	return &Result{
		Config:      cfg,
		ConfigPath:  configPath,
		CertPath:    files.certPath,
		KeyPath:     files.keyPath,
		Fingerprint: files.fingerprint,
	}, nil
}

// RunNonInteractive performs a setup run from preset answers without
// prompting. Empty fields fall back to the same defaults the forms use.
func (w *Wizard) RunNonInteractive(s Settings) (*Result, error) {
	if s.ConfigPath == "" {
		s.ConfigPath = "drover.yaml"
	}
	if s.Transport == "" {
		s.Transport = "tls"
	}
	if s.Address == "" {
		s.Address = "0.0.0.0:4444"
	}
	if s.Database == "" {
		s.Database = "drover.db"
	}
	if s.LogLevel == "" {
		s.LogLevel = "info"
	}
	if s.TLSMode == "" {
		switch s.Transport {
		case "tls", "quic":
			s.TLSMode = "generate"
		default:
			s.TLSMode = "none"
		}
	}

	var (
		tlsConfig config.TLSConfig
		files     certFiles
		err       error
	)

	switch s.TLSMode {
	case "generate":
		commonName := s.CommonName
		if commonName == "" {
			commonName = "drover"
		}
		certsDir := filepath.Join(filepath.Dir(s.ConfigPath), "certs")
		tlsConfig, files, err = w.generateCertificateFiles(certsDir, commonName, 365)
		if err != nil {
			return nil, err
		}
	case "file":
		if s.CertFile == "" || s.KeyFile == "" {
			return nil, fmt.Errorf("tls mode file requires a certificate and key path")
		}
		tlsConfig = config.TLSConfig{Mode: "file", Cert: s.CertFile, Key: s.KeyFile}
	case "acme":
		if len(s.ACMEHosts) == 0 {
			return nil, fmt.Errorf("tls mode acme requires at least one host")
		}
		cache := s.ACMECache
		if cache == "" {
			cache = filepath.Join(filepath.Dir(s.ConfigPath), "acme-cache")
		}
		tlsConfig = config.TLSConfig{Mode: "acme", ACMEHosts: s.ACMEHosts, ACMECache: cache}
	case "none":
		// Plain listener; the coordinator warns when this ends up on ws.
	default:
		return nil, fmt.Errorf("unknown tls mode %q", s.TLSMode)
	}

	cfg := w.buildConfig(
		s.Transport, s.Address, s.Path,
		tlsConfig, s.Database,
		s.HealthAddress != "", s.HealthAddress,
		s.Console, s.LogLevel,
	)

	if errs := cfg.Validate(); len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}

	if err := w.writeConfig(cfg, s.ConfigPath); err != nil {
		return nil, err
	}

	w.printSummary(s.ConfigPath, cfg, files)

	return &Result{
		Config:      cfg,
		ConfigPath:  s.ConfigPath,
		CertPath:    files.certPath,
		KeyPath:     files.keyPath,
		Fingerprint: files.fingerprint,
	}, nil
}

func (w *Wizard) printBanner() {
	banner := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("212")).
		Render(`
  ____  ____   _____     _______ ____
 |  _ \|  _ \ / _ \ \   / / ____|  _ \
 | | | | |_) | | | \ \ / /|  _| | |_) |
 | |_| |  _ <| |_| |\ V / | |___|  _ <
 |____/|_| \_\\___/  \_/  |_____|_| \_\
`)

	subtitle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("  Remote Endpoint Coordinator - Setup Wizard\n")

	fmt.Println(banner)
	fmt.Println(subtitle)
}

func (w *Wizard) askBasicSetup() (configPath, database string, err error) {
	configPath = "drover.yaml"
	database = "drover.db"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Basic Setup").
				Description("Configure the essential paths for your coordinator."),

			huh.NewInput().
				Title("Config File Path").
				Description("Where to write the configuration file").
				Placeholder("drover.yaml").
				Value(&configPath).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("config path is required")
					}
					if !strings.HasSuffix(s, ".yaml") && !strings.HasSuffix(s, ".yml") {
						return fmt.Errorf("config file should have .yaml or .yml extension")
					}
					return nil
				}),

			huh.NewInput().
				Title("Credential Database").
				Description("SQLite file holding endpoint credentials").
				Placeholder("drover.db").
				Value(&database).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("database path is required")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	err = form.Run()
	return
}

func (w *Wizard) askListener() (transport, listenAddr, path string, err error) {
	transport = "tls"
	listenAddr = "0.0.0.0:4444"
	path = "/t"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Listener").
				Description("Configure how the coordinator accepts agent connections."),

			huh.NewSelect[string]().
				Title("Transport Protocol").
				Description("TLS is recommended for most deployments").
				Options(
					huh.NewOption("TLS (TCP, recommended)", "tls"),
					huh.NewOption("QUIC (UDP)", "quic"),
					huh.NewOption("WebSocket (proxy-friendly)", "ws"),
					huh.NewOption("Plain TCP (trusted networks only)", "tcp"),
				).
				Value(&transport),

			huh.NewInput().
				Title("Listen Address").
				Description("Address and port to listen on").
				Placeholder("0.0.0.0:4444").
				Value(&listenAddr).
				Validate(func(s string) error {
					if s == "" {
						return fmt.Errorf("listen address is required")
					}
					_, _, err := net.SplitHostPort(s)
					if err != nil {
						return fmt.Errorf("invalid address format (use host:port)")
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	if err = form.Run(); err != nil {
		return
	}

	// Ask for path if using WebSocket
	if transport == "ws" {
		pathForm := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("HTTP Path").
					Description("URL path for the WebSocket endpoint").
					Placeholder("/t").
					Value(&path).
					Validate(func(s string) error {
						if s == "" || !strings.HasPrefix(s, "/") {
							return fmt.Errorf("path must start with /")
						}
						return nil
					}),
			),
		).WithTheme(w.theme)

		if err = pathForm.Run(); err != nil {
			return
		}
	}

	return
}

func (w *Wizard) askTLSSetup(transport, configPath string) (tlsConfig config.TLSConfig, files certFiles, err error) {
	if transport == "tcp" {
		return
	}

	configDir := filepath.Dir(configPath)
	certsDir := filepath.Join(configDir, "certs")
	var tlsChoice string

	options := []huh.Option[string]{
		huh.NewOption("Generate a self-signed certificate (recommended)", "generate"),
		huh.NewOption("Use existing certificate files", "existing"),
		huh.NewOption("ACME / Let's Encrypt", "acme"),
	}
	if transport == "ws" {
		options = append(options, huh.NewOption("None (plain WebSocket behind a reverse proxy)", "none"))
	}

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("TLS Configuration").
				Description("Agents verify the coordinator by certificate fingerprint.\nGenerate a certificate or use existing ones."),

			huh.NewSelect[string]().
				Title("Certificate Setup").
				Options(options...).
				Value(&tlsChoice),

			huh.NewInput().
				Title("Certificates Directory").
				Description("Where to store generated certificate files").
				Placeholder(certsDir).
				Value(&certsDir),
		),
	).WithTheme(w.theme)

	if err = form.Run(); err != nil {
		return
	}

	switch tlsChoice {
	case "generate":
		tlsConfig, files, err = w.generateCertificate(certsDir)
	case "existing":
		tlsConfig, err = w.useExistingCertificates(certsDir)
	case "acme":
		tlsConfig, err = w.askACME(configDir)
	case "none":
		// Plain ws; the coordinator warns about this at startup.
	}

	return
}

func (w *Wizard) generateCertificate(certsDir string) (config.TLSConfig, certFiles, error) {
	commonName := "drover"
	validDays := 365

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Generate Certificate").
				Description("A self-signed serving certificate will be generated.\nAgents pin its fingerprint with --pin."),

			huh.NewInput().
				Title("Common Name").
				Description("Name for the certificate (e.g., hostname)").
				Placeholder("drover").
				Value(&commonName),

			huh.NewInput().
				Title("Validity (days)").
				Description("How long the certificate should be valid").
				Placeholder("365").
				Validate(func(s string) error {
					if s == "" {
						return nil
					}
					d, err := strconv.Atoi(s)
					if err != nil || d < 1 {
						return fmt.Errorf("must be a positive number")
					}
					validDays = d
					return nil
				}),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return config.TLSConfig{}, certFiles{}, err
	}

	return w.generateCertificateFiles(certsDir, commonName, validDays)
}

func (w *Wizard) generateCertificateFiles(certsDir, commonName string, validDays int) (config.TLSConfig, certFiles, error) {
	if err := os.MkdirAll(certsDir, 0700); err != nil {
		return config.TLSConfig{}, certFiles{}, fmt.Errorf("failed to create certs directory: %w", err)
	}

	opts := certutil.DefaultOptions(commonName)
	opts.ValidFor = time.Duration(validDays) * 24 * time.Hour

	cert, err := certutil.Generate(opts)
	if err != nil {
		return config.TLSConfig{}, certFiles{}, fmt.Errorf("failed to generate certificate: %w", err)
	}

	certPath := filepath.Join(certsDir, "server.crt")
	keyPath := filepath.Join(certsDir, "server.key")
	if err := cert.SaveToFiles(certPath, keyPath); err != nil {
		return config.TLSConfig{}, certFiles{}, fmt.Errorf("failed to save certificate: %w", err)
	}

	fmt.Printf("\n✓ Generated certificate: %s\n", certPath)
	fmt.Printf("  Fingerprint: %s\n\n", cert.Fingerprint())

	tlsConfig := config.TLSConfig{
		Mode: "file",
		Cert: certPath,
		Key:  keyPath,
	}

	return tlsConfig, certFiles{
		certPath:    certPath,
		keyPath:     keyPath,
		fingerprint: cert.Fingerprint(),
	}, nil
}

func (w *Wizard) useExistingCertificates(certsDir string) (config.TLSConfig, error) {
	certPath := filepath.Join(certsDir, "server.crt")
	keyPath := filepath.Join(certsDir, "server.key")

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Existing Certificates").
				Description("Specify paths to your existing certificate files."),

			huh.NewInput().
				Title("Certificate File").
				Placeholder(certPath).
				Value(&certPath).
				Validate(func(s string) error {
					if _, err := os.Stat(s); os.IsNotExist(err) {
						return fmt.Errorf("file not found: %s", s)
					}
					return nil
				}),

			huh.NewInput().
				Title("Private Key File").
				Placeholder(keyPath).
				Value(&keyPath).
				Validate(func(s string) error {
					if _, err := os.Stat(s); os.IsNotExist(err) {
						return fmt.Errorf("file not found: %s", s)
					}
					return nil
				}),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return config.TLSConfig{}, err
	}

	if fp, err := certutil.FingerprintFromFile(certPath); err == nil {
		fmt.Printf("\n  Fingerprint: %s\n\n", fp)
	}

	return config.TLSConfig{
		Mode: "file",
		Cert: certPath,
		Key:  keyPath,
	}, nil
}

func (w *Wizard) askACME(configDir string) (config.TLSConfig, error) {
	var hostsStr string
	cacheDir := filepath.Join(configDir, "acme-cache")

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("ACME / Let's Encrypt").
				Description("Certificates are obtained and renewed automatically.\nThe listed hostnames must resolve to this machine."),

			huh.NewText().
				Title("Hostnames").
				Description("One hostname per line").
				Placeholder("drover.example.com").
				Value(&hostsStr).
				Validate(func(s string) error {
					if strings.TrimSpace(s) == "" {
						return fmt.Errorf("at least one hostname is required")
					}
					return nil
				}),

			huh.NewInput().
				Title("Cache Directory").
				Description("Where to store obtained certificates").
				Placeholder(cacheDir).
				Value(&cacheDir),
		),
	).WithTheme(w.theme)

	if err := form.Run(); err != nil {
		return config.TLSConfig{}, err
	}

	tlsConfig := config.TLSConfig{
		Mode:      "acme",
		ACMECache: cacheDir,
	}
	for _, line := range strings.Split(hostsStr, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			tlsConfig.ACMEHosts = append(tlsConfig.ACMEHosts, line)
		}
	}

	return tlsConfig, nil
}

func (w *Wizard) askOptions() (consoleEnabled, healthEnabled bool, healthAddr, logLevel string, err error) {
	consoleEnabled = true
	healthEnabled = true
	healthAddr = ":8080"
	logLevel = "info"

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewNote().
				Title("Operations").
				Description("Configure the console, monitoring and logging."),

			huh.NewSelect[string]().
				Title("Log Level").
				Options(
					huh.NewOption("Debug (verbose)", "debug"),
					huh.NewOption("Info (recommended)", "info"),
					huh.NewOption("Warning", "warn"),
					huh.NewOption("Error (quiet)", "error"),
				).
				Value(&logLevel),

			huh.NewConfirm().
				Title("Enable the operator console?").
				Description("Interactive approve/deny prompt on the serve terminal").
				Value(&consoleEnabled),

			huh.NewConfirm().
				Title("Enable health endpoints?").
				Description("HTTP endpoints for monitoring (/health, /metrics)").
				Value(&healthEnabled),
		),
	).WithTheme(w.theme)

	if err = form.Run(); err != nil {
		return
	}

	if healthEnabled {
		addrForm := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Health Address").
					Description("Listen address for the health endpoints").
					Placeholder(":8080").
					Value(&healthAddr).
					Validate(func(s string) error {
						_, _, err := net.SplitHostPort(s)
						return err
					}),
			),
		).WithTheme(w.theme)

		err = addrForm.Run()
	}

	return
}

func (w *Wizard) buildConfig(
	transport, listenAddr, listenPath string,
	tlsConfig config.TLSConfig,
	database string,
	healthEnabled bool, healthAddr string,
	consoleEnabled bool,
	logLevel string,
) *config.Config {
	cfg := config.Default()

	cfg.Log.Level = logLevel
	cfg.Log.Format = "text"

	// Listener
	listener := config.ListenerConfig{
		Transport: transport,
		Address:   listenAddr,
		TLS:       tlsConfig,
	}
	if transport == "ws" {
		listener.Path = listenPath
	}
	cfg.Coordinator.Listeners = []config.ListenerConfig{listener}

	// Credential store
	cfg.Coordinator.Database = database

	// Console
	cfg.Coordinator.Console.Enabled = consoleEnabled

	// Health
	cfg.Coordinator.Health.Enabled = healthEnabled
	if healthEnabled && healthAddr != "" {
		cfg.Coordinator.Health.Address = healthAddr
	}

	return cfg
}

func (w *Wizard) writeConfig(cfg *config.Config, path string) error {
	// Ensure parent directory exists
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	// Add header comment
	header := `# Drover Coordinator Configuration
# Generated by drover setup
# See https://github.com/droverhq/drover for documentation

`
	if err := os.WriteFile(path, []byte(header+string(data)), 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

func (w *Wizard) printSummary(configPath string, cfg *config.Config, files certFiles) {
	style := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("42"))

	divider := lipgloss.NewStyle().
		Foreground(lipgloss.Color("241")).
		Render("─────────────────────────────────────────────────")

	fmt.Println()
	fmt.Println(divider)
	fmt.Println(style.Render("✓ Setup Complete!"))
	fmt.Println(divider)
	fmt.Println()

	fmt.Printf("  Config file:  %s\n", configPath)
	fmt.Printf("  Database:     %s\n", cfg.Coordinator.Database)

	if len(cfg.Coordinator.Listeners) > 0 {
		l := cfg.Coordinator.Listeners[0]
		fmt.Printf("  Listener:     %s://%s\n", l.Transport, l.Address)
	}

	if cfg.Coordinator.Health.Enabled {
		fmt.Printf("  Health:       http://%s/health\n", cfg.Coordinator.Health.Address)
	}

	if files.fingerprint != "" {
		fmt.Printf("  Fingerprint:  %s\n", files.fingerprint)
	}

	fmt.Println()
	fmt.Println("  To start the coordinator:")
	fmt.Printf("    drover serve -c %s\n", configPath)

	if files.fingerprint != "" && len(cfg.Coordinator.Listeners) > 0 {
		addr := cfg.Coordinator.Listeners[0].Address
		if _, port, err := net.SplitHostPort(addr); err == nil {
			addr = net.JoinHostPort("<host>", port)
		}
		fmt.Println()
		fmt.Println("  To connect an agent:")
		fmt.Printf("    drover-agent run --server %s --pin %s\n", addr, files.fingerprint)
	}

	fmt.Println()
}

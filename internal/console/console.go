// Package console implements the interactive operator console: endpoint
// overview, credential decisions, and remote command sessions against
// connected endpoints.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"

	"github.com/droverhq/drover/internal/credential"
	"github.com/droverhq/drover/internal/dispatch"
	"github.com/droverhq/drover/internal/logging"
	"github.com/droverhq/drover/internal/metrics"
	"github.com/droverhq/drover/internal/notify"
	"github.com/droverhq/drover/internal/protocol"
	"github.com/droverhq/drover/internal/registry"
)

// Config contains configuration for the operator console.
type Config struct {
	Store      credential.Store
	Registry   *registry.Registry
	Notifier   *notify.Notifier
	Dispatcher *dispatch.Dispatcher
	Metrics    *metrics.Metrics
	Logger     *slog.Logger

	// In and Out default to stdin and stdout.
	In  io.Reader
	Out io.Writer

	// Shutdown stops the coordinator when the operator exits the console.
	Shutdown context.CancelFunc
}

// confirmFunc asks the operator a destructive-action question.
type confirmFunc func(title, description string) bool

// Console is the interactive operator loop. It owns its input reader and
// must not be shared; everything it touches behind the store, registry,
// and dispatcher is safe for concurrent use with the session handlers.
type Console struct {
	store      credential.Store
	registry   *registry.Registry
	notifier   *notify.Notifier
	dispatcher *dispatch.Dispatcher
	metrics    *metrics.Metrics
	logger     *slog.Logger

	in       io.Reader
	out      io.Writer
	shutdown context.CancelFunc
	confirm  confirmFunc

	sty styles

	// active is the endpoint of the current command session, empty at
	// the top level.
	active string
}

type styles struct {
	title   lipgloss.Style
	ok      lipgloss.Style
	warn    lipgloss.Style
	fail    lipgloss.Style
	muted   lipgloss.Style
	accent  lipgloss.Style
	session lipgloss.Style
	alert   lipgloss.Style
	block   lipgloss.Style
}

func newStyles() styles {
	return styles{
		title:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("212")),
		ok:      lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		warn:    lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		fail:    lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		muted:   lipgloss.NewStyle().Foreground(lipgloss.Color("241")),
		accent:  lipgloss.NewStyle().Foreground(lipgloss.Color("39")),
		session: lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("170")),
		alert:   lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214")),
		block: lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("241")).
			Padding(0, 1),
	}
}

// New creates a console.
func New(cfg Config) *Console {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NopLogger()
	}
	m := cfg.Metrics
	if m == nil {
		m = metrics.Default()
	}
	in := cfg.In
	if in == nil {
		in = os.Stdin
	}
	out := cfg.Out
	if out == nil {
		out = os.Stdout
	}
	return &Console{
		store:      cfg.Store,
		registry:   cfg.Registry,
		notifier:   cfg.Notifier,
		dispatcher: cfg.Dispatcher,
		metrics:    m,
		logger:     logger,
		in:         in,
		out:        out,
		shutdown:   cfg.Shutdown,
		confirm:    huhConfirm,
		sty:        newStyles(),
	}
}

// Run reads and executes operator commands until the input ends, the
// context is canceled, or the operator exits. Exiting at the top level
// requests coordinator shutdown; end of input leaves the coordinator
// running headless.
func (c *Console) Run(ctx context.Context) error {
	c.printBanner()

	scanner := bufio.NewScanner(c.in)
	for {
		c.drainAlerts()
		fmt.Fprint(c.out, c.prompt())

		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("reading console input: %w", err)
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if c.handleLine(ctx, line) {
			return nil
		}
	}
}

func (c *Console) printBanner() {
	fmt.Fprintln(c.out, c.sty.title.Render("drover operator console"))
	c.mutedf("type 'help' for commands; credential requests appear above the prompt")
	fmt.Fprintln(c.out)
}

// prompt renders the input prompt with the session target and the
// pending-request badge.
func (c *Console) prompt() string {
	name := "drover"
	if c.active != "" {
		name = c.sty.session.Render("[" + c.active + "]")
	}
	if n := c.notifier.PendingCount(); n > 0 {
		return name + " " + c.sty.warn.Render(fmt.Sprintf("(%d pending)", n)) + "> "
	}
	return name + "> "
}

// drainAlerts prints queued credential-request notifications.
func (c *Console) drainAlerts() {
	printed := 0
	for {
		req, ok := c.notifier.TryNext()
		if !ok {
			break
		}
		line := fmt.Sprintf("● credential request from %s (%s)", req.Endpoint, orUnknown(req.Origin))
		fmt.Fprintln(c.out, c.sty.alert.Render(line))
		printed++
	}
	if printed > 0 {
		c.mutedf("approve with 'approve <#|endpoint>', review with 'pending'")
	}
}

// handleLine executes one input line. In session mode plain lines run on
// the remote endpoint and a '!' prefix escapes back to console commands.
// It returns true when the operator asked to shut down.
func (c *Console) handleLine(ctx context.Context, line string) bool {
	if c.active != "" {
		switch line {
		case "back", "q", "exit", "quit":
			c.leaveSession()
			return false
		}
		if rest, ok := strings.CutPrefix(line, "!"); ok {
			rest = strings.TrimSpace(rest)
			if rest == "" {
				c.errorf("empty console command (try '!list')")
				return false
			}
			return c.command(ctx, rest)
		}
		c.runRemote(ctx, line)
		return false
	}
	return c.command(ctx, line)
}

// command executes one top-level console command.
func (c *Console) command(ctx context.Context, line string) bool {
	cmd, arg, _ := strings.Cut(line, " ")
	arg = strings.TrimSpace(arg)

	switch cmd {
	case "help", "?":
		c.printHelp()
	case "exit", "quit":
		c.logger.Info("operator requested shutdown")
		c.warnf("shutting down")
		if c.shutdown != nil {
			c.shutdown()
		}
		return true
	case "back", "q":
		c.errorf("no active session")
	case "list", "sessions":
		c.showOverview(ctx)
	case "pending":
		c.showPending(ctx)
	case "credentials", "tokens":
		c.showCredentials(ctx)
	case "approve":
		if arg == "" {
			c.usage("approve <#|endpoint>")
			break
		}
		c.approve(ctx, arg)
	case "deny":
		if arg == "" {
			c.usage("deny <#|endpoint>")
			break
		}
		c.deny(ctx, arg)
	case "revoke":
		if arg == "" {
			c.usage("revoke <#|endpoint>")
			break
		}
		c.revoke(ctx, arg)
	case "renew":
		if arg == "" {
			c.usage("renew <#|endpoint>")
			break
		}
		c.renew(ctx, arg)
	case "delete":
		if arg == "" {
			c.usage("delete <#|endpoint>")
			break
		}
		c.delete(ctx, arg)
	case "addtoken":
		if arg == "" {
			c.usage("addtoken <endpoint>")
			break
		}
		c.addToken(ctx, arg)
	case "use":
		if arg == "" {
			c.usage("use <#|endpoint>")
			break
		}
		c.use(arg)
	default:
		c.errorf("unknown command %q (type 'help')", cmd)
	}
	return false
}

func (c *Console) printHelp() {
	w := c.out
	fmt.Fprintln(w, c.sty.title.Render("commands"))
	fmt.Fprintln(w, "  list, sessions        overview of endpoints by status")
	fmt.Fprintln(w, "  pending               pending credential requests")
	fmt.Fprintln(w, "  credentials, tokens   every credential on record")
	fmt.Fprintln(w, "  approve <#|endpoint>  approve a pending request")
	fmt.Fprintln(w, "  deny <#|endpoint>     deny a pending request")
	fmt.Fprintln(w, "  revoke <#|endpoint>   revoke an approved credential and kick")
	fmt.Fprintln(w, "  renew <#|endpoint>    re-approve a revoked credential")
	fmt.Fprintln(w, "  delete <#|endpoint>   delete a credential and kick")
	fmt.Fprintln(w, "  addtoken <endpoint>   provision a credential by hand")
	fmt.Fprintln(w, "  use <#|endpoint>      open a command session")
	fmt.Fprintln(w, "  exit, quit            shut the coordinator down")
	fmt.Fprintln(w)
	fmt.Fprintln(w, c.sty.title.Render("in a session"))
	fmt.Fprintln(w, "  <anything>            runs on the endpoint")
	fmt.Fprintln(w, "  !<command>            runs a console command instead")
	fmt.Fprintln(w, "  back, q, exit         leave the session")
	fmt.Fprintln(w)
	c.mutedf("ordinals: approve/deny count the pending list, everything else the connected list")
}

// showOverview prints every endpoint grouped by state.
func (c *Console) showOverview(ctx context.Context) {
	recs, err := c.store.All(ctx)
	if err != nil {
		c.errorf("listing credentials: %v", err)
		return
	}

	entries := c.registry.List()
	online := make(map[string]bool, len(entries))
	for _, e := range entries {
		online[e.Endpoint] = true
	}

	var offline, pending, parked []credential.Record
	for _, rec := range recs {
		switch {
		case rec.Status == credential.StatusApproved && online[rec.Endpoint]:
		case rec.Status == credential.StatusApproved:
			offline = append(offline, rec)
		case rec.Status == credential.StatusPending:
			pending = append(pending, rec)
		default:
			parked = append(parked, rec)
		}
	}
	// Ordinals shown here must match what approve/deny resolve against:
	// the pending list, oldest first.
	sort.Slice(pending, func(i, j int) bool {
		return pending[i].RequestedAt.Before(pending[j].RequestedAt)
	})

	fmt.Fprintln(c.out, c.sty.ok.Render("● connected"))
	if len(entries) == 0 {
		c.mutedf("none")
	} else {
		t := c.newTable("#", "ENDPOINT", "SESSION", "ADDRESS", "CONNECTED")
		for i, e := range entries {
			t.Append([]string{
				strconv.Itoa(i + 1), e.Endpoint, e.SessionID,
				e.RemoteAddr, humanize.Time(e.ConnectedAt),
			})
		}
		t.Render()
	}
	fmt.Fprintln(c.out)

	fmt.Fprintln(c.out, c.sty.accent.Render("● approved, offline"))
	if len(offline) == 0 {
		c.mutedf("none")
	} else {
		t := c.newTable("ENDPOINT", "ORIGIN", "APPROVED")
		for _, rec := range offline {
			t.Append([]string{rec.Endpoint, orUnknown(rec.Origin), timeAgo(rec.ApprovedAt)})
		}
		t.Render()
	}
	fmt.Fprintln(c.out)

	fmt.Fprintln(c.out, c.sty.warn.Render("● pending requests"))
	if len(pending) == 0 {
		c.mutedf("none")
	} else {
		t := c.newTable("#", "ENDPOINT", "ORIGIN", "REQUESTED")
		for i, rec := range pending {
			t.Append([]string{
				strconv.Itoa(i + 1), rec.Endpoint,
				orUnknown(rec.Origin), timeAgo(rec.RequestedAt),
			})
		}
		t.Render()
		c.mutedf("approve <#|endpoint> admits an endpoint")
	}
	fmt.Fprintln(c.out)

	fmt.Fprintln(c.out, c.sty.fail.Render("● revoked / denied"))
	if len(parked) == 0 {
		c.mutedf("none")
	} else {
		t := c.newTable("ENDPOINT", "STATUS", "ORIGIN", "WHEN")
		for _, rec := range parked {
			t.Append([]string{rec.Endpoint, c.statusText(rec.Status), orUnknown(rec.Origin), when(rec)})
		}
		t.Render()
	}
}

// showPending prints the pending requests with their ordinals.
func (c *Console) showPending(ctx context.Context) {
	pending, err := c.store.Pending(ctx)
	if err != nil {
		c.errorf("listing pending requests: %v", err)
		return
	}
	if len(pending) == 0 {
		c.warnf("no pending requests")
		return
	}

	t := c.newTable("#", "ENDPOINT", "ORIGIN", "REQUESTED")
	for i, rec := range pending {
		t.Append([]string{
			strconv.Itoa(i + 1), rec.Endpoint,
			orUnknown(rec.Origin), timeAgo(rec.RequestedAt),
		})
	}
	t.Render()
	c.mutedf("approve <#|endpoint> admits an endpoint, deny <#|endpoint> rejects it")
}

// showCredentials prints every record in the store.
func (c *Console) showCredentials(ctx context.Context) {
	recs, err := c.store.All(ctx)
	if err != nil {
		c.errorf("listing credentials: %v", err)
		return
	}
	if len(recs) == 0 {
		c.warnf("no credentials in the database")
		return
	}

	t := c.newTable("ENDPOINT", "STATUS", "ORIGIN", "WHEN")
	for _, rec := range recs {
		t.Append([]string{rec.Endpoint, c.statusText(rec.Status), orUnknown(rec.Origin), when(rec)})
	}
	t.Render()
}

func (c *Console) approve(ctx context.Context, target string) {
	endpoint := c.resolvePending(ctx, target)

	prior, err := c.store.Lookup(ctx, endpoint)
	if errors.Is(err, credential.ErrNotFound) {
		c.errorf("no credential for %q", endpoint)
		return
	}
	if err != nil {
		c.errorf("approve failed: %v", err)
		return
	}

	rec, err := c.store.Approve(ctx, endpoint)
	switch {
	case errors.Is(err, credential.ErrWrongState):
		c.errorf("credential for %s is %s; approve applies to pending requests", endpoint, prior.Status)
	case err != nil:
		c.errorf("approve failed: %v", err)
	default:
		if prior.Status == credential.StatusPending {
			c.notifier.DecrementPending()
		}
		c.metrics.RecordCredentialOp("approve")
		c.logger.Info("credential approved", logging.KeyEndpoint, endpoint)
		c.okf("approved %s", endpoint)
		c.mutedf("secret %s...", abbrevSecret(rec.Secret))
	}
}

func (c *Console) deny(ctx context.Context, target string) {
	endpoint := c.resolvePending(ctx, target)

	err := c.store.Deny(ctx, endpoint)
	switch {
	case errors.Is(err, credential.ErrNotFound):
		c.errorf("no credential for %q", endpoint)
	case errors.Is(err, credential.ErrWrongState):
		c.errorf("credential for %s is not pending", endpoint)
	case err != nil:
		c.errorf("deny failed: %v", err)
	default:
		c.notifier.DecrementPending()
		c.metrics.RecordCredentialOp("deny")
		c.logger.Info("credential denied", logging.KeyEndpoint, endpoint)
		c.warnf("denied %s", endpoint)
	}
}

func (c *Console) revoke(ctx context.Context, target string) {
	endpoint := c.resolveConnected(target)

	err := c.store.Revoke(ctx, endpoint)
	switch {
	case errors.Is(err, credential.ErrNotFound):
		c.errorf("no credential for %q", endpoint)
	case errors.Is(err, credential.ErrWrongState):
		c.errorf("credential for %s is not approved", endpoint)
	case err != nil:
		c.errorf("revoke failed: %v", err)
	default:
		c.metrics.RecordCredentialOp("revoke")
		c.logger.Info("credential revoked", logging.KeyEndpoint, endpoint)
		c.okf("revoked %s", endpoint)
		c.kick(endpoint, protocol.StatusRevoked)
	}
}

func (c *Console) renew(ctx context.Context, target string) {
	endpoint := c.resolveConnected(target)

	_, err := c.store.Renew(ctx, endpoint)
	switch {
	case errors.Is(err, credential.ErrNotFound):
		c.errorf("no credential for %q", endpoint)
	case errors.Is(err, credential.ErrWrongState):
		c.errorf("credential for %s is not revoked; only revoked credentials can be renewed", endpoint)
	case err != nil:
		c.errorf("renew failed: %v", err)
	default:
		c.metrics.RecordCredentialOp("renew")
		c.logger.Info("credential renewed", logging.KeyEndpoint, endpoint)
		c.okf("renewed %s", endpoint)
		c.mutedf("the endpoint can reconnect with its existing secret")
	}
}

func (c *Console) delete(ctx context.Context, target string) {
	endpoint := c.resolveConnected(target)

	rec, err := c.store.Lookup(ctx, endpoint)
	if errors.Is(err, credential.ErrNotFound) {
		c.errorf("no credential for %q", endpoint)
		return
	}
	if err != nil {
		c.errorf("delete failed: %v", err)
		return
	}

	title := fmt.Sprintf("Delete the credential for %s?", endpoint)
	desc := fmt.Sprintf("Status %s. The endpoint must request a new credential to reconnect.", rec.Status)
	if !c.confirm(title, desc) {
		c.warnf("deletion cancelled")
		return
	}

	c.kick(endpoint, protocol.StatusDeleted)

	if err := c.store.Delete(ctx, endpoint); err != nil {
		c.errorf("delete failed: %v", err)
		return
	}
	if rec.Status == credential.StatusPending {
		c.notifier.DecrementPending()
	}
	c.metrics.RecordCredentialOp("delete")
	c.logger.Info("credential deleted", logging.KeyEndpoint, endpoint)
	c.okf("deleted credential for %s", endpoint)
}

func (c *Console) addToken(ctx context.Context, endpoint string) {
	prior, priorErr := c.store.Lookup(ctx, endpoint)

	rec, err := c.store.AddManual(ctx, endpoint)
	if err != nil {
		c.errorf("addtoken failed: %v", err)
		return
	}
	if priorErr == nil && prior.Status == credential.StatusPending {
		c.notifier.DecrementPending()
	}
	c.metrics.RecordCredentialOp("addtoken")
	c.logger.Info("credential provisioned", logging.KeyEndpoint, endpoint)
	c.okf("credential approved for %s", endpoint)
	fmt.Fprintf(c.out, "  %s\n", rec.Secret)
	c.mutedf("save this secret to the agent's token file; it is not shown again")
}

func (c *Console) use(target string) {
	endpoint := c.resolveConnected(target)

	entry, ok := c.registry.Get(endpoint)
	if !ok {
		c.errorf("endpoint %q is not connected", endpoint)
		return
	}
	if c.active == endpoint {
		c.warnf("already in session with %s", endpoint)
		return
	}
	if c.active != "" {
		c.warnf("closed session with %s", c.active)
	}
	c.active = endpoint
	c.logger.Info("session opened", logging.KeyEndpoint, endpoint, logging.KeySessionID, entry.SessionID)
	c.okf("session opened with %s", endpoint)
	c.mutedf("plain lines run on the endpoint, '!' prefixes console commands, 'back' leaves")
}

func (c *Console) leaveSession() {
	c.logger.Info("session closed", logging.KeyEndpoint, c.active)
	c.warnf("session closed")
	c.active = ""
}

// runRemote dispatches one command line to the active session endpoint.
func (c *Console) runRemote(ctx context.Context, command string) {
	endpoint := c.active
	out, err := c.dispatcher.Run(ctx, endpoint, command)
	if err != nil {
		switch {
		case errors.Is(err, dispatch.ErrNotConnected), errors.Is(err, dispatch.ErrDisconnected):
			c.errorf("%s disconnected", endpoint)
			c.leaveSession()
		case errors.Is(err, dispatch.ErrTimeout):
			c.errorf("timed out waiting for a result; the late reply will be dropped")
		case errors.Is(err, dispatch.ErrBusy):
			c.errorf("a previous command is still running on %s", endpoint)
		default:
			c.errorf("%v", err)
		}
		return
	}
	c.printOutput(out)
}

// printOutput renders a command result in a bordered block, stderr
// flagged below stdout.
func (c *Console) printOutput(out dispatch.Output) {
	stdout := strings.TrimRight(out.Stdout, "\n")
	stderr := strings.TrimRight(out.Stderr, "\n")
	if stdout == "" && stderr == "" {
		c.mutedf("(no output)")
		return
	}

	var b strings.Builder
	if stdout != "" {
		b.WriteString(stdout)
	}
	if stderr != "" {
		if b.Len() > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(c.sty.fail.Render("stderr:"))
		b.WriteByte('\n')
		b.WriteString(stderr)
	}
	fmt.Fprintln(c.out, c.sty.block.Render(b.String()))
}

// kick pushes a terminal status to a connected endpoint and closes its
// transport. Offline endpoints are left alone. Revoking or deleting the
// session target also ends the session.
func (c *Console) kick(endpoint, status string) {
	entry, ok := c.registry.Get(endpoint)
	if !ok {
		return
	}
	entry.Conn.WriteMessage(protocol.EncodeTokenStatus(status, ""))
	entry.Conn.Close()
	c.metrics.RecordKick(status)
	c.logger.Info("endpoint kicked", logging.KeyEndpoint, endpoint, logging.KeyStatus, status)
	c.warnf("kicked %s", endpoint)
	if c.active == endpoint {
		c.leaveSession()
	}
}

// resolvePending maps an ordinal against the pending list, oldest first.
// Anything that is not a valid ordinal passes through as an endpoint id.
func (c *Console) resolvePending(ctx context.Context, target string) string {
	n, ok := ordinal(target)
	if !ok {
		return target
	}
	pending, err := c.store.Pending(ctx)
	if err != nil || n > len(pending) {
		return target
	}
	return pending[n-1].Endpoint
}

// resolveConnected maps an ordinal against the connected list, sorted by
// endpoint id. Anything that is not a valid ordinal passes through as an
// endpoint id.
func (c *Console) resolveConnected(target string) string {
	n, ok := ordinal(target)
	if !ok {
		return target
	}
	entries := c.registry.List()
	if n > len(entries) {
		return target
	}
	return entries[n-1].Endpoint
}

func ordinal(s string) (int, bool) {
	n, err := strconv.Atoi(s)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// newTable builds a borderless left-aligned table on the console output.
func (c *Console) newTable(headers ...string) *tablewriter.Table {
	t := tablewriter.NewWriter(c.out)
	t.SetHeader(headers)
	t.SetAutoWrapText(false)
	t.SetAutoFormatHeaders(false)
	t.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	t.SetAlignment(tablewriter.ALIGN_LEFT)
	t.SetCenterSeparator("")
	t.SetColumnSeparator("")
	t.SetRowSeparator("")
	t.SetHeaderLine(false)
	t.SetBorder(false)
	t.SetTablePadding("  ")
	t.SetNoWhiteSpace(true)
	return t
}

func (c *Console) statusText(s credential.Status) string {
	switch s {
	case credential.StatusApproved:
		return c.sty.ok.Render(s.String())
	case credential.StatusPending:
		return c.sty.warn.Render(s.String())
	default:
		return c.sty.fail.Render(s.String())
	}
}

// when describes a record by its most decisive timestamp.
func when(rec credential.Record) string {
	switch {
	case rec.Status == credential.StatusApproved && !rec.ApprovedAt.IsZero():
		return "approved " + humanize.Time(rec.ApprovedAt)
	case rec.Status == credential.StatusRevoked && !rec.RevokedAt.IsZero():
		return "revoked " + humanize.Time(rec.RevokedAt)
	default:
		return "requested " + humanize.Time(rec.RequestedAt)
	}
}

func timeAgo(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return humanize.Time(t)
}

func orUnknown(s string) string {
	if s == "" {
		return "unknown"
	}
	return s
}

// abbrevSecret shows enough of a secret to recognize it later without
// disclosing it.
func abbrevSecret(secret string) string {
	if len(secret) <= 16 {
		return secret
	}
	return secret[:16]
}

func (c *Console) okf(format string, args ...any) {
	fmt.Fprintln(c.out, c.sty.ok.Render("[+] "+fmt.Sprintf(format, args...)))
}

func (c *Console) warnf(format string, args ...any) {
	fmt.Fprintln(c.out, c.sty.warn.Render("[*] "+fmt.Sprintf(format, args...)))
}

func (c *Console) errorf(format string, args ...any) {
	fmt.Fprintln(c.out, c.sty.fail.Render("[!] "+fmt.Sprintf(format, args...)))
}

func (c *Console) mutedf(format string, args ...any) {
	fmt.Fprintln(c.out, c.sty.muted.Render("    "+fmt.Sprintf(format, args...)))
}

func (c *Console) usage(u string) {
	c.errorf("usage: %s", u)
}

// huhConfirm runs a terminal confirmation form.
func huhConfirm(title, description string) bool {
	confirmed := false
	form := huh.NewForm(huh.NewGroup(
		huh.NewConfirm().
			Title(title).
			Description(description).
			Affirmative("Delete").
			Negative("Cancel").
			Value(&confirmed),
	)).WithTheme(huh.ThemeDracula())
	if err := form.Run(); err != nil {
		return false
	}
	return confirmed
}

// Package main is the entry point for the portal console.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/kocharsoft/portal-console/internal/config"
	"github.com/kocharsoft/portal-console/internal/credentials"
	"github.com/kocharsoft/portal-console/internal/reconcile"
	"github.com/kocharsoft/portal-console/internal/remote"
	"github.com/kocharsoft/portal-console/internal/scheduler"
	"github.com/kocharsoft/portal-console/internal/service"
	"github.com/kocharsoft/portal-console/internal/store"
)

// version is set at build time via -ldflags.
var version = "dev"

const stopTimeout = 10 * time.Second

func main() {
	if len(os.Args) >= 2 {
		switch os.Args[1] {
		case "version", "--version", "-v":
			fmt.Printf("portal-console %s\n", version)
			return
		case "credentials":
			runCredentials(os.Args[2:])
			return
		case "reconcile", "orphans", "token", "schedule", "execute", "jobs", "roles", "users":
			runOp(os.Args[1], os.Args[2:])
			return
		case "run":
			runDaemon(os.Args[2:])
			return
		}
	}

	runDaemon(os.Args[1:])
}

// parseConfig binds the shared configuration flags onto fs and returns
// a finisher that applies env overrides and the portal registry string.
func parseConfig(fs *flag.FlagSet) func() *config.Config {
	cfg := config.Default()

	var portals string
	fs.StringVar(&portals, "portals", "", `Portal registry as JSON, e.g. {"kocharsoft":"10.0.1.5"}`)
	fs.IntVar(&cfg.SSHPort, "ssh-port", cfg.SSHPort, "SSH port for portal hosts")
	fs.StringVar(&cfg.SSHUser, "ssh-user", "", "SSH user for portal hosts")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", "", "Path to the SSH private key")
	fs.DurationVar(&cfg.SSHTimeout, "ssh-timeout", cfg.SSHTimeout, "Timeout for one remote session (dial + command)")
	fs.DurationVar(&cfg.CheckInterval, "check-interval", cfg.CheckInterval, "Scheduler poll interval")
	fs.StringVar(&cfg.DataDir, "data-dir", cfg.DataDir, "Data directory for database and credentials")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "Log level (debug, info, warn, error)")
	fs.StringVar(&cfg.LogFormat, "log-format", cfg.LogFormat, "Log format (text, json)")

	return func() *config.Config {
		if err := cfg.ApplyEnv(); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		if portals != "" {
			parsed, err := config.ParsePortals(portals)
			if err != nil {
				fmt.Fprintln(os.Stderr, err)
				os.Exit(1)
			}
			cfg.Portals = parsed
		}
		return cfg
	}
}

// setupLogger configures the process logger.
func setupLogger(level, format string) *slog.Logger {
	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: logLevel}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	return slog.New(handler)
}

// console bundles the wired components behind every command.
type console struct {
	cfg     *config.Config
	logger  *slog.Logger
	store   *store.Store
	service *service.Service
}

// newConsole wires the store, remote executor, reconciler, and service.
func newConsole(cfg *config.Config) (*console, error) {
	logger := setupLogger(cfg.LogLevel, cfg.LogFormat)

	st, err := store.New(cfg.DataDir)
	if err != nil {
		return nil, fmt.Errorf("initialize store: %w", err)
	}

	remoteCfg := remote.Config{
		Portals: cfg.Portals,
		Port:    cfg.SSHPort,
		User:    cfg.SSHUser,
		KeyPath: cfg.SSHKeyPath,
		Timeout: cfg.SSHTimeout,
	}

	// Stored credentials take precedence over the key file; they carry
	// the decrypted PEM so the daemon never prompts.
	credStore := credentials.NewStore(cfg.DataDir)
	if credStore.Exists() {
		creds, err := credStore.Load()
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("load credentials: %w", err)
		}
		remoteCfg.KeyPEM = creds.PrivateKey
		if remoteCfg.User == "" {
			remoteCfg.User = creds.User
		}
		if creds.Port != 0 {
			remoteCfg.Port = creds.Port
		}
		logger.Info("using stored SSH credentials", "user", remoteCfg.User)
	}

	executor := remote.New(remoteCfg, logger)
	reconciler := reconcile.New(st, logger)
	svc := service.New(st, executor, reconciler, logger)

	return &console{cfg: cfg, logger: logger, store: st, service: svc}, nil
}

// runDaemon runs the scheduler loop until interrupted.
func runDaemon(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	finish := parseConfig(fs)
	fs.Parse(args)
	cfg := finish()

	c, err := newConsole(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer c.store.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		c.logger.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	sched := scheduler.New(c.store, c.service, c.logger, cfg.CheckInterval)
	go sched.Start(ctx)

	c.logger.Info("portal console started",
		"portals", len(cfg.Portals),
		"check_interval", cfg.CheckInterval.String(),
		"version", version,
	)

	<-ctx.Done()
	sched.Stop(stopTimeout)
	c.logger.Info("portal console stopped")
}

// runOp executes one operator command and exits.
func runOp(name string, args []string) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	finish := parseConfig(fs)

	var (
		portal    string
		policy    string
		idsFlag   string
		keepFlag  string
		userID    string
		userName  string
		when      string
		action    string
		rolesFlag string
	)

	switch name {
	case "reconcile", "token", "roles", "users":
		fs.StringVar(&portal, "portal", "", "Portal identifier")
	case "orphans":
		fs.StringVar(&portal, "portal", "", "Portal identifier")
		fs.StringVar(&policy, "policy", "", "Orphan policy (keep_all, delete_all, selective)")
		fs.StringVar(&idsFlag, "ids", "", "Comma-separated orphan account IDs")
		fs.StringVar(&keepFlag, "keep", "", "Comma-separated IDs to keep (selective policy)")
	case "schedule", "execute":
		fs.StringVar(&portal, "portal", "", "Portal identifier")
		fs.StringVar(&userID, "user-id", "", "Target account ID")
		fs.StringVar(&userName, "user-name", "", "Target account name")
		fs.StringVar(&action, "action", "", "Role change action (add, remove)")
		fs.StringVar(&rolesFlag, "roles", "", "Comma-separated roles to add or remove")
		if name == "schedule" {
			fs.StringVar(&when, "time", "", "Execution time (RFC3339)")
		}
	}
	fs.Parse(args)
	cfg := finish()

	c, err := newConsole(cfg)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer c.store.Close()

	ctx := context.Background()

	switch name {
	case "reconcile":
		report, err := c.service.FetchAndReconcile(ctx, portal)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("portal %s: %d added, %d updated, %d orphans\n",
			report.Portal, report.Added, report.Updated, len(report.Orphans))
		for _, o := range report.Orphans {
			fmt.Printf("  orphan: %s (%s)\n", o.Name, o.ID)
		}

	case "orphans":
		count, err := c.service.ResolveOrphans(portal, policy, splitList(idsFlag), splitList(keepFlag))
		if err != nil {
			fatal(err)
		}
		fmt.Printf("%d records resolved\n", count)

	case "token":
		result, err := c.service.IssueJoinToken(ctx, portal)
		if err != nil {
			fatal(err)
		}
		fmt.Printf("invite token: %s\nexpires: %s\n", result.InviteToken, result.Expiry)
		for key, value := range result.JoinCommand.Options {
			fmt.Printf("  --%s=%s\n", key, value)
		}

	case "schedule":
		taskID, err := c.service.ScheduleRoleChange(service.ScheduleRequest{
			UserID:        userID,
			UserName:      userName,
			Portal:        portal,
			ScheduledTime: when,
			Action:        action,
			Roles:         splitList(rolesFlag),
		})
		if err != nil {
			fatal(err)
		}
		fmt.Printf("scheduled task %s\n", taskID)

	case "execute":
		result := c.service.ExecuteRoleChangeNow(ctx, service.ExecuteRequest{
			UserID:   userID,
			UserName: userName,
			Portal:   portal,
			Action:   action,
			Roles:    splitList(rolesFlag),
		})
		if !result.Success {
			fatal(fmt.Errorf("%s", result.Message))
		}
		fmt.Println(result.Message)

	case "jobs":
		tasks, err := c.service.ListScheduledJobs()
		if err != nil {
			fatal(err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tUSER\tPORTAL\tACTION\tROLES\tSCHEDULED\tSTATUS")
		for _, t := range tasks {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				t.ID, t.UserName, t.Portal, t.Action, strings.Join(t.Roles, ","),
				t.ScheduledTime.Format(time.RFC3339), t.Status)
		}
		w.Flush()

	case "roles":
		roles, err := c.service.AvailableRoles(portal)
		if err != nil {
			fatal(err)
		}
		for _, role := range roles {
			fmt.Println(role)
		}

	case "users":
		accounts, err := c.service.Accounts(portal)
		if err != nil {
			fatal(err)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tNAME\tPORTAL\tSTATUS\tROLES\tMANAGER")
		for _, a := range accounts {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
				a.ID, a.Name, a.Portal, a.Status, strings.Join(a.Roles, ","), a.Manager)
		}
		w.Flush()
	}
}

// splitList parses a comma-separated flag value.
func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func fatal(err error) {
	fmt.Fprintln(os.Stderr, err)
	os.Exit(1)
}

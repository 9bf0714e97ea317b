// Package main is the CLI entry point for TrailGuard — a tamper-evident
// audit trail for retail back-office operations.
//
// Every business operation logged through TrailGuard lands in two places:
// a queryable audit log, and an append-only hash chain where each entry's
// hash covers the previous entry's hash. Editing or deleting any chain
// entry breaks every hash after it, so after-the-fact tampering is
// detectable even by an actor with direct database access.
//
// Architecture overview:
//
//	business service --> audit.Service.LogOperation
//	                      |-- redact sensitive payload fields
//	                      |-- compute field-level diff
//	                      |-- write audit log row (queryable)
//	                      +-- append hash-chained immutable copy
//
// CLI commands (cobra):
//
//	trailguard                    - First-run setup
//	trailguard serve [-d]         - Start the forensics server
//	trailguard stop               - Stop the server
//	trailguard status             - Show server status
//	trailguard verify             - Verify hash chain integrity
//	trailguard investigate        - Forensic queries (user/entity/financial/transaction)
//	trailguard tail [-f]          - Show or follow recent entries
//	trailguard export             - Export the audit log
//	trailguard config             - View/edit configuration
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/trailguard/trailguard/internal/audit"
	"github.com/trailguard/trailguard/internal/config"
	"github.com/trailguard/trailguard/internal/forensics"
)

// Build-time variables injected via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123 -X main.buildDate=2026-08-30"
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

// defaultConfigDir returns the path to ~/.trailguard/ where all runtime
// state lives: config.yaml, redaction.yaml, and the audit database.
func defaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fall back to current directory if home dir can't be determined.
		return ".trailguard"
	}
	return filepath.Join(home, ".trailguard")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// ============================================================================
// Root command
// ============================================================================

// configDir is the global flag for the TrailGuard config/state directory.
var configDir string

var rootCmd = &cobra.Command{
	Use:   "trailguard",
	Short: "TrailGuard — tamper-evident audit trail",
	Long: `TrailGuard records every business operation to a queryable audit log
and an append-only hash chain. The chain makes after-the-fact tampering
detectable: each entry's hash covers the previous entry's hash, so
editing or deleting any record breaks every hash after it.

Run 'trailguard serve' to start the forensics server, or run
'trailguard' with no arguments for first-run setup.`,
	Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runFirstTimeSetup(cmd, args)
	},
}

func init() {
	// --config-dir is persistent so all subcommands inherit it.
	rootCmd.PersistentFlags().StringVar(
		&configDir,
		"config-dir",
		defaultConfigDir(),
		"Path to TrailGuard config and state directory",
	)

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(verifyCmd)
	rootCmd.AddCommand(investigateCmd)
	rootCmd.AddCommand(tailCmd)
	rootCmd.AddCommand(exportCmd)
	rootCmd.AddCommand(configCmd)
}

// openService opens the audit service using the loaded config and the
// active redaction policy. Shared by every command that touches the log.
func openService() (*audit.Service, *config.Config, error) {
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}

	policy, err := config.LoadRedaction(filepath.Join(configDir, "redaction.yaml"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load redaction policy: %w", err)
	}

	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create config directory %s: %w", configDir, err)
	}

	svc, err := audit.Open(filepath.Join(configDir, cfg.Storage.Database), audit.Options{
		Policy:       policy,
		RecentWindow: cfg.Verify.RecentWindow,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open audit store: %w", err)
	}
	return svc, cfg, nil
}

// ============================================================================
// trailguard serve — Start the forensics server
// ============================================================================

// daemonMode controls whether the server runs in the background (-d flag).
var daemonMode bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the TrailGuard forensics server",
	Long: `Start the TrailGuard forensics server. It serves the forensic viewer,
the investigation REST API, a WebSocket live feed, and an ingestion
endpoint for out-of-process business services.

By default runs in the foreground. Use -d for daemon/background mode.

The server binds to the address configured in ~/.trailguard/config.yaml
(default: 127.0.0.1:3400):
  - Viewer:  http://127.0.0.1:3400/
  - API:     http://127.0.0.1:3400/api/*
  - Feed:    ws://127.0.0.1:3400/ws`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd, args)
	},
}

func init() {
	serveCmd.Flags().BoolVarP(&daemonMode, "daemon", "d", false, "Run server in daemon/background mode")
}

// runServe wires the whole stack together and blocks until shutdown:
//
//  1. Handle daemon mode (re-exec as background process if -d)
//  2. Load config and the redaction policy
//  3. Open the audit service (log store + hash chain)
//  4. Mount the forensics server and wire the live feed
//  5. Start the redaction.yaml watcher for hot reload
//  6. Write PID file, listen, block until SIGINT/SIGTERM or /shutdown
func runServe(cmd *cobra.Command, args []string) error {
	// When -d is passed and we're NOT the re-exec'd child, spawn a
	// detached child and exit the parent. Go can't fork() safely because
	// the runtime is multi-threaded, so we re-exec with an env marker.
	if daemonMode && os.Getenv("TRAILGUARD_DAEMONIZED") != "1" {
		return spawnDaemon()
	}

	svc, cfg, err := openService()
	if err != nil {
		return err
	}
	defer svc.Close()

	fsrv := forensics.New(forensics.Options{Service: svc})

	// Every logged operation fans out to connected WebSocket clients.
	svc.SetNotify(fsrv.BroadcastEntry)

	// Hot-reload the redaction policy when redaction.yaml changes, so a
	// newly listed sensitive field takes effect without a restart. A
	// broken edit keeps the previous policy active.
	watcher, err := config.NewWatcher(configDir, config.WatchTargets{
		OnRedactionChange: func() {
			policy, loadErr := config.LoadRedaction(filepath.Join(configDir, "redaction.yaml"))
			if loadErr != nil {
				fmt.Fprintf(os.Stderr, "[trailguard] Warning: failed to reload redaction policy: %v\n", loadErr)
				return
			}
			svc.SetPolicy(policy)
			fmt.Println("[trailguard] Redaction policy reloaded")
		},
	})
	if err != nil {
		return fmt.Errorf("failed to start config watcher: %w", err)
	}
	defer watcher.Close()

	// The forensics handler owns "/"; health and shutdown are mounted on
	// the outer mux so they survive even if the viewer is reworked.
	mux := http.NewServeMux()
	mux.Handle("/", fsrv.Handler())

	// Health check endpoint — used by `trailguard status`.
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, `{"status":"ok","version":"%s"}`, version)
	})

	// Shutdown endpoint — used by `trailguard stop`. Cross-platform
	// (works on Windows where SIGTERM is unavailable) and restricted to
	// loopback callers.
	shutdownCh := make(chan struct{}, 1)
	mux.HandleFunc("/shutdown", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "POST only", http.StatusMethodNotAllowed)
			return
		}
		if !isLoopback(r.RemoteAddr) {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, `{"status":"shutting_down"}`)
		select {
		case shutdownCh <- struct{}{}:
		default:
		}
	})

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// The PID file lets `trailguard stop` find the running process.
	pidFile := filepath.Join(configDir, "trailguard.pid")
	if err := writePIDFile(pidFile); err != nil {
		return fmt.Errorf("failed to write PID file: %w", err)
	}
	defer os.Remove(pidFile)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		fmt.Printf("[trailguard] Forensics server listening on http://%s\n", addr)
		if !daemonMode {
			fmt.Println("[trailguard] Press Ctrl+C to stop")
		}
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		fmt.Println("\n[trailguard] Shutting down (signal received)...")
	case <-shutdownCh:
		fmt.Println("[trailguard] Shutting down (stop command received)...")
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return fmt.Errorf("server error: %w", err)
		}
	}

	// Drain in-flight requests before closing the stores.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if shutdownErr := server.Shutdown(shutdownCtx); shutdownErr != nil {
		fmt.Fprintf(os.Stderr, "[trailguard] Shutdown error: %v\n", shutdownErr)
	}

	if n := svc.ChainWriteFailures(); n > 0 {
		fmt.Fprintf(os.Stderr, "[trailguard] Warning: %d chain writes failed this run — run 'trailguard verify'\n", n)
	}

	fmt.Println("[trailguard] Stopped")
	return nil
}

// spawnDaemon re-executes the trailguard binary as a detached background
// process. The parent prints the child PID and exits immediately. The
// child sees TRAILGUARD_DAEMONIZED=1 and runs the server normally.
func spawnDaemon() error {
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	exePath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to find executable path: %w", err)
	}

	logPath := filepath.Join(configDir, "trailguard.log")
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	daemonArgs := []string{"serve"}
	if configDir != defaultConfigDir() {
		daemonArgs = append(daemonArgs, "--config-dir", configDir)
	}

	child := exec.Command(exePath, daemonArgs...)
	child.Stdout = logFile
	child.Stderr = logFile
	child.Env = append(os.Environ(), "TRAILGUARD_DAEMONIZED=1")

	if err := child.Start(); err != nil {
		logFile.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}

	fmt.Printf("[trailguard] Server started in background (PID %d)\n", child.Process.Pid)
	fmt.Printf("[trailguard] Log file: %s\n", logPath)
	fmt.Println("[trailguard] Use 'trailguard stop' to stop the server")

	// Release the child so it survives parent exit.
	if err := child.Process.Release(); err != nil {
		fmt.Fprintf(os.Stderr, "[trailguard] Warning: failed to release child process: %v\n", err)
	}

	logFile.Close()
	return nil
}

func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644)
}

// isLoopback reports whether a remote address is loopback (127.x or ::1).
func isLoopback(remoteAddr string) bool {
	host := remoteAddr
	if idx := strings.LastIndex(remoteAddr, ":"); idx != -1 {
		host = remoteAddr[:idx]
	}
	host = strings.TrimPrefix(host, "[")
	host = strings.TrimSuffix(host, "]")
	return host == "127.0.0.1" || host == "::1" || strings.HasPrefix(host, "127.")
}

// ============================================================================
// trailguard stop — Stop the server
// ============================================================================

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running TrailGuard server",
	Long: `Stop a running TrailGuard server. Tries HTTP shutdown first
(cross-platform), then falls back to PID file + SIGTERM on Unix.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStop(cmd, args)
	},
}

func runStop(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	addr := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)

	// Strategy 1: HTTP shutdown. Primary path, works everywhere.
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(addr+"/shutdown", "application/json", nil)
	if err == nil {
		defer resp.Body.Close()
		if resp.StatusCode == http.StatusOK {
			fmt.Println("[trailguard] Stop signal sent to server")
			os.Remove(filepath.Join(configDir, "trailguard.pid"))
			return nil
		}
	}

	// Strategy 2: PID file + SIGTERM (Unix only).
	if runtime.GOOS == "windows" {
		return fmt.Errorf("server is not responding at %s — cannot stop", addr)
	}

	pidFile := filepath.Join(configDir, "trailguard.pid")
	pidBytes, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("server is not running (no PID file and HTTP unreachable)")
		}
		return fmt.Errorf("failed to read PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(pidBytes)))
	if err != nil {
		return fmt.Errorf("invalid PID in %s: %w", pidFile, err)
	}

	process, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("failed to find process %d: %w", pid, err)
	}

	if err := process.Signal(syscall.SIGTERM); err != nil {
		os.Remove(pidFile)
		return fmt.Errorf("failed to stop server (PID %d): %w", pid, err)
	}

	os.Remove(pidFile)
	fmt.Printf("[trailguard] Sent stop signal to server (PID %d)\n", pid)
	return nil
}

// ============================================================================
// trailguard status — Show server status
// ============================================================================

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show server status and chain health",
	Long: `Display whether the TrailGuard server is running and, when reachable,
the result of a live chain integrity check.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runStatus(cmd, args)
	},
}

func runStatus(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(filepath.Join(configDir, "config.yaml"))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	addr := fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(addr + "/health")
	if err != nil {
		fmt.Println("[trailguard] Status: NOT RUNNING")
		fmt.Printf("[trailguard] Expected at: %s\n", addr)
		return nil
	}
	resp.Body.Close()

	fmt.Println("[trailguard] Status: RUNNING")
	fmt.Printf("[trailguard] Listening on: %s\n", addr)

	// Ask the live server for chain integrity rather than opening the
	// database alongside it.
	verifyResp, err := client.Get(addr + "/api/verify")
	if err != nil {
		fmt.Println("[trailguard] Could not query chain status")
		return nil
	}
	defer verifyResp.Body.Close()

	var result audit.VerifyResult
	if err := json.NewDecoder(verifyResp.Body).Decode(&result); err != nil {
		fmt.Println("[trailguard] Could not parse chain status")
		return nil
	}
	printVerifyResult(&result)
	return nil
}

// ============================================================================
// trailguard verify — Verify hash chain integrity
// ============================================================================

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify hash chain integrity",
	Long: `Walk the entire hash chain in order, recomputing each entry's hash and
checking that it links to its predecessor. Also samples recent audit
entries for a missing immutable copy.

Reports every finding — a single tampered entry does not mask later
breaks. Exits non-zero if any issue is found.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		result, err := svc.VerifyIntegrity()
		if err != nil {
			return fmt.Errorf("verification failed: %w", err)
		}

		printVerifyResult(result)
		if !result.Verified {
			return fmt.Errorf("audit chain integrity violation detected")
		}
		return nil
	},
}

// printVerifyResult renders a verification result for the terminal.
func printVerifyResult(result *audit.VerifyResult) {
	if result.Verified {
		fmt.Printf("[trailguard] Hash chain VALID (%d entries verified)\n", result.TotalLogs)
		return
	}

	fmt.Printf("[trailguard] Hash chain BROKEN — %d issue(s)\n", len(result.Issues))
	for _, issue := range result.Issues {
		fmt.Printf("  seq=%-6d %-14s entry=%s\n    %s\n",
			issue.Seq, issue.Type, issue.EntryID, issue.Detail)
	}
	for _, id := range result.MissingImmutableLogs {
		fmt.Printf("  missing immutable copy for audit entry %s\n", id)
	}
}

// ============================================================================
// trailguard investigate — Forensic queries
// ============================================================================

var investigateCmd = &cobra.Command{
	Use:   "investigate",
	Short: "Forensic queries over the audit log",
	Long: `Answer the questions an investigator actually asks: what did this user
do, what happened to this record, which financial values changed, and
what is the full history of this transaction.`,
}

// investigateSince bounds user/financial investigations to a trailing
// window (e.g. 24h, 168h). Empty means the default window.
var investigateSince string

func init() {
	investigateCmd.AddCommand(investigateUserCmd)
	investigateCmd.AddCommand(investigateEntityCmd)
	investigateCmd.AddCommand(investigateFinancialCmd)
	investigateCmd.AddCommand(investigateTransactionCmd)

	investigateCmd.PersistentFlags().StringVar(&investigateSince, "since", "",
		"Trailing window, e.g. 24h or 720h (default: 30 days)")
}

// sinceRange converts the --since flag into a from/to pair. Zero values
// let the service apply its default trailing window.
func sinceRange() (time.Time, time.Time, error) {
	if investigateSince == "" {
		return time.Time{}, time.Time{}, nil
	}
	d, err := time.ParseDuration(investigateSince)
	if err != nil {
		return time.Time{}, time.Time{}, fmt.Errorf("invalid --since value %q: %w", investigateSince, err)
	}
	now := time.Now()
	return now.Add(-d), now, nil
}

var investigateUserCmd = &cobra.Command{
	Use:   "user <user-id>",
	Short: "Everything one user did",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		from, to, err := sinceRange()
		if err != nil {
			return err
		}

		svc, _, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		entries, err := svc.InvestigateByUser(args[0], from, to)
		if err != nil {
			return fmt.Errorf("investigation failed: %w", err)
		}
		printEntries(entries)
		return nil
	},
}

var investigateEntityCmd = &cobra.Command{
	Use:   "entity <type> <id>",
	Short: "Full history of one record",
	Long: `Show every audit entry touching one record, e.g.:

  trailguard investigate entity product SKU-1042`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		entries, err := svc.InvestigateByEntity(args[0], args[1])
		if err != nil {
			return fmt.Errorf("investigation failed: %w", err)
		}
		printEntries(entries)
		return nil
	},
}

// investigateAccount optionally narrows the financial investigation to
// entries referencing one account code.
var investigateAccount string

var investigateFinancialCmd = &cobra.Command{
	Use:   "financial",
	Short: "Changes to monetary amounts and balances",
	Long: `Show entries whose diff touched an amount or balance field, optionally
narrowed to entries referencing one ledger account:

  trailguard investigate financial --account 4000-SALES --since 168h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		from, to, err := sinceRange()
		if err != nil {
			return err
		}

		svc, _, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		entries, err := svc.InvestigateFinancialChanges(investigateAccount, from, to)
		if err != nil {
			return fmt.Errorf("investigation failed: %w", err)
		}
		printEntries(entries)
		return nil
	},
}

func init() {
	investigateFinancialCmd.Flags().StringVar(&investigateAccount, "account", "",
		"Restrict to entries referencing this account code")
}

var investigateTransactionCmd = &cobra.Command{
	Use:   "transaction <id>",
	Short: "Audit trail of one transaction",
	Long: `Show every entry whose document reference or payload snapshot mentions
the given transaction ID.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		entries, err := svc.TransactionAuditTrail(args[0])
		if err != nil {
			return fmt.Errorf("investigation failed: %w", err)
		}
		printEntries(entries)
		return nil
	},
}

// ============================================================================
// trailguard tail — Show or follow recent entries
// ============================================================================

// tailFollowMode enables real-time following of new entries (-f flag).
var tailFollowMode bool

// tailLimit controls how many recent entries to show.
var tailLimit int

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Show recent audit entries",
	Long:  `Show the most recent audit entries. Use -f to follow in real-time (like tail -f).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		entries, err := svc.Tail(tailLimit)
		if err != nil {
			return fmt.Errorf("failed to read audit log: %w", err)
		}

		// Tail returns newest first; print oldest first like tail(1).
		for i := len(entries) - 1; i >= 0; i-- {
			printEntry(entries[i])
		}

		if tailFollowMode {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			if err := svc.Follow(ctx, printEntry); err != nil && ctx.Err() == nil {
				return err
			}
		}
		return nil
	},
}

func init() {
	tailCmd.Flags().BoolVarP(&tailFollowMode, "follow", "f", false, "Follow new entries in real-time")
	tailCmd.Flags().IntVarP(&tailLimit, "limit", "n", 20, "Number of recent entries to show")
}

// printEntries prints a result set oldest first with a trailing count.
func printEntries(entries []audit.Entry) {
	if len(entries) == 0 {
		fmt.Println("No matching audit entries found.")
		return
	}
	for i := len(entries) - 1; i >= 0; i-- {
		printEntry(entries[i])
	}
	fmt.Printf("\n%d entries found.\n", len(entries))
}

// printEntry formats one audit entry for the terminal.
func printEntry(e audit.Entry) {
	entity := e.EntityType
	if e.EntityID != "" {
		entity += "/" + e.EntityID
	}
	line := fmt.Sprintf("[%s] actor=%-12s action=%-18s entity=%s",
		e.Timestamp.Format(time.RFC3339), e.Actor, e.Action, entity)
	if len(e.Changes) > 0 {
		fields := make([]string, len(e.Changes))
		for i, c := range e.Changes {
			fields[i] = c.Field
		}
		line += " changed=" + strings.Join(fields, ",")
	}
	if e.Reason != "" {
		line += fmt.Sprintf(" reason=%q", e.Reason)
	}
	fmt.Println(line)
}

// ============================================================================
// trailguard export — Export the audit log
// ============================================================================

// exportFormat controls the export output format (csv, json, jsonl).
var exportFormat string

// exportLimit caps how many entries are exported (0 = all).
var exportLimit int

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export the audit log",
	Long: `Export audit entries to stdout in the specified format.
Supported formats: csv, json, jsonl.

Example:
  trailguard export --format csv > audit_export.csv`,
	RunE: func(cmd *cobra.Command, args []string) error {
		svc, _, err := openService()
		if err != nil {
			return err
		}
		defer svc.Close()

		return svc.Export(os.Stdout, exportFormat, exportLimit)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFormat, "format", "jsonl", "Export format: csv, json, jsonl")
	exportCmd.Flags().IntVar(&exportLimit, "limit", 0, "Maximum entries to export (0 = all)")
}

// ============================================================================
// trailguard config — Configuration management
// ============================================================================

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "View and edit configuration",
	Long: `Manage the TrailGuard configuration. The config file lives at
~/.trailguard/config.yaml and defines the server bind address, the
database file, and the integrity check sampling window. The redaction
policy lives alongside it in redaction.yaml.`,
}

func init() {
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configEditCmd)
	configCmd.AddCommand(configInitCmd)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := filepath.Join(configDir, "config.yaml")
		data, err := os.ReadFile(configPath)
		if err != nil {
			if os.IsNotExist(err) {
				fmt.Printf("No config file found at %s\n", configPath)
				fmt.Println("Run 'trailguard' for first-run setup or 'trailguard config init' for defaults.")
				return nil
			}
			return fmt.Errorf("failed to read config: %w", err)
		}
		fmt.Println(string(data))
		return nil
	},
}

var configEditCmd = &cobra.Command{
	Use:   "edit",
	Short: "Open config in editor",
	Long:  `Open the TrailGuard config file in your default editor ($EDITOR or $VISUAL).`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath := filepath.Join(configDir, "config.yaml")

		editor := os.Getenv("EDITOR")
		if editor == "" {
			editor = os.Getenv("VISUAL")
		}
		if editor == "" {
			if runtime.GOOS == "windows" {
				editor = "notepad"
			} else {
				editor = "vi"
			}
		}

		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			if err := os.MkdirAll(configDir, 0o755); err != nil {
				return fmt.Errorf("failed to create config directory: %w", err)
			}
			if err := config.WriteDefault(configPath); err != nil {
				return fmt.Errorf("failed to create default config: %w", err)
			}
		}

		// exec.Command resolves the editor via PATH, which os.StartProcess
		// does not.
		fmt.Printf("[trailguard] Opening %s in %s...\n", configPath, editor)
		editorCmd := exec.Command(editor, configPath)
		editorCmd.Stdin = os.Stdin
		editorCmd.Stdout = os.Stdout
		editorCmd.Stderr = os.Stderr
		return editorCmd.Run()
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write default config files",
	Long:  `Write default config.yaml and redaction.yaml, without overwriting existing files.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := os.MkdirAll(configDir, 0o755); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}

		configPath := filepath.Join(configDir, "config.yaml")
		if _, err := os.Stat(configPath); os.IsNotExist(err) {
			if err := config.WriteDefault(configPath); err != nil {
				return fmt.Errorf("failed to write default config: %w", err)
			}
			fmt.Printf("[trailguard] Wrote %s\n", configPath)
		} else {
			fmt.Printf("[trailguard] %s already exists — skipped\n", configPath)
		}

		redactionPath := filepath.Join(configDir, "redaction.yaml")
		if _, err := os.Stat(redactionPath); os.IsNotExist(err) {
			if err := config.WriteDefaultRedaction(redactionPath); err != nil {
				return fmt.Errorf("failed to write default redaction policy: %w", err)
			}
			fmt.Printf("[trailguard] Wrote %s\n", redactionPath)
		} else {
			fmt.Printf("[trailguard] %s already exists — skipped\n", redactionPath)
		}
		return nil
	},
}

// ============================================================================
// First-run setup
// ============================================================================

// runFirstTimeSetup runs when 'trailguard' is invoked with no subcommand:
//  1. Creates ~/.trailguard/
//  2. Writes default config.yaml and redaction.yaml
//  3. Shows next steps
func runFirstTimeSetup(cmd *cobra.Command, args []string) error {
	fmt.Println("=== TrailGuard — First-Time Setup ===")
	fmt.Println()

	configPath := filepath.Join(configDir, "config.yaml")
	if _, err := os.Stat(configPath); err == nil {
		fmt.Printf("Config already exists at %s\n", configPath)
		fmt.Println("Use 'trailguard serve' to start the forensics server.")
		fmt.Println("Use 'trailguard config edit' to modify the configuration.")
		return nil
	}

	fmt.Printf("Creating config directory: %s\n", configDir)
	if err := os.MkdirAll(configDir, 0o755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	fmt.Println("Writing default config.yaml...")
	if err := config.WriteDefault(configPath); err != nil {
		return fmt.Errorf("failed to write default config: %w", err)
	}

	fmt.Println("Writing default redaction.yaml (built-in sensitive fields active)...")
	if err := config.WriteDefaultRedaction(filepath.Join(configDir, "redaction.yaml")); err != nil {
		return fmt.Errorf("failed to write default redaction policy: %w", err)
	}

	fmt.Println()
	fmt.Println("Setup complete! Next steps:")
	fmt.Println()
	fmt.Println("  1. Start the forensics server:")
	fmt.Println("     trailguard serve")
	fmt.Println()
	fmt.Println("  2. Point your business services at the ingestion endpoint:")
	fmt.Println("     POST http://127.0.0.1:3400/api/log")
	fmt.Println()
	fmt.Println("  3. Open the forensic viewer:")
	fmt.Println("     http://127.0.0.1:3400/")
	fmt.Println()
	return nil
}

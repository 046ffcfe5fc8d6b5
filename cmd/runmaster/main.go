// Copyright (c) 2026 ToeiRei
// Runmaster - secure remote execution for managed hosts
// This source code is licensed under the MIT license found in the LICENSE file.

// main.go sets up the command-line interface (CLI) for the Runmaster
// application using the Cobra library. It defines the root command, the
// shared service wiring (config, store, keystore, executor), and the
// single-target exec/script commands; sibling files add the rest.

package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/spf13/cobra"

	"github.com/toeirei/runmaster/buildvars"
	"github.com/toeirei/runmaster/internal/audit"
	"github.com/toeirei/runmaster/internal/config"
	"github.com/toeirei/runmaster/internal/db"
	"github.com/toeirei/runmaster/internal/executor"
	"github.com/toeirei/runmaster/internal/keystore"
	"github.com/toeirei/runmaster/internal/logging"
	"github.com/toeirei/runmaster/internal/model"
)

var cfgFile string

// remoteExit carries a non-zero remote command exit through to the process
// exit code, the way ssh does.
var remoteExit int

var rootCmd *cobra.Command

func init() {
	rootCmd = newRootCmd()
}

// main is the entry point of the application. Teardown runs after Execute
// so the audit recorder drains before the store closes, whatever happened.
func main() {
	err := rootCmd.Execute()
	teardown()
	if err != nil {
		os.Exit(1)
	}
	os.Exit(remoteExit)
}

// newRootCmd creates and configures a new root cobra command. It is also
// used by tests to create fresh instances for isolated runs.
func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "runmaster",
		Short: "Runmaster is a secure remote execution service for managed hosts.",
		Long: `Runmaster runs commands, scripts and checksum-verified file transfers
against a fixed inventory of managed hosts over SSH. Hosts are verified
against pinned keys, per-host identity keys live encrypted at rest, and
every operation lands in an append-only audit trail.

Start with 'runmaster init', edit the inventory, then pin your first host
with 'runmaster trust-host'.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(
		execCmd,
		scriptCmd,
		uploadCmd,
		downloadCmd,
		healthcheckCmd,
		rotateKeyCmd,
		trustHostCmd,
		auditCmd,
		maintainCmd,
		initCmd,
	)

	cmd.Version = buildvars.VersionOrDefault("dev")

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is runmaster.yaml in the user config dir, /etc/runmaster, or the current directory)")
	cmd.PersistentFlags().String("db-type", "sqlite", "Database type (sqlite, postgres, mysql)")
	cmd.PersistentFlags().String("db-dsn", "./runmaster.db", "Database connection string (DSN)")
	cmd.PersistentFlags().String("hosts", "./hosts.yaml", "Hosts inventory file")
	cmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	cmd.PersistentFlags().String("log-file", "", "Rotating JSON log file (empty logs to stderr only)")

	return cmd
}

// app holds the services commands run against. It is wired once per process
// by setupServices; tests inject their own instance.
type appState struct {
	cfg   *config.Config
	store db.Store
	rec   *audit.Recorder
	kek   *keystore.KEKSource
	keys  *keystore.Manager
	inv   *config.Inventory
	exec  *executor.Executor
}

var app *appState

// setupServices wires configuration, logging, the audit store, the keystore
// and the executor. It is the PreRunE of every command that touches hosts or
// the database; running it twice is a no-op so tests can pre-wire app.
func setupServices(cmd *cobra.Command, args []string) error {
	if app != nil {
		return nil
	}

	cfg, err := loadAppConfig(cmd)
	if err != nil {
		return fmt.Errorf("error loading config: %w", err)
	}

	if err := logging.Init(logging.Config{Level: cfg.Log.Level, File: cfg.Log.File, Console: cfg.Log.Console}); err != nil {
		return err
	}

	store, err := db.NewStoreFromDSN(cfg.Database.Type, cfg.Database.DSN)
	if err != nil {
		return fmt.Errorf("could not open database: %w", err)
	}

	inv, err := config.LoadInventory(cfg.HostsFile)
	if err != nil {
		_ = store.Close()
		return err
	}
	if len(cfg.Policy.AllowedHostIDs) > 0 {
		inv, err = inv.Restrict(cfg.Policy.AllowedHostIDs)
		if err != nil {
			_ = store.Close()
			return err
		}
	}

	kek := keystore.NewKEKSource(cfg.Keystore.KEKEnv)
	keys := keystore.NewManager(cfg.Keystore.Path, kek)
	rec := audit.NewRecorder(store)

	policy := executor.DefaultRetryPolicy()
	policy.MaxAttempts = cfg.Policy.DefaultRetries

	app = &appState{
		cfg:   cfg,
		store: store,
		rec:   rec,
		kek:   kek,
		keys:  keys,
		inv:   inv,
		exec: executor.New(executor.Config{
			Inventory:         inv,
			Keys:              keys,
			HostKeys:          store,
			Audit:             rec,
			Policy:            policy,
			DefaultTimeout:    cfg.Policy.DefaultTimeout,
			ConnectTimeout:    cfg.Policy.ConnectTimeout,
			IdleTTL:           cfg.Policy.IdleTTL,
			InsecureAcceptNew: cfg.InsecureAcceptNew,
		}),
	}
	return nil
}

// loadAppConfig reads the configuration and applies the dashed persistent
// flags on top, so --db-dsn and friends win over file and environment.
func loadAppConfig(cmd *cobra.Command) (*config.Config, error) {
	var explicit *string
	if cfgFile != "" {
		if _, err := os.Stat(cfgFile); err != nil {
			return nil, fmt.Errorf("config file %s not accessible: %w", cfgFile, err)
		}
		explicit = &cfgFile
	}

	cfg, err := config.LoadConfig[config.Config](cmd, config.Defaults(), explicit)
	if err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	overlay := func(name string, dst *string) {
		if f := flags.Lookup(name); f != nil && f.Changed {
			*dst = f.Value.String()
		}
	}
	overlay("db-type", &cfg.Database.Type)
	overlay("db-dsn", &cfg.Database.DSN)
	overlay("hosts", &cfg.HostsFile)
	overlay("log-level", &cfg.Log.Level)
	overlay("log-file", &cfg.Log.File)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// teardown releases everything setupServices wired, draining the audit
// recorder before the store closes. Safe to call when setup never ran.
func teardown() {
	if app != nil {
		if app.exec != nil {
			_ = app.exec.Close()
		}
		if app.rec != nil {
			app.rec.Close()
		}
		if app.store != nil {
			_ = app.store.Close()
		}
		if app.kek != nil {
			app.kek.Clear()
		}
		app = nil
	}
	logging.Sync()
}

// execCmd represents the 'exec' command. It runs a single command on a
// single managed host; remote stdout/stderr pass through, and a non-zero
// remote exit becomes the process exit code.
var execCmd = &cobra.Command{
	Use:   "exec <host-id> -- <command...>",
	Short: "Run a command on a managed host",
	Long: `Runs a command on one host from the inventory and streams its output.
The remote exit code becomes runmaster's exit code, so 'runmaster exec'
drops into scripts the way ssh does. Connection failures are retried under
the configured policy; a non-zero remote exit is a result, not a failure,
and is never retried.

Example:
  runmaster exec vm01 -- systemctl is-active nginx`,
	Args:    cobra.MinimumNArgs(2),
	PreRunE: setupServices,
	RunE: func(cmd *cobra.Command, args []string) error {
		hostID := args[0]
		command := strings.Join(args[1:], " ")
		timeout, _ := cmd.Flags().GetDuration("timeout")
		retries, _ := cmd.Flags().GetInt("retries")

		res, err := app.exec.ExecuteCommand(cmd.Context(), hostID, command, executor.Opts{
			Timeout: timeout,
			Retries: retries,
		})
		if err != nil {
			return err
		}
		printResult(res)
		return nil
	},
}

// scriptCmd represents the 'script' command.
var scriptCmd = &cobra.Command{
	Use:   "script <host-id> <remote-path>",
	Short: "Run a script on a managed host",
	Long: `Runs a script that already exists on the host, or uploads a local file
to the remote path first with --upload. The upload is checksum-verified and
a failed push aborts the whole operation; nothing executes from a partial
script.

Examples:
  runmaster script vm01 /opt/jobs/cleanup.sh
  runmaster script vm01 /opt/jobs/report.py --upload ./report.py --interpreter python3`,
	Args:    cobra.ExactArgs(2),
	PreRunE: setupServices,
	RunE: func(cmd *cobra.Command, args []string) error {
		hostID, remotePath := args[0], args[1]
		timeout, _ := cmd.Flags().GetDuration("timeout")
		retries, _ := cmd.Flags().GetInt("retries")
		interpreter, _ := cmd.Flags().GetString("interpreter")
		localPath, _ := cmd.Flags().GetString("upload")

		res, err := app.exec.ExecuteScript(cmd.Context(), hostID, remotePath, executor.Opts{
			Timeout:     timeout,
			Retries:     retries,
			Interpreter: interpreter,
			UploadFirst: localPath != "",
			LocalPath:   localPath,
		})
		if err != nil {
			return err
		}
		printResult(res)
		return nil
	},
}

func init() {
	execCmd.Flags().Duration("timeout", 0, "Remote command timeout (0 uses the policy default)")
	execCmd.Flags().Int("retries", 0, "Retry budget for connection failures (0 uses the policy default)")

	scriptCmd.Flags().Duration("timeout", 0, "Remote command timeout (0 uses the policy default)")
	scriptCmd.Flags().Int("retries", 0, "Retry budget for connection failures (0 uses the policy default)")
	scriptCmd.Flags().String("interpreter", "", "Interpreter for the script (default sh)")
	scriptCmd.Flags().String("upload", "", "Local script to upload to the remote path before running")
}

// printResult writes the remote output streams through to the local ones
// and remembers a non-zero remote exit for the process exit code.
func printResult(res *model.OperationResult) {
	fmt.Print(res.Stdout)
	fmt.Fprint(os.Stderr, res.Stderr)
	if res.ExitCode != 0 {
		logging.Infof("remote command on %s exited %d", res.HostID, res.ExitCode)
		remoteExit = res.ExitCode
	}
}

// targetHosts resolves command arguments to inventory entries: explicit ids
// must exist and be enabled, no arguments means every enabled host.
func targetHosts(args []string) ([]model.HostEntry, error) {
	if len(args) == 0 {
		return app.inv.Enabled(), nil
	}
	hosts := make([]model.HostEntry, 0, len(args))
	for _, id := range args {
		host, ok := app.inv.Lookup(id)
		if !ok {
			return nil, fmt.Errorf("%s is not in the hosts inventory", id)
		}
		if !host.Enabled {
			return nil, fmt.Errorf("%s is disabled in the hosts inventory", id)
		}
		hosts = append(hosts, host)
	}
	return hosts, nil
}

// parallelTask defines a task executed concurrently across hosts. It holds
// the messaging around the run and the per-host task function.
type parallelTask struct {
	name       string // e.g. "healthcheck", "key rotation"
	successMsg string // format with the host string
	failMsg    string // format with the host string and error
	taskFunc   func(host model.HostEntry) error
}

// runParallelTasks executes a task concurrently for a list of hosts, one
// goroutine per host, printing per-host results as they complete. Per-host
// serialization lives in the executor's pool; this only keeps slow hosts
// from delaying the rest. Returns the number of failed hosts.
func runParallelTasks(hosts []model.HostEntry, task parallelTask) int {
	if len(hosts) == 0 {
		fmt.Printf("No hosts for %s.\n", task.name)
		return 0
	}

	var wg sync.WaitGroup
	results := make(chan string, len(hosts))
	var failed atomic.Int32

	fmt.Printf("🚀 Starting %s for %d host(s)...\n", task.name, len(hosts))

	for _, h := range hosts {
		wg.Add(1)
		go func(host model.HostEntry) {
			defer wg.Done()
			if err := task.taskFunc(host); err != nil {
				failed.Add(1)
				results <- fmt.Sprintf(task.failMsg, host.String(), err)
			} else {
				results <- fmt.Sprintf(task.successMsg, host.String())
			}
		}(h)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	for res := range results {
		fmt.Println(res)
	}
	fmt.Printf("\nFinished %s: %d host(s), %d failed.\n", task.name, len(hosts), failed.Load())
	return int(failed.Load())
}

// promptForConfirmation displays a prompt and reads a line from stdin.
func promptForConfirmation(prompt string) string {
	fmt.Print(prompt)
	reader := bufio.NewReader(os.Stdin)
	answer, _ := reader.ReadString('\n')
	return strings.TrimSpace(strings.ToLower(answer))
}

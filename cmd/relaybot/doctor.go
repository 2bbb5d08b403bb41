package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"

	"relaybot/internal/agent"
	"relaybot/internal/config"
	"relaybot/internal/domain"
	"relaybot/internal/provider"
)

// doctorReport counts check outcomes while printing them.
type doctorReport struct {
	out                    io.Writer
	passed, warned, failed int
}

func (r *doctorReport) pass(check, detail string) {
	fmt.Fprintf(r.out, "  [PASS] %-20s %s\n", check, detail)
	r.passed++
}

func (r *doctorReport) warn(check, detail string) {
	fmt.Fprintf(r.out, "  [WARN] %-20s %s\n", check, detail)
	r.warned++
}

func (r *doctorReport) fail(check, detail string) {
	fmt.Fprintf(r.out, "  [FAIL] %-20s %s\n", check, detail)
	r.failed++
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the relaybot installation",
		Long: `Verifies the configuration, sandbox root, thread database, backend and
channel listeners. Reports pass, warn or fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			r := &doctorReport{out: cmd.OutOrStdout()}
			cfgPath := resolveConfigPath()
			fmt.Fprintf(r.out, "relaybot doctor v%s\n\n", agent.Version)

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Fprintln(r.out, "\nRun 'relaybot init' to create a default configuration.")
				return fmt.Errorf("no config at %s", cfgPath)
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				return fmt.Errorf("1 check(s) failed")
			}
			r.pass("Config validation", "valid")

			checkSandbox(r, cfg.Security.Root)

			if cfg.Memory.Driver == "sqlite" {
				if err := checkDatabase(cfg.Memory.DBPath); err != nil {
					r.fail("Database", err.Error())
				} else {
					r.pass("Database", cfg.Memory.DBPath)
				}
			} else {
				r.warn("Database", "memory driver: threads are lost on exit")
			}

			checkBackends(cmd.Context(), r, cfg)

			listeners := map[string]string{}
			if cfg.Channels.API.Enabled {
				listeners["API listen"] = cfg.Channels.API.Listen
			}
			if cfg.Channels.WebSocket.Enabled {
				listeners["WebSocket listen"] = cfg.Channels.WebSocket.Listen
			}
			if cfg.Metrics.Enabled {
				listeners["Metrics listen"] = cfg.Metrics.Listen
			}
			for name, addr := range listeners {
				if err := checkListen(addr); err != nil {
					r.warn(name, fmt.Sprintf("%s may be in use: %v", addr, err))
				} else {
					r.pass(name, addr+" available")
				}
			}
			if cfg.Channels.API.Enabled && cfg.Channels.API.APIKey == "" {
				r.warn("API key", "the API channel accepts unauthenticated requests")
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Fprintf(r.out, "\nResults: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			return nil
		},
	}
}

func checkSandbox(r *doctorReport, root string) {
	info, err := os.Stat(root)
	switch {
	case err != nil:
		r.fail("Sandbox root", fmt.Sprintf("not found: %s", root))
	case !info.IsDir():
		r.fail("Sandbox root", fmt.Sprintf("not a directory: %s", root))
	default:
		r.pass("Sandbox root", root)
	}
}

// checkBackends builds every configured backend and probes the ones that
// support health checks.
func checkBackends(ctx context.Context, r *doctorReport, cfg *config.Config) {
	factory := provider.NewFactory(provider.PromptConfig{Workspace: cfg.Security.Root}, logger)
	for i, bc := range append([]config.BackendConfig{cfg.Backend}, cfg.Fallbacks...) {
		name := "Backend: " + bc.Provider
		if i > 0 {
			name = fmt.Sprintf("Fallback %d: %s", i, bc.Provider)
		}
		b, err := factory.Build(bc)
		if err != nil {
			r.fail(name, err.Error())
			continue
		}
		hc, ok := b.(domain.HealthChecker)
		if !ok {
			r.pass(name, "configured")
			continue
		}
		probeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err = hc.Healthy(probeCtx)
		cancel()
		if err != nil {
			r.warn(name, fmt.Sprintf("unreachable: %v", err))
		} else {
			r.pass(name, "reachable")
		}
	}
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")
	return nil
}

func checkListen(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return ln.Close()
}

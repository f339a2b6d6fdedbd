/*
main.go - Application entry point

PURPOSE:
  Starts the payroll engine server and hosts the operator commands.
  Handles configuration, dependency wiring, and graceful shutdown.

COMMANDS:
  serve             Run the HTTP API and the background audit sweep
  validate-formula  Parse an expression and list the variables it reads
  verify-audit      Recompute stored audit entries against their snapshots

STARTUP SEQUENCE (serve):
  1. Load configuration (file, then PAYROLL_* environment)
  2. Build the zap logger
  3. Open the SQLite store
  4. Install the embedded fiscal catalog, merged with fiscal.tables_path
  5. Connect Redis when enabled (shared rounding policy cache)
  6. Create the API handler and start the audit sweep
  7. Start the HTTP server with graceful shutdown

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop accepting new connections
  2. Wait for active requests (http.shutdown_timeout)
  3. Stop the audit sweep
  4. Close Redis and the database

EXAMPLES:
  # Run with the defaults (payroll.db, port 8080)
  ./server serve

  # Run in memory with a config file
  PAYROLL_DATABASE_PATH=":memory:" ./server serve --config ./payroll.yaml

  # Check an expression before saving it
  ./server validate-formula "dailySalary * workedDays"

  # Verify every entry of a payroll detail
  ./server verify-audit --detail 6f0c...

SEE ALSO:
  - config/config.go: Configuration keys
  - api/server.go: Router configuration
  - api/handlers.go: HTTP handlers
  - store/sqlite/sqlite.go: Database implementation
*/
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/warp/payroll-engine/api"
	"github.com/warp/payroll-engine/audit"
	"github.com/warp/payroll-engine/config"
	"github.com/warp/payroll-engine/factory"
	"github.com/warp/payroll-engine/formula"
	"github.com/warp/payroll-engine/rounding"
	"github.com/warp/payroll-engine/store/sqlite"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string
	root := &cobra.Command{
		Use:           "server",
		Short:         "Payroll calculation engine",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "", "path to a YAML config file")
	root.AddCommand(
		newServeCmd(&configPath),
		newValidateFormulaCmd(),
		newVerifyAuditCmd(&configPath),
	)
	return root
}

// =============================================================================
// SERVE
// =============================================================================

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			return runServe(cmd.Context(), cfg)
		},
	}
}

func runServe(ctx context.Context, cfg *config.Config) error {
	log, err := cfg.Logger()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync() //nolint:errcheck

	store, err := sqlite.New(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	catalog, err := loadCatalog(cfg.Fiscal.TablesPath)
	if err != nil {
		return err
	}
	if err := catalog.Install(ctx, store); err != nil {
		return fmt.Errorf("install fiscal catalog: %w", err)
	}
	log.Info("fiscal catalog installed",
		zap.Int("tables", len(catalog.Tables)),
		zap.Int("imss_rates", len(catalog.IMSS)),
		zap.Int("values", len(catalog.Values)),
		zap.String("tables_path", cfg.Fiscal.TablesPath))

	policy, err := cfg.RoundingPolicy()
	if err != nil {
		return err
	}

	var cache rounding.Cache
	if cfg.Redis.Enabled {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis %s: %w", cfg.Redis.Addr, err)
		}
		cache = rounding.NewRedisCache(client, cfg.Redis.Prefix)
		log.Info("rounding policy cache on redis", zap.String("addr", cfg.Redis.Addr))
	}

	handler := api.NewHandler(store, catalog.StaticValues(), api.Options{
		Concurrency:   cfg.Payroll.Concurrency,
		Rounding:      policy,
		Cache:         cache,
		SweepInterval: cfg.Payroll.AuditSweepInterval,
	}, log)
	handler.Sweeper.Start()
	defer handler.Sweeper.Stop()

	server := &http.Server{
		Addr:         cfg.HTTP.Addr(),
		Handler:      api.NewRouter(handler, cfg.HTTP.CORSOrigins),
		ReadTimeout:  cfg.HTTP.ReadTimeout,
		WriteTimeout: cfg.HTTP.WriteTimeout,
		IdleTimeout:  cfg.HTTP.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info("server starting", zap.String("addr", server.Addr))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(quit)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case sig := <-quit:
		log.Info("shutting down server", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("server forced to shutdown: %w", err)
	}
	log.Info("server stopped")
	return nil
}

// loadCatalog returns the embedded catalog, merged with the file at path
// when one is given.
func loadCatalog(path string) (*factory.Catalog, error) {
	catalog, err := factory.Defaults()
	if err != nil {
		return nil, fmt.Errorf("load embedded catalog: %w", err)
	}
	if path == "" {
		return catalog, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read fiscal tables %s: %w", path, err)
	}
	extra, err := factory.NewTableFactory().Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse fiscal tables %s: %w", path, err)
	}
	catalog.Merge(extra)
	return catalog, nil
}

// =============================================================================
// VALIDATE-FORMULA
// =============================================================================

func newValidateFormulaCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate-formula EXPRESSION",
		Short: "Parse an expression and list the variables it reads",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			expr := strings.Join(args, " ")
			prog, err := formula.NewEvaluator(rounding.DefaultPolicy.Method).Compile(expr)
			if err != nil {
				var evalErr *formula.EvalError
				if errors.As(err, &evalErr) && evalErr.Pos >= 0 {
					fmt.Fprintln(cmd.ErrOrStderr(), expr)
					fmt.Fprintln(cmd.ErrOrStderr(), strings.Repeat(" ", evalErr.Pos)+"^")
				}
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintln(out, "valid")
			for _, v := range prog.Variables() {
				fmt.Fprintf(out, "  %s\n", v)
			}
			return nil
		},
	}
}

// =============================================================================
// VERIFY-AUDIT
// =============================================================================

func newVerifyAuditCmd(configPath *string) *cobra.Command {
	var entryID, detailID string
	cmd := &cobra.Command{
		Use:   "verify-audit",
		Short: "Recompute audit entries from their snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (entryID == "") == (detailID == "") {
				return errors.New("exactly one of --entry or --detail is required")
			}
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			store, err := sqlite.New(cfg.Database.Path)
			if err != nil {
				return fmt.Errorf("open database: %w", err)
			}
			defer store.Close()

			recorder := audit.NewRecorder(store, zap.NewNop())
			ctx := cmd.Context()

			var reports []audit.IntegrityReport
			if entryID != "" {
				rep, err := recorder.VerifySnapshotIntegrity(ctx, entryID)
				if err != nil {
					return err
				}
				reports = append(reports, rep)
			} else {
				if reports, err = recorder.VerifyDetail(ctx, detailID); err != nil {
					return err
				}
			}

			out := cmd.OutOrStdout()
			invalid := 0
			for _, rep := range reports {
				status := "ok"
				if !rep.Valid {
					status = "INVALID: " + rep.Reason
					invalid++
				}
				fmt.Fprintf(out, "%s %-20s stored=%s recomputed=%s %s\n",
					rep.EntryID, rep.Method, rep.Stored, rep.Recomputed, status)
			}
			if invalid > 0 {
				return fmt.Errorf("%d of %d entries failed verification", invalid, len(reports))
			}
			fmt.Fprintf(out, "%d entries verified\n", len(reports))
			return nil
		},
	}
	cmd.Flags().StringVar(&entryID, "entry", "", "audit entry id")
	cmd.Flags().StringVar(&detailID, "detail", "", "payroll detail id")
	return cmd
}

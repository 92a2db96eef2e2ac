package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/luiz1143/Analisa-vet/internal/config"
	"github.com/luiz1143/Analisa-vet/internal/domain/refrange"
	"github.com/luiz1143/Analisa-vet/internal/platform/db"
	"github.com/luiz1143/Analisa-vet/internal/platform/metrics"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "analisavet",
		Short:        "Veterinary lab exam analysis API",
		SilenceUsage: true,
	}
	root.AddCommand(serveCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(ordersCmd())
	root.AddCommand(eventsCmd())
	root.AddCommand(rangesCmd())
	return root
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return cfg, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
}

func runServer() error {
	logger := newLogger(os.Getenv("ENV"))

	cfg, err := loadConfig()
	if err != nil {
		logger.Error().Err(err).Msg("failed to load config")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}
	defer a.Close()

	metrics.Register()
	e := a.newServer()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := ":" + cfg.Port
		logger.Info().Str("addr", addr).Str("store", cfg.StoreDriver).Msg("starting server")
		if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		// SIGHUP reloads the reference range table in place.
		hup := make(chan os.Signal, 1)
		signal.Notify(hup, syscall.SIGHUP)
		defer signal.Stop(hup)
		for {
			select {
			case <-gctx.Done():
				return nil
			case <-hup:
				if err := a.ranges.Reload(); err != nil {
					logger.Error().Err(err).Msg("reload reference ranges")
				}
			}
		}
	})
	if cfg.OrderSweepInterval > 0 {
		g.Go(func() error {
			return a.sweepOrders(gctx, cfg.OrderSweepInterval, cfg.OrderExpireAfter)
		})
	}

	if err := g.Wait(); err != nil {
		logger.Error().Err(err).Msg("server stopped with error")
		return err
	}
	logger.Info().Msg("server stopped")
	return nil
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			var count int
			switch cfg.StoreDriver {
			case "postgres":
				pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
				if err != nil {
					return err
				}
				defer pool.Close()
				count, err = db.NewMigrator(pool, db.PostgresMigrations()).Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
			case "sqlite":
				sqlDB, err := db.OpenSQLite(ctx, cfg.SQLitePath)
				if err != nil {
					return err
				}
				defer sqlDB.Close()
				count, err = db.MigrateSQLite(ctx, sqlDB, db.SQLiteMigrations())
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
			default:
				return fmt.Errorf("store driver %q has no migrations", cfg.StoreDriver)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status (postgres)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if cfg.StoreDriver != "postgres" {
				return fmt.Errorf("migrate status needs STORE_DRIVER=postgres, got %q", cfg.StoreDriver)
			}
			ctx := cmd.Context()
			pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
			if err != nil {
				return err
			}
			defer pool.Close()

			statuses, err := db.NewMigrator(pool, db.PostgresMigrations()).Status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
			fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
			for _, s := range statuses {
				status := "pending"
				appliedAt := ""
				if s.Applied {
					status = "applied"
					if s.AppliedAt != nil {
						appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
					}
				}
				fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
			}
			return nil
		},
	})

	return cmd
}

func ordersCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "Manage payment orders",
	}

	expireCmd := &cobra.Command{
		Use:   "expire",
		Short: "Expire open orders idle for longer than --older-than",
		RunE: func(cmd *cobra.Command, args []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			limit, _ := cmd.Flags().GetInt("limit")
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, newLogger(cfg.Env))
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.payments.ExpireStale(cmd.Context(), olderThan, limit)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Expired %d order(s).\n", n)
			return nil
		},
	}
	expireCmd.Flags().Duration("older-than", 24*time.Hour, "Expire orders not updated within this duration")
	expireCmd.Flags().Int("limit", 500, "Maximum orders to expire in one run")
	cmd.AddCommand(expireCmd)

	return cmd
}

func eventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Inspect the webhook event log",
	}

	parkedCmd := &cobra.Command{
		Use:   "parked",
		Short: "List events parked for operator review",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			offset, _ := cmd.Flags().GetInt("offset")

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			a, err := newApp(cmd.Context(), cfg, newLogger(cfg.Env))
			if err != nil {
				return err
			}
			defer a.Close()

			events, total, err := a.payments.ListParked(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "EVENT\tKIND\tORDER\tRECEIVED\tDETAIL")
			for _, ev := range events {
				order := "-"
				if ev.OrderID != uuid.Nil {
					order = ev.OrderID.String()
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
					ev.ID, ev.Kind, order, ev.ReceivedAt.Format(time.RFC3339), ev.Detail)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d of %d parked event(s)\n", len(events), total)
			return nil
		},
	}
	parkedCmd.Flags().Int("limit", 50, "Maximum events to list")
	parkedCmd.Flags().Int("offset", 0, "Events to skip")
	cmd.AddCommand(parkedCmd)

	return cmd
}

func rangesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ranges",
		Short: "Inspect reference range tables",
	}

	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Print the reference ranges for a species",
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, _ := cmd.Flags().GetString("species")
			file, _ := cmd.Flags().GetString("file")
			if file == "" {
				file = os.Getenv("REFERENCE_RANGES_FILE")
			}
			return showRanges(cmd, file, raw)
		},
	}
	showCmd.Flags().String("species", "", "Species name, e.g. canine, gato")
	showCmd.Flags().String("file", "", "YAML table to read instead of REFERENCE_RANGES_FILE")
	_ = showCmd.MarkFlagRequired("species")
	cmd.AddCommand(showCmd)

	return cmd
}

func showRanges(cmd *cobra.Command, file, rawSpecies string) error {
	snap := refrange.Default()
	if file != "" {
		var err error
		if snap, err = refrange.LoadFile(file); err != nil {
			return err
		}
	}
	species, ok := snap.Species(rawSpecies)
	if !ok {
		return fmt.Errorf("unknown species %q (known: %v)", rawSpecies, snap.SpeciesList())
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Reference ranges for %s (table %s)\n", species, snap.Version())
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "CODE\tNAME\tPANEL\tREFERENCE")
	for _, r := range snap.List(species) {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Code, r.Name, r.Panel, r.Format())
	}
	return w.Flush()
}

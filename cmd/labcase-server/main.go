package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/labcase/labcase/internal/domain/labresult"
	"github.com/labcase/labcase/internal/platform/db"
	"github.com/labcase/labcase/internal/platform/events"
	"github.com/labcase/labcase/migrations"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "labcase-server",
		Short: "Lab result case intake and notification service",
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(ingestCmd())
	rootCmd.AddCommand(sweepCmd())
	rootCmd.AddCommand(rescanCmd())
	rootCmd.AddCommand(consumeCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server with the notification sweep and rescan loops",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServer()
		},
	}
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
			dir, _ := cmd.Flags().GetString("dir")
			return withMigrator(dir, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Printf("Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			dir, _ := cmd.Flags().GetString("dir")
			return withMigrator(dir, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				fmt.Printf("%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
				for _, s := range statuses {
					status, appliedAt := "pending", ""
					if s.Applied {
						status = "applied"
						if s.AppliedAt != nil {
							appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
						}
					}
					fmt.Printf("%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
				}
				return nil
			})
		},
	})

	cmd.PersistentFlags().String("dir", "", "Read migrations from this directory instead of the embedded set")
	return cmd
}

func withMigrator(dir string, fn func(ctx context.Context, m *db.Migrator) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if !cfg.UsesPostgres() {
		return errors.New("migrations require STORE=postgres")
	}

	ctx := context.Background()
	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{MaxConns: cfg.DBMaxConns, MinConns: cfg.DBMinConns})
	if err != nil {
		return err
	}
	defer pool.Close()

	var fsys fs.FS = migrations.FS
	if dir != "" {
		fsys = os.DirFS(dir)
	}
	return fn(ctx, db.NewMigrator(pool, fsys))
}

// withApp loads config, wires the app and runs fn with a context that is
// cancelled on SIGINT or SIGTERM.
func withApp(fn func(ctx context.Context, a *app) error) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		logger.Error().Err(err).Msg("failed to load config")
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := newApp(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("failed to start")
		return err
	}
	defer a.Close()

	return fn(ctx, a)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest a lab payload from a file (use - for stdin)",
		RunE: func(cmd *cobra.Command, args []string) error {
			labFlag, _ := cmd.Flags().GetString("lab")
			file, _ := cmd.Flags().GetString("file")
			account, _ := cmd.Flags().GetString("account")
			product, _ := cmd.Flags().GetString("product")

			lab, err := labresult.ParseLab(labFlag)
			if err != nil {
				return err
			}
			payload, err := readPayload(file)
			if err != nil {
				return err
			}

			in := labresult.Intake{AccountID: account, Source: "cli", ReceivedAt: time.Now().UTC()}
			if product != "" {
				in.ProductID = &product
			}

			return withApp(func(ctx context.Context, a *app) error {
				report, err := a.proc.Ingest(ctx, lab, payload, in)
				if report != nil {
					if perr := printJSON(report); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().String("lab", "", "Lab integration (crelio or spotdx)")
	cmd.Flags().String("file", "", "Payload file, or - for stdin")
	cmd.Flags().String("account", "", "Account id; defaults to the lab's configured account")
	cmd.Flags().String("product", "", "Product id for account settings lookup")
	_ = cmd.MarkFlagRequired("lab")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func readPayload(file string) ([]byte, error) {
	if file == "-" {
		return io.ReadAll(os.Stdin)
	}
	b, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("read payload: %w", err)
	}
	return b, nil
}

func sweepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Run one notification sweep over flagged cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				return printJSON(a.sched.Sweep(ctx))
			})
		},
	}
}

func rescanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rescan",
		Short: "Process stored results still flagged needs_processing",
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			return withApp(func(ctx context.Context, a *app) error {
				report, err := a.proc.Rescan(ctx, limit)
				if report != nil {
					if perr := printJSON(report); perr != nil {
						return perr
					}
				}
				return err
			})
		},
	}
	cmd.Flags().Int("limit", rescanBatchSize, "Maximum results to process (0 or less uses the default)")
	return cmd
}

func consumeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "consume",
		Short: "Consume lab result messages from Kafka",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(func(ctx context.Context, a *app) error {
				if len(a.cfg.KafkaBrokers) == 0 {
					return errors.New("KAFKA_BROKERS is required")
				}
				return a.consume(ctx)
			})
		},
	}
}

func (a *app) consume(ctx context.Context) error {
	reader := events.NewReader(a.cfg.KafkaBrokers, a.cfg.KafkaTopic, a.cfg.KafkaGroupID)
	defer reader.Close()
	a.logger.Info().Strs("brokers", a.cfg.KafkaBrokers).Str("topic", a.cfg.KafkaTopic).Msg("consuming lab results")
	return events.NewConsumer(reader, a.proc, a.logger).Run(ctx)
}

func runServer() error {
	return withApp(func(ctx context.Context, a *app) error {
		go a.sched.Start(ctx)
		go a.proc.StartRescan(ctx, a.cfg.RescanInterval, rescanBatchSize)
		if len(a.cfg.KafkaBrokers) > 0 {
			go func() {
				if err := a.consume(ctx); err != nil {
					a.logger.Error().Err(err).Msg("kafka consumer stopped")
				}
			}()
		}

		e := a.server()
		errCh := make(chan error, 1)
		go func() {
			addr := ":" + a.cfg.Port
			a.logger.Info().Str("addr", addr).Str("store", a.cfg.Store).Msg("starting server")
			if err := e.Start(addr); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
		}()

		select {
		case err := <-errCh:
			return fmt.Errorf("server failed: %w", err)
		case <-ctx.Done():
		}

		a.logger.Info().Msg("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return e.Shutdown(shutdownCtx)
	})
}

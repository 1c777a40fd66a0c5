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
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"rentintel/server/config"
	"rentintel/server/internal/api"
	"rentintel/server/internal/models"
	"rentintel/server/internal/scheduler"
)

func main() {
	if err := rootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "rentintel",
		Short:         "Rental listing collection and price tracking",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.AddCommand(serveCmd(), collectCmd(), ingestCmd(), maintainCmd())
	return cmd
}

// setup loads configuration and wires the shared components.
func setup(ctx context.Context) (*app, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	logger := newLogger(cfg.Log.Level)
	return newApp(ctx, cfg, logger)
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API with scheduled maintenance and collection",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			var collection api.CollectionRunner
			p, err := a.newPipeline()
			if err != nil {
				a.logger.WithError(err).Warn("Collection disabled")
			} else {
				p.processor.Start()
				defer p.Close()
				defer func() {
					p.runner.Cancel()
					p.runner.Wait()
				}()
				collection = p.runner
			}

			sched := scheduler.NewScheduler(a.logger)
			if err := sched.AddJob(scheduler.JobTypeMaintenance, a.cfg.Schedule.MaintenanceCron, func(ctx context.Context) error {
				report := a.maintenance.RunMaintenance(ctx)
				if report.Status == models.RunStatusFailed {
					return fmt.Errorf("maintenance failed with %d errors", len(report.Errors))
				}
				return nil
			}); err != nil {
				return err
			}
			if p != nil {
				if err := sched.AddJob(scheduler.JobTypeCollection, a.cfg.Schedule.CollectionCron, func(ctx context.Context) error {
					_, err := p.runner.Run(ctx, nil)
					return err
				}); err != nil {
					return err
				}
			}
			sched.Start()
			defer sched.Stop()

			if !a.logger.IsLevelEnabled(logrus.DebugLevel) {
				gin.SetMode(gin.ReleaseMode)
			}
			router := api.NewRouter(a.cfg.Server.AllowedOrigins, a.logger)
			handler := api.NewHandler(a.store, a.engine, a.maintenance, collection, a.logger)
			api.SetupRoutes(router, handler, a.registry)

			srv := &http.Server{
				Addr:              ":" + a.cfg.Server.Port,
				Handler:           router,
				ReadHeaderTimeout: 10 * time.Second,
			}

			errCh := make(chan error, 1)
			go func() {
				a.logger.Infof("Starting server on port %s", a.cfg.Server.Port)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return fmt.Errorf("server failed: %w", err)
				}
			case <-ctx.Done():
				a.logger.Info("Shutting down")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()
			return srv.Shutdown(shutdownCtx)
		},
	}
}

func collectCmd() *cobra.Command {
	var regions string

	cmd := &cobra.Command{
		Use:   "collect",
		Short: "Collect listings once and ingest them",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.Close()

			p, err := a.newPipeline()
			if err != nil {
				return err
			}
			p.processor.Start()

			var codes []string
			if regions != "" {
				codes = strings.Split(regions, ",")
			}
			res, err := p.runner.Run(ctx, codes)
			p.Close()
			if err != nil {
				return err
			}

			return printJSON(struct {
				Collection interface{} `json:"collection"`
				Ingestion  interface{} `json:"ingestion"`
			}{res, p.processor.Stats()})
		},
	}

	cmd.Flags().StringVar(&regions, "regions", "", "Comma-separated region codes (default: all)")
	return cmd
}

func ingestCmd() *cobra.Command {
	var (
		source string
		file   string
	)

	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Ingest a JSON file of listings as one batch",
		RunE: func(cmd *cobra.Command, args []string) error {
			listings, err := loadListings(file)
			if err != nil {
				return err
			}

			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			report := a.engine.RunIngestion(cmd.Context(), source, listings)
			if err := printJSON(report); err != nil {
				return err
			}
			if report.Status == models.RunStatusFailed {
				return fmt.Errorf("ingestion run failed")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&source, "source", "", "Source platform of the listings")
	cmd.Flags().StringVar(&file, "file", "", "Path to a JSON listings file")
	_ = cmd.MarkFlagRequired("source")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func maintainCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "maintain",
		Short: "Mark stale listings inactive and refresh area metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := setup(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			report := a.maintenance.RunMaintenance(cmd.Context())
			if err := printJSON(report); err != nil {
				return err
			}
			if report.Status == models.RunStatusFailed {
				return fmt.Errorf("maintenance failed")
			}
			return nil
		},
	}
}

// cmd/server/main.go
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/miasma-console/internal/config"
	"github.com/unclebandit/miasma-console/internal/db"
	"github.com/unclebandit/miasma-console/internal/engine"
	"github.com/unclebandit/miasma-console/internal/handler"
	"github.com/unclebandit/miasma-console/internal/logging"
	"github.com/unclebandit/miasma-console/internal/model"
	"github.com/unclebandit/miasma-console/internal/queue"
	"github.com/unclebandit/miasma-console/internal/repository"
)

type repos struct {
	campaigns   repository.CampaignRepositoryInterface
	submissions repository.SubmissionRepositoryInterface
	snapshots   repository.SnapshotRepositoryInterface
	close       func()
}

func openRepos(ctx context.Context, cfg *config.Config, memory bool, logger *zap.Logger) (*repos, error) {
	if memory {
		logger.Info("using in-memory store")
		mem := repository.NewMemory()
		return &repos{mem.Campaigns(), mem.Submissions(), mem.Snapshots(), func() {}}, nil
	}
	conn, err := db.Open(ctx, cfg.DatabaseURL(), logger)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(ctx, conn); err != nil {
		conn.Close()
		return nil, err
	}
	return &repos{
		campaigns:   &repository.CampaignRepository{DB: conn},
		submissions: &repository.SubmissionRepository{DB: conn},
		snapshots:   &repository.SnapshotRepository{DB: conn},
		close:       func() { conn.Close() },
	}, nil
}

func run(cfg *config.Config, memory bool, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	r, err := openRepos(ctx, cfg, memory, logger)
	if err != nil {
		return err
	}
	defer r.close()

	q := queue.NewInMemoryQueue(queue.Options{Logger: logger})
	defer q.Close()

	eng := engine.New(r.campaigns, r.submissions, r.snapshots, q, engine.Config{
		SuccessRate:   cfg.EngineSuccessRate,
		BaselineScore: cfg.EngineBaselineScore,
		StepDelay:     cfg.EngineStepDelay,
		Sites:         cfg.DefaultSites,
		Seed:          uint64(time.Now().UnixNano()),
	}, logger)
	if cfg.AMQPURL != "" {
		pub, err := queue.NewProgressPublisher(cfg.AMQPURL, cfg.ProgressQueue, logger)
		if err != nil {
			return err
		}
		defer pub.Close()
		eng.Progress = pub
		logger.Info("publishing progress events", zap.String("queue", cfg.ProgressQueue))
	}
	if err := eng.Start(); err != nil {
		return err
	}
	if err := resumeRunning(ctx, r.campaigns, eng, logger); err != nil {
		return err
	}

	h := &handler.CampaignHandler{
		Campaigns:   r.campaigns,
		Submissions: r.submissions,
		Snapshots:   r.snapshots,
		Engine:      eng,
		Token:       cfg.APIToken,
		Logger:      logger,
	}
	router := chi.NewRouter()
	router.Mount("/api/v1", h.Routes())
	srv := &http.Server{Addr: cfg.ServerAddr, Handler: router, ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("dev server listening", zap.String("addr", cfg.ServerAddr))
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// resumeRunning hands campaigns left running by a previous process back to
// the engine.
func resumeRunning(ctx context.Context, campaigns repository.CampaignRepositoryInterface, eng *engine.Engine, logger *zap.Logger) error {
	running, _, err := campaigns.ListCampaigns(ctx, 0, 1000, model.CampaignRunning)
	if err != nil {
		return fmt.Errorf("listing running campaigns: %w", err)
	}
	for _, c := range running {
		if err := eng.Enqueue(c.ID); err != nil {
			return err
		}
		logger.Info("resuming campaign", zap.Int("campaign_id", c.ID))
	}
	return nil
}

func main() {
	var (
		configFile string
		debug      bool
		memory     bool
	)
	rootCmd := &cobra.Command{
		Use:   "miasma-server",
		Short: "Local stand-in for the campaign backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger, err := logging.New(cfg.LogLevel, debug || cfg.Debug)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return run(cfg, memory, logger)
		},
		SilenceUsage: true,
	}
	rootCmd.Flags().StringVar(&configFile, "config", "", "path to config file")
	rootCmd.Flags().BoolVarP(&debug, "debug", "D", false, "enable debug logging")
	rootCmd.Flags().BoolVar(&memory, "memory", false, "keep data in memory instead of Postgres")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

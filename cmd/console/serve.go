package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/unclebandit/miasma-console/internal/controller"
	"github.com/unclebandit/miasma-console/internal/model"
	"github.com/unclebandit/miasma-console/internal/queue"
	"github.com/unclebandit/miasma-console/internal/service"
)

func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the console API",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context(), sessionFrom(cmd.Context()))
		},
	}
}

func serve(ctx context.Context, s *session) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	remote, err := s.client()
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	svc := service.New(remote, service.Options{
		CampaignInterval:   s.cfg.CampaignPollInterval,
		SubmissionInterval: s.cfg.SubmissionPollInterval,
		ListInterval:       s.cfg.ListPollInterval,
		RequestTimeout:     s.cfg.RequestTimeout,
		Logger:             s.logger,
		PromRegistry:       reg,
	})
	defer svc.Close()

	ctrl := &controller.CampaignController{CampaignService: svc, Gatherer: reg, Logger: s.logger}
	srv := &http.Server{Addr: s.cfg.ConsoleAddr, Handler: ctrl.Routes(), ReadHeaderTimeout: 10 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	if s.cfg.AMQPURL != "" {
		consumer, err := queue.NewProgressConsumer(s.cfg.AMQPURL, s.cfg.ProgressQueue,
			func(ctx context.Context, ev model.ProgressEvent) error {
				svc.ApplyProgress(ev)
				return nil
			}, s.logger)
		if err != nil {
			return err
		}
		defer consumer.Close()
		g.Go(func() error { return consumer.Run(gctx) })
	}
	g.Go(func() error {
		s.logger.Info("console listening",
			zap.String("addr", s.cfg.ConsoleAddr),
			zap.String("api", s.cfg.APIBaseURL),
		)
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

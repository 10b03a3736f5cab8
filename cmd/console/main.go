// cmd/console/main.go
package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/unclebandit/miasma-console/internal/client"
	"github.com/unclebandit/miasma-console/internal/config"
	"github.com/unclebandit/miasma-console/internal/logging"
)

const programName = "miasma-console"

type globalFlags struct {
	debug      bool
	configFile string
}

type ctxKey struct{}

type session struct {
	cfg    *config.Config
	logger *zap.Logger
}

func sessionFrom(ctx context.Context) *session {
	return ctx.Value(ctxKey{}).(*session)
}

func (s *session) client() (*client.Client, error) {
	return client.New(
		client.Session{BaseURL: s.cfg.APIBaseURL, Token: s.cfg.APIToken},
		client.WithLogger(s.logger),
		client.WithTimeout(s.cfg.RequestTimeout),
	)
}

func main() {
	var flags globalFlags

	rootCmd := &cobra.Command{
		Use:   programName,
		Short: "Operator console for miasma campaigns",
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			logger, err := logging.New(cfg.LogLevel, flags.debug || cfg.Debug)
			if err != nil {
				return err
			}
			cmd.SetContext(context.WithValue(cmd.Context(), ctxKey{}, &session{cfg: cfg, logger: logger}))
			return nil
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if s, ok := cmd.Context().Value(ctxKey{}).(*session); ok {
				_ = s.logger.Sync()
			}
		},
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().BoolVarP(&flags.debug, "debug", "D", false, "enable debug logging")
	rootCmd.PersistentFlags().StringVar(&flags.configFile, "config", "", "path to config file")

	rootCmd.AddCommand(
		serveCommand(),
		watchCommand(),
		commandCommand(),
	)

	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

package main

import (
	"fmt"
	"time"

	"github.com/DoyleJ11/tabletop-backend/internal/config"
	"github.com/DoyleJ11/tabletop-backend/internal/logging"
	"github.com/DoyleJ11/tabletop-backend/internal/storage"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

func newRootCmd() *cobra.Command {
	var envFiles []string

	rootCmd := &cobra.Command{
		Use:           "tabletop",
		Short:         "Real-time session server for a virtual tabletop",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	rootCmd.PersistentFlags().StringSliceVar(&envFiles, "env-file", []string{".env"}, "dotenv files to read before the environment")

	rootCmd.AddCommand(
		newServeCmd(&envFiles),
		newCleanupCmd(&envFiles),
	)
	return rootCmd
}

// deps are the pieces both commands need.
type deps struct {
	cfg config.Config
	log *zap.Logger
	db  *storage.DB
	now func() time.Time
}

func openDeps(envFiles []string) (*deps, error) {
	cfg, err := config.Load(envFiles...)
	if err != nil {
		return nil, err
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogDevelopment)
	if err != nil {
		return nil, err
	}
	db, err := storage.Open(cfg.DatabaseDriver, cfg.DatabaseURL, log)
	if err != nil {
		_ = log.Sync()
		return nil, fmt.Errorf("open database: %w", err)
	}
	return &deps{cfg: cfg, log: log, db: db, now: time.Now}, nil
}

func (d *deps) Close() error {
	// Sync reports EINVAL on terminals.
	_ = d.log.Sync()
	return d.db.Close()
}

func closeAll(closers ...func() error) error {
	var err error
	for _, c := range closers {
		err = multierr.Append(err, c())
	}
	return err
}

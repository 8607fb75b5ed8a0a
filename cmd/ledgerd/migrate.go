package main

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newMigrateCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or upgrade the store schema and indexes",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := loadRuntime(cmd.Context(), root)
			if err != nil {
				return err
			}
			defer func() {
				_ = rt.store.Close()
				_ = rt.logger.Sync()
			}()

			if err := rt.store.Migrate(cmd.Context()); err != nil {
				return err
			}
			rt.logger.Info("migrations applied", zap.String("driver", rt.cfg.Store.Driver))
			return nil
		},
	}
}

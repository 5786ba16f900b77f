package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/BaSui01/dataforge/cache"
)

// newCacheCmd creates the cache command group.
func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and manage the content-addressed cache",
	}
	cmd.AddCommand(newCacheClearCmd())
	cmd.AddCommand(newCacheLsCmd())
	return cmd
}

// newCacheClearCmd creates the cache clear command.
func newCacheClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every cache entry and its stored output",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, logger, err := openRegistry(cmd)
			if err != nil {
				return err
			}
			defer registry.Close()
			defer logger.Sync()

			n, err := registry.Clear(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("removed %d cache entries\n", n)
			return nil
		},
	}
}

// newCacheLsCmd creates the cache ls command.
func newCacheLsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ls",
		Short: "Print the number of cache entries",
		RunE: func(cmd *cobra.Command, args []string) error {
			registry, logger, err := openRegistry(cmd)
			if err != nil {
				return err
			}
			defer registry.Close()
			defer logger.Sync()

			n, err := registry.Len(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Printf("%d cache entries in %s\n", n, registry.WorkingDir())
			return nil
		},
	}
}

func openRegistry(cmd *cobra.Command) (*cache.Registry, *zap.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, err
	}
	logger, err := cfg.Log.BuildLogger()
	if err != nil {
		return nil, nil, err
	}
	registry, err := cache.Open(cfg.Run.WorkingDir, logger)
	if err != nil {
		return nil, nil, err
	}
	return registry, logger, nil
}

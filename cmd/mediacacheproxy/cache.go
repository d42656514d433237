package main

import (
	"fmt"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/mediacache/proxy/internal/config"
	"github.com/mediacache/proxy/internal/downloader"
	"github.com/mediacache/proxy/internal/manager"
	"github.com/mediacache/proxy/internal/queue"
)

func newCacheCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect or reset the on-disk segment cache",
	}
	cmd.AddCommand(newCacheStatsCmd())
	cmd.AddCommand(newCacheClearCmd())
	return cmd
}

// openManagerOffline loads config and opens the cache index without
// starting the queue's scheduling loop or the HTTP listener. Sufficient
// for the stats/clear subcommands, which never issue a download.
func openManagerOffline() (*manager.DownloadManager, func(), error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	dl := downloader.New(cfg, nil)
	q := queue.New(cfg, dl, nil)

	mgr, err := manager.New(cfg, nil, q)
	if err != nil {
		return nil, nil, fmt.Errorf("init manager: %w", err)
	}

	return mgr, func() { mgr.Close() }, nil
}

func newCacheStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Print total cache size and root directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, closeFn, err := openManagerOffline()
			if err != nil {
				return err
			}
			defer closeFn()

			size, err := mgr.GetCacheSize()
			if err != nil {
				return fmt.Errorf("read cache size: %w", err)
			}

			fmt.Printf("cache root: %s\n", mgr.GetCacheRoot())
			fmt.Printf("cache size: %s\n", humanize.Bytes(uint64(size)))
			return nil
		},
	}
}

func newCacheClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove all cached segments and reset the cache index",
		RunE: func(cmd *cobra.Command, args []string) error {
			mgr, closeFn, err := openManagerOffline()
			if err != nil {
				return err
			}
			defer closeFn()

			if err := mgr.ClearAllCache(); err != nil {
				return fmt.Errorf("clear cache: %w", err)
			}
			fmt.Println("cache cleared")
			return nil
		},
	}
}

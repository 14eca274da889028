// Package main provides the offlinesync CLI: it runs the edge proxy and
// inspects or drains a device's mutation queue.
package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	offlinesync "github.com/huykn/offline-sync"
	"github.com/huykn/offline-sync/cache"
)

func main() {
	if err := newRootCmd(os.Stdout).Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd(out io.Writer) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "offlinesync",
		Short: "Offline-first sync engine tools",
		Long: `offlinesync runs the edge cache proxy in front of the application
server and manages the queue of writes made while offline.

Configuration is read from --config (YAML) and OFFLINE_* environment
variables.`,
		SilenceUsage: true,
	}
	rootCmd.SetOut(out)
	rootCmd.PersistentFlags().String("config", os.Getenv("OFFLINE_CONFIG"), "YAML configuration file")
	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			info := offlinesync.GetVersionInfo()
			fmt.Fprintf(cmd.OutOrStdout(), "offlinesync %s (%s)\n", info.Version, info.GoVersion)
		},
	})

	proxyCmd := &cobra.Command{
		Use:   "proxy",
		Short: "Run the edge cache proxy",
		RunE:  runProxy,
	}
	proxyCmd.Flags().String("listen", "", "Listen address (overrides proxy.listen)")
	proxyCmd.Flags().String("origin", "", "Application server URL (overrides proxy.origin)")
	rootCmd.AddCommand(proxyCmd)

	queueCmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect the mutation queue",
	}
	queueCmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List queued mutations, oldest first",
		RunE:  runQueueList,
	})
	queueCmd.AddCommand(&cobra.Command{
		Use:   "count",
		Short: "Print the number of queued mutations",
		RunE:  runQueueCount,
	})
	clearCmd := &cobra.Command{
		Use:   "clear",
		Short: "Drop every queued mutation",
		RunE:  runQueueClear,
	}
	clearCmd.Flags().Bool("yes", false, "Confirm dropping unsynced writes")
	queueCmd.AddCommand(clearCmd)
	rootCmd.AddCommand(queueCmd)

	rootCmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Replay the mutation queue against the server now",
		RunE:  runSync,
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show queue depth and the edge proxy cache status",
		RunE:  runStatus,
	})

	return rootCmd
}

// loadConfig reads the configuration selected by the persistent flags.
func loadConfig(cmd *cobra.Command) (offlinesync.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	cfg, err := offlinesync.LoadConfig(path)
	if err != nil {
		return cfg, err
	}
	if debug, _ := cmd.Flags().GetBool("debug"); debug {
		cfg.DebugMode = true
	}

	level := slog.LevelInfo
	if cfg.DebugMode {
		level = slog.LevelDebug
	}
	cfg.Logger = cache.NewSlogLogger(slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: level})))
	cfg.OnError = func(err error) {
		cfg.Logger.Error("background operation failed", "error", err)
	}
	return cfg, nil
}

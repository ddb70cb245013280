package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/M3-K0/marketplace-monitor/internal/app"
	"github.com/M3-K0/marketplace-monitor/internal/config"
	"github.com/M3-K0/marketplace-monitor/internal/pkg/logger"
)

var (
	cfg       *config.Config
	appLogger *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:   "monitorctl",
	Short: "Marketplace monitor operations CLI",
	Long:  "Run searches, move data between backends and mint API tokens for the marketplace monitor.",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		loaded, err := config.Load(path)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		if v, _ := cmd.Flags().GetString("backend"); v != "" {
			loaded.Storage.Backend = v
		}
		level, _ := cmd.Flags().GetString("log-level")
		if level == "" {
			level = loaded.App.LogLevel
		}
		cfg = loaded
		// 日志写到 stderr，stdout 留给命令输出
		appLogger = logger.New(os.Stderr, level, "text")
		return nil
	},
	SilenceUsage: true,
}

// Execute 运行根命令。
func Execute() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		stop()
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().String("config", os.Getenv("CONFIG_PATH"), "Path to config.json")
	rootCmd.PersistentFlags().String("backend", "", "Override storage.backend: memory, mysql, redis, mongo")
	rootCmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
}

// openApp 按当前配置组装依赖，调用方负责 Close。
func openApp(ctx context.Context) (*app.App, error) {
	return app.New(ctx, cfg, appLogger)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

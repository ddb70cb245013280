package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/M3-K0/marketplace-monitor/internal/app"
	"github.com/M3-K0/marketplace-monitor/internal/config"
	"github.com/M3-K0/marketplace-monitor/internal/pkg/taskqueue"
)

var runCmd = &cobra.Command{
	Use:   "run [search-id]",
	Short: "Run one search, or all enabled searches with --all",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runRun,
}

func init() {
	runCmd.Flags().Bool("all", false, "Run every enabled search sequentially")
	runCmd.Flags().Bool("queue", false, "Submit the run to the API task stream instead of running in-process")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	all, _ := cmd.Flags().GetBool("all")
	useQueue, _ := cmd.Flags().GetBool("queue")
	if all == (len(args) == 1) {
		return errors.New("specify exactly one of <search-id> or --all")
	}
	ctx := cmd.Context()

	// 远程模式下本进程没有 scraper，只能交给 API 调度
	if useQueue || cfg.Monitor.Mode == config.ModeRemote {
		if all {
			return errors.New("--all cannot be submitted to the task stream")
		}
		return submitRun(ctx, args[0])
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	if all {
		summary, err := a.Service.RunAll(ctx)
		if err != nil {
			return fmt.Errorf("run all: %w", err)
		}
		return printJSON(cmd.OutOrStdout(), summary)
	}
	res, err := a.Service.RunSearch(ctx, args[0])
	if err != nil {
		return fmt.Errorf("run search %s: %w", args[0], err)
	}
	return printJSON(cmd.OutOrStdout(), res)
}

func submitRun(ctx context.Context, searchID string) error {
	rdb, err := app.NewRedis(ctx, cfg)
	if err != nil {
		return err
	}
	defer rdb.Close()

	q := taskqueue.New(rdb, appLogger, cfg.App.TaskQueueStream)
	err = q.Submit(ctx, searchID, taskqueue.SourceManual)
	if errors.Is(err, taskqueue.ErrAlreadyQueued) {
		appLogger.Info("run already queued", slog.String("search_id", searchID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("submit run: %w", err)
	}
	return nil
}

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/M3-K0/marketplace-monitor/internal/backup"
	"github.com/M3-K0/marketplace-monitor/internal/store"
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export searches, listings and settings as JSON",
	Args:  cobra.NoArgs,
	RunE:  runExport,
}

var importCmd = &cobra.Command{
	Use:   "import <file>",
	Short: "Import a JSON snapshot (use - for stdin)",
	Args:  cobra.ExactArgs(1),
	RunE:  runImport,
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Print listing and search statistics",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

var backupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Upload a snapshot to the configured S3 bucket",
	Args:  cobra.NoArgs,
	RunE:  runBackup,
}

func init() {
	exportCmd.Flags().StringP("output", "o", "", "Output file (default stdout)")
	rootCmd.AddCommand(exportCmd, importCmd, statsCmd, backupCmd)
}

func runExport(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	snap, err := backup.Export(ctx, a.Store, time.Now())
	if err != nil {
		return err
	}

	var w io.Writer = cmd.OutOrStdout()
	if path, _ := cmd.Flags().GetString("output"); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return fmt.Errorf("create output: %w", err)
		}
		defer f.Close()
		w = f
	}
	if err := backup.Write(w, snap); err != nil {
		return err
	}
	appLogger.Info("snapshot exported",
		slog.Int("searches", len(snap.Searches)),
		slog.Int("listings", len(snap.Listings)))
	return nil
}

func runImport(cmd *cobra.Command, args []string) error {
	var r io.Reader = cmd.InOrStdin()
	if args[0] != "-" {
		f, err := os.Open(args[0])
		if err != nil {
			return fmt.Errorf("open snapshot: %w", err)
		}
		defer f.Close()
		r = f
	}
	snap, err := backup.Read(r)
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	res, err := backup.Import(ctx, a.Store, snap)
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), res)
}

func runStats(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	stats, err := store.Stats(ctx, a.Store, time.Now())
	if err != nil {
		return err
	}
	return printJSON(cmd.OutOrStdout(), stats)
}

func runBackup(cmd *cobra.Command, _ []string) error {
	ctx := cmd.Context()
	uploader, err := backup.NewS3Uploader(ctx, cfg.Backup)
	if err != nil {
		return err
	}

	a, err := openApp(ctx)
	if err != nil {
		return err
	}
	defer a.Close()

	snap, err := backup.Export(ctx, a.Store, time.Now())
	if err != nil {
		return err
	}
	key, err := uploader.Upload(ctx, snap)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), key)
	return nil
}

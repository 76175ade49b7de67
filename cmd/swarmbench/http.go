package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/WendelHime/swarmbench/internal/config"
	"github.com/WendelHime/swarmbench/internal/httpbench"
	"github.com/WendelHime/swarmbench/internal/metrics"
	"github.com/WendelHime/swarmbench/internal/shared/models"
	"github.com/spf13/pflag"
)

func serveCommand(fs *pflag.FlagSet) runFunc {
	listen := fs.String("listen", "", "listen address, overrides http.listen")
	dir := fs.String("dir", "", "files directory, overrides http.files_dir")
	generate := fs.StringSlice("generate", nil, "prefixes of the experiment files to create when missing, e.g. A,B")

	return func(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
		if *listen != "" {
			cfg.HTTP.Listen = *listen
		}
		if *dir != "" {
			cfg.HTTP.FilesDir = *dir
		}
		for _, prefix := range *generate {
			err := httpbench.GenerateFiles(cfg.HTTP.FilesDir, prefix, cfg.Experiments)
			if err != nil {
				return err
			}
		}

		entries, err := os.ReadDir(cfg.HTTP.FilesDir)
		if err != nil {
			return err
		}
		fmt.Printf("available files in %s:\n", cfg.HTTP.FilesDir)
		for _, e := range entries {
			info, err := e.Info()
			if err != nil || !info.Mode().IsRegular() {
				continue
			}
			fmt.Printf(" - %s (%d bytes)\n", e.Name(), info.Size())
		}

		logger.Info("http server started", slog.String("listen", cfg.HTTP.Listen), slog.String("dir", cfg.HTTP.FilesDir))
		fmt.Printf("serving HTTP/1.1 and h2c on %s\n", cfg.HTTP.Listen)
		return httpbench.Serve(ctx, cfg.HTTP.Listen, httpbench.NewHandler(cfg.HTTP.FilesDir, logger))
	}
}

func fetchCommand(fs *pflag.FlagSet) runFunc {
	server := fs.String("server", "http://127.0.0.1:8000", "base URL of the file server")
	prefix := fs.String("prefix", "A", "file prefix to request")
	protocol := fs.String("protocol", string(models.ProtocolHTTP1), "http1.1 or http2")
	results := fs.String("results", "", "results directory, overrides results_dir")

	return func(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
		if *results != "" {
			cfg.ResultsDir = *results
		}
		client, err := httpbench.NewClient(models.Protocol(*protocol), time.Duration(cfg.HTTP.Timeout), logger)
		if err != nil {
			return err
		}
		store, err := metrics.NewResultStore(cfg.ResultsDir)
		if err != nil {
			return err
		}

		for _, exp := range cfg.Experiments {
			result, err := httpbench.RunExperiment(ctx, client, *server, *prefix, exp, os.Stdout, logger)
			if err != nil {
				logger.Error("experiment failed", slog.String("size", exp.Size), slog.Any("error", err))
				fmt.Printf("\n%s: %v\n", httpbench.FileName(*prefix, exp.Size), err)
				if ctx.Err() != nil {
					return ctx.Err()
				}
				continue
			}
			paths, err := store.SaveAll(result.Records)
			if err != nil {
				return err
			}
			printSummary(result)
			logger.Info("experiment finished",
				slog.String("file", result.File),
				slog.Int("records", len(result.Records)),
				slog.Int("failed", result.Failed),
				slog.Any("paths", paths))
		}
		return nil
	}
}

func printSummary(r httpbench.Result) {
	s := r.Summary
	fmt.Printf("\n%s: %d downloads, %d failed\n", r.File, s.Count, r.Failed)
	fmt.Printf("  avg transfer time: %.6fs (±%.6f)\n", s.TransferTime.Mean, s.TransferTime.StdDev)
	fmt.Printf("  avg throughput: %.2f KB/s (±%.2f)\n", s.Throughput.Mean/1024, s.Throughput.StdDev/1024)
	fmt.Printf("  avg overhead ratio: %.6f (±%.6f)\n", s.OverheadRatio.Mean, s.OverheadRatio.StdDev)
}

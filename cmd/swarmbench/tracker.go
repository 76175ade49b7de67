package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/WendelHime/swarmbench/internal/config"
	"github.com/WendelHime/swarmbench/internal/tracker"
	"github.com/spf13/pflag"
)

func trackerCommand(fs *pflag.FlagSet) runFunc {
	listen := fs.String("listen", "", "UDP and TCP address of the tracker, overrides tracker.listen")
	interval := fs.Duration("interval", 0, "announce interval given to peers, overrides tracker.interval")

	return func(ctx context.Context, cfg config.Config, logger *slog.Logger) error {
		if *listen != "" {
			cfg.Tracker.Listen = *listen
		}
		if *interval > 0 {
			cfg.Tracker.Interval = config.Duration(*interval)
		}

		srv, err := tracker.NewServer(time.Duration(cfg.Tracker.Interval), logger)
		if err != nil {
			return err
		}
		pc, err := net.ListenPacket("udp", cfg.Tracker.Listen)
		if err != nil {
			return err
		}
		defer pc.Close()
		ln, err := net.Listen("tcp", cfg.Tracker.Listen)
		if err != nil {
			return err
		}

		mux := http.NewServeMux()
		mux.Handle("/announce", srv)
		httpSrv := &http.Server{Handler: mux, ReadHeaderTimeout: 10 * time.Second}

		errs := make(chan error, 2)
		go func() {
			errs <- srv.ServeUDP(ctx, pc)
		}()
		go func() {
			err := httpSrv.Serve(ln)
			if errors.Is(err, http.ErrServerClosed) {
				err = nil
			}
			errs <- err
		}()

		logger.Info("tracker started", slog.String("listen", cfg.Tracker.Listen), slog.Duration("interval", time.Duration(cfg.Tracker.Interval)))
		fmt.Printf("tracker listening on udp://%s and http://%s/announce\n", pc.LocalAddr(), ln.Addr())

		var first error
		select {
		case <-ctx.Done():
		case first = <-errs:
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		httpSrv.Shutdown(shutdownCtx)
		pc.Close()
		return first
	}
}

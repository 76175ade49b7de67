package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/WendelHime/swarmbench/internal/config"
	"github.com/spf13/pflag"
)

type runFunc func(ctx context.Context, cfg config.Config, logger *slog.Logger) error

// command registers its flags and returns what to run once they are parsed.
type command struct {
	name  string
	usage string
	setup func(fs *pflag.FlagSet) runFunc
}

var commands = []command{
	{"tracker", "run the UDP and HTTP tracker", trackerCommand},
	{"seed", "split a file, print its magnet link and seed it", seedCommand},
	{"leech", "download a file from a swarm by magnet link or descriptor", leechCommand},
	{"serve", "serve benchmark files over HTTP/1.1 and HTTP/2", serveCommand},
	{"fetch", "run the HTTP download experiments", fetchCommand},
}

func usage() {
	fmt.Fprintf(os.Stderr, "usage: swarmbench <command> [flags]\n\ncommands:\n")
	for _, c := range commands {
		fmt.Fprintf(os.Stderr, "  %-8s %s\n", c.name, c.usage)
	}
}

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	var cmd *command
	for i := range commands {
		if commands[i].name == os.Args[1] {
			cmd = &commands[i]
		}
	}
	if cmd == nil {
		usage()
		os.Exit(2)
	}

	fs := pflag.NewFlagSet(cmd.name, pflag.ContinueOnError)
	fs.SortFlags = false
	run := cmd.setup(fs)
	configPath := fs.String("config", "swarmbench.yaml", "YAML configuration file")
	logPath := fs.String("log", "", "log file, overrides log_file")
	verbose := fs.BoolP("verbose", "v", false, "log debug messages")
	err := fs.Parse(os.Args[2:])
	if err != nil {
		if !errors.Is(err, pflag.ErrHelp) {
			fmt.Fprintln(os.Stderr, err)
		}
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if *logPath != "" {
		cfg.LogFile = *logPath
	}

	// Create a new logger and generate log file
	logOut, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(logOut, &slog.HandlerOptions{Level: level})).With(slog.String("cmd", cmd.name))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err = run(ctx, cfg, logger)
	stop()
	if err != nil {
		logger.Error("command failed", slog.Any("error", err))
		fmt.Fprintln(os.Stderr, err)
	}
	logOut.Close()
	if err != nil {
		os.Exit(1)
	}
}

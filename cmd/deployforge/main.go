package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
)

// Version information (set by build)
var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func usage(fs *flag.FlagSet) func() {
	return func() {
		fmt.Fprintf(fs.Output(), "usage: deployforge [-config file] [serve|seed|project-id|version]\n")
		fs.PrintDefaults()
	}
}

func run(args []string) int {
	// Parse command line flags
	fs := flag.NewFlagSet("deployforge", flag.ContinueOnError)
	fs.Usage = usage(fs)
	configPath := fs.String("config", "", "Path to config file")
	showVersion := fs.Bool("version", false, "Print version and exit")
	if err := fs.Parse(args); err != nil {
		return ExitConfigError
	}

	command := "serve"
	if fs.NArg() > 0 {
		command = fs.Arg(0)
	}

	if *showVersion || command == "version" {
		fmt.Printf("deployforge %s (built %s)\n", Version, BuildTime)
		return ExitSuccess
	}

	// Load configuration
	cfg, err := LoadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return ExitConfigError
	}

	logger := SetupLogger(cfg)
	ctx := context.Background()

	switch command {
	case "serve":
		logger.Info("starting deployforge",
			"version", Version,
			"config", *configPath,
		)
		server, err := NewServer(ctx, cfg, logger)
		if err != nil {
			return exitCode(logger, "failed to create server", err)
		}
		if err := server.Start(ctx); err != nil {
			return exitCode(logger, "server error", err)
		}
		return ExitSuccess

	case "seed":
		if err := seed(ctx, cfg, os.Stdout); err != nil {
			return exitCode(logger, "seed failed", err)
		}
		return ExitSuccess

	case "project-id":
		if err := printProjectID(ctx, cfg, os.Stdout); err != nil {
			return exitCode(logger, "project lookup failed", err)
		}
		return ExitSuccess

	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n", command)
		fs.Usage()
		return ExitConfigError
	}
}

func exitCode(logger *slog.Logger, msg string, err error) int {
	var sErr *ServerError
	if errors.As(err, &sErr) {
		logger.Error(msg,
			"error", sErr.Err,
			"operation", sErr.Op,
		)
		return sErr.ExitCode
	}
	logger.Error(msg, "error", err)
	return ExitConfigError
}

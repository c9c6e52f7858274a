package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/alecthomas/kong"
	"github.com/joho/godotenv"

	"git.home.luguber.info/inful/docpackd/internal/config"
	"git.home.luguber.info/inful/docpackd/internal/version"
)

var CLI struct {
	Config  string           `short:"c" help:"Configuration file path" default:"docpackd.yaml"`
	Verbose bool             `short:"v" help:"Enable verbose logging"`
	Version kong.VersionFlag `help:"Print version and exit"`

	Serve struct {
	} `cmd:"" help:"Run the build engine: branch watcher, worker pool and HTTP API"`

	Build struct {
		Repository string `arg:"" help:"Repository URL"`
		Branch     string `arg:"" help:"Branch name"`
		Commit     string `arg:"" help:"Commit id to build"`
		Forced     bool   `help:"Bypass the frozen flag"`
	} `cmd:"" help:"Enqueue a manual build and wait for it to settle"`

	Status struct {
		JobID string `arg:"" help:"Job id"`
	} `cmd:"" help:"Show a job record and its log"`

	Versions struct {
		Repository string `arg:"" help:"Repository URL"`
		Branch     string `arg:"" help:"Branch name"`
	} `cmd:"" help:"List the docpack versions of a branch"`

	Freeze struct {
		Repository string `arg:"" help:"Repository URL"`
		Branch     string `arg:"" help:"Branch name"`
		Unfreeze   bool   `help:"Clear the flag instead of setting it"`
	} `cmd:"" help:"Suppress automatic rebuilds for a branch lineage"`
}

func main() {
	// Optional .env bootstrap; a missing file is fine.
	_ = godotenv.Load()

	kctx := kong.Parse(&CLI, kong.Vars{"version": version.Version})

	cfg, err := config.Load(CLI.Config)
	if err != nil {
		// Running without the default config file is fine; an explicit or
		// unparsable file is not.
		if errors.Is(err, os.ErrNotExist) && CLI.Config == "docpackd.yaml" {
			cfg = config.Default()
		} else {
			fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
			os.Exit(1)
		}
	}
	if CLI.Verbose {
		cfg.Logging.Level = string(config.LogLevelDebug)
	}
	logger := cfg.Logging.NewLogger()
	slog.SetDefault(logger)

	switch kctx.Command() {
	case "serve":
		if err := runServe(cfg); err != nil {
			slog.Error("Serve failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	case "build <repository> <branch> <commit>":
		if err := runBuild(cfg, CLI.Build.Repository, CLI.Build.Branch, CLI.Build.Commit, CLI.Build.Forced); err != nil {
			slog.Error("Build failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	case "status <job-id>":
		if err := runStatus(cfg, CLI.Status.JobID); err != nil {
			slog.Error("Status failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	case "versions <repository> <branch>":
		if err := runVersions(cfg, CLI.Versions.Repository, CLI.Versions.Branch); err != nil {
			slog.Error("Versions failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	case "freeze <repository> <branch>":
		if err := runFreeze(cfg, CLI.Freeze.Repository, CLI.Freeze.Branch, !CLI.Freeze.Unfreeze); err != nil {
			slog.Error("Freeze failed", slog.String("error", err.Error()))
			os.Exit(1)
		}
	default:
		kctx.FatalIfErrorf(fmt.Errorf("unknown command %q", kctx.Command()))
	}
}

package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"time"

	"github.com/powerprofiles/daemon/internal/config"
	"github.com/powerprofiles/daemon/internal/storage"
)

func runHistory(args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("history", flag.ContinueOnError)
	fs.SetOutput(stderr)

	configPath := fs.String("config", "", "Path to config file (default: /etc/power-profiles-daemon/config.toml)")
	database := fs.String("database", "", "Path to the transition history database")
	limit := fs.Int("limit", 25, "Maximum number of transitions to show")

	fs.Usage = func() {
		fmt.Fprintf(stderr, "Usage: power-profiles-daemon history [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(args); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return 0
		}
		return 1
	}

	fileCfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}
	if *database == "" {
		*database = fileCfg.Database
	}

	store, err := storage.NewSQLiteStore(*database)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to open history database: %v\n", err)
		return 1
	}
	defer store.Close()

	transitions, err := store.ListTransitions(*limit)
	if err != nil {
		fmt.Fprintf(stderr, "Error: failed to list transitions: %v\n", err)
		return 1
	}
	if len(transitions) == 0 {
		fmt.Fprintln(stdout, "No transitions recorded.")
		return 0
	}

	for _, tr := range transitions {
		fmt.Fprintf(stdout, "%s  %-12s  %-8s  from %s\n",
			tr.At.Local().Format(time.RFC3339), tr.Profile, tr.Reason, tr.Previous)
	}
	return 0
}

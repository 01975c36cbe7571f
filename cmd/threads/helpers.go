package main

import (
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/abelbrown/eventthread/internal/config"
	"github.com/abelbrown/eventthread/internal/logging"
	"github.com/abelbrown/eventthread/internal/store"
)

// defaultConfigPath returns ~/.threads/config.yaml.
func defaultConfigPath() string {
	return filepath.Join(config.DataDir(), "config.yaml")
}

// configFlag registers the shared --config flag.
func configFlag(fs *flag.FlagSet) *string {
	return fs.String("config", defaultConfigPath(), "Config file (YAML or JSON)")
}

// loadConfig loads and validates the config or exits.
func loadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fatalf("%v", err)
	}
	return cfg
}

// setupLogging sends the package logger to stderr.
func setupLogging(cfg *config.Config, verbose bool) {
	level := cfg.LogLevel
	if verbose {
		level = "debug"
	}
	logging.InitWriter(os.Stderr, level)
}

// openDB opens the store or exits.
func openDB(cfg *config.Config) *store.Store {
	if dir := filepath.Dir(cfg.Storage.DBPath); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			fatalf("failed to create data directory: %v", err)
		}
	}
	st, err := store.Open(cfg.Storage.DBPath)
	if err != nil {
		fatalf("failed to open database: %v", err)
	}
	return st
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "error: "+format+"\n", args...)
	os.Exit(1)
}

// truncate shortens a string to max runes, appending "..." if truncated.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-3]) + "..."
}

func runInit() {
	fs := flag.NewFlagSet("init", flag.ExitOnError)
	path := configFlag(fs)
	force := fs.Bool("force", false, "Overwrite an existing file")
	fs.Parse(os.Args[1:])

	if _, err := os.Stat(*path); err == nil && !*force {
		fatalf("%s already exists (use --force to overwrite)", *path)
	}
	cfg := config.DefaultConfig()
	cfg.Topics = []config.TopicConfig{{Name: "example", Input: "example.jsonl"}}
	if err := cfg.Save(*path); err != nil {
		fatalf("%v", err)
	}
	fmt.Printf("Wrote %s\n", *path)
}

// Package main is an operator tool that works against the database directly,
// for cron jobs and maintenance without the HTTP API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/unklstewy/securelinks/internal/config"
	"github.com/unklstewy/securelinks/internal/coordinators"
	"github.com/unklstewy/securelinks/internal/httpapi"
	"github.com/unklstewy/securelinks/internal/logging"
	"go.uber.org/zap"
)

const usage = `usage: securelinks-admin [--config file] <command> [flags]

commands:
  rotate-keys                     replace the signing key pair; running servers
                                  adopt it within links.key_refresh_interval
  cleanup [-days N]               delete access events older than N days
  suggestions [-apply]            list (or apply) blacklist suggestions
  generate -media M [-format F] [-expires RFC3339]
                                  issue or reuse a signed link
  hash-password                   read a password on stdin, print its bcrypt hash
`

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	logLevel := flag.String("log-level", "warn", "Log level (debug, info, warn, error)")
	flag.Usage = func() { fmt.Fprint(os.Stderr, usage) }
	flag.Parse()

	if flag.NArg() == 0 {
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*configPath, *logLevel, flag.Args(), os.Stdin, os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(configPath, logLevel string, args []string, stdin io.Reader, stdout io.Writer) error {
	cmd, rest := args[0], args[1:]

	if cmd == "hash-password" {
		return hashPassword(stdin, stdout)
	}

	logger, err := logging.New(logLevel)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	st, err := coordinators.OpenStores(ctx, cfg.Database, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	engines, err := coordinators.NewEngines(cfg, st, nil, logger)
	if err != nil {
		return err
	}

	switch cmd {
	case "rotate-keys":
		kp, err := engines.Keys.Rotate(ctx)
		if err != nil {
			return err
		}
		logger.Info("Key pair rotated", zap.String("key_pair_id", kp.ID))
		return writeJSON(stdout, map[string]any{"key_pair_id": kp.ID, "created_at": kp.CreatedAt})

	case "cleanup":
		fs := flag.NewFlagSet("cleanup", flag.ContinueOnError)
		days := fs.Int("days", cfg.Tracking.RetentionDays, "retention in days")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		deleted, err := engines.Tracking.CleanupOldTracking(ctx, *days)
		if err != nil {
			return err
		}
		return writeJSON(stdout, map[string]any{"deleted": deleted, "retention_days": *days})

	case "suggestions":
		fs := flag.NewFlagSet("suggestions", flag.ContinueOnError)
		apply := fs.Bool("apply", false, "store every suggested rule")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if *apply {
			rules, err := engines.Permissions.ApplyAllSuggestions(ctx)
			if err != nil {
				return err
			}
			return writeJSON(stdout, map[string]any{"applied": rules})
		}
		suggestions, err := engines.Permissions.AnalyzeViolationsForSuggestions(ctx)
		if err != nil {
			return err
		}
		return writeJSON(stdout, map[string]any{"suggestions": suggestions})

	case "generate":
		fs := flag.NewFlagSet("generate", flag.ContinueOnError)
		mediaID := fs.Int64("media", 0, "media id")
		formatID := fs.Int64("format", 0, "format id, 0 for the original")
		expires := fs.String("expires", "", "expiry as RFC3339, default from config")
		if err := fs.Parse(rest); err != nil {
			return err
		}
		if *mediaID <= 0 {
			return errors.New("-media is required")
		}
		var expiresAt *time.Time
		if *expires != "" {
			t, err := time.Parse(time.RFC3339, *expires)
			if err != nil {
				return fmt.Errorf("invalid -expires: %w", err)
			}
			expiresAt = &t
		}
		gen, err := engines.Links.GenerateLink(ctx, *mediaID, *formatID, expiresAt)
		if err != nil {
			return err
		}
		return writeJSON(stdout, gen.Response())

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func hashPassword(stdin io.Reader, stdout io.Writer) error {
	data, err := io.ReadAll(io.LimitReader(stdin, 1024))
	if err != nil {
		return err
	}
	password := strings.TrimRight(string(data), "\r\n")
	if password == "" {
		return errors.New("empty password")
	}
	hash, err := httpapi.HashPassword(password)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintln(stdout, hash)
	return err
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"example.com/asynchttp/internal/config"
	"example.com/asynchttp/internal/fetch"
	"example.com/asynchttp/internal/logger"
)

func main() {
	if len(os.Args) < 2 || len(os.Args) > 4 {
		log.Fatalf("Usage: %s <url> [output-file] [ca-file]", os.Args[0])
	}
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := get(ctx, os.Args[1:], os.Stdout); err != nil {
		log.Fatalf("ahttp-get: %v", err)
	}
}

// get downloads args[0] to args[1] (stdout when absent or "-"), trusting the
// PEM certificates in args[2] when given.
func get(ctx context.Context, args []string, stdout io.Writer) error {
	url := args[0]
	var outPath, caFile string
	if len(args) > 1 {
		outPath = args[1]
	}
	if len(args) > 2 {
		caFile = args[2]
		if !filepath.IsAbs(caFile) {
			absPath, err := filepath.Abs(caFile)
			if err != nil {
				return fmt.Errorf("failed to resolve CA file path %s: %w", caFile, err)
			}
			caFile = absPath
		}
	}

	// Built-in configuration: warnings only, transfer log on stderr.
	cfg := &config.Config{
		Client: &config.ClientConfig{
			TLS: &config.TLSConfig{CAFile: caFile},
		},
		Logging: &config.LoggingConfig{
			LogLevel: config.LogLevelWarning,
			TransferLog: &config.TransferLogConfig{
				Enabled: boolPtr(true),
				Target:  "stderr",
				Format:  "text",
			},
			ErrorLog: &config.ErrorLogConfig{
				Target: "stderr",
			},
		},
	}
	config.ApplyDefaults(cfg)
	lg, err := logger.NewLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer lg.CloseLogFiles()

	runner, err := fetch.NewRunner(cfg, lg)
	if err != nil {
		return err
	}

	out := stdout
	if outPath != "" && outPath != "-" {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("failed to create output file: %w", err)
		}
		defer f.Close()
		out = f
	}

	results, err := runner.Run(ctx, []fetch.Request{{URL: url, Output: out}})
	if err != nil {
		return err
	}
	if code := results[0].StatusCode(); code >= 400 {
		return fmt.Errorf("server returned %d %s", code, results[0].Response.ReasonPhrase())
	}
	return nil
}

func boolPtr(b bool) *bool { return &b }

package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/oversight/pkg/archive"
	"github.com/Mindburn-Labs/oversight/pkg/config"
)

// runExportCmd implements `oversight export`.
//
// Loads and verifies the stored log, then writes it to a snapshot file
// (--out) or to the configured archive (ARCHIVE_STORAGE_TYPE).
func runExportCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("export", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	cfg := config.Load()
	var (
		outPath    string
		jsonOutput bool
	)
	cmd.StringVar(&outPath, "out", "", "Write the snapshot to this file instead of the archive")
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	setupLogger(cfg, stderr)
	ctx := context.Background()

	snap, err := loadStored(ctx, cfg)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 1
	}

	result := map[string]any{
		"events":   len(snap.Events),
		"log_hash": snap.LogHash,
	}
	if outPath != "" {
		if err := writeSnapshot(outPath, snap); err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		result["path"] = outPath
	} else {
		a, err := archive.New(ctx, cfg.Archive)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		hash, err := archive.PutSnapshot(ctx, a, snap)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		result["archive"] = string(cfg.Archive.Type)
		result["archive_hash"] = hash
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(result, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if outPath != "" {
		_, _ = fmt.Fprintf(stdout, "Exported %d events to %s\n", len(snap.Events), outPath)
	} else {
		_, _ = fmt.Fprintf(stdout, "Exported %d events to %s archive: %s\n", len(snap.Events), cfg.Archive.Type, result["archive_hash"])
	}
	return 0
}

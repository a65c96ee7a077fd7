package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/raine/product-gate/config"
	"github.com/raine/product-gate/internal/storage"
)

func main() {
	var limit int
	var runID string

	flag.IntVar(&limit, "limit", 20, "Number of runs to show")
	flag.StringVar(&runID, "run", "", "Print the stored payload of a single run")
	flag.Parse()

	// Load env file from user config directory (same as the main binary)
	config.LoadEnvFile()

	dbPath := os.Getenv("PRODUCT_GATE_DB_PATH")
	if dbPath == "" {
		dbPath = config.DefaultDBPath
	}

	store, err := storage.NewSQLiteStore(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error opening database at %s: %v\n", dbPath, err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()

	if runID != "" {
		run, err := store.GetRun(ctx, runID)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error reading run: %v\n", err)
			os.Exit(1)
		}
		if run == nil {
			fmt.Fprintf(os.Stderr, "Run %s not found\n", runID)
			os.Exit(1)
		}
		fmt.Println(run.Payload)
		return
	}

	runs, err := store.ListRuns(ctx, limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error listing runs: %v\n", err)
		os.Exit(1)
	}

	if len(runs) == 0 {
		fmt.Println("No runs found in database")
		return
	}

	for _, r := range runs {
		fmt.Printf("%s  %s  %-9s score=%-3d iterations=%d  %s\n",
			r.StartedAt.Format("2006-01-02 15:04:05"), r.ID, r.Status, r.Score, r.Iterations, r.Filename)
		if r.RejectionReason != "" {
			fmt.Printf("    %s\n", r.RejectionReason)
		}
	}
}

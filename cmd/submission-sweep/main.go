// Command submission-sweep marks submissions which are still in progress but have no
// running supervisor as failed.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	"proposal-submission-api/config"
	"proposal-submission-api/services"

	"github.com/joho/godotenv"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found, using environment variables")
	}

	logFile, _ := config.InitLogging()
	if logFile != nil {
		defer logFile.Close()
	}

	var (
		olderThan time.Duration
		dryRun    bool
	)

	flag.DurationVar(&olderThan, "older-than", 0, "minimum age of a submission to sweep (default: mapping tool timeout plus 5m)")
	flag.BoolVar(&dryRun, "dry-run", false, "list orphaned submissions without changing them")
	flag.Parse()

	if olderThan < 0 {
		log.Fatal("older-than must be greater than or equal to 0")
	}
	if olderThan == 0 {
		timeout := config.GetEnvDuration("MAPPING_TOOL_TIMEOUT", 30*time.Minute)
		olderThan = timeout + 5*time.Minute
	}

	config.InitDB()

	sweeper := services.NewSubmissionSweeper(services.NewSubmissionRepository(nil), nil, nil)
	summary, err := sweeper.Sweep(context.Background(), services.SweepInput{
		OlderThan: olderThan,
		DryRun:    dryRun,
	})
	if err != nil {
		log.Fatalf("submission sweep failed: %v", err)
	}

	fmt.Printf("Submissions examined: %d, failed: %d, skipped: %d, errors: %d\n",
		summary.Examined,
		summary.Failed,
		summary.Skipped,
		len(summary.Errors),
	)
	for _, e := range summary.Errors {
		fmt.Println("  " + e)
	}

	if dryRun {
		fmt.Println("Dry run complete. No database changes were made.")
	}

	if len(summary.Errors) > 0 {
		os.Exit(2)
	}
}

// Command run-report prints extraction runs recorded in the report
// database: the most recent runs by default, or one run's per-slice fit
// outcomes with -run.
package main

import (
	"flag"
	"fmt"
	"log"

	_ "modernc.org/sqlite"

	"github.com/aperture-data/fringe.report/internal/obsdb"
)

func main() {
	dbFile := flag.String("db", "", "Run-report SQLite database")
	limit := flag.Int("n", 20, "Number of recent runs to list")
	runID := flag.String("run", "", "Run ID to show in detail")
	flag.Parse()

	if *dbFile == "" {
		log.Fatal("database path is required")
	}
	db, err := obsdb.Open(*dbFile)
	if err != nil {
		log.Fatalf("failed to open run database: %v", err)
	}
	defer db.Close()

	if *runID != "" {
		showRun(db, *runID)
		return
	}

	runs, err := db.ListRuns(*limit)
	if err != nil {
		log.Fatalf("failed to list runs: %v", err)
	}
	for _, r := range runs {
		fmt.Printf("%s  %s  %-12s %-6s %2d/%2d slices  %s\n",
			r.ID, r.StartedAt.Format("2006-01-02 15:04:05"),
			r.Source, r.Filter, r.SlicesFit, r.SlicesTotal, r.OutputDir)
	}
	if len(runs) == 0 {
		fmt.Println("no runs recorded")
	}
}

func showRun(db *obsdb.DB, id string) {
	r, err := db.GetRun(id)
	if err != nil {
		log.Fatalf("failed to fetch run %s: %v", id, err)
	}
	fmt.Printf("Run: %s\n", r.ID)
	fmt.Printf("Started: %s\n", r.StartedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Printf("Source: %s (%s %s, mask %s)\n", r.Source, r.Instrument, r.Filter, r.Mask)
	fmt.Printf("Settings: oversample=%d cutout=%d\n", r.Oversample, r.CutoutSize)
	fmt.Printf("Slices: %d fit, %d failed of %d\n", r.SlicesFit, r.SlicesFailed, r.SlicesTotal)
	fmt.Printf("Output: %s\n", r.OutputDir)

	outcomes, err := db.SliceOutcomes(id)
	if err != nil {
		log.Fatalf("failed to fetch slice outcomes: %v", err)
	}
	fmt.Println()
	for _, o := range outcomes {
		if o.Converged {
			fmt.Printf("  slice %2d  converged  iters=%-4d resid=%.4g chisq=%.4g\n",
				o.Slice, o.Iterations, o.Residual, o.ChiSq)
		} else {
			fmt.Printf("  slice %2d  skipped    %s\n", o.Slice, o.Reason)
		}
	}
}

// Command calibrate divides a target's aggregated fringe observables by a
// reference built from one or more calibrator stars, flags closure phases
// that breach the phase ceiling, and writes the result as an OIFITS
// exchange file. Inputs are per-exposure observable directories produced
// by the extraction driver, target first.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"

	"github.com/aperture-data/fringe.report/internal/config"
	"github.com/aperture-data/fringe.report/internal/fsutil"
	"github.com/aperture-data/fringe.report/internal/nrm"
	"github.com/aperture-data/fringe.report/internal/nrm/oitxt"
	"github.com/aperture-data/fringe.report/internal/oifits"
)

// setupLogs routes the ops stream to stderr, plus diagnostics with -v.
func setupLogs(verbose bool) {
	w := nrm.LogWriters{Ops: os.Stderr}
	if verbose {
		w.Diag = os.Stderr
	}
	nrm.SetLogWriters(w)
}

// loadStats reads one observable directory and collapses its slices into
// per-channel weighted means.
func loadStats(fsys fsutil.FileSystem, dir string) (*nrm.SourceStats, error) {
	rec, err := oitxt.ReadExposure(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	stats, err := nrm.AggregateSource(rec)
	if err != nil {
		return nil, fmt.Errorf("aggregate %s: %w", dir, err)
	}
	return stats, nil
}

func main() {
	configPath := flag.String("config", "", "Pipeline config JSON; unset fields keep their documented defaults")
	outFile := flag.String("o", "calibrated.oifits", "Output exchange file")
	overwrite := flag.Bool("overwrite", false, "Replace an existing output file")
	phaseCeil := flag.Float64("phaseceil", 0, "Closure-phase flag ceiling in degrees (0 uses the config value)")
	criterion := flag.String("criterion", "", "Flag criterion, 'error' or 'value' (empty uses the config value)")
	posAngle := flag.Float64("pa", 0, "Position angle east of north in degrees for the sky-frame stations")
	parity := flag.Int("parity", 0, "Detector parity +1 or -1 (0 uses the instrument default)")
	verbose := flag.Bool("v", false, "Log calibration diagnostics to stderr")
	flag.Parse()

	dirs := flag.Args()
	if len(dirs) < 2 {
		log.Fatal("usage: calibrate [flags] <target-dir> <calibrator-dir> [calibrator-dir...]")
	}
	switch *criterion {
	case "", config.CriterionError, config.CriterionValue:
	default:
		log.Fatalf("unknown criterion %q", *criterion)
	}

	setupLogs(*verbose)

	cfg := config.EmptyPipelineConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadPipelineConfig(*configPath)
		if err != nil {
			log.Fatalf("failed to load configuration: %v", err)
		}
	}
	opts := nrm.CalOptionsFromConfig(cfg)
	if *phaseCeil > 0 {
		opts.PhaseCeil = *phaseCeil
	}
	if *criterion != "" {
		opts.Criterion = *criterion
	}

	fsys := fsutil.OSFileSystem{}
	target, err := loadStats(fsys, dirs[0])
	if err != nil {
		log.Fatalf("failed to load target: %v", err)
	}
	cals := make([]*nrm.SourceStats, 0, len(dirs)-1)
	for _, dir := range dirs[1:] {
		stats, err := loadStats(fsys, dir)
		if err != nil {
			log.Fatalf("failed to load calibrator: %v", err)
		}
		cals = append(cals, stats)
	}
	log.Printf("calibrating %s (%d slices) against %d calibrator(s)",
		target.Source, target.NSlices, len(cals))

	set, err := nrm.Calibrate(target, cals, opts)
	if err != nil {
		log.Fatalf("calibration failed: %v", err)
	}

	meta := oifits.Metadata{PositionAngle: *posAngle, VParity: *parity}
	if err := oifits.Write(fsys, *outFile, set, meta, *overwrite); err != nil {
		log.Fatalf("failed to write %s: %v", *outFile, err)
	}
	flagged := 0
	for _, f := range set.CPFlag {
		if f {
			flagged++
		}
	}
	log.Printf("wrote %s: %d squared visibilities, %d closure phases (%d flagged)",
		*outFile, len(set.V2), len(set.CP), flagged)
}

// Command fringe extracts interferometric observables from aperture-masking
// datacubes: it fits the fringe model to every slice, derives squared
// visibilities and closure phases, and writes one observable set per
// exposure. Calibration against reference stars is a separate step, see
// cmd/calibrate.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/aperture-data/fringe.report/internal/config"
	"github.com/aperture-data/fringe.report/internal/fsutil"
	"github.com/aperture-data/fringe.report/internal/nrm"
	"github.com/aperture-data/fringe.report/internal/nrm/instruments"
	"github.com/aperture-data/fringe.report/internal/nrm/oitxt"
	"github.com/aperture-data/fringe.report/internal/obsdb"
	"github.com/aperture-data/fringe.report/internal/units"
	"github.com/aperture-data/fringe.report/internal/version"
)

var (
	instName    = flag.String("instrument", "G7S6", "Instrument adapter for the input files (G7S6, Sim)")
	configPath  = flag.String("config", "", "Pipeline config JSON; unset fields keep their documented defaults")
	outDir      = flag.String("outdir", "observables", "Directory receiving one observable set per exposure")
	overwrite   = flag.Bool("overwrite", false, "Replace existing per-exposure output directories")
	cutout      = flag.Int("cutout", 0, "Cutout size override in pixels (0 uses the config value)")
	oversample  = flag.Int("oversample", 0, "Oversampling factor override (0 uses the config value)")
	workers     = flag.Int("workers", 0, "Fit worker count override (0 uses the config value)")
	firstSlices = flag.Int("firstslices", 0, "Fit only the leading N cube slices (0 fits all)")
	plateScale  = flag.Float64("platescale", 0, "Plate scale override in mas/pixel (0 uses the instrument value)")
	rotSearch   = flag.String("rotsearch", "", "Comma-separated rotation candidates in degrees for the coarse pre-search")
	dbFile      = flag.String("db", "", "Run-report SQLite database (empty disables run recording)")
	verbose     = flag.Bool("v", false, "Log fit diagnostics to stderr")
	vverbose    = flag.Bool("vv", false, "Log per-slice trace output to stderr (implies -v)")
	showVersion = flag.Bool("version", false, "Print version information and exit")
)

// parseCSVFloatSlice parses a comma-separated list of floats
func parseCSVFloatSlice(s string) ([]float64, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]float64, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		v, err := strconv.ParseFloat(p, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid float '%s': %w", p, err)
		}
		out = append(out, v)
	}
	return out, nil
}

// loadConfig merges the config file with the command-line overrides. The
// config fields are pointers, so pointing them at the flag values reuses
// the partial-override machinery the file loader already has.
func loadConfig() (*config.PipelineConfig, error) {
	cfg := config.EmptyPipelineConfig()
	if *configPath != "" {
		var err error
		cfg, err = config.LoadPipelineConfig(*configPath)
		if err != nil {
			return nil, err
		}
	}
	if *cutout > 0 {
		cfg.CutoutSize = cutout
	}
	if *oversample > 0 {
		cfg.Oversample = oversample
	}
	if *workers > 0 {
		cfg.Workers = workers
	}
	if *firstSlices > 0 {
		cfg.FirstSlices = firstSlices
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// rotationCandidates converts the -rotsearch degree list to radians.
func rotationCandidates() ([]float64, error) {
	degs, err := parseCSVFloatSlice(*rotSearch)
	if err != nil || degs == nil {
		return nil, err
	}
	rads := make([]float64, len(degs))
	for i, d := range degs {
		rads[i] = units.Deg2Rad(d)
	}
	return rads, nil
}

// processExposure runs the full extraction for one input file: load, fit
// every slice, derive observables, write the per-exposure set, and record
// the run when a database is configured.
func processExposure(ctx context.Context, inst instruments.Instrument, cfg *config.PipelineConfig, rdb *obsdb.DB, path string) error {
	fsys := fsutil.OSFileSystem{}
	started := time.Now().UTC()

	exp, err := inst.Load(fsys, path, instruments.LoadOptions{
		CutoutSize:    cfg.GetCutoutSize(),
		FirstSlices:   cfg.GetFirstSlices(),
		PlateScaleMas: *plateScale,
	})
	if err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	if len(exp.Cube.Slices) == 0 {
		return fmt.Errorf("load %s: cube has no slices", path)
	}
	log.Printf("loaded %s: source=%s filter=%s slices=%d size=%d",
		path, exp.Source, exp.Filter, len(exp.Cube.Slices), exp.Cube.Slices[0].Size)

	fitter := nrm.NewFitter(exp.Geometry, nrm.FitOptionsFromConfig(cfg))
	guess := nrm.FringeParams{
		X0:         float64(exp.Cube.Slices[0].Size-1) / 2,
		Y0:         float64(exp.Cube.Slices[0].Size-1) / 2,
		PlateScale: exp.PlateScale,
	}

	rotations, err := rotationCandidates()
	if err != nil {
		return err
	}
	if len(rotations) > 0 {
		guess, err = fitter.CoarseRotationSearch(exp.Cube.Slices[0], guess, rotations)
		if err != nil {
			return fmt.Errorf("rotation search %s: %w", path, err)
		}
		log.Printf("coarse rotation search picked %.3f deg", units.Rad2Deg(guess.Rotation))
	}

	res, err := fitter.FitCube(ctx, exp.Cube, guess)
	if err != nil {
		return fmt.Errorf("fit %s: %w", path, err)
	}
	for _, f := range res.Failures {
		log.Printf("slice %d skipped: %v", f.Slice, f.Err)
	}

	obs, err := nrm.DeriveCube(exp.Geometry, res)
	if err != nil {
		return fmt.Errorf("derive %s: %w", path, err)
	}
	rec := &nrm.ExposureRecord{
		Source:     exp.Source,
		Instrument: exp.Instrument,
		Filter:     exp.Filter,
		MJD:        exp.MJD,
		Geometry:   exp.Geometry,
		Slices:     obs,
	}

	dir := filepath.Join(*outDir, exp.RootName)
	if err := oitxt.WriteExposure(fsys, dir, rec, res, *overwrite); err != nil {
		return fmt.Errorf("write %s: %w", dir, err)
	}
	log.Printf("wrote %s: %d of %d slices fit", dir, len(res.Solutions), len(exp.Cube.Slices))

	if rdb != nil {
		run := &obsdb.Run{
			ID:           obsdb.NewRunID(),
			StartedAt:    started,
			Source:       exp.Source,
			Instrument:   exp.Instrument,
			Filter:       exp.Filter,
			Mask:         exp.Geometry.Name(),
			Oversample:   cfg.GetOversample(),
			CutoutSize:   cfg.GetCutoutSize(),
			SlicesTotal:  len(exp.Cube.Slices),
			SlicesFit:    len(res.Solutions),
			SlicesFailed: len(res.Failures),
			OutputDir:    dir,
		}
		if err := rdb.RecordRun(run, obsdb.OutcomesFromResult(res)); err != nil {
			return fmt.Errorf("record run: %w", err)
		}
		log.Printf("recorded run %s", run.ID)
	}
	return nil
}

// Main
func main() {
	flag.Parse()

	if *showVersion {
		fmt.Printf("fringe %s (%s, built %s)\n", version.Version, version.GitSHA, version.BuildTime)
		return
	}

	files := flag.Args()
	if len(files) == 0 {
		log.Fatal("at least one datacube file is required")
	}

	logs := nrm.LogWriters{Ops: os.Stderr}
	if *verbose || *vverbose {
		logs.Diag = os.Stderr
	}
	if *vverbose {
		logs.Trace = os.Stderr
	}
	nrm.SetLogWriters(logs)

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	inst, err := instruments.ByName(*instName)
	if err != nil {
		log.Fatalf("failed to resolve instrument: %v", err)
	}

	var rdb *obsdb.DB
	if *dbFile != "" {
		rdb, err = obsdb.Open(*dbFile)
		if err != nil {
			log.Fatalf("failed to open run database: %v", err)
		}
		defer rdb.Close()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	failed := 0
	for _, path := range files {
		if err := processExposure(ctx, inst, cfg, rdb, path); err != nil {
			if errors.Is(err, context.Canceled) {
				log.Printf("interrupted, stopping after %s", path)
				failed++
				break
			}
			log.Printf("exposure failed: %v", err)
			failed++
		}
	}
	if failed > 0 {
		log.Fatalf("%d of %d exposures failed", failed, len(files))
	}
	log.Printf("extracted %d exposures", len(files))
}

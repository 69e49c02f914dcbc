// Command gen-sim renders synthetic aperture-masking datacubes from the
// fringe forward model, for pipeline shakedowns and test fixtures. The
// output is a self-describing FITS file the Sim instrument adapter loads
// back; injected pistons or a reduced fringe amplitude give the cube a
// known non-trivial signal to recover.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/cmplx"
	"strconv"
	"strings"

	"github.com/aperture-data/fringe.report/internal/fsutil"
	"github.com/aperture-data/fringe.report/internal/nrm"
	"github.com/aperture-data/fringe.report/internal/nrm/instruments"
	"github.com/aperture-data/fringe.report/internal/units"
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

// injectedFringes builds per-baseline complex fringes from hole pistons
// and a global amplitude. Only piston differences matter, so the list
// does not need a zero mean. Nil means a plain point source.
func injectedFringes(geom *nrm.MaskGeometry, pistons []float64, amp float64) ([]complex128, error) {
	if pistons == nil && amp == 1 {
		return nil, nil
	}
	if pistons != nil && len(pistons) != geom.NHoles() {
		return nil, fmt.Errorf("%d pistons for a %d-hole mask", len(pistons), geom.NHoles())
	}
	fringes := make([]complex128, geom.NBaselines())
	for k, b := range geom.Baselines() {
		phase := 0.0
		if pistons != nil {
			phase = pistons[b.J] - pistons[b.I]
		}
		fringes[k] = complex(amp, 0) * cmplx.Exp(complex(0, phase))
	}
	return fringes, nil
}

func main() {
	maskName := flag.String("mask", "G7S6", "Mask geometry to simulate (G7S6 builtin)")
	filter := flag.String("filter", "F480M", "Filter band of the builtin mask")
	outFile := flag.String("o", "sim.fits", "Output FITS file")
	overwrite := flag.Bool("overwrite", false, "Replace an existing output file")
	target := flag.String("target", "SIMSRC", "Simulated source name")
	slices := flag.Int("slices", 3, "Number of cube slices")
	size := flag.Int("size", 0, "Cutout side in pixels (0 keeps the generator default)")
	oversample := flag.Int("oversample", 3, "Forward-model oversampling factor")
	flux := flag.Float64("flux", 1e4, "Total source flux per slice")
	noise := flag.Float64("noise", 0, "Additive gaussian sigma per pixel (0 = noiseless)")
	seed := flag.Int64("seed", 1, "Noise RNG seed")
	plateScale := flag.Float64("platescale", 65.6, "Plate scale in mas/pixel")
	amp := flag.Float64("amp", 1, "Fringe amplitude applied to every baseline")
	pistonList := flag.String("pistons", "", "Comma-separated per-hole pistons in radians")
	mjd := flag.Float64("mjd", 0, "Observation MJD card (0 omits it)")
	flag.Parse()

	var geom *nrm.MaskGeometry
	var err error
	switch strings.ToLower(*maskName) {
	case "g7s6":
		geom, err = instruments.G7S6{}.Geometry(*filter)
	default:
		log.Fatalf("unknown mask %q", *maskName)
	}
	if err != nil {
		log.Fatalf("failed to build mask geometry: %v", err)
	}

	pistons, err := parseCSVFloatSlice(*pistonList)
	if err != nil {
		log.Fatalf("invalid -pistons: %v", err)
	}
	fringes, err := injectedFringes(geom, pistons, *amp)
	if err != nil {
		log.Fatalf("invalid injection: %v", err)
	}

	gen := nrm.NewSyntheticGenerator(geom, *oversample, *seed)
	gen.Flux = *flux
	gen.Noise = *noise
	gen.Params.PlateScale = units.Mas2Rad(*plateScale)
	if *size > 0 {
		gen.Size = *size
		gen.Params.X0 = float64(*size-1) / 2
		gen.Params.Y0 = float64(*size-1) / 2
	}

	cube, err := gen.Cube(*slices, fringes)
	if err != nil {
		log.Fatalf("failed to render cube: %v", err)
	}

	sim := &instruments.SimExposure{
		Source:        *target,
		Filter:        *filter,
		MJD:           *mjd,
		PlateScaleMas: *plateScale,
		Geometry:      geom,
		Cube:          cube,
	}
	if err := instruments.WriteSimFITS(fsutil.OSFileSystem{}, *outFile, sim, *overwrite); err != nil {
		log.Fatalf("failed to write %s: %v", *outFile, err)
	}
	log.Printf("wrote %s: %d slices of %dpx, %d-hole mask %s",
		*outFile, len(cube.Slices), gen.Size, geom.NHoles(), geom.Name())
}

// Package oitxt persists per-exposure fringe solutions as plain text,
// one directory per exposure:
//
//	exposure.json   observing metadata + mask geometry
//	params_NN.txt   converged registration parameters and fit statistics
//	coeffs_NN.txt   raw basis coefficients with sigmas
//	vis2_NN.txt     squared visibility per baseline
//	cps_NN.txt      closure phase per triangle (radians)
//	pistons_NN.txt  per-hole piston phases (radians)
//
// NN is the zero-padded cube slice index. The text side is diagnostic
// and human-greppable; the calibration stage reads back only
// exposure.json, vis2 and cps.
package oitxt

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/aperture-data/fringe.report/internal/fsutil"
	"github.com/aperture-data/fringe.report/internal/nrm"
)

const metaFile = "exposure.json"

type maskDoc struct {
	Name          string       `json:"name"`
	HoleDiameterM float64      `json:"hole_diameter_m"`
	WavelengthM   float64      `json:"wavelength_m"`
	BandwidthM    float64      `json:"bandwidth_m"`
	Holes         [][2]float64 `json:"holes"`
}

type failureDoc struct {
	Slice  int    `json:"slice"`
	Reason string `json:"reason"`
}

type exposureDoc struct {
	Source     string       `json:"source"`
	Instrument string       `json:"instrument"`
	Filter     string       `json:"filter"`
	MJD        float64      `json:"mjd"`
	Mask       maskDoc      `json:"mask"`
	Slices     []int        `json:"slices"`
	Failures   []failureDoc `json:"failures,omitempty"`
}

// WriteExposure writes one exposure's solution tree under dir. The
// record's observables pair positionally with res.Solutions. An existing
// exposure.json means the directory already holds a run; without
// overwrite that is a *fsutil.ConflictError and nothing is touched.
func WriteExposure(fsys fsutil.FileSystem, dir string, rec *nrm.ExposureRecord, res *nrm.CubeResult, overwrite bool) error {
	if rec.Geometry == nil {
		return fmt.Errorf("exposure %q has no geometry", rec.Source)
	}
	if len(rec.Slices) != len(res.Solutions) {
		return fmt.Errorf("%d observables for %d solutions", len(rec.Slices), len(res.Solutions))
	}
	metaPath := filepath.Join(dir, metaFile)
	if err := fsutil.EnsureWritable(fsys, metaPath, overwrite); err != nil {
		return err
	}
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return err
	}

	for i, sol := range res.Solutions {
		obs := rec.Slices[i]
		nn := sol.Slice
		if err := writeParams(fsys, dir, nn, sol); err != nil {
			return err
		}
		if err := writeCoeffs(fsys, dir, nn, sol); err != nil {
			return err
		}
		if err := writeVis2(fsys, dir, nn, rec.Geometry, obs); err != nil {
			return err
		}
		if err := writeCPs(fsys, dir, nn, rec.Geometry, obs); err != nil {
			return err
		}
		if err := writePistons(fsys, dir, nn, sol); err != nil {
			return err
		}
	}

	doc := exposureDoc{
		Source:     rec.Source,
		Instrument: rec.Instrument,
		Filter:     rec.Filter,
		MJD:        rec.MJD,
		Mask:       maskToDoc(rec.Geometry),
		Slices:     make([]int, 0, len(res.Solutions)),
	}
	for _, sol := range res.Solutions {
		doc.Slices = append(doc.Slices, sol.Slice)
	}
	for _, f := range res.Failures {
		doc.Failures = append(doc.Failures, failureDoc{Slice: f.Slice, Reason: f.Err.Error()})
	}
	blob, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	// Metadata lands last so a complete exposure.json implies a complete
	// directory.
	return fsutil.WriteFileAtomic(fsys, metaPath, append(blob, '\n'), 0o644)
}

func maskToDoc(g *nrm.MaskGeometry) maskDoc {
	holes := g.Holes()
	doc := maskDoc{
		Name:          g.Name(),
		HoleDiameterM: g.HoleDiameter(),
		WavelengthM:   g.Wavelength(),
		BandwidthM:    g.Bandwidth(),
		Holes:         make([][2]float64, len(holes)),
	}
	for i, h := range holes {
		doc.Holes[i] = [2]float64{h.X, h.Y}
	}
	return doc
}

func sliceFile(prefix string, nn int) string {
	return fmt.Sprintf("%s_%02d.txt", prefix, nn)
}

func writeParams(fsys fsutil.FileSystem, dir string, nn int, sol *nrm.FringeSolution) error {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# converged fit parameters\n")
	fmt.Fprintf(&b, "x0 %s\n", ftoa(sol.Params.X0))
	fmt.Fprintf(&b, "y0 %s\n", ftoa(sol.Params.Y0))
	fmt.Fprintf(&b, "rotation %s\n", ftoa(sol.Params.Rotation))
	fmt.Fprintf(&b, "plate_scale %s\n", ftoa(sol.Params.PlateScale))
	fmt.Fprintf(&b, "residual %s\n", ftoa(sol.Residual))
	fmt.Fprintf(&b, "chisq %s\n", ftoa(sol.ChiSq))
	fmt.Fprintf(&b, "iterations %d\n", sol.Iterations)
	return fsys.WriteFile(filepath.Join(dir, sliceFile("params", nn)), b.Bytes(), 0o644)
}

func writeCoeffs(fsys fsutil.FileSystem, dir string, nn int, sol *nrm.FringeSolution) error {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# Format: index coeff sigma\n")
	for i, c := range sol.Coeffs {
		fmt.Fprintf(&b, "%d %s %s\n", i, ftoa(c), ftoa(sol.Sigmas[i]))
	}
	return fsys.WriteFile(filepath.Join(dir, sliceFile("coeffs", nn)), b.Bytes(), 0o644)
}

func writeVis2(fsys fsutil.FileSystem, dir string, nn int, geom *nrm.MaskGeometry, obs *nrm.Observable) error {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# Format: baseline holeI holeJ vis2 err\n")
	for k, bl := range geom.Baselines() {
		fmt.Fprintf(&b, "%d %d %d %s %s\n", k, bl.I, bl.J, ftoa(obs.V2[k]), ftoa(obs.V2Err[k]))
	}
	return fsys.WriteFile(filepath.Join(dir, sliceFile("vis2", nn)), b.Bytes(), 0o644)
}

func writeCPs(fsys fsutil.FileSystem, dir string, nn int, geom *nrm.MaskGeometry, obs *nrm.Observable) error {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# Format: triangle holeI holeJ holeK cp_rad err_rad\n")
	for t, tri := range geom.Triangles() {
		fmt.Fprintf(&b, "%d %d %d %d %s %s\n", t, tri.I, tri.J, tri.K, ftoa(obs.CP[t]), ftoa(obs.CPErr[t]))
	}
	return fsys.WriteFile(filepath.Join(dir, sliceFile("cps", nn)), b.Bytes(), 0o644)
}

func writePistons(fsys fsutil.FileSystem, dir string, nn int, sol *nrm.FringeSolution) error {
	var b bytes.Buffer
	fmt.Fprintf(&b, "# Format: hole piston_rad\n")
	for h, p := range sol.Pistons {
		fmt.Fprintf(&b, "%d %s\n", h, ftoa(p))
	}
	return fsys.WriteFile(filepath.Join(dir, sliceFile("pistons", nn)), b.Bytes(), 0o644)
}

// ftoa round-trips a float64 exactly.
func ftoa(v float64) string {
	return strconv.FormatFloat(v, 'e', 16, 64)
}

// ReadExposure reconstructs an exposure record from dir: metadata and
// geometry from exposure.json, per-slice observables from the vis2 and
// cps files named in it.
func ReadExposure(fsys fsutil.FileSystem, dir string) (*nrm.ExposureRecord, error) {
	blob, err := fsys.ReadFile(filepath.Join(dir, metaFile))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", dir, err)
	}
	var doc exposureDoc
	if err := json.Unmarshal(blob, &doc); err != nil {
		return nil, fmt.Errorf("parse %s/%s: %w", dir, metaFile, err)
	}

	holes := make([]nrm.Hole, len(doc.Mask.Holes))
	for i, h := range doc.Mask.Holes {
		holes[i] = nrm.Hole{X: h[0], Y: h[1]}
	}
	geom, err := nrm.NewMaskGeometry(doc.Mask.Name, holes, doc.Mask.HoleDiameterM,
		doc.Mask.WavelengthM, doc.Mask.BandwidthM)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dir, err)
	}

	rec := &nrm.ExposureRecord{
		Source:     doc.Source,
		Instrument: doc.Instrument,
		Filter:     doc.Filter,
		MJD:        doc.MJD,
		Geometry:   geom,
	}

	slices := append([]int(nil), doc.Slices...)
	sort.Ints(slices)
	for _, nn := range slices {
		obs, err := readSliceObservable(fsys, dir, nn, geom)
		if err != nil {
			return nil, err
		}
		rec.Slices = append(rec.Slices, obs)
	}
	if len(rec.Slices) == 0 {
		return nil, fmt.Errorf("%s: exposure has no converged slices", dir)
	}
	return rec, nil
}

func readSliceObservable(fsys fsutil.FileSystem, dir string, nn int, geom *nrm.MaskGeometry) (*nrm.Observable, error) {
	obs := &nrm.Observable{
		V2:    make([]float64, geom.NBaselines()),
		V2Err: make([]float64, geom.NBaselines()),
		CP:    make([]float64, geom.NTriangles()),
		CPErr: make([]float64, geom.NTriangles()),
	}

	path := filepath.Join(dir, sliceFile("vis2", nn))
	if err := readTable(fsys, path, 5, func(fields []float64) error {
		k := int(fields[0])
		if k < 0 || k >= len(obs.V2) {
			return fmt.Errorf("baseline index %d out of range", k)
		}
		obs.V2[k] = fields[3]
		obs.V2Err[k] = fields[4]
		return nil
	}); err != nil {
		return nil, err
	}

	path = filepath.Join(dir, sliceFile("cps", nn))
	if err := readTable(fsys, path, 6, func(fields []float64) error {
		t := int(fields[0])
		if t < 0 || t >= len(obs.CP) {
			return fmt.Errorf("triangle index %d out of range", t)
		}
		obs.CP[t] = fields[4]
		obs.CPErr[t] = fields[5]
		return nil
	}); err != nil {
		return nil, err
	}

	return obs, nil
}

// readTable parses a space-separated numeric table, skipping blank and
// comment lines.
func readTable(fsys fsutil.FileSystem, path string, ncols int, row func([]float64) error) error {
	blob, err := fsys.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read %s: %w", path, err)
	}
	for lineno, line := range strings.Split(string(blob), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Fields(line)
		if len(parts) != ncols {
			return fmt.Errorf("%s:%d: %d columns, want %d", path, lineno+1, len(parts), ncols)
		}
		fields := make([]float64, ncols)
		for i, p := range parts {
			v, err := strconv.ParseFloat(p, 64)
			if err != nil {
				return fmt.Errorf("%s:%d: %w", path, lineno+1, err)
			}
			fields[i] = v
		}
		if err := row(fields); err != nil {
			return fmt.Errorf("%s:%d: %w", path, lineno+1, err)
		}
	}
	return nil
}

// ListExposures returns the sub-directories of root that hold a complete
// exposure (an exposure.json), sorted by name.
func ListExposures(fsys fsutil.FileSystem, root string) ([]string, error) {
	entries, err := fsys.ReadDir(root)
	if err != nil {
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		dir := filepath.Join(root, e.Name())
		if fsys.Exists(filepath.Join(dir, metaFile)) {
			dirs = append(dirs, dir)
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

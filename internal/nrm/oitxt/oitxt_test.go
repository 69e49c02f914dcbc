package oitxt

import (
	"encoding/json"
	"errors"
	"path/filepath"
	"strings"
	"testing"

	"github.com/aperture-data/fringe.report/internal/fsutil"
	"github.com/aperture-data/fringe.report/internal/nrm"
	"github.com/aperture-data/fringe.report/internal/testutil"
)

func testGeometry(t *testing.T) *nrm.MaskGeometry {
	t.Helper()
	holes := []nrm.Hole{{X: 0, Y: -2.64}, {X: -2.28631, Y: 0}, {X: 2.28631, Y: -1.32}, {X: -1.14315, Y: 1.98}}
	g, err := nrm.NewMaskGeometry("T4", holes, 0.8, 4.8e-6, 3.84e-7)
	testutil.AssertNoError(t, err)
	return g
}

func testSolution(geom *nrm.MaskGeometry, slice int, seed float64) *nrm.FringeSolution {
	nb := geom.NBaselines()
	ncols := 1 + 2*nb
	sol := &nrm.FringeSolution{
		Slice: slice,
		Params: nrm.FringeParams{
			X0: 15.5 + seed, Y0: 14.25, Rotation: 0.015, PlateScale: 3.18e-7,
		},
		Coeffs:     make([]float64, ncols),
		Sigmas:     make([]float64, ncols),
		Fringes:    make([]complex128, nb),
		FringeErr:  make([]float64, nb),
		Pistons:    []float64{0.01, -0.02, 0.03, -0.02},
		Residual:   12.5 + seed,
		ChiSq:      1.1,
		Iterations: 42,
	}
	for i := range sol.Coeffs {
		sol.Coeffs[i] = seed + float64(i)*0.5
		sol.Sigmas[i] = 0.01 + float64(i)*1e-4
	}
	for k := range sol.Fringes {
		sol.Fringes[k] = complex(0.9, 0.05*(seed+1))
		sol.FringeErr[k] = 0.02
	}
	return sol
}

// testExposure builds a two-slice record with a gap in the slice
// numbering, as a cube with one failed slice produces.
func testExposure(t *testing.T) (*nrm.ExposureRecord, *nrm.CubeResult) {
	t.Helper()
	geom := testGeometry(t)
	s0 := testSolution(geom, 0, 1)
	s2 := testSolution(geom, 2, 2)

	o0, err := nrm.DeriveObservables(geom, s0)
	testutil.AssertNoError(t, err)
	o2, err := nrm.DeriveObservables(geom, s2)
	testutil.AssertNoError(t, err)

	rec := &nrm.ExposureRecord{
		Source:     "AB DOR",
		Instrument: "NIRISS",
		Filter:     "F480M",
		MJD:        59000.5,
		Geometry:   geom,
		Slices:     []*nrm.Observable{o0, o2},
	}
	res := &nrm.CubeResult{
		Solutions: []*nrm.FringeSolution{s0, s2},
		Failures: []nrm.SliceFailure{
			{Slice: 1, Err: &nrm.FitConvergenceError{Slice: 1, Reason: "every pixel is flagged"}},
		},
	}
	return rec, res
}

func TestWriteReadRoundTrip(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	rec, res := testExposure(t)

	testutil.AssertNoError(t, WriteExposure(fsys, "/out/abdor_00", rec, res, false))

	// The slice files carry the cube index, not the storage order.
	for _, name := range []string{
		"exposure.json",
		"params_00.txt", "coeffs_00.txt", "vis2_00.txt", "cps_00.txt", "pistons_00.txt",
		"params_02.txt", "vis2_02.txt", "cps_02.txt",
	} {
		if !fsys.Exists(filepath.Join("/out/abdor_00", name)) {
			t.Errorf("missing %s", name)
		}
	}

	got, err := ReadExposure(fsys, "/out/abdor_00")
	testutil.AssertNoError(t, err)

	if got.Source != "AB DOR" || got.Instrument != "NIRISS" || got.Filter != "F480M" {
		t.Errorf("metadata = %q/%q/%q", got.Source, got.Instrument, got.Filter)
	}
	if got.MJD != 59000.5 {
		t.Errorf("MJD = %g", got.MJD)
	}
	if !got.Geometry.SameIndexing(rec.Geometry) {
		t.Error("geometry indexing did not survive")
	}
	testutil.AssertClose(t, got.Geometry.Wavelength(), rec.Geometry.Wavelength(), 0)
	testutil.AssertClose(t, got.Geometry.Bandwidth(), rec.Geometry.Bandwidth(), 0)

	if len(got.Slices) != 2 {
		t.Fatalf("got %d slices, want 2", len(got.Slices))
	}
	for i := range rec.Slices {
		testutil.AssertAllClose(t, got.Slices[i].V2, rec.Slices[i].V2, 0)
		testutil.AssertAllClose(t, got.Slices[i].V2Err, rec.Slices[i].V2Err, 0)
		testutil.AssertAllClose(t, got.Slices[i].CP, rec.Slices[i].CP, 0)
		testutil.AssertAllClose(t, got.Slices[i].CPErr, rec.Slices[i].CPErr, 0)
	}
}

func TestWriteExposureConflict(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	rec, res := testExposure(t)

	testutil.AssertNoError(t, WriteExposure(fsys, "/out/e", rec, res, false))
	err := WriteExposure(fsys, "/out/e", rec, res, false)
	var conflict *fsutil.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("error %v is not a *fsutil.ConflictError", err)
	}
	testutil.AssertNoError(t, WriteExposure(fsys, "/out/e", rec, res, true))
}

func TestWriteExposureValidation(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	rec, res := testExposure(t)

	noGeom := *rec
	noGeom.Geometry = nil
	testutil.AssertError(t, WriteExposure(fsys, "/out/x", &noGeom, res, false))

	short := *rec
	short.Slices = rec.Slices[:1]
	testutil.AssertError(t, WriteExposure(fsys, "/out/y", &short, res, false))
}

func TestExposureJSONRecordsFailures(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	rec, res := testExposure(t)
	testutil.AssertNoError(t, WriteExposure(fsys, "/out/e", rec, res, false))

	blob, err := fsys.ReadFile("/out/e/exposure.json")
	testutil.AssertNoError(t, err)
	var doc exposureDoc
	testutil.AssertNoError(t, json.Unmarshal(blob, &doc))

	if len(doc.Slices) != 2 || doc.Slices[0] != 0 || doc.Slices[1] != 2 {
		t.Errorf("slices = %v, want [0 2]", doc.Slices)
	}
	if len(doc.Failures) != 1 || doc.Failures[0].Slice != 1 {
		t.Fatalf("failures = %+v", doc.Failures)
	}
	if !strings.Contains(doc.Failures[0].Reason, "flagged") {
		t.Errorf("failure reason = %q", doc.Failures[0].Reason)
	}
	if len(doc.Mask.Holes) != 4 {
		t.Errorf("mask holes = %d, want 4", len(doc.Mask.Holes))
	}
}

func TestReadExposureRejectsEmpty(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	rec, _ := testExposure(t)
	empty := *rec
	empty.Slices = nil

	testutil.AssertNoError(t, WriteExposure(fsys, "/out/none", &empty, &nrm.CubeResult{}, false))
	_, err := ReadExposure(fsys, "/out/none")
	testutil.AssertError(t, err)
}

func TestReadExposureCorruptTable(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	rec, res := testExposure(t)
	testutil.AssertNoError(t, WriteExposure(fsys, "/out/e", rec, res, false))

	// Wrong column count on a data line.
	testutil.AssertNoError(t, fsys.WriteFile("/out/e/vis2_00.txt", []byte("# Format: baseline holeI holeJ vis2 err\n0 0 1\n"), 0o644))
	_, err := ReadExposure(fsys, "/out/e")
	testutil.AssertError(t, err)

	// Non-numeric field.
	testutil.AssertNoError(t, fsys.WriteFile("/out/e/vis2_00.txt", []byte("0 0 1 abc 0.1\n"), 0o644))
	_, err = ReadExposure(fsys, "/out/e")
	testutil.AssertError(t, err)

	// Out-of-range baseline index.
	testutil.AssertNoError(t, fsys.WriteFile("/out/e/vis2_00.txt", []byte("99 0 1 1.0 0.1\n"), 0o644))
	_, err = ReadExposure(fsys, "/out/e")
	testutil.AssertError(t, err)
}

func TestListExposures(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	rec, res := testExposure(t)

	testutil.AssertNoError(t, WriteExposure(fsys, "/runs/b_cal", rec, res, false))
	testutil.AssertNoError(t, WriteExposure(fsys, "/runs/a_tgt", rec, res, false))
	// A directory without metadata is not an exposure.
	testutil.AssertNoError(t, fsys.MkdirAll("/runs/scratch", 0o755))
	testutil.AssertNoError(t, fsys.WriteFile("/runs/scratch/notes.txt", []byte("x"), 0o644))

	dirs, err := ListExposures(fsys, "/runs")
	testutil.AssertNoError(t, err)
	if len(dirs) != 2 || dirs[0] != "/runs/a_tgt" || dirs[1] != "/runs/b_cal" {
		t.Errorf("dirs = %v", dirs)
	}
}

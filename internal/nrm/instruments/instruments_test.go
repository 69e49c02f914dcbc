package instruments

import (
	"errors"
	"testing"

	"github.com/aperture-data/fringe.report/internal/fits"
	"github.com/aperture-data/fringe.report/internal/fsutil"
	"github.com/aperture-data/fringe.report/internal/nrm"
	"github.com/aperture-data/fringe.report/internal/testutil"
	"github.com/aperture-data/fringe.report/internal/units"
)

// writeTestFITS encodes and stores a FITS file on the in-memory
// filesystem.
func writeTestFITS(t *testing.T, fsys fsutil.FileSystem, path string, f *fits.File) {
	t.Helper()
	data, err := f.Encode()
	testutil.AssertNoError(t, err)
	testutil.AssertNoError(t, fsys.WriteFile(path, data, 0o644))
}

// maskedCubeFile builds a minimal masked-imaging observation: a pixel
// cube in the primary array plus a DQ extension.
func maskedCubeFile(nslices, size int, cards map[string]any, dqAt []int) *fits.File {
	pix := make([]float64, nslices*size*size)
	for i := range pix {
		pix[i] = float64(i % 97)
	}
	sci := fits.NewImage(-64, []int{nslices, size, size}, pix)
	for k, v := range cards {
		sci.Header.Set(k, v, "")
	}
	f := &fits.File{HDUs: []*fits.HDU{{Header: sci.Header, Image: sci}}}

	if dqAt != nil {
		dq := make([]float64, nslices*size*size)
		for _, i := range dqAt {
			dq[i] = 4
		}
		dqImg := fits.NewImage(16, []int{nslices, size, size}, dq)
		dqImg.Header.Set("EXTNAME", "DQ", "")
		f.HDUs = append(f.HDUs, &fits.HDU{Header: dqImg.Header, Image: dqImg})
	}
	return f
}

func TestByName(t *testing.T) {
	cases := []struct {
		arg  string
		want string
	}{
		{"g7s6", "G7S6"},
		{"NIRISS", "G7S6"},
		{"sim", "Simulated"},
		{"Simulated", "Simulated"},
	}
	for _, tc := range cases {
		inst, err := ByName(tc.arg)
		if err != nil {
			t.Fatalf("ByName(%q): %v", tc.arg, err)
		}
		if inst.Name() != tc.want {
			t.Errorf("ByName(%q).Name() = %q, want %q", tc.arg, inst.Name(), tc.want)
		}
	}
	if _, err := ByName("keck"); err == nil {
		t.Error("unknown instrument accepted")
	}
}

func TestG7S6Geometry(t *testing.T) {
	geom, err := G7S6{}.Geometry("F480M")
	testutil.AssertNoError(t, err)
	if geom.NHoles() != 7 || geom.NBaselines() != 21 || geom.NTriangles() != 15 {
		t.Errorf("geometry %d/%d/%d, want 7/21/15", geom.NHoles(), geom.NBaselines(), geom.NTriangles())
	}
	testutil.AssertClose(t, geom.Wavelength(), 4.8e-6, 1e-18)
	testutil.AssertClose(t, geom.Bandwidth(), 4.8e-6*0.08, 1e-18)

	// Filter names resolve case-insensitively.
	lower, err := G7S6{}.Geometry("f380m")
	testutil.AssertNoError(t, err)
	testutil.AssertClose(t, lower.Wavelength(), 3.8e-6, 1e-18)

	if _, err := (G7S6{}).Geometry("F999X"); err == nil {
		t.Error("unknown filter accepted")
	}
}

func TestG7S6Load(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	const size = 12
	f := maskedCubeFile(2, size, map[string]any{
		"FILTER":   "F480M",
		"TARGNAME": "AB DOR",
		"INSTRUME": "NIRISS",
		"EXPSTART": 59000.5,
	}, []int{5, size*size + 17})
	writeTestFITS(t, fsys, "/data/abdor_nis.fits", f)

	exp, err := G7S6{}.Load(fsys, "/data/abdor_nis.fits", LoadOptions{})
	testutil.AssertNoError(t, err)

	if exp.Source != "AB DOR" || exp.Instrument != "NIRISS" || exp.Filter != "F480M" {
		t.Errorf("metadata = %q/%q/%q", exp.Source, exp.Instrument, exp.Filter)
	}
	if exp.MJD != 59000.5 {
		t.Errorf("MJD = %g, want 59000.5", exp.MJD)
	}
	if exp.RootName != "abdor_nis" {
		t.Errorf("RootName = %q, want abdor_nis", exp.RootName)
	}
	testutil.AssertClose(t, exp.PlateScale, units.Mas2Rad(65.6), 1e-18)
	if exp.Geometry.NBaselines() != 21 {
		t.Errorf("NBaselines = %d, want 21", exp.Geometry.NBaselines())
	}
	if len(exp.Cube.Slices) != 2 {
		t.Fatalf("got %d slices, want 2", len(exp.Cube.Slices))
	}
	// DQ nonzero marks pixels bad, per slice.
	if !exp.Cube.Slices[0].Bad[5] || exp.Cube.Slices[1].Bad[5] {
		t.Error("slice 0 DQ flag misplaced")
	}
	if !exp.Cube.Slices[1].Bad[17] || exp.Cube.Slices[0].Bad[17] {
		t.Error("slice 1 DQ flag misplaced")
	}
}

func TestG7S6LoadSciExtension(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()

	// Header-only primary; pixels live in a SCI extension.
	pri := fits.NewImage(8, nil, nil)
	pri.Header.Set("FILTER", "F430M", "")
	pix := make([]float64, 10*10)
	sci := fits.NewImage(-32, []int{10, 10}, pix)
	sci.Header.Set("EXTNAME", "SCI", "")
	f := &fits.File{HDUs: []*fits.HDU{
		{Header: pri.Header, Image: pri},
		{Header: sci.Header, Image: sci},
	}}
	writeTestFITS(t, fsys, "/data/ext.fits", f)

	exp, err := G7S6{}.Load(fsys, "/data/ext.fits", LoadOptions{})
	testutil.AssertNoError(t, err)
	if len(exp.Cube.Slices) != 1 {
		t.Fatalf("got %d slices, want 1 promoted from the 2D frame", len(exp.Cube.Slices))
	}
	if exp.Cube.Slices[0].Size != 10 {
		t.Errorf("slice size = %d, want 10", exp.Cube.Slices[0].Size)
	}
}

func TestG7S6LoadMissingFilter(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	writeTestFITS(t, fsys, "/data/nofilter.fits", maskedCubeFile(1, 8, nil, nil))

	_, err := G7S6{}.Load(fsys, "/data/nofilter.fits", LoadOptions{})
	testutil.AssertError(t, err)
}

func TestG7S6LoadPlateScaleOverride(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	writeTestFITS(t, fsys, "/data/a.fits", maskedCubeFile(1, 8, map[string]any{"FILTER": "F277W"}, nil))

	exp, err := G7S6{}.Load(fsys, "/data/a.fits", LoadOptions{PlateScaleMas: 30})
	testutil.AssertNoError(t, err)
	testutil.AssertClose(t, exp.PlateScale, units.Mas2Rad(30), 1e-18)
}

func TestBuildCubeFirstSlices(t *testing.T) {
	sci := fits.NewImage(-64, []int{4, 6, 6}, make([]float64, 4*36))
	cube, err := buildCube(sci, nil, LoadOptions{FirstSlices: 2})
	testutil.AssertNoError(t, err)
	if len(cube.Slices) != 2 {
		t.Errorf("got %d slices, want 2", len(cube.Slices))
	}

	// Asking for more slices than exist keeps them all.
	cube, err = buildCube(sci, nil, LoadOptions{FirstSlices: 9})
	testutil.AssertNoError(t, err)
	if len(cube.Slices) != 4 {
		t.Errorf("got %d slices, want 4", len(cube.Slices))
	}
}

func TestBuildCubeCutout(t *testing.T) {
	// 8x8 frame, peak at row 2 col 3: a 4px window lands at rows 0-3,
	// cols 1-4.
	pix := make([]float64, 64)
	for i := range pix {
		pix[i] = float64(i)
	}
	pix[2*8+3] = 1000
	sci := fits.NewImage(-64, []int{8, 8}, pix)

	cube, err := buildCube(sci, nil, LoadOptions{CutoutSize: 4})
	testutil.AssertNoError(t, err)
	img := cube.Slices[0]
	if img.Size != 4 {
		t.Fatalf("cutout size = %d, want 4", img.Size)
	}
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			if img.Pix[r*4+c] != pix[r*8+1+c] {
				t.Fatalf("cutout pixel (%d,%d) = %g, want %g", r, c, img.Pix[r*4+c], pix[r*8+1+c])
			}
		}
	}

	if _, err := buildCube(sci, nil, LoadOptions{CutoutSize: 20}); err == nil {
		t.Error("cutout larger than the frame accepted")
	}
}

func TestBuildCubeCutoutClamped(t *testing.T) {
	// Peak in the corner: the window clamps to the frame edge.
	pix := make([]float64, 36)
	pix[0] = 10
	sci := fits.NewImage(-64, []int{6, 6}, pix)

	cube, err := buildCube(sci, nil, LoadOptions{CutoutSize: 4})
	testutil.AssertNoError(t, err)
	if cube.Slices[0].Pix[0] != 10 {
		t.Error("clamped window lost the corner peak")
	}
}

func TestBuildCubeRectangularNeedsCutout(t *testing.T) {
	sci := fits.NewImage(-64, []int{6, 8}, make([]float64, 48))
	if _, err := buildCube(sci, nil, LoadOptions{}); err == nil {
		t.Error("rectangular frame accepted without a cutout")
	}
}

func TestBuildCubeDQShapes(t *testing.T) {
	sci := fits.NewImage(-64, []int{3, 6, 6}, make([]float64, 3*36))

	// One DQ plane covers every slice.
	dq := make([]float64, 36)
	dq[7] = 1
	shared := fits.NewImage(16, []int{6, 6}, dq)
	cube, err := buildCube(sci, shared, LoadOptions{})
	testutil.AssertNoError(t, err)
	for s, img := range cube.Slices {
		if !img.Bad[7] {
			t.Errorf("slice %d missing the shared DQ flag", s)
		}
	}

	// Mismatched pixel grid is rejected.
	wrong := fits.NewImage(16, []int{5, 5}, make([]float64, 25))
	if _, err := buildCube(sci, wrong, LoadOptions{}); err == nil {
		t.Error("mismatched DQ grid accepted")
	}
	// Slice count must be 1 or match the cube.
	two := fits.NewImage(16, []int{2, 6, 6}, make([]float64, 2*36))
	if _, err := buildCube(sci, two, LoadOptions{}); err == nil {
		t.Error("two-plane DQ for a three-slice cube accepted")
	}
}

func simTestExposure(t *testing.T) *SimExposure {
	t.Helper()
	holes := []nrm.Hole{{X: 0, Y: -2.64}, {X: -2.28631, Y: 0}, {X: 2.28631, Y: -1.32}, {X: -1.14315, Y: 1.98}}
	geom, err := nrm.NewMaskGeometry("SIM4", holes, 0.8, 4.8e-6, 3.84e-7)
	testutil.AssertNoError(t, err)

	gen := nrm.NewSyntheticGenerator(geom, 1, 11)
	gen.Size = 16
	gen.Params.X0, gen.Params.Y0 = 7.5, 7.5
	cube, err := gen.Cube(2, nil)
	testutil.AssertNoError(t, err)

	// One flagged pixel on the second slice only.
	cube.Slices[1].Bad = make([]bool, 16*16)
	cube.Slices[1].Bad[33] = true

	return &SimExposure{
		Source:        "SIM STAR",
		Filter:        "SIMK",
		MJD:           60000.25,
		PlateScaleMas: 65.6,
		Geometry:      geom,
		Cube:          cube,
	}
}

func TestWriteSimFITSRoundTrip(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	sim := simTestExposure(t)
	testutil.AssertNoError(t, WriteSimFITS(fsys, "/sim/cube.fits", sim, false))

	exp, err := Simulated{}.Load(fsys, "/sim/cube.fits", LoadOptions{})
	testutil.AssertNoError(t, err)

	if exp.Source != "SIM STAR" || exp.Filter != "SIMK" || exp.Instrument != "SIMULATED" {
		t.Errorf("metadata = %q/%q/%q", exp.Source, exp.Filter, exp.Instrument)
	}
	if exp.MJD != 60000.25 {
		t.Errorf("MJD = %g, want 60000.25", exp.MJD)
	}
	testutil.AssertClose(t, exp.PlateScale, units.Mas2Rad(65.6), 1e-18)

	if exp.Geometry.Name() != "SIM4" || !exp.Geometry.SameIndexing(sim.Geometry) {
		t.Error("mask geometry did not survive the round trip")
	}
	gotHoles, wantHoles := exp.Geometry.Holes(), sim.Geometry.Holes()
	for i := range wantHoles {
		testutil.AssertClose(t, gotHoles[i].X, wantHoles[i].X, 1e-12)
		testutil.AssertClose(t, gotHoles[i].Y, wantHoles[i].Y, 1e-12)
	}
	testutil.AssertClose(t, exp.Geometry.Wavelength(), 4.8e-6, 1e-18)
	testutil.AssertClose(t, exp.Geometry.HoleDiameter(), 0.8, 1e-12)

	if len(exp.Cube.Slices) != 2 {
		t.Fatalf("got %d slices, want 2", len(exp.Cube.Slices))
	}
	for s := range exp.Cube.Slices {
		testutil.AssertAllClose(t, exp.Cube.Slices[s].Pix, sim.Cube.Slices[s].Pix, 1e-9)
	}
	if exp.Cube.Slices[0].Bad != nil && exp.Cube.Slices[0].Bad[33] {
		t.Error("slice 0 inherited slice 1's flag")
	}
	if !exp.Cube.Slices[1].Bad[33] {
		t.Error("slice 1 flag lost in the round trip")
	}
}

func TestWriteSimFITSConflict(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	sim := simTestExposure(t)

	testutil.AssertNoError(t, WriteSimFITS(fsys, "/sim/cube.fits", sim, false))
	err := WriteSimFITS(fsys, "/sim/cube.fits", sim, false)
	var conflict *fsutil.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("error %v is not a *fsutil.ConflictError", err)
	}
	testutil.AssertNoError(t, WriteSimFITS(fsys, "/sim/cube.fits", sim, true))
}

func TestWriteSimFITSRejectsRaggedCube(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	sim := simTestExposure(t)
	sim.Cube.Slices[1] = &nrm.Image{Size: 8, Pix: make([]float64, 64)}
	testutil.AssertError(t, WriteSimFITS(fsys, "/sim/bad.fits", sim, false))
}

func TestSimLoadMissingAperture(t *testing.T) {
	fsys := fsutil.NewMemoryFileSystem()
	f := maskedCubeFile(1, 8, map[string]any{"WAVEL": 4.8e-6, "HDIA": 0.8}, nil)
	writeTestFITS(t, fsys, "/sim/noap.fits", f)

	_, err := Simulated{}.Load(fsys, "/sim/noap.fits", LoadOptions{})
	testutil.AssertError(t, err)
}

func TestRootName(t *testing.T) {
	if got := rootName("/a/b/jw01093001_nis.fits"); got != "jw01093001_nis" {
		t.Errorf("rootName = %q", got)
	}
	if got := rootName("plain"); got != "plain" {
		t.Errorf("rootName = %q", got)
	}
}

func TestClamp(t *testing.T) {
	if clamp(5, 0, 3) != 3 || clamp(-2, 0, 3) != 0 || clamp(2, 0, 3) != 2 {
		t.Error("clamp bounds wrong")
	}
}

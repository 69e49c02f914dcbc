package instruments

import (
	"fmt"
	"os"

	"github.com/aperture-data/fringe.report/internal/fits"
	"github.com/aperture-data/fringe.report/internal/fsutil"
	"github.com/aperture-data/fringe.report/internal/nrm"
	"github.com/aperture-data/fringe.report/internal/units"
)

// Simulated reads cubes written by WriteSimFITS: the full observation is
// self-describing, with the mask carried in an APERTURE table so no
// builtin descriptor is needed.
type Simulated struct{}

func (Simulated) Name() string { return "Simulated" }

func (Simulated) Load(fsys fsutil.FileSystem, path string, opts LoadOptions) (*Exposure, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	f, err := fits.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	pri := f.Primary()
	if pri == nil || pri.Image == nil || pri.Image.NPix() == 0 {
		return nil, fmt.Errorf("%s: no pixel cube in the primary array", path)
	}
	hdr := pri.Header

	geom, err := simGeometry(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	var dq *fits.Image
	if hdu, ok := f.ByName("DQ"); ok && hdu.Image != nil {
		dq = hdu.Image
	}
	cube, err := buildCube(pri.Image, dq, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	scaleMas := opts.PlateScaleMas
	if scaleMas <= 0 {
		if v, ok := hdr.Float("PSCALE"); ok {
			scaleMas = v
		} else {
			scaleMas = g7s6PlateScaleMas
		}
	}

	exp := &Exposure{
		Source:     rootName(path),
		Instrument: "SIMULATED",
		Filter:     "SIM",
		RootName:   rootName(path),
		PlateScale: units.Mas2Rad(scaleMas),
		Geometry:   geom,
		Cube:       cube,
	}
	if v, ok := hdr.Str("TARGNAME"); ok && v != "" {
		exp.Source = v
	}
	if v, ok := hdr.Str("FILTER"); ok && v != "" {
		exp.Filter = v
	}
	if v, ok := hdr.Float("MJD-OBS"); ok {
		exp.MJD = v
	}
	return exp, nil
}

// simGeometry rebuilds the mask from the APERTURE table and the bandpass
// cards.
func simGeometry(f *fits.File) (*nrm.MaskGeometry, error) {
	hdu, ok := f.ByName("APERTURE")
	if !ok || hdu.Table == nil {
		return nil, fmt.Errorf("no APERTURE table")
	}
	xs, err := hdu.Table.Floats("X")
	if err != nil {
		return nil, fmt.Errorf("APERTURE table: %w", err)
	}
	ys, err := hdu.Table.Floats("Y")
	if err != nil {
		return nil, fmt.Errorf("APERTURE table: %w", err)
	}
	if len(xs) != len(ys) {
		return nil, fmt.Errorf("APERTURE table: %d X vs %d Y entries", len(xs), len(ys))
	}
	holes := make([]nrm.Hole, len(xs))
	for i := range xs {
		holes[i] = nrm.Hole{X: xs[i], Y: ys[i]}
	}

	hdr := f.Primary().Header
	wavel, ok := hdr.Float("WAVEL")
	if !ok {
		return nil, fmt.Errorf("no WAVEL card")
	}
	bandw, _ := hdr.Float("BANDW")
	hdia, ok := hdr.Float("HDIA")
	if !ok {
		return nil, fmt.Errorf("no HDIA card")
	}
	name, _ := hdr.Str("MASKNAME")
	if name == "" {
		name = "SIM"
	}
	return nrm.NewMaskGeometry(name, holes, hdia, wavel, bandw)
}

// SimExposure describes a synthetic observation for WriteSimFITS.
type SimExposure struct {
	Source        string
	Filter        string
	MJD           float64
	PlateScaleMas float64
	Geometry      *nrm.MaskGeometry
	Cube          *nrm.Cube
}

// WriteSimFITS serializes a synthetic cube in the layout Simulated.Load
// reads: pixel cube in the primary array, observation cards, mask holes
// in an APERTURE table, bad-pixel masks (if any) in a DQ extension.
func WriteSimFITS(fsys fsutil.FileSystem, path string, sim *SimExposure, overwrite bool) error {
	if sim.Geometry == nil || sim.Cube == nil || len(sim.Cube.Slices) == 0 {
		return fmt.Errorf("synthetic exposure is incomplete")
	}
	if err := fsutil.EnsureWritable(fsys, path, overwrite); err != nil {
		return err
	}

	size := sim.Cube.Slices[0].Size
	n := len(sim.Cube.Slices)
	pix := make([]float64, 0, n*size*size)
	anyBad := false
	for i, img := range sim.Cube.Slices {
		if img.Size != size {
			return fmt.Errorf("slice %d is %dpx, slice 0 is %dpx", i, img.Size, size)
		}
		pix = append(pix, img.Pix...)
		anyBad = anyBad || img.Bad != nil
	}

	sci := fits.NewImage(-64, []int{n, size, size}, pix)
	hdr := sci.Header
	hdr.Set("TARGNAME", sim.Source, "simulated source")
	hdr.Set("INSTRUME", "SIMULATED", "")
	hdr.Set("FILTER", sim.Filter, "")
	hdr.Set("MASKNAME", sim.Geometry.Name(), "")
	hdr.Set("PSCALE", sim.PlateScaleMas, "plate scale, mas/pixel")
	hdr.Set("WAVEL", sim.Geometry.Wavelength(), "central wavelength, m")
	hdr.Set("BANDW", sim.Geometry.Bandwidth(), "bandwidth, m")
	hdr.Set("HDIA", sim.Geometry.HoleDiameter(), "hole diameter, m")
	if sim.MJD != 0 {
		hdr.Set("MJD-OBS", sim.MJD, "")
	}

	file := &fits.File{HDUs: []*fits.HDU{{Header: hdr, Image: sci}}}

	if anyBad {
		dq := make([]float64, n*size*size)
		for s, img := range sim.Cube.Slices {
			if img.Bad == nil {
				continue
			}
			for i, bad := range img.Bad {
				if bad {
					dq[s*size*size+i] = 1
				}
			}
		}
		dqImg := fits.NewImage(16, []int{n, size, size}, dq)
		dqImg.Header.Set("EXTNAME", "DQ", "")
		file.HDUs = append(file.HDUs, &fits.HDU{Header: dqImg.Header, Image: dqImg})
	}

	holes := sim.Geometry.Holes()
	idx := make([]int16, len(holes))
	xs := make([]float64, len(holes))
	ys := make([]float64, len(holes))
	for i, h := range holes {
		idx[i] = int16(i + 1)
		xs[i] = h.X
		ys[i] = h.Y
	}
	table := &fits.BinTable{
		Name:   "APERTURE",
		Header: fits.NewHeader(),
		Rows:   len(holes),
		Columns: []fits.Column{
			{Name: "HOLE", Format: "1I", Data: idx},
			{Name: "X", Format: "1D", Unit: "m", Data: xs},
			{Name: "Y", Format: "1D", Unit: "m", Data: ys},
		},
	}
	file.HDUs = append(file.HDUs, &fits.HDU{Header: table.Header, Table: table})

	data, err := file.Encode()
	if err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	return fsutil.WriteFileAtomic(fsys, path, data, os.FileMode(0o644))
}

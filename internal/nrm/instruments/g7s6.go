package instruments

import (
	"fmt"
	"strings"

	"github.com/aperture-data/fringe.report/internal/fits"
	"github.com/aperture-data/fringe.report/internal/fsutil"
	"github.com/aperture-data/fringe.report/internal/nrm"
	"github.com/aperture-data/fringe.report/internal/units"
)

// Hole centers of the 7-hole mask in the NIRISS pupil wheel, meters in
// the telescope pupil projected to the primary-mirror scale.
var g7s6Holes = []nrm.Hole{
	{X: 0, Y: -2.64},
	{X: -2.28631, Y: 0},
	{X: 2.28631, Y: -1.32},
	{X: -2.28631, Y: 1.32},
	{X: -1.14315, Y: 1.98},
	{X: 2.28631, Y: 1.32},
	{X: 1.14315, Y: 1.98},
}

const (
	g7s6HoleDiameter  = 0.8  // meters, flat-to-flat
	g7s6PlateScaleMas = 65.6 // milliarcseconds per pixel
)

// FilterBand is a bandpass: central wavelength in meters plus the
// fractional width.
type FilterBand struct {
	Wavelength    float64
	FracBandwidth float64
}

// Filters supported for masked imaging.
var g7s6Filters = map[string]FilterBand{
	"F277W": {Wavelength: 2.77e-6, FracBandwidth: 0.2},
	"F380M": {Wavelength: 3.8e-6, FracBandwidth: 0.1},
	"F430M": {Wavelength: 4.28521033106325e-6, FracBandwidth: 0.0436},
	"F480M": {Wavelength: 4.8e-6, FracBandwidth: 0.08},
}

// G7S6 loads masked exposures: science pixels from the primary array or
// the SCI extension, bad pixels from the DQ extension, bandpass resolved
// from the FILTER header card.
type G7S6 struct{}

func (G7S6) Name() string { return "G7S6" }

// Geometry returns the mask geometry for one filter.
func (G7S6) Geometry(filter string) (*nrm.MaskGeometry, error) {
	band, ok := g7s6Filters[strings.ToUpper(filter)]
	if !ok {
		return nil, fmt.Errorf("filter %q has no G7S6 bandpass", filter)
	}
	return nrm.NewMaskGeometry("G7S6", g7s6Holes, g7s6HoleDiameter,
		band.Wavelength, band.Wavelength*band.FracBandwidth)
}

func (g G7S6) Load(fsys fsutil.FileSystem, path string, opts LoadOptions) (*Exposure, error) {
	data, err := fsys.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	f, err := fits.Decode(data)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}

	pri := f.Primary()
	if pri == nil {
		return nil, fmt.Errorf("%s: empty file", path)
	}

	filter, ok := pri.Header.Str("FILTER")
	if !ok {
		return nil, fmt.Errorf("%s: no FILTER card", path)
	}
	geom, err := g.Geometry(filter)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	sci, err := scienceImage(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	var dq *fits.Image
	if hdu, ok := f.ByName("DQ"); ok && hdu.Image != nil {
		dq = hdu.Image
	}

	cube, err := buildCube(sci, dq, opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	exp := &Exposure{
		Source:     rootName(path),
		Instrument: "NIRISS",
		Filter:     strings.ToUpper(filter),
		RootName:   rootName(path),
		PlateScale: units.Mas2Rad(plateScaleMas(opts)),
		Geometry:   geom,
		Cube:       cube,
	}
	if name, ok := pri.Header.Str("TARGNAME"); ok && name != "" {
		exp.Source = name
	}
	if inst, ok := pri.Header.Str("INSTRUME"); ok && inst != "" {
		exp.Instrument = inst
	}
	// Exposure start, MJD.
	if mjd, ok := pri.Header.Float("EXPSTART"); ok {
		exp.MJD = mjd
	} else if mjd, ok := pri.Header.Float("MJD-OBS"); ok {
		exp.MJD = mjd
	}
	return exp, nil
}

func plateScaleMas(opts LoadOptions) float64 {
	if opts.PlateScaleMas > 0 {
		return opts.PlateScaleMas
	}
	return g7s6PlateScaleMas
}

// scienceImage picks the pixel array: primary data if present, else the
// SCI extension, else the first image extension carrying data.
func scienceImage(f *fits.File) (*fits.Image, error) {
	if pri := f.Primary(); pri != nil && pri.Image != nil && pri.Image.NPix() > 0 {
		return pri.Image, nil
	}
	if hdu, ok := f.ByName("SCI"); ok && hdu.Image != nil && hdu.Image.NPix() > 0 {
		return hdu.Image, nil
	}
	for _, hdu := range f.HDUs[1:] {
		if hdu.Image != nil && hdu.Image.NPix() > 0 {
			return hdu.Image, nil
		}
	}
	return nil, fmt.Errorf("no science pixels")
}

// Package instruments contains the detector IO boundary: adapters that
// translate instrument data files into the domain types the fit stage
// consumes (pixel cubes, mask geometry, observing metadata).
//
// Adapter code stays thin. Raw detector calibration (darks, flats,
// bad-pixel repair) is upstream of this package; quality-flagged pixels
// are carried through as exclusion masks, never repaired.
package instruments

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/aperture-data/fringe.report/internal/fits"
	"github.com/aperture-data/fringe.report/internal/fsutil"
	"github.com/aperture-data/fringe.report/internal/nrm"
)

// Exposure is one loaded observation: a slice cube, the mask geometry it
// was taken through, and the metadata calibration and export need.
type Exposure struct {
	Source     string
	Instrument string
	Filter     string
	MJD        float64
	RootName   string // file stem, used for per-exposure output naming
	PlateScale float64 // radians per pixel, initial-guess value

	Geometry *nrm.MaskGeometry
	Cube     *nrm.Cube
}

// LoadOptions tune how a raw file becomes a fit-ready cube.
type LoadOptions struct {
	// CutoutSize crops every slice to a centered square window around
	// the brightest pixel of the first slice. 0 keeps the full frame,
	// which must already be square.
	CutoutSize int
	// FirstSlices keeps only the leading N slices when positive.
	FirstSlices int
	// PlateScaleMas overrides the instrument's nominal plate scale
	// (milliarcseconds per pixel) when positive.
	PlateScaleMas float64
}

// Instrument loads exposures for one concrete detector + mask pairing.
type Instrument interface {
	Name() string
	Load(fsys fsutil.FileSystem, path string, opts LoadOptions) (*Exposure, error)
}

// ByName resolves an instrument by its CLI name.
func ByName(name string) (Instrument, error) {
	switch strings.ToLower(name) {
	case "g7s6", "niriss":
		return G7S6{}, nil
	case "sim", "simulated":
		return Simulated{}, nil
	}
	return nil, fmt.Errorf("unknown instrument %q", name)
}

// rootName strips directory and extension from an input path.
func rootName(path string) string {
	base := filepath.Base(path)
	return strings.TrimSuffix(base, filepath.Ext(base))
}

// cubeShape normalizes a science array to (slices, ny, nx). A 2D frame
// is promoted to a single-slice cube.
func cubeShape(img *fits.Image) (nslices, ny, nx int, err error) {
	switch len(img.Shape) {
	case 2:
		return 1, img.Shape[0], img.Shape[1], nil
	case 3:
		return img.Shape[0], img.Shape[1], img.Shape[2], nil
	}
	return 0, 0, 0, fmt.Errorf("science array has %d axes, want 2 or 3", len(img.Shape))
}

// window is a square crop region in detector coordinates.
type window struct {
	row0, col0, size int
}

// cropWindow centers a size² window on the brightest pixel of the given
// frame, clamped inside the detector.
func cropWindow(pix []float64, ny, nx, size int) (window, error) {
	if size > ny || size > nx {
		return window{}, fmt.Errorf("cutout %d exceeds frame %dx%d", size, ny, nx)
	}
	peak := 0
	for i, v := range pix {
		if v > pix[peak] {
			peak = i
		}
	}
	row0 := clamp(peak/nx-size/2, 0, ny-size)
	col0 := clamp(peak%nx-size/2, 0, nx-size)
	return window{row0: row0, col0: col0, size: size}, nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// extract copies one slice's window out of a flat frame.
func (w window) extract(pix []float64, nx int) []float64 {
	out := make([]float64, w.size*w.size)
	for r := 0; r < w.size; r++ {
		src := (w.row0+r)*nx + w.col0
		copy(out[r*w.size:(r+1)*w.size], pix[src:src+w.size])
	}
	return out
}

// buildCube slices a science array (and optional DQ array of the same
// shape) into fit-ready images. DQ nonzero marks a pixel bad.
func buildCube(sci *fits.Image, dq *fits.Image, opts LoadOptions) (*nrm.Cube, error) {
	nslices, ny, nx, err := cubeShape(sci)
	if err != nil {
		return nil, err
	}

	var dqPix []float64
	dqPerSlice := false
	if dq != nil {
		dn, dy, dx, err := cubeShape(dq)
		if err != nil {
			return nil, fmt.Errorf("quality array: %w", err)
		}
		if dy != ny || dx != nx || (dn != 1 && dn != nslices) {
			return nil, fmt.Errorf("quality array %dx%dx%d does not match science %dx%dx%d",
				dn, dy, dx, nslices, ny, nx)
		}
		dqPix = dq.Pix
		dqPerSlice = dn == nslices
	}

	if opts.FirstSlices > 0 && opts.FirstSlices < nslices {
		nslices = opts.FirstSlices
	}

	frame := ny * nx
	var win window
	if opts.CutoutSize > 0 {
		win, err = cropWindow(sci.Pix[:frame], ny, nx, opts.CutoutSize)
		if err != nil {
			return nil, err
		}
	} else {
		if ny != nx {
			return nil, fmt.Errorf("frame %dx%d is not square; a cutout size is required", ny, nx)
		}
		win = window{size: nx}
	}

	cube := &nrm.Cube{Slices: make([]*nrm.Image, 0, nslices)}
	for s := 0; s < nslices; s++ {
		img := &nrm.Image{
			Size: win.size,
			Pix:  win.extract(sci.Pix[s*frame:(s+1)*frame], nx),
		}
		if dqPix != nil {
			plane := dqPix[:frame]
			if dqPerSlice {
				plane = dqPix[s*frame : (s+1)*frame]
			}
			flags := win.extract(plane, nx)
			img.Bad = make([]bool, len(flags))
			for i, v := range flags {
				img.Bad[i] = v != 0
			}
		}
		cube.Slices = append(cube.Slices, img)
	}
	return cube, nil
}

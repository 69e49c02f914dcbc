// Package nrm extracts interferometric fringe observables from
// aperture-masking exposures and calibrates them against reference
// sources.
//
// The pipeline runs in stages: a MaskGeometry describes the pupil
// (holes, baselines, closure triangles); a Model turns geometry plus
// candidate image parameters into a per-pixel fringe basis; a Fitter
// solves each exposure slice for fringe coefficients; observables
// (squared visibility per baseline, closure phase per triangle) are
// derived from the coefficients; and calibration divides the target's
// statistics by a reference built from one or more calibrator sources.
package nrm

import (
	"fmt"
	"math"
)

// Hole is one mask aperture center in the pupil plane, meters.
type Hole struct {
	X, Y float64
}

// Baseline is the separation vector between two holes. I < J always;
// U and V are holes[J] − holes[I] in meters.
type Baseline struct {
	I, J int
	U, V float64
}

// Length returns the baseline length in meters.
func (b Baseline) Length() float64 {
	return math.Hypot(b.U, b.V)
}

// Triangle is one closure triple over holes I < J < K. AB, BC and AC
// index the baseline list for the pairs (I,J), (J,K) and (I,K); the
// closure phase is φ(AB) + φ(BC) − φ(AC).
type Triangle struct {
	I, J, K    int
	AB, BC, AC int
}

// MaskGeometry is the immutable description of a non-redundant mask:
// ordered hole positions plus the derived baseline and closure-triangle
// tables. The ordering is deterministic (pairs and triples lexicographic
// by hole index) and every later stage relies on it for consistent sign
// conventions, so the tables are built once and never modified.
type MaskGeometry struct {
	name         string
	holes        []Hole
	holeDiameter float64
	wavelength   float64
	bandwidth    float64

	baselines []Baseline
	triangles []Triangle
	pairIndex map[[2]int]int
}

// NewMaskGeometry derives the baseline and triangle tables for a hole
// layout. holeDiameter and wavelength are meters; bandwidth is the full
// spectral width in meters (zero for monochromatic work).
func NewMaskGeometry(name string, holes []Hole, holeDiameter, wavelength, bandwidth float64) (*MaskGeometry, error) {
	if len(holes) < 3 {
		return nil, &GeometryError{
			Mask:   name,
			Reason: fmt.Sprintf("%d holes cannot form a closure triangle", len(holes)),
		}
	}
	if holeDiameter <= 0 {
		return nil, &GeometryError{Mask: name, Reason: "hole diameter must be positive"}
	}
	if wavelength <= 0 {
		return nil, &GeometryError{Mask: name, Reason: "wavelength must be positive"}
	}
	if bandwidth < 0 {
		return nil, &GeometryError{Mask: name, Reason: "bandwidth must be non-negative"}
	}

	g := &MaskGeometry{
		name:         name,
		holes:        append([]Hole(nil), holes...),
		holeDiameter: holeDiameter,
		wavelength:   wavelength,
		bandwidth:    bandwidth,
	}

	n := len(holes)
	g.baselines = make([]Baseline, 0, n*(n-1)/2)
	g.pairIndex = make(map[[2]int]int, n*(n-1)/2)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			g.pairIndex[[2]int{i, j}] = len(g.baselines)
			g.baselines = append(g.baselines, Baseline{
				I: i, J: j,
				U: holes[j].X - holes[i].X,
				V: holes[j].Y - holes[i].Y,
			})
		}
	}

	// Independent closure set: every triangle pinned to hole 0. The
	// remaining C(N,3) triples are linear combinations of these.
	g.triangles = make([]Triangle, 0, (n-1)*(n-2)/2)
	for j := 1; j < n; j++ {
		for k := j + 1; k < n; k++ {
			g.triangles = append(g.triangles, Triangle{
				I: 0, J: j, K: k,
				AB: g.pairIndex[[2]int{0, j}],
				BC: g.pairIndex[[2]int{j, k}],
				AC: g.pairIndex[[2]int{0, k}],
			})
		}
	}

	return g, nil
}

// Name returns the mask identifier.
func (g *MaskGeometry) Name() string { return g.name }

// NHoles returns the hole count.
func (g *MaskGeometry) NHoles() int { return len(g.holes) }

// Holes returns a copy of the ordered hole positions.
func (g *MaskGeometry) Holes() []Hole {
	return append([]Hole(nil), g.holes...)
}

// HoleDiameter returns the aperture diameter in meters.
func (g *MaskGeometry) HoleDiameter() float64 { return g.holeDiameter }

// Wavelength returns the central wavelength in meters.
func (g *MaskGeometry) Wavelength() float64 { return g.wavelength }

// Bandwidth returns the full spectral width in meters.
func (g *MaskGeometry) Bandwidth() float64 { return g.bandwidth }

// Baselines returns a copy of the baseline table: all pairs i<j in
// lexicographic order, N(N−1)/2 entries.
func (g *MaskGeometry) Baselines() []Baseline {
	return append([]Baseline(nil), g.baselines...)
}

// NBaselines returns the baseline count without copying the table.
func (g *MaskGeometry) NBaselines() int { return len(g.baselines) }

// Triangles returns a copy of the independent closure set: triples
// (0,j,k) for 1≤j<k<N in lexicographic order, (N−1)(N−2)/2 entries.
func (g *MaskGeometry) Triangles() []Triangle {
	return append([]Triangle(nil), g.triangles...)
}

// NTriangles returns the triangle count without copying the table.
func (g *MaskGeometry) NTriangles() int { return len(g.triangles) }

// BaselineIndex returns the position of pair (i,j), i<j, in the
// baseline table.
func (g *MaskGeometry) BaselineIndex(i, j int) (int, bool) {
	idx, ok := g.pairIndex[[2]int{i, j}]
	return idx, ok
}

// SameIndexing reports whether two geometries produce interchangeable
// observable vectors: same hole count and identical baseline and
// triangle index tables.
func (g *MaskGeometry) SameIndexing(o *MaskGeometry) bool {
	if g.NHoles() != o.NHoles() {
		return false
	}
	for i := range g.baselines {
		if g.baselines[i].I != o.baselines[i].I || g.baselines[i].J != o.baselines[i].J {
			return false
		}
	}
	for i := range g.triangles {
		if g.triangles[i] != o.triangles[i] {
			return false
		}
	}
	return true
}

package nrm

import (
	"fmt"
	"math"

	"github.com/aperture-data/fringe.report/internal/units"
)

// Observable holds one slice's interferometric observables: squared
// visibility per baseline and closure phase per independent triangle.
// Phases are radians.
type Observable struct {
	V2    []float64
	V2Err []float64
	CP    []float64
	CPErr []float64
}

// ExposureRecord ties a stack of derived observables to the observing
// metadata the calibration and export stages need.
type ExposureRecord struct {
	Source     string
	Instrument string
	Filter     string
	MJD        float64
	Geometry   *MaskGeometry
	Slices     []*Observable
}

// DeriveObservables converts a converged fringe solution into squared
// visibilities and closure phases.
//
// V²_k = |z_k|² with σ(V²) = 2·|z_k|·σ(z). A closure phase over triangle
// (A,B,C) is wrap(φ(AB) + φ(BC) − φ(AC)); baseline phase errors add in
// quadrature since the underlying coefficient errors are independent.
func DeriveObservables(geom *MaskGeometry, sol *FringeSolution) (*Observable, error) {
	nb := geom.NBaselines()
	if len(sol.Fringes) != nb {
		return nil, fmt.Errorf("solution has %d fringes, geometry %d baselines", len(sol.Fringes), nb)
	}

	obs := &Observable{
		V2:    make([]float64, nb),
		V2Err: make([]float64, nb),
		CP:    make([]float64, geom.NTriangles()),
		CPErr: make([]float64, geom.NTriangles()),
	}

	phase := make([]float64, nb)
	phaseErr := make([]float64, nb)
	for k, z := range sol.Fringes {
		amp := math.Hypot(real(z), imag(z))
		obs.V2[k] = amp * amp
		obs.V2Err[k] = 2 * amp * sol.FringeErr[k]
		phase[k] = math.Atan2(imag(z), real(z))
		if amp > 0 {
			phaseErr[k] = sol.FringeErr[k] / amp
		} else {
			// Dead fringe: the phase is unconstrained.
			phaseErr[k] = math.Pi
		}
	}

	for t, tri := range geom.triangles {
		obs.CP[t] = units.WrapRadians(phase[tri.AB] + phase[tri.BC] - phase[tri.AC])
		obs.CPErr[t] = math.Sqrt(phaseErr[tri.AB]*phaseErr[tri.AB] +
			phaseErr[tri.BC]*phaseErr[tri.BC] +
			phaseErr[tri.AC]*phaseErr[tri.AC])
	}
	return obs, nil
}

// DeriveCube derives observables for every converged slice of a cube
// result, preserving slice order.
func DeriveCube(geom *MaskGeometry, res *CubeResult) ([]*Observable, error) {
	out := make([]*Observable, 0, len(res.Solutions))
	for _, sol := range res.Solutions {
		obs, err := DeriveObservables(geom, sol)
		if err != nil {
			return nil, fmt.Errorf("slice %d: %w", sol.Slice, err)
		}
		out = append(out, obs)
	}
	return out, nil
}

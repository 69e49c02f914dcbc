package nrm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// FringeParams are the image-registration parameters the outer search
// optimizes: fringe center in pixels, detector rotation in radians, and
// plate scale in radians per pixel.
type FringeParams struct {
	X0, Y0     float64
	Rotation   float64
	PlateScale float64
}

// Model evaluates the image-plane fringe basis for one mask geometry.
// Column 0 is the total-flux term N·PB(θ); columns 2k+1 and 2k+2 are
// 2·PB(θ)·cos and 2·PB(θ)·sin of baseline k's fringe argument, so a
// centered point source of flux F solves to c0 = F, cos_k = F, sin_k = 0
// and every normalized fringe coefficient is exactly 1.
//
// PB is the circular-hole envelope (2·J1(x)/x)² with x = π·d·|θ|/λ.
// When oversample > 1 the basis is evaluated on a finer grid and
// box-binned back to detector pixels, which keeps steep fringes from
// aliasing at the pixel scale.
type Model struct {
	geom       *MaskGeometry
	oversample int
}

// NewModel binds a geometry to an oversampling factor. Factors below 1
// are treated as 1.
func NewModel(geom *MaskGeometry, oversample int) *Model {
	if oversample < 1 {
		oversample = 1
	}
	return &Model{geom: geom, oversample: oversample}
}

// NCols returns the basis width: one flux column plus a cosine and sine
// column per baseline.
func (m *Model) NCols() int {
	return 1 + 2*len(m.geom.baselines)
}

// Oversample returns the fine-grid factor.
func (m *Model) Oversample() int {
	return m.oversample
}

const airyEps = 1e-12

// primaryBeam is the single-hole diffraction envelope at sky radius rho
// (radians). PB(0) = 1.
func (m *Model) primaryBeam(rho float64) float64 {
	x := math.Pi * m.geom.holeDiameter * rho / m.geom.wavelength
	if x < airyEps {
		return 1
	}
	t := 2 * math.J1(x) / x
	return t * t
}

// BuildMatrix evaluates the basis over a size×size pixel grid. Row r·size+c
// of the result is the basis at detector pixel (row r, col c); the pixel
// maps to the sky through the center offset, rotation, and plate scale in
// p. The matrix is rebuilt from scratch on every call: the outer optimizer
// evaluates it once per candidate parameter set.
func (m *Model) BuildMatrix(p FringeParams, size int) *mat.Dense {
	ncols := m.NCols()
	nholes := float64(len(m.geom.holes))
	data := make([]float64, size*size*ncols)

	o := m.oversample
	weight := 1 / float64(o*o)
	sinRot, cosRot := math.Sincos(p.Rotation)
	waveFactor := 2 * math.Pi / m.geom.wavelength

	fine := size * o
	for fr := 0; fr < fine; fr++ {
		detRow := (float64(fr)+0.5)/float64(o) - 0.5
		dy := (detRow - p.Y0) * p.PlateScale
		rowBase := (fr / o) * size

		for fc := 0; fc < fine; fc++ {
			detCol := (float64(fc)+0.5)/float64(o) - 0.5
			dx := (detCol - p.X0) * p.PlateScale

			// Rotate the detector offset into the sky frame.
			thx := cosRot*dx - sinRot*dy
			thy := sinRot*dx + cosRot*dy

			pb := m.primaryBeam(math.Hypot(thx, thy))
			base := (rowBase + fc/o) * ncols

			data[base] += nholes * pb * weight
			for k, b := range m.geom.baselines {
				s, c := math.Sincos(waveFactor * (b.U*thx + b.V*thy))
				data[base+1+2*k] += 2 * pb * c * weight
				data[base+2+2*k] += 2 * pb * s * weight
			}
		}
	}

	return mat.NewDense(size*size, ncols, data)
}

// SynthesizeImage forward-evaluates the model: basis × coeffs, returned
// as a flat row-major size×size image. The simulation tool and the test
// suite build their inputs through here.
func (m *Model) SynthesizeImage(p FringeParams, coeffs []float64, size int) ([]float64, error) {
	if len(coeffs) != m.NCols() {
		return nil, fmt.Errorf("coefficient vector has %d entries, basis has %d columns", len(coeffs), m.NCols())
	}

	a := m.BuildMatrix(p, size)
	var y mat.VecDense
	y.MulVec(a, mat.NewVecDense(len(coeffs), coeffs))

	out := make([]float64, size*size)
	copy(out, y.RawVector().Data)
	return out, nil
}

// CoeffsFromFringes builds a coefficient vector for a source of total
// flux with one complex fringe per baseline: fringes[k] is the normalized
// coefficient z_k that a perfect fit would recover. A nil fringes slice
// means a point source (every z_k = 1).
func (m *Model) CoeffsFromFringes(flux float64, fringes []complex128) ([]float64, error) {
	nb := len(m.geom.baselines)
	if fringes != nil && len(fringes) != nb {
		return nil, fmt.Errorf("%d fringes for %d baselines", len(fringes), nb)
	}

	coeffs := make([]float64, m.NCols())
	coeffs[0] = flux
	for k := 0; k < nb; k++ {
		z := complex(1, 0)
		if fringes != nil {
			z = fringes[k]
		}
		coeffs[1+2*k] = flux * real(z)
		coeffs[2+2*k] = flux * imag(z)
	}
	return coeffs, nil
}

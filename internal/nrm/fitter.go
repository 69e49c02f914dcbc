package nrm

import (
	"context"
	"fmt"
	"math"
	"runtime"
	"sync"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/aperture-data/fringe.report/internal/config"
)

// Image is one detector slice: a square cutout with an optional bad-pixel
// mask. Pix is row-major; Bad marks pixels the fit must ignore (detector
// quality flags). Bad pixels are excluded, never repaired.
type Image struct {
	Size int
	Pix  []float64
	Bad  []bool
}

func (img *Image) validate() error {
	if img.Size < 1 {
		return fmt.Errorf("image size %d", img.Size)
	}
	if want := img.Size * img.Size; len(img.Pix) != want {
		return fmt.Errorf("image has %d pixels, want %d", len(img.Pix), want)
	}
	if img.Bad != nil && len(img.Bad) != len(img.Pix) {
		return fmt.Errorf("bad-pixel mask has %d entries, want %d", len(img.Bad), len(img.Pix))
	}
	return nil
}

// Cube is an ordered stack of slices from one exposure.
type Cube struct {
	Slices []*Image
}

// FitOptions controls the per-slice search.
type FitOptions struct {
	Oversample    int
	MaxIterations int
	Tolerance     float64
	Workers       int
	HoldRotation  bool
	HoldScale     bool
}

// FitOptionsFromConfig carries the documented defaults in from a
// PipelineConfig.
func FitOptionsFromConfig(cfg *config.PipelineConfig) FitOptions {
	return FitOptions{
		Oversample:    cfg.GetOversample(),
		MaxIterations: cfg.GetMaxIterations(),
		Tolerance:     cfg.GetTolerance(),
		Workers:       cfg.GetWorkers(),
		HoldRotation:  cfg.GetHoldRotation(),
		HoldScale:     cfg.GetHoldScale(),
	}
}

func (o FitOptions) withDefaults() FitOptions {
	if o.Oversample < 1 {
		o.Oversample = 1
	}
	if o.MaxIterations < 1 {
		o.MaxIterations = 250
	}
	if o.Tolerance <= 0 {
		o.Tolerance = 1e-10
	}
	if o.Workers < 1 {
		o.Workers = runtime.NumCPU()
	}
	return o
}

// FringeSolution is one slice's converged fit.
type FringeSolution struct {
	Slice      int
	Params     FringeParams
	Coeffs     []float64    // raw basis coefficients
	Sigmas     []float64    // per-coefficient, residual based
	Fringes    []complex128 // z_k per baseline, flux normalized
	FringeErr  []float64    // σ(z_k)
	Pistons    []float64    // per-hole phase, radians, zero mean
	Residual   float64      // ‖A·c − pixels‖ at the converged params
	ChiSq      float64      // reduced chi-squared against unit pixel noise
	Iterations int
}

// SliceFailure records one skipped slice.
type SliceFailure struct {
	Slice int
	Err   error
}

// CubeResult collects per-slice outcomes in slice order. A failed slice
// appears in Failures and nowhere else; the rest of the cube is unaffected.
type CubeResult struct {
	Solutions []*FringeSolution
	Failures  []SliceFailure
}

// Fitter solves exposures against one mask geometry. It holds no state
// that a fit mutates, so one Fitter may serve concurrent slices.
type Fitter struct {
	geom  *MaskGeometry
	model *Model
	opts  FitOptions
}

// NewFitter builds a fitter; zero-valued options fall back to the
// documented defaults.
func NewFitter(geom *MaskGeometry, opts FitOptions) *Fitter {
	opts = opts.withDefaults()
	return &Fitter{
		geom:  geom,
		model: NewModel(geom, opts.Oversample),
		opts:  opts,
	}
}

// Model returns the fitter's basis builder.
func (f *Fitter) Model() *Model { return f.model }

// paramVec packs FringeParams into optimizer coordinates, [X0 Y0 Rot Scale].
func paramVec(p FringeParams) [4]float64 {
	return [4]float64{p.X0, p.Y0, p.Rotation, p.PlateScale}
}

func paramsFrom(v [4]float64) FringeParams {
	return FringeParams{X0: v[0], Y0: v[1], Rotation: v[2], PlateScale: v[3]}
}

// freeIndices lists the coordinates the outer search may move. The
// sub-pixel center is always free; rotation and plate scale can be held
// at the initial guess.
func (f *Fitter) freeIndices() []int {
	free := []int{0, 1}
	if !f.opts.HoldRotation {
		free = append(free, 2)
	}
	if !f.opts.HoldScale {
		free = append(free, 3)
	}
	return free
}

// Number of flat iterations FunctionConverge waits before declaring
// convergence.
const convergeWindow = 30

// Fit runs the outer simplex search over the free registration parameters,
// solving the linear fringe system at each candidate, and returns the
// converged solution with its derived fringe coefficients and pistons.
func (f *Fitter) Fit(img *Image, guess FringeParams) (*FringeSolution, error) {
	if err := img.validate(); err != nil {
		return nil, err
	}

	keep := usablePixels(img)
	if len(keep) == 0 {
		return nil, &FitConvergenceError{Reason: "every pixel is flagged"}
	}
	if len(keep) < f.model.NCols() {
		return nil, &FitConvergenceError{
			Reason: fmt.Sprintf("%d usable pixels cannot constrain %d coefficients", len(keep), f.model.NCols()),
		}
	}

	target := maskedVector(img, keep)
	free := f.freeIndices()
	base := paramVec(guess)

	x0 := make([]float64, len(free))
	for i, idx := range free {
		x0[i] = base[idx]
	}

	objective := func(x []float64) float64 {
		v := base
		for i, idx := range free {
			v[idx] = x[i]
		}
		a := filterRows(f.model.BuildMatrix(paramsFrom(v), img.Size), keep, img.Size*img.Size)
		_, resid, err := leastSquares(a, target)
		if err != nil {
			return math.Inf(1)
		}
		return resid
	}

	settings := &optimize.Settings{
		MajorIterations: f.opts.MaxIterations,
		Converger: &optimize.FunctionConverge{
			Absolute:   f.opts.Tolerance,
			Iterations: convergeWindow,
		},
	}

	result, err := optimize.Minimize(optimize.Problem{Func: objective}, x0, settings, &optimize.NelderMead{})
	if err != nil {
		return nil, &FitConvergenceError{Reason: fmt.Sprintf("simplex search failed: %v", err)}
	}
	if result.Status == optimize.IterationLimit {
		return nil, &FitConvergenceError{
			Iterations: result.Stats.MajorIterations,
			Reason:     "residual tolerance not met within the iteration budget",
		}
	}

	v := base
	for i, idx := range free {
		v[idx] = result.X[i]
	}
	best := paramsFrom(v)

	sol, err := f.solveAt(img, keep, target, best)
	if err != nil {
		return nil, err
	}
	sol.Iterations = result.Stats.MajorIterations
	Tracef("fit converged: center=(%.3f,%.3f) rot=%.5f scale=%.3e resid=%.4g iters=%d",
		best.X0, best.Y0, best.Rotation, best.PlateScale, sol.Residual, sol.Iterations)
	return sol, nil
}

// CoarseRotationSearch runs one linear solve per candidate rotation and
// returns the guess with the lowest residual, as a seed for the simplex.
// The residual surface is strongly multi-modal in rotation, so the outer
// search wants to start near the right lobe.
func (f *Fitter) CoarseRotationSearch(img *Image, guess FringeParams, rotations []float64) (FringeParams, error) {
	if err := img.validate(); err != nil {
		return guess, err
	}
	if len(rotations) == 0 {
		return guess, fmt.Errorf("no rotation candidates")
	}

	keep := usablePixels(img)
	if len(keep) < f.model.NCols() {
		return guess, &FitConvergenceError{Reason: "too few usable pixels for the rotation search"}
	}
	target := maskedVector(img, keep)

	best := guess
	bestResid := math.Inf(1)
	for _, rot := range rotations {
		p := guess
		p.Rotation = rot
		a := filterRows(f.model.BuildMatrix(p, img.Size), keep, img.Size*img.Size)
		_, resid, err := leastSquares(a, target)
		if err != nil {
			continue
		}
		if resid < bestResid {
			bestResid = resid
			best = p
		}
	}
	if math.IsInf(bestResid, 1) {
		return guess, &FitConvergenceError{Reason: "every rotation candidate produced a singular system"}
	}
	Diagf("rotation search: best %.5f rad (resid %.4g) of %d candidates", best.Rotation, bestResid, len(rotations))
	return best, nil
}

// FitCube fits every slice independently. Failures are recorded and the
// cube continues; ctx cancellation stops feeding new slices and returns
// the context error. With exactly one worker, slices run in order and
// each converged parameter set seeds the next slice's guess.
func (f *Fitter) FitCube(ctx context.Context, cube *Cube, guess FringeParams) (*CubeResult, error) {
	n := len(cube.Slices)
	if n == 0 {
		return &CubeResult{}, nil
	}

	workers := f.opts.Workers
	if workers > n {
		workers = n
	}
	if workers == 1 {
		return f.fitSequential(ctx, cube, guess)
	}

	solutions := make([]*FringeSolution, n)
	failures := make([]error, n)

	tasks := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for idx := range tasks {
				sol, err := f.Fit(cube.Slices[idx], guess)
				if err != nil {
					failures[idx] = err
					continue
				}
				sol.Slice = idx
				solutions[idx] = sol
			}
		}()
	}

	var cancelled error
feed:
	for i := range cube.Slices {
		select {
		case <-ctx.Done():
			cancelled = ctx.Err()
			break feed
		case tasks <- i:
		}
	}
	close(tasks)
	wg.Wait()

	if cancelled != nil {
		return nil, cancelled
	}
	return collectCube(solutions, failures), nil
}

func (f *Fitter) fitSequential(ctx context.Context, cube *Cube, guess FringeParams) (*CubeResult, error) {
	res := &CubeResult{}
	cur := guess
	for i, img := range cube.Slices {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		sol, err := f.Fit(img, cur)
		if err != nil {
			Diagf("slice %d skipped: %v", i, err)
			res.Failures = append(res.Failures, SliceFailure{Slice: i, Err: sliceErr(i, err)})
			continue
		}
		sol.Slice = i
		res.Solutions = append(res.Solutions, sol)
		// Warm start: acceleration only, never correctness.
		cur = sol.Params
	}
	return res, nil
}

func collectCube(solutions []*FringeSolution, failures []error) *CubeResult {
	res := &CubeResult{}
	for i := range solutions {
		if solutions[i] != nil {
			res.Solutions = append(res.Solutions, solutions[i])
			continue
		}
		if failures[i] != nil {
			Diagf("slice %d skipped: %v", i, failures[i])
			res.Failures = append(res.Failures, SliceFailure{Slice: i, Err: sliceErr(i, failures[i])})
		}
	}
	return res
}

// sliceErr stamps the slice index into a convergence error so failure
// reports carry it; other error kinds pass through unchanged.
func sliceErr(idx int, err error) error {
	if fce, ok := err.(*FitConvergenceError); ok {
		stamped := *fce
		stamped.Slice = idx
		return &stamped
	}
	return err
}

// solveAt runs the full linear solve at fixed params, including the
// covariance pass the objective skips, and derives fringes and pistons.
func (f *Fitter) solveAt(img *Image, keep []int, target *mat.VecDense, p FringeParams) (*FringeSolution, error) {
	a := filterRows(f.model.BuildMatrix(p, img.Size), keep, img.Size*img.Size)

	coeffs, resid, err := leastSquares(a, target)
	if err != nil {
		return nil, &FitConvergenceError{Reason: fmt.Sprintf("linear system: %v", err)}
	}

	rows, cols := a.Dims()
	dof := rows - cols
	if dof <= 0 {
		return nil, &FitConvergenceError{Reason: "system is not overdetermined"}
	}
	sigma2 := resid * resid / float64(dof)

	var ata, inv mat.Dense
	ata.Mul(a.T(), a)
	if err := inv.Inverse(&ata); err != nil {
		return nil, &FitConvergenceError{Reason: fmt.Sprintf("normal matrix inversion: %v", err)}
	}

	raw := coeffs.RawVector().Data
	sol := &FringeSolution{
		Params:   p,
		Coeffs:   append([]float64(nil), raw...),
		Sigmas:   make([]float64, cols),
		Residual: resid,
		ChiSq:    sigma2,
	}
	for i := 0; i < cols; i++ {
		if v := sigma2 * inv.At(i, i); v > 0 {
			sol.Sigmas[i] = math.Sqrt(v)
		}
	}

	flux := sol.Coeffs[0]
	if flux == 0 || math.IsNaN(flux) {
		return nil, &FitConvergenceError{Reason: "solution has no flux"}
	}

	nb := f.geom.NBaselines()
	sol.Fringes = make([]complex128, nb)
	sol.FringeErr = make([]float64, nb)
	phases := make([]float64, nb)
	for k := 0; k < nb; k++ {
		re := sol.Coeffs[1+2*k] / flux
		im := sol.Coeffs[2+2*k] / flux
		sol.Fringes[k] = complex(re, im)
		sol.FringeErr[k] = math.Hypot(sol.Sigmas[1+2*k], sol.Sigmas[2+2*k]) / math.Abs(flux)
		phases[k] = math.Atan2(im, re)
	}

	pistons, err := solvePistons(f.geom, phases)
	if err != nil {
		return nil, &FitConvergenceError{Reason: fmt.Sprintf("piston solve: %v", err)}
	}
	sol.Pistons = pistons

	return sol, nil
}

// solvePistons recovers one phase per hole from the baseline fringe
// phases: φ_k ≈ p_J − p_I for baseline k=(I,J), closed with a zero-sum
// constraint row since only differences are observable.
func solvePistons(geom *MaskGeometry, phases []float64) ([]float64, error) {
	n := geom.NHoles()
	nb := geom.NBaselines()
	if len(phases) != nb {
		return nil, fmt.Errorf("%d phases for %d baselines", len(phases), nb)
	}

	a := mat.NewDense(nb+1, n, nil)
	b := mat.NewVecDense(nb+1, nil)
	for k, bl := range geom.baselines {
		a.Set(k, bl.I, -1)
		a.Set(k, bl.J, 1)
		b.SetVec(k, phases[k])
	}
	for h := 0; h < n; h++ {
		a.Set(nb, h, 1)
	}

	var p mat.VecDense
	if err := p.SolveVec(a, b); err != nil {
		return nil, err
	}
	out := make([]float64, n)
	copy(out, p.RawVector().Data)
	return out, nil
}

// usablePixels lists row indices of pixels the fit may use.
func usablePixels(img *Image) []int {
	n := img.Size * img.Size
	if img.Bad == nil {
		keep := make([]int, n)
		for i := range keep {
			keep[i] = i
		}
		return keep
	}
	keep := make([]int, 0, n)
	for i := 0; i < n; i++ {
		if !img.Bad[i] {
			keep = append(keep, i)
		}
	}
	return keep
}

func maskedVector(img *Image, keep []int) *mat.VecDense {
	v := mat.NewVecDense(len(keep), nil)
	for i, idx := range keep {
		v.SetVec(i, img.Pix[idx])
	}
	return v
}

// filterRows drops flagged-pixel rows from the basis. When nothing is
// flagged the matrix passes through untouched.
func filterRows(a *mat.Dense, keep []int, fullRows int) *mat.Dense {
	if len(keep) == fullRows {
		return a
	}
	_, cols := a.Dims()
	out := mat.NewDense(len(keep), cols, nil)
	for i, idx := range keep {
		out.SetRow(i, a.RawRowView(idx))
	}
	return out
}

// leastSquares solves a·c ≈ b by QR and returns the coefficients and the
// residual norm. gonum reports ill-conditioned systems through the error.
func leastSquares(a *mat.Dense, b *mat.VecDense) (*mat.VecDense, float64, error) {
	var c mat.VecDense
	if err := c.SolveVec(a, b); err != nil {
		return nil, 0, err
	}

	var r mat.VecDense
	r.MulVec(a, &c)
	r.SubVec(&r, b)
	return &c, mat.Norm(&r, 2), nil
}

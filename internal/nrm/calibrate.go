package nrm

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/stat"

	"github.com/aperture-data/fringe.report/internal/config"
	"github.com/aperture-data/fringe.report/internal/units"
)

// SourceStats is one source's observables aggregated over its cube
// slices: a weighted mean and standard error per baseline and triangle.
type SourceStats struct {
	Source     string
	Instrument string
	Filter     string
	MJD        float64
	Geometry   *MaskGeometry
	NSlices    int

	V2    []float64
	V2Err []float64
	CP    []float64
	CPErr []float64
}

// CalOptions controls calibration and flagging.
type CalOptions struct {
	// PhaseCeil is the flagging ceiling in degrees. Under the error
	// criterion a closure phase is flagged when its uncertainty reaches
	// the ceiling; under the value criterion, when its magnitude does.
	PhaseCeil float64
	Criterion string
}

// CalOptionsFromConfig carries the documented defaults in from a
// PipelineConfig.
func CalOptionsFromConfig(cfg *config.PipelineConfig) CalOptions {
	return CalOptions{
		PhaseCeil: cfg.GetPhaseCeil(),
		Criterion: cfg.GetFlagCriterion(),
	}
}

func (o CalOptions) withDefaults() CalOptions {
	if o.PhaseCeil <= 0 {
		o.PhaseCeil = 1.0e2
	}
	if o.Criterion == "" {
		o.Criterion = config.CriterionError
	}
	return o
}

// CalibratedSet is the end product of the pipeline: target observables
// with calibrator systematics removed, ready for export.
type CalibratedSet struct {
	Target      string
	Calibrators []string
	Instrument  string
	Filter      string
	MJD         float64
	Geometry    *MaskGeometry

	V2    []float64
	V2Err []float64
	CP    []float64
	CPErr []float64
	// CPFlag marks triangles that failed the phase ceiling.
	CPFlag []bool
}

// AggregateSource collapses an exposure's per-slice observables into a
// single weighted mean per channel. Weights are inverse variances; a
// channel where any slice reports zero error falls back to the plain
// mean. The standard error is the weighted standard deviation over √n.
func AggregateSource(rec *ExposureRecord) (*SourceStats, error) {
	if rec.Geometry == nil {
		return nil, fmt.Errorf("exposure %q has no geometry", rec.Source)
	}
	if len(rec.Slices) == 0 {
		return nil, fmt.Errorf("exposure %q has no slices", rec.Source)
	}
	nb := rec.Geometry.NBaselines()
	nt := rec.Geometry.NTriangles()
	for i, obs := range rec.Slices {
		if len(obs.V2) != nb || len(obs.CP) != nt {
			return nil, fmt.Errorf("exposure %q slice %d: %d baselines / %d triangles, geometry wants %d / %d",
				rec.Source, i, len(obs.V2), len(obs.CP), nb, nt)
		}
	}

	st := &SourceStats{
		Source:     rec.Source,
		Instrument: rec.Instrument,
		Filter:     rec.Filter,
		MJD:        rec.MJD,
		Geometry:   rec.Geometry,
		NSlices:    len(rec.Slices),
		V2:         make([]float64, nb),
		V2Err:      make([]float64, nb),
		CP:         make([]float64, nt),
		CPErr:      make([]float64, nt),
	}

	vals := make([]float64, len(rec.Slices))
	sigs := make([]float64, len(rec.Slices))
	for k := 0; k < nb; k++ {
		for i, obs := range rec.Slices {
			vals[i], sigs[i] = obs.V2[k], obs.V2Err[k]
		}
		st.V2[k], st.V2Err[k] = aggregateChannel(vals, sigs)
	}
	for t := 0; t < nt; t++ {
		for i, obs := range rec.Slices {
			vals[i], sigs[i] = obs.CP[t], obs.CPErr[t]
		}
		st.CP[t], st.CPErr[t] = aggregateChannel(vals, sigs)
	}
	return st, nil
}

// aggregateChannel reduces one channel's slice series to (mean, stderr).
// A single slice passes through with its own error.
func aggregateChannel(vals, sigs []float64) (float64, float64) {
	n := len(vals)
	if n == 1 {
		return vals[0], sigs[0]
	}
	var weights []float64
	if allPositive(sigs) {
		weights = make([]float64, n)
		for i, s := range sigs {
			weights[i] = 1 / (s * s)
		}
	}
	mean, std := stat.MeanStdDev(vals, weights)
	return mean, std / math.Sqrt(float64(n))
}

func allPositive(xs []float64) bool {
	for _, x := range xs {
		if !(x > 0) {
			return false
		}
	}
	return true
}

// Calibrate removes instrumental systematics from the target using one
// or more calibrator stars observed with the same mask. Squared
// visibilities divide by the reference; closure phases subtract it and
// re-wrap. Errors propagate assuming independent target and reference.
func Calibrate(target *SourceStats, calibrators []*SourceStats, opts CalOptions) (*CalibratedSet, error) {
	opts = opts.withDefaults()
	if target == nil {
		return nil, fmt.Errorf("no target")
	}
	if len(calibrators) == 0 {
		return nil, &CalibrationMismatchError{Target: target.Source, Reason: "no calibrators"}
	}
	names := make([]string, len(calibrators))
	for i, cal := range calibrators {
		names[i] = cal.Source
		if !target.Geometry.SameIndexing(cal.Geometry) {
			return nil, &CalibrationMismatchError{
				Target:     target.Source,
				Calibrator: cal.Source,
				Reason:     "baseline indexing differs from the target's mask",
			}
		}
	}

	ref := combineCalibrators(calibrators)

	nb := target.Geometry.NBaselines()
	nt := target.Geometry.NTriangles()
	out := &CalibratedSet{
		Target:      target.Source,
		Calibrators: names,
		Instrument:  target.Instrument,
		Filter:      target.Filter,
		MJD:         target.MJD,
		Geometry:    target.Geometry,
		V2:          make([]float64, nb),
		V2Err:       make([]float64, nb),
		CP:          make([]float64, nt),
		CPErr:       make([]float64, nt),
		CPFlag:      make([]bool, nt),
	}

	for k := 0; k < nb; k++ {
		v := target.V2[k] / ref.V2[k]
		out.V2[k] = v
		// Relative variances add for a ratio.
		rt := relErr(target.V2Err[k], target.V2[k])
		rr := relErr(ref.V2Err[k], ref.V2[k])
		out.V2Err[k] = math.Abs(v) * math.Sqrt(rt*rt+rr*rr)
	}

	for t := 0; t < nt; t++ {
		out.CP[t] = units.WrapRadians(target.CP[t] - ref.CP[t])
		out.CPErr[t] = math.Hypot(target.CPErr[t], ref.CPErr[t])
		out.CPFlag[t] = flagPhase(out.CP[t], out.CPErr[t], opts)
	}

	Diagf("calibrated %s against %d calibrator(s): %d/%d closure phases flagged",
		target.Source, len(calibrators), countFlags(out.CPFlag), nt)
	return out, nil
}

// combineCalibrators builds the single reference: with several
// calibrators, each channel is inverse-variance combined so the
// reference error shrinks as calibrators accumulate.
func combineCalibrators(cals []*SourceStats) *SourceStats {
	if len(cals) == 1 {
		return cals[0]
	}
	nb := len(cals[0].V2)
	nt := len(cals[0].CP)
	ref := &SourceStats{
		V2:    make([]float64, nb),
		V2Err: make([]float64, nb),
		CP:    make([]float64, nt),
		CPErr: make([]float64, nt),
	}

	vals := make([]float64, len(cals))
	sigs := make([]float64, len(cals))
	for k := 0; k < nb; k++ {
		for i, cal := range cals {
			vals[i], sigs[i] = cal.V2[k], cal.V2Err[k]
		}
		ref.V2[k], ref.V2Err[k] = combineChannel(vals, sigs)
	}
	for t := 0; t < nt; t++ {
		for i, cal := range cals {
			vals[i], sigs[i] = cal.CP[t], cal.CPErr[t]
		}
		ref.CP[t], ref.CPErr[t] = combineChannel(vals, sigs)
	}
	return ref
}

// combineChannel merges independent measurements of one quantity. With
// usable errors the combined variance is 1/Σw; otherwise the plain mean
// with quadrature-summed errors over n.
func combineChannel(vals, sigs []float64) (float64, float64) {
	if allPositive(sigs) {
		var sw, swx float64
		for i := range vals {
			w := 1 / (sigs[i] * sigs[i])
			sw += w
			swx += w * vals[i]
		}
		return swx / sw, math.Sqrt(1 / sw)
	}
	var ss float64
	for _, s := range sigs {
		ss += s * s
	}
	return stat.Mean(vals, nil), math.Sqrt(ss) / float64(len(vals))
}

func relErr(sig, val float64) float64 {
	if val == 0 {
		return 0
	}
	return sig / val
}

// flagPhase applies the ceiling in degrees. The boundary itself flags.
func flagPhase(cp, cpErr float64, opts CalOptions) bool {
	if opts.Criterion == config.CriterionValue {
		return units.Rad2Deg(math.Abs(cp)) >= opts.PhaseCeil
	}
	return units.Rad2Deg(cpErr) >= opts.PhaseCeil
}

func countFlags(flags []bool) int {
	n := 0
	for _, f := range flags {
		if f {
			n++
		}
	}
	return n
}

package obsdb

import (
	"sort"

	"github.com/aperture-data/fringe.report/internal/nrm"
)

// OutcomesFromResult flattens a cube result into slice outcomes, ordered
// by slice index.
func OutcomesFromResult(res *nrm.CubeResult) []SliceOutcome {
	out := make([]SliceOutcome, 0, len(res.Solutions)+len(res.Failures))
	for _, sol := range res.Solutions {
		out = append(out, SliceOutcome{
			Slice:      sol.Slice,
			Converged:  true,
			Iterations: sol.Iterations,
			Residual:   sol.Residual,
			ChiSq:      sol.ChiSq,
		})
	}
	for _, f := range res.Failures {
		out = append(out, SliceOutcome{Slice: f.Slice, Reason: f.Err.Error()})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Slice < out[j].Slice })
	return out
}

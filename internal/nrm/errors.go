package nrm

import "fmt"

// GeometryError reports a mask description that cannot support fringe
// fitting. It is fatal: the run aborts before any slice is touched.
type GeometryError struct {
	Mask   string
	Reason string
}

func (e *GeometryError) Error() string {
	return fmt.Sprintf("mask %s: %s", e.Mask, e.Reason)
}

// FitConvergenceError reports one slice whose fit produced no usable
// solution, either because the outer search ran out of iterations or the
// inner linear system was singular. Cube processing records the slice as
// failed and continues.
type FitConvergenceError struct {
	Slice      int
	Iterations int
	Reason     string
}

func (e *FitConvergenceError) Error() string {
	if e.Iterations > 0 {
		return fmt.Sprintf("slice %d: %s after %d iterations", e.Slice, e.Reason, e.Iterations)
	}
	return fmt.Sprintf("slice %d: %s", e.Slice, e.Reason)
}

// CalibrationMismatchError reports a target and calibrator whose baseline
// or triangle index sets differ, so no calibration transform exists. Fatal.
type CalibrationMismatchError struct {
	Target     string
	Calibrator string
	Reason     string
}

func (e *CalibrationMismatchError) Error() string {
	return fmt.Sprintf("cannot calibrate %q against %q: %s", e.Target, e.Calibrator, e.Reason)
}

package obsdb

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/aperture-data/fringe.report/internal/nrm"
	"github.com/aperture-data/fringe.report/internal/testutil"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "obs.db"))
	testutil.AssertNoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func testRun(id string, started time.Time) *Run {
	return &Run{
		ID:           id,
		StartedAt:    started,
		Source:       "AB DOR",
		Instrument:   "NIRISS",
		Filter:       "F480M",
		Mask:         "G7S6",
		Oversample:   3,
		CutoutSize:   79,
		SlicesTotal:  3,
		SlicesFit:    2,
		SlicesFailed: 1,
		OutputDir:    "/out/abdor_00",
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "obs.db")

	db, err := Open(path)
	testutil.AssertNoError(t, err)
	testutil.AssertNoError(t, db.RecordRun(testRun(NewRunID(), time.Now()), nil))
	testutil.AssertNoError(t, db.Close())

	// Reopening an already-migrated database applies nothing.
	db, err = Open(path)
	testutil.AssertNoError(t, err)
	defer db.Close()
	runs, err := db.ListRuns(0)
	testutil.AssertNoError(t, err)
	if len(runs) != 1 {
		t.Errorf("got %d runs after reopen, want 1", len(runs))
	}
}

func TestRecordAndGetRun(t *testing.T) {
	db := openTestDB(t)
	started := time.Date(2026, time.August, 1, 12, 30, 0, 0, time.UTC)
	run := testRun("run-1", started)
	outcomes := []SliceOutcome{
		{Slice: 0, Converged: true, Iterations: 120, Residual: 14.5, ChiSq: 1.2},
		{Slice: 1, Reason: "every pixel is flagged"},
		{Slice: 2, Converged: true, Iterations: 95, Residual: 13.1, ChiSq: 1.1},
	}
	testutil.AssertNoError(t, db.RecordRun(run, outcomes))

	got, err := db.GetRun("run-1")
	testutil.AssertNoError(t, err)
	if !got.StartedAt.Equal(started) {
		t.Errorf("StartedAt = %v, want %v", got.StartedAt, started)
	}
	if got.Source != "AB DOR" || got.Mask != "G7S6" || got.Filter != "F480M" {
		t.Errorf("identity = %q/%q/%q", got.Source, got.Mask, got.Filter)
	}
	if got.Oversample != 3 || got.CutoutSize != 79 {
		t.Errorf("config = %d/%d", got.Oversample, got.CutoutSize)
	}
	if got.SlicesTotal != 3 || got.SlicesFit != 2 || got.SlicesFailed != 1 {
		t.Errorf("counts = %d/%d/%d", got.SlicesTotal, got.SlicesFit, got.SlicesFailed)
	}
	if got.OutputDir != "/out/abdor_00" {
		t.Errorf("OutputDir = %q", got.OutputDir)
	}

	gotOutcomes, err := db.SliceOutcomes("run-1")
	testutil.AssertNoError(t, err)
	if len(gotOutcomes) != 3 {
		t.Fatalf("got %d outcomes, want 3", len(gotOutcomes))
	}
	for i, o := range gotOutcomes {
		if o.Slice != i {
			t.Errorf("outcome %d has slice %d", i, o.Slice)
		}
	}
	if !gotOutcomes[0].Converged || gotOutcomes[1].Converged {
		t.Error("converged flags wrong")
	}
	if gotOutcomes[1].Reason != "every pixel is flagged" {
		t.Errorf("reason = %q", gotOutcomes[1].Reason)
	}
	testutil.AssertClose(t, gotOutcomes[0].Residual, 14.5, 0)
	testutil.AssertClose(t, gotOutcomes[2].ChiSq, 1.1, 0)
}

func TestRecordRunRequiresID(t *testing.T) {
	db := openTestDB(t)
	run := testRun("", time.Now())
	testutil.AssertError(t, db.RecordRun(run, nil))
}

func TestRecordRunDuplicateID(t *testing.T) {
	db := openTestDB(t)
	testutil.AssertNoError(t, db.RecordRun(testRun("dup", time.Now()), nil))
	testutil.AssertError(t, db.RecordRun(testRun("dup", time.Now()), nil))
}

func TestGetRunMissing(t *testing.T) {
	db := openTestDB(t)
	_, err := db.GetRun("nope")
	testutil.AssertError(t, err)
}

func TestListRunsNewestFirst(t *testing.T) {
	db := openTestDB(t)
	base := time.Date(2026, time.August, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c"} {
		testutil.AssertNoError(t, db.RecordRun(testRun(id, base.Add(time.Duration(i)*time.Hour)), nil))
	}

	runs, err := db.ListRuns(0)
	testutil.AssertNoError(t, err)
	if len(runs) != 3 {
		t.Fatalf("got %d runs, want 3", len(runs))
	}
	if runs[0].ID != "c" || runs[2].ID != "a" {
		t.Errorf("order = %s,%s,%s, want c,b,a", runs[0].ID, runs[1].ID, runs[2].ID)
	}

	limited, err := db.ListRuns(2)
	testutil.AssertNoError(t, err)
	if len(limited) != 2 {
		t.Errorf("limit 2 returned %d runs", len(limited))
	}
}

func TestSliceOutcomeForeignKey(t *testing.T) {
	db := openTestDB(t)
	_, err := db.Exec(`INSERT INTO slice_outcomes (run_id, slice, converged, iterations, residual, chisq, reason)
		VALUES ('ghost', 0, 1, 1, 0, 0, '')`)
	testutil.AssertError(t, err)
}

func TestNewRunID(t *testing.T) {
	a, b := NewRunID(), NewRunID()
	if a == "" || a == b {
		t.Errorf("ids %q, %q", a, b)
	}
	if len(a) != 36 {
		t.Errorf("id %q is not a UUID string", a)
	}
}

func TestOutcomesFromResult(t *testing.T) {
	res := &nrm.CubeResult{
		Solutions: []*nrm.FringeSolution{
			{Slice: 2, Iterations: 80, Residual: 12.0, ChiSq: 1.05},
			{Slice: 0, Iterations: 100, Residual: 11.0, ChiSq: 1.01},
		},
		Failures: []nrm.SliceFailure{
			{Slice: 1, Err: &nrm.FitConvergenceError{Slice: 1, Reason: "singular system"}},
		},
	}

	out := OutcomesFromResult(res)
	if len(out) != 3 {
		t.Fatalf("got %d outcomes, want 3", len(out))
	}
	for i, o := range out {
		if o.Slice != i {
			t.Errorf("outcome %d has slice %d", i, o.Slice)
		}
	}
	if !out[0].Converged || out[1].Converged || !out[2].Converged {
		t.Error("converged flags wrong")
	}
	if out[1].Reason == "" || out[0].Reason != "" {
		t.Error("reasons wrong")
	}
	if out[0].Iterations != 100 || out[2].Iterations != 80 {
		t.Error("iterations not carried")
	}
}

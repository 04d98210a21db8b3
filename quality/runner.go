package quality

import (
	"context"
	"fmt"
	"time"
)

// CheckFunc produces one result. A panic inside a check is contained
// and recorded as a FAIL so one broken check cannot take down the run.
type CheckFunc func(ctx context.Context) Result

// Runner chains checks for one execution, records every result, and
// answers the gating question at the end. Not safe for concurrent use;
// a run's checks execute in sequence.
type Runner struct {
	recorder *Recorder

	executionID string
	domain      string
	table       string

	results []Result
}

// NewRunner creates a runner whose results carry the execution id.
func NewRunner(recorder *Recorder, executionID string) *Runner {
	return &Runner{recorder: recorder, executionID: executionID}
}

// ForTable sets the default domain and table stamped on results that
// do not carry their own.
func (r *Runner) ForTable(domain, table string) *Runner {
	r.domain = domain
	r.table = table
	return r
}

// Run executes one check and records its result.
func (r *Runner) Run(ctx context.Context, check CheckFunc) (Result, error) {
	res := r.runContained(ctx, check)
	return r.Record(ctx, res)
}

func (r *Runner) runContained(ctx context.Context, check CheckFunc) (res Result) {
	defer func() {
		if p := recover(); p != nil {
			res = Result{
				CheckName: "panic",
				Status:    StatusFail,
				Message:   fmt.Sprintf("check panicked: %v", p),
			}
		}
	}()
	return check(ctx)
}

// Record stamps the runner's defaults onto the result and persists it.
func (r *Runner) Record(ctx context.Context, res Result) (Result, error) {
	if res.ExecutionID == "" {
		res.ExecutionID = r.executionID
	}
	if res.Domain == "" {
		res.Domain = r.domain
	}
	if res.Table == "" {
		res.Table = r.table
	}
	stored, err := r.recorder.Record(ctx, res)
	if err != nil {
		return res, err
	}
	r.results = append(r.results, *stored)
	return *stored, nil
}

// RequireHistoryWindow runs the consecutive-weeks gate and records its
// outcome as a check named "history_window:<table>".
func (r *Runner) RequireHistoryWindow(ctx context.Context, table string, weekEnding time.Time, windowWeeks int, filters map[string]interface{}) (bool, []string, error) {
	ok, missing, err := r.recorder.RequireHistoryWindow(ctx, table, weekEnding, windowWeeks, filters)
	if err != nil {
		return false, nil, err
	}

	check := "history_window:" + table
	expected := fmt.Sprintf("%d consecutive weeks ending %s", windowWeeks, weekEnding.Format(weekFormat))
	var res Result
	if ok {
		res = Pass(check, "history window complete")
		res.Expected = expected
	} else {
		res = Failed(check,
			fmt.Sprintf("history window missing %d of %d weeks", len(missing), windowWeeks),
			"missing: "+fmt.Sprint(missing), expected)
	}
	res.Table = table
	if _, rerr := r.Record(ctx, res); rerr != nil {
		return ok, missing, rerr
	}
	return ok, missing, nil
}

// Results returns everything recorded so far, in order.
func (r *Runner) Results() []Result {
	return append([]Result(nil), r.results...)
}

// HasFailures reports whether any recorded check failed. WARN does not
// gate.
func (r *Runner) HasFailures() bool {
	for _, res := range r.results {
		if res.Status == StatusFail {
			return true
		}
	}
	return false
}

// Failures returns the failing results, in order.
func (r *Runner) Failures() []Result {
	var out []Result
	for _, res := range r.results {
		if res.Status == StatusFail {
			out = append(out, res)
		}
	}
	return out
}

// Copyright © 2016-2021 Genome Research Limited
// Author: Sendu Bala <sb10@sanger.ac.uk>.
//
//  This file is part of seqflow.
//
//  seqflow is free software: you can redistribute it and/or modify
//  it under the terms of the GNU Lesser General Public License as published by
//  the Free Software Foundation, either version 3 of the License, or
//  (at your option) any later version.
//
//  seqflow is distributed in the hope that it will be useful,
//  but WITHOUT ANY WARRANTY; without even the implied warranty of
//  MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
//  GNU Lesser General Public License for more details.
//
//  You should have received a copy of the GNU Lesser General Public License
//  along with seqflow. If not, see <http://www.gnu.org/licenses/>.

package pipeline

// This file contains the orchestrator: submitting a built graph to a drms
// backend in topological order, polling for terminal states, and propagating
// failures.

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	sync "github.com/sasha-s/go-deadlock"

	"github.com/gofrs/uuid"
	"github.com/hashicorp/go-multierror"
	"github.com/inconshreveable/log15"
	"github.com/jpillora/backoff"

	"github.com/VertebrateResequencing/seqflow/pipeline/drms"
)

const (
	defaultSubmitRetries  = 3
	defaultPollMin        = 1 * time.Second
	defaultPollMax        = 30 * time.Second
	defaultMaxUnavailable = 5 * time.Minute

	failReasonPredecessor = "predecessor failed"
	failReasonCancelled   = "cancelled"
)

// CompletionChecker functions tell the runner whether a job's output
// artifacts already exist, in which case the job is Skipped instead of
// submitted. This is the resumability contract: the checker is an external
// collaborator looking at file system markers derived from the job's
// deterministic name; the runner holds no durable state of its own.
type CompletionChecker func(job *Job) bool

// MarkerFileChecker returns a CompletionChecker that considers a job complete
// if a file named after the job with the given suffix exists in the job's
// working directory.
func MarkerFileChecker(suffix string) CompletionChecker {
	return func(job *Job) bool {
		dir := job.Cwd
		if dir == "" {
			dir = "."
		}
		info, err := os.Stat(filepath.Join(dir, job.Name+suffix))
		return err == nil && info.Size() > 0
	}
}

// backendi is the slice of a drms.DRMS that the runner actually uses,
// factored out so behavior like submission rejection and unreachability can
// be scripted in tests.
type backendi interface {
	Submit(spec *drms.JobSpec, deps []string) (string, error)
	Poll(id string) (drms.Status, error)
	Cancel(id string) error
}

// Runner submits one built graph to one drms backend and tracks it to
// completion. The graph is owned exclusively by the runner for the duration
// of the run: state transitions are applied under a single lock, by the
// single submission/polling flow, or by Cancel.
type Runner struct {
	graph       *Graph
	backend     backendi
	backendName string

	// Checker decides which jobs to skip; nil means nothing is skipped.
	Checker CompletionChecker

	// SubmitRetries is how many times a rejected submission is retried, with
	// backoff, before the job is failed.
	SubmitRetries int

	// PollMin and PollMax bound the sleep between polling sweeps; the sleep
	// grows towards PollMax while nothing changes and resets to PollMin when
	// something does.
	PollMin time.Duration
	PollMax time.Duration

	// MaxUnavailable is how long the backend may be unreachable during
	// polling before the run errors out. Job states are left as they were:
	// unreachable does not mean failed, and the run is safe to resume.
	MaxUnavailable time.Duration

	mutex sync.Mutex
	log15.Logger
}

// NewRunner creates a Runner for the given graph and backend.
//
// Providing a logger allows for debug messages to be logged somewhere, along
// with any "harmless" or unreturnable errors. If not supplied, we use a
// default logger that discards all log messages.
func NewRunner(graph *Graph, backend *drms.DRMS, logger ...log15.Logger) *Runner {
	return newRunner(graph, backend, backend.Name, logger...)
}

func newRunner(graph *Graph, backend backendi, name string, logger ...log15.Logger) *Runner {
	var l log15.Logger
	if len(logger) == 1 {
		l = logger[0].New()
	} else {
		l = log15.New()
		l.SetHandler(log15.DiscardHandler())
	}

	return &Runner{
		graph:          graph,
		backend:        backend,
		backendName:    name,
		SubmitRetries:  defaultSubmitRetries,
		PollMin:        defaultPollMin,
		PollMax:        defaultPollMax,
		MaxUnavailable: defaultMaxUnavailable,
		Logger:         l,
	}
}

// Run takes the graph through to terminal states: jobs with existing outputs
// are Skipped, the rest are submitted in topological order (so a job is never
// handed to the backend before its predecessors have either succeeded or been
// delegated to the backend's own dependency handling), and then the backend
// is polled, with sleeps and no busy-waiting, until every job is terminal.
//
// A job whose execution fails fails all its transitive dependents without
// them ever being submitted or, if the backend already holds them, after
// cancelling them there. Execution failures are not retried: external tool
// failures are usually deterministic.
//
// The returned report lists every job with its final state and failure cause,
// whatever else happens. A non-nil error means the run itself broke (the
// backend became unreachable for longer than MaxUnavailable, or the context
// was cancelled), not that jobs failed; check the report for those.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	r.skipCompleted()

	if err := r.submitAll(ctx); err != nil {
		return r.report(), err
	}

	err := r.pollUntilDone(ctx)

	return r.report(), err
}

// skipCompleted moves Planned jobs whose outputs already exist straight to
// Skipped.
func (r *Runner) skipCompleted() {
	if r.Checker == nil {
		return
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()
	for _, job := range r.graph.Jobs() {
		if job.State != JobStatePlanned {
			continue
		}
		if r.Checker(job) {
			if err := job.ToState(JobStateSkipped); err == nil {
				r.Debug("skipping job with existing output", "job", job.Name)
			}
		}
	}
}

// submitAll walks the graph in topological order, failing jobs whose
// predecessors already failed and submitting the rest. For the bash backend
// each submission blocks until the job finished, so execution happens
// strictly sequentially in dependency order right here; for the cluster
// backends submission returns immediately and the predecessors' backend ids
// are encoded in the submission for the scheduler to enforce.
func (r *Runner) submitAll(ctx context.Context) error {
	for _, job := range r.graph.Jobs() {
		if err := ctx.Err(); err != nil {
			return err
		}

		r.mutex.Lock()
		if job.State != JobStatePlanned {
			r.mutex.Unlock()
			continue
		}

		if failed := r.failedPredecessor(job); failed != nil {
			job.fail(failReasonPredecessor + ": " + failed.Name)
			r.Debug("not submitting job", "job", job.Name, "reason", job.FailReason)
			r.mutex.Unlock()
			continue
		}

		deps := r.pendingDependencyIDs(job)
		r.mutex.Unlock()

		id, err := r.submitWithRetry(ctx, job, deps)

		r.mutex.Lock()
		if err != nil {
			job.fail(err.Error())
			r.Error("job submission failed", "job", job.Name, "err", err)
			r.mutex.Unlock()
			continue
		}
		job.BackendID = id
		if terr := job.ToState(JobStateSubmitted); terr != nil {
			r.mutex.Unlock()
			return terr
		}
		r.mutex.Unlock()

		// the bash backend ran the job to completion during Submit; finding
		// out the outcome now lets later jobs in the loop see failed
		// predecessors before they are handed over
		if r.backendName == drms.BackendBash {
			if _, perr := r.pollJob(job); perr != nil {
				r.Warn("failed to poll job after synchronous submission", "job", job.Name, "err", perr)
			}
		}
	}

	return nil
}

// failedPredecessor returns a direct predecessor of the job that reached
// terminal failure, if any. Call with the lock held.
func (r *Runner) failedPredecessor(job *Job) *Job {
	for _, dep := range r.graph.Dependencies(job.Name) {
		if dep.State == JobStateFailed {
			return dep
		}
	}
	return nil
}

// pendingDependencyIDs returns the backend ids of the job's predecessors that
// have not yet succeeded; these are what the backend's native dependency
// syntax must wait on. Skipped and Completed predecessors need no waiting and
// have no usable id. Call with the lock held.
func (r *Runner) pendingDependencyIDs(job *Job) []string {
	var ids []string
	for _, dep := range r.graph.Dependencies(job.Name) {
		if dep.Succeeded() {
			continue
		}
		if dep.BackendID != "" {
			ids = append(ids, dep.BackendID)
		}
	}
	return ids
}

// submitWithRetry submits the job, retrying rejected submissions a bounded
// number of times with increasing delays before giving up. Rejections are
// often transient (queue full, scheduler busy), which is why they get retries
// when execution failures don't. Other submission errors, like resource
// requirements no machine can meet, are deterministic and fail immediately.
func (r *Runner) submitWithRetry(ctx context.Context, job *Job, deps []string) (string, error) {
	b := &backoff.Backoff{Min: r.PollMin, Max: r.PollMax, Factor: 2, Jitter: true}

	var lastErr error
	for attempt := 0; attempt <= r.SubmitRetries; attempt++ {
		if attempt > 0 {
			if err := sleepCtx(ctx, b.Duration()); err != nil {
				return "", err
			}
			r.Warn("retrying job submission", "job", job.Name, "attempt", attempt, "err", lastErr)
		}

		id, err := r.backend.Submit(job.Spec(), deps)
		if err == nil {
			return id, nil
		}
		if !retryableSubmitError(err) {
			return "", err
		}
		lastErr = err
	}

	return "", lastErr
}

// retryableSubmitError tells you if a submission error is a scheduler
// rejection (the ErrSubmit class), the only kind worth retrying.
func retryableSubmitError(err error) bool {
	derr, ok := err.(drms.Error)
	return ok && strings.HasPrefix(derr.Err, drms.ErrSubmit)
}

// pollUntilDone sweeps the backend for job statuses until every job is
// terminal, sleeping between sweeps. The sleep backs off while nothing
// changes and resets when something does. Backend unavailability is tolerated
// for up to MaxUnavailable before surfacing as a run-level error, without
// marking any job failed: their states are simply unknown.
func (r *Runner) pollUntilDone(ctx context.Context) error {
	b := &backoff.Backoff{Min: r.PollMin, Max: r.PollMax, Factor: 1.5}
	var unavailableSince time.Time

	for {
		active, changed, err := r.sweep()
		switch {
		case err != nil:
			if unavailableSince.IsZero() {
				unavailableSince = time.Now()
			}
			if time.Since(unavailableSince) > r.MaxUnavailable {
				return err
			}
			r.Warn("backend unavailable, will retry", "err", err)
		default:
			unavailableSince = time.Time{}
		}

		if active == 0 {
			return nil
		}

		if changed {
			b.Reset()
		}
		if err := sleepCtx(ctx, b.Duration()); err != nil {
			return err
		}
	}
}

// sweep polls every non-terminal submitted job once, returning how many jobs
// are still not terminal and whether any state changed. Returns the last
// unavailability error seen, leaving affected jobs' states untouched.
func (r *Runner) sweep() (active int, changed bool, err error) {
	r.mutex.Lock()
	jobs := r.graph.Jobs()
	r.mutex.Unlock()

	for _, job := range jobs {
		r.mutex.Lock()
		pollable := !job.Terminal() && job.BackendID != ""
		r.mutex.Unlock()
		if !pollable {
			continue
		}

		thisChanged, thisErr := r.pollJob(job)
		if thisErr != nil {
			err = thisErr
		}
		if thisChanged {
			changed = true
		}
	}

	r.mutex.Lock()
	for _, job := range jobs {
		if !job.Terminal() {
			active++
		}
	}
	r.mutex.Unlock()

	return active, changed, err
}

// pollJob asks the backend about one job and applies the resulting state
// transition, failing transitive dependents if the job failed.
func (r *Runner) pollJob(job *Job) (changed bool, err error) {
	status, err := r.backend.Poll(job.BackendID)
	if err != nil {
		return false, err
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if job.Terminal() {
		return false, nil
	}

	switch status {
	case drms.StatusQueued:
		// still pending; nothing to do
	case drms.StatusRunning:
		if job.State == JobStateSubmitted {
			if terr := job.ToState(JobStateRunning); terr == nil {
				changed = true
			}
		}
	case drms.StatusCompleted:
		if terr := job.ToState(JobStateCompleted); terr == nil {
			changed = true
			r.Debug("job completed", "job", job.Name)
		}
	case drms.StatusFailed:
		job.fail("execution failed")
		changed = true
		r.Error("job failed", "job", job.Name)
		r.failDependentsLocked(job, failReasonPredecessor+": "+job.Name)
	}

	return changed, nil
}

// failDependentsLocked fails every not-yet-terminal transitive dependent of
// the given job, cancelling on the backend any that were already submitted.
// Call with the lock held.
func (r *Runner) failDependentsLocked(job *Job, reason string) {
	for _, dependent := range r.graph.TransitiveDependents(job.Name) {
		if dependent.Terminal() {
			continue
		}
		if dependent.BackendID != "" {
			if err := r.backend.Cancel(dependent.BackendID); err != nil {
				r.Warn("failed to cancel dependent job", "job", dependent.Name, "err", err)
			}
		}
		dependent.fail(reason)
	}
}

// Cancel cancels the named job on the backend and transitively fails all its
// not-yet-terminal dependents without submitting them. It may be called from
// another goroutine while Run is in progress.
func (r *Runner) Cancel(name string) error {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	job, found := r.graph.Job(name)
	if !found {
		return Error{"Cancel", name, ErrUnknownJob}
	}

	var errs *multierror.Error
	if job.BackendID != "" && !job.Terminal() {
		if err := r.backend.Cancel(job.BackendID); err != nil {
			errs = multierror.Append(errs, err)
		}
	}
	job.fail(failReasonCancelled)
	r.failDependentsLocked(job, failReasonCancelled+": "+job.Name)

	return errs.ErrorOrNil()
}

// ReportEntry is one job's final record in a run report.
type ReportEntry struct {
	Name       string
	Stage      string
	State      JobState
	FailReason string
	BackendID  string
}

// Report is what a run leaves behind: every job, in topological order, with
// its final state and failure cause if any.
type Report struct {
	RunID   string
	Entries []ReportEntry
}

// report builds a Report from the graph's current states.
func (r *Runner) report() *Report {
	r.mutex.Lock()
	defer r.mutex.Unlock()

	id := ""
	if u, err := uuid.NewV4(); err == nil {
		id = u.String()
	} else {
		r.Warn("failed to generate a run id", "err", err)
	}

	report := &Report{RunID: id}
	for _, job := range r.graph.Jobs() {
		report.Entries = append(report.Entries, ReportEntry{
			Name:       job.Name,
			Stage:      job.Stage,
			State:      job.State,
			FailReason: job.FailReason,
			BackendID:  job.BackendID,
		})
	}
	return report
}

// Failed returns the entries of jobs that ended in failure.
func (r *Report) Failed() []ReportEntry {
	var failed []ReportEntry
	for _, entry := range r.Entries {
		if entry.State == JobStateFailed {
			failed = append(failed, entry)
		}
	}
	return failed
}

// Counts returns how many jobs ended in each state.
func (r *Report) Counts() map[JobState]int {
	counts := make(map[JobState]int)
	for _, entry := range r.Entries {
		counts[entry.State]++
	}
	return counts
}

// sleepCtx sleeps for the given duration, returning early with the context's
// error if it is cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

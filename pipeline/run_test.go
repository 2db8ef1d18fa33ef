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

import (
	"context"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/inconshreveable/log15"
	. "github.com/smartystreets/goconvey/convey"

	"github.com/VertebrateResequencing/seqflow/pipeline/drms"
)

var runTestLogger = log15.New()

func init() {
	runTestLogger.SetHandler(log15.LvlFilterHandler(log15.LvlWarn, log15.StderrHandler))
}

// command builders that run real shell commands via the bash backend
func trueCommand(t *Target) (string, []string, error) {
	return "true", nil, nil
}

func falseCommand(t *Target) (string, []string, error) {
	return "false", nil, nil
}

// failForSample returns a builder that fails for one sample and succeeds for
// the rest.
func failForSample(sample string) CommandBuilder {
	return func(t *Target) (string, []string, error) {
		if t.Sample != nil && t.Sample.Name == sample {
			return "false", nil, nil
		}
		return "true", nil, nil
	}
}

func TestRunnerBash(t *testing.T) {
	dir, err := ioutil.TempDir("", "seqflow_run_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	run := testHierarchy(t, dir)

	newBackend := func() *drms.DRMS {
		backend, err := drms.New("bash", &drms.ConfigBash{Shell: "bash"}, runTestLogger)
		if err != nil {
			t.Fatal(err)
		}
		return backend
	}

	Convey("A 2 stage pipeline runs to completion on the bash backend", t, func() {
		stages := []*Stage{
			{Name: "align", Policy: PolicyPerPairedReads, Cwd: dir, Command: trueCommand},
			{Name: "merge", Policy: PolicyPerSamplePooled, Previous: []string{"align"}, Cwd: dir, Command: trueCommand},
		}
		graph, err := Build(stages, run, nil, nil)
		So(err, ShouldBeNil)

		backend := newBackend()
		defer backend.Cleanup()
		runner := NewRunner(graph, backend, runTestLogger)

		report, err := runner.Run(context.Background())
		So(err, ShouldBeNil)
		So(report, ShouldNotBeNil)
		So(report.RunID, ShouldNotBeBlank)
		So(len(report.Entries), ShouldEqual, 5)
		So(report.Failed(), ShouldBeEmpty)
		So(report.Counts()[JobStateCompleted], ShouldEqual, 5)

		Convey("Every job got a backend id and its output files", func() {
			for _, entry := range report.Entries {
				So(entry.BackendID, ShouldNotBeBlank)
				_, err := os.Stat(filepath.Join(dir, entry.Name+".out"))
				So(err, ShouldBeNil)
			}
		})
	})

	Convey("A failing job fails its transitive dependents unsubmitted", t, func() {
		stages := []*Stage{
			{Name: "a", Policy: PolicySingleton, Cwd: dir, Command: falseCommand},
			{Name: "b", Policy: PolicySingleton, Previous: []string{"a"}, Cwd: dir, Command: trueCommand},
			{Name: "c", Policy: PolicySingleton, Previous: []string{"b"}, Cwd: dir, Command: trueCommand},
		}
		graph, err := Build(stages, run, nil, nil)
		So(err, ShouldBeNil)

		backend := newBackend()
		defer backend.Cleanup()
		runner := NewRunner(graph, backend, runTestLogger)

		report, err := runner.Run(context.Background())
		So(err, ShouldBeNil)
		So(len(report.Failed()), ShouldEqual, 3)

		a, _ := graph.Job("a_all")
		So(a.State, ShouldEqual, JobStateFailed)
		So(a.BackendID, ShouldNotBeBlank)

		for _, name := range []string{"b_all", "c_all"} {
			job, _ := graph.Job(name)
			So(job.State, ShouldEqual, JobStateFailed)
			So(job.BackendID, ShouldBeBlank)
			So(job.FailReason, ShouldStartWith, "predecessor failed")
		}
	})

	Convey("An unrelated job still runs when another fails", t, func() {
		stages := []*Stage{
			{Name: "align", Policy: PolicyPerSamplePooled, Cwd: dir, Command: failForSample("s1")},
			{Name: "merge", Policy: PolicyPerSamplePooled, Previous: []string{"align"}, Cwd: dir, Command: trueCommand},
		}
		graph, err := Build(stages, run, nil, nil)
		So(err, ShouldBeNil)

		backend := newBackend()
		defer backend.Cleanup()
		runner := NewRunner(graph, backend, runTestLogger)

		report, err := runner.Run(context.Background())
		So(err, ShouldBeNil)
		So(report.Counts()[JobStateFailed], ShouldEqual, 2) // align_s1 and merge_s1
		So(report.Counts()[JobStateCompleted], ShouldEqual, 2)

		mergeS2, _ := graph.Job("merge_s2")
		So(mergeS2.State, ShouldEqual, JobStateCompleted)
	})

	Convey("Jobs whose output markers exist are skipped, not re-run", t, func() {
		markerDir, err := ioutil.TempDir("", "seqflow_run_test_markers")
		So(err, ShouldBeNil)
		defer os.RemoveAll(markerDir)

		stages := []*Stage{
			{Name: "align", Policy: PolicyPerSamplePooled, Cwd: markerDir, Command: trueCommand},
			{Name: "merge", Policy: PolicyPerSamplePooled, Previous: []string{"align"}, Cwd: markerDir, Command: trueCommand},
		}
		graph, err := Build(stages, run, nil, nil)
		So(err, ShouldBeNil)

		err = ioutil.WriteFile(filepath.Join(markerDir, "align_s1.done"), []byte("ok\n"), 0600)
		So(err, ShouldBeNil)

		backend := newBackend()
		defer backend.Cleanup()
		runner := NewRunner(graph, backend, runTestLogger)
		runner.Checker = MarkerFileChecker(".done")

		report, err := runner.Run(context.Background())
		So(err, ShouldBeNil)
		So(report.Counts()[JobStateSkipped], ShouldEqual, 1)
		So(report.Counts()[JobStateCompleted], ShouldEqual, 3)

		alignS1, _ := graph.Job("align_s1")
		So(alignS1.State, ShouldEqual, JobStateSkipped)
		So(alignS1.Succeeded(), ShouldBeTrue)
		So(alignS1.BackendID, ShouldBeBlank)

		Convey("A skipped job still satisfies its dependents", func() {
			mergeS1, _ := graph.Job("merge_s1")
			So(mergeS1.State, ShouldEqual, JobStateCompleted)
		})

		Convey("An empty marker file does not count", func() {
			job := &Job{Name: "align_s2", Cwd: markerDir}
			err := ioutil.WriteFile(filepath.Join(markerDir, "align_s2.done"), nil, 0600)
			So(err, ShouldBeNil)
			So(MarkerFileChecker(".done")(job), ShouldBeFalse)
		})
	})

	Convey("Cancelling a planned job fails it and its dependents", t, func() {
		stages := []*Stage{
			{Name: "a", Policy: PolicySingleton, Cwd: dir, Command: trueCommand},
			{Name: "b", Policy: PolicySingleton, Previous: []string{"a"}, Cwd: dir, Command: trueCommand},
		}
		graph, err := Build(stages, run, nil, nil)
		So(err, ShouldBeNil)

		backend := newBackend()
		defer backend.Cleanup()
		runner := NewRunner(graph, backend, runTestLogger)

		So(runner.Cancel("a_all"), ShouldBeNil)
		a, _ := graph.Job("a_all")
		So(a.State, ShouldEqual, JobStateFailed)
		So(a.FailReason, ShouldEqual, "cancelled")
		b, _ := graph.Job("b_all")
		So(b.State, ShouldEqual, JobStateFailed)
		So(b.FailReason, ShouldStartWith, "cancelled")

		Convey("And cancelling an unknown job is an error", func() {
			err := runner.Cancel("nonexistent")
			So(err, ShouldNotBeNil)
			perr, ok := err.(Error)
			So(ok, ShouldBeTrue)
			So(perr.Err, ShouldEqual, ErrUnknownJob)
		})

		Convey("Nothing terminal gets re-run afterwards", func() {
			report, err := runner.Run(context.Background())
			So(err, ShouldBeNil)
			So(report.Counts()[JobStateFailed], ShouldEqual, 2)
		})
	})
}

// scriptedBackend is a backendi whose submission and polling behavior is
// set per job name, so the retry and unavailability paths can be driven
// without a real scheduler.
type scriptedBackend struct {
	mutex        sync.Mutex
	rejections   map[string]int // name -> submissions to reject before accepting
	submitErr    map[string]error
	pollErr      error
	serial       int
	submitCounts map[string]int
	statuss      map[string]drms.Status
}

func newScriptedBackend() *scriptedBackend {
	return &scriptedBackend{
		rejections:   make(map[string]int),
		submitErr:    make(map[string]error),
		submitCounts: make(map[string]int),
		statuss:      make(map[string]drms.Status),
	}
}

func (s *scriptedBackend) Submit(spec *drms.JobSpec, deps []string) (string, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	s.submitCounts[spec.Name]++
	if err, found := s.submitErr[spec.Name]; found {
		return "", err
	}
	if s.rejections[spec.Name] > 0 {
		s.rejections[spec.Name]--
		return "", drms.Error{Backend: "scripted", Op: "submit", Err: drms.ErrSubmit + ": queue full"}
	}

	s.serial++
	id := strconv.Itoa(s.serial)
	s.statuss[id] = drms.StatusCompleted
	return id, nil
}

func (s *scriptedBackend) Poll(id string) (drms.Status, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.pollErr != nil {
		return "", s.pollErr
	}
	return s.statuss[id], nil
}

func (s *scriptedBackend) Cancel(id string) error {
	return nil
}

func (s *scriptedBackend) submissions(name string) int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.submitCounts[name]
}

func TestRunnerSubmissionErrors(t *testing.T) {
	dir, err := ioutil.TempDir("", "seqflow_run_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	run := testHierarchy(t, dir)

	chain := func() []*Stage {
		return []*Stage{
			{Name: "a", Policy: PolicySingleton, Cwd: dir, Command: trueCommand},
			{Name: "b", Policy: PolicySingleton, Previous: []string{"a"}, Cwd: dir, Command: trueCommand},
		}
	}

	newScriptedRunner := func(graph *Graph, backend *scriptedBackend) *Runner {
		runner := newRunner(graph, backend, "scripted", runTestLogger)
		runner.PollMin = time.Millisecond
		runner.PollMax = 5 * time.Millisecond
		return runner
	}

	Convey("Transient submission rejections are retried until they succeed", t, func() {
		graph, err := Build(chain(), run, nil, nil)
		So(err, ShouldBeNil)

		backend := newScriptedBackend()
		backend.rejections["a_all"] = 2

		runner := newScriptedRunner(graph, backend)
		runner.SubmitRetries = 3

		report, err := runner.Run(context.Background())
		So(err, ShouldBeNil)
		So(report.Failed(), ShouldBeEmpty)
		So(backend.submissions("a_all"), ShouldEqual, 3)

		a, _ := graph.Job("a_all")
		So(a.State, ShouldEqual, JobStateCompleted)
	})

	Convey("Exhausting submission retries fails the job and its dependents", t, func() {
		graph, err := Build(chain(), run, nil, nil)
		So(err, ShouldBeNil)

		backend := newScriptedBackend()
		backend.rejections["a_all"] = 99

		runner := newScriptedRunner(graph, backend)
		runner.SubmitRetries = 2

		report, err := runner.Run(context.Background())
		So(err, ShouldBeNil)
		So(len(report.Failed()), ShouldEqual, 2)
		So(backend.submissions("a_all"), ShouldEqual, 3) // 1 attempt + 2 retries

		a, _ := graph.Job("a_all")
		So(a.State, ShouldEqual, JobStateFailed)
		So(a.FailReason, ShouldContainSubstring, drms.ErrSubmit)

		b, _ := graph.Job("b_all")
		So(b.State, ShouldEqual, JobStateFailed)
		So(b.BackendID, ShouldBeBlank)
		So(b.FailReason, ShouldStartWith, "predecessor failed")
		So(backend.submissions("b_all"), ShouldEqual, 0)
	})

	Convey("Deterministic submission errors are not retried at all", t, func() {
		graph, err := Build(chain(), run, nil, nil)
		So(err, ShouldBeNil)

		backend := newScriptedBackend()
		backend.submitErr["a_all"] = drms.Error{Backend: "scripted", Op: "submit", Err: drms.ErrImpossible}

		runner := newScriptedRunner(graph, backend)
		runner.SubmitRetries = 5

		report, err := runner.Run(context.Background())
		So(err, ShouldBeNil)
		So(len(report.Failed()), ShouldEqual, 2)
		So(backend.submissions("a_all"), ShouldEqual, 1)

		a, _ := graph.Job("a_all")
		So(a.FailReason, ShouldContainSubstring, drms.ErrImpossible)
	})
}

func TestRunnerBackendUnavailable(t *testing.T) {
	dir, err := ioutil.TempDir("", "seqflow_run_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	run := testHierarchy(t, dir)

	Convey("Prolonged unavailability errors the run without failing jobs", t, func() {
		stages := []*Stage{
			{Name: "a", Policy: PolicySingleton, Cwd: dir, Command: trueCommand},
		}
		graph, err := Build(stages, run, nil, nil)
		So(err, ShouldBeNil)

		backend := newScriptedBackend()
		backend.pollErr = drms.Error{Backend: "scripted", Op: "poll", Err: drms.ErrUnavailable}

		runner := newRunner(graph, backend, "scripted", runTestLogger)
		runner.PollMin = time.Millisecond
		runner.PollMax = 5 * time.Millisecond
		runner.MaxUnavailable = 50 * time.Millisecond

		report, err := runner.Run(context.Background())
		So(err, ShouldNotBeNil)
		derr, ok := err.(drms.Error)
		So(ok, ShouldBeTrue)
		So(derr.Err, ShouldEqual, drms.ErrUnavailable)

		// the job's fate is unknown, not failed; the run is safe to resume
		a, _ := graph.Job("a_all")
		So(a.State, ShouldEqual, JobStateSubmitted)
		So(a.BackendID, ShouldNotBeBlank)
		So(report.Failed(), ShouldBeEmpty)

		Convey("Once the backend is reachable again, polling resumes", func() {
			backend.mutex.Lock()
			backend.pollErr = nil
			backend.mutex.Unlock()

			report, err := runner.Run(context.Background())
			So(err, ShouldBeNil)
			So(report.Counts()[JobStateCompleted], ShouldEqual, 1)
		})
	})
}

func TestJobStates(t *testing.T) {
	Convey("Job state transitions are validated", t, func() {
		job := &Job{Name: "j", State: JobStatePlanned}

		So(job.ToState(JobStateRunning), ShouldNotBeNil)
		So(job.ToState(JobStateSubmitted), ShouldBeNil)
		So(job.ToState(JobStateCompleted), ShouldBeNil)
		So(job.Terminal(), ShouldBeTrue)
		So(job.Succeeded(), ShouldBeTrue)

		Convey("Terminal states are final", func() {
			err := job.ToState(JobStateFailed)
			So(err, ShouldNotBeNil)
			perr, ok := err.(Error)
			So(ok, ShouldBeTrue)
			So(perr.Err, ShouldStartWith, ErrBadTransition)
		})

		Convey("Skipping is only possible before submission", func() {
			fresh := &Job{Name: "k", State: JobStatePlanned}
			So(fresh.ToState(JobStateSkipped), ShouldBeNil)
			So(fresh.Succeeded(), ShouldBeTrue)

			submitted := &Job{Name: "l", State: JobStateSubmitted}
			So(submitted.ToState(JobStateSkipped), ShouldNotBeNil)
		})
	})
}

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

// This file contains the job related code.

import (
	"github.com/VertebrateResequencing/seqflow/pipeline/drms"
)

// JobState is how we describe the possible job states.
type JobState string

// JobState* constants represent all the possible job states. Skipped is
// terminal and counts as success for dependency purposes: the job's outputs
// already existed, so it was never submitted.
const (
	JobStatePlanned   JobState = "planned"
	JobStateSubmitted JobState = "submitted"
	JobStateRunning   JobState = "running"
	JobStateCompleted JobState = "completed"
	JobStateFailed    JobState = "failed"
	JobStateSkipped   JobState = "skipped"
)

// validTransitions describes the job state machine. Planned jobs may fail
// without ever being submitted (fail-fast propagation), and submitted jobs
// may complete without us ever observing them running.
var validTransitions = map[JobState][]JobState{
	JobStatePlanned:   {JobStateSubmitted, JobStateSkipped, JobStateFailed},
	JobStateSubmitted: {JobStateRunning, JobStateCompleted, JobStateFailed},
	JobStateRunning:   {JobStateCompleted, JobStateFailed},
}

// Job is a single schedulable unit of work: an executable invocation, its
// resolved resource limits, the names of the jobs that must succeed before it
// may run, and its lifecycle state.
//
// A Job's Name is a pure function of its stage name and entity identifiers,
// so re-building an unchanged pipeline regenerates the same names; external
// collaborators rely on this to detect already-completed work via file system
// markers.
type Job struct {
	Name         string
	Stage        string
	Cmd          string
	Args         []string
	Cwd          string
	Limits       *drms.Limits // immutable once resolved
	Dependencies []string     // predecessor job names, in stage order
	State        JobState
	BackendID    string // the backend's identifier, set on submission
	FailReason   string // why the job failed, if it did

	// lineage identifiers, the join keys for dependency linking; empty fields
	// mean the job pools across that level
	Project      string
	Sample       string
	PairedReads  string
	Contributors []string // sample names a pooled job consumes
}

// ToState transitions the job to the given state, refusing transitions the
// state machine doesn't allow (eg. out of a terminal state, or skipping a
// submitted job).
func (j *Job) ToState(state JobState) error {
	for _, allowed := range validTransitions[j.State] {
		if state == allowed {
			j.State = state
			return nil
		}
	}
	return Error{"ToState", j.Name, ErrBadTransition + ": " + string(j.State) + " -> " + string(state)}
}

// fail marks the job Failed with the given reason. Calling it on a job
// already in a terminal state does nothing.
func (j *Job) fail(reason string) {
	if j.Terminal() {
		return
	}
	j.State = JobStateFailed
	j.FailReason = reason
}

// Terminal tells you if the job has reached a state it can never leave.
func (j *Job) Terminal() bool {
	switch j.State {
	case JobStateCompleted, JobStateFailed, JobStateSkipped:
		return true
	}
	return false
}

// Succeeded tells you if the job reached terminal success: it either
// completed, or was skipped because its outputs already existed.
func (j *Job) Succeeded() bool {
	return j.State == JobStateCompleted || j.State == JobStateSkipped
}

// Spec returns the fixed argument shape the drms backends take.
func (j *Job) Spec() *drms.JobSpec {
	return &drms.JobSpec{
		Name: j.Name,
		Cmd:  j.Cmd,
		Args: j.Args,
		Cwd:  j.Cwd,
		Lim:  j.Limits,
	}
}

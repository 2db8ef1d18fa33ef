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

/*
Package drms lets the pipeline orchestrator interact with a Distributed
Resource Management System (a cluster batch scheduler, or the local machine) to
submit jobs and discover their fate.

Currently implemented backends are bash, sge and slurm. The implementation of
each supported backend is in its own .go file.

It's a pseudo plug-in system in that it is designed so that you can easily add
a go file that implements the methods of the drmsi interface, to support a new
batch scheduler. On the other hand, there is no dynamic loading of these go
files; they are all imported (they all belong to the drms package), and the
correct one used at run time. To "register" a new drmsi implementation you must
add a case for it to New() and rebuild.

    import "github.com/VertebrateResequencing/seqflow/pipeline/drms"
    d, err := drms.New("bash", &drms.ConfigBash{Shell: "bash"})
    id, err := d.Submit(&drms.JobSpec{Name: "align_S1_L001", Cmd: "bwa", Args: [...]}, nil)
    status, err := d.Poll(id)
*/
package drms

import (
	"fmt"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/dgryski/go-farm"
	"github.com/inconshreveable/log15"
)

// BackendBash and friends are the valid backend names accepted by New().
const (
	BackendBash  = "bash"
	BackendSGE   = "sge"
	BackendSlurm = "slurm"
)

// Err* constants are found in the returned Errors under err.Err, so you can
// cast and check if it's a certain type of error.
var (
	ErrBadDRMS     = "unknown drms backend name"
	ErrImpossible  = "backend cannot accept the job, since its resource requirements are too high"
	ErrSubmit      = "backend rejected the submission"
	ErrUnavailable = "backend could not be reached"
	ErrUnknownJob  = "backend has no record of this job"
)

// Error records an error and the operation and backend that caused it.
type Error struct {
	Backend string // the backend's Name
	Op      string // name of the method
	Err     string // one of our Err* vars, or a free-form description
}

func (e Error) Error() string {
	return "drms(" + e.Backend + ") " + e.Op + "(): " + e.Err
}

// Status describes the backend's view of a submitted job.
type Status string

// Status* constants represent all the possible backend job statuses.
const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Limits describes the resolved resource limits of a job, so that when
// provided to a backend it will be able to reserve resources appropriately.
// Zero values mean "no explicit limit": backends must omit the corresponding
// native flag, not substitute a number of their own.
type Limits struct {
	Implementation string        // which backend to submit with: bash, sge or slurm
	MemoryHard     uint64        // hard memory limit in bytes
	MemorySoft     uint64        // soft memory limit in bytes, <= MemoryHard
	Time           time.Duration // wall-time limit, 0 for unlimited
	Queue          string        // backend-specific queue/partition name, "" for the backend default
	ParallelEnv    string        // parallel environment name, only meaningful when Threads > 1
	Threads        int           // number of cpu cores the job will reserve
}

// Stringify represents the contents of the Limits as a string, for logging and
// for deterministic comparisons. The same content always produces the same
// result.
func (l *Limits) Stringify() string {
	return fmt.Sprintf("%s:%s:%s:%.0f:%s:%s:%d",
		l.Implementation, bytefmt.ByteSize(l.MemoryHard), bytefmt.ByteSize(l.MemorySoft),
		l.Time.Minutes(), l.Queue, l.ParallelEnv, l.Threads)
}

// Clone creates a copy of the Limits.
func (l *Limits) Clone() *Limits {
	c := *l
	return &c
}

// JobSpec is the fixed argument shape handed to a backend for submission: the
// deterministic job name, the executable invocation, where to run it, and the
// job's resolved resource limits. Predecessor backend ids are passed
// separately to Submit, since they are only known at submission time.
type JobSpec struct {
	Name string   // deterministic job name, unique within a run
	Cmd  string   // the executable to run
	Args []string // its arguments
	Cwd  string   // working directory, "" for the current one
	Lim  *Limits  // resolved resource limits, must not be nil
}

// CommandLine returns the shell command line for the spec, the executable
// followed by its arguments, space separated. Backends that submit via a shell
// use this; arguments are assumed to have been shell-safe since they name
// file paths and tool options built by the pipeline.
func (s *JobSpec) CommandLine() string {
	line := s.Cmd
	for _, arg := range s.Args {
		line += " " + arg
	}
	return line
}

// drmsi interface must be satisfied to add support for a particular batch
// scheduler.
type drmsi interface {
	initialize(config interface{}, logger log15.Logger) error // do any initial set up to be able to use the backend
	submit(spec *JobSpec, deps []string) (string, error)      // achieve the aims of Submit()
	poll(id string) (Status, error)                           // achieve the aims of Poll()
	cancel(id string) error                                   // achieve the aims of Cancel()
	cleanup()                                                 // do any clean up once you've finished using the backend
}

// DRMS gives you access to all of the methods you'll need to interact with a
// batch scheduler backend.
type DRMS struct {
	impl drmsi
	Name string
	log15.Logger
}

// New creates a new DRMS to interact with the given backend. Possible names so
// far are "bash", "sge" and "slurm". You must also provide a config struct
// appropriate for your chosen backend, eg. for the bash backend you will
// provide a ConfigBash.
//
// Providing a logger allows for debug messages to be logged somewhere, along
// with any "harmless" or unreturnable errors. If not supplied, we use a
// default logger that discards all log messages.
func New(name string, config interface{}, logger ...log15.Logger) (*DRMS, error) {
	var d *DRMS
	switch name {
	case BackendBash:
		d = &DRMS{impl: new(bash)}
	case BackendSGE:
		d = &DRMS{impl: new(sge)}
	case BackendSlurm:
		d = &DRMS{impl: new(slurm)}
	default:
		return nil, Error{name, "New", ErrBadDRMS}
	}

	var l log15.Logger
	if len(logger) == 1 {
		l = logger[0].New()
	} else {
		l = log15.New()
		l.SetHandler(log15.DiscardHandler())
	}
	d.Logger = l

	d.Name = name
	err := d.impl.initialize(config, l)

	return d, err
}

// Submit hands the job described by spec to the backend, arranging that it
// will not start running until every job in deps (backend ids returned by
// previous Submit calls) has completed successfully. It returns the backend's
// identifier for the job.
//
// For the bash backend, "submission" runs the job to completion before
// returning; the cluster backends return as soon as the scheduler has accepted
// the job. A returned Error with Err ErrSubmit means the scheduler rejected
// the request; such errors are worth retrying after a delay, since rejections
// are often transient (queue full, license server busy).
func (d *DRMS) Submit(spec *JobSpec, deps []string) (string, error) {
	if spec.Lim == nil {
		spec.Lim = &Limits{Threads: 1}
	}
	return d.impl.submit(spec, deps)
}

// Poll asks the backend for the current status of the job with the given
// backend id. An Error with Err ErrUnavailable means the backend could not be
// reached and the job's status remains whatever it last was; it does NOT mean
// the job failed.
func (d *DRMS) Poll(id string) (Status, error) {
	return d.impl.poll(id)
}

// Cancel removes the job with the given backend id from the backend, killing
// it if it is already running. Cancelling an already-finished job is not an
// error.
func (d *DRMS) Cancel(id string) error {
	return d.impl.cancel(id)
}

// Cleanup means you've finished using the backend and it can clean up any
// used resources. It does not cancel submitted jobs.
func (d *DRMS) Cleanup() {
	d.impl.cleanup()
}

// backendJobName returns a constant-width (length 32 plus prefix) string
// unique to the given job name, for use as the backend-native job name. SGE
// silently truncates long job names, so we can't use the real name directly.
func backendJobName(name string, prefix string) string {
	l, h := farm.Hash128([]byte(name))
	return fmt.Sprintf("%s%016x%016x", prefix, l, h)
}

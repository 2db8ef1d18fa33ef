// Copyright © 2016-2020 Genome Research Limited
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

package drms

// This file contains a drmsi implementation for 'bash': running jobs on the
// local machine directly, one at a time. It is intended for development and
// small runs, not for making efficient use of a big machine.

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"

	sync "github.com/sasha-s/go-deadlock"

	"github.com/inconshreveable/log15"
	"github.com/shirou/gopsutil/mem"
)

// ConfigBash represents the configuration options required by the bash
// backend.
type ConfigBash struct {
	// Shell is the shell to use to run job command lines; 'bash' is
	// recommended.
	Shell string
}

// bashJob records what happened to a job we ran.
type bashJob struct {
	status Status
	cmd    *exec.Cmd
	cancel context.CancelFunc
}

// bash is our implementer of drmsi.
type bash struct {
	log15.Logger
	config *ConfigBash
	maxRAM uint64
	mutex  sync.Mutex
	jobs   map[string]*bashJob
	serial int
}

// initialize finds out about the local machine.
func (s *bash) initialize(config interface{}, logger log15.Logger) error {
	s.config = config.(*ConfigBash)
	s.Logger = logger.New("drms", "bash")
	if s.config.Shell == "" {
		s.config.Shell = "bash"
	}

	v, err := mem.VirtualMemory()
	if err != nil {
		return Error{BackendBash, "initialize", fmt.Sprintf("failed to get memory details: %s", err)}
	}
	s.maxRAM = v.Total

	s.jobs = make(map[string]*bashJob)

	return nil
}

// submit runs the given job command to completion on the local machine before
// returning, so for this backend submission order is execution order and deps
// need no special handling: our caller only submits a job once its
// predecessors succeeded.
func (s *bash) submit(spec *JobSpec, deps []string) (string, error) {
	if spec.Lim.MemoryHard > 0 && spec.Lim.MemoryHard > s.maxRAM {
		return "", Error{BackendBash, "submit", ErrImpossible}
	}

	s.mutex.Lock()
	s.serial++
	id := strconv.Itoa(s.serial)

	ctx := context.Background()
	var cancel context.CancelFunc
	if spec.Lim.Time > 0 {
		ctx, cancel = context.WithTimeout(ctx, spec.Lim.Time)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	cmd := exec.CommandContext(ctx, s.config.Shell, "-c", spec.CommandLine()) // #nosec
	if spec.Cwd != "" {
		cmd.Dir = spec.Cwd
	}

	// stdout/stderr go to per-job files next to the job's other outputs, like
	// a cluster scheduler would arrange
	if stdout, err := os.Create(jobOutputPath(spec, ".out")); err == nil {
		defer logClose(s.Logger, stdout, "job stdout file")
		cmd.Stdout = stdout
	} else {
		s.Warn("failed to create job stdout file; output will be discarded", "name", spec.Name, "err", err)
	}
	if stderr, err := os.Create(jobOutputPath(spec, ".err")); err == nil {
		defer logClose(s.Logger, stderr, "job stderr file")
		cmd.Stderr = stderr
	} else {
		s.Warn("failed to create job stderr file; output will be discarded", "name", spec.Name, "err", err)
	}

	job := &bashJob{status: StatusRunning, cmd: cmd, cancel: cancel}
	s.jobs[id] = job
	s.mutex.Unlock()

	s.Debug("running job", "name", spec.Name, "cmd", spec.CommandLine())
	err := cmd.Run()

	s.mutex.Lock()
	defer s.mutex.Unlock()
	job.cmd = nil
	if err != nil {
		job.status = StatusFailed
		s.Debug("job failed", "name", spec.Name, "err", err)
	} else {
		job.status = StatusCompleted
	}

	return id, nil
}

// poll returns the recorded status of the given job. Since submit is
// synchronous, this never returns StatusQueued.
func (s *bash) poll(id string) (Status, error) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	job, found := s.jobs[id]
	if !found {
		return "", Error{BackendBash, "poll", ErrUnknownJob}
	}
	return job.status, nil
}

// cancel kills the job if it is still running. Only useful when submit is
// being waited on in another goroutine.
func (s *bash) cancel(id string) error {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	job, found := s.jobs[id]
	if !found {
		return Error{BackendBash, "cancel", ErrUnknownJob}
	}
	if job.cmd != nil {
		job.cancel()
		job.status = StatusFailed
	}
	return nil
}

// cleanup forgets about the jobs we ran.
func (s *bash) cleanup() {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	s.jobs = make(map[string]*bashJob)
}

// jobOutputPath returns the path to a job's stdout or stderr file, named after
// the job and placed in its working directory.
func jobOutputPath(spec *JobSpec, suffix string) string {
	dir := spec.Cwd
	if dir == "" {
		dir = "."
	}
	return filepath.Join(dir, spec.Name+suffix)
}

// logClose closes the given closer, logging any error.
func logClose(logger log15.Logger, closer interface{ Close() error }, desc string) {
	if err := closer.Close(); err != nil {
		logger.Warn("failed to close "+desc, "err", err)
	}
}

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

package drms

// This file contains a drmsi implementation for 'slurm': running jobs via the
// SLURM workload manager.

import (
	"bufio"
	"fmt"
	"math"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/patrickmn/go-cache"

	"github.com/VertebrateResequencing/seqflow/internal"
)

const slurmStatusCacheKey = "squeue"

// slurmTerminalStates maps sacct State values to our terminal statuses.
// Anything sacct reports that isn't here is taken as still in flight.
var slurmTerminalStates = map[string]Status{
	"COMPLETED":     StatusCompleted,
	"FAILED":        StatusFailed,
	"TIMEOUT":       StatusFailed,
	"CANCELLED":     StatusFailed,
	"OUT_OF_MEMORY": StatusFailed,
	"NODE_FAIL":     StatusFailed,
	"PREEMPTED":     StatusFailed,
	"DEADLINE":      StatusFailed,
}

// ConfigSlurm represents the configuration options required by the slurm
// backend.
type ConfigSlurm struct {
	// Shell is the shell to use to run the commands to interact with slurm;
	// 'bash' is recommended.
	Shell string

	// StatusCacheTTL is how long a scrape of `squeue` is reused for before
	// Poll runs it again. Defaults to 3 seconds if 0.
	StatusCacheTTL time.Duration
}

// slurm is our implementer of drmsi.
type slurm struct {
	log15.Logger
	config      *ConfigSlurm
	sbatchExe   string
	squeueExe   string
	scancelExe  string
	sacctExe    string
	idRegex     *regexp.Regexp
	statuss     *cache.Cache
	cancelRegex *regexp.Regexp
}

// initialize finds the real paths to the slurm executables.
func (s *slurm) initialize(config interface{}, logger log15.Logger) error {
	s.config = config.(*ConfigSlurm)
	s.Logger = logger.New("drms", "slurm")
	if s.config.Shell == "" {
		s.config.Shell = "bash"
	}
	if s.config.StatusCacheTTL == 0 {
		s.config.StatusCacheTTL = 3 * time.Second
	}

	s.sbatchExe = internal.Which("sbatch")
	s.squeueExe = internal.Which("squeue")
	s.scancelExe = internal.Which("scancel")
	s.sacctExe = internal.Which("sacct")

	// with --parsable, sbatch outputs "jobid[;cluster]"
	s.idRegex = regexp.MustCompile(`^(\d+)`)
	s.cancelRegex = regexp.MustCompile(`Invalid job id`)

	s.statuss = cache.New(s.config.StatusCacheTTL, 10*time.Minute)

	return nil
}

// submit achieves the aims of Submit(): a single sbatch call whose
// --dependency=afterok list carries the predecessor ids, so slurm itself
// enforces our dependency ordering.
func (s *slurm) submit(spec *JobSpec, deps []string) (string, error) {
	sbatchArgs := s.generateSbatchArgs(spec, deps)

	cmd := exec.Command(s.sbatchExe, sbatchArgs...) // #nosec
	out, err := cmd.Output()
	if err != nil {
		return "", Error{BackendSlurm, "submit", fmt.Sprintf("%s: failed to run %s %s: %s", ErrSubmit, s.sbatchExe, sbatchArgs, err)}
	}

	matches := s.idRegex.FindStringSubmatch(strings.TrimSpace(string(out)))
	if len(matches) != 2 {
		return "", Error{BackendSlurm, "submit", fmt.Sprintf("sbatch returned unexpected output: %s", out)}
	}

	s.Debug("submitted job", "name", spec.Name, "id", matches[1])

	return matches[1], nil
}

// generateSbatchArgs generates the appropriate sbatch args for the given spec
// and predecessor ids. An unset limit results in no corresponding arg at all.
// Slurm has no soft memory limit concept, so MemorySoft translates to
// nothing here; MemoryHard is passed in megabytes via --mem.
func (s *slurm) generateSbatchArgs(spec *JobSpec, deps []string) []string {
	args := []string{"--parsable", "--job-name=" + backendJobName(spec.Name, "sf_")}

	if spec.Cwd != "" {
		args = append(args, "--chdir="+spec.Cwd)
	}
	args = append(args,
		"--output="+jobOutputPath(spec, ".out"),
		"--error="+jobOutputPath(spec, ".err"))

	if len(deps) > 0 {
		args = append(args, "--dependency=afterok:"+strings.Join(deps, ":"))
	}

	lim := spec.Lim
	if lim.MemoryHard > 0 {
		mb := uint64(math.Ceil(float64(lim.MemoryHard) / 1048576))
		args = append(args, "--mem="+strconv.FormatUint(mb, 10))
	}
	if lim.MemorySoft > 0 {
		s.Debug("slurm has no soft memory limit; ignoring", "name", spec.Name)
	}
	if lim.Time > 0 {
		mins := int(math.Ceil(lim.Time.Minutes()))
		args = append(args, "--time="+strconv.Itoa(mins))
	}
	if lim.Queue != "" {
		args = append(args, "--partition="+lim.Queue)
	}
	if lim.Threads > 1 {
		args = append(args, "--cpus-per-task="+strconv.Itoa(lim.Threads))
	}

	args = append(args, "--wrap="+spec.CommandLine())

	return args
}

// poll looks the job up in squeue output; a job slurm no longer queues is
// finished, and sacct tells us how it exited.
func (s *slurm) poll(id string) (Status, error) {
	statuss, err := s.squeueStatuses()
	if err != nil {
		return "", err
	}

	if state, found := statuss[id]; found {
		return state, nil
	}

	return s.sacctStatus(id)
}

// squeueStatuses scrapes `squeue` in to a map of job id to Status, caching
// the result briefly so that polling every job in a large run doesn't hammer
// the slurm controller.
func (s *slurm) squeueStatuses() (map[string]Status, error) {
	if cached, found := s.statuss.Get(slurmStatusCacheKey); found {
		return cached.(map[string]Status), nil
	}

	cmd := exec.Command(s.config.Shell, "-c", s.squeueExe+` -h -o "%i %T"`) // #nosec
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, Error{BackendSlurm, "poll", fmt.Sprintf("%s: failed to create pipe for [squeue]: %s", ErrUnavailable, err)}
	}
	if err = cmd.Start(); err != nil {
		return nil, Error{BackendSlurm, "poll", fmt.Sprintf("%s: failed to start [squeue]: %s", ErrUnavailable, err)}
	}

	statuss := make(map[string]Status)
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) != 2 {
			continue
		}
		statuss[fields[0]] = slurmStateToStatus(fields[1])
	}

	if err = scanner.Err(); err != nil {
		return nil, Error{BackendSlurm, "poll", fmt.Sprintf("%s: failed to read everything from [squeue]: %s", ErrUnavailable, err)}
	}
	if err = cmd.Wait(); err != nil {
		return nil, Error{BackendSlurm, "poll", fmt.Sprintf("%s: failed to finish running [squeue]: %s", ErrUnavailable, err)}
	}

	s.statuss.Set(slurmStatusCacheKey, statuss, cache.DefaultExpiration)

	return statuss, nil
}

// slurmStateToStatus converts a squeue state value to one of our Status
// values.
func slurmStateToStatus(state string) Status {
	switch state {
	case "RUNNING", "COMPLETING":
		return StatusRunning
	default:
		// PENDING, CONFIGURING, SUSPENDED, anything new
		return StatusQueued
	}
}

// sacctStatus asks slurm's accounting for how a finished job exited. There
// can be a lag between a job leaving squeue and its final state appearing in
// sacct, during which we report it still running.
func (s *slurm) sacctStatus(id string) (Status, error) {
	cmd := exec.Command(s.config.Shell, "-c", s.sacctExe+" -n -P -X -o State -j "+id) // #nosec
	out, err := cmd.Output()
	if err != nil {
		return "", Error{BackendSlurm, "poll", fmt.Sprintf("%s: failed to run [sacct -j %s]: %s", ErrUnavailable, id, err)}
	}

	state := strings.TrimSpace(string(out))
	if state == "" {
		return StatusRunning, nil
	}

	// sacct says eg. "CANCELLED by 1000"
	state = strings.Fields(state)[0]

	if status, found := slurmTerminalStates[state]; found {
		return status, nil
	}

	return slurmStateToStatus(state), nil
}

// cancel scancels the job. Slurm complains about job ids it no longer knows,
// which is not an error for us.
func (s *slurm) cancel(id string) error {
	cmd := exec.Command(s.config.Shell, "-c", s.scancelExe+" "+id) // #nosec
	out, err := cmd.CombinedOutput()
	if err != nil && !s.cancelRegex.Match(out) {
		return Error{BackendSlurm, "cancel", fmt.Sprintf("%s: failed to run [scancel %s]: %s", ErrUnavailable, id, err)}
	}
	return nil
}

// cleanup invalidates our status cache.
func (s *slurm) cleanup() {
	s.statuss.Flush()
}

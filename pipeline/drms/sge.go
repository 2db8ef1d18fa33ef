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

// This file contains a drmsi implementation for 'sge': running jobs via
// (Sun|Univa|Son of) Grid Engine.

import (
	"bufio"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/inconshreveable/log15"
	"github.com/patrickmn/go-cache"

	"github.com/VertebrateResequencing/seqflow/internal"
)

const sgeStatusCacheKey = "qstat"

// ConfigSGE represents the configuration options required by the sge backend.
type ConfigSGE struct {
	// Shell is the shell to use to run the commands to interact with the grid
	// engine; 'bash' is recommended.
	Shell string

	// StatusCacheTTL is how long a scrape of `qstat` is reused for before
	// Poll runs it again. Defaults to 3 seconds if 0.
	StatusCacheTTL time.Duration
}

// sge is our implementer of drmsi.
type sge struct {
	log15.Logger
	config     *ConfigSGE
	qsubExe    string
	qstatExe   string
	qdelExe    string
	qacctExe   string
	terseRegex *regexp.Regexp
	statuss    *cache.Cache
}

// initialize finds the real paths to the grid engine executables.
func (s *sge) initialize(config interface{}, logger log15.Logger) error {
	s.config = config.(*ConfigSGE)
	s.Logger = logger.New("drms", "sge")
	if s.config.Shell == "" {
		s.config.Shell = "bash"
	}
	if s.config.StatusCacheTTL == 0 {
		s.config.StatusCacheTTL = 3 * time.Second
	}

	s.qsubExe = internal.Which("qsub")
	s.qstatExe = internal.Which("qstat")
	s.qdelExe = internal.Which("qdel")
	s.qacctExe = internal.Which("qacct")

	// qsub -terse outputs just the job id (possibly with a task range suffix
	// for arrays, which we never submit)
	s.terseRegex = regexp.MustCompile(`^(\d+)`)

	s.statuss = cache.New(s.config.StatusCacheTTL, 10*time.Minute)

	return nil
}

// submit achieves the aims of Submit(): a single qsub call whose -hold_jid
// list carries the predecessor ids, so the grid engine itself enforces our
// dependency ordering.
func (s *sge) submit(spec *JobSpec, deps []string) (string, error) {
	qsubArgs := s.generateQsubArgs(spec, deps)

	cmd := exec.Command(s.qsubExe, qsubArgs...) // #nosec
	out, err := cmd.Output()
	if err != nil {
		return "", Error{BackendSGE, "submit", fmt.Sprintf("%s: failed to run %s %s: %s", ErrSubmit, s.qsubExe, qsubArgs, err)}
	}

	matches := s.terseRegex.FindStringSubmatch(strings.TrimSpace(string(out)))
	if len(matches) != 2 {
		return "", Error{BackendSGE, "submit", fmt.Sprintf("qsub returned unexpected output: %s", out)}
	}

	s.Debug("submitted job", "name", spec.Name, "id", matches[1])

	return matches[1], nil
}

// generateQsubArgs generates the appropriate qsub args for the given spec and
// predecessor ids. An unset limit results in no corresponding arg at all.
func (s *sge) generateQsubArgs(spec *JobSpec, deps []string) []string {
	args := []string{"-terse", "-b", "y", "-N", backendJobName(spec.Name, "sf_")}

	if spec.Cwd != "" {
		args = append(args, "-wd", spec.Cwd)
	} else {
		args = append(args, "-cwd")
	}
	args = append(args, "-o", jobOutputPath(spec, ".out"), "-e", jobOutputPath(spec, ".err"))

	if len(deps) > 0 {
		args = append(args, "-hold_jid", strings.Join(deps, ","))
	}

	lim := spec.Lim
	var resources []string
	if lim.MemoryHard > 0 {
		resources = append(resources, "h_vmem="+bytefmt.ByteSize(lim.MemoryHard))
	}
	if lim.MemorySoft > 0 {
		resources = append(resources, "s_vmem="+bytefmt.ByteSize(lim.MemorySoft))
	}
	if lim.Time > 0 {
		resources = append(resources, "h_rt="+strconv.Itoa(int(lim.Time.Seconds())))
	}
	if len(resources) > 0 {
		args = append(args, "-l", strings.Join(resources, ","))
	}

	if lim.Queue != "" {
		args = append(args, "-q", lim.Queue)
	}

	if lim.Threads > 1 {
		if lim.ParallelEnv == "" {
			s.Warn("multi-threaded job has no parallel environment; threads not reserved", "name", spec.Name)
		} else {
			args = append(args, "-pe", lim.ParallelEnv, strconv.Itoa(lim.Threads))
		}
	}

	args = append(args, spec.Cmd)
	args = append(args, spec.Args...)

	return args
}

// poll looks the job up in qstat output; a job the grid engine no longer
// reports on is finished, and qacct tells us how it exited.
func (s *sge) poll(id string) (Status, error) {
	statuss, err := s.qstatStatuses()
	if err != nil {
		return "", err
	}

	if state, found := statuss[id]; found {
		return state, nil
	}

	return s.qacctStatus(id)
}

// qstatStatuses scrapes `qstat` in to a map of job id to Status, caching the
// result briefly so that polling every job in a large run doesn't hammer the
// grid engine's master.
func (s *sge) qstatStatuses() (map[string]Status, error) {
	if cached, found := s.statuss.Get(sgeStatusCacheKey); found {
		return cached.(map[string]Status), nil
	}

	cmd := exec.Command(s.config.Shell, "-c", s.qstatExe) // #nosec
	out, err := cmd.StdoutPipe()
	if err != nil {
		return nil, Error{BackendSGE, "poll", fmt.Sprintf("%s: failed to create pipe for [qstat]: %s", ErrUnavailable, err)}
	}
	if err = cmd.Start(); err != nil {
		return nil, Error{BackendSGE, "poll", fmt.Sprintf("%s: failed to start [qstat]: %s", ErrUnavailable, err)}
	}

	statuss := make(map[string]Status)
	scanner := bufio.NewScanner(out)
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 5 {
			continue
		}
		if _, err := strconv.Atoi(fields[0]); err != nil {
			// header or separator line
			continue
		}
		statuss[fields[0]] = sgeStateToStatus(fields[4])
	}

	if err = scanner.Err(); err != nil {
		return nil, Error{BackendSGE, "poll", fmt.Sprintf("%s: failed to read everything from [qstat]: %s", ErrUnavailable, err)}
	}
	if err = cmd.Wait(); err != nil {
		return nil, Error{BackendSGE, "poll", fmt.Sprintf("%s: failed to finish running [qstat]: %s", ErrUnavailable, err)}
	}

	s.statuss.Set(sgeStatusCacheKey, statuss, cache.DefaultExpiration)

	return statuss, nil
}

// sgeStateToStatus converts a qstat state column value to one of our Status
// values. Pending states are combinations of h (hold), q (queued) and w
// (waiting); running ones involve r (running) or t (transferring).
func sgeStateToStatus(state string) Status {
	switch {
	case strings.Contains(state, "E"):
		// Eqw; the job never started and never will without a manual qmod
		return StatusFailed
	case strings.Contains(state, "r"), strings.Contains(state, "t"), strings.Contains(state, "d"):
		return StatusRunning
	default:
		return StatusQueued
	}
}

// qacctStatus asks the grid engine's accounting for how a finished job exited.
// There is a lag between a job leaving qstat and appearing in qacct, during
// which we report it still running.
func (s *sge) qacctStatus(id string) (Status, error) {
	cmd := exec.Command(s.config.Shell, "-c", s.qacctExe+" -j "+id) // #nosec
	out, err := cmd.CombinedOutput()
	if err != nil {
		if strings.Contains(string(out), "not found") {
			return StatusRunning, nil
		}
		return "", Error{BackendSGE, "poll", fmt.Sprintf("%s: failed to run [qacct -j %s]: %s", ErrUnavailable, id, err)}
	}

	failed, exitStatus := parseQacct(string(out))
	if failed == "0" && exitStatus == "0" {
		return StatusCompleted, nil
	}

	return StatusFailed, nil
}

// parseQacct pulls the failed and exit_status fields out of `qacct -j` output.
func parseQacct(out string) (failed, exitStatus string) {
	scanner := bufio.NewScanner(strings.NewReader(out))
	for scanner.Scan() {
		fields := strings.Fields(scanner.Text())
		if len(fields) < 2 {
			continue
		}
		switch fields[0] {
		case "failed":
			failed = fields[1]
		case "exit_status":
			exitStatus = fields[1]
		}
	}
	return failed, exitStatus
}

// cancel qdels the job. The grid engine complains about jobs that already
// finished, which is not an error for us.
func (s *sge) cancel(id string) error {
	cmd := exec.Command(s.config.Shell, "-c", s.qdelExe+" "+id) // #nosec
	out, err := cmd.CombinedOutput()
	if err != nil && !strings.Contains(string(out), "does not exist") {
		return Error{BackendSGE, "cancel", fmt.Sprintf("%s: failed to run [qdel %s]: %s", ErrUnavailable, id, err)}
	}
	return nil
}

// cleanup invalidates our status cache.
func (s *sge) cleanup() {
	s.statuss.Flush()
}

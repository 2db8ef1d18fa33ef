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

package pipeline

// This file contains the layered resolution of resource limits.

import (
	"strings"

	"code.cloudfoundry.org/bytefmt"

	"github.com/VertebrateResequencing/seqflow/pipeline/drms"
)

// fallbackThreads is the hard-coded last resort when no layer specifies a
// thread count.
const fallbackThreads = 1

// ResolveLimits produces the effective resource limits of a job by layering:
// a stage-specific value wins, else the analysis-wide default applies, else
// the process-wide default, else the hard-coded fallback (threads=1, all other
// limits unset, meaning no explicit limit on any backend).
//
// Any of the three layers may be nil. The result is a fresh Limits that the
// caller owns; once placed on a Job it is never modified again.
func ResolveLimits(stage, analysis, process *drms.Limits) (*drms.Limits, error) {
	resolved := &drms.Limits{}

	for _, layer := range []*drms.Limits{stage, analysis, process} {
		if layer == nil {
			continue
		}
		if resolved.Implementation == "" {
			resolved.Implementation = layer.Implementation
		}
		if resolved.MemoryHard == 0 {
			resolved.MemoryHard = layer.MemoryHard
		}
		if resolved.MemorySoft == 0 {
			resolved.MemorySoft = layer.MemorySoft
		}
		if resolved.Time == 0 {
			resolved.Time = layer.Time
		}
		if resolved.Queue == "" {
			resolved.Queue = layer.Queue
		}
		if resolved.ParallelEnv == "" {
			resolved.ParallelEnv = layer.ParallelEnv
		}
		if resolved.Threads == 0 {
			resolved.Threads = layer.Threads
		}
	}

	if resolved.Threads == 0 {
		resolved.Threads = fallbackThreads
	}

	if resolved.MemoryHard > 0 && resolved.MemorySoft > 0 && resolved.MemoryHard < resolved.MemorySoft {
		return nil, Error{"ResolveLimits", resolved.Stringify(), ErrBadLimits}
	}

	return resolved, nil
}

// ParseMemory converts a human memory quantity like "4G" or "512M" to bytes,
// for configuration collaborators populating Limits.
func ParseMemory(quantity string) (uint64, error) {
	bytes, err := bytefmt.ToBytes(strings.TrimSpace(quantity))
	if err != nil {
		return 0, Error{"ParseMemory", quantity, err.Error()}
	}
	return bytes, nil
}

// Copyright © 2016-2019 Genome Research Limited
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

import "strings"

// Err* constants are found in the returned Errors under err.Err, so you can
// cast and check if it's a certain type of error. The first group are
// configuration errors: fatal, reported before any submission, never retried.
var (
	ErrNoEntities   = "grouping policy matched no entities in the hierarchy"
	ErrMissingGroup = "grouping policy references a group label absent from the hierarchy"
	ErrNoCommand    = "stage has no command builder"
	ErrBadPolicy    = "unknown grouping policy"
	ErrDupStage     = "duplicate stage name"
	ErrDupJob       = "duplicate job name"
	ErrUnknownStage = "stage depends on an undeclared stage"
	ErrBadLimits    = "memory_hard must be at least memory_soft"

	// ErrCyclic means the stage ordering admits no topological order; also
	// fatal and not retried.
	ErrCyclic = "stage dependencies contain a cycle"

	ErrBadTransition = "illegal job state transition"
	ErrUnknownJob    = "no job with this name in the graph"
	ErrNotSubmitted  = "job has no backend id"
)

// Error records an error and the operation and item that caused it.
type Error struct {
	Op   string // name of the function or method
	Item string // the stage or job the error relates to
	Err  string // one of our Err* vars, or a free-form description
}

func (e Error) Error() string {
	return "pipeline " + e.Op + "(" + e.Item + "): " + e.Err
}

// IsConfigurationError tells you if the given error is one of the fatal
// stage/grouping configuration errors that abort a build before submission.
// Some of these carry the offending detail after the constant, so this is a
// prefix match.
func IsConfigurationError(err error) bool {
	perr, ok := err.(Error)
	if !ok {
		return false
	}
	for _, confErr := range []string{ErrNoEntities, ErrMissingGroup,
		ErrNoCommand, ErrBadPolicy, ErrDupStage, ErrDupJob, ErrUnknownStage,
		ErrBadLimits} {
		if strings.HasPrefix(perr.Err, confErr) {
			return true
		}
	}
	return false
}

// IsCyclicError tells you if the given error means the stage configuration
// admits no topological order.
func IsCyclicError(err error) bool {
	perr, ok := err.(Error)
	return ok && perr.Err == ErrCyclic
}

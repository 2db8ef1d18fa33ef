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

// Package internal houses code for seqflow's general utility functions.
package internal

import (
	"os"
	"os/exec"

	"github.com/inconshreveable/log15"
)

// Which returns the full path to the given executable by searching $PATH. If
// it isn't found there, returns the name unchanged, so that any subsequent
// exec attempt produces a sensible "not found" error.
func Which(exe string) string {
	path, err := exec.LookPath(exe)
	if err != nil {
		return exe
	}
	return path
}

// LogPanic is to be called with defer at the start of any goroutine, to log
// any panics that occur in it. If exit is true, the program exits afterwards.
func LogPanic(logger log15.Logger, desc string, exit bool) {
	if err := recover(); err != nil {
		logger.Crit(desc+" panic", "err", err)
		if exit {
			os.Exit(1)
		}
	}
}

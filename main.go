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
Package main is a stub for seqflow's command line interface, with the actual
implementation in the cmd package.

seqflow runs multi-step genomics pipelines. You describe your sequenced
samples and your pipeline's stages in yml, and seqflow expands the stages over
the samples in to a dependency graph of jobs that it runs for you, locally or
on your cluster via SGE or SLURM, making use of the scheduler's own dependency
handling.

Jobs get deterministic names, and leave marker files behind when they
complete, so interrupted or partially failed runs can simply be run again and
only the outstanding work happens.
*/
package main

import "github.com/VertebrateResequencing/seqflow/cmd"

func main() {
	cmd.Execute()
}

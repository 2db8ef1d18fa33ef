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
Package pipeline turns a declarative multi-step genomics pipeline plus a
sample hierarchy in to a dependency graph of resource-annotated jobs, and runs
that graph on one of the drms backends.

You describe your pipeline as an ordered set of stages, each with a grouping
policy saying how it fans out over the hierarchy, and a command builder saying
what each resulting job runs:

    align := &pipeline.Stage{
        Name:    "align",
        Policy:  pipeline.PolicyPerPairedReads,
        Command: alignCommand,
    }
    merge := &pipeline.Stage{
        Name:     "merge",
        Policy:   pipeline.PolicyPerSamplePooled,
        Previous: []string{"align"},
        Command:  mergeCommand,
    }

    graph, err := pipeline.Build([]*pipeline.Stage{align, merge}, run, analysisLimits, processLimits)

Building is purely deterministic: job names are a function of stage name and
entity identifiers, dependency edges follow entity lineage, and the graph's
topological order is established up front. Nothing touches a backend until you
run the graph:

    backend, err := drms.New("sge", &drms.ConfigSGE{Shell: "bash"})
    runner := pipeline.NewRunner(graph, backend)
    report, err := runner.Run(context.Background())

The runner skips jobs whose outputs already exist (making re-runs cheap and
idempotent), submits the rest in topological order with the backend enforcing
predecessor ordering, polls without busy-waiting until every job is terminal,
and propagates failures to transitive dependents without running them.
*/
package pipeline

// Version is the seqflow release version.
const Version = "0.4.0"

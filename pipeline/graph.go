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

// This file contains the dependency graph builder: expanding stages in to
// jobs, linking jobs across stages by entity lineage, and establishing the
// topological submission order.

import (
	"github.com/VertebrateResequencing/seqflow/hierarchy"
	"github.com/VertebrateResequencing/seqflow/pipeline/drms"
)

// Graph is a directed acyclic multigraph over jobs. It is built once per run
// by Build() and owned exclusively by the orchestrating process thereafter;
// its topological order is the only valid submission order.
type Graph struct {
	jobs       map[string]*Job
	order      []string            // topological order of job names
	dependents map[string][]string // reverse edges, in insertion order
	stages     []string            // stage names in declared order
}

// Build assembles the given stages in to a dependency graph over the given
// hierarchy. Stages are expanded in declared order; every job of a stage is
// linked to the jobs of the stage's declared predecessors that share its
// entity lineage (same sample, or same project for pooled steps; a pooled job
// depends on all of its contributing upstream jobs, not just one).
//
// Each job's resource limits are resolved here by layering the stage's limits
// over the analysis-wide and process-wide defaults (either of which may be
// nil); they are immutable afterwards.
//
// Build fails with a configuration error before any expansion if a stage
// depends on an undeclared stage, and with a cyclic dependency error if the
// stage ordering, or the resulting job graph, admits no topological order.
// These are fatal author errors: nothing gets submitted.
func Build(stages []*Stage, run *hierarchy.RunFolder, analysis, process *drms.Limits) (*Graph, error) {
	stagesByName := make(map[string]*Stage, len(stages))
	for _, stage := range stages {
		if _, exists := stagesByName[stage.Name]; exists {
			return nil, Error{"Build", stage.Name, ErrDupStage}
		}
		stagesByName[stage.Name] = stage
	}

	for _, stage := range stages {
		for _, prev := range stage.Previous {
			if _, exists := stagesByName[prev]; !exists {
				return nil, Error{"Build", stage.Name, ErrUnknownStage + ": " + prev}
			}
		}
	}

	if cyclic := stageOrderCyclic(stages); cyclic != "" {
		return nil, Error{"Build", cyclic, ErrCyclic}
	}

	g := &Graph{
		jobs:       make(map[string]*Job),
		dependents: make(map[string][]string),
	}

	// expand every stage in declared order, resolving limits as we go
	jobsByStage := make(map[string][]*Job, len(stages))
	for _, stage := range stages {
		jobs, err := stage.Expand(run)
		if err != nil {
			return nil, err
		}
		for _, job := range jobs {
			if _, exists := g.jobs[job.Name]; exists {
				return nil, Error{"Build", job.Name, ErrDupJob}
			}
			limits, err := ResolveLimits(stage.Limits, analysis, process)
			if err != nil {
				return nil, err
			}
			job.Limits = limits
			g.jobs[job.Name] = job
			g.order = append(g.order, job.Name) // provisional; re-ordered below
		}
		jobsByStage[stage.Name] = jobs
		g.stages = append(g.stages, stage.Name)
	}

	// link each job to the lineage-matching jobs of its stage's predecessors
	for _, stage := range stages {
		for _, job := range jobsByStage[stage.Name] {
			for _, prev := range stage.Previous {
				for _, upstream := range jobsByStage[prev] {
					if lineageMatch(job, upstream) {
						job.Dependencies = append(job.Dependencies, upstream.Name)
						g.dependents[upstream.Name] = append(g.dependents[upstream.Name], job.Name)
					}
				}
			}
		}
	}

	order, err := g.topologicalOrder()
	if err != nil {
		return nil, err
	}
	g.order = order

	return g, nil
}

// stageOrderCyclic looks for a cycle in the stage Previous declarations,
// returning the name of a stage on a cycle, or "" if there is none.
func stageOrderCyclic(stages []*Stage) string {
	const (
		unvisited = 0
		visiting  = 1
		done      = 2
	)
	states := make(map[string]int, len(stages))
	byName := make(map[string]*Stage, len(stages))
	for _, stage := range stages {
		byName[stage.Name] = stage
	}

	var visit func(name string) bool
	visit = func(name string) bool {
		switch states[name] {
		case visiting:
			return true
		case done:
			return false
		}
		states[name] = visiting
		for _, prev := range byName[name].Previous {
			if visit(prev) {
				return true
			}
		}
		states[name] = done
		return false
	}

	for _, stage := range stages {
		if visit(stage.Name) {
			return stage.Name
		}
	}
	return ""
}

// lineageMatch decides whether a downstream job depends on the given upstream
// job, by comparing their entity lineages at the coarsest level both define.
// Singleton jobs (no project) join with everything; pooled jobs join with the
// jobs of their contributing samples.
func lineageMatch(down, up *Job) bool {
	// a singleton on either side joins with everything
	if down.Project == "" || up.Project == "" {
		return true
	}
	if down.Project != up.Project {
		return false
	}

	// project-pooled downstream: depends on the jobs of its contributors
	if down.Sample == "" {
		if up.Sample == "" {
			return true
		}
		for _, contributor := range down.Contributors {
			if contributor == up.Sample {
				return true
			}
		}
		return false
	}

	// project-pooled upstream feeding per-sample work: the sample must be one
	// of the pool's contributors
	if up.Sample == "" {
		for _, contributor := range up.Contributors {
			if contributor == down.Sample {
				return true
			}
		}
		return len(up.Contributors) == 0
	}

	if down.Sample != up.Sample {
		return false
	}

	// same sample; only distinct lanes of the same sample don't join
	if down.PairedReads == "" || up.PairedReads == "" {
		return true
	}
	return down.PairedReads == up.PairedReads
}

// topologicalOrder runs Kahn's algorithm over the jobs, seeded and processed
// in stage declaration order so the result is deterministic. It fails if any
// job remains, which means the graph has a cycle.
func (g *Graph) topologicalOrder() ([]string, error) {
	indegree := make(map[string]int, len(g.jobs))
	for _, name := range g.order {
		indegree[name] = len(g.jobs[name].Dependencies)
	}

	var ready []string
	for _, name := range g.order {
		if indegree[name] == 0 {
			ready = append(ready, name)
		}
	}

	order := make([]string, 0, len(g.jobs))
	for len(ready) > 0 {
		name := ready[0]
		ready = ready[1:]
		order = append(order, name)
		for _, dependent := range g.dependents[name] {
			indegree[dependent]--
			if indegree[dependent] == 0 {
				ready = append(ready, dependent)
			}
		}
	}

	if len(order) != len(g.jobs) {
		return nil, Error{"Build", "", ErrCyclic}
	}

	return order, nil
}

// Jobs returns the graph's jobs in topological order, the only valid
// submission order.
func (g *Graph) Jobs() []*Job {
	jobs := make([]*Job, 0, len(g.order))
	for _, name := range g.order {
		jobs = append(jobs, g.jobs[name])
	}
	return jobs
}

// Job returns the named job.
func (g *Graph) Job(name string) (*Job, bool) {
	job, found := g.jobs[name]
	return job, found
}

// Dependencies returns the jobs the named job directly depends on.
func (g *Graph) Dependencies(name string) []*Job {
	job, found := g.jobs[name]
	if !found {
		return nil
	}
	deps := make([]*Job, 0, len(job.Dependencies))
	for _, dep := range job.Dependencies {
		deps = append(deps, g.jobs[dep])
	}
	return deps
}

// Dependents returns the jobs that directly depend on the named job.
func (g *Graph) Dependents(name string) []*Job {
	var jobs []*Job
	for _, dependent := range g.dependents[name] {
		jobs = append(jobs, g.jobs[dependent])
	}
	return jobs
}

// TransitiveDependents returns every job downstream of the named job, in
// topological order. This is the set that fail-fast propagation and
// cancellation act on.
func (g *Graph) TransitiveDependents(name string) []*Job {
	affected := make(map[string]bool)
	var walk func(string)
	walk = func(n string) {
		for _, dependent := range g.dependents[n] {
			if !affected[dependent] {
				affected[dependent] = true
				walk(dependent)
			}
		}
	}
	walk(name)

	var jobs []*Job
	for _, n := range g.order {
		if affected[n] {
			jobs = append(jobs, g.jobs[n])
		}
	}
	return jobs
}

// Stages returns the stage names in declared order.
func (g *Graph) Stages() []string {
	stages := make([]string, len(g.stages))
	copy(stages, g.stages)
	return stages
}

// Len returns the number of jobs in the graph.
func (g *Graph) Len() int {
	return len(g.jobs)
}

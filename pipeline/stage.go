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

// This file contains the stage related code: how a named pipeline step fans
// out over the entity hierarchy in to concrete jobs.

import (
	"github.com/VertebrateResequencing/seqflow/hierarchy"
	"github.com/VertebrateResequencing/seqflow/pipeline/drms"
)

// GroupingPolicy decides how a stage fans out over the entity hierarchy when
// expanding in to jobs.
type GroupingPolicy string

// Policy* constants represent all the possible grouping policies.
const (
	// PolicyPerPairedReads emits one job per PairedReads of every sample.
	PolicyPerPairedReads GroupingPolicy = "per-paired-reads"

	// PolicyPerSamplePooled emits one job per sample, consuming all of that
	// sample's PairedReads in one invocation; used when replicates of a
	// sample should be processed together.
	PolicyPerSamplePooled GroupingPolicy = "per-sample-pooled"

	// PolicyPerProjectPooled emits one job per project, consuming that
	// project's samples (those with a matching group label, if the stage
	// names one) as pooled input.
	PolicyPerProjectPooled GroupingPolicy = "per-project-pooled"

	// PolicySingleton emits exactly one job for the whole run.
	PolicySingleton GroupingPolicy = "singleton"
)

// singletonKey is the entity key of the one job a singleton stage emits.
const singletonKey = "all"

// Target describes the entities one job consumes, for command builders to
// derive tool invocations from. Which fields are set depends on the stage's
// grouping policy: per-paired-reads targets have Sample and one PairedReads;
// per-sample-pooled targets have Sample and all its PairedReads;
// per-project-pooled targets have Project and Samples; singleton targets have
// only Samples (every sample of the run).
type Target struct {
	Stage       string
	Key         string // the entity identifier part of the job name
	Project     *hierarchy.Project
	Sample      *hierarchy.Sample
	PairedReads []*hierarchy.PairedReads
	Samples     []*hierarchy.Sample
}

// CommandBuilder functions turn a Target in to the executable and arguments
// of that target's job. They are pure functions: the same target must always
// produce the same invocation.
type CommandBuilder func(t *Target) (cmd string, args []string, err error)

// Stage is a named pipeline step. It is a factory: given the entity hierarchy
// and its grouping policy it enumerates the concrete jobs it owns. Stages
// declare their predecessors by name; the graph builder turns those
// declarations in to per-lineage job dependencies.
type Stage struct {
	Name     string
	Policy   GroupingPolicy
	Previous []string // names of stages this one depends on, in order

	// Group restricts a per-project-pooled stage to samples carrying this
	// group label. Expansion fails if the label exists nowhere in the
	// hierarchy, since that is a policy author error.
	Group string

	// Limits are this stage's resource overrides; nil or zero fields fall
	// through to analysis-wide and process-wide defaults at build time.
	Limits *drms.Limits

	// Cwd is the working directory jobs of this stage run in.
	Cwd string

	// Command builds each job's invocation.
	Command CommandBuilder
}

// Expand enumerates the stage's jobs over the given hierarchy according to
// its grouping policy. Job names embed the stage name and entity identifiers
// and nothing else, so expanding an unchanged hierarchy twice yields
// identical job sets.
//
// It fails with a configuration error if the grouping policy references a
// group label absent from the hierarchy, or if zero entities match.
func (s *Stage) Expand(run *hierarchy.RunFolder) ([]*Job, error) {
	if s.Command == nil {
		return nil, Error{"Expand", s.Name, ErrNoCommand}
	}

	var jobs []*Job
	var err error
	switch s.Policy {
	case PolicyPerPairedReads:
		jobs, err = s.expandPerPairedReads(run)
	case PolicyPerSamplePooled:
		jobs, err = s.expandPerSamplePooled(run)
	case PolicyPerProjectPooled:
		jobs, err = s.expandPerProjectPooled(run)
	case PolicySingleton:
		jobs, err = s.expandSingleton(run)
	default:
		return nil, Error{"Expand", s.Name, ErrBadPolicy + ": " + string(s.Policy)}
	}
	if err != nil {
		return nil, err
	}

	if len(jobs) == 0 {
		return nil, Error{"Expand", s.Name, ErrNoEntities}
	}

	return jobs, nil
}

// newJob makes a job for the given target, asking the stage's command builder
// for the invocation.
func (s *Stage) newJob(t *Target) (*Job, error) {
	t.Stage = s.Name
	cmd, args, err := s.Command(t)
	if err != nil {
		return nil, Error{"Expand", s.Name + "_" + t.Key, err.Error()}
	}

	job := &Job{
		Name:  s.Name + "_" + t.Key,
		Stage: s.Name,
		Cmd:   cmd,
		Args:  args,
		Cwd:   s.Cwd,
		State: JobStatePlanned,
	}
	if t.Project != nil {
		job.Project = t.Project.Name
	}
	if t.Sample != nil {
		job.Sample = t.Sample.Name
	}
	return job, nil
}

func (s *Stage) expandPerPairedReads(run *hierarchy.RunFolder) ([]*Job, error) {
	var jobs []*Job
	for _, project := range run.Projects() {
		for _, sample := range project.Samples() {
			for _, pr := range sample.PairedReads() {
				job, err := s.newJob(&Target{
					Key:         sample.Name + "_" + pr.Name,
					Project:     project,
					Sample:      sample,
					PairedReads: []*hierarchy.PairedReads{pr},
				})
				if err != nil {
					return nil, err
				}
				job.PairedReads = pr.Name
				jobs = append(jobs, job)
			}
		}
	}
	return jobs, nil
}

func (s *Stage) expandPerSamplePooled(run *hierarchy.RunFolder) ([]*Job, error) {
	var jobs []*Job
	for _, project := range run.Projects() {
		for _, sample := range project.Samples() {
			job, err := s.newJob(&Target{
				Key:         sample.Name,
				Project:     project,
				Sample:      sample,
				PairedReads: sample.PairedReads(),
			})
			if err != nil {
				return nil, err
			}
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

func (s *Stage) expandPerProjectPooled(run *hierarchy.RunFolder) ([]*Job, error) {
	if s.Group != "" && !groupExists(run, s.Group) {
		return nil, Error{"Expand", s.Name, ErrMissingGroup + ": " + s.Group}
	}

	var jobs []*Job
	for _, project := range run.Projects() {
		samples := project.Samples()
		key := project.Name
		if s.Group != "" {
			samples = project.SamplesInGroup(s.Group)
			key = project.Name + "_" + s.Group
		}
		if len(samples) == 0 {
			continue
		}

		job, err := s.newJob(&Target{
			Key:     key,
			Project: project,
			Samples: samples,
		})
		if err != nil {
			return nil, err
		}
		for _, sample := range samples {
			job.Contributors = append(job.Contributors, sample.Name)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (s *Stage) expandSingleton(run *hierarchy.RunFolder) ([]*Job, error) {
	samples := run.Samples()
	if len(samples) == 0 {
		return nil, Error{"Expand", s.Name, ErrNoEntities}
	}

	job, err := s.newJob(&Target{
		Key:     singletonKey,
		Samples: samples,
	})
	if err != nil {
		return nil, err
	}

	return []*Job{job}, nil
}

// groupExists reports whether any sample in the run carries the given group
// label.
func groupExists(run *hierarchy.RunFolder, group string) bool {
	for _, project := range run.Projects() {
		for _, sample := range project.Samples() {
			if g, found := project.Group(sample.Name); found && g == group {
				return true
			}
		}
	}
	return false
}

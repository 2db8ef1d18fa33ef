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

package cmd

// This file turns the user's yml descriptions of their samples and pipeline
// in to the hierarchy and stages that pipeline.Build() takes. The yml formats
// are deliberately minimal: sample discovery from sample annotation sheets or
// run folders is the job of other tools, which can emit the samples yml.

import (
	"strings"
	"time"

	"github.com/jinzhu/configor"

	"github.com/VertebrateResequencing/seqflow/hierarchy"
	"github.com/VertebrateResequencing/seqflow/pipeline"
	"github.com/VertebrateResequencing/seqflow/pipeline/drms"
)

// samplesDef is the samples yml format: projects of samples of paired reads.
type samplesDef struct {
	RunFolder string `yaml:"run_folder"`
	Projects  []struct {
		Name    string
		Samples []struct {
			Name        string
			Group       string
			PairedReads []struct {
				Name   string
				Reads1 string
				Reads2 string
			} `yaml:"paired_reads"`
		}
	}
}

// pipelineDef is the pipeline yml format: an ordered set of stages plus
// analysis-wide resource defaults.
type pipelineDef struct {
	Defaults stageLimitsDef
	Stages   []struct {
		Name     string
		Policy   string
		Previous []string
		Group    string
		Command  string
		stageLimitsDef `yaml:",inline"`
	}
}

// stageLimitsDef is how resource limits appear in yml: human-readable
// quantities that we parse in to a drms.Limits.
type stageLimitsDef struct {
	Memory      string
	MemorySoft  string `yaml:"memory_soft"`
	Time        string
	Queue       string
	ParallelEnv string `yaml:"parallel_env"`
	Threads     int
}

// toLimits converts yml limit quantities to a drms.Limits, leaving fields
// unset where the yml says nothing.
func (def *stageLimitsDef) toLimits() (*drms.Limits, error) {
	limits := &drms.Limits{
		Queue:       def.Queue,
		ParallelEnv: def.ParallelEnv,
		Threads:     def.Threads,
	}

	var err error
	if def.Memory != "" {
		if limits.MemoryHard, err = pipeline.ParseMemory(def.Memory); err != nil {
			return nil, err
		}
	}
	if def.MemorySoft != "" {
		if limits.MemorySoft, err = pipeline.ParseMemory(def.MemorySoft); err != nil {
			return nil, err
		}
	}
	if def.Time != "" {
		if limits.Time, err = time.ParseDuration(def.Time); err != nil {
			return nil, err
		}
	}

	return limits, nil
}

// loadHierarchy reads the samples yml and builds the entity hierarchy,
// rejecting entries whose reads files don't exist.
func loadHierarchy(path string) (*hierarchy.RunFolder, error) {
	def := &samplesDef{}
	if err := configor.Load(def, path); err != nil {
		return nil, err
	}

	name := def.RunFolder
	if name == "" {
		name = "run"
	}
	run, err := hierarchy.NewRunFolder(name)
	if err != nil {
		return nil, err
	}

	for _, pdef := range def.Projects {
		project, err := hierarchy.NewProject(pdef.Name)
		if err != nil {
			return nil, err
		}

		for _, sdef := range pdef.Samples {
			sample, err := hierarchy.NewSample(sdef.Name)
			if err != nil {
				return nil, err
			}

			for _, prdef := range sdef.PairedReads {
				reads1, err := hierarchy.NewReads(prdef.Reads1, 1)
				if err != nil {
					return nil, err
				}
				var reads2 *hierarchy.Reads
				if prdef.Reads2 != "" {
					if reads2, err = hierarchy.NewReads(prdef.Reads2, 2); err != nil {
						return nil, err
					}
				}
				pr, err := hierarchy.NewPairedReads(prdef.Name, reads1, reads2)
				if err != nil {
					return nil, err
				}
				if err = sample.AddPairedReads(pr); err != nil {
					return nil, err
				}
			}

			if err = project.AddSample(sample, sdef.Group); err != nil {
				return nil, err
			}
		}

		if err = run.AddProject(project); err != nil {
			return nil, err
		}
	}

	return run, nil
}

// loadStages reads the pipeline yml and builds the stage set plus the
// analysis-wide limit defaults.
func loadStages(path string) ([]*pipeline.Stage, *drms.Limits, error) {
	def := &pipelineDef{}
	if err := configor.Load(def, path); err != nil {
		return nil, nil, err
	}

	analysis, err := def.Defaults.toLimits()
	if err != nil {
		return nil, nil, err
	}

	var stages []*pipeline.Stage
	for _, sdef := range def.Stages {
		limits, err := sdef.stageLimitsDef.toLimits()
		if err != nil {
			return nil, nil, err
		}

		stages = append(stages, &pipeline.Stage{
			Name:     sdef.Name,
			Policy:   pipeline.GroupingPolicy(sdef.Policy),
			Previous: sdef.Previous,
			Group:    sdef.Group,
			Limits:   limits,
			Cwd:      config.WorkDir,
			Command:  templateCommand(sdef.Command),
		})
	}

	return stages, analysis, nil
}

// processLimits converts the process-wide defaults from our config file to a
// drms.Limits.
func processLimits() (*drms.Limits, error) {
	def := &stageLimitsDef{
		Memory:      config.DefaultMemory,
		Time:        config.DefaultTime,
		Queue:       config.DefaultQueue,
		ParallelEnv: config.DefaultPE,
		Threads:     config.DefaultThreads,
	}
	limits, err := def.toLimits()
	if err != nil {
		return nil, err
	}
	limits.Implementation = config.Backend
	return limits, nil
}

// templateCommand builds a pipeline.CommandBuilder that expands {sample},
// {project}, {key}, {reads1}, {reads2} and {reads} placeholders in the given
// command template against each job's target.
func templateCommand(template string) pipeline.CommandBuilder {
	return func(t *pipeline.Target) (string, []string, error) {
		var reads1, reads2, reads []string
		for _, pr := range t.PairedReads {
			reads1 = append(reads1, pr.Reads1.FilePath)
			if pr.Reads2 != nil {
				reads2 = append(reads2, pr.Reads2.FilePath)
			}
			reads = append(reads, pr.Paths()...)
		}
		for _, sample := range t.Samples {
			for _, pr := range sample.PairedReads() {
				reads = append(reads, pr.Paths()...)
			}
		}

		sampleName := ""
		if t.Sample != nil {
			sampleName = t.Sample.Name
		}
		projectName := ""
		if t.Project != nil {
			projectName = t.Project.Name
		}

		replacer := strings.NewReplacer(
			"{sample}", sampleName,
			"{project}", projectName,
			"{key}", t.Key,
			"{reads1}", strings.Join(reads1, ","),
			"{reads2}", strings.Join(reads2, ","),
			"{reads}", strings.Join(reads, " "),
		)

		fields := strings.Fields(replacer.Replace(template))
		if len(fields) == 0 {
			return "", nil, pipeline.Error{Op: "Expand", Item: t.Stage, Err: "stage command is empty"}
		}

		return fields[0], fields[1:], nil
	}
}

// buildGraph loads both yml files and builds the dependency graph.
func buildGraph() (*pipeline.Graph, error) {
	run, err := loadHierarchy(samplesPath)
	if err != nil {
		return nil, err
	}

	stages, analysis, err := loadStages(pipelinePath)
	if err != nil {
		return nil, err
	}

	process, err := processLimits()
	if err != nil {
		return nil, err
	}

	return pipeline.Build(stages, run, analysis, process)
}

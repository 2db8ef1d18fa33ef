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

/*
Package hierarchy provides the entity tree that pipeline stages fan out over:
RunFolder → Project → Sample → PairedReads → Reads.

A discovery collaborator (sample annotation sheet parser, run folder scanner)
builds the tree once with the Add* methods, validating file paths as it goes;
after that the tree is only read, never mutated. The pipeline package treats it
purely as an immutable index, using the ordered accessors here as the unit of
job fan-out.
*/
package hierarchy

import (
	"os"
	"path/filepath"
	"sort"
)

// Err* constants are found in the returned Errors under err.Err, so you can
// cast and check if it's a certain type of error.
var (
	ErrBadReadIndex = "read index must be 1 or 2"
	ErrMissingFile  = "reads file does not exist"
	ErrNoReads      = "paired reads must have at least first reads"
	ErrDupName      = "an entity with this name already exists"
	ErrNoName       = "entities must be named"
)

// Error records an error and the entity and operation that caused it.
type Error struct {
	Entity string // the name of the entity being added
	Op     string // name of the method
	Err    string // one of our Err* vars
}

func (e Error) Error() string {
	return "hierarchy " + e.Op + "(" + e.Entity + "): " + e.Err
}

// Reads is a single file of sequence data, with its read index: 1 for forward
// reads, 2 for reverse reads.
type Reads struct {
	FilePath string
	Index    int
}

// NewReads creates a Reads after resolving the given path to an absolute
// location and confirming a file exists there. Entities whose files can't be
// found are rejected at discovery time, not at job run time.
func NewReads(path string, index int) (*Reads, error) {
	if index != 1 && index != 2 {
		return nil, Error{path, "NewReads", ErrBadReadIndex}
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, Error{path, "NewReads", err.Error()}
	}
	if _, err := os.Stat(abs); err != nil {
		return nil, Error{path, "NewReads", ErrMissingFile}
	}

	return &Reads{FilePath: abs, Index: index}, nil
}

// PairedReads is one sequencing lane/run unit of a sample: forward reads and,
// for paired-end data, reverse reads.
type PairedReads struct {
	Name   string
	Reads1 *Reads
	Reads2 *Reads
}

// NewPairedReads creates a PairedReads. reads2 may be nil for single-end data;
// reads1 may not.
func NewPairedReads(name string, reads1, reads2 *Reads) (*PairedReads, error) {
	if name == "" {
		return nil, Error{name, "NewPairedReads", ErrNoName}
	}
	if reads1 == nil {
		return nil, Error{name, "NewPairedReads", ErrNoReads}
	}
	return &PairedReads{Name: name, Reads1: reads1, Reads2: reads2}, nil
}

// Paths returns the file paths of the constituent Reads, forward first.
func (p *PairedReads) Paths() []string {
	paths := []string{p.Reads1.FilePath}
	if p.Reads2 != nil {
		paths = append(paths, p.Reads2.FilePath)
	}
	return paths
}

// Sample identifies one biological unit, owning the PairedReads produced from
// it.
type Sample struct {
	Name        string
	pairedReads []*PairedReads
}

// NewSample creates a Sample.
func NewSample(name string) (*Sample, error) {
	if name == "" {
		return nil, Error{name, "NewSample", ErrNoName}
	}
	return &Sample{Name: name}, nil
}

// AddPairedReads adds a PairedReads to the sample, for use during discovery.
// PairedReads names must be unique within a sample.
func (s *Sample) AddPairedReads(pr *PairedReads) error {
	for _, existing := range s.pairedReads {
		if existing.Name == pr.Name {
			return Error{pr.Name, "AddPairedReads", ErrDupName}
		}
	}
	s.pairedReads = append(s.pairedReads, pr)
	return nil
}

// PairedReads returns the sample's PairedReads in the order they were
// discovered.
func (s *Sample) PairedReads() []*PairedReads {
	prs := make([]*PairedReads, len(s.pairedReads))
	copy(prs, s.pairedReads)
	return prs
}

// Project groups Samples, carrying an optional Group label per sample that
// pooled stages use to decide which samples belong together.
type Project struct {
	Name    string
	samples map[string]*Sample
	groups  map[string]string
}

// NewProject creates a Project.
func NewProject(name string) (*Project, error) {
	if name == "" {
		return nil, Error{name, "NewProject", ErrNoName}
	}
	return &Project{
		Name:    name,
		samples: make(map[string]*Sample),
		groups:  make(map[string]string),
	}, nil
}

// AddSample adds a Sample to the project with an optional group label, for
// use during discovery. Sample names must be unique within a project.
func (p *Project) AddSample(sample *Sample, group string) error {
	if _, exists := p.samples[sample.Name]; exists {
		return Error{sample.Name, "AddSample", ErrDupName}
	}
	p.samples[sample.Name] = sample
	if group != "" {
		p.groups[sample.Name] = group
	}
	return nil
}

// Samples returns the project's samples sorted by name, so that job
// generation over them is deterministic.
func (p *Project) Samples() []*Sample {
	names := make([]string, 0, len(p.samples))
	for name := range p.samples {
		names = append(names, name)
	}
	sort.Strings(names)

	samples := make([]*Sample, 0, len(names))
	for _, name := range names {
		samples = append(samples, p.samples[name])
	}
	return samples
}

// Group returns the group label of the named sample, if it has one.
func (p *Project) Group(sampleName string) (string, bool) {
	group, found := p.groups[sampleName]
	return group, found
}

// Groups returns all distinct group labels in use in the project, sorted.
func (p *Project) Groups() []string {
	seen := make(map[string]bool)
	for _, group := range p.groups {
		seen[group] = true
	}
	groups := make([]string, 0, len(seen))
	for group := range seen {
		groups = append(groups, group)
	}
	sort.Strings(groups)
	return groups
}

// SamplesInGroup returns the project's samples carrying the given group
// label, sorted by name.
func (p *Project) SamplesInGroup(group string) []*Sample {
	var samples []*Sample
	for _, sample := range p.Samples() {
		if p.groups[sample.Name] == group {
			samples = append(samples, sample)
		}
	}
	return samples
}

// RunFolder is the root of the tree: one sequencing run's worth of projects.
type RunFolder struct {
	Name     string
	projects map[string]*Project
}

// NewRunFolder creates a RunFolder.
func NewRunFolder(name string) (*RunFolder, error) {
	if name == "" {
		return nil, Error{name, "NewRunFolder", ErrNoName}
	}
	return &RunFolder{Name: name, projects: make(map[string]*Project)}, nil
}

// AddProject adds a Project to the run folder, for use during discovery.
// Project names must be unique.
func (r *RunFolder) AddProject(project *Project) error {
	if _, exists := r.projects[project.Name]; exists {
		return Error{project.Name, "AddProject", ErrDupName}
	}
	r.projects[project.Name] = project
	return nil
}

// Projects returns the run folder's projects sorted by name.
func (r *RunFolder) Projects() []*Project {
	names := make([]string, 0, len(r.projects))
	for name := range r.projects {
		names = append(names, name)
	}
	sort.Strings(names)

	projects := make([]*Project, 0, len(names))
	for _, name := range names {
		projects = append(projects, r.projects[name])
	}
	return projects
}

// Samples returns every sample in every project, sorted by project then
// sample name.
func (r *RunFolder) Samples() []*Sample {
	var samples []*Sample
	for _, project := range r.Projects() {
		samples = append(samples, project.Samples()...)
	}
	return samples
}

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

package hierarchy

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	. "github.com/smartystreets/goconvey/convey"
)

// touch creates an empty file at dir/name and returns its path.
func touch(t *testing.T, dir, name string) string {
	path := filepath.Join(dir, name)
	if err := ioutil.WriteFile(path, []byte("@read\nACGT\n+\nIIII\n"), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestReads(t *testing.T) {
	dir, err := ioutil.TempDir("", "seqflow_hierarchy_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	fastq := touch(t, dir, "sampleA_R1.fastq.gz")

	Convey("NewReads works with an existing file and a valid index", t, func() {
		reads, err := NewReads(fastq, 1)
		So(err, ShouldBeNil)
		So(reads.Index, ShouldEqual, 1)
		So(filepath.IsAbs(reads.FilePath), ShouldBeTrue)

		Convey("But not with a missing file", func() {
			_, err := NewReads(filepath.Join(dir, "nonexistent.fastq.gz"), 1)
			So(err, ShouldNotBeNil)
			herr, ok := err.(Error)
			So(ok, ShouldBeTrue)
			So(herr.Err, ShouldStartWith, ErrMissingFile)
		})

		Convey("And not with a bad read index", func() {
			_, err := NewReads(fastq, 3)
			So(err, ShouldNotBeNil)
			herr, ok := err.(Error)
			So(ok, ShouldBeTrue)
			So(herr.Err, ShouldStartWith, ErrBadReadIndex)
		})
	})
}

func TestPairedReads(t *testing.T) {
	dir, err := ioutil.TempDir("", "seqflow_hierarchy_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	r1Path := touch(t, dir, "sampleA_R1.fastq.gz")
	r2Path := touch(t, dir, "sampleA_R2.fastq.gz")

	Convey("Given forward and reverse reads", t, func() {
		r1, err := NewReads(r1Path, 1)
		So(err, ShouldBeNil)
		r2, err := NewReads(r2Path, 2)
		So(err, ShouldBeNil)

		Convey("NewPairedReads pairs them", func() {
			pr, err := NewPairedReads("lane1", r1, r2)
			So(err, ShouldBeNil)
			So(pr.Paths(), ShouldResemble, []string{r1.FilePath, r2.FilePath})
		})

		Convey("Reads2 is optional, for single-end sequencing", func() {
			pr, err := NewPairedReads("lane1", r1, nil)
			So(err, ShouldBeNil)
			So(pr.Paths(), ShouldResemble, []string{r1.FilePath})
		})

		Convey("Reads1 is not optional", func() {
			_, err := NewPairedReads("lane1", nil, r2)
			So(err, ShouldNotBeNil)
			herr, ok := err.(Error)
			So(ok, ShouldBeTrue)
			So(herr.Err, ShouldEqual, ErrNoReads)
		})

		Convey("A name is required", func() {
			_, err := NewPairedReads("", r1, r2)
			So(err, ShouldNotBeNil)
		})
	})
}

func TestHierarchy(t *testing.T) {
	dir, err := ioutil.TempDir("", "seqflow_hierarchy_test")
	if err != nil {
		t.Fatal(err)
	}
	defer os.RemoveAll(dir)

	makePR := func(sample, name string) *PairedReads {
		r1, err := NewReads(touch(t, dir, sample+"_"+name+"_R1.fastq.gz"), 1)
		So(err, ShouldBeNil)
		r2, err := NewReads(touch(t, dir, sample+"_"+name+"_R2.fastq.gz"), 2)
		So(err, ShouldBeNil)
		pr, err := NewPairedReads(name, r1, r2)
		So(err, ShouldBeNil)
		return pr
	}

	Convey("You can build a run folder of projects of samples", t, func() {
		run, err := NewRunFolder("run_2021_03")
		So(err, ShouldBeNil)

		project, err := NewProject("p1")
		So(err, ShouldBeNil)

		sampleB, err := NewSample("s_beta")
		So(err, ShouldBeNil)
		So(sampleB.AddPairedReads(makePR("s_beta", "lane1")), ShouldBeNil)

		sampleA, err := NewSample("s_alpha")
		So(err, ShouldBeNil)
		So(sampleA.AddPairedReads(makePR("s_alpha", "lane1")), ShouldBeNil)
		So(sampleA.AddPairedReads(makePR("s_alpha", "lane2")), ShouldBeNil)

		So(project.AddSample(sampleB, "tumour"), ShouldBeNil)
		So(project.AddSample(sampleA, "normal"), ShouldBeNil)
		So(run.AddProject(project), ShouldBeNil)

		Convey("Samples come back sorted by name, not insertion order", func() {
			samples := project.Samples()
			So(len(samples), ShouldEqual, 2)
			So(samples[0].Name, ShouldEqual, "s_alpha")
			So(samples[1].Name, ShouldEqual, "s_beta")
		})

		Convey("PairedReads come back in insertion order", func() {
			prs := sampleA.PairedReads()
			So(len(prs), ShouldEqual, 2)
			So(prs[0].Name, ShouldEqual, "lane1")
			So(prs[1].Name, ShouldEqual, "lane2")
		})

		Convey("Group labels are remembered per sample", func() {
			group, found := project.Group("s_beta")
			So(found, ShouldBeTrue)
			So(group, ShouldEqual, "tumour")

			_, found = project.Group("nonexistent")
			So(found, ShouldBeFalse)

			So(project.Groups(), ShouldResemble, []string{"normal", "tumour"})
			inGroup := project.SamplesInGroup("tumour")
			So(len(inGroup), ShouldEqual, 1)
			So(inGroup[0].Name, ShouldEqual, "s_beta")
		})

		Convey("Duplicate sample names within a project are rejected", func() {
			dup, err := NewSample("s_alpha")
			So(err, ShouldBeNil)
			err = project.AddSample(dup, "")
			So(err, ShouldNotBeNil)
			herr, ok := err.(Error)
			So(ok, ShouldBeTrue)
			So(herr.Err, ShouldEqual, ErrDupName)
		})

		Convey("Duplicate paired reads names within a sample are rejected", func() {
			So(sampleA.AddPairedReads(makePR("s_alpha", "lane1")), ShouldNotBeNil)
		})

		Convey("The run folder enumerates every sample of every project", func() {
			project2, err := NewProject("p2")
			So(err, ShouldBeNil)
			sampleC, err := NewSample("s_gamma")
			So(err, ShouldBeNil)
			So(sampleC.AddPairedReads(makePR("s_gamma", "lane1")), ShouldBeNil)
			So(project2.AddSample(sampleC, ""), ShouldBeNil)
			So(run.AddProject(project2), ShouldBeNil)

			var names []string
			for _, sample := range run.Samples() {
				names = append(names, sample.Name)
			}
			So(names, ShouldResemble, []string{"s_alpha", "s_beta", "s_gamma"})

			Convey("And rejects duplicate project names", func() {
				dup, err := NewProject("p1")
				So(err, ShouldBeNil)
				So(run.AddProject(dup), ShouldNotBeNil)
			})
		})

		Convey("Entities without names are rejected", func() {
			_, err := NewSample("")
			So(err, ShouldNotBeNil)
			_, err = NewProject("")
			So(err, ShouldNotBeNil)
			_, err = NewRunFolder("")
			So(err, ShouldNotBeNil)
		})
	})
}

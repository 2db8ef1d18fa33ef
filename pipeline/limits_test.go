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

import (
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/VertebrateResequencing/seqflow/pipeline/drms"
)

func TestResolveLimits(t *testing.T) {
	Convey("Given stage, analysis and process limit layers", t, func() {
		stage := &drms.Limits{
			MemoryHard: 8 * 1024 * 1024 * 1024,
			Threads:    4,
		}
		analysis := &drms.Limits{
			MemoryHard: 2 * 1024 * 1024 * 1024,
			Time:       4 * time.Hour,
			Queue:      "long",
		}
		process := &drms.Limits{
			Implementation: "sge",
			Time:           1 * time.Hour,
			Queue:          "normal",
			ParallelEnv:    "smp",
			Threads:        1,
		}

		Convey("Field by field, the most specific non-zero value wins", func() {
			resolved, err := ResolveLimits(stage, analysis, process)
			So(err, ShouldBeNil)
			So(resolved.MemoryHard, ShouldEqual, stage.MemoryHard)
			So(resolved.Threads, ShouldEqual, 4)
			So(resolved.Time, ShouldEqual, 4*time.Hour)
			So(resolved.Queue, ShouldEqual, "long")
			So(resolved.ParallelEnv, ShouldEqual, "smp")
			So(resolved.Implementation, ShouldEqual, "sge")
		})

		Convey("Any layer may be nil", func() {
			resolved, err := ResolveLimits(nil, nil, process)
			So(err, ShouldBeNil)
			So(resolved.Time, ShouldEqual, 1*time.Hour)
			So(resolved.Queue, ShouldEqual, "normal")

			resolved, err = ResolveLimits(stage, nil, nil)
			So(err, ShouldBeNil)
			So(resolved.MemoryHard, ShouldEqual, stage.MemoryHard)
			So(resolved.Queue, ShouldEqual, "")
		})

		Convey("With no layers at all, only the threads fallback applies", func() {
			resolved, err := ResolveLimits(nil, nil, nil)
			So(err, ShouldBeNil)
			So(resolved.Threads, ShouldEqual, 1)
			So(resolved.MemoryHard, ShouldEqual, 0)
			So(resolved.Time, ShouldEqual, 0)
		})

		Convey("The result is a fresh copy, not an aliased layer", func() {
			resolved, err := ResolveLimits(stage, analysis, process)
			So(err, ShouldBeNil)
			resolved.Queue = "changed"
			So(analysis.Queue, ShouldEqual, "long")
		})

		Convey("Layering can not produce a hard limit below the soft limit", func() {
			bad := &drms.Limits{MemoryHard: 1024}
			soft := &drms.Limits{MemorySoft: 2048}
			_, err := ResolveLimits(bad, soft, nil)
			So(err, ShouldNotBeNil)
			perr, ok := err.(Error)
			So(ok, ShouldBeTrue)
			So(perr.Err, ShouldEqual, ErrBadLimits)
		})
	})
}

func TestParseMemory(t *testing.T) {
	Convey("ParseMemory understands human quantities", t, func() {
		bytes, err := ParseMemory("4G")
		So(err, ShouldBeNil)
		So(bytes, ShouldEqual, uint64(4*1024*1024*1024))

		bytes, err = ParseMemory(" 512M ")
		So(err, ShouldBeNil)
		So(bytes, ShouldEqual, uint64(512*1024*1024))

		Convey("And rejects nonsense", func() {
			_, err := ParseMemory("lots")
			So(err, ShouldNotBeNil)
		})
	})
}

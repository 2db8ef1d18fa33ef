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

import (
	"os"
	"strconv"
	"strings"
	"time"

	"code.cloudfoundry.org/bytefmt"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/VertebrateResequencing/seqflow/pipeline"
)

// planCmd represents the plan command.
var planCmd = &cobra.Command{
	Use:   "plan",
	Short: "Show the jobs a pipeline would run",
	Long: `Show the jobs a pipeline would run, without submitting anything.

Expands the pipeline's stages over your samples and prints every resulting
job in submission order, along with the jobs it depends on and its resolved
resource limits. Building the plan is deterministic: the same pipeline and
samples always produce the same job names, which is also how re-runs detect
already-completed work.`,
	Run: func(cmd *cobra.Command, args []string) {
		graph, err := buildGraph()
		if err != nil {
			die("failed to build the job graph: %s", err)
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Job", "Stage", "Depends on", "Memory", "Time", "Threads", "Queue"})
		table.SetBorder(false)
		for _, job := range graph.Jobs() {
			table.Append([]string{
				job.Name,
				job.Stage,
				strings.Join(job.Dependencies, "\n"),
				memoryColumn(job),
				timeColumn(job),
				strconv.Itoa(job.Limits.Threads),
				job.Limits.Queue,
			})
		}
		table.Render()

		info("%d jobs across %d stages", graph.Len(), len(graph.Stages()))
	},
}

// memoryColumn formats a job's memory limits for display.
func memoryColumn(job *pipeline.Job) string {
	if job.Limits.MemoryHard == 0 {
		return "-"
	}
	col := bytefmt.ByteSize(job.Limits.MemoryHard)
	if job.Limits.MemorySoft > 0 {
		col += " (soft " + bytefmt.ByteSize(job.Limits.MemorySoft) + ")"
	}
	return col
}

// timeColumn formats a job's time limit for display.
func timeColumn(job *pipeline.Job) string {
	if job.Limits.Time == 0 {
		return "-"
	}
	return job.Limits.Time.Round(time.Minute).String()
}

func init() {
	RootCmd.AddCommand(planCmd)

	planCmd.Flags().StringVarP(&pipelinePath, "pipeline", "p", "pipeline.yml", "path to the pipeline description yml")
	planCmd.Flags().StringVarP(&samplesPath, "samples", "s", "samples.yml", "path to the samples yml")
}

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
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/VertebrateResequencing/seqflow/pipeline"
	"github.com/VertebrateResequencing/seqflow/pipeline/drms"
)

// runCmd represents the run command.
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a pipeline's jobs to completion",
	Long: `Run a pipeline's jobs to completion.

Builds the same job graph that 'seqflow plan' shows, then hands the jobs to
the configured backend (bash, sge or slurm) in dependency order and polls
until every job has finished. Jobs whose output marker file already exists
are skipped, so re-running after a partial failure only does the remaining
work. A job failure fails its dependents without running them; independent
jobs carry on.

Interrupting with ctrl-c cancels any jobs the backend still holds before
exiting.`,
	Run: func(cmd *cobra.Command, args []string) {
		graph, err := buildGraph()
		if err != nil {
			die("failed to build the job graph: %s", err)
		}

		backend, err := drms.New(config.Backend, backendConfig(), appLogger)
		if err != nil {
			die("failed to set up the %s backend: %s", config.Backend, err)
		}
		defer backend.Cleanup()

		runner := pipeline.NewRunner(graph, backend, appLogger)
		runner.Checker = pipeline.MarkerFileChecker(config.MarkerSuffix)
		runner.SubmitRetries = config.SubmitRetries
		runner.PollMin = time.Duration(config.PollMinSecs) * time.Second
		runner.PollMax = time.Duration(config.PollMaxSecs) * time.Second

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		info("running %d jobs on %s", graph.Len(), config.Backend)
		report, err := runner.Run(ctx)
		if err != nil {
			warn("the run did not complete: %s", err)
		}
		if report != nil {
			printReport(report)
			if len(report.Failed()) > 0 {
				os.Exit(1)
			}
		}
		if err != nil {
			os.Exit(1)
		}
	},
}

// printReport renders a run's report as a table, colouring states so
// failures stand out.
func printReport(report *pipeline.Report) {
	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{"Job", "Stage", "State", "Details"})
	table.SetBorder(false)
	for _, entry := range report.Entries {
		details := entry.FailReason
		if details == "" {
			details = entry.BackendID
		}
		table.Append([]string{entry.Name, entry.Stage, colourState(entry.State), details})
	}
	table.Render()

	counts := report.Counts()
	info("run %s finished: %d completed, %d skipped, %d failed",
		report.RunID,
		counts[pipeline.JobStateCompleted],
		counts[pipeline.JobStateSkipped],
		counts[pipeline.JobStateFailed])
}

// colourState colours terminal states: green for success, red for failure.
func colourState(state pipeline.JobState) string {
	switch state {
	case pipeline.JobStateCompleted, pipeline.JobStateSkipped:
		return color.GreenString(string(state))
	case pipeline.JobStateFailed:
		return color.RedString(string(state))
	default:
		return string(state)
	}
}

// backendConfig returns the drms config struct appropriate for the
// configured backend.
func backendConfig() interface{} {
	switch config.Backend {
	case drms.BackendSGE:
		return &drms.ConfigSGE{Shell: config.Shell}
	case drms.BackendSlurm:
		return &drms.ConfigSlurm{Shell: config.Shell}
	default:
		return &drms.ConfigBash{Shell: config.Shell}
	}
}

func init() {
	RootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&pipelinePath, "pipeline", "p", "pipeline.yml", "path to the pipeline description yml")
	runCmd.Flags().StringVarP(&samplesPath, "samples", "s", "samples.yml", "path to the samples yml")
}

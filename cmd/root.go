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

// this is the cobra file that enables subcommands and handles command-line
// args

import (
	"fmt"
	"os"

	"github.com/inconshreveable/log15"
	"github.com/sb10/l15h"
	"github.com/spf13/cobra"

	"github.com/VertebrateResequencing/seqflow/internal"
)

// appLogger is used for logging events in our commands.
var appLogger = log15.New()

// these variables are accessible by all subcommands.
var deployment string
var debug bool
var config internal.Config

// these are shared by the plan and run subcommands.
var pipelinePath string
var samplesPath string

// RootCmd represents the base command when called without any subcommands.
var RootCmd = &cobra.Command{
	Use:   "seqflow",
	Short: "seqflow submits multi-step genomics pipelines to a cluster.",
	Long: `seqflow submits multi-step genomics pipelines to a cluster.

You describe your pipeline's stages and your sequenced samples in 2 small yml
files, then see the jobs that would run, with their dependencies and resource
limits:
$ seqflow plan -p pipeline.yml -s samples.yml

When satisfied, have the jobs run, locally or via your cluster's batch
scheduler as configured:
$ seqflow run -p pipeline.yml -s samples.yml

Re-running is cheap and safe: jobs whose output markers already exist get
skipped, failed ones get re-attempted.`,
}

// Execute adds all child commands to the root command and sets flags
// appropriately. This is called by main.main(). It only needs to happen once
// to the rootCmd.
func Execute() {
	defer internal.LogPanic(appLogger, "seqflow", true)

	if err := RootCmd.Execute(); err != nil {
		die(err.Error())
	}
}

func init() {
	// set up logging to stderr
	appLogger.SetHandler(log15.LvlFilterHandler(log15.LvlInfo, log15.StderrHandler))

	// global flags
	RootCmd.PersistentFlags().StringVar(&deployment, "deployment", "", "use production or development config")
	RootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "include debug messages in logging output")

	cobra.OnInitialize(initConfig)
}

// initConfig reads in config file and ENV variables if set.
func initConfig() {
	logLevel := log15.LvlInfo
	if debug {
		logLevel = log15.LvlDebug
	}
	appLogger.SetHandler(log15.LvlFilterHandler(logLevel, l15h.CallerInfoHandler(log15.StderrHandler)))

	config = internal.ConfigLoad(deployment, appLogger)
}

// info is a convenience to log a message at the Info level.
func info(msg string, a ...interface{}) {
	appLogger.Info(fmt.Sprintf(msg, a...))
}

// warn is a convenience to log a message at the Warn level.
func warn(msg string, a ...interface{}) {
	appLogger.Warn(fmt.Sprintf(msg, a...))
}

// die is a convenience to log a message at the Error level and exit non zero.
func die(msg string, a ...interface{}) {
	appLogger.Error(fmt.Sprintf(msg, a...))
	os.Exit(1)
}

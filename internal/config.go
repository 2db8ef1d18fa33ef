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

package internal

// this file implements the config system used by the cmd package

import (
	"os"
	"path/filepath"

	"github.com/inconshreveable/log15"
	"github.com/jinzhu/configor"
)

const (
	configCommonBasename = ".seqflow_config.yml"

	// Production is the name of the main deployment.
	Production = "production"

	// Development is the name of the development deployment, used during
	// testing.
	Development = "development"
)

// Config holds the settings of the seqflow command line tool. Settings here
// cover how to reach a backend and process-wide resource defaults; per-stage
// settings live in the pipeline description file.
type Config struct {
	Backend        string `default:"bash"`
	Shell          string `default:"bash"`
	WorkDir        string `default:"."`
	MarkerSuffix   string `default:".completed"`
	SubmitRetries  int    `default:"3"`
	PollMinSecs    int    `default:"1"`
	PollMaxSecs    int    `default:"30"`
	DefaultMemory  string `default:""`
	DefaultTime    string `default:""`
	DefaultQueue   string `default:""`
	DefaultPE      string `default:""`
	DefaultThreads int    `default:"0"`
	Deployment     string `default:"development"`
}

// ConfigLoad loads configuration settings from files and environment
// variables.
//
// We prefer settings in a config file in the current dir over one in the home
// directory. The deployment argument determines if we additionally read
// .seqflow_config.production.yml or .seqflow_config.development.yml; we
// always read .seqflow_config.yml. If the empty string is supplied,
// deployment is taken from the environment variable SEQFLOW_DEPLOYMENT,
// otherwise it defaults to development.
//
// Settings found in no file can be set with environment variables
// SEQFLOW_<setting name in caps>, eg. export SEQFLOW_BACKEND="slurm".
func ConfigLoad(deployment string, logger log15.Logger) Config {
	if deployment != Development && deployment != Production {
		deployment = Development
		if deploymentEnv := os.Getenv("SEQFLOW_DEPLOYMENT"); deploymentEnv == Production {
			deployment = Production
		}
	}
	os.Setenv("CONFIGOR_ENV", deployment)
	os.Setenv("CONFIGOR_ENV_PREFIX", "SEQFLOW")
	deploymentBasename := ".seqflow_config." + deployment + ".yml"

	// configor complains about missing files, so check existence first
	var configFiles []string
	if home, err := os.UserHomeDir(); err == nil {
		configFiles = appendIfExists(configFiles, filepath.Join(home, configCommonBasename))
		configFiles = appendIfExists(configFiles, filepath.Join(home, deploymentBasename))
	}
	if pwd, err := os.Getwd(); err == nil {
		configFiles = appendIfExists(configFiles, filepath.Join(pwd, configCommonBasename))
		configFiles = appendIfExists(configFiles, filepath.Join(pwd, deploymentBasename))
	}

	config := Config{}
	if err := configor.Load(&config, configFiles...); err != nil {
		logger.Error("failed to load config", "err", err)
	}
	config.Deployment = deployment

	return config
}

// appendIfExists appends path to paths only if a file exists there.
func appendIfExists(paths []string, path string) []string {
	if _, err := os.Stat(path); err == nil {
		paths = append(paths, path)
	}
	return paths
}

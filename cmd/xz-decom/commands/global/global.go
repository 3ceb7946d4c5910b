/*
   Copyright The Soci Snapshotter Authors.

   Licensed under the Apache License, Version 2.0 (the "License");
   you may not use this file except in compliance with the License.
   You may obtain a copy of the License at

       http://www.apache.org/licenses/LICENSE-2.0

   Unless required by applicable law or agreed to in writing, software
   distributed under the License is distributed on an "AS IS" BASIS,
   WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
   See the License for the specific language governing permissions and
   limitations under the License.
*/

package global

import (
	"github.com/awslabs/xz-decom/config"
	"github.com/urfave/cli/v3"
)

// Global flags for the xz-decom CLI

const (
	ConfigFlag         = "config"
	LogLevelFlag       = "log-level"
	MetricsAddressFlag = "metrics-address"
)

func Flags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{
			Name:    ConfigFlag,
			Usage:   "path to the configuration file",
			Value:   config.DefaultConfigPath,
			Sources: cli.EnvVars("XZ_DECOM_CONFIG"),
		},
		&cli.StringFlag{
			Name:  LogLevelFlag,
			Usage: "set the logging level [trace, debug, info, warn, error, fatal, panic]; overrides the config file",
		},
		&cli.StringFlag{
			Name:  MetricsAddressFlag,
			Usage: "serve prometheus metrics on this TCP address; overrides the config file",
		},
	}
}

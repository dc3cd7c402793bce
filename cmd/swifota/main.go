// Copyright 2024 Northern.tech AS
//
//    Licensed under the Apache License, Version 2.0 (the "License");
//    you may not use this file except in compliance with the License.
//    You may obtain a copy of the License at
//
//        http://www.apache.org/licenses/LICENSE-2.0
//
//    Unless required by applicable law or agreed to in writing, software
//    distributed under the License is distributed on an "AS IS" BASIS,
//    WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
//    See the License for the specific language governing permissions and
//    limitations under the License.

// Command swifota drives the staging engine from the command line:
// install, resume and abort a package transfer, and report the current
// status or scan a partition for existing UBI volumes.
package main

import (
	"os"

	log "github.com/sirupsen/logrus"
	"github.com/urfave/cli/v2"

	"github.com/northern-embedded/swifota/conf"
)

func main() {
	opts := &runOptions{}

	app := &cli.App{
		Name:        "swifota",
		Usage:       "stage a firmware-over-the-air package onto a raw-NAND UBI partition",
		Description: appDescription,
		Version:     "dev", // overwritten at release build time via -ldflags
		Before:      opts.handleLogFlags,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:        "config",
				Aliases:     []string{"c"},
				Usage:       "configuration `FILE` path",
				Value:       conf.DefaultConfigPath,
				Destination: &opts.configPath,
			},
			&cli.StringFlag{
				Name:        "log-level",
				Aliases:     []string{"l"},
				Usage:       "set logging `LEVEL`",
				Value:       "info",
				Destination: &opts.logLevel,
			},
			&cli.StringFlag{
				Name:        "log-file",
				Aliases:     []string{"L"},
				Usage:       "`FILE` to log to, instead of stderr",
				Destination: &opts.logFile,
			},
			&cli.BoolFlag{
				Name:        "quiet",
				Aliases:     []string{"q"},
				Usage:       "suppress the progress bar, reporting progress through the log instead",
				Destination: &opts.quiet,
			},
		},
		Commands: []*cli.Command{
			installCommand(opts),
			resumeCommand(opts),
			abortCommand(opts),
			statusCommand(opts),
			scanCommand(opts),
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.WithError(err).Error("swifota: command failed")
		os.Exit(1)
	}
}

const appDescription = "" +
	"swifota ingests a streaming CWE package and persists it atomically " +
	"across a UBI staging partition, so that a power loss at any point " +
	"leaves the device either on the old firmware or cleanly on the new " +
	"one."

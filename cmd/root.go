// Copyright 2026 Google LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cmd defines the command line interface of tlaunch.
package cmd

import (
	"context"

	"github.com/spf13/cobra"

	"tpu-toolkit/pkg/config"
	"tpu-toolkit/pkg/logging"
	"tpu-toolkit/pkg/shell"
)

var (
	verbose      bool
	settingsPath string
	project      string
	zone         string
)

func init() {
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging.")
	rootCmd.PersistentFlags().StringVar(&settingsPath, "settings", config.DefaultPath(), "Path to the launcher settings file.")
	rootCmd.PersistentFlags().StringVarP(&project, "project", "p", "", "Google Cloud project ID. Defaults to the settings file, then the gcloud configuration.")
	rootCmd.PersistentFlags().StringVarP(&zone, "zone", "z", "", "Google Cloud zone. Defaults to the settings file, then the gcloud configuration.")
}

var rootCmd = &cobra.Command{
	Use:   "tlaunch",
	Short: "tlaunch runs commands on Google Cloud accelerator machines.",
	Long: `tlaunch launches commands on Google Cloud accelerator machines. It can fan
a command out over the VMs of one or more TPU slices through SSH, run it on a
plain compute VM, or compile the workload into a JobSet and submit it to a
GKE cluster.`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.SetVerbose(verbose)
	},
	Run: func(cmd *cobra.Command, args []string) {
		_ = cmd.Help()
	},
	SilenceUsage: true,
}

// Execute dispatches to the selected subcommand.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logging.Fatal("%v", err)
	}
}

// resolveSettings layers flag values over the settings file and falls back
// to the active gcloud configuration for project and zone.
func resolveSettings(ctx context.Context, flags config.Settings) config.Settings {
	fromFile, err := config.Load(settingsPath)
	if err != nil {
		logging.Fatal("%v", err)
	}
	settings := flags.Merge(fromFile)
	if settings.Project == "" || settings.Zone == "" {
		settings = settings.Merge(config.FromGcloud(ctx, shell.NewRunner()))
	}
	return settings
}

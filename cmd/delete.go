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

package cmd

import (
	"github.com/spf13/cobra"

	"tpu-toolkit/pkg/config"
	"tpu-toolkit/pkg/launcher/gke"
	"tpu-toolkit/pkg/logging"
	"tpu-toolkit/pkg/shell"
)

var (
	deleteName      string
	deleteCluster   string
	deleteNamespace string
)

func init() {
	rootCmd.AddCommand(deleteCmd)

	deleteCmd.Flags().StringVarP(&deleteName, "name", "n", "", "Name of the JobSet to delete. Required.")
	deleteCmd.Flags().StringVar(&deleteCluster, "cluster", "", "GKE cluster the JobSet was submitted to. Defaults to the settings file.")
	deleteCmd.Flags().StringVar(&deleteNamespace, "namespace", "default", "Namespace of the JobSet.")

	_ = deleteCmd.MarkFlagRequired("name")
}

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Deletes a submitted JobSet and its jobs.",
	Long: `The 'delete' command removes a JobSet from the cluster along with the jobs
it spawned. Descendants are deleted in the background; the command does not
wait for them to disappear.`,
	Run:          runDeleteCmd,
	SilenceUsage: true,
}

func runDeleteCmd(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()

	settings := resolveSettings(ctx, config.Settings{
		Project: project,
		Zone:    zone,
		Cluster: deleteCluster,
	})
	if settings.Cluster == "" {
		logging.Fatal("No cluster configured, pass --cluster or set it in the settings file.")
	}

	client, err := gke.Connect(ctx, shell.NewRunner(), settings.Cluster, settings.Zone, settings.Project)
	if err != nil {
		logging.Fatal("%v", err)
	}
	gke.DeleteJobSet(ctx, client, deleteNamespace, deleteName)
}

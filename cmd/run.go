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
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"

	"tpu-toolkit/pkg/bundler"
	"tpu-toolkit/pkg/config"
	"tpu-toolkit/pkg/escape"
	"tpu-toolkit/pkg/launcher"
	"tpu-toolkit/pkg/launcher/cpuvm"
	"tpu-toolkit/pkg/launcher/gke"
	"tpu-toolkit/pkg/launcher/tpuvm"
	"tpu-toolkit/pkg/logging"
)

var (
	jobName        string
	command        string
	substrate      string
	serviceAccount string
	instanceType   string
	numReplicas    int
	maxTries       int
	retryInterval  time.Duration

	// SSH dispatch options.
	worker    string
	batchSize string
	detach    bool

	// Bundling options.
	bundlerKind string
	workspace   string
	baseImage   string
	dockerfile  string
	platform    string
	dockerRepo  string
	bucket      string

	// GKE options.
	cluster        string
	namespace      string
	reservation    string
	envVars        map[string]string
	gcsMount       string
	outputManifest string
)

func init() {
	rootCmd.AddCommand(runCmd)

	runCmd.Flags().StringVarP(&jobName, "name", "n", "", "Name of the job. Also the name of the TPU, VM, or JobSet it runs on. Required.")
	runCmd.Flags().StringVarP(&command, "command", "e", "", "Command to execute on every machine (e.g. 'python3 train.py'). Required.")
	runCmd.Flags().StringVarP(&substrate, "substrate", "s", "tpu-vm", "Where the command runs: 'tpu-vm', 'cpu-vm', or 'gke'.")
	runCmd.Flags().StringVar(&serviceAccount, "service-account", "", "Service account the workload runs as.")
	runCmd.Flags().StringVarP(&instanceType, "instance-type", "a", "", "Accelerator instance type (e.g. 'tpu-v4-32'). Required for 'tpu-vm' and 'gke'.")
	runCmd.Flags().IntVar(&numReplicas, "num-replicas", 1, "Number of TPU slices to launch on.")
	runCmd.Flags().IntVar(&maxTries, "max-tries", 1, "Maximum number of execution attempts, counting the first.")
	runCmd.Flags().DurationVar(&retryInterval, "retry-interval", time.Minute, "Pause between execution attempts.")

	runCmd.Flags().StringVar(&worker, "worker", "all", "Worker of each slice to run the command on: a worker ID or 'all'.")
	runCmd.Flags().StringVar(&batchSize, "batch-size", "100", "Concurrent SSH connections per slice: a number or 'all'.")
	runCmd.Flags().BoolVarP(&detach, "detach", "d", false, "Run the command in a detached session that survives SSH disconnects.")

	runCmd.Flags().StringVarP(&bundlerKind, "bundler", "b", "", "Bundling strategy for the workspace: 'docker', 'cloudbuild', or 'tar'. No bundling when empty.")
	runCmd.Flags().StringVarP(&workspace, "workspace", "c", ".", "Directory to bundle.")
	runCmd.Flags().StringVar(&baseImage, "base-image", "", "Base image the workspace layer is appended onto. Used by the 'docker' bundler.")
	runCmd.Flags().StringVar(&dockerfile, "dockerfile", "Dockerfile", "Dockerfile the 'cloudbuild' bundler builds from, relative to the workspace.")
	runCmd.Flags().StringVarP(&platform, "platform", "f", "linux/amd64", "Target platform for image builds (e.g. 'linux/amd64').")
	runCmd.Flags().StringVar(&dockerRepo, "docker-repo", "", "Image repository bundles are pushed to (e.g. 'gcr.io/my-project'). Defaults to the settings file.")
	runCmd.Flags().StringVar(&bucket, "bucket", "", "GCS bucket 'tar' bundles are uploaded to. Defaults to the settings file.")

	runCmd.Flags().StringVar(&cluster, "cluster", "", "GKE cluster to submit the workload to. Defaults to the settings file.")
	runCmd.Flags().StringVar(&namespace, "namespace", "default", "Namespace the JobSet is created in.")
	runCmd.Flags().StringVar(&reservation, "reservation", "", "Compute reservation for reserved-tier scheduling. Defaults to the settings file.")
	runCmd.Flags().StringToStringVar(&envVars, "env", nil, "Environment variables for the container, as key=value pairs.")
	runCmd.Flags().StringVar(&gcsMount, "gcs-mount", "", "GCS path (gs://bucket/prefix) to FUSE-mount into the container.")
	runCmd.Flags().StringVarP(&outputManifest, "output-manifest", "o", "", "Write the JobSet manifest to this path instead of submitting it.")

	_ = runCmd.MarkFlagRequired("name")
	_ = runCmd.MarkFlagRequired("command")
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Runs a command on TPU slices, a compute VM, or a GKE cluster.",
	Long: `The 'run' command executes a command on Google Cloud machines. On the
'tpu-vm' substrate it fans the command out over every VM of one or more TPU
slices through SSH; on 'cpu-vm' it runs the command on a single compute VM;
on 'gke' it compiles the workload into a JobSet and submits it to a cluster.

With --bundler the local workspace is packaged first: the 'docker' and
'cloudbuild' bundlers produce a container image the command runs in, while
'tar' uploads the workspace to GCS for the command to fetch.`,
	Run:          runRunCmd,
	SilenceUsage: true,
}

func runRunCmd(cmd *cobra.Command, args []string) {
	ctx := cmd.Context()

	settings := resolveSettings(ctx, config.Settings{
		Project:        project,
		Zone:           zone,
		ServiceAccount: serviceAccount,
		Cluster:        cluster,
		Reservation:    reservation,
		Bucket:         bucket,
		DockerRepo:     dockerRepo,
	})

	common := launcher.Config{
		Name:           jobName,
		Command:        command,
		Project:        settings.Project,
		Zone:           settings.Zone,
		ServiceAccount: settings.ServiceAccount,
		MaxTries:       maxTries,
		RetryInterval:  retryInterval,
	}
	accelerator := launcher.Accelerator{
		InstanceType: instanceType,
		NumReplicas:  numReplicas,
	}

	b := newBundler(settings)
	session := ""
	if detach {
		session = jobName
	}
	// Image bundles change what the VM substrates execute: the command moves
	// inside a docker run of the bundled image. On GKE the container spec
	// already carries the image, so the command stays as given.
	if b != nil && b.Kind().ProducesImage() && substrate != "gke" {
		common.Command = escape.DockerRun(common.Command, escape.DockerRunOptions{
			Image:           b.Reference(jobName),
			DetachedSession: session,
			Env:             sortedEnv(envVars),
			WorkDir:         "/root",
		})
		// The docker daemon owns the session now; the SSH wrapper must not
		// add a second one.
		session = ""
	}

	switch substrate {
	case "tpu-vm":
		runTPUVM(ctx, common, accelerator, b, session)
	case "cpu-vm":
		runCPUVM(ctx, common, b, session)
	case "gke":
		runGKE(ctx, common, accelerator, b, settings)
	default:
		logging.Fatal("Unknown substrate %q, must be 'tpu-vm', 'cpu-vm', or 'gke'.", substrate)
	}
}

func runTPUVM(ctx context.Context, common launcher.Config, accelerator launcher.Accelerator, b bundler.Bundler, session string) {
	job, err := tpuvm.NewJob(tpuvm.Config{Config: common, Accelerator: accelerator})
	if err != nil {
		logging.Fatal("%v", err)
	}
	bundle(ctx, b)
	if err := job.AcquireSSHAgent(ctx); err != nil {
		logging.Fatal("Failed to start an SSH agent: %v", err)
	}
	runErr := launcher.Run(ctx, &common, executeFunc(func(ctx context.Context) error {
		results, err := job.Dispatch(ctx, common.Command, tpuvm.DispatchOptions{
			Worker:          worker,
			BatchSize:       batchSize,
			DetachedSession: session,
		})
		if err != nil {
			return err
		}
		return tpuvm.SliceFailures(job.SliceNames(), results)
	}))
	job.ReleaseSSHAgent(ctx)
	if runErr != nil {
		logging.Fatal("%v", runErr)
	}
	logging.Info("Job %s finished on all slices.", common.Name)
}

func runCPUVM(ctx context.Context, common launcher.Config, b bundler.Bundler, session string) {
	job, err := cpuvm.NewJob(cpuvm.Config{Config: common})
	if err != nil {
		logging.Fatal("%v", err)
	}
	bundle(ctx, b)
	runErr := launcher.Run(ctx, &common, executeFunc(func(ctx context.Context) error {
		res, err := job.Dispatch(ctx, common.Command, cpuvm.DispatchOptions{DetachedSession: session})
		if err != nil {
			return err
		}
		if !res.Ok() {
			return fmt.Errorf("command on VM %s exited with code %d: %s",
				common.Name, res.ExitCode, strings.TrimSpace(res.Stderr))
		}
		return nil
	}))
	if runErr != nil {
		logging.Fatal("%v", runErr)
	}
	logging.Info("Job %s finished.", common.Name)
}

func runGKE(ctx context.Context, common launcher.Config, accelerator launcher.Accelerator, b bundler.Bundler, settings config.Settings) {
	job, err := gke.NewJob(gke.Config{
		Config:         common,
		Accelerator:    accelerator,
		Cluster:        settings.Cluster,
		Namespace:      namespace,
		EnvVars:        envVars,
		Reservation:    settings.Reservation,
		GCSFuseMount:   fuseMount(),
		OutputManifest: outputManifest,
	}, b)
	if err != nil {
		logging.Fatal("%v", err)
	}
	// Writing the manifest to a file is a dry run; skip the image build.
	if outputManifest == "" {
		bundle(ctx, b)
	}
	// No retry loop here: the JobSet failure policy restarts failed
	// attempts inside the cluster.
	if err := job.Execute(ctx); err != nil {
		logging.Fatal("%v", err)
	}
}

// bundle packages the workspace when a bundler is configured.
func bundle(ctx context.Context, b bundler.Bundler) {
	if b == nil {
		return
	}
	ref, err := b.Bundle(ctx, jobName)
	if err != nil {
		logging.Fatal("Bundling failed: %v", err)
	}
	logging.Info("Bundled workspace to %s.", ref)
}

func newBundler(settings config.Settings) bundler.Bundler {
	if bundlerKind == "" {
		return nil
	}
	kind, err := bundler.ParseKind(bundlerKind)
	if err != nil {
		logging.Fatal("%v", err)
	}
	b, err := bundler.New(kind, bundler.Options{
		Workspace:  workspace,
		Project:    settings.Project,
		Repo:       settings.DockerRepo,
		BaseImage:  baseImage,
		Dockerfile: dockerfile,
		Platform:   platform,
		Bucket:     settings.Bucket,
	})
	if err != nil {
		logging.Fatal("Failed to configure the %s bundler: %v", kind, err)
	}
	return b
}

func fuseMount() *gke.GCSFuseMount {
	if gcsMount == "" {
		return nil
	}
	return &gke.GCSFuseMount{GCSPath: gcsMount}
}

// sortedEnv renders the env map as key=value pairs in name order.
func sortedEnv(env map[string]string) []string {
	names := maps.Keys(env)
	sort.Strings(names)
	pairs := make([]string, 0, len(names))
	for _, name := range names {
		pairs = append(pairs, name+"="+env[name])
	}
	return pairs
}

// executeFunc adapts a function to launcher.Executable.
type executeFunc func(ctx context.Context) error

func (f executeFunc) Execute(ctx context.Context) error { return f(ctx) }

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

package gke

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/pkg/errors"
	yamlv2 "gopkg.in/yaml.v2"
	"k8s.io/client-go/dynamic"
	"k8s.io/client-go/tools/clientcmd"

	"tpu-toolkit/pkg/logging"
	"tpu-toolkit/pkg/shell"
)

const (
	jobSetCRDName      = "jobsets.jobset.x-k8s.io"
	jobSetManifestsURL = "https://github.com/kubernetes-sigs/jobset/releases/download/v0.10.1/manifests.yaml"
	documentSeparator  = "---\n"
)

// GetCredentials fetches cluster credentials into the local kubeconfig.
func GetCredentials(ctx context.Context, runner shell.Runner, cluster, zone, project string) error {
	res := runner.Run(ctx, fmt.Sprintf(
		"gcloud container clusters get-credentials %s --zone %s --project %s", cluster, zone, project))
	if !res.Ok() {
		return errors.Errorf("failed to get credentials for cluster %s: %s", cluster, res.Stderr)
	}
	return nil
}

// Connect fetches credentials for a cluster and returns a client for it.
func Connect(ctx context.Context, runner shell.Runner, cluster, zone, project string) (dynamic.Interface, error) {
	if err := GetCredentials(ctx, runner, cluster, zone, project); err != nil {
		return nil, err
	}
	return newDynamicClient()
}

// newDynamicClient builds a cluster client from the local kubeconfig,
// honoring the usual KUBECONFIG resolution.
func newDynamicClient() (dynamic.Interface, error) {
	loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
	restConfig, err := clientcmd.NewNonInteractiveDeferredLoadingClientConfig(
		loadingRules, &clientcmd.ConfigOverrides{}).ClientConfig()
	if err != nil {
		return nil, errors.Wrap(err, "loading kubeconfig")
	}
	client, err := dynamic.NewForConfig(restConfig)
	if err != nil {
		return nil, errors.Wrap(err, "building cluster client")
	}
	return client, nil
}

// EnsureJobSetCRD installs the JobSet CRD if the cluster does not have it.
func EnsureJobSetCRD(ctx context.Context, runner shell.Runner) error {
	installed, err := jobSetCRDInstalled(ctx, runner)
	if err != nil || installed {
		return err
	}

	logging.Info("JobSet CRD not found. Installing from %s.", jobSetManifestsURL)
	manifests, err := downloadJobSetManifests(ctx, jobSetManifestsURL)
	if err != nil {
		return err
	}
	cleaned, err := stripDescriptions(manifests)
	if err != nil {
		return err
	}
	if err := applyManifests(ctx, cleaned); err != nil {
		return err
	}
	logging.Info("JobSet CRD installed.")
	return nil
}

func jobSetCRDInstalled(ctx context.Context, runner shell.Runner) (bool, error) {
	res := runner.Run(ctx, "kubectl get crd "+jobSetCRDName)
	if res.Ok() {
		return true, nil
	}
	if strings.Contains(res.Stderr, "not found") || strings.Contains(res.Stdout, "NotFound") {
		return false, nil
	}
	return false, errors.Errorf("failed to check for JobSet CRD: %s\n%s", res.Stderr, res.Stdout)
}

func downloadJobSetManifests(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, errors.Wrap(err, "building JobSet manifest request")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "downloading JobSet manifests")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, errors.Errorf("downloading JobSet manifests: status %d", resp.StatusCode)
	}
	manifests, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "reading JobSet manifests")
	}
	return manifests, nil
}

// stripDescriptions removes description fields from every document in a
// multi-document manifest stream. The CRD schema descriptions push the
// manifest over the size limit kubectl apply can record in its annotation.
func stripDescriptions(manifests []byte) ([]byte, error) {
	decoder := yamlv2.NewDecoder(bytes.NewReader(manifests))
	var cleaned bytes.Buffer

	for {
		var doc interface{}
		if err := decoder.Decode(&doc); err != nil {
			if err == io.EOF {
				break
			}
			return nil, errors.Wrap(err, "decoding manifest document")
		}
		if doc == nil {
			continue
		}

		if m, ok := doc.(map[interface{}]interface{}); ok {
			removeDescriptions(m)
		}
		out, err := yamlv2.Marshal(doc)
		if err != nil {
			return nil, errors.Wrap(err, "marshaling cleaned manifest document")
		}
		cleaned.Write(out)
		cleaned.WriteString(documentSeparator)
	}
	return cleaned.Bytes(), nil
}

func removeDescriptions(data map[interface{}]interface{}) {
	for key, value := range data {
		if key == "description" {
			delete(data, key)
			continue
		}
		switch v := value.(type) {
		case map[interface{}]interface{}:
			removeDescriptions(v)
		case []interface{}:
			for _, item := range v {
				if m, ok := item.(map[interface{}]interface{}); ok {
					removeDescriptions(m)
				}
			}
		}
	}
}

func applyManifests(ctx context.Context, manifests []byte) error {
	cmd := shell.NewCommand("kubectl", "apply", "-f", "-")
	cmd.SetInput(string(manifests))
	res := cmd.Execute(ctx)
	if !res.Ok() {
		return errors.Errorf("kubectl apply failed with exit code %d: %s\n%s",
			res.ExitCode, res.Stderr, res.Stdout)
	}
	return nil
}

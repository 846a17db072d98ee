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

package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	. "gopkg.in/check.v1"

	"tpu-toolkit/pkg/shell"
)

func Test(t *testing.T) { TestingT(t) }

type configSuite struct{}

var _ = Suite(&configSuite{})

type scriptedRunner struct {
	results map[string]shell.Result
	calls   []string
}

func (r *scriptedRunner) Run(_ context.Context, script string) shell.Result {
	r.calls = append(r.calls, script)
	if res, ok := r.results[script]; ok {
		return res
	}
	return shell.Result{Stderr: "not scripted: " + script, ExitCode: 127}
}

func (r *scriptedRunner) Start(context.Context, string) (shell.Handle, error) {
	return nil, errors.New("not supported in tests")
}

func (s *configSuite) TestLoad(c *C) {
	path := filepath.Join(c.MkDir(), "settings.yaml")
	data := "" +
		"project: my-proj\n" +
		"zone: us-central2-b\n" +
		"service_account: sa@my-proj.iam.gserviceaccount.com\n" +
		"bucket: my-bucket\n"
	c.Assert(os.WriteFile(path, []byte(data), 0o644), IsNil)

	got, err := Load(path)
	c.Assert(err, IsNil)
	c.Check(got, DeepEquals, Settings{
		Project:        "my-proj",
		Zone:           "us-central2-b",
		ServiceAccount: "sa@my-proj.iam.gserviceaccount.com",
		Bucket:         "my-bucket",
	})
}

func (s *configSuite) TestLoadMissingFile(c *C) {
	got, err := Load(filepath.Join(c.MkDir(), "absent.yaml"))
	c.Assert(err, IsNil)
	c.Check(got, DeepEquals, Settings{})
}

func (s *configSuite) TestLoadEmptyPath(c *C) {
	got, err := Load("")
	c.Assert(err, IsNil)
	c.Check(got, DeepEquals, Settings{})
}

func (s *configSuite) TestLoadUnknownKey(c *C) {
	path := filepath.Join(c.MkDir(), "settings.yaml")
	c.Assert(os.WriteFile(path, []byte("projcet: typo\n"), 0o644), IsNil)

	_, err := Load(path)
	c.Check(err, NotNil)
}

func (s *configSuite) TestFromGcloud(c *C) {
	runner := &scriptedRunner{results: map[string]shell.Result{
		"gcloud config get-value project":      {Stdout: "gcloud-proj\n"},
		"gcloud config get-value compute/zone": {Stdout: "(unset)\n"},
	}}

	got := FromGcloud(context.Background(), runner)
	c.Check(got.Project, Equals, "gcloud-proj")
	c.Check(got.Zone, Equals, "")
	c.Check(runner.calls, HasLen, 2)
}

func (s *configSuite) TestMerge(c *C) {
	flags := Settings{Project: "from-flags"}
	file := Settings{Project: "from-file", Zone: "us-central2-b", Cluster: "c1", Reservation: "tpu-res"}

	got := flags.Merge(file)
	c.Check(got.Project, Equals, "from-flags")
	c.Check(got.Zone, Equals, "us-central2-b")
	c.Check(got.Cluster, Equals, "c1")
	c.Check(got.Reservation, Equals, "tpu-res")
}

func (s *configSuite) TestSchedulingTier(c *C) {
	old, had := os.LookupEnv(tierEnv)
	defer func() {
		if had {
			os.Setenv(tierEnv, old)
		} else {
			os.Unsetenv(tierEnv)
		}
	}()

	os.Unsetenv(tierEnv)
	c.Check(SchedulingTier(), Equals, "")

	os.Setenv(tierEnv, TierReserved)
	c.Check(SchedulingTier(), Equals, "0")
}

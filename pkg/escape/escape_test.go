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

package escape

import (
	"errors"
	"strings"
	"testing"
)

func TestQuotePOSIX(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"empty", "", "''"},
		{"safe word", "simple", "simple"},
		{"safe path", "path/to/file.txt", "path/to/file.txt"},
		{"space", "hello world", "'hello world'"},
		{"single quote", "don't", `'don'"'"'t'`},
		{"shell metachars", "a;b|c", "'a;b|c'"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := QuotePOSIX(tc.in); got != tc.want {
				t.Errorf("QuotePOSIX(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestForRemoteCommand(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", "echo hello", "'echo hello'"},
		{"dollar escaped", "echo $HOME", `'echo \$HOME'`},
		{"double quotes escaped", `echo "hi"`, `'echo \"hi\"'`},
		{"both layers", `echo "$HOME"`, `'echo \"\$HOME\"'`},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if got := ForRemoteCommand(tc.in); got != tc.want {
				t.Errorf("ForRemoteCommand(%q) = %q, want %q", tc.in, got, tc.want)
			}
		})
	}
}

func TestSudoWrappers(t *testing.T) {
	if got, want := Sudo("'x'"), "sudo bash -c 'x'"; got != want {
		t.Errorf("Sudo = %q, want %q", got, want)
	}
	if got, want := LoginSudo("'x'"), "sudo -i bash -c 'x'"; got != want {
		t.Errorf("LoginSudo = %q, want %q", got, want)
	}
}

func TestDetachedSession(t *testing.T) {
	got, err := DetachedSession("train", "sudo bash -c 'x'")
	if err != nil {
		t.Fatalf("DetachedSession: unexpected error %v", err)
	}
	if want := "sudo screen -dmS train sudo bash -c 'x'"; got != want {
		t.Errorf("DetachedSession = %q, want %q", got, want)
	}
}

func TestDetachedSessionNameLimit(t *testing.T) {
	atLimit := strings.Repeat("a", MaxSessionNameLength)
	if _, err := DetachedSession(atLimit, "cmd"); err != nil {
		t.Errorf("name of %d characters should be accepted: %v", MaxSessionNameLength, err)
	}

	over := atLimit + "a"
	_, err := DetachedSession(over, "cmd")
	if !errors.Is(err, ErrSessionNameTooLong) {
		t.Errorf("name of %d characters: got error %v, want ErrSessionNameTooLong", len(over), err)
	}
}

func TestDockerRun(t *testing.T) {
	got := DockerRun("echo hi", DockerRunOptions{
		Image:           "gcr.io/proj/img:tag",
		DetachedSession: "run1",
		Env:             []string{"FOO", "BAR"},
		Volumes:         map[string]string{"/c": "/d", "/a": "/b"},
		ExtraFlags:      []string{"--shm-size=1g"},
		WorkDir:         "/root",
	})
	want := "docker run --rm --privileged -u root --network=host" +
		" -d --name=run1 -e FOO -e BAR -v /a:/b -v /c:/d --shm-size=1g" +
		" gcr.io/proj/img:tag /bin/bash -c 'pushd /root && echo hi'"
	if got != want {
		t.Errorf("DockerRun = %q, want %q", got, want)
	}
}

func TestDockerRunMinimal(t *testing.T) {
	got := DockerRun("ls", DockerRunOptions{Image: "img"})
	want := "docker run --rm --privileged -u root --network=host img /bin/bash -c ls"
	if got != want {
		t.Errorf("DockerRun = %q, want %q", got, want)
	}
}

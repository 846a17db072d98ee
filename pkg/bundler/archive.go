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

package bundler

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/moby/patternmatcher"
	"github.com/moby/patternmatcher/ignorefile"
	"github.com/spf13/afero"

	"tpu-toolkit/pkg/logging"
)

// defaultIgnorePatterns are excluded from every bundle regardless of the
// workspace's .dockerignore.
var defaultIgnorePatterns = []string{".git"}

// readIgnorePatterns builds the exclusion matcher for a workspace from the
// defaults, extra patterns, and the workspace's .dockerignore if present.
func readIgnorePatterns(fsys afero.Fs, dir string, extra []string) (*patternmatcher.PatternMatcher, error) {
	patterns := make([]string, 0, len(defaultIgnorePatterns)+len(extra))
	patterns = append(patterns, defaultIgnorePatterns...)
	patterns = append(patterns, extra...)

	ignorePath := filepath.Join(dir, ".dockerignore")
	file, err := fsys.Open(ignorePath)
	if err == nil {
		defer file.Close()
		filePatterns, err := ignorefile.ReadAll(file)
		if err != nil {
			return nil, fmt.Errorf("reading %s: %w", ignorePath, err)
		}
		patterns = append(patterns, filePatterns...)
		logging.Info("Found %d patterns in %s", len(filePatterns), ignorePath)
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("opening %s: %w", ignorePath, err)
	}

	matcher, err := patternmatcher.New(patterns)
	if err != nil {
		return nil, fmt.Errorf("building ignore matcher: %w", err)
	}
	return matcher, nil
}

// writeFilteredArchive packages sourceDir into a gzipped tarball at a
// temporary path on fsys, skipping everything the matcher excludes. The
// caller removes the returned file.
func writeFilteredArchive(fsys afero.Fs, sourceDir string, matcher *patternmatcher.PatternMatcher) (string, error) {
	tmpFile, err := afero.TempFile(fsys, "", "tlaunch-bundle-*.tar.gz")
	if err != nil {
		return "", fmt.Errorf("creating temporary bundle file: %w", err)
	}
	defer tmpFile.Close()

	gzipWriter := gzip.NewWriter(tmpFile)
	tarWriter := tar.NewWriter(gzipWriter)

	walkErr := afero.Walk(fsys, sourceDir, func(path string, info fs.FileInfo, err error) error {
		return writeArchiveEntry(fsys, tarWriter, sourceDir, matcher, path, info, err)
	})
	if closeErr := tarWriter.Close(); walkErr == nil {
		walkErr = closeErr
	}
	if closeErr := gzipWriter.Close(); walkErr == nil {
		walkErr = closeErr
	}
	if walkErr != nil {
		fsys.Remove(tmpFile.Name())
		return "", walkErr
	}
	return tmpFile.Name(), nil
}

func writeArchiveEntry(fsys afero.Fs, tarWriter *tar.Writer, sourceDir string, matcher *patternmatcher.PatternMatcher, path string, info fs.FileInfo, errFromWalk error) error {
	if errFromWalk != nil {
		return errFromWalk
	}
	relPath, err := filepath.Rel(sourceDir, path)
	if err != nil {
		return fmt.Errorf("relativizing %q: %w", path, err)
	}
	if relPath == "." {
		return nil
	}

	// Directories must carry a trailing slash for pattern matching.
	relPathSlash := filepath.ToSlash(relPath)
	if info.IsDir() && !strings.HasSuffix(relPathSlash, "/") {
		relPathSlash += "/"
	}
	ignored, err := matcher.MatchesOrParentMatches(relPathSlash)
	if err != nil {
		return fmt.Errorf("matching %q against ignore patterns: %w", path, err)
	}
	if ignored {
		if info.IsDir() {
			return filepath.SkipDir
		}
		return nil
	}

	header, err := tar.FileInfoHeader(info, relPath)
	if err != nil {
		return fmt.Errorf("creating tar header for %q: %w", path, err)
	}
	header.Name = filepath.ToSlash(relPath)
	if err := tarWriter.WriteHeader(header); err != nil {
		return fmt.Errorf("writing tar header for %q: %w", path, err)
	}

	if info.Mode().IsRegular() {
		file, err := fsys.Open(path)
		if err != nil {
			return fmt.Errorf("opening %q: %w", path, err)
		}
		defer file.Close()
		if _, err := io.Copy(tarWriter, file); err != nil {
			return fmt.Errorf("archiving %q: %w", path, err)
		}
	}
	return nil
}

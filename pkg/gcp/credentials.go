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

package gcp

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	"google.golang.org/api/impersonate"
)

// DefaultScopes are the OAuth scopes requested for control plane calls.
var DefaultScopes = []string{"https://www.googleapis.com/auth/cloud-platform"}

// TokenSource returns short-lived credentials for API calls. When
// serviceAccount is set the application-default identity impersonates it;
// otherwise the application-default credentials are used directly.
func TokenSource(ctx context.Context, serviceAccount string, scopes ...string) (oauth2.TokenSource, error) {
	if len(scopes) == 0 {
		scopes = DefaultScopes
	}
	if serviceAccount == "" {
		creds, err := google.FindDefaultCredentials(ctx, scopes...)
		if err != nil {
			return nil, errors.Wrap(err, "resolving application default credentials")
		}
		return creds.TokenSource, nil
	}
	ts, err := impersonate.CredentialsTokenSource(ctx, impersonate.CredentialsConfig{
		TargetPrincipal: serviceAccount,
		Scopes:          scopes,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "impersonating service account %s", serviceAccount)
	}
	return ts, nil
}

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

// Package gcp talks to the Google Cloud control plane: TPU node state,
// credentials, VM metadata, and the ssh-agent that gcloud ssh relies on.
package gcp

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	tpu "google.golang.org/api/tpu/v2alpha1"
)

// Endpoint is one worker VM's network endpoint within a TPU node.
type Endpoint struct {
	InternalIP string
	ExternalIP string
}

// NodeInfo is the subset of TPU node state the launcher inspects.
type NodeInfo struct {
	Name      string
	State     string
	Endpoints []Endpoint
}

// HasExternalEndpoint reports whether any worker VM carries a public IP.
// Nodes without one are only reachable through an IAP tunnel.
func (n *NodeInfo) HasExternalEndpoint() bool {
	for _, ep := range n.Endpoints {
		if ep.ExternalIP != "" {
			return true
		}
	}
	return false
}

// NotFoundError reports a TPU node or queued resource that does not exist.
type NotFoundError struct {
	Name string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("TPU resource %q not found", e.Name)
}

// NodeGetter is the node lookup the reachability probe depends on.
type NodeGetter interface {
	// Node fetches a provisioned single-slice TPU node.
	Node(ctx context.Context, project, zone, name string) (*NodeInfo, error)
	// QueuedResourceNode fetches the first node of a queued multi-slice
	// resource. All slices of one resource share network configuration.
	QueuedResourceNode(ctx context.Context, project, zone, name string) (*NodeInfo, error)
}

// Client wraps the TPU control plane API.
type Client struct {
	svc *tpu.Service
}

// NewClient builds a TPU API client. Pass option.WithTokenSource to run as a
// specific identity.
func NewClient(ctx context.Context, opts ...option.ClientOption) (*Client, error) {
	svc, err := tpu.NewService(ctx, opts...)
	if err != nil {
		return nil, errors.Wrap(err, "creating TPU API client")
	}
	return &Client{svc: svc}, nil
}

// NewClientWithTokenSource builds a TPU API client running as ts.
func NewClientWithTokenSource(ctx context.Context, ts oauth2.TokenSource) (*Client, error) {
	return NewClient(ctx, option.WithTokenSource(ts))
}

func nodePath(project, zone, name string) string {
	return fmt.Sprintf("projects/%s/locations/%s/nodes/%s", project, zone, name)
}

func queuedResourcePath(project, zone, name string) string {
	return fmt.Sprintf("projects/%s/locations/%s/queuedResources/%s", project, zone, name)
}

// Node implements NodeGetter.
func (c *Client) Node(ctx context.Context, project, zone, name string) (*NodeInfo, error) {
	node, err := c.svc.Projects.Locations.Nodes.Get(nodePath(project, zone, name)).Context(ctx).Do()
	if err != nil {
		if isStatusNotFound(err) {
			return nil, &NotFoundError{Name: name}
		}
		return nil, errors.Wrapf(err, "fetching TPU node %s", name)
	}
	return nodeInfo(node), nil
}

// QueuedResourceNode implements NodeGetter.
func (c *Client) QueuedResourceNode(ctx context.Context, project, zone, name string) (*NodeInfo, error) {
	qr, err := c.svc.Projects.Locations.QueuedResources.Get(queuedResourcePath(project, zone, name)).Context(ctx).Do()
	if err != nil {
		if isStatusNotFound(err) {
			return nil, &NotFoundError{Name: name}
		}
		return nil, errors.Wrapf(err, "fetching queued resource %s", name)
	}
	if qr.Tpu == nil || len(qr.Tpu.NodeSpec) == 0 {
		return nil, errors.Errorf("queued resource %s has no node specs", name)
	}
	return c.Node(ctx, project, zone, qr.Tpu.NodeSpec[0].NodeId)
}

func nodeInfo(node *tpu.Node) *NodeInfo {
	info := &NodeInfo{
		Name:  node.Name,
		State: node.State,
	}
	for _, ep := range node.NetworkEndpoints {
		e := Endpoint{InternalIP: ep.IpAddress}
		if ep.AccessConfig != nil {
			e.ExternalIP = ep.AccessConfig.ExternalIp
		}
		info.Endpoints = append(info.Endpoints, e)
	}
	return info
}

func isStatusNotFound(err error) bool {
	var apiErr *googleapi.Error
	return errors.As(err, &apiErr) && apiErr.Code == 404
}

// IsNotFound reports whether err indicates a missing TPU resource.
func IsNotFound(err error) bool {
	var nfe *NotFoundError
	return errors.As(err, &nfe)
}

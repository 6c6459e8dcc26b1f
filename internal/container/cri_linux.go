//go:build linux

package container

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	runtimeapi "k8s.io/cri-api/pkg/apis/runtime/v1"
)

// DefaultCRIEndpoint is the containerd CRI socket.
const DefaultCRIEndpoint = "unix:///run/containerd/containerd.sock"

// criLookupTimeout bounds a single metadata RPC so a wedged runtime cannot
// stall the resolver stage.
const criLookupTimeout = 500 * time.Millisecond

// Kubernetes pod labels set by the kubelet on CRI containers.
const (
	labelPodName      = "io.kubernetes.pod.name"
	labelPodNamespace = "io.kubernetes.pod.namespace"
)

// CRIClient resolves container metadata through the CRI runtime service.
type CRIClient struct {
	conn    *grpc.ClientConn
	runtime runtimeapi.RuntimeServiceClient
}

// DialCRI connects to a CRI endpoint ("unix:///..."). The connection is
// lazy; a dead socket surfaces on the first lookup, which the resolver
// treats as a miss.
func DialCRI(endpoint string) (*CRIClient, error) {
	conn, err := grpc.NewClient(endpoint,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		return nil, fmt.Errorf("dial CRI %s: %w", endpoint, err)
	}
	return &CRIClient{
		conn:    conn,
		runtime: runtimeapi.NewRuntimeServiceClient(conn),
	}, nil
}

// ContainerMetadata implements MetadataClient via ContainerStatus.
func (c *CRIClient) ContainerMetadata(ctx context.Context, containerID string) (Metadata, error) {
	ctx, cancel := context.WithTimeout(ctx, criLookupTimeout)
	defer cancel()

	resp, err := c.runtime.ContainerStatus(ctx, &runtimeapi.ContainerStatusRequest{
		ContainerId: containerID,
	})
	if err != nil {
		return Metadata{}, fmt.Errorf("container status %s: %w", containerID, err)
	}

	st := resp.GetStatus()
	md := Metadata{
		Image:     st.GetImage().GetImage(),
		Pod:       st.GetLabels()[labelPodName],
		Namespace: st.GetLabels()[labelPodNamespace],
	}
	return md, nil
}

// Close tears the connection down.
func (c *CRIClient) Close() error { return c.conn.Close() }

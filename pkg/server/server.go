/*
Copyright 2025 The Kubernetes Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package server adapts the scaling controller to the cluster autoscaler's
// externalgrpc protocol. It is a thin translation layer: typed records in,
// protobuf out, internal errors mapped onto the gRPC status taxonomy.
package server

import (
	"context"
	"net"

	"github.com/go-logr/logr"
	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/anypb"

	"k8s.io/autoscaler/cluster-autoscaler/cloudprovider/externalgrpc/protos"

	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/cloudprovider"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/providers/kube"
	"github.com/sergelogvinov/autoscaler-provider-proxmox/pkg/store"
)

// Server exposes the CloudProvider over gRPC.
type Server struct {
	protos.UnimplementedCloudProviderServer

	provider *cloudprovider.CloudProvider
	template *TemplateBuilder

	logger logr.Logger
}

// New wraps the scaling controller into the externalgrpc service.
func New(provider *cloudprovider.CloudProvider, template *TemplateBuilder, logger logr.Logger) *Server {
	return &Server{
		provider: provider,
		template: template,
		logger:   logger.WithName("server"),
	}
}

// Serve listens on addr and blocks until ctx is done.
func (s *Server) Serve(ctx context.Context, addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "unable to listen on %s", addr)
	}

	grpcServer := grpc.NewServer()
	protos.RegisterCloudProviderServer(grpcServer, s)

	go func() {
		<-ctx.Done()
		grpcServer.GracefulStop()
	}()

	s.logger.Info("Serving externalgrpc provider", "address", addr)

	return grpcServer.Serve(listener)
}

// mapError translates the internal error taxonomy onto gRPC status codes.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, cloudprovider.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, cloudprovider.ErrOutOfRange):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, kube.ErrNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, store.ErrConcurrentUpdate), errors.Is(err, store.ErrStaleState):
		// Retried internally; surfacing one means the retries ran out.
		return status.Error(codes.Aborted, err.Error())
	default:
		return status.Error(codes.Unavailable, err.Error())
	}
}

func externalNode(node *protos.ExternalGrpcNode) cloudprovider.ExternalNode {
	if node == nil {
		return cloudprovider.ExternalNode{}
	}

	return cloudprovider.ExternalNode{
		Name:       node.GetName(),
		ProviderID: node.GetProviderID(),
		Labels:     node.GetLabels(),
	}
}

// NodeGroups returns all configured node groups.
func (s *Server) NodeGroups(_ context.Context, _ *protos.NodeGroupsRequest) (*protos.NodeGroupsResponse, error) {
	groups := s.provider.NodeGroups()

	out := make([]*protos.NodeGroup, 0, len(groups))
	for _, group := range groups {
		out = append(out, &protos.NodeGroup{
			Id:      group.ID,
			MinSize: int32(group.MinSize), //nolint: gosec
			MaxSize: int32(group.MaxSize), //nolint: gosec
			Debug:   group.Debug,
		})
	}

	return &protos.NodeGroupsResponse{NodeGroups: out}, nil
}

// NodeGroupForNode resolves the group of a node; an empty id means the node
// is not managed by this provider.
func (s *Server) NodeGroupForNode(ctx context.Context, req *protos.NodeGroupForNodeRequest) (*protos.NodeGroupForNodeResponse, error) {
	groupID, err := s.provider.NodeGroupForNode(ctx, externalNode(req.GetNode()))
	if err != nil {
		return nil, mapError(err)
	}

	if groupID == "" {
		return &protos.NodeGroupForNodeResponse{NodeGroup: &protos.NodeGroup{Id: ""}}, nil
	}

	for _, group := range s.provider.NodeGroups() {
		if group.ID == groupID {
			return &protos.NodeGroupForNodeResponse{NodeGroup: &protos.NodeGroup{
				Id:      group.ID,
				MinSize: int32(group.MinSize), //nolint: gosec
				MaxSize: int32(group.MaxSize), //nolint: gosec
			}}, nil
		}
	}

	return &protos.NodeGroupForNodeResponse{NodeGroup: &protos.NodeGroup{Id: ""}}, nil
}

// NodeGroupTargetSize returns the desired size of a group.
func (s *Server) NodeGroupTargetSize(_ context.Context, req *protos.NodeGroupTargetSizeRequest) (*protos.NodeGroupTargetSizeResponse, error) {
	size, err := s.provider.TargetSize(req.GetId())
	if err != nil {
		return nil, mapError(err)
	}

	return &protos.NodeGroupTargetSizeResponse{TargetSize: int32(size)}, nil //nolint: gosec
}

// NodeGroupIncreaseSize grows a group's desired size.
func (s *Server) NodeGroupIncreaseSize(_ context.Context, req *protos.NodeGroupIncreaseSizeRequest) (*protos.NodeGroupIncreaseSizeResponse, error) {
	if err := s.provider.IncreaseSize(req.GetId(), int(req.GetDelta())); err != nil {
		return nil, mapError(err)
	}

	return &protos.NodeGroupIncreaseSizeResponse{}, nil
}

// NodeGroupDecreaseTargetSize shrinks headroom without touching live nodes.
func (s *Server) NodeGroupDecreaseTargetSize(_ context.Context, req *protos.NodeGroupDecreaseTargetSizeRequest) (*protos.NodeGroupDecreaseTargetSizeResponse, error) {
	if err := s.provider.DecreaseTargetSize(req.GetId(), int(req.GetDelta())); err != nil {
		return nil, mapError(err)
	}

	return &protos.NodeGroupDecreaseTargetSizeResponse{}, nil
}

// NodeGroupDeleteNodes deletes specific nodes and lowers the target size.
func (s *Server) NodeGroupDeleteNodes(ctx context.Context, req *protos.NodeGroupDeleteNodesRequest) (*protos.NodeGroupDeleteNodesResponse, error) {
	nodes := make([]cloudprovider.ExternalNode, 0, len(req.GetNodes()))
	for _, node := range req.GetNodes() {
		nodes = append(nodes, externalNode(node))
	}

	if err := s.provider.DeleteNodes(ctx, req.GetId(), nodes); err != nil {
		return nil, mapError(err)
	}

	return &protos.NodeGroupDeleteNodesResponse{}, nil
}

// NodeGroupNodes lists the live instances of a group.
func (s *Server) NodeGroupNodes(_ context.Context, req *protos.NodeGroupNodesRequest) (*protos.NodeGroupNodesResponse, error) {
	instances, err := s.provider.Nodes(req.GetId())
	if err != nil {
		return nil, mapError(err)
	}

	out := make([]*protos.Instance, 0, len(instances))

	for _, instance := range instances {
		state := protos.InstanceStatus_unspecified

		switch instance.State {
		case cloudprovider.InstanceCreating:
			state = protos.InstanceStatus_instanceCreating
		case cloudprovider.InstanceRunning:
			state = protos.InstanceStatus_instanceRunning
		case cloudprovider.InstanceDeleting:
			state = protos.InstanceStatus_instanceDeleting
		}

		out = append(out, &protos.Instance{
			Id:     instance.ProviderID,
			Status: &protos.InstanceStatus{InstanceState: state},
		})
	}

	return &protos.NodeGroupNodesResponse{Instances: out}, nil
}

// NodeGroupTemplateNodeInfo builds the hypothetical node of a group.
func (s *Server) NodeGroupTemplateNodeInfo(ctx context.Context, req *protos.NodeGroupTemplateNodeInfoRequest) (*protos.NodeGroupTemplateNodeInfoResponse, error) {
	node, err := s.template.TemplateNode(ctx, req.GetId())
	if err != nil {
		return nil, mapError(err)
	}

	return &protos.NodeGroupTemplateNodeInfoResponse{NodeInfo: node}, nil
}

// GPULabel returns the GPU label; Proxmox groups carry none.
func (s *Server) GPULabel(_ context.Context, _ *protos.GPULabelRequest) (*protos.GPULabelResponse, error) {
	return &protos.GPULabelResponse{Label: ""}, nil
}

// GetAvailableGPUTypes returns the supported GPU types; none.
func (s *Server) GetAvailableGPUTypes(_ context.Context, _ *protos.GetAvailableGPUTypesRequest) (*protos.GetAvailableGPUTypesResponse, error) {
	return &protos.GetAvailableGPUTypesResponse{GpuTypes: map[string]*anypb.Any{}}, nil
}

// NodeGroupGetOptions echoes the autoscaler's defaults.
func (s *Server) NodeGroupGetOptions(_ context.Context, req *protos.NodeGroupAutoscalingOptionsRequest) (*protos.NodeGroupAutoscalingOptionsResponse, error) {
	if _, err := s.provider.TargetSize(req.GetId()); err != nil {
		return nil, mapError(err)
	}

	return &protos.NodeGroupAutoscalingOptionsResponse{NodeGroupAutoscalingOptions: req.GetDefaults()}, nil
}

// Refresh is a no-op; the reconciler is autonomous.
func (s *Server) Refresh(_ context.Context, _ *protos.RefreshRequest) (*protos.RefreshResponse, error) {
	if err := s.provider.Refresh(); err != nil {
		return nil, mapError(err)
	}

	return &protos.RefreshResponse{}, nil
}

// Cleanup stops the reconciler ahead of shutdown.
func (s *Server) Cleanup(_ context.Context, _ *protos.CleanupRequest) (*protos.CleanupResponse, error) {
	if err := s.provider.Cleanup(); err != nil {
		return nil, mapError(err)
	}

	return &protos.CleanupResponse{}, nil
}

package control

import (
	"context"

	"github.com/core-tools/hsu-supervisor/pkg/domain"
	"github.com/core-tools/hsu-supervisor/pkg/logging"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

func RegisterGRPCServerHandler(grpcServerRegistrar grpc.ServiceRegistrar, handler domain.Contract, logger logging.Logger) {
	grpcServerRegistrar.RegisterService(&serviceDesc, &grpcServerHandler{
		handler: handler,
		logger:  logger,
	})
}

type grpcServerHandler struct {
	handler domain.Contract
	logger  logging.Logger
}

// Command errors travel inside the response so that the caller still gets the
// status observed after the command. Only encoding failures become gRPC errors.

func (h *grpcServerHandler) Start(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	status, err := h.handler.Start(ctx)
	if err != nil {
		h.logger.Warnf("Start server handler: %v", err)
	} else {
		h.logger.Debugf("Start server handler done")
	}
	return encodeResponse(status, err)
}

func (h *grpcServerHandler) Stop(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	status, err := h.handler.Stop(ctx)
	if err != nil {
		h.logger.Warnf("Stop server handler: %v", err)
	} else {
		h.logger.Debugf("Stop server handler done")
	}
	return encodeResponse(status, err)
}

func (h *grpcServerHandler) Restart(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	status, err := h.handler.Restart(ctx)
	if err != nil {
		h.logger.Warnf("Restart server handler: %v", err)
	} else {
		h.logger.Debugf("Restart server handler done")
	}
	return encodeResponse(status, err)
}

func (h *grpcServerHandler) Status(ctx context.Context, _ *emptypb.Empty) (*structpb.Struct, error) {
	status, err := h.handler.Status(ctx)
	if err != nil {
		h.logger.Errorf("Status server handler: %v", err)
	} else {
		h.logger.Debugf("Status server handler done")
	}
	return encodeResponse(status, err)
}

package control

import (
	"context"

	"github.com/core-tools/hsu-supervisor/pkg/domain"
	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/supervisor"

	"google.golang.org/grpc"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
)

func NewGRPCClientGateway(grpcClientConnection grpc.ClientConnInterface, logger logging.Logger) domain.Contract {
	return &grpcClientGateway{
		grpcClientConnection: grpcClientConnection,
		logger:               logger,
	}
}

type grpcClientGateway struct {
	grpcClientConnection grpc.ClientConnInterface
	logger               logging.Logger
}

func (gw *grpcClientGateway) Start(ctx context.Context) (supervisor.Status, error) {
	return gw.invoke(ctx, methodStart)
}

func (gw *grpcClientGateway) Stop(ctx context.Context) (supervisor.Status, error) {
	return gw.invoke(ctx, methodStop)
}

func (gw *grpcClientGateway) Restart(ctx context.Context) (supervisor.Status, error) {
	return gw.invoke(ctx, methodRestart)
}

func (gw *grpcClientGateway) Status(ctx context.Context) (supervisor.Status, error) {
	return gw.invoke(ctx, methodStatus)
}

func (gw *grpcClientGateway) invoke(ctx context.Context, method string) (supervisor.Status, error) {
	response := &structpb.Struct{}
	if err := gw.grpcClientConnection.Invoke(ctx, fullMethod(method), &emptypb.Empty{}, response); err != nil {
		gw.logger.Errorf("%s client gateway: %v", method, err)
		return supervisor.Status{}, errors.NewNetworkError("control call failed", err).WithContext("method", method)
	}

	status, err := decodeResponse(response)
	if err != nil {
		gw.logger.Debugf("%s client gateway, command error: %v", method, err)
		return status, err
	}

	gw.logger.Debugf("%s client gateway done", method)
	return status, nil
}

package domain

import (
	"context"

	"github.com/core-tools/hsu-supervisor/pkg/supervisor"
)

// Contract is the control surface of a running supervisor, served over gRPC
// and consumed by supervisorctl. Every method returns the status observed after
// the command was handled, even when it failed.
type Contract interface {
	Start(ctx context.Context) (supervisor.Status, error)
	Stop(ctx context.Context) (supervisor.Status, error)
	Restart(ctx context.Context) (supervisor.Status, error)
	Status(ctx context.Context) (supervisor.Status, error)
}

package daemon

import (
	"context"

	"github.com/core-tools/hsu-supervisor/pkg/domain"
	"github.com/core-tools/hsu-supervisor/pkg/logging"
	"github.com/core-tools/hsu-supervisor/pkg/supervisor"
)

// NewSupervisorHandler exposes a supervisor through the control contract
func NewSupervisorHandler(sup *supervisor.Supervisor, logger logging.Logger) domain.Contract {
	return &supervisorHandler{
		supervisor: sup,
		logger:     logger,
	}
}

type supervisorHandler struct {
	supervisor *supervisor.Supervisor
	logger     logging.Logger
}

func (h *supervisorHandler) Start(ctx context.Context) (supervisor.Status, error) {
	h.logger.Infof("Control request: start, id: %s", h.supervisor.ID())
	return h.supervisor.Start(ctx)
}

func (h *supervisorHandler) Stop(ctx context.Context) (supervisor.Status, error) {
	h.logger.Infof("Control request: stop, id: %s", h.supervisor.ID())
	return h.supervisor.Stop(ctx)
}

func (h *supervisorHandler) Restart(ctx context.Context) (supervisor.Status, error) {
	h.logger.Infof("Control request: restart, id: %s", h.supervisor.ID())
	return h.supervisor.Restart(ctx)
}

func (h *supervisorHandler) Status(ctx context.Context) (supervisor.Status, error) {
	return h.supervisor.Status(), nil
}

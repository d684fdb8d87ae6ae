package control

import (
	stderrors "errors"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/core-tools/hsu-supervisor/pkg/errors"
	"github.com/core-tools/hsu-supervisor/pkg/monitoring"
	"github.com/core-tools/hsu-supervisor/pkg/process"
	"github.com/core-tools/hsu-supervisor/pkg/supervisor"
)

const (
	fieldID            = "id"
	fieldState         = "state"
	fieldPID           = "pid"
	fieldInvocationID  = "invocation_id"
	fieldStartedAt     = "started_at"
	fieldLastExit      = "last_exit"
	fieldRestartCount  = "restart_count"
	fieldForcedKill    = "forced_kill"
	fieldHealth        = "health"
	fieldLastError     = "last_error"
	fieldLastErrorType = "last_error_type"
	fieldErrorType     = "error_type"
	fieldError         = "error"

	fieldExitCode     = "code"
	fieldExitSignal   = "signal"
	fieldExitError    = "error"
	fieldExitExitedAt = "exited_at"
)

// encodeResponse packs a status and the command error, if any, into a response message
func encodeResponse(status supervisor.Status, cmdErr error) (*structpb.Struct, error) {
	fields := map[string]interface{}{
		fieldID:           status.ID,
		fieldState:        string(status.State),
		fieldPID:          status.PID,
		fieldRestartCount: status.RestartCount,
		fieldForcedKill:   status.ForcedKill,
	}
	if status.InvocationID != "" {
		fields[fieldInvocationID] = status.InvocationID
	}
	if status.StartedAt != nil {
		fields[fieldStartedAt] = formatTime(*status.StartedAt)
	}
	if status.LastExit != nil {
		fields[fieldLastExit] = map[string]interface{}{
			fieldExitCode:     status.LastExit.Code,
			fieldExitSignal:   status.LastExit.Signal,
			fieldExitError:    status.LastExit.Error,
			fieldExitExitedAt: formatTime(status.LastExit.ExitedAt),
		}
	}
	if status.Health != "" {
		fields[fieldHealth] = string(status.Health)
	}
	if status.LastError != "" {
		fields[fieldLastError] = status.LastError
		fields[fieldLastErrorType] = string(status.LastErrorType)
	}
	if cmdErr != nil {
		errorType, message := describeError(cmdErr)
		fields[fieldErrorType] = string(errorType)
		fields[fieldError] = message
	}

	response, err := structpb.NewStruct(fields)
	if err != nil {
		return nil, errors.NewInternalError("failed to encode status", err)
	}
	return response, nil
}

// decodeResponse is the inverse of encodeResponse. The returned error is the
// command error reported by the daemon, rebuilt as a DomainError of the same type.
func decodeResponse(response *structpb.Struct) (supervisor.Status, error) {
	fields := response.GetFields()

	status := supervisor.Status{
		ID:            fields[fieldID].GetStringValue(),
		State:         supervisor.State(fields[fieldState].GetStringValue()),
		PID:           int(fields[fieldPID].GetNumberValue()),
		InvocationID:  fields[fieldInvocationID].GetStringValue(),
		RestartCount:  int(fields[fieldRestartCount].GetNumberValue()),
		ForcedKill:    fields[fieldForcedKill].GetBoolValue(),
		Health:        monitoring.HealthCheckStatus(fields[fieldHealth].GetStringValue()),
		LastError:     fields[fieldLastError].GetStringValue(),
		LastErrorType: errors.ErrorType(fields[fieldLastErrorType].GetStringValue()),
	}

	if startedAt := parseTime(fields[fieldStartedAt].GetStringValue()); !startedAt.IsZero() {
		status.StartedAt = &startedAt
	}

	if lastExit := fields[fieldLastExit].GetStructValue(); lastExit != nil {
		exitFields := lastExit.GetFields()
		status.LastExit = &process.ExitStatus{
			Code:     int(exitFields[fieldExitCode].GetNumberValue()),
			Signal:   exitFields[fieldExitSignal].GetStringValue(),
			Error:    exitFields[fieldExitError].GetStringValue(),
			ExitedAt: parseTime(exitFields[fieldExitExitedAt].GetStringValue()),
		}
	}

	message := fields[fieldError].GetStringValue()
	errorType := errors.ErrorType(fields[fieldErrorType].GetStringValue())
	if message == "" && errorType == "" {
		return status, nil
	}
	if errorType == "" {
		errorType = errors.ErrorTypeInternal
	}
	return status, errors.NewDomainError(errorType, message, nil)
}

// describeError splits an error into its type and a message without the type prefix
func describeError(err error) (errors.ErrorType, string) {
	var domainErr *errors.DomainError
	if !stderrors.As(err, &domainErr) {
		return errors.ErrorTypeInternal, err.Error()
	}

	message := domainErr.Message
	if domainErr.Cause != nil {
		message += ": " + domainErr.Cause.Error()
	}
	return domainErr.Type, message
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(value string) time.Time {
	if value == "" {
		return time.Time{}
	}
	t, err := time.Parse(time.RFC3339Nano, value)
	if err != nil {
		return time.Time{}
	}
	return t
}

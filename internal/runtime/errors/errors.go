package errors

import sterrors "errors"

var (
	ErrConfigRequired     = sterrors.New("deviceflow: configuration is required")
	ErrLoggerRequired     = sterrors.New("deviceflow: logger is required")
	ErrNotConnected       = sterrors.New("deviceflow: not connected")
	ErrAlreadyRunning     = sterrors.New("deviceflow: agent is already running")
	ErrStopped            = sterrors.New("deviceflow: agent is stopped")
	ErrInvalidTransport   = sterrors.New("deviceflow: invalid transport configuration")
	ErrConnectionLost     = sterrors.New("deviceflow: connection lost")
	ErrCredentialsMissing = sterrors.New("deviceflow: device credentials are missing")
	ErrDeviceNotFound     = sterrors.New("deviceflow: device identity not found")
	ErrModuleRequired     = sterrors.New("deviceflow: module instance is required")
	ErrNoCapability       = sterrors.New("deviceflow: module implements no capability")
	ErrQueueFull          = sterrors.New("deviceflow: handler queue is full")
	ErrOperationBusy      = sterrors.New("deviceflow: operation already in progress")
)

// ConfigValidationError wraps the aggregated result of Config.Validate.
type ConfigValidationError struct {
	Err error
}

func (e ConfigValidationError) Error() string {
	return "deviceflow: invalid configuration: " + e.Err.Error()
}

func (e ConfigValidationError) Unwrap() error {
	return e.Err
}

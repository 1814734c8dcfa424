package session

import (
	"context"
	"fmt"
	"time"

	"github.com/conoscope-control/conoctl/internal/device"
	"github.com/conoscope-control/conoctl/internal/model"
)

// WaitSetup polls SetupStatus while the wheels are operating. It returns the
// last status once the wheels are Idle or Success. A wheel Error yields a
// Failed device error; running out of retries yields FailedMaxRetry.
func (s *Session) WaitSetup(ctx context.Context, interval time.Duration, retries int) (model.SetupStatus, error) {
	if retries <= 0 {
		retries = model.SetupRetryMax
	}

	for attempt := 0; attempt < retries; attempt++ {
		result, status, err := s.SetupStatus(ctx)
		if err != nil {
			return status, err
		}
		if err := device.AsError(device.CmdSetupStatus, result); err != nil {
			return status, err
		}

		switch status.Wheel {
		case model.WheelIdle, model.WheelSuccess:
			return status, nil
		case model.WheelError:
			return status, &device.DeviceError{
				Command: device.CmdSetupStatus,
				Code:    device.CodeFailed,
				Message: "wheel reported an error",
			}
		}

		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return status, ctx.Err()
		}
	}

	return model.SetupStatus{}, &device.DeviceError{
		Command: device.CmdSetupStatus,
		Code:    device.CodeFailedMaxRetry,
		Message: fmt.Sprintf("wheels still operating after %d polls", retries),
	}
}

package cmd

import (
	"context"
	"errors"

	"github.com/JakeFAU/sceneflow/internal/pipeline"
	"github.com/JakeFAU/sceneflow/internal/scene"
	"github.com/JakeFAU/sceneflow/internal/transport"
)

// Process exit codes.
const (
	ExitOK             = 0
	ExitFailure        = 1
	ExitUsage          = 2
	ExitAuthentication = 3
	ExitRemoteRequest  = 4
	ExitPipeline       = 5
	ExitNoScenes       = 6
	ExitTransport      = 7
	ExitInterrupted    = 130
)

// usageError marks bad arguments or configuration.
type usageError struct{ err error }

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

// ExitCode maps a command error onto a process exit code. When several release
// failures are combined, the most actionable one wins: authentication first, then
// rejected requests, pipeline failures, and transport problems.
func ExitCode(err error) int {
	if err == nil {
		return ExitOK
	}
	var (
		usage    usageError
		authErr  *transport.AuthenticationError
		reqErr   *transport.RemoteRequestError
		failed   *pipeline.FailedError
		expired  *pipeline.PollTimeoutError
		transErr *transport.TransportError
	)
	switch {
	case errors.As(err, &usage):
		return ExitUsage
	case errors.As(err, &authErr):
		return ExitAuthentication
	case errors.As(err, &reqErr):
		return ExitRemoteRequest
	case errors.As(err, &failed), errors.As(err, &expired):
		return ExitPipeline
	case errors.Is(err, scene.ErrNoScenesAvailable):
		return ExitNoScenes
	case errors.Is(err, context.Canceled):
		return ExitInterrupted
	case errors.As(err, &transErr):
		return ExitTransport
	default:
		return ExitFailure
	}
}

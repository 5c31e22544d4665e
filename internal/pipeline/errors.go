package pipeline

import (
	"errors"
	"fmt"
	"time"
)

// ErrMissingPipelineID is returned when an initiate response carries no pipeline id.
var ErrMissingPipelineID = errors.New("initiate response missing pipelineId")

// FailedError reports that the remote pipeline finished with status FAILED.
type FailedError struct {
	Family     string
	PipelineID string
}

func (e *FailedError) Error() string {
	return fmt.Sprintf("an error occurred during processing %s pipeline %s", e.Family, e.PipelineID)
}

// PollTimeoutError reports that the poll budget ran out before the pipeline resolved.
type PollTimeoutError struct {
	Family     string
	PipelineID string
	Polls      int
	Waited     time.Duration
}

func (e *PollTimeoutError) Error() string {
	return fmt.Sprintf("%s pipeline %s unresolved after %d polls (%s)", e.Family, e.PipelineID, e.Polls, e.Waited)
}

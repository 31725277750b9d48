package loader

import (
	"context"
	"time"

	"github.com/google/uuid"

	"codeberg.org/depot-center/depot/internal/app"
	"codeberg.org/depot-center/depot/internal/plugin"
)

// JobKind selects the operation a job performs.
type JobKind int

const (
	JobGetUpdates JobKind = iota
	JobGetHistoricalUpdates
	JobGetInstalled
	JobGetSources
	JobInstall
	JobRemove
	JobRefine
	JobRefresh
	JobDownload
	JobFileToApp
)

func (k JobKind) String() string {
	switch k {
	case JobGetUpdates:
		return "get-updates"
	case JobGetHistoricalUpdates:
		return "get-historical-updates"
	case JobGetInstalled:
		return "get-installed"
	case JobGetSources:
		return "get-sources"
	case JobInstall:
		return "install"
	case JobRemove:
		return "remove"
	case JobRefine:
		return "refine"
	case JobRefresh:
		return "refresh"
	case JobDownload:
		return "download"
	case JobFileToApp:
		return "file-to-app"
	default:
		return "unknown"
	}
}

// JobRequest describes the work a caller wants done. Only the fields the
// kind needs have to be set.
type JobRequest struct {
	Kind JobKind

	// App is the target of install, remove and download jobs.
	App *app.App

	// List is the input of refine jobs.
	List *app.List

	// Flags selects the data categories list jobs refine.
	Flags plugin.RefineFlags

	// MaxAge bounds metadata cache staleness for refresh jobs.
	MaxAge time.Duration

	// Path is the input of file-to-app jobs.
	Path string

	// Interactive marks jobs triggered directly by the user, which
	// bypass metered download scheduling.
	Interactive bool
}

// Job is a queued operation with its own identity.
type Job struct {
	ID  string
	Req JobRequest

	ctx      context.Context
	resultCh chan JobResult

	// Set by prepare when the job queues its app for install, so the
	// loader can return the record to its pre-claim state afterwards.
	claimed      bool
	claimedState app.State
}

// JobResult is delivered once per job.
type JobResult struct {
	Job *Job

	// List carries the result records of listing jobs.
	List *app.List

	Err error
}

// newJob wraps a request with identity and a buffered result channel so
// the worker never blocks on delivery.
func newJob(ctx context.Context, req JobRequest) *Job {
	return &Job{
		ID:       uuid.NewString(),
		Req:      req,
		ctx:      ctx,
		resultCh: make(chan JobResult, 1),
	}
}

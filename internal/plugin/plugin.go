// Package plugin defines the contract between the loader and the backend
// plugins, the shared error taxonomy, and the ordering metadata used to
// sequence plugin execution.
package plugin

import (
	"context"
	"time"

	"codeberg.org/depot-center/depot/internal/app"
)

// RefineFlags is a bitmask of the data categories a refine job wants
// filled in. Plugins only act on the flags they own.
type RefineFlags uint64

const (
	RefineRating RefineFlags = 1 << iota
	RefineReviewRatings
	RefineReviews
	RefineUpdateDetails
	RefineVersion
	RefineSize
)

// Has reports whether any of the given flags are requested.
func (f RefineFlags) Has(flags RefineFlags) bool {
	return f&flags != 0
}

// Descriptor carries a plugin's ordering constraints and capability flags.
// RunAfter and RunBefore name other plugins and together form a partial
// order the registry resolves at setup time.
type Descriptor struct {
	Name      string
	RunAfter  []string
	RunBefore []string

	// NeedsNetwork marks plugins that cannot work offline.
	NeedsNetwork bool
}

// Plugin is the minimal surface every backend plugin implements. Optional
// capabilities are discovered by asserting the interfaces below.
type Plugin interface {
	Descriptor() Descriptor

	// Setup prepares the plugin. Returning an error with
	// CodeNotSupported disables the plugin instead of failing startup.
	Setup(ctx context.Context) error

	// Shutdown releases plugin resources.
	Shutdown()
}

// Refiner fills in requested data categories on a single app. The refine
// pipeline iterates the result list and applies the shared error policy;
// plugins only skip apps the category does not apply to and short-circuit
// when the data is already present.
type Refiner interface {
	Refine(ctx context.Context, a *app.App, flags RefineFlags) error
}

// UpdatesProvider contributes available updates to a result list.
type UpdatesProvider interface {
	AddUpdates(ctx context.Context, list *app.List) error
}

// HistoricalUpdatesProvider contributes results of past update attempts.
type HistoricalUpdatesProvider interface {
	AddHistoricalUpdates(ctx context.Context, list *app.List) error
}

// SourcesProvider contributes repository/source records.
type SourcesProvider interface {
	AddSources(ctx context.Context, list *app.List) error
}

// Installer installs an app this plugin manages. Plugins skip apps they
// do not manage by returning nil.
type Installer interface {
	Install(ctx context.Context, a *app.App) error
}

// Remover removes an app this plugin manages.
type Remover interface {
	Remove(ctx context.Context, a *app.App) error
}

// AppDownloader pre-downloads the artifacts needed to update an app.
// Non-interactive jobs are subject to metered-network scheduling.
type AppDownloader interface {
	Download(ctx context.Context, a *app.App, interactive bool) error
}

// Refresher re-syncs plugin metadata caches older than maxAge.
type Refresher interface {
	Refresh(ctx context.Context, maxAge time.Duration) error
}

// FileImporter converts a local file into application records.
type FileImporter interface {
	FileToApp(ctx context.Context, list *app.List, path string) error
}

// ReviewSubmitter submits and moderates user reviews.
type ReviewSubmitter interface {
	SubmitReview(ctx context.Context, a *app.App, review *app.Review) error
	VoteReview(ctx context.Context, review *app.Review, action string) error
}

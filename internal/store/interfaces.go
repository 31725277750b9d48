package store

import "context"

// AppStoreInterface is the installed-app persistence surface. It exists
// so consumers can be tested against a mock.
type AppStoreInterface interface {
	// GetAll returns all installed apps
	GetAll(ctx context.Context) ([]*InstalledApp, error)

	// GetByUniqueID returns an installed app, or nil when absent
	GetByUniqueID(ctx context.Context, uniqueID string) (*InstalledApp, error)

	// Upsert records an installation
	Upsert(ctx context.Context, record *InstalledApp) error

	// Delete removes an installed-app row
	Delete(ctx context.Context, uniqueID string) error

	// IsInstalled checks whether a unique ID has a row
	IsInstalled(ctx context.Context, uniqueID string) (bool, error)

	// SetOnChange sets a callback that fires when app state changes
	SetOnChange(fn func())
}

// Compile-time assertion that AppStore implements AppStoreInterface
var _ AppStoreInterface = (*AppStore)(nil)

// Package store persists installed-app records.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"codeberg.org/depot-center/depot/internal/app"
)

// InstalledApp is one installed-app row.
type InstalledApp struct {
	ID               int       `json:"id"`
	UniqueID         string    `json:"unique_id"`
	AppID            string    `json:"app_id"`
	Name             string    `json:"name"`
	Version          string    `json:"version"`
	State            string    `json:"state"`
	ManagementPlugin string    `json:"management_plugin"`
	InstalledAt      time.Time `json:"installed_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// AppStore manages installed apps in the database.
type AppStore struct {
	db       *sql.DB
	onChange func() // Called when app state changes
}

// NewAppStore creates a new app store.
func NewAppStore(db *sql.DB) *AppStore {
	return &AppStore{db: db}
}

// SetOnChange sets a callback that fires when app state changes.
func (s *AppStore) SetOnChange(fn func()) {
	s.onChange = fn
}

func (s *AppStore) notify() {
	if s.onChange != nil {
		s.onChange()
	}
}

// GetAll returns all installed apps.
func (s *AppStore) GetAll(ctx context.Context) ([]*InstalledApp, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, unique_id, app_id, name, version, state, management_plugin, installed_at, updated_at
		FROM apps
		ORDER BY unique_id
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query apps: %w", err)
	}
	defer rows.Close()

	apps := []*InstalledApp{}
	for rows.Next() {
		record, err := scanApp(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, record)
	}
	return apps, rows.Err()
}

// GetByUniqueID returns an installed app, or nil when absent.
func (s *AppStore) GetByUniqueID(ctx context.Context, uniqueID string) (*InstalledApp, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, unique_id, app_id, name, version, state, management_plugin, installed_at, updated_at
		FROM apps
		WHERE unique_id = $1
	`, uniqueID)

	record, err := scanApp(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get app: %w", err)
	}
	return record, nil
}

// Upsert records an installation, replacing any previous row for the
// same unique ID.
func (s *AppStore) Upsert(ctx context.Context, record *InstalledApp) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO apps (unique_id, app_id, name, version, state, management_plugin)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (unique_id) DO UPDATE SET
			name = excluded.name,
			version = excluded.version,
			state = excluded.state,
			management_plugin = excluded.management_plugin,
			updated_at = NOW()
	`, record.UniqueID, record.AppID, record.Name, record.Version,
		record.State, record.ManagementPlugin)
	if err != nil {
		return fmt.Errorf("failed to upsert app: %w", err)
	}

	s.notify()
	return nil
}

// Delete removes an installed-app row.
func (s *AppStore) Delete(ctx context.Context, uniqueID string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM apps WHERE unique_id = $1`, uniqueID)
	if err != nil {
		return fmt.Errorf("failed to delete app: %w", err)
	}

	rows, _ := result.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("app not found: %s", uniqueID)
	}

	s.notify()
	return nil
}

// IsInstalled checks whether a unique ID has a row.
func (s *AppStore) IsInstalled(ctx context.Context, uniqueID string) (bool, error) {
	var count int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM apps WHERE unique_id = $1`, uniqueID).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check if installed: %w", err)
	}
	return count > 0, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanApp(row scanner) (*InstalledApp, error) {
	var record InstalledApp
	err := row.Scan(
		&record.ID,
		&record.UniqueID,
		&record.AppID,
		&record.Name,
		&record.Version,
		&record.State,
		&record.ManagementPlugin,
		&record.InstalledAt,
		&record.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan app: %w", err)
	}
	return &record, nil
}

// Installed reconstructs application records from the stored rows.
func (s *AppStore) Installed(ctx context.Context) ([]*app.App, error) {
	records, err := s.GetAll(ctx)
	if err != nil {
		return nil, err
	}
	apps := make([]*app.App, 0, len(records))
	for _, record := range records {
		a := app.New(record.AppID)
		a.SetName(record.Name)
		a.SetVersion(record.Version)
		a.SetManagementPlugin(record.ManagementPlugin)
		a.ForceState(app.StateInstalled)
		apps = append(apps, a)
	}
	return apps, nil
}

// RecordInstall persists a freshly installed app.
func (s *AppStore) RecordInstall(ctx context.Context, a *app.App) error {
	version := a.UpdateVersion()
	if version == "" {
		version = a.Version()
	}
	return s.Upsert(ctx, &InstalledApp{
		UniqueID:         a.UniqueID(),
		AppID:            a.ID(),
		Name:             a.Name(),
		Version:          version,
		State:            a.State().String(),
		ManagementPlugin: a.ManagementPlugin(),
	})
}

// RecordRemoval drops the row for a removed app.
func (s *AppStore) RecordRemoval(ctx context.Context, uniqueID string) error {
	return s.Delete(ctx, uniqueID)
}

// Package fwupd turns firmware daemon device and release records into
// application records and drives firmware downloads and installs.
package fwupd

import (
	"context"
	"errors"
	"fmt"

	"codeberg.org/depot-center/depot/internal/plugin"
)

// DeviceIDAny asks the daemon to pick the device itself, used for
// historical results where only one pending record exists.
const DeviceIDAny = "*"

// InstallFlags modify a daemon install call.
type InstallFlags uint64

const (
	// InstallOffline stages the firmware for the next reboot instead
	// of flashing immediately.
	InstallOffline InstallFlags = 1 << iota
)

// Daemon is the firmware daemon RPC surface this plugin consumes.
// Implementations translate their transport errors into DaemonError so
// the plugin can convert them into the shared taxonomy in one place.
type Daemon interface {
	// Devices lists all devices the daemon knows about.
	Devices(ctx context.Context) ([]*Device, error)

	// Upgrades lists the releases newer than what the device runs,
	// newest first.
	Upgrades(ctx context.Context, deviceID string) ([]*Release, error)

	// DeviceByID fetches a single device record.
	DeviceByID(ctx context.Context, deviceID string) (*Device, error)

	// Install flashes the firmware archive at path onto the device.
	Install(ctx context.Context, deviceID, path string, flags InstallFlags) error

	// Unlock unlocks a locked device so it can be updated.
	Unlock(ctx context.Context, deviceID string) error

	// Results returns the outcome of the last update attempt.
	Results(ctx context.Context, deviceID string) (*Device, error)

	// Details inspects a local firmware archive and reports the
	// devices it targets.
	Details(ctx context.Context, path string) ([]*Device, error)

	// UpdateMetadata hands freshly downloaded remote metadata and its
	// detached signature to the daemon.
	UpdateMetadata(ctx context.Context, remoteID, metadataPath, signaturePath string) error

	// ModifyRemote changes a remote daemon setting such as Enabled.
	ModifyRemote(ctx context.Context, remoteID, key, value string) error

	// Notifications returns the daemon change stream. The channel is
	// closed when the daemon connection goes away.
	Notifications() <-chan Notification
}

// NotificationKind discriminates daemon change events.
type NotificationKind int

const (
	DeviceAdded NotificationKind = iota
	DeviceRemoved
	DeviceChanged
	ProgressChanged
	StatusChanged
)

// Status is what the daemon is currently doing.
type Status int

const (
	StatusIdle Status = iota
	StatusDecompressing
	StatusDeviceRestart
	StatusDeviceWrite
	StatusDeviceVerify
	StatusDownloading
)

func (s Status) String() string {
	switch s {
	case StatusDecompressing:
		return "decompressing"
	case StatusDeviceRestart:
		return "device-restart"
	case StatusDeviceWrite:
		return "device-write"
	case StatusDeviceVerify:
		return "device-verify"
	case StatusDownloading:
		return "downloading"
	default:
		return "idle"
	}
}

// Notification is one daemon change event.
type Notification struct {
	Kind       NotificationKind
	Device     *Device
	Percentage int
	Status     Status
}

// DaemonCode is the daemon's own error domain.
type DaemonCode int

const (
	DaemonInternal DaemonCode = iota
	DaemonNothingToDo
	DaemonNotFound
	DaemonNotSupported
	DaemonAlreadyPending
	DaemonInvalidFile
	DaemonAuthFailed
	DaemonSignatureInvalid
	DaemonACPowerRequired
	DaemonBatteryLevelTooLow
)

// DaemonError is a failure reported by the firmware daemon, still in the
// daemon's error domain.
type DaemonError struct {
	DaemonCode DaemonCode
	Msg        string
}

func (e *DaemonError) Error() string {
	return fmt.Sprintf("fwupd daemon: %s", e.Msg)
}

// convertError translates daemon errors into the shared taxonomy at the
// plugin boundary. Errors already classified pass through unchanged.
func convertError(err error) error {
	if err == nil {
		return nil
	}
	var pe *plugin.Error
	if errors.As(err, &pe) {
		return err
	}
	var de *DaemonError
	if !errors.As(err, &de) {
		return plugin.WrapError(plugin.CodeFailed, err)
	}
	switch de.DaemonCode {
	case DaemonAlreadyPending, DaemonInvalidFile, DaemonNotSupported:
		return plugin.WrapError(plugin.CodeNotSupported, err)
	case DaemonAuthFailed:
		return plugin.WrapError(plugin.CodeAuthInvalid, err)
	case DaemonSignatureInvalid:
		return plugin.WrapError(plugin.CodeNoSecurity, err)
	case DaemonACPowerRequired:
		return plugin.WrapError(plugin.CodeACPowerRequired, err)
	case DaemonBatteryLevelTooLow:
		return plugin.WrapError(plugin.CodeBatteryTooLow, err)
	default:
		return plugin.WrapError(plugin.CodeFailed, err)
	}
}

// isNoResults reports daemon errors that just mean "nothing to report",
// which callers treat as an empty result rather than a failure.
func isNoResults(err error) bool {
	var de *DaemonError
	if !errors.As(err, &de) {
		return false
	}
	switch de.DaemonCode {
	case DaemonNothingToDo, DaemonNotFound, DaemonNotSupported:
		return true
	}
	return false
}

package fwupd

import (
	"fmt"
	"log/slog"
	"strings"

	"codeberg.org/depot-center/depot/internal/app"
	"codeberg.org/depot-center/depot/internal/plugin"
)

// Metadata keys stashed on application records by this plugin.
const (
	metaDeviceID    = "fwupd::DeviceID"
	metaUpdateURI   = "fwupd::UpdateURI"
	metaIsLocked    = "fwupd::IsLocked"
	metaOnlyOffline = "fwupd::OnlyOffline"
	metaRemoteID    = "fwupd::RemoteID"
)

// mapper converts daemon device and release records into application
// records, preserving record identity across calls through a shared
// lookup-or-create cache.
type mapper struct {
	cache  *plugin.Cache
	logger *slog.Logger
}

// fromDevice builds an application record from a device's default
// release. Historical daemon records without a component ID yield nil.
func (m *mapper) fromDevice(dev *Device) *app.App {
	rel := dev.DefaultRelease()
	if rel == nil || rel.ComponentID == "" {
		return nil
	}

	id := app.BuildUniqueID("system", "", "", rel.ComponentID, "")
	a := m.cache.GetOrInsert(id, func() *app.App {
		return app.New(rel.ComponentID)
	})

	a.SetKind(app.KindFirmware)
	a.SetBundle("cabinet")
	a.AddQuirk(app.QuirkNotLaunchable)
	a.AddQuirk(app.QuirkDoNotAutoUpdate)
	a.SetManagementPlugin(PluginName)
	if err := a.SetMetadata(metaDeviceID, dev.ID); err != nil {
		m.logger.Debug("device id already recorded", "app", a.ID())
	}

	m.applyDevice(a, dev)
	m.applyRelease(a, rel)

	if dev.Version == rel.Version {
		m.logger.Warn("same firmware version as installed",
			"app", a.ID(), "version", dev.Version)
	}
	return a
}

func (m *mapper) applyDevice(a *app.App, dev *Device) {
	if dev.Name != "" {
		a.SetName(dev.Name)
	}
	if dev.Summary != "" {
		a.SetSummary(dev.Summary)
	}
	if dev.Description != "" {
		a.SetDescription(dev.Description)
	}
	if dev.Vendor != "" {
		a.SetOrigin(dev.Vendor)
	}
	if dev.Version != "" {
		a.SetVersion(dev.Version)
	}
	if dev.HasFlag(FlagOnlyOffline) {
		if err := a.SetMetadata(metaOnlyOffline, "true"); err != nil {
			m.logger.Debug("offline flag already recorded", "app", a.ID())
		}
	}
	if dev.HasFlag(FlagSupported) {
		a.ForceState(app.StateUpdatableLive)
	}
}

func (m *mapper) applyRelease(a *app.App, rel *Release) {
	if rel.Version != "" {
		a.SetUpdateVersion(rel.Version)
	}
	if rel.Description != "" {
		a.SetUpdateDetails(rel.Description)
	}
	if rel.Size > 0 {
		a.SetSizeDownload(rel.Size)
	}
	if rel.URI != "" {
		if err := a.SetMetadata(metaUpdateURI, rel.URI); err != nil {
			m.logger.Debug("update uri already recorded", "app", a.ID())
		}
	}
}

// fromDeviceRaw builds a placeholder record from the device alone, used
// for locked devices that carry no release data.
func (m *mapper) fromDeviceRaw(dev *Device) *app.App {
	id := fmt.Sprintf("org.fwupd.%s.device", strings.ReplaceAll(dev.ID, "/", "_"))
	a := app.New(id)
	a.SetKind(app.KindFirmware)
	a.ForceState(app.StateInstalled)
	a.AddQuirk(app.QuirkNotLaunchable)
	a.AddQuirk(app.QuirkDoNotAutoUpdate)
	a.SetVersion(dev.Version)
	a.SetName(dev.Name)
	a.SetSummary(dev.Summary)
	a.SetDescription(dev.Description)
	a.SetOrigin(dev.Vendor)
	a.SetManagementPlugin(PluginName)
	if err := a.SetMetadata(metaDeviceID, dev.ID); err != nil {
		m.logger.Debug("device id already recorded", "app", a.ID())
	}
	return a
}

// update validates a supported device's default release and builds the
// installable record. Devices failing validation are rejected with a
// classified error so callers can drop them and keep going.
func (m *mapper) update(dev *Device) (*app.App, error) {
	rel := dev.DefaultRelease()
	a := m.fromDevice(dev)
	if a == nil {
		return nil, plugin.Errorf(plugin.CodeNotSupported,
			"no component id for device %s", dev.ID)
	}
	if a.State() != app.StateUpdatableLive {
		return nil, plugin.Errorf(plugin.CodeNotSupported,
			"%s [%s] cannot be updated", a.Name(), a.ID())
	}
	if a.ID() == "" {
		return nil, plugin.Errorf(plugin.CodeNotSupported,
			"no id for firmware")
	}
	if a.Version() == "" {
		return nil, plugin.Errorf(plugin.CodeNotSupported,
			"no version for %s", a.ID())
	}
	if a.UpdateVersion() == "" {
		return nil, plugin.Errorf(plugin.CodeNotSupported,
			"no update version for %s", a.ID())
	}
	if len(rel.Checksums) == 0 {
		return nil, plugin.Errorf(plugin.CodeNoSecurity,
			"%s [%s] (%s) has no checksums, ignoring as unsafe",
			a.Name(), a.ID(), a.UpdateVersion())
	}
	if rel.URI == "" {
		return nil, plugin.Errorf(plugin.CodeInvalidFormat,
			"no location available for %s [%s]", a.Name(), a.ID())
	}
	return a, nil
}

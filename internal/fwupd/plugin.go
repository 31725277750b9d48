package fwupd

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"strings"
	"sync"
	"time"

	"codeberg.org/depot-center/depot/internal/app"
	"codeberg.org/depot-center/depot/internal/cachedir"
	"codeberg.org/depot-center/depot/internal/download"
	"codeberg.org/depot-center/depot/internal/plugin"
)

// PluginName is how other plugins reference this one in ordering
// constraints, and the management-plugin tag on firmware records.
const PluginName = "fwupd"

const cacheNamespace = "fwupd"

// Plugin queries the firmware daemon for new firmware and schedules it
// to be installed as required. Update lists are reloaded whenever a
// supported device is added, removed or changed.
type Plugin struct {
	logger     *slog.Logger
	daemon     Daemon
	downloader *download.Client
	scheduler  *download.Scheduler
	files      *cachedir.Cache
	remotesDir string
	mapper     *mapper

	// mu guards current and origin.
	mu      sync.Mutex
	current *app.App
	origin  *app.App

	updatesChanged func()

	stop    chan struct{}
	stopped chan struct{}
}

var (
	_ plugin.Plugin                    = (*Plugin)(nil)
	_ plugin.UpdatesProvider           = (*Plugin)(nil)
	_ plugin.HistoricalUpdatesProvider = (*Plugin)(nil)
	_ plugin.SourcesProvider           = (*Plugin)(nil)
	_ plugin.Installer                 = (*Plugin)(nil)
	_ plugin.Remover                   = (*Plugin)(nil)
	_ plugin.AppDownloader             = (*Plugin)(nil)
	_ plugin.Refresher                 = (*Plugin)(nil)
	_ plugin.FileImporter              = (*Plugin)(nil)
)

// New creates the firmware plugin.
func New(daemon Daemon, files *cachedir.Cache, downloader *download.Client,
	scheduler *download.Scheduler, remotesDir string, logger *slog.Logger) *Plugin {
	log := logger.With("plugin", PluginName)
	return &Plugin{
		logger:     log,
		daemon:     daemon,
		downloader: downloader,
		scheduler:  scheduler,
		files:      files,
		remotesDir: remotesDir,
		mapper:     &mapper{cache: plugin.NewCache(), logger: log},
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// SetUpdatesChangedFunc registers the callback fired when a supported
// device appears, disappears or changes.
func (p *Plugin) SetUpdatesChangedFunc(fn func()) {
	p.updatesChanged = fn
}

// Descriptor implements plugin.Plugin.
func (p *Plugin) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:         PluginName,
		NeedsNetwork: true,
	}
}

// Setup implements plugin.Plugin. It registers the origin record used to
// attribute download failures and starts consuming daemon notifications.
func (p *Plugin) Setup(ctx context.Context) error {
	origin := app.New(PluginName)
	origin.SetKind(app.KindRepository)
	origin.SetBundle("cabinet")
	p.mapper.cache.Add(origin.UniqueID(), origin)

	p.mu.Lock()
	p.origin = origin
	p.mu.Unlock()

	go p.watchDaemon()
	return nil
}

// Shutdown implements plugin.Plugin.
func (p *Plugin) Shutdown() {
	close(p.stop)
	<-p.stopped
}

func (p *Plugin) watchDaemon() {
	defer close(p.stopped)
	for {
		select {
		case <-p.stop:
			return
		case n, ok := <-p.daemon.Notifications():
			if !ok {
				return
			}
			p.handleNotification(n)
		}
	}
}

func (p *Plugin) handleNotification(n Notification) {
	switch n.Kind {
	case DeviceAdded, DeviceRemoved, DeviceChanged:
		// Limit the number of update list reloads to devices that
		// can actually match remote metadata.
		if n.Device == nil || !n.Device.HasFlag(FlagSupported) {
			p.logger.Debug("ignoring change for unsupported device")
			return
		}
		p.logger.Debug("supported device changed, reloading",
			"device", n.Device.ID)
		if p.updatesChanged != nil {
			p.updatesChanged()
		}
	case ProgressChanged:
		current := p.currentApp()
		if current == nil {
			p.logger.Debug("daemon progress", "percentage", n.Percentage)
			return
		}
		current.SetProgress(n.Percentage)
	case StatusChanged:
		current := p.currentApp()
		switch n.Status {
		case StatusDecompressing, StatusDeviceRestart, StatusDeviceWrite, StatusDeviceVerify:
			if current != nil {
				current.ForceState(app.StateInstalling)
			}
		case StatusIdle:
			p.setCurrentApp(nil)
		}
	}
}

func (p *Plugin) currentApp() *app.App {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.current
}

func (p *Plugin) setCurrentApp(a *app.App) {
	p.mu.Lock()
	p.current = a
	p.mu.Unlock()
}

func (p *Plugin) manages(a *app.App) bool {
	return a.ManagementPlugin() == PluginName
}

// AddUpdates implements plugin.UpdatesProvider. Locked devices are added
// as placeholder records to be unlocked; supported devices contribute
// their newest release, with the release notes of every intermediate
// release concatenated into the update details.
func (p *Plugin) AddUpdates(ctx context.Context, list *app.List) error {
	devices, err := p.daemon.Devices(ctx)
	if err != nil {
		if isNoResults(err) {
			p.logger.Debug("no devices", "error", err)
			return nil
		}
		return convertError(err)
	}

	for _, dev := range devices {
		if dev.HasFlag(FlagLocked) {
			a := p.mapper.fromDeviceRaw(dev)
			if err := a.SetMetadata(metaIsLocked, "true"); err != nil {
				p.logger.Debug("locked flag already recorded", "app", a.ID())
			}
			list.Add(a)
			continue
		}

		// Not going to have results, so save a daemon round-trip.
		if !dev.HasFlag(FlagSupported) {
			continue
		}

		rels, err := p.daemon.Upgrades(ctx, dev.ID)
		if err != nil {
			if isNoResults(err) {
				p.logger.Debug("no updates", "device", dev.ID)
				continue
			}
			p.logger.Warn("failed to get upgrades",
				"device", dev.ID, "error", err)
			continue
		}
		if len(rels) == 0 {
			continue
		}

		dev.Releases = rels
		a, err := p.mapper.update(dev)
		if err != nil {
			p.logger.Debug("skipping device", "device", dev.ID, "error", err)
			continue
		}
		if err := p.ensureArtifact(a, rels[0]); err != nil {
			p.logger.Debug("skipping device", "device", dev.ID, "error", err)
			continue
		}

		if desc := intermediateNotes(rels); desc != "" {
			a.SetUpdateDetails(desc)
		}
		list.Add(a)
	}
	return nil
}

// intermediateNotes concatenates the release notes of every release a
// device would skip over, newest first.
func intermediateNotes(rels []*Release) string {
	if len(rels) <= 1 {
		return ""
	}
	var b strings.Builder
	for _, rel := range rels {
		if rel.Description == "" {
			continue
		}
		fmt.Fprintf(&b, "Version %s:\n%s\n\n", rel.Version, rel.Description)
	}
	return strings.TrimSuffix(b.String(), "\n\n")
}

// ensureArtifact points the record at the cached firmware archive,
// dropping a stale cached file whose digest no longer matches.
func (p *Plugin) ensureArtifact(a *app.App, rel *Release) error {
	filename, err := p.files.Path(cacheNamespace, path.Base(rel.URI))
	if err != nil {
		return plugin.WrapError(plugin.CodeWriteFailed, err)
	}

	if _, err := os.Stat(filename); err == nil {
		want := checksumSHA256(rel.Checksums)
		if want == "" {
			return plugin.Errorf(plugin.CodeInvalidFormat,
				"no valid checksum for %s", filename)
		}
		got, err := fileChecksum(filename)
		if err != nil {
			return plugin.WrapError(plugin.CodeWriteFailed, err)
		}
		if got != want {
			os.Remove(filename)
			return plugin.Errorf(plugin.CodeInvalidFormat,
				"%s does not match checksum, expected %s got %s",
				filename, want, got)
		}
		// Already downloaded, nothing left to fetch.
		a.SetSizeDownload(0)
	}

	a.SetLocalFile(filename)
	return nil
}

func fileChecksum(filename string) (string, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// AddHistoricalUpdates implements plugin.HistoricalUpdatesProvider,
// reporting the outcome of the last update attempt.
func (p *Plugin) AddHistoricalUpdates(ctx context.Context, list *app.List) error {
	dev, err := p.daemon.Results(ctx, DeviceIDAny)
	if err != nil {
		if isNoResults(err) {
			return nil
		}
		return convertError(err)
	}
	a := p.mapper.fromDevice(dev)
	if a == nil {
		return plugin.Errorf(plugin.CodeFailed,
			"failed to build result for %s", dev.ID)
	}
	list.Add(a)
	return nil
}

// AddSources implements plugin.SourcesProvider, exposing download
// remotes as repository records that can be enabled and disabled.
func (p *Plugin) AddSources(ctx context.Context, list *app.List) error {
	remotes, err := LoadRemotes(p.remotesDir)
	if err != nil {
		return plugin.WrapError(plugin.CodeFailed, err)
	}
	for _, remote := range remotes {
		// Local remotes are built in, nothing to enable or disable.
		if remote.Kind != RemoteKindDownload {
			continue
		}
		a := app.New(fmt.Sprintf("org.fwupd.%s.remote", remote.ID))
		a.SetKind(app.KindRepository)
		if remote.Enabled {
			a.ForceState(app.StateInstalled)
		} else {
			a.ForceState(app.StateAvailable)
		}
		a.AddQuirk(app.QuirkNotLaunchable)
		a.SetName(remote.Title)
		a.SetManagementPlugin(PluginName)
		if err := a.SetMetadata(metaRemoteID, remote.ID); err != nil {
			p.logger.Debug("remote id already recorded", "app", a.ID())
		}
		list.Add(a)
	}
	return nil
}

// Install implements plugin.Installer. Repository records toggle the
// matching remote on, locked devices get unlocked, anything else is a
// firmware install.
func (p *Plugin) Install(ctx context.Context, a *app.App) error {
	if !p.manages(a) {
		return nil
	}
	if a.Kind() == app.KindRepository {
		return p.modifyRemote(ctx, a, true)
	}
	if a.Metadata(metaIsLocked) != "" {
		return p.unlock(ctx, a)
	}
	return p.install(ctx, a)
}

// Remove implements plugin.Remover. Only repository records can be
// removed; removal disables the matching remote.
func (p *Plugin) Remove(ctx context.Context, a *app.App) error {
	if !p.manages(a) {
		return nil
	}
	return p.modifyRemote(ctx, a, false)
}

func (p *Plugin) unlock(ctx context.Context, a *app.App) error {
	deviceID := a.Metadata(metaDeviceID)
	if deviceID == "" {
		return plugin.Errorf(plugin.CodeInvalidFormat,
			"not enough data for unlock")
	}
	if err := p.daemon.Unlock(ctx, deviceID); err != nil {
		return convertError(err)
	}
	return nil
}

func (p *Plugin) install(ctx context.Context, a *app.App) error {
	filename := a.LocalFile()
	if filename == "" {
		return plugin.Errorf(plugin.CodeFailed,
			"not enough data for %s", a.UniqueID())
	}

	downloadedToCache := false
	if _, err := os.Stat(filename); err != nil {
		uri := a.Metadata(metaUpdateURI)
		if err := a.SetState(app.StateInstalling); err != nil {
			return plugin.WrapError(plugin.CodeFailed, err)
		}
		if err := p.downloader.DownloadFile(ctx, uri, filename); err != nil {
			a.RecoverState()
			return err
		}
		downloadedToCache = true
	}

	deviceID := a.Metadata(metaDeviceID)
	if deviceID == "" {
		deviceID = DeviceIDAny
	}

	p.setCurrentApp(a)

	var flags InstallFlags
	if a.Metadata(metaOnlyOffline) != "" {
		flags |= InstallOffline
	}

	if a.State() != app.StateInstalling {
		if err := a.SetState(app.StateInstalling); err != nil {
			return plugin.WrapError(plugin.CodeFailed, err)
		}
	}
	if err := p.daemon.Install(ctx, deviceID, filename, flags); err != nil {
		a.RecoverState()
		return convertError(err)
	}

	a.ForceState(app.StateInstalled)
	if downloadedToCache {
		if err := os.Remove(filename); err != nil {
			return plugin.WrapError(plugin.CodeWriteFailed, err)
		}
	}

	// Some devices want the user to do something after flashing, like
	// replugging the cable. Surface that as a mandatory acknowledgment.
	dev, err := p.daemon.DeviceByID(ctx, deviceID)
	if err != nil {
		// Some devices do not re-enumerate until replugged manually
		// or the machine is rebooted.
		p.logger.Debug("failed to find device after install", "error", err)
		return nil
	}
	if dev.UpdateMessage != "" {
		if err := a.SetMetadata("fwupd::UpdateMessage", dev.UpdateMessage); err != nil {
			p.logger.Debug("update message already recorded", "app", a.ID())
		}
		a.AddQuirk(app.QuirkNeedsUserAction)
	}
	return nil
}

func (p *Plugin) modifyRemote(ctx context.Context, a *app.App, enabled bool) error {
	remoteID := a.Metadata(metaRemoteID)
	if remoteID == "" {
		return plugin.Errorf(plugin.CodeFailed,
			"not enough data for %s", a.UniqueID())
	}

	next := app.StateRemoving
	if enabled {
		next = app.StateInstalling
	}
	if err := a.SetState(next); err != nil {
		return plugin.WrapError(plugin.CodeFailed, err)
	}

	value := "false"
	if enabled {
		value = "true"
	}
	if err := p.daemon.ModifyRemote(ctx, remoteID, "Enabled", value); err != nil {
		a.RecoverState()
		return convertError(err)
	}

	if enabled {
		a.ForceState(app.StateInstalled)
	} else {
		a.ForceState(app.StateAvailable)
	}
	return nil
}

// Download implements plugin.AppDownloader, pre-fetching the firmware
// archive. Non-interactive jobs wait for a download slot first; failing
// to acquire one is advisory only.
func (p *Plugin) Download(ctx context.Context, a *app.App, interactive bool) error {
	if !p.manages(a) {
		return nil
	}
	filename := a.LocalFile()
	if filename == "" {
		return plugin.Errorf(plugin.CodeFailed,
			"not enough data for %s", a.UniqueID())
	}

	if _, err := os.Stat(filename); err != nil {
		uri := a.Metadata(metaUpdateURI)

		var slot *download.Slot
		if !interactive {
			var size uint64
			if s := a.SizeDownload(); s > 0 {
				size = uint64(s)
			}
			slot, err = p.scheduler.Acquire(ctx, path.Dir(filename), size)
			if err != nil {
				if plugin.IsCode(err, plugin.CodeCancelled) {
					return err
				}
				p.logger.Warn("failed to block on download scheduler",
					"error", err)
				slot = nil
			}
		}

		err = p.downloader.DownloadFile(ctx, uri, filename)
		if slot != nil {
			if rerr := slot.Release(); rerr != nil {
				p.logger.Warn("failed to release download slot",
					"error", rerr)
			}
		}
		if err != nil {
			return err
		}
	}
	a.SetSizeDownload(0)
	return nil
}

// Refresh implements plugin.Refresher, re-syncing the metadata of every
// enabled download remote older than maxAge.
func (p *Plugin) Refresh(ctx context.Context, maxAge time.Duration) error {
	remotes, err := LoadRemotes(p.remotesDir)
	if err != nil {
		return plugin.WrapError(plugin.CodeFailed, err)
	}
	for _, remote := range remotes {
		if !remote.Enabled || remote.Kind != RemoteKindDownload {
			continue
		}
		if err := p.refreshRemote(ctx, remote, maxAge); err != nil {
			return err
		}
	}
	return nil
}

func (p *Plugin) refreshRemote(ctx context.Context, remote *Remote, maxAge time.Duration) error {
	namespace := cacheNamespace + "/remotes.d/" + remote.ID
	basename := path.Base(remote.MetadataURI)

	if maxAge > 0 && p.files.Age(namespace, basename) < maxAge {
		p.logger.Debug("remote metadata is fresh, ignoring refresh",
			"remote", remote.ID)
		return nil
	}

	// The signature is tiny, download it first and skip the payload
	// when nothing changed.
	sigData, err := p.downloader.Fetch(ctx, remote.SignatureURI())
	if err != nil {
		return err
	}
	sum := sha256.Sum256(sigData)
	if remote.Checksum != "" && hex.EncodeToString(sum[:]) == remote.Checksum {
		p.logger.Debug("remote signature unchanged", "remote", remote.ID)
		return nil
	}

	sigBasename := path.Base(remote.SignatureURI())
	if err := p.files.Write(namespace, sigBasename, sigData); err != nil {
		return plugin.WrapError(plugin.CodeWriteFailed,
			fmt.Errorf("failed to save metadata signature: %w", err))
	}
	sigPath, err := p.files.Path(namespace, sigBasename)
	if err != nil {
		return plugin.WrapError(plugin.CodeWriteFailed, err)
	}

	metadataPath, err := p.files.Path(namespace, basename)
	if err != nil {
		return plugin.WrapError(plugin.CodeWriteFailed, err)
	}
	p.logger.Debug("downloading remote metadata",
		"remote", remote.ID, "uri", remote.MetadataURI)
	if err := p.downloader.DownloadFile(ctx, remote.MetadataURI, metadataPath); err != nil {
		return err
	}

	if err := p.daemon.UpdateMetadata(ctx, remote.ID, metadataPath, sigPath); err != nil {
		return convertError(err)
	}
	return nil
}

// cabMagic is the archive header of a firmware cabinet file.
var cabMagic = []byte("MSCF")

// FileToApp implements plugin.FileImporter. Files that are not firmware
// cabinets are ignored so other plugins can claim them.
func (p *Plugin) FileToApp(ctx context.Context, list *app.List, filename string) error {
	f, err := os.Open(filename)
	if err != nil {
		return plugin.WrapError(plugin.CodeFailed, err)
	}
	header := make([]byte, len(cabMagic))
	_, rerr := io.ReadFull(f, header)
	f.Close()
	if rerr != nil || !bytes.Equal(header, cabMagic) {
		return nil
	}

	devices, err := p.daemon.Details(ctx, filename)
	if err != nil {
		return convertError(err)
	}
	for _, dev := range devices {
		a := p.mapper.fromDevice(dev)
		if a == nil {
			continue
		}
		// There might be no update view for local files.
		a.SetVersion(a.UpdateVersion())
		a.SetDescription(a.UpdateDetails())
		list.Add(a)
	}
	return nil
}

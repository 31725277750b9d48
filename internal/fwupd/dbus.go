package fwupd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/godbus/dbus/v5"
)

const (
	busName       = "org.freedesktop.fwupd"
	busPath       = dbus.ObjectPath("/")
	busInterface  = "org.freedesktop.fwupd"
	propInterface = "org.freedesktop.DBus.Properties"
)

// Daemon-side device flag bits, translated into our DeviceFlag set.
const (
	busFlagOnlyOffline uint64 = 1 << 2
	busFlagLocked      uint64 = 1 << 4
	busFlagSupported   uint64 = 1 << 5
)

// busDaemon talks to the firmware daemon over the system bus.
type busDaemon struct {
	conn          *dbus.Conn
	obj           dbus.BusObject
	notifications chan Notification
	done          chan struct{}
}

var _ Daemon = (*busDaemon)(nil)

// DialSystemBus connects to the firmware daemon on the system bus.
func DialSystemBus() (Daemon, error) {
	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to system bus: %w", err)
	}

	d := &busDaemon{
		conn:          conn,
		obj:           conn.Object(busName, busPath),
		notifications: make(chan Notification, 32),
		done:          make(chan struct{}),
	}
	if err := d.watchSignals(); err != nil {
		return nil, err
	}
	return d, nil
}

// Close stops the signal pump. The shared bus connection stays open.
func (d *busDaemon) Close() {
	close(d.done)
}

func (d *busDaemon) watchSignals() error {
	for _, member := range []string{"DeviceAdded", "DeviceRemoved", "DeviceChanged"} {
		if err := d.conn.AddMatchSignal(
			dbus.WithMatchInterface(busInterface),
			dbus.WithMatchMember(member),
		); err != nil {
			return fmt.Errorf("failed to match %s: %w", member, err)
		}
	}
	if err := d.conn.AddMatchSignal(
		dbus.WithMatchInterface(propInterface),
		dbus.WithMatchMember("PropertiesChanged"),
		dbus.WithMatchSender(busName),
	); err != nil {
		return fmt.Errorf("failed to match properties: %w", err)
	}

	signals := make(chan *dbus.Signal, 32)
	d.conn.Signal(signals)
	go d.pump(signals)
	return nil
}

func (d *busDaemon) pump(signals chan *dbus.Signal) {
	defer close(d.notifications)
	for {
		select {
		case <-d.done:
			d.conn.RemoveSignal(signals)
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			if n, ok := d.translateSignal(sig); ok {
				select {
				case d.notifications <- n:
				default:
					// Consumers catch up via the next event.
				}
			}
		}
	}
}

func (d *busDaemon) translateSignal(sig *dbus.Signal) (Notification, bool) {
	switch sig.Name {
	case busInterface + ".DeviceAdded", busInterface + ".DeviceRemoved", busInterface + ".DeviceChanged":
		if len(sig.Body) == 0 {
			return Notification{}, false
		}
		props, ok := sig.Body[0].(map[string]dbus.Variant)
		if !ok {
			return Notification{}, false
		}
		kind := DeviceChanged
		if strings.HasSuffix(sig.Name, "DeviceAdded") {
			kind = DeviceAdded
		} else if strings.HasSuffix(sig.Name, "DeviceRemoved") {
			kind = DeviceRemoved
		}
		return Notification{Kind: kind, Device: deviceFromProps(props)}, true

	case propInterface + ".PropertiesChanged":
		if len(sig.Body) < 2 {
			return Notification{}, false
		}
		changed, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			return Notification{}, false
		}
		if v, ok := changed["Percentage"]; ok {
			if pct, ok := asUint64(v); ok {
				return Notification{Kind: ProgressChanged, Percentage: int(pct)}, true
			}
		}
		if v, ok := changed["Status"]; ok {
			if st, ok := asUint64(v); ok {
				return Notification{Kind: StatusChanged, Status: translateStatus(st)}, true
			}
		}
	}
	return Notification{}, false
}

// Daemon-side status enum values.
func translateStatus(status uint64) Status {
	switch status {
	case 8:
		return StatusDecompressing
	case 4:
		return StatusDeviceRestart
	case 5:
		return StatusDeviceWrite
	case 9:
		return StatusDeviceVerify
	case 3:
		return StatusDownloading
	default:
		return StatusIdle
	}
}

func (d *busDaemon) Notifications() <-chan Notification {
	return d.notifications
}

func (d *busDaemon) Devices(ctx context.Context) ([]*Device, error) {
	var out []map[string]dbus.Variant
	call := d.obj.CallWithContext(ctx, busInterface+".GetDevices", 0)
	if err := call.Store(&out); err != nil {
		return nil, translateBusError(call.Err, err)
	}
	devices := make([]*Device, 0, len(out))
	for _, props := range out {
		devices = append(devices, deviceFromProps(props))
	}
	return devices, nil
}

func (d *busDaemon) DeviceByID(ctx context.Context, deviceID string) (*Device, error) {
	devices, err := d.Devices(ctx)
	if err != nil {
		return nil, err
	}
	for _, dev := range devices {
		if dev.ID == deviceID {
			return dev, nil
		}
	}
	return nil, &DaemonError{DaemonCode: DaemonNotFound,
		Msg: fmt.Sprintf("no device %s", deviceID)}
}

func (d *busDaemon) Upgrades(ctx context.Context, deviceID string) ([]*Release, error) {
	var out []map[string]dbus.Variant
	call := d.obj.CallWithContext(ctx, busInterface+".GetUpgrades", 0, deviceID)
	if err := call.Store(&out); err != nil {
		return nil, translateBusError(call.Err, err)
	}
	rels := make([]*Release, 0, len(out))
	for _, props := range out {
		rels = append(rels, releaseFromProps(props))
	}
	return rels, nil
}

func (d *busDaemon) Install(ctx context.Context, deviceID, path string, flags InstallFlags) error {
	f, err := os.Open(path)
	if err != nil {
		return &DaemonError{DaemonCode: DaemonInvalidFile, Msg: err.Error()}
	}
	defer f.Close()

	options := map[string]dbus.Variant{
		"reason": dbus.MakeVariant("user-action"),
	}
	if flags&InstallOffline != 0 {
		options["offline"] = dbus.MakeVariant(true)
	}

	call := d.obj.CallWithContext(ctx, busInterface+".Install", 0,
		deviceID, dbus.UnixFD(f.Fd()), options)
	if call.Err != nil {
		return translateBusError(call.Err, call.Err)
	}
	return nil
}

func (d *busDaemon) Unlock(ctx context.Context, deviceID string) error {
	call := d.obj.CallWithContext(ctx, busInterface+".Unlock", 0, deviceID)
	if call.Err != nil {
		return translateBusError(call.Err, call.Err)
	}
	return nil
}

func (d *busDaemon) Results(ctx context.Context, deviceID string) (*Device, error) {
	var out map[string]dbus.Variant
	call := d.obj.CallWithContext(ctx, busInterface+".GetResults", 0, deviceID)
	if err := call.Store(&out); err != nil {
		return nil, translateBusError(call.Err, err)
	}
	return deviceFromProps(out), nil
}

func (d *busDaemon) Details(ctx context.Context, path string) ([]*Device, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &DaemonError{DaemonCode: DaemonInvalidFile, Msg: err.Error()}
	}
	defer f.Close()

	var out []map[string]dbus.Variant
	call := d.obj.CallWithContext(ctx, busInterface+".GetDetails", 0, dbus.UnixFD(f.Fd()))
	if err := call.Store(&out); err != nil {
		return nil, translateBusError(call.Err, err)
	}
	devices := make([]*Device, 0, len(out))
	for _, props := range out {
		devices = append(devices, deviceFromProps(props))
	}
	return devices, nil
}

func (d *busDaemon) UpdateMetadata(ctx context.Context, remoteID, metadataPath, signaturePath string) error {
	data, err := os.Open(metadataPath)
	if err != nil {
		return &DaemonError{DaemonCode: DaemonInvalidFile, Msg: err.Error()}
	}
	defer data.Close()
	sig, err := os.Open(signaturePath)
	if err != nil {
		return &DaemonError{DaemonCode: DaemonInvalidFile, Msg: err.Error()}
	}
	defer sig.Close()

	call := d.obj.CallWithContext(ctx, busInterface+".UpdateMetadata", 0,
		remoteID, dbus.UnixFD(data.Fd()), dbus.UnixFD(sig.Fd()))
	if call.Err != nil {
		return translateBusError(call.Err, call.Err)
	}
	return nil
}

func (d *busDaemon) ModifyRemote(ctx context.Context, remoteID, key, value string) error {
	call := d.obj.CallWithContext(ctx, busInterface+".ModifyRemote", 0, remoteID, key, value)
	if call.Err != nil {
		return translateBusError(call.Err, call.Err)
	}
	return nil
}

func deviceFromProps(props map[string]dbus.Variant) *Device {
	dev := &Device{
		ID:            asString(props["DeviceId"]),
		Name:          asString(props["Name"]),
		Summary:       asString(props["Summary"]),
		Description:   asString(props["Description"]),
		Vendor:        asString(props["Vendor"]),
		Version:       asString(props["Version"]),
		UpdateMessage: asString(props["UpdateMessage"]),
	}
	if flags, ok := asUint64(props["Flags"]); ok {
		if flags&busFlagSupported != 0 {
			dev.Flags |= FlagSupported
		}
		if flags&busFlagLocked != 0 {
			dev.Flags |= FlagLocked
		}
		if flags&busFlagOnlyOffline != 0 {
			dev.Flags |= FlagOnlyOffline
		}
	}
	if v, ok := props["Release"]; ok {
		if relProps, ok := v.Value().(map[string]dbus.Variant); ok {
			dev.Releases = append(dev.Releases, releaseFromProps(relProps))
		}
	}
	return dev
}

func releaseFromProps(props map[string]dbus.Variant) *Release {
	rel := &Release{
		ComponentID: asString(props["AppstreamId"]),
		Version:     asString(props["Version"]),
		Description: asString(props["Description"]),
		URI:         asString(props["Uri"]),
		RemoteID:    asString(props["RemoteId"]),
		Homepage:    asString(props["Homepage"]),
	}
	if size, ok := asUint64(props["Size"]); ok {
		rel.Size = int64(size)
	}
	switch v := props["Checksum"].Value().(type) {
	case string:
		rel.Checksums = []string{v}
	case []string:
		rel.Checksums = v
	}
	return rel
}

func asString(v dbus.Variant) string {
	s, _ := v.Value().(string)
	return s
}

func asUint64(v dbus.Variant) (uint64, bool) {
	switch n := v.Value().(type) {
	case uint64:
		return n, true
	case uint32:
		return uint64(n), true
	case int64:
		return uint64(n), true
	case int32:
		return uint64(n), true
	}
	return 0, false
}

// translateBusError maps bus error names into the daemon error domain.
func translateBusError(callErr, fallback error) error {
	err := callErr
	if err == nil {
		err = fallback
	}
	busErr, ok := err.(dbus.Error)
	if !ok {
		return &DaemonError{DaemonCode: DaemonInternal, Msg: err.Error()}
	}

	code := DaemonInternal
	switch strings.TrimPrefix(busErr.Name, busInterface+".") {
	case "NothingToDo":
		code = DaemonNothingToDo
	case "NotFound":
		code = DaemonNotFound
	case "NotSupported":
		code = DaemonNotSupported
	case "AlreadyPending":
		code = DaemonAlreadyPending
	case "InvalidFile":
		code = DaemonInvalidFile
	case "AuthFailed":
		code = DaemonAuthFailed
	case "SignatureInvalid":
		code = DaemonSignatureInvalid
	case "AcPowerRequired":
		code = DaemonACPowerRequired
	case "BatteryLevelTooLow":
		code = DaemonBatteryLevelTooLow
	}
	return &DaemonError{DaemonCode: code, Msg: busErr.Error()}
}

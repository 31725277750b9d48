package fwupd

// DeviceFlag is a daemon-reported device trait.
type DeviceFlag uint64

const (
	// FlagSupported marks devices matching something in the remote
	// metadata, i.e. worth asking for upgrades.
	FlagSupported DeviceFlag = 1 << iota

	// FlagLocked marks devices that must be unlocked before they can
	// be updated.
	FlagLocked

	// FlagOnlyOffline marks devices that can only flash during a
	// reboot.
	FlagOnlyOffline
)

// Device is a firmware device record as reported by the daemon.
type Device struct {
	ID          string
	Name        string
	Summary     string
	Description string
	Vendor      string
	Version     string
	Flags       DeviceFlag

	// UpdateMessage is shown to the user after a successful install,
	// for devices that need a manual replug or similar.
	UpdateMessage string

	// Releases holds the releases attached to this record, newest
	// first. The first one is the default release.
	Releases []*Release
}

// HasFlag reports whether the device carries the given trait.
func (d *Device) HasFlag(flag DeviceFlag) bool {
	return d.Flags&flag != 0
}

// DefaultRelease returns the newest attached release, or nil.
func (d *Device) DefaultRelease() *Release {
	if len(d.Releases) == 0 {
		return nil
	}
	return d.Releases[0]
}

// Release is one installable firmware version for a device.
type Release struct {
	// ComponentID is the metadata component identifier, the basis of
	// the application identity.
	ComponentID string

	Version     string
	Description string

	// URI is where the firmware archive is downloaded from.
	URI string

	// Checksums holds hex digests of the archive, one per hash kind.
	Checksums []string

	Size     int64
	RemoteID string
	Homepage string
}

// sha256Hex is the length of a hex encoded SHA-256 digest.
const sha256Hex = 64

// checksumSHA256 picks the SHA-256 digest out of a checksum list, or "".
// The hash kind is guessed from the digest length.
func checksumSHA256(checksums []string) string {
	for _, c := range checksums {
		if len(c) == sha256Hex {
			return c
		}
	}
	return ""
}

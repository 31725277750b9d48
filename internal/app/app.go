package app

import (
	"fmt"
	"math"
	"strings"
	"sync"
)

// Kind classifies what an application record represents.
type Kind int

const (
	KindUnknown Kind = iota
	KindDesktop
	KindFirmware
	KindRepository
	KindAddon
	KindGeneric
)

func (k Kind) String() string {
	switch k {
	case KindDesktop:
		return "desktop"
	case KindFirmware:
		return "firmware"
	case KindRepository:
		return "repository"
	case KindAddon:
		return "addon"
	case KindGeneric:
		return "generic"
	default:
		return "unknown"
	}
}

// Quirk is a boolean trait flag modifying default lifecycle behavior.
type Quirk uint32

const (
	QuirkNotLaunchable Quirk = 1 << iota
	QuirkDoNotAutoUpdate
	QuirkNeedsUserAction
)

// RatingUnknown marks an app whose normalized rating has not been computed.
const RatingUnknown = -1

// App is a single application record shared between plugins and the UI.
// Records are created by the plugin that first observes them, enriched
// through refine calls and mutated by install/remove operations, so all
// access goes through the mutex.
type App struct {
	mu sync.RWMutex

	id     string
	scope  string
	bundle string
	origin string

	kind         Kind
	state        State
	recoverState State
	quirks       Quirk
	progress     int

	name          string
	summary       string
	description   string
	version       string
	updateVersion string
	updateDetails string

	managementPlugin string
	localFile        string
	sizeDownload     int64

	rating        int
	reviewRatings []uint32
	reviews       []*Review
	compatIDs     []string

	metadata map[string]string
}

// New creates an application record with the given opaque ID.
func New(id string) *App {
	return &App{
		id:       id,
		scope:    "system",
		rating:   RatingUnknown,
		metadata: make(map[string]string),
	}
}

// BuildUniqueID composes the cross-plugin identity key. Empty parts are
// wildcards so records from plugins with partial knowledge still collide
// onto the same identity.
func BuildUniqueID(scope, bundle, origin, id, branch string) string {
	part := func(s string) string {
		if s == "" {
			return "*"
		}
		return s
	}
	return strings.Join([]string{part(scope), part(bundle), part(origin), part(id), part(branch)}, "/")
}

// ID returns the opaque application ID.
func (a *App) ID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.id
}

// SetID overrides the application ID.
func (a *App) SetID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.id = id
}

// UniqueID returns the composite identity key for this record.
func (a *App) UniqueID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return BuildUniqueID(a.scope, a.bundle, a.origin, a.id, "")
}

// Kind returns the record kind.
func (a *App) Kind() Kind {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.kind
}

// SetKind sets the record kind. The kind is sticky: once set to something
// concrete it is not demoted back to unknown.
func (a *App) SetKind(kind Kind) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if kind == KindUnknown && a.kind != KindUnknown {
		return
	}
	a.kind = kind
}

// SetBundle sets the bundle format component of the identity.
func (a *App) SetBundle(bundle string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.bundle = bundle
}

// Origin returns where the record came from (remote name, vendor).
func (a *App) Origin() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.origin
}

// SetOrigin sets the record origin.
func (a *App) SetOrigin(origin string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.origin = origin
}

// AddQuirk sets a trait flag on the record.
func (a *App) AddQuirk(q Quirk) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.quirks |= q
}

// HasQuirk reports whether a trait flag is set.
func (a *App) HasQuirk(q Quirk) bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.quirks&q != 0
}

// Name returns the display name.
func (a *App) Name() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.name
}

// SetName sets the display name.
func (a *App) SetName(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.name = name
}

// Summary returns the one-line summary.
func (a *App) Summary() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.summary
}

// SetSummary sets the one-line summary.
func (a *App) SetSummary(summary string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.summary = summary
}

// Description returns the long description.
func (a *App) Description() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.description
}

// SetDescription sets the long description.
func (a *App) SetDescription(description string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.description = description
}

// Version returns the currently installed version.
func (a *App) Version() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.version
}

// SetVersion sets the currently installed version.
func (a *App) SetVersion(version string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.version = version
}

// UpdateVersion returns the version an update would install.
func (a *App) UpdateVersion() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.updateVersion
}

// SetUpdateVersion sets the version an update would install.
func (a *App) SetUpdateVersion(version string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.updateVersion = version
}

// UpdateDetails returns the human-readable update notes.
func (a *App) UpdateDetails() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.updateDetails
}

// SetUpdateDetails sets the human-readable update notes.
func (a *App) SetUpdateDetails(details string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.updateDetails = details
}

// ManagementPlugin returns the name of the plugin that owns this record.
func (a *App) ManagementPlugin() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.managementPlugin
}

// SetManagementPlugin records which plugin owns install/remove for this app.
func (a *App) SetManagementPlugin(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.managementPlugin = name
}

// LocalFile returns the path of a downloaded artifact, if any.
func (a *App) LocalFile() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.localFile
}

// SetLocalFile sets the path of a downloaded artifact.
func (a *App) SetLocalFile(path string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.localFile = path
}

// SizeDownload returns how many bytes still need downloading.
func (a *App) SizeDownload() int64 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sizeDownload
}

// SetSizeDownload sets the remaining download size.
func (a *App) SetSizeDownload(size int64) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sizeDownload = size
}

// Progress returns the current operation progress in percent.
func (a *App) Progress() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.progress
}

// SetProgress sets the current operation progress in percent.
func (a *App) SetProgress(percent int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	a.progress = percent
}

// Rating returns the normalized 0-100 rating, or RatingUnknown.
func (a *App) Rating() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.rating
}

// SetRating sets the normalized 0-100 rating.
func (a *App) SetRating(rating int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.rating = rating
}

// ReviewRatings returns the raw six-bucket star histogram, or nil when no
// rating data has been refined in yet.
func (a *App) ReviewRatings() []uint32 {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.reviewRatings
}

// SetReviewRatings sets the raw six-bucket star histogram.
func (a *App) SetReviewRatings(ratings []uint32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reviewRatings = ratings
}

// Reviews returns the refined review list.
func (a *App) Reviews() []*Review {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.reviews
}

// AddReview appends a review to the record.
func (a *App) AddReview(r *Review) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reviews = append(a.reviews, r)
}

// CompatIDs returns alternative identifiers this record is known by,
// including the main ID.
func (a *App) CompatIDs() []string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	ids := []string{a.id}
	for _, id := range a.compatIDs {
		if id != a.id {
			ids = append(ids, id)
		}
	}
	return ids
}

// AddCompatID records an alternative identifier for this record.
func (a *App) AddCompatID(id string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, existing := range a.compatIDs {
		if existing == id {
			return
		}
	}
	a.compatIDs = append(a.compatIDs, id)
}

// Metadata returns the value stashed under key, or "".
func (a *App) Metadata(key string) string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.metadata[key]
}

// SetMetadata stashes plugin cross-call state on the record. Setting a key
// that already holds a different value is an error; plugins use an empty
// value to clear the key first.
func (a *App) SetMetadata(key, value string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if value == "" {
		delete(a.metadata, key)
		return nil
	}
	if existing, ok := a.metadata[key]; ok && existing != value {
		return fmt.Errorf("metadata %q already set to %q", key, existing)
	}
	a.metadata[key] = value
	return nil
}

// WilsonRating converts a six-bucket star histogram into a normalized
// 0-100 rating using the lower bound of the Wilson score interval, so a
// single 5-star review does not outrank hundreds of 4-star ones.
func WilsonRating(histogram []uint32) int {
	if len(histogram) < 6 {
		return RatingUnknown
	}
	var total float64
	for i := 1; i <= 5; i++ {
		total += float64(histogram[i])
	}
	if total == 0 {
		return RatingUnknown
	}
	var acc float64
	for i := 1; i <= 5; i++ {
		pos := float64(histogram[i]) * float64(i) / 5.0
		acc += pos
	}
	phat := acc / total
	const z = 1.96
	wilson := (phat + z*z/(2*total) - z*math.Sqrt((phat*(1-phat)+z*z/(4*total))/total)) / (1 + z*z/total)
	return int(math.Round(wilson * 100))
}

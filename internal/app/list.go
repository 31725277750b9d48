package app

import "sync"

// List is an ordered collection of application records deduplicated by
// unique ID. Records originating from different plugins collapse onto the
// first record observed for an identity; data only the newer record has is
// merged into the kept one.
type List struct {
	mu    sync.RWMutex
	items []*App
	index map[string]*App
}

// NewList creates an empty list.
func NewList() *List {
	return &List{index: make(map[string]*App)}
}

// Add appends an app, merging it into an existing record when one with the
// same unique ID is already present.
func (l *List) Add(a *App) {
	if a == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	key := a.UniqueID()
	if existing, ok := l.index[key]; ok {
		if existing != a {
			merge(existing, a)
		}
		return
	}
	l.index[key] = a
	l.items = append(l.items, a)
}

// AddList appends every app from other.
func (l *List) AddList(other *List) {
	for _, a := range other.Apps() {
		l.Add(a)
	}
}

// Apps returns a snapshot of the list contents.
func (l *List) Apps() []*App {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*App, len(l.items))
	copy(out, l.items)
	return out
}

// Len returns the number of records.
func (l *List) Len() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.items)
}

// Lookup returns the record with the given unique ID, or nil.
func (l *List) Lookup(uniqueID string) *App {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.index[uniqueID]
}

// merge copies fields the kept record is missing from the duplicate.
// Identity, state and plugin ownership stay with the kept record.
func merge(dst, src *App) {
	if dst.Name() == "" {
		dst.SetName(src.Name())
	}
	if dst.Summary() == "" {
		dst.SetSummary(src.Summary())
	}
	if dst.Description() == "" {
		dst.SetDescription(src.Description())
	}
	if dst.Version() == "" {
		dst.SetVersion(src.Version())
	}
	if dst.UpdateVersion() == "" {
		dst.SetUpdateVersion(src.UpdateVersion())
	}
	if dst.UpdateDetails() == "" {
		dst.SetUpdateDetails(src.UpdateDetails())
	}
	if dst.Kind() == KindUnknown {
		dst.SetKind(src.Kind())
	}
	if dst.Rating() == RatingUnknown {
		dst.SetRating(src.Rating())
	}
	if dst.ReviewRatings() == nil {
		dst.SetReviewRatings(src.ReviewRatings())
	}
	if len(dst.Reviews()) == 0 {
		for _, r := range src.Reviews() {
			dst.AddReview(r)
		}
	}
}

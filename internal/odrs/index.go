// Package odrs provides ratings and review data from an Open Desktop
// Ratings Service compatible review server.
package odrs

import (
	"encoding/json"
	"sort"
	"sync"

	"codeberg.org/depot-center/depot/internal/plugin"
)

// Rating maps one application ID to its six-bucket star histogram.
type Rating struct {
	AppID   string
	Buckets [6]uint32
}

var starNames = [6]string{"star0", "star1", "star2", "star3", "star4", "star5"}

// RatingIndex is an immutable sorted rating table with atomic wholesale
// replacement. Rebuild swaps the entire slice under the lock; Lookup takes
// a snapshot reference under the lock and binary-searches outside it, so
// readers never observe a half-built table.
type RatingIndex struct {
	mu      sync.Mutex
	ratings []Rating
}

// Rebuild parses the ratings JSON document, an object keyed by app ID with
// per-app star-count objects, and installs the result. Entries missing any
// star field are skipped rather than failing the whole rebuild.
func (x *RatingIndex) Rebuild(data []byte) error {
	var doc map[string]map[string]int64
	if err := json.Unmarshal(data, &doc); err != nil {
		return plugin.WrapError(plugin.CodeInvalidFormat, err)
	}

	ratings := make([]Rating, 0, len(doc))
	for appID, fields := range doc {
		var r Rating
		r.AppID = appID
		complete := true
		for i, name := range starNames {
			count, ok := fields[name]
			if !ok {
				complete = false
				break
			}
			r.Buckets[i] = uint32(count)
		}
		if !complete {
			continue
		}
		ratings = append(ratings, r)
	}
	sort.Slice(ratings, func(i, j int) bool { return ratings[i].AppID < ratings[j].AppID })

	x.mu.Lock()
	x.ratings = ratings
	x.mu.Unlock()
	return nil
}

// Lookup returns the histogram for appID, if present.
func (x *RatingIndex) Lookup(appID string) ([6]uint32, bool) {
	x.mu.Lock()
	ratings := x.ratings
	x.mu.Unlock()

	i := sort.Search(len(ratings), func(i int) bool { return ratings[i].AppID >= appID })
	if i < len(ratings) && ratings[i].AppID == appID {
		return ratings[i].Buckets, true
	}
	return [6]uint32{}, false
}

// Loaded reports whether a table has been installed.
func (x *RatingIndex) Loaded() bool {
	x.mu.Lock()
	defer x.mu.Unlock()
	return x.ratings != nil
}

// Len returns the number of entries in the current table.
func (x *RatingIndex) Len() int {
	x.mu.Lock()
	defer x.mu.Unlock()
	return len(x.ratings)
}

package app

import "time"

// ReviewFlag marks provenance and moderation state of a review.
type ReviewFlag uint32

const (
	// ReviewFlagSelf marks a review written by the local user.
	ReviewFlagSelf ReviewFlag = 1 << iota
	// ReviewFlagVoted marks a review the local user has already voted on.
	ReviewFlagVoted
	// ReviewFlagReported marks a review the local user has reported.
	ReviewFlagReported
)

// Review is a single user review attached to an application record.
type Review struct {
	ID           string
	ReviewerID   string
	ReviewerName string
	Rating       int
	Priority     int
	Summary      string
	Description  string
	Version      string
	Date         time.Time
	Flags        ReviewFlag

	// Metadata carries plugin private state such as submission tokens.
	Metadata map[string]string
}

// MetadataItem returns the value stashed under key, or "".
func (r *Review) MetadataItem(key string) string {
	if r.Metadata == nil {
		return ""
	}
	return r.Metadata[key]
}

// AddMetadata stashes plugin private state on the review.
func (r *Review) AddMetadata(key, value string) {
	if r.Metadata == nil {
		r.Metadata = make(map[string]string)
	}
	r.Metadata[key] = value
}

// HasFlag reports whether flag is set on the review.
func (r *Review) HasFlag(flag ReviewFlag) bool {
	return r.Flags&flag != 0
}

// AddFlag sets flag on the review.
func (r *Review) AddFlag(flag ReviewFlag) {
	r.Flags |= flag
}

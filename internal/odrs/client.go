package odrs

import (
	"context"
	"encoding/json"
	"math"
	"net/http"
	"strconv"
	"time"

	"codeberg.org/depot-center/depot/internal/app"
	"codeberg.org/depot-center/depot/internal/download"
	"codeberg.org/depot-center/depot/internal/plugin"
)

// maxFetchResults caps how many reviews one fetch request asks for.
const maxFetchResults = 20

// fetchRequest is the body of a review fetch call.
type fetchRequest struct {
	UserHash  string   `json:"user_hash"`
	AppID     string   `json:"app_id"`
	Locale    string   `json:"locale"`
	Distro    string   `json:"distro"`
	Version   string   `json:"version"`
	Limit     int      `json:"limit"`
	CompatIDs []string `json:"compat_ids,omitempty"`
}

// submitRequest is the body of a review submit call.
type submitRequest struct {
	UserHash    string `json:"user_hash"`
	UserSkey    string `json:"user_skey"`
	AppID       string `json:"app_id"`
	Locale      string `json:"locale"`
	Distro      string `json:"distro"`
	Version     string `json:"version"`
	UserDisplay string `json:"user_display"`
	Summary     string `json:"summary"`
	Description string `json:"description"`
	Rating      int    `json:"rating"`
}

// voteRequest is the body of the vote/report/dismiss/remove calls.
type voteRequest struct {
	UserHash string `json:"user_hash"`
	UserSkey string `json:"user_skey"`
	AppID    string `json:"app_id"`
	ReviewID int64  `json:"review_id,omitempty"`
}

// envelope is the server's generic response wrapper.
type envelope struct {
	Success bool   `json:"success"`
	Msg     string `json:"msg"`
}

// reviewObject is one review as serialized by the server.
type reviewObject struct {
	ReviewID    *int64  `json:"review_id"`
	Rating      *int    `json:"rating"`
	Score       *int    `json:"score"`
	KarmaUp     *int64  `json:"karma_up"`
	KarmaDown   *int64  `json:"karma_down"`
	UserHash    string  `json:"user_hash"`
	UserDisplay string  `json:"user_display"`
	UserSkey    string  `json:"user_skey"`
	AppID       string  `json:"app_id"`
	Summary     string  `json:"summary"`
	Description string  `json:"description"`
	Version     string  `json:"version"`
	DateCreated *int64  `json:"date_created"`
	VoteID      *int64  `json:"vote_id"`
}

// client wraps the HTTP conversation with the review server.
type client struct {
	http *download.Client
}

// post sends a JSON body and checks the {"success","msg"} envelope.
func (c *client) post(ctx context.Context, uri string, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return plugin.WrapError(plugin.CodeFailed, err)
	}
	respBody, status, err := c.http.PostJSON(ctx, uri, data)
	if err != nil {
		return err
	}
	if err := parseEnvelope(respBody); err != nil {
		return err
	}
	if status != http.StatusOK {
		return plugin.Errorf(plugin.CodeFailed,
			"review server returned status %d for %s", status, uri)
	}
	return nil
}

// fetch sends a review fetch request and returns the raw response body so
// the caller can persist it verbatim before parsing.
func (c *client) fetch(ctx context.Context, uri string, req *fetchRequest) ([]byte, error) {
	data, err := json.Marshal(req)
	if err != nil {
		return nil, plugin.WrapError(plugin.CodeFailed, err)
	}
	respBody, status, err := c.http.PostJSON(ctx, uri, data)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		// The server reports failures in the envelope even for
		// non-200 responses.
		if err := parseEnvelope(respBody); err != nil {
			return nil, err
		}
		return nil, plugin.Errorf(plugin.CodeDownloadFailed,
			"review server returned status %d", status)
	}
	return respBody, nil
}

// parseEnvelope decodes a {"success","msg"} response.
func parseEnvelope(data []byte) error {
	if len(data) == 0 {
		return plugin.Errorf(plugin.CodeInvalidFormat, "review server returned no data")
	}
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return plugin.WrapError(plugin.CodeInvalidFormat, err)
	}
	if !env.Success {
		msg := env.Msg
		if msg == "" {
			msg = "unknown failure"
		}
		return plugin.Errorf(plugin.CodeInvalidFormat, "%s", msg)
	}
	return nil
}

// parseReviews decodes a review array, deduplicating by reviewer ID with
// the first occurrence winning.
func parseReviews(data []byte) ([]*app.Review, error) {
	if len(data) == 0 {
		return nil, plugin.Errorf(plugin.CodeInvalidFormat, "review server returned no data")
	}
	var objects []reviewObject
	if err := json.Unmarshal(data, &objects); err != nil {
		return nil, plugin.WrapError(plugin.CodeInvalidFormat, err)
	}

	seen := make(map[string]bool)
	reviews := make([]*app.Review, 0, len(objects))
	for i := range objects {
		obj := &objects[i]
		if obj.UserHash == "" {
			continue
		}
		if seen[obj.UserHash] {
			continue
		}
		seen[obj.UserHash] = true
		reviews = append(reviews, obj.toReview())
	}
	return reviews, nil
}

func (o *reviewObject) toReview() *app.Review {
	r := &app.Review{
		ReviewerID:   o.UserHash,
		ReviewerName: o.UserDisplay,
		Summary:      o.Summary,
		Description:  o.Description,
		Version:      o.Version,
	}
	if o.ReviewID != nil {
		r.ID = formatInt(*o.ReviewID)
	}
	if o.DateCreated != nil {
		r.Date = time.Unix(*o.DateCreated, 0).UTC()
	}
	if o.Rating != nil {
		r.Rating = *o.Rating
	}
	switch {
	case o.Score != nil:
		r.Priority = *o.Score
	case o.KarmaUp != nil && o.KarmaDown != nil:
		r.Priority = karmaPriority(*o.KarmaUp, *o.KarmaDown)
	}
	if o.VoteID != nil {
		r.AddFlag(app.ReviewFlagVoted)
	}
	if o.UserSkey != "" {
		r.AddMetadata("user_skey", o.UserSkey)
	}
	if o.AppID != "" {
		r.AddMetadata("app_id", o.AppID)
	}
	return r
}

// karmaPriority converts up/down vote counts into a 0-100 priority using
// the lower bound of the Wilson score interval.
func karmaPriority(up, down int64) int {
	ku, kd := float64(up), float64(down)
	if ku <= 0 && kd <= 0 {
		return 0
	}
	n := ku + kd
	wilson := ((ku+1.9208)/n - 1.96*math.Sqrt(ku*kd/n+0.9604)/n) / (1 + 3.8416/n)
	return int(wilson * 100)
}

func formatInt(v int64) string {
	return strconv.FormatInt(v, 10)
}

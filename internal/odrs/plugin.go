package odrs

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"codeberg.org/depot-center/depot/internal/app"
	"codeberg.org/depot-center/depot/internal/cachedir"
	"codeberg.org/depot-center/depot/internal/download"
	"codeberg.org/depot-center/depot/internal/plugin"
)

const (
	// PluginName is how other plugins reference this one in ordering
	// constraints.
	PluginName = "odrs"

	cacheNamespace = "odrs"
	ratingsFile    = "ratings.json"

	// reviewCacheMaxAge matches the upstream one-week invalidation window.
	reviewCacheMaxAge = 7 * 24 * time.Hour

	reviewMemoSize = 128

	// userSkeyMetadata is where the submission token from fetched
	// reviews is stashed on the app record.
	userSkeyMetadata = "ODRS::user_skey"
)

// Config carries the identity the review server wants with every request.
type Config struct {
	// Server is the review server base URL. Empty disables the plugin.
	Server   string
	UserHash string
	UserName string
	Distro   string
	Locale   string
}

// Plugin serves ratings and reviews. Ratings live in an in-memory sorted
// index rebuilt from a cached ratings.json; reviews are cached per app on
// disk with an LRU memo above it.
type Plugin struct {
	logger *slog.Logger
	cache  *cachedir.Cache
	client *client
	index  *RatingIndex

	cfg Config

	// serverMu guards the server URL; it is never held across network
	// calls.
	serverMu sync.Mutex
	server   string

	memo *lru.Cache[string, []*app.Review]
}

var (
	_ plugin.Plugin          = (*Plugin)(nil)
	_ plugin.Refiner         = (*Plugin)(nil)
	_ plugin.Refresher       = (*Plugin)(nil)
	_ plugin.ReviewSubmitter = (*Plugin)(nil)
)

// New creates the reviews plugin.
func New(cfg Config, httpClient *download.Client, cache *cachedir.Cache, logger *slog.Logger) *Plugin {
	memo, _ := lru.New[string, []*app.Review](reviewMemoSize)
	return &Plugin{
		logger: logger.With("plugin", PluginName),
		cache:  cache,
		client: &client{http: httpClient},
		index:  &RatingIndex{},
		cfg:    cfg,
		server: strings.TrimRight(cfg.Server, "/"),
		memo:   memo,
	}
}

// Descriptor implements plugin.Plugin. Reviews need application IDs and
// versions, so this plugin runs after the plugins that provide them.
func (p *Plugin) Descriptor() plugin.Descriptor {
	return plugin.Descriptor{
		Name:         PluginName,
		RunAfter:     []string{"fwupd"},
		NeedsNetwork: true,
	}
}

// Setup implements plugin.Plugin.
func (p *Plugin) Setup(ctx context.Context) error {
	if p.serverURL() == "" {
		return plugin.Errorf(plugin.CodeNotSupported, "no review server configured")
	}
	if p.cfg.UserHash == "" {
		return plugin.Errorf(plugin.CodeNotSupported, "no user hash available")
	}
	return nil
}

// Shutdown implements plugin.Plugin.
func (p *Plugin) Shutdown() {}

// SetReviewServer replaces the review server endpoint at runtime.
func (p *Plugin) SetReviewServer(server string) {
	p.serverMu.Lock()
	defer p.serverMu.Unlock()
	p.server = strings.TrimRight(server, "/")
}

func (p *Plugin) serverURL() string {
	p.serverMu.Lock()
	defer p.serverMu.Unlock()
	return p.server
}

// Refresh implements plugin.Refresher. It re-downloads the whole ratings
// table unless the cached copy is younger than maxAge, then rebuilds the
// index. An unreachable ratings server is not an error; the old table is
// kept.
func (p *Plugin) Refresh(ctx context.Context, maxAge time.Duration) error {
	server := p.serverURL()
	if server == "" {
		return nil
	}

	if maxAge > 0 && p.cache.Age(cacheNamespace, ratingsFile) < maxAge {
		p.logger.Debug("ratings cache is fresh, skipping download")
		return p.loadRatingsFromCache()
	}

	uri := server + "/ratings"
	p.logger.Debug("updating ratings cache", "uri", uri)
	data, err := p.client.http.Fetch(ctx, uri)
	if err != nil {
		// Best-effort: rating data missing only degrades the UI.
		p.logger.Warn("failed to download ratings", "uri", uri, "error", err)
		return nil
	}
	if err := p.cache.Write(cacheNamespace, ratingsFile, data); err != nil {
		return plugin.WrapError(plugin.CodeWriteFailed, err)
	}
	return p.index.Rebuild(data)
}

func (p *Plugin) loadRatingsFromCache() error {
	data, err := p.cache.Read(cacheNamespace, ratingsFile)
	if err != nil {
		return nil // nothing cached yet
	}
	return p.index.Rebuild(data)
}

// Refine implements plugin.Refiner, adding review and rating data.
func (p *Plugin) Refine(ctx context.Context, a *app.App, flags plugin.RefineFlags) error {
	if !flags.Has(plugin.RefineReviews | plugin.RefineReviewRatings | plugin.RefineRating) {
		return nil
	}
	// Add-ons have no reviews of their own, and anonymous records
	// cannot be looked up.
	if a.Kind() == app.KindAddon || a.ID() == "" {
		return nil
	}

	if flags.Has(plugin.RefineReviews) && len(a.Reviews()) == 0 {
		if err := p.refineReviews(ctx, a); err != nil {
			return err
		}
	}
	if flags.Has(plugin.RefineReviewRatings|plugin.RefineRating) && a.ReviewRatings() == nil {
		if err := p.refineRatings(a); err != nil {
			return err
		}
	}
	return nil
}

// refineRatings aggregates histograms over all IDs the app is known by.
func (p *Plugin) refineRatings(a *app.App) error {
	if p.serverURL() == "" {
		return nil
	}
	if !p.index.Loaded() {
		// Offline start: fall back to whatever the last run cached.
		if err := p.loadRatingsFromCache(); err != nil {
			return nil
		}
		if !p.index.Loaded() {
			return nil
		}
	}

	var acc [6]uint32
	found := 0
	for _, id := range a.CompatIDs() {
		buckets, ok := p.index.Lookup(id)
		if !ok {
			continue
		}
		for i := range acc {
			acc[i] += buckets[i]
		}
		found++
	}
	if found == 0 {
		return nil
	}

	histogram := acc[:]
	a.SetReviewRatings(histogram)
	if rating := app.WilsonRating(histogram); rating > 0 {
		a.SetRating(rating)
	}
	return nil
}

// refineReviews fetches reviews for the app, preferring the memo, then
// the disk cache, then the server.
func (p *Plugin) refineReviews(ctx context.Context, a *app.App) error {
	reviews, err := p.fetchForApp(ctx, a)
	if err != nil {
		return err
	}
	for i, review := range reviews {
		// The first review carries the submission token for this
		// user+app pair; keep it for submit/vote calls.
		if i == 0 {
			if skey := review.MetadataItem("user_skey"); skey != "" {
				if err := a.SetMetadata(userSkeyMetadata, skey); err != nil {
					p.logger.Debug("keeping existing submission token", "app", a.ID())
				}
			}
		}
		if review.Rating == 0 {
			continue
		}
		if review.ReviewerID == p.cfg.UserHash {
			review.AddFlag(app.ReviewFlagSelf)
		}
		a.AddReview(review)
	}
	return nil
}

func (p *Plugin) fetchForApp(ctx context.Context, a *app.App) ([]*app.Review, error) {
	server := p.serverURL()
	if server == "" {
		return nil, nil
	}
	appID := a.ID()

	if cached, ok := p.memo.Get(appID); ok {
		return cached, nil
	}

	basename := appID + ".json"
	if p.cache.Age(cacheNamespace, basename) < reviewCacheMaxAge {
		data, err := p.cache.Read(cacheNamespace, basename)
		if err == nil {
			reviews, perr := parseReviews(data)
			if perr != nil {
				return nil, perr
			}
			p.logger.Debug("got review data from cache", "app", appID)
			p.memo.Add(appID, reviews)
			return reviews, nil
		}
	}

	version := a.Version()
	if version == "" {
		version = "unknown"
	}
	req := &fetchRequest{
		UserHash:  p.cfg.UserHash,
		AppID:     appID,
		Locale:    p.cfg.Locale,
		Distro:    p.cfg.Distro,
		Version:   version,
		Limit:     maxFetchResults,
		CompatIDs: compatIDsOnly(a),
	}
	data, err := p.client.fetch(ctx, server+"/fetch", req)
	if err != nil {
		return nil, err
	}
	reviews, err := parseReviews(data)
	if err != nil {
		return nil, err
	}
	// Persist the raw response verbatim so the next parse sees exactly
	// what the server sent.
	if err := p.cache.Write(cacheNamespace, basename, data); err != nil {
		return nil, plugin.WrapError(plugin.CodeWriteFailed, err)
	}
	p.memo.Add(appID, reviews)
	return reviews, nil
}

// compatIDsOnly returns the alternative IDs without the main one.
func compatIDsOnly(a *app.App) []string {
	ids := a.CompatIDs()
	if len(ids) <= 1 {
		return nil
	}
	return ids[1:]
}

// SubmitReview implements plugin.ReviewSubmitter.
func (p *Plugin) SubmitReview(ctx context.Context, a *app.App, review *app.Review) error {
	server := p.serverURL()
	if server == "" {
		return plugin.Errorf(plugin.CodeNotSupported, "the reviews plugin is disabled")
	}

	review.AddFlag(app.ReviewFlagSelf)
	review.ReviewerName = p.cfg.UserName
	review.AddMetadata("app_id", a.ID())
	if skey := a.Metadata(userSkeyMetadata); skey != "" {
		review.AddMetadata("user_skey", skey)
	}

	req := &submitRequest{
		UserHash:    p.cfg.UserHash,
		UserSkey:    review.MetadataItem("user_skey"),
		AppID:       a.ID(),
		Locale:      p.cfg.Locale,
		Distro:      p.cfg.Distro,
		Version:     sanitizeVersion(review.Version),
		UserDisplay: review.ReviewerName,
		Summary:     review.Summary,
		Description: review.Description,
		Rating:      review.Rating,
	}

	// Drop the cached copy so the next fetch re-syncs with the server.
	if err := p.invalidate(a.ID()); err != nil {
		return err
	}
	return p.client.post(ctx, server+"/submit", req)
}

// VoteReview implements plugin.ReviewSubmitter. Action is one of upvote,
// downvote, dismiss, report or remove.
func (p *Plugin) VoteReview(ctx context.Context, review *app.Review, action string) error {
	server := p.serverURL()
	if server == "" {
		return plugin.Errorf(plugin.CodeNotSupported, "the reviews plugin is disabled")
	}
	switch action {
	case "upvote", "downvote", "dismiss", "report", "remove":
	default:
		return plugin.Errorf(plugin.CodeNotSupported, "unknown review action %q", action)
	}

	req := &voteRequest{
		UserHash: p.cfg.UserHash,
		UserSkey: review.MetadataItem("user_skey"),
		AppID:    review.MetadataItem("app_id"),
	}
	if review.ID != "" {
		id, err := strconv.ParseInt(review.ID, 10, 64)
		if err != nil {
			return plugin.Errorf(plugin.CodeInvalidFormat, "bad review id %q", review.ID)
		}
		req.ReviewID = id
	}

	if err := p.invalidate(req.AppID); err != nil {
		return err
	}
	if err := p.client.post(ctx, server+"/"+action, req); err != nil {
		return err
	}
	switch action {
	case "report":
		review.AddFlag(app.ReviewFlagReported)
	default:
		review.AddFlag(app.ReviewFlagVoted)
	}
	return nil
}

func (p *Plugin) invalidate(appID string) error {
	if appID == "" {
		return nil
	}
	p.memo.Remove(appID)
	if err := p.cache.Delete(cacheNamespace, appID+".json"); err != nil {
		return plugin.WrapError(plugin.CodeWriteFailed,
			fmt.Errorf("invalidating review cache for %s: %w", appID, err))
	}
	return nil
}

// sanitizeVersion strips packaging noise (epoch, release suffix, +dfsg)
// so the server groups reviews by upstream version.
func sanitizeVersion(version string) string {
	if version == "" {
		return "unknown"
	}
	if i := strings.LastIndex(version, ":"); i >= 0 {
		version = version[i+1:]
	}
	if i := strings.Index(version, "-"); i >= 0 {
		version = version[:i]
	}
	if i := strings.Index(version, "+dfsg"); i >= 0 {
		version = version[:i]
	}
	return version
}

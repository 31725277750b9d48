package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"codeberg.org/depot-center/depot/internal/app"
	"codeberg.org/depot-center/depot/internal/loader"
	"codeberg.org/depot-center/depot/internal/plugin"
)

// Refine flags applied to the listing endpoints.
const (
	updatesFlags   = plugin.RefineUpdateDetails | plugin.RefineVersion | plugin.RefineSize
	installedFlags = plugin.RefineRating | plugin.RefineReviewRatings | plugin.RefineVersion
	sourcesFlags   = plugin.RefineFlags(0)
)

// defaultRefreshAge is how stale metadata may be before POST /v1/refresh
// forces a re-download.
const defaultRefreshAge = time.Hour

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)

	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/updates", s.handleUpdates)
		r.Get("/installed", s.handleInstalled)
		r.Get("/sources", s.handleSources)
		r.Get("/apps/{id}", s.handleGetApp)
		r.Post("/apps/{id}/install", s.handleInstall)
		r.Post("/apps/{id}/remove", s.handleRemove)
		r.Post("/refresh", s.handleRefresh)
		r.Get("/events", s.handleEvents)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	list, err := s.loader.Do(r.Context(), loader.JobRequest{
		Kind:  loader.JobGetUpdates,
		Flags: updatesFlags,
	})
	if err != nil {
		s.respondJobError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toAppsJSON(list.Apps()))
}

func (s *Server) handleInstalled(w http.ResponseWriter, r *http.Request) {
	list, err := s.loader.Do(r.Context(), loader.JobRequest{
		Kind:  loader.JobGetInstalled,
		Flags: installedFlags,
	})
	if err != nil {
		s.respondJobError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toAppsJSON(list.Apps()))
}

func (s *Server) handleSources(w http.ResponseWriter, r *http.Request) {
	list, err := s.loader.Do(r.Context(), loader.JobRequest{
		Kind:  loader.JobGetSources,
		Flags: sourcesFlags,
	})
	if err != nil {
		s.respondJobError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toAppsJSON(list.Apps()))
}

// handleGetApp returns the stored record for an installed app.
func (s *Server) handleGetApp(w http.ResponseWriter, r *http.Request) {
	if s.appStore == nil {
		respondError(w, http.StatusNotFound, "app not found")
		return
	}
	record, err := s.appStore.GetByUniqueID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.logger.Error("failed to load app record", "error", err)
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if record == nil {
		respondError(w, http.StatusNotFound, "app not found")
		return
	}
	respondJSON(w, http.StatusOK, record)
}

func (s *Server) handleInstall(w http.ResponseWriter, r *http.Request) {
	a, ok := s.findApp(w, r)
	if !ok {
		return
	}
	if _, err := s.loader.Do(r.Context(), loader.JobRequest{
		Kind:        loader.JobInstall,
		App:         a,
		Interactive: true,
	}); err != nil {
		s.respondJobError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toAppJSON(a))
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	a, ok := s.findApp(w, r)
	if !ok {
		return
	}
	if _, err := s.loader.Do(r.Context(), loader.JobRequest{
		Kind: loader.JobRemove,
		App:  a,
	}); err != nil {
		s.respondJobError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, toAppJSON(a))
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if _, err := s.loader.Do(r.Context(), loader.JobRequest{
		Kind:   loader.JobRefresh,
		MaxAge: defaultRefreshAge,
	}); err != nil {
		s.respondJobError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "refreshed"})
}

// findApp resolves the {id} path parameter to a live app record from the
// current updates or sources listings.
func (s *Server) findApp(w http.ResponseWriter, r *http.Request) (*app.App, bool) {
	id := chi.URLParam(r, "id")

	for _, kind := range []loader.JobKind{loader.JobGetUpdates, loader.JobGetSources} {
		list, err := s.loader.Do(r.Context(), loader.JobRequest{Kind: kind})
		if err != nil {
			s.respondJobError(w, err)
			return nil, false
		}
		for _, a := range list.Apps() {
			if a.ID() == id || a.UniqueID() == id {
				return a, true
			}
		}
	}

	respondError(w, http.StatusNotFound, "app not found")
	return nil, false
}

func (s *Server) respondJobError(w http.ResponseWriter, err error) {
	s.logger.Error("job failed", "error", err)
	status := http.StatusInternalServerError
	switch plugin.CodeOf(err) {
	case plugin.CodeNotSupported, plugin.CodeInvalidFormat:
		status = http.StatusBadRequest
	case plugin.CodeAuthInvalid:
		status = http.StatusUnauthorized
	case plugin.CodeNoNetwork, plugin.CodeDownloadFailed:
		status = http.StatusBadGateway
	case plugin.CodeCancelled:
		status = http.StatusRequestTimeout
	}
	respondError(w, status, err.Error())
}

type appJSON struct {
	ID               string `json:"id"`
	UniqueID         string `json:"unique_id"`
	Kind             string `json:"kind"`
	State            string `json:"state"`
	Name             string `json:"name,omitempty"`
	Summary          string `json:"summary,omitempty"`
	Version          string `json:"version,omitempty"`
	UpdateVersion    string `json:"update_version,omitempty"`
	UpdateDetails    string `json:"update_details,omitempty"`
	ManagementPlugin string `json:"management_plugin,omitempty"`
	SizeDownload     int64  `json:"size_download,omitempty"`
	Progress         int    `json:"progress"`
	Rating           int    `json:"rating"`
}

func toAppJSON(a *app.App) appJSON {
	return appJSON{
		ID:               a.ID(),
		UniqueID:         a.UniqueID(),
		Kind:             a.Kind().String(),
		State:            a.State().String(),
		Name:             a.Name(),
		Summary:          a.Summary(),
		Version:          a.Version(),
		UpdateVersion:    a.UpdateVersion(),
		UpdateDetails:    a.UpdateDetails(),
		ManagementPlugin: a.ManagementPlugin(),
		SizeDownload:     a.SizeDownload(),
		Progress:         a.Progress(),
		Rating:           a.Rating(),
	}
}

func toAppsJSON(apps []*app.App) []appJSON {
	out := make([]appJSON, 0, len(apps))
	for _, a := range apps {
		out = append(out, toAppJSON(a))
	}
	return out
}

func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
	})
}

// SPDX-FileCopyrightText: 2026 Deutsche Telekom AG
//
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"sigs.k8s.io/controller-runtime/pkg/log"

	"github.com/telekom/openapi-discovery-operator/pkg/apidoc"
	"github.com/telekom/openapi-discovery-operator/pkg/speccache"
)

// StatusHeader carries the cache status of a served specification.
const StatusHeader = "X-Spec-Status"

// APISummary is one element of the /apis listing.
type APISummary struct {
	Name      string           `json:"name"`
	Status    speccache.Status `json:"status"`
	FetchedAt time.Time        `json:"fetchedAt,omitzero"`
	LastError string           `json:"lastError,omitempty"`
	SpecURL   string           `json:"specUrl"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if !s.refresher.Ready() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]bool{"ready": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ready": true})
}

func (s *Server) listAPIs(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	names, err := s.cache.List(ctx)
	if err != nil {
		log.FromContext(ctx).Error(err, "unable to list cached specifications")
		writeError(w, http.StatusInternalServerError, "unable to list APIs")
		return
	}

	apis := make([]APISummary, 0, len(names))
	for _, name := range names {
		entry, err := s.cache.Get(ctx, name)
		switch {
		case errors.Is(err, speccache.ErrNotFound):
			continue
		case err != nil:
			log.FromContext(ctx).V(1).Info("listing unreadable cache entry", "api", name, "error", err.Error())
			apis = append(apis, APISummary{
				Name:      name,
				Status:    speccache.StatusUnknown,
				LastError: unreadableReason(err),
				SpecURL:   "/specs/" + url.PathEscape(name),
			})
			continue
		}
		apis = append(apis, APISummary{
			Name:      entry.Name,
			Status:    entry.Status,
			FetchedAt: entry.FetchedAt,
			LastError: entry.LastError,
			SpecURL:   "/specs/" + url.PathEscape(entry.Name),
		})
	}
	writeJSON(w, http.StatusOK, apis)
}

func unreadableReason(err error) string {
	if errors.Is(err, speccache.ErrTornEntry) {
		return "specification is being updated"
	}
	return "unable to read specification"
}

// lookup resolves the {name} parameter to a cache entry and writes the error
// response when that fails.
func (s *Server) lookup(w http.ResponseWriter, r *http.Request) (speccache.Entry, bool) {
	raw := chi.URLParam(r, "name")
	name, err := url.PathUnescape(raw)
	if err != nil {
		name = raw
	}

	entry, err := s.cache.Get(r.Context(), name)
	switch {
	case errors.Is(err, speccache.ErrNotFound):
		writeError(w, http.StatusNotFound, "API not found: "+name)
		return entry, false
	case errors.Is(err, speccache.ErrTornEntry):
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusServiceUnavailable, unreadableReason(err))
		return entry, false
	case err != nil:
		log.FromContext(r.Context()).Error(err, "unable to read cached specification", "api", name)
		writeError(w, http.StatusInternalServerError, "unable to read specification")
		return entry, false
	}
	w.Header().Set(StatusHeader, string(entry.Status))
	return entry, true
}

func (s *Server) serveSpec(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	body := entry.Body
	if len(body) == 0 {
		body = apidoc.Placeholder(entry.Name)
	}
	w.Header().Set("Content-Type", apidoc.DetectFormat(body).ContentType())
	_, _ = w.Write(body)
}

func (s *Server) serveJSON(w http.ResponseWriter, r *http.Request) {
	entry, ok := s.lookup(w, r)
	if !ok {
		return
	}
	if len(entry.Body) == 0 {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(apidoc.Placeholder(entry.Name))
		return
	}
	out, err := apidoc.ToJSON(entry.Body)
	if err != nil {
		writeError(w, http.StatusBadGateway, "cached document is not a valid specification: "+err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(out)
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	s.refresher.Trigger()
	log.FromContext(r.Context()).Info("refresh triggered via endpoint", "remote", r.RemoteAddr)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "refresh triggered"})
}

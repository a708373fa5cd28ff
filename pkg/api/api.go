// Package api serves the reservation REST interface. Clients hold and
// feed reservations through /api/reservation/{resource}; the CI hook
// lives under /teamcity/.
package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/quartermaster-dev/quartermaster/pkg/allocator"
	"github.com/quartermaster-dev/quartermaster/pkg/model"
	"github.com/quartermaster-dev/quartermaster/pkg/store"
	"github.com/quartermaster-dev/quartermaster/pkg/teamcity"
	"github.com/quartermaster-dev/quartermaster/pkg/util"
)

// Server is the HTTP API.
type Server struct {
	store          *store.Store
	baseURL        string
	reservationMax time.Duration

	// tokens maps API tokens to usernames.
	tokens map[string]string

	// tc is nil when the TeamCity integration is disabled.
	tc *teamcity.Allocator

	mux *http.ServeMux
}

// New builds the API server.
func New(st *store.Store, baseURL string, reservationMax time.Duration, tokens map[string]string, tc *teamcity.Allocator) *Server {
	s := &Server{
		store:          st,
		baseURL:        baseURL,
		reservationMax: reservationMax,
		tokens:         tokens,
		tc:             tc,
		mux:            http.NewServeMux(),
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/api/reservation/{resource}", s.handleReservation)
	s.mux.HandleFunc("/api/reservation/{resource}/{password}", s.handleReservation)
	s.mux.HandleFunc("GET /api/resource/{resource}", s.handleResource)
	if s.tc != nil {
		s.mux.HandleFunc("/teamcity/build_reservation/{build_id}", s.handleBuildReservation)
	}
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body) //nolint:errcheck
	}
}

func writeMessage(w http.ResponseWriter, status int, format string, args ...interface{}) {
	writeJSON(w, status, map[string]string{"message": fmt.Sprintf(format, args...)})
}

// authenticate resolves the caller's username from the Authorization
// header (Token or Basic) or, as a fallback, from a resource password in
// the path. Resource passwords authenticate as the holding user; they are
// rotated on every reservation so a stale one is useless.
func (s *Server) authenticate(r *http.Request, resource *model.Resource) (string, bool) {
	header := r.Header.Get("Authorization")
	const tokenPrefix = "Token "
	if len(header) > len(tokenPrefix) && header[:len(tokenPrefix)] == tokenPrefix {
		if user, ok := s.tokens[header[len(tokenPrefix):]]; ok {
			return user, true
		}
		return "", false
	}
	if user, token, ok := r.BasicAuth(); ok {
		if owner, found := s.tokens[token]; found && owner == user {
			return user, true
		}
		return "", false
	}

	if password := r.PathValue("password"); password != "" && resource != nil {
		if resource.User != nil && resource.UsePassword == password {
			return *resource.User, true
		}
	}
	return "", false
}

// reservationBody is the JSON handed to clients holding a reservation.
func (s *Server) reservationBody(resource *model.Resource) map[string]interface{} {
	devices := make([]map[string]string, 0, len(resource.Devices))
	for i := range resource.Devices {
		device := &resource.Devices[i]
		entry := map[string]string{}
		if config, err := device.Config(); err == nil {
			for k, v := range config {
				entry[k] = v
			}
		}
		entry["host_address"] = device.Host.Address
		entry["driver"] = device.Driver
		entry["name"] = device.String()
		devices = append(devices, entry)
	}

	var user interface{}
	if resource.User != nil {
		user = *resource.User
	}
	var expiration interface{}
	if resource.LastReserved != nil {
		expiration = resource.ReservationExpiration(s.reservationMax).UTC().Format(time.RFC3339)
	}
	return map[string]interface{}{
		"user":                   user,
		"used_for":               resource.UsedFor,
		"use_password":           resource.UsePassword,
		"devices":                devices,
		"reservation_url":        s.reservationURL(resource),
		"reservation_expiration": expiration,
	}
}

func (s *Server) reservationURL(resource *model.Resource) string {
	return s.baseURL + "/api/reservation/" + resource.Name
}

func (s *Server) handleReservation(w http.ResponseWriter, r *http.Request) {
	resource, err := s.store.ResourceByName(r.Context(), r.PathValue("resource"))
	if err != nil {
		if errors.Is(err, util.ErrNotFound) {
			writeMessage(w, http.StatusNotFound, "Resource not found")
			return
		}
		writeMessage(w, http.StatusInternalServerError, "%v", err)
		return
	}

	user, ok := s.authenticate(r, resource)
	if !ok {
		writeMessage(w, http.StatusUnauthorized, "Authentication required")
		return
	}

	switch r.Method {
	case http.MethodPost:
		s.makeReservation(w, r, resource, user)
	case http.MethodGet:
		s.showReservation(w, resource, user)
	case http.MethodDelete:
		if err := allocator.Release(r.Context(), s.store, resource); err != nil {
			writeMessage(w, http.StatusInternalServerError, "%v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	case http.MethodPatch, http.MethodPut:
		if err := allocator.Refresh(r.Context(), s.store, resource); err != nil {
			writeMessage(w, http.StatusInternalServerError, "%v", err)
			return
		}
		writeJSON(w, http.StatusAccepted, s.reservationBody(resource))
	case http.MethodHead:
		if resource.User != nil && *resource.User == user {
			w.WriteHeader(http.StatusOK)
		} else {
			w.WriteHeader(http.StatusNotFound)
		}
	default:
		w.Header().Set("Allow", "GET, POST, PUT, PATCH, DELETE, HEAD")
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) makeReservation(w http.ResponseWriter, r *http.Request, resource *model.Resource, user string) {
	switch {
	case resource.User == nil:
		// The client posts a form-encoded used_for; JSON is accepted for
		// callers scripting against the API directly.
		usedFor := "API User"
		if form := r.PostFormValue("used_for"); form != "" {
			usedFor = form
		} else {
			var body struct {
				UsedFor string `json:"used_for"`
			}
			if err := json.NewDecoder(r.Body).Decode(&body); err == nil && body.UsedFor != "" {
				usedFor = body.UsedFor
			}
		}
		if err := allocator.Make(r.Context(), s.store, resource, user, usedFor); err != nil {
			writeMessage(w, http.StatusInternalServerError, "%v", err)
			return
		}
		writeJSON(w, http.StatusCreated, s.reservationBody(resource))
	case *resource.User == user:
		writeJSON(w, http.StatusOK, s.reservationBody(resource))
	default:
		writeMessage(w, http.StatusForbidden, "The resource in use by another user, %s", *resource.User)
	}
}

func (s *Server) showReservation(w http.ResponseWriter, resource *model.Resource, user string) {
	switch {
	case resource.User == nil:
		w.WriteHeader(http.StatusNotFound)
	case *resource.User == user:
		writeJSON(w, http.StatusOK, s.reservationBody(resource))
	default:
		writeMessage(w, http.StatusForbidden, "The resource in use by another user, %s", *resource.User)
	}
}

// handleResource is the unauthenticated resource status view.
func (s *Server) handleResource(w http.ResponseWriter, r *http.Request) {
	resource, err := s.store.ResourceByName(r.Context(), r.PathValue("resource"))
	if err != nil {
		if errors.Is(err, util.ErrNotFound) {
			writeMessage(w, http.StatusNotFound, "Resource not found")
			return
		}
		writeMessage(w, http.StatusInternalServerError, "%v", err)
		return
	}

	format := func(t *time.Time) interface{} {
		if t == nil {
			return nil
		}
		return t.UTC().Format(time.RFC3339)
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"name":          resource.Name,
		"used_for":      resource.UsedFor,
		"last_reserved": format(resource.LastReserved),
		"last_check_in": format(resource.LastCheckIn),
		"resource_url":  s.baseURL + "/api/resource/" + resource.Name,
	})
}

// handleBuildReservation lets TeamCity build steps drop their own
// reservation. Non-DELETE verbs redirect to the reservation view.
func (s *Server) handleBuildReservation(w http.ResponseWriter, r *http.Request) {
	buildID, err := strconv.ParseInt(r.PathValue("build_id"), 10, 64)
	if err != nil {
		writeMessage(w, http.StatusNotFound, "That resource reservation for that build was not found")
		return
	}

	resources, err := s.store.ResourcesUsedFor(r.Context(), teamcity.UsedFor(buildID))
	if err != nil {
		writeMessage(w, http.StatusInternalServerError, "%v", err)
		return
	}
	if len(resources) == 0 {
		writeMessage(w, http.StatusNotFound, "That resource reservation for that build was not found")
		return
	}
	resource := resources[0]

	if r.Method == http.MethodDelete {
		if err := s.tc.ReleaseForResource(r.Context(), resource); err != nil {
			writeMessage(w, http.StatusInternalServerError, "%v", err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	http.Redirect(w, r, s.reservationURL(resource), http.StatusFound)
}

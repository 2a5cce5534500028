// Package api exposes the filing workflow over HTTP.
package api

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"
	"strings"

	"filing-workflow/internal/access"
	"filing-workflow/internal/autosave"
	"filing-workflow/internal/common/errors"
	"filing-workflow/internal/common/idempotency"
	"filing-workflow/internal/common/logger"
	"filing-workflow/internal/store"

	"github.com/gorilla/mux"
)

type Deps struct {
	Service     *store.Service
	AutoSave    *autosave.Coordinator
	Idempotency idempotency.Store
	Auth        *Authenticator
	// RateLimiter is optional.
	RateLimiter *RateLimiter
	Logger      logger.Logger
}

type Server struct {
	service  *store.Service
	autosave *autosave.Coordinator
	idem     idempotency.Store
	auth     *Authenticator
	limiter  *RateLimiter
	errs     *errors.ErrorHandler
	logger   logger.Logger
}

func NewServer(d Deps) *Server {
	idem := d.Idempotency
	if idem == nil {
		idem = idempotency.NewMemoryStore(0)
	}
	return &Server{
		service:  d.Service,
		autosave: d.AutoSave,
		idem:     idem,
		auth:     d.Auth,
		limiter:  d.RateLimiter,
		errs:     errors.NewErrorHandler(d.Logger),
		logger:   d.Logger,
	}
}

// Router builds the route table. Health routes are public; everything
// under /applications requires a bearer token.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(requestLogger(s.logger))

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", s.handleReady).Methods(http.MethodGet)

	apps := r.PathPrefix("/applications").Subrouter()
	apps.Use(s.auth.Middleware)
	if s.limiter != nil {
		apps.Use(s.limiter.Middleware)
	}

	apps.HandleFunc("", s.handleListApplications).Methods(http.MethodGet)
	apps.HandleFunc("", s.handleCreateApplication).Methods(http.MethodPost)
	apps.HandleFunc("/search", s.handleSearch).Methods(http.MethodGet)
	apps.HandleFunc("/{id}", s.handleGetApplication).Methods(http.MethodGet)
	apps.HandleFunc("/{id}", s.handleUpdateApplication).Methods(http.MethodPatch)
	apps.HandleFunc("/{id}/submit", s.handleSubmit).Methods(http.MethodPost)
	apps.HandleFunc("/{id}/respond", s.handleRespond).Methods(http.MethodPost)

	apps.HandleFunc("/{id}/sections", s.handleListSections).Methods(http.MethodGet)
	apps.HandleFunc("/{id}/sections/{n:[0-9]+}", s.handleGetSection).Methods(http.MethodGet)
	apps.HandleFunc("/{id}/sections/{n:[0-9]+}", s.handlePatchSection).Methods(http.MethodPatch)
	apps.HandleFunc("/{id}/sections/{n:[0-9]+}/autosave", s.handleAutoSaveState).Methods(http.MethodGet)
	apps.HandleFunc("/{id}/sections/{n:[0-9]+}/complete", s.handleCompleteSection).Methods(http.MethodPost)
	apps.HandleFunc("/{id}/sections/{n:[0-9]+}/review", s.handleReviewSection).Methods(http.MethodPost)

	apps.HandleFunc("/{id}/review", s.handleReview).Methods(http.MethodPost)
	apps.HandleFunc("/{id}/decisions", s.handleListDecisions).Methods(http.MethodGet)
	apps.HandleFunc("/{id}/assign-ib", s.handleAssignAdvisor).Methods(http.MethodPost)
	apps.HandleFunc("/{id}/assign-ib", s.handleUnassignAdvisor).Methods(http.MethodDelete)
	apps.HandleFunc("/{id}/comments", s.handleListComments).Methods(http.MethodGet)
	apps.HandleFunc("/{id}/comments", s.handleAddComment).Methods(http.MethodPost)

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if err := s.service.Ping(r.Context()); err != nil {
		s.errs.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// ==========================
// Response helpers
// ==========================

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

func decodeBody(r *http.Request, dst interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if stderrors.Is(err, io.EOF) {
			return nil
		}
		return errors.NewValidationError("malformed request body: " + err.Error())
	}
	return nil
}

// idempotent runs fn once per Idempotency-Key, actor and path. Successful
// responses are stored and replayed verbatim for a repeated key; failures
// are not stored so the client may retry them.
func (s *Server) idempotent(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context) (int, interface{}, error)) {
	ctx := r.Context()
	actor, _ := access.ActorFrom(ctx)
	ic := idempotency.ActorContext{
		ActorID:        actor.UserID,
		IdempotencyKey: strings.TrimSpace(r.Header.Get(idempotency.HeaderKey)),
	}
	endpoint := r.Method + " " + r.URL.Path

	rec, found, err := idempotency.Replay(ctx, s.idem, ic, endpoint)
	if err != nil {
		s.errs.WriteHTTP(w, r, errors.NewStorageError("idempotency_replay", err))
		return
	}
	if found {
		w.Header().Set("Idempotent-Replay", "true")
		writeRaw(w, rec.Status, rec.Body)
		return
	}

	status, body, err := fn(ctx)
	if err != nil {
		s.errs.WriteHTTP(w, r, err)
		return
	}
	raw, err := json.Marshal(body)
	if err != nil {
		s.errs.WriteHTTP(w, r, errors.NewInternalError(err))
		return
	}
	if err := idempotency.Save(ctx, s.idem, ic, endpoint, idempotency.Record{Status: status, Body: raw}); err != nil {
		s.logger.Warn("Failed to store idempotent response", map[string]interface{}{
			"endpoint": endpoint,
			"error":    err.Error(),
		})
	}
	writeRaw(w, status, append(raw, '\n'))
}

package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strconv"

	"filing-workflow/internal/autosave"
	"filing-workflow/internal/common/errors"
	"filing-workflow/internal/models"
	"filing-workflow/internal/review"
	"filing-workflow/internal/section"
	"filing-workflow/internal/store"

	"github.com/gorilla/mux"
)

// ==========================
// Applications
// ==========================

func (s *Server) handleListApplications(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"), "limit")
	if err != nil {
		s.errs.WriteHTTP(w, r, err)
		return
	}
	offset, err := intParam(q.Get("offset"), "offset")
	if err != nil {
		s.errs.WriteHTTP(w, r, err)
		return
	}

	apps, err := s.service.ListApplications(r.Context(), store.ListOptions{
		Status: models.Status(q.Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		s.errs.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"applications": apps, "count": len(apps)})
}

func (s *Server) handleCreateApplication(w http.ResponseWriter, r *http.Request) {
	var in store.CreateInput
	if err := decodeBody(r, &in); err != nil {
		s.errs.WriteHTTP(w, r, err)
		return
	}
	s.idempotent(w, r, func(ctx context.Context) (int, interface{}, error) {
		app, err := s.service.CreateApplication(ctx, in)
		return http.StatusCreated, app, err
	})
}

func (s *Server) handleGetApplication(w http.ResponseWriter, r *http.Request) {
	app, err := s.service.GetApplication(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.errs.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) handleUpdateApplication(w http.ResponseWriter, r *http.Request) {
	var in store.UpdateInput
	if err := decodeBody(r, &in); err != nil {
		s.errs.WriteHTTP(w, r, err)
		return
	}
	app, err := s.service.UpdateApplication(r.Context(), mux.Vars(r)["id"], in)
	if err != nil {
		s.errs.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.idempotent(w, r, func(ctx context.Context) (int, interface{}, error) {
		app, err := s.service.Submit(ctx, id)
		return http.StatusOK, app, err
	})
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	s.idempotent(w, r, func(ctx context.Context) (int, interface{}, error) {
		app, err := s.service.RespondToQuery(ctx, id)
		return http.StatusOK, app, err
	})
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	from, err := intParam(q.Get("from"), "from")
	if err != nil {
		s.errs.WriteHTTP(w, r, err)
		return
	}
	size, err := intParam(q.Get("size"), "size")
	if err != nil {
		s.errs.WriteHTTP(w, r, err)
		return
	}

	apps, err := s.service.Search(r.Context(), store.SearchInput{
		Text:   q.Get("q"),
		Status: models.Status(q.Get("status")),
		From:   from,
		Size:   size,
	})
	if err != nil {
		s.errs.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"applications": apps, "count": len(apps)})
}

// ==========================
// Sections
// ==========================

type sectionPatch struct {
	Fields  map[string]json.RawMessage `json:"fields"`
	Trigger string                     `json:"trigger"`
	// Version, when set, is checked strictly instead of re-merging.
	Version int64 `json:"version"`
}

func (p sectionPatch) updates() ([]section.FieldUpdate, error) {
	paths := make([]string, 0, len(p.Fields))
	for path := range p.Fields {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	out := make([]section.FieldUpdate, 0, len(paths))
	for _, path := range paths {
		var v models.Value
		if err := json.Unmarshal(p.Fields[path], &v); err != nil {
			return nil, errors.NewFieldValidationError(path, fmt.Sprintf("unsupported value: %v", err))
		}
		out = append(out, section.FieldUpdate{Path: path, Value: v})
	}
	return out, nil
}

func (s *Server) handleListSections(w http.ResponseWriter, r *http.Request) {
	secs, err := s.service.ListSections(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.errs.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"sections": secs})
}

func (s *Server) handleGetSection(w http.ResponseWriter, r *http.Request) {
	id, n, err := sectionVars(r)
	if err != nil {
		s.errs.WriteHTTP(w, r, err)
		return
	}
	sec, err := s.service.GetSection(r.Context(), id, n)
	if err != nil {
		s.errs.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sec)
}

// handlePatchSection answers typing edits with 202 and an optimistic view;
// blur and save edits are persisted before the 200 response.
func (s *Server) handlePatchSection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, n, err := sectionVars(r)
	if err != nil {
		s.errs.WriteHTTP(w, r, err)
		return
	}
	var body sectionPatch
	if err := decodeBody(r, &body); err != nil {
		s.errs.WriteHTTP(w, r, err)
		return
	}
	trigger, err := autosave.ParseTrigger(body.Trigger)
	if err != nil {
		s.errs.WriteHTTP(w, r, err)
		return
	}
	updates, err := body.updates()
	if err != nil {
		s.errs.WriteHTTP(w, r, err)
		return
	}

	if body.Version != 0 && !trigger.Debounced() {
		sec, err := s.service.SaveSectionFields(ctx, id, n, updates, body.Version)
		if err != nil {
			s.errs.WriteHTTP(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sec)
		return
	}

	// Surface NotFound and AccessDenied now rather than as a later revert.
	if _, err := s.service.GetSection(ctx, id, n); err != nil {
		s.errs.WriteHTTP(w, r, err)
		return
	}

	ack, err := s.autosave.Edit(ctx, autosave.SectionKey{ApplicationID: id, SectionNumber: n}, updates, trigger)
	if err != nil {
		s.errs.WriteHTTP(w, r, err)
		return
	}
	if ack.Result == nil {
		writeJSON(w, http.StatusAccepted, ack)
		return
	}
	if ack.Result.Err != nil {
		s.errs.WriteHTTP(w, r, ack.Result.Err)
		return
	}
	writeJSON(w, http.StatusOK, ack.Result.Section)
}

func (s *Server) handleAutoSaveState(w http.ResponseWriter, r *http.Request) {
	id, n, err := sectionVars(r)
	if err != nil {
		s.errs.WriteHTTP(w, r, err)
		return
	}
	if _, err := s.service.GetSection(r.Context(), id, n); err != nil {
		s.errs.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, s.autosave.State(autosave.SectionKey{ApplicationID: id, SectionNumber: n}))
}

func (s *Server) handleCompleteSection(w http.ResponseWriter, r *http.Request) {
	id, n, err := sectionVars(r)
	if err != nil {
		s.errs.WriteHTTP(w, r, err)
		return
	}
	s.idempotent(w, r, func(ctx context.Context) (int, interface{}, error) {
		sec, err := s.service.CompleteSection(ctx, id, n)
		return http.StatusOK, sec, err
	})
}

func (s *Server) handleReviewSection(w http.ResponseWriter, r *http.Request) {
	id, n, err := sectionVars(r)
	if err != nil {
		s.errs.WriteHTTP(w, r, err)
		return
	}
	s.idempotent(w, r, func(ctx context.Context) (int, interface{}, error) {
		sec, err := s.service.MarkSectionReviewed(ctx, id, n)
		return http.StatusOK, sec, err
	})
}

// ==========================
// Review, assignment, comments
// ==========================

func (s *Server) handleReview(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var in review.Input
	if err := decodeBody(r, &in); err != nil {
		s.errs.WriteHTTP(w, r, err)
		return
	}
	s.idempotent(w, r, func(ctx context.Context) (int, interface{}, error) {
		out, err := s.service.Review(ctx, id, in)
		if err != nil {
			return 0, nil, err
		}
		return http.StatusOK, map[string]interface{}{
			"application": out.Application,
			"decision":    out.Decision,
		}, nil
	})
}

func (s *Server) handleListDecisions(w http.ResponseWriter, r *http.Request) {
	decisions, err := s.service.ListDecisions(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.errs.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"decisions": decisions})
}

type assignRequest struct {
	AdvisorID string `json:"advisorId"`
}

func (s *Server) handleAssignAdvisor(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var in assignRequest
	if err := decodeBody(r, &in); err != nil {
		s.errs.WriteHTTP(w, r, err)
		return
	}
	s.idempotent(w, r, func(ctx context.Context) (int, interface{}, error) {
		app, err := s.service.AssignAdvisor(ctx, id, in.AdvisorID)
		return http.StatusOK, app, err
	})
}

func (s *Server) handleUnassignAdvisor(w http.ResponseWriter, r *http.Request) {
	app, err := s.service.UnassignAdvisor(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.errs.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, app)
}

func (s *Server) handleListComments(w http.ResponseWriter, r *http.Request) {
	comments, err := s.service.ListComments(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.errs.WriteHTTP(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"comments": comments})
}

func (s *Server) handleAddComment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var in store.CommentInput
	if err := decodeBody(r, &in); err != nil {
		s.errs.WriteHTTP(w, r, err)
		return
	}
	s.idempotent(w, r, func(ctx context.Context) (int, interface{}, error) {
		c, err := s.service.AddComment(ctx, id, in)
		return http.StatusCreated, c, err
	})
}

// ==========================
// Helpers
// ==========================

func sectionVars(r *http.Request) (string, int, error) {
	vars := mux.Vars(r)
	n, err := strconv.Atoi(vars["n"])
	if err != nil {
		return "", 0, errors.NewFieldValidationError("sectionNumber", "section number must be an integer")
	}
	return vars["id"], n, nil
}

func intParam(raw, name string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return 0, errors.NewFieldValidationError(name, name+" must be a non-negative integer")
	}
	return v, nil
}

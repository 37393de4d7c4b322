package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/transformaps/vera/internal/errs"
	"github.com/transformaps/vera/internal/models"
	"github.com/transformaps/vera/internal/store"
	"github.com/transformaps/vera/internal/vera"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.Store().Ping(r.Context()); err != nil {
		s.log.Warn("health: store ping failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCreateReport(w http.ResponseWriter, r *http.Request) {
	var req ReportRequest
	if !s.decode(w, r, &req) {
		return
	}
	in, err := req.NewReport()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if in.User == "" {
		in.User = r.Header.Get(UserHeader)
	}

	receipt, err := s.svc.CreateReport(r.Context(), in)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, receiptJSON(receipt))
}

func (s *Server) handleGetReport(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "report")
	if !ok {
		return
	}
	view, err := s.svc.GetReport(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reportJSON(view))
}

func (s *Server) handleUpdateReportStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "report")
	if !ok {
		return
	}
	var req StatusUpdateRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Status.Slug == "" {
		s.writeError(w, &errs.InvalidValueError{Parameter: "status.slug", Reason: "required"})
		return
	}
	view, err := s.svc.UpdateReportStatus(r.Context(), id, req.Status.Slug)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, reportJSON(view))
}

func (s *Server) handleGetEvent(w http.ResponseWriter, r *http.Request) {
	id, ok := s.pathID(w, r, "event")
	if !ok {
		return
	}
	view, err := s.svc.GetEvent(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eventJSON(view))
}

func (s *Server) handleListParameters(w http.ResponseWriter, r *http.Request) {
	params, err := s.svc.ListParameters(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]ParameterJSON, 0, len(params))
	for _, p := range params {
		out = append(out, parameterJSON(p))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDefineParameter(w http.ResponseWriter, r *http.Request) {
	var req ParameterJSON
	if !s.decode(w, r, &req) {
		return
	}
	p, err := s.svc.DefineParameter(r.Context(), vera.ParameterDef{Name: req.Name, IsNumeric: req.IsNumeric, Units: req.Units})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, parameterJSON(*p))
}

func (s *Server) handleListStatuses(w http.ResponseWriter, r *http.Request) {
	statuses, err := s.svc.ListStatuses(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	out := make([]StatusJSON, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, statusJSON(st))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleDefineStatus(w http.ResponseWriter, r *http.Request) {
	var req StatusJSON
	if !s.decode(w, r, &req) {
		return
	}
	st, err := s.svc.DefineStatus(r.Context(), vera.StatusDef{Slug: req.Slug, Name: req.Name, IsValid: req.IsValid})
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusJSON(*st))
}

// handleRebuild recomputes events selected by the date, from, to and site
// query parameters.
func (s *Server) handleRebuild(w http.ResponseWriter, r *http.Request) {
	f, err := parseEventFilter(r)
	if err != nil {
		s.writeError(w, err)
		return
	}
	sum, err := s.svc.RebuildResults(r.Context(), f)
	w.Header().Set("X-Vera-Events", strconv.Itoa(sum.Events))
	w.Header().Set("X-Vera-Failed", strconv.Itoa(sum.Failed))
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func parseEventFilter(r *http.Request) (store.EventFilter, error) {
	var f store.EventFilter
	q := r.URL.Query()
	for _, p := range []struct {
		key string
		dst **time.Time
	}{{"date", &f.Date}, {"from", &f.From}, {"to", &f.To}} {
		raw := q.Get(p.key)
		if raw == "" {
			continue
		}
		t, err := time.Parse(models.DateLayout, raw)
		if err != nil {
			return f, &errs.InvalidValueError{Parameter: p.key, Value: raw, Reason: "expected YYYY-MM-DD"}
		}
		*p.dst = &t
	}
	if raw := q.Get("site"); raw != "" {
		id, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || id <= 0 {
			return f, &errs.InvalidValueError{Parameter: "site", Value: raw, Reason: "expected a site id"}
		}
		f.SiteID = id
	}
	return f, nil
}

func (s *Server) pathID(w http.ResponseWriter, r *http.Request, entity string) (int64, bool) {
	raw := chi.URLParam(r, "id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		s.writeError(w, &errs.NotFoundError{Entity: entity, Key: raw})
		return 0, false
	}
	return id, true
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeError(w, &errs.InvalidValueError{Parameter: "body", Reason: err.Error()})
		return false
	}
	return true
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := errs.KindOf(err)
	code := http.StatusInternalServerError
	switch kind {
	case errs.KindUnknownParameter, errs.KindInvalidValue:
		code = http.StatusBadRequest
	case errs.KindNotFound:
		code = http.StatusNotFound
	case errs.KindConflict:
		code = http.StatusConflict
	}

	msg := err.Error()
	if code == http.StatusInternalServerError {
		s.log.Error("http: request failed", zap.Error(err))
		msg = "internal error"
	}
	writeJSON(w, code, ErrorJSON{Error: msg, Kind: kind.String()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

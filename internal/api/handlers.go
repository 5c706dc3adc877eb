package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"dispatchd/internal/campaign"
	"dispatchd/internal/model"
	"dispatchd/internal/session"
	"dispatchd/internal/storage"
	"dispatchd/internal/task/engine"
	logx "dispatchd/pkg/logx"
)

type startCampaignRequest struct {
	ProfileID  int64             `json:"profile_id"`
	TemplateID int64             `json:"template_id"`
	Recipients []model.Recipient `json:"recipients"`
	MinDelayMS int64             `json:"min_delay_ms"`
	MaxDelayMS int64             `json:"max_delay_ms"`
}

type captureRequest struct {
	LoginURL  string `json:"login_url"`
	MaxWaitMS int64  `json:"max_wait_ms"`
	Proxy     string `json:"proxy,omitempty"`
}

type refreshRequest struct {
	Proxy string `json:"proxy,omitempty"`
}

type sessionResponse struct {
	State   session.State          `json:"state"`
	Session *model.SessionSnapshot `json:"session,omitempty"`
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	h := Health{OK: true}
	if s.health != nil {
		h = s.health()
		h.OK = true
	}
	writeJSON(w, http.StatusOK, h)
}

func (s *Server) startCampaign(w http.ResponseWriter, r *http.Request) {
	var req startCampaignRequest
	if !decode(w, r, &req) {
		return
	}
	h, err := s.campaigns.StartCampaign(r.Context(), campaign.Request{
		ProfileID:  req.ProfileID,
		TemplateID: req.TemplateID,
		Recipients: req.Recipients,
		MinDelay:   time.Duration(req.MinDelayMS) * time.Millisecond,
		MaxDelay:   time.Duration(req.MaxDelayMS) * time.Millisecond,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, h.Status())
}

func (s *Server) listCampaigns(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"items": s.campaigns.Active()})
}

func (s *Server) campaignStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.campaigns.Status(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) stopCampaign(w http.ResponseWriter, r *http.Request) {
	st, err := s.campaigns.StopByID(chi.URLParam(r, "id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) capture(w http.ResponseWriter, r *http.Request) {
	id, ok := profileID(w, r)
	if !ok {
		return
	}
	var req captureRequest
	if !decode(w, r, &req) {
		return
	}
	snap, err := s.sessions.Capture(r.Context(), session.CaptureRequest{
		ProfileID: id,
		LoginURL:  req.LoginURL,
		MaxWait:   time.Duration(req.MaxWaitMS) * time.Millisecond,
		Proxy:     req.Proxy,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{State: session.StateValid, Session: &snap})
}

func (s *Server) refresh(w http.ResponseWriter, r *http.Request) {
	id, ok := profileID(w, r)
	if !ok {
		return
	}
	var req refreshRequest
	if r.ContentLength != 0 && !decode(w, r, &req) {
		return
	}
	snap, err := s.sessions.Refresh(r.Context(), session.RefreshRequest{ProfileID: id, Proxy: req.Proxy})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{State: session.StateValid, Session: &snap})
}

func (s *Server) complete(w http.ResponseWriter, r *http.Request) {
	id, ok := profileID(w, r)
	if !ok {
		return
	}
	if err := s.sessions.Complete(id); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]bool{"ok": true})
}

func (s *Server) sessionSnapshot(w http.ResponseWriter, r *http.Request) {
	id, ok := profileID(w, r)
	if !ok {
		return
	}
	st, err := s.sessions.State(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	resp := sessionResponse{State: st}
	snap, err := s.sessions.Snapshot(r.Context(), id)
	switch {
	case err == nil:
		resp.Session = &snap
	case !errors.Is(err, model.ErrNoStoredSession):
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) listLogs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := storage.LogFilter{
		CampaignID: strings.TrimSpace(q.Get("campaign_id")),
		Status:     model.LogStatus(strings.TrimSpace(q.Get("status"))),
	}
	var err error
	if f.ProfileID, err = optInt(q.Get("profile_id")); err != nil {
		s.writeError(w, r, model.Invalid("profile_id", "%v", err))
		return
	}
	limit, err := optInt(q.Get("limit"))
	if err != nil || limit < 0 {
		s.writeError(w, r, model.Invalid("limit", "must be a non-negative integer"))
		return
	}
	f.Limit = int(limit)
	switch f.Status {
	case "", model.StatusSuccess, model.StatusError, model.StatusCancelled:
	default:
		s.writeError(w, r, model.Invalid("status", "unknown status %q", f.Status))
		return
	}
	entries, err := s.records.ListLogs(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries})
}

func profileID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "profileID"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid profile id"})
		return 0, false
	}
	return id, true
}

func optInt(v string) (int64, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0, nil
	}
	return strconv.ParseInt(v, 10, 64)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: fmt.Sprintf("invalid request body: %v", err)})
		return false
	}
	return true
}

type errorBody struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps domain errors onto HTTP codes.
func statusFor(err error) int {
	var ve *model.ValidationError
	switch {
	case errors.As(err, &ve), errors.Is(err, model.ErrChannelNotSessionBased):
		return http.StatusBadRequest
	case model.IsNotFound(err), errors.Is(err, campaign.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, model.ErrSessionBusy), errors.Is(err, session.ErrNoCaptureWaiting):
		return http.StatusConflict
	case errors.Is(err, engine.ErrQueueFull), errors.Is(err, engine.ErrStopped), errors.Is(err, engine.ErrStopping):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusFor(err)
	body := errorBody{Error: err.Error()}
	var ve *model.ValidationError
	if errors.As(err, &ve) {
		body.Field = ve.Field
	}
	if code >= http.StatusInternalServerError {
		s.log.Warn("api request failed", logx.String("path", r.URL.Path), logx.Int("status", code), logx.Err(err))
	}
	writeJSON(w, code, body)
}

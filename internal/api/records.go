package api

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"dispatchd/internal/model"
	"dispatchd/internal/storage"
)

type createProfileRequest struct {
	Name        string            `json:"name"`
	Platform    string            `json:"platform"`
	Proxy       string            `json:"proxy,omitempty"`
	Credentials model.Credentials `json:"credentials"`
}

// profileView is a profile without secrets: no password, no cookie values.
type profileView struct {
	ID         int64          `json:"id"`
	Name       string         `json:"name"`
	Platform   model.Platform `json:"platform"`
	Proxy      string         `json:"proxy,omitempty"`
	Version    int64          `json:"version"`
	CreatedAt  time.Time      `json:"created_at"`
	EmailHost  string         `json:"email_host,omitempty"`
	EmailFrom  string         `json:"email_from,omitempty"`
	HasSession bool           `json:"has_session"`
	CapturedAt *time.Time     `json:"captured_at,omitempty"`
}

func viewProfile(p model.Profile) profileView {
	v := profileView{
		ID:        p.ID,
		Name:      p.Name,
		Platform:  p.Platform,
		Proxy:     p.Proxy,
		Version:   p.Version,
		CreatedAt: p.CreatedAt,
	}
	if e := p.Credentials.Email; e != nil {
		v.EmailHost = e.Host
		v.EmailFrom = e.Sender()
	}
	if c := p.Credentials.Chat; c != nil && c.StorageStateRef != "" {
		v.HasSession = true
		at := c.CapturedAt
		v.CapturedAt = &at
	}
	return v
}

type createTemplateRequest struct {
	Name    string `json:"name"`
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body"`
}

type createListEntryRequest struct {
	Type  model.ListType `json:"type"`
	Value string         `json:"value"`
}

func (s *Server) createProfile(w http.ResponseWriter, r *http.Request) {
	var req createProfileRequest
	if !decode(w, r, &req) {
		return
	}
	platform, err := model.ParsePlatform(req.Platform)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	p, err := s.records.CreateProfile(r.Context(), model.Profile{
		Name:        strings.TrimSpace(req.Name),
		Platform:    platform,
		Proxy:       strings.TrimSpace(req.Proxy),
		Credentials: req.Credentials,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, viewProfile(p))
}

func (s *Server) listProfiles(w http.ResponseWriter, r *http.Request) {
	var f storage.ProfileFilter
	if v := strings.TrimSpace(r.URL.Query().Get("platform")); v != "" {
		p, err := model.ParsePlatform(v)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		f.Platform = p
	}
	ps, err := s.records.ListProfiles(r.Context(), f)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	items := make([]profileView, 0, len(ps))
	for _, p := range ps {
		items = append(items, viewProfile(p))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) getProfile(w http.ResponseWriter, r *http.Request) {
	id, ok := profileID(w, r)
	if !ok {
		return
	}
	p, err := s.records.GetProfile(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, viewProfile(p))
}

func (s *Server) createTemplate(w http.ResponseWriter, r *http.Request) {
	var req createTemplateRequest
	if !decode(w, r, &req) {
		return
	}
	t, err := s.records.CreateTemplate(r.Context(), model.Template{
		Name:    strings.TrimSpace(req.Name),
		Subject: req.Subject,
		Body:    req.Body,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, t)
}

func (s *Server) listTemplates(w http.ResponseWriter, r *http.Request) {
	ts, err := s.records.ListTemplates(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if ts == nil {
		ts = []model.Template{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": ts})
}

func (s *Server) getTemplate(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid template id"})
		return
	}
	t, err := s.records.GetTemplate(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (s *Server) createListEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := profileID(w, r)
	if !ok {
		return
	}
	var req createListEntryRequest
	if !decode(w, r, &req) {
		return
	}
	e, err := s.records.CreateListEntry(r.Context(), model.ListEntry{
		ProfileID: id,
		Type:      model.ListType(strings.ToLower(strings.TrimSpace(string(req.Type)))),
		Value:     strings.TrimSpace(req.Value),
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

// listEntries 404s for unknown profiles rather than returning an empty list.
func (s *Server) listEntries(w http.ResponseWriter, r *http.Request) {
	id, ok := profileID(w, r)
	if !ok {
		return
	}
	if _, err := s.records.GetProfile(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	es, err := s.records.ListEntries(r.Context(), id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if es == nil {
		es = []model.ListEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": es})
}

// Package api is the operator HTTP surface: profile and template records,
// campaign submission and stop, manual-login capture, session refresh and the
// dispatch log.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"dispatchd/internal/campaign"
	"dispatchd/internal/model"
	"dispatchd/internal/session"
	"dispatchd/internal/storage"
	"dispatchd/internal/task/engine"
	"dispatchd/internal/task/scheduler"
	logx "dispatchd/pkg/logx"
)

type Config struct {
	Addr        string
	ReadTimeout time.Duration
	// WriteTimeout must exceed the longest capture wait; zero disables it.
	WriteTimeout time.Duration
	Pprof        bool
}

type Campaigns interface {
	StartCampaign(ctx context.Context, req campaign.Request) (*campaign.Handle, error)
	Status(id string) (campaign.Status, error)
	StopByID(id string) (campaign.Status, error)
	Active() []campaign.Status
}

type Sessions interface {
	Capture(ctx context.Context, req session.CaptureRequest) (model.SessionSnapshot, error)
	Refresh(ctx context.Context, req session.RefreshRequest) (model.SessionSnapshot, error)
	Complete(profileID int64) error
	State(ctx context.Context, profileID int64) (session.State, error)
	Snapshot(ctx context.Context, profileID int64) (model.SessionSnapshot, error)
}

// Records is the slice of storage.Store the API reads and seeds.
type Records interface {
	GetProfile(ctx context.Context, id int64) (model.Profile, error)
	ListProfiles(ctx context.Context, f storage.ProfileFilter) ([]model.Profile, error)
	CreateProfile(ctx context.Context, p model.Profile) (model.Profile, error)
	GetTemplate(ctx context.Context, id int64) (model.Template, error)
	ListTemplates(ctx context.Context) ([]model.Template, error)
	CreateTemplate(ctx context.Context, t model.Template) (model.Template, error)
	ListEntries(ctx context.Context, profileID int64) ([]model.ListEntry, error)
	CreateListEntry(ctx context.Context, e model.ListEntry) (model.ListEntry, error)
	ListLogs(ctx context.Context, f storage.LogFilter) ([]model.LogEntry, error)
}

// Health is the /healthz body.
type Health struct {
	OK         bool                     `json:"ok"`
	Engines    []engine.Snapshot        `json:"engines,omitempty"`
	Schedules  []scheduler.ScheduleInfo `json:"schedules,omitempty"`
	RateScopes int                      `json:"rate_scopes"`
	Campaigns  int                      `json:"active_campaigns"`
}

type Server struct {
	cfg       Config
	log       logx.Logger
	campaigns Campaigns
	sessions  Sessions
	records   Records
	health    func() Health
	srv       *http.Server
}

func New(cfg Config, campaigns Campaigns, sessions Sessions, records Records, log logx.Logger) *Server {
	if log.IsZero() {
		log = logx.Nop()
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	return &Server{
		cfg:       cfg,
		log:       log.With(logx.String("comp", "api")),
		campaigns: campaigns,
		sessions:  sessions,
		records:   records,
	}
}

// SetHealth installs the runtime view served on /healthz. Call before Start.
func (s *Server) SetHealth(fn func() Health) {
	s.health = fn
}

func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(s.accessLog)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.healthz)

	r.Route("/profiles", func(r chi.Router) {
		r.Get("/", s.listProfiles)
		r.Post("/", s.createProfile)
		r.Get("/{profileID}", s.getProfile)
		r.Get("/{profileID}/lists", s.listEntries)
		r.Post("/{profileID}/lists", s.createListEntry)
	})
	r.Route("/templates", func(r chi.Router) {
		r.Get("/", s.listTemplates)
		r.Post("/", s.createTemplate)
		r.Get("/{id}", s.getTemplate)
	})

	r.Route("/campaigns", func(r chi.Router) {
		r.Get("/", s.listCampaigns)
		r.Post("/", s.startCampaign)
		r.Get("/{id}", s.campaignStatus)
		r.Delete("/{id}", s.stopCampaign)
	})
	r.Route("/sessions/{profileID}", func(r chi.Router) {
		r.Get("/", s.sessionSnapshot)
		r.Post("/capture", s.capture)
		r.Post("/refresh", s.refresh)
		r.Post("/done", s.complete)
	})
	r.Get("/logs", s.listLogs)

	if s.cfg.Pprof {
		r.Mount("/debug", middleware.Profiler())
	}
	return r
}

// Start listens on cfg.Addr and serves until ctx ends or Shutdown is called.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return err
	}
	s.srv = &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       s.cfg.ReadTimeout,
		ReadHeaderTimeout: s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	s.log.Info("api listening", logx.String("addr", ln.Addr().String()))
	if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) accessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.log.Debug("http request",
			logx.String("method", r.Method),
			logx.String("path", r.URL.Path),
			logx.Int("status", ww.Status()),
			logx.Duration("took", time.Since(start)),
			logx.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

package api

import (
	"context"
	"net/http"
	"time"

	"fogbin/cfg"
	"fogbin/svc/db"
	"fogbin/svc/svc"
	"fogbin/svc/util"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/hlog"
)

type Server struct {
	router     *chi.Mux
	cfg        *cfg.Cfg
	store      db.Store
	rdb        *db.Redis
	httpServer *http.Server
}

// NewServer wires the HTTP routes. rdb may be nil when Redis is not
// configured.
func NewServer(c *cfg.Cfg, p *svc.Paste, store db.Store, rdb *db.Redis) *Server {
	r := chi.NewRouter()
	mw := NewMw(c)
	s := &Server{
		router: r,
		cfg:    c,
		store:  store,
		rdb:    rdb,
	}
	// Preflights never match a route, so CORS has to wrap the whole mux.
	r.Use(mw.CORS)
	r.With(mw.Recoverer).Get("/health", s.Health)
	r.With(mw.Recoverer).Get("/ready", s.Ready)
	r.With(mw.Recoverer).Handle("/metrics", mw.BasicAuthMetrics(promhttp.Handler()))
	if c.Dev() {
		r.Mount("/debug", middleware.Profiler())
	}

	r.Group(func(r chi.Router) {
		r.Use(mw.Recoverer)
		r.Use(mw.RequestID)
		r.Use(hlog.NewHandler(util.GetLogger()))
		r.Use(hlog.AccessHandler(accessLog))
		if len(c.TrustedProxies) > 0 {
			r.Use(middleware.RealIP)
		}
		r.Use(mw.Instrument)
		r.Use(mw.ContextTimeout)
		r.Use(mw.SecurityHeaders)
		r.Use(mw.JSONContentType)
		pasteRoutes(r, NewHdl(p, c.MaxPasteSize))
	})
	s.httpServer = &http.Server{
		Addr:              ":" + c.Port,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    256 * 1024,
	}
	return s
}

func pasteRoutes(r chi.Router, hdl *Hdl) {
	r.Post("/pastes", hdl.CreatePaste)
	r.Route("/pastes/{id}", func(r chi.Router) {
		r.Delete("/", hdl.DeletePaste)
		r.Get("/raw", hdl.GetRaw)
		r.Post("/raw", hdl.PostRaw)
		r.Get("/meta", hdl.GetMeta)
		r.Post("/password", hdl.ValidatePassword)
	})
	r.Get("/stats", hdl.GetStats)
	r.Post("/redact/preview", hdl.PreviewRedaction)
	r.Get("/config/presets", hdl.GetPresets)
}

// accessLog logs the path only; query strings may carry user input.
func accessLog(req *http.Request, status, size int, dur time.Duration) {
	hlog.FromRequest(req).Info().
		Str("method", req.Method).
		Str("path", req.URL.Path).
		Str("client_ip", util.RedactIP(req.RemoteAddr)).
		Int("status", status).
		Int("size", size).
		Dur("duration", dur).
		Str("request_id", util.GetRequestID(req.Context())).
		Msg("http request")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}
func (s *Server) Start() error {
	util.Info().Str("port", s.cfg.Port).Msg("starting server")
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		util.Error().Err(err).Str("port", s.cfg.Port).Msg("server failed to start")
		return err
	}
	return nil
}
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

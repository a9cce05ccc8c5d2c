// Package api is the operator-facing HTTP surface: the boundary where the
// (external) dashboard UI hands campaigns to the dispatcher core and reads
// progress back out.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"promobot/internal/accounts"
	"promobot/internal/campaign"
	"promobot/internal/dispatch"
	"promobot/internal/ledger"
	"promobot/internal/quota"
	"promobot/internal/transport"
	"promobot/pkg/logx"
)

type Config struct {
	Enabled bool
	Addr    string
}

type Server struct {
	cfg Config
	log logx.Logger

	dispatcher *dispatch.Service
	pool       *accounts.Pool
	reg        *campaign.Registry
	led        *ledger.Ledger
	subs       *quota.Memory
	tr         transport.Transport

	srv *http.Server
}

type Deps struct {
	Dispatcher *dispatch.Service
	Pool       *accounts.Pool
	Registry   *campaign.Registry
	Ledger     *ledger.Ledger
	Subs       *quota.Memory
	Transport  transport.Transport
	Log        logx.Logger
}

func New(cfg Config, d Deps) *Server {
	if cfg.Addr == "" {
		cfg.Addr = "127.0.0.1:8880"
	}
	if d.Log.IsZero() {
		d.Log = logx.Nop()
	}
	return &Server{
		cfg:        cfg,
		log:        d.Log,
		dispatcher: d.Dispatcher,
		pool:       d.Pool,
		reg:        d.Registry,
		led:        d.Ledger,
		subs:       d.Subs,
		tr:         d.Transport,
	}
}

func (s *Server) router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":    "ok",
			"paused":    s.dispatcher.Paused(),
			"queue_len": len(s.dispatcher.QueueSnapshot()),
			"connected": s.pool.ConnectedCount(),
		})
	})

	r.Route("/api", func(r chi.Router) {
		r.Post("/campaigns", s.handleSubmitCampaign)
		r.Get("/queue", s.handleQueueSnapshot)
		r.Get("/logs", s.handleLogs)

		r.Post("/dispatcher/pause", s.handlePause)
		r.Post("/dispatcher/resume", s.handleResume)

		r.Get("/accounts", s.handleListAccounts)
		r.Post("/accounts", s.handleRegisterAccount)
		r.Post("/accounts/{id}/connect", s.handleConnectAccount)
		r.Delete("/accounts/{id}", s.handleRemoveAccount)

		r.Get("/templates", s.handleListTemplates)
		r.Post("/templates", s.handlePutTemplate)
		r.Get("/targets", s.handleListTargets)
		r.Post("/targets", s.handlePutTarget)
		r.Get("/schedules", s.handleListSchedules)
		r.Post("/schedules", s.handlePutSchedule)

		r.Get("/subscriptions", s.handleListSubscriptions)
		r.Post("/subscriptions", s.handlePutSubscription)
		r.Post("/subscriptions/{id}/refresh", s.handleRefreshSubscription)
	})
	return r
}

func (s *Server) Start(ctx context.Context) error {
	if !s.cfg.Enabled {
		return nil
	}
	s.srv = &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.router(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("api server failed", logx.Err(err))
		}
	}()
	s.log.Info("api listening", logx.String("addr", s.cfg.Addr))
	return nil
}

func (s *Server) Stop(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

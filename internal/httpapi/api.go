package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"collegium.org/internal/audit"
	"collegium.org/internal/auth"
	"collegium.org/internal/obs"
)

const serviceName = "collegium-identity"

// Pinger is a dependency the readiness check pings.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Readiness checks the durable store and the shared cache. Nil members are skipped.
type Readiness struct {
	Store Pinger
	Cache Pinger
}

// Check reports the first failing dependency.
func (rp Readiness) Check(ctx context.Context) error {
	if rp.Store != nil {
		if err := rp.Store.Ping(ctx); err != nil {
			return errors.New("store: " + err.Error())
		}
	}
	if rp.Cache != nil {
		if err := rp.Cache.Ping(ctx); err != nil {
			return errors.New("cache: " + err.Error())
		}
	}
	return nil
}

// Options tune the HTTP adapter.
type Options struct {
	Version     string
	RateBurst   int
	RatePerSec  int
	MaxBodySize int64
	Log         logrus.FieldLogger
}

// API is the HTTP adapter over auth.Service.
type API struct {
	svc       *auth.Service
	router    chi.Router
	readiness Readiness
	opts      Options
	log       logrus.FieldLogger
}

// New builds the router. svc is required.
func New(svc *auth.Service, rp Readiness, opts Options) *API {
	if opts.MaxBodySize <= 0 {
		opts.MaxBodySize = 1 << 20
	}
	if opts.RateBurst <= 0 {
		opts.RateBurst = 20
	}
	if opts.RatePerSec <= 0 {
		opts.RatePerSec = 10
	}
	log := opts.Log
	if log == nil {
		log = obs.Logger()
	}
	a := &API{
		svc:       svc,
		router:    chi.NewRouter(),
		readiness: rp,
		opts:      opts,
		log:       log,
	}
	a.routes()
	return a
}

func (a *API) routes() {
	r := a.router
	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Handle("/metrics", obs.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Group(func(r chi.Router) {
			r.Use(rateLimiter(a.opts.RateBurst, a.opts.RatePerSec))
			r.Post("/auth/signup/otp", a.handleSignupOTP)
			r.Post("/auth/signup/verify", a.handleSignupVerify)
			r.Post("/auth/signup/complete", a.handleSignupComplete)
			r.Post("/auth/login", a.handleLogin)
		})

		r.Group(func(r chi.Router) {
			r.Use(a.withAuth)
			r.Post("/auth/logout", a.handleLogout)
			r.Get("/auth/me", a.handleMe)
			r.Post("/authorize", a.handleAuthorize)
			r.Post("/accounts", a.handleCreateAccount)
			r.Patch("/accounts/{id}", a.handleUpdateAccount)
			r.Post("/accounts/{id}/deactivate", a.handleDeactivateAccount)
			r.Post("/departments", a.handleCreateDepartment)
			r.Put("/departments/{id}/head", a.handleAssignHead)
			r.Put("/grants", a.handleGrant)
			r.Delete("/grants/{accountId}/{module}", a.handleRevokeGrant)
		})
	})

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// Handler returns the fully wrapped handler for the server.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.router
	h = MaxBodyBytes(h, a.opts.MaxBodySize)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

// Healthz is the liveness check.
func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.opts.Version,
	})
}

// Ready pings the store and cache.
func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.readiness.Check(ctx); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{"error": msg}
	if rid := audit.RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return errors.New("request body too large")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}

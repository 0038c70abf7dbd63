// Package httpapi exposes the engine to collaborators over JSON/HTTP.
package httpapi

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"
	"github.com/rs/cors"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/ktsuji/lamphub/internal/command"
	"github.com/ktsuji/lamphub/internal/config"
	"github.com/ktsuji/lamphub/internal/engine"
	"github.com/ktsuji/lamphub/internal/pushsubscription"
	"github.com/ktsuji/lamphub/internal/task"
	"github.com/ktsuji/lamphub/pkg/cerr"
	"github.com/ktsuji/lamphub/pkg/clog"
)

type Server struct {
	server   *http.Server
	env      *config.Env
	engine   *engine.Engine
	subs     pushsubscription.Repository
	vapidEnv *config.VAPIDEnv
}

func NewServer(env *config.Env, eng *engine.Engine, subs pushsubscription.Repository, vapidEnv *config.VAPIDEnv) *Server {
	return &Server{
		env:      env,
		engine:   eng,
		subs:     subs,
		vapidEnv: vapidEnv,
	}
}

// ListenAndServe starts the HTTP server. ctx is the base context for all
// incoming requests; cancelling it on shutdown also cancels in-flight
// request contexts.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.env.HTTPHost, s.env.HTTPPort)
	slog.Info("starting server", "addr", addr)

	s.server = &http.Server{
		Addr:        addr,
		Handler:     s.handler(),
		BaseContext: func(_ net.Listener) context.Context { return ctx },
	}

	return s.server.ListenAndServe()
}

func (s *Server) handler() http.Handler {
	r := chi.NewRouter()
	r.Route("/api", func(r chi.Router) {
		r.Use(
			clog.SlogChiMiddleware(),
			cerr.NewJSONResponseChiMiddleware(),
		)
		r.NotFound(func(w http.ResponseWriter, r *http.Request) {
			cerr.SetNewJSONError(r.Context(), cerr.NotFound, "not found", nil)
		})

		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.createTask)
			r.Get("/", s.listTasks)
			r.Route("/{taskID}", func(r chi.Router) {
				r.Get("/", s.getTask)
				r.Post("/assign", s.assignTask)
				r.Post("/start", s.startTask)
				r.Post("/pause", s.pauseTask)
				r.Post("/complete", s.completeTask)
				r.Post("/cancel", s.cancelTask)
			})
		})

		r.Route("/devices", func(r chi.Router) {
			r.Post("/", s.registerDevice)
			r.Get("/", s.listDevices)
			r.Route("/{deviceID}", func(r chi.Router) {
				r.Get("/", s.getDevice)
				r.Get("/online", s.deviceOnline)
				r.Post("/commands", s.sendCommand)
			})
		})

		r.Get("/status", s.status)

		r.Route("/push", func(r chi.Router) {
			r.Get("/vapid-public-key", s.vapidPublicKey)
			r.Post("/subscriptions", s.createSubscription)
			r.Delete("/subscriptions", s.deleteSubscription)
		})
	})

	mux := http.NewServeMux()
	mux.Handle("/health", &HealthChecker{})
	mux.Handle("/api/", r)

	return h2c.NewHandler(cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	}).Handler(s.apiKeyMiddleware(mux)), &http2.Server{})
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

type HealthChecker struct{}

func (hc *HealthChecker) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) apiKeyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}
		apiKey := r.Header.Get("X-API-Key")
		if apiKey == "" {
			apiKey = r.Header.Get("Authorization")
			if len(apiKey) > 7 && apiKey[:7] == "Bearer " {
				apiKey = apiKey[7:]
			}
		}
		if apiKey != s.env.APIKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// decode unmarshals the request body into v, reporting InvalidArgument on
// malformed input.
func decode(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return cerr.NewError(cerr.InvalidArgument, "malformed request body", err)
	}
	return nil
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var in engine.CreateTaskInput
	if err := decode(r, &in); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	t, err := s.engine.CreateTask(ctx, &in)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponseWithStatus(ctx, http.StatusCreated, t)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tasks, err := s.engine.ListTasks(ctx, r.URL.Query().Get("ownerId"), task.Status(r.URL.Query().Get("status")))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]any{"tasks": tasks})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := s.engine.GetTask(ctx, chi.URLParam(r, "taskID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, t)
}

func (s *Server) assignTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var in struct {
		DeviceID string `json:"deviceId"`
	}
	if err := decode(r, &in); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if in.DeviceID == "" {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "deviceId is required", nil)
		return
	}
	t, err := s.engine.AssignTask(ctx, chi.URLParam(r, "taskID"), in.DeviceID)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, t)
}

func (s *Server) startTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := s.engine.StartTask(ctx, chi.URLParam(r, "taskID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, t)
}

func (s *Server) pauseTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	t, err := s.engine.PauseTask(ctx, chi.URLParam(r, "taskID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, t)
}

func (s *Server) completeTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var in struct {
		Rating   int    `json:"rating"`
		Feedback string `json:"feedback"`
	}
	if err := decode(r, &in); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	t, err := s.engine.CompleteTask(ctx, chi.URLParam(r, "taskID"), in.Rating, in.Feedback)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, t)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var in struct {
		Reason string `json:"reason"`
	}
	if err := decode(r, &in); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	t, err := s.engine.CancelTask(ctx, chi.URLParam(r, "taskID"), in.Reason)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, t)
}

func (s *Server) registerDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var in engine.RegisterDeviceInput
	if err := decode(r, &in); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	d, err := s.engine.RegisterDevice(ctx, &in)
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponseWithStatus(ctx, http.StatusCreated, d)
}

func (s *Server) listDevices(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	devs, err := s.engine.ListDevices(ctx, r.URL.Query().Get("ownerId"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]any{"devices": devs})
}

func (s *Server) getDevice(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	d, err := s.engine.GetDevice(ctx, chi.URLParam(r, "deviceID"))
	if err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, d)
}

func (s *Server) deviceOnline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	deviceID := chi.URLParam(r, "deviceID")
	cerr.SetJSONResponse(ctx, map[string]any{
		"deviceId": deviceID,
		"online":   s.engine.IsDeviceOnline(deviceID),
	})
}

func (s *Server) sendCommand(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var in struct {
		Command string         `json:"command"`
		Data    map[string]any `json:"data"`
	}
	if err := decode(r, &in); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	deviceID := chi.URLParam(r, "deviceID")
	if err := s.engine.SendDeviceCommand(ctx, deviceID, command.Command(in.Command), in.Data); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]any{"deviceId": deviceID, "command": in.Command, "sent": true})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	cerr.SetJSONResponse(r.Context(), s.engine.Status())
}

func (s *Server) vapidPublicKey(w http.ResponseWriter, r *http.Request) {
	cerr.SetJSONResponse(r.Context(), map[string]string{"publicKey": s.vapidEnv.VAPIDPublicKey})
}

func (s *Server) createSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var in struct {
		UserID   string `json:"userId"`
		Endpoint string `json:"endpoint"`
		Keys     struct {
			P256dh string `json:"p256dh"`
			Auth   string `json:"auth"`
		} `json:"keys"`
	}
	if err := decode(r, &in); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if in.UserID == "" || in.Endpoint == "" {
		cerr.SetNewJSONError(ctx, cerr.InvalidArgument, "userId and endpoint are required", nil)
		return
	}
	// Re-subscribing the same endpoint replaces the old registration.
	if existing, err := s.subs.FindByEndpoint(ctx, in.Endpoint); err == nil && existing != nil {
		if err := s.subs.Delete(ctx, existing.ID); err != nil {
			cerr.SetJSONError(ctx, err)
			return
		}
	}
	sub := &pushsubscription.Subscription{
		ID:        ulid.Make().String(),
		UserID:    in.UserID,
		Endpoint:  in.Endpoint,
		P256dhKey: in.Keys.P256dh,
		AuthKey:   in.Keys.Auth,
		CreatedAt: time.Now(),
	}
	if err := s.subs.Create(ctx, sub); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponseWithStatus(ctx, http.StatusCreated, sub)
}

func (s *Server) deleteSubscription(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var in struct {
		Endpoint string `json:"endpoint"`
	}
	if err := decode(r, &in); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	if err := s.subs.DeleteByEndpoint(ctx, in.Endpoint); err != nil {
		cerr.SetJSONError(ctx, err)
		return
	}
	cerr.SetJSONResponse(ctx, map[string]bool{"deleted": true})
}

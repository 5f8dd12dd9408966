package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"

	"github.com/kimhsiao/possync/backend/internal/app"
)

// Service names this daemon in health responses.
const Service = "possyncd"

// RouterConfig holds what the router is built from.
type RouterConfig struct {
	BaseContext    context.Context
	App            *app.App
	Hub            *WSHub
	AllowedOrigins []string
}

// HealthResponse is returned by GET /api/health.
type HealthResponse struct {
	Status    string    `json:"status"`
	Service   string    `json:"service"`
	Online    bool      `json:"online"`
	Timestamp time.Time `json:"timestamp"`
}

// NewRouter creates the HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	if cfg.BaseContext == nil {
		cfg.BaseContext = context.Background()
	}
	origins := cfg.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	syncHandler := NewSyncHandler(cfg.BaseContext, cfg.App)
	queueHandler := NewQueueHandler(cfg.App, cfg.Hub)
	snapshotHandler := NewSnapshotHandler(cfg.App, cfg.Hub)

	r := chi.NewRouter()
	r.Use(Recovery)
	r.Use(RequestID)
	r.Use(Logging)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", RequestIDHeader},
		ExposedHeaders: []string{RequestIDHeader},
		MaxAge:         300,
	}))

	r.Get("/api/health", func(w http.ResponseWriter, r *http.Request) {
		OK(w, HealthResponse{
			Status:    "ok",
			Service:   Service,
			Online:    cfg.App.Probe.IsOnline(),
			Timestamp: time.Now().UTC(),
		})
	})
	r.Handle("/metrics", cfg.App.Metrics.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Route("/sync", func(r chi.Router) {
			r.Get("/status", syncHandler.Status)
			r.Post("/now", syncHandler.SyncNow)
			r.Post("/start", syncHandler.Start)
			r.Post("/stop", syncHandler.Stop)
			r.Put("/interval", syncHandler.SetInterval)
		})

		r.Route("/queue", func(r chi.Router) {
			r.Get("/", queueHandler.List)
			r.Post("/", queueHandler.Enqueue)
			r.Post("/flush", queueHandler.Flush)
			r.Get("/{id}", queueHandler.Get)
			r.Delete("/{id}", queueHandler.Remove)
			r.Post("/{id}/retry", queueHandler.Retry)
		})

		r.Route("/snapshot", func(r chi.Router) {
			r.Get("/", snapshotHandler.Get)
			r.Post("/", snapshotHandler.Download)
			r.Delete("/", snapshotHandler.Clear)
			r.Get("/{table}", snapshotHandler.GetTable)
		})

		r.Get("/verify", snapshotHandler.Verify)

		if cfg.Hub != nil {
			r.Get("/ws", cfg.Hub.HandleWebSocket(func() interface{} {
				return cfg.App.Scheduler.Status()
			}))
		}
	})

	return r
}

package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/http/handlers"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/middleware"
)

func NewRouter(app *handlers.App) http.Handler {
	r := chi.NewRouter()

	r.Use(
		chimw.RequestID,
		chimw.RealIP,
		chimw.Recoverer,
		middleware.Logger(app.Logger),
	)
	var origins []string
	rateLimit := 60
	if app.Config != nil {
		origins = app.Config.CORSOrigins
		if app.Config.RateLimitPerMin > 0 {
			rateLimit = app.Config.RateLimitPerMin
		}
	}
	r.Use(middleware.CORS(origins))

	r.Get("/v1/healthz", app.Health)
	r.Get("/v1/circuits", app.Circuits)

	r.Route("/v1/generations", func(r chi.Router) {
		r.Post("/", app.CreateGeneration)
		r.Get("/{id}", app.GetGeneration)
		r.Get("/{id}/archive", app.GenerationArchive)
		r.With(middleware.RateLimit(rateLimit, time.Minute)).Post("/{id}/sync", app.SyncGeneration)
	})
	r.With(middleware.RateLimit(rateLimit, time.Minute)).Post("/v1/lyrics", app.GenerateLyrics)
	r.With(middleware.RateLimit(rateLimit, time.Minute)).Post("/v1/reconcile", app.Reconcile)
	r.Post("/v1/callbacks/{provider}/{kind}", app.ProviderCallback)

	// persisted media; STORAGE_BASE_URL points here unless a CDN fronts the directory
	if app.Config != nil && app.Config.StoragePath != "" {
		r.Handle("/static/*", http.StripPrefix("/static/", http.FileServer(http.Dir(app.Config.StoragePath))))
	}

	return r
}

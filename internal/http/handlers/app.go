package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/callback"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/domain"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/generation"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/infra"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/poller"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/reconcile"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/resilience"
	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/storage"
)

// App holds everything the HTTP handlers need.
type App struct {
	Config     *infra.Config
	Logger     zerolog.Logger
	Store      domain.Store
	Generation *generation.Service
	Reconciler *reconcile.Reconciler
	Sweeper    *reconcile.Sweeper
	Callbacks  *callback.Processor
	Breakers   *resilience.Registry
	// Archive is optional; without it the archive endpoint answers 501.
	Archive *storage.Archiver
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, errorResponse{Error: errCode, Message: message})
}

// fail maps engine errors onto HTTP statuses.
func (a *App) fail(w http.ResponseWriter, err error) {
	var jobFailed *poller.JobFailedError
	switch {
	case errors.Is(err, domain.ErrInvalidRequest):
		a.error(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, callback.ErrInvalidToken):
		a.error(w, http.StatusUnauthorized, "unauthorized", "invalid callback token")
	case errors.Is(err, domain.ErrNotFound):
		a.error(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrMissingProvider), errors.Is(err, domain.ErrUnsupportedKind):
		a.error(w, http.StatusUnprocessableEntity, "unsupported", err.Error())
	case errors.Is(err, resilience.ErrCircuitOpen):
		a.error(w, http.StatusServiceUnavailable, "circuit_open", err.Error())
	case errors.Is(err, poller.ErrPollTimeout):
		a.error(w, http.StatusGatewayTimeout, "timeout", err.Error())
	case errors.As(err, &jobFailed):
		a.error(w, http.StatusBadGateway, "generation_failed", jobFailed.Message)
	case errors.Is(err, reconcile.ErrNoUsableContent), errors.Is(err, domain.ErrProviderFailure):
		a.error(w, http.StatusBadGateway, "provider_error", err.Error())
	default:
		a.Logger.Error().Err(err).Msg("http: request failed")
		a.error(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

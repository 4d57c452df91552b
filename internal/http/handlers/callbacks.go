package handlers

import (
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/HOW2AI-AGENCY/albert3-muse-synth-studio-sub003/internal/domain"
)

// ProviderCallback is the webhook target handed to providers.
func (a *App) ProviderCallback(w http.ResponseWriter, r *http.Request) {
	provider, ok := domain.ParseProvider(chi.URLParam(r, "provider"))
	if !ok {
		a.error(w, http.StatusNotFound, "not_found", "unknown provider")
		return
	}
	kind, ok := domain.ParseJobKind(chi.URLParam(r, "kind"))
	if !ok {
		a.error(w, http.StatusNotFound, "not_found", "unknown job kind")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		a.error(w, http.StatusBadRequest, "bad_request", "unreadable body")
		return
	}
	receipt, err := a.Callbacks.Process(r.Context(), provider, kind, r.URL.Query().Get("token"), body)
	if err != nil {
		a.Logger.Warn().Err(err).Str("provider", string(provider)).Str("kind", string(kind)).Msg("http: callback rejected")
		if receipt != nil {
			// Evidence was stored; the provider should not retry.
			a.json(w, http.StatusOK, receipt)
			return
		}
		a.fail(w, err)
		return
	}
	a.json(w, http.StatusOK, receipt)
}

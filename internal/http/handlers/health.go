package handlers

import (
	"net/http"
)

func (a *App) Health(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Circuits lists breaker states for operators.
func (a *App) Circuits(w http.ResponseWriter, r *http.Request) {
	a.json(w, http.StatusOK, map[string]any{"circuits": a.Breakers.Snapshots()})
}

package handlers

import (
	"net/http"

	"cre8/internal/httpkit"
	"cre8/internal/render/payload"
)

// ListTemplates returns the payload templates and the accepted asset vocabulary.
func (h *Handler) ListTemplates(w http.ResponseWriter, r *http.Request) error {
	httpkit.WriteJSON(w, http.StatusOK, map[string]any{
		"templates":  h.payloads.Names(),
		"default":    h.payloads.Default(),
		"allowlists": payload.CurrentAllowlists(),
	})
	return nil
}
